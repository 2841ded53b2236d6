package batch

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatnotify/internal/eventbus"
	"chatnotify/internal/storage"
	logx "chatnotify/pkg/logx"
)

// Outcome is the result of folding one message into the pipeline.
type Outcome int

const (
	Failed Outcome = iota
	Suppressed
	Created
	Accumulated
)

func (o Outcome) String() string {
	switch o {
	case Suppressed:
		return "suppressed"
	case Created:
		return "created"
	case Accumulated:
		return "accumulated"
	default:
		return "failed"
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Message is one persisted chat message.
type Message struct {
	RecipientID    string    `json:"recipient_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	ConversationID string    `json:"conversation_id"`
	SubjectLabel   string    `json:"subject_label"`
	Content        string    `json:"content"`
	At             time.Time `json:"-"`
}

func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.RecipientID) == "":
		return errors.New("recipient_id is required")
	case strings.TrimSpace(m.SenderID) == "":
		return errors.New("sender_id is required")
	case strings.TrimSpace(m.ConversationID) == "":
		return errors.New("conversation_id is required")
	}
	return nil
}

// Presence answers whether a recipient is looking at a conversation.
type Presence interface {
	IsActive(ctx context.Context, userID, conversationID string) bool
}

// Accumulator coalesces messages into one pending batch per
// (recipient, sender, conversation) unless the recipient is watching.
type Accumulator struct {
	store    storage.BatchStore
	presence Presence
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
}

type Option func(*Accumulator)

func WithClock(now func() time.Time) Option { return func(a *Accumulator) { a.now = now } }

func New(store storage.BatchStore, presence Presence, log logx.Logger, bus eventbus.Bus, opts ...Option) *Accumulator {
	if bus == nil {
		bus = eventbus.Nop()
	}
	a := &Accumulator{store: store, presence: presence, log: log, bus: bus, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// OnMessage records m for later delivery. A store failure yields Failed and
// the error; callers on the message path log it and move on.
func (a *Accumulator) OnMessage(ctx context.Context, m Message) (Outcome, error) {
	if err := m.Validate(); err != nil {
		return Failed, err
	}
	info := eventbus.BatchInfo{RecipientID: m.RecipientID, SenderID: m.SenderID, ConversationID: m.ConversationID}

	if a.present(ctx, m) {
		a.suppress(ctx, info)
		return Suppressed, nil
	}

	at := m.At
	if at.IsZero() {
		at = a.now()
	}
	b, err := a.store.UpsertBatch(ctx, storage.BatchMessage{
		RecipientID:       m.RecipientID,
		SenderID:          m.SenderID,
		SenderDisplayName: m.SenderName,
		ConversationID:    m.ConversationID,
		SubjectLabel:      m.SubjectLabel,
		Content:           m.Content,
		At:                at,
	})
	if err != nil {
		a.log.Warn("batch upsert failed",
			logx.String("recipient", m.RecipientID),
			logx.String("sender", m.SenderID),
			logx.String("conversation", m.ConversationID),
			logx.Any("err", err))
		info.Err = err.Error()
		a.bus.Publish(eventbus.Event{Type: eventbus.BatchFailed, Data: info})
		return Failed, err
	}

	info.BatchID = b.ID
	info.MessageCount = b.MessageCount
	// The recipient may have opened the conversation between the check above
	// and the write, after its backlog was cleared.
	if a.present(ctx, m) {
		a.suppress(ctx, info)
		return Suppressed, nil
	}
	if b.MessageCount == 1 {
		a.bus.Publish(eventbus.Event{Type: eventbus.BatchCreated, Data: info})
		return Created, nil
	}
	a.log.Trace("batch accumulated", logx.String("batch", b.ID), logx.Int("count", b.MessageCount))
	a.bus.Publish(eventbus.Event{Type: eventbus.BatchAccumulated, Data: info})
	return Accumulated, nil
}

func (a *Accumulator) present(ctx context.Context, m Message) bool {
	return a.presence != nil && a.presence.IsActive(ctx, m.RecipientID, m.ConversationID)
}

// suppress drops whatever is pending for the conversation the recipient is
// reading, so nothing queued before the open is delivered.
func (a *Accumulator) suppress(ctx context.Context, info eventbus.BatchInfo) {
	n, err := a.store.DeleteConversation(ctx, info.RecipientID, info.ConversationID)
	if err != nil {
		a.log.Warn("clear suppressed backlog failed",
			logx.String("recipient", info.RecipientID),
			logx.String("conversation", info.ConversationID),
			logx.Any("err", err))
	} else if n > 0 {
		a.log.Debug("suppressed backlog cleared", logx.String("recipient", info.RecipientID), logx.Int64("deleted", n))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.BatchSuppressed, Data: info})
}
