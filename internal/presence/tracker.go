package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"chatnotify/internal/eventbus"
	"chatnotify/internal/storage"
	logx "chatnotify/pkg/logx"
)

const DefaultHeartbeatInterval = 20 * time.Second

var ErrInvalid = errors.New("presence: user and conversation ids are required")

type Config struct {
	HeartbeatInterval time.Duration
	// StaleAfter > 0 makes IsActive ignore records whose last heartbeat is
	// older than this. 0 trusts the record until it is cleared.
	StaleAfter time.Duration
}

// Backlog deletes batches a user is about to read live.
type Backlog interface {
	DeleteConversation(ctx context.Context, recipientID, conversationID string) (int64, error)
}

// Tracker records which conversation each user is viewing.
//
// Store failures are logged and swallowed: presence only suppresses
// notifications, so losing it costs at most a redundant push.
type Tracker struct {
	store   storage.PresenceStore
	backlog Backlog
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func New(cfg Config, store storage.PresenceStore, backlog Backlog, log logx.Logger, bus eventbus.Bus, opts ...Option) *Tracker {
	if bus == nil {
		bus = eventbus.Nop()
	}
	t := &Tracker{
		store:    store,
		backlog:  backlog,
		log:      log,
		bus:      bus,
		now:      time.Now,
		cfg:      cfg,
		sessions: map[string]*Session{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Apply swaps the config. Running sessions keep their interval until the
// next SetActive on a fresh session.
func (t *Tracker) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

// SetActive marks conversationID as the one userID is viewing, keeps a
// heartbeat alive for it and drops any batch already pending for that
// conversation.
func (t *Tracker) SetActive(ctx context.Context, userID, conversationID string) error {
	userID, conversationID = strings.TrimSpace(userID), strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return ErrInvalid
	}
	log := t.log.With(logx.String("user", userID), logx.String("conversation", conversationID))

	// Presence is written before the backlog is cleared. The accumulator
	// re-checks presence after its write, so a batch upserted after this
	// delete is removed by the message that wrote it.
	t.upsert(ctx, userID, conversationID)

	t.mu.Lock()
	if s, ok := t.sessions[userID]; ok {
		s.Switch(conversationID)
	} else {
		s = NewSession(userID, t.cfg.HeartbeatInterval, func(ctx context.Context, conv string) {
			t.upsert(ctx, userID, conv)
		})
		t.sessions[userID] = s
		s.Start(conversationID)
	}
	t.mu.Unlock()

	if t.backlog == nil {
		return nil
	}
	n, err := t.backlog.DeleteConversation(ctx, userID, conversationID)
	if err != nil {
		log.Warn("clear backlog failed", logx.Any("err", err))
		return nil
	}
	if n > 0 {
		log.Debug("backlog cleared", logx.Int64("deleted", n))
		t.bus.Publish(eventbus.Event{
			Type: eventbus.PresenceClearedBacklog,
			Data: eventbus.BacklogInfo{UserID: userID, ConversationID: conversationID, Deleted: n},
		})
	}
	return nil
}

// ClearActive stops the heartbeat and nulls the active conversation.
// Calling it for an idle or unknown user is a no-op.
func (t *Tracker) ClearActive(ctx context.Context, userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	t.mu.Lock()
	s := t.sessions[userID]
	delete(t.sessions, userID)
	t.mu.Unlock()

	// Join the heartbeat first so it cannot re-set presence after the clear.
	if s != nil {
		s.Stop()
	}
	if err := t.store.ClearPresence(ctx, userID); err != nil {
		t.log.Warn("presence clear failed", logx.String("user", userID), logx.Any("err", err))
	}
}

// IsActive reports whether userID is currently viewing conversationID.
// Read failures count as not present.
func (t *Tracker) IsActive(ctx context.Context, userID, conversationID string) bool {
	rec, ok, err := t.store.GetPresence(ctx, userID)
	if err != nil {
		t.log.Warn("presence read failed", logx.String("user", userID), logx.Any("err", err))
		return false
	}
	if !ok || rec.ActiveConversationID == "" || rec.ActiveConversationID != conversationID {
		return false
	}
	t.mu.Lock()
	staleAfter := t.cfg.StaleAfter
	t.mu.Unlock()
	if staleAfter > 0 && t.now().Sub(rec.LastSeen) > staleAfter {
		return false
	}
	return true
}

// Sessions returns the number of live heartbeats.
func (t *Tracker) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Stop ends every session and clears its presence.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = map[string]*Session{}
	t.mu.Unlock()

	for user, s := range sessions {
		s.Stop()
		if err := t.store.ClearPresence(ctx, user); err != nil {
			t.log.Warn("presence clear failed", logx.String("user", user), logx.Any("err", err))
		}
	}
	t.log.Info("presence stopped", logx.Int("sessions", len(sessions)))
}

func (t *Tracker) upsert(ctx context.Context, userID, conversationID string) {
	if err := t.store.UpsertPresence(ctx, userID, conversationID, t.now()); err != nil {
		t.log.Warn("presence upsert failed",
			logx.String("user", userID), logx.String("conversation", conversationID), logx.Any("err", err))
	}
}
