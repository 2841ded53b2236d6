package push

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	logx "chatnotify/pkg/logx"
)

// ErrNoRoute means the recipient has no delivery address on this transport.
var ErrNoRoute = errors.New("push: no route to recipient")

const PayloadTypeChatMessage = "chat_message"

// Payload carries the routing data a client needs to deep-link.
type Payload struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	MessageCount   int    `json:"message_count"`
	Batched        bool   `json:"batched"`
}

// Notification is one formatted push for one recipient.
type Notification struct {
	RecipientID string  `json:"recipient_id"`
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	Payload     Payload `json:"payload"`
}

// Dispatcher delivers notifications. A nil error means accepted by the transport.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, n Notification) error

func (f DispatcherFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// Log writes notifications to the logger instead of a device. It is the
// default transport for development.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log { return &Log{log: log} }

func (d *Log) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log.Info("push",
		logx.String("recipient", n.RecipientID),
		logx.String("title", n.Title),
		logx.String("body", n.Body),
		logx.String("conversation", n.Payload.ConversationID),
		logx.Int("count", n.Payload.MessageCount),
		logx.Bool("batched", n.Payload.Batched),
	)
	return nil
}

// Limited throttles a Dispatcher to a steady rate. Send waits for a token
// and gives up when ctx ends.
type Limited struct {
	next Dispatcher

	mu  sync.RWMutex
	lim *rate.Limiter
}

// NewLimited wraps next. perSec <= 0 means unlimited.
func NewLimited(next Dispatcher, perSec float64) *Limited {
	l := &Limited{next: next}
	l.SetRate(perSec)
	return l
}

// SetRate changes the limit in place; used on config reload.
func (l *Limited) SetRate(perSec float64) {
	var lim *rate.Limiter
	if perSec > 0 {
		burst := int(perSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	l.mu.Lock()
	l.lim = lim
	l.mu.Unlock()
}

func (l *Limited) Send(ctx context.Context, n Notification) error {
	l.mu.RLock()
	lim := l.lim
	l.mu.RUnlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return l.next.Send(ctx, n)
}
