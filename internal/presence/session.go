package presence

import (
	"context"
	"sync"
	"time"
)

// Beat refreshes liveness for the session's current conversation.
type Beat func(ctx context.Context, conversationID string)

// Session owns the heartbeat of one user. At most one heartbeat goroutine is
// alive per Session; Stop joins it before returning.
type Session struct {
	userID   string
	interval time.Duration
	beat     Beat

	mu     sync.Mutex
	conv   string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(userID string, interval time.Duration, beat Beat) *Session {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Session{userID: userID, interval: interval, beat: beat}
}

func (s *Session) UserID() string { return s.userID }

// Start begins heartbeating for conversationID. On a running session it
// only retargets, like Switch.
func (s *Session) Start(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv = conversationID
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Switch retargets a running heartbeat without restarting its timer.
func (s *Session) Switch(conversationID string) {
	s.mu.Lock()
	s.conv = conversationID
	s.mu.Unlock()
}

// Conversation returns the current conversation and whether the heartbeat runs.
func (s *Session) Conversation() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv, s.cancel != nil
}

// Stop cancels the heartbeat and waits for it to exit. No beat fires after
// Stop returns. Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Session) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.mu.Lock()
		conv := s.conv
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if s.beat != nil && conv != "" {
			s.beat(ctx, conv)
		}
	}
}
