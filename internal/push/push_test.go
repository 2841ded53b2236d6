package push

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	logx "chatnotify/pkg/logx"
)

func TestLogDispatcher(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	d := NewLog(logx.NewWriter(&buf, "info"))
	n := Notification{RecipientID: "r", Title: "Sam sent 3 messages", Payload: Payload{Type: PayloadTypeChatMessage, MessageCount: 3, Batched: true}}
	if err := d.Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(buf.String(), "Sam sent 3 messages") {
		t.Fatalf("log output missing title: %s", buf.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Send(ctx, n); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send on canceled ctx = %v", err)
	}
}

func TestLimitedThrottles(t *testing.T) {
	t.Parallel()
	var sent int
	l := NewLimited(DispatcherFunc(func(context.Context, Notification) error {
		sent++
		return nil
	}), 1)

	ctx := context.Background()
	if err := l.Send(ctx, Notification{}); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	// The bucket is empty; a short deadline cannot wait a full second.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Send(short, Notification{}); err == nil {
		t.Fatal("expected throttled Send to fail")
	}

	l.SetRate(0)
	if err := l.Send(ctx, Notification{}); err != nil {
		t.Fatalf("unlimited Send: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
}

func TestTelegramRoute(t *testing.T) {
	t.Parallel()
	cfg := TelegramConfig{Chats: map[string]int64{"alice": 42}}
	tests := []struct {
		recipient string
		want      int64
		wantErr   bool
	}{
		{recipient: "alice", want: 42},
		{recipient: "-100123", want: -100123},
		{recipient: "bob", wantErr: true},
		{recipient: "0", wantErr: true},
	}
	for _, tt := range tests {
		got, err := cfg.route(tt.recipient)
		if tt.wantErr {
			if !errors.Is(err, ErrNoRoute) {
				t.Fatalf("route(%q) err = %v, want ErrNoRoute", tt.recipient, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("route(%q) = %d, %v; want %d", tt.recipient, got, err, tt.want)
		}
	}
}

func TestRenderHTMLEscapes(t *testing.T) {
	t.Parallel()
	got := renderHTML(Notification{Title: "New message from <Sam>", Body: "a & b"})
	want := "<b>New message from &lt;Sam&gt;</b>\na &amp; b"
	if got != want {
		t.Fatalf("renderHTML = %q, want %q", got, want)
	}
}
