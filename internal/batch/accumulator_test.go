package batch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatnotify/internal/eventbus"
	"chatnotify/internal/storage"
	logx "chatnotify/pkg/logx"
)

type staticPresence map[string]string

func (p staticPresence) IsActive(_ context.Context, user, conv string) bool { return p[user] == conv }

type failingStore struct{ storage.BatchStore }

func (failingStore) UpsertBatch(context.Context, storage.BatchMessage) (storage.PendingBatch, error) {
	return storage.PendingBatch{}, errors.New("disk full")
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "batch.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func msg(content string) Message {
	return Message{
		RecipientID:    "r",
		SenderID:       "s",
		SenderName:     "Sam",
		ConversationID: "c",
		SubjectLabel:   "Desk Lamp",
		Content:        content,
	}
}

func TestOnMessageCreatesThenAccumulates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	t0 := time.UnixMilli(1_700_000_000_000)
	now := t0
	a := New(st, staticPresence{}, logx.Nop(), nil, WithClock(func() time.Time { return now }))

	out, err := a.OnMessage(ctx, msg("Hi"))
	require.NoError(t, err)
	require.Equal(t, Created, out)

	now = t0.Add(700 * time.Millisecond)
	out, err = a.OnMessage(ctx, msg("Still interested?"))
	require.NoError(t, err)
	require.Equal(t, Accumulated, out)

	now = t0.Add(1500 * time.Millisecond)
	out, err = a.OnMessage(ctx, msg("?"))
	require.NoError(t, err)
	require.Equal(t, Accumulated, out)

	b, ok, err := st.GetBatch(ctx, "r", "s", "c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, b.MessageCount)
	require.Equal(t, "Hi", b.FirstMessagePreview)
	require.True(t, b.FirstMessageAt.Equal(t0))
	require.True(t, b.LastMessageAt.Equal(now))
}

func TestOnMessageSuppressedWhenPresent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	a := New(st, staticPresence{"r": "c"}, logx.Nop(), bus)
	out, err := a.OnMessage(ctx, msg("hello"))
	require.NoError(t, err)
	require.Equal(t, Suppressed, out)

	_, ok, err := st.GetBatch(ctx, "r", "s", "c")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, eventbus.BatchSuppressed, (<-events).Type)

	// Presence elsewhere does not suppress.
	other := msg("hello")
	other.ConversationID = "c2"
	out, err = a.OnMessage(ctx, other)
	require.NoError(t, err)
	require.Equal(t, Created, out)
}

func TestSuppressedMessageClearsLeftoverBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)

	// Batches written before the recipient opened the conversation.
	for _, sender := range []string{"s", "s2"} {
		_, err := st.UpsertBatch(ctx, storage.BatchMessage{
			RecipientID: "r", SenderID: sender, ConversationID: "c", Content: "earlier", At: time.Now(),
		})
		require.NoError(t, err)
	}

	a := New(st, staticPresence{"r": "c"}, logx.Nop(), nil)
	out, err := a.OnMessage(ctx, msg("hello"))
	require.NoError(t, err)
	require.Equal(t, Suppressed, out)

	for _, sender := range []string{"s", "s2"} {
		_, ok, err := st.GetBatch(ctx, "r", sender, "c")
		require.NoError(t, err)
		require.False(t, ok, sender)
	}
}

func TestOnMessageStoreFailure(t *testing.T) {
	t.Parallel()
	a := New(failingStore{}, nil, logx.Nop(), nil)
	out, err := a.OnMessage(context.Background(), msg("hello"))
	require.Error(t, err)
	require.Equal(t, Failed, out)
}

func TestOnMessageValidates(t *testing.T) {
	t.Parallel()
	a := New(failingStore{}, nil, logx.Nop(), nil)
	tests := []struct {
		name string
		edit func(*Message)
	}{
		{"recipient", func(m *Message) { m.RecipientID = "" }},
		{"sender", func(m *Message) { m.SenderID = " " }},
		{"conversation", func(m *Message) { m.ConversationID = "" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := msg("x")
			tt.edit(&m)
			out, err := a.OnMessage(context.Background(), m)
			if err == nil || out != Failed {
				t.Fatalf("OnMessage = %v, %v; want Failed with error", out, err)
			}
		})
	}
}

func TestOnMessageConcurrentNoLostUpdates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	a := New(st, staticPresence{}, logx.Nop(), nil)

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.OnMessage(ctx, msg("burst"))
		}()
	}
	wg.Wait()

	b, ok, err := st.GetBatch(ctx, "r", "s", "c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, n, b.MessageCount)
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()
	for o, want := range map[Outcome]string{Failed: "failed", Suppressed: "suppressed", Created: "created", Accumulated: "accumulated"} {
		if o.String() != want {
			t.Fatalf("%d.String() = %q, want %q", o, o.String(), want)
		}
	}
}
