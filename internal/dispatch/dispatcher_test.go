package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/internal/bus"
	"marketchat/internal/domain"
	"marketchat/internal/metrics"
	"marketchat/internal/protocol"
	"marketchat/internal/registry"
	"marketchat/internal/store"
)

// recordingConn captures every frame pushed to it.
type recordingConn struct {
	mu     sync.Mutex
	frames []any
	err    error
}

func (c *recordingConn) Send(frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *recordingConn) Close(int, string) error { return nil }

func (c *recordingConn) Frames() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.frames...)
}

type failingStore struct {
	domain.MessageStore
	block bool
}

func (s *failingStore) InsertMessage(ctx context.Context, _ domain.NewMessage) (domain.Message, error) {
	if s.block {
		<-ctx.Done()
		return domain.Message{}, ctx.Err()
	}
	return domain.Message{}, errors.New("database is locked")
}

func (s *failingStore) GetMessage(context.Context, string) (domain.Message, error) {
	return domain.Message{}, errors.New("database is locked")
}

type fixture struct {
	store    *store.SQLiteStore
	registry *registry.Local
	events   *bus.EventBus
	d        *Dispatcher
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := registry.NewLocal()
	eb := bus.NewEventBus(discardLogger())
	return &fixture{
		store:    s,
		registry: reg,
		events:   eb,
		d:        New(s, reg, eb, discardLogger(), Config{StoreTimeout: time.Second, MaxContentLength: 20}),
	}
}

func (f *fixture) connect(userID string) *recordingConn {
	c := &recordingConn{}
	f.registry.Register(userID, userID, c)
	return c
}

func origin(userID string, c registry.Conn) Origin {
	return Origin{Identity: domain.Identity{UserID: userID, DisplayName: userID}, Conn: c}
}

var p1u2 = domain.ConversationKey{ProductID: "p1", CounterpartyID: "u2"}

func TestSend_AcksSenderAndPushesToOnlineRecipient(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	u1, u2 := f.connect("u1"), f.connect("u2")

	msg, err := f.d.Send(context.Background(), origin("u1", u1), Target{Key: p1u2}, "hello", "")
	req.NoError(err)

	req.Len(u1.Frames(), 1)
	ack := u1.Frames()[0].(protocol.NewMessage)
	req.Equal(protocol.TypeNewMessage, ack.Type)
	req.Equal("p1-u2", ack.ConversationID)
	req.Equal("hello", ack.Message.Content)
	req.Equal("u1", ack.Message.SenderID)
	req.Equal(msg.ID, ack.Message.ID)

	req.Equal(u1.Frames(), u2.Frames())
}

func TestSend_PersistedBeforeAck(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	var seenAtAck []domain.Message
	ack := &hookConn{onSend: func() {
		seenAtAck, _ = f.store.QueryMessages(context.Background(), domain.MessageFilter{
			Participant: "u1", Counterparty: "u2", ProductID: "p1",
		})
	}}

	msg, err := f.d.Send(context.Background(), origin("u1", ack), Target{Key: p1u2}, "hello", "")
	req.NoError(err)
	req.Len(seenAtAck, 1)
	req.Equal(msg.ID, seenAtAck[0].ID)
}

type hookConn struct {
	recordingConn
	onSend func()
}

func (c *hookConn) Send(frame any) error {
	c.onSend()
	return c.recordingConn.Send(frame)
}

func TestSend_OfflineRecipientIsNotAnError(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	u1 := f.connect("u1")

	_, err := f.d.Send(context.Background(), origin("u1", u1), Target{Key: p1u2}, "hello", "")
	req.NoError(err)
	req.Len(u1.Frames(), 1)

	msgs, err := f.store.QueryMessages(context.Background(), domain.MessageFilter{Participant: "u2"})
	req.NoError(err)
	req.Len(msgs, 1)
	req.False(msgs[0].IsRead)
}

func TestSend_BareRecipientIsMissingContext(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	u1 := f.connect("u1")

	_, err := f.d.Send(context.Background(), origin("u1", u1), Target{RecipientID: "u2"}, "hello", "")
	req.ErrorIs(err, domain.ErrMissingContext)

	_, err = f.d.Send(context.Background(), origin("u1", u1), Target{}, "hello", "")
	req.ErrorIs(err, domain.ErrMissingContext)

	req.Empty(u1.Frames())
	st, err := f.store.Stats(context.Background())
	req.NoError(err)
	req.Zero(st.Messages)
}

func TestSend_RejectsBadContent(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect("u1")

	for _, content := range []string{"", "   ", "this message is far too long", "\xff\xfe"} {
		_, err := f.d.Send(context.Background(), origin("u1", u1), Target{Key: p1u2}, content, "")
		require.ErrorIs(t, err, domain.ErrInvalidContent, "content %q", content)
	}
	require.Empty(t, u1.Frames())
}

func TestSend_ToSelf(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect("u1")
	_, err := f.d.Send(context.Background(), origin("u1", u1), Target{Key: domain.ConversationKey{ProductID: "p1", CounterpartyID: "u1"}}, "hi", "")
	require.ErrorIs(t, err, domain.ErrSelfMessage)
}

func TestSend_StoreFailureReportsAndPushesNothing(t *testing.T) {
	req := require.New(t)
	reg := registry.NewLocal()
	u1, u2 := &recordingConn{}, &recordingConn{}
	reg.Register("u1", "u1", u1)
	reg.Register("u2", "u2", u2)
	d := New(&failingStore{}, reg, bus.NewEventBus(discardLogger()), discardLogger(), Config{})

	_, err := d.Send(context.Background(), origin("u1", u1), Target{Key: p1u2}, "hello", "")
	req.ErrorIs(err, domain.ErrStoreFailure)
	req.NotContains(err.Error(), "hello")
	req.Empty(u1.Frames())
	req.Empty(u2.Frames())
}

func TestSend_StoreCallIsBounded(t *testing.T) {
	d := New(&failingStore{block: true}, registry.NewLocal(), bus.NewEventBus(discardLogger()), discardLogger(),
		Config{StoreTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := d.Send(context.Background(), origin("u1", &recordingConn{}), Target{Key: p1u2}, "hello", "")
	require.ErrorIs(t, err, domain.ErrStoreFailure)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestSend_EmitsEventBeforeAck(t *testing.T) {
	f := newFixture(t)
	var order []string
	f.events.On(bus.EventMessageSent, func(bus.Event) { order = append(order, "event") })
	ack := &hookConn{onSend: func() { order = append(order, "ack") }}

	_, err := f.d.Send(context.Background(), origin("u1", ack), Target{Key: p1u2}, "hello", "")
	require.NoError(t, err)
	require.Equal(t, []string{"event", "ack"}, order)
}

func TestSend_RecipientPushFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect("u1")
	broken := &recordingConn{err: errors.New("broken pipe")}
	f.registry.Register("u2", "u2", broken)

	_, err := f.d.Send(context.Background(), origin("u1", u1), Target{Key: p1u2}, "hello", "")
	require.NoError(t, err)
	require.Len(t, u1.Frames(), 1)
}

func TestSignalTyping(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	from := domain.Identity{UserID: "u1", DisplayName: "Alice"}

	req.NoError(f.d.SignalTyping(context.Background(), from, p1u2), "offline counterparty")

	u2 := f.connect("u2")
	req.NoError(f.d.SignalTyping(context.Background(), from, p1u2))
	req.Equal([]any{protocol.TypingSignal{
		Type: protocol.TypeTyping, ConversationID: "p1-u1", UserID: "u1", Username: "Alice",
	}}, u2.Frames())

	req.ErrorIs(f.d.SignalTyping(context.Background(), from, domain.ConversationKey{}), domain.ErrMalformedFrame)

	st, err := f.store.Stats(context.Background())
	req.NoError(err)
	req.Zero(st.Messages, "typing is never persisted")
}

func TestMarkRead_RecipientIsIdempotent(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	u1, u2 := f.connect("u1"), f.connect("u2")

	msg, err := f.d.Send(context.Background(), origin("u1", u1), Target{Key: p1u2}, "hello", "")
	req.NoError(err)

	var reads int
	f.events.On(bus.EventMessageRead, func(bus.Event) { reads++ })

	for i := 0; i < 2; i++ {
		ok, err := f.d.MarkRead(context.Background(), origin("u2", u2), msg.ID)
		req.NoError(err)
		req.True(ok)
		got, err := f.store.GetMessage(context.Background(), msg.ID)
		req.NoError(err)
		req.True(got.IsRead)
	}
	req.Equal(1, reads)

	confirm := protocol.NewMessageRead(msg.ID)
	req.Equal(confirm, u2.Frames()[len(u2.Frames())-1])
	req.Contains(u1.Frames(), any(confirm), "sender is told the message was read")
}

func TestMarkRead_NonRecipientIsSilentNoop(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	u1 := f.connect("u1")
	u3 := f.connect("u3")

	msg, err := f.d.Send(context.Background(), origin("u1", u1), Target{Key: p1u2}, "hello", "")
	req.NoError(err)

	for _, caller := range []string{"u1", "u3"} {
		c := u3
		if caller == "u1" {
			c = u1
		}
		before := len(c.Frames())
		ok, err := f.d.MarkRead(context.Background(), origin(caller, c), msg.ID)
		req.NoError(err)
		req.False(ok)
		req.Len(c.Frames(), before)
	}

	got, err := f.store.GetMessage(context.Background(), msg.ID)
	req.NoError(err)
	req.False(got.IsRead)

	ok, err := f.d.MarkRead(context.Background(), origin("u3", u3), "no-such-id")
	req.NoError(err)
	req.False(ok)
}

func TestMarkRead_StoreFailure(t *testing.T) {
	d := New(&failingStore{}, registry.NewLocal(), bus.NewEventBus(discardLogger()), discardLogger(), Config{})
	_, err := d.MarkRead(context.Background(), origin("u2", &recordingConn{}), "m1")
	require.ErrorIs(t, err, domain.ErrStoreFailure)
}

func TestMarkRead_UnknownMessageRecordsStoreLatency(t *testing.T) {
	f := newFixture(t)
	u2 := f.connect("u2")

	before := metrics.StoreLatency.Count()
	ok, err := f.d.MarkRead(context.Background(), origin("u2", u2), "no-such-id")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, before+1, metrics.StoreLatency.Count())
}
