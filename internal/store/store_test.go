package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// frozenClock returns the same instant on every call so ordering falls back to seq.
func frozenClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func insert(t *testing.T, s *SQLiteStore, product, from, to, content string) domain.Message {
	t.Helper()
	m, err := s.InsertMessage(context.Background(), domain.NewMessage{
		ProductID: product, SenderID: from, RecipientID: to, Content: content,
	})
	require.NoError(t, err)
	return m
}

func TestInsertMessage_AssignsIdentity(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	a := insert(t, s, "p1", "u1", "u2", "hello")
	b := insert(t, s, "p1", "u2", "u1", "hi back")

	req.NotEmpty(a.ID)
	req.NotEqual(a.ID, b.ID)
	req.Greater(b.Seq, a.Seq)
	req.Equal(domain.MessageTypeText, a.MessageType)
	req.False(a.IsRead)
	req.False(a.CreatedAt.IsZero())

	got, err := s.GetMessage(context.Background(), a.ID)
	req.NoError(err)
	req.Equal(a, got)
}

func TestInsertMessage_RejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertMessage(ctx, domain.NewMessage{ProductID: "p1", SenderID: "u1", RecipientID: "u1", Content: "x"})
	require.ErrorIs(t, err, domain.ErrSelfMessage)

	_, err = s.InsertMessage(ctx, domain.NewMessage{SenderID: "u1", RecipientID: "u2", Content: "x"})
	require.ErrorIs(t, err, domain.ErrMissingContext)
}

func TestQueryMessages_Filters(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	insert(t, s, "p1", "u1", "u2", "a")
	insert(t, s, "p1", "u2", "u1", "b")
	insert(t, s, "p2", "u1", "u3", "c")
	insert(t, s, "p1", "u3", "u2", "d")

	all, err := s.QueryMessages(ctx, domain.MessageFilter{Participant: "u1"})
	req.NoError(err)
	req.Len(all, 3)

	pair, err := s.QueryMessages(ctx, domain.MessageFilter{Participant: "u1", Counterparty: "u2", ProductID: "p1"})
	req.NoError(err)
	req.Len(pair, 2)
	req.Equal("a", pair[0].Content)
	req.Equal("b", pair[1].Content)

	none, err := s.QueryMessages(ctx, domain.MessageFilter{Participant: "u9"})
	req.NoError(err)
	req.NotNil(none)
	req.Empty(none)

	_, err = s.QueryMessages(ctx, domain.MessageFilter{})
	req.Error(err)
}

func TestQueryMessages_SameTimestampOrderedBySeq(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	s.now = frozenClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	for _, c := range []string{"one", "two", "three"} {
		insert(t, s, "p1", "u1", "u2", c)
	}

	msgs, err := s.QueryMessages(context.Background(), domain.MessageFilter{Participant: "u2"})
	req.NoError(err)
	req.Equal([]string{"one", "two", "three"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
}

func TestSetRead_Idempotent(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	m := insert(t, s, "p1", "u1", "u2", "hello")
	req.NoError(s.SetRead(ctx, m.ID))
	req.NoError(s.SetRead(ctx, m.ID))

	got, err := s.GetMessage(ctx, m.ID)
	req.NoError(err)
	req.True(got.IsRead)

	req.ErrorIs(s.SetRead(ctx, "missing"), domain.ErrNotFound)
	_, err = s.GetMessage(ctx, "missing")
	req.ErrorIs(err, domain.ErrNotFound)
}

func TestStats(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	m := insert(t, s, "p1", "u1", "u2", "a")
	insert(t, s, "p2", "u1", "u2", "b")
	req.NoError(s.SetRead(ctx, m.ID))

	st, err := s.Stats(ctx)
	req.NoError(err)
	req.Equal(Stats{Messages: 2, Unread: 1, Products: 2}, st)
}

func TestInsertMessage_Concurrent(t *testing.T) {
	s := newTestStore(t)
	errs := make(chan error, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.InsertMessage(context.Background(), domain.NewMessage{
				ProductID: "p1", SenderID: "u1", RecipientID: "u2", Content: "x",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, st.Messages)
}

func TestQueryMessages_CanceledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.QueryMessages(ctx, domain.MessageFilter{Participant: "u1"})
	require.Error(t, err)
}

func TestNewSQLiteStore_EnablesWALAndBusyTimeout(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	var mode string
	req.NoError(s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	req.Equal("wal", mode)

	var timeout int
	req.NoError(s.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
	req.Equal(5000, timeout)
}
