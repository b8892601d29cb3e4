package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"marketchat/internal/domain"
)

// SQLiteStore implements domain.MessageStore on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Stats is a snapshot of the message log used by diagnostics.
type Stats struct {
	Messages int
	Unread   int
	Products int
}

var _ domain.MessageStore = (*SQLiteStore)(nil)

// dsnPragmas are applied by the modernc driver to every new connection.
const dsnPragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, in domain.NewMessage) (domain.Message, error) {
	if err := in.Validate(); err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:          uuid.NewString(),
		ProductID:   in.ProductID,
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Content:     in.Content,
		MessageType: in.MessageType,
		CreatedAt:   s.now().UTC(),
	}
	if msg.MessageType == "" {
		msg.MessageType = domain.MessageTypeText
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, product_id, sender_id, recipient_id, content, message_type, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		msg.ID, msg.ProductID, msg.SenderID, msg.RecipientID, msg.Content, msg.MessageType, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if msg.Seq, err = res.LastInsertId(); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

const selectMessages = `SELECT seq, id, product_id, sender_id, recipient_id, content, message_type, is_read, created_at FROM messages`

func (s *SQLiteStore) QueryMessages(ctx context.Context, f domain.MessageFilter) ([]domain.Message, error) {
	if f.Participant == "" {
		return nil, errors.New("query messages: participant is required")
	}

	var (
		where []string
		args  []any
	)
	if f.Counterparty != "" {
		where = append(where, "((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))")
		args = append(args, f.Participant, f.Counterparty, f.Counterparty, f.Participant)
	} else {
		where = append(where, "(sender_id = ? OR recipient_id = ?)")
		args = append(args, f.Participant, f.Participant)
	}
	if f.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, f.ProductID)
	}

	query := selectMessages + " WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at ASC, seq ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := s.db.QueryRowContext(ctx, selectMessages+" WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return m, err
}

// SetRead marks a message read. Repeating it is harmless.
func (s *SQLiteStore) SetRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("set read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set read: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0), COUNT(DISTINCT product_id) FROM messages`,
	).Scan(&st.Messages, &st.Unread, &st.Products)
	if err != nil {
		return Stats{}, fmt.Errorf("message stats: %w", err)
	}
	return st, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (domain.Message, error) {
	var (
		m       domain.Message
		isRead  int
		created int64
	)
	if err := row.Scan(&m.Seq, &m.ID, &m.ProductID, &m.SenderID, &m.RecipientID,
		&m.Content, &m.MessageType, &isRead, &created); err != nil {
		return domain.Message{}, err
	}
	m.IsRead = isRead != 0
	m.CreatedAt = time.Unix(0, created).UTC()
	return m, nil
}
