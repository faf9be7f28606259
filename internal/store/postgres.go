package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"

	"github.com/parley/chat-app/internal/message"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore persists messages in PostgreSQL through lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database, verifies the connection and applies
// pending migrations.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

const messageColumns = `id, client_id, room_id, sender_id, receiver_id, content, message_type, attachment, status, created_at`

// Create inserts msg. A repeated (sender_id, client_id) pair loads the
// existing row instead.
func (s *PostgresStore) Create(ctx context.Context, msg *message.Message) (bool, error) {

	attachment, err := encodeAttachment(msg.Attachment)
	if err != nil {
		return false, err
	}
	if msg.RoomID == "" {
		msg.RoomID = message.RoomKey(msg.SenderID, msg.ReceiverID)
	}
	id := ulid.Make().String()
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sender_id, client_id) WHERE client_id IS NOT NULL DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		id,
		nullString(msg.ClientID),
		msg.RoomID,
		msg.SenderID,
		msg.ReceiverID,
		msg.Content,
		msg.Kind,
		attachment,
		string(msg.Status),
		createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("store: insert message: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.getByClient(ctx, msg.SenderID, msg.ClientID)
		if err != nil {
			return false, err
		}
		*msg = *existing
		return false, nil
	}

	msg.ID = id
	msg.CreatedAt = createdAt
	return true, nil
}

// Get returns the message with id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*message.Message, error) {

	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) getByClient(ctx context.Context, senderID, clientID string) (*message.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sender_id = $1 AND client_id = $2`,
		senderID, clientID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("store: load existing message: %w", err)
	}
	return m, nil
}

// History returns the newest page of the conversation, oldest first.
func (s *PostgresStore) History(ctx context.Context, userID, peerID string, q HistoryQuery) ([]message.Message, error) {
	q = q.Normalize()

	var before interface{}
	if !q.Before.IsZero() {
		before = q.Before
	}

	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE room_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, message.RoomKey(userID, peerID), before, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate history: %w", err)
	}

	reverse(out)
	return out, nil
}

// MarkSeen updates unseen messages addressed to receiverID.
func (s *PostgresStore) MarkSeen(ctx context.Context, receiverID string, ids []string) (int, error) {

	ids = dedupe(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	const query = `
		UPDATE messages SET status = 'seen'
		WHERE id = ANY($1) AND receiver_id = $2 AND status = 'sent'`

	res, err := s.db.ExecContext(ctx, query, pq.Array(ids), receiverID)
	if err != nil {
		return 0, fmt.Errorf("store: mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark seen rows: %w", err)
	}
	return int(n), nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*message.Message, error) {
	var (
		m          message.Message
		clientID   sql.NullString
		attachment []byte
		status     string
	)
	err := row.Scan(
		&m.ID,
		&clientID,
		&m.RoomID,
		&m.SenderID,
		&m.ReceiverID,
		&m.Content,
		&m.Kind,
		&attachment,
		&status,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ClientID = clientID.String
	m.Status = message.Status(status)
	m.CreatedAt = m.CreatedAt.UTC()

	if len(attachment) > 0 {
		var a message.Attachment
		if err := json.Unmarshal(attachment, &a); err != nil {
			return nil, fmt.Errorf("decode attachment: %w", err)
		}
		m.Attachment = &a
	}
	return &m, nil
}

// encodeAttachment returns the JSONB text. lib/pq sends []byte as bytea,
// which a jsonb column rejects, so the document travels as a string.
func encodeAttachment(a *message.Attachment) (sql.NullString, error) {
	if a == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: encode attachment: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
