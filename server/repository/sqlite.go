package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kabili207/rpi-messages-go/core/clock"
	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/server/message"
)

// Compile-time assertion that SQLite implements Repository.
var _ Repository = (*SQLite)(nil)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS devices (
  device_id INTEGER PRIMARY KEY,
  name      TEXT NOT NULL,
  added_at  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  id            INTEGER PRIMARY KEY,
  receiver_id   INTEGER NOT NULL,
  sender        TEXT NOT NULL CHECK(sender IN ('web','mqtt','seed','cli')),
  created_at    INTEGER NOT NULL,
  lifetime_secs INTEGER NOT NULL,
  kind          TEXT NOT NULL CHECK(kind IN ('text','image')),
  content       BLOB NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_receiver_time
ON messages (receiver_id, created_at, id);
`,
}

// SQLite is a Repository backed by a SQLite database file.
type SQLite struct {
	db    *sql.DB
	clock *clock.Clock

	// serializes id and created_at assignment
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// OpenSQLite opens (or creates) the database at path and runs schema
// migrations. If clk is nil the system clock is used.
func OpenSQLite(path string, clk *clock.Clock) (*SQLite, error) {
	if clk == nil {
		clk = clock.New()
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &SQLite{db: db, clock: clk}
	if err := s.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

// SchemaVersion returns the applied migration count.
func (s *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLite) applyMigrations() error {
	version, err := s.SchemaVersion(context.Background())
	if err != nil {
		return err
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *SQLite) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

const selectMessage = `SELECT id, receiver_id, sender, created_at, lifetime_secs, kind, content FROM messages`

// NextMessage implements Repository.
func (s *SQLite) NextMessage(ctx context.Context, device protocol.DeviceID, after protocol.NullMessageID) (*message.Message, error) {
	var row *sql.Row
	cursorAt, ok, err := s.createdAt(ctx, after)
	if err != nil {
		return nil, err
	}
	if ok {
		row = s.db.QueryRowContext(ctx, selectMessage+`
WHERE receiver_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))
ORDER BY created_at, id
LIMIT 1;`, uint32(device), cursorAt, cursorAt, uint32(after.ID))
	} else {
		row = s.db.QueryRowContext(ctx, selectMessage+`
WHERE receiver_id = ?
ORDER BY created_at, id
LIMIT 1;`, uint32(device))
	}

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query next message for %s: %w", device, err)
	}
	return msg, nil
}

// createdAt looks up the cursor message. An absent or unknown cursor
// reports ok=false.
func (s *SQLite) createdAt(ctx context.Context, after protocol.NullMessageID) (int64, bool, error) {
	if !after.Valid {
		return 0, false, nil
	}
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM messages WHERE id = ?;`, uint32(after.ID)).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query cursor message %s: %w", after.ID, err)
	}
	return ns, true, nil
}

// AddMessage implements Repository.
func (s *SQLite) AddMessage(ctx context.Context, in message.Insert) (protocol.MessageID, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var next, lastCreated int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id) + 1, 0), COALESCE(MAX(created_at), 0) FROM messages;`,
	).Scan(&next, &lastCreated); err != nil {
		return 0, fmt.Errorf("read next message id: %w", err)
	}
	if uint64(next) > maxMessages {
		return 0, ErrFull
	}

	created := s.clock.NowUnique().UnixNano()
	if created <= lastCreated {
		created = lastCreated + 1
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, receiver_id, sender, created_at, lifetime_secs, kind, content)
VALUES (?, ?, ?, ?, ?, ?, ?);`,
		next,
		uint32(in.Meta.ReceiverID),
		string(in.Sender),
		created,
		int64(in.Meta.Lifetime/time.Second),
		in.Content.Kind.String(),
		in.Content.Bytes(),
	); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert transaction: %w", err)
	}
	return protocol.MessageID(next), nil
}

// Message implements Repository.
func (s *SQLite) Message(ctx context.Context, id protocol.MessageID) (*message.Message, error) {
	row := s.db.QueryRowContext(ctx, selectMessage+` WHERE id = ?;`, uint32(id))
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query message %s: %w", id, err)
	}
	return msg, nil
}

// AddDevice implements Repository.
func (s *SQLite) AddDevice(ctx context.Context, d message.Device) error {
	added := d.AddedAt
	if added.IsZero() {
		added = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO devices (device_id, name, added_at) VALUES (?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET name = excluded.name;`,
		uint32(d.ID), d.Name, added.UnixNano())
	if err != nil {
		return fmt.Errorf("add device %s: %w", d.ID, err)
	}
	return nil
}

// Devices implements Repository.
func (s *SQLite) Devices(ctx context.Context) ([]message.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, name, added_at FROM devices ORDER BY device_id;`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []message.Device
	for rows.Next() {
		var (
			id    int64
			name  string
			added int64
		)
		if err := rows.Scan(&id, &name, &added); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, message.Device{
			ID:      protocol.DeviceID(id),
			Name:    name,
			AddedAt: time.Unix(0, added),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*message.Message, error) {
	var (
		id, receiver, created, lifetime int64
		sender, kind                    string
		content                         []byte
	)
	if err := row.Scan(&id, &receiver, &sender, &created, &lifetime, &kind, &content); err != nil {
		return nil, err
	}
	snd, err := message.ParseSender(sender)
	if err != nil {
		return nil, err
	}
	c, err := contentFromStored(kind, string(content), content)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", id, err)
	}
	return &message.Message{
		ID: protocol.MessageID(id),
		Meta: message.Meta{
			ReceiverID: protocol.DeviceID(receiver),
			Lifetime:   time.Duration(lifetime) * time.Second,
		},
		Sender:    snd,
		CreatedAt: time.Unix(0, created),
		Content:   c,
	}, nil
}
