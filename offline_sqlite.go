package rise

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const outboundSchema = `
CREATE TABLE IF NOT EXISTS outbound_actions (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	method            TEXT NOT NULL,
	target_path       TEXT NOT NULL,
	payload           BLOB,
	conversation_id   TEXT NOT NULL DEFAULT '',
	client_message_id TEXT NOT NULL DEFAULT '',
	enqueued_at       TIMESTAMP NOT NULL,
	attempt_count     INTEGER NOT NULL DEFAULT 0
)`

// SQLQueueStore is a QueueStore on a database/sql handle. AUTOINCREMENT
// keeps ids monotonic even after the newest row is deleted.
type SQLQueueStore struct {
	db *sql.DB
}

var _ QueueStore = (*SQLQueueStore)(nil)

// NewSQLQueueStore wraps an open database. The table must exist; see Migrate.
func NewSQLQueueStore(db *sql.DB) *SQLQueueStore {
	return &SQLQueueStore{db: db}
}

// OpenSQLiteQueueStore opens a SQLite file and creates the queue table.
func OpenSQLiteQueueStore(ctx context.Context, path string) (*SQLQueueStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := NewSQLQueueStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the queue table if needed.
func (s *SQLQueueStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, outboundSchema); err != nil {
		return fmt.Errorf("migrate queue: %w", err)
	}
	return nil
}

func (s *SQLQueueStore) Close() error {
	return s.db.Close()
}

func (s *SQLQueueStore) Append(ctx context.Context, action *QueuedAction) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbound_actions
			(method, target_path, payload, conversation_id, client_message_id, enqueued_at, attempt_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		action.Method,
		action.TargetPath,
		[]byte(action.Payload),
		action.ConversationID,
		action.ClientMessageID,
		action.EnqueuedAt.UTC(),
		action.AttemptCount,
	)
	if err != nil {
		return 0, fmt.Errorf("append action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append action: %w", err)
	}
	return uint64(id), nil
}

func (s *SQLQueueStore) ReadAll(ctx context.Context) ([]*QueuedAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, target_path, payload, conversation_id, client_message_id, enqueued_at, attempt_count
		FROM outbound_actions
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	defer rows.Close()

	var out []*QueuedAction
	for rows.Next() {
		var (
			a          QueuedAction
			payload    []byte
			enqueuedAt time.Time
		)
		if err := rows.Scan(&a.ID, &a.Method, &a.TargetPath, &payload,
			&a.ConversationID, &a.ClientMessageID, &enqueuedAt, &a.AttemptCount); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Payload = payload
		a.EnqueuedAt = enqueuedAt
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLQueueStore) Remove(ctx context.Context, id uint64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbound_actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove action: %w", err)
	}
	return nil
}

func (s *SQLQueueStore) UpdateAttempts(ctx context.Context, id uint64, attempts int) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE outbound_actions SET attempt_count = ? WHERE id = ?`, attempts, id); err != nil {
		return fmt.Errorf("update attempts: %w", err)
	}
	return nil
}
