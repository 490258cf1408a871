package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDLQ is a file-backed DeadLetterStore, so dead-lettered jobs survive
// process restarts without requiring an external broker.
type SQLiteDLQ struct {
	db *sql.DB
}

// NewSQLiteDLQ wraps an sqlite connection and creates the table on first use.
func NewSQLiteDLQ(db *sql.DB) (*SQLiteDLQ, error) {
	s := &SQLiteDLQ{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteDLQ opens (or creates) the store at path.
func OpenSQLiteDLQ(path string) (*SQLiteDLQ, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: opening sqlite dlq failed: %w", err)
	}
	return NewSQLiteDLQ(db)
}

func (s *SQLiteDLQ) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dead_letter_jobs (
		original_job_id TEXT PRIMARY KEY,
		job JSON NOT NULL,
		reason TEXT NOT NULL,
		attempts_made INTEGER NOT NULL,
		moved_to_dlq_at DATETIME NOT NULL,
		original_timestamp DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("queue: dlq migration failed: %w", err)
	}
	return nil
}

func (s *SQLiteDLQ) Push(ctx context.Context, entry DeadLetterEntry) error {
	jobJSON, err := json.Marshal(entry.Job)
	if err != nil {
		return fmt.Errorf("queue: serializing dlq job failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letter_jobs
		 (original_job_id, job, reason, attempts_made, moved_to_dlq_at, original_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.OriginalJobID, string(jobJSON), entry.Reason, entry.AttemptsMade,
		entry.MovedToDLQAt.UTC(), entry.OriginalTimestamp.UTC())
	if err != nil {
		return fmt.Errorf("queue: dlq push failed: %w", err)
	}
	return nil
}

func (s *SQLiteDLQ) List(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT original_job_id, job, reason, attempts_made, moved_to_dlq_at, original_timestamp
		 FROM dead_letter_jobs ORDER BY moved_to_dlq_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: dlq list failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetterEntry
	for rows.Next() {
		var (
			entry   DeadLetterEntry
			jobJSON string
		)
		if err := rows.Scan(&entry.OriginalJobID, &jobJSON, &entry.Reason,
			&entry.AttemptsMade, &entry.MovedToDLQAt, &entry.OriginalTimestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(jobJSON), &entry.Job); err != nil {
			return nil, fmt.Errorf("queue: corrupt dlq job %s: %w", entry.OriginalJobID, err)
		}
		entry.MovedToDLQAt = entry.MovedToDLQAt.UTC()
		entry.OriginalTimestamp = entry.OriginalTimestamp.UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteDLQ) Remove(ctx context.Context, originalJobID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM dead_letter_jobs WHERE original_job_id = ?", originalJobID)
	return err
}

func (s *SQLiteDLQ) PurgeBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT original_job_id FROM dead_letter_jobs WHERE moved_to_dlq_at < ?", cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("queue: dlq purge select failed: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM dead_letter_jobs WHERE moved_to_dlq_at < ?", cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("queue: dlq purge delete failed: %w", err)
	}
	return ids, nil
}

func (s *SQLiteDLQ) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letter_jobs").Scan(&n)
	return n, err
}

func (s *SQLiteDLQ) OldestAge(ctx context.Context) (time.Duration, error) {
	// MIN() strips the column's DATETIME decltype, so the driver would
	// return a raw string; selecting the column directly keeps the type.
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT moved_to_dlq_at FROM dead_letter_jobs ORDER BY moved_to_dlq_at ASC LIMIT 1").Scan(&oldest)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !oldest.Valid {
		return 0, nil
	}
	return time.Since(oldest.Time), nil
}

// Close closes the underlying database.
func (s *SQLiteDLQ) Close() error { return s.db.Close() }
