package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"encodeq/internal/faults"
	"encodeq/internal/protocol"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const entryColumns = "job_id, payload, status, retry_count, crash_retried, error_message, session_id, enqueued_at, updated_at, finished_at"

// Put inserts or updates an entry. New entries are placed after every
// existing entry; updates keep the current position.
func (s *Store) Put(ctx context.Context, e Entry) error {
	payload, err := e.Payload()
	if err != nil {
		return err
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.exec(ctx,
		`INSERT INTO queue_entries (
            job_id, payload, status, position, retry_count, crash_retried,
            error_message, session_id, enqueued_at, updated_at, finished_at
        ) VALUES (?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM queue_entries), ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(job_id) DO UPDATE SET
            payload = excluded.payload,
            status = excluded.status,
            retry_count = excluded.retry_count,
            crash_retried = excluded.crash_retried,
            error_message = excluded.error_message,
            session_id = excluded.session_id,
            updated_at = excluded.updated_at,
            finished_at = excluded.finished_at`,
		e.Job.ID,
		string(payload),
		string(e.Status),
		e.RetryCount,
		boolToInt(e.CrashRetried),
		nullableString(e.Error),
		nullableString(e.SessionID),
		formatTime(e.EnqueuedAt),
		formatTime(updated),
		nullableTime(e.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	res, err := s.exec(ctx, `DELETE FROM queue_entries WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Wrap(faults.ErrJobNotFound, "queue", "delete", jobID, nil)
	}
	return nil
}

// Order rewrites positions so jobIDs appear in the given order.
func (s *Store) Order(ctx context.Context, jobIDs []string) error {
	return s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE queue_entries SET position = ? WHERE job_id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, id := range jobIDs {
			if _, err := stmt.ExecContext(ctx, i, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get fetches one entry.
func (s *Store) Get(ctx context.Context, jobID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE job_id = ?`, jobID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// Load returns every entry in queue order.
func (s *Store) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM queue_entries ORDER BY position, enqueued_at`)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		jobID        string
		payload      string
		status       string
		retryCount   int
		crashRetried int
		errorMessage sql.NullString
		sessionID    sql.NullString
		enqueuedRaw  string
		updatedRaw   string
		finishedRaw  sql.NullString
	)
	if err := scanner.Scan(&jobID, &payload, &status, &retryCount, &crashRetried,
		&errorMessage, &sessionID, &enqueuedRaw, &updatedRaw, &finishedRaw); err != nil {
		return nil, err
	}
	job, err := protocol.ParseJob([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", jobID, err)
	}
	e := &Entry{
		Job:          job,
		Status:       Status(status),
		RetryCount:   retryCount,
		CrashRetried: crashRetried != 0,
		Error:        errorMessage.String,
		SessionID:    sessionID.String,
		EnqueuedAt:   parseTime(enqueuedRaw),
		UpdatedAt:    parseTime(updatedRaw),
	}
	if finishedRaw.Valid {
		e.FinishedAt = parseTime(finishedRaw.String)
	}
	return e, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
