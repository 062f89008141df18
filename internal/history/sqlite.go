package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/z2m-ota/internal/ota"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// timeLayout has a fixed-width fraction so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteRepository implements Repository on the ota_attempts table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts a finished attempt.
func (r *SQLiteRepository) Record(ctx context.Context, a Attempt) (int64, error) {
	if a.DeviceKey == "" {
		return 0, ErrDeviceRequired
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = time.Now()
	}

	var startedAt any
	if !a.StartedAt.IsZero() {
		startedAt = formatTime(a.StartedAt)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO ota_attempts (
			device_key, friendly_name, attempt, outcome, reason,
			terminal, adopted, last_percent, started_at, finished_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.DeviceKey,
		a.FriendlyName,
		a.Number,
		string(a.Outcome),
		a.Reason,
		boolToInt(a.Terminal),
		boolToInt(a.Adopted),
		a.LastPercent,
		startedAt,
		formatTime(a.FinishedAt),
		a.Duration.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting attempt: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading attempt id: %w", err)
	}
	return id, nil
}

// MarkTerminal flags the device's most recent attempt as terminal.
func (r *SQLiteRepository) MarkTerminal(ctx context.Context, deviceKey string) error {
	if deviceKey == "" {
		return ErrDeviceRequired
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE ota_attempts SET terminal = 1
		 WHERE id = (SELECT id FROM ota_attempts WHERE device_key = ? ORDER BY id DESC LIMIT 1)`,
		deviceKey,
	)
	if err != nil {
		return fmt.Errorf("marking attempt terminal: %w", err)
	}
	return nil
}

// ListByDevice returns attempts for one device, newest first
// (default 50, max 500).
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceKey string, limit int) ([]Attempt, error) {
	if deviceKey == "" {
		return nil, ErrDeviceRequired
	}
	return r.query(ctx,
		`WHERE device_key = ? ORDER BY id DESC LIMIT ?`,
		deviceKey, clampLimit(limit),
	)
}

// Recent returns attempts across all devices, newest first.
func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	return r.query(ctx, `ORDER BY id DESC LIMIT ?`, clampLimit(limit))
}

// Prune deletes attempts that finished more than olderThan ago.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := r.db.ExecContext(ctx, "DELETE FROM ota_attempts WHERE finished_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) query(ctx context.Context, clause string, args ...any) ([]Attempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_key, friendly_name, attempt, outcome, reason,
		        terminal, adopted, last_percent, started_at, finished_at, duration_ms
		 FROM ota_attempts `+clause,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]Attempt, 0)
	for rows.Next() {
		var (
			a          Attempt
			outcome    string
			terminal   int
			adopted    int
			startedAt  sql.NullString
			finishedAt string
			durationMS int64
		)
		if err := rows.Scan(&a.ID, &a.DeviceKey, &a.FriendlyName, &a.Number, &outcome, &a.Reason,
			&terminal, &adopted, &a.LastPercent, &startedAt, &finishedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}

		a.Outcome = ota.State(outcome)
		a.Terminal = terminal != 0
		a.Adopted = adopted != 0
		a.Duration = time.Duration(durationMS) * time.Millisecond
		if a.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			if a.StartedAt, err = parseTime(startedAt.String); err != nil {
				return nil, err
			}
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempts: %w", err)
	}
	return attempts, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
