package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/tutorsync/internal/domain"
	"github.com/conorfennell/tutorsync/internal/knol"
	"github.com/conorfennell/tutorsync/internal/validation"
)

// QueueStats summarizes the sync queue.
type QueueStats struct {
	Pending       int       `json:"pending"`
	Synced        int       `json:"synced"`
	OldestPending time.Time `json:"oldestPending,omitzero"`
}

const resultColumns = `id, kind, payload, checksum, status, created_at, attempts, last_error, next_attempt_at, synced_at`

// SaveTestResult appends a result to the sync queue with status pending and
// a fresh time-ordered id. Identical payloads are queued as separate
// results. An error means the result was NOT queued.
func (db *DB) SaveTestResult(ctx context.Context, nr domain.NewResult) (domain.PendingResult, error) {
	if err := validation.Struct(nr); err != nil {
		return domain.PendingResult{}, fmt.Errorf("invalid result: %w", err)
	}

	checksum, err := knol.Hash(nr.Payload)
	if err != nil {
		return domain.PendingResult{}, fmt.Errorf("failed to checksum result payload: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.PendingResult{}, fmt.Errorf("failed to generate result id: %w", err)
	}

	r := domain.PendingResult{
		ID:        id.String(),
		Kind:      nr.Kind,
		Payload:   nr.Payload,
		Checksum:  checksum,
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO pending_results (id, kind, payload, checksum, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		string(r.Kind),
		string(r.Payload),
		r.Checksum,
		string(r.Status),
		r.CreatedAt,
	)
	if err != nil {
		return domain.PendingResult{}, fmt.Errorf("failed to queue result %s: %w", r.ID, err)
	}
	return r, nil
}

// GetUnsyncedTestResults returns every pending result, oldest first.
func (db *DB) GetUnsyncedTestResults(ctx context.Context) ([]domain.PendingResult, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+resultColumns+`
		FROM pending_results
		WHERE status = ?
		ORDER BY seq
	`, string(domain.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to get unsynced results: %w", err)
	}
	defer rows.Close()

	results := []domain.PendingResult{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read unsynced results: %w", err)
	}
	return results, nil
}

// FindTestResult retrieves a queued result by id. It returns nil when the
// result does not exist or was already purged.
func (db *DB) FindTestResult(ctx context.Context, id string) (*domain.PendingResult, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+resultColumns+`
		FROM pending_results WHERE id = ?
	`, id)
	r, err := scanResult(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Result not found
		}
		return nil, err
	}
	return &r, nil
}

// MarkTestResultAsSynced moves a pending result to synced. Marking a result
// that is already synced, or that does not exist, is a no-op.
func (db *DB) MarkTestResultAsSynced(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE pending_results
		SET status = ?, synced_at = ?
		WHERE id = ? AND status = ?
	`, string(domain.StatusSynced), time.Now().UTC(), id, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to mark result %s as synced: %w", id, err)
	}
	return nil
}

// RecordSyncFailure records a failed submission on a pending result and
// schedules its next attempt. Synced or unknown results are left untouched.
func (db *DB) RecordSyncFailure(ctx context.Context, id, reason string, nextAttempt time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE pending_results
		SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ? AND status = ?
	`, reason, nextAttempt.UTC(), id, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to record sync failure for result %s: %w", id, err)
	}
	return nil
}

// ClearSyncQueue permanently removes synced results and returns how many
// were removed. Pending results are never removed.
func (db *DB) ClearSyncQueue(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM pending_results WHERE status = ?`, string(domain.StatusSynced))
	if err != nil {
		return 0, fmt.Errorf("failed to clear sync queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged results: %w", err)
	}
	return n, nil
}

// QueueStats counts pending and synced results.
func (db *DB) QueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'synced' THEN 1 ELSE 0 END), 0)
		FROM pending_results
	`).Scan(&stats.Pending, &stats.Synced)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to count results: %w", err)
	}
	if stats.Pending == 0 {
		return stats, nil
	}

	err = db.conn.QueryRowContext(ctx, `
		SELECT created_at FROM pending_results
		WHERE status = 'pending'
		ORDER BY seq LIMIT 1
	`).Scan(&stats.OldestPending)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to find oldest pending result: %w", err)
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(s scanner) (domain.PendingResult, error) {
	var (
		r           domain.PendingResult
		kind        string
		payload     string
		status      string
		nextAttempt sql.NullTime
		syncedAt    sql.NullTime
	)
	err := s.Scan(
		&r.ID,
		&kind,
		&payload,
		&r.Checksum,
		&status,
		&r.CreatedAt,
		&r.Attempts,
		&r.LastError,
		&nextAttempt,
		&syncedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return r, err
		}
		return r, fmt.Errorf("failed to scan result row: %w", err)
	}
	r.Kind = domain.ResultKind(kind)
	r.Payload = []byte(payload)
	r.Status = domain.SyncStatus(status)
	if nextAttempt.Valid {
		r.NextAttemptAt = nextAttempt.Time
	}
	if syncedAt.Valid {
		r.SyncedAt = syncedAt.Time
	}
	return r, nil
}
