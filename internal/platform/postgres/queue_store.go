package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/platform/logger"
	"github.com/phrazzld/studio-queue/internal/store"
)

// NotifyChannel is the LISTEN/NOTIFY channel signalled whenever an entry
// becomes claimable.
const NotifyChannel = "studio_queue"

const queueColumns = `task_id, task_type, priority, status, attempts, max_attempts,
	timeout_minutes, created_at, updated_at, processing_started_at, completed_at,
	failed_at, retry_after, last_error, cancel_requested, estimated_completion`

// PostgresQueueStore implements the store.QueueStore interface
// using a PostgreSQL database as the storage backend.
type PostgresQueueStore struct {
	db     store.DBTX
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresQueueStore creates a new PostgreSQL implementation of the QueueStore interface.
func NewPostgresQueueStore(db store.DBTX, logger *slog.Logger) *PostgresQueueStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueueStore{
		db:     db,
		logger: logger.With(slog.String("component", "queue_store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ensure PostgresQueueStore implements store.QueueStore interface
var _ store.QueueStore = (*PostgresQueueStore)(nil)

// Insert implements store.QueueStore.Insert.
func (s *PostgresQueueStore) Insert(
	ctx context.Context,
	taskID, taskType string,
	priority domain.Priority,
	policy domain.Policy,
) (*domain.QueueEntry, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var entry *domain.QueueEntry
	err := withTx(ctx, s.db, func(tx store.DBTX) error {
		now := s.now()

		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM queue_entries WHERE task_id = $1 FOR UPDATE`, taskID,
		).Scan(&status)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO queue_entries (task_id, task_type, priority, priority_rank, status,
					attempts, max_attempts, timeout_minutes, created_at, updated_at)
				VALUES ($1, $2, $3, $4, 'QUEUED', 0, $5, $6, $7, $7)`,
				taskID, taskType, string(priority), priority.Rank(),
				policy.MaxAttempts, policy.TimeoutMinutes, now,
			)
			if err != nil {
				if IsUniqueViolation(err) {
					return store.ErrQueueEntryActive
				}
				return MapError(err)
			}
		case err != nil:
			return MapError(err)
		case !domain.QueueStatus(status).IsTerminal():
			return store.ErrQueueEntryActive
		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_entries SET
					task_type = $2, priority = $3, priority_rank = $4, status = 'QUEUED',
					attempts = 0, max_attempts = $5, timeout_minutes = $6,
					created_at = $7, updated_at = $7, processing_started_at = NULL,
					completed_at = NULL, failed_at = NULL, retry_after = NULL,
					last_error = '', cancel_requested = FALSE, estimated_completion = NULL
				WHERE task_id = $1`,
				taskID, taskType, string(priority), priority.Rank(),
				policy.MaxAttempts, policy.TimeoutMinutes, now,
			)
			if err != nil {
				return MapError(err)
			}
		}

		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, taskID); err != nil {
			return MapError(err)
		}

		entry, err = getEntry(ctx, tx, taskID)
		return err
	})
	if err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			log.Error("failed to insert queue entry",
				slog.String("error", err.Error()),
				slog.String("task_id", taskID))
		}
		return nil, err
	}

	log.Debug("queue entry inserted",
		slog.String("task_id", taskID),
		slog.String("priority", string(priority)))
	return entry, nil
}

// Get implements store.QueueStore.Get.
func (s *PostgresQueueStore) Get(ctx context.Context, taskID string) (*domain.QueueEntry, error) {
	return getEntry(ctx, s.db, taskID)
}

// ClaimNext implements store.QueueStore.ClaimNext. SKIP LOCKED lets concurrent
// drivers claim different entries without blocking on each other.
func (s *PostgresQueueStore) ClaimNext(ctx context.Context) (*domain.QueueEntry, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE queue_entries SET
			status = 'PROCESSING', processing_started_at = $1, updated_at = $1,
			cancel_requested = FALSE
		WHERE task_id = (
			SELECT task_id FROM queue_entries
			WHERE status = 'QUEUED' AND (retry_after IS NULL OR retry_after <= $1)
			ORDER BY priority_rank, created_at, task_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns, now)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrQueueEmpty
		}
		return nil, err
	}

	logger.FromContextOrDefault(ctx, s.logger).Info("queue entry claimed",
		slog.String("task_id", entry.TaskID),
		slog.String("task_type", entry.TaskType),
		slog.Int("attempts", entry.Attempts))
	return entry, nil
}

// MarkCompleted implements store.QueueStore.MarkCompleted.
func (s *PostgresQueueStore) MarkCompleted(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, "complete", `
		UPDATE queue_entries SET status = 'COMPLETED', completed_at = $2, updated_at = $2,
			retry_after = NULL
		WHERE task_id = $1 AND status IN ('PROCESSING', 'CANCELLING')`,
		taskID, s.now())
}

// MarkFailed implements store.QueueStore.MarkFailed.
func (s *PostgresQueueStore) MarkFailed(ctx context.Context, taskID string, attempts int, lastError string) error {
	return s.transition(ctx, taskID, "fail", `
		UPDATE queue_entries SET status = 'FAILED', failed_at = $2, updated_at = $2,
			attempts = LEAST(GREATEST(attempts, $3), max_attempts), last_error = $4,
			retry_after = NULL
		WHERE task_id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`,
		taskID, s.now(), attempts, lastError)
}

// MarkCancelled implements store.QueueStore.MarkCancelled.
func (s *PostgresQueueStore) MarkCancelled(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, "cancel", `
		UPDATE queue_entries SET status = 'CANCELLED', completed_at = $2, updated_at = $2,
			cancel_requested = TRUE, retry_after = NULL
		WHERE task_id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`,
		taskID, s.now())
}

// MarkCancelling implements store.QueueStore.MarkCancelling.
func (s *PostgresQueueStore) MarkCancelling(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, "request_cancel", `
		UPDATE queue_entries SET status = 'CANCELLING', cancel_requested = TRUE, updated_at = $2
		WHERE task_id = $1 AND status IN ('PROCESSING', 'CANCELLING')`,
		taskID, s.now())
}

// CancelIfQueued implements store.QueueStore.CancelIfQueued.
func (s *PostgresQueueStore) CancelIfQueued(ctx context.Context, taskID string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'CANCELLED', cancel_requested = TRUE,
			completed_at = $2, updated_at = $2, retry_after = NULL
		WHERE task_id = $1 AND status = 'QUEUED'`, taskID, now)
	if err != nil {
		return false, MapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Requeue implements store.QueueStore.Requeue.
func (s *PostgresQueueStore) Requeue(ctx context.Context, taskID string, attempts int, retryAfter *time.Time, lastError string) error {
	err := s.transition(ctx, taskID, "requeue", `
		UPDATE queue_entries SET status = 'QUEUED', attempts = GREATEST(attempts, $3),
			retry_after = $4, last_error = $5, updated_at = $2,
			processing_started_at = NULL, cancel_requested = FALSE
		WHERE task_id = $1 AND status = 'PROCESSING'`,
		taskID, s.now(), attempts, nullTime(retryAfter), lastError)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, taskID); err != nil {
		return MapError(err)
	}
	return nil
}

// Touch implements store.QueueStore.Touch.
func (s *PostgresQueueStore) Touch(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET updated_at = $2
		WHERE task_id = $1 AND status IN ('PROCESSING', 'CANCELLING')`, taskID, s.now())
	return MapError(err)
}

// SetEstimatedCompletion implements store.QueueStore.SetEstimatedCompletion.
func (s *PostgresQueueStore) SetEstimatedCompletion(ctx context.Context, taskID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET estimated_completion = $2 WHERE task_id = $1`, taskID, at)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(res, store.ErrQueueEntryNotFound)
}

// IsCancelRequested implements store.QueueStore.IsCancelRequested.
func (s *PostgresQueueStore) IsCancelRequested(ctx context.Context, taskID string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM queue_entries WHERE task_id = $1`, taskID).Scan(&requested)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, store.ErrQueueEntryNotFound
		}
		return false, MapError(err)
	}
	return requested, nil
}

// Position implements store.QueueStore.Position.
func (s *PostgresQueueStore) Position(ctx context.Context, taskID string) (int, error) {
	var pos int
	err := s.db.QueryRowContext(ctx, `
		SELECT CASE WHEN e.status <> 'QUEUED' THEN 0 ELSE (
			SELECT COUNT(*) FROM queue_entries q
			WHERE q.status = 'QUEUED'
			AND (q.priority_rank, q.created_at, q.task_id) <= (e.priority_rank, e.created_at, e.task_id)
		) END
		FROM queue_entries e
		WHERE e.task_id = $1`, taskID).Scan(&pos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrQueueEntryNotFound
		}
		return 0, MapError(err)
	}
	return pos, nil
}

// StatusCounts implements store.QueueStore.StatusCounts.
func (s *PostgresQueueStore) StatusCounts(ctx context.Context) (map[domain.QueueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.QueueStatus]int, len(domain.QueueStatuses))
	for _, st := range domain.QueueStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[domain.QueueStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountsByType implements store.QueueStore.CountsByType.
func (s *PostgresQueueStore) CountsByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_type, COUNT(*) FROM queue_entries
		WHERE status IN ('QUEUED', 'PROCESSING', 'CANCELLING')
		GROUP BY task_type`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			taskType string
			n        int
		)
		if err := rows.Scan(&taskType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		counts[taskType] = n
	}
	return counts, rows.Err()
}

// List implements store.QueueStore.List.
func (s *PostgresQueueStore) List(ctx context.Context, filter store.QueueFilter) ([]*domain.QueueEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(filter.Types) > 0 {
		args = append(args, filter.Types)
		clauses = append(clauses, fmt.Sprintf("task_type = ANY($%d)", len(args)))
	}
	if len(filter.TaskIDs) > 0 {
		args = append(args, filter.TaskIDs)
		clauses = append(clauses, fmt.Sprintf("task_id = ANY($%d)", len(args)))
	}

	query := "SELECT " + queueColumns + " FROM queue_entries"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, task_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Skip > 0 {
		args = append(args, filter.Skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryEntries(ctx, query, args...)
}

// ListByStatus implements store.QueueStore.ListByStatus.
func (s *PostgresQueueStore) ListByStatus(ctx context.Context, status domain.QueueStatus) ([]*domain.QueueEntry, error) {
	return s.queryEntries(ctx,
		"SELECT "+queueColumns+" FROM queue_entries WHERE status = $1 ORDER BY created_at, task_id",
		string(status))
}

// FindStuck implements store.QueueStore.FindStuck.
func (s *PostgresQueueStore) FindStuck(ctx context.Context, olderThan time.Time) ([]*domain.QueueEntry, error) {
	return s.queryEntries(ctx, "SELECT "+queueColumns+` FROM queue_entries
		WHERE status IN ('PROCESSING', 'CANCELLING') AND updated_at < $1
		ORDER BY updated_at`, olderThan)
}

func (s *PostgresQueueStore) queryEntries(ctx context.Context, query string, args ...any) ([]*domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to query queue entries",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*domain.QueueEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue rows: %w", err)
	}
	return entries, nil
}

// transition runs a guarded UPDATE and distinguishes a missing entry from an
// entry in the wrong state when no row matched.
func (s *PostgresQueueStore) transition(ctx context.Context, taskID, op, query string, args ...any) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("queue transition failed",
			slog.String("operation", op),
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return MapError(err)
	}
	if err := CheckRowsAffected(res, store.ErrQueueEntryNotFound); err == nil {
		return nil
	}

	current, err := getEntry(ctx, s.db, taskID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s entry in status %s",
		store.ErrInvalidTransition, op, current.Status)
}

func getEntry(ctx context.Context, db store.DBTX, taskID string) (*domain.QueueEntry, error) {
	row := db.QueryRowContext(ctx, "SELECT "+queueColumns+" FROM queue_entries WHERE task_id = $1", taskID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrQueueEntryNotFound
		}
		return nil, err
	}
	return e, nil
}

func scanEntry(row rowScanner) (*domain.QueueEntry, error) {
	var (
		e                                            domain.QueueEntry
		priority, status                             string
		started, completed, failed, retry, estimated sql.NullTime
	)
	err := row.Scan(
		&e.TaskID, &e.TaskType, &priority, &status, &e.Attempts, &e.MaxAttempts,
		&e.TimeoutMinutes, &e.CreatedAt, &e.UpdatedAt, &started, &completed,
		&failed, &retry, &e.LastError, &e.CancelRequested, &estimated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	e.Priority = domain.Priority(priority)
	e.Status = domain.QueueStatus(status)
	e.ProcessingStartedAt = timePtr(started)
	e.CompletedAt = timePtr(completed)
	e.FailedAt = timePtr(failed)
	e.RetryAfter = timePtr(retry)
	e.EstimatedCompletion = timePtr(estimated)
	return &e, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
