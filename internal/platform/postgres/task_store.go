package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/platform/logger"
	"github.com/phrazzld/studio-queue/internal/store"
)

const taskColumns = `id, owner_id, account_id, task_type, priority, status, progress,
	request_data, result_url, result_manifest, result_data, error_message, error_details,
	estimated_completion, source_name, source_id, source_group_id, last_event_at,
	created_at, updated_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// db may be a *sql.DB, in which case multi-statement operations open their own
// transaction, or a *sql.Tx managed by the caller.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// CreateTask implements store.TaskStore.CreateTask.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID))
		return nil, false, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	var (
		stored  *domain.Task
		created bool
	)
	err := withTx(ctx, s.db, func(tx store.DBTX) error {
		now := s.now()
		t := *task
		t.Progress = 0
		t.CreatedAt = now
		t.UpdatedAt = now
		t.Events = nil

		requestData, err := jsonArg(t.RequestData)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_id, account_id, task_type, priority, status, progress,
				request_data, source_name, source_id, source_group_id, last_event_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11, $11, $11)
			ON CONFLICT (id) DO NOTHING`,
			t.ID, t.OwnerID, t.AccountID, t.Type, string(t.Priority), string(t.Status),
			requestData, t.Source.Name, t.Source.ID, t.Source.GroupID, now,
		)
		if err != nil {
			return MapError(err)
		}

		if rows, _ := res.RowsAffected(); rows == 0 {
			existing, err := s.getTask(ctx, tx, t.ID)
			if err != nil {
				return err
			}
			stored = existing
			return nil
		}

		event := domain.Event{
			Timestamp: now,
			Message:   store.InitialEventMessage(t.Status),
			Status:    t.Status,
			Progress:  domain.IntPtr(0),
		}
		if err := insertEvent(ctx, tx, t.ID, event); err != nil {
			return err
		}
		t.Events = []domain.Event{event}
		stored = &t
		created = true
		return nil
	})
	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID))
		return nil, false, err
	}

	if created {
		log.Info("task created",
			slog.String("task_id", stored.ID),
			slog.String("task_type", stored.Type),
			slog.String("status", string(stored.Status)))
	} else {
		log.Debug("task already exists, returning stored record",
			slog.String("task_id", stored.ID))
	}
	return stored, created, nil
}

// GetTask implements store.TaskStore.GetTask.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return s.getTask(ctx, s.db, id)
}

// UpdateTask implements store.TaskStore.UpdateTask. The row is locked for the
// duration of the update so concurrent appends are serialized per task.
func (s *PostgresTaskStore) UpdateTask(ctx context.Context, id string, update store.TaskUpdate) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var result *domain.Task
	err := withTx(ctx, s.db, func(tx store.DBTX) error {
		t, lastEventAt, err := s.lockTask(ctx, tx, id)
		if err != nil {
			return err
		}

		event, err := store.ApplyTaskUpdate(t, lastEventAt, update, s.now())
		if err != nil {
			return err
		}

		manifest, err := jsonArg(t.ResultManifest)
		if err != nil {
			return err
		}
		resultData, err := jsonArg(t.ResultData)
		if err != nil {
			return err
		}
		errorDetails, err := jsonArg(t.ErrorDetails)
		if err != nil {
			return err
		}
		requestData, err := jsonArg(t.RequestData)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET
				status = $2, progress = $3, request_data = $4, result_url = $5,
				result_manifest = $6, result_data = $7, error_message = $8,
				error_details = $9, estimated_completion = $10,
				last_event_at = $11, updated_at = $11
			WHERE id = $1`,
			t.ID, string(t.Status), t.Progress, requestData, t.ResultURL,
			manifest, resultData, t.ErrorMessage, errorDetails,
			nullTime(t.EstimatedCompletion), event.Timestamp,
		)
		if err != nil {
			return MapError(err)
		}

		if err := insertEvent(ctx, tx, t.ID, event); err != nil {
			return err
		}

		events, err := loadEvents(ctx, tx, []string{t.ID})
		if err != nil {
			return err
		}
		t.Events = events[t.ID]
		result = t
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrInvalidTransition) {
			log.Error("failed to update task",
				slog.String("error", err.Error()),
				slog.String("task_id", id))
		}
		return nil, err
	}

	log.Debug("task event appended",
		slog.String("task_id", id),
		slog.String("status", string(result.Status)),
		slog.Int("progress", result.Progress))
	return result, nil
}

// ListTasks implements store.TaskStore.ListTasks.
func (s *PostgresTaskStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	where, args := taskWhere(filter)
	query := "SELECT " + taskColumns + " FROM tasks" + where + " ORDER BY updated_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Skip > 0 {
		args = append(args, filter.Skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]*domain.Task, 0)
	ids := make([]string, 0)
	for rows.Next() {
		t, _, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	if len(ids) == 0 {
		return tasks, nil
	}
	events, err := loadEvents(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.Events = events[t.ID]
	}
	return tasks, nil
}

// CountTasks implements store.TaskStore.CountTasks.
func (s *PostgresTaskStore) CountTasks(ctx context.Context, filter store.TaskFilter) (int, error) {
	where, args := taskWhere(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&n); err != nil {
		return 0, MapError(err)
	}
	return n, nil
}

// DeleteTask implements store.TaskStore.DeleteTask.
func (s *PostgresTaskStore) DeleteTask(ctx context.Context, id, ownerID string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		log.Error("failed to delete task",
			slog.String("error", err.Error()),
			slog.String("task_id", id))
		return MapError(err)
	}
	if err := CheckRowsAffected(res, store.ErrTaskNotFound); err != nil {
		return err
	}

	log.Info("task deleted", slog.String("task_id", id))
	return nil
}

func (s *PostgresTaskStore) getTask(ctx context.Context, db store.DBTX, id string) (*domain.Task, error) {
	row := db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	t, _, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, err
	}
	events, err := loadEvents(ctx, db, []string{id})
	if err != nil {
		return nil, err
	}
	t.Events = events[id]
	return t, nil
}

func (s *PostgresTaskStore) lockTask(ctx context.Context, tx store.DBTX, id string) (*domain.Task, time.Time, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1 FOR UPDATE", id)
	t, lastEventAt, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, store.ErrTaskNotFound
		}
		return nil, time.Time{}, err
	}
	return t, lastEventAt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, time.Time, error) {
	var (
		t                                            domain.Task
		priority, status                             string
		requestData, manifest, resultData, errDetail []byte
		estimated                                    sql.NullTime
		lastEventAt                                  time.Time
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.AccountID, &t.Type, &priority, &status, &t.Progress,
		&requestData, &t.ResultURL, &manifest, &resultData, &t.ErrorMessage, &errDetail,
		&estimated, &t.Source.Name, &t.Source.ID, &t.Source.GroupID, &lastEventAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, err
		}
		return nil, time.Time{}, fmt.Errorf("failed to scan task row: %w", err)
	}

	t.Priority = domain.Priority(priority)
	t.Status = domain.Status(status)
	if len(requestData) > 0 {
		t.RequestData = json.RawMessage(requestData)
	}
	if len(resultData) > 0 {
		t.ResultData = json.RawMessage(resultData)
	}
	if len(manifest) > 0 {
		if err := json.Unmarshal(manifest, &t.ResultManifest); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to decode result manifest: %w", err)
		}
	}
	if len(errDetail) > 0 {
		if err := json.Unmarshal(errDetail, &t.ErrorDetails); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to decode error details: %w", err)
		}
	}
	if estimated.Valid {
		ts := estimated.Time
		t.EstimatedCompletion = &ts
	}
	return &t, lastEventAt, nil
}

func insertEvent(ctx context.Context, db store.DBTX, taskID string, event domain.Event) error {
	details, err := jsonArg(event.Details)
	if err != nil {
		return err
	}
	var progress any
	if event.Progress != nil {
		progress = *event.Progress
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO task_events (task_id, occurred_at, message, details, status, progress)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		taskID, event.Timestamp, event.Message, details, string(event.Status), progress,
	)
	return MapError(err)
}

func loadEvents(ctx context.Context, db store.DBTX, taskIDs []string) (map[string][]domain.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT task_id, occurred_at, message, details, status, progress
		FROM task_events
		WHERE task_id = ANY($1)
		ORDER BY task_id, id`, taskIDs)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]domain.Event, len(taskIDs))
	for rows.Next() {
		var (
			taskID, status string
			details        []byte
			progress       sql.NullInt32
			ev             domain.Event
		)
		if err := rows.Scan(&taskID, &ev.Timestamp, &ev.Message, &details, &status, &progress); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		ev.Status = domain.Status(status)
		if progress.Valid {
			ev.Progress = domain.IntPtr(int(progress.Int32))
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		out[taskID] = append(out[taskID], ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}

func taskWhere(f store.TaskFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if len(f.Types) > 0 {
		add("task_type = ANY($%d)", f.Types)
	}
	if f.SourceGroupID != "" {
		add("source_group_id = $%d", f.SourceGroupID)
	}
	if len(f.SourceIDs) > 0 {
		add("source_id = ANY($%d)", f.SourceIDs)
	}
	if len(f.TaskIDs) > 0 {
		add("id = ANY($%d)", f.TaskIDs)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// withTx runs fn in a transaction when db is a *sql.DB and directly otherwise.
func withTx(ctx context.Context, db store.DBTX, fn func(tx store.DBTX) error) error {
	if sqlDB, ok := db.(*sql.DB); ok {
		return store.RunInTransaction(ctx, sqlDB, func(ctx context.Context, tx *sql.Tx) error {
			return fn(tx)
		})
	}
	return fn(db)
}

// jsonArg encodes v for a JSONB parameter; empty values become NULL.
func jsonArg(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		return string(val), nil
	case map[string]string:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return string(b), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
