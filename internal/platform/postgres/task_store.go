package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediagen/internal/generation"
	"github.com/phrazzld/mediagen/internal/platform/logger"
	"github.com/phrazzld/mediagen/internal/store"
	"github.com/phrazzld/mediagen/internal/task"
)

// activeItemIndex is the partial unique index over live tasks.
const activeItemIndex = "generation_tasks_active_item_idx"

const taskColumns = `id, user_id, task_type, item_id, status, queue_name, priority,
	external_handle, metadata, retry_count, max_retries, error_message,
	failure_reason, asset_ref, created_at, available_at, started_at,
	completed_at, last_polled_at, next_poll_at`

// PostgresTaskStore implements task.Store on the generation_tasks table.
// Every transition is a single conditional UPDATE on (id, status, retry_count).
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a task store on db, which may be a *sql.DB
// or a *sql.Tx. If logger is nil, slog.Default() is used.
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
	}
}

var _ task.Store = (*PostgresTaskStore)(nil)

// Create implements task.Store.
func (s *PostgresTaskStore) Create(ctx context.Context, t *task.GenerationTask) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if t.Status != task.StatusQueued {
		return fmt.Errorf("%w: new tasks must be queued", task.ErrInvalidTask)
	}
	if err := t.Validate(); err != nil {
		return err
	}

	metadata := t.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO generation_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.UserID,
		string(t.Type),
		t.ItemID,
		string(t.Status),
		t.QueueName,
		t.Priority,
		t.ExternalHandle,
		[]byte(metadata),
		t.RetryCount,
		t.MaxRetries,
		t.ErrorMessage,
		string(t.FailureReason),
		t.AssetRef,
		t.CreatedAt.UTC(),
		t.AvailableAt.UTC(),
		utcPtr(t.StartedAt),
		utcPtr(t.CompletedAt),
		utcPtr(t.LastPolledAt),
		utcPtr(t.NextPollAt),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			if ConstraintName(err) == activeItemIndex {
				log.Debug("live task already exists",
					slog.String("item_id", t.ItemID),
					slog.String("task_type", string(t.Type)))
				return task.ErrActiveTaskExists
			}
			return fmt.Errorf("%w: duplicate id %s", task.ErrInvalidTask, t.ID)
		}
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", t.ID.String()))
		return fmt.Errorf("failed to create task: %w", MapError(err))
	}

	log.Debug("task created",
		slog.String("task_id", t.ID.String()),
		slog.String("task_type", string(t.Type)),
		slog.String("item_id", t.ItemID))
	return nil
}

// Get implements task.Store.
func (s *PostgresTaskStore) Get(ctx context.Context, id uuid.UUID) (*task.GenerationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM generation_tasks WHERE id = $1`
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to get task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return t, nil
}

// FindActive implements task.Store.
func (s *PostgresTaskStore) FindActive(ctx context.Context, itemID string, typ task.Type) (*task.GenerationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM generation_tasks
		WHERE item_id = $1 AND task_type = $2 AND status IN ('queued', 'processing')
		LIMIT 1
	`
	t, err := scanTask(s.db.QueryRowContext(ctx, query, itemID, string(typ)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active task: %w", MapError(err))
	}
	return t, nil
}

// Transition implements task.Store. Identity and creation fields are never
// rewritten.
func (s *PostgresTaskStore) Transition(ctx context.Context, next *task.GenerationTask, from task.Status) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.CheckTransition(next, from); err != nil {
		return err
	}

	query := `
		UPDATE generation_tasks
		SET status = $3,
			queue_name = $4,
			priority = $5,
			external_handle = $6,
			retry_count = $7,
			error_message = $8,
			failure_reason = $9,
			asset_ref = $10,
			available_at = $11,
			started_at = $12,
			completed_at = $13,
			last_polled_at = $14,
			next_poll_at = $15,
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND retry_count = $16
	`
	result, err := s.db.ExecContext(ctx, query,
		next.ID,
		string(from),
		string(next.Status),
		next.QueueName,
		next.Priority,
		next.ExternalHandle,
		next.RetryCount,
		next.ErrorMessage,
		string(next.FailureReason),
		next.AssetRef,
		next.AvailableAt.UTC(),
		utcPtr(next.StartedAt),
		utcPtr(next.CompletedAt),
		utcPtr(next.LastPolledAt),
		utcPtr(next.NextPollAt),
		task.PriorRetryCount(next, from),
	)
	if err != nil {
		log.Error("failed to transition task",
			slog.String("error", err.Error()),
			slog.String("task_id", next.ID.String()),
			slog.String("from", string(from)),
			slog.String("to", string(next.Status)))
		if IsCheckConstraintViolation(err) || IsNotNullViolation(err) {
			return fmt.Errorf("%w: %v", task.ErrInvalidTask, err)
		}
		return fmt.Errorf("failed to transition task: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "generation task"); err != nil {
		if !store.IsNotFoundError(err) {
			return err
		}
		// Distinguish a missing row from a lost compare-and-set
		var (
			status     string
			retryCount int
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT status, retry_count FROM generation_tasks WHERE id = $1`, next.ID).Scan(&status, &retryCount)
		if errors.Is(err, sql.ErrNoRows) {
			return task.ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to re-read task status: %w", MapError(err))
		}
		log.Debug("stale transition",
			slog.String("task_id", next.ID.String()),
			slog.String("expected", string(from)),
			slog.String("actual", status),
			slog.Int("expected_retry_count", task.PriorRetryCount(next, from)),
			slog.Int("actual_retry_count", retryCount))
		return task.ErrStaleTransition
	}
	return nil
}

// ListQueued implements task.Store.
func (s *PostgresTaskStore) ListQueued(ctx context.Context, availableBefore time.Time, limit int) ([]*task.GenerationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM generation_tasks
		WHERE status = 'queued' AND available_at <= $1
		ORDER BY priority DESC, created_at ASC
	`
	args := []any{availableBefore.UTC()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.list(ctx, query, args...)
}

// ListProcessing implements task.Store.
func (s *PostgresTaskStore) ListProcessing(ctx context.Context, limit int) ([]*task.GenerationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM generation_tasks
		WHERE status = 'processing'
		ORDER BY started_at ASC NULLS FIRST
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return s.list(ctx, query, args...)
}

func (s *PostgresTaskStore) list(ctx context.Context, query string, args ...any) ([]*task.GenerationTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to list tasks",
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.GenerationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.GenerationTask, error) {
	var (
		t             task.GenerationTask
		typ, status   string
		failureReason string
		metadata      []byte
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		lastPolledAt  sql.NullTime
		nextPollAt    sql.NullTime
	)
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&typ,
		&t.ItemID,
		&status,
		&t.QueueName,
		&t.Priority,
		&t.ExternalHandle,
		&metadata,
		&t.RetryCount,
		&t.MaxRetries,
		&t.ErrorMessage,
		&failureReason,
		&t.AssetRef,
		&t.CreatedAt,
		&t.AvailableAt,
		&startedAt,
		&completedAt,
		&lastPolledAt,
		&nextPollAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	t.FailureReason = generation.FailureReason(failureReason)
	t.Metadata = json.RawMessage(metadata)
	t.CreatedAt = t.CreatedAt.UTC()
	t.AvailableAt = t.AvailableAt.UTC()
	t.StartedAt = nullTime(startedAt)
	t.CompletedAt = nullTime(completedAt)
	t.LastPolledAt = nullTime(lastPolledAt)
	t.NextPollAt = nullTime(nextPollAt)
	return &t, nil
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
