package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/mediagen/internal/platform/logger"
	"github.com/phrazzld/mediagen/internal/store"
	"github.com/phrazzld/mediagen/internal/task"
)

// PostgresItemStore records produced artifacts in generation_results, one row
// per (item_id, task_type). A later result replaces an earlier one.
type PostgresItemStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresItemStore creates an item store on db.
func NewPostgresItemStore(db store.DBTX, logger *slog.Logger) *PostgresItemStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresItemStore{
		db:     db,
		logger: logger.With(slog.String("component", "item_store")),
	}
}

var _ task.ItemStore = (*PostgresItemStore)(nil)

// ApplyResult implements task.ItemStore.
func (s *PostgresItemStore) ApplyResult(ctx context.Context, itemID string, typ task.Type, taskID uuid.UUID, assetRef string) error {
	query := `
		INSERT INTO generation_results (item_id, task_type, task_id, asset_ref, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (item_id, task_type)
		DO UPDATE SET task_id = EXCLUDED.task_id,
			asset_ref = EXCLUDED.asset_ref,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, itemID, string(typ), taskID, assetRef); err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to apply generation result",
			slog.String("error", err.Error()),
			slog.String("item_id", itemID),
			slog.String("task_type", string(typ)),
			slog.String("task_id", taskID.String()))
		return fmt.Errorf("failed to apply generation result: %w", MapError(err))
	}
	return nil
}

// Result returns the artifact recorded for (itemID, typ), or store.ErrNotFound.
func (s *PostgresItemStore) Result(ctx context.Context, itemID string, typ task.Type) (task.ItemResult, error) {
	query := `
		SELECT item_id, task_type, task_id, asset_ref, updated_at
		FROM generation_results
		WHERE item_id = $1 AND task_type = $2
	`
	var (
		r       task.ItemResult
		typName string
	)
	err := s.db.QueryRowContext(ctx, query, itemID, string(typ)).
		Scan(&r.ItemID, &typName, &r.TaskID, &r.AssetRef, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return task.ItemResult{}, fmt.Errorf("%w: generation result", store.ErrNotFound)
	}
	if err != nil {
		return task.ItemResult{}, fmt.Errorf("failed to get generation result: %w", MapError(err))
	}
	r.Type = task.Type(typName)
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}
