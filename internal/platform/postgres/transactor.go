package postgres

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/phrazzld/mediagen/internal/store"
	"github.com/phrazzld/mediagen/internal/task"
)

// Transactor implements task.Transactor with a database transaction. The
// stores handed to the callback are bound to that transaction.
type Transactor struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTransactor creates a Transactor on db.
func NewTransactor(db *sql.DB, logger *slog.Logger) *Transactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transactor{db: db, logger: logger}
}

var _ task.Transactor = (*Transactor)(nil)

// WithinTx implements task.Transactor.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context, uow task.UnitOfWork) error) error {
	return store.RunInTransaction(ctx, t.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, task.UnitOfWork{
			Tasks: NewPostgresTaskStore(tx, t.logger),
			Items: NewPostgresItemStore(tx, t.logger),
		})
	})
}
