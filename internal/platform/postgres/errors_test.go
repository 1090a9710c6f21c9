package postgres_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/mediagen/internal/platform/postgres"
	"github.com/phrazzld/mediagen/internal/store"
	"github.com/stretchr/testify/assert"
)

func newPgError(code, constraint string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "error message",
		TableName:      "generation_tasks",
		ColumnName:     "status",
		ConstraintName: constraint,
	}
}

type fakeResult struct {
	rowsAffected int64
	err          error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, r.err }
func (r fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, r.err }

func TestViolationPredicates(t *testing.T) {
	t.Parallel()

	unique := newPgError("23505", "generation_tasks_active_item_idx")
	check := newPgError("23514", "generation_tasks_priority_check")
	notNull := newPgError("23502", "")
	wrapped := fmt.Errorf("insert: %w", unique)

	assert.True(t, postgres.IsUniqueViolation(unique))
	assert.True(t, postgres.IsUniqueViolation(wrapped))
	assert.False(t, postgres.IsUniqueViolation(check))
	assert.False(t, postgres.IsUniqueViolation(nil))
	assert.False(t, postgres.IsUniqueViolation(errors.New("generic error")))

	assert.True(t, postgres.IsCheckConstraintViolation(check))
	assert.False(t, postgres.IsCheckConstraintViolation(unique))

	assert.True(t, postgres.IsNotNullViolation(notNull))
	assert.False(t, postgres.IsNotNullViolation(check))

	assert.Equal(t, "generation_tasks_active_item_idx", postgres.ConstraintName(wrapped))
	assert.Empty(t, postgres.ConstraintName(errors.New("generic error")))
}

func TestIsNotFoundError(t *testing.T) {
	t.Parallel()

	assert.True(t, postgres.IsNotFoundError(sql.ErrNoRows))
	assert.True(t, postgres.IsNotFoundError(fmt.Errorf("get: %w", store.ErrNotFound)))
	assert.False(t, postgres.IsNotFoundError(errors.New("generic error")))
	assert.False(t, postgres.IsNotFoundError(nil))
}

func TestCheckRowsAffected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		result  sql.Result
		wantErr bool
		errIs   error
	}{
		{name: "nil result", result: nil, wantErr: true},
		{name: "zero rows", result: fakeResult{rowsAffected: 0}, wantErr: true, errIs: store.ErrNotFound},
		{name: "one row", result: fakeResult{rowsAffected: 1}},
		{name: "driver error", result: fakeResult{err: errors.New("rows affected error")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := postgres.CheckRowsAffected(tt.result, "generation task")
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		errIs  error
		errMsg string
	}{
		{name: "sql.ErrNoRows", err: sql.ErrNoRows, errIs: store.ErrNotFound, errMsg: "entity not found"},
		{name: "unique violation", err: newPgError("23505", "generation_tasks_pkey"), errIs: store.ErrDuplicate},
		{name: "foreign key violation", err: newPgError("23503", "generation_results_task_id_fkey"), errIs: store.ErrInvalidEntity, errMsg: "generation_results_task_id_fkey"},
		{name: "check violation", err: newPgError("23514", "generation_tasks_retry_check"), errIs: store.ErrInvalidEntity, errMsg: "generation_tasks_retry_check"},
		{name: "not null violation", err: newPgError("23502", ""), errIs: store.ErrInvalidEntity, errMsg: "status"},
		{name: "undefined table", err: newPgError("42P01", "")},
		{name: "generic error", err: errors.New("generic error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := postgres.MapError(tt.err)
			if tt.errIs == nil {
				assert.Equal(t, tt.err, result)
				return
			}
			assert.ErrorIs(t, result, tt.errIs)
			assert.Contains(t, result.Error(), tt.errMsg)
		})
	}

	assert.NoError(t, postgres.MapError(nil))
}
