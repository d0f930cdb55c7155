package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/persistence"
)

func TestFinalize_DerivesOutcomeFromChunkTable(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunsRepo(db, time.Second)

	// The terminal status must come from backfill_chunks, not from the
	// incrementally-applied run counters.
	mock.ExpectExec(`UPDATE job_runs SET.*FROM \(.*FROM backfill_chunks`).
		WithArgs("j1", 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Finalize(context.Background(), "j1", 5)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_AddsDeltas(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunsRepo(db, time.Second)

	mock.ExpectExec(`UPDATE job_runs`).
		WithArgs("j1", 1, 0, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Apply(context.Background(), "j1", 1, 0, 7)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRunsRepo(db, time.Second)

	mock.ExpectQuery(`SELECT .* FROM job_runs`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, persistence.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}
