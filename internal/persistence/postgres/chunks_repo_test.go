package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestClaim_Wins(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChunksRepo(db, time.Second, 30*time.Second)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "job_id", "symbol", "timeframe", "slice_start", "slice_end",
		"status", "try_count", "last_error", "updated_at",
	}).AddRow("c1", "j1", "AAPL", "h1", now.AddDate(0, 0, -1), now,
		"in_progress", 0, "", now)

	mock.ExpectQuery(`UPDATE backfill_chunks`).
		WithArgs("c1", 5).
		WillReturnRows(rows)

	chunk, err := repo.Claim(context.Background(), "c1", 5)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkInProgress, chunk.Status)
	assert.Equal(t, "AAPL", chunk.Symbol)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_ConflictWhenAlreadyOwned(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChunksRepo(db, time.Second, 30*time.Second)

	// No rows back from the conditional update means another worker owns it.
	mock.ExpectQuery(`UPDATE backfill_chunks`).
		WithArgs("c1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Claim(context.Background(), "c1", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, persistence.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkError_ExhaustedPinsTryCount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChunksRepo(db, time.Second, 30*time.Second)

	mock.ExpectExec(`UPDATE backfill_chunks`).
		WithArgs("c1", "invalid symbol", true, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkError(context.Background(), "c1", "invalid symbol", true, 5)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMissing_CountsOnlyNewRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChunksRepo(db, time.Second, 30*time.Second)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO backfill_chunks`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0)) // conflict, skipped
	mock.ExpectCommit()

	day := 24 * time.Hour
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	chunks := []domain.Chunk{
		{JobID: "j1", Symbol: "AAPL", Timeframe: domain.TimeframeH1, SliceStart: start, SliceEnd: start.Add(day)},
		{JobID: "j1", Symbol: "AAPL", Timeframe: domain.TimeframeH1, SliceStart: start.Add(day), SliceEnd: start.Add(2 * day)},
	}

	created, err := repo.InsertMissing(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStale(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChunksRepo(db, time.Second, 30*time.Second)

	mock.ExpectExec(`UPDATE backfill_chunks`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.RecoverStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
