package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/domain"
)

func TestJobsUpsert_NewDefinition(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobsRepo(db, time.Second)

	mock.ExpectQuery(`INSERT INTO job_definitions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created"}).AddRow("def-1", true))

	id, created, err := repo.Upsert(context.Background(), domain.JobDefinition{
		JobType:    domain.JobTypeSingle,
		Symbols:    []string{"AAPL"},
		Timeframe:  domain.TimeframeH1,
		WindowDays: 730,
		Priority:   5,
	})
	require.NoError(t, err)
	assert.Equal(t, "def-1", id)
	assert.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsUpsert_ReusesExistingKey(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobsRepo(db, time.Second)

	mock.ExpectQuery(`INSERT INTO job_definitions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created"}).AddRow("def-1", false))

	id, created, err := repo.Upsert(context.Background(), domain.JobDefinition{
		JobType:    domain.JobTypeSingle,
		Symbols:    []string{"AAPL"},
		Timeframe:  domain.TimeframeH1,
		WindowDays: 730,
	})
	require.NoError(t, err)
	assert.Equal(t, "def-1", id)
	assert.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsDue_Order(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobsRepo(db, time.Second)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "job_type", "symbols", "timeframe", "window_days", "priority",
		"enabled", "batch_number", "total_batches", "created_at",
	}).
		AddRow("high", "single", "{AAPL}", "h1", 30, 10, true, 0, 0, now).
		AddRow("low", "batch", "{MSFT,GOOG}", "d1", 365, 1, true, 1, 2, now)

	mock.ExpectQuery(`FROM job_definitions`).WithArgs(20).WillReturnRows(rows)

	defs, err := repo.Due(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "high", defs[0].ID)
	assert.Equal(t, []string{"MSFT", "GOOG"}, defs[1].Symbols)
	require.NoError(t, mock.ExpectationsWereMet())
}
