package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

// barsRepo implements BarRepo for PostgreSQL
type barsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBarsRepo creates a new PostgreSQL bars repository
func NewBarsRepo(db *sqlx.DB, timeout time.Duration) persistence.BarRepo {
	return &barsRepo{
		db:      db,
		timeout: timeout,
	}
}

// UpsertBatch writes bars idempotently on the composite key. Re-processing
// the same chunk never duplicates rows, only refreshes values.
func (r *barsRepo) UpsertBatch(ctx context.Context, bars []domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(bars)/500+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol, timeframe, ts, open, high, low, close, volume,
		                  provider, is_forecast, data_status, confidence, band_upper, band_lower)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (symbol, timeframe, ts, provider, is_forecast) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			data_status = EXCLUDED.data_status,
			confidence = EXCLUDED.confidence,
			band_upper = EXCLUDED.band_upper,
			band_lower = EXCLUDED.band_lower,
			updated_at = now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare bar upsert: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		_, err = stmt.ExecContext(ctx,
			bar.Symbol, bar.Timeframe, bar.Timestamp, bar.Open, bar.High,
			bar.Low, bar.Close, bar.Volume, bar.Provider, bar.IsForecast,
			bar.DataStatus, bar.Confidence, bar.BandUpper, bar.BandLower)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert bar %s/%s@%s: %w",
				bar.Symbol, bar.Timeframe, bar.Timestamp.Format(time.RFC3339), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bar upsert: %w", err)
	}
	return len(bars), nil
}

// Timestamps returns sorted distinct non-forecast timestamps in the window.
func (r *barsRepo) Timestamps(ctx context.Context, symbol string, tf domain.Timeframe, tr persistence.TimeRange) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ts
		FROM bars
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts < $4
		  AND is_forecast = FALSE
		ORDER BY ts ASC`

	var timestamps []time.Time
	if err := r.db.SelectContext(ctx, &timestamps, query, symbol, tf, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to query bar timestamps: %w", err)
	}
	return timestamps, nil
}

// Window summarizes non-forecast coverage for the window.
func (r *barsRepo) Window(ctx context.Context, symbol string, tf domain.Timeframe, tr persistence.TimeRange) (persistence.CoverageWindow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(DISTINCT ts), MIN(ts), MAX(ts)
		FROM bars
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts < $4
		  AND is_forecast = FALSE`

	var window persistence.CoverageWindow
	err := r.db.QueryRowxContext(ctx, query, symbol, tf, tr.From, tr.To).
		Scan(&window.BarCount, &window.Oldest, &window.Newest)
	if err != nil {
		return persistence.CoverageWindow{}, fmt.Errorf("failed to query coverage window: %w", err)
	}
	return window, nil
}

// Read resolves at most one bar per timestamp using the provider preference
// order; unknown providers sort last.
func (r *barsRepo) Read(ctx context.Context, symbol string, tf domain.Timeframe, tr persistence.TimeRange, prefs domain.ProviderPreference) ([]domain.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (ts)
		       symbol, timeframe, ts, open, high, low, close, volume,
		       provider, is_forecast, data_status, confidence, band_upper, band_lower
		FROM bars
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts < $4
		  AND is_forecast = FALSE
		ORDER BY ts ASC, COALESCE(array_position($5::text[], provider), 2147483647) ASC`

	rows, err := r.db.QueryxContext(ctx, query, symbol, tf, tr.From, tr.To, pq.Array([]string(prefs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var bar domain.Bar
		if err := rows.StructScan(&bar); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}
	return bars, nil
}
