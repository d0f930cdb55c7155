// Package coverage computes gap intervals and coverage statistics for a
// symbol/timeframe window. It is read-only and side-effect-free; everything
// downstream (job planning, dispatch, client responses) keys off its output.
package coverage

import (
	"context"
	"fmt"
	"time"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

// Session describes the trading session used to discount non-market time
// when judging intraday gaps. Offsets are from midnight UTC.
type Session struct {
	OpenUTC  time.Duration `yaml:"open_utc"`
	CloseUTC time.Duration `yaml:"close_utc"`
}

// Hours returns the session length.
func (s Session) Hours() time.Duration { return s.CloseUTC - s.OpenUTC }

// DefaultSession approximates the US equity session (09:30-16:00 ET).
func DefaultSession() *Session {
	return &Session{OpenUTC: 13*time.Hour + 30*time.Minute, CloseUTC: 20 * time.Hour}
}

// Config tunes gap judgement per timeframe. MaxGap is the threshold a span
// of missing samples must exceed to be reported; intraday thresholds are
// tight because non-market time is discounted via Session. A nil Session
// disables the calendar and judges raw spans.
type Config struct {
	MaxGap  map[domain.Timeframe]time.Duration
	Session *Session
}

// DefaultConfig returns the per-timeframe gap thresholds.
func DefaultConfig() Config {
	return Config{
		MaxGap: map[domain.Timeframe]time.Duration{
			domain.TimeframeM15: 30 * time.Minute,
			domain.TimeframeH1:  90 * time.Minute,
			domain.TimeframeD1:  96 * time.Hour,
			domain.TimeframeW1:  336 * time.Hour,
		},
		Session: DefaultSession(),
	}
}

func (c Config) threshold(tf domain.Timeframe) time.Duration {
	if d, ok := c.MaxGap[tf]; ok && d > 0 {
		return d
	}
	// Anything tighter than the sampling interval would flag every pair.
	return 2 * tf.Interval()
}

// Detector finds missing intervals in stored bar series.
type Detector struct {
	bars persistence.BarRepo
	cfg  Config
}

// NewDetector creates a detector over the given bar store.
func NewDetector(bars persistence.BarRepo, cfg Config) *Detector {
	if cfg.MaxGap == nil {
		cfg.MaxGap = DefaultConfig().MaxGap
	}
	return &Detector{bars: bars, cfg: cfg}
}

// DetectGaps reports every span of missing expected samples in [start, end)
// whose effective duration exceeds the timeframe's threshold. Forecast rows
// never count as coverage; an empty window yields one whole-window gap.
func (d *Detector) DetectGaps(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.GapInterval, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("invalid window: start %s not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	timestamps, err := d.bars.Timestamps(ctx, symbol, tf, persistence.TimeRange{From: start, To: end})
	if err != nil {
		return nil, fmt.Errorf("failed to load timestamps for %s/%s: %w", symbol, tf, err)
	}

	if len(timestamps) == 0 {
		return []domain.GapInterval{{Start: start, End: end}}, nil
	}

	threshold := d.cfg.threshold(tf)
	var gaps []domain.GapInterval

	if d.effectiveSpan(tf, start, timestamps[0]) > threshold {
		gaps = append(gaps, domain.GapInterval{Start: start, End: timestamps[0]})
	}
	for i := 1; i < len(timestamps); i++ {
		if d.effectiveSpan(tf, timestamps[i-1], timestamps[i]) > threshold {
			gaps = append(gaps, domain.GapInterval{Start: timestamps[i-1], End: timestamps[i]})
		}
	}
	last := timestamps[len(timestamps)-1]
	if d.effectiveSpan(tf, last, end) > threshold {
		gaps = append(gaps, domain.GapInterval{Start: last, End: end})
	}

	return gaps, nil
}

// Status combines gap detection with coverage statistics for one window.
func (d *Detector) Status(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) (domain.CoverageStatus, error) {
	gaps, err := d.DetectGaps(ctx, symbol, tf, start, end)
	if err != nil {
		return domain.CoverageStatus{}, err
	}

	window, err := d.bars.Window(ctx, symbol, tf, persistence.TimeRange{From: start, To: end})
	if err != nil {
		return domain.CoverageStatus{}, fmt.Errorf("failed to load coverage window: %w", err)
	}

	expected := d.expectedSamples(tf, start, end)
	pct := 100.0
	if expected > 0 {
		pct = float64(window.BarCount) / float64(expected) * 100
	}
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	return domain.CoverageStatus{
		Symbol:      symbol,
		Timeframe:   tf,
		WindowStart: start,
		WindowEnd:   end,
		GapsFound:   len(gaps),
		Gaps:        gaps,
		CoveragePct: pct,
		LatestBarTS: window.Newest,
	}, nil
}

// effectiveSpan measures the part of [from, to] that should have contained
// samples. With a session calendar, intraday spans only accrue during
// weekday market hours, so the overnight and weekend silence between real
// bars never reads as a gap.
func (d *Detector) effectiveSpan(tf domain.Timeframe, from, to time.Time) time.Duration {
	if !tf.Intraday() || d.cfg.Session == nil {
		return to.Sub(from)
	}
	return sessionOverlap(*d.cfg.Session, from, to)
}

// expectedSamples mirrors effectiveSpan: with a session calendar, intraday
// windows only expect bars during market hours.
func (d *Detector) expectedSamples(tf domain.Timeframe, start, end time.Time) int {
	if !tf.Intraday() || d.cfg.Session == nil {
		return tf.ExpectedSamples(start, end)
	}
	span := sessionOverlap(*d.cfg.Session, start, end)
	return int(span / tf.Interval())
}

// sessionOverlap returns how much of [from, to] falls inside weekday
// trading sessions.
func sessionOverlap(s Session, from, to time.Time) time.Duration {
	if !to.After(from) {
		return 0
	}

	var total time.Duration
	day := time.Date(from.UTC().Year(), from.UTC().Month(), from.UTC().Day(), 0, 0, 0, 0, time.UTC)
	for ; day.Before(to); day = day.AddDate(0, 0, 1) {
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		open := day.Add(s.OpenUTC)
		close := day.Add(s.CloseUTC)
		if open.Before(from) {
			open = from
		}
		if close.After(to) {
			close = to
		}
		if close.After(open) {
			total += close.Sub(open)
		}
	}
	return total
}
