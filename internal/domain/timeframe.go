package domain

import (
	"fmt"
	"time"
)

// Timeframe is the canonical sampling interval token. Provider-specific
// formats never leave the provider adapter boundary.
type Timeframe string

const (
	TimeframeM15 Timeframe = "m15"
	TimeframeH1  Timeframe = "h1"
	TimeframeD1  Timeframe = "d1"
	TimeframeW1  Timeframe = "w1"
)

// ParseTimeframe validates a timeframe token received from clients or config.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case TimeframeM15, TimeframeH1, TimeframeD1, TimeframeW1:
		return Timeframe(s), nil
	}
	return "", fmt.Errorf("unknown timeframe: %q", s)
}

// Interval returns the nominal spacing between consecutive samples.
func (tf Timeframe) Interval() time.Duration {
	switch tf {
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	case TimeframeW1:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Intraday reports whether the timeframe samples within a trading session.
func (tf Timeframe) Intraday() bool {
	return tf == TimeframeM15 || tf == TimeframeH1
}

// ExpectedSamples returns the number of samples a fully covered [start, end)
// window should contain. Daily and weekly timeframes are calendar-aware:
// only trading days (Mon-Fri) produce a daily bar, and one bar per ISO week.
func (tf Timeframe) ExpectedSamples(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}

	switch tf {
	case TimeframeD1:
		return countTradingDays(start, end)
	case TimeframeW1:
		weeks := int(end.Sub(start) / (7 * 24 * time.Hour))
		if weeks < 1 {
			weeks = 1
		}
		return weeks
	default:
		return int(end.Sub(start) / tf.Interval())
	}
}

func countTradingDays(start, end time.Time) int {
	days := 0
	for d := start.Truncate(24 * time.Hour); d.Before(end); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
		default:
			days++
		}
	}
	return days
}
