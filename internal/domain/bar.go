package domain

import "time"

// DataStatus marks how a stored bar was produced.
type DataStatus string

const (
	DataStatusFinal   DataStatus = "final"
	DataStatusPartial DataStatus = "partial"
)

// Bar is one OHLCV sample. At most one row exists per
// (symbol, timeframe, ts, provider, is_forecast); writes are idempotent
// upserts on that key.
type Bar struct {
	Symbol     string     `json:"symbol" db:"symbol"`
	Timeframe  Timeframe  `json:"timeframe" db:"timeframe"`
	Timestamp  time.Time  `json:"ts" db:"ts"`
	Open       float64    `json:"open" db:"open"`
	High       float64    `json:"high" db:"high"`
	Low        float64    `json:"low" db:"low"`
	Close      float64    `json:"close" db:"close"`
	Volume     float64    `json:"volume" db:"volume"`
	Provider   string     `json:"provider" db:"provider"`
	IsForecast bool       `json:"isForecast" db:"is_forecast"`
	DataStatus DataStatus `json:"dataStatus" db:"data_status"`
	Confidence *float64   `json:"confidence,omitempty" db:"confidence"`
	BandUpper  *float64   `json:"bandUpper,omitempty" db:"band_upper"`
	BandLower  *float64   `json:"bandLower,omitempty" db:"band_lower"`
}

// ProviderPreference is the deterministic order used to resolve reads when
// multiple providers hold the same timestamp. Earlier entries win. It is a
// read-time concern only; workers always write under their own provider tag.
type ProviderPreference []string

// Rank returns the preference index for a provider, with unknown providers
// sorting after all known ones.
func (p ProviderPreference) Rank(provider string) int {
	for i, name := range p {
		if name == provider {
			return i
		}
	}
	return len(p)
}

// CoverageStatus is recomputed from the bar store on every request and never
// persisted or cached as truth.
type CoverageStatus struct {
	Symbol      string        `json:"symbol"`
	Timeframe   Timeframe     `json:"timeframe"`
	WindowStart time.Time     `json:"windowStart"`
	WindowEnd   time.Time     `json:"windowEnd"`
	GapsFound   int           `json:"gapsFound"`
	Gaps        []GapInterval `json:"gapIntervals,omitempty"`
	CoveragePct float64       `json:"coveragePct"`
	LatestBarTS *time.Time    `json:"latestBarTs,omitempty"`
}

// GapInterval is a contiguous span of missing expected samples.
type GapInterval struct {
	Start time.Time `json:"gapStart"`
	End   time.Time `json:"gapEnd"`
}

// Duration returns the span of the gap.
func (g GapInterval) Duration() time.Duration { return g.End.Sub(g.Start) }
