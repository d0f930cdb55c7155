package alpaca

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/provider"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want provider.ErrorKind
	}{
		{"rate limited", errors.New("request failed: 429 Too Many Requests"), provider.KindRateLimited},
		{"not found", errors.New("symbol not found (404)"), provider.KindNotFound},
		{"bad request", errors.New("invalid symbol: 400"), provider.KindPermanent},
		{"unauthorized", errors.New("401 unauthorized"), provider.KindPermanent},
		{"server error", errors.New("502 bad gateway"), provider.KindTransient},
		{"plain network", errors.New("dial tcp: connection refused"), provider.KindTransient},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), provider.KindTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			assert.Equal(t, tc.want, got.Kind)
			assert.Equal(t, ProviderName, got.Provider)
		})
	}
}

func TestMapTimeframe(t *testing.T) {
	for _, tf := range []domain.Timeframe{domain.TimeframeM15, domain.TimeframeH1, domain.TimeframeD1, domain.TimeframeW1} {
		_, err := mapTimeframe(tf)
		require.NoError(t, err, "timeframe %s must map", tf)
	}

	_, err := mapTimeframe(domain.Timeframe("h4"))
	require.Error(t, err)
}

func TestFetchBars_BatchCap(t *testing.T) {
	a := New(Config{MaxBatchSize: 2})

	symbols := []string{"AAPL", "MSFT", "GOOG"}
	_, err := a.FetchBars(context.Background(), symbols, domain.TimeframeH1, time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)

	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, provider.KindPermanent, pe.Kind)
}

func TestFetchBars_EmptySymbols(t *testing.T) {
	a := New(Config{})

	out, err := a.FetchBars(context.Background(), nil, domain.TimeframeH1, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNormalize_KeysByRequestedCasing(t *testing.T) {
	ts := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	echoed := map[string][]marketdata.Bar{
		"AAPL": {{Timestamp: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100}},
	}

	out := normalize([]string{"aapl"}, domain.TimeframeH1, echoed)

	require.Contains(t, out, "aapl", "output must be keyed by the requested spelling")
	require.Len(t, out["aapl"], 1)
	assert.Equal(t, "aapl", out["aapl"][0].Symbol)
	assert.Equal(t, ts, out["aapl"][0].Timestamp)
	assert.Equal(t, ProviderName, out["aapl"][0].Provider)
}

func TestNormalize_AbsentSymbolStaysEmpty(t *testing.T) {
	out := normalize([]string{"MSFT"}, domain.TimeframeH1, map[string][]marketdata.Bar{})
	require.Contains(t, out, "MSFT")
	assert.Empty(t, out["MSFT"])
}

func TestNewDefaults(t *testing.T) {
	a := New(Config{})
	assert.Equal(t, 50, a.MaxBatchSize())
	assert.Equal(t, ProviderName, a.Name())
}
