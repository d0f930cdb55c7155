// Package alpaca adapts the Alpaca market-data API to the canonical
// provider boundary.
package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog/log"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/provider"
	"github.com/candlekeep/candlekeep/internal/provider/ratelimit"
)

const ProviderName = "alpaca"

// Config holds Alpaca client configuration.
type Config struct {
	APIKey       string  `yaml:"api_key"`
	APISecret    string  `yaml:"api_secret"`
	BaseURL      string  `yaml:"base_url"`
	Feed         string  `yaml:"feed"`
	MaxBatchSize int     `yaml:"max_batch_size"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	RateBurst    int     `yaml:"rate_burst"`
}

// Adapter fetches bars from Alpaca, pacing requests through a token bucket.
type Adapter struct {
	client  *marketdata.Client
	limiter *ratelimit.Limiter
	cfg     Config
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an Alpaca adapter.
func New(cfg Config) *Adapter {
	if cfg.Feed == "" {
		cfg.Feed = "iex"
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 3.0 // free tier: 200 req/min, stay well under
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.BaseURL != "" {
		opts.BaseURL = cfg.BaseURL
	}

	return &Adapter{
		client:  marketdata.NewClient(opts),
		limiter: ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateBurst),
		cfg:     cfg,
	}
}

// Name returns the provider tag stamped onto written bars.
func (a *Adapter) Name() string { return ProviderName }

// MaxBatchSize returns the symbols-per-call cap.
func (a *Adapter) MaxBatchSize() int { return a.cfg.MaxBatchSize }

// FetchBars fetches bars for up to MaxBatchSize symbols over [start, end)
// and normalizes them into canonical bars.
func (a *Adapter) FetchBars(ctx context.Context, symbols []string, tf domain.Timeframe, start, end time.Time) (map[string][]domain.Bar, error) {
	if len(symbols) == 0 {
		return map[string][]domain.Bar{}, nil
	}
	if len(symbols) > a.cfg.MaxBatchSize {
		return nil, provider.NewError(provider.KindPermanent, ProviderName,
			fmt.Errorf("%d symbols exceeds batch cap %d", len(symbols), a.cfg.MaxBatchSize))
	}

	timeFrame, err := mapTimeframe(tf)
	if err != nil {
		return nil, provider.NewError(provider.KindPermanent, ProviderName, err)
	}

	if err := a.limiter.Wait(ctx, ProviderName); err != nil {
		return nil, provider.NewError(provider.KindTransient, ProviderName, err)
	}

	req := marketdata.GetBarsRequest{
		TimeFrame: timeFrame,
		Start:     start,
		End:       end,
	}
	switch strings.ToLower(a.cfg.Feed) {
	case "sip":
		req.Feed = "sip"
	case "otc":
		req.Feed = "otc"
	default:
		req.Feed = "iex"
	}

	multiBars, err := a.client.GetMultiBars(symbols, req)
	if err != nil {
		return nil, classify(err)
	}

	out := normalize(symbols, tf, multiBars)
	total := 0
	for _, bars := range out {
		total += len(bars)
	}

	log.Debug().Int("symbols", len(symbols)).Int("bars", total).
		Str("timeframe", string(tf)).Msg("alpaca bars fetched")
	return out, nil
}

// normalize maps the provider response back onto the requested symbol
// strings. Alpaca echoes symbols uppercased, so the match is
// case-insensitive and the output is keyed by the caller's spelling.
func normalize(symbols []string, tf domain.Timeframe, multiBars map[string][]marketdata.Bar) map[string][]domain.Bar {
	requestedByUpper := make(map[string]string, len(symbols))
	out := make(map[string][]domain.Bar, len(symbols))
	for _, symbol := range symbols {
		requestedByUpper[strings.ToUpper(symbol)] = symbol
		out[symbol] = nil
	}

	for echoed, alpacaBars := range multiBars {
		requested, ok := requestedByUpper[strings.ToUpper(echoed)]
		if !ok {
			continue
		}
		bars := make([]domain.Bar, 0, len(alpacaBars))
		for _, ab := range alpacaBars {
			bars = append(bars, domain.Bar{
				Symbol:     requested,
				Timeframe:  tf,
				Timestamp:  ab.Timestamp.UTC(),
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     float64(ab.Volume),
				Provider:   ProviderName,
				IsForecast: false,
				DataStatus: domain.DataStatusFinal,
			})
		}
		out[requested] = bars
	}
	return out
}

// mapTimeframe translates canonical timeframe tokens into Alpaca's format.
// This is the only place Alpaca's timeframe vocabulary appears.
func mapTimeframe(tf domain.Timeframe) (marketdata.TimeFrame, error) {
	switch tf {
	case domain.TimeframeM15:
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case domain.TimeframeH1:
		return marketdata.OneHour, nil
	case domain.TimeframeD1:
		return marketdata.OneDay, nil
	case domain.TimeframeW1:
		return marketdata.NewTimeFrame(1, marketdata.Week), nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("timeframe %q has no alpaca mapping", tf)
	}
}

// classify maps SDK failures onto the provider error taxonomy. The SDK
// surfaces HTTP failures as opaque errors, so classification inspects the
// message for status markers and falls back to transient.
func classify(err error) *provider.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return provider.NewError(provider.KindTransient, ProviderName, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return provider.NewError(provider.KindSchema, ProviderName, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit"):
		return provider.NewError(provider.KindRateLimited, ProviderName, err)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return provider.NewError(provider.KindNotFound, ProviderName, err)
	case strings.Contains(msg, "400") || strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") || strings.Contains(msg, "422") ||
		strings.Contains(msg, "invalid symbol") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "unauthorized"):
		return provider.NewError(provider.KindPermanent, ProviderName, err)
	default:
		return provider.NewError(provider.KindTransient, ProviderName, err)
	}
}
