// Package exchange simulates external venues that quote reference prices for
// listed stocks. Quotes are recorded as external market prices, which the
// clearing engine falls back to when a stock has not traded yet.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-market/internal/clearing"
	"github.com/ksred/klear-market/internal/market"
	"github.com/ksred/klear-market/internal/types"
)

var ErrNoQuotes = errors.New("no venue returned a quote")

// Venue represents a mock external exchange
type Venue struct {
	ID              string
	Name            string
	LiquidityFactor float64 // 0-1, weight of the venue's quote
	SuccessRate     float64 // 0-1, probability the venue answers
}

var mockVenues = []Venue{
	{ID: "EXCH1", Name: "Primary Exchange", LiquidityFactor: 0.9, SuccessRate: 0.95},
	{ID: "EXCH2", Name: "Secondary Exchange", LiquidityFactor: 0.7, SuccessRate: 0.90},
	{ID: "EXCH3", Name: "Regional Exchange", LiquidityFactor: 0.5, SuccessRate: 0.85},
	{ID: "EXCH4", Name: "Dark Pool", LiquidityFactor: 0.3, SuccessRate: 0.75},
}

// maxVariance bounds each venue's quote to reference * (1 ± maxVariance)
const maxVariance = 0.02

// PriceSource supplies the reference price quotes are drawn around
type PriceSource interface {
	CurrentMarketPrice(ctx context.Context, stockID uint) (decimal.Decimal, error)
}

// Feed polls the mock venues for every listed stock
type Feed struct {
	market *market.Service
	prices PriceSource
	venues []Venue
	seed   decimal.Decimal
	rng    *rand.Rand
	logger zerolog.Logger
}

type Option func(*Feed)

// WithRand makes quotes reproducible
func WithRand(rng *rand.Rand) Option {
	return func(f *Feed) {
		f.rng = rng
	}
}

func WithVenues(venues ...Venue) Option {
	return func(f *Feed) {
		f.venues = venues
	}
}

// WithSeedPrice sets the reference for stocks that have neither traded nor
// been quoted
func WithSeedPrice(price decimal.Decimal) Option {
	return func(f *Feed) {
		f.seed = price
	}
}

func NewFeed(marketService *market.Service, prices PriceSource, opts ...Option) *Feed {
	f := &Feed{
		market: marketService,
		prices: prices,
		venues: mockVenues,
		seed:   decimal.NewFromInt(1),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: log.With().Str("service", "price_feed").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Quote asks every venue for a price around reference and returns the
// liquidity-weighted average of the venues that answered
func (f *Feed) Quote(reference decimal.Decimal) (decimal.Decimal, error) {
	weighted := 0.0
	totalWeight := 0.0
	ref := reference.InexactFloat64()

	for _, v := range f.venues {
		if f.rng.Float64() > v.SuccessRate {
			f.logger.Debug().Str("venue", v.ID).Msg("venue did not answer")
			continue
		}
		price := ref * (1 + (f.rng.Float64()*2*maxVariance - maxVariance))
		weighted += price * v.LiquidityFactor
		totalWeight += v.LiquidityFactor
	}
	if totalWeight == 0 {
		return decimal.Zero, ErrNoQuotes
	}
	return decimal.NewFromFloat(weighted / totalWeight).Round(8), nil
}

// Poll records one quote per listed stock and returns how many were recorded
func (f *Feed) Poll(ctx context.Context) (int, error) {
	stocks, err := f.market.Stocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stocks: %w", err)
	}

	recorded := 0
	for _, stock := range stocks {
		reference, err := f.prices.CurrentMarketPrice(ctx, stock.ID)
		if errors.Is(err, clearing.ErrNoPriceAvailable) {
			reference = f.seed
		} else if err != nil {
			return recorded, err
		}

		price, err := f.Quote(reference)
		if errors.Is(err, ErrNoQuotes) {
			f.logger.Warn().Str("symbol", stock.Symbol).Msg("no venue quoted")
			continue
		}
		if !price.IsPositive() {
			continue
		}

		if _, err := f.market.RecordExternalPrice(ctx, types.RecordPriceRequest{
			Symbol: stock.Symbol,
			Price:  price,
			Source: "mock-venues",
		}); err != nil {
			return recorded, err
		}
		recorded++

		f.logger.Debug().
			Str("symbol", stock.Symbol).
			Str("reference", reference.String()).
			Str("price", price.String()).
			Msg("external price recorded")
	}
	return recorded, nil
}

// Poller runs the feed on a ticker
type Poller struct {
	feed     *Feed
	interval time.Duration
}

func NewPoller(feed *Feed, interval time.Duration) *Poller {
	return &Poller{
		feed:     feed,
		interval: interval,
	}
}

// Start polls until ctx is cancelled
func (p *Poller) Start(ctx context.Context) {
	logger := log.With().Str("component", "price_poller").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting price feed")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down price feed")
			return
		case <-ticker.C:
			if _, err := p.feed.Poll(ctx); err != nil {
				logger.Error().Err(err).Msg("price feed poll failed")
			}
		}
	}
}
