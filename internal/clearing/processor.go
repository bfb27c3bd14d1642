package clearing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor runs a clearing cycle on every tick
type Processor struct {
	engine   *Engine
	interval time.Duration
}

func NewProcessor(engine *Engine, interval time.Duration) *Processor {
	return &Processor{
		engine:   engine,
		interval: interval,
	}
}

// Start begins the clearing loop and returns once ctx is cancelled
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "clearing_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting clearing processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down clearing processor")
			return
		case <-ticker.C:
			if _, err := p.engine.ClearMarket(ctx); err != nil {
				logger.Error().Err(err).Msg("clearing cycle failed")
			}
		}
	}
}
