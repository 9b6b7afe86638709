package settlement

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// Processor settles pending trades on a fixed interval.
type Processor struct {
	service      *Service
	clock        clock.Clock
	processDelay time.Duration // Time between settlement passes
}

func NewProcessor(service *Service, clk clock.Clock, interval time.Duration) *Processor {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		service:      service,
		clock:        clk,
		processDelay: interval,
	}
}

// Start runs the settlement loop until ctx is done.
func (p *Processor) Start(ctx context.Context) error {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting settlement processor")

	ticker := p.clock.Ticker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return nil
		case <-ticker.C:
			if err := p.processPendingSettlements(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process pending settlements")
			}
		}
	}
}

func (p *Processor) processPendingSettlements(ctx context.Context) error {
	logger := log.With().Str("component", "settlement_processor").Logger()

	result, err := p.service.SettlePending(ctx)
	if err != nil {
		return err
	}
	if result.Settled == 0 && result.Failed == 0 {
		return nil
	}

	logger.Info().
		Int("settled", result.Settled).
		Int("failed", result.Failed).
		Msg("processed pending settlements")
	return nil
}
