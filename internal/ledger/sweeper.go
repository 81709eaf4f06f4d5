package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically expires overdue reservations so credits held by
// crashed or forgetful callers return to availability.
type Sweeper struct {
	service   *Service
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewSweeper wires a Sweeper around a Service.
func NewSweeper(service *Service, logger *zap.Logger, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = DefaultReservationTTL / 2
	}
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &Sweeper{service: service, logger: logger, interval: interval, batchSize: batchSize}
}

// Run sweeps on a ticker until the context is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, err := sweeper.service.SweepExpired(ctx, sweeper.batchSize)
			if err != nil {
				sweeper.logger.Warn("reservation sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				sweeper.logger.Info("reservations expired", zap.Int("count", expired))
			}
		}
	}
}
