package reservation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/auctionworks/settle/pkg/ledger"
)

// Sweeper periodically expires reservations stuck in Locked past a maximum
// age, returning the funds. It backstops crashed workers and lost queue
// deliveries; ledger releases are idempotent, so racing a late queue job is
// harmless.
type Sweeper struct {
	ledger    *ledger.Service
	interval  time.Duration
	maxAge    time.Duration
	batchSize int
	log       *zap.Logger
}

// NewSweeper wires a Sweeper.
func NewSweeper(ledgerService *ledger.Service, interval, maxAge time.Duration, batchSize int, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		ledger:    ledgerService,
		interval:  interval,
		maxAge:    maxAge,
		batchSize: batchSize,
		log:       log,
	}
}

// Run sweeps until ctx is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := sweeper.ledger.ExpireStale(ctx, sweeper.maxAge, sweeper.batchSize)
			if err != nil {
				sweeper.log.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				sweeper.log.Info("expired stale reservations", zap.Int("count", expired))
			}
		}
	}
}
