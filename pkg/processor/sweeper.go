package processor

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zoff-tech/sms-relay/pkg/store"
)

func (p *DeliveryProcessor) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.outbox.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("outbox sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce returns leases older than LeaseTimeout to PENDING, deletes finished
// records past their retention and wakes every worker so that due retries are
// picked up.
func (p *DeliveryProcessor) SweepOnce(ctx context.Context) error {
	now := p.now()

	released, releaseErr := p.repo.ReleaseExpiredLeases(ctx, now.Add(-p.outbox.LeaseTimeout))
	if released > 0 {
		p.metrics.released.Add(ctx, released)
		p.logger.Warn("expired leases released", zap.Int64("count", released))
	}

	reaped, reapErr := p.repo.ReapExpired(ctx, now, store.RetentionPolicy{
		DeliveredGrace: p.outbox.DeliveredGrace,
		DeadRetention:  p.outbox.DeadRetention,
	})
	if reaped > 0 {
		p.metrics.reaped.Add(ctx, reaped)
		p.logger.Debug("finished records reaped", zap.Int64("count", reaped))
	}

	p.wakeAll()
	return multierr.Combine(releaseErr, reapErr)
}
