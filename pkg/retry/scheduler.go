// Package retry decides what happens to a record after a failed delivery.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zoff-tech/sms-relay/pkg/config"
	"github.com/zoff-tech/sms-relay/pkg/store"
	"go.uber.org/zap"
)

// Decision is the outcome of OnFailure.
type Decision struct {
	RecordID      string
	Attempt       int
	Dead          bool
	Delay         time.Duration
	NextAttemptAt time.Time // zero when Dead
	Ceiling       *RetryCeilingExceededError
}

type Scheduler struct {
	repo     store.OutboxRepository
	settings config.RetrySettings
	logger   *zap.Logger
	randN    func(n int64) int64
}

func NewScheduler(repo store.OutboxRepository, settings config.RetrySettings, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		repo:     repo,
		settings: settings,
		logger:   logger,
		randN:    rand.Int64N,
	}
}

// MaxAttempts is the total number of delivery attempts a record gets.
func (s *Scheduler) MaxAttempts() int {
	return s.settings.MaxAttempts
}

// Backoff returns the delay after the attempt-th failed attempt: Base doubled
// per previous attempt and capped at MaxInterval. With jitter the result lies
// in [d/2, d].
func (s *Scheduler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.settings.Base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.settings.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt && d < s.settings.MaxInterval; i++ {
		d = b.NextBackOff()
	}
	if d > s.settings.MaxInterval {
		d = s.settings.MaxInterval
	}

	if !s.settings.Jitter || d < 2 {
		return d
	}
	half := d / 2
	return half + time.Duration(s.randN(int64(d-half)+1))
}

// OnFailure reschedules or abandons a leased record whose delivery failed.
// The record's AttemptCount already includes the failed attempt.
func (s *Scheduler) OnFailure(ctx context.Context, rec *store.TransportRecord, cause error, now time.Time) (Decision, error) {
	decision := Decision{RecordID: rec.ID, Attempt: rec.AttemptCount}
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	if rec.AttemptCount >= s.settings.MaxAttempts {
		if err := s.repo.MarkDead(ctx, rec.ID, now, lastErr); err != nil {
			return decision, fmt.Errorf("mark dead: %w", err)
		}
		decision.Dead = true
		decision.Ceiling = &RetryCeilingExceededError{
			RecordID:    rec.ID,
			Attempts:    rec.AttemptCount,
			MaxAttempts: s.settings.MaxAttempts,
			Cause:       cause,
		}
		s.logger.Warn("retry ceiling reached",
			zap.String("record_id", rec.ID),
			zap.Int("attempt", rec.AttemptCount),
			zap.Error(decision.Ceiling),
		)
		return decision, nil
	}

	decision.Delay = s.Backoff(rec.AttemptCount)
	decision.NextAttemptAt = now.Add(decision.Delay)
	if err := s.repo.MarkFailed(ctx, rec.ID, decision.NextAttemptAt, lastErr); err != nil {
		return decision, fmt.Errorf("mark failed: %w", err)
	}
	s.logger.Debug("retry scheduled",
		zap.String("record_id", rec.ID),
		zap.Int("attempt", rec.AttemptCount),
		zap.Duration("delay", decision.Delay),
	)
	return decision, nil
}
