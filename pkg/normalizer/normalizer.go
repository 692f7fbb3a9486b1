// Package normalizer turns raw captured events into outbox records.
package normalizer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/zoff-tech/sms-relay/pkg/config"
	"github.com/zoff-tech/sms-relay/pkg/store"
	"github.com/zoff-tech/sms-relay/schema"
	"go.uber.org/zap"
)

// Waker is notified after a record has been committed.
type Waker interface {
	Wake()
}

type Normalizer struct {
	repo     store.OutboxRepository
	devices  *config.DeviceStore
	waker    Waker
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func New(repo store.OutboxRepository, devices *config.DeviceStore, waker Waker, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		repo:     repo,
		devices:  devices,
		waker:    waker,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Normalize validates raw, stamps it with the current device snapshot and
// enqueues it. It returns only after the outbox committed the record.
func (n *Normalizer) Normalize(ctx context.Context, raw schema.RawEvent) (*store.TransportRecord, error) {
	if err := n.validate.Struct(raw); err != nil {
		n.logger.Warn("dropping malformed event", zap.Error(err))
		return nil, &MalformedEventError{Reason: "capture timestamp missing or negative"}
	}
	if raw.Address == nil && raw.Body == nil {
		n.logger.Warn("dropping malformed event", zap.String("reason", "no address and no body"))
		return nil, &MalformedEventError{Reason: "address and body both absent"}
	}

	snap := n.devices.Snapshot()
	if missing := snap.Missing(); len(missing) > 0 {
		n.logger.Warn("configuration missing, event not enqueued",
			zap.Strings("missing", missing),
			zap.Uint64("config_version", snap.Version),
		)
		return nil, &ConfigurationMissingError{Missing: missing}
	}

	id := raw.EventID
	if id == "" {
		id = n.newID()
	}
	rec := store.NewTransportRecord(id, deref(raw.Address), deref(raw.Body), *raw.CapturedAtMillis,
		snap.DeviceID, snap.OwnerID, n.now())

	if err := n.repo.Enqueue(ctx, rec); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", id, err)
	}
	if n.waker != nil {
		n.waker.Wake()
	}

	// a re-submitted EventID keeps its delivery state, so report what was stored
	stored, err := n.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read back %s: %w", id, err)
	}
	n.logger.Info("event enqueued",
		zap.String("record_id", id),
		zap.Int64("captured_at", stored.CapturedAt),
		zap.String("state", string(stored.State)),
		zap.Uint64("config_version", snap.Version),
	)
	return stored, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
