package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

// DefaultLockTTL bounds how long a crashed run can block its successors. A
// lease older than this is treated as abandoned and taken over.
const DefaultLockTTL = 2 * time.Hour

// Lock is a leased, per-pipeline run lock. Each process generates its own
// holder id, so concurrent invocations of the same pipeline contend on the
// pipeline name and exactly one wins.
type Lock struct {
	log      logrus.FieldLogger
	wh       warehouse.Store
	pipeline string
	holderID string
	ttl      time.Duration
}

// NewLock creates a Lock for the named pipeline. A zero ttl uses
// DefaultLockTTL.
func NewLock(
	log logrus.FieldLogger,
	wh warehouse.Store,
	pipeline string,
	ttl time.Duration,
) *Lock {
	if ttl == 0 {
		ttl = DefaultLockTTL
	}

	return &Lock{
		log:      log.WithField("component", "pipeline_lock"),
		wh:       wh,
		pipeline: pipeline,
		holderID: uuid.NewString(),
		ttl:      ttl,
	}
}

// HolderID returns this process's lease holder id.
func (l *Lock) HolderID() string {
	return l.holderID
}

// Acquire takes the lease, or returns warehouse.ErrLockHeld (wrapped) when
// another live holder owns it.
func (l *Lock) Acquire(ctx context.Context) error {
	if err := l.wh.AcquireLock(ctx, l.pipeline, l.holderID, l.ttl); err != nil {
		return fmt.Errorf("acquiring lock for pipeline %s: %w", l.pipeline, err)
	}

	l.log.WithFields(logrus.Fields{
		"pipeline": l.pipeline,
		"holder":   l.holderID,
		"ttl":      l.ttl,
	}).Info("Acquired pipeline lock")

	return nil
}

// Release gives the lease back. Releasing a lease this holder no longer owns
// is a no-op, so Release is safe to defer.
func (l *Lock) Release(ctx context.Context) {
	if err := l.wh.ReleaseLock(ctx, l.pipeline, l.holderID); err != nil {
		l.log.WithError(err).WithField("pipeline", l.pipeline).
			Warn("Failed to release pipeline lock")

		return
	}

	l.log.WithField("pipeline", l.pipeline).Info("Released pipeline lock")
}
