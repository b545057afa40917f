package order

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ticketing-core/internal/clock"
)

// Reclaimer drops expired records from a store that does not do it itself.
type Reclaimer interface {
	Sweep() int
}

// Sweeper periodically expires unpaid orders whose seats have aged out.
type Sweeper struct {
	svc       *Service
	interval  time.Duration
	batch     int
	clock     clock.Clock
	reclaimer Reclaimer
	log       logrus.FieldLogger
}

// NewSweeper returns a Sweeper running every interval and expiring at most
// batch orders per query.  reclaimer may be nil.
func NewSweeper(svc *Service, interval time.Duration, batch int, reclaimer Reclaimer) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		svc:       svc,
		interval:  interval,
		batch:     batch,
		clock:     svc.clock,
		reclaimer: reclaimer,
		log:       svc.log.WithField("component", "sweeper"),
	}
}

// Run sweeps until ctx is done.  It always returns nil.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sw.Once(ctx)
		}
	}
}

// Once performs one sweep, draining due orders batch by batch.
func (sw *Sweeper) Once(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := sw.svc.ExpireDue(ctx, sw.clock.Now(), sw.batch)
		total += n
		if err != nil {
			sw.log.WithError(err).Error("sweeper: expire due orders")
			break
		}
		if n < sw.batch {
			break
		}
	}
	if total > 0 {
		sw.log.WithField("expired", total).Info("sweeper: expired unpaid orders")
	}
	if sw.reclaimer != nil {
		if n := sw.reclaimer.Sweep(); n > 0 {
			sw.log.WithField("keys", n).Debug("sweeper: reclaimed expired keys")
		}
	}
	return total
}
