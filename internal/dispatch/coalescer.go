package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cmazur/dealspread/internal/models"
	"github.com/cmazur/dealspread/internal/snapshot"
)

// Coalescer is a short-horizon freshness gate in front of the
// dispatcher: a snapshot younger than the debounce window is returned
// as-is without spawning a worker.
//
// It is not a request queue. Concurrent calls for the same symbol that
// both miss the window each invoke the dispatcher independently; the
// random identity leases make the simultaneous spawns safe, if
// wasteful, and the store's monotonic writes settle the race.
type Coalescer struct {
	store      *snapshot.Store
	dispatcher *Dispatcher
	debounce   time.Duration
	logger     *logrus.Logger
}

// NewCoalescer creates a coalescer. A non-positive debounce falls back
// to 2 seconds.
func NewCoalescer(store *snapshot.Store, dispatcher *Dispatcher, debounce time.Duration,
	logger *logrus.Logger) *Coalescer {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Coalescer{store: store, dispatcher: dispatcher, debounce: debounce, logger: logger}
}

// FetchOrReuse serves the request from the store when the symbol's
// snapshot is younger than the debounce window, and delegates to the
// dispatcher otherwise.
func (c *Coalescer) FetchOrReuse(ctx context.Context, req models.FetchRequest) (*models.ChainSnapshot, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch request: %w", err)
	}

	if age, ok := c.store.AgeOf(req.Symbol); ok && age < c.debounce {
		snap, _ := c.store.Get(req.Symbol)
		c.logger.WithFields(logrus.Fields{
			"symbol": req.Symbol,
			"age":    age.Round(time.Millisecond),
		}).Debug("debounce hit, reusing snapshot")
		return snap, nil
	}

	return c.dispatcher.Refresh(ctx, req)
}
