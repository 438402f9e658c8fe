// Package dispatch orchestrates chain refreshes: it leases connection
// identities, spawns isolated fetch workers under a hard deadline,
// adopts results into the snapshot store, and falls back to the cache
// when a fetch fails.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/cmazur/dealspread/internal/identity"
	"github.com/cmazur/dealspread/internal/models"
	"github.com/cmazur/dealspread/internal/snapshot"
)

// Options configures a Dispatcher. Zero durations fall back to the
// documented defaults.
type Options struct {
	// Deadline bounds one worker's connection attempt plus fetch.
	Deadline time.Duration
	// StaleWindow is the maximum cache age eligible for fallback use.
	StaleWindow time.Duration
	// Breaker optionally short-circuits worker dispatch when the
	// gateway is flapping; an open breaker degrades straight to cache.
	Breaker *gobreaker.CircuitBreaker
}

// Dispatcher runs one fetch per refresh request. It suspends the
// calling flow only while awaiting the worker; it never blocks while
// holding a lock.
type Dispatcher struct {
	pool        *identity.Pool
	store       *snapshot.Store
	runner      Runner
	deadline    time.Duration
	staleWindow time.Duration
	breaker     *gobreaker.CircuitBreaker
	logger      *logrus.Logger
}

// NewDispatcher wires a dispatcher from its collaborators.
func NewDispatcher(pool *identity.Pool, store *snapshot.Store, runner Runner,
	logger *logrus.Logger, opts Options) *Dispatcher {
	if opts.Deadline <= 0 {
		opts.Deadline = 180 * time.Second
	}
	if opts.StaleWindow <= 0 {
		opts.StaleWindow = 30 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		pool:        pool,
		store:       store,
		runner:      runner,
		deadline:    opts.Deadline,
		staleWindow: opts.StaleWindow,
		breaker:     opts.Breaker,
		logger:      logger,
	}
}

// NewDispatchBreaker builds the circuit breaker used around the worker
// dispatch leg with settings tuned for a slow external gateway.
func NewDispatchBreaker(logger *logrus.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GatewayDispatch",
		MaxRequests: 2,
		Interval:    2 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 4 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warnf("circuit breaker %s: %s -> %s", name, from, to)
			}
		},
	})
}

// Refresh runs one bounded fetch for the request. On success the
// snapshot is adopted into the store tagged agent-sourced and returned.
// IdentityConflict and WorkerTimeout are retried once with a fresh
// lease; every other failure, and a failed retry, falls back to the
// store. A fallback hit is returned tagged cache-sourced; a miss
// surfaces a StaleCacheExhausted error wrapping the underlying cause.
func (d *Dispatcher) Refresh(ctx context.Context, req models.FetchRequest) (*models.ChainSnapshot, error) {
	snap, err := d.dispatchOnce(ctx, req)
	if err != nil && retryable(CodeOf(err)) && ctx.Err() == nil {
		d.logger.WithFields(logrus.Fields{
			"symbol": req.Symbol,
			"code":   CodeOf(err),
		}).Warn("fetch failed, retrying once with a fresh lease")
		snap, err = d.dispatchOnce(ctx, req)
	}
	if err == nil {
		return d.adopt(req.Symbol, snap), nil
	}

	d.logger.WithError(err).WithField("symbol", req.Symbol).Warn("fetch failed, trying cache fallback")
	return d.fallback(req.Symbol, err)
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, req models.FetchRequest) (*models.ChainSnapshot, error) {
	clientID := d.pool.Lease(identity.ClassWorker)
	attemptID := uuid.New().String()

	d.logger.WithFields(logrus.Fields{
		"symbol":     req.Symbol,
		"client_id":  clientID,
		"attempt_id": attemptID,
	}).Info("dispatching fetch worker")

	runCtx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	run := func() (*models.ChainSnapshot, error) {
		return d.runner.Run(runCtx, clientID, attemptID, req)
	}
	if d.breaker == nil {
		return run()
	}

	res, err := d.breaker.Execute(func() (interface{}, error) { return run() })
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, NewFetchError(CodeGatewayUnreachable, "gateway dispatch suspended", err)
		}
		return nil, err
	}
	snap, ok := res.(*models.ChainSnapshot)
	if !ok {
		return nil, NewFetchError(CodeWorkerFailure, "unexpected breaker result type", nil)
	}
	return snap, nil
}

// adopt publishes a fresh snapshot. If the store rejects it as older
// than the current entry (a slower worker finishing late), the newer
// stored snapshot is returned instead.
func (d *Dispatcher) adopt(symbol string, snap *models.ChainSnapshot) *models.ChainSnapshot {
	adopted := snap.WithSource(models.SourceAgent)
	if !d.store.Put(symbol, adopted) {
		if cur, ok := d.store.Get(symbol); ok {
			d.logger.WithField("symbol", symbol).Info("stale worker result discarded, keeping newer snapshot")
			return cur
		}
	}
	return adopted
}

func (d *Dispatcher) fallback(symbol string, cause error) (*models.ChainSnapshot, error) {
	age, ok := d.store.AgeOf(symbol)
	if ok && age < d.staleWindow {
		snap, _ := d.store.Get(symbol)
		d.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"age":    age.Round(time.Second),
		}).Info("serving cached snapshot after fetch failure")
		return snap.WithSource(models.SourceCache), nil
	}

	msg := fmt.Sprintf("no cached chain for %s within %s", symbol, d.staleWindow)
	if ok {
		msg = fmt.Sprintf("cached chain for %s is %s old, limit %s",
			symbol, age.Round(time.Second), d.staleWindow)
	}
	return nil, NewFetchError(CodeStaleCacheExhausted, msg, cause)
}
