// Package identity leases numeric connection identities for the
// brokerage gateway. The gateway admits one connection per unique
// identity, so each caller class draws from its own disjoint range.
//
// Leasing is deliberately stateless: every lease is a uniform random
// draw over the class range with no reuse bookkeeping. Same-class
// collisions are possible but bounded by the range width; a collision
// shows up at connect time as a recoverable conflict, not here.
package identity

import (
	"math/rand/v2"

	"github.com/cmazur/dealspread/internal/config"
)

// Class identifies which identity range a caller leases from.
type Class string

const (
	// ClassManual is the single fixed identity reserved for hands-on testing.
	ClassManual Class = "manual"
	// ClassStatus is the range used by lightweight reachability checks.
	ClassStatus Class = "status"
	// ClassWorker is the range used by spawned fetch workers.
	ClassWorker Class = "worker"
)

// Pool hands out connection identities. It holds no mutable state and
// is safe for concurrent use.
type Pool struct {
	manualID    int
	statusRange config.IDRange
	workerRange config.IDRange
}

// NewPool creates a pool from validated identity configuration.
func NewPool(cfg config.IdentityConfig) *Pool {
	return &Pool{
		manualID:    cfg.ManualID,
		statusRange: cfg.StatusRange,
		workerRange: cfg.WorkerRange,
	}
}

// Lease returns a connection identity for the given class. It never
// blocks and never fails. The lease is advisory: the gateway may still
// report the identity in use, which callers handle by re-leasing.
func (p *Pool) Lease(c Class) int {
	switch c {
	case ClassStatus:
		return draw(p.statusRange)
	case ClassWorker:
		return draw(p.workerRange)
	default:
		return p.manualID
	}
}

// Range returns the configured range for a class. The manual class is
// reported as a width-one range.
func (p *Pool) Range(c Class) config.IDRange {
	switch c {
	case ClassStatus:
		return p.statusRange
	case ClassWorker:
		return p.workerRange
	default:
		return config.IDRange{Low: p.manualID, High: p.manualID}
	}
}

func draw(r config.IDRange) int {
	return r.Low + rand.IntN(r.Width())
}
