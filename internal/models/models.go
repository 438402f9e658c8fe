// Package models defines the data types shared by the fetch pipeline:
// fetch requests, chain snapshots, and ranked spread candidates.
package models

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for expiration and close dates.
const DateLayout = "2006-01-02"

// OptionRight identifies the side of an option contract.
type OptionRight string

const (
	// RightCall represents a call option contract
	RightCall OptionRight = "call"
	// RightPut represents a put option contract
	RightPut OptionRight = "put"
)

// SnapshotSource tags where a returned snapshot came from.
type SnapshotSource string

const (
	// SourceAgent marks a snapshot freshly fetched by a worker.
	SourceAgent SnapshotSource = "agent"
	// SourceCache marks a snapshot served from the store after a fetch failure.
	SourceCache SnapshotSource = "cache"
)

// Greeks contains option greeks as reported by the gateway.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// ContractQuote is a single option quote inside an expiration chain.
type ContractQuote struct {
	Strike     float64     `json:"strike"`
	Right      OptionRight `json:"right"`
	Bid        float64     `json:"bid"`
	Ask        float64     `json:"ask"`
	Last       float64     `json:"last"`
	ImpliedVol float64     `json:"implied_vol,omitempty"`
	Greeks     *Greeks     `json:"greeks,omitempty"`
}

// Mid returns the bid/ask midpoint, falling back to the last trade when
// the book is one-sided or empty.
func (q ContractQuote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// ExpirationChain holds all quotes for one expiration date.
type ExpirationChain struct {
	Expiration string          `json:"expiration"`
	Quotes     []ContractQuote `json:"quotes"`
}

// ChainSnapshot is the full captured option chain for a symbol at one
// point in time. Snapshots are treated as immutable once published to
// the store; a refresh replaces the whole snapshot, never merges.
type ChainSnapshot struct {
	Symbol      string            `json:"symbol"`
	SpotPrice   float64           `json:"spot_price"`
	FetchedAt   time.Time         `json:"fetched_at"`
	Source      SnapshotSource    `json:"source"`
	Expirations []ExpirationChain `json:"expirations"`
}

// WithSource returns a shallow copy of the snapshot tagged with the
// given source, leaving the original untouched.
func (s *ChainSnapshot) WithSource(src SnapshotSource) *ChainSnapshot {
	cp := *s
	cp.Source = src
	return &cp
}

// FetchRequest describes one chain refresh for a merger-arb candidate.
// Immutable once dispatched.
type FetchRequest struct {
	Symbol          string  `json:"symbol"`
	DealPrice       float64 `json:"deal_price"`
	TargetCloseDate string  `json:"close_date"`

	// Strike window bounds, as fractions of the deal price.
	StrikeLowerPct float64 `json:"strike_lower_pct"`
	StrikeUpperPct float64 `json:"strike_upper_pct"`

	// Short-leg band: strikes within [deal*(1-lower), deal+upperAbs].
	ShortStrikeLowerPct float64 `json:"short_strike_lower_pct"`
	ShortStrikeUpperAbs float64 `json:"short_strike_upper_abs"`

	// DaysBeforeClose selects expirations within this many days of the
	// close date; zero selects the pair straddling it.
	DaysBeforeClose   int `json:"days_before_close"`
	TopNPerExpiration int `json:"top_n_per_expiration"`
}

// Validate checks the request fields that must be rejected upstream of
// dispatch and ranking.
func (r *FetchRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.DealPrice <= 0 {
		return fmt.Errorf("deal_price must be > 0")
	}
	if _, err := time.Parse(DateLayout, r.TargetCloseDate); err != nil {
		return fmt.Errorf("close_date must be %s: %w", DateLayout, err)
	}
	if r.DaysBeforeClose < 0 {
		return fmt.Errorf("days_before_close must be >= 0")
	}
	if r.StrikeLowerPct < 0 || r.StrikeLowerPct >= 1 {
		return fmt.Errorf("strike_lower_pct must be in [0,1)")
	}
	if r.StrikeUpperPct < 0 {
		return fmt.Errorf("strike_upper_pct must be >= 0")
	}
	if r.ShortStrikeLowerPct < 0 || r.ShortStrikeLowerPct >= 1 {
		return fmt.Errorf("short_strike_lower_pct must be in [0,1)")
	}
	if r.ShortStrikeUpperAbs < 0 {
		return fmt.Errorf("short_strike_upper_abs must be >= 0")
	}
	return nil
}

// StrategyType identifies the vertical spread flavor.
type StrategyType string

const (
	// CallSpread is a long call vertical: long the lower strike, short the higher.
	CallSpread StrategyType = "call_spread"
	// PutSpread is a short put vertical: short the higher strike, long the lower.
	PutSpread StrategyType = "put_spread"
)

// CandidateStrategy is one ranked vertical spread. Derived from a chain
// snapshot, never mutated after construction. Premiums are per share.
//
// NetPremium is the debit paid for a call spread and the credit
// received for a put spread; CapitalAtRisk is the margin the position
// ties up either way.
type CandidateStrategy struct {
	Type                StrategyType `json:"type"`
	Expiration          string       `json:"expiration"`
	LongStrike          float64      `json:"long_strike"`
	ShortStrike         float64      `json:"short_strike"`
	NetPremium          float64      `json:"net_premium"`
	MaxProfit           float64      `json:"max_profit"`
	CapitalAtRisk       float64      `json:"capital_at_risk"`
	ReturnPct           float64      `json:"return_pct"`
	AnnualizedReturnPct float64      `json:"annualized_return_pct"`
}

// WorkerResult is the single structured payload a fetch worker writes
// to stdout before exiting. The dispatcher treats the absence of a
// result line as a failure regardless of the worker's exit code.
type WorkerResult struct {
	Success   bool           `json:"success"`
	AttemptID string         `json:"attempt_id,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Snapshot  *ChainSnapshot `json:"snapshot,omitempty"`
}
