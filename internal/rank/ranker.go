// Package rank turns a chain snapshot plus deal parameters into an
// ordered list of vertical-spread candidates. Everything here is pure:
// same snapshot and request in, same candidates out.
package rank

import (
	"math"
	"sort"
	"time"

	"github.com/cmazur/dealspread/internal/models"
)

// defaultTopN caps candidates per expiration when the request leaves it unset.
const defaultTopN = 5

// SelectExpirations picks the expiration dates worth fetching and
// ranking for a deal. With daysBeforeClose == 0 it returns the pair
// straddling the close date: the nearest expiration on or before it and
// the nearest after. Otherwise it returns every expiration within
// daysBeforeClose days of the close date. Unparseable dates are
// skipped. The result is sorted ascending.
func SelectExpirations(expirations []string, closeDate string, daysBeforeClose int) []string {
	closeAt, err := time.Parse(models.DateLayout, closeDate)
	if err != nil {
		return nil
	}

	type exp struct {
		raw string
		t   time.Time
	}
	parsed := make([]exp, 0, len(expirations))
	for _, e := range expirations {
		t, err := time.Parse(models.DateLayout, e)
		if err != nil {
			continue
		}
		parsed = append(parsed, exp{raw: e, t: t})
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].t.Before(parsed[j].t) })

	if daysBeforeClose == 0 {
		var before, after *exp
		for i := range parsed {
			e := &parsed[i]
			if !e.t.After(closeAt) {
				before = e
			} else if after == nil {
				after = e
			}
		}
		out := make([]string, 0, 2)
		if before != nil {
			out = append(out, before.raw)
		}
		if after != nil {
			out = append(out, after.raw)
		}
		return out
	}

	window := time.Duration(daysBeforeClose) * 24 * time.Hour
	out := make([]string, 0, len(parsed))
	for _, e := range parsed {
		d := e.t.Sub(closeAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			out = append(out, e.raw)
		}
	}
	return out
}

// Rank computes ordered spread candidates for a snapshot. Candidates
// are grouped by expiration in date order; within each expiration they
// are sorted by annualized return descending, capital at risk
// ascending, then by strikes for determinism, and truncated to the
// request's per-expiration cap.
//
// An expiration with no eligible long/short pair contributes nothing;
// that is not an error. A non-positive spot or deal price is rejected
// upstream, not here.
func Rank(snap *models.ChainSnapshot, req models.FetchRequest) []models.CandidateStrategy {
	if snap == nil {
		return nil
	}

	selected := SelectExpirations(expirationDates(snap), req.TargetCloseDate, req.DaysBeforeClose)
	wanted := make(map[string]bool, len(selected))
	for _, e := range selected {
		wanted[e] = true
	}

	// Eligible-leg window around the deal price.
	windowLo := req.DealPrice * (1 - req.StrikeLowerPct)
	windowHi := math.Max(req.DealPrice, snap.SpotPrice) * (1 + req.StrikeUpperPct)
	// The short leg stays near the expected settlement price.
	shortLo := req.DealPrice * (1 - req.ShortStrikeLowerPct)
	shortHi := req.DealPrice + req.ShortStrikeUpperAbs

	topN := req.TopNPerExpiration
	if topN <= 0 {
		topN = defaultTopN
	}

	chains := make(map[string]models.ExpirationChain, len(snap.Expirations))
	for _, ec := range snap.Expirations {
		chains[ec.Expiration] = ec
	}

	var out []models.CandidateStrategy
	for _, expDate := range selected {
		ec, ok := chains[expDate]
		if !ok || !wanted[expDate] {
			continue
		}
		dte := daysToExpiration(snap.FetchedAt, expDate)
		cands := buildVerticals(ec, windowLo, windowHi, shortLo, shortHi, dte)
		sortCandidates(cands)
		if len(cands) > topN {
			cands = cands[:topN]
		}
		out = append(out, cands...)
	}
	return out
}

func expirationDates(snap *models.ChainSnapshot) []string {
	dates := make([]string, 0, len(snap.Expirations))
	for _, ec := range snap.Expirations {
		dates = append(dates, ec.Expiration)
	}
	return dates
}

// daysToExpiration measures from the snapshot capture time so ranking
// stays deterministic for a given snapshot. Floors at 1 to keep the
// annualization finite for same-day expiries.
func daysToExpiration(fetchedAt time.Time, expiration string) int {
	exp, err := time.Parse(models.DateLayout, expiration)
	if err != nil {
		return 1
	}
	d := int(exp.Sub(fetchedAt.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if d < 1 {
		return 1
	}
	return d
}

func buildVerticals(ec models.ExpirationChain, windowLo, windowHi, shortLo, shortHi float64, dte int) []models.CandidateStrategy {
	var longs, shorts []models.ContractQuote
	var out []models.CandidateStrategy

	for _, right := range []models.OptionRight{models.RightCall, models.RightPut} {
		longs, shorts = longs[:0], shorts[:0]
		for _, q := range ec.Quotes {
			if q.Right != right || q.Strike < windowLo || q.Strike > windowHi {
				continue
			}
			longs = append(longs, q)
			if q.Strike >= shortLo && q.Strike <= shortHi {
				shorts = append(shorts, q)
			}
		}

		for _, lg := range longs {
			for _, sh := range shorts {
				var cand *models.CandidateStrategy
				if right == models.RightCall {
					cand = callSpread(lg, sh, ec.Expiration, dte)
				} else {
					cand = putSpread(lg, sh, ec.Expiration, dte)
				}
				if cand != nil {
					out = append(out, *cand)
				}
			}
		}
	}
	return out
}

// callSpread builds a long call vertical: buy the lower strike, sell
// the higher. Net premium is the debit paid, capital at risk equals the
// debit, max profit is the strike distance less the debit.
func callSpread(long, short models.ContractQuote, expiration string, dte int) *models.CandidateStrategy {
	if short.Strike <= long.Strike {
		return nil
	}
	debit := round2(long.Mid() - short.Mid())
	if debit <= 0 {
		return nil
	}
	width := short.Strike - long.Strike
	maxProfit := round2(width - debit)
	if maxProfit <= 0 {
		return nil
	}
	ret := maxProfit / debit
	return &models.CandidateStrategy{
		Type:                models.CallSpread,
		Expiration:          expiration,
		LongStrike:          long.Strike,
		ShortStrike:         short.Strike,
		NetPremium:          debit,
		MaxProfit:           maxProfit,
		CapitalAtRisk:       debit,
		ReturnPct:           ret,
		AnnualizedReturnPct: annualize(ret, dte),
	}
}

// putSpread builds a short put vertical: sell the higher strike, buy
// the lower. Net premium is the credit received, max profit equals the
// credit, capital at risk is the strike distance less the credit.
func putSpread(long, short models.ContractQuote, expiration string, dte int) *models.CandidateStrategy {
	if short.Strike <= long.Strike {
		return nil
	}
	credit := round2(short.Mid() - long.Mid())
	if credit <= 0 {
		return nil
	}
	width := short.Strike - long.Strike
	capital := round2(width - credit)
	if capital <= 0 {
		return nil
	}
	ret := credit / capital
	return &models.CandidateStrategy{
		Type:                models.PutSpread,
		Expiration:          expiration,
		LongStrike:          long.Strike,
		ShortStrike:         short.Strike,
		NetPremium:          credit,
		MaxProfit:           credit,
		CapitalAtRisk:       capital,
		ReturnPct:           ret,
		AnnualizedReturnPct: annualize(ret, dte),
	}
}

func annualize(ret float64, dte int) float64 {
	return ret * 365 / float64(dte)
}

func sortCandidates(cands []models.CandidateStrategy) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.AnnualizedReturnPct != b.AnnualizedReturnPct {
			return a.AnnualizedReturnPct > b.AnnualizedReturnPct
		}
		if a.CapitalAtRisk != b.CapitalAtRisk {
			return a.CapitalAtRisk < b.CapitalAtRisk
		}
		if a.LongStrike != b.LongStrike {
			return a.LongStrike < b.LongStrike
		}
		if a.ShortStrike != b.ShortStrike {
			return a.ShortStrike < b.ShortStrike
		}
		return a.Type < b.Type
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
