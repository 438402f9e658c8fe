package rank

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/cmazur/dealspread/internal/models"
)

func callQuote(strike, mid float64) models.ContractQuote {
	return models.ContractQuote{
		Strike: strike,
		Right:  models.RightCall,
		Bid:    mid - 0.1,
		Ask:    mid + 0.1,
	}
}

func putQuote(strike, mid float64) models.ContractQuote {
	return models.ContractQuote{
		Strike: strike,
		Right:  models.RightPut,
		Bid:    mid - 0.1,
		Ask:    mid + 0.1,
	}
}

func baseRequest() models.FetchRequest {
	return models.FetchRequest{
		Symbol:              "ACME",
		DealPrice:           150,
		TargetCloseDate:     "2026-02-19",
		StrikeLowerPct:      0.10,
		StrikeUpperPct:      0.05,
		ShortStrikeLowerPct: 0.05,
		ShortStrikeUpperAbs: 2.5,
		DaysBeforeClose:     0,
		TopNPerExpiration:   5,
	}
}

func TestSelectExpirations_StraddlingPair(t *testing.T) {
	got := SelectExpirations(
		[]string{"2026-01-16", "2026-02-13", "2026-02-27"},
		"2026-02-19", 0)
	want := []string{"2026-02-13", "2026-02-27"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SelectExpirations = %v, want %v", got, want)
	}
}

func TestSelectExpirations_Window(t *testing.T) {
	got := SelectExpirations(
		[]string{"2026-01-16", "2026-02-13", "2026-02-27", "2026-04-17"},
		"2026-02-19", 10)
	want := []string{"2026-02-13", "2026-02-27"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SelectExpirations = %v, want %v", got, want)
	}
}

func TestSelectExpirations_ExactCloseDateCountsAsBefore(t *testing.T) {
	got := SelectExpirations(
		[]string{"2026-02-19", "2026-02-27"},
		"2026-02-19", 0)
	want := []string{"2026-02-19", "2026-02-27"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SelectExpirations = %v, want %v", got, want)
	}
}

func TestSelectExpirations_SkipsUnparseable(t *testing.T) {
	got := SelectExpirations([]string{"soon", "2026-02-27"}, "2026-02-19", 0)
	want := []string{"2026-02-27"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SelectExpirations = %v, want %v", got, want)
	}
}

// straddleSnapshot builds the documented example: call strikes
// 140/145/150, 30 days out from capture.
func straddleSnapshot() *models.ChainSnapshot {
	fetched, _ := time.Parse(models.DateLayout, "2026-01-21")
	return &models.ChainSnapshot{
		Symbol:    "ACME",
		SpotPrice: 148,
		FetchedAt: fetched,
		Source:    models.SourceAgent,
		Expirations: []models.ExpirationChain{
			{
				Expiration: "2026-02-20",
				Quotes: []models.ContractQuote{
					callQuote(140, 11.0),
					callQuote(145, 6.5),
					callQuote(150, 3.0),
				},
			},
		},
	}
}

func TestRank_CallSpreadExample(t *testing.T) {
	req := baseRequest()
	req.TargetCloseDate = "2026-02-19"
	snap := straddleSnapshot()

	got := Rank(snap, req)
	// Long candidates {140,145,150} crossed with near-deal shorts
	// {145,150}: three valid verticals.
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3: %+v", len(got), got)
	}

	// Best annualized return first: the 145/150 spread.
	best := got[0]
	if best.LongStrike != 145 || best.ShortStrike != 150 {
		t.Errorf("best candidate = %g/%g, want 145/150", best.LongStrike, best.ShortStrike)
	}
	if best.Type != models.CallSpread {
		t.Errorf("best candidate type = %s, want call_spread", best.Type)
	}
	if math.Abs(best.NetPremium-3.5) > 1e-9 {
		t.Errorf("net premium = %g, want 3.5", best.NetPremium)
	}
	if math.Abs(best.MaxProfit-1.5) > 1e-9 {
		t.Errorf("max profit = %g, want 1.5", best.MaxProfit)
	}

	for _, c := range got {
		wantRet := c.MaxProfit / c.NetPremium
		if math.Abs(c.ReturnPct-wantRet) > 1e-9 {
			t.Errorf("%g/%g: returnPct = %g, want maxProfit/netPremium = %g",
				c.LongStrike, c.ShortStrike, c.ReturnPct, wantRet)
		}
		// 30 days from capture to expiration.
		wantAnn := wantRet * 365 / 30
		if math.Abs(c.AnnualizedReturnPct-wantAnn) > 1e-9 {
			t.Errorf("%g/%g: annualized = %g, want %g",
				c.LongStrike, c.ShortStrike, c.AnnualizedReturnPct, wantAnn)
		}
	}

	for i := 1; i < len(got); i++ {
		if got[i].AnnualizedReturnPct > got[i-1].AnnualizedReturnPct {
			t.Errorf("candidates not sorted descending at index %d", i)
		}
	}
}

func TestRank_PutSpread(t *testing.T) {
	fetched, _ := time.Parse(models.DateLayout, "2026-01-21")
	snap := &models.ChainSnapshot{
		Symbol:    "ACME",
		SpotPrice: 148,
		FetchedAt: fetched,
		Expirations: []models.ExpirationChain{
			{
				Expiration: "2026-02-20",
				Quotes: []models.ContractQuote{
					putQuote(140, 1.0),
					putQuote(150, 3.0),
				},
			},
		},
	}
	got := Rank(snap, baseRequest())
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(got), got)
	}
	c := got[0]
	if c.Type != models.PutSpread || c.LongStrike != 140 || c.ShortStrike != 150 {
		t.Fatalf("unexpected candidate: %+v", c)
	}
	// Credit 2.0 on a 10-wide spread: capital 8, return 25%.
	if math.Abs(c.NetPremium-2.0) > 1e-9 || math.Abs(c.CapitalAtRisk-8.0) > 1e-9 {
		t.Errorf("premium/capital = %g/%g, want 2/8", c.NetPremium, c.CapitalAtRisk)
	}
	if math.Abs(c.ReturnPct-0.25) > 1e-9 {
		t.Errorf("returnPct = %g, want 0.25", c.ReturnPct)
	}
}

func TestRank_Idempotent(t *testing.T) {
	snap := straddleSnapshot()
	req := baseRequest()
	first := Rank(snap, req)
	second := Rank(snap, req)
	if !reflect.DeepEqual(first, second) {
		t.Error("Rank is not deterministic for identical inputs")
	}
}

func TestRank_EmptyExpirationContributesNothing(t *testing.T) {
	fetched, _ := time.Parse(models.DateLayout, "2026-01-21")
	snap := &models.ChainSnapshot{
		Symbol:    "ACME",
		SpotPrice: 148,
		FetchedAt: fetched,
		Expirations: []models.ExpirationChain{
			{Expiration: "2026-02-20", Quotes: nil},
		},
	}
	if got := Rank(snap, baseRequest()); len(got) != 0 {
		t.Errorf("expected no candidates from empty chain, got %+v", got)
	}
}

func TestRank_TopNTruncation(t *testing.T) {
	fetched, _ := time.Parse(models.DateLayout, "2026-01-21")
	quotes := []models.ContractQuote{
		callQuote(136, 14.0),
		callQuote(138, 12.2),
		callQuote(140, 10.5),
		callQuote(142, 8.8),
		callQuote(144, 7.2),
		callQuote(146, 5.7),
		callQuote(148, 4.3),
		callQuote(150, 3.0),
	}
	snap := &models.ChainSnapshot{
		Symbol:    "ACME",
		SpotPrice: 148,
		FetchedAt: fetched,
		Expirations: []models.ExpirationChain{
			{Expiration: "2026-02-20", Quotes: quotes},
		},
	}
	req := baseRequest()
	req.TopNPerExpiration = 2
	if got := Rank(snap, req); len(got) != 2 {
		t.Errorf("got %d candidates, want topN=2", len(got))
	}
}

func TestRank_StrikeWindowExcludesFarStrikes(t *testing.T) {
	fetched, _ := time.Parse(models.DateLayout, "2026-01-21")
	snap := &models.ChainSnapshot{
		Symbol:    "ACME",
		SpotPrice: 148,
		FetchedAt: fetched,
		Expirations: []models.ExpirationChain{
			{
				Expiration: "2026-02-20",
				Quotes: []models.ContractQuote{
					// Below deal*(1-10%): ineligible either leg.
					callQuote(120, 28.0),
					callQuote(145, 6.5),
					callQuote(150, 3.0),
				},
			},
		},
	}
	got := Rank(snap, baseRequest())
	for _, c := range got {
		if c.LongStrike == 120 || c.ShortStrike == 120 {
			t.Errorf("strike 120 should be outside the window: %+v", c)
		}
	}
}
