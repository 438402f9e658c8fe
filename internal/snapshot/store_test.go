package snapshot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cmazur/dealspread/internal/models"
)

func snapAt(symbol string, fetchedAt time.Time) *models.ChainSnapshot {
	return &models.ChainSnapshot{
		Symbol:    symbol,
		SpotPrice: 148.2,
		FetchedAt: fetchedAt,
		Source:    models.SourceAgent,
		Expirations: []models.ExpirationChain{
			{Expiration: "2026-09-18", Quotes: []models.ContractQuote{
				{Strike: 145, Right: models.RightCall, Bid: 6.4, Ask: 6.6},
			}},
		},
	}
}

func TestGet_Unpopulated(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get("ACME"); ok {
		t.Error("expected miss for unpopulated symbol")
	}
	if _, ok := s.AgeOf("ACME"); ok {
		t.Error("expected no age for unpopulated symbol")
	}
}

func TestPut_ReplacesWholeSnapshot(t *testing.T) {
	s := NewStore()
	first := snapAt("ACME", time.Now().Add(-time.Minute))
	second := snapAt("ACME", time.Now())
	second.SpotPrice = 150.0

	if !s.Put("ACME", first) {
		t.Fatal("first put rejected")
	}
	if !s.Put("ACME", second) {
		t.Fatal("newer put rejected")
	}
	got, ok := s.Get("ACME")
	if !ok || got.SpotPrice != 150.0 {
		t.Errorf("expected replacement snapshot, got %+v", got)
	}
}

func TestPut_RejectsOlderWrite(t *testing.T) {
	s := NewStore()
	newer := snapAt("ACME", time.Now())
	older := snapAt("ACME", time.Now().Add(-10*time.Second))

	s.Put("ACME", newer)
	if s.Put("ACME", older) {
		t.Error("expected older write to be rejected")
	}
	got, _ := s.Get("ACME")
	if !got.FetchedAt.Equal(newer.FetchedAt) {
		t.Error("older write clobbered the newer snapshot")
	}
}

func TestAgeOf(t *testing.T) {
	s := NewStore()
	s.Put("ACME", snapAt("ACME", time.Now().Add(-29*time.Minute)))
	age, ok := s.AgeOf("ACME")
	if !ok {
		t.Fatal("expected age for populated symbol")
	}
	if age < 28*time.Minute || age > 30*time.Minute {
		t.Errorf("age = %v, want about 29m", age)
	}
}

func TestSymbols(t *testing.T) {
	s := NewStore()
	s.Put("TWX", snapAt("TWX", time.Now()))
	s.Put("ACME", snapAt("ACME", time.Now()))
	got := s.Symbols()
	if len(got) != 2 || got[0] != "ACME" || got[1] != "TWX" {
		t.Errorf("Symbols() = %v, want [ACME TWX]", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snaps", "snapshots.json")

	s := NewStore()
	orig := snapAt("ACME", time.Now().Add(-time.Minute).UTC().Truncate(time.Second))
	s.Put("ACME", orig)
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	restored := NewStore()
	if err := restored.LoadFrom(path); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	got, ok := restored.Get("ACME")
	if !ok {
		t.Fatal("expected ACME after reload")
	}
	if !got.FetchedAt.Equal(orig.FetchedAt) || got.SpotPrice != orig.SpotPrice {
		t.Errorf("reloaded snapshot differs: %+v", got)
	}
	if len(got.Expirations) != 1 || len(got.Expirations[0].Quotes) != 1 {
		t.Errorf("reloaded chain shape differs: %+v", got.Expirations)
	}
}

func TestLoadFrom_MissingFileIsNotAnError(t *testing.T) {
	s := NewStore()
	if err := s.LoadFrom(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Errorf("expected nil for missing file, got %v", err)
	}
}
