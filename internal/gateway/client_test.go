package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cmazur/dealspread/internal/models"
)

// fakeGateway simulates the session-per-identity gateway contract.
type fakeGateway struct {
	mu       *http.ServeMux
	inUse    map[int]bool
	sessions map[string]int
	next     int
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	t.Helper()
	fg := &fakeGateway{
		mu:       http.NewServeMux(),
		inUse:    map[int]bool{},
		sessions: map[string]int{},
	}

	fg.mu.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ClientID int `json:"client_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if fg.inUse[body.ClientID] {
			http.Error(w, "client id already connected", http.StatusConflict)
			return
		}
		fg.inUse[body.ClientID] = true
		fg.next++
		token := fmt.Sprintf("tok-%d", fg.next)
		fg.sessions[token] = body.ClientID
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	fg.mu.HandleFunc("DELETE /v1/sessions/{token}", func(w http.ResponseWriter, r *http.Request) {
		token := r.PathValue("token")
		if id, ok := fg.sessions[token]; ok {
			delete(fg.inUse, id)
			delete(fg.sessions, token)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	fg.mu.HandleFunc("GET /v1/markets/quote", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"symbol": r.URL.Query().Get("symbol"), "last": 148.25, "bid": 148.2, "ask": 148.3,
		})
	})
	fg.mu.HandleFunc("GET /v1/markets/options/expirations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"expirations": []string{"2026-02-13", "2026-02-27"},
		})
	})
	fg.mu.HandleFunc("GET /v1/markets/options/chains", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quotes": []models.ContractQuote{
				{Strike: 145, Right: models.RightCall, Bid: 6.4, Ask: 6.6},
				{Strike: 150, Right: models.RightCall, Bid: 2.9, Ask: 3.1},
			},
		})
	})

	srv := httptest.NewServer(fg.mu)
	t.Cleanup(srv.Close)
	return fg, srv
}

func TestConnect_FetchesChain(t *testing.T) {
	_, srv := newFakeGateway(t)
	client := NewClient(srv.URL, 5*time.Second)
	ctx := context.Background()

	sess, err := client.Connect(ctx, 201)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = sess.Close(ctx) }()

	if sess.ClientID() != 201 {
		t.Errorf("ClientID = %d, want 201", sess.ClientID())
	}

	spot, err := sess.Quote(ctx, "ACME")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if spot != 148.25 {
		t.Errorf("spot = %g, want 148.25", spot)
	}

	exps, err := sess.Expirations(ctx, "ACME")
	if err != nil {
		t.Fatalf("Expirations: %v", err)
	}
	if len(exps) != 2 {
		t.Errorf("expirations = %v, want 2 entries", exps)
	}

	quotes, err := sess.Chain(ctx, "ACME", "2026-02-13")
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if len(quotes) != 2 || quotes[0].Strike != 145 {
		t.Errorf("unexpected chain: %+v", quotes)
	}
}

func TestConnect_IdentityConflict(t *testing.T) {
	_, srv := newFakeGateway(t)
	client := NewClient(srv.URL, 5*time.Second)
	ctx := context.Background()

	if _, err := client.Connect(ctx, 210); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	_, err := client.Connect(ctx, 210)
	if !errors.Is(err, ErrIdentityInUse) {
		t.Errorf("second connect err = %v, want ErrIdentityInUse", err)
	}
}

func TestPing_ReleasesIdentity(t *testing.T) {
	fg, srv := newFakeGateway(t)
	client := NewClient(srv.URL, 5*time.Second)
	ctx := context.Background()

	if err := client.Ping(ctx, 150); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if fg.inUse[150] {
		t.Error("ping left the identity bound")
	}
	// The same identity must be usable again right away.
	if err := client.Ping(ctx, 150); err != nil {
		t.Errorf("second ping: %v", err)
	}
}

func TestPing_Unreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", time.Second)
	if err := client.Ping(context.Background(), 150); err == nil {
		t.Error("expected error pinging unreachable gateway")
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.Connect(context.Background(), 201)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", apiErr.Status)
	}
}
