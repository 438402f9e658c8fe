// Package server exposes the fetch-orchestration core over HTTP:
// refresh and scan endpoints in front of the coalescer, the narrow
// snapshot ingest endpoint, and the gateway status check.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cmazur/dealspread/internal/config"
	"github.com/cmazur/dealspread/internal/dispatch"
	"github.com/cmazur/dealspread/internal/gateway"
	"github.com/cmazur/dealspread/internal/identity"
	"github.com/cmazur/dealspread/internal/models"
	"github.com/cmazur/dealspread/internal/rank"
	"github.com/cmazur/dealspread/internal/snapshot"
)

// statusProbeTimeout bounds the lightweight gateway reachability check.
const statusProbeTimeout = 10 * time.Second

// Server is the scanner's HTTP API.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	coalescer *dispatch.Coalescer
	store     *snapshot.Store
	pool      *identity.Pool
	gateway   *gateway.Client
	logger    *logrus.Logger
	cfg       *config.Config
}

// NewServer wires the API in front of the fetch pipeline.
func NewServer(cfg *config.Config, coalescer *dispatch.Coalescer, store *snapshot.Store,
	pool *identity.Pool, gw *gateway.Client, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		coalescer: coalescer,
		store:     store,
		pool:      pool,
		gateway:   gw,
		logger:    logger,
		cfg:       cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(5 * time.Minute))

	if s.cfg.Server.AuthToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Post("/api/refresh", s.handleRefresh)
	s.router.Post("/api/scan", s.handleScan)
	s.router.Post("/api/ingest/{symbol}", s.handleIngest)
	s.router.Get("/api/snapshot/{symbol}", s.handleSnapshot)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/health", s.handleHealth)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token != s.cfg.Server.AuthToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("starting API server on port %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// refreshRequest is the external refresh payload. Scan parameters left
// at zero are filled from configured defaults.
type refreshRequest struct {
	Symbol              string  `json:"symbol"`
	DealPrice           float64 `json:"deal_price"`
	CloseDate           string  `json:"close_date"`
	StrikeLowerPct      float64 `json:"strike_lower_pct,omitempty"`
	StrikeUpperPct      float64 `json:"strike_upper_pct,omitempty"`
	ShortStrikeLowerPct float64 `json:"short_strike_lower_pct,omitempty"`
	ShortStrikeUpperAbs float64 `json:"short_strike_upper_abs,omitempty"`
	DaysBeforeClose     *int    `json:"days_before_close,omitempty"`
	TopNPerExpiration   int     `json:"top_n_per_expiration,omitempty"`
}

type refreshResponse struct {
	Symbol      string                     `json:"symbol"`
	SpotPrice   float64                    `json:"spot_price"`
	FetchedAt   time.Time                  `json:"fetched_at"`
	Source      models.SnapshotSource      `json:"source"`
	Expirations int                        `json:"expirations"`
	Candidates  []models.CandidateStrategy `json:"candidates"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var rr refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	req := s.toFetchRequest(rr)
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	resp, err := s.refresh(r.Context(), req)
	if err != nil {
		s.writeFetchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type scanRequest struct {
	Deals []refreshRequest `json:"deals"`
}

type scanResponse struct {
	Results map[string]*refreshResponse `json:"results"`
	Errors  map[string]*errorResponse   `json:"errors,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var sr scanRequest
	if err := json.NewDecoder(r.Body).Decode(&sr); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(sr.Deals) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "deals must not be empty")
		return
	}
	// Results are keyed by symbol, so a symbol may appear only once.
	seen := make(map[string]bool, len(sr.Deals))
	for _, deal := range sr.Deals {
		if seen[deal.Symbol] {
			s.writeError(w, http.StatusBadRequest, "invalid_request",
				fmt.Sprintf("duplicate symbol %q in scan", deal.Symbol))
			return
		}
		seen[deal.Symbol] = true
	}

	out := scanResponse{
		Results: make(map[string]*refreshResponse, len(sr.Deals)),
		Errors:  make(map[string]*errorResponse),
	}

	var (
		g, ctx  = errgroup.WithContext(r.Context())
		results = make([]*refreshResponse, len(sr.Deals))
		errs    = make([]error, len(sr.Deals))
	)
	g.SetLimit(s.cfg.ScanConcurrency())
	for i, deal := range sr.Deals {
		g.Go(func() error {
			req := s.toFetchRequest(deal)
			if err := req.Validate(); err != nil {
				errs[i] = fmt.Errorf("invalid fetch request: %w", err)
				return nil
			}
			results[i], errs[i] = s.refresh(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	for i, deal := range sr.Deals {
		if errs[i] != nil {
			code := string(dispatch.CodeOf(errs[i]))
			if code == "" {
				code = "invalid_request"
			}
			out.Errors[deal.Symbol] = &errorResponse{Code: code, Message: errs[i].Error()}
			continue
		}
		out.Results[deal.Symbol] = results[i]
	}
	if len(out.Errors) == 0 {
		out.Errors = nil
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) refresh(ctx context.Context, req models.FetchRequest) (*refreshResponse, error) {
	snap, err := s.coalescer.FetchOrReuse(ctx, req)
	if err != nil {
		return nil, err
	}
	return &refreshResponse{
		Symbol:      snap.Symbol,
		SpotPrice:   snap.SpotPrice,
		FetchedAt:   snap.FetchedAt,
		Source:      snap.Source,
		Expirations: len(snap.Expirations),
		Candidates:  rank.Rank(snap, req),
	}, nil
}

// handleIngest is the narrow write endpoint: it adopts a full snapshot
// for a symbol via the store's atomic replace. Ops tooling and workers
// running out-of-process use it; the dispatcher adopts in-process.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	var snap models.ChainSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if snap.Symbol != symbol {
		s.writeError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("snapshot symbol %q does not match path %q", snap.Symbol, symbol))
		return
	}
	// An empty chain must never enter the store: refreshes would serve
	// it as a debounce or cache hit.
	if len(snap.Expirations) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_request",
			"snapshot has no expirations")
		return
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now()
	}
	snap.Source = models.SourceAgent

	if !s.store.Put(symbol, &snap) {
		s.writeError(w, http.StatusConflict, "stale_write",
			"a newer snapshot is already stored for this symbol")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"adopted": true, "symbol": symbol})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	snap, ok := s.store.Get(symbol)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not_found", "no snapshot for "+symbol)
		return
	}
	age, _ := s.store.AgeOf(symbol)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":    snap,
		"age_seconds": int(age.Seconds()),
	})
}

// handleStatus opens a short-lived gateway session with a status-class
// identity purely to verify reachability. It never touches the store.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	clientID := s.pool.Lease(identity.ClassStatus)

	ctx, cancel := context.WithTimeout(r.Context(), statusProbeTimeout)
	defer cancel()

	connected := true
	var detail string
	if err := s.gateway.Ping(ctx, clientID); err != nil {
		connected = false
		detail = err.Error()
		s.logger.WithError(err).WithField("client_id", clientID).Warn("gateway status probe failed")
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connected": connected,
		"client_id": clientID,
		"detail":    detail,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"symbols":   len(s.store.Symbols()),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) toFetchRequest(rr refreshRequest) models.FetchRequest {
	req := models.FetchRequest{
		Symbol:              rr.Symbol,
		DealPrice:           rr.DealPrice,
		TargetCloseDate:     rr.CloseDate,
		StrikeLowerPct:      rr.StrikeLowerPct,
		StrikeUpperPct:      rr.StrikeUpperPct,
		ShortStrikeLowerPct: rr.ShortStrikeLowerPct,
		ShortStrikeUpperAbs: rr.ShortStrikeUpperAbs,
		DaysBeforeClose:     s.cfg.Scan.DaysBeforeClose,
		TopNPerExpiration:   rr.TopNPerExpiration,
	}
	if rr.DaysBeforeClose != nil {
		req.DaysBeforeClose = *rr.DaysBeforeClose
	}
	if req.StrikeLowerPct == 0 {
		req.StrikeLowerPct = s.cfg.Scan.StrikeLowerPct
	}
	if req.StrikeUpperPct == 0 {
		req.StrikeUpperPct = s.cfg.Scan.StrikeUpperPct
	}
	if req.ShortStrikeLowerPct == 0 {
		req.ShortStrikeLowerPct = s.cfg.Scan.ShortStrikeLowerPct
	}
	if req.ShortStrikeUpperAbs == 0 {
		req.ShortStrikeUpperAbs = s.cfg.Scan.ShortStrikeUpperAbs
	}
	if req.TopNPerExpiration == 0 {
		req.TopNPerExpiration = s.cfg.TopNPerExpiration()
	}
	return req
}

func (s *Server) writeFetchError(w http.ResponseWriter, err error) {
	code := dispatch.CodeOf(err)
	if code == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	status := http.StatusBadGateway
	switch code {
	case dispatch.CodeNoData:
		status = http.StatusNotFound
	case dispatch.CodeStaleCacheExhausted:
		status = http.StatusServiceUnavailable
	}
	s.writeError(w, status, string(code), err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}
