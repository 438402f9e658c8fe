// Package gateway provides the HTTP client for the brokerage
// connectivity gateway. The gateway accepts one session per unique
// numeric connection identity; a session must present its token on
// every market-data request and should be closed when done, though the
// gateway also reaps sessions shortly after the peer disconnects.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cmazur/dealspread/internal/models"
)

// ErrIdentityInUse is returned when the gateway reports the presented
// connection identity already bound to another session.
var ErrIdentityInUse = errors.New("connection identity already in use")

// APIError represents a gateway error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Status, e.Body)
}

// Client talks to the brokerage gateway.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient creates a gateway client. A zero timeout falls back to 15s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.client = hc
	}
	return c
}

// Session is one authenticated gateway connection. It is bound to the
// connection identity it was opened with and is not safe for concurrent
// use across goroutines without external coordination.
type Session struct {
	client   *Client
	token    string
	clientID int
}

// ClientID returns the connection identity this session presented.
func (s *Session) ClientID() int { return s.clientID }

type connectRequest struct {
	ClientID int `json:"client_id"`
}

type connectResponse struct {
	Token string `json:"token"`
}

// Connect opens a gateway session using the given connection identity.
// A 409 from the gateway means the identity is already bound and maps
// to ErrIdentityInUse; callers re-lease and retry.
func (c *Client) Connect(ctx context.Context, clientID int) (*Session, error) {
	body, err := json.Marshal(connectRequest{ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("encoding connect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building connect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("client id %d: %w", clientID, ErrIdentityInUse)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, readAPIError(resp)
	}

	var cr connectResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decoding connect response: %w", err)
	}
	if cr.Token == "" {
		return nil, fmt.Errorf("gateway returned empty session token")
	}

	return &Session{client: c, token: cr.Token, clientID: clientID}, nil
}

// Ping verifies gateway reachability by opening and immediately closing
// a session with the given identity. It does not touch market data.
func (c *Client) Ping(ctx context.Context, clientID int) error {
	sess, err := c.Connect(ctx, clientID)
	if err != nil {
		return err
	}
	return sess.Close(ctx)
}

// Close tears the session down. The gateway frees the connection
// identity after its own grace period even if this call fails.
func (s *Session) Close(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.client.baseURL+"/v1/sessions/"+url.PathEscape(s.token), nil)
	if err != nil {
		return fmt.Errorf("building disconnect request: %w", err)
	}

	resp, err := s.client.client.Do(req)
	if err != nil {
		return fmt.Errorf("disconnecting: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return readAPIError(resp)
	}
	return nil
}

type quoteResponse struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// Quote returns the underlying's last trade price, falling back to the
// bid/ask midpoint when the last print is missing.
func (s *Session) Quote(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var qr quoteResponse
	if err := s.get(ctx, "/v1/markets/quote?"+params.Encode(), &qr); err != nil {
		return 0, err
	}
	if qr.Last > 0 {
		return qr.Last, nil
	}
	if qr.Bid > 0 && qr.Ask > 0 {
		return (qr.Bid + qr.Ask) / 2, nil
	}
	return 0, fmt.Errorf("no usable quote for %s", symbol)
}

type expirationsResponse struct {
	Expirations []string `json:"expirations"`
}

// Expirations lists the option expiration dates available for a symbol.
func (s *Session) Expirations(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var er expirationsResponse
	if err := s.get(ctx, "/v1/markets/options/expirations?"+params.Encode(), &er); err != nil {
		return nil, err
	}
	return er.Expirations, nil
}

type chainResponse struct {
	Quotes []models.ContractQuote `json:"quotes"`
}

// Chain fetches the option chain for one symbol and expiration.
func (s *Session) Chain(ctx context.Context, symbol, expiration string) ([]models.ContractQuote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)

	var cr chainResponse
	if err := s.get(ctx, "/v1/markets/options/chains?"+params.Encode(), &cr); err != nil {
		return nil, err
	}
	return cr.Quotes, nil
}

func (s *Session) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
