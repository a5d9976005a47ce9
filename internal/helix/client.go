// Package helix is a small client for the Twitch Helix API: user lookup and
// EventSub subscription management.
package helix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
	"github.com/you/gnasty-hub/internal/retry"
	"github.com/you/gnasty-hub/internal/secrets"
)

const (
	DefaultBaseURL = "https://api.twitch.tv/helix"

	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
)

// ErrAuthMissing is returned when no client id or access token is available.
var ErrAuthMissing = errors.New("helix: missing client id or access token")

// APIError is a non-2xx Helix response.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("helix: %d %s: %s", e.Status, e.Code, msg)
}

// Unwrap lets 401s match retry.ErrAuth.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return retry.ErrAuth
	}
	return nil
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Refresher renews the user access token.
type Refresher interface {
	Refresh(ctx context.Context) (bool, error)
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	HTTP      *http.Client
	Secrets   *secrets.Store
	Refresher Refresher
	Metrics   *metrics.Metrics
}

// Client calls Helix with the user token from Secrets.
type Client struct {
	baseURL   string
	http      *http.Client
	secrets   *secrets.Store
	refresher Refresher
	metrics   *metrics.Metrics
	cb        *gobreaker.CircuitBreaker[*response]
	log       zerolog.Logger
}

type response struct {
	status int
	body   []byte
}

// New builds a Client.
func New(cfg Config) *Client {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	log := logging.With("helix")
	c := &Client{
		baseURL:   base,
		http:      hc,
		secrets:   cfg.Secrets,
		refresher: cfg.Refresher,
		metrics:   cfg.Metrics,
		log:       log,
	}
	c.cb = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "helix",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !breakerFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return c
}

// breakerFailure counts server errors and transport failures against the
// breaker; client errors do not indicate an unhealthy API.
func breakerFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return true
}

// SetRefresher installs the token refresher after construction.
func (c *Client) SetRefresher(r Refresher) { c.refresher = r }

func (c *Client) credentials() (clientID, token string, err error) {
	if c.secrets == nil {
		return "", "", ErrAuthMissing
	}
	rec := c.secrets.Snapshot()
	if rec.TwitchClientID == "" || rec.Twitch.AccessToken == "" {
		return "", "", ErrAuthMissing
	}
	return rec.TwitchClientID, rec.Twitch.AccessToken, nil
}

// do sends one request, refreshing the token and retrying once on 401.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	err := c.doOnce(ctx, method, path, query, body, out)
	if StatusOf(err) != http.StatusUnauthorized || c.refresher == nil {
		return err
	}
	c.log.Info().Str("path", path).Msg("unauthorized; refreshing token and retrying once")
	refreshed, rerr := c.refresher.Refresh(ctx)
	if rerr != nil {
		return fmt.Errorf("%w (refresh failed: %v)", err, rerr)
	}
	if !refreshed {
		return err
	}
	return c.doOnce(ctx, method, path, query, body, out)
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out any) error {
	clientID, token, err := c.credentials()
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("helix: encode request: %w", err)
		}
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	resp, err := c.cb.Execute(func() (*response, error) {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
		if err != nil {
			return nil, fmt.Errorf("helix: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Client-Id", clientID)
		req.Header.Set("Content-Type", "application/json")

		hr, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("helix: %s %s: %w", method, path, err)
		}
		defer hr.Body.Close()
		data, err := io.ReadAll(io.LimitReader(hr.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("helix: read response: %w", err)
		}
		r := &response{status: hr.StatusCode, body: data}
		if hr.StatusCode >= 500 {
			return r, decodeAPIError(r)
		}
		return r, nil
	})
	if err != nil {
		c.metrics.IncPlatformError("twitch")
		return err
	}
	if resp.status < 200 || resp.status > 299 {
		return decodeAPIError(resp)
	}
	if out == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("helix: decode response: %w", err)
	}
	return nil
}

func decodeAPIError(r *response) error {
	apiErr := &APIError{}
	if err := json.Unmarshal(r.body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(r.body))
	}
	apiErr.Status = r.status
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(r.status)
	}
	return apiErr
}

// User is a Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetUsers looks up users by login. Numeric entries are looked up by id.
func (c *Client) GetUsers(ctx context.Context, logins ...string) ([]User, error) {
	q := url.Values{}
	for _, l := range logins {
		l = strings.ToLower(strings.TrimSpace(l))
		switch {
		case l == "":
		case isNumericID(l):
			q.Add("id", l)
		default:
			q.Add("login", l)
		}
	}
	if len(q) == 0 {
		return nil, errors.New("helix: no logins given")
	}
	var out struct {
		Data []User `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/users", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ResolveUserID returns the id of a single login.
func (c *Client) ResolveUserID(ctx context.Context, login string) (string, error) {
	users, err := c.GetUsers(ctx, login)
	if err != nil {
		return "", err
	}
	if len(users) == 0 || users[0].ID == "" {
		return "", fmt.Errorf("helix: user %q not found", login)
	}
	return users[0].ID, nil
}

func isNumericID(value string) bool {
	if value == "" {
		return false
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return false
		}
	}
	return true
}
