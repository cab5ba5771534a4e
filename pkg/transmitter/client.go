// Package transmitter implements the TransmitterClient of spec.md §4.F: a
// typed HTTPS client to the holder institutions' Open Finance Brasil APIs,
// wrapping every call in FAPI header injection, retry, a per-organisation
// circuit breaker, and a per-organisation rate limiter.
//
//   - Retry: github.com/cenkalti/backoff/v5 (promoted here from the
//     teacher's indirect dependency) with jittered exponential backoff.
//   - Circuit breaker: github.com/sony/gobreaker/v2, one breaker per
//     organisationId, grounded on kubernaut's go.mod.
//   - Rate limiting: golang.org/x/time/rate, one limiter per
//     organisationId, grounded on r3e-network's infrastructure/ratelimit
//     package, which wraps the same library the same way.
package transmitter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tsromanox/openfinance-sub003/pkg/clock"
	"github.com/tsromanox/openfinance-sub003/pkg/directory"
	"github.com/tsromanox/openfinance-sub003/pkg/tokenprovider"
)

// Envelope is the Open Finance Brasil response wrapper every endpoint uses.
type Envelope struct {
	Data  json.RawMessage `json:"data"`
	Links json.RawMessage `json:"links,omitempty"`
	Meta  json.RawMessage `json:"meta,omitempty"`
}

// CertSource supplies the mTLS client certificate used for outbound calls.
// Reused from tokenprovider's port so both components provision the same
// per-organisation certificate.
type CertSource = tokenprovider.CertSource

// RetryPolicy is the explicit, first-class replacement for annotation-driven
// retry: base/cap/maxAttempts are passed in, not inferred from a decorator.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy matches spec.md §4.F: base 200ms, cap 5s, 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 200 * time.Millisecond, Cap: 5 * time.Second, MaxAttempts: 3}
}

// Client is the TransmitterClient. One Client serves every organisation; a
// per-organisation breaker and limiter are created lazily on first use.
type Client struct {
	httpClient *http.Client
	resolver   directory.Resolver
	tokens     *tokenprovider.Provider
	certs      CertSource
	clock      clock.Clock
	logger     *slog.Logger
	clientID   string
	retry      RetryPolicy

	rateLimit  rate.Limit
	rateBurst  int

	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker[*http.Response]
	limiters  map[string]*rate.Limiter
}

// New constructs a Client. ratePerSecond/burst bound outbound calls to any
// single organisation (spec.md's per-organisation isolation requirement).
func New(resolver directory.Resolver, tokens *tokenprovider.Provider, certs CertSource, clk clock.Clock, logger *slog.Logger, clientID string, ratePerSecond float64, burst int) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		resolver:   resolver,
		tokens:     tokens,
		certs:      certs,
		clock:      clk,
		logger:     logger,
		clientID:   clientID,
		retry:      DefaultRetryPolicy(),
		rateLimit:  rate.Limit(ratePerSecond),
		rateBurst:  burst,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (c *Client) breaker(organisationID string) *gobreaker.CircuitBreaker[*http.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[organisationID]; ok {
		return b
	}
	settings := gobreaker.Settings{
		Name:        "transmitter:" + organisationID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("transmitter circuit breaker state change", "organisation_id", organisationID, "from", from.String(), "to", to.String())
		},
	}
	b := gobreaker.NewCircuitBreaker[*http.Response](settings)
	c.breakers[organisationID] = b
	return b
}

func (c *Client) limiter(organisationID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[organisationID]; ok {
		return l
	}
	l := rate.NewLimiter(c.rateLimit, c.rateBurst)
	c.limiters[organisationID] = l
	return l
}

// GetAccounts fetches the consent's linked accounts (paginated by the
// transmitter; this returns one page's raw data).
func (c *Client) GetAccounts(ctx context.Context, organisationID, consentID, page string) (Envelope, error) {
	q := url.Values{"consentId": {consentID}}
	if page != "" {
		q.Set("page", page)
	}
	return c.do(ctx, organisationID, http.MethodGet, "/open-banking/accounts/v2/accounts", q, nil)
}

// GetBalances fetches one account's balances.
func (c *Client) GetBalances(ctx context.Context, organisationID, accountID string) (Envelope, error) {
	return c.do(ctx, organisationID, http.MethodGet, fmt.Sprintf("/open-banking/accounts/v2/accounts/%s/balances", accountID), nil, nil)
}

// GetLimits fetches one account's overdraft/credit limits.
func (c *Client) GetLimits(ctx context.Context, organisationID, accountID string) (Envelope, error) {
	return c.do(ctx, organisationID, http.MethodGet, fmt.Sprintf("/open-banking/accounts/v2/accounts/%s/overdraft-limits", accountID), nil, nil)
}

// GetTransactions pages one account's transactions within [from, to] inclusive.
func (c *Client) GetTransactions(ctx context.Context, organisationID, accountID string, from, to time.Time, page string) (Envelope, error) {
	q := url.Values{
		"fromBookingDate": {from.Format("2006-01-02")},
		"toBookingDate":   {to.Format("2006-01-02")},
	}
	if page != "" {
		q.Set("page", page)
	}
	return c.do(ctx, organisationID, http.MethodGet, fmt.Sprintf("/open-banking/accounts/v2/accounts/%s/transactions", accountID), q, nil)
}

// GetConsent fetches a consent's current status from the transmitter (used
// by the sync sweep to reconcile against the transmitter's source of truth).
func (c *Client) GetConsent(ctx context.Context, organisationID, consentID string) (Envelope, error) {
	return c.do(ctx, organisationID, http.MethodGet, fmt.Sprintf("/open-banking/consents/v3/consents/%s", consentID), nil, nil)
}

// GetConsentExtensions fetches a consent's extension history.
func (c *Client) GetConsentExtensions(ctx context.Context, organisationID, consentID string) (Envelope, error) {
	return c.do(ctx, organisationID, http.MethodGet, fmt.Sprintf("/open-banking/consents/v3/consents/%s/extensions", consentID), nil, nil)
}

// do executes one logical call: build the request, run it through the
// per-organisation rate limiter, circuit breaker, and retry policy, and
// classify any failure into the flat TransmitterError taxonomy.
func (c *Client) do(ctx context.Context, organisationID, method, path string, query url.Values, body []byte) (Envelope, error) {
	if err := c.limiter(organisationID).Wait(ctx); err != nil {
		return Envelope{}, classify(organisationID, 0, err)
	}

	op := func() (*http.Response, error) {
		resp, err := c.breaker(organisationID).Execute(func() (*http.Response, error) {
			return c.send(ctx, organisationID, method, path, query, body, false)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return nil, backoff.Permanent(&Error{Kind: KindUnavailable, Retryable: false, Org: organisationID, Err: err})
			}
			if terr, ok := err.(*Error); ok && (!terr.Retryable || terr.Kind == KindAuth) {
				return nil, backoff.Permanent(terr)
			}
			return nil, err
		}
		return resp, nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retry.Base
	exp.MaxInterval = c.retry.Cap

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(c.retry.MaxAttempts)),
	)
	if err != nil {
		if terr, ok := err.(*Error); ok {
			return Envelope{}, terr
		}
		return Envelope{}, classify(organisationID, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Envelope{}, classify(organisationID, resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		return Envelope{}, classify(organisationID, resp.StatusCode, fmt.Errorf("%s", raw))
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, classify(organisationID, resp.StatusCode, err)
	}
	return env, nil
}

// send builds and issues one HTTP request with FAPI headers and the current
// bearer token, retrying exactly once after a single token Invalidate+refetch
// if the transmitter returns 401 (tokenRefreshed is set on that retry to
// prevent an infinite loop).
func (c *Client) send(ctx context.Context, organisationID, method, path string, query url.Values, body []byte, tokenRefreshed bool) (*http.Response, error) {
	entry, err := c.resolver.Resolve(ctx, organisationID)
	if err != nil {
		return nil, fmt.Errorf("transmitter: resolving directory for %s: %w", organisationID, err)
	}

	tok, err := c.tokens.Token(ctx, c.clientID, organisationID)
	if err != nil {
		return nil, fmt.Errorf("transmitter: fetching token for %s: %w", organisationID, err)
	}

	u := entry.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("x-fapi-interaction-id", clock.NewCorrelationID())
	req.Header.Set("x-fapi-auth-date", c.clock.Now().Format(http.TimeFormat))
	req.Header.Set("x-fapi-customer-ip-address", "0.0.0.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.httpClient
	if c.certs != nil {
		cert, err := c.certs.ClientCertificate(ctx, organisationID)
		if err != nil {
			return nil, fmt.Errorf("transmitter: loading mTLS cert for %s: %w", organisationID, err)
		}
		httpClient = &http.Client{
			Timeout: c.httpClient.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					MinVersion:   tls.VersionTLS12,
				},
			},
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classify(organisationID, 0, err)
	}
	if resp.StatusCode == http.StatusUnauthorized && !tokenRefreshed {
		resp.Body.Close()
		c.tokens.Invalidate(ctx, c.clientID, organisationID)
		return c.send(ctx, organisationID, method, path, query, body, true)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classify(organisationID, resp.StatusCode, fmt.Errorf("%s", raw))
	}
	return resp, nil
}
