// Package tokenprovider implements the TokenProvider of spec.md §4.E: it
// issues and caches OAuth2 client-credentials tokens per (clientId,
// organisationId), with mTLS client authentication and single-flight
// coalescing of concurrent fetches. It builds on golang.org/x/oauth2 (the
// teacher's OIDC dependency, here driving the clientcredentials grant
// instead) and golang.org/x/sync/singleflight.
package tokenprovider

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/tsromanox/openfinance-sub003/pkg/cache"
	"github.com/tsromanox/openfinance-sub003/pkg/clock"
	"github.com/tsromanox/openfinance-sub003/pkg/directory"
)

// AccessToken is the opaque token returned to callers. No claims are parsed
// except ExpiresAt, per spec.md §4.E.
type AccessToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// safetyMargin is subtracted from the token's reported expiry so a cached
// token is never handed out with less than this much life left.
const safetyMargin = 60 * time.Second

// CertSource supplies the mTLS client certificate used to authenticate to an
// organisation's auth endpoint. Certificates are provisioned out of band
// (e.g. per-organisation PKI enrolment); this is a pluggable port.
type CertSource interface {
	ClientCertificate(ctx context.Context, organisationID string) (tls.Certificate, error)
}

// Provider issues and caches tokens.
type Provider struct {
	resolver   directory.Resolver
	certs      CertSource
	cache      cache.Cache
	clock      clock.Clock
	logger     *slog.Logger
	clientID   string
	clientSecret string
	scope      string
	flight     singleflight.Group
}

// New constructs a Provider. clientID/clientSecret authenticate this
// receptor to every transmitter's token endpoint (shared across
// organisations); CertSource adds the organisation's mTLS client
// certificate to that connection. private_key_jwt client authentication
// is not supported.
func New(resolver directory.Resolver, certs CertSource, c cache.Cache, clk clock.Clock, logger *slog.Logger, clientID, clientSecret string) *Provider {
	return &Provider{
		resolver:     resolver,
		certs:        certs,
		cache:        c,
		clock:        clk,
		logger:       logger,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        "accounts consents",
	}
}

func cacheKey(clientID, organisationID string) string {
	return fmt.Sprintf("token:%s:%s", clientID, organisationID)
}

// Token returns a cached, non-expired token or synchronously fetches one.
// At most one fetch is in flight per (clientId, organisationId); concurrent
// callers coalesce onto it via singleflight.
func (p *Provider) Token(ctx context.Context, clientID, organisationID string) (AccessToken, error) {
	if tok, ok := p.readCache(ctx, clientID, organisationID); ok {
		return tok, nil
	}

	v, err, _ := p.flight.Do(cacheKey(clientID, organisationID), func() (any, error) {
		// Re-check the cache inside the singleflight critical section: another
		// goroutine may have just populated it between our miss and this call.
		if tok, ok := p.readCache(ctx, clientID, organisationID); ok {
			return tok, nil
		}
		return p.fetch(ctx, clientID, organisationID)
	})
	if err != nil {
		return AccessToken{}, err
	}
	return v.(AccessToken), nil
}

// Invalidate evicts the cached token for (clientId, organisationId). Call
// this when a downstream call returns 401, then retry Token exactly once.
func (p *Provider) Invalidate(ctx context.Context, clientID, organisationID string) {
	_ = p.cache.Evict(ctx, cacheKey(clientID, organisationID))
}

func (p *Provider) readCache(ctx context.Context, clientID, organisationID string) (AccessToken, bool) {
	raw, ok, err := p.cache.Get(ctx, cacheKey(clientID, organisationID))
	if err != nil || !ok {
		return AccessToken{}, false
	}
	var tok AccessToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return AccessToken{}, false
	}
	if p.clock.Now().After(tok.ExpiresAt.Add(-safetyMargin)) {
		return AccessToken{}, false
	}
	return tok, true
}

func (p *Provider) fetch(ctx context.Context, clientID, organisationID string) (AccessToken, error) {
	entry, err := p.resolver.Resolve(ctx, organisationID)
	if err != nil {
		return AccessToken{}, fmt.Errorf("tokenprovider: resolving directory for %s: %w", organisationID, err)
	}

	httpClient := http.DefaultClient
	if p.certs != nil {
		cert, err := p.certs.ClientCertificate(ctx, organisationID)
		if err != nil {
			return AccessToken{}, fmt.Errorf("tokenprovider: loading mTLS cert for %s: %w", organisationID, err)
		}
		httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					MinVersion:   tls.VersionTLS12,
				},
			},
			Timeout: 15 * time.Second,
		}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	cfg := clientcredentials.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		TokenURL:     entry.AuthURL,
		Scopes:       []string{p.scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return AccessToken{}, fmt.Errorf("tokenprovider: fetching token for %s: %w", organisationID, err)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = p.clock.Now().Add(10 * time.Minute)
	}
	out := AccessToken{Value: tok.AccessToken, ExpiresAt: expiresAt}

	raw, _ := json.Marshal(out)
	ttl := expiresAt.Sub(p.clock.Now()) - safetyMargin
	if ttl > 0 {
		if err := p.cache.Put(ctx, cacheKey(clientID, organisationID), raw, ttl); err != nil {
			p.logger.Warn("tokenprovider: caching token failed", "organisation_id", organisationID, "error", err)
		}
	}
	return out, nil
}
