package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsromanox/openfinance-sub003/pkg/cache"
	"github.com/tsromanox/openfinance-sub003/pkg/clock"
	"github.com/tsromanox/openfinance-sub003/pkg/events"
	"github.com/tsromanox/openfinance-sub003/pkg/store"
	"github.com/tsromanox/openfinance-sub003/pkg/transmitter"
)

// awaitingSyncThreshold is how old an AWAITING_AUTHORISATION consent must be
// before the sync sweep reconciles it against the transmitter.
const awaitingSyncThreshold = 15 * time.Minute

// consentCacheTTL is the hot-read cache lifetime for consent documents,
// spec.md §4.C.
const consentCacheTTL = time.Hour

// RemoteConsent is the transmitter's view of a consent's status, as decoded
// from a GetConsent call's data envelope.
type RemoteConsent struct {
	Status    string `json:"status"`
	Rejection *Rejection `json:"rejection,omitempty"`
}

// TransmitterClient is the narrow read-side port Engine needs from
// pkg/transmitter to reconcile AWAITING_AUTHORISATION consents.
type TransmitterClient interface {
	GetConsent(ctx context.Context, organisationID, consentID string) (transmitter.Envelope, error)
}

// Engine applies status transitions, sweeps, and extension validation
// against Store, per spec.md §4.G. Every collaborator is an explicit
// constructor parameter, mirroring the teacher's escalation.NewEngine shape.
type Engine struct {
	store       store.Store
	cache       cache.Cache
	transmitter TransmitterClient
	publisher   events.Publisher
	clock       clock.Clock
	logger      *slog.Logger

	expirySweepInterval time.Duration
	syncSweepInterval   time.Duration

	transitions *prometheus.CounterVec // consent_transitions_total{from,to}
}

// NewEngine constructs an Engine with the default sweep intervals of
// spec.md §4.G: expiry hourly, sync every 30 minutes.
func NewEngine(st store.Store, c cache.Cache, tc TransmitterClient, pub events.Publisher, clk clock.Clock, logger *slog.Logger, transitions *prometheus.CounterVec) *Engine {
	return &Engine{
		store:               st,
		cache:               c,
		transmitter:         tc,
		publisher:           pub,
		clock:               clk,
		logger:              logger,
		expirySweepInterval: time.Hour,
		syncSweepInterval:   30 * time.Minute,
		transitions:         transitions,
	}
}

func cacheKey(consentID string) string { return "consent:" + consentID }

func toDocument(c Consent) (store.Document, error) {
	raw, err := marshal(c)
	if err != nil {
		return store.Document{}, err
	}
	doc := store.Document{
		Partition:      c.ClientID,
		Key:            c.ConsentID,
		Payload:        raw,
		Status:         string(c.Status),
		OrganisationID: c.OrganisationID,
		ExternalID:     c.ConsentID,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.StatusUpdatedAt,
	}
	if c.ExpiresAt != nil {
		doc.DueAt = *c.ExpiresAt
	}
	return doc, nil
}

func fromDocument(doc store.Document) (Consent, error) {
	var c Consent
	if err := unmarshal(doc.Payload, &c); err != nil {
		return Consent{}, fmt.Errorf("consent: decoding document %s: %w", doc.Key, err)
	}
	return c, nil
}

// Get returns the consent by (clientId, consentId), bypassing the cache.
func (e *Engine) Get(ctx context.Context, clientID, consentID string) (Consent, error) {
	doc, err := e.store.Get(ctx, store.CollectionConsents, clientID, consentID)
	if err != nil {
		return Consent{}, err
	}
	return fromDocument(doc)
}

// CachedGet is the hot read-path lookup of spec.md §4.C: serve from cache
// when present, otherwise fetch from Store and populate the cache with a
// 1h TTL. The cache entry is evicted on every status/extension change.
func (e *Engine) CachedGet(ctx context.Context, clientID, consentID string) (Consent, error) {
	if raw, ok, err := e.cache.Get(ctx, cacheKey(consentID)); err == nil && ok {
		var c Consent
		if jerr := unmarshal(raw, &c); jerr == nil {
			return c, nil
		}
	}
	c, err := e.Get(ctx, clientID, consentID)
	if err != nil {
		return Consent{}, err
	}
	if raw, err := marshal(c); err == nil {
		if err := e.cache.Put(ctx, cacheKey(consentID), raw, consentCacheTTL); err != nil {
			e.logger.Warn("consent: caching document failed", "consent_id", consentID, "error", err)
		}
	}
	return c, nil
}

// transition applies from -> to, bumping statusUpdatedAt and persisting with
// optimistic-version retry, then publishes ConsentStatusChanged and evicts
// the hot-read cache entry.
func (e *Engine) transition(ctx context.Context, clientID, consentID string, to Status, rejection *Rejection) error {
	for {
		doc, err := e.store.Get(ctx, store.CollectionConsents, clientID, consentID)
		if err != nil {
			return err
		}
		c, err := fromDocument(doc)
		if err != nil {
			return err
		}
		if !CanTransition(c.Status, to) {
			return &ValidationError{Code: CodeInvalidConsentState, Info: fmt.Sprintf("cannot transition %s -> %s", c.Status, to)}
		}

		from := c.Status
		c.Status = to
		c.StatusUpdatedAt = e.clock.Now()
		if rejection != nil {
			c.Rejection = rejection
		}

		newDoc, err := toDocument(c)
		if err != nil {
			return err
		}
		version := doc.Version
		if _, err := e.store.Upsert(ctx, store.CollectionConsents, newDoc, &version); err != nil {
			if err == store.ErrConflict {
				continue
			}
			return err
		}

		e.recordTransition(from, to)
		_ = e.cache.Evict(ctx, cacheKey(consentID))
		return e.publisher.Publish(ctx, events.TopicConsentEvents, consentID, "ConsentStatusChanged", events.ConsentStatusChanged{
			ConsentID:      consentID,
			OrganisationID: c.OrganisationID,
			FromStatus:     string(from),
			ToStatus:       string(to),
		})
	}
}

// MarkProcessed bumps a consent's lastProcessedAt to now, without touching
// its status. Called by SyncWorker at the end of each successful
// ACCOUNT_SYNC/CONSENT_SYNC job so the scheduler's cooldown gate
// (spec.md §4.I step 2) sees this consent as recently serviced.
func (e *Engine) MarkProcessed(ctx context.Context, clientID, consentID string) error {
	for {
		doc, err := e.store.Get(ctx, store.CollectionConsents, clientID, consentID)
		if err != nil {
			return err
		}
		c, err := fromDocument(doc)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		c.LastProcessedAt = &now

		newDoc, err := toDocument(c)
		if err != nil {
			return err
		}
		version := doc.Version
		if _, err := e.store.Upsert(ctx, store.CollectionConsents, newDoc, &version); err != nil {
			if err == store.ErrConflict {
				continue
			}
			return err
		}
		return nil
	}
}

func (e *Engine) recordTransition(from, to Status) {
	if e.transitions == nil {
		return
	}
	e.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// Authorise transitions an AWAITING_AUTHORISATION consent to AUTHORISED.
func (e *Engine) Authorise(ctx context.Context, clientID, consentID string) error {
	return e.transition(ctx, clientID, consentID, StatusAuthorised, nil)
}

// Reject transitions an AWAITING_AUTHORISATION consent to REJECTED.
func (e *Engine) Reject(ctx context.Context, clientID, consentID string, r Rejection) error {
	return e.transition(ctx, clientID, consentID, StatusRejected, &r)
}

// Revoke transitions an AUTHORISED consent to REVOKED.
func (e *Engine) Revoke(ctx context.Context, clientID, consentID string) error {
	return e.transition(ctx, clientID, consentID, StatusRevoked, nil)
}

// Extend validates and records a ConsentExtension, per spec.md §3 / §6.
// Returns a *ValidationError with the matching Open Finance Brasil code on
// any invariant violation; no state change and no event in that case.
func (e *Engine) Extend(ctx context.Context, clientID, consentID string, newExpiresAt time.Time, loggedUserID, ipAddress, userAgent string) (Extension, error) {
	doc, err := e.store.Get(ctx, store.CollectionConsents, clientID, consentID)
	if err != nil {
		return Extension{}, err
	}
	c, err := fromDocument(doc)
	if err != nil {
		return Extension{}, err
	}

	if c.Status != StatusAuthorised {
		return Extension{}, &ValidationError{Code: CodeInvalidConsentState, Info: fmt.Sprintf("consent is %s, not AUTHORISED", c.Status)}
	}
	if c.MultipleApprovalRequired {
		return Extension{}, &ValidationError{Code: CodeMultipleApproval, Info: "consent requires multiple approval before extension"}
	}
	now := e.clock.Now()
	if !newExpiresAt.After(now) || newExpiresAt.After(now.Add(365*24*time.Hour)) {
		return Extension{}, &ValidationError{Code: CodeInvalidExpiration, Info: "newExpiresAt must be in (now, now+365d]"}
	}

	ext := Extension{
		ID:                uuid.New().String(),
		ConsentID:          consentID,
		PreviousExpiresAt:  c.ExpiresAt,
		NewExpiresAt:       newExpiresAt,
		RequestedAt:        now,
		LoggedUserID:       loggedUserID,
		IPAddress:          ipAddress,
		UserAgent:          userAgent,
	}

	c.ExpiresAt = &newExpiresAt
	newDoc, err := toDocument(c)
	if err != nil {
		return Extension{}, err
	}
	version := doc.Version
	if _, err := e.store.Upsert(ctx, store.CollectionConsents, newDoc, &version); err != nil {
		return Extension{}, err
	}

	extRaw, err := marshal(ext)
	if err != nil {
		return Extension{}, err
	}
	extDoc := store.Document{
		Partition:      clientID,
		Key:            ext.ID,
		Payload:        extRaw,
		OrganisationID: c.OrganisationID,
		ExternalID:     consentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := e.store.Upsert(ctx, store.CollectionConsentExtensions, extDoc, nil); err != nil {
		return Extension{}, err
	}

	_ = e.cache.Evict(ctx, cacheKey(consentID))
	return ext, nil
}

// Run starts the expiry and sync sweep loops. It blocks until ctx is
// cancelled, mirroring the teacher's Engine.Run ticker-plus-select shape,
// generalised to two independent tickers.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("consent engine started",
		"expiry_sweep_interval", e.expirySweepInterval,
		"sync_sweep_interval", e.syncSweepInterval)

	expiryTicker := time.NewTicker(e.expirySweepInterval)
	defer expiryTicker.Stop()
	syncTicker := time.NewTicker(e.syncSweepInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("consent engine stopped")
			return nil
		case <-expiryTicker.C:
			if err := e.sweepExpiry(ctx); err != nil {
				e.logger.Error("consent expiry sweep", "error", err)
			}
		case <-syncTicker.C:
			if err := e.sweepSync(ctx); err != nil {
				e.logger.Error("consent sync sweep", "error", err)
			}
		}
	}
}

// sweepExpiry finds AUTHORISED consents whose expiresAt has passed and
// transitions them to EXPIRED, per spec.md §4.G.
func (e *Engine) sweepExpiry(ctx context.Context) error {
	now := e.clock.Now()
	pageToken := ""
	for {
		docs, next, err := e.store.Query(ctx, store.CollectionConsents, store.Predicate{
			Status:         string(StatusAuthorised),
			DueBefore:      &now,
			ExcludeDeleted: true,
		}, 200, pageToken)
		if err != nil {
			return fmt.Errorf("consent: querying expired consents: %w", err)
		}
		for _, doc := range docs {
			if err := e.transition(ctx, doc.Partition, doc.Key, StatusExpired, nil); err != nil {
				e.logger.Error("expiring consent", "consent_id", doc.Key, "error", err)
			}
		}
		if next == "" {
			return nil
		}
		pageToken = next
	}
}

// sweepSync reconciles AWAITING_AUTHORISATION consents older than
// awaitingSyncThreshold against the transmitter's current status, per
// spec.md §4.G.
func (e *Engine) sweepSync(ctx context.Context) error {
	cutoff := e.clock.Now().Add(-awaitingSyncThreshold)
	pageToken := ""
	for {
		docs, next, err := e.store.Query(ctx, store.CollectionConsents, store.Predicate{
			Status:         string(StatusAwaitingAuthorisation),
			ExcludeDeleted: true,
		}, 200, pageToken)
		if err != nil {
			return fmt.Errorf("consent: querying awaiting consents: %w", err)
		}
		for _, doc := range docs {
			if doc.CreatedAt.After(cutoff) {
				continue
			}
			if err := e.reconcileOne(ctx, doc); err != nil {
				e.logger.Error("reconciling awaiting consent", "consent_id", doc.Key, "error", err)
			}
		}
		if next == "" {
			return nil
		}
		pageToken = next
	}
}

func (e *Engine) reconcileOne(ctx context.Context, doc store.Document) error {
	c, err := fromDocument(doc)
	if err != nil {
		return err
	}

	env, err := e.transmitter.GetConsent(ctx, c.OrganisationID, c.ConsentID)
	if err != nil {
		return fmt.Errorf("consent: fetching remote status for %s: %w", c.ConsentID, err)
	}
	var remote RemoteConsent
	if err := json.Unmarshal(env.Data, &remote); err != nil {
		return fmt.Errorf("consent: decoding remote status for %s: %w", c.ConsentID, err)
	}

	remoteStatus := Status(remote.Status)
	if remoteStatus == c.Status {
		return nil // unchanged, no-op per spec.md §4.G
	}
	if !remoteStatus.Terminal() && remoteStatus != StatusAuthorised {
		return nil
	}
	return e.transition(ctx, c.ClientID, c.ConsentID, remoteStatus, remote.Rejection)
}
