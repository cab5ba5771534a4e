package worker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tsromanox/openfinance-sub003/pkg/account"
	"github.com/tsromanox/openfinance-sub003/pkg/cache"
	"github.com/tsromanox/openfinance-sub003/pkg/clock"
	"github.com/tsromanox/openfinance-sub003/pkg/consent"
	"github.com/tsromanox/openfinance-sub003/pkg/directory"
	"github.com/tsromanox/openfinance-sub003/pkg/events"
	"github.com/tsromanox/openfinance-sub003/pkg/jobqueue"
	"github.com/tsromanox/openfinance-sub003/pkg/report"
	"github.com/tsromanox/openfinance-sub003/pkg/store"
	"github.com/tsromanox/openfinance-sub003/pkg/tokenprovider"
	"github.com/tsromanox/openfinance-sub003/pkg/transmitter"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResolver struct{ entry directory.Entry }

func (f fakeResolver) Resolve(_ context.Context, _ string) (directory.Entry, error) {
	return f.entry, nil
}

type noCerts struct{}

func (noCerts) ClientCertificate(_ context.Context, _ string) (tls.Certificate, error) {
	return tls.Certificate{}, nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(_ context.Context, _, _, _ string, _ any) error { return nil }

func newTokenServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "token_type": "bearer", "expires_in": 3600})
	}))
}

// testHarness wires a Pool against httptest-backed token and transmitter
// servers, a store.Memory, and a clock.Mutable, mirroring the pattern used
// in pkg/transmitter's own client tests.
type testHarness struct {
	pool     *Pool
	st       store.Store
	queue    *jobqueue.Queue
	accounts *account.Repository
	consents *consent.Engine
	clk      *clock.Mutable
}

func newHarness(t *testing.T, transmitterURL, tokenURL string) *testHarness {
	t.Helper()
	resolver := fakeResolver{entry: directory.Entry{OrganisationID: "org-1", BaseURL: transmitterURL, AuthURL: tokenURL}}
	clk := clock.NewMutable(time.Now())
	st := store.NewMemory()
	tokens := tokenprovider.New(resolver, noCerts{}, cache.NewMemory(clk.Now), clk, discardLogger(), "client-a", "secret")
	tc := transmitter.New(resolver, tokens, noCerts{}, clk, discardLogger(), "client-a", 1000, 1000)

	q := jobqueue.New(st, clk)
	accounts := account.NewRepository(st)
	ch := cache.NewMemory(clk.Now)
	engine := consent.NewEngine(st, ch, tc, noopPublisher{}, clk, discardLogger(), nil)
	reports := report.NewAggregator(st, noopPublisher{}, clk)

	pool := New(q, accounts, engine, tc, tokens, reports, noopPublisher{}, clk, discardLogger(), "client-a", Config{
		NodeID: "node-1", BatchSize: 10, VisibilityTimeout: time.Minute, GlobalConcurrency: 8, OrgConcurrency: 4, PollInterval: time.Second,
	})
	return &testHarness{pool: pool, st: st, queue: q, accounts: accounts, consents: engine, clk: clk}
}

func seedConsent(t *testing.T, h *testHarness, consentID string, status consent.Status) {
	t.Helper()
	now := h.clk.Now()
	c := consent.Consent{ConsentID: consentID, ClientID: "client-a", OrganisationID: "org-1", Status: status, CreatedAt: now, StatusUpdatedAt: now}
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal consent: %v", err)
	}
	if _, err := h.st.Upsert(context.Background(), store.CollectionConsents, store.Document{
		Partition: "client-a", Key: consentID, Payload: raw, Status: string(status),
		OrganisationID: "org-1", ExternalID: consentID, CreatedAt: now, UpdatedAt: now,
	}, nil); err != nil {
		t.Fatalf("seed consent: %v", err)
	}
}

func leaseOne(t *testing.T, h *testHarness, j jobqueue.Job) jobqueue.Job {
	t.Helper()
	if _, err := h.queue.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	leased, err := h.queue.Lease(context.Background(), 1, "node-1", time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("Lease: %v, %d jobs", err, len(leased))
	}
	return leased[0]
}

func TestHandleAccountSyncSuccess(t *testing.T) {
	tokenSrv := newTokenServer()
	defer tokenSrv.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, tokenSrv.URL)
	seedConsent(t, h, "c1", consent.StatusAuthorised)
	j := leaseOne(t, h, jobqueue.Job{Kind: jobqueue.KindAccountSync, ConsentID: "c1", AccountID: "acc-1", OrganisationID: "org-1"})

	outcome, errKind, err := h.pool.handleAccountSync(context.Background(), j)
	if err != nil {
		t.Fatalf("handleAccountSync: %v", err)
	}
	if outcome != report.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}
	if errKind != "" {
		t.Fatalf("errKind = %q, want empty", errKind)
	}

	got, _, err := h.accounts.GetAccount(context.Background(), "client-a", "acc-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Status != account.StatusActive {
		t.Fatalf("account status = %s, want ACTIVE", got.Status)
	}

	consentAfter, err := h.consents.Get(context.Background(), "client-a", "c1")
	if err != nil {
		t.Fatalf("Get consent: %v", err)
	}
	if consentAfter.LastProcessedAt == nil {
		t.Fatal("consent.LastProcessedAt not bumped after a successful account sync")
	}
}

func TestHandleAccountSyncSkipsWhenConsentNotAuthorised(t *testing.T) {
	tokenSrv := newTokenServer()
	defer tokenSrv.Close()
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, tokenSrv.URL)
	seedConsent(t, h, "c1", consent.StatusRevoked)
	j := leaseOne(t, h, jobqueue.Job{Kind: jobqueue.KindAccountSync, ConsentID: "c1", AccountID: "acc-1", OrganisationID: "org-1"})

	outcome, errKind, err := h.pool.handleAccountSync(context.Background(), j)
	if err != nil {
		t.Fatalf("handleAccountSync: %v", err)
	}
	if outcome != report.OutcomeSkipped {
		t.Fatalf("outcome = %v, want skipped", outcome)
	}
	if errKind != "ConsentNotAuthorised" {
		t.Fatalf("errKind = %q, want ConsentNotAuthorised", errKind)
	}
	if called {
		t.Fatal("transmitter was called for a non-AUTHORISED consent, want skipped before any upstream call")
	}

	docs, _, err := h.st.Query(context.Background(), store.CollectionJobs, store.Predicate{ExcludeDeleted: true, OrganisationID: "org-1"}, 10, "")
	if err != nil {
		t.Fatalf("Query jobs: %v", err)
	}
	if docs[0].Status != string(jobqueue.StatusDone) {
		t.Fatalf("job status = %s, want DONE (acked without syncing)", docs[0].Status)
	}
}

func TestHandleAccountSyncNotFoundMarksInactive(t *testing.T) {
	tokenSrv := newTokenServer()
	defer tokenSrv.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, tokenSrv.URL)
	seedConsent(t, h, "c1", consent.StatusAuthorised)
	if _, err := h.accounts.UpsertAccount(context.Background(), account.Account{
		AccountID: "acc-1", ClientID: "client-a", OrganisationID: "org-1", Status: account.StatusActive,
	}, nil); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	j := leaseOne(t, h, jobqueue.Job{Kind: jobqueue.KindAccountSync, ConsentID: "c1", AccountID: "acc-1", OrganisationID: "org-1", MaxAttempts: 5})

	outcome, errKind, err := h.pool.handleAccountSync(context.Background(), j)
	if err == nil {
		t.Fatal("handleAccountSync with a 404 upstream succeeded, want error")
	}
	if outcome != report.OutcomeSkipped {
		t.Fatalf("outcome = %v, want skipped", outcome)
	}
	if errKind != string(transmitter.KindNotFound) {
		t.Fatalf("errKind = %q, want %q", errKind, transmitter.KindNotFound)
	}

	got, _, err := h.accounts.GetAccount(context.Background(), "client-a", "acc-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Status != account.StatusInactive {
		t.Fatalf("account status = %s, want INACTIVE", got.Status)
	}
}

func TestHandleAccountSyncServerErrorNacksRetryable(t *testing.T) {
	tokenSrv := newTokenServer()
	defer tokenSrv.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, tokenSrv.URL)
	seedConsent(t, h, "c1", consent.StatusAuthorised)
	j := leaseOne(t, h, jobqueue.Job{Kind: jobqueue.KindAccountSync, ConsentID: "c1", AccountID: "acc-1", OrganisationID: "org-1", MaxAttempts: 5})

	outcome, errKind, err := h.pool.handleAccountSync(context.Background(), j)
	if err == nil {
		t.Fatal("handleAccountSync with a 500 upstream succeeded, want error")
	}
	if outcome != report.OutcomeError {
		t.Fatalf("outcome = %v, want error", outcome)
	}
	if errKind != string(transmitter.KindServerError) {
		t.Fatalf("errKind = %q, want %q", errKind, transmitter.KindServerError)
	}

	docs, _, err := h.st.Query(context.Background(), store.CollectionJobs, store.Predicate{ExcludeDeleted: true, OrganisationID: "org-1"}, 10, "")
	if err != nil {
		t.Fatalf("Query jobs: %v", err)
	}
	if docs[0].Status != string(jobqueue.StatusPending) {
		t.Fatalf("job status = %s, want PENDING (retryable nack)", docs[0].Status)
	}
}

func TestHandleTxSyncPaginatesAndAdvancesCursor(t *testing.T) {
	tokenSrv := newTokenServer()
	defer tokenSrv.Close()

	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		page++
		switch page {
		case 1:
			_, _ = w.Write([]byte(`{"data":[{"accountId":"acc-1","externalTransactionId":"tx-1","bookedAt":"2026-01-01T00:00:00Z"}],"meta":{"nextPage":"2"}}`))
		default:
			_, _ = w.Write([]byte(`{"data":[{"accountId":"acc-1","externalTransactionId":"tx-2","bookedAt":"2026-01-02T00:00:00Z"}],"meta":{"nextPage":""}}`))
		}
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, tokenSrv.URL)
	if _, err := h.accounts.UpsertAccount(context.Background(), account.Account{
		AccountID: "acc-1", ClientID: "client-a", OrganisationID: "org-1", Status: account.StatusActive,
	}, nil); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	j := leaseOne(t, h, jobqueue.Job{Kind: jobqueue.KindTxSync, ConsentID: "c1", AccountID: "acc-1", OrganisationID: "org-1"})

	outcome, _, err := h.pool.handleTxSync(context.Background(), j)
	if err != nil {
		t.Fatalf("handleTxSync: %v", err)
	}
	if outcome != report.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}

	docs, _, err := h.st.Query(context.Background(), store.CollectionTransactions, store.Predicate{ExcludeDeleted: true, OrganisationID: "org-1"}, 10, "")
	if err != nil {
		t.Fatalf("Query transactions: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("transactions written = %d, want 2 (one per page)", len(docs))
	}

	got, _, err := h.accounts.GetAccount(context.Background(), "client-a", "acc-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.LastBookingDateSynced == nil {
		t.Fatal("LastBookingDateSynced not advanced after a successful sync")
	}
}

func TestHandleConsentSyncAcksWhenConsentFound(t *testing.T) {
	tokenSrv := newTokenServer()
	defer tokenSrv.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, tokenSrv.URL)
	seedConsent(t, h, "c1", consent.StatusAuthorised)

	j := leaseOne(t, h, jobqueue.Job{Kind: jobqueue.KindConsentSync, ConsentID: "c1", OrganisationID: "org-1"})

	outcome, _, err := h.pool.handleConsentSync(context.Background(), j)
	if err != nil {
		t.Fatalf("handleConsentSync: %v", err)
	}
	if outcome != report.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}

	docs, _, err := h.st.Query(context.Background(), store.CollectionJobs, store.Predicate{ExcludeDeleted: true, OrganisationID: "org-1"}, 10, "")
	if err != nil {
		t.Fatalf("Query jobs: %v", err)
	}
	if docs[0].Status != string(jobqueue.StatusDone) {
		t.Fatalf("job status = %s, want DONE", docs[0].Status)
	}

	consentAfter, err := h.consents.Get(context.Background(), "client-a", "c1")
	if err != nil {
		t.Fatalf("Get consent: %v", err)
	}
	if consentAfter.LastProcessedAt == nil {
		t.Fatal("consent.LastProcessedAt not bumped after a successful consent sync")
	}
}
