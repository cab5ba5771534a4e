// Package worker implements the WorkerPool of spec.md §4.J: a bounded set
// of concurrent workers that lease jobs, dispatch by kind, and report
// outcomes. Concurrency is bounded by golang.org/x/sync/semaphore weighted
// semaphores (global + per-organisation), the teacher's transitive x/sync
// dependency promoted to direct use, chosen the same way pkg/tokenprovider
// promotes x/sync/singleflight: the stdlib has no equivalent primitive and
// the examples already carry the module.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tsromanox/openfinance-sub003/pkg/account"
	"github.com/tsromanox/openfinance-sub003/pkg/clock"
	"github.com/tsromanox/openfinance-sub003/pkg/consent"
	"github.com/tsromanox/openfinance-sub003/pkg/events"
	"github.com/tsromanox/openfinance-sub003/pkg/jobqueue"
	"github.com/tsromanox/openfinance-sub003/pkg/report"
	"github.com/tsromanox/openfinance-sub003/pkg/tokenprovider"
	"github.com/tsromanox/openfinance-sub003/pkg/transmitter"
)

// txWindow is the bootstrap-only fallback paging window for an account's
// first transaction sync, per spec.md's Open Question resolution: a
// per-account lastBookingDateSynced cursor is used thereafter.
const txWindow = 90 * 24 * time.Hour

// Config holds the WorkerPool's tunables.
type Config struct {
	NodeID             string
	BatchSize          int
	VisibilityTimeout  time.Duration
	GlobalConcurrency  int64
	OrgConcurrency     int64
	PollInterval       time.Duration
}

// DefaultConfig returns sensible defaults for a single worker process.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:            nodeID,
		BatchSize:         50,
		VisibilityTimeout: 2 * time.Minute,
		GlobalConcurrency: 64,
		OrgConcurrency:    8,
		PollInterval:      time.Second,
	}
}

// Pool leases and dispatches SyncJobs, per spec.md §4.J.
type Pool struct {
	queue       *jobqueue.Queue
	accounts    *account.Repository
	consents    *consent.Engine
	transmitter *transmitter.Client
	tokens      *tokenprovider.Provider
	reports     *report.Aggregator
	publisher   events.Publisher
	clock       clock.Clock
	logger      *slog.Logger
	cfg         Config
	clientID    string

	global *semaphore.Weighted

	mu      sync.Mutex
	perOrg  map[string]*semaphore.Weighted
}

// New constructs a Pool. Every collaborator is an explicit constructor
// parameter, as with every other component.
func New(q *jobqueue.Queue, accounts *account.Repository, consents *consent.Engine, tc *transmitter.Client, tokens *tokenprovider.Provider, reports *report.Aggregator, pub events.Publisher, clk clock.Clock, logger *slog.Logger, clientID string, cfg Config) *Pool {
	if cfg.BatchSize <= 0 {
		cfg = DefaultConfig(cfg.NodeID)
	}
	return &Pool{
		queue:       q,
		accounts:    accounts,
		consents:    consents,
		transmitter: tc,
		tokens:      tokens,
		reports:     reports,
		publisher:   pub,
		clock:       clk,
		logger:      logger,
		cfg:         cfg,
		clientID:    clientID,
		global:      semaphore.NewWeighted(cfg.GlobalConcurrency),
		perOrg:      make(map[string]*semaphore.Weighted),
	}
}

func (p *Pool) orgSemaphore(organisationID string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.perOrg[organisationID]
	if !ok {
		s = semaphore.NewWeighted(p.cfg.OrgConcurrency)
		p.perOrg[organisationID] = s
	}
	return s
}

// Run starts the lease-dispatch loop. It blocks until ctx is cancelled,
// draining any jobs it has already leased before returning (spec.md §5's
// graceful-shutdown contract: stop leasing new work, let in-flight jobs
// finish, then exit; un-drained leases simply expire).
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "node_id", p.cfg.NodeID, "batch_size", p.cfg.BatchSize, "global_concurrency", p.cfg.GlobalConcurrency)

	var wg sync.WaitGroup
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker pool draining")
			wg.Wait()
			p.logger.Info("worker pool stopped")
			return nil
		case <-ticker.C:
			jobs, err := p.queue.Lease(ctx, p.cfg.BatchSize, p.cfg.NodeID, p.cfg.VisibilityTimeout)
			if err != nil {
				p.logger.Error("leasing jobs", "error", err)
				continue
			}
			for _, j := range jobs {
				j := j
				if err := p.global.Acquire(ctx, 1); err != nil {
					continue
				}
				orgSem := p.orgSemaphore(j.OrganisationID)
				if err := orgSem.Acquire(ctx, 1); err != nil {
					p.global.Release(1)
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer p.global.Release(1)
					defer orgSem.Release(1)
					p.dispatch(ctx, j)
				}()
			}
		}
	}
}

// dispatch runs one job to completion (success, nack, or ack), applying a
// job-level deadline so no single call can hold a worker indefinitely.
func (p *Pool) dispatch(ctx context.Context, j jobqueue.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.VisibilityTimeout)
	defer cancel()

	start := p.clock.Now()
	outcome, errKind, err := p.handle(jobCtx, j)
	latency := p.clock.Now().Sub(start)

	if rerr := p.reports.RecordOutcome(ctx, j.RunID, string(j.Kind), j.OrganisationID, outcome, errKind, latency); rerr != nil {
		p.logger.Error("recording job outcome", "job_id", j.JobID, "error", rerr)
	}
	if err != nil {
		p.logger.Warn("job failed", "job_id", j.JobID, "kind", j.Kind, "error", err)
	}
}

func (p *Pool) handle(ctx context.Context, j jobqueue.Job) (report.Outcome, string, error) {
	switch j.Kind {
	case jobqueue.KindAccountSync:
		return p.handleAccountSync(ctx, j)
	case jobqueue.KindTxSync:
		return p.handleTxSync(ctx, j)
	case jobqueue.KindConsentSync:
		return p.handleConsentSync(ctx, j)
	default:
		_ = p.queue.Nack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID, false)
		return report.OutcomeError, "UnknownKind", errors.New("worker: unknown job kind")
	}
}

// handleAccountSync fetches account identification, balances, and limits,
// and upserts them via Store, applying the failure-kind mapping of
// spec.md §4.J.
func (p *Pool) handleAccountSync(ctx context.Context, j jobqueue.Job) (report.Outcome, string, error) {
	clientID := p.clientID

	c, err := p.consents.CachedGet(ctx, clientID, j.ConsentID)
	if err != nil {
		_ = p.queue.Nack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID, true)
		return report.OutcomeError, "ConsentLookupFailed", err
	}
	if c.Status != consent.StatusAuthorised {
		if err := p.queue.Ack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID); err != nil {
			return report.OutcomeError, "AckFailed", err
		}
		return report.OutcomeSkipped, "ConsentNotAuthorised", nil
	}

	now := p.clock.Now()

	_, err = p.transmitter.GetAccounts(ctx, j.OrganisationID, j.ConsentID, "")

	var balEnv, limEnv transmitter.Envelope
	if err == nil {
		balEnv, err = p.transmitter.GetBalances(ctx, j.OrganisationID, j.AccountID)
	}
	if err == nil {
		limEnv, err = p.transmitter.GetLimits(ctx, j.OrganisationID, j.AccountID)
	}
	if err != nil {
		return p.failAccountSync(ctx, j, err)
	}

	var bal account.Balance
	if uerr := unmarshalTxData(balEnv.Data, &bal); uerr == nil {
		bal.AccountID = j.AccountID
		bal.OrganisationID = j.OrganisationID
		bal.UpdatedAt = now
		if perr := p.accounts.PutBalance(ctx, clientID, bal); perr != nil {
			p.logger.Error("writing balance", "account_id", j.AccountID, "error", perr)
		}
	} else {
		p.logger.Error("decoding balance", "account_id", j.AccountID, "error", uerr)
	}

	var lim account.Limit
	if uerr := unmarshalTxData(limEnv.Data, &lim); uerr == nil {
		lim.AccountID = j.AccountID
		lim.OrganisationID = j.OrganisationID
		lim.UpdatedAt = now
		if perr := p.accounts.PutLimit(ctx, clientID, lim); perr != nil {
			p.logger.Error("writing limit", "account_id", j.AccountID, "error", perr)
		}
	} else {
		p.logger.Error("decoding limit", "account_id", j.AccountID, "error", uerr)
	}

	a, version, getErr := p.accounts.GetAccount(ctx, clientID, j.AccountID)
	hasVersion := getErr == nil
	a.AccountID = j.AccountID
	a.ConsentID = j.ConsentID
	a.ClientID = clientID
	a.OrganisationID = j.OrganisationID
	a.Status = account.StatusActive
	a.LastSyncedAt = &now

	var vptr *int
	if hasVersion {
		vptr = &version
	}
	if _, err := p.accounts.UpsertAccount(ctx, a, vptr); err != nil {
		return p.failAccountSync(ctx, j, err)
	}

	if err := p.publisher.Publish(ctx, events.TopicAccountUpdates, j.AccountID, "AccountSynced", events.AccountSynced{
		OrganisationID: j.OrganisationID,
		AccountID:      j.AccountID,
		RunID:          j.RunID,
		Outcome:        "success",
	}); err != nil {
		p.logger.Warn("publishing AccountSynced", "account_id", j.AccountID, "error", err)
	}

	if err := p.consents.MarkProcessed(ctx, clientID, j.ConsentID); err != nil {
		p.logger.Error("marking consent processed", "consent_id", j.ConsentID, "error", err)
	}

	if err := p.queue.Ack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID); err != nil {
		return report.OutcomeError, "AckFailed", err
	}
	return report.OutcomeSuccess, "", nil
}

// failAccountSync applies spec.md §4.J's failure-kind mapping: Auth forces
// a token refresh then a single retry (handled by invalidating the cached
// token so the next TransmitterClient call re-fetches); NotFound marks the
// account INACTIVE and acks; RateLimited/Unavailable/ServerError/Network
// nack retryable; BadRequest nacks non-retryable.
func (p *Pool) failAccountSync(ctx context.Context, j jobqueue.Job, err error) (report.Outcome, string, error) {
	var terr *transmitter.Error
	if !errors.As(err, &terr) {
		_ = p.queue.Nack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID, true)
		return report.OutcomeError, "Unknown", err
	}

	switch terr.Kind {
	case transmitter.KindAuth:
		p.tokens.Invalidate(ctx, p.clientID, j.OrganisationID)
		_ = p.queue.Nack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID, true)
	case transmitter.KindNotFound:
		clientID := p.clientID
		a, version, getErr := p.accounts.GetAccount(ctx, clientID, j.AccountID)
		if getErr == nil {
			a.Status = account.StatusInactive
			_, _ = p.accounts.UpsertAccount(ctx, a, &version)
		}
		_ = p.queue.Ack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID)
		return report.OutcomeSkipped, string(terr.Kind), err
	case transmitter.KindBadRequest:
		_ = p.queue.Nack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID, false)
	default: // RateLimited, Unavailable, ServerError, Network
		_ = p.queue.Nack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID, true)
	}
	return report.OutcomeError, string(terr.Kind), err
}

// handleTxSync pages transactions and writes each unique
// (accountId, externalTransactionId) with put-if-absent semantics, per
// spec.md §4.J.
func (p *Pool) handleTxSync(ctx context.Context, j jobqueue.Job) (report.Outcome, string, error) {
	clientID := p.clientID
	a, _, err := p.accounts.GetAccount(ctx, clientID, j.AccountID)
	if err != nil {
		_ = p.queue.Nack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID, true)
		return report.OutcomeError, "AccountLookupFailed", err
	}

	now := p.clock.Now()
	from := now.Add(-txWindow)
	if a.LastBookingDateSynced != nil {
		from = *a.LastBookingDateSynced
	}

	page := ""
	written := 0
	for {
		env, err := p.transmitter.GetTransactions(ctx, j.OrganisationID, j.AccountID, from, now, page)
		if err != nil {
			return p.failAccountSync(ctx, j, err)
		}
		var txs []account.Transaction
		if uerr := unmarshalTxData(env.Data, &txs); uerr != nil {
			_ = p.queue.Nack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID, false)
			return report.OutcomeError, "DecodeFailed", uerr
		}
		for _, t := range txs {
			t.AccountID = j.AccountID
			t.OrganisationID = j.OrganisationID
			if err := p.accounts.PutTransaction(ctx, clientID, t); err != nil {
				p.logger.Error("writing transaction", "account_id", j.AccountID, "external_transaction_id", t.ExternalTransactionID, "error", err)
				continue
			}
			written++
		}
		var meta struct {
			NextPage string `json:"nextPage"`
		}
		_ = unmarshalTxData(env.Meta, &meta)
		if meta.NextPage == "" {
			break
		}
		page = meta.NextPage
	}

	if existing, v, err := p.accounts.GetAccount(ctx, clientID, j.AccountID); err == nil {
		version := v
		if _, err := p.accounts.UpsertAccount(ctx, mergeCursor(existing, now), &version); err != nil {
			p.logger.Error("advancing transaction cursor", "account_id", j.AccountID, "error", err)
		}
	}
	p.logger.Debug("transaction sync completed", "account_id", j.AccountID, "written", written)

	if err := p.queue.Ack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID); err != nil {
		return report.OutcomeError, "AckFailed", err
	}
	return report.OutcomeSuccess, "", nil
}

func mergeCursor(a account.Account, cursor time.Time) account.Account {
	a.LastBookingDateSynced = &cursor
	return a
}

// handleConsentSync confirms the consent exists, bumps its lastProcessedAt
// via MarkProcessed, and acks. It does not reconcile the consent's status
// against the transmitter; that happens only in ConsentEngine's sweepSync.
func (p *Pool) handleConsentSync(ctx context.Context, j jobqueue.Job) (report.Outcome, string, error) {
	_, err := p.consents.Get(ctx, p.clientID, j.ConsentID)
	if err != nil {
		_ = p.queue.Nack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID, true)
		return report.OutcomeError, "ConsentLookupFailed", err
	}
	if err := p.consents.MarkProcessed(ctx, p.clientID, j.ConsentID); err != nil {
		p.logger.Error("marking consent processed", "consent_id", j.ConsentID, "error", err)
	}
	if err := p.queue.Ack(ctx, j.JobID, j.ConsentID, j.AccountID, j.Kind, j.OrganisationID); err != nil {
		return report.OutcomeError, "AckFailed", err
	}
	return report.OutcomeSuccess, "", nil
}
