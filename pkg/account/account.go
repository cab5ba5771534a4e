// Package account implements the Account/Balance/Limit/Transaction entities
// of spec.md §3 and the Store projections WorkerPool upserts into on
// ACCOUNT_SYNC and TX_SYNC, generalising the teacher's typed-repository
// pattern (one small struct per entity, explicit Store-backed Get/Upsert,
// no ORM) from pkg/roster's account/member rows to Open Finance accounts.
package account

import (
	"context"
	"fmt"
	"time"

	"github.com/tsromanox/openfinance-sub003/pkg/store"
)

// Status is an account's lifecycle state, independent of its consent.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Account is one holder-side account under a consent, spec.md §3.
type Account struct {
	AccountID      string    `json:"accountId"`
	InternalID     string    `json:"internalId"`
	ConsentID      string    `json:"consentId"`
	ClientID       string    `json:"clientId"`
	OrganisationID string    `json:"organisationId"`
	Brand          string    `json:"brand"`
	CNPJ           string    `json:"cnpj"`
	Type           string    `json:"type"`
	Subtype        string    `json:"subtype"`
	CompeCode      string    `json:"compeCode"`
	BranchCode     string    `json:"branchCode,omitempty"`
	Number         string    `json:"number"`
	CheckDigit     string    `json:"checkDigit"`
	Currency       string    `json:"currency"`
	Status         Status    `json:"status"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt,omitempty"`

	// LastBookingDateSynced is the per-account transaction-paging cursor of
	// spec.md's Open Question resolution: transactions are paged forward
	// from this cursor, not re-paged from a sliding window, except on the
	// first sync for an account (cursor is zero) where a 90-day bootstrap
	// window is used instead.
	LastBookingDateSynced *time.Time `json:"lastBookingDateSynced,omitempty"`
}

// Amount is a fixed-point decimal with explicit currency, per spec.md §3.
// Represented as a decimal string (never a float) to avoid representation
// drift across upserts, matching the transmitter wire format.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Balance is the latest snapshot under an account, overwritten on each sync.
type Balance struct {
	AccountID                string    `json:"accountId"`
	OrganisationID            string    `json:"organisationId"`
	Available                Amount    `json:"available"`
	Blocked                  Amount    `json:"blocked"`
	AutomaticallyInvested    Amount    `json:"automaticallyInvested"`
	UnarrangedOverdraftAmount *Amount  `json:"unarrangedOverdraftAmount,omitempty"`
	UpdatedAt                time.Time `json:"updatedAt"`
}

// Limit is the latest credit-limit snapshot under an account.
type Limit struct {
	AccountID      string    `json:"accountId"`
	OrganisationID string    `json:"organisationId"`
	CreditLimit    *Amount   `json:"creditLimit,omitempty"`
	OverdraftLimit *Amount   `json:"overdraftLimit,omitempty"`
	UnarrangedOverdraftAmount *Amount `json:"unarrangedOverdraftAmount,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Transaction is append-only; key (accountId, externalTransactionId) unique.
type Transaction struct {
	AccountID              string    `json:"accountId"`
	OrganisationID         string    `json:"organisationId"`
	ExternalTransactionID  string    `json:"externalTransactionId"`
	CompletedAuthorisedPaymentType string `json:"completedAuthorisedPaymentType"`
	CreditDebitType        string    `json:"creditDebitType"`
	TransactionName        string    `json:"transactionName"`
	Type                   string    `json:"type"`
	Amount                 Amount    `json:"amount"`
	BookedAt               time.Time `json:"bookedAt"`
}

func transactionKey(accountID, externalTransactionID string) string {
	return accountID + ":" + externalTransactionID
}

// Repository wraps Store with typed Get/Upsert for the account family of
// collections, so pkg/worker never constructs store.Document by hand.
type Repository struct {
	store store.Store
}

// NewRepository constructs a Repository over an existing Store.
func NewRepository(st store.Store) *Repository { return &Repository{store: st} }

// GetAccount fetches one account by (clientId, accountId).
func (r *Repository) GetAccount(ctx context.Context, clientID, accountID string) (Account, int, error) {
	doc, err := r.store.Get(ctx, store.CollectionAccounts, clientID, accountID)
	if err != nil {
		return Account{}, 0, err
	}
	var a Account
	if err := unmarshal(doc.Payload, &a); err != nil {
		return Account{}, 0, fmt.Errorf("account: decoding %s: %w", accountID, err)
	}
	return a, doc.Version, nil
}

// UpsertAccount conditionally writes a, returning the new version. Pass
// expectedVersion == nil to insert-if-absent.
func (r *Repository) UpsertAccount(ctx context.Context, a Account, expectedVersion *int) (int, error) {
	raw, err := marshal(a)
	if err != nil {
		return 0, err
	}
	doc := store.Document{
		Partition:      a.ClientID,
		Key:            a.AccountID,
		Payload:        raw,
		Status:         string(a.Status),
		OrganisationID: a.OrganisationID,
		ExternalID:     a.AccountID,
	}
	return r.store.Upsert(ctx, store.CollectionAccounts, doc, expectedVersion)
}

// PutBalance overwrites an account's latest balance snapshot (balances have
// no meaningful version history; last-write-wins per spec.md §3), but only
// when b is strictly newer than the stored snapshot: balance.updatedAt must
// be non-decreasing per spec.md §8.2. A snapshot with the same updatedAt as
// the stored one is discarded.
func (r *Repository) PutBalance(ctx context.Context, clientID string, b Balance) error {
	raw, err := marshal(b)
	if err != nil {
		return err
	}
	doc := store.Document{
		Partition:      clientID,
		Key:            b.AccountID,
		Payload:        raw,
		OrganisationID: b.OrganisationID,
		ExternalID:     b.AccountID,
		UpdatedAt:      b.UpdatedAt,
	}
	_, err = r.store.Upsert(ctx, store.CollectionBalances, doc, nil)
	if err == store.ErrConflict {
		existing, getErr := r.store.Get(ctx, store.CollectionBalances, clientID, b.AccountID)
		if getErr != nil {
			return getErr
		}
		var cur Balance
		if uerr := unmarshal(existing.Payload, &cur); uerr != nil {
			return fmt.Errorf("account: decoding existing balance %s: %w", b.AccountID, uerr)
		}
		if !b.UpdatedAt.After(cur.UpdatedAt) {
			return nil
		}
		v := existing.Version
		_, err = r.store.Upsert(ctx, store.CollectionBalances, doc, &v)
	}
	return err
}

// PutLimit overwrites an account's latest credit-limit snapshot, with the
// same stale-write guard as PutBalance: limit.updatedAt must be
// non-decreasing.
func (r *Repository) PutLimit(ctx context.Context, clientID string, l Limit) error {
	raw, err := marshal(l)
	if err != nil {
		return err
	}
	doc := store.Document{
		Partition:      clientID,
		Key:            l.AccountID,
		Payload:        raw,
		OrganisationID: l.OrganisationID,
		ExternalID:     l.AccountID,
		UpdatedAt:      l.UpdatedAt,
	}
	_, err = r.store.Upsert(ctx, store.CollectionLimits, doc, nil)
	if err == store.ErrConflict {
		existing, getErr := r.store.Get(ctx, store.CollectionLimits, clientID, l.AccountID)
		if getErr != nil {
			return getErr
		}
		var cur Limit
		if uerr := unmarshal(existing.Payload, &cur); uerr != nil {
			return fmt.Errorf("account: decoding existing limit %s: %w", l.AccountID, uerr)
		}
		if !l.UpdatedAt.After(cur.UpdatedAt) {
			return nil
		}
		v := existing.Version
		_, err = r.store.Upsert(ctx, store.CollectionLimits, doc, &v)
	}
	return err
}

// PutTransaction writes a transaction with put-if-absent semantics: the
// (accountId, externalTransactionId) key is only ever inserted once, so
// re-delivery of the same page is idempotent, per spec.md §4.J/§8.6.
func (r *Repository) PutTransaction(ctx context.Context, clientID string, t Transaction) error {
	raw, err := marshal(t)
	if err != nil {
		return err
	}
	doc := store.Document{
		Partition:      clientID,
		Key:            transactionKey(t.AccountID, t.ExternalTransactionID),
		Payload:        raw,
		OrganisationID: t.OrganisationID,
		ExternalID:     t.AccountID,
		UpdatedAt:      t.BookedAt,
	}
	_, err = r.store.Upsert(ctx, store.CollectionTransactions, doc, nil)
	if err == store.ErrConflict {
		// Already present: put-if-absent is satisfied, not an error.
		return nil
	}
	return err
}
