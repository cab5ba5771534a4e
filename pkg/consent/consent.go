// Package consent implements the ConsentEngine of spec.md §4.G: the
// consent status machine, expiry/sync sweeps, and extension validation. It
// is built on the teacher's escalation.Engine shape (constructor-injected
// collaborators, a ticker-plus-select Run loop) generalised from a single
// tick interval to two independent sweep tickers, and from pkg/escalation's
// raw pgxpool/tenant-schema access to the Store/Cache ports.
package consent

import (
	"encoding/json"
	"time"
)

// Status is the consent status machine of spec.md §3.
type Status string

const (
	StatusAwaitingAuthorisation Status = "AWAITING_AUTHORISATION"
	StatusAuthorised            Status = "AUTHORISED"
	StatusRejected              Status = "REJECTED"
	StatusRevoked               Status = "REVOKED"
	StatusExpired               Status = "EXPIRED"
)

// Terminal reports whether s permits no further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusRevoked, StatusExpired:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the only edges the status machine permits.
var validTransitions = map[Status]map[Status]bool{
	StatusAwaitingAuthorisation: {
		StatusAuthorised: true,
		StatusRejected:   true,
	},
	StatusAuthorised: {
		StatusRevoked: true,
		StatusExpired: true,
	},
}

// CanTransition reports whether from -> to is a legal edge of the machine.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return validTransitions[from][to]
}

// Rejection records why a consent was rejected, per spec.md §3.
type Rejection struct {
	Code string `json:"code"`
	Info string `json:"info,omitempty"`
}

// Permission is a fine-grained entitlement attached to a consent (e.g.
// "ACCOUNTS_BALANCES_READ"), per spec.md's glossary.
type Permission string

// Consent is the authorisation token-of-record from a customer, spec.md §3.
type Consent struct {
	ConsentID        string       `json:"consentId"`
	ClientID         string       `json:"clientId"`
	OrganisationID   string       `json:"organisationId"`
	Status           Status       `json:"status"`
	CreatedAt        time.Time    `json:"createdAt"`
	StatusUpdatedAt  time.Time    `json:"statusUpdatedAt"`
	ExpiresAt        *time.Time   `json:"expiresAt,omitempty"`
	Permissions      []Permission `json:"permissions"`
	LoggedUserID     string       `json:"loggedUserId"`
	BusinessEntityID string       `json:"businessEntityId,omitempty"`
	LinkedAccountIDs []string     `json:"linkedAccountIds"`
	TransactionFrom  *time.Time   `json:"transactionFrom,omitempty"`
	TransactionTo    *time.Time   `json:"transactionTo,omitempty"`
	Rejection        *Rejection   `json:"rejection,omitempty"`
	LastProcessedAt  *time.Time   `json:"lastProcessedAt,omitempty"`

	// MultipleApprovalRequired gates Extend per spec.md §3; it is set by the
	// external consent-creation flow (out of scope) and only read here.
	MultipleApprovalRequired bool `json:"multipleApprovalRequired,omitempty"`
}

// HasAccount reports whether accountID is linked to this consent.
func (c Consent) HasAccount(accountID string) bool {
	for _, id := range c.LinkedAccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// Extension is an audit record of a consent renewal, per spec.md §3.
type Extension struct {
	ID                string     `json:"id"`
	ConsentID         string     `json:"consentId"`
	PreviousExpiresAt *time.Time `json:"previousExpiresAt,omitempty"`
	NewExpiresAt      time.Time  `json:"newExpiresAt"`
	RequestedAt       time.Time  `json:"requestedAt"`
	LoggedUserID      string     `json:"loggedUserId"`
	IPAddress         string     `json:"ipAddress,omitempty"`
	UserAgent         string     `json:"userAgent,omitempty"`
}

func marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
