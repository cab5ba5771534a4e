package transmitter

import "fmt"

// Kind is the flat, closed error taxonomy of spec.md §4.F / §7.
type Kind string

const (
	KindAuth        Kind = "Auth"
	KindRateLimited Kind = "RateLimited"
	KindUnavailable Kind = "Unavailable"
	KindBadRequest  Kind = "BadRequest"
	KindNotFound    Kind = "NotFound"
	KindServerError Kind = "ServerError"
	KindNetwork     Kind = "Network"
)

// Error is the typed error every TransmitterClient call returns on failure.
type Error struct {
	Kind      Kind
	Status    int
	Retryable bool
	Org       string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transmitter: %s (org=%s status=%d retryable=%v): %v", e.Kind, e.Org, e.Status, e.Retryable, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func classify(org string, status int, err error) *Error {
	switch {
	case err != nil && status == 0:
		return &Error{Kind: KindNetwork, Retryable: true, Org: org, Err: err}
	case status == 401 || status == 403:
		return &Error{Kind: KindAuth, Status: status, Retryable: true, Org: org, Err: err}
	case status == 404:
		return &Error{Kind: KindNotFound, Status: status, Retryable: false, Org: org, Err: err}
	case status == 408 || status == 429:
		return &Error{Kind: KindRateLimited, Status: status, Retryable: true, Org: org, Err: err}
	case status >= 500:
		return &Error{Kind: KindServerError, Status: status, Retryable: true, Org: org, Err: err}
	case status >= 400:
		return &Error{Kind: KindBadRequest, Status: status, Retryable: false, Org: org, Err: err}
	default:
		return &Error{Kind: KindServerError, Status: status, Retryable: true, Org: org, Err: err}
	}
}
