package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	// DefaultPageSize is the default number of items per page.
	DefaultPageSize = 25
	// MaxPageSize is the maximum allowed page size.
	MaxPageSize = 100
)

// CursorParams holds the parsed query parameters for cursor-based pagination.
// Unlike the teacher's self-encoded cursor, PageToken is passed straight
// through to store.Store.Query, which already hands back an opaque
// continuation token — there is no second encoding to invent.
type CursorParams struct {
	PageToken string
	Limit     int
}

// ParseCursorParams extracts cursor pagination parameters from the request.
func ParseCursorParams(r *http.Request) (CursorParams, error) {
	p := CursorParams{Limit: DefaultPageSize, PageToken: r.URL.Query().Get("page_token")}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("limit must be a positive integer")
		}
		if n > MaxPageSize {
			n = MaxPageSize
		}
		p.Limit = n
	}

	return p, nil
}

// Page is the response envelope for a paged store.Query result.
type Page[T any] struct {
	Items         []T     `json:"items"`
	NextPageToken *string `json:"next_page_token,omitempty"`
}

// NewPage wraps a store.Query result page. nextToken is the continuation
// token store.Store.Query returned; empty means no further pages.
func NewPage[T any](items []T, nextToken string) Page[T] {
	page := Page[T]{Items: items}
	if nextToken != "" {
		page.NextPageToken = &nextToken
	}
	return page
}
