package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseCursorParams(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantLimit int
		wantToken string
		wantErr   bool
	}{
		{
			name:      "defaults",
			query:     "",
			wantLimit: DefaultPageSize,
		},
		{
			name:      "custom limit",
			query:     "limit=50",
			wantLimit: 50,
		},
		{
			name:      "limit capped at max",
			query:     "limit=500",
			wantLimit: MaxPageSize,
		},
		{
			name:    "negative limit",
			query:   "limit=-1",
			wantErr: true,
		},
		{
			name:    "non-numeric limit",
			query:   "limit=abc",
			wantErr: true,
		},
		{
			name:      "page token passthrough",
			query:     "page_token=opaque-token-123",
			wantLimit: DefaultPageSize,
			wantToken: "opaque-token-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			p, err := ParseCursorParams(r)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCursorParams() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if p.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", p.Limit, tt.wantLimit)
			}
			if p.PageToken != tt.wantToken {
				t.Errorf("PageToken = %q, want %q", p.PageToken, tt.wantToken)
			}
		})
	}
}

func TestNewPage(t *testing.T) {
	t.Run("with next token", func(t *testing.T) {
		page := NewPage([]string{"a", "b"}, "next-token")
		if len(page.Items) != 2 {
			t.Errorf("Items length = %d, want 2", len(page.Items))
		}
		if page.NextPageToken == nil || *page.NextPageToken != "next-token" {
			t.Errorf("NextPageToken = %v, want next-token", page.NextPageToken)
		}
	})

	t.Run("without next token", func(t *testing.T) {
		page := NewPage([]string{"a"}, "")
		if page.NextPageToken != nil {
			t.Error("NextPageToken should be nil")
		}
	})

	t.Run("empty items", func(t *testing.T) {
		page := NewPage([]string{}, "")
		if len(page.Items) != 0 {
			t.Errorf("Items length = %d, want 0", len(page.Items))
		}
	})
}
