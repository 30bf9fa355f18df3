package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifier_server/core/domain"
)

func TestCategoryForStatus(t *testing.T) {
	tests := []struct {
		status string
		want   domain.Category
	}{
		{"valid", domain.CategoryValid},
		{"Deliverable", domain.CategoryValid},
		{"invalid", domain.CategoryInvalid},
		{"undeliverable", domain.CategoryInvalid},
		{"catch-all", domain.CategoryRisky},
		{"do_not_mail", domain.CategoryRisky},
		{"unknown", domain.CategoryUnknown},
		{"something-new", domain.CategoryUnknown},
		{"", domain.CategoryUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categoryForStatus(tt.status), tt.status)
	}
}

func TestProbeFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/verify", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req probeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a@example.com", req.Email)

		json.NewEncoder(w).Encode(probeResponse{
			Email:  req.Email,
			Status: "valid",
			Score:  150, // out of range on purpose
			Domain: "example.com",
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "secret"})
	v, err := c.ProbeFast(context.Background(), "a@example.com")
	require.NoError(t, err)

	assert.Equal(t, domain.CategoryValid, v.Category)
	assert.Equal(t, 100, v.Score, "score must be clamped")
	assert.Equal(t, domain.SourceLive, v.Source)
	assert.False(t, v.CheckedAt.IsZero())
}

func TestProbeStableUsesStablePath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewEncoder(w).Encode(probeResponse{Status: "risky"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	v, err := c.ProbeStable(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "/v1/verify/stable", path)
	assert.Equal(t, domain.CategoryRisky, v.Category)
}

func TestProbeServerErrorIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.ProbeFast(context.Background(), "a@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
