package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/secrets"
)

func TestHTTPProviderLookup(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"domain":"cascadedev.example","size_bucket":"mid","contacts":[{"name":"Dana Reed"}]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.ProviderConfig{
		Endpoint:      srv.URL,
		CredentialRef: "enrich-token",
	}, secrets.Static{"enrich-token": "s3cr3t"}, srv.Client())

	frag, err := p.Lookup(context.Background(), "cascade development group")
	require.NoError(t, err)
	require.Equal(t, "cascade development group", gotKey)
	require.Equal(t, "Bearer s3cr3t", gotAuth)
	require.Equal(t, "cascadedev.example", frag.Company.Domain)
	require.Equal(t, "mid", string(frag.Company.SizeBucket))
	require.Len(t, frag.Contacts, 1)
}

func TestHTTPProviderNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.ProviderConfig{Endpoint: srv.URL}, secrets.Static{}, srv.Client())
	_, err := p.Lookup(context.Background(), "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPProviderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.ProviderConfig{Endpoint: srv.URL}, secrets.Static{}, srv.Client())
	_, err := p.Lookup(context.Background(), "k")

	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	require.Equal(t, 7*time.Second, rle.RetryAfter)
}

func TestHTTPProviderMissingCredential(t *testing.T) {
	p := NewHTTPProvider(config.ProviderConfig{
		Endpoint:      "https://enrich.example.com",
		CredentialRef: "absent",
	}, secrets.Static{}, nil)

	_, err := p.Lookup(context.Background(), "k")
	require.ErrorIs(t, err, secrets.ErrNotFound)
}
