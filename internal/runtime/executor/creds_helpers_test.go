package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nghyane/llm-failover/internal/provider"
)

func TestNewTokenSource_NoCredential(t *testing.T) {
	if ts := NewTokenSource(context.Background(), CredentialConfig{APIKey: "  "}); ts != nil {
		t.Fatal("expected nil token source for blank key")
	}
	_, err := bearerToken(nil, "p")
	if provider.CodeOf(err) != provider.CodeAuth || provider.IsRetryable(err) {
		t.Errorf("expected non-retryable auth error, got %v", err)
	}
}

func TestNewTokenSource_StaticKey(t *testing.T) {
	ts := NewTokenSource(context.Background(), CredentialConfig{APIKey: "sk-test"})
	token, err := bearerToken(ts, "p")
	if err != nil || token != "sk-test" {
		t.Errorf("token=%q err=%v", token, err)
	}
}

func TestNewTokenSource_ClientCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"issued","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	ts := NewTokenSource(context.Background(), CredentialConfig{
		TokenURL:     srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		APIKey:       "ignored",
	})
	token, err := bearerToken(ts, "p")
	if err != nil || token != "issued" {
		t.Errorf("token=%q err=%v", token, err)
	}
}

func TestBearerToken_SourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ts := NewTokenSource(context.Background(), CredentialConfig{TokenURL: srv.URL, ClientID: "id"})
	if _, err := bearerToken(ts, "p"); provider.CodeOf(err) != provider.CodeAuth {
		t.Errorf("expected auth error, got %v", err)
	}
}
