package executor

import (
	"context"
	"strings"

	"github.com/nghyane/llm-failover/internal/provider"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// CredentialConfig selects how an adapter obtains its bearer token: a static
// API key, or an OAuth2 client-credentials grant.
type CredentialConfig struct {
	APIKey       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewTokenSource builds the token source for cfg. It returns nil when no
// credential is configured; adapters treat that as an auth failure.
func NewTokenSource(ctx context.Context, cfg CredentialConfig) oauth2.TokenSource {
	if tokenURL := strings.TrimSpace(cfg.TokenURL); tokenURL != "" && cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       cfg.Scopes,
		}
		return oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx))
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: key, TokenType: "Bearer"})
	}
	return nil
}

// bearerToken resolves the current access token or returns a non-retryable auth error.
func bearerToken(ts oauth2.TokenSource, providerID string) (string, error) {
	if ts == nil {
		return "", provider.Classify("missing credential", provider.CodeAuth, providerID)
	}
	tok, err := ts.Token()
	if err != nil {
		return "", provider.Classify("credential unavailable: "+err.Error(), provider.CodeAuth, providerID)
	}
	if tok == nil || strings.TrimSpace(tok.AccessToken) == "" {
		return "", provider.Classify("missing credential", provider.CodeAuth, providerID)
	}
	return tok.AccessToken, nil
}
