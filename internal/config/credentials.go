package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nghyane/llm-failover/internal/json"
)

const (
	CredentialsFileName = "credentials.json"
	WebhookSecretLength = 16 // 32-char hex string
	CredentialsVersion  = 1
)

// Credentials holds secrets generated by the server rather than configured.
type Credentials struct {
	WebhookSecret string    `json:"webhook_secret"`
	CreatedAt     time.Time `json:"created_at"`
	Version       int       `json:"version"`
}

var (
	cache   *Credentials
	cacheMu sync.RWMutex
)

// CredentialsDir returns $XDG_CONFIG_HOME/llm-failover, or ~/.config/llm-failover
// when XDG_CONFIG_HOME is unset.
func CredentialsDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "llm-failover")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "llm-failover")
	}
	return ""
}

// CredentialsFilePath returns the credentials file path inside CredentialsDir.
func CredentialsFilePath() string {
	dir := CredentialsDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, CredentialsFileName)
}

func GenerateWebhookSecret() (string, error) {
	b := make([]byte, WebhookSecretLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// LoadCredentials loads credentials from the cache or the credentials file.
// A missing file is not an error.
func LoadCredentials() (*Credentials, error) {
	cacheMu.RLock()
	if cache != nil {
		c := *cache
		cacheMu.RUnlock()
		return &c, nil
	}
	cacheMu.RUnlock()

	path := CredentialsFilePath()
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	if creds.WebhookSecret == "" {
		return nil, nil
	}

	cacheMu.Lock()
	cache = &creds
	cacheMu.Unlock()
	return &creds, nil
}

// SaveCredentials writes creds next to a temp file and renames it into
// place, so a reader never sees a half-written secret.
func SaveCredentials(creds *Credentials) error {
	path := CredentialsFilePath()
	if path == "" {
		return fmt.Errorf("cannot determine credentials path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if creds.Version == 0 {
		creds.Version = CredentialsVersion
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err = tmp.Chmod(0o600); err == nil {
		_, err = tmp.Write(data)
	}
	if errClose := tmp.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	cp := *creds
	cacheMu.Lock()
	cache = &cp
	cacheMu.Unlock()
	return nil
}

// CreateCredentials generates and stores a new webhook secret.
func CreateCredentials() (string, error) {
	secret, err := GenerateWebhookSecret()
	if err != nil {
		return "", err
	}
	creds := &Credentials{WebhookSecret: secret, CreatedAt: time.Now(), Version: CredentialsVersion}
	if err := SaveCredentials(creds); err != nil {
		return "", err
	}
	return secret, nil
}

// ResolveWebhookSecret picks the webhook secret with priority
// WEBHOOK_SECRET env > config > credentials file. Empty means webhooks are
// accepted without a secret.
func (c *Config) ResolveWebhookSecret() string {
	if v := strings.TrimSpace(os.Getenv("WEBHOOK_SECRET")); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.WebhookSecret); v != "" {
		return v
	}
	creds, _ := LoadCredentials()
	if creds == nil {
		return ""
	}
	return creds.WebhookSecret
}

// InvalidateCache forces the next LoadCredentials to read the file again.
func InvalidateCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}
