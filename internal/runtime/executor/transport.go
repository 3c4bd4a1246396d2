package executor

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/nghyane/llm-failover/internal/logging"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

var transportConfig = struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
}{
	MaxIdleConns:          512,
	MaxIdleConnsPerHost:   64,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: time.Second,
	DialTimeout:           15 * time.Second,
	KeepAlive:             30 * time.Second,
}

func baseTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   transportConfig.DialTimeout,
		KeepAlive: transportConfig.KeepAlive,
	}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          transportConfig.MaxIdleConns,
		MaxIdleConnsPerHost:   transportConfig.MaxIdleConnsPerHost,
		IdleConnTimeout:       transportConfig.IdleConnTimeout,
		TLSHandshakeTimeout:   transportConfig.TLSHandshakeTimeout,
		ExpectContinueTimeout: transportConfig.ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if h2, err := http2.ConfigureTransports(t); err == nil {
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	}
	return t
}

// sharedTransport is used by every adapter without a proxy override.
var sharedTransport = baseTransport()

// NewHTTPClient returns a client that routes through proxyURL when set.
// Supported schemes are http, https and socks5. Per-call deadlines come from
// the request context, so the client itself has no timeout.
func NewHTTPClient(proxyURL string) *http.Client {
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		return &http.Client{Transport: sharedTransport}
	}
	if t := proxyTransport(proxyURL); t != nil {
		return &http.Client{Transport: t}
	}
	log.Warnf("failed to setup proxy from URL %s, using direct transport", proxyURL)
	return &http.Client{Transport: sharedTransport}
}

func proxyTransport(raw string) *http.Transport {
	parsed, err := url.Parse(raw)
	if err != nil {
		log.Errorf("parse proxy URL failed: %v", err)
		return nil
	}
	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", err)
			return nil
		}
		t := baseTransport()
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
		return t
	case "http", "https":
		t := baseTransport()
		t.Proxy = http.ProxyURL(parsed)
		return t
	default:
		log.Errorf("unsupported proxy scheme: %s", parsed.Scheme)
		return nil
	}
}
