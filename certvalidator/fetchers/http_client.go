package fetchers

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// HTTPClientConfig configures the HTTP client used for CRL and OCSP
// retrieval.
type HTTPClientConfig struct {
	// Timeout is the overall request timeout.
	Timeout time.Duration

	// DialTimeout bounds connection establishment. Default: 3 seconds.
	DialTimeout time.Duration

	// MaxRedirects is the number of redirects followed. Default: 1.
	MaxRedirects int

	// ProxyURL overrides the environment proxy settings.
	// Example: "http://proxy.example.com:8080"
	ProxyURL string

	// TLSConfig provides custom TLS configuration.
	// If nil, TLS 1.2 is the minimum accepted version.
	TLSConfig *tls.Config
}

// DefaultHTTPClientConfig returns the configuration used when none is given.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:      30 * time.Second,
		DialTimeout:  DefaultConnectTimeout,
		MaxRedirects: 1,
	}
}

// NewHTTPClient creates an HTTP client with the specified configuration.
func NewHTTPClient(config *HTTPClientConfig) (*http.Client, error) {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   config.DialTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport:     transport,
		Timeout:       config.Timeout,
		CheckRedirect: limitRedirects(config.MaxRedirects),
	}, nil
}

// limitRedirects stops a client after max redirects.
func limitRedirects(max int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > max {
			return fmt.Errorf("%w: stopped after %d redirects", ErrTooManyRedirects, max)
		}
		return nil
	}
}
