package fetchers

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/crypto/ocsp"
)

// OCSPClient queries the responders named in a certificate's authority
// information access extension.
type OCSPClient struct {
	config *FetcherConfig
	client *http.Client
}

// NewOCSPClient creates an OCSP client sharing f's HTTP client.
func NewOCSPClient(f *Fetcher) *OCSPClient {
	return &OCSPClient{config: f.config, client: f.client}
}

// Fetch returns the first response that parses and is signed for cert.
// Responders are tried in order.
func (c *OCSPClient) Fetch(ctx context.Context, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, ErrNoOCSPServers
	}

	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	var errs []error
	for _, server := range cert.OCSPServer {
		resp, err := c.post(ctx, server, req, cert, issuer)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, &FetchError{URL: server, Err: err})
	}
	return nil, errors.Join(errs...)
}

func (c *OCSPClient) post(ctx context.Context, server string, body []byte, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseSize))
	if err != nil {
		return nil, err
	}

	parsed, err := ocsp.ParseResponseForCert(raw, cert, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOCSPParseFailed, err)
	}
	return parsed, nil
}
