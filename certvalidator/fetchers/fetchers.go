// Package fetchers retrieves revocation information over HTTP(S), FTP and
// LDAP, and queries OCSP responders.
package fetchers

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/jlaffaye/ftp"
)

// DefaultConnectTimeout bounds connection establishment on every transport.
const DefaultConnectTimeout = 3 * time.Second

// DefaultLDAPAttribute is the directory attribute holding a CRL.
const DefaultLDAPAttribute = "certificateRevocationList;binary"

// Common errors
var (
	ErrFetchFailed          = errors.New("fetch failed")
	ErrUnsupportedScheme    = errors.New("unsupported scheme")
	ErrTooManyRedirects     = errors.New("too many redirects")
	ErrResponseTooLarge     = errors.New("response too large")
	ErrCRLParseFailed       = errors.New("CRL parse failed")
	ErrOCSPParseFailed      = errors.New("OCSP parse failed")
	ErrNoDistributionPoints = errors.New("no CRL distribution points")
	ErrNoOCSPServers        = errors.New("no OCSP servers")
)

// FetchError records which location failed and why.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{ErrFetchFailed, e.Err} }

// FetcherConfig configures the fetcher behavior.
type FetcherConfig struct {
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// Timeout bounds a whole retrieval.
	Timeout time.Duration
	// Maximum response size in bytes
	MaxResponseSize int64
	// User-Agent header
	UserAgent string
	// LDAPAttribute is requested when the URL names none.
	LDAPAttribute string

	// HTTPClient allows using a custom HTTP client. If nil, one is built
	// with NewHTTPClient.
	HTTPClient *http.Client
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() *FetcherConfig {
	return &FetcherConfig{
		ConnectTimeout:  DefaultConnectTimeout,
		Timeout:         30 * time.Second,
		MaxResponseSize: 10 * 1024 * 1024, // 10 MB
		UserAgent:       "adescheck/1.0",
		LDAPAttribute:   DefaultLDAPAttribute,
	}
}

// Downloader retrieves raw bytes from a revocation distribution point.
type Downloader interface {
	Download(ctx context.Context, uri string) ([]byte, error)
}

// Fetcher implements Downloader for http, https, ftp and ldap URLs. No
// retrieval is retried.
type Fetcher struct {
	config *FetcherConfig
	client *http.Client
}

// NewFetcher creates a new fetcher.
func NewFetcher(config *FetcherConfig) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.LDAPAttribute == "" {
		config.LDAPAttribute = DefaultLDAPAttribute
	}
	if config.MaxResponseSize <= 0 {
		config.MaxResponseSize = DefaultConfig().MaxResponseSize
	}

	client := config.HTTPClient
	if client == nil {
		hc := DefaultHTTPClientConfig()
		hc.Timeout = config.Timeout
		hc.DialTimeout = config.ConnectTimeout
		// the default configuration never carries an invalid proxy URL
		client, _ = NewHTTPClient(hc)
	}

	return &Fetcher{config: config, client: client}
}

// HTTPClient returns the HTTP client used by this fetcher.
func (f *Fetcher) HTTPClient() *http.Client {
	return f.client
}

// Download fetches uri with the transport its scheme selects.
func (f *Fetcher) Download(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, &FetchError{URL: uri, Err: err}
	}

	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	var data []byte
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		data, err = f.fetchHTTP(ctx, uri)
	case "ftp":
		data, err = f.fetchFTP(ctx, u)
	case "ldap", "ldaps":
		data, err = f.fetchLDAP(ctx, uri, u)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if err != nil {
		return nil, &FetchError{URL: uri, Err: err}
	}
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return f.readLimited(resp.Body)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	if f.config.MaxResponseSize <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, f.config.MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.config.MaxResponseSize {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

func (f *Fetcher) fetchFTP(ctx context.Context, u *url.URL) ([]byte, error) {
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "21")
	}

	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(f.config.ConnectTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		return nil, err
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		return nil, err
	}
	defer resp.Close()
	return f.readLimited(resp)
}

// ldapTarget is the part of an RFC 4516 URL a CRL lookup needs.
type ldapTarget struct {
	server    string
	dn        string
	attribute string
}

// parseLDAPURL splits an ldap URL into server, base DN and attribute.
// Distribution points often omit the host, in which case server is empty.
func parseLDAPURL(raw string, u *url.URL, defaultAttr string) (ldapTarget, error) {
	t := ldapTarget{attribute: defaultAttr}
	if u.Host != "" {
		t.server = u.Scheme + "://" + u.Host
	}

	dn, err := url.PathUnescape(strings.TrimPrefix(u.EscapedPath(), "/"))
	if err != nil {
		return t, err
	}
	if dn == "" {
		return t, fmt.Errorf("no distinguished name in %q", raw)
	}
	t.dn = dn

	// the query holds attributes?scope?filter?extensions
	if q := u.RawQuery; q != "" {
		attrs := strings.SplitN(q, "?", 2)[0]
		if attrs != "" {
			attr, err := url.QueryUnescape(strings.Split(attrs, ",")[0])
			if err != nil {
				return t, err
			}
			t.attribute = attr
		}
	}
	return t, nil
}

func (f *Fetcher) fetchLDAP(ctx context.Context, raw string, u *url.URL) ([]byte, error) {
	t, err := parseLDAPURL(raw, u, f.config.LDAPAttribute)
	if err != nil {
		return nil, err
	}
	if t.server == "" {
		return nil, fmt.Errorf("no directory server in %q", raw)
	}

	conn, err := ldap.DialURL(t.server, ldap.DialWithDialer(&net.Dialer{Timeout: f.config.ConnectTimeout}))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(time.Until(deadline))
	}
	if err := conn.UnauthenticatedBind(""); err != nil {
		return nil, err
	}

	req := ldap.NewSearchRequest(
		t.dn,
		ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)",
		[]string{t.attribute},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, err
	}
	for _, e := range res.Entries {
		if vals := e.GetEqualFoldRawAttributeValues(t.attribute); len(vals) > 0 {
			return vals[0], nil
		}
		// servers may drop the ;binary option in the returned name
		base := strings.SplitN(t.attribute, ";", 2)[0]
		if vals := e.GetEqualFoldRawAttributeValues(base); len(vals) > 0 {
			return vals[0], nil
		}
	}
	return nil, fmt.Errorf("attribute %s not found at %s", t.attribute, t.dn)
}

// CRLFetcher retrieves and parses revocation lists.
type CRLFetcher struct {
	Downloader Downloader
}

// NewCRLFetcher creates a new CRL fetcher.
func NewCRLFetcher(d Downloader) *CRLFetcher {
	return &CRLFetcher{Downloader: d}
}

// FetchCRL fetches and parses a CRL from uri.
func (f *CRLFetcher) FetchCRL(ctx context.Context, uri string) (*x509.RevocationList, []byte, error) {
	data, err := f.Downloader.Download(ctx, uri)
	if err != nil {
		return nil, nil, err
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, nil, &FetchError{URL: uri, Err: fmt.Errorf("%w: %v", ErrCRLParseFailed, err)}
	}
	return crl, data, nil
}

// FetchAnyCRLForCert tries every distribution point of cert in order and
// returns the first CRL that parses, with the URL it came from. The errors of
// every failed attempt are joined.
func (f *CRLFetcher) FetchAnyCRLForCert(ctx context.Context, cert *x509.Certificate) (*x509.RevocationList, []byte, string, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, nil, "", ErrNoDistributionPoints
	}
	var errs []error
	for _, uri := range cert.CRLDistributionPoints {
		crl, raw, err := f.FetchCRL(ctx, uri)
		if err == nil {
			return crl, raw, uri, nil
		}
		errs = append(errs, err)
	}
	return nil, nil, "", errors.Join(errs...)
}
