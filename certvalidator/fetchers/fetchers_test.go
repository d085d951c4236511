package fetchers

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/kyriosdata/seguranca-sub004/sign/cms/cmstest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 3*time.Second, config.ConnectTimeout)
	assert.Equal(t, int64(10*1024*1024), config.MaxResponseSize)
	assert.Equal(t, DefaultLDAPAttribute, config.LDAPAttribute)
	assert.NotEmpty(t, config.UserAgent)
}

func TestNewFetcherDefaults(t *testing.T) {
	f := NewFetcher(&FetcherConfig{UserAgent: "test-agent"})
	assert.Equal(t, DefaultConnectTimeout, f.config.ConnectTimeout)
	assert.Equal(t, DefaultLDAPAttribute, f.config.LDAPAttribute)
	assert.NotNil(t, f.HTTPClient())

	custom := &http.Client{Timeout: time.Second}
	f = NewFetcher(&FetcherConfig{HTTPClient: custom})
	assert.Same(t, custom, f.HTTPClient())
}

func TestDownloadHTTP(t *testing.T) {
	var agent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.UserAgent()
		switch r.URL.Path {
		case "/moved":
			http.Redirect(w, r, "/ac.crl", http.StatusFound)
		case "/moved-twice":
			http.Redirect(w, r, "/moved", http.StatusFound)
		case "/ac.crl":
			w.Write([]byte("crl bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	f := NewFetcher(DefaultConfig())
	ctx := context.Background()

	data, err := f.Download(ctx, server.URL+"/ac.crl")
	require.NoError(t, err)
	assert.Equal(t, "crl bytes", string(data))
	assert.Equal(t, "adescheck/1.0", agent)

	data, err = f.Download(ctx, server.URL+"/moved")
	require.NoError(t, err)
	assert.Equal(t, "crl bytes", string(data))

	_, err = f.Download(ctx, server.URL+"/moved-twice")
	assert.ErrorIs(t, err, ErrTooManyRedirects)
	assert.ErrorIs(t, err, ErrFetchFailed)

	_, err = f.Download(ctx, server.URL+"/missing")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, server.URL+"/missing", fe.URL)
}

func TestDownloadResponseTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 64))
	}))
	defer server.Close()

	config := DefaultConfig()
	config.MaxResponseSize = 16
	_, err := NewFetcher(config).Download(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestDownloadUnsupported(t *testing.T) {
	f := NewFetcher(nil)
	_, err := f.Download(context.Background(), "gopher://example.com/ac.crl")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = f.Download(context.Background(), "ldap:///cn=AC%20Raiz,o=ICP-Brasil")
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestDownloadFTPUnreachable(t *testing.T) {
	// nothing listens on the discard port
	_, err := NewFetcher(nil).Download(context.Background(), "ftp://127.0.0.1:9/pub/ac.crl")
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestParseLDAPURL(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		server string
		dn     string
		attr   string
	}{
		{
			name:   "host and attribute",
			raw:    "ldap://ldap.icpbrasil.gov.br/cn=AC%20Raiz,o=ICP-Brasil,c=BR?certificateRevocationList;binary",
			server: "ldap://ldap.icpbrasil.gov.br",
			dn:     "cn=AC Raiz,o=ICP-Brasil,c=BR",
			attr:   "certificateRevocationList;binary",
		},
		{
			name:   "default attribute",
			raw:    "ldap://dir.example.com:389/cn=CA,c=BR",
			server: "ldap://dir.example.com:389",
			dn:     "cn=CA,c=BR",
			attr:   DefaultLDAPAttribute,
		},
		{
			name:   "scope and filter ignored",
			raw:    "ldaps://dir.example.com/cn=CA?authorityRevocationList?base?(objectClass=*)",
			server: "ldaps://dir.example.com",
			dn:     "cn=CA",
			attr:   "authorityRevocationList",
		},
		{
			name: "no host",
			raw:  "ldap:///cn=CA,c=BR",
			dn:   "cn=CA,c=BR",
			attr: DefaultLDAPAttribute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)
			got, err := parseLDAPURL(tt.raw, u, DefaultLDAPAttribute)
			require.NoError(t, err)
			assert.Equal(t, tt.server, got.server)
			assert.Equal(t, tt.dn, got.dn)
			assert.Equal(t, tt.attr, got.attribute)
		})
	}

	u, _ := url.Parse("ldap://dir.example.com/")
	_, err := parseLDAPURL("ldap://dir.example.com/", u, DefaultLDAPAttribute)
	assert.Error(t, err)
}

func TestFetchAnyCRLForCert(t *testing.T) {
	root := cmstest.NewRoot(t, "Test Root")
	now := time.Now()
	crl := root.CRL(t, 1, now.Add(-time.Hour), now.Add(time.Hour))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/garbage.crl":
			w.Write([]byte("not a crl"))
		case "/ac.crl":
			w.Write(crl)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	leaf := root.Issue(t, cmstest.CertOptions{CRLDistributionPoints: []string{
		server.URL + "/missing.crl",
		server.URL + "/garbage.crl",
		server.URL + "/ac.crl",
	}})

	fetcher := NewCRLFetcher(NewFetcher(nil))
	got, raw, uri, err := fetcher.FetchAnyCRLForCert(context.Background(), leaf.Cert)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/ac.crl", uri)
	assert.Equal(t, crl, raw)
	assert.Equal(t, int64(1), got.Number.Int64())

	bare := root.Issue(t, cmstest.CertOptions{})
	_, _, _, err = fetcher.FetchAnyCRLForCert(context.Background(), bare.Cert)
	assert.ErrorIs(t, err, ErrNoDistributionPoints)

	broken := root.Issue(t, cmstest.CertOptions{CRLDistributionPoints: []string{server.URL + "/garbage.crl"}})
	_, _, _, err = fetcher.FetchAnyCRLForCert(context.Background(), broken.Cert)
	assert.ErrorIs(t, err, ErrCRLParseFailed)
}

func TestOCSPClient(t *testing.T) {
	root := cmstest.NewRoot(t, "Test Root")
	var revoked *big.Int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/ocsp-request", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		status := ocsp.Good
		if revoked != nil && req.SerialNumber.Cmp(revoked) == 0 {
			status = ocsp.Revoked
		}
		now := time.Now()
		resp, err := ocsp.CreateResponse(root.Cert, root.Cert, ocsp.Response{
			Status:       status,
			SerialNumber: req.SerialNumber,
			ThisUpdate:   now.Add(-time.Minute),
			NextUpdate:   now.Add(time.Hour),
			RevokedAt:    now.Add(-time.Hour),
		}, root.Key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		w.Write(resp)
	}))
	defer server.Close()

	good := root.Issue(t, cmstest.CertOptions{OCSPServer: []string{server.URL}})
	bad := root.Issue(t, cmstest.CertOptions{OCSPServer: []string{"http://127.0.0.1:9/", server.URL}})
	revoked = bad.Cert.SerialNumber

	client := NewOCSPClient(NewFetcher(nil))

	resp, err := client.Fetch(context.Background(), good.Cert, root.Cert)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Good, resp.Status)

	resp, err = client.Fetch(context.Background(), bad.Cert, root.Cert)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Revoked, resp.Status)

	none := root.Issue(t, cmstest.CertOptions{})
	_, err = client.Fetch(context.Background(), none.Cert, root.Cert)
	assert.ErrorIs(t, err, ErrNoOCSPServers)
}

func TestFetchErrorUnwrap(t *testing.T) {
	inner := io.ErrUnexpectedEOF
	err := &FetchError{URL: "http://x", Err: inner}
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "http://x")
}
