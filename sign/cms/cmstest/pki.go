// Package cmstest builds certificates, CRLs, time-stamp tokens and CAdES
// signatures for tests.
package cmstest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Identity is a certificate with its private key.
type Identity struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// CertOptions controls certificate issuance.
type CertOptions struct {
	CommonName            string
	NotBefore             time.Time
	NotAfter              time.Time
	IsCA                  bool
	ExtKeyUsage           []x509.ExtKeyUsage
	CRLDistributionPoints []string
	OCSPServer            []string
}

func (o *CertOptions) defaults() {
	if o.NotBefore.IsZero() {
		o.NotBefore = time.Now().Add(-24 * time.Hour)
	}
	if o.NotAfter.IsZero() {
		o.NotAfter = time.Now().Add(365 * 24 * time.Hour)
	}
	if o.CommonName == "" {
		o.CommonName = "Test Subject"
	}
}

func newKey(tb testing.TB) *ecdsa.PrivateKey {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(tb, err)
	return key
}

func serial(tb testing.TB) *big.Int {
	tb.Helper()
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(tb, err)
	return n.Add(n, big.NewInt(1))
}

func template(tb testing.TB, opts CertOptions) *x509.Certificate {
	opts.defaults()
	tmpl := &x509.Certificate{
		SerialNumber:          serial(tb),
		Subject:               pkix.Name{CommonName: opts.CommonName, Organization: []string{"ICP-Brasil"}, Country: []string{"BR"}},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           opts.ExtKeyUsage,
		BasicConstraintsValid: true,
		CRLDistributionPoints: opts.CRLDistributionPoints,
		OCSPServer:            opts.OCSPServer,
	}
	if opts.IsCA {
		tmpl.IsCA = true
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	}
	return tmpl
}

// NewRoot creates a self-signed certificate authority.
func NewRoot(tb testing.TB, cn string) *Identity {
	tb.Helper()
	key := newKey(tb)
	tmpl := template(tb, CertOptions{
		CommonName: cn,
		IsCA:       true,
		NotBefore:  time.Now().Add(-10 * 365 * 24 * time.Hour),
		NotAfter:   time.Now().Add(10 * 365 * 24 * time.Hour),
	})
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(tb, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(tb, err)
	return &Identity{Cert: cert, Key: key}
}

// Issue signs a new certificate with id.
func (id *Identity) Issue(tb testing.TB, opts CertOptions) *Identity {
	tb.Helper()
	key := newKey(tb)
	der, err := x509.CreateCertificate(rand.Reader, template(tb, opts), id.Cert, key.Public(), id.Key)
	require.NoError(tb, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(tb, err)
	return &Identity{Cert: cert, Key: key}
}

// CRL issues a revocation list listing revoked.
func (id *Identity) CRL(tb testing.TB, number int64, thisUpdate, nextUpdate time.Time, revoked ...*x509.Certificate) []byte {
	tb.Helper()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(number),
		ThisUpdate: thisUpdate,
		NextUpdate: nextUpdate,
	}
	for _, c := range revoked {
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   c.SerialNumber,
			RevocationTime: thisUpdate.Add(-time.Minute),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, id.Cert, id.Key)
	require.NoError(tb, err)
	return der
}
