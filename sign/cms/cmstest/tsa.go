package cmstest

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/timestamps"
)

// TSA issues RFC 3161 time-stamp tokens.
type TSA struct {
	*Identity
	// Chain is embedded in every token after the TSA certificate.
	Chain  []*x509.Certificate
	Policy asn1.ObjectIdentifier

	serial atomic.Int64
}

// NewTSA issues a time-stamping certificate from issuer. The certificate
// carries the timeStamping extended key usage unless opts sets its own.
func NewTSA(tb testing.TB, issuer *Identity, opts CertOptions) *TSA {
	tb.Helper()
	if opts.CommonName == "" {
		opts.CommonName = "Test TSA"
	}
	if opts.ExtKeyUsage == nil {
		opts.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping}
	}
	return &TSA{
		Identity: issuer.Issue(tb, opts),
		Chain:    []*x509.Certificate{issuer.Cert},
		Policy:   asn1.ObjectIdentifier{1, 2, 3, 4, 1},
	}
}

// Token returns a time-stamp token over data generated at genTime.
func (t *TSA) Token(tb testing.TB, data []byte, genTime time.Time) []byte {
	tb.Helper()
	sum := sha256.Sum256(data)
	info := mustMarshal(tb, timestamps.TSTInfo{
		Version: 1,
		Policy:  t.Policy,
		MessageImprint: timestamps.MessageImprint{
			HashAlgorithm: attributes.AlgorithmIdentifier{Algorithm: attributes.OIDSHA256},
			HashedMessage: sum[:],
		},
		SerialNumber: big.NewInt(t.serial.Add(1)),
		GenTime:      signingTime(genTime),
	})

	infoSum := sha256.Sum256(info)
	set, sig := signAttributes(tb, t.Identity, [][]byte{
		Attribute(tb, attributes.OIDContentType, mustMarshal(tb, attributes.OIDTSTInfo)),
		Attribute(tb, attributes.OIDMessageDigest, mustMarshal(tb, infoSum[:])),
		Attribute(tb, attributes.OIDSigningCertificateV2, SigningCertificateV2(tb, t.Cert)),
	})
	si := encodeSignerInfo(tb, t.Identity, false, set, sig, nil)
	certs := append([]*x509.Certificate{t.Cert}, t.Chain...)
	return encodeSignedData(tb, attributes.OIDTSTInfo, info, certs, nil, si)
}
