package cmstest

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/cms"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
)

// Options controls the signed attributes of a signature.
type Options struct {
	// Policy adds sig-policy-id when set.
	Policy       asn1.ObjectIdentifier
	PolicyDigest []byte

	SigningTime     time.Time
	OmitSigningTime bool

	LegacySigningCertificate bool
	OmitSigningCertificate   bool
	OmitContentType          bool

	// ContentTimestamp adds a signed content time-stamp.
	ContentTimestamp     *TSA
	ContentTimestampTime time.Time

	Detached     bool
	SubjectKeyID bool

	// Chain and CRLs are embedded in the SignedData.
	Chain []*x509.Certificate
	CRLs  [][]byte

	// Extra holds additional signed attributes.
	Extra [][]byte
}

// Builder assembles a CAdES signature. Unsigned attributes are kept in the
// order they are added.
type Builder struct {
	tb       testing.TB
	signer   *Identity
	content  []byte
	opts     Options
	set      []byte
	sig      []byte
	unsigned [][]byte
	certs    []*x509.Certificate
	siblings []asn1.ObjectIdentifier
}

// Sign creates a signature by signer over content.
func Sign(tb testing.TB, signer *Identity, content []byte, opts Options) *Builder {
	tb.Helper()
	var attrs [][]byte
	if !opts.OmitContentType {
		attrs = append(attrs, Attribute(tb, attributes.OIDContentType, mustMarshal(tb, attributes.OIDData)))
	}
	sum := sha256.Sum256(content)
	attrs = append(attrs, Attribute(tb, attributes.OIDMessageDigest, mustMarshal(tb, sum[:])))
	attrs = append(attrs, commonAttributes(tb, signer, opts)...)
	if opts.ContentTimestamp != nil {
		token := opts.ContentTimestamp.Token(tb, content, opts.ContentTimestampTime)
		attrs = append(attrs, Attribute(tb, attributes.OIDContentTimeStamp, token))
	}
	attrs = append(attrs, opts.Extra...)

	b := &Builder{tb: tb, signer: signer, content: content, opts: opts}
	b.set, b.sig = signAttributes(tb, signer, attrs)
	b.certs = append([]*x509.Certificate{signer.Cert}, opts.Chain...)
	return b
}

func commonAttributes(tb testing.TB, signer *Identity, opts Options) [][]byte {
	var attrs [][]byte
	switch {
	case opts.OmitSigningCertificate:
	case opts.LegacySigningCertificate:
		attrs = append(attrs, Attribute(tb, attributes.OIDSigningCertificate, SigningCertificate(tb, signer.Cert)))
	default:
		attrs = append(attrs, Attribute(tb, attributes.OIDSigningCertificateV2, SigningCertificateV2(tb, signer.Cert)))
	}
	if !opts.OmitSigningTime {
		attrs = append(attrs, Attribute(tb, attributes.OIDSigningTime, mustMarshal(tb, signingTime(opts.SigningTime))))
	}
	if opts.Policy != nil {
		attrs = append(attrs, Attribute(tb, attributes.OIDSigPolicyID, SignaturePolicy(tb, opts.Policy, opts.PolicyDigest)))
	}
	return attrs
}

// SignatureValue returns the signature value of the signer.
func (b *Builder) SignatureValue() []byte { return b.sig }

// Content returns the signed content.
func (b *Builder) Content() []byte { return b.content }

// AddUnsigned appends an encoded attribute to the unsigned attributes.
func (b *Builder) AddUnsigned(attr []byte) *Builder {
	b.unsigned = append(b.unsigned, attr)
	return b
}

// AddCertificates embeds extra certificates in the SignedData.
func (b *Builder) AddCertificates(certs ...*x509.Certificate) *Builder {
	b.certs = append(b.certs, certs...)
	return b
}

// AddSignatureTimestamp stamps the signature value.
func (b *Builder) AddSignatureTimestamp(tsa *TSA, genTime time.Time) *Builder {
	token := tsa.Token(b.tb, b.sig, genTime)
	return b.AddUnsigned(Attribute(b.tb, attributes.OIDSignatureTimeStamp, token))
}

// AddEscTimestamp stamps the signature, its time-stamps and the complete
// references added so far.
func (b *Builder) AddEscTimestamp(tsa *TSA, genTime time.Time) *Builder {
	data := b.stampedData(attributes.OIDEscTimeStamp)
	return b.AddUnsigned(Attribute(b.tb, attributes.OIDEscTimeStamp, tsa.Token(b.tb, data, genTime)))
}

// AddArchiveTimestamp adds an archive-time-stamp-v2 over the signature as it
// stands.
func (b *Builder) AddArchiveTimestamp(tsa *TSA, genTime time.Time) *Builder {
	data := b.stampedData(attributes.OIDArchiveTimeStampV2)
	return b.AddUnsigned(Attribute(b.tb, attributes.OIDArchiveTimeStampV2, tsa.Token(b.tb, data, genTime)))
}

func (b *Builder) stampedData(oid asn1.ObjectIdentifier) []byte {
	b.tb.Helper()
	msg, err := cms.Parse(b.Bytes())
	require.NoError(b.tb, err)
	data, err := msg.Signers[0].Backend.StampedData(&message.Attribute{ID: oid.String()}, b.content)
	require.NoError(b.tb, err)
	return data
}

// AddReferences adds complete-certificate-references and
// complete-revocation-references.
func (b *Builder) AddReferences(certs []*x509.Certificate, crls [][]byte) *Builder {
	b.AddUnsigned(Attribute(b.tb, attributes.OIDCompleteCertRefs, CertificateRefs(b.tb, certs...)))
	return b.AddUnsigned(Attribute(b.tb, attributes.OIDCompleteRevocRefs, RevocationRefs(b.tb, crls...)))
}

// AddValues adds certificate-values and revocation-values.
func (b *Builder) AddValues(certs []*x509.Certificate, crls [][]byte) *Builder {
	b.AddUnsigned(Attribute(b.tb, attributes.OIDCertValues, CertificateValues(b.tb, certs...)))
	return b.AddUnsigned(Attribute(b.tb, attributes.OIDRevocationValues, RevocationValues(b.tb, crls...)))
}

// Counter describes a counter-signature and the counter-signatures over it.
type Counter struct {
	Signer   *Identity
	Options  Options
	Counters []*Counter
}

// AddCounterSignature counter-signs the signature value.
func (b *Builder) AddCounterSignature(c *Counter) *Builder {
	si := b.counterSignerInfo(c, b.sig)
	return b.AddUnsigned(Attribute(b.tb, attributes.OIDCountersignature, si))
}

func (b *Builder) counterSignerInfo(c *Counter, parent []byte) []byte {
	sum := sha256.Sum256(parent)
	attrs := [][]byte{Attribute(b.tb, attributes.OIDMessageDigest, mustMarshal(b.tb, sum[:]))}
	attrs = append(attrs, commonAttributes(b.tb, c.Signer, c.Options)...)
	attrs = append(attrs, c.Options.Extra...)
	set, sig := signAttributes(b.tb, c.Signer, attrs)

	var unsigned [][]byte
	for _, nested := range c.Counters {
		unsigned = append(unsigned, Attribute(b.tb, attributes.OIDCountersignature, b.counterSignerInfo(nested, sig)))
	}
	b.certs = append(b.certs, c.Signer.Cert)
	b.certs = append(b.certs, c.Options.Chain...)
	return encodeSignerInfo(b.tb, c.Signer, c.Options.SubjectKeyID, set, sig, unsigned)
}

// Bytes encodes the signature.
func (b *Builder) Bytes() []byte {
	b.tb.Helper()
	si := encodeSignerInfo(b.tb, b.signer, b.opts.SubjectKeyID, b.set, b.sig, b.unsigned)
	infos := [][]byte{si}
	for _, oid := range b.siblings {
		infos = append(infos, withDigestAlgorithm(b.tb, si, oid))
	}
	var content []byte
	if !b.opts.Detached {
		content = b.content
		if content == nil {
			content = []byte{}
		}
	}
	return encodeSignedData(b.tb, attributes.OIDData, content, b.certs, b.opts.CRLs, infos...)
}

// AddSiblingSigner appends a second signer info copied from the primary one
// with its digest algorithm replaced by digestAlg.
func (b *Builder) AddSiblingSigner(digestAlg asn1.ObjectIdentifier) *Builder {
	b.siblings = append(b.siblings, digestAlg)
	return b
}

func withDigestAlgorithm(tb testing.TB, si []byte, digestAlg asn1.ObjectIdentifier) []byte {
	tb.Helper()
	var raw cms.SignerInfo
	_, err := asn1.Unmarshal(si, &raw)
	require.NoError(tb, err)
	raw.DigestAlgorithm = asn1.RawValue{FullBytes: mustMarshal(tb, attributes.AlgorithmIdentifier{Algorithm: digestAlg})}
	return mustMarshal(tb, raw)
}
