package cmstest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/cms"
)

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    attributes.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional"`
	SignatureAlgorithm attributes.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional"`
}

type encapsulatedContent struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []attributes.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContent
	Certificates     asn1.RawValue   `asn1:"optional"`
	CRLs             asn1.RawValue   `asn1:"optional"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

func mustMarshal(tb testing.TB, v interface{}) []byte {
	tb.Helper()
	der, err := asn1.Marshal(v)
	require.NoError(tb, err)
	return der
}

// Attribute encodes a CMS attribute from DER values.
func Attribute(tb testing.TB, oid asn1.ObjectIdentifier, values ...[]byte) []byte {
	tb.Helper()
	a := attribute{Type: oid}
	for _, v := range values {
		a.Values = append(a.Values, asn1.RawValue{FullBytes: v})
	}
	return mustMarshal(tb, a)
}

func generalNames(tb testing.TB, cert *x509.Certificate) []byte {
	return mustMarshal(tb, []asn1.RawValue{{
		Class:      asn1.ClassContextSpecific,
		Tag:        4,
		IsCompound: true,
		Bytes:      cert.RawIssuer,
	}})
}

// SigningCertificateV2 encodes the signing-certificate-v2 value for cert.
func SigningCertificateV2(tb testing.TB, cert *x509.Certificate) []byte {
	sum := sha256.Sum256(cert.Raw)
	return mustMarshal(tb, attributes.SigningCertificateV2{
		Certs: []attributes.ESSCertIDv2{{
			CertHash: sum[:],
			IssuerSerial: attributes.IssuerSerial{
				Issuer:       asn1.RawValue{FullBytes: generalNames(tb, cert)},
				SerialNumber: cert.SerialNumber,
			},
		}},
	})
}

// SigningCertificate encodes the legacy SHA-1 signing-certificate value.
func SigningCertificate(tb testing.TB, cert *x509.Certificate) []byte {
	sum := sha1.Sum(cert.Raw)
	return mustMarshal(tb, attributes.SigningCertificate{
		Certs: []attributes.ESSCertID{{
			CertHash: sum[:],
			IssuerSerial: attributes.IssuerSerial{
				Issuer:       asn1.RawValue{FullBytes: generalNames(tb, cert)},
				SerialNumber: cert.SerialNumber,
			},
		}},
	})
}

// SignaturePolicy encodes an explicit sig-policy-id value.
func SignaturePolicy(tb testing.TB, oid asn1.ObjectIdentifier, digest []byte) []byte {
	if digest == nil {
		digest = make([]byte, sha256.Size)
	}
	return mustMarshal(tb, attributes.SignaturePolicyID{
		SigPolicyID: oid,
		SigPolicyHash: attributes.OtherHashAlgAndValue{
			HashAlgorithm: attributes.AlgorithmIdentifier{Algorithm: attributes.OIDSHA256},
			HashValue:     digest,
		},
	})
}

// CertificateRefs encodes complete-certificate-references with SHA-256
// digests.
func CertificateRefs(tb testing.TB, certs ...*x509.Certificate) []byte {
	ids := make([]attributes.OtherCertID, 0, len(certs))
	for _, c := range certs {
		sum := sha256.Sum256(c.Raw)
		hv := mustMarshal(tb, attributes.OtherHashAlgAndValue{
			HashAlgorithm: attributes.AlgorithmIdentifier{Algorithm: attributes.OIDSHA256},
			HashValue:     sum[:],
		})
		ids = append(ids, attributes.OtherCertID{OtherCertHash: asn1.RawValue{FullBytes: hv}})
	}
	return mustMarshal(tb, ids)
}

type crlValidatedID struct {
	CRLHash attributes.OtherHashAlgAndValue
}

type crlListID struct {
	CRLs []crlValidatedID
}

type crlOcspRef struct {
	CRLIDs crlListID `asn1:"optional,explicit,tag:0"`
}

// RevocationRefs encodes complete-revocation-references, one CrlOcspRef per
// CRL.
func RevocationRefs(tb testing.TB, crls ...[]byte) []byte {
	refs := make([]crlOcspRef, 0, len(crls))
	for _, crl := range crls {
		sum := sha256.Sum256(crl)
		refs = append(refs, crlOcspRef{CRLIDs: crlListID{CRLs: []crlValidatedID{{
			CRLHash: attributes.OtherHashAlgAndValue{
				HashAlgorithm: attributes.AlgorithmIdentifier{Algorithm: attributes.OIDSHA256},
				HashValue:     sum[:],
			},
		}}}})
	}
	return mustMarshal(tb, refs)
}

// CertificateValues encodes certificate-values.
func CertificateValues(tb testing.TB, certs ...*x509.Certificate) []byte {
	raw := make([]asn1.RawValue, 0, len(certs))
	for _, c := range certs {
		raw = append(raw, asn1.RawValue{FullBytes: c.Raw})
	}
	return mustMarshal(tb, raw)
}

// RevocationValues encodes revocation-values holding crls.
func RevocationValues(tb testing.TB, crls ...[]byte) []byte {
	rv := attributes.RevocationValues{}
	for _, crl := range crls {
		rv.CRLVals = append(rv.CRLVals, asn1.RawValue{FullBytes: crl})
	}
	return mustMarshal(tb, rv)
}

func signatureAlgorithm(key crypto.Signer) x509.SignatureAlgorithm {
	if _, ok := key.Public().(*ecdsa.PublicKey); ok {
		return x509.ECDSAWithSHA256
	}
	return x509.SHA256WithRSA
}

// signAttributes encodes signed attributes as a DER SET and signs it. The
// returned set carries the universal SET tag.
func signAttributes(tb testing.TB, id *Identity, attrs [][]byte) (set, sig []byte) {
	tb.Helper()
	raw := make([]asn1.RawValue, 0, len(attrs))
	for _, a := range attrs {
		raw = append(raw, asn1.RawValue{FullBytes: a})
	}
	set, err := asn1.MarshalWithParams(raw, "set")
	require.NoError(tb, err)
	digest := sha256.Sum256(set)
	sig, err = id.Key.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(tb, err)
	return set, sig
}

// encodeSignerInfo assembles a SignerInfo. Unsigned attributes are written in
// the given order.
func encodeSignerInfo(tb testing.TB, id *Identity, ski bool, set, sig []byte, unsigned [][]byte) []byte {
	tb.Helper()
	sigOID, err := cms.SignatureAlgorithmOID(signatureAlgorithm(id.Key))
	require.NoError(tb, err)

	si := signerInfo{
		Version:            1,
		DigestAlgorithm:    attributes.AlgorithmIdentifier{Algorithm: attributes.OIDSHA256},
		SignatureAlgorithm: attributes.AlgorithmIdentifier{Algorithm: sigOID},
		Signature:          sig,
	}
	if ski {
		si.Version = 3
		si.SID = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: id.Cert.SubjectKeyId}
	} else {
		si.SID = asn1.RawValue{FullBytes: mustMarshal(tb, cms.IssuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: id.Cert.RawIssuer},
			SerialNumber: id.Cert.SerialNumber,
		})}
	}
	if len(set) > 0 {
		tagged := append([]byte(nil), set...)
		tagged[0] = 0xA0
		si.SignedAttrs = asn1.RawValue{FullBytes: tagged}
	}
	if len(unsigned) > 0 {
		var body []byte
		for _, a := range unsigned {
			body = append(body, a...)
		}
		si.UnsignedAttrs = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: body}
	}
	return mustMarshal(tb, si)
}

// encodeSignedData wraps signer infos in a ContentInfo. A nil content yields
// a detached signature.
func encodeSignedData(tb testing.TB, contentType asn1.ObjectIdentifier, content []byte, certs []*x509.Certificate, crls [][]byte, infos ...[]byte) []byte {
	tb.Helper()
	sd := signedData{
		Version:          1,
		DigestAlgorithms: []attributes.AlgorithmIdentifier{{Algorithm: attributes.OIDSHA256}},
		EncapContentInfo: encapsulatedContent{EContentType: contentType},
	}
	if content != nil {
		sd.EncapContentInfo.EContent = asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      mustMarshal(tb, content),
		}
	}
	if len(certs) > 0 {
		var body []byte
		for _, c := range certs {
			body = append(body, c.Raw...)
		}
		sd.Certificates = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: body}
	}
	if len(crls) > 0 {
		var body []byte
		for _, c := range crls {
			body = append(body, c...)
		}
		sd.CRLs = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: body}
	}
	for _, si := range infos {
		sd.SignerInfos = append(sd.SignerInfos, asn1.RawValue{FullBytes: si})
	}
	return mustMarshal(tb, contentInfo{
		ContentType: attributes.OIDSignedData,
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      mustMarshal(tb, sd),
		},
	})
}

func signingTime(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(time.Second)
}
