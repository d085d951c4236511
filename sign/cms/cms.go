// Package cms parses CMS SignedData (RFC 5652) carrying CAdES attributes into
// the format-neutral message model and verifies signer integrity.
package cms

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
)

// OIDs for CMS and signature algorithms
var (
	OIDData       = attributes.OIDData
	OIDSignedData = attributes.OIDSignedData
	OIDTSTInfo    = attributes.OIDTSTInfo

	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDRSAPSS          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDECPublicKey     = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// Common errors
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrMissingCertificate   = errors.New("missing certificate")
	ErrMissingDigest        = errors.New("message digest attribute not found")
	ErrNoContent            = errors.New("no signed content available")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier = attributes.AlgorithmIdentifier

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// EncapsulatedContentInfo represents encapsulated content.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignedData keeps the certificate and CRL sets and the signer infos raw so
// that time-stamp coverage can be recomputed over the exact encoding.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     asn1.RawValue   `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue   `asn1:"optional,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// SignerInfo holds every field of a SignerInfo as it was encoded.
type SignerInfo struct {
	Version            asn1.RawValue
	SID                asn1.RawValue
	DigestAlgorithm    asn1.RawValue
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm asn1.RawValue
	Signature          asn1.RawValue
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// Parse decodes a DER ContentInfo wrapping SignedData. Trailing bytes (such
// as the zero padding of a PDF signature dictionary) are ignored.
func Parse(der []byte) (*message.Message, error) {
	var ci ContentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, message.NewParseError("content info", err)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, message.NewParseError("content info",
			fmt.Errorf("expected SignedData, got %v", ci.ContentType))
	}

	var sd SignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, message.NewParseError("signed data", err)
	}

	msg := &message.Message{
		Encoding:    attributes.EncodingCMS,
		ContentType: sd.EncapContentInfo.EContentType,
	}
	if len(sd.EncapContentInfo.EContent.Bytes) > 0 {
		var content []byte
		if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &content); err != nil {
			return nil, message.NewParseError("encapsulated content", err)
		}
		msg.Content = content
	}

	certs, err := parseCertificateSet(sd.Certificates.Bytes)
	if err != nil {
		return nil, message.NewParseError("certificates", err)
	}
	msg.Certificates = certs

	crls, err := parseCRLSet(sd.CRLs.Bytes)
	if err != nil {
		return nil, message.NewParseError("crls", err)
	}
	msg.CRLs = crls

	if len(sd.SignerInfos) == 0 {
		return nil, message.NewParseError("signer infos", errors.New("no signer infos"))
	}

	for _, raw := range sd.SignerInfos {
		s, err := parseSigner(raw.FullBytes, msg, &sd, nil)
		if err != nil {
			msg.SignerErrors = append(msg.SignerErrors, err)
			continue
		}
		msg.Signers = append(msg.Signers, s)
	}
	if len(msg.Signers) == 0 {
		return nil, msg.SignerErrors[0]
	}
	return msg, nil
}

func parseCertificateSet(b []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for rest := b; len(rest) > 0; {
		var rv asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &rv); err != nil {
			return nil, err
		}
		// other CertificateChoices (attribute certificates) are tagged
		if rv.Class != asn1.ClassUniversal || rv.Tag != asn1.TagSequence {
			continue
		}
		c, err := x509.ParseCertificate(rv.FullBytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	return certs, nil
}

func parseCRLSet(b []byte) ([]*x509.RevocationList, error) {
	var crls []*x509.RevocationList
	for rest := b; len(rest) > 0; {
		var rv asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &rv); err != nil {
			return nil, err
		}
		if rv.Class != asn1.ClassUniversal || rv.Tag != asn1.TagSequence {
			continue
		}
		crl, err := x509.ParseRevocationList(rv.FullBytes)
		if err != nil {
			return nil, err
		}
		crls = append(crls, crl)
	}
	return crls, nil
}

// parseSigner decodes one SignerInfo. parentSignature is non-nil for
// counter-signatures.
func parseSigner(der []byte, msg *message.Message, sd *SignedData, parentSignature []byte) (*message.Signer, error) {
	var si SignerInfo
	if _, err := asn1.Unmarshal(der, &si); err != nil {
		return nil, message.NewParseError("signer info", err)
	}

	sel, err := parseSID(si.SID)
	if err != nil {
		return nil, message.NewParseError("signer identifier", err)
	}

	var digestAlg, sigAlg AlgorithmIdentifier
	if _, err := asn1.Unmarshal(si.DigestAlgorithm.FullBytes, &digestAlg); err != nil {
		return nil, message.NewParseError("digest algorithm", err)
	}
	if _, err := asn1.Unmarshal(si.SignatureAlgorithm.FullBytes, &sigAlg); err != nil {
		return nil, message.NewParseError("signature algorithm", err)
	}
	hash, err := attributes.HashForOID(digestAlg.Algorithm)
	if err != nil {
		return nil, message.NewParseError("digest algorithm", err)
	}
	x509Alg, err := signatureAlgorithm(hash, sigAlg.Algorithm)
	if err != nil {
		return nil, message.NewParseError("signature algorithm", err)
	}

	var sig []byte
	if _, err := asn1.Unmarshal(si.Signature.FullBytes, &sig); err != nil {
		return nil, message.NewParseError("signature value", err)
	}

	s := &message.Signer{
		Selector:           sel,
		DigestAlgorithm:    hash,
		SignatureAlgorithm: x509Alg,
		Signature:          sig,
		Message:            msg,
	}

	if len(si.SignedAttrs.FullBytes) > 0 {
		if s.Signed, err = parseAttributes(si.SignedAttrs.Bytes, true); err != nil {
			return nil, message.NewParseError("signed attributes", err)
		}
	}
	if len(si.UnsignedAttrs.FullBytes) > 0 {
		if s.Unsigned, err = parseAttributes(si.UnsignedAttrs.Bytes, false); err != nil {
			return nil, message.NewParseError("unsigned attributes", err)
		}
	}

	s.Backend = &backend{
		signer:          s,
		sd:              sd,
		si:              si,
		parentSignature: parentSignature,
	}

	counterID := attributes.OIDCountersignature.String()
	for _, a := range s.Unsigned {
		if a.ID != counterID {
			continue
		}
		for _, v := range a.Values {
			cs, err := parseSigner(v, msg, sd, sig)
			if err != nil {
				s.CounterErrors = append(s.CounterErrors, err)
				continue
			}
			s.Counters = append(s.Counters, cs)
		}
	}
	return s, nil
}

func parseSID(sid asn1.RawValue) (message.Selector, error) {
	if sid.Class == asn1.ClassContextSpecific && sid.Tag == 0 {
		return message.Selector{SubjectKeyID: sid.Bytes}, nil
	}
	var ias IssuerAndSerialNumber
	if _, err := asn1.Unmarshal(sid.FullBytes, &ias); err != nil {
		return message.Selector{}, err
	}
	return message.Selector{Issuer: ias.Issuer.FullBytes, Serial: ias.SerialNumber}, nil
}

func parseAttributes(b []byte, signed bool) ([]*message.Attribute, error) {
	var out []*message.Attribute
	for rest := b; len(rest) > 0; {
		var raw asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &raw); err != nil {
			return nil, err
		}
		var attr Attribute
		if _, err := asn1.Unmarshal(raw.FullBytes, &attr); err != nil {
			return nil, err
		}
		a := &message.Attribute{
			ID:     attr.Type.String(),
			Signed: signed,
			Raw:    raw.FullBytes,
		}
		for _, v := range attr.Values {
			a.Values = append(a.Values, v.FullBytes)
		}
		out = append(out, a)
	}
	return out, nil
}

// signatureAlgorithm resolves the x509 algorithm from the digest and the
// signatureAlgorithm field, which may name only the key type.
func signatureAlgorithm(h crypto.Hash, oid asn1.ObjectIdentifier) (x509.SignatureAlgorithm, error) {
	switch {
	case oid.Equal(OIDSHA1WithRSA):
		return x509.SHA1WithRSA, nil
	case oid.Equal(OIDSHA256WithRSA):
		return x509.SHA256WithRSA, nil
	case oid.Equal(OIDSHA384WithRSA):
		return x509.SHA384WithRSA, nil
	case oid.Equal(OIDSHA512WithRSA):
		return x509.SHA512WithRSA, nil
	case oid.Equal(OIDECDSAWithSHA256):
		return x509.ECDSAWithSHA256, nil
	case oid.Equal(OIDECDSAWithSHA384):
		return x509.ECDSAWithSHA384, nil
	case oid.Equal(OIDECDSAWithSHA512):
		return x509.ECDSAWithSHA512, nil
	case oid.Equal(OIDRSAEncryption):
		switch h {
		case crypto.SHA1:
			return x509.SHA1WithRSA, nil
		case crypto.SHA256:
			return x509.SHA256WithRSA, nil
		case crypto.SHA384:
			return x509.SHA384WithRSA, nil
		case crypto.SHA512:
			return x509.SHA512WithRSA, nil
		}
	case oid.Equal(OIDRSAPSS):
		switch h {
		case crypto.SHA256:
			return x509.SHA256WithRSAPSS, nil
		case crypto.SHA384:
			return x509.SHA384WithRSAPSS, nil
		case crypto.SHA512:
			return x509.SHA512WithRSAPSS, nil
		}
	case oid.Equal(OIDECPublicKey):
		switch h {
		case crypto.SHA256:
			return x509.ECDSAWithSHA256, nil
		case crypto.SHA384:
			return x509.ECDSAWithSHA384, nil
		case crypto.SHA512:
			return x509.ECDSAWithSHA512, nil
		}
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %v with %v", ErrUnsupportedAlgorithm, oid, h)
}

// SignatureAlgorithmOID returns the signatureAlgorithm OID written for alg.
func SignatureAlgorithmOID(alg x509.SignatureAlgorithm) (asn1.ObjectIdentifier, error) {
	switch alg {
	case x509.SHA256WithRSA:
		return OIDSHA256WithRSA, nil
	case x509.SHA384WithRSA:
		return OIDSHA384WithRSA, nil
	case x509.SHA512WithRSA:
		return OIDSHA512WithRSA, nil
	case x509.ECDSAWithSHA256:
		return OIDECDSAWithSHA256, nil
	case x509.ECDSAWithSHA384:
		return OIDECDSAWithSHA384, nil
	case x509.ECDSAWithSHA512:
		return OIDECDSAWithSHA512, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, alg)
}

// Digest hashes data with h.
func Digest(h crypto.Hash, data []byte) ([]byte, error) {
	if !h.Available() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, h)
	}
	d := h.New()
	d.Write(data)
	return d.Sum(nil), nil
}
