// Package attributes holds the catalog of signature attributes used by
// ICP-Brasil signature policies and the ASN.1 bodies of the CAdES ones.
package attributes

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// Common errors
var (
	ErrInvalidAttribute     = errors.New("invalid attribute")
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
	ErrImpliedPolicy        = errors.New("signature policy is implied")
)

// OID definitions for CMS attributes
var (
	OIDContentType      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDCountersignature = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 6}

	OIDSigningCertificate   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OIDSigPolicyID          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 15}
	OIDCommitmentType       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 16}
	OIDSignerLocation       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 17}

	OIDContentTimeStamp     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 20}
	OIDSignatureTimeStamp   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
	OIDEscTimeStamp         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 25}
	OIDArchiveTimeStamp     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 27}
	OIDArchiveTimeStampV2   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 48}
	OIDCompleteCertRefs     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 21}
	OIDCompleteRevocRefs    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 22}
	OIDCertValues           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 23}
	OIDRevocationValues     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 24}
	OIDTSTInfo              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
	OIDData                 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDSHA1                 = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256               = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384               = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512               = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// AlgorithmIdentifier represents a cryptographic algorithm.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// IssuerSerial represents issuer and serial number (RFC 5035).
type IssuerSerial struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// ESSCertID is the SHA-1 certificate identifier of signing-certificate (RFC 2634).
type ESSCertID struct {
	CertHash     []byte
	IssuerSerial IssuerSerial `asn1:"optional"`
}

// SigningCertificate is the legacy signing-certificate attribute.
type SigningCertificate struct {
	Certs    []ESSCertID
	Policies []PolicyInformation `asn1:"optional"`
}

// ESSCertIDv2 represents a certificate identifier (RFC 5035).
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// SigningCertificateV2 represents the signing-certificate-v2 attribute.
type SigningCertificateV2 struct {
	Certs    []ESSCertIDv2
	Policies []PolicyInformation `asn1:"optional"`
}

// PolicyInformation represents a certificate policy.
type PolicyInformation struct {
	PolicyIdentifier asn1.ObjectIdentifier
	PolicyQualifiers []asn1.RawValue `asn1:"optional"`
}

// OtherHashAlgAndValue carries a digest and the algorithm that produced it.
type OtherHashAlgAndValue struct {
	HashAlgorithm AlgorithmIdentifier
	HashValue     []byte
}

// SignaturePolicyID is the explicit form of sig-policy-id.
type SignaturePolicyID struct {
	SigPolicyID         asn1.ObjectIdentifier
	SigPolicyHash       OtherHashAlgAndValue
	SigPolicyQualifiers []asn1.RawValue `asn1:"optional"`
}

// OtherCertID references a certificate in complete-certificate-references.
// OtherCertHash is either a bare SHA-1 OCTET STRING or an OtherHashAlgAndValue.
type OtherCertID struct {
	OtherCertHash asn1.RawValue
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// RevocationValues carries the revocation-values attribute body.
type RevocationValues struct {
	CRLVals      []asn1.RawValue `asn1:"optional,explicit,tag:0"`
	OCSPVals     []asn1.RawValue `asn1:"optional,explicit,tag:1"`
	OtherRevVals asn1.RawValue   `asn1:"optional,explicit,tag:2"`
}

// CertRef is a decoded OtherCertID.
type CertRef struct {
	Hash   crypto.Hash
	Digest []byte
	Serial *big.Int
}

// Matches reports whether cert is the certificate the reference points to.
func (r CertRef) Matches(cert *x509.Certificate) bool {
	if cert == nil || !r.Hash.Available() {
		return false
	}
	h := r.Hash.New()
	h.Write(cert.Raw)
	return string(h.Sum(nil)) == string(r.Digest)
}

// HashForOID maps a digest algorithm OID to a crypto.Hash.
func HashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA1):
		return crypto.SHA1, nil
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, oid)
	}
}

// OIDForHash is the inverse of HashForOID.
func OIDForHash(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA1:
		return OIDSHA1, nil
	case crypto.SHA256:
		return OIDSHA256, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	case crypto.SHA512:
		return OIDSHA512, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, h)
	}
}

// DigestAlgorithmOID returns the OID for a digest algorithm name.
func DigestAlgorithmOID(algo string) asn1.ObjectIdentifier {
	switch algo {
	case "sha1", "SHA1":
		return OIDSHA1
	case "sha384", "SHA384":
		return OIDSHA384
	case "sha512", "SHA512":
		return OIDSHA512
	default:
		return OIDSHA256
	}
}

func unmarshalExact(der []byte, v interface{}) error {
	rest, err := asn1.Unmarshal(der, v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAttribute, err)
	}
	if len(rest) > 0 {
		return fmt.Errorf("%w: trailing data", ErrInvalidAttribute)
	}
	return nil
}

// DecodeSigningCertificate decodes a signing-certificate value.
func DecodeSigningCertificate(der []byte) (*SigningCertificate, error) {
	var sc SigningCertificate
	if err := unmarshalExact(der, &sc); err != nil {
		return nil, err
	}
	if len(sc.Certs) == 0 {
		return nil, fmt.Errorf("%w: no certificate identifiers", ErrInvalidAttribute)
	}
	return &sc, nil
}

// DecodeSigningCertificateV2 decodes a signing-certificate-v2 value.
func DecodeSigningCertificateV2(der []byte) (*SigningCertificateV2, error) {
	var sc SigningCertificateV2
	if err := unmarshalExact(der, &sc); err != nil {
		return nil, err
	}
	if len(sc.Certs) == 0 {
		return nil, fmt.Errorf("%w: no certificate identifiers", ErrInvalidAttribute)
	}
	return &sc, nil
}

// Hash returns the digest algorithm of the identifier, SHA-256 when absent.
func (id ESSCertIDv2) Hash() (crypto.Hash, error) {
	if len(id.HashAlgorithm.Algorithm) == 0 {
		return crypto.SHA256, nil
	}
	return HashForOID(id.HashAlgorithm.Algorithm)
}

// DecodeSignaturePolicy decodes a sig-policy-id value. An implied policy
// yields ErrImpliedPolicy.
func DecodeSignaturePolicy(der []byte) (*SignaturePolicyID, error) {
	var rv asn1.RawValue
	if _, err := asn1.Unmarshal(der, &rv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttribute, err)
	}
	if rv.Class == asn1.ClassUniversal && rv.Tag == asn1.TagNull {
		return nil, ErrImpliedPolicy
	}
	var sp SignaturePolicyID
	if err := unmarshalExact(der, &sp); err != nil {
		return nil, err
	}
	return &sp, nil
}

// DecodeCertificateRefs decodes complete-certificate-references.
func DecodeCertificateRefs(der []byte) ([]CertRef, error) {
	var ids []OtherCertID
	if err := unmarshalExact(der, &ids); err != nil {
		return nil, err
	}
	refs := make([]CertRef, 0, len(ids))
	for _, id := range ids {
		ref := CertRef{Serial: id.IssuerSerial.SerialNumber}
		if id.OtherCertHash.Class == asn1.ClassUniversal && id.OtherCertHash.Tag == asn1.TagOctetString {
			ref.Hash = crypto.SHA1
			ref.Digest = id.OtherCertHash.Bytes
		} else {
			var hv OtherHashAlgAndValue
			if err := unmarshalExact(id.OtherCertHash.FullBytes, &hv); err != nil {
				return nil, err
			}
			h, err := HashForOID(hv.HashAlgorithm.Algorithm)
			if err != nil {
				return nil, err
			}
			ref.Hash = h
			ref.Digest = hv.HashValue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// DecodeRevocationRefs decodes complete-revocation-references and returns
// the number of CrlOcspRef entries.
func DecodeRevocationRefs(der []byte) (int, error) {
	var refs []asn1.RawValue
	if err := unmarshalExact(der, &refs); err != nil {
		return 0, err
	}
	return len(refs), nil
}

// DecodeCertificateValues decodes certificate-values.
func DecodeCertificateValues(der []byte) ([]*x509.Certificate, error) {
	var raw []asn1.RawValue
	if err := unmarshalExact(der, &raw); err != nil {
		return nil, err
	}
	certs := make([]*x509.Certificate, 0, len(raw))
	for _, r := range raw {
		c, err := x509.ParseCertificate(r.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAttribute, err)
		}
		certs = append(certs, c)
	}
	return certs, nil
}

// DecodeRevocationValues decodes revocation-values. Every CRL must parse.
func DecodeRevocationValues(der []byte) (*RevocationValues, []*x509.RevocationList, error) {
	var rv RevocationValues
	if err := unmarshalExact(der, &rv); err != nil {
		return nil, nil, err
	}
	crls := make([]*x509.RevocationList, 0, len(rv.CRLVals))
	for _, r := range rv.CRLVals {
		crl, err := x509.ParseRevocationList(r.FullBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAttribute, err)
		}
		crls = append(crls, crl)
	}
	return &rv, crls, nil
}
