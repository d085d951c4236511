package certvalidator

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CertificateFingerprint returns the SHA-256 fingerprint of a certificate.
func CertificateFingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

// IssuedBy checks if a certificate was issued by a potential issuer.
// Names must match; key identifiers must match when both are present.
func IssuedBy(cert *x509.Certificate, issuer *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, issuer.RawSubject) {
		return false
	}
	if len(cert.AuthorityKeyId) > 0 && len(issuer.SubjectKeyId) > 0 {
		return bytes.Equal(cert.AuthorityKeyId, issuer.SubjectKeyId)
	}
	return true
}

// IsSelfIssued checks if the issuer and subject names are the same.
func IsSelfIssued(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer)
}

// HasExtKeyUsage reports whether cert declares usage. A certificate with no
// extended key usage extension, or with anyExtendedKeyUsage, does not qualify.
func HasExtKeyUsage(cert *x509.Certificate, usage x509.ExtKeyUsage) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == usage {
			return true
		}
	}
	return false
}

// HasUnknownExtKeyUsage is HasExtKeyUsage for usages the x509 package does
// not enumerate.
func HasUnknownExtKeyUsage(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, u := range cert.UnknownExtKeyUsage {
		if u.Equal(oid) {
			return true
		}
	}
	return false
}

// DisplayName renders the subject of cert in NFC with collapsed whitespace.
// Brazilian names often arrive decomposed from some issuers.
func DisplayName(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	s := norm.NFC.String(cert.Subject.String())
	return strings.Join(strings.Fields(s), " ")
}
