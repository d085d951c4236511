// Package revinfo models revocation evidence and keeps a disk-backed cache of
// certificate revocation lists.
package revinfo

import (
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/ocsp"
)

// Common errors
var (
	ErrCRLExpired       = errors.New("CRL has expired")
	ErrCRLNotYetValid   = errors.New("CRL is not yet valid")
	ErrOCSPExpired      = errors.New("OCSP response has expired")
	ErrOCSPNotYetValid  = errors.New("OCSP response is not yet valid")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNoRevocationInfo = errors.New("no revocation information available")
)

// RevocationReason represents the reason for certificate revocation.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

// String returns the string representation of a revocation reason.
func (r RevocationReason) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "cACompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aACompromise"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// RevocationStatus represents the revocation status of a certificate.
type RevocationStatus int

const (
	StatusUnknown RevocationStatus = iota
	StatusGood
	StatusRevoked
)

// String returns the string representation of a revocation status.
func (s RevocationStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Provenance tells where a record came from.
type Provenance int

const (
	ProvenanceNetwork Provenance = iota
	ProvenanceCache
	// ProvenanceEmbedded marks CRLs carried inside the signed message.
	ProvenanceEmbedded
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceCache:
		return "cache"
	case ProvenanceEmbedded:
		return "embedded"
	default:
		return "network"
	}
}

// RevocationInfo is the revocation status of one certificate.
type RevocationInfo struct {
	Status RevocationStatus
	// RevocationTime is set when Status is StatusRevoked.
	RevocationTime *time.Time
	Reason         RevocationReason
	// Source is "CRL" or "OCSP".
	Source     string
	ThisUpdate time.Time
	NextUpdate *time.Time
}

// Record is a revocation list with its validity window and provenance.
type Record struct {
	Issuer     []byte
	Number     *big.Int
	ThisUpdate time.Time
	// NextUpdate is zero when the list names no next update.
	NextUpdate time.Time
	CRL        *x509.RevocationList
	Raw        []byte
	Provenance Provenance
	URL        string
}

// NewRecord parses a DER revocation list.
func NewRecord(raw []byte, provenance Provenance, url string) (*Record, error) {
	crl, err := x509.ParseRevocationList(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}
	return &Record{
		Issuer:     crl.RawIssuer,
		Number:     crl.Number,
		ThisUpdate: crl.ThisUpdate,
		NextUpdate: crl.NextUpdate,
		CRL:        crl,
		Raw:        raw,
		Provenance: provenance,
		URL:        url,
	}, nil
}

// RecordFromList wraps an already parsed list.
func RecordFromList(crl *x509.RevocationList, provenance Provenance) *Record {
	return &Record{
		Issuer:     crl.RawIssuer,
		Number:     crl.Number,
		ThisUpdate: crl.ThisUpdate,
		NextUpdate: crl.NextUpdate,
		CRL:        crl,
		Raw:        crl.Raw,
		Provenance: provenance,
	}
}

// Covers reports whether thisUpdate <= t < nextUpdate. A list without
// nextUpdate is open-ended.
func (r *Record) Covers(t time.Time) bool {
	if t.Before(r.ThisUpdate) {
		return false
	}
	return r.NextUpdate.IsZero() || t.Before(r.NextUpdate)
}

// Validate checks the window against at and the signature against issuer.
func (r *Record) Validate(at time.Time, issuer *x509.Certificate) error {
	if at.Before(r.ThisUpdate) {
		return ErrCRLNotYetValid
	}
	if !r.Covers(at) {
		return ErrCRLExpired
	}
	if issuer != nil {
		if err := r.CRL.CheckSignatureFrom(issuer); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	}
	return nil
}

// Lookup returns the entry listing serial, if any.
func (r *Record) Lookup(serial *big.Int) (*x509.RevocationListEntry, bool) {
	for i := range r.CRL.RevokedCertificateEntries {
		e := &r.CRL.RevokedCertificateEntries[i]
		if e.SerialNumber.Cmp(serial) == 0 {
			return e, true
		}
	}
	return nil, false
}

// Status classifies cert against the list.
func (r *Record) Status(cert *x509.Certificate) *RevocationInfo {
	info := &RevocationInfo{
		Status:     StatusGood,
		Source:     "CRL",
		ThisUpdate: r.ThisUpdate,
	}
	if !r.NextUpdate.IsZero() {
		next := r.NextUpdate
		info.NextUpdate = &next
	}
	if e, ok := r.Lookup(cert.SerialNumber); ok {
		t := e.RevocationTime
		info.Status = StatusRevoked
		info.RevocationTime = &t
		info.Reason = RevocationReason(e.ReasonCode)
	}
	return info
}

// FromOCSP converts an OCSP response.
func FromOCSP(resp *ocsp.Response) *RevocationInfo {
	info := &RevocationInfo{
		Source:     "OCSP",
		ThisUpdate: resp.ThisUpdate,
	}
	if !resp.NextUpdate.IsZero() {
		next := resp.NextUpdate
		info.NextUpdate = &next
	}
	switch resp.Status {
	case ocsp.Good:
		info.Status = StatusGood
	case ocsp.Revoked:
		t := resp.RevokedAt
		info.Status = StatusRevoked
		info.RevocationTime = &t
		info.Reason = RevocationReason(resp.RevocationReason)
	default:
		info.Status = StatusUnknown
	}
	return info
}

// ValidateOCSP checks that resp is usable at the given time.
func ValidateOCSP(resp *ocsp.Response, at time.Time) error {
	if at.Before(resp.ThisUpdate) {
		return ErrOCSPNotYetValid
	}
	if !resp.NextUpdate.IsZero() && !at.Before(resp.NextUpdate) {
		return ErrOCSPExpired
	}
	return nil
}
