package certvalidator

import (
	"crypto/x509"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNoPath             = errors.New("no certification path to a trust anchor")
	ErrNotCA              = errors.New("issuer is not a certificate authority")
	ErrBadSignature       = errors.New("certificate signature does not verify against issuer")
	ErrNotYetValid        = errors.New("certificate is not yet valid")
	ErrExpired            = errors.New("certificate has expired")
	ErrRevoked            = errors.New("certificate is revoked")
	ErrRevocationUnknown  = errors.New("revocation status could not be determined")
	ErrExtKeyUsageMissing = errors.New("certificate lacks a required extended key usage")
)

// PathError describes the first failing link of a certification path.
type PathError struct {
	Subject *x509.Certificate
	// Issuer is nil when no issuer could be found.
	Issuer *x509.Certificate
	Result Result
	Err    error
}

func (e *PathError) Error() string {
	subject := "<nil>"
	if e.Subject != nil {
		subject = e.Subject.Subject.String()
	}
	if e.Issuer == nil {
		return fmt.Sprintf("%s: %s: %v", e.Result, subject, e.Err)
	}
	return fmt.Sprintf("%s: %s issued by %s: %v", e.Result, subject, e.Issuer.Subject.String(), e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }
