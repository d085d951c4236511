package certvalidator

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/kyriosdata/seguranca-sub004/certvalidator/fetchers"
	"github.com/kyriosdata/seguranca-sub004/certvalidator/revinfo"
	"github.com/kyriosdata/seguranca-sub004/log"
)

// RevocationChecker answers whether subject, issued by issuer, is revoked at
// the given time. An error means no usable evidence could be found.
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, subject, issuer *x509.Certificate, req RevocationRequirement, at time.Time) (*revinfo.RevocationInfo, error)
}

// RevocationSources checks revocation against CRLs carried in the message,
// the CRL cache and OCSP responders, in that order of preference for CRLs.
type RevocationSources struct {
	Cache    *revinfo.Cache
	OCSP     *fetchers.OCSPClient
	Embedded []*revinfo.Record
}

// NewRevocationSources creates a checker. Either source may be nil.
func NewRevocationSources(cache *revinfo.Cache, ocsp *fetchers.OCSPClient) *RevocationSources {
	return &RevocationSources{Cache: cache, OCSP: ocsp}
}

// WithEmbedded returns a copy that also consults crls.
func (s *RevocationSources) WithEmbedded(crls []*x509.RevocationList) *RevocationSources {
	out := *s
	out.Embedded = append([]*revinfo.Record(nil), s.Embedded...)
	for _, crl := range crls {
		out.Embedded = append(out.Embedded, revinfo.RecordFromList(crl, revinfo.ProvenanceEmbedded))
	}
	return &out
}

// CheckRevocation implements RevocationChecker.
func (s *RevocationSources) CheckRevocation(ctx context.Context, subject, issuer *x509.Certificate, req RevocationRequirement, at time.Time) (*revinfo.RevocationInfo, error) {
	switch req {
	case RevocationNone:
		return &revinfo.RevocationInfo{Status: revinfo.StatusGood}, nil

	case RevocationBoth:
		crl, err := s.crlStatus(ctx, subject, issuer, at)
		if err != nil {
			return nil, err
		}
		resp, err := s.ocspStatus(ctx, subject, issuer, at)
		if err != nil {
			return nil, err
		}
		if crl.Status == revinfo.StatusRevoked {
			return crl, nil
		}
		return resp, nil

	default:
		crl, crlErr := s.crlStatus(ctx, subject, issuer, at)
		if crlErr == nil {
			return crl, nil
		}
		resp, ocspErr := s.ocspStatus(ctx, subject, issuer, at)
		if ocspErr == nil {
			return resp, nil
		}
		return nil, errors.Join(crlErr, ocspErr)
	}
}

func (s *RevocationSources) crlStatus(ctx context.Context, subject, issuer *x509.Certificate, at time.Time) (*revinfo.RevocationInfo, error) {
	for _, rec := range s.Embedded {
		if !bytes.Equal(rec.Issuer, issuer.RawSubject) {
			continue
		}
		if err := rec.Validate(at, issuer); err != nil {
			log.GetLogger(ctx).Debugf("embedded CRL #%v unusable: %v", rec.Number, err)
			continue
		}
		return rec.Status(subject), nil
	}

	if s.Cache == nil {
		return nil, fmt.Errorf("CRL: %w", revinfo.ErrNoRevocationInfo)
	}
	rec, err := s.Cache.Get(ctx, subject, at)
	if err != nil {
		return nil, fmt.Errorf("CRL: %w", err)
	}
	if !bytes.Equal(rec.Issuer, issuer.RawSubject) {
		return nil, fmt.Errorf("CRL: %w: issued by another authority", revinfo.ErrNoRevocationInfo)
	}
	if err := rec.Validate(at, issuer); err != nil {
		return nil, fmt.Errorf("CRL: %w", err)
	}
	return rec.Status(subject), nil
}

func (s *RevocationSources) ocspStatus(ctx context.Context, subject, issuer *x509.Certificate, at time.Time) (*revinfo.RevocationInfo, error) {
	if s.OCSP == nil {
		return nil, fmt.Errorf("OCSP: %w", revinfo.ErrNoRevocationInfo)
	}
	resp, err := s.OCSP.Fetch(ctx, subject, issuer)
	if err != nil {
		return nil, fmt.Errorf("OCSP: %w", err)
	}
	if err := revinfo.ValidateOCSP(resp, at); err != nil {
		return nil, fmt.Errorf("OCSP: %w", err)
	}
	info := revinfo.FromOCSP(resp)
	if info.Status == revinfo.StatusUnknown {
		return nil, fmt.Errorf("OCSP: %w: responder does not know the certificate", revinfo.ErrNoRevocationInfo)
	}
	return info, nil
}
