// Package certvalidator builds certification paths from a certificate to a
// set of trust anchors and validates each link of the path at a reference
// time, including revocation.
package certvalidator

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/kyriosdata/seguranca-sub004/certvalidator/revinfo"
	"github.com/kyriosdata/seguranca-sub004/log"
)

// DefaultMaxDepth bounds the number of certificates in a built path.
const DefaultMaxDepth = 16

// RevocationRequirement selects which revocation sources must answer.
type RevocationRequirement int

const (
	// RevocationEither accepts a usable CRL, falling back to OCSP.
	RevocationEither RevocationRequirement = iota
	// RevocationBoth requires a usable CRL and a usable OCSP response.
	RevocationBoth
	// RevocationNone skips revocation checking.
	RevocationNone
)

func (r RevocationRequirement) String() string {
	switch r {
	case RevocationBoth:
		return "both"
	case RevocationNone:
		return "none"
	default:
		return "either"
	}
}

// ParseRevocationRequirement parses "either", "both" or "none". The empty
// string yields RevocationEither.
func ParseRevocationRequirement(s string) (RevocationRequirement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "either":
		return RevocationEither, nil
	case "both":
		return RevocationBoth, nil
	case "none":
		return RevocationNone, nil
	}
	return RevocationEither, fmt.Errorf("unknown revocation requirement %q", s)
}

// Result classifies a certificate, a link or a whole path.
type Result int

const (
	ResultValid Result = iota
	ResultNotYetValid
	ResultExpired
	ResultRevoked
	ResultUnknown
	ResultInvalid
)

func (r Result) String() string {
	switch r {
	case ResultValid:
		return "valid"
	case ResultNotYetValid:
		return "notYetValid"
	case ResultExpired:
		return "expired"
	case ResultRevoked:
		return "revoked"
	case ResultUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// MarshalText encodes the result by name.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// PairResult is the outcome of validating one subject against its issuer.
type PairResult struct {
	Subject *x509.Certificate
	// Issuer is nil when no issuer could be located.
	Issuer    *x509.Certificate
	Result    Result
	Reason    string
	RevokedAt *time.Time
}

// ReportSink receives every validated pair.
type ReportSink interface {
	AddValidation(PairResult)
}

// Path is a built certification path. Certificates runs from the leaf to the
// last certificate below Anchor. When the leaf is itself an anchor the path
// holds only the leaf and Anchor is the leaf.
type Path struct {
	Certificates []*x509.Certificate
	Anchor       *x509.Certificate
}

// Leaf returns the first certificate of the path.
func (p *Path) Leaf() *x509.Certificate {
	if p == nil || len(p.Certificates) == 0 {
		return nil
	}
	return p.Certificates[0]
}

// Pairs returns every (subject, issuer) link, ending with the anchor link.
func (p *Path) Pairs() [][2]*x509.Certificate {
	if p == nil {
		return nil
	}
	pairs := make([][2]*x509.Certificate, 0, len(p.Certificates))
	for i, c := range p.Certificates {
		issuer := p.Anchor
		if i+1 < len(p.Certificates) {
			issuer = p.Certificates[i+1]
		}
		pairs = append(pairs, [2]*x509.Certificate{c, issuer})
	}
	return pairs
}

// Outcome is the classification of a whole path.
type Outcome struct {
	Result Result
	Path   *Path
	// Revoked is the first revoked certificate when Result is ResultRevoked.
	Revoked *x509.Certificate
	// Err is a *PathError describing the first failing link.
	Err error
}

// LeafCheck is an additional requirement on the leaf certificate. A failure
// makes the leaf link invalid.
type LeafCheck func(*x509.Certificate) error

// RequireExtKeyUsage demands usage in the leaf certificate.
func RequireExtKeyUsage(usage x509.ExtKeyUsage) LeafCheck {
	return func(cert *x509.Certificate) error {
		if !HasExtKeyUsage(cert, usage) {
			return ErrExtKeyUsageMissing
		}
		return nil
	}
}

// Validator builds and validates certification paths.
type Validator struct {
	Collection CertificateCollection
	Revocation RevocationChecker
	MaxDepth   int
}

// NewValidator creates a validator over collection. revocation may be nil,
// in which case any required revocation check yields ResultUnknown.
func NewValidator(collection CertificateCollection, revocation RevocationChecker) *Validator {
	if collection == nil {
		collection = NewSimpleCertificateStore()
	}
	return &Validator{
		Collection: collection,
		Revocation: revocation,
		MaxDepth:   DefaultMaxDepth,
	}
}

// BuildPath walks issuers from leaf through the collection until a
// certificate issued by one of anchors is reached. Issuers valid at at are
// preferred. It returns nil when no issuer can be located, when a loop is
// detected or when the path would exceed the maximum depth.
func (v *Validator) BuildPath(leaf *x509.Certificate, anchors *TrustAnchorSet, at time.Time) *Path {
	if leaf == nil || anchors.Empty() {
		return nil
	}
	if anchors.Contains(leaf) {
		return &Path{Certificates: []*x509.Certificate{leaf}, Anchor: anchors.IssuerOf(leaf)}
	}
	depth := v.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	w := &pathWalker{
		v:       v,
		anchors: anchors,
		at:      at,
		depth:   depth,
		seen:    map[[32]byte]bool{CertificateFingerprint(leaf): true},
	}
	return w.walk([]*x509.Certificate{leaf})
}

type pathWalker struct {
	v       *Validator
	anchors *TrustAnchorSet
	at      time.Time
	depth   int
	seen    map[[32]byte]bool
}

func (w *pathWalker) walk(current []*x509.Certificate) *Path {
	last := current[len(current)-1]
	if anchor := w.anchors.IssuerOf(last); anchor != nil {
		certs := make([]*x509.Certificate, len(current))
		copy(certs, current)
		return &Path{Certificates: certs, Anchor: anchor}
	}
	if len(current) >= w.depth {
		return nil
	}

	candidates := w.v.Collection.IssuerOf(last)
	var valid, other []*x509.Certificate
	for _, c := range candidates {
		if validAt(c, w.at) {
			valid = append(valid, c)
		} else {
			other = append(other, c)
		}
	}

	for _, issuer := range append(valid, other...) {
		key := CertificateFingerprint(issuer)
		if w.seen[key] {
			continue
		}
		w.seen[key] = true
		if p := w.walk(append(current, issuer)); p != nil {
			return p
		}
		delete(w.seen, key)
	}
	return nil
}

func validAt(cert *x509.Certificate, at time.Time) bool {
	return !at.Before(cert.NotBefore) && !at.After(cert.NotAfter)
}

// Validate builds a path for leaf and classifies it at at. Every link is
// reported to sink, valid or not. The first non-valid link, in leaf to
// anchor order, determines the outcome.
func (v *Validator) Validate(ctx context.Context, leaf *x509.Certificate, anchors *TrustAnchorSet, req RevocationRequirement, at time.Time, sink ReportSink, checks ...LeafCheck) Outcome {
	path := v.BuildPath(leaf, anchors, at)
	if path == nil {
		err := &PathError{Subject: leaf, Result: ResultInvalid, Err: ErrNoPath}
		report(sink, PairResult{Subject: leaf, Result: ResultInvalid, Reason: err.Error()})
		return Outcome{Result: ResultInvalid, Err: err}
	}

	out := Outcome{Result: ResultValid, Path: path}
	for i, pair := range path.Pairs() {
		var extra []LeafCheck
		if i == 0 {
			extra = checks
		}
		pr := v.validatePair(ctx, pair[0], pair[1], req, at, extra)
		report(sink, pr.PairResult)
		if pr.Result != ResultValid && out.Result == ResultValid {
			out.Result = pr.Result
			out.Err = &PathError{Subject: pair[0], Issuer: pair[1], Result: pr.Result, Err: pr.err}
			if pr.Result == ResultRevoked {
				out.Revoked = pair[0]
			}
		}
	}
	if out.Result != ResultValid {
		log.GetLogger(ctx).Debugf("certification path of %s: %v", DisplayName(leaf), out.Err)
	}
	return out
}

type pairOutcome struct {
	PairResult
	err error
}

func (v *Validator) validatePair(ctx context.Context, subject, issuer *x509.Certificate, req RevocationRequirement, at time.Time, checks []LeafCheck) pairOutcome {
	fail := func(r Result, err error) pairOutcome {
		return pairOutcome{
			PairResult: PairResult{Subject: subject, Issuer: issuer, Result: r, Reason: err.Error()},
			err:        err,
		}
	}

	// an anchor standing for itself is trusted as is
	self := subject.Equal(issuer)
	if !self {
		if !issuer.BasicConstraintsValid || !issuer.IsCA {
			return fail(ResultInvalid, ErrNotCA)
		}
		if err := subject.CheckSignatureFrom(issuer); err != nil {
			return fail(ResultInvalid, fmt.Errorf("%w: %v", ErrBadSignature, err))
		}
	}
	for _, check := range checks {
		if err := check(subject); err != nil {
			return fail(ResultInvalid, err)
		}
	}

	if at.Before(subject.NotBefore) {
		return fail(ResultNotYetValid, fmt.Errorf("%w: valid from %s", ErrNotYetValid, subject.NotBefore.Format(time.RFC3339)))
	}
	if at.After(subject.NotAfter) {
		return fail(ResultExpired, fmt.Errorf("%w: valid until %s", ErrExpired, subject.NotAfter.Format(time.RFC3339)))
	}

	if req != RevocationNone && !self {
		if v.Revocation == nil {
			return fail(ResultUnknown, ErrRevocationUnknown)
		}
		info, err := v.Revocation.CheckRevocation(ctx, subject, issuer, req, at)
		switch {
		case err != nil:
			return fail(ResultUnknown, fmt.Errorf("%w: %v", ErrRevocationUnknown, err))
		case info.Status == revinfo.StatusRevoked:
			out := fail(ResultRevoked, fmt.Errorf("%w: %s (%s)", ErrRevoked, info.Reason, info.Source))
			out.RevokedAt = info.RevocationTime
			return out
		case info.Status != revinfo.StatusGood:
			return fail(ResultUnknown, ErrRevocationUnknown)
		}
	}

	return pairOutcome{PairResult: PairResult{Subject: subject, Issuer: issuer, Result: ResultValid}}
}

func report(sink ReportSink, pr PairResult) {
	if sink != nil {
		sink.AddValidation(pr)
	}
}
