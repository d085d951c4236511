// Package validation verifies CAdES and XAdES signatures against ICP-Brasil
// signature policies and records every outcome in a report tree.
package validation

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kyriosdata/seguranca-sub004/certvalidator"
	"github.com/kyriosdata/seguranca-sub004/log"
	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/cms"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
	"github.com/kyriosdata/seguranca-sub004/sign/policy"
	"github.com/kyriosdata/seguranca-sub004/sign/validation/report"
	"github.com/kyriosdata/seguranca-sub004/sign/xades"
)

// Common errors
var (
	ErrNoPolicy         = errors.New("no signature policy")
	ErrSignerNotFound   = errors.New("signer certificate not found")
	ErrPolicyEncoding   = errors.New("policy does not apply to this signature format")
	ErrTimestampOrder   = errors.New("time-stamp precedes a time-stamp it covers")
	ErrNoTimestampToken = errors.New("time-stamp token has no signer")
)

// Verifier checks signed messages against signature policies. A Verifier is
// safe for concurrent use once configured.
type Verifier struct {
	// Collection supplies intermediates beyond those carried by the message.
	Collection certvalidator.CertificateCollection
	Policies   policy.Provider
	Rules      policy.Rules
	// Revocation answers revocation queries. When it is a
	// *certvalidator.RevocationSources, CRLs embedded in the message are
	// consulted first.
	Revocation certvalidator.RevocationChecker
	Clock      clockwork.Clock
	// SignerConstraints apply to signer certificates. Nil skips the check.
	SignerConstraints *KeyUsageConstraints
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithCollection sets the certificate collection.
func WithCollection(c certvalidator.CertificateCollection) Option {
	return func(v *Verifier) { v.Collection = c }
}

// WithPolicies sets the policy provider.
func WithPolicies(p policy.Provider) Option {
	return func(v *Verifier) { v.Policies = p }
}

// WithRules replaces the default ICP-Brasil rules.
func WithRules(r policy.Rules) Option {
	return func(v *Verifier) { v.Rules = r }
}

// WithRevocation sets the revocation checker.
func WithRevocation(r certvalidator.RevocationChecker) Option {
	return func(v *Verifier) { v.Revocation = r }
}

// WithClock sets the clock "now" is read from.
func WithClock(c clockwork.Clock) Option {
	return func(v *Verifier) { v.Clock = c }
}

// WithSignerConstraints sets the key usage constraints on signer
// certificates.
func WithSignerConstraints(c *KeyUsageConstraints) Option {
	return func(v *Verifier) { v.SignerConstraints = c }
}

// NewVerifier returns a verifier with the ICP-Brasil rules, an empty
// collection, the real clock and the signing key usage constraints.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		Collection:        certvalidator.NewSimpleCertificateStore(),
		Rules:             policy.DefaultRules(),
		Clock:             clockwork.NewRealClock(),
		SignerConstraints: SigningConstraints(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyOptions carries per-call settings.
type VerifyOptions struct {
	// PolicyOID is used for signers that do not identify their policy.
	PolicyOID string
	// Set by callers that inspect the container of the signature.
	IncrementalInvalid  bool
	IncrementalPossible bool
}

// Parse decodes data as XAdES when it looks like XML and as CMS otherwise.
func Parse(data []byte) (*message.Message, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return xades.Parse(data)
	}
	return cms.Parse(data)
}

// Verify checks every signer of data. content is the detached content, or
// nil. A message whose envelope cannot be parsed, or in which no signer
// record decodes, is returned as an error. Every other problem, including a
// signer record that fails to decode, is recorded in the report.
func (v *Verifier) Verify(ctx context.Context, data, content []byte, opts VerifyOptions) (*report.Report, error) {
	msg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	s := v.newSession(ctx, msg, content, opts)
	rep := report.New(s.now, msg.Encoding)
	for _, signer := range msg.Signers {
		sig := s.verifySigner(signer, nil, report.NodeSignature)
		sig.IncrementalInvalid = opts.IncrementalInvalid
		sig.IncrementalPossible = opts.IncrementalPossible
		rep.AddSignatureReport(sig)
	}
	for _, err := range msg.SignerErrors {
		log.GetLogger(ctx).Warnf("skipping undecodable signer: %v", err)
		sig := report.NewSignatureReport(report.NodeSignature)
		sig.SetParseError(err)
		sig.IncrementalInvalid = opts.IncrementalInvalid
		sig.IncrementalPossible = opts.IncrementalPossible
		rep.AddSignatureReport(sig)
	}
	status := rep.OverallStatus()
	log.GetLogger(ctx).Infof("verified %d %s signature(s): %s", len(rep.Signatures), msg.Encoding, status)
	return rep, nil
}

// session holds the state of one Verify call.
type session struct {
	v          *Verifier
	ctx        context.Context
	msg        *message.Message
	content    []byte
	opts       VerifyOptions
	now        time.Time
	store      certvalidator.CertificateCollection
	revocation certvalidator.RevocationChecker
	// known backs reference checks: every certificate the call has seen.
	known []*x509.Certificate
}

func (v *Verifier) newSession(ctx context.Context, msg *message.Message, content []byte, opts VerifyOptions) *session {
	clock := v.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	certs, crls := embeddedEvidence(msg)
	local := certvalidator.NewSimpleCertificateStore(msg.Certificates...)
	local.Add(certs...)

	s := &session{
		v:       v,
		ctx:     ctx,
		msg:     msg,
		content: content,
		opts:    opts,
		now:     clock.Now(),
		store:   certvalidator.NewLayeredCertificateStore(local, v.Collection),
		known:   local.All(),
	}
	if all, ok := v.Collection.(interface{ All() []*x509.Certificate }); ok {
		s.known = append(s.known, all.All()...)
	}
	s.revocation = v.revocationFor(append(append([]*x509.RevocationList(nil), msg.CRLs...), crls...))
	return s
}

func (v *Verifier) revocationFor(crls []*x509.RevocationList) certvalidator.RevocationChecker {
	switch r := v.Revocation.(type) {
	case nil:
		return certvalidator.NewRevocationSources(nil, nil).WithEmbedded(crls)
	case *certvalidator.RevocationSources:
		return r.WithEmbedded(crls)
	default:
		return r
	}
}

// embeddedEvidence collects the certificates and CRLs carried in the
// certificate-values and revocation-values attributes of every signer.
// Undecodable values are skipped here and reported by the attribute checks.
func embeddedEvidence(msg *message.Message) ([]*x509.Certificate, []*x509.RevocationList) {
	var certs []*x509.Certificate
	var crls []*x509.RevocationList
	var walk func(signers []*message.Signer)
	walk = func(signers []*message.Signer) {
		for _, s := range signers {
			for _, a := range s.Unsigned {
				switch a.Kind() {
				case attributes.KindCertificateValues:
					if c, err := certificateValues(a); err == nil {
						certs = append(certs, c...)
					}
				case attributes.KindRevocationValues:
					if l, err := revocationValues(a); err == nil {
						crls = append(crls, l...)
					}
				}
			}
			walk(s.Counters)
		}
	}
	walk(msg.Signers)
	return certs, crls
}

func (s *session) logger() log.Logger {
	return log.GetLogger(s.ctx)
}

// verifySigner checks one signer record. parent is the policy of the
// countersigned signature, nil for top-level signers.
func (s *session) verifySigner(signer *message.Signer, parent *policy.Policy, kind report.NodeKind) *report.SignatureReport {
	r := report.NewSignatureReport(kind)
	r.ReferenceTime = s.now

	cert := s.store.Certificate(signer.Selector)
	if cert == nil {
		cert = signer.Selector.Certificate
	}
	if cert != nil {
		r.SetSigner(cert)
	}
	if t, err := signingTime(signer); err == nil {
		r.SigningTime = &t
	}

	integrity := signer.Backend.VerifyIntegrity(cert, s.content)
	r.SetIntegrity(integrity)

	p, err := s.resolvePolicy(signer, parent)
	if err != nil {
		s.logger().Warnf("signer %s: %v", signer.Selector, err)
		r.SetPolicyError(err)
		r.SetPath(certvalidator.Outcome{Result: certvalidator.ResultInvalid, Err: err})
		for _, sub := range s.verifyCounters(signer, nil) {
			r.AddCounterSignatureReport(sub)
		}
		return r
	}
	r.PolicyOID = p.OID
	if p.Encoding != signer.Encoding() {
		r.SetPolicyError(fmt.Errorf("%w: %s is a %s policy", ErrPolicyEncoding, p, p.Encoding))
	}

	stamps := s.verifyTimestamps(signer, p, r)

	r.ReferenceTime = referenceTime(stamps, s.now)
	if cert == nil {
		r.SetPath(certvalidator.Outcome{
			Result: certvalidator.ResultInvalid,
			Err:    fmt.Errorf("%w: %s", ErrSignerNotFound, signer.Selector),
		})
	} else {
		var checks []certvalidator.LeafCheck
		if s.v.SignerConstraints != nil {
			checks = append(checks, s.v.SignerConstraints.LeafCheck())
		}
		validator := certvalidator.NewValidator(s.store, s.revocation)
		r.SetPath(validator.Validate(s.ctx, cert, p.Signing.Anchors, p.Signing.Revocation, r.ReferenceTime, r, checks...))
	}

	counters := s.verifyCounters(signer, p)
	s.validateAttributes(&checkContext{
		session:   s,
		signer:    signer,
		cert:      cert,
		policy:    p,
		integrity: integrity,
		stamps:    stamps,
		counters:  counters,
		counter:   kind == report.NodeCounterSignature,
	}, nil, r)

	for _, sub := range counters {
		r.AddCounterSignatureReport(sub)
	}
	return r
}

// verifyCounters verifies the counter-signatures of signer. Malformed ones
// yield a node holding only the parse error.
func (s *session) verifyCounters(signer *message.Signer, p *policy.Policy) []*report.SignatureReport {
	var out []*report.SignatureReport
	for _, cs := range signer.Counters {
		sub := s.verifySigner(cs, p, report.NodeCounterSignature)
		sub.Finalize()
		out = append(out, sub)
	}
	for _, err := range signer.CounterErrors {
		sub := report.NewSignatureReport(report.NodeCounterSignature)
		sub.SetParseError(err)
		sub.Finalize()
		out = append(out, sub)
	}
	return out
}

// resolvePolicy picks the policy the signer declares, else the policy of
// the countersigned signature, else the one named in the options.
func (s *session) resolvePolicy(signer *message.Signer, parent *policy.Policy) (*policy.Policy, error) {
	oid := declaredPolicy(signer)
	if oid == "" {
		if parent != nil {
			return parent, nil
		}
		oid = s.opts.PolicyOID
	}
	if oid == "" {
		return nil, ErrNoPolicy
	}
	if s.v.Policies == nil {
		return nil, fmt.Errorf("%w: %s", policy.ErrUnknownPolicy, oid)
	}
	return s.v.Policies.Policy(oid)
}

func declaredPolicy(signer *message.Signer) string {
	for _, a := range signer.Signed {
		if a.Kind() != attributes.KindSignaturePolicy {
			continue
		}
		sp, err := signaturePolicy(a)
		if err != nil {
			return ""
		}
		return sp.SigPolicyID.String()
	}
	return ""
}

// referenceTime is the generation time of the oldest valid signature
// time-stamp, or now.
func referenceTime(stamps []*stampResult, now time.Time) time.Time {
	at := now
	found := false
	for _, st := range stamps {
		if st.ts.Kind() != attributes.KindSignatureTimestamp || st.status != report.StatusValid {
			continue
		}
		if !found || st.ts.GenTime.Before(at) {
			at = st.ts.GenTime
			found = true
		}
	}
	return at
}
