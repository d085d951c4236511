// Package policy models ICP-Brasil signature policies and derives the set of
// attributes a policy mandates for a signature or for one of its time-stamps.
package policy

import (
	"crypto"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kyriosdata/seguranca-sub004/certvalidator"
	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
)

// Common errors
var (
	ErrUnknownPolicy      = errors.New("unknown signature policy")
	ErrMissingAttribute   = errors.New("mandated attribute is missing")
	ErrInvalidAttribute   = errors.New("attribute is invalid")
	ErrDuplicateAttribute = errors.New("attribute must occur once")
)

// icpBrasilArc is the arc of the ICP-Brasil signature policies. Families 1 to
// 5 are CAdES, 6 to 10 are XAdES.
const icpBrasilArc = "2.16.76.1.7.1."

// TrustContext is the trust configuration a policy applies to one class of
// certificates.
type TrustContext struct {
	Anchors    *certvalidator.TrustAnchorSet
	Revocation certvalidator.RevocationRequirement
}

// Policy is a signature policy as seen by the verifier.
type Policy struct {
	OID      string
	Name     string
	Encoding attributes.Encoding

	// MandatedSigned lists signed attributes required on top of the ones
	// every policy mandates.
	MandatedSigned   []string
	MandatedUnsigned []string

	// Digest is the hash of the policy document, checked against the
	// signature-policy attribute when set.
	Digest          []byte
	DigestAlgorithm crypto.Hash

	Signing      TrustContext
	TimeStamping TrustContext
}

// TimeStampingAnchors returns the anchors used for time-stamp certificates,
// falling back to the signing anchors.
func (p *Policy) TimeStampingAnchors() *certvalidator.TrustAnchorSet {
	if !p.TimeStamping.Anchors.Empty() {
		return p.TimeStamping.Anchors
	}
	return p.Signing.Anchors
}

func (p *Policy) String() string {
	if p.Name == "" {
		return p.OID
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.OID)
}

// EncodingForOID infers the encoding of an ICP-Brasil policy from its
// family. Other arcs default to CMS.
func EncodingForOID(oid string) attributes.Encoding {
	rest, ok := strings.CutPrefix(oid, icpBrasilArc)
	if !ok {
		return attributes.EncodingCMS
	}
	family, _, _ := strings.Cut(rest, ".")
	n, err := strconv.Atoi(family)
	if err == nil && n >= 6 && n <= 10 {
		return attributes.EncodingXML
	}
	return attributes.EncodingCMS
}

// Provider resolves policy identifiers.
type Provider interface {
	Policy(oid string) (*Policy, error)
}

// StaticProvider is an in-memory Provider.
type StaticProvider struct {
	policies map[string]*Policy
	order    []string
}

// NewStaticProvider returns a provider serving the given policies. A later
// policy with the same OID replaces an earlier one.
func NewStaticProvider(policies ...*Policy) *StaticProvider {
	sp := &StaticProvider{policies: make(map[string]*Policy)}
	for _, p := range policies {
		sp.Add(p)
	}
	return sp
}

// Add registers p.
func (sp *StaticProvider) Add(p *Policy) {
	if p == nil {
		return
	}
	if _, ok := sp.policies[p.OID]; !ok {
		sp.order = append(sp.order, p.OID)
	}
	sp.policies[p.OID] = p
}

// Policy implements Provider.
func (sp *StaticProvider) Policy(oid string) (*Policy, error) {
	if p, ok := sp.policies[oid]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, oid)
}

// OIDs lists the registered policies in registration order.
func (sp *StaticProvider) OIDs() []string {
	return append([]string(nil), sp.order...)
}

// AttributeError reports a mandated or present attribute that failed its
// check.
type AttributeError struct {
	ID  string
	Err error
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("%s: %v", attributes.HumanName(e.ID), e.Err)
}

func (e *AttributeError) Unwrap() error {
	return e.Err
}

// NewAttributeError wraps err for attribute id.
func NewAttributeError(id string, err error) *AttributeError {
	return &AttributeError{ID: id, Err: err}
}
