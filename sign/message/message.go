// Package message is the format-neutral model of a parsed signed message:
// signer records, their signed and unsigned attributes, and the hooks the
// verifier needs to check integrity regardless of the encoding.
package message

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/beevik/etree"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
)

// ErrMalformed is wrapped by every ParseError.
var ErrMalformed = errors.New("malformed signed message")

// ParseError reports a structural failure while decoding a signed message or
// one of its nested structures.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrMalformed, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", ErrMalformed, e.Op, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrMalformed, e.Err} }

// NewParseError wraps err as a ParseError for operation op.
func NewParseError(op string, err error) *ParseError {
	return &ParseError{Op: op, Err: err}
}

// Message is a parsed signed message.
type Message struct {
	Encoding     attributes.Encoding
	ContentType  asn1.ObjectIdentifier
	Content      []byte
	Certificates []*x509.Certificate
	CRLs         []*x509.RevocationList
	Signers      []*Signer
	// SignerErrors holds the signer records that could not be decoded. The
	// message itself is still usable when Signers is not empty.
	SignerErrors []error
}

// Selector identifies a signer certificate.
type Selector struct {
	Issuer       []byte
	Serial       *big.Int
	SubjectKeyID []byte
	// Certificate is set when the encoding embeds the signer certificate.
	Certificate *x509.Certificate
}

// Matches reports whether cert satisfies the selector.
func (s Selector) Matches(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	if s.Certificate != nil {
		return s.Certificate.Equal(cert)
	}
	if len(s.SubjectKeyID) > 0 {
		return bytes.Equal(s.SubjectKeyID, cert.SubjectKeyId)
	}
	if s.Serial == nil {
		return false
	}
	return s.Serial.Cmp(cert.SerialNumber) == 0 && bytes.Equal(s.Issuer, cert.RawIssuer)
}

func (s Selector) String() string {
	switch {
	case s.Certificate != nil:
		return s.Certificate.Subject.String()
	case len(s.SubjectKeyID) > 0:
		return fmt.Sprintf("ski:%x", s.SubjectKeyID)
	case s.Serial != nil:
		return fmt.Sprintf("serial:%s", s.Serial.Text(16))
	}
	return "unknown signer"
}

// Attribute is one signed or unsigned attribute occurrence.
type Attribute struct {
	ID     string
	Signed bool
	// Values holds the DER of each attribute value. For XML time-stamps it
	// holds the decoded tokens.
	Values [][]byte
	// Raw is the full encoded attribute (CMS) or its canonical form (XML).
	Raw     []byte
	Element *etree.Element
}

// Kind returns the catalog kind of the attribute.
func (a *Attribute) Kind() attributes.Kind {
	k, _ := attributes.KindOf(a.ID)
	return k
}

// Integrity is the outcome of the cryptographic checks on one signer.
type Integrity struct {
	HashValid      bool
	SignatureValid bool
	Err            error
}

// Backend is implemented by each encoding.
type Backend interface {
	// VerifyIntegrity checks the digest of content and the signature value
	// against cert. A nil content means the encapsulated content is used.
	VerifyIntegrity(cert *x509.Certificate, content []byte) Integrity
	// StampedData returns the bytes the time-stamp carried by stamp must
	// cover. stamp need not belong to the signer: an archive time-stamp that
	// is not found covers every unsigned attribute.
	StampedData(stamp *Attribute, content []byte) ([]byte, error)
}

// Signer is a signer record.
type Signer struct {
	Selector           Selector
	DigestAlgorithm    crypto.Hash
	SignatureAlgorithm x509.SignatureAlgorithm
	Signed             []*Attribute
	Unsigned           []*Attribute
	Signature          []byte
	Counters           []*Signer
	CounterErrors      []error
	Backend            Backend
	// Message is the message the record belongs to. Counter-signers share the
	// parent's message.
	Message *Message
}

// Attributes returns signed attributes followed by unsigned ones.
func (s *Signer) Attributes() []*Attribute {
	out := make([]*Attribute, 0, len(s.Signed)+len(s.Unsigned))
	out = append(out, s.Signed...)
	return append(out, s.Unsigned...)
}

// Find returns every attribute occurrence with the given identifier.
func (s *Signer) Find(id string) []*Attribute {
	var out []*Attribute
	for _, a := range s.Attributes() {
		if a.ID == id {
			out = append(out, a)
		}
	}
	return out
}

// First returns the first occurrence of id, or nil.
func (s *Signer) First(id string) *Attribute {
	for _, a := range s.Attributes() {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// IDs returns the distinct attribute identifiers in order of appearance.
func (s *Signer) IDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range s.Attributes() {
		if !seen[a.ID] {
			seen[a.ID] = true
			out = append(out, a.ID)
		}
	}
	return out
}

// Encoding returns the encoding of the enclosing message.
func (s *Signer) Encoding() attributes.Encoding {
	if s.Message == nil {
		return attributes.EncodingCMS
	}
	return s.Message.Encoding
}
