// Package report provides the verification report tree: one node per
// signature, time-stamp and counter-signature, with the outcome of every
// check and the status derived from them.
package report

import (
	"crypto/x509"
	"time"

	"github.com/google/uuid"

	"github.com/kyriosdata/seguranca-sub004/certvalidator"
	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
)

// Status is the overall conclusion on a signature.
type Status int

const (
	StatusValid Status = iota
	StatusIndeterminate
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusIndeterminate:
		return "indeterminate"
	default:
		return "invalid"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Worse returns the more severe of s and o.
func (s Status) Worse(o Status) Status {
	if o > s {
		return o
	}
	return s
}

// Outcome is the result of checking one attribute.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeMissing
	OutcomeInvalid
	OutcomeWarning
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeMissing:
		return "missing"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "warning"
	}
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Failed reports whether the outcome counts against a mandated attribute.
func (o Outcome) Failed() bool {
	return o == OutcomeMissing || o == OutcomeInvalid
}

// AttributeClass tells mandated attributes from the extra ones a signature
// happens to carry.
type AttributeClass int

const (
	ClassMandated AttributeClass = iota
	ClassExtra
)

func (c AttributeClass) String() string {
	if c == ClassExtra {
		return "extra"
	}
	return "mandated"
}

// MarshalText encodes the class by name.
func (c AttributeClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// NodeKind is the role of a node in the tree.
type NodeKind int

const (
	NodeSignature NodeKind = iota
	NodeTimeStamp
	NodeCounterSignature
)

func (k NodeKind) String() string {
	switch k {
	case NodeTimeStamp:
		return "timestamp"
	case NodeCounterSignature:
		return "counterSignature"
	default:
		return "signature"
	}
}

// MarshalText encodes the kind by name.
func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// AttributeResult is the outcome of one attribute check.
type AttributeResult struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Kind    string         `json:"kind"`
	Class   AttributeClass `json:"class"`
	Outcome Outcome        `json:"outcome"`
	Message string         `json:"message,omitempty"`
	kind    attributes.Kind
}

// IsTimestamp reports whether the attribute carries a time-stamp.
func (a AttributeResult) IsTimestamp() bool {
	return a.kind.IsTimestamp()
}

// PairReport records one link of a certification path.
type PairReport struct {
	Subject   string               `json:"subject"`
	Issuer    string               `json:"issuer,omitempty"`
	Result    certvalidator.Result `json:"result"`
	Reason    string               `json:"reason,omitempty"`
	RevokedAt *time.Time           `json:"revokedAt,omitempty"`

	SubjectCertificate *x509.Certificate `json:"-"`
	IssuerCertificate  *x509.Certificate `json:"-"`
}

// SignatureReport is one node of the tree.
type SignatureReport struct {
	ID   uuid.UUID `json:"id"`
	Kind NodeKind  `json:"kind"`
	// Slot is the attribute a time-stamp was found under.
	Slot string `json:"slot,omitempty"`

	Signer            string            `json:"signer,omitempty"`
	SignerCertificate *x509.Certificate `json:"-"`
	SigningTime       *time.Time        `json:"signingTime,omitempty"`
	GenTime           *time.Time        `json:"genTime,omitempty"`
	ReferenceTime     time.Time         `json:"referenceTime"`

	ParseError string `json:"parseError,omitempty"`

	HashValid      bool   `json:"hashValid"`
	SignatureValid bool   `json:"signatureValid"`
	IntegrityError string `json:"integrityError,omitempty"`

	PolicyOID   string `json:"policy,omitempty"`
	PolicyError string `json:"policyError,omitempty"`

	PathResult certvalidator.Result `json:"pathResult"`
	PathReason string               `json:"pathReason,omitempty"`
	Pairs      []PairReport         `json:"pairs,omitempty"`

	Attributes        []AttributeResult  `json:"attributes,omitempty"`
	TimeStamps        []*SignatureReport `json:"timestamps,omitempty"`
	CounterSignatures []*SignatureReport `json:"counterSignatures,omitempty"`

	// Set by collaborators that inspect the container of the signature.
	IncrementalInvalid  bool `json:"incrementalInvalid,omitempty"`
	IncrementalPossible bool `json:"incrementalPossible,omitempty"`

	Status Status `json:"status"`
}

// NewSignatureReport returns an empty node. The path result starts out
// invalid until a validation outcome is recorded.
func NewSignatureReport(kind NodeKind) *SignatureReport {
	return &SignatureReport{
		ID:         uuid.New(),
		Kind:       kind,
		PathResult: certvalidator.ResultInvalid,
	}
}

// SetSigner records the signer certificate.
func (r *SignatureReport) SetSigner(cert *x509.Certificate) {
	r.SignerCertificate = cert
	r.Signer = certvalidator.DisplayName(cert)
}

// SetParseError records a structural failure of this node.
func (r *SignatureReport) SetParseError(err error) {
	if err != nil {
		r.ParseError = err.Error()
	}
}

// SetIntegrity records the cryptographic checks.
func (r *SignatureReport) SetIntegrity(in message.Integrity) {
	r.HashValid = in.HashValid
	r.SignatureValid = in.SignatureValid
	if in.Err != nil {
		r.IntegrityError = in.Err.Error()
	}
}

// SetPolicyError records a failure to resolve or honour the policy.
func (r *SignatureReport) SetPolicyError(err error) {
	if err != nil {
		r.PolicyError = err.Error()
	}
}

// SetPath records the outcome of path validation. Pairs are reported
// separately through AddValidation.
func (r *SignatureReport) SetPath(out certvalidator.Outcome) {
	r.PathResult = out.Result
	r.PathReason = ""
	if out.Err != nil {
		r.PathReason = out.Err.Error()
	}
}

// AddValidation implements certvalidator.ReportSink.
func (r *SignatureReport) AddValidation(pr certvalidator.PairResult) {
	r.Pairs = append(r.Pairs, PairReport{
		Subject:            certvalidator.DisplayName(pr.Subject),
		Issuer:             certvalidator.DisplayName(pr.Issuer),
		Result:             pr.Result,
		Reason:             pr.Reason,
		RevokedAt:          pr.RevokedAt,
		SubjectCertificate: pr.Subject,
		IssuerCertificate:  pr.Issuer,
	})
}

// AddAttributeResult records the outcome of checking attribute id.
func (r *SignatureReport) AddAttributeResult(class AttributeClass, id string, outcome Outcome, msg string) {
	k, _ := attributes.KindOf(id)
	r.Attributes = append(r.Attributes, AttributeResult{
		ID:      id,
		Name:    attributes.HumanName(id),
		Kind:    k.String(),
		Class:   class,
		Outcome: outcome,
		Message: msg,
		kind:    k,
	})
}

// AttributeResults returns the results recorded for id.
func (r *SignatureReport) AttributeResults(id string) []AttributeResult {
	var out []AttributeResult
	for _, a := range r.Attributes {
		if a.ID == id {
			out = append(out, a)
		}
	}
	return out
}

// AddTimeStampReport attaches the node of a time-stamp over this signature.
func (r *SignatureReport) AddTimeStampReport(sub *SignatureReport) {
	if sub == nil {
		return
	}
	sub.Kind = NodeTimeStamp
	r.TimeStamps = append(r.TimeStamps, sub)
}

// AddCounterSignatureReport attaches the node of a counter-signature. The
// counter-signatures of sub are hoisted into this node's list, so the tree
// never nests counter-signatures more than one level deep.
func (r *SignatureReport) AddCounterSignatureReport(sub *SignatureReport) {
	if sub == nil {
		return
	}
	sub.Kind = NodeCounterSignature
	nested := sub.CounterSignatures
	sub.CounterSignatures = nil
	r.CounterSignatures = append(r.CounterSignatures, sub)
	for _, n := range nested {
		r.AddCounterSignatureReport(n)
	}
}

func (r *SignatureReport) failedMandated() []AttributeResult {
	var out []AttributeResult
	for _, a := range r.Attributes {
		if a.Class == ClassMandated && a.Outcome.Failed() {
			out = append(out, a)
		}
	}
	return out
}

// hardFailure holds when the node is invalid on its own account, ignoring
// its attributes.
func (r *SignatureReport) hardFailure() bool {
	return r.ParseError != "" ||
		!r.HashValid ||
		!r.SignatureValid ||
		r.PolicyError != "" ||
		r.IncrementalInvalid
}

// ExpiredOnly reports whether the only defect of the node is an expired
// certification path.
func (r *SignatureReport) ExpiredOnly() bool {
	return !r.hardFailure() &&
		r.PathResult == certvalidator.ResultExpired &&
		len(r.failedMandated()) == 0
}

// OverallStatus derives the status of the node and stores it in Status.
func (r *SignatureReport) OverallStatus() Status {
	r.Status = r.deriveStatus()
	return r.Status
}

func (r *SignatureReport) deriveStatus() Status {
	if r.hardFailure() || r.PathResult != certvalidator.ResultValid {
		return StatusInvalid
	}

	if failed := r.failedMandated(); len(failed) > 0 {
		for _, a := range failed {
			if !a.IsTimestamp() {
				return StatusInvalid
			}
		}
		for _, ts := range r.TimeStamps {
			if ts.ExpiredOnly() {
				return StatusIndeterminate
			}
		}
		return StatusInvalid
	}

	if r.IncrementalPossible {
		return StatusIndeterminate
	}
	return StatusValid
}

// Finalize derives the status of the node and of every node below it.
func (r *SignatureReport) Finalize() Status {
	for _, ts := range r.TimeStamps {
		ts.Finalize()
	}
	for _, cs := range r.CounterSignatures {
		cs.Finalize()
	}
	return r.OverallStatus()
}

// Report is the outcome of one verification run.
type Report struct {
	ID         uuid.UUID          `json:"id"`
	Created    time.Time          `json:"created"`
	Encoding   string             `json:"encoding"`
	Signatures []*SignatureReport `json:"signatures"`
	Status     Status             `json:"status"`
}

// New returns an empty report.
func New(created time.Time, enc attributes.Encoding) *Report {
	return &Report{
		ID:       uuid.New(),
		Created:  created,
		Encoding: enc.String(),
	}
}

// AddSignatureReport attaches the node of a top-level signature.
func (r *Report) AddSignatureReport(sig *SignatureReport) {
	if sig == nil {
		return
	}
	sig.Kind = NodeSignature
	r.Signatures = append(r.Signatures, sig)
}

// OverallStatus finalizes every node and returns the most severe status. A
// report without signatures is invalid.
func (r *Report) OverallStatus() Status {
	if len(r.Signatures) == 0 {
		r.Status = StatusInvalid
		return r.Status
	}
	status := StatusValid
	for _, sig := range r.Signatures {
		status = status.Worse(sig.Finalize())
	}
	r.Status = status
	return status
}

// Find returns the node with the given ID anywhere in the tree.
func (r *Report) Find(id uuid.UUID) *SignatureReport {
	var walk func(nodes []*SignatureReport) *SignatureReport
	walk = func(nodes []*SignatureReport) *SignatureReport {
		for _, n := range nodes {
			if n.ID == id {
				return n
			}
			if f := walk(n.TimeStamps); f != nil {
				return f
			}
			if f := walk(n.CounterSignatures); f != nil {
				return f
			}
		}
		return nil
	}
	return walk(r.Signatures)
}
