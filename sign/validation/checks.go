package validation

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
	"github.com/kyriosdata/seguranca-sub004/sign/policy"
	"github.com/kyriosdata/seguranca-sub004/sign/validation/report"
	"github.com/kyriosdata/seguranca-sub004/sign/xades"
)

// legacyWarning accompanies every v1 signing-certificate attribute.
const legacyWarning = "signing-certificate uses SHA-1; signing-certificate-v2 is recommended"

// checkContext is what an attribute check may look at.
type checkContext struct {
	*session
	signer    *message.Signer
	cert      *x509.Certificate
	policy    *policy.Policy
	integrity message.Integrity
	stamps    []*stampResult
	counters  []*report.SignatureReport
	counter   bool
	// nested is set for token signers, whose own time-stamps are not
	// verified.
	nested bool
}

// checkFunc decodes one attribute occurrence and applies its semantic rule.
type checkFunc func(c *checkContext, a *message.Attribute) error

var checks map[attributes.Kind]checkFunc

func init() {
	checks = map[attributes.Kind]checkFunc{
		attributes.KindContentType:             checkContentType,
		attributes.KindMessageDigest:           checkMessageDigest,
		attributes.KindSigningTime:             checkSigningTime,
		attributes.KindSigningCertificate:      checkSigningCertificate,
		attributes.KindSigningCertificateV2:    checkSigningCertificate,
		attributes.KindSignaturePolicy:         checkSignaturePolicy,
		attributes.KindCommitmentType:          checkStructure,
		attributes.KindSignerLocation:          checkStructure,
		attributes.KindContentTimestamp:        checkTimestamp,
		attributes.KindSignatureTimestamp:      checkTimestamp,
		attributes.KindEscTimestamp:            checkTimestamp,
		attributes.KindArchiveTimestamp:        checkTimestamp,
		attributes.KindCompleteCertificateRefs: checkCertificateRefs,
		attributes.KindCompleteRevocationRefs:  checkRevocationRefs,
		attributes.KindCertificateValues:       checkCertificateValues,
		attributes.KindRevocationValues:        checkRevocationValues,
		attributes.KindCounterSignature:        checkCounterSignature,
	}
}

// mandated returns the attributes the policy requires of c.signer. sc is nil
// for signatures and counter-signatures.
func (c *checkContext) mandated(sc *policy.StampContext) []string {
	p := c.policy
	if enc := c.signer.Encoding(); sc != nil && p.Encoding != enc {
		// tokens are CMS whatever the policy flavour
		cp := *p
		cp.Encoding = enc
		p = &cp
	}
	ids := c.v.Rules.MandatedAttributes(p, sc)
	if !c.counter {
		return ids
	}
	// a counter-signature carries the signed baseline only, without
	// content-type
	out := ids[:0:0]
	for _, id := range ids {
		e, ok := attributes.Find(id)
		if ok && (!e.Signed || e.Kind == attributes.KindContentType) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// validateAttributes records the outcome of every mandated attribute and of
// every other attribute the signer carries.
func (s *session) validateAttributes(c *checkContext, sc *policy.StampContext, r *report.SignatureReport) {
	mandated := c.mandated(sc)
	isMandated := make(map[string]bool, len(mandated))
	for _, id := range mandated {
		isMandated[id] = true
		occurrences := c.signer.Find(id)
		if len(occurrences) == 0 {
			err := policy.NewAttributeError(id, policy.ErrMissingAttribute)
			r.AddAttributeResult(report.ClassMandated, id, report.OutcomeMissing, err.Error())
			continue
		}
		s.record(c, r, report.ClassMandated, id, occurrences)
	}

	for _, id := range c.signer.IDs() {
		if isMandated[id] {
			continue
		}
		s.record(c, r, report.ClassExtra, id, c.signer.Find(id))
	}
}

func (s *session) record(c *checkContext, r *report.SignatureReport, class report.AttributeClass, id string, occurrences []*message.Attribute) {
	err := checkOccurrences(c, id, occurrences)
	switch {
	case err == nil:
		r.AddAttributeResult(class, id, report.OutcomeOK, "")
	case class == report.ClassExtra:
		r.AddAttributeResult(class, id, report.OutcomeWarning, err.Error())
	default:
		r.AddAttributeResult(class, id, report.OutcomeInvalid, err.Error())
	}
	if err != nil {
		s.logger().Debugf("%s: %v", c.signer.Selector, err)
	}
	if k, _ := attributes.KindOf(id); k == attributes.KindSigningCertificate {
		r.AddAttributeResult(class, id, report.OutcomeWarning, legacyWarning)
	}
}

func checkOccurrences(c *checkContext, id string, occurrences []*message.Attribute) error {
	e, known := attributes.Find(id)
	if !known {
		return nil
	}
	if e.Unique && len(occurrences) > 1 {
		return policy.NewAttributeError(id, policy.ErrDuplicateAttribute)
	}
	check, ok := checks[e.Kind]
	if !ok {
		return nil
	}
	for _, a := range occurrences {
		if err := check(c, a); err != nil {
			return policy.NewAttributeError(id, err)
		}
	}
	return nil
}

func isXML(a *message.Attribute) bool {
	return a.Element != nil
}

// singleValue returns the only value of a CMS attribute.
func singleValue(a *message.Attribute) ([]byte, error) {
	if len(a.Values) != 1 {
		return nil, fmt.Errorf("%w: %d values", attributes.ErrInvalidAttribute, len(a.Values))
	}
	return a.Values[0], nil
}

func unmarshalValue(a *message.Attribute, v interface{}) error {
	der, err := singleValue(a)
	if err != nil {
		return err
	}
	rest, err := asn1.Unmarshal(der, v)
	if err != nil {
		return fmt.Errorf("%w: %v", attributes.ErrInvalidAttribute, err)
	}
	if len(rest) > 0 {
		return fmt.Errorf("%w: trailing data", attributes.ErrInvalidAttribute)
	}
	return nil
}

func checkContentType(c *checkContext, a *message.Attribute) error {
	if c.counter {
		return errors.New("not allowed in a counter-signature")
	}
	var oid asn1.ObjectIdentifier
	if err := unmarshalValue(a, &oid); err != nil {
		return err
	}
	if want := c.signer.Message.ContentType; !oid.Equal(want) {
		return fmt.Errorf("content type %v differs from the encapsulated %v", oid, want)
	}
	return nil
}

func checkMessageDigest(c *checkContext, a *message.Attribute) error {
	var digest []byte
	if err := unmarshalValue(a, &digest); err != nil {
		return err
	}
	if !c.integrity.HashValid {
		return errors.New("digest does not match the signed content")
	}
	return nil
}

func signingTime(signer *message.Signer) (time.Time, error) {
	for _, a := range signer.Signed {
		if a.Kind() == attributes.KindSigningTime {
			return decodeSigningTime(a)
		}
	}
	return time.Time{}, policy.ErrMissingAttribute
}

func decodeSigningTime(a *message.Attribute) (time.Time, error) {
	if isXML(a) {
		return xades.SigningTime(a.Element)
	}
	var t time.Time
	if err := unmarshalValue(a, &t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func checkSigningTime(c *checkContext, a *message.Attribute) error {
	t, err := decodeSigningTime(a)
	if err != nil {
		return err
	}
	if c.cert == nil {
		return nil
	}
	if t.Before(c.cert.NotBefore) || t.After(c.cert.NotAfter) {
		return fmt.Errorf("signing time %s is outside the signer certificate validity", t.UTC().Format(time.RFC3339))
	}
	return nil
}

// signingCertificateRef decodes the first certificate identifier of a
// signing-certificate attribute, with the issuer GeneralNames when the
// encoding carries them.
func signingCertificateRef(a *message.Attribute) (attributes.CertRef, asn1.RawValue, error) {
	var issuer asn1.RawValue
	if isXML(a) {
		refs, err := xades.SigningCertificate(a.Element)
		if err != nil {
			return attributes.CertRef{}, issuer, err
		}
		return refs[0], issuer, nil
	}
	der, err := singleValue(a)
	if err != nil {
		return attributes.CertRef{}, issuer, err
	}
	if a.Kind() == attributes.KindSigningCertificate {
		sc, err := attributes.DecodeSigningCertificate(der)
		if err != nil {
			return attributes.CertRef{}, issuer, err
		}
		id := sc.Certs[0]
		ref := attributes.CertRef{Hash: crypto.SHA1, Digest: id.CertHash, Serial: id.IssuerSerial.SerialNumber}
		return ref, id.IssuerSerial.Issuer, nil
	}
	sc, err := attributes.DecodeSigningCertificateV2(der)
	if err != nil {
		return attributes.CertRef{}, issuer, err
	}
	id := sc.Certs[0]
	h, err := id.Hash()
	if err != nil {
		return attributes.CertRef{}, issuer, err
	}
	ref := attributes.CertRef{Hash: h, Digest: id.CertHash, Serial: id.IssuerSerial.SerialNumber}
	return ref, id.IssuerSerial.Issuer, nil
}

func checkSigningCertificate(c *checkContext, a *message.Attribute) error {
	ref, issuer, err := signingCertificateRef(a)
	if err != nil {
		return err
	}
	if c.cert == nil {
		return ErrSignerNotFound
	}
	if !ref.Matches(c.cert) {
		return errors.New("certificate hash does not match the signer certificate")
	}
	if ref.Serial != nil && ref.Serial.Cmp(c.cert.SerialNumber) != 0 {
		return errors.New("serial number does not match the signer certificate")
	}
	if !issuerMatches(issuer, c.cert) {
		return errors.New("issuer does not match the signer certificate")
	}
	return nil
}

// issuerMatches compares the directoryName entries of a GeneralNames value
// with the issuer of cert. An absent value matches.
func issuerMatches(raw asn1.RawValue, cert *x509.Certificate) bool {
	if len(raw.FullBytes) == 0 {
		return true
	}
	var names []asn1.RawValue
	if _, err := asn1.Unmarshal(raw.FullBytes, &names); err != nil {
		return false
	}
	found := false
	for _, n := range names {
		if n.Class != asn1.ClassContextSpecific || n.Tag != 4 {
			continue
		}
		found = true
		if bytes.Equal(n.Bytes, cert.RawIssuer) {
			return true
		}
	}
	return !found
}

func signaturePolicy(a *message.Attribute) (*attributes.SignaturePolicyID, error) {
	if isXML(a) {
		return xades.SignaturePolicy(a.Element)
	}
	der, err := singleValue(a)
	if err != nil {
		return nil, err
	}
	return attributes.DecodeSignaturePolicy(der)
}

func checkSignaturePolicy(c *checkContext, a *message.Attribute) error {
	sp, err := signaturePolicy(a)
	if err != nil {
		return err
	}
	if got := sp.SigPolicyID.String(); got != c.policy.OID {
		return fmt.Errorf("names policy %s, verified against %s", got, c.policy.OID)
	}
	if len(c.policy.Digest) == 0 {
		return nil
	}
	h, err := attributes.HashForOID(sp.SigPolicyHash.HashAlgorithm.Algorithm)
	if err != nil {
		return err
	}
	if c.policy.DigestAlgorithm != 0 && h != c.policy.DigestAlgorithm {
		return fmt.Errorf("policy hash uses %s, the policy is digested with %s", h, c.policy.DigestAlgorithm)
	}
	if !bytes.Equal(sp.SigPolicyHash.HashValue, c.policy.Digest) {
		return errors.New("policy hash does not match the policy document")
	}
	return nil
}

// checkStructure only requires the attribute to decode.
func checkStructure(_ *checkContext, a *message.Attribute) error {
	if isXML(a) {
		if len(a.Element.ChildElements()) == 0 && strings.TrimSpace(a.Element.Text()) == "" {
			return fmt.Errorf("%w: empty element", attributes.ErrInvalidAttribute)
		}
		return nil
	}
	if len(a.Values) == 0 {
		return fmt.Errorf("%w: no values", attributes.ErrInvalidAttribute)
	}
	for _, v := range a.Values {
		var raw asn1.RawValue
		rest, err := asn1.Unmarshal(v, &raw)
		if err != nil {
			return fmt.Errorf("%w: %v", attributes.ErrInvalidAttribute, err)
		}
		if len(rest) > 0 {
			return fmt.Errorf("%w: trailing data", attributes.ErrInvalidAttribute)
		}
	}
	return nil
}

// checkTimestamp reflects the sub-reports of the tokens held by a.
func checkTimestamp(c *checkContext, a *message.Attribute) error {
	if c.nested {
		return nil
	}
	found := false
	var failed []string
	for _, st := range c.stamps {
		if st.ts.Attribute != a {
			continue
		}
		found = true
		if st.status != report.StatusValid {
			failed = append(failed, fmt.Sprintf("time-stamp is %s%s", st.status, reason(st.report)))
		}
	}
	if !found {
		return fmt.Errorf("%w: no time-stamp token", attributes.ErrInvalidAttribute)
	}
	if len(failed) > 0 {
		return errors.New(strings.Join(failed, "; "))
	}
	return nil
}

// reason summarizes why a node is not valid.
func reason(r *report.SignatureReport) string {
	var msg string
	switch {
	case r.ParseError != "":
		msg = r.ParseError
	case r.IntegrityError != "":
		msg = r.IntegrityError
	case r.PolicyError != "":
		msg = r.PolicyError
	case r.PathReason != "":
		msg = r.PathReason
	default:
		for _, a := range r.Attributes {
			if a.Class == report.ClassMandated && a.Outcome.Failed() {
				msg = a.Message
				break
			}
		}
	}
	if msg == "" {
		return ""
	}
	return ": " + msg
}

func certificateRefs(a *message.Attribute) ([]attributes.CertRef, error) {
	if isXML(a) {
		return xades.CertificateRefs(a.Element)
	}
	der, err := singleValue(a)
	if err != nil {
		return nil, err
	}
	return attributes.DecodeCertificateRefs(der)
}

func checkCertificateRefs(c *checkContext, a *message.Attribute) error {
	refs, err := certificateRefs(a)
	if err != nil {
		return err
	}
	for i, ref := range refs {
		if !c.resolves(ref) {
			return fmt.Errorf("reference %d does not resolve to a known certificate", i+1)
		}
	}
	return nil
}

func (c *checkContext) resolves(ref attributes.CertRef) bool {
	candidates := append([]*x509.Certificate(nil), c.known...)
	candidates = append(candidates, c.policy.Signing.Anchors.Certificates()...)
	candidates = append(candidates, c.policy.TimeStamping.Anchors.Certificates()...)
	for _, st := range c.stamps {
		if st.ts.Token != nil {
			candidates = append(candidates, st.ts.Token.Certificates...)
		}
	}
	for _, cert := range candidates {
		if ref.Matches(cert) {
			return true
		}
	}
	return false
}

func checkRevocationRefs(_ *checkContext, a *message.Attribute) error {
	if isXML(a) {
		_, err := xades.RevocationRefs(a.Element)
		return err
	}
	der, err := singleValue(a)
	if err != nil {
		return err
	}
	_, err = attributes.DecodeRevocationRefs(der)
	return err
}

func certificateValues(a *message.Attribute) ([]*x509.Certificate, error) {
	if isXML(a) {
		return xades.CertificateValues(a.Element)
	}
	der, err := singleValue(a)
	if err != nil {
		return nil, err
	}
	return attributes.DecodeCertificateValues(der)
}

func checkCertificateValues(_ *checkContext, a *message.Attribute) error {
	certs, err := certificateValues(a)
	if err != nil {
		return err
	}
	if len(certs) == 0 {
		return fmt.Errorf("%w: no certificates", attributes.ErrInvalidAttribute)
	}
	return nil
}

func revocationValues(a *message.Attribute) ([]*x509.RevocationList, error) {
	if isXML(a) {
		return xades.RevocationValues(a.Element)
	}
	der, err := singleValue(a)
	if err != nil {
		return nil, err
	}
	_, crls, err := attributes.DecodeRevocationValues(der)
	return crls, err
}

func checkRevocationValues(_ *checkContext, a *message.Attribute) error {
	_, err := revocationValues(a)
	return err
}

// checkCounterSignature reflects the sub-reports of the counter-signatures.
func checkCounterSignature(c *checkContext, _ *message.Attribute) error {
	var failed []string
	for _, sub := range c.counters {
		if sub.Status != report.StatusValid {
			who := sub.Signer
			if who == "" {
				who = "counter-signature"
			}
			failed = append(failed, fmt.Sprintf("%s is %s%s", who, sub.Status, reason(sub)))
		}
	}
	if len(failed) > 0 {
		return errors.New(strings.Join(failed, "; "))
	}
	return nil
}
