// Package xades parses XAdES signatures into the format-neutral message
// model and checks their integrity with goxmldsig.
package xades

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
)

// XML namespaces.
const (
	NamespaceXAdES    = "http://uri.etsi.org/01903/v1.3.2#"
	NamespaceXAdES141 = "http://uri.etsi.org/01903/v1.4.1#"

	// TypeSignedProperties marks the reference covering SignedProperties.
	TypeSignedProperties = "http://uri.etsi.org/01903#SignedProperties"
	// TypeCountersignedSignature marks the reference a counter-signature
	// makes to the countersigned SignatureValue.
	TypeCountersignedSignature = "http://uri.etsi.org/01903#CountersignedSignature"
)

var (
	ErrNoSignature        = errors.New("no ds:Signature element")
	ErrNoContent          = errors.New("detached content is not available")
	ErrMissingCertificate = errors.New("signer certificate not available")
)

// reference is a parsed ds:Reference.
type reference struct {
	URI        string
	Type       string
	Transforms []string
	PrefixList string
	Hash       crypto.Hash
	Digest     []byte
}

func isDS(el *etree.Element, tag string) bool {
	return el != nil && el.Tag == tag && el.NamespaceURI() == dsig.Namespace
}

func isXAdES(el *etree.Element, tag string) bool {
	if el == nil || el.Tag != tag {
		return false
	}
	ns := el.NamespaceURI()
	return ns == NamespaceXAdES || ns == NamespaceXAdES141
}

func childDS(el *etree.Element, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if isDS(c, tag) {
			return c
		}
	}
	return nil
}

func childXAdES(el *etree.Element, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if isXAdES(c, tag) {
			return c
		}
	}
	return nil
}

// attributeID is the catalog identifier of a qualifying property element.
func attributeID(el *etree.Element) string {
	return "xades:" + el.Tag
}

// Parse decodes an XML document holding one or more XAdES signatures. Every
// ds:Signature that is not itself a counter-signature yields a signer.
func Parse(data []byte) (*message.Message, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, message.NewParseError("xml document", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, message.NewParseError("xml document", errors.New("no root element"))
	}

	sigs := findSignatures(root)
	if len(sigs) == 0 {
		return nil, message.NewParseError("signature", ErrNoSignature)
	}

	msg := &message.Message{Encoding: attributes.EncodingXML}
	for _, el := range sigs {
		s, err := parseSignature(el, root, msg)
		if err != nil {
			msg.SignerErrors = append(msg.SignerErrors, err)
			continue
		}
		msg.Signers = append(msg.Signers, s)
	}
	if len(msg.Signers) == 0 {
		return nil, msg.SignerErrors[0]
	}
	if len(sigs) == 1 {
		if b := msg.Signers[0].Backend.(*backend); b.envelopedRoot() {
			b.primary = true
		}
	}
	return msg, nil
}

// findSignatures returns the ds:Signature elements under el in document
// order, without descending into signatures or counter-signatures.
func findSignatures(el *etree.Element) []*etree.Element {
	if isDS(el, dsig.SignatureTag) {
		return []*etree.Element{el}
	}
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if isXAdES(c, "CounterSignature") {
			continue
		}
		out = append(out, findSignatures(c)...)
	}
	return out
}

func parseSignature(el, root *etree.Element, msg *message.Message) (*message.Signer, error) {
	signedInfo := childDS(el, dsig.SignedInfoTag)
	if signedInfo == nil {
		return nil, message.NewParseError("signed info", errors.New("missing ds:SignedInfo"))
	}
	c14n := childDS(signedInfo, dsig.CanonicalizationMethodTag)
	if c14n == nil {
		return nil, message.NewParseError("signed info", errors.New("missing ds:CanonicalizationMethod"))
	}
	method := childDS(signedInfo, dsig.SignatureMethodTag)
	if method == nil {
		return nil, message.NewParseError("signed info", errors.New("missing ds:SignatureMethod"))
	}
	sigAlg, hash, err := SignatureAlgorithm(method.SelectAttrValue(dsig.AlgorithmAttr, ""))
	if err != nil {
		return nil, message.NewParseError("signature method", err)
	}

	refs, err := parseReferences(signedInfo)
	if err != nil {
		return nil, message.NewParseError("reference", err)
	}

	valueEl := childDS(el, dsig.SignatureValueTag)
	if valueEl == nil {
		return nil, message.NewParseError("signature value", errors.New("missing ds:SignatureValue"))
	}
	value, err := base64.StdEncoding.DecodeString(base64Text(valueEl))
	if err != nil {
		return nil, message.NewParseError("signature value", err)
	}

	sel, err := parseKeyInfo(childDS(el, dsig.KeyInfoTag), msg)
	if err != nil {
		return nil, message.NewParseError("key info", err)
	}

	s := &message.Signer{
		Selector:           sel,
		DigestAlgorithm:    hash,
		SignatureAlgorithm: sigAlg,
		Signature:          value,
		Message:            msg,
	}

	qp := qualifyingProperties(el)
	if qp != nil {
		if err := parseProperties(s, qp, root); err != nil {
			return nil, err
		}
	}

	s.Backend = &backend{
		signer:     s,
		root:       root,
		signature:  el,
		signedInfo: signedInfo,
		c14n:       c14n.SelectAttrValue(dsig.AlgorithmAttr, ""),
		value:      valueEl,
		refs:       refs,
	}
	return s, nil
}

func parseReferences(signedInfo *etree.Element) ([]reference, error) {
	var refs []reference
	for _, r := range signedInfo.ChildElements() {
		if !isDS(r, dsig.ReferenceTag) {
			continue
		}
		ref := reference{
			URI:  r.SelectAttrValue(dsig.URIAttr, ""),
			Type: r.SelectAttrValue("Type", ""),
		}
		if ts := childDS(r, dsig.TransformsTag); ts != nil {
			for _, t := range ts.ChildElements() {
				if !isDS(t, dsig.TransformTag) {
					continue
				}
				ref.Transforms = append(ref.Transforms, t.SelectAttrValue(dsig.AlgorithmAttr, ""))
				for _, in := range t.ChildElements() {
					if in.Tag == dsig.InclusiveNamespacesTag {
						ref.PrefixList = in.SelectAttrValue(dsig.PrefixListAttr, "")
					}
				}
			}
		}
		dm := childDS(r, dsig.DigestMethodTag)
		if dm == nil {
			return nil, fmt.Errorf("reference %q: missing ds:DigestMethod", ref.URI)
		}
		h, err := HashForDigestMethod(dm.SelectAttrValue(dsig.AlgorithmAttr, ""))
		if err != nil {
			return nil, fmt.Errorf("reference %q: %w", ref.URI, err)
		}
		ref.Hash = h
		if ref.Digest, err = base64.StdEncoding.DecodeString(base64Text(childDS(r, dsig.DigestValueTag))); err != nil {
			return nil, fmt.Errorf("reference %q: %w", ref.URI, err)
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil, errors.New("no ds:Reference")
	}
	return refs, nil
}

// parseKeyInfo collects the ds:X509Certificate elements into the message and
// builds the selector from the first one, or from ds:X509SKI.
func parseKeyInfo(ki *etree.Element, msg *message.Message) (message.Selector, error) {
	var sel message.Selector
	if ki == nil {
		return sel, nil
	}
	for _, data := range ki.ChildElements() {
		if !isDS(data, dsig.X509DataTag) {
			continue
		}
		for _, c := range data.ChildElements() {
			switch {
			case isDS(c, dsig.X509CertificateTag):
				der, err := base64.StdEncoding.DecodeString(base64Text(c))
				if err != nil {
					return sel, err
				}
				cert, err := x509.ParseCertificate(der)
				if err != nil {
					return sel, err
				}
				if sel.Certificate == nil {
					sel.Certificate = cert
				}
				addCertificate(msg, cert)
			case isDS(c, "X509SKI"):
				ski, err := base64.StdEncoding.DecodeString(base64Text(c))
				if err != nil {
					return sel, err
				}
				sel.SubjectKeyID = ski
			}
		}
	}
	return sel, nil
}

func addCertificate(msg *message.Message, cert *x509.Certificate) {
	for _, c := range msg.Certificates {
		if bytes.Equal(c.Raw, cert.Raw) {
			return
		}
	}
	msg.Certificates = append(msg.Certificates, cert)
}

func qualifyingProperties(sig *etree.Element) *etree.Element {
	for _, obj := range sig.ChildElements() {
		if !isDS(obj, "Object") {
			continue
		}
		if qp := childXAdES(obj, "QualifyingProperties"); qp != nil {
			return qp
		}
	}
	return nil
}

// parseProperties maps the signed and unsigned qualifying properties of s
// to attributes. Counter-signatures become nested signers.
func parseProperties(s *message.Signer, qp, root *etree.Element) error {
	if sp := childXAdES(qp, "SignedProperties"); sp != nil {
		for _, group := range []string{"SignedSignatureProperties", "SignedDataObjectProperties"} {
			for _, el := range childElements(childXAdES(sp, group)) {
				a, err := newAttribute(el, true)
				if err != nil {
					return err
				}
				s.Signed = append(s.Signed, a)
			}
		}
	}

	up := childXAdES(qp, "UnsignedProperties")
	for _, el := range childElements(childXAdES(up, "UnsignedSignatureProperties")) {
		a, err := newAttribute(el, false)
		if err != nil {
			return err
		}
		s.Unsigned = append(s.Unsigned, a)

		if a.ID != attributes.XMLCounterSignature {
			continue
		}
		inner := childDS(el, dsig.SignatureTag)
		if inner == nil {
			s.CounterErrors = append(s.CounterErrors,
				message.NewParseError("counter-signature", ErrNoSignature))
			continue
		}
		cs, err := parseSignature(inner, root, s.Message)
		if err != nil {
			s.CounterErrors = append(s.CounterErrors, err)
			continue
		}
		s.Counters = append(s.Counters, cs)
	}
	return nil
}

func childElements(el *etree.Element) []*etree.Element {
	if el == nil {
		return nil
	}
	return el.ChildElements()
}

// newAttribute wraps a property element. Raw holds its exclusive canonical
// form; time-stamp properties also carry their decoded tokens in Values.
func newAttribute(el *etree.Element, signed bool) (*message.Attribute, error) {
	raw, err := Canonicalize(el, string(dsig.CanonicalXML10ExclusiveAlgorithmId))
	if err != nil {
		return nil, message.NewParseError(attributeID(el), err)
	}
	a := &message.Attribute{
		ID:      attributeID(el),
		Signed:  signed,
		Raw:     raw,
		Element: el,
	}
	if a.Kind().IsTimestamp() {
		for _, c := range el.ChildElements() {
			if !isXAdES(c, "EncapsulatedTimeStamp") {
				continue
			}
			der, err := base64.StdEncoding.DecodeString(base64Text(c))
			if err != nil {
				return nil, message.NewParseError(a.ID, err)
			}
			a.Values = append(a.Values, der)
		}
	}
	return a, nil
}
