package xades

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	dsig "github.com/russellhaering/goxmldsig"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
)

var (
	ErrDigestMismatch      = errors.New("reference digest mismatch")
	ErrUnresolvedReference = errors.New("reference target not found")
)

// backend implements message.Backend for one ds:Signature.
type backend struct {
	signer     *message.Signer
	root       *etree.Element
	signature  *etree.Element
	signedInfo *etree.Element
	c14n       string
	value      *etree.Element
	refs       []reference
	// primary marks the only top-level signature of a document when it
	// envelops the root. goxmldsig validates it as a whole.
	primary bool
}

func (b *backend) envelopedRoot() bool {
	for _, r := range b.refs {
		if r.URI == "" && r.has(string(dsig.EnvelopedSignatureAltorithmId)) {
			return true
		}
	}
	return false
}

func (r reference) has(transform string) bool {
	for _, t := range r.Transforms {
		if t == transform {
			return true
		}
	}
	return false
}

func (b *backend) VerifyIntegrity(cert *x509.Certificate, content []byte) message.Integrity {
	var res message.Integrity
	if cert == nil {
		res.Err = ErrMissingCertificate
		return res
	}

	hashErr := b.verifyReferences(content)
	res.HashValid = hashErr == nil

	sig, converted := signatureDER(b.signer.SignatureAlgorithm, b.signer.Signature)
	if err := b.verifySignedInfo(cert, sig); err != nil {
		res.Err = errors.Join(hashErr, fmt.Errorf("signature value: %w", err))
		return res
	}
	res.SignatureValid = true
	if hashErr != nil {
		res.Err = hashErr
		return res
	}

	// goxmldsig only understands DER encoded ECDSA values
	if b.primary && !converted && cert.Equal(b.signer.Selector.Certificate) {
		if _, err := b.validationContext(cert).Validate(b.root); err != nil {
			res.SignatureValid = false
			res.Err = fmt.Errorf("xmldsig: %w", err)
		}
	}
	return res
}

// validationContext trusts exactly cert. The clock is pinned inside the
// certificate's validity period: validity at the reference time is checked
// by the path validator.
func (b *backend) validationContext(cert *x509.Certificate) *dsig.ValidationContext {
	ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	ctx.IdAttribute = "Id"
	ctx.Clock = dsig.NewFakeClock(clockwork.NewFakeClockAt(cert.NotBefore))
	return ctx
}

func (b *backend) verifySignedInfo(cert *x509.Certificate, sig []byte) error {
	data, err := canonicalizeWith(b.signedInfo, b.c14n, "", nil)
	if err != nil {
		return err
	}
	return cert.CheckSignature(b.signer.SignatureAlgorithm, data, sig)
}

func (b *backend) verifyReferences(content []byte) error {
	for _, r := range b.refs {
		data, err := b.referenceData(r, content)
		if err != nil {
			return fmt.Errorf("reference %q: %w", r.URI, err)
		}
		if !r.Hash.Available() {
			return fmt.Errorf("reference %q: %w: %v", r.URI, ErrUnsupportedAlgorithm, r.Hash)
		}
		h := r.Hash.New()
		h.Write(data)
		if !bytes.Equal(h.Sum(nil), r.Digest) {
			return fmt.Errorf("reference %q: %w", r.URI, ErrDigestMismatch)
		}
	}
	return nil
}

// referenceData dereferences r and applies its transforms. Same-document
// references yield canonical XML; any other URI names the detached content.
func (b *backend) referenceData(r reference, content []byte) ([]byte, error) {
	var target *etree.Element
	switch {
	case r.URI == "":
		target = b.root
	case strings.HasPrefix(r.URI, "#"):
		if target = findByID(b.root, r.URI[1:]); target == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedReference, r.URI)
		}
	default:
		if content == nil {
			return nil, ErrNoContent
		}
		return content, nil
	}

	var without []int
	method := ""
	for _, t := range r.Transforms {
		if t == string(dsig.EnvelopedSignatureAltorithmId) {
			without = pathTo(target, b.signature)
			continue
		}
		method = t
	}
	return canonicalizeWith(target, method, r.PrefixList, without)
}

func findByID(el *etree.Element, id string) *etree.Element {
	for _, key := range []string{"Id", "ID", "id"} {
		if el.SelectAttrValue(key, "") == id {
			return el
		}
	}
	for _, c := range el.ChildElements() {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

// signatureDER converts an XML-DSig ECDSA value (r || s) into the ASN.1 form
// crypto/x509 verifies. Other values are returned unchanged.
func signatureDER(alg x509.SignatureAlgorithm, sig []byte) ([]byte, bool) {
	switch alg {
	case x509.ECDSAWithSHA1, x509.ECDSAWithSHA256, x509.ECDSAWithSHA384, x509.ECDSAWithSHA512:
	default:
		return sig, false
	}
	in := cryptobyte.String(sig)
	var inner cryptobyte.String
	if in.ReadASN1(&inner, cbasn1.SEQUENCE) && in.Empty() {
		return sig, false
	}
	if len(sig) == 0 || len(sig)%2 != 0 {
		return sig, false
	}
	half := len(sig) / 2
	var bld cryptobyte.Builder
	bld.AddASN1(cbasn1.SEQUENCE, func(c *cryptobyte.Builder) {
		c.AddASN1BigInt(new(big.Int).SetBytes(sig[:half]))
		c.AddASN1BigInt(new(big.Int).SetBytes(sig[half:]))
	})
	der, err := bld.Bytes()
	if err != nil {
		return sig, false
	}
	return der, true
}

// stampMethod is the canonicalization a time-stamp property declares,
// exclusive C14N when it declares none.
func stampMethod(stamp *message.Attribute) string {
	if stamp != nil && stamp.Element != nil {
		if m := childDS(stamp.Element, dsig.CanonicalizationMethodTag); m != nil {
			return m.SelectAttrValue(dsig.AlgorithmAttr, "")
		}
	}
	return string(dsig.CanonicalXML10ExclusiveAlgorithmId)
}

func (b *backend) StampedData(stamp *message.Attribute, content []byte) ([]byte, error) {
	method := stampMethod(stamp)
	switch stamp.Kind() {
	case attributes.KindSignatureTimestamp:
		return Canonicalize(b.value, method)
	case attributes.KindContentTimestamp:
		return b.contentData(content)
	case attributes.KindEscTimestamp:
		return b.escData(method)
	case attributes.KindArchiveTimestamp:
		return b.archiveData(stamp, method, content)
	}
	return nil, fmt.Errorf("%s is not a time-stamp attribute", attributes.HumanName(stamp.ID))
}

// contentData concatenates the data objects covered by the signature: every
// reference except the one to SignedProperties.
func (b *backend) contentData(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range b.refs {
		if r.Type == TypeSignedProperties {
			continue
		}
		data, err := b.referenceData(r, content)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// escData covers the SignatureValue, the signature time-stamps and the
// complete references.
func (b *backend) escData(method string) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, b.value, method); err != nil {
		return nil, err
	}
	for _, id := range []string{
		attributes.XMLSignatureTimestamp,
		attributes.XMLCompleteCertificateRefs,
		attributes.XMLCompleteRevocationRefs,
	} {
		for _, a := range b.signer.Unsigned {
			if a.ID != id {
				continue
			}
			if err := writeCanonical(&buf, a.Element, method); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// archiveData covers the referenced data, SignedInfo, SignatureValue,
// KeyInfo and the unsigned properties preceding the stamp.
func (b *backend) archiveData(stamp *message.Attribute, method string, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range b.refs {
		data, err := b.referenceData(r, content)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	for _, el := range []*etree.Element{b.signedInfo, b.value, childDS(b.signature, dsig.KeyInfoTag)} {
		if el == nil {
			continue
		}
		if err := writeCanonical(&buf, el, method); err != nil {
			return nil, err
		}
	}
	for _, a := range b.signer.Unsigned {
		if a == stamp {
			break
		}
		if err := writeCanonical(&buf, a.Element, method); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, el *etree.Element, method string) error {
	data, err := Canonicalize(el, method)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}
