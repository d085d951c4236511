// Package xadestest builds XAdES signatures for tests. Keys and tokens come
// from cmstest.
package xadestest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/require"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/cms/cmstest"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
	"github.com/kyriosdata/seguranca-sub004/sign/xades"
)

const exc = string(dsig.CanonicalXML10ExclusiveAlgorithmId)

// DetachedURI is the reference URI used for detached content.
const DetachedURI = "content.bin"

// Options controls the signed properties of a signature.
type Options struct {
	// Policy adds SignaturePolicyIdentifier when set.
	Policy       asn1.ObjectIdentifier
	PolicyDigest []byte

	SigningTime     time.Time
	OmitSigningTime bool

	LegacySigningCertificate bool
	OmitSigningCertificate   bool

	// ContentTimestamp adds AllDataObjectsTimeStamp.
	ContentTimestamp     *cmstest.TSA
	ContentTimestampTime time.Time

	// Detached signs the content by reference instead of enveloping the
	// document.
	Detached bool

	// Chain is written to KeyInfo after the signer certificate.
	Chain []*x509.Certificate

	// Extra holds additional SignedSignatureProperties children.
	Extra []*etree.Element
}

// Counter describes a counter-signature and the counter-signatures over it.
type Counter struct {
	Signer   *cmstest.Identity
	Options  Options
	Counters []*Counter
}

type node struct {
	sig   *etree.Element
	value *etree.Element
	qp    *etree.Element
}

// Builder assembles a XAdES signature. Unsigned properties are kept in the
// order they are added.
type Builder struct {
	tb      testing.TB
	doc     *etree.Document
	content []byte
	top     *node
}

type ref struct {
	uri, typ   string
	transforms []string
	data       []byte
}

// Sign signs document with signer. document must be XML unless
// opts.Detached is set, in which case it is signed as opaque content and the
// signature becomes the document root.
func Sign(tb testing.TB, signer *cmstest.Identity, document []byte, opts Options) *Builder {
	tb.Helper()
	b := &Builder{tb: tb, doc: etree.NewDocument(), content: document}

	var parent *etree.Element
	var refs []ref
	if opts.Detached {
		parent = &b.doc.Element
		refs = append(refs, ref{uri: DetachedURI, data: document})
	} else {
		require.NoError(tb, b.doc.ReadFromBytes(document))
		parent = b.doc.Root()
		require.NotNil(tb, parent)
		data, err := xades.Canonicalize(parent, exc)
		require.NoError(tb, err)
		refs = append(refs, ref{
			transforms: []string{string(dsig.EnvelopedSignatureAltorithmId), exc},
			data:       data,
		})
	}
	b.top = b.sign(parent, signer, opts, refs)
	return b
}

func b64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

func digestOf(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func addDigest(parent *etree.Element, digest []byte) {
	parent.CreateElement("ds:DigestMethod").CreateAttr(dsig.AlgorithmAttr, xades.DigestSHA256)
	parent.CreateElement("ds:DigestValue").SetText(b64(digest))
}

func signatureAlgorithm(key crypto.Signer) x509.SignatureAlgorithm {
	if _, ok := key.Public().(*ecdsa.PublicKey); ok {
		return x509.ECDSAWithSHA256
	}
	return x509.SHA256WithRSA
}

// sign creates a ds:Signature under parent covering refs and its own
// SignedProperties.
func (b *Builder) sign(parent *etree.Element, signer *cmstest.Identity, opts Options, refs []ref) *node {
	b.tb.Helper()
	id := "sig-" + uuid.NewString()

	sig := parent.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", dsig.Namespace)
	sig.CreateAttr("Id", id)

	si := sig.CreateElement("ds:SignedInfo")
	si.CreateElement("ds:CanonicalizationMethod").CreateAttr(dsig.AlgorithmAttr, exc)
	method, err := xades.SignatureMethod(signatureAlgorithm(signer.Key))
	require.NoError(b.tb, err)
	si.CreateElement("ds:SignatureMethod").CreateAttr(dsig.AlgorithmAttr, method)

	value := sig.CreateElement("ds:SignatureValue")
	value.CreateAttr("Id", id+"-value")

	x509Data := sig.CreateElement("ds:KeyInfo").CreateElement("ds:X509Data")
	for _, c := range append([]*x509.Certificate{signer.Cert}, opts.Chain...) {
		x509Data.CreateElement("ds:X509Certificate").SetText(b64(c.Raw))
	}

	qp := sig.CreateElement("ds:Object").CreateElement("xades:QualifyingProperties")
	qp.CreateAttr("xmlns:xades", xades.NamespaceXAdES)
	qp.CreateAttr("Target", "#"+id)
	sp := qp.CreateElement("xades:SignedProperties")
	sp.CreateAttr("Id", id+"-signedprops")
	b.signedProperties(sp.CreateElement("xades:SignedSignatureProperties"), signer, opts)
	if opts.ContentTimestamp != nil {
		var data []byte
		for _, r := range refs {
			data = append(data, r.data...)
		}
		token := opts.ContentTimestamp.Token(b.tb, data, opts.ContentTimestampTime)
		stamp(sp.CreateElement("xades:SignedDataObjectProperties"), "xades:AllDataObjectsTimeStamp", token)
	}

	for _, r := range refs {
		addReference(si, r.uri, r.typ, r.transforms, digestOf(r.data))
	}
	spData, err := xades.Canonicalize(sp, exc)
	require.NoError(b.tb, err)
	addReference(si, "#"+id+"-signedprops", xades.TypeSignedProperties, []string{exc}, digestOf(spData))

	signed, err := xades.Canonicalize(si, exc)
	require.NoError(b.tb, err)
	raw, err := signer.Key.Sign(rand.Reader, digestOf(signed), crypto.SHA256)
	require.NoError(b.tb, err)
	value.SetText(b64(raw))

	return &node{sig: sig, value: value, qp: qp}
}

func addReference(si *etree.Element, uri, typ string, transforms []string, digest []byte) {
	r := si.CreateElement("ds:Reference")
	r.CreateAttr(dsig.URIAttr, uri)
	if typ != "" {
		r.CreateAttr("Type", typ)
	}
	if len(transforms) > 0 {
		ts := r.CreateElement("ds:Transforms")
		for _, t := range transforms {
			ts.CreateElement("ds:Transform").CreateAttr(dsig.AlgorithmAttr, t)
		}
	}
	addDigest(r, digest)
}

func (b *Builder) signedProperties(ssp *etree.Element, signer *cmstest.Identity, opts Options) {
	if !opts.OmitSigningTime {
		t := opts.SigningTime
		if t.IsZero() {
			t = time.Now()
		}
		ssp.CreateElement("xades:SigningTime").SetText(t.UTC().Format(time.RFC3339))
	}
	switch {
	case opts.OmitSigningCertificate:
	case opts.LegacySigningCertificate:
		SigningCertificate(ssp, signer.Cert)
	default:
		SigningCertificateV2(b.tb, ssp, signer.Cert)
	}
	if opts.Policy != nil {
		digest := opts.PolicyDigest
		if digest == nil {
			digest = make([]byte, sha256.Size)
		}
		spid := ssp.CreateElement("xades:SignaturePolicyIdentifier").CreateElement("xades:SignaturePolicyId")
		spid.CreateElement("xades:SigPolicyId").CreateElement("xades:Identifier").SetText("urn:oid:" + opts.Policy.String())
		addDigest(spid.CreateElement("xades:SigPolicyHash"), digest)
	}
	for _, el := range opts.Extra {
		ssp.AddChild(el.Copy())
	}
}

// SigningCertificate appends a v1 xades:SigningCertificate with a SHA-1
// digest to parent.
func SigningCertificate(parent *etree.Element, cert *x509.Certificate) *etree.Element {
	el := parent.CreateElement("xades:SigningCertificate")
	c := el.CreateElement("xades:Cert")
	sum := sha1.Sum(cert.Raw)
	digest := c.CreateElement("xades:CertDigest")
	digest.CreateElement("ds:DigestMethod").CreateAttr(dsig.AlgorithmAttr, xades.DigestSHA1)
	digest.CreateElement("ds:DigestValue").SetText(b64(sum[:]))
	is := c.CreateElement("xades:IssuerSerial")
	is.CreateElement("ds:X509IssuerName").SetText(cert.Issuer.String())
	is.CreateElement("ds:X509SerialNumber").SetText(cert.SerialNumber.String())
	return el
}

// SigningCertificateV2 appends xades:SigningCertificateV2 to parent.
func SigningCertificateV2(tb testing.TB, parent *etree.Element, cert *x509.Certificate) *etree.Element {
	el := parent.CreateElement("xades:SigningCertificateV2")
	certIDs(tb, el, cert)
	return el
}

func certIDs(tb testing.TB, list *etree.Element, certs ...*x509.Certificate) {
	for _, cert := range certs {
		c := list.CreateElement("xades:Cert")
		addDigest(c.CreateElement("xades:CertDigest"), digestOf(cert.Raw))
		is, err := asn1.Marshal(attributes.IssuerSerial{
			Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
			SerialNumber: cert.SerialNumber,
		})
		require.NoError(tb, err)
		c.CreateElement("xades:IssuerSerialV2").SetText(b64(is))
	}
}

func stamp(parent *etree.Element, tag string, token []byte) *etree.Element {
	el := parent.CreateElement(tag)
	el.CreateElement("ds:CanonicalizationMethod").CreateAttr(dsig.AlgorithmAttr, exc)
	el.CreateElement("xades:EncapsulatedTimeStamp").SetText(b64(token))
	return el
}

// unsigned returns the UnsignedSignatureProperties of n, creating it.
func (n *node) unsigned() *etree.Element {
	up := n.qp.SelectElement("xades:UnsignedProperties")
	if up == nil {
		up = n.qp.CreateElement("xades:UnsignedProperties")
	}
	usp := up.SelectElement("xades:UnsignedSignatureProperties")
	if usp == nil {
		usp = up.CreateElement("xades:UnsignedSignatureProperties")
	}
	return usp
}

// Document returns the document under construction.
func (b *Builder) Document() *etree.Document { return b.doc }

// Content returns the signed content.
func (b *Builder) Content() []byte { return b.content }

// AddUnsigned appends a copy of el to the unsigned signature properties.
func (b *Builder) AddUnsigned(el *etree.Element) *Builder {
	b.top.unsigned().AddChild(el.Copy())
	return b
}

func (b *Builder) stampedData(id string) []byte {
	b.tb.Helper()
	msg, err := xades.Parse(b.Bytes())
	require.NoError(b.tb, err)
	data, err := msg.Signers[0].Backend.StampedData(&message.Attribute{ID: id}, b.content)
	require.NoError(b.tb, err)
	return data
}

// AddSignatureTimestamp stamps the canonical SignatureValue.
func (b *Builder) AddSignatureTimestamp(tsa *cmstest.TSA, genTime time.Time) *Builder {
	data := b.stampedData(attributes.XMLSignatureTimestamp)
	stamp(b.top.unsigned(), "xades:SignatureTimeStamp", tsa.Token(b.tb, data, genTime))
	return b
}

// AddEscTimestamp adds SigAndRefsTimeStamp over the signature, its
// time-stamps and the references added so far.
func (b *Builder) AddEscTimestamp(tsa *cmstest.TSA, genTime time.Time) *Builder {
	data := b.stampedData(attributes.XMLEscTimestamp)
	stamp(b.top.unsigned(), "xades:SigAndRefsTimeStamp", tsa.Token(b.tb, data, genTime))
	return b
}

// AddArchiveTimestamp adds ArchiveTimeStamp over the signature as it stands.
func (b *Builder) AddArchiveTimestamp(tsa *cmstest.TSA, genTime time.Time) *Builder {
	data := b.stampedData(attributes.XMLArchiveTimestamp)
	stamp(b.top.unsigned(), "xades:ArchiveTimeStamp", tsa.Token(b.tb, data, genTime))
	return b
}

// AddReferences adds CompleteCertificateRefs and CompleteRevocationRefs.
func (b *Builder) AddReferences(certs []*x509.Certificate, crls [][]byte) *Builder {
	usp := b.top.unsigned()
	certIDs(b.tb, usp.CreateElement("xades:CompleteCertificateRefs").CreateElement("xades:CertRefs"), certs...)
	list := usp.CreateElement("xades:CompleteRevocationRefs").CreateElement("xades:CRLRefs")
	for _, crl := range crls {
		addDigest(list.CreateElement("xades:CRLRef").CreateElement("xades:DigestAlgAndValue"), digestOf(crl))
	}
	return b
}

// AddValues adds CertificateValues and RevocationValues.
func (b *Builder) AddValues(certs []*x509.Certificate, crls [][]byte) *Builder {
	usp := b.top.unsigned()
	cv := usp.CreateElement("xades:CertificateValues")
	for _, c := range certs {
		cv.CreateElement("xades:EncapsulatedX509Certificate").SetText(b64(c.Raw))
	}
	list := usp.CreateElement("xades:RevocationValues").CreateElement("xades:CRLValues")
	for _, crl := range crls {
		list.CreateElement("xades:EncapsulatedCRLValue").SetText(b64(crl))
	}
	return b
}

// AddCounterSignature counter-signs the SignatureValue.
func (b *Builder) AddCounterSignature(c *Counter) *Builder {
	b.counterSign(b.top, c)
	return b
}

func (b *Builder) counterSign(parent *node, c *Counter) {
	b.tb.Helper()
	data, err := xades.Canonicalize(parent.value, exc)
	require.NoError(b.tb, err)
	holder := parent.unsigned().CreateElement("xades:CounterSignature")
	n := b.sign(holder, c.Signer, c.Options, []ref{{
		uri:        "#" + parent.value.SelectAttrValue("Id", ""),
		typ:        xades.TypeCountersignedSignature,
		transforms: []string{exc},
		data:       data,
	}})
	for _, nested := range c.Counters {
		b.counterSign(n, nested)
	}
}

// Bytes serializes the document.
func (b *Builder) Bytes() []byte {
	b.tb.Helper()
	out, err := b.doc.WriteToBytes()
	require.NoError(b.tb, err)
	return out
}
