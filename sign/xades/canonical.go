package xades

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/russellhaering/goxmldsig/etreeutils"
)

// ErrUnsupportedAlgorithm is returned for digest, signature, transform and
// canonicalization URIs outside the supported set.
var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

// Digest method URIs.
const (
	DigestSHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"
	DigestSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	DigestSHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	DigestSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"
)

var digestMethods = map[string]crypto.Hash{
	DigestSHA1:   crypto.SHA1,
	DigestSHA256: crypto.SHA256,
	DigestSHA384: crypto.SHA384,
	DigestSHA512: crypto.SHA512,
}

// HashForDigestMethod maps a ds:DigestMethod URI to a crypto.Hash.
func HashForDigestMethod(uri string) (crypto.Hash, error) {
	if h, ok := digestMethods[uri]; ok {
		return h, nil
	}
	return 0, fmt.Errorf("%w: digest method %q", ErrUnsupportedAlgorithm, uri)
}

// DigestMethod is the inverse of HashForDigestMethod.
func DigestMethod(h crypto.Hash) (string, error) {
	for uri, hash := range digestMethods {
		if hash == h {
			return uri, nil
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, h)
}

var signatureMethods = map[string]x509.SignatureAlgorithm{
	dsig.RSASHA1SignatureMethod:     x509.SHA1WithRSA,
	dsig.RSASHA256SignatureMethod:   x509.SHA256WithRSA,
	dsig.RSASHA384SignatureMethod:   x509.SHA384WithRSA,
	dsig.RSASHA512SignatureMethod:   x509.SHA512WithRSA,
	dsig.ECDSASHA1SignatureMethod:   x509.ECDSAWithSHA1,
	dsig.ECDSASHA256SignatureMethod: x509.ECDSAWithSHA256,
	dsig.ECDSASHA384SignatureMethod: x509.ECDSAWithSHA384,
	dsig.ECDSASHA512SignatureMethod: x509.ECDSAWithSHA512,
}

// SignatureAlgorithm maps a ds:SignatureMethod URI to the x509 algorithm and
// its digest.
func SignatureAlgorithm(uri string) (x509.SignatureAlgorithm, crypto.Hash, error) {
	alg, ok := signatureMethods[uri]
	if !ok {
		return x509.UnknownSignatureAlgorithm, 0, fmt.Errorf("%w: signature method %q", ErrUnsupportedAlgorithm, uri)
	}
	return alg, hashOf(alg), nil
}

// SignatureMethod is the inverse of SignatureAlgorithm.
func SignatureMethod(alg x509.SignatureAlgorithm) (string, error) {
	for uri, a := range signatureMethods {
		if a == alg {
			return uri, nil
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, alg)
}

func hashOf(alg x509.SignatureAlgorithm) crypto.Hash {
	switch alg {
	case x509.SHA1WithRSA, x509.ECDSAWithSHA1:
		return crypto.SHA1
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384:
		return crypto.SHA384
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512:
		return crypto.SHA512
	}
	return crypto.SHA256
}

// canonicalizer returns the goxmldsig canonicalizer for a
// CanonicalizationMethod or Transform URI. An empty URI selects inclusive
// C14N 1.0, the XML-DSig default for node-sets.
func canonicalizer(uri, prefixList string) (dsig.Canonicalizer, error) {
	switch dsig.AlgorithmID(uri) {
	case dsig.CanonicalXML10ExclusiveAlgorithmId:
		return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList(prefixList), nil
	case dsig.CanonicalXML10ExclusiveWithCommentsAlgorithmId:
		return dsig.MakeC14N10ExclusiveWithCommentsCanonicalizerWithPrefixList(prefixList), nil
	case dsig.CanonicalXML11AlgorithmId:
		return dsig.MakeC14N11Canonicalizer(), nil
	case dsig.CanonicalXML11WithCommentsAlgorithmId:
		return dsig.MakeC14N11WithCommentsCanonicalizer(), nil
	case dsig.CanonicalXML10RecAlgorithmId, "":
		return dsig.MakeC14N10RecCanonicalizer(), nil
	case dsig.CanonicalXML10WithCommentsAlgorithmId:
		return dsig.MakeC14N10WithCommentsCanonicalizer(), nil
	}
	return nil, fmt.Errorf("%w: canonicalization %q", ErrUnsupportedAlgorithm, uri)
}

// Canonicalize returns the canonical form of el under the algorithm named by
// uri. Namespaces declared on the ancestors of el are carried over, so el
// may sit anywhere in a document. el is not modified.
func Canonicalize(el *etree.Element, uri string) ([]byte, error) {
	return canonicalizeWith(el, uri, "", nil)
}

// canonicalizeWith detaches el from its document, removes the descendant at
// path when non-nil, and canonicalizes the result.
func canonicalizeWith(el *etree.Element, uri, prefixList string, without []int) ([]byte, error) {
	c, err := canonicalizer(uri, prefixList)
	if err != nil {
		return nil, err
	}
	ctx, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, err
	}
	detached, err := etreeutils.NSDetatch(ctx, el)
	if err != nil {
		return nil, err
	}
	if without != nil && !removeAt(detached, without) {
		return nil, errors.New("enveloped signature not found")
	}
	return c.Canonicalize(detached)
}

// pathTo returns the child indexes leading from root to el, or nil when el
// is not a descendant of root.
func pathTo(root, el *etree.Element) []int {
	var path []int
	for cur := el; cur != root; cur = cur.Parent() {
		if cur == nil || cur.Parent() == nil {
			return nil
		}
		path = append([]int{cur.Index()}, path...)
	}
	return path
}

func removeAt(el *etree.Element, path []int) bool {
	for i, idx := range path {
		if idx >= len(el.Child) {
			return false
		}
		child, ok := el.Child[idx].(*etree.Element)
		if !ok {
			return false
		}
		if i == len(path)-1 {
			el.RemoveChildAt(idx)
			return true
		}
		el = child
	}
	return false
}

// base64Text returns the text of el with all whitespace removed.
func base64Text(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return strings.Join(strings.Fields(el.Text()), "")
}
