package xades

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", attributes.ErrInvalidAttribute, fmt.Sprintf(format, args...))
}

// digestAlgAndValue decodes a DigestAlgAndValueType element (CertDigest,
// SigPolicyHash, ...).
func digestAlgAndValue(el *etree.Element) (attributes.CertRef, error) {
	var ref attributes.CertRef
	if el == nil {
		return ref, invalid("missing digest")
	}
	dm := childDS(el, dsig.DigestMethodTag)
	if dm == nil {
		return ref, invalid("%s: missing ds:DigestMethod", el.Tag)
	}
	h, err := HashForDigestMethod(dm.SelectAttrValue(dsig.AlgorithmAttr, ""))
	if err != nil {
		return ref, err
	}
	dv := childDS(el, dsig.DigestValueTag)
	if dv == nil {
		return ref, invalid("%s: missing ds:DigestValue", el.Tag)
	}
	digest, err := base64.StdEncoding.DecodeString(base64Text(dv))
	if err != nil {
		return ref, invalid("%s: %v", el.Tag, err)
	}
	ref.Hash = h
	ref.Digest = digest
	return ref, nil
}

// certIDs decodes a list of xades:Cert elements. Both IssuerSerial (v1) and
// IssuerSerialV2 are understood.
func certIDs(list *etree.Element) ([]attributes.CertRef, error) {
	if list == nil {
		return nil, invalid("missing certificate list")
	}
	var refs []attributes.CertRef
	for _, c := range childElements(list) {
		if !isXAdES(c, "Cert") {
			continue
		}
		ref, err := digestAlgAndValue(childXAdES(c, "CertDigest"))
		if err != nil {
			return nil, err
		}
		if is := childXAdES(c, "IssuerSerial"); is != nil {
			if sn := childDS(is, "X509SerialNumber"); sn != nil {
				serial, ok := new(big.Int).SetString(strings.TrimSpace(sn.Text()), 10)
				if !ok {
					return nil, invalid("bad X509SerialNumber")
				}
				ref.Serial = serial
			}
		}
		if is := childXAdES(c, "IssuerSerialV2"); is != nil {
			der, err := base64.StdEncoding.DecodeString(base64Text(is))
			if err != nil {
				return nil, invalid("IssuerSerialV2: %v", err)
			}
			var v attributes.IssuerSerial
			if _, err := asn1.Unmarshal(der, &v); err != nil {
				return nil, invalid("IssuerSerialV2: %v", err)
			}
			ref.Serial = v.SerialNumber
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil, invalid("%s: no certificate identifiers", list.Tag)
	}
	return refs, nil
}

// SigningCertificate decodes xades:SigningCertificate or
// xades:SigningCertificateV2. The first reference identifies the signer.
func SigningCertificate(el *etree.Element) ([]attributes.CertRef, error) {
	return certIDs(el)
}

// SigningTime decodes xades:SigningTime.
func SigningTime(el *etree.Element) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(el.Text()))
	if err != nil {
		return time.Time{}, invalid("SigningTime: %v", err)
	}
	return t, nil
}

// SignaturePolicy decodes xades:SignaturePolicyIdentifier into the CMS
// shape. An implied policy yields attributes.ErrImpliedPolicy.
func SignaturePolicy(el *etree.Element) (*attributes.SignaturePolicyID, error) {
	if childXAdES(el, "SignaturePolicyImplied") != nil {
		return nil, attributes.ErrImpliedPolicy
	}
	spid := childXAdES(el, "SignaturePolicyId")
	if spid == nil {
		return nil, invalid("missing SignaturePolicyId")
	}
	id := childXAdES(childXAdES(spid, "SigPolicyId"), "Identifier")
	if id == nil {
		return nil, invalid("missing SigPolicyId/Identifier")
	}
	oid, err := parseOID(id.Text())
	if err != nil {
		return nil, err
	}
	digest, err := digestAlgAndValue(childXAdES(spid, "SigPolicyHash"))
	if err != nil {
		return nil, err
	}
	alg, err := attributes.OIDForHash(digest.Hash)
	if err != nil {
		return nil, err
	}
	return &attributes.SignaturePolicyID{
		SigPolicyID: oid,
		SigPolicyHash: attributes.OtherHashAlgAndValue{
			HashAlgorithm: attributes.AlgorithmIdentifier{Algorithm: alg},
			HashValue:     digest.Digest,
		},
	}, nil
}

// parseOID accepts a dotted OID, optionally as an urn:oid: URN.
func parseOID(s string) (asn1.ObjectIdentifier, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "urn:oid:"), "URN:OID:")
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, invalid("policy identifier %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, ok := new(big.Int).SetString(p, 10)
		if !ok || n.Sign() < 0 || !n.IsInt64() {
			return nil, invalid("policy identifier %q", s)
		}
		oid[i] = int(n.Int64())
	}
	return oid, nil
}

// CertificateRefs decodes xades:CompleteCertificateRefs.
func CertificateRefs(el *etree.Element) ([]attributes.CertRef, error) {
	list := childXAdES(el, "CertRefs")
	if list == nil {
		return nil, invalid("missing CertRefs")
	}
	return certIDs(list)
}

// RevocationRefs decodes xades:CompleteRevocationRefs and returns the number
// of CRL and OCSP references.
func RevocationRefs(el *etree.Element) (int, error) {
	n := 0
	for _, group := range []struct{ list, item string }{
		{"CRLRefs", "CRLRef"},
		{"OCSPRefs", "OCSPRef"},
		{"OtherRefs", "OtherRef"},
	} {
		for _, c := range childElements(childXAdES(el, group.list)) {
			if isXAdES(c, group.item) {
				n++
			}
		}
	}
	return n, nil
}

// CertificateValues decodes xades:CertificateValues.
func CertificateValues(el *etree.Element) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, c := range el.ChildElements() {
		if !isXAdES(c, "EncapsulatedX509Certificate") {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(base64Text(c))
		if err != nil {
			return nil, invalid("EncapsulatedX509Certificate: %v", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, invalid("EncapsulatedX509Certificate: %v", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// RevocationValues decodes the CRLs held in xades:RevocationValues. OCSP
// values are not decoded.
func RevocationValues(el *etree.Element) ([]*x509.RevocationList, error) {
	var crls []*x509.RevocationList
	for _, c := range childElements(childXAdES(el, "CRLValues")) {
		if !isXAdES(c, "EncapsulatedCRLValue") {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(base64Text(c))
		if err != nil {
			return nil, invalid("EncapsulatedCRLValue: %v", err)
		}
		crl, err := x509.ParseRevocationList(der)
		if err != nil {
			return nil, invalid("EncapsulatedCRLValue: %v", err)
		}
		crls = append(crls, crl)
	}
	return crls, nil
}
