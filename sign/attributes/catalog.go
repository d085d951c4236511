package attributes

import "strings"

// Kind is the logical type of an attribute, independent of its encoding.
type Kind int

const (
	KindUnknown Kind = iota
	KindContentType
	KindMessageDigest
	KindSigningTime
	KindSigningCertificate
	KindSigningCertificateV2
	KindSignaturePolicy
	KindCommitmentType
	KindSignerLocation
	KindContentTimestamp
	KindSignatureTimestamp
	KindEscTimestamp
	KindArchiveTimestamp
	KindCompleteCertificateRefs
	KindCompleteRevocationRefs
	KindCertificateValues
	KindRevocationValues
	KindCounterSignature
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	KindContentType:             "content-type",
	KindMessageDigest:           "message-digest",
	KindSigningTime:             "signing-time",
	KindSigningCertificate:      "signing-certificate",
	KindSigningCertificateV2:    "signing-certificate-v2",
	KindSignaturePolicy:         "signature-policy",
	KindCommitmentType:          "commitment-type",
	KindSignerLocation:          "signer-location",
	KindContentTimestamp:        "content-timestamp",
	KindSignatureTimestamp:      "signature-timestamp",
	KindEscTimestamp:            "esc-timestamp",
	KindArchiveTimestamp:        "archive-timestamp",
	KindCompleteCertificateRefs: "complete-certificate-references",
	KindCompleteRevocationRefs:  "complete-revocation-references",
	KindCertificateValues:       "certificate-values",
	KindRevocationValues:        "revocation-values",
	KindCounterSignature:        "counter-signature",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnknown]
}

// IsTimestamp reports whether attributes of this kind carry time-stamp tokens.
func (k Kind) IsTimestamp() bool {
	switch k {
	case KindContentTimestamp, KindSignatureTimestamp, KindEscTimestamp, KindArchiveTimestamp:
		return true
	}
	return false
}

// Encoding distinguishes CMS-style (OID) from XML-style (XAdES element)
// attribute identifiers.
type Encoding int

const (
	EncodingCMS Encoding = iota
	EncodingXML
)

func (e Encoding) String() string {
	if e == EncodingXML {
		return "xml"
	}
	return "cms"
}

// XAdES element identifiers.
const (
	XMLSigningTime             = "xades:SigningTime"
	XMLSigningCertificate      = "xades:SigningCertificate"
	XMLSigningCertificateV2    = "xades:SigningCertificateV2"
	XMLSignaturePolicy         = "xades:SignaturePolicyIdentifier"
	XMLCommitmentType          = "xades:CommitmentTypeIndication"
	XMLSignerLocation          = "xades:SignatureProductionPlace"
	XMLContentTimestamp        = "xades:AllDataObjectsTimeStamp"
	XMLSignatureTimestamp      = "xades:SignatureTimeStamp"
	XMLEscTimestamp            = "xades:SigAndRefsTimeStamp"
	XMLArchiveTimestamp        = "xades:ArchiveTimeStamp"
	XMLCompleteCertificateRefs = "xades:CompleteCertificateRefs"
	XMLCompleteRevocationRefs  = "xades:CompleteRevocationRefs"
	XMLCertificateValues       = "xades:CertificateValues"
	XMLRevocationValues        = "xades:RevocationValues"
	XMLCounterSignature        = "xades:CounterSignature"
)

// Entry is one row of the catalog.
type Entry struct {
	ID       string
	Kind     Kind
	Encoding Encoding
	Name     string
	Signed   bool
	Unique   bool
	// Primary marks the identifier Equivalent resolves to for this kind and
	// encoding.
	Primary bool
}

var catalog = []Entry{
	{OIDContentType.String(), KindContentType, EncodingCMS, "Content Type", true, true, true},
	{OIDMessageDigest.String(), KindMessageDigest, EncodingCMS, "Message Digest", true, true, true},
	{OIDSigningTime.String(), KindSigningTime, EncodingCMS, "Signing Time", true, true, true},
	{OIDSigningCertificate.String(), KindSigningCertificate, EncodingCMS, "Signing Certificate", true, true, true},
	{OIDSigningCertificateV2.String(), KindSigningCertificateV2, EncodingCMS, "Signing Certificate V2", true, true, true},
	{OIDSigPolicyID.String(), KindSignaturePolicy, EncodingCMS, "Signature Policy Identifier", true, true, true},
	{OIDCommitmentType.String(), KindCommitmentType, EncodingCMS, "Commitment Type Indication", true, false, true},
	{OIDSignerLocation.String(), KindSignerLocation, EncodingCMS, "Signer Location", true, true, true},
	{OIDContentTimeStamp.String(), KindContentTimestamp, EncodingCMS, "Content Timestamp", true, false, true},
	{OIDSignatureTimeStamp.String(), KindSignatureTimestamp, EncodingCMS, "Signature Timestamp", false, false, true},
	{OIDEscTimeStamp.String(), KindEscTimestamp, EncodingCMS, "CAdES-C Timestamp", false, false, true},
	{OIDArchiveTimeStampV2.String(), KindArchiveTimestamp, EncodingCMS, "Archive Timestamp V2", false, false, true},
	{OIDArchiveTimeStamp.String(), KindArchiveTimestamp, EncodingCMS, "Archive Timestamp", false, false, false},
	{OIDCompleteCertRefs.String(), KindCompleteCertificateRefs, EncodingCMS, "Complete Certificate References", false, true, true},
	{OIDCompleteRevocRefs.String(), KindCompleteRevocationRefs, EncodingCMS, "Complete Revocation References", false, true, true},
	{OIDCertValues.String(), KindCertificateValues, EncodingCMS, "Certificate Values", false, true, true},
	{OIDRevocationValues.String(), KindRevocationValues, EncodingCMS, "Revocation Values", false, true, true},
	{OIDCountersignature.String(), KindCounterSignature, EncodingCMS, "Counter Signature", false, false, true},

	{XMLSigningTime, KindSigningTime, EncodingXML, "Signing Time", true, true, true},
	{XMLSigningCertificate, KindSigningCertificate, EncodingXML, "Signing Certificate", true, true, true},
	{XMLSigningCertificateV2, KindSigningCertificateV2, EncodingXML, "Signing Certificate V2", true, true, true},
	{XMLSignaturePolicy, KindSignaturePolicy, EncodingXML, "Signature Policy Identifier", true, true, true},
	{XMLCommitmentType, KindCommitmentType, EncodingXML, "Commitment Type Indication", true, false, true},
	{XMLSignerLocation, KindSignerLocation, EncodingXML, "Signature Production Place", true, true, true},
	{XMLContentTimestamp, KindContentTimestamp, EncodingXML, "All Data Objects Timestamp", true, false, true},
	{XMLSignatureTimestamp, KindSignatureTimestamp, EncodingXML, "Signature Timestamp", false, false, true},
	{XMLEscTimestamp, KindEscTimestamp, EncodingXML, "Signature And References Timestamp", false, false, true},
	{XMLArchiveTimestamp, KindArchiveTimestamp, EncodingXML, "Archive Timestamp", false, false, true},
	{XMLCompleteCertificateRefs, KindCompleteCertificateRefs, EncodingXML, "Complete Certificate References", false, true, true},
	{XMLCompleteRevocationRefs, KindCompleteRevocationRefs, EncodingXML, "Complete Revocation References", false, true, true},
	{XMLCertificateValues, KindCertificateValues, EncodingXML, "Certificate Values", false, true, true},
	{XMLRevocationValues, KindRevocationValues, EncodingXML, "Revocation Values", false, true, true},
	{XMLCounterSignature, KindCounterSignature, EncodingXML, "Counter Signature", false, false, true},
}

type kindKey struct {
	kind Kind
	enc  Encoding
}

var (
	byID      = map[string]Entry{}
	byKind    = map[kindKey]string{}
	byShort   = map[string]Entry{}
	allByKind = map[Kind][]string{}
)

func init() {
	for _, e := range catalog {
		byID[e.ID] = e
		allByKind[e.Kind] = append(allByKind[e.Kind], e.ID)
		if e.Primary {
			byKind[kindKey{e.Kind, e.Encoding}] = e.ID
			if e.Encoding == EncodingCMS {
				byShort[e.Kind.String()] = e
			}
		}
	}
}

// Find returns the catalog entry for id.
func Find(id string) (Entry, bool) {
	e, ok := byID[id]
	return e, ok
}

// KindOf maps an attribute identifier to its kind.
func KindOf(id string) (Kind, bool) {
	e, ok := byID[id]
	if !ok {
		return KindUnknown, false
	}
	return e.Kind, true
}

// HumanName returns a readable label for id. Unknown identifiers are
// returned unchanged.
func HumanName(id string) string {
	if e, ok := byID[id]; ok {
		return e.Name
	}
	return id
}

// Equivalent translates id to the identifier the same attribute carries in
// the target encoding. Attributes with no counterpart yield false.
func Equivalent(id string, target Encoding) (string, bool) {
	e, ok := byID[id]
	if !ok {
		return "", false
	}
	if e.Encoding == target {
		return id, true
	}
	out, ok := byKind[kindKey{e.Kind, target}]
	return out, ok
}

// Lookup resolves a configuration token to an identifier. The token may be
// an identifier already or a kind name such as "signature-timestamp", which
// resolves to the CMS identifier.
func Lookup(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if _, ok := byID[token]; ok {
		return token, true
	}
	if e, ok := byShort[strings.ToLower(token)]; ok {
		return e.ID, true
	}
	return "", false
}

// IDsOf returns every identifier of kind k, in all encodings.
func IDsOf(kinds ...Kind) []string {
	var out []string
	for _, k := range kinds {
		out = append(out, allByKind[k]...)
	}
	return out
}

// IsAnyStampButArchive holds for content, signature and esc time-stamps.
func IsAnyStampButArchive(id string) bool {
	switch k, _ := KindOf(id); k {
	case KindContentTimestamp, KindSignatureTimestamp, KindEscTimestamp:
		return true
	}
	return false
}

// IsTimestamp holds for every time-stamp attribute identifier.
func IsTimestamp(id string) bool {
	k, _ := KindOf(id)
	return k.IsTimestamp()
}

// References returns the certificate and revocation reference identifiers.
func References() []string {
	return IDsOf(KindCompleteCertificateRefs, KindCompleteRevocationRefs)
}

// Values returns the certificate and revocation value identifiers.
func Values() []string {
	return IDsOf(KindCertificateValues, KindRevocationValues)
}

// UnsignedStamps returns the identifiers of time-stamps that live in the
// unsigned attribute set: signature, esc and archive.
func UnsignedStamps() []string {
	return IDsOf(KindArchiveTimestamp, KindSignatureTimestamp, KindEscTimestamp)
}
