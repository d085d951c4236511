package policy

import (
	"crypto"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyriosdata/seguranca-sub004/certvalidator"
	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/cms/cmstest"
)

func TestEncodingForOID(t *testing.T) {
	tests := []struct {
		oid  string
		want attributes.Encoding
	}{
		{"2.16.76.1.7.1.1.2.3", attributes.EncodingCMS},
		{"2.16.76.1.7.1.5.2.3", attributes.EncodingCMS},
		{"2.16.76.1.7.1.6.2.3", attributes.EncodingXML},
		{"2.16.76.1.7.1.10.2.3", attributes.EncodingXML},
		{"2.16.76.1.7.1.11.1", attributes.EncodingCMS},
		{"1.2.3", attributes.EncodingCMS},
	}
	for _, tt := range tests {
		t.Run(tt.oid, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodingForOID(tt.oid))
		})
	}
}

func TestStaticProvider(t *testing.T) {
	a := &Policy{OID: "2.16.76.1.7.1.1.2.3", Name: "AD-RB"}
	b := &Policy{OID: "2.16.76.1.7.1.2.2.3", Name: "AD-RT"}
	replaced := &Policy{OID: a.OID, Name: "AD-RB v2.3"}

	sp := NewStaticProvider(a, nil, b, replaced)
	assert.Equal(t, []string{a.OID, b.OID}, sp.OIDs())

	p, err := sp.Policy(a.OID)
	require.NoError(t, err)
	assert.Equal(t, replaced, p)
	assert.Equal(t, "AD-RB v2.3 (2.16.76.1.7.1.1.2.3)", p.String())

	_, err = sp.Policy("1.2.3")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestTimeStampingAnchorsFallback(t *testing.T) {
	root := cmstest.NewRoot(t, "AC Raiz")
	tsaRoot := cmstest.NewRoot(t, "AC Carimbo")
	signing := certvalidator.NewTrustAnchorSet(root.Cert)

	p := &Policy{Signing: TrustContext{Anchors: signing}}
	assert.Same(t, signing, p.TimeStampingAnchors())

	stamping := certvalidator.NewTrustAnchorSet(tsaRoot.Cert)
	p.TimeStamping.Anchors = stamping
	assert.Same(t, stamping, p.TimeStampingAnchors())
}

func TestAttributeError(t *testing.T) {
	err := NewAttributeError(attributes.OIDSigningCertificateV2.String(), ErrMissingAttribute)
	assert.Equal(t, "Signing Certificate V2: mandated attribute is missing", err.Error())
	assert.ErrorIs(t, err, ErrMissingAttribute)

	var ae *AttributeError
	require.True(t, errors.As(error(err), &ae))
	assert.Equal(t, attributes.OIDSigningCertificateV2.String(), ae.ID)
}

func writePEM(t *testing.T, path string, id *cmstest.Identity) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.Cert.Raw})
	require.NoError(t, os.WriteFile(path, data, 0600))
}

const policyFile = `
signing:
  anchors: [anchors/signing]
  revocation: either
timestamping:
  anchors: [tsa.pem]
  revocation: none
policies:
  - oid: 2.16.76.1.7.1.1.2.3
    name: AD-RB
    digest: "q83vASNFZ4mrze8BI0VniavN7wEjRWeJq83vASNFZ4k="
    digest-algorithm: SHA256
    mandated-signed: [signing-time]
    mandated-unsigned: []
  - oid: 2.16.76.1.7.1.10.2.3
    name: AD-RA XAdES
    mandated-unsigned:
      - signature-timestamp
      - complete-certificate-references
      - 1.2.840.113549.1.9.16.2.24
    signing:
      anchors: [anchors/signing]
      revocation: both
`

func TestLoadFile(t *testing.T) {
	// given
	dir := t.TempDir()
	root := cmstest.NewRoot(t, "AC Raiz Teste")
	tsaRoot := cmstest.NewRoot(t, "AC Carimbo Teste")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "anchors", "signing"), 0700))
	writePEM(t, filepath.Join(dir, "anchors", "signing", "raiz.pem"), root)
	writePEM(t, filepath.Join(dir, "tsa.pem"), tsaRoot)
	path := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyFile), 0600))

	// when
	sp, err := LoadFile(path)

	// then
	require.NoError(t, err)
	assert.Equal(t, []string{"2.16.76.1.7.1.1.2.3", "2.16.76.1.7.1.10.2.3"}, sp.OIDs())

	rb, err := sp.Policy("2.16.76.1.7.1.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "AD-RB", rb.Name)
	assert.Equal(t, attributes.EncodingCMS, rb.Encoding)
	assert.Equal(t, crypto.SHA256, rb.DigestAlgorithm)
	assert.Len(t, rb.Digest, 32)
	assert.Equal(t, []string{attributes.OIDSigningTime.String()}, rb.MandatedSigned)
	assert.Empty(t, rb.MandatedUnsigned)
	assert.True(t, rb.Signing.Anchors.Contains(root.Cert))
	assert.Equal(t, certvalidator.RevocationEither, rb.Signing.Revocation)
	assert.True(t, rb.TimeStamping.Anchors.Contains(tsaRoot.Cert))
	assert.Equal(t, certvalidator.RevocationNone, rb.TimeStamping.Revocation)

	ra, err := sp.Policy("2.16.76.1.7.1.10.2.3")
	require.NoError(t, err)
	assert.Equal(t, attributes.EncodingXML, ra.Encoding)
	assert.Equal(t, []string{
		attributes.OIDSignatureTimeStamp.String(),
		attributes.OIDCompleteCertRefs.String(),
		attributes.OIDRevocationValues.String(),
	}, ra.MandatedUnsigned)
	assert.Equal(t, certvalidator.RevocationBoth, ra.Signing.Revocation)
	assert.Same(t, rb.Signing.Anchors, ra.Signing.Anchors)
	assert.Same(t, rb.TimeStamping.Anchors, ra.TimeStamping.Anchors)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "policies: [\n"},
		{"missing oid", "policies:\n  - name: x\n"},
		{"unknown attribute", "policies:\n  - oid: 1.2.3\n    mandated-unsigned: [no-such-thing]\n"},
		{"unknown encoding", "policies:\n  - oid: 1.2.3\n    encoding: asn1\n"},
		{"bad digest", "policies:\n  - oid: 1.2.3\n    digest: '***'\n"},
		{"short digest", "policies:\n  - oid: 1.2.3\n    digest: AAAA\n"},
		{"unknown algorithm", "policies:\n  - oid: 1.2.3\n    digest-algorithm: md5\n"},
		{"bad revocation", "signing:\n  revocation: maybe\n"},
		{"missing anchors", "policies:\n  - oid: 1.2.3\n    signing:\n      anchors: [nowhere.pem]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestParseEncodingOverride(t *testing.T) {
	sp, err := Parse([]byte("policies:\n  - oid: 1.2.3\n    encoding: xades\n"), "")
	require.NoError(t, err)
	p, err := sp.Policy("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, attributes.EncodingXML, p.Encoding)
	assert.True(t, p.Signing.Anchors.Empty())
}
