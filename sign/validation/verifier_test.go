package validation_test

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyriosdata/seguranca-sub004/certvalidator"
	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/cms/cmstest"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
	"github.com/kyriosdata/seguranca-sub004/sign/policy"
	"github.com/kyriosdata/seguranca-sub004/sign/validation"
	"github.com/kyriosdata/seguranca-sub004/sign/validation/report"
	"github.com/kyriosdata/seguranca-sub004/sign/xades/xadestest"
)

var (
	adrtCAdES  = asn1.ObjectIdentifier{2, 16, 76, 1, 7, 1, 2, 2, 3}
	adrbLegacy = asn1.ObjectIdentifier{2, 16, 76, 1, 7, 1, 1, 1}
	adrtXAdES  = asn1.ObjectIdentifier{2, 16, 76, 1, 7, 1, 7, 2, 3}

	sigTS  = attributes.OIDSignatureTimeStamp.String()
	certV1 = attributes.OIDSigningCertificate.String()
)

const content = "contrato de prestacao de servicos"

type pki struct {
	root   *cmstest.Identity
	signer *cmstest.Identity
	tsa    *cmstest.TSA
	now    time.Time
}

func newPKI(t *testing.T) *pki {
	t.Helper()
	root := cmstest.NewRoot(t, "AC Raiz Teste")
	return &pki{
		root:   root,
		signer: root.Issue(t, cmstest.CertOptions{CommonName: "Fulano de Tal"}),
		tsa:    cmstest.NewTSA(t, root, cmstest.CertOptions{}),
		now:    time.Now(),
	}
}

func (p *pki) policy(oid asn1.ObjectIdentifier, enc attributes.Encoding, unsigned ...string) *policy.Policy {
	return &policy.Policy{
		OID:              oid.String(),
		Name:             "AD-RT",
		Encoding:         enc,
		MandatedUnsigned: unsigned,
		Signing: policy.TrustContext{
			Anchors:    certvalidator.NewTrustAnchorSet(p.root.Cert),
			Revocation: certvalidator.RevocationNone,
		},
	}
}

func (p *pki) verifier(policies ...*policy.Policy) *validation.Verifier {
	return validation.NewVerifier(
		validation.WithPolicies(policy.NewStaticProvider(policies...)),
		validation.WithClock(clockwork.NewFakeClockAt(p.now)),
	)
}

func (p *pki) sign(t *testing.T, opts cmstest.Options) *cmstest.Builder {
	t.Helper()
	if opts.Policy == nil {
		opts.Policy = adrtCAdES
	}
	if opts.SigningTime.IsZero() {
		opts.SigningTime = p.now.Add(-time.Hour)
	}
	opts.Chain = append(opts.Chain, p.root.Cert)
	return cmstest.Sign(t, p.signer, []byte(content), opts)
}

func verify(t *testing.T, v *validation.Verifier, data, detached []byte, opts validation.VerifyOptions) *report.Report {
	t.Helper()
	rep, err := v.Verify(context.Background(), data, detached, opts)
	require.NoError(t, err)
	require.NotEmpty(t, rep.Signatures)
	return rep
}

func outcomes(results []report.AttributeResult) []report.Outcome {
	out := make([]report.Outcome, 0, len(results))
	for _, r := range results {
		out = append(out, r.Outcome)
	}
	return out
}

func TestVerifyValidWithSignatureTimestamp(t *testing.T) {
	// given
	p := newPKI(t)
	pol := p.policy(adrtCAdES, attributes.EncodingCMS, sigTS)
	genTime := p.now.Add(-30 * time.Minute).Truncate(time.Second)
	b := p.sign(t, cmstest.Options{})
	b.AddSignatureTimestamp(p.tsa, genTime)

	// when
	rep := verify(t, p.verifier(pol), b.Bytes(), nil, validation.VerifyOptions{})

	// then
	require.Len(t, rep.Signatures, 1)
	sig := rep.Signatures[0]
	assert.Equal(t, report.StatusValid, rep.Status, report.Summarize(rep).Format())
	assert.Equal(t, pol.OID, sig.PolicyOID)
	assert.True(t, sig.HashValid)
	assert.True(t, sig.SignatureValid)
	assert.Equal(t, certvalidator.ResultValid, sig.PathResult)
	assert.True(t, genTime.Equal(sig.ReferenceTime))
	require.NotNil(t, sig.SigningTime)

	require.Len(t, sig.TimeStamps, 1)
	ts := sig.TimeStamps[0]
	assert.Equal(t, sigTS, ts.Slot)
	assert.Equal(t, report.StatusValid, ts.Status)
	require.NotNil(t, ts.GenTime)
	assert.True(t, genTime.Equal(*ts.GenTime))
	assert.Equal(t, []report.Outcome{report.OutcomeOK}, outcomes(sig.AttributeResults(sigTS)))
}

func TestVerifyExpiredTimestampAuthorityIsIndeterminate(t *testing.T) {
	// given
	p := newPKI(t)
	expired := cmstest.NewTSA(t, p.root, cmstest.CertOptions{
		CommonName: "TSA Expirada",
		NotBefore:  p.now.Add(-48 * time.Hour),
		NotAfter:   p.now.Add(-time.Hour),
	})
	b := p.sign(t, cmstest.Options{SigningTime: p.now.Add(-3 * time.Hour)})
	b.AddSignatureTimestamp(expired, p.now.Add(-2*time.Hour))

	// when
	rep := verify(t, p.verifier(p.policy(adrtCAdES, attributes.EncodingCMS, sigTS)), b.Bytes(), nil, validation.VerifyOptions{})

	// then
	sig := rep.Signatures[0]
	require.Len(t, sig.TimeStamps, 1)
	assert.Equal(t, certvalidator.ResultExpired, sig.TimeStamps[0].PathResult)
	assert.True(t, sig.TimeStamps[0].ExpiredOnly())
	assert.Equal(t, []report.Outcome{report.OutcomeInvalid}, outcomes(sig.AttributeResults(sigTS)))
	assert.Equal(t, report.StatusIndeterminate, sig.Status)
	assert.Equal(t, report.StatusIndeterminate, rep.Status)
	assert.True(t, p.now.Equal(sig.ReferenceTime))
}

func TestVerifyDetachedContentMismatchIsInvalid(t *testing.T) {
	p := newPKI(t)
	data := p.sign(t, cmstest.Options{Detached: true}).Bytes()
	v := p.verifier(p.policy(adrtCAdES, attributes.EncodingCMS))

	rep := verify(t, v, data, []byte(content), validation.VerifyOptions{})
	assert.Equal(t, report.StatusValid, rep.Status, report.Summarize(rep).Format())

	rep = verify(t, v, data, []byte("outro contrato"), validation.VerifyOptions{})
	sig := rep.Signatures[0]
	assert.False(t, sig.HashValid)
	assert.NotEmpty(t, sig.IntegrityError)
	assert.Equal(t, report.StatusInvalid, rep.Status)
	md := sig.AttributeResults(attributes.OIDMessageDigest.String())
	assert.Equal(t, []report.Outcome{report.OutcomeInvalid}, outcomes(md))
}

func TestVerifyMissingMandatedAttribute(t *testing.T) {
	// given
	p := newPKI(t)
	b := p.sign(t, cmstest.Options{})

	// when
	rep := verify(t, p.verifier(p.policy(adrtCAdES, attributes.EncodingCMS, sigTS)), b.Bytes(), nil, validation.VerifyOptions{})

	// then
	sig := rep.Signatures[0]
	results := sig.AttributeResults(sigTS)
	require.Len(t, results, 1)
	assert.Equal(t, report.OutcomeMissing, results[0].Outcome)
	assert.Equal(t, report.ClassMandated, results[0].Class)
	assert.Contains(t, results[0].Message, policy.ErrMissingAttribute.Error())
	assert.Equal(t, report.StatusInvalid, sig.Status)
}

func TestVerifyLegacySigningCertificateWarns(t *testing.T) {
	p := newPKI(t)
	b := p.sign(t, cmstest.Options{Policy: adrbLegacy, LegacySigningCertificate: true})

	rep := verify(t, p.verifier(p.policy(adrbLegacy, attributes.EncodingCMS)), b.Bytes(), nil, validation.VerifyOptions{})

	sig := rep.Signatures[0]
	assert.Equal(t, []report.Outcome{report.OutcomeOK, report.OutcomeWarning}, outcomes(sig.AttributeResults(certV1)))
	assert.Equal(t, report.StatusValid, sig.Status, report.Summarize(rep).Format())
}

func TestVerifySigningCertificateMismatch(t *testing.T) {
	// given
	p := newPKI(t)
	other := p.root.Issue(t, cmstest.CertOptions{CommonName: "Beltrano"})
	wrong := cmstest.Attribute(t, attributes.OIDSigningCertificateV2, cmstest.SigningCertificateV2(t, other.Cert))
	b := p.sign(t, cmstest.Options{OmitSigningCertificate: true, Extra: [][]byte{wrong}})

	// when
	rep := verify(t, p.verifier(p.policy(adrtCAdES, attributes.EncodingCMS)), b.Bytes(), nil, validation.VerifyOptions{})

	// then
	sig := rep.Signatures[0]
	results := sig.AttributeResults(attributes.OIDSigningCertificateV2.String())
	assert.Equal(t, []report.Outcome{report.OutcomeInvalid}, outcomes(results))
	assert.Equal(t, report.StatusInvalid, sig.Status)
}

func TestVerifyPolicyResolution(t *testing.T) {
	p := newPKI(t)
	pol := p.policy(adrtCAdES, attributes.EncodingCMS)
	undeclared := cmstest.Sign(t, p.signer, []byte(content), cmstest.Options{
		SigningTime: p.now.Add(-time.Hour),
		Chain:       []*x509.Certificate{p.root.Cert},
	}).Bytes()

	t.Run("from options", func(t *testing.T) {
		rep := verify(t, p.verifier(pol), undeclared, nil, validation.VerifyOptions{PolicyOID: pol.OID})
		assert.Equal(t, pol.OID, rep.Signatures[0].PolicyOID)
		assert.Equal(t, report.StatusValid, rep.Status, report.Summarize(rep).Format())
	})

	t.Run("none", func(t *testing.T) {
		rep := verify(t, p.verifier(pol), undeclared, nil, validation.VerifyOptions{})
		sig := rep.Signatures[0]
		assert.Contains(t, sig.PolicyError, validation.ErrNoPolicy.Error())
		assert.Equal(t, report.StatusInvalid, sig.Status)
	})

	t.Run("unknown", func(t *testing.T) {
		rep := verify(t, p.verifier(), p.sign(t, cmstest.Options{}).Bytes(), nil, validation.VerifyOptions{})
		assert.NotEmpty(t, rep.Signatures[0].PolicyError)
		assert.Equal(t, report.StatusInvalid, rep.Status)
	})

	t.Run("wrong encoding", func(t *testing.T) {
		xml := p.policy(adrtCAdES, attributes.EncodingXML)
		rep := verify(t, p.verifier(xml), p.sign(t, cmstest.Options{}).Bytes(), nil, validation.VerifyOptions{})
		assert.Contains(t, rep.Signatures[0].PolicyError, validation.ErrPolicyEncoding.Error())
		assert.Equal(t, report.StatusInvalid, rep.Status)
	})
}

func TestVerifyCounterSignaturesAreFlattened(t *testing.T) {
	// given
	p := newPKI(t)
	first := p.root.Issue(t, cmstest.CertOptions{CommonName: "Ciclano"})
	second := p.root.Issue(t, cmstest.CertOptions{CommonName: "Beltrano"})
	b := p.sign(t, cmstest.Options{})
	b.AddCounterSignature(&cmstest.Counter{
		Signer:   first,
		Counters: []*cmstest.Counter{{Signer: second}},
	})

	// when
	rep := verify(t, p.verifier(p.policy(adrtCAdES, attributes.EncodingCMS)), b.Bytes(), nil, validation.VerifyOptions{})

	// then
	sig := rep.Signatures[0]
	require.Len(t, sig.CounterSignatures, 2)
	for _, cs := range sig.CounterSignatures {
		assert.Equal(t, report.NodeCounterSignature, cs.Kind)
		assert.Equal(t, adrtCAdES.String(), cs.PolicyOID)
		assert.Equal(t, report.StatusValid, cs.Status, report.Summarize(rep).Format())
		assert.Empty(t, cs.AttributeResults(attributes.OIDContentType.String()))
	}
	assert.Contains(t, sig.CounterSignatures[0].Signer, "CN=Ciclano")
	assert.Contains(t, sig.CounterSignatures[1].Signer, "CN=Beltrano")
	assert.Equal(t, report.StatusValid, sig.Status)
}

func TestVerifyInvalidCounterSignature(t *testing.T) {
	counterSig := attributes.OIDCountersignature.String()

	tests := []struct {
		name    string
		mandate []string
		outcome report.Outcome
		status  report.Status
	}{
		{"extra attribute only warns", nil, report.OutcomeWarning, report.StatusValid},
		{"mandated attribute invalidates", []string{counterSig}, report.OutcomeInvalid, report.StatusInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// given
			p := newPKI(t)
			counter := p.root.Issue(t, cmstest.CertOptions{CommonName: "Ciclano"})
			b := p.sign(t, cmstest.Options{})
			b.AddCounterSignature(&cmstest.Counter{
				Signer:  counter,
				Options: cmstest.Options{OmitSigningCertificate: true},
			})
			pol := p.policy(adrtCAdES, attributes.EncodingCMS, tt.mandate...)

			// when
			rep := verify(t, p.verifier(pol), b.Bytes(), nil, validation.VerifyOptions{})

			// then
			sig := rep.Signatures[0]
			require.Len(t, sig.CounterSignatures, 1)
			assert.Equal(t, report.StatusInvalid, sig.CounterSignatures[0].Status)
			assert.Equal(t, []report.Outcome{tt.outcome}, outcomes(sig.AttributeResults(counterSig)))
			assert.Equal(t, tt.status, sig.Status, report.Summarize(rep).Format())
		})
	}
}

func TestVerifyTimestampOrder(t *testing.T) {
	// given
	p := newPKI(t)
	b := p.sign(t, cmstest.Options{
		SigningTime:          p.now.Add(-3 * time.Hour),
		ContentTimestamp:     p.tsa,
		ContentTimestampTime: p.now.Add(-time.Hour),
	})
	b.AddSignatureTimestamp(p.tsa, p.now.Add(-2*time.Hour))

	// when
	rep := verify(t, p.verifier(p.policy(adrtCAdES, attributes.EncodingCMS, sigTS)), b.Bytes(), nil, validation.VerifyOptions{})

	// then
	sig := rep.Signatures[0]
	var stamp *report.SignatureReport
	for _, ts := range sig.TimeStamps {
		if ts.Slot == sigTS {
			stamp = ts
		}
	}
	require.NotNil(t, stamp)
	assert.Contains(t, stamp.PolicyError, validation.ErrTimestampOrder.Error())
	assert.Equal(t, report.StatusInvalid, stamp.Status)
	assert.Equal(t, report.StatusInvalid, sig.Status)
}

func TestVerifyReferencesAndValues(t *testing.T) {
	p := newPKI(t)
	crl := p.root.CRL(t, 1, p.now.Add(-time.Hour), p.now.Add(time.Hour))
	b := p.sign(t, cmstest.Options{})
	b.AddSignatureTimestamp(p.tsa, p.now.Add(-30*time.Minute)).
		AddReferences([]*x509.Certificate{p.root.Cert}, [][]byte{crl}).
		AddValues([]*x509.Certificate{p.root.Cert}, [][]byte{crl})
	pol := p.policy(adrtCAdES, attributes.EncodingCMS, sigTS,
		attributes.OIDCompleteCertRefs.String(), attributes.OIDCompleteRevocRefs.String(),
		attributes.OIDCertValues.String(), attributes.OIDRevocationValues.String())

	rep := verify(t, p.verifier(pol), b.Bytes(), nil, validation.VerifyOptions{})

	sig := rep.Signatures[0]
	for _, id := range pol.MandatedUnsigned {
		assert.Equal(t, []report.Outcome{report.OutcomeOK}, outcomes(sig.AttributeResults(id)), id)
	}
	assert.Equal(t, report.StatusValid, rep.Status, report.Summarize(rep).Format())
}

func TestVerifyUnresolvedReferenceIsInvalid(t *testing.T) {
	p := newPKI(t)
	stranger := cmstest.NewRoot(t, "AC Desconhecida")
	b := p.sign(t, cmstest.Options{})
	b.AddReferences([]*x509.Certificate{stranger.Cert}, nil)
	refs := attributes.OIDCompleteCertRefs.String()

	rep := verify(t, p.verifier(p.policy(adrtCAdES, attributes.EncodingCMS, refs)), b.Bytes(), nil, validation.VerifyOptions{})

	assert.Equal(t, []report.Outcome{report.OutcomeInvalid}, outcomes(rep.Signatures[0].AttributeResults(refs)))
	assert.Equal(t, report.StatusInvalid, rep.Status)
}

func TestVerifyKeyUsageConstraints(t *testing.T) {
	p := newPKI(t)
	pol := p.policy(adrtCAdES, attributes.EncodingCMS)
	v := validation.NewVerifier(
		validation.WithPolicies(policy.NewStaticProvider(pol)),
		validation.WithSignerConstraints(&validation.KeyUsageConstraints{
			KeyUsageForbidden: []validation.KeyUsage{validation.KeyUsageContentCommitment},
		}),
	)

	rep := verify(t, v, p.sign(t, cmstest.Options{}).Bytes(), nil, validation.VerifyOptions{})

	sig := rep.Signatures[0]
	assert.Equal(t, certvalidator.ResultInvalid, sig.PathResult)
	assert.Contains(t, sig.PathReason, "content_commitment")
	assert.Equal(t, report.StatusInvalid, rep.Status)
}

func TestVerifyIncrementalFlags(t *testing.T) {
	p := newPKI(t)
	v := p.verifier(p.policy(adrtCAdES, attributes.EncodingCMS))
	data := p.sign(t, cmstest.Options{}).Bytes()

	rep := verify(t, v, data, nil, validation.VerifyOptions{IncrementalPossible: true})
	assert.Equal(t, report.StatusIndeterminate, rep.Status)

	rep = verify(t, v, data, nil, validation.VerifyOptions{IncrementalInvalid: true})
	assert.Equal(t, report.StatusInvalid, rep.Status)
}

func TestVerifyXAdES(t *testing.T) {
	// given
	p := newPKI(t)
	pol := p.policy(adrtXAdES, attributes.EncodingXML, sigTS)
	b := xadestest.Sign(t, p.signer, []byte(`<nota><item>hello</item></nota>`), xadestest.Options{
		Policy:      adrtXAdES,
		SigningTime: p.now.Add(-time.Hour),
		Chain:       []*x509.Certificate{p.root.Cert},
	})
	b.AddSignatureTimestamp(p.tsa, p.now.Add(-30*time.Minute))

	// when
	rep := verify(t, p.verifier(pol), b.Bytes(), nil, validation.VerifyOptions{})

	// then
	assert.Equal(t, attributes.EncodingXML.String(), rep.Encoding)
	sig := rep.Signatures[0]
	assert.Equal(t, report.StatusValid, sig.Status, report.Summarize(rep).Format())
	assert.Equal(t, []report.Outcome{report.OutcomeOK},
		outcomes(sig.AttributeResults(attributes.XMLSignatureTimestamp)))
	assert.Equal(t, []report.Outcome{report.OutcomeOK},
		outcomes(sig.AttributeResults(attributes.XMLSigningCertificateV2)))
	require.Len(t, sig.TimeStamps, 1)
	assert.Equal(t, report.StatusValid, sig.TimeStamps[0].Status)
}

func TestVerifyUndecodableSignerIsContained(t *testing.T) {
	// given
	p := newPKI(t)
	b := p.sign(t, cmstest.Options{}).AddSiblingSigner(asn1.ObjectIdentifier{1, 2, 3, 4})

	// when
	rep := verify(t, p.verifier(p.policy(adrtCAdES, attributes.EncodingCMS)), b.Bytes(), nil, validation.VerifyOptions{})

	// then
	require.Len(t, rep.Signatures, 2)
	good, bad := rep.Signatures[0], rep.Signatures[1]
	assert.Equal(t, report.StatusValid, good.Status, report.Summarize(rep).Format())
	assert.Empty(t, good.ParseError)
	assert.Equal(t, report.NodeSignature, bad.Kind)
	assert.Contains(t, bad.ParseError, "1.2.3.4")
	assert.Equal(t, report.StatusInvalid, bad.Status)
	assert.Equal(t, report.StatusInvalid, rep.Status)
}

func TestVerifyMalformedInput(t *testing.T) {
	p := newPKI(t)
	v := p.verifier(p.policy(adrtCAdES, attributes.EncodingCMS))

	for name, data := range map[string][]byte{
		"cms": {0x30, 0x03, 0x02, 0x01},
		"xml": []byte("<nota>sem assinatura</nota>"),
	} {
		t.Run(name, func(t *testing.T) {
			rep, err := v.Verify(context.Background(), data, nil, validation.VerifyOptions{})
			assert.Nil(t, rep)
			assert.ErrorIs(t, err, message.ErrMalformed)
		})
	}
}
