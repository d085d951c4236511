package certvalidator

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyriosdata/seguranca-sub004/certvalidator/revinfo"
	"github.com/kyriosdata/seguranca-sub004/sign/cms/cmstest"
)

type recordingSink []PairResult

func (s *recordingSink) AddValidation(pr PairResult) { *s = append(*s, pr) }

// fakeChecker answers from a table keyed by serial number.
type fakeChecker struct {
	revoked map[string]bool
	missing map[string]bool
	calls   int
}

func (f *fakeChecker) CheckRevocation(_ context.Context, subject, _ *x509.Certificate, _ RevocationRequirement, _ time.Time) (*revinfo.RevocationInfo, error) {
	f.calls++
	serial := subject.SerialNumber.String()
	if f.missing[serial] {
		return nil, revinfo.ErrNoRevocationInfo
	}
	if f.revoked[serial] {
		at := time.Now().Add(-time.Hour)
		return &revinfo.RevocationInfo{Status: revinfo.StatusRevoked, RevocationTime: &at, Source: "CRL"}, nil
	}
	return &revinfo.RevocationInfo{Status: revinfo.StatusGood, Source: "CRL"}, nil
}

type chain struct {
	root, inter, leaf *cmstest.Identity
}

func newChain(t *testing.T, leafOpts cmstest.CertOptions) chain {
	root := cmstest.NewRoot(t, "AC Raiz Teste")
	inter := root.Issue(t, cmstest.CertOptions{CommonName: "AC Intermediaria", IsCA: true})
	if leafOpts.CommonName == "" {
		leafOpts.CommonName = "Titular"
	}
	return chain{root: root, inter: inter, leaf: inter.Issue(t, leafOpts)}
}

func TestBuildPath(t *testing.T) {
	c := newChain(t, cmstest.CertOptions{})
	anchors := NewTrustAnchorSet(c.root.Cert)
	now := time.Now()

	t.Run("through intermediate", func(t *testing.T) {
		v := NewValidator(NewSimpleCertificateStore(c.inter.Cert), nil)
		path := v.BuildPath(c.leaf.Cert, anchors, now)
		require.NotNil(t, path)
		assert.Equal(t, []*x509.Certificate{c.leaf.Cert, c.inter.Cert}, path.Certificates)
		assert.Equal(t, c.root.Cert, path.Anchor)
		assert.Equal(t, c.leaf.Cert, path.Leaf())
		require.Len(t, path.Pairs(), 2)
		assert.Equal(t, c.root.Cert, path.Pairs()[1][1])
	})

	t.Run("missing intermediate", func(t *testing.T) {
		v := NewValidator(NewSimpleCertificateStore(), nil)
		assert.Nil(t, v.BuildPath(c.leaf.Cert, anchors, now))
	})

	t.Run("no anchors", func(t *testing.T) {
		v := NewValidator(NewSimpleCertificateStore(c.inter.Cert), nil)
		assert.Nil(t, v.BuildPath(c.leaf.Cert, NewTrustAnchorSet(), now))
		assert.Nil(t, v.BuildPath(c.leaf.Cert, nil, now))
	})

	t.Run("leaf is anchor", func(t *testing.T) {
		v := NewValidator(nil, nil)
		path := v.BuildPath(c.root.Cert, anchors, now)
		require.NotNil(t, path)
		assert.Equal(t, []*x509.Certificate{c.root.Cert}, path.Certificates)
		assert.Equal(t, c.root.Cert, path.Anchor)
	})

	t.Run("depth exceeded", func(t *testing.T) {
		deep := c.inter.Issue(t, cmstest.CertOptions{CommonName: "AC Nivel 2", IsCA: true})
		leaf := deep.Issue(t, cmstest.CertOptions{CommonName: "Titular Profundo"})
		v := NewValidator(NewSimpleCertificateStore(c.inter.Cert, deep.Cert), nil)
		require.NotNil(t, v.BuildPath(leaf.Cert, anchors, now))

		v.MaxDepth = 2
		assert.Nil(t, v.BuildPath(leaf.Cert, anchors, now))
	})

	t.Run("wrong anchor", func(t *testing.T) {
		other := cmstest.NewRoot(t, "AC Raiz Teste")
		v := NewValidator(NewSimpleCertificateStore(c.inter.Cert), nil)
		// same name, different key
		assert.Nil(t, v.BuildPath(c.leaf.Cert, NewTrustAnchorSet(other.Cert), now))
	})
}

func TestValidateReportsEveryPair(t *testing.T) {
	// given
	c := newChain(t, cmstest.CertOptions{})
	checker := &fakeChecker{}
	v := NewValidator(NewSimpleCertificateStore(c.inter.Cert), checker)
	var sink recordingSink

	// when
	out := v.Validate(context.Background(), c.leaf.Cert, NewTrustAnchorSet(c.root.Cert), RevocationEither, time.Now(), &sink)

	// then
	assert.Equal(t, ResultValid, out.Result)
	assert.NoError(t, out.Err)
	require.Len(t, sink, 2)
	assert.Equal(t, c.leaf.Cert, sink[0].Subject)
	assert.Equal(t, c.inter.Cert, sink[0].Issuer)
	assert.Equal(t, c.inter.Cert, sink[1].Subject)
	assert.Equal(t, c.root.Cert, sink[1].Issuer)
	for _, pr := range sink {
		assert.Equal(t, ResultValid, pr.Result)
		assert.Empty(t, pr.Reason)
	}
	assert.Equal(t, 2, checker.calls)
}

func TestValidateFirstDetectedWins(t *testing.T) {
	now := time.Now()

	t.Run("expired leaf before revoked intermediate", func(t *testing.T) {
		c := newChain(t, cmstest.CertOptions{NotBefore: now.Add(-48 * time.Hour), NotAfter: now.Add(-24 * time.Hour)})
		checker := &fakeChecker{revoked: map[string]bool{c.inter.Cert.SerialNumber.String(): true}}
		v := NewValidator(NewSimpleCertificateStore(c.inter.Cert), checker)
		var sink recordingSink

		out := v.Validate(context.Background(), c.leaf.Cert, NewTrustAnchorSet(c.root.Cert), RevocationEither, now, &sink)

		assert.Equal(t, ResultExpired, out.Result)
		assert.Nil(t, out.Revoked)
		assert.ErrorIs(t, out.Err, ErrExpired)
		require.Len(t, sink, 2)
		assert.Equal(t, ResultExpired, sink[0].Result)
		assert.Equal(t, ResultRevoked, sink[1].Result)
	})

	t.Run("revoked leaf before unknown intermediate", func(t *testing.T) {
		c := newChain(t, cmstest.CertOptions{})
		checker := &fakeChecker{
			revoked: map[string]bool{c.leaf.Cert.SerialNumber.String(): true},
			missing: map[string]bool{c.inter.Cert.SerialNumber.String(): true},
		}
		v := NewValidator(NewSimpleCertificateStore(c.inter.Cert), checker)
		var sink recordingSink

		out := v.Validate(context.Background(), c.leaf.Cert, NewTrustAnchorSet(c.root.Cert), RevocationEither, now, &sink)

		assert.Equal(t, ResultRevoked, out.Result)
		assert.Equal(t, c.leaf.Cert, out.Revoked)
		require.Len(t, sink, 2)
		assert.NotNil(t, sink[0].RevokedAt)
		assert.Equal(t, ResultUnknown, sink[1].Result)

		var pe *PathError
		require.True(t, errors.As(out.Err, &pe))
		assert.Equal(t, c.leaf.Cert, pe.Subject)
		assert.Equal(t, c.inter.Cert, pe.Issuer)
	})

	t.Run("not yet valid", func(t *testing.T) {
		c := newChain(t, cmstest.CertOptions{NotBefore: now.Add(24 * time.Hour), NotAfter: now.Add(48 * time.Hour)})
		v := NewValidator(NewSimpleCertificateStore(c.inter.Cert), nil)
		out := v.Validate(context.Background(), c.leaf.Cert, NewTrustAnchorSet(c.root.Cert), RevocationNone, now, nil)
		assert.Equal(t, ResultNotYetValid, out.Result)
	})
}

func TestValidateRevocationRequirement(t *testing.T) {
	c := newChain(t, cmstest.CertOptions{})
	anchors := NewTrustAnchorSet(c.root.Cert)
	now := time.Now()

	tests := []struct {
		name    string
		checker RevocationChecker
		req     RevocationRequirement
		want    Result
	}{
		{"none skips checks", nil, RevocationNone, ResultValid},
		{"no checker is unknown", nil, RevocationEither, ResultUnknown},
		{"missing evidence is unknown", &fakeChecker{missing: map[string]bool{c.leaf.Cert.SerialNumber.String(): true}}, RevocationBoth, ResultUnknown},
		{"good evidence", &fakeChecker{}, RevocationBoth, ResultValid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(NewSimpleCertificateStore(c.inter.Cert), tt.checker)
			out := v.Validate(context.Background(), c.leaf.Cert, anchors, tt.req, now, nil)
			assert.Equal(t, tt.want, out.Result)
		})
	}
}

func TestValidateNoPath(t *testing.T) {
	c := newChain(t, cmstest.CertOptions{})
	var sink recordingSink

	out := NewValidator(nil, nil).Validate(context.Background(), c.leaf.Cert, NewTrustAnchorSet(c.root.Cert), RevocationNone, time.Now(), &sink)

	assert.Equal(t, ResultInvalid, out.Result)
	assert.ErrorIs(t, out.Err, ErrNoPath)
	assert.Nil(t, out.Path)
	require.Len(t, sink, 1)
	assert.Nil(t, sink[0].Issuer)
	assert.Equal(t, ResultInvalid, sink[0].Result)
}

func TestValidateNonCAIssuer(t *testing.T) {
	root := cmstest.NewRoot(t, "AC Raiz Teste")
	notCA := root.Issue(t, cmstest.CertOptions{CommonName: "Titular"})
	leaf := notCA.Issue(t, cmstest.CertOptions{CommonName: "Subordinado"})

	v := NewValidator(NewSimpleCertificateStore(notCA.Cert), nil)
	out := v.Validate(context.Background(), leaf.Cert, NewTrustAnchorSet(root.Cert), RevocationNone, time.Now(), nil)
	assert.Equal(t, ResultInvalid, out.Result)
	assert.ErrorIs(t, out.Err, ErrNotCA)
}

func TestValidateTimeStampingUsage(t *testing.T) {
	root := cmstest.NewRoot(t, "AC Raiz Teste")
	anchors := NewTrustAnchorSet(root.Cert)
	withEKU := cmstest.NewTSA(t, root, cmstest.CertOptions{})
	without := root.Issue(t, cmstest.CertOptions{CommonName: "Carimbo sem uso"})

	v := NewValidator(nil, nil)
	check := RequireExtKeyUsage(x509.ExtKeyUsageTimeStamping)

	out := v.Validate(context.Background(), withEKU.Cert, anchors, RevocationNone, time.Now(), nil, check)
	assert.Equal(t, ResultValid, out.Result)

	var sink recordingSink
	out = v.Validate(context.Background(), without.Cert, anchors, RevocationNone, time.Now(), &sink, check)
	assert.Equal(t, ResultInvalid, out.Result)
	assert.ErrorIs(t, out.Err, ErrExtKeyUsageMissing)
	require.Len(t, sink, 1)
	assert.Contains(t, sink[0].Reason, "extended key usage")
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "valid", ResultValid.String())
	assert.Equal(t, "notYetValid", ResultNotYetValid.String())
	assert.Equal(t, "expired", ResultExpired.String())
	assert.Equal(t, "revoked", ResultRevoked.String())
	assert.Equal(t, "unknown", ResultUnknown.String())
	assert.Equal(t, "invalid", ResultInvalid.String())
	assert.Equal(t, "either", RevocationEither.String())
	assert.Equal(t, "both", RevocationBoth.String())
	assert.Equal(t, "none", RevocationNone.String())
}

func TestParseRevocationRequirement(t *testing.T) {
	for in, want := range map[string]RevocationRequirement{
		"":       RevocationEither,
		"either": RevocationEither,
		" Both ": RevocationBoth,
		"NONE":   RevocationNone,
	} {
		got, err := ParseRevocationRequirement(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseRevocationRequirement("sometimes")
	assert.Error(t, err)
}
