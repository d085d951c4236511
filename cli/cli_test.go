package cli

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyriosdata/seguranca-sub004/sign/cms/cmstest"
)

var adrb = asn1.ObjectIdentifier{2, 16, 76, 1, 7, 1, 1, 2, 3}

type workspace struct {
	dir    string
	config string
	root   *cmstest.Identity
	signer *cmstest.Identity
}

func write(t *testing.T, path string, data []byte) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// newWorkspace lays out a configuration trusting a fresh root. Revocation is
// answered by CRLs embedded in the signatures.
func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	w := &workspace{dir: t.TempDir(), root: cmstest.NewRoot(t, "AC Raiz Teste")}
	w.signer = w.root.Issue(t, cmstest.CertOptions{CommonName: "Fulano de Tal"})

	write(t, filepath.Join(w.dir, "raiz.pem"), pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: w.root.Cert.Raw}))
	write(t, filepath.Join(w.dir, "politicas.yaml"), []byte(`
signing:
  anchors: [raiz.pem]
  revocation: either
policies:
  - oid: 2.16.76.1.7.1.1.2.3
    name: AD-RB
`))
	w.config = write(t, filepath.Join(w.dir, "adescheck.yaml"), []byte(`
policies: politicas.yaml
network:
  offline: true
log:
  level: error
`))
	return w
}

func (w *workspace) sign(t *testing.T, opts cmstest.Options) []byte {
	t.Helper()
	now := time.Now()
	opts.Chain = []*x509.Certificate{w.root.Cert}
	opts.CRLs = [][]byte{w.root.CRL(t, 1, now.Add(-time.Hour), now.Add(time.Hour))}
	return cmstest.Sign(t, w.signer, []byte("contrato"), opts).Bytes()
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"adescheck"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVerifyValid(t *testing.T) {
	// given
	w := newWorkspace(t)
	sig := write(t, filepath.Join(w.dir, "contrato.p7s"), w.sign(t, cmstest.Options{Policy: adrb}))

	// when
	code, stdout, stderr := run("verify", "-sig", sig, "-config", w.config)

	// then
	assert.Equal(t, ExitValid, code, stdout+stderr)
	assert.Contains(t, stdout, "Status: valid")
}

func TestVerifyJSON(t *testing.T) {
	w := newWorkspace(t)
	sig := write(t, filepath.Join(w.dir, "contrato.p7s"), w.sign(t, cmstest.Options{Policy: adrb}))

	code, stdout, _ := run("verify", "-sig", sig, "-config", w.config, "-json")

	require.Equal(t, ExitValid, code)
	var decoded struct {
		Encoding   string `json:"encoding"`
		Status     string `json:"status"`
		Signatures []struct {
			Policy string `json:"policy"`
		} `json:"signatures"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &decoded))
	assert.Equal(t, "valid", decoded.Status)
	require.Len(t, decoded.Signatures, 1)
	assert.Equal(t, adrb.String(), decoded.Signatures[0].Policy)
}

func TestVerifyPolicyFlag(t *testing.T) {
	w := newWorkspace(t)
	sig := write(t, filepath.Join(w.dir, "contrato.p7s"), w.sign(t, cmstest.Options{}))

	code, _, _ := run("verify", "-sig", sig, "-config", w.config)
	assert.Equal(t, ExitInvalid, code)

	code, stdout, stderr := run("verify", "-sig", sig, "-config", w.config, "-policy", adrb.String())
	assert.Equal(t, ExitValid, code, stdout+stderr)

	code, _, stderr = run("verify", "-sig", sig, "-config", w.config, "-policy", "AD-RB")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr, "invalid OID")
}

func TestVerifyDetached(t *testing.T) {
	w := newWorkspace(t)
	sig := write(t, filepath.Join(w.dir, "contrato.p7s"), w.sign(t, cmstest.Options{Policy: adrb, Detached: true}))
	good := write(t, filepath.Join(w.dir, "contrato.txt"), []byte("contrato"))
	bad := write(t, filepath.Join(w.dir, "outro.txt"), []byte("outro"))

	code, stdout, stderr := run("verify", "-sig", sig, "-content", good, "-config", w.config)
	assert.Equal(t, ExitValid, code, stdout+stderr)

	code, _, _ = run("verify", "-sig", sig, "-content", bad, "-config", w.config)
	assert.Equal(t, ExitInvalid, code)
}

func TestVerifyRevokedSigner(t *testing.T) {
	w := newWorkspace(t)
	now := time.Now()
	data := cmstest.Sign(t, w.signer, []byte("contrato"), cmstest.Options{
		Policy: adrb,
		Chain:  []*x509.Certificate{w.root.Cert},
		CRLs:   [][]byte{w.root.CRL(t, 2, now.Add(-time.Minute), now.Add(time.Hour), w.signer.Cert)},
	}).Bytes()
	sig := write(t, filepath.Join(w.dir, "contrato.p7s"), data)

	code, stdout, _ := run("verify", "-sig", sig, "-config", w.config)

	assert.Equal(t, ExitInvalid, code)
	assert.Contains(t, stdout, "Status: invalid")
}

func TestVerifyMetrics(t *testing.T) {
	w := newWorkspace(t)
	sig := write(t, filepath.Join(w.dir, "contrato.p7s"), w.sign(t, cmstest.Options{Policy: adrb}))
	cfg := write(t, filepath.Join(w.dir, "online.yaml"), []byte(`
policies: politicas.yaml
cache:
  dir: crls
log:
  level: error
`))
	metrics := filepath.Join(w.dir, "metrics.prom")

	code, stdout, stderr := run("verify", "-sig", sig, "-config", cfg, "-metrics", metrics)

	require.Equal(t, ExitValid, code, stdout+stderr)
	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), "adescheck_crl_cache_hits_total")
	assert.DirExists(t, filepath.Join(w.dir, "crls"))
}

func TestVerifyUsageErrors(t *testing.T) {
	w := newWorkspace(t)
	garbage := write(t, filepath.Join(w.dir, "lixo.p7s"), []byte{0x30, 0x03, 0x02, 0x01})

	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"sign"}},
		{"missing sig", []string{"verify"}},
		{"unknown flag", []string{"verify", "-sig", garbage, "-strict"}},
		{"stray argument", []string{"verify", "-sig", garbage, "extra"}},
		{"missing file", []string{"verify", "-sig", filepath.Join(w.dir, "nada.p7s")}},
		{"missing config", []string{"verify", "-sig", garbage, "-config", filepath.Join(w.dir, "nada.yaml")}},
		{"malformed signature", []string{"verify", "-sig", garbage, "-config", w.config}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := run(tt.args...)
			assert.Equal(t, ExitUsage, code)
		})
	}
}

func TestVersion(t *testing.T) {
	Version = "1.2.3"
	defer func() { Version = "dev" }()

	code, stdout, _ := run("version")

	assert.Equal(t, ExitValid, code)
	assert.Contains(t, stdout, "adescheck version 1.2.3")
}
