package policy

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kyriosdata/seguranca-sub004/certvalidator"
	"github.com/kyriosdata/seguranca-sub004/keys"
	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
)

// TrustFile is the on-disk form of a TrustContext.
type TrustFile struct {
	Anchors    []string `yaml:"anchors"`
	Revocation string   `yaml:"revocation"`
}

// PolicyFile is the on-disk form of a Policy.
type PolicyFile struct {
	OID              string     `yaml:"oid"`
	Name             string     `yaml:"name"`
	Encoding         string     `yaml:"encoding"`
	Digest           string     `yaml:"digest"`
	DigestAlgorithm  string     `yaml:"digest-algorithm"`
	MandatedSigned   []string   `yaml:"mandated-signed"`
	MandatedUnsigned []string   `yaml:"mandated-unsigned"`
	Signing          *TrustFile `yaml:"signing"`
	TimeStamping     *TrustFile `yaml:"timestamping"`
}

// File is the on-disk form of a set of policies. Signing and TimeStamping
// apply to every policy that does not declare its own.
type File struct {
	Signing      *TrustFile   `yaml:"signing"`
	TimeStamping *TrustFile   `yaml:"timestamping"`
	Policies     []PolicyFile `yaml:"policies"`
}

var hashByName = map[string]crypto.Hash{
	"sha1":   crypto.SHA1,
	"sha256": crypto.SHA256,
	"sha384": crypto.SHA384,
	"sha512": crypto.SHA512,
}

// LoadFile reads a policy file and returns a provider serving its policies.
// Anchor paths are resolved against the directory of path.
func LoadFile(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes a policy file held in data.
func Parse(data []byte, baseDir string) (*StaticProvider, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	anchors := newAnchorLoader(baseDir)
	defSigning, err := anchors.trustContext(f.Signing, TrustContext{})
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	defStamping, err := anchors.trustContext(f.TimeStamping, TrustContext{})
	if err != nil {
		return nil, fmt.Errorf("timestamping: %w", err)
	}

	sp := NewStaticProvider()
	for i, pf := range f.Policies {
		p, err := pf.build(anchors, defSigning, defStamping)
		if err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		sp.Add(p)
	}
	return sp, nil
}

func (pf *PolicyFile) build(anchors *anchorLoader, signing, stamping TrustContext) (*Policy, error) {
	oid := strings.TrimSpace(pf.OID)
	if oid == "" {
		return nil, fmt.Errorf("oid is required")
	}
	p := &Policy{
		OID:             oid,
		Name:            pf.Name,
		Encoding:        EncodingForOID(oid),
		DigestAlgorithm: crypto.SHA256,
	}

	switch strings.ToLower(pf.Encoding) {
	case "":
	case "cms", "cades":
		p.Encoding = attributes.EncodingCMS
	case "xml", "xades":
		p.Encoding = attributes.EncodingXML
	default:
		return nil, fmt.Errorf("%s: unknown encoding %q", oid, pf.Encoding)
	}

	if pf.DigestAlgorithm != "" {
		h, ok := hashByName[strings.ToLower(pf.DigestAlgorithm)]
		if !ok {
			return nil, fmt.Errorf("%s: %w: %s", oid, attributes.ErrUnsupportedAlgorithm, pf.DigestAlgorithm)
		}
		p.DigestAlgorithm = h
	}
	if pf.Digest != "" {
		d, err := base64.StdEncoding.DecodeString(pf.Digest)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid digest: %w", oid, err)
		}
		if len(d) != p.DigestAlgorithm.Size() {
			return nil, fmt.Errorf("%s: digest has %d bytes, %s needs %d", oid, len(d), p.DigestAlgorithm, p.DigestAlgorithm.Size())
		}
		p.Digest = d
	}

	var err error
	if p.MandatedSigned, err = lookupAll(pf.MandatedSigned); err != nil {
		return nil, fmt.Errorf("%s: %w", oid, err)
	}
	if p.MandatedUnsigned, err = lookupAll(pf.MandatedUnsigned); err != nil {
		return nil, fmt.Errorf("%s: %w", oid, err)
	}
	if p.Signing, err = anchors.trustContext(pf.Signing, signing); err != nil {
		return nil, fmt.Errorf("%s: signing: %w", oid, err)
	}
	if p.TimeStamping, err = anchors.trustContext(pf.TimeStamping, stamping); err != nil {
		return nil, fmt.Errorf("%s: timestamping: %w", oid, err)
	}
	return p, nil
}

func lookupAll(tokens []string) ([]string, error) {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		id, ok := attributes.Lookup(t)
		if !ok {
			return nil, fmt.Errorf("unknown attribute %q", t)
		}
		out = append(out, id)
	}
	return out, nil
}

// anchorLoader loads anchor paths once, however many policies share them.
type anchorLoader struct {
	baseDir string
	loaded  map[string]*certvalidator.TrustAnchorSet
}

func newAnchorLoader(baseDir string) *anchorLoader {
	return &anchorLoader{baseDir: baseDir, loaded: make(map[string]*certvalidator.TrustAnchorSet)}
}

func (l *anchorLoader) trustContext(tf *TrustFile, def TrustContext) (TrustContext, error) {
	if tf == nil {
		return def, nil
	}
	req, err := certvalidator.ParseRevocationRequirement(tf.Revocation)
	if err != nil {
		return TrustContext{}, err
	}
	tc := TrustContext{Anchors: def.Anchors, Revocation: req}
	if len(tf.Anchors) == 0 {
		return tc, nil
	}

	key := strings.Join(tf.Anchors, "\x00")
	if set, ok := l.loaded[key]; ok {
		tc.Anchors = set
		return tc, nil
	}
	certs, err := keys.LoadCertsFromPaths(l.baseDir, tf.Anchors)
	if err != nil {
		return TrustContext{}, err
	}
	tc.Anchors = certvalidator.NewTrustAnchorSet(certs...)
	l.loaded[key] = tc.Anchors
	return tc, nil
}
