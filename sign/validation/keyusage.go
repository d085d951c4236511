package validation

import (
	"crypto/x509"
	"fmt"
	"sort"
	"strings"

	"github.com/kyriosdata/seguranca-sub004/certvalidator"
)

// KeyUsage names a key usage bit.
type KeyUsage string

// Key usage names, as accepted in configuration files.
const (
	KeyUsageDigitalSignature  KeyUsage = "digital_signature"
	KeyUsageContentCommitment KeyUsage = "content_commitment" // aka non_repudiation
	KeyUsageKeyEncipherment   KeyUsage = "key_encipherment"
	KeyUsageDataEncipherment  KeyUsage = "data_encipherment"
	KeyUsageKeyAgreement      KeyUsage = "key_agreement"
	KeyUsageKeyCertSign       KeyUsage = "key_cert_sign"
	KeyUsageCRLSign           KeyUsage = "crl_sign"
)

var keyUsageBits = map[KeyUsage]x509.KeyUsage{
	KeyUsageDigitalSignature:  x509.KeyUsageDigitalSignature,
	KeyUsageContentCommitment: x509.KeyUsageContentCommitment,
	KeyUsageKeyEncipherment:   x509.KeyUsageKeyEncipherment,
	KeyUsageDataEncipherment:  x509.KeyUsageDataEncipherment,
	KeyUsageKeyAgreement:      x509.KeyUsageKeyAgreement,
	KeyUsageKeyCertSign:       x509.KeyUsageCertSign,
	KeyUsageCRLSign:           x509.KeyUsageCRLSign,
}

// KeyUsageError is returned when a certificate does not satisfy the key usage
// constraints.
type KeyUsageError struct {
	Message string
}

func (e *KeyUsageError) Error() string {
	return e.Message
}

// KeyUsageConstraints describes the key usages a signer certificate must
// (and must not) assert.
type KeyUsageConstraints struct {
	// KeyUsage lists acceptable usages. Empty accepts any certificate.
	KeyUsage []KeyUsage
	// KeyUsageForbidden lists usages that disqualify the certificate.
	KeyUsageForbidden []KeyUsage
	// MatchAll requires every usage in KeyUsage instead of one of them.
	MatchAll bool
}

// SigningConstraints accepts certificates asserting digitalSignature or
// nonRepudiation, as ICP-Brasil signer certificates do.
func SigningConstraints() *KeyUsageConstraints {
	return &KeyUsageConstraints{
		KeyUsage: []KeyUsage{KeyUsageDigitalSignature, KeyUsageContentCommitment},
	}
}

// NonRepudiationConstraints requires both digitalSignature and
// nonRepudiation.
func NonRepudiationConstraints() *KeyUsageConstraints {
	return &KeyUsageConstraints{
		KeyUsage: []KeyUsage{KeyUsageDigitalSignature, KeyUsageContentCommitment},
		MatchAll: true,
	}
}

// Validate checks cert against the constraints. A certificate without a key
// usage extension asserts every usage.
func (c *KeyUsageConstraints) Validate(cert *x509.Certificate) error {
	if c == nil || cert == nil {
		return nil
	}
	asserted := make(map[KeyUsage]bool)
	for _, ku := range extractKeyUsages(cert.KeyUsage) {
		asserted[ku] = true
	}

	var banned []string
	for _, ku := range c.KeyUsageForbidden {
		if asserted[ku] {
			banned = append(banned, string(ku))
		}
	}
	if len(banned) > 0 {
		return &KeyUsageError{
			Message: fmt.Sprintf("key usage policy bans certificates used for %s", strings.Join(banned, ", ")),
		}
	}

	if len(c.KeyUsage) == 0 || cert.KeyUsage == 0 {
		return nil
	}
	if !matchUsages(c.KeyUsage, asserted, c.MatchAll) {
		qualifier := "one of "
		if c.MatchAll {
			qualifier = ""
		}
		return &KeyUsageError{
			Message: fmt.Sprintf("key usage policy requires %s%s", qualifier, joinUsages(c.KeyUsage)),
		}
	}
	return nil
}

// LeafCheck adapts the constraints to path validation: a failure makes the
// signer link of the path invalid.
func (c *KeyUsageConstraints) LeafCheck() certvalidator.LeafCheck {
	return c.Validate
}

func matchUsages(required []KeyUsage, present map[KeyUsage]bool, needAll bool) bool {
	for _, ku := range required {
		switch {
		case present[ku] && !needAll:
			return true
		case !present[ku] && needAll:
			return false
		}
	}
	return needAll
}

func extractKeyUsages(ku x509.KeyUsage) []KeyUsage {
	var usages []KeyUsage
	for name, bit := range keyUsageBits {
		if ku&bit != 0 {
			usages = append(usages, name)
		}
	}
	sort.Slice(usages, func(i, j int) bool { return usages[i] < usages[j] })
	return usages
}

func joinUsages(usages []KeyUsage) string {
	names := make([]string, len(usages))
	for i, ku := range usages {
		names[i] = string(ku)
	}
	return strings.Join(names, ", ")
}

// ParseKeyUsage parses a key usage name. "non_repudiation" is accepted for
// content_commitment.
func ParseKeyUsage(s string) (KeyUsage, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "non_repudiation" {
		return KeyUsageContentCommitment, nil
	}
	if _, ok := keyUsageBits[KeyUsage(s)]; ok {
		return KeyUsage(s), nil
	}
	return "", fmt.Errorf("unknown key usage: %q", s)
}

// ParseKeyUsages parses a list of key usage names.
func ParseKeyUsages(names []string) ([]KeyUsage, error) {
	out := make([]KeyUsage, 0, len(names))
	for _, n := range names {
		ku, err := ParseKeyUsage(n)
		if err != nil {
			return nil, err
		}
		out = append(out, ku)
	}
	return out, nil
}
