package policy

import (
	"regexp"
	"slices"
	"strings"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
)

// LegacyPattern matches the v1.x ICP-Brasil policies, which bind the signer
// certificate through the v1 signing-certificate attribute.
const LegacyPattern = `^2\.16\.76\.1\.7\.1\.([1-9]|10)\.1(\.\d+)?$`

// Rules holds the policy-identifier patterns mandate derivation depends on.
type Rules struct {
	Legacy *regexp.Regexp
	// RefsMarkers identify policies whose evidence is carried by references
	// (AD-RV and AD-RC families). Markers are matched at the family component
	// of an ICP-Brasil policy, written with the last arc component, as in
	// ".1.3.". Other arcs never match.
	RefsMarkers []string
	// ValuesMarkers identify policies whose evidence is carried by values
	// (AD-RA families), matched like RefsMarkers.
	ValuesMarkers []string
}

// DefaultRules returns the ICP-Brasil rules.
func DefaultRules() Rules {
	return Rules{
		Legacy:        regexp.MustCompile(LegacyPattern),
		RefsMarkers:   []string{".1.3.", ".1.4.", ".1.8.", ".1.9."},
		ValuesMarkers: []string{".1.5.", ".1.10."},
	}
}

// IsLegacy reports whether oid names a v1.x policy.
func (r Rules) IsLegacy(oid string) bool {
	return r.Legacy != nil && r.Legacy.MatchString(oid)
}

// StampContext locates the time-stamp being validated within its signature.
type StampContext struct {
	// Current is the attribute identifier the stamp was found under.
	Current string
	// Stamps lists the identifiers of every stamp on the signature.
	Stamps []string
	// Last is set on the final stamp of the validation order.
	Last bool
}

func (sc *StampContext) is(k attributes.Kind) bool {
	kind, _ := attributes.KindOf(sc.Current)
	return kind == k
}

func (sc *StampContext) has(k attributes.Kind) bool {
	for _, id := range sc.Stamps {
		if kind, _ := attributes.KindOf(id); kind == k {
			return true
		}
	}
	return false
}

// hasContentButNotRefs holds for a signature time-stamp not yet covered by
// an esc time-stamp.
func (sc *StampContext) hasContentButNotRefs() bool {
	return sc.is(attributes.KindSignatureTimestamp) && !sc.has(attributes.KindEscTimestamp)
}

// hasRefsButNotArchive holds for an esc time-stamp not yet covered by an
// archive time-stamp.
func (sc *StampContext) hasRefsButNotArchive() bool {
	return sc.is(attributes.KindEscTimestamp) && !sc.has(attributes.KindArchiveTimestamp)
}

func (sc *StampContext) lastArchive() bool {
	return sc.Last && sc.is(attributes.KindArchiveTimestamp)
}

// MandatedAttributes returns the ordered attribute identifiers p mandates, in
// the encoding of p. With a nil sc the list applies to the signature itself:
// the declared signed additions apply and the declared unsigned list is used
// as is. Otherwise the list applies to the stamp sc describes, and evidence
// the stamp cannot yet be expected to carry is removed.
func (r Rules) MandatedAttributes(p *Policy, sc *StampContext) []string {
	mandated := []string{
		attributes.OIDContentType.String(),
		attributes.OIDMessageDigest.String(),
	}
	if r.IsLegacy(p.OID) {
		mandated = append(mandated, attributes.OIDSigningCertificate.String())
	} else {
		mandated = append(mandated, attributes.OIDSigningCertificateV2.String())
	}
	if sc == nil {
		mandated = append(mandated, p.MandatedSigned...)
	}

	unsigned := slices.Clone(p.MandatedUnsigned)
	if sc != nil {
		strip := make(map[string]bool)
		add := func(ids []string) {
			for _, id := range ids {
				strip[id] = true
			}
		}

		if attributes.IsAnyStampButArchive(sc.Current) {
			switch {
			case familyMatches(p.OID, r.RefsMarkers):
				add(attributes.References())
				add(attributes.Values())
			case familyMatches(p.OID, r.ValuesMarkers):
				add(attributes.Values())
			}
		}
		if sc.hasContentButNotRefs() || sc.hasRefsButNotArchive() || sc.lastArchive() {
			add(attributes.References())
			add(attributes.Values())
		}
		add(attributes.UnsignedStamps())

		unsigned = slices.DeleteFunc(unsigned, func(id string) bool { return strip[id] })
	}

	return translate(append(mandated, unsigned...), p.Encoding)
}

// translate maps ids into enc, dropping those with no counterpart and
// repeated ones. Identifiers outside the catalog pass through.
func translate(ids []string, enc attributes.Encoding) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		t := id
		if _, known := attributes.Find(id); known {
			var ok bool
			if t, ok = attributes.Equivalent(id, enc); !ok {
				continue
			}
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// familyMatches reports whether oid is an ICP-Brasil policy whose family
// starts with one of markers.
func familyMatches(oid string, markers []string) bool {
	rest, ok := strings.CutPrefix(oid, icpBrasilArc)
	if !ok {
		return false
	}
	family := ".1." + rest
	for _, m := range markers {
		if m != "" && strings.HasPrefix(family, m) {
			return true
		}
	}
	return false
}
