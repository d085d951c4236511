package certvalidator

import (
	"bytes"
	"crypto/x509"
	"sync"

	"github.com/kyriosdata/seguranca-sub004/sign/message"
)

// CertificateCollection supplies certificates to path building.
type CertificateCollection interface {
	// Certificate returns the certificate matching sel, or nil.
	Certificate(sel message.Selector) *x509.Certificate

	// IssuerOf returns every certificate that could have issued cert, best
	// candidates first.
	IssuerOf(cert *x509.Certificate) []*x509.Certificate

	// Add registers certificates with the collection.
	Add(certs ...*x509.Certificate)
}

// SimpleCertificateStore is an in-memory CertificateCollection.
type SimpleCertificateStore struct {
	mu sync.RWMutex

	// Main storage keyed by fingerprint
	certs map[[32]byte]*x509.Certificate
	order []*x509.Certificate

	// Index by raw subject for issuer lookups
	subjectMap map[string][]*x509.Certificate
}

// NewSimpleCertificateStore creates a store holding certs.
func NewSimpleCertificateStore(certs ...*x509.Certificate) *SimpleCertificateStore {
	s := &SimpleCertificateStore{
		certs:      make(map[[32]byte]*x509.Certificate),
		subjectMap: make(map[string][]*x509.Certificate),
	}
	s.Add(certs...)
	return s
}

// Add registers certs, ignoring duplicates.
func (s *SimpleCertificateStore) Add(certs ...*x509.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cert := range certs {
		if cert == nil {
			continue
		}
		key := CertificateFingerprint(cert)
		if _, exists := s.certs[key]; exists {
			continue
		}
		s.certs[key] = cert
		s.order = append(s.order, cert)
		subject := string(cert.RawSubject)
		s.subjectMap[subject] = append(s.subjectMap[subject], cert)
	}
}

// Certificate returns the first registered certificate matching sel.
func (s *SimpleCertificateStore) Certificate(sel message.Selector) *x509.Certificate {
	if sel.Certificate != nil {
		return sel.Certificate
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cert := range s.order {
		if sel.Matches(cert) {
			return cert
		}
	}
	return nil
}

// IssuerOf returns the registered certificates whose subject names the issuer
// of cert. Candidates whose key verifies the signature on cert come first.
func (s *SimpleCertificateStore) IssuerOf(cert *x509.Certificate) []*x509.Certificate {
	s.mu.RLock()
	named := s.subjectMap[string(cert.RawIssuer)]
	s.mu.RUnlock()
	return rankIssuers(cert, named)
}

// All returns all certificates in registration order.
func (s *SimpleCertificateStore) All() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*x509.Certificate, len(s.order))
	copy(result, s.order)
	return result
}

// Count returns the number of certificates in the store.
func (s *SimpleCertificateStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.certs)
}

func rankIssuers(cert *x509.Certificate, named []*x509.Certificate) []*x509.Certificate {
	var verified, others []*x509.Certificate
	for _, candidate := range named {
		if !IssuedBy(cert, candidate) {
			continue
		}
		if cert.CheckSignatureFrom(candidate) == nil {
			verified = append(verified, candidate)
		} else {
			others = append(others, candidate)
		}
	}
	return append(verified, others...)
}

// LayeredCertificateStore looks up certificates across multiple collections.
// Add writes to the first one.
type LayeredCertificateStore struct {
	stores []CertificateCollection
}

// NewLayeredCertificateStore creates a new LayeredCertificateStore.
func NewLayeredCertificateStore(stores ...CertificateCollection) *LayeredCertificateStore {
	var live []CertificateCollection
	for _, s := range stores {
		if s != nil {
			live = append(live, s)
		}
	}
	return &LayeredCertificateStore{stores: live}
}

// Certificate retrieves from the first store that has a match.
func (s *LayeredCertificateStore) Certificate(sel message.Selector) *x509.Certificate {
	for _, store := range s.stores {
		if cert := store.Certificate(sel); cert != nil {
			return cert
		}
	}
	return nil
}

// IssuerOf merges the candidates of every store.
func (s *LayeredCertificateStore) IssuerOf(cert *x509.Certificate) []*x509.Certificate {
	var named []*x509.Certificate
	seen := make(map[[32]byte]bool)
	for _, store := range s.stores {
		for _, c := range store.IssuerOf(cert) {
			key := CertificateFingerprint(c)
			if !seen[key] {
				seen[key] = true
				named = append(named, c)
			}
		}
	}
	return rankIssuers(cert, named)
}

// Add registers certs with the first store.
func (s *LayeredCertificateStore) Add(certs ...*x509.Certificate) {
	if len(s.stores) > 0 {
		s.stores[0].Add(certs...)
	}
}

// TrustAnchorSet is an immutable set of trusted certificates.
type TrustAnchorSet struct {
	certs []*x509.Certificate
	index map[[32]byte]bool
}

// NewTrustAnchorSet creates a set holding certs.
func NewTrustAnchorSet(certs ...*x509.Certificate) *TrustAnchorSet {
	t := &TrustAnchorSet{index: make(map[[32]byte]bool)}
	for _, cert := range certs {
		if cert == nil {
			continue
		}
		key := CertificateFingerprint(cert)
		if t.index[key] {
			continue
		}
		t.index[key] = true
		t.certs = append(t.certs, cert)
	}
	return t
}

// Certificates returns the anchors.
func (t *TrustAnchorSet) Certificates() []*x509.Certificate {
	if t == nil {
		return nil
	}
	return t.certs
}

// Empty reports whether the set holds no anchor.
func (t *TrustAnchorSet) Empty() bool {
	return t == nil || len(t.certs) == 0
}

// Contains reports whether cert itself is an anchor.
func (t *TrustAnchorSet) Contains(cert *x509.Certificate) bool {
	return !t.Empty() && t.index[CertificateFingerprint(cert)]
}

// IssuerOf returns the anchor that issued cert, or nil. An anchor is its own
// issuer.
func (t *TrustAnchorSet) IssuerOf(cert *x509.Certificate) *x509.Certificate {
	if t.Empty() {
		return nil
	}
	if t.Contains(cert) {
		for _, a := range t.certs {
			if bytes.Equal(a.Raw, cert.Raw) {
				return a
			}
		}
	}
	for _, a := range t.certs {
		if IssuedBy(cert, a) && cert.CheckSignatureFrom(a) == nil {
			return a
		}
	}
	return nil
}
