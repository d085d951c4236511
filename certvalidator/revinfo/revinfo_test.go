package revinfo

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/kyriosdata/seguranca-sub004/certvalidator/fetchers"
	"github.com/kyriosdata/seguranca-sub004/sign/cms/cmstest"
)

// crlServer serves one CRL and counts the requests it receives.
type crlServer struct {
	*httptest.Server
	mu    sync.Mutex
	crl   []byte
	count atomic.Int32
}

func newCRLServer(t *testing.T, crl []byte) *crlServer {
	s := &crlServer{crl: crl}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.count.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Write(s.crl)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *crlServer) set(crl []byte) {
	s.mu.Lock()
	s.crl = crl
	s.mu.Unlock()
}

func TestRecord(t *testing.T) {
	root := cmstest.NewRoot(t, "Test Root")
	other := cmstest.NewRoot(t, "Other Root")
	now := time.Now()
	revoked := root.Issue(t, cmstest.CertOptions{})
	good := root.Issue(t, cmstest.CertOptions{})

	rec, err := NewRecord(root.CRL(t, 7, now.Add(-time.Hour), now.Add(time.Hour), revoked.Cert), ProvenanceEmbedded, "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.Number.Int64())
	assert.Equal(t, root.Cert.RawSubject, rec.Issuer)

	assert.True(t, rec.Covers(now))
	assert.False(t, rec.Covers(now.Add(-2*time.Hour)))
	assert.False(t, rec.Covers(now.Add(time.Hour)), "nextUpdate is exclusive")

	assert.NoError(t, rec.Validate(now, root.Cert))
	assert.ErrorIs(t, rec.Validate(now.Add(-2*time.Hour), root.Cert), ErrCRLNotYetValid)
	assert.ErrorIs(t, rec.Validate(now.Add(2*time.Hour), root.Cert), ErrCRLExpired)
	assert.ErrorIs(t, rec.Validate(now, other.Cert), ErrInvalidSignature)

	entry, ok := rec.Lookup(revoked.Cert.SerialNumber)
	require.True(t, ok)
	assert.Equal(t, revoked.Cert.SerialNumber, entry.SerialNumber)
	_, ok = rec.Lookup(big.NewInt(0))
	assert.False(t, ok)

	info := rec.Status(revoked.Cert)
	assert.Equal(t, StatusRevoked, info.Status)
	require.NotNil(t, info.RevocationTime)
	assert.Equal(t, "CRL", info.Source)
	assert.Equal(t, StatusGood, rec.Status(good.Cert).Status)
	assert.True(t, info.ThisUpdate.Equal(rec.ThisUpdate))

	_, err = NewRecord([]byte("junk"), ProvenanceNetwork, "http://x")
	assert.Error(t, err)
}

func TestRecordOpenEnded(t *testing.T) {
	rec := &Record{ThisUpdate: time.Unix(1000, 0)}
	assert.True(t, rec.Covers(time.Unix(1000, 0)))
	assert.True(t, rec.Covers(time.Now().Add(100*365*24*time.Hour)))
	assert.False(t, rec.Covers(time.Unix(999, 0)))
}

func TestFromOCSP(t *testing.T) {
	now := time.Now()
	info := FromOCSP(&ocsp.Response{
		Status:           ocsp.Revoked,
		ThisUpdate:       now.Add(-time.Hour),
		NextUpdate:       now.Add(time.Hour),
		RevokedAt:        now.Add(-2 * time.Hour),
		RevocationReason: ocsp.KeyCompromise,
	})
	assert.Equal(t, StatusRevoked, info.Status)
	assert.Equal(t, ReasonKeyCompromise, info.Reason)
	assert.Equal(t, "OCSP", info.Source)
	assert.Equal(t, "keyCompromise", info.Reason.String())

	assert.Equal(t, StatusUnknown, FromOCSP(&ocsp.Response{Status: ocsp.Unknown}).Status)

	resp := &ocsp.Response{ThisUpdate: now.Add(-time.Hour), NextUpdate: now.Add(time.Hour)}
	assert.NoError(t, ValidateOCSP(resp, now))
	assert.ErrorIs(t, ValidateOCSP(resp, now.Add(-2*time.Hour)), ErrOCSPNotYetValid)
	assert.ErrorIs(t, ValidateOCSP(resp, now.Add(2*time.Hour)), ErrOCSPExpired)
}

func TestKey(t *testing.T) {
	root := cmstest.NewRoot(t, "Test Root")
	a := root.Issue(t, cmstest.CertOptions{})
	b := root.Issue(t, cmstest.CertOptions{})
	assert.Len(t, Key(a.Cert), 2*keyBytes)
	assert.Equal(t, Key(a.Cert), Key(a.Cert))
	assert.NotEqual(t, Key(a.Cert), Key(b.Cert))
}

func TestCacheHitAndPersist(t *testing.T) {
	root := cmstest.NewRoot(t, "Test Root")
	now := time.Now()
	server := newCRLServer(t, root.CRL(t, 1, now.Add(-time.Hour), now.Add(48*time.Hour)))
	leaf := root.Issue(t, cmstest.CertOptions{CRLDistributionPoints: []string{server.URL + "/ac.crl"}})

	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(now)
	metrics := NewMetrics(prometheus.NewRegistry())
	cache, err := NewCache(dir, fetchers.NewFetcher(nil), WithClock(clock), WithMetrics(metrics))
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := cache.Get(ctx, leaf.Cert, now)
	require.NoError(t, err)
	assert.Equal(t, ProvenanceNetwork, rec.Provenance)
	assert.Equal(t, server.URL+"/ac.crl", rec.URL)
	assert.FileExists(t, filepath.Join(dir, Key(leaf.Cert)+fileSuffix))

	rec, err = cache.Get(ctx, leaf.Cert, now)
	require.NoError(t, err)
	assert.Equal(t, ProvenanceCache, rec.Provenance)
	assert.Equal(t, int32(1), server.count.Load())

	// a fresh cache over the same directory reads the stored list
	reopened, err := NewCache(dir, fetchers.NewFetcher(nil), WithClock(clock))
	require.NoError(t, err)
	rec, err = reopened.Get(ctx, leaf.Cert, now)
	require.NoError(t, err)
	assert.Equal(t, ProvenanceCache, rec.Provenance)
	assert.Equal(t, int32(1), server.count.Load())

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Hits))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Misses))
}

func TestCacheEviction(t *testing.T) {
	root := cmstest.NewRoot(t, "Test Root")
	now := time.Now()
	server := newCRLServer(t, root.CRL(t, 1, now.Add(-time.Hour), now.Add(30*24*time.Hour)))
	leaf := root.Issue(t, cmstest.CertOptions{CRLDistributionPoints: []string{server.URL + "/ac.crl"}})

	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(now)
	metrics := NewMetrics(nil)
	cache, err := NewCache(dir, fetchers.NewFetcher(nil), WithClock(clock), WithMetrics(metrics))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cache.Get(ctx, leaf.Cert, now)
	require.NoError(t, err)

	// read within the window keeps it alive
	clock.Advance(6 * 24 * time.Hour)
	rec, err := cache.Get(ctx, leaf.Cert, now)
	require.NoError(t, err)
	assert.Equal(t, ProvenanceCache, rec.Provenance)
	assert.Equal(t, int32(1), server.count.Load())

	clock.Advance(8 * 24 * time.Hour)
	rec, err = cache.Get(ctx, leaf.Cert, now)
	require.NoError(t, err)
	assert.Equal(t, ProvenanceNetwork, rec.Provenance)
	assert.Equal(t, int32(2), server.count.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Evictions))

	// the access time survives on disk
	clock.Advance(8 * 24 * time.Hour)
	reopened, err := NewCache(dir, fetchers.NewFetcher(nil), WithClock(clock))
	require.NoError(t, err)
	n, err := reopened.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(filepath.Join(dir, Key(leaf.Cert)+fileSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestCacheWindowNotCovered(t *testing.T) {
	root := cmstest.NewRoot(t, "Test Root")
	now := time.Now()
	server := newCRLServer(t, root.CRL(t, 1, now.Add(-48*time.Hour), now.Add(-24*time.Hour)))
	leaf := root.Issue(t, cmstest.CertOptions{CRLDistributionPoints: []string{server.URL + "/ac.crl"}})

	cache, err := NewCache(t.TempDir(), fetchers.NewFetcher(nil), WithClock(clockwork.NewFakeClockAt(now)))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cache.Get(ctx, leaf.Cert, now)
	assert.ErrorIs(t, err, ErrNoRevocationInfo)
	assert.Equal(t, int32(1), server.count.Load())

	// stale list on disk triggers a refetch that now succeeds
	server.set(root.CRL(t, 2, now.Add(-time.Hour), now.Add(time.Hour)))
	rec, err := cache.Get(ctx, leaf.Cert, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Number.Int64())
	assert.Equal(t, int32(2), server.count.Load())

	// a time before the window of the only list available
	_, err = cache.Get(ctx, leaf.Cert, now.Add(-72*time.Hour))
	assert.ErrorIs(t, err, ErrNoRevocationInfo)
	assert.Equal(t, int32(3), server.count.Load())
}

func TestCacheFetchFailure(t *testing.T) {
	root := cmstest.NewRoot(t, "Test Root")
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	metrics := NewMetrics(nil)
	cache, err := NewCache(t.TempDir(), fetchers.NewFetcher(nil), WithMetrics(metrics))
	require.NoError(t, err)

	leaf := root.Issue(t, cmstest.CertOptions{CRLDistributionPoints: []string{server.URL + "/a.crl", server.URL + "/b.crl"}})
	_, err = cache.Get(context.Background(), leaf.Cert, time.Now())
	assert.ErrorIs(t, err, ErrNoRevocationInfo)

	bare := root.Issue(t, cmstest.CertOptions{})
	_, err = cache.Get(context.Background(), bare.Cert, time.Now())
	assert.ErrorIs(t, err, ErrNoRevocationInfo)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.FetchFailures))
}

func TestCacheCorruptFile(t *testing.T) {
	root := cmstest.NewRoot(t, "Test Root")
	now := time.Now()
	server := newCRLServer(t, root.CRL(t, 1, now.Add(-time.Hour), now.Add(time.Hour)))
	leaf := root.Issue(t, cmstest.CertOptions{CRLDistributionPoints: []string{server.URL}})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, Key(leaf.Cert)+fileSuffix), []byte("junk"), 0600))

	cache, err := NewCache(dir, fetchers.NewFetcher(nil))
	require.NoError(t, err)
	rec, err := cache.Get(context.Background(), leaf.Cert, now)
	require.NoError(t, err)
	assert.Equal(t, ProvenanceNetwork, rec.Provenance)
}

func TestCacheConcurrentGet(t *testing.T) {
	root := cmstest.NewRoot(t, "Test Root")
	now := time.Now()
	server := newCRLServer(t, root.CRL(t, 1, now.Add(-time.Hour), now.Add(time.Hour)))

	var leaves []*cmstest.Identity
	for i := 0; i < 3; i++ {
		leaves = append(leaves, root.Issue(t, cmstest.CertOptions{CRLDistributionPoints: []string{server.URL}}))
	}

	cache, err := NewCache(t.TempDir(), fetchers.NewFetcher(nil))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(leaf *cmstest.Identity) {
			defer wg.Done()
			_, err := cache.Get(context.Background(), leaf.Cert, now)
			errs <- err
		}(leaves[i%len(leaves)])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(len(leaves)), server.count.Load())
}
