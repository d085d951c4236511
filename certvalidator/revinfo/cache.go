package revinfo

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kyriosdata/seguranca-sub004/log"
)

const (
	// DefaultMaxAge is how long a cached list survives without being read.
	DefaultMaxAge = 7 * 24 * time.Hour

	// keyBytes is how much of the certificate signature forms the cache key.
	keyBytes = 16

	tmpFileName = "crl-*.tmp"
	fileSuffix  = ".crl"
)

// Downloader retrieves the bytes behind a distribution point URI.
type Downloader interface {
	Download(ctx context.Context, uri string) ([]byte, error)
}

// Cache keeps one revocation list per certificate in a directory, one raw DER
// file per key. The file modification time records the last access.
//
// Writes go to a temporary file that is renamed into place, so readers never
// observe a partial list. Lookups for the same key are serialized; lookups for
// different keys run concurrently.
type Cache struct {
	root       string
	downloader Downloader
	clock      clockwork.Clock
	maxAge     time.Duration
	metrics    *Metrics

	mu    sync.Mutex
	index map[string]*entry
}

type entry struct {
	mu         sync.Mutex
	lastAccess time.Time
	record     *Record
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the clock used for last-access bookkeeping.
func WithClock(c clockwork.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

// WithMaxAge sets how long an unread list is kept.
func WithMaxAge(d time.Duration) Option {
	return func(cache *Cache) { cache.maxAge = d }
}

// WithMetrics records cache activity in m.
func WithMetrics(m *Metrics) Option {
	return func(cache *Cache) { cache.metrics = m }
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string, d Downloader, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create crl cache: %w", err)
	}
	c := &Cache{
		root:       dir,
		downloader: d,
		clock:      clockwork.NewRealClock(),
		maxAge:     DefaultMaxAge,
		index:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c, nil
}

// Key derives the cache key of cert from the leading bytes of its signature.
// Distinct certificates sharing those bytes share an entry.
func Key(cert *x509.Certificate) string {
	sig := cert.Signature
	if len(sig) > keyBytes {
		sig = sig[:keyBytes]
	}
	return hex.EncodeToString(sig)
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.root, key+fileSuffix)
}

func (c *Cache) entry(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[key]
	if !ok {
		e = &entry{}
		c.index[key] = e
	}
	return e
}

// Get returns a revocation list for cert that covers at.
//
// A cached list unread for longer than the maximum age is evicted first. When
// no cached list covers at, the distribution points of cert are tried in
// order and the first list that parses is stored. ErrNoRevocationInfo is
// returned when nothing is found or the list found does not cover at; fetch
// failures are logged, never returned.
func (c *Cache) Get(ctx context.Context, cert *x509.Certificate, at time.Time) (*Record, error) {
	logger := log.GetLogger(ctx)
	key := Key(cert)
	e := c.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := c.clock.Now()
	rec := c.load(ctx, key, e)
	if rec != nil && now.Sub(e.lastAccess) > c.maxAge {
		logger.Infof("CRL cache entry %s unread since %s, evicting", key, e.lastAccess.Format(time.RFC3339))
		c.evict(ctx, key, e)
		c.metrics.Evictions.Inc()
		rec = nil
	}

	if rec != nil {
		c.touch(ctx, key, e, now)
		if rec.Covers(at) {
			c.metrics.Hits.Inc()
			out := *rec
			out.Provenance = ProvenanceCache
			return &out, nil
		}
		logger.Debugf("CRL cache entry %s does not cover %s", key, at.Format(time.RFC3339))
	}
	c.metrics.Misses.Inc()

	fetched := c.fetch(ctx, cert)
	if fetched == nil {
		return nil, ErrNoRevocationInfo
	}
	if err := c.store(key, fetched.Raw); err != nil {
		logger.Warnf("failed to store CRL %s in cache: %v", key, err)
	} else {
		c.touch(ctx, key, e, now)
	}
	e.record = fetched
	e.lastAccess = now

	if !fetched.Covers(at) {
		return nil, fmt.Errorf("%w: CRL from %s does not cover %s", ErrNoRevocationInfo, fetched.URL, at.Format(time.RFC3339))
	}
	return fetched, nil
}

// load returns the record of key from memory or disk.
func (c *Cache) load(ctx context.Context, key string, e *entry) *Record {
	if e.record != nil {
		return e.record
	}
	p := c.path(key)
	fi, err := os.Stat(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.GetLogger(ctx).Warnf("CRL cache entry %s unreadable: %v", key, err)
		}
		return nil
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		log.GetLogger(ctx).Warnf("CRL cache entry %s unreadable: %v", key, err)
		return nil
	}
	rec, err := NewRecord(raw, ProvenanceCache, p)
	if err != nil {
		log.GetLogger(ctx).Warnf("CRL cache entry %s is corrupt, discarding: %v", key, err)
		os.Remove(p)
		return nil
	}
	e.record = rec
	e.lastAccess = fi.ModTime()
	return rec
}

func (c *Cache) touch(ctx context.Context, key string, e *entry, now time.Time) {
	e.lastAccess = now
	if err := os.Chtimes(c.path(key), now, now); err != nil {
		log.GetLogger(ctx).Debugf("failed to update access time of %s: %v", key, err)
	}
}

func (c *Cache) evict(ctx context.Context, key string, e *entry) {
	e.record = nil
	e.lastAccess = time.Time{}
	if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.GetLogger(ctx).Warnf("failed to remove CRL cache entry %s: %v", key, err)
	}
}

func (c *Cache) fetch(ctx context.Context, cert *x509.Certificate) *Record {
	logger := log.GetLogger(ctx)
	if c.downloader == nil || len(cert.CRLDistributionPoints) == 0 {
		logger.Infof("no CRL distribution point for %s", cert.Subject)
		c.metrics.FetchFailures.Inc()
		return nil
	}
	for _, uri := range cert.CRLDistributionPoints {
		raw, err := c.downloader.Download(ctx, uri)
		if err != nil {
			logger.Warnf("CRL download failed: %v", err)
			continue
		}
		rec, err := NewRecord(raw, ProvenanceNetwork, uri)
		if err != nil {
			logger.Warnf("CRL from %s rejected: %v", uri, err)
			continue
		}
		return rec
	}
	c.metrics.FetchFailures.Inc()
	return nil
}

// store writes raw under key through a temporary file in the same directory.
func (c *Cache) store(key string, raw []byte) error {
	tmp, err := os.CreateTemp(c.root, tmpFileName)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.path(key))
}

// Prune evicts every entry on disk unread for longer than the maximum age and
// returns how many were removed.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return 0, err
	}
	now := c.clock.Now()
	removed := 0
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		key := strings.TrimSuffix(name, fileSuffix)
		e := c.entry(key)
		e.mu.Lock()
		if c.load(ctx, key, e) != nil && now.Sub(e.lastAccess) > c.maxAge {
			c.evict(ctx, key, e)
			c.metrics.Evictions.Inc()
			removed++
		}
		e.mu.Unlock()
	}
	return removed, nil
}
