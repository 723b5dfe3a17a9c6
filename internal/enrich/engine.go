package enrich

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kidager/dmarcpipe/internal/logger"
	"github.com/kidager/dmarcpipe/internal/metrics"
	"github.com/kidager/dmarcpipe/pkg/types"
)

// Engine defaults.
const (
	DefaultRatePerMinute = 45
	DefaultConcurrency   = 4
	DefaultCacheSize     = 4096
)

// Cache is the persistent IP to country tier shared across runs.
type Cache interface {
	CachedCountry(ctx context.Context, ip string) (string, bool, error)
	CacheCountry(ctx context.Context, ip, country string) error
}

// RowStore reads a partition and writes enrichment results back.
type RowStore interface {
	ReadRows(ctx context.Context, partition string) ([]types.Record, error)
	UpdateEnrichment(ctx context.Context, rows []types.Record) error
}

// Stats summarises one enrichment pass.
type Stats struct {
	Rows      int // rows that changed
	Reasons   int // failure reasons derived
	Resolved  int // rows given a resolved country
	Unknown   int // rows given CountryUnknown
	CacheHits int // unique IPs served from a cache tier
	Lookups   int // provider calls issued
	Failures  int // provider calls that failed
}

// Engine fills country and failure reason on rows lacking them. Countries are
// looked up once per unique IP, through an in-memory LRU, then the persistent
// cache, then the rate-limited provider.
type Engine struct {
	provider    Provider
	cache       Cache
	mem         *lru.Cache[string, string]
	limiter     *rate.Limiter
	concurrency int
	timeout     time.Duration
	cacheSize   int
	log         logger.Logger
	metrics     *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithRatePerMinute sets the provider request ceiling. Requests are spaced
// evenly rather than burst.
func WithRatePerMinute(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
		}
	}
}

// WithLimiter replaces the provider rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithConcurrency bounds the number of lookups in flight.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithLookupTimeout caps each provider call.
func WithLookupTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithCacheSize sets the in-memory LRU capacity.
func WithCacheSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cacheSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds an engine. cache may be nil, in which case only the
// in-memory tier is used.
func NewEngine(provider Provider, cache Cache, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, errors.New("geolocation provider is required")
	}

	e := &Engine{
		provider:    provider,
		cache:       cache,
		concurrency: DefaultConcurrency,
		timeout:     DefaultLookupTimeout,
		cacheSize:   DefaultCacheSize,
		log:         logger.NewNop(),
	}
	WithRatePerMinute(DefaultRatePerMinute)(e)
	for _, opt := range opts {
		opt(e)
	}

	mem, err := lru.New[string, string](e.cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating geolocation cache")
	}
	e.mem = mem
	return e, nil
}

// Enrich returns a copy of rows with missing failure reasons derived and
// missing countries resolved. Rows that already carry a country keep it.
// Lookup failures never fail the pass; the row's country becomes Unknown.
func (e *Engine) Enrich(ctx context.Context, rows []types.Record) ([]types.Record, Stats) {
	var stats Stats
	out := make([]types.Record, len(rows))
	copy(out, rows)

	changed := make([]bool, len(out))
	pending := make(map[string]struct{})
	var order []string

	for i := range out {
		r := &out[i]
		if r.FailureReason == "" {
			r.FailureReason = FailureReason(r.Disposition, r.DKIMResult, r.SPFResult)
			stats.Reasons++
			changed[i] = true
		}
		if r.Country != "" {
			continue
		}
		if !ValidIPv4(r.SourceIP) {
			r.Country = types.CountryUnknown
			stats.Unknown++
			changed[i] = true
			continue
		}
		if _, ok := pending[r.SourceIP]; !ok {
			pending[r.SourceIP] = struct{}{}
			order = append(order, r.SourceIP)
		}
	}

	countries := e.resolve(ctx, order, &stats)

	for i := range out {
		r := &out[i]
		if r.Country != "" {
			continue
		}
		country, ok := countries[r.SourceIP]
		if !ok {
			continue
		}
		r.Country = country
		changed[i] = true
		if country == types.CountryUnknown {
			stats.Unknown++
		} else {
			stats.Resolved++
		}
	}

	for _, c := range changed {
		if c {
			stats.Rows++
		}
	}
	return out, stats
}

// resolve maps every IP to a country or CountryUnknown.
func (e *Engine) resolve(ctx context.Context, ips []string, stats *Stats) map[string]string {
	countries := make(map[string]string, len(ips))
	var misses []string

	for _, ip := range ips {
		if country, ok := e.cached(ctx, ip); ok {
			countries[ip] = country
			stats.CacheHits++
			e.metrics.GeoLookup(metrics.GeoCached)
			continue
		}
		misses = append(misses, ip)
	}
	if len(misses) == 0 {
		return countries
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, ip := range misses {
		ip := ip
		g.Go(func() error {
			country, err := e.lookup(gctx, ip)

			mu.Lock()
			defer mu.Unlock()
			stats.Lookups++
			if err != nil {
				stats.Failures++
				countries[ip] = types.CountryUnknown
				e.metrics.GeoLookup(metrics.GeoUnknown)
				e.log.Warn("geolocation failed", zap.String("ip", ip), zap.Error(err))
				return nil
			}
			countries[ip] = country
			e.metrics.GeoLookup(metrics.GeoResolved)
			return nil
		})
	}
	_ = g.Wait()

	for _, ip := range misses {
		country := countries[ip]
		if country == types.CountryUnknown {
			continue
		}
		e.mem.Add(ip, country)
		if e.cache != nil {
			if err := e.cache.CacheCountry(ctx, ip, country); err != nil {
				e.log.Warn("persisting geolocation", zap.String("ip", ip), zap.Error(err))
			}
		}
	}
	return countries
}

func (e *Engine) cached(ctx context.Context, ip string) (string, bool) {
	if country, ok := e.mem.Get(ip); ok {
		return country, true
	}
	if e.cache == nil {
		return "", false
	}
	country, ok, err := e.cache.CachedCountry(ctx, ip)
	if err != nil {
		e.log.Warn("reading geolocation cache", zap.String("ip", ip), zap.Error(err))
		return "", false
	}
	if ok && country != "" {
		e.mem.Add(ip, country)
		return country, true
	}
	return "", false
}

func (e *Engine) lookup(ctx context.Context, ip string) (string, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", &EnrichmentError{Kind: Timeout, IP: ip, Err: err}
		}
	}
	lctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.provider.Lookup(lctx, ip)
}

// EnrichPartition enriches every row of a stored partition that still lacks a
// country or failure reason and writes the results back.
func (e *Engine) EnrichPartition(ctx context.Context, rs RowStore, partition string) (Stats, error) {
	rows, err := rs.ReadRows(ctx, partition)
	if err != nil {
		return Stats{}, err
	}

	var todo []types.Record
	for _, r := range rows {
		if r.Country == "" || r.FailureReason == "" {
			todo = append(todo, r)
		}
	}
	if len(todo) == 0 {
		return Stats{}, nil
	}

	enriched, stats := e.Enrich(ctx, todo)
	if err := rs.UpdateEnrichment(ctx, enriched); err != nil {
		return stats, errors.Wrapf(err, "writing enrichment for %s", partition)
	}

	e.log.Info("partition enriched",
		zap.String("partition", partition),
		zap.Int("rows", stats.Rows),
		zap.Int("resolved", stats.Resolved),
		zap.Int("unknown", stats.Unknown),
		zap.Int("lookups", stats.Lookups),
		zap.Int("cache_hits", stats.CacheHits))
	return stats, nil
}
