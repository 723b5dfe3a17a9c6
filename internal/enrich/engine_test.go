package enrich

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/kidager/dmarcpipe/internal/store"
	"github.com/kidager/dmarcpipe/pkg/types"
)

type fakeProvider struct {
	mu        sync.Mutex
	countries map[string]string
	calls     map[string]int
}

func newFakeProvider(countries map[string]string) *fakeProvider {
	return &fakeProvider{countries: countries, calls: map[string]int{}}
}

func (f *fakeProvider) Lookup(_ context.Context, ip string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ip]++
	if c, ok := f.countries[ip]; ok {
		return c, nil
	}
	return "", &EnrichmentError{Kind: QuotaExceeded, IP: ip}
}

func (f *fakeProvider) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type memCache struct {
	entries map[string]string
	readErr error
}

func (m *memCache) CachedCountry(_ context.Context, ip string) (string, bool, error) {
	if m.readErr != nil {
		return "", false, m.readErr
	}
	c, ok := m.entries[ip]
	return c, ok, nil
}

func (m *memCache) CacheCountry(_ context.Context, ip, country string) error {
	m.entries[ip] = country
	return nil
}

func newTestEngine(t *testing.T, p Provider, c Cache) *Engine {
	t.Helper()
	e, err := NewEngine(p, c, WithLimiter(rate.NewLimiter(rate.Inf, 1)), WithLookupTimeout(time.Second))
	require.NoError(t, err)
	return e
}

func TestNewEngineRequiresProvider(t *testing.T) {
	_, err := NewEngine(nil, nil)
	assert.Error(t, err)
}

func TestEngineEnrich(t *testing.T) {
	t.Run("one lookup per unique ip", func(t *testing.T) {
		p := newFakeProvider(map[string]string{"1.2.3.4": "Germany", "5.6.7.8": "France"})
		cache := &memCache{entries: map[string]string{}}
		e := newTestEngine(t, p, cache)

		rows := []types.Record{
			{SourceIP: "1.2.3.4", Disposition: types.DispositionNone, DKIMResult: types.AuthPass, SPFResult: types.AuthPass},
			{SourceIP: "1.2.3.4", Disposition: types.DispositionReject, DKIMResult: types.AuthFail, SPFResult: types.AuthPass},
			{SourceIP: "5.6.7.8", Disposition: types.DispositionNone, DKIMResult: types.AuthFail, SPFResult: types.AuthFail},
		}

		out, stats := e.Enrich(context.Background(), rows)

		assert.Equal(t, "Germany", out[0].Country)
		assert.Equal(t, "Germany", out[1].Country)
		assert.Equal(t, "France", out[2].Country)
		assert.Equal(t, "DKIM failed. Message rejected.", out[1].FailureReason)
		assert.Equal(t, 1, p.calls["1.2.3.4"])
		assert.Equal(t, 2, p.total())
		assert.Equal(t, Stats{Rows: 3, Reasons: 3, Resolved: 3, Lookups: 2}, stats)
		assert.Equal(t, "Germany", cache.entries["1.2.3.4"])
		assert.Empty(t, rows[0].Country, "input rows are not mutated")
	})

	t.Run("failures become Unknown and are not cached", func(t *testing.T) {
		p := newFakeProvider(nil)
		cache := &memCache{entries: map[string]string{}}
		e := newTestEngine(t, p, cache)

		out, stats := e.Enrich(context.Background(), []types.Record{
			{SourceIP: "9.9.9.9"}, {SourceIP: "9.9.9.9"},
		})

		assert.Equal(t, types.CountryUnknown, out[0].Country)
		assert.Equal(t, types.CountryUnknown, out[1].Country)
		assert.Equal(t, 1, p.calls["9.9.9.9"], "quota rejection is not retried")
		assert.Equal(t, 1, stats.Failures)
		assert.Equal(t, 2, stats.Unknown)
		assert.Empty(t, cache.entries)
	})

	t.Run("malformed ips skip the provider", func(t *testing.T) {
		p := newFakeProvider(nil)
		e := newTestEngine(t, p, nil)

		out, _ := e.Enrich(context.Background(), []types.Record{
			{SourceIP: ""}, {SourceIP: "not-an-ip"}, {SourceIP: "2001:db8::1"},
		})

		for _, r := range out {
			assert.Equal(t, types.CountryUnknown, r.Country)
		}
		assert.Zero(t, p.total())
	})

	t.Run("existing values are kept", func(t *testing.T) {
		p := newFakeProvider(map[string]string{"1.2.3.4": "Germany"})
		e := newTestEngine(t, p, nil)

		rows := []types.Record{
			{SourceIP: "1.2.3.4", Country: types.CountryUnknown, FailureReason: "kept"},
			{SourceIP: "1.2.3.4", Country: "Spain", FailureReason: "kept"},
		}
		out, stats := e.Enrich(context.Background(), rows)

		assert.Equal(t, rows, out)
		assert.Zero(t, stats.Rows)
		assert.Zero(t, p.total())
	})

	t.Run("cache tiers are consulted before the provider", func(t *testing.T) {
		p := newFakeProvider(map[string]string{"1.2.3.4": "Germany"})
		cache := &memCache{entries: map[string]string{"5.6.7.8": "Italy"}}
		e := newTestEngine(t, p, cache)

		_, _ = e.Enrich(context.Background(), []types.Record{{SourceIP: "1.2.3.4"}})
		out, stats := e.Enrich(context.Background(), []types.Record{{SourceIP: "1.2.3.4"}, {SourceIP: "5.6.7.8"}})

		assert.Equal(t, "Germany", out[0].Country)
		assert.Equal(t, "Italy", out[1].Country)
		assert.Equal(t, 2, stats.CacheHits)
		assert.Equal(t, 1, p.total())
	})

	t.Run("cache read errors fall through to the provider", func(t *testing.T) {
		p := newFakeProvider(map[string]string{"1.2.3.4": "Germany"})
		cache := &memCache{entries: map[string]string{}, readErr: errors.New("db down")}
		e := newTestEngine(t, p, cache)

		out, _ := e.Enrich(context.Background(), []types.Record{{SourceIP: "1.2.3.4"}})
		assert.Equal(t, "Germany", out[0].Country)
	})
}

func TestEnrichPartition(t *testing.T) {
	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "dmarc.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendRows(ctx, types.ActivePartition, []types.Record{
		{MessageID: "m1", SourceIP: "1.2.3.4", Disposition: types.DispositionNone, DKIMResult: types.AuthPass, SPFResult: types.AuthPass, ProcessedAt: now},
		{MessageID: "m1", SourceIP: "5.6.7.8", Disposition: types.DispositionReject, DKIMResult: types.AuthFail, SPFResult: types.AuthFail, ProcessedAt: now},
	}))

	p := newFakeProvider(map[string]string{"1.2.3.4": "Germany"})
	e := newTestEngine(t, p, st)

	stats, err := e.EnrichPartition(ctx, st, types.ActivePartition)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Rows)

	rows, err := st.ReadRows(ctx, types.ActivePartition)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Germany", rows[0].Country)
	assert.Equal(t, "Passed authentication, no action taken.", rows[0].FailureReason)
	assert.Equal(t, types.CountryUnknown, rows[1].Country)
	assert.Equal(t, "Both DKIM and SPF failed. Message rejected.", rows[1].FailureReason)

	country, ok, err := st.CachedCountry(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Germany", country)

	// A second pass finds nothing to do and never re-queries Unknown rows.
	stats, err = e.EnrichPartition(ctx, st, types.ActivePartition)
	require.NoError(t, err)
	assert.Zero(t, stats.Rows)
	assert.Equal(t, 2, p.total())
}
