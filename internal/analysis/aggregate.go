// Package analysis provides rollups and insights over stored report rows.
package analysis

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/kidager/dmarcpipe/pkg/types"
)

// RowReader reads stored partitions.
type RowReader interface {
	ReadRows(ctx context.Context, partition string) ([]types.Record, error)
	Partitions(ctx context.Context) ([]string, error)
}

// LoadRows returns the rows a rollup should see. ScopeCurrent reads the active
// partition only; ScopeAll reads every archive, oldest first, then the active
// partition.
func LoadRows(ctx context.Context, r RowReader, scope types.Scope) ([]types.Record, error) {
	switch scope {
	case types.ScopeCurrent, "":
		return r.ReadRows(ctx, types.ActivePartition)
	case types.ScopeAll:
	default:
		return nil, errors.Errorf("unknown scope %q", scope)
	}

	keys, err := r.Partitions(ctx)
	if err != nil {
		return nil, err
	}

	var archives []string
	for _, k := range keys {
		if k != types.ActivePartition {
			archives = append(archives, k)
		}
	}
	sort.Strings(archives)

	var rows []types.Record
	for _, k := range append(archives, types.ActivePartition) {
		part, err := r.ReadRows(ctx, k)
		if err != nil {
			return nil, err
		}
		rows = append(rows, part...)
	}
	return rows, nil
}

// counter tallies keys and remembers first-encounter order so ties sort stably.
type counter struct {
	order  []string
	counts map[string]int
}

func newCounter() *counter {
	return &counter{counts: make(map[string]int)}
}

func (c *counter) add(key string) {
	if _, exists := c.counts[key]; !exists {
		c.order = append(c.order, key)
	}
	c.counts[key]++
}

// sorted returns the tallies by count descending, ties in encounter order.
func (c *counter) sorted() []types.GroupCount {
	out := make([]types.GroupCount, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, types.GroupCount{Key: k, Count: c.counts[k]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}

// Rollup groups rows by reporting org, failing source IP and domain, and
// totals DKIM/SPF outcomes. Each row counts once regardless of its message
// count. A non-nil rng restricts rows by processedAt, inclusive.
func Rollup(rows []types.Record, rng *types.DateRange) *types.Rollup {
	byOrg := newCounter()
	failing := newCounter()
	byDomain := newCounter()
	result := &types.Rollup{Range: rng}

	for _, r := range rows {
		if rng != nil && !rng.Contains(r.ProcessedAt) {
			continue
		}
		result.Rows++

		byOrg.add(r.ReportingOrg)
		if !r.FullyPassed() {
			failing.add(r.SourceIP)
		}
		if r.Domain != "" {
			byDomain.add(r.Domain)
		}

		// Unknown counts as a failure here.
		if r.DKIMResult == types.AuthPass {
			result.Totals.DKIMPass++
		} else {
			result.Totals.DKIMFail++
		}
		if r.SPFResult == types.AuthPass {
			result.Totals.SPFPass++
		} else {
			result.Totals.SPFFail++
		}
	}

	result.ByOrg = byOrg.sorted()
	result.FailingIPs = failing.sorted()
	result.ByDomain = byDomain.sorted()
	return result
}

// RollupScope loads the rows for scope and rolls them up.
func RollupScope(ctx context.Context, r RowReader, scope types.Scope, rng *types.DateRange) (*types.Rollup, error) {
	rows, err := LoadRows(ctx, r, scope)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s rows", scope)
	}
	rollup := Rollup(rows, rng)
	rollup.Scope = scope
	if rollup.Scope == "" {
		rollup.Scope = types.ScopeCurrent
	}
	return rollup, nil
}
