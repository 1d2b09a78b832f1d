package builderdata

import (
	"fmt"
	"strings"
	"sync"

	"github.com/traderank/traderank/ledger"
)

// AttributionSet resolves builder archive records to ledger trade IDs. The
// archives carry no trade IDs, so rows are matched to fills on the tuple
// (user, coin, second-truncated time, size, price, direction) — the same
// fields both sides record exactly.
type AttributionSet struct {
	mu     sync.RWMutex
	byUser map[string]map[int64]struct{}
}

// NewAttributionSet returns an empty set.
func NewAttributionSet() *AttributionSet {
	return &AttributionSet{
		byUser: make(map[string]map[int64]struct{}),
	}
}

// Match resolves records against the user's fills, recording every trade ID
// whose fill keys to an archive row. It returns the number of fills matched.
// Match may be called repeatedly as new archive days or fills arrive;
// attribution only ever grows.
func (s *AttributionSet) Match(records []Record, fills []ledger.Fill) int {
	if len(records) == 0 || len(fills) == 0 {
		return 0
	}

	keys := make(map[string]struct{}, len(records))
	for _, r := range records {
		keys[recordKey(r)] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := 0
	for _, f := range fills {
		if _, ok := keys[fillKey(f)]; !ok {
			continue
		}
		user := ledger.NormalizeAddress(f.User)
		set, ok := s.byUser[user]
		if !ok {
			set = make(map[int64]struct{})
			s.byUser[user] = set
		}
		set[f.TradeID] = struct{}{}
		matched++
	}
	return matched
}

// AttributedTrades returns a copy of the user's attributed trade IDs.
func (s *AttributionSet) AttributedTrades(user string) map[int64]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.byUser[ledger.NormalizeAddress(user)]
	if !ok {
		return nil
	}
	out := make(map[int64]struct{}, len(set))
	for tid := range set {
		out[tid] = struct{}{}
	}
	return out
}

// Size returns the total number of attributed trades across all users.
func (s *AttributionSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, set := range s.byUser {
		total += len(set)
	}
	return total
}

func recordKey(r Record) string {
	return matchKey(r.User, r.Coin, r.TimeMs, r.Size.String(), r.Price.String(), r.IsBuy)
}

func fillKey(f ledger.Fill) string {
	return matchKey(
		ledger.NormalizeAddress(f.User),
		strings.ToUpper(f.Asset),
		f.TimeMs,
		f.Size.String(),
		f.Price.String(),
		f.Side.IsBuy(),
	)
}

// matchKey truncates time to seconds; the archive rounds timestamps where the
// fill stream keeps milliseconds.
func matchKey(user, coin string, timeMs int64, size, price string, isBuy bool) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%t", user, coin, timeMs/1000, size, price, isBuy)
}
