package ledger

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func fill(tid int64, user, asset string, timeMs int64) Fill {
	return Fill{
		TradeID:   tid,
		OrderID:   tid * 10,
		User:      user,
		Asset:     asset,
		TimeMs:    timeMs,
		Price:     decimal.NewFromInt(100),
		Size:      decimal.NewFromInt(1),
		Side:      SideBuy,
		Direction: "Open Long",
		Source:    SourceHistorical,
	}
}

func TestInsertDeduplicatesByTradeID(t *testing.T) {
	l := New(nil)

	require.True(t, l.Insert(fill(1, "0xAAA", "BTC", 1000)))
	require.False(t, l.Insert(fill(1, "0xaaa", "BTC", 1000)))

	// Same trade id from the other ingestion path is still a duplicate.
	dup := fill(1, "0xAAA", "BTC", 1000)
	dup.Source = SourceLive
	require.False(t, l.Insert(dup))

	require.Equal(t, 1, l.FillCount("0xaaa"))
}

func TestInsertSameTradeIDDifferentUsers(t *testing.T) {
	l := New(nil)

	require.True(t, l.Insert(fill(7, "0xaaa", "BTC", 1000)))
	require.True(t, l.Insert(fill(7, "0xbbb", "BTC", 1000)))

	require.Equal(t, 1, l.FillCount("0xaaa"))
	require.Equal(t, 1, l.FillCount("0xbbb"))
}

func TestFillsForOrdering(t *testing.T) {
	l := New(nil)

	l.Insert(fill(3, "0xaaa", "BTC", 2000))
	l.Insert(fill(1, "0xaaa", "BTC", 1000))
	l.Insert(fill(5, "0xaaa", "ETH", 2000))
	l.Insert(fill(2, "0xaaa", "BTC", 3000))

	fills := l.AllFillsFor("0xaaa")
	require.Len(t, fills, 4)

	var tids []int64
	for _, f := range fills {
		tids = append(tids, f.TradeID)
	}
	// Time ascending, ties broken by trade id.
	require.Equal(t, []int64{1, 3, 5, 2}, tids)
}

func TestFillsForFilters(t *testing.T) {
	l := New(nil)

	l.Insert(fill(1, "0xaaa", "BTC", 1000))
	l.Insert(fill(2, "0xaaa", "ETH", 2000))
	l.Insert(fill(3, "0xaaa", "BTC", 3000))
	l.Insert(fill(4, "0xaaa", "BTC", 4000))

	got := l.FillsFor("0xaaa", Query{FromMs: 2000, ToMs: 4000})
	require.Len(t, got, 2)
	require.Equal(t, int64(2), got[0].TradeID)
	require.Equal(t, int64(3), got[1].TradeID)

	got = l.FillsFor("0xaaa", Query{Asset: "BTC"})
	require.Len(t, got, 3)

	got = l.FillsFor("0xaaa", Query{FromMs: 2000, Asset: "BTC"})
	require.Len(t, got, 2)
}

func TestFillsForAssetSet(t *testing.T) {
	l := New(nil)

	l.Insert(fill(1, "0xaaa", "BTC", 1000))
	l.Insert(fill(2, "0xaaa", "ETH", 2000))
	l.Insert(fill(3, "0xaaa", "SOL", 3000))

	got := l.FillsFor("0xaaa", Query{Assets: []string{"BTC", "ETH"}})
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].TradeID)
	require.Equal(t, int64(2), got[1].TradeID)

	// Single asset and set combine as a union.
	got = l.FillsFor("0xaaa", Query{Asset: "SOL", Assets: []string{"BTC"}})
	require.Len(t, got, 2)

	got = l.FillsFor("0xaaa", Query{Assets: []string{"DOGE"}})
	require.Empty(t, got)
}

func TestFillsForUnknownUser(t *testing.T) {
	l := New(nil)
	require.Empty(t, l.FillsFor("0xnobody", Query{}))
	require.Zero(t, l.FillCount("0xnobody"))
}

func TestAddressNormalization(t *testing.T) {
	l := New(nil)

	f := fill(1, "0xAbCd", "BTC", 1000)
	f.BuilderAddress = "0xBUILDER"
	require.True(t, l.Insert(f))

	fills := l.FillsFor("0xABCD", Query{})
	require.Len(t, fills, 1)
	require.Equal(t, "0xabcd", fills[0].User)
	require.Equal(t, "0xbuilder", fills[0].BuilderAddress)
}

func TestUsers(t *testing.T) {
	l := New(nil)
	l.Insert(fill(1, "0xbbb", "BTC", 1000))
	l.Insert(fill(2, "0xaaa", "BTC", 1000))

	require.Equal(t, []string{"0xaaa", "0xbbb"}, l.Users())
}

func TestConcurrentInsertAdmitsOne(t *testing.T) {
	l := New(nil)

	const workers = 32
	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Insert(fill(42, "0xaaa", "BTC", 1000)) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), admitted)
	require.Equal(t, 1, l.FillCount("0xaaa"))
}

func TestConcurrentReadsDuringInserts(t *testing.T) {
	l := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		base := int64(i * 1000)
		go func() {
			defer wg.Done()
			for j := int64(0); j < 100; j++ {
				l.Insert(fill(base+j, "0xaaa", "BTC", base+j))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				fills := l.AllFillsFor("0xaaa")
				// Every observed fill must be fully populated.
				for _, f := range fills {
					require.NotZero(t, f.TimeMs+1)
					require.False(t, f.Price.IsZero())
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 800, l.FillCount("0xaaa"))
}
