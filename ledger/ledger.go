package ledger

import (
	"log/slog"
	"sort"
	"sync"
)

// Query narrows the fills returned by FillsFor. Zero values leave a dimension
// unconstrained; ToMs is exclusive, FromMs inclusive. Asset and Assets
// combine: a fill passes when it matches either.
type Query struct {
	FromMs int64
	ToMs   int64
	Asset  string
	Assets []string
}

func (q Query) matches(f Fill) bool {
	if q.FromMs > 0 && f.TimeMs < q.FromMs {
		return false
	}
	if q.ToMs > 0 && f.TimeMs >= q.ToMs {
		return false
	}
	if q.Asset == "" && len(q.Assets) == 0 {
		return true
	}
	if q.Asset != "" && f.Asset == q.Asset {
		return true
	}
	for _, asset := range q.Assets {
		if f.Asset == asset {
			return true
		}
	}
	return false
}

// Ledger is the append-only in-memory fill store. Fills are deduplicated by
// trade id per user; inserting the same trade id twice is a silent no-op no
// matter which ingestion path delivered it.
type Ledger struct {
	logger *slog.Logger

	mu    sync.RWMutex
	users map[string]*book
}

type book struct {
	mu    sync.RWMutex
	fills map[int64]Fill
}

// New creates an empty ledger.
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		logger: logger.WithGroup("ledger"),
		users:  make(map[string]*book),
	}
}

// Insert records a fill. It returns true when the fill was new and false when
// a fill with the same trade id was already present for the user. The dedup
// check and the write happen under one lock, so concurrent inserts of the
// same trade id admit exactly one.
func (l *Ledger) Insert(f Fill) bool {
	f.User = NormalizeAddress(f.User)
	if f.BuilderAddress != "" {
		f.BuilderAddress = NormalizeAddress(f.BuilderAddress)
	}

	b := l.ensureBook(f.User)

	b.mu.Lock()
	if _, exists := b.fills[f.TradeID]; exists {
		b.mu.Unlock()
		return false
	}
	b.fills[f.TradeID] = f
	b.mu.Unlock()

	l.logger.Debug("fill inserted",
		slog.String("user", f.User),
		slog.String("asset", f.Asset),
		slog.Int64("tid", f.TradeID),
		slog.String("source", string(f.Source)),
	)
	return true
}

// FillsFor returns the user's fills matching the query, ordered by time and
// then trade id. The returned slice is a copy; callers may mutate it freely.
func (l *Ledger) FillsFor(user string, q Query) []Fill {
	b := l.lookupBook(user)
	if b == nil {
		return nil
	}

	b.mu.RLock()
	out := make([]Fill, 0, len(b.fills))
	for _, f := range b.fills {
		if q.matches(f) {
			out = append(out, f)
		}
	}
	b.mu.RUnlock()

	sortFills(out)
	return out
}

// AllFillsFor returns every fill recorded for the user, ordered by time and
// then trade id. Position reconstruction must see the whole history, so this
// never applies a window.
func (l *Ledger) AllFillsFor(user string) []Fill {
	return l.FillsFor(user, Query{})
}

// FillCount returns the number of fills stored for the user.
func (l *Ledger) FillCount(user string) int {
	b := l.lookupBook(user)
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.fills)
}

// Users returns the addresses that currently have at least one fill.
func (l *Ledger) Users() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.users))
	for user := range l.users {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) ensureBook(user string) *book {
	l.mu.RLock()
	b, ok := l.users[user]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.users[user]; ok {
		return b
	}
	b = &book{fills: make(map[int64]Fill)}
	l.users[user] = b
	return b
}

func (l *Ledger) lookupBook(user string) *book {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.users[NormalizeAddress(user)]
}

func sortFills(fills []Fill) {
	sort.Slice(fills, func(i, j int) bool {
		if fills[i].TimeMs != fills[j].TimeMs {
			return fills[i].TimeMs < fills[j].TimeMs
		}
		return fills[i].TradeID < fills[j].TradeID
	})
}
