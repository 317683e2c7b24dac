package orderbook

import (
	"matcherd/domain/asset"
)

// Snapshot is the serializable book state at a log offset.
type Snapshot struct {
	Pair      asset.Pair
	Offset    int64
	Bids      []LevelData // best (highest) price first
	Asks      []LevelData // best (lowest) price first
	LastTrade *LastTrade
}

// LevelData is one price level's FIFO queue, insertion order preserved.
type LevelData struct {
	Price   int64
	Entries []Entry
}

// Snapshot captures the book. Levels come out best-first on both sides.
func (b *Book) Snapshot(offset int64) *Snapshot {
	s := &Snapshot{Pair: b.pair, Offset: offset}
	b.bids.Reverse(func(lvl *Level) bool {
		s.Bids = append(s.Bids, copyLevel(lvl))
		return true
	})
	b.asks.Scan(func(lvl *Level) bool {
		s.Asks = append(s.Asks, copyLevel(lvl))
		return true
	})
	if b.lastTrade != nil {
		lt := *b.lastTrade
		s.LastTrade = &lt
	}
	return s
}

func copyLevel(lvl *Level) LevelData {
	d := LevelData{Price: lvl.Price, Entries: make([]Entry, len(lvl.Entries))}
	for i, e := range lvl.Entries {
		d.Entries[i] = *e
	}
	return d
}

// Restore rebuilds a book from a snapshot. The order index is
// regenerated by scanning the levels; nothing outside the snapshot is
// trusted.
func Restore(s *Snapshot) *Book {
	b := New(s.Pair)
	load := func(levels []LevelData) {
		for _, lvl := range levels {
			for i := range lvl.Entries {
				e := lvl.Entries[i]
				b.rest(&e)
			}
		}
	}
	load(s.Bids)
	load(s.Asks)
	if s.LastTrade != nil {
		lt := *s.LastTrade
		b.lastTrade = &lt
	}
	return b
}
