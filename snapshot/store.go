package snapshot

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/pebble"

	"matcherd/domain/asset"
	"matcherd/domain/materr"
	"matcherd/domain/orderbook"
)

var keyPrefix = []byte("snap/")

func keyFor(pair asset.Pair) []byte {
	return append(append([]byte{}, keyPrefix...), pair.Bytes()...)
}

// Store is the persistent map pair -> (snapshot, offset). Writes are
// synchronous; each pair has a single writer (its worker).
type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, materr.Fatal(err, "snapshot: open store at %s", dir)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put persists the latest snapshot for its pair, replacing any previous
// one.
func (s *Store) Put(snap *orderbook.Snapshot) error {
	if err := s.db.Set(keyFor(snap.Pair), Encode(snap), pebble.Sync); err != nil {
		return fmt.Errorf("snapshot: put %s: %w", snap.Pair, err)
	}
	return nil
}

// Get loads a pair's snapshot. The second return is false when the pair
// has none.
func (s *Store) Get(pair asset.Pair) (*orderbook.Snapshot, bool, error) {
	val, closer, err := s.db.Get(keyFor(pair))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("snapshot: get %s: %w", pair, err)
	}
	defer closer.Close()
	snap, err := Decode(val)
	if err != nil {
		return nil, false, materr.Fatal(err, "snapshot: corrupt snapshot for %s", pair)
	}
	return snap, true, nil
}

// Delete drops a pair's snapshot, after its book was deleted.
func (s *Store) Delete(pair asset.Pair) error {
	return s.db.Delete(keyFor(pair), pebble.Sync)
}

// Pairs lists every pair with a stored snapshot.
func (s *Store) Pairs() ([]asset.Pair, error) {
	upper := append(append([]byte{}, keyPrefix...), 0xff)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []asset.Pair
	for ok := iter.First(); ok; ok = iter.Next() {
		raw := bytes.TrimPrefix(iter.Key(), keyPrefix)
		pair, _, err := asset.ReadPair(raw)
		if err != nil {
			return nil, materr.Fatal(err, "snapshot: corrupt pair key")
		}
		out = append(out, pair)
	}
	return out, iter.Error()
}
