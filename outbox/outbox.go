// Package outbox persists settlement instructions produced by the
// match loops until the broadcaster has shipped them downstream. Each
// record is keyed by (offset, taker, maker), which also deduplicates
// re-emissions after a replay.
package outbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"matcherd/domain/asset"
	"matcherd/domain/orderbook"
)

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

// Instruction is the settlement payload handed to the downstream
// collaborator that builds and broadcasts exchange transactions.
type Instruction struct {
	V         int    `json:"v"`
	Pair      string `json:"pair"`
	BuyOrder  string `json:"buyOrder"`
	SellOrder string `json:"sellOrder"`
	Amount    int64  `json:"amount"`
	Price     int64  `json:"price"`
	BuyFee    int64  `json:"buyFee"`
	SellFee   int64  `json:"sellFee"`
	Offset    int64  `json:"offset"`
	Timestamp int64  `json:"timestamp"`
}

// Record is one outbox entry.
type Record struct {
	Key         []byte
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

// value encoding: [state:1][retries:4][lastAttempt:8][payload]
func encodeValue(r Record) []byte {
	buf := make([]byte, 1+4+8, 13+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	return append(buf, r.Payload...)
}

func decodeValue(key, b []byte) (Record, error) {
	if len(b) < 13 {
		return Record{}, fmt.Errorf("outbox: short record for key %q", key)
	}
	return Record{
		Key:         append([]byte(nil), key...),
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     append([]byte(nil), b[13:]...),
	}, nil
}

func keyFor(t orderbook.Trade, offset int64) []byte {
	key := make([]byte, 0, 6+8+64)
	key = append(key, "trade/"...)
	key = binary.BigEndian.AppendUint64(key, uint64(offset))
	taker := t.TakerOrder
	maker := t.MakerOrder
	key = append(key, taker[:]...)
	return append(key, maker[:]...)
}

// Outbox is the durable trade sink.
type Outbox struct {
	db *pebble.DB
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", dir, err)
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error { return o.db.Close() }

// Publish stores a trade as a NEW settlement instruction. A key seen
// before is left untouched, so replays do not double-settle.
func (o *Outbox) Publish(pair asset.Pair, t orderbook.Trade, offset int64) error {
	key := keyFor(t, offset)
	if _, closer, err := o.db.Get(key); err == nil {
		_ = closer.Close()
		return nil
	} else if err != pebble.ErrNotFound {
		return err
	}

	payload, err := json.Marshal(Instruction{
		V:         1,
		Pair:      pair.String(),
		BuyOrder:  t.BuyOrder().String(),
		SellOrder: t.SellOrder().String(),
		Amount:    t.Amount,
		Price:     t.Price,
		BuyFee:    t.FeeOf(t.BuyOrder()),
		SellFee:   t.FeeOf(t.SellOrder()),
		Offset:    offset,
		Timestamp: t.Timestamp,
	})
	if err != nil {
		return err
	}
	rec := Record{State: StateNew, Payload: payload}
	return o.db.Set(key, encodeValue(rec), pebble.Sync)
}

// ScanPending visits every record still in NEW state.
func (o *Outbox) ScanPending(fn func(Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("trade/"),
		UpperBound: []byte("trade0"), // '0' follows '/'
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		rec, err := decodeValue(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if rec.State != StateNew {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// MarkSent flips a record to SENT and counts the attempt.
func (o *Outbox) MarkSent(rec Record) error {
	rec.State = StateSent
	rec.Retries++
	rec.LastAttempt = time.Now().UnixNano()
	return o.db.Set(rec.Key, encodeValue(rec), pebble.Sync)
}

// MarkAcked flips a record to ACKED once the downstream confirmed it.
func (o *Outbox) MarkAcked(rec Record) error {
	rec.State = StateAcked
	return o.db.Set(rec.Key, encodeValue(rec), pebble.Sync)
}

// MarkFailed returns a record to NEW so the next scan retries it. The
// attempt count already stored for the key is kept.
func (o *Outbox) MarkFailed(rec Record) error {
	if val, closer, err := o.db.Get(rec.Key); err == nil {
		stored, derr := decodeValue(rec.Key, val)
		_ = closer.Close()
		if derr != nil {
			return derr
		}
		rec.Retries = stored.Retries
	} else if err != pebble.ErrNotFound {
		return err
	}
	rec.State = StateNew
	rec.LastAttempt = time.Now().UnixNano()
	return o.db.Set(rec.Key, encodeValue(rec), pebble.Sync)
}

// TruncateAcked deletes everything already acknowledged.
func (o *Outbox) TruncateAcked() error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("trade/"),
		UpperBound: []byte("trade0"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	var victims [][]byte
	for ok := iter.First(); ok; ok = iter.Next() {
		rec, err := decodeValue(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if rec.State == StateAcked {
			victims = append(victims, rec.Key)
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	for _, key := range victims {
		if err := o.db.Delete(key, pebble.Sync); err != nil {
			return err
		}
	}
	return nil
}
