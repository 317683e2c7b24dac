// Package snapshot persists per-pair order book snapshots: a binary
// codec for the book state and a Pebble-backed store mapping each pair
// to its latest snapshot and offset.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"matcherd/domain/asset"
	"matcherd/domain/order"
	"matcherd/domain/orderbook"
)

// Layout:
//
//	magic(4) version(1) offset(8) pair
//	bids: levelCount(4) { price(8) entryCount(4) entries... }
//	asks: same
//	v2 only, per entry: owner(32) amount(8) fee(8) after the v1 fields,
//	and a trailing last-trade block: flag(1) [price(8) amount(8) side(1)]
//
// Version 1 entries carry only (id, remaining, remainingFee); a v1
// snapshot restores with the remaining values as the fee pro-rata
// basis and an unknown owner. Version 2 is what we write.

const (
	Magic uint32 = 0x4d420053 // "MB\0S"

	V1 byte = 1
	V2 byte = 2
)

var errShort = errors.New("snapshot: short input")

// Encode renders a snapshot in the current (v2) format.
func Encode(s *orderbook.Snapshot) []byte {
	buf := make([]byte, 0, 64)
	buf = binary.BigEndian.AppendUint32(buf, Magic)
	buf = append(buf, V2)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.Offset))
	buf = append(buf, s.Pair.Bytes()...)
	buf = appendSide(buf, s.Bids)
	buf = appendSide(buf, s.Asks)
	if s.LastTrade != nil {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.LastTrade.Price))
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.LastTrade.Amount))
		buf = append(buf, byte(s.LastTrade.Side))
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func appendSide(buf []byte, levels []orderbook.LevelData) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(levels)))
	for _, lvl := range levels {
		buf = binary.BigEndian.AppendUint64(buf, uint64(lvl.Price))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(lvl.Entries)))
		for _, e := range lvl.Entries {
			buf = append(buf, e.OrderID[:]...)
			buf = binary.BigEndian.AppendUint64(buf, uint64(e.Remaining))
			buf = binary.BigEndian.AppendUint64(buf, uint64(e.RemainingFee))
			buf = append(buf, e.Owner[:]...)
			buf = binary.BigEndian.AppendUint64(buf, uint64(e.Amount))
			buf = binary.BigEndian.AppendUint64(buf, uint64(e.Fee))
		}
	}
	return buf
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) take(n int) ([]byte, error) {
	if len(d.data)-d.pos < n {
		return nil, errShort
	}
	out := d.data[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Decode parses either snapshot version.
func Decode(data []byte) (*orderbook.Snapshot, error) {
	d := &decoder{data: data}

	magic, err := d.u32()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("snapshot: bad magic %#x", magic)
	}
	verB, err := d.take(1)
	if err != nil {
		return nil, err
	}
	version := verB[0]
	if version != V1 && version != V2 {
		return nil, fmt.Errorf("snapshot: unknown version %d", version)
	}
	offset, err := d.u64()
	if err != nil {
		return nil, err
	}
	pair, n, err := asset.ReadPair(data[d.pos:])
	if err != nil {
		return nil, err
	}
	d.pos += n

	s := &orderbook.Snapshot{Pair: pair, Offset: int64(offset)}
	if s.Bids, err = d.side(version, order.Buy); err != nil {
		return nil, err
	}
	if s.Asks, err = d.side(version, order.Sell); err != nil {
		return nil, err
	}

	if version >= V2 {
		flag, err := d.take(1)
		if err != nil {
			return nil, err
		}
		if flag[0] == 1 {
			price, err := d.u64()
			if err != nil {
				return nil, err
			}
			amount, err := d.u64()
			if err != nil {
				return nil, err
			}
			sideB, err := d.take(1)
			if err != nil {
				return nil, err
			}
			s.LastTrade = &orderbook.LastTrade{
				Price:  int64(price),
				Amount: int64(amount),
				Side:   order.Side(sideB[0]),
			}
		}
	}
	return s, nil
}

func (d *decoder) side(version byte, side order.Side) ([]orderbook.LevelData, error) {
	count, err := d.u32()
	if err != nil {
		return nil, err
	}
	levels := make([]orderbook.LevelData, 0, count)
	for i := uint32(0); i < count; i++ {
		price, err := d.u64()
		if err != nil {
			return nil, err
		}
		entryCount, err := d.u32()
		if err != nil {
			return nil, err
		}
		lvl := orderbook.LevelData{Price: int64(price), Entries: make([]orderbook.Entry, 0, entryCount)}
		for j := uint32(0); j < entryCount; j++ {
			e, err := d.entry(version, side, int64(price))
			if err != nil {
				return nil, err
			}
			lvl.Entries = append(lvl.Entries, e)
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

func (d *decoder) entry(version byte, side order.Side, price int64) (orderbook.Entry, error) {
	e := orderbook.Entry{Side: side, Price: price}

	id, err := d.take(32)
	if err != nil {
		return e, err
	}
	copy(e.OrderID[:], id)
	remaining, err := d.u64()
	if err != nil {
		return e, err
	}
	remainingFee, err := d.u64()
	if err != nil {
		return e, err
	}
	e.Remaining = int64(remaining)
	e.RemainingFee = int64(remainingFee)

	if version >= V2 {
		owner, err := d.take(32)
		if err != nil {
			return e, err
		}
		copy(e.Owner[:], owner)
		amount, err := d.u64()
		if err != nil {
			return e, err
		}
		fee, err := d.u64()
		if err != nil {
			return e, err
		}
		e.Amount = int64(amount)
		e.Fee = int64(fee)
	} else {
		e.Amount = e.Remaining
		e.Fee = e.RemainingFee
	}
	return e, nil
}
