package order

import (
	"encoding/binary"
	"errors"
	"fmt"

	"matcherd/domain/asset"
)

// Wire layout, stable across versions 1-3:
//
//	version(1) sender(32) matcher(32) amountAsset(1|33) priceAsset(1|33)
//	side(1) price(8) amount(8) timestamp(8) expiration(8) fee(8)
//	[v3: feeAsset(1|33)] signature(64)
//
// All integers big-endian. The order id is blake2b-256 over everything
// before the signature.

var errShortOrder = errors.New("order: short input")

func (o *Order) unsignedBytes() []byte {
	buf := make([]byte, 0, 200)
	buf = append(buf, byte(o.Version))
	buf = append(buf, o.Sender[:]...)
	buf = append(buf, o.Matcher[:]...)
	buf = append(buf, o.Pair.Amount.Bytes()...)
	buf = append(buf, o.Pair.Price.Bytes()...)
	buf = append(buf, byte(o.Side))
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Price))
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Amount))
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Timestamp))
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Expiration))
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Fee))
	if o.Version >= V3 {
		buf = append(buf, o.FeeAsset.Bytes()...)
	}
	return buf
}

// MarshalBinary renders the full signed order.
func (o *Order) MarshalBinary() ([]byte, error) {
	if o.Version < V1 || o.Version > V3 {
		return nil, fmt.Errorf("order: unknown version %d", o.Version)
	}
	return append(o.unsignedBytes(), o.Signature[:]...), nil
}

// Unmarshal decodes one order and returns the number of bytes consumed.
// The id is recomputed from the payload, never trusted from the caller.
func Unmarshal(data []byte) (*Order, int, error) {
	if len(data) < 1 {
		return nil, 0, errShortOrder
	}
	o := &Order{Version: Version(data[0])}
	if o.Version < V1 || o.Version > V3 {
		return nil, 0, fmt.Errorf("order: unknown version %d", data[0])
	}
	pos := 1

	need := func(n int) error {
		if len(data)-pos < n {
			return errShortOrder
		}
		return nil
	}

	if err := need(64); err != nil {
		return nil, 0, err
	}
	copy(o.Sender[:], data[pos:pos+32])
	copy(o.Matcher[:], data[pos+32:pos+64])
	pos += 64

	pair, n, err := asset.ReadPair(data[pos:])
	if err != nil {
		return nil, 0, err
	}
	o.Pair = pair
	pos += n

	if err := need(1 + 5*8); err != nil {
		return nil, 0, err
	}
	side := data[pos]
	if side > byte(Sell) {
		return nil, 0, fmt.Errorf("order: bad side %d", side)
	}
	o.Side = Side(side)
	pos++
	o.Price = int64(binary.BigEndian.Uint64(data[pos:]))
	o.Amount = int64(binary.BigEndian.Uint64(data[pos+8:]))
	o.Timestamp = int64(binary.BigEndian.Uint64(data[pos+16:]))
	o.Expiration = int64(binary.BigEndian.Uint64(data[pos+24:]))
	o.Fee = int64(binary.BigEndian.Uint64(data[pos+32:]))
	pos += 40

	if o.Version >= V3 {
		fa, n, err := asset.Read(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		o.FeeAsset = fa
		pos += n
	}

	if err := need(SignatureSize); err != nil {
		return nil, 0, err
	}
	copy(o.Signature[:], data[pos:pos+SignatureSize])
	pos += SignatureSize

	o.ID = o.ComputeID()
	return o, pos, nil
}
