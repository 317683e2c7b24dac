package asset

import "errors"

// ErrSamePairAssets is returned when both legs of a pair name the same asset.
var ErrSamePairAssets = errors.New("asset: pair legs must differ")

// Pair is the identity of an order book: the asset being traded and the
// asset it is priced in.
type Pair struct {
	Amount Asset
	Price  Asset
}

func NewPair(amount, price Asset) (Pair, error) {
	if Compare(amount, price) == 0 {
		return Pair{}, ErrSamePairAssets
	}
	return Pair{Amount: amount, Price: price}, nil
}

// Bytes renders the wire form: amount asset then price asset.
func (p Pair) Bytes() []byte {
	return append(p.Amount.Bytes(), p.Price.Bytes()...)
}

// ReadPair decodes a pair and returns the number of bytes consumed.
func ReadPair(data []byte) (Pair, int, error) {
	amount, n, err := Read(data)
	if err != nil {
		return Pair{}, 0, err
	}
	price, m, err := Read(data[n:])
	if err != nil {
		return Pair{}, 0, err
	}
	return Pair{Amount: amount, Price: price}, n + m, nil
}

// Key is the map key form of the pair. It doubles as the sharding key
// for the distributed log.
func (p Pair) Key() string { return string(p.Bytes()) }

func (p Pair) String() string {
	return p.Amount.String() + "/" + p.Price.String()
}
