package asset

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// IDSize is the byte length of an issued asset identifier.
const IDSize = 32

// Asset identifies either the native chain asset (zero value) or an
// issued asset by its 32-byte content hash.
type Asset struct {
	id     [IDSize]byte
	issued bool
}

// Native is the chain's own asset. It sorts before every issued asset.
var Native = Asset{}

func Issued(id [IDSize]byte) Asset {
	return Asset{id: id, issued: true}
}

func (a Asset) IsNative() bool { return !a.issued }

// ID returns the content hash of an issued asset. For the native asset
// it is all zeroes.
func (a Asset) ID() [IDSize]byte { return a.id }

// Bytes renders the canonical wire form: a presence flag byte followed
// by the 32-byte id for issued assets.
func (a Asset) Bytes() []byte {
	if !a.issued {
		return []byte{0}
	}
	out := make([]byte, 1+IDSize)
	out[0] = 1
	copy(out[1:], a.id[:])
	return out
}

// Read decodes an asset from the canonical wire form and returns the
// number of bytes consumed.
func Read(data []byte) (Asset, int, error) {
	if len(data) < 1 {
		return Asset{}, 0, errors.New("asset: short input")
	}
	switch data[0] {
	case 0:
		return Native, 1, nil
	case 1:
		if len(data) < 1+IDSize {
			return Asset{}, 0, errors.New("asset: short issued id")
		}
		var id [IDSize]byte
		copy(id[:], data[1:1+IDSize])
		return Issued(id), 1 + IDSize, nil
	default:
		return Asset{}, 0, fmt.Errorf("asset: bad presence flag %d", data[0])
	}
}

// Compare imposes the canonical ordering: native first, then issued
// assets by unsigned lexicographic byte comparison.
func Compare(a, b Asset) int {
	switch {
	case !a.issued && !b.issued:
		return 0
	case !a.issued:
		return -1
	case !b.issued:
		return 1
	default:
		return bytes.Compare(a.id[:], b.id[:])
	}
}

func (a Asset) String() string {
	if !a.issued {
		return "NATIVE"
	}
	return hex.EncodeToString(a.id[:])
}
