// Package order defines the signed limit order, its statuses and the
// stable binary wire format shared with clients.
package order

import (
	"crypto/ed25519"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"

	"matcherd/domain/asset"
)

// PriceConstant scales prices: a price is the number of price-asset
// units (times 10^8) paid for one whole amount-asset unit.
const PriceConstant = 100_000_000

// MaxLifetime bounds how far in the future an order may expire.
const MaxLifetime = 30 * 24 * time.Hour

type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Opposite returns the side an incoming order matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Version of the order wire format. Versions 1 through 3 share the
// layout; version 3 adds the fee asset field.
type Version uint8

const (
	V1 Version = 1
	V2 Version = 2
	V3 Version = 3
)

// ID is the blake2b-256 hash of the unsigned order payload.
type ID [32]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// PublicKey is an ed25519 account key. It doubles as the address of the
// order's owner.
type PublicKey [32]byte

func (pk PublicKey) String() string { return hex.EncodeToString(pk[:]) }

// SignatureSize is the byte length of the trailing order signature.
const SignatureSize = 64

// Order is an immutable signed limit order.
type Order struct {
	ID         ID
	Sender     PublicKey
	Matcher    PublicKey
	Pair       asset.Pair
	Side       Side
	Price      int64 // price-asset units per whole amount unit, times PriceConstant
	Amount     int64 // amount-asset units
	Fee        int64 // fee-asset units
	FeeAsset   asset.Asset
	Timestamp  int64 // unix millis
	Expiration int64 // unix millis
	Version    Version
	Signature  [SignatureSize]byte
}

// ComputeID hashes the unsigned payload.
func (o *Order) ComputeID() ID {
	return ID(blake2b.Sum256(o.unsignedBytes()))
}

// VerifySignature checks the trailing signature against the sender key.
func (o *Order) VerifySignature() bool {
	return ed25519.Verify(ed25519.PublicKey(o.Sender[:]), o.unsignedBytes(), o.Signature[:])
}

// Sign fills in the signature and id using the given ed25519 private
// key. Used by tests and tooling; clients normally sign on their side.
func (o *Order) Sign(priv ed25519.PrivateKey) {
	payload := o.unsignedBytes()
	copy(o.Signature[:], ed25519.Sign(priv, payload))
	o.ID = ID(blake2b.Sum256(payload))
}

// SpendAsset is the asset the owner pays out of.
func (o *Order) SpendAsset() asset.Asset {
	if o.Side == Buy {
		return o.Pair.Price
	}
	return o.Pair.Amount
}

// ReceiveAsset is the asset the owner is paid in.
func (o *Order) ReceiveAsset() asset.Asset {
	if o.Side == Buy {
		return o.Pair.Amount
	}
	return o.Pair.Price
}

// SpendAmount is the full reservation the order requires in its spend
// asset: amount*price/PriceConstant for buys, amount for sells.
func (o *Order) SpendAmount() int64 {
	if o.Side == Buy {
		return PriceValue(o.Amount, o.Price)
	}
	return o.Amount
}
