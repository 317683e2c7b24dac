package validator

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"matcherd/domain/asset"
	"matcherd/domain/materr"
	"matcherd/domain/order"
	"matcherd/domain/orderbook"
)

const unit = int64(100_000_000)

func issuedAsset(b byte) asset.Asset {
	var id [asset.IDSize]byte
	id[0] = b
	return asset.Issued(id)
}

func testPair(t *testing.T) asset.Pair {
	t.Helper()
	pair, err := asset.NewPair(issuedAsset(0x21), asset.Native)
	require.NoError(t, err)
	return pair
}

type stubView struct {
	status orderbook.MarketStatus
	known  bool
	tick   int64
	self   bool
}

func (s *stubView) MarketStatus(asset.Pair) (orderbook.MarketStatus, bool) {
	return s.status, s.known
}

func (s *stubView) ActiveTick(asset.Pair) int64 {
	if s.tick == 0 {
		return 1
	}
	return s.tick
}

func (s *stubView) WouldSelfTrade(*order.Order) bool { return s.self }

func signedOrder(t *testing.T, mutate func(*order.Order)) *order.Order {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	now := time.Now().UnixMilli()
	o := &order.Order{
		Pair:       testPair(t),
		Side:       order.Buy,
		Price:      500_000,
		Amount:     1_000 * unit,
		Fee:        300_000,
		FeeAsset:   asset.Native,
		Timestamp:  now,
		Expiration: now + time.Hour.Milliseconds(),
		Version:    order.V3,
	}
	copy(o.Sender[:], pub)
	if mutate != nil {
		mutate(o)
	}
	o.Sign(priv)
	return o
}

func newValidator(t *testing.T, cfg Config, view MarketView) (*Validator, *StaticClient) {
	t.Helper()
	if view == nil {
		view = &stubView{}
	}
	client := NewStaticClient()
	client.RegisterAsset(issuedAsset(0x21), 8, false)
	var matcherKey order.PublicKey
	matcherKey[0] = 'M'
	return New(cfg, matcherKey, view, client, zap.NewNop()), client
}

func TestAcceptsCleanOrder(t *testing.T) {
	v, _ := newValidator(t, Config{}, nil)
	o := signedOrder(t, nil)
	require.NoError(t, v.Validate(o))
	require.NoError(t, v.ValidateAsync(context.Background(), o))
}

func TestRejectsBadSignature(t *testing.T) {
	v, _ := newValidator(t, Config{}, nil)
	o := signedOrder(t, nil)
	o.Price++ // invalidates the signature
	err := v.Validate(o)
	require.Equal(t, materr.CodeInvalidSignature, materr.CodeOf(err))
}

func TestRejectsExpired(t *testing.T) {
	v, _ := newValidator(t, Config{}, nil)
	o := signedOrder(t, func(o *order.Order) {
		o.Timestamp = time.Now().UnixMilli() - 2*time.Hour.Milliseconds()
		o.Expiration = time.Now().UnixMilli() - time.Hour.Milliseconds()
	})
	require.Equal(t, materr.CodeOrderOutdated, materr.CodeOf(v.Validate(o)))
}

func TestRejectsFutureTimestamp(t *testing.T) {
	v, _ := newValidator(t, Config{}, nil)
	o := signedOrder(t, func(o *order.Order) {
		o.Timestamp = time.Now().UnixMilli() + time.Hour.Milliseconds()
		o.Expiration = o.Timestamp + time.Hour.Milliseconds()
	})
	require.Equal(t, materr.CodeOrderOutdated, materr.CodeOf(v.Validate(o)))
}

func TestRejectsDeniedVersion(t *testing.T) {
	v, _ := newValidator(t, Config{
		AllowedVersions: map[order.Version]bool{order.V3: true},
	}, nil)
	o := signedOrder(t, func(o *order.Order) { o.Version = order.V1 })
	require.Equal(t, materr.CodeOrderVersionDenied, materr.CodeOf(v.Validate(o)))
}

func TestRejectsBlacklistedAsset(t *testing.T) {
	v, _ := newValidator(t, Config{
		BlacklistedAssets: map[string]bool{issuedAsset(0x21).String(): true},
	}, nil)
	require.Equal(t, materr.CodeAssetPairDenied, materr.CodeOf(v.Validate(signedOrder(t, nil))))
}

func TestRejectsBlacklistedAddress(t *testing.T) {
	o := signedOrder(t, nil)
	v, _ := newValidator(t, Config{
		BlacklistedAddresses: map[order.PublicKey]bool{o.Sender: true},
	}, nil)
	require.Equal(t, materr.CodeAddressBlacklisted, materr.CodeOf(v.Validate(o)))
}

func TestRejectsWrongOrientation(t *testing.T) {
	// Native outranks the issued asset, so native must be the price leg
	// of any pair containing both; the reversed pair is refused.
	reversed, err := asset.NewPair(asset.Native, issuedAsset(0x21))
	require.NoError(t, err)
	v, _ := newValidator(t, Config{
		PriceAssets: []asset.Asset{asset.Native, issuedAsset(0x21)},
	}, nil)
	o := signedOrder(t, func(o *order.Order) { o.Pair = reversed })
	require.Equal(t, materr.CodeAssetPairDenied, materr.CodeOf(v.Validate(o)))

	require.NoError(t, v.Validate(signedOrder(t, nil)), "correct orientation passes")
}

func TestRejectsUnexpectedFeeAsset(t *testing.T) {
	v, _ := newValidator(t, Config{}, nil)
	o := signedOrder(t, func(o *order.Order) { o.FeeAsset = issuedAsset(0x22) })
	require.Equal(t, materr.CodeUnexpectedFeeAsset, materr.CodeOf(v.Validate(o)))
}

func TestRejectsLowFixedFee(t *testing.T) {
	v, _ := newValidator(t, Config{FeeMode: FeeModeFixed, FixedFee: 300_000}, nil)
	o := signedOrder(t, func(o *order.Order) { o.Fee = 299_999 })
	require.Equal(t, materr.CodeFeeNotEnough, materr.CodeOf(v.Validate(o)))
}

func TestRejectsMisalignedTick(t *testing.T) {
	v, _ := newValidator(t, Config{}, &stubView{tick: 1_000})
	o := signedOrder(t, func(o *order.Order) { o.Price = 500_500 })
	require.Equal(t, materr.CodePriceTickInvalid, materr.CodeOf(v.Validate(o)))
}

// Deviation (profit=70, loss=60), best bid 300000, no ask: a buy at
// 89999 sits below 30% of the bid and is refused with code 9441295.
func TestRejectsDeviantBuyPrice(t *testing.T) {
	bid := int64(300_000)
	view := &stubView{known: true, status: orderbook.MarketStatus{BestBid: &bid}}
	v, _ := newValidator(t, Config{
		Deviation: DeviationConfig{
			Enabled: true,
			Profit:  decimal.NewFromInt(70),
			Loss:    decimal.NewFromInt(60),
		},
	}, view)

	o := signedOrder(t, func(o *order.Order) { o.Price = 89_999 })
	err := v.Validate(o)
	require.Equal(t, materr.Code(9441295), materr.CodeOf(err))
	var coded *materr.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, "30", coded.Params["lowerPercent"])
	require.Equal(t, "160", coded.Params["upperPercent"])

	// At exactly the bound the order passes.
	o = signedOrder(t, func(o *order.Order) { o.Price = 90_000 })
	require.NoError(t, v.Validate(o))
}

// Fee deviation 40%, percent fee 0.1% of the price leg, best ask
// 600000: a buy of 1000 units with fee 359999 misses the market-based
// minimum of 360000 and is refused with code 9441551.
func TestRejectsDeviantMatcherFee(t *testing.T) {
	ask := int64(600_000)
	view := &stubView{known: true, status: orderbook.MarketStatus{BestAsk: &ask}}
	v, _ := newValidator(t, Config{
		FeeMode:          FeeModePercent,
		PercentFee:       decimal.NewFromFloat(0.1),
		PercentAssetType: AssetTypePrice,
		Deviation: DeviationConfig{
			Enabled: true,
			Profit:  decimal.NewFromInt(10),
			Loss:    decimal.NewFromInt(10),
			Fee:     decimal.NewFromInt(40),
		},
	}, view)

	o := signedOrder(t, func(o *order.Order) {
		o.Price = 300_000
		o.Amount = 1_000 * unit
		o.Fee = 359_999
	})
	require.Equal(t, materr.Code(9441551), materr.CodeOf(v.Validate(o)))

	o = signedOrder(t, func(o *order.Order) {
		o.Price = 300_000
		o.Amount = 1_000 * unit
		o.Fee = 360_000
	})
	require.NoError(t, v.Validate(o))
}

func TestRejectsHaltedMarket(t *testing.T) {
	v, _ := newValidator(t, Config{
		BlockedPairs: map[string]bool{testPair(t).Key(): true},
	}, nil)
	require.Equal(t, materr.CodeMarketStatusMismatch, materr.CodeOf(v.Validate(signedOrder(t, nil))))
}

func TestRejectsSelfTrade(t *testing.T) {
	v, _ := newValidator(t, Config{PreventSelfTrade: true}, &stubView{self: true})
	require.Equal(t, materr.CodeSelfTrade, materr.CodeOf(v.Validate(signedOrder(t, nil))))
}

func TestAsyncRejectsUnknownAsset(t *testing.T) {
	view := &stubView{}
	client := NewStaticClient() // 0x21 never registered
	var matcherKey order.PublicKey
	v := New(Config{}, matcherKey, view, client, zap.NewNop())

	err := v.ValidateAsync(context.Background(), signedOrder(t, nil))
	require.Equal(t, materr.CodeAssetNotFound, materr.CodeOf(err))
}

func TestAsyncRejectsInsufficientBalance(t *testing.T) {
	v, client := newValidator(t, Config{}, nil)
	o := signedOrder(t, nil)
	client.SetBalance(o.Sender, o.Pair.Price, o.SpendAmount()-1)

	err := v.ValidateAsync(context.Background(), o)
	require.Equal(t, materr.CodeBalanceNotEnough, materr.CodeOf(err))
}
