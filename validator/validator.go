// Package validator gates orders before they are admitted to the event
// log: fast synchronous policy checks first, then the asynchronous
// blockchain-client lookups. Nothing that fails here ever reaches the
// log.
package validator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"matcherd/domain/asset"
	"matcherd/domain/materr"
	"matcherd/domain/order"
	"matcherd/domain/orderbook"
)

// FeeMode selects how the minimum matcher fee is computed.
type FeeMode string

const (
	FeeModeFixed   FeeMode = "fixed"
	FeeModePercent FeeMode = "percent"
)

// AssetType picks which leg of the order a percent fee is computed
// from.
type AssetType string

const (
	AssetTypeAmount    AssetType = "amount"
	AssetTypePrice     AssetType = "price"
	AssetTypeSpending  AssetType = "spending"
	AssetTypeReceiving AssetType = "receiving"
)

// Config is the admission policy.
type Config struct {
	AllowedVersions map[order.Version]bool
	ClockSkew       time.Duration

	BlacklistedAssets    map[string]bool // keyed by Asset.String()
	BlacklistedNames     []string        // substrings of on-chain asset names
	BlacklistedAddresses map[order.PublicKey]bool
	BlockedPairs         map[string]bool // pair kill switch, keyed by Pair.Key()

	// FeeAssets lists the accepted fee assets per pair key; pairs not
	// present accept only the native asset.
	FeeAssets map[string][]asset.Asset

	// PriceAssets overlays the canonical pair orientation: when both
	// legs appear here, the earlier one must be the price asset.
	PriceAssets []asset.Asset

	FeeMode    FeeMode
	FixedFee   int64
	PercentFee decimal.Decimal // percent of order value
	PercentAssetType AssetType

	Deviation        DeviationConfig
	PreventSelfTrade bool
}

// DeviationConfig bounds how far an order may sit from the market.
// All values are percents.
type DeviationConfig struct {
	Enabled bool
	Profit  decimal.Decimal
	Loss    decimal.Decimal
	Fee     decimal.Decimal
}

// MarketView is what the validator sees of the books. Implemented by
// the orchestrator.
type MarketView interface {
	MarketStatus(pair asset.Pair) (orderbook.MarketStatus, bool)
	ActiveTick(pair asset.Pair) int64
	WouldSelfTrade(o *order.Order) bool
}

// AssetDescription is the blockchain client's view of an asset.
type AssetDescription struct {
	Exists   bool
	Name     string
	Decimals int32
	Scripted bool
}

// BlockchainClient is the external settlement-layer collaborator.
type BlockchainClient interface {
	AssetDescription(ctx context.Context, a asset.Asset) (AssetDescription, error)
	AssetScriptAllows(ctx context.Context, a asset.Asset, o *order.Order) (bool, error)
	AccountScriptAllows(ctx context.Context, account order.PublicKey, o *order.Order) (bool, error)
	SpendableBalance(ctx context.Context, owner order.PublicKey, a asset.Asset) (int64, error)
}

type Validator struct {
	cfg     Config
	matcher order.PublicKey
	view    MarketView
	client  BlockchainClient
	logger  *zap.Logger
	now     func() time.Time

	// decimals caches asset decimals observed through the blockchain
	// client; unknown assets default to native precision.
	decimals sync.Map // asset key -> int32
}

const defaultDecimals int32 = 8

func (v *Validator) decimalsOf(a asset.Asset) int32 {
	if a.IsNative() {
		return defaultDecimals
	}
	if d, ok := v.decimals.Load(a.String()); ok {
		return d.(int32)
	}
	return defaultDecimals
}

func New(cfg Config, matcher order.PublicKey, view MarketView, client BlockchainClient, logger *zap.Logger) *Validator {
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = 15 * time.Second
	}
	return &Validator{
		cfg:     cfg,
		matcher: matcher,
		view:    view,
		client:  client,
		logger:  logger.Named("validator"),
		now:     time.Now,
	}
}

// Validate runs the synchronous gate in policy order. The first failed
// check wins.
func (v *Validator) Validate(o *order.Order) error {
	if !o.VerifySignature() {
		return materr.Validation(materr.CodeInvalidSignature, "order signature does not verify")
	}
	now := v.now().UnixMilli()
	if o.Expiration <= now {
		return materr.Validation(materr.CodeOrderOutdated, "order expired at %d", o.Expiration)
	}
	if o.Timestamp > now+v.cfg.ClockSkew.Milliseconds() {
		return materr.Validation(materr.CodeOrderOutdated, "order timestamp %d is in the future", o.Timestamp)
	}
	if o.Timestamp > o.Expiration {
		return materr.Validation(materr.CodeOrderOutdated, "order timestamp past its expiration")
	}
	if o.Expiration-now > order.MaxLifetime.Milliseconds() {
		return materr.Validation(materr.CodeOrderOutdated, "order expiration too far in the future")
	}
	if v.cfg.BlacklistedAssets[o.Pair.Amount.String()] || v.cfg.BlacklistedAssets[o.Pair.Price.String()] {
		return materr.Validation(materr.CodeAssetPairDenied, "asset pair %s is denylisted", o.Pair)
	}
	if !v.orientationOK(o.Pair) {
		return materr.Validation(materr.CodeAssetPairDenied, "pair %s should be reversed", o.Pair)
	}
	if v.cfg.BlacklistedAddresses[o.Sender] {
		return materr.Validation(materr.CodeAddressBlacklisted, "address %s is blacklisted", o.Sender)
	}
	if len(v.cfg.AllowedVersions) > 0 && !v.cfg.AllowedVersions[o.Version] {
		return materr.Validation(materr.CodeOrderVersionDenied, "order version %d is not accepted", o.Version)
	}
	if err := v.checkFeeAsset(o); err != nil {
		return err
	}
	if err := v.checkMinFee(o); err != nil {
		return err
	}
	if tick := v.view.ActiveTick(o.Pair); !tickAligned(o, tick) {
		return materr.Validation(materr.CodePriceTickInvalid,
			"price %d is not aligned to tick %d", o.Price, tick).
			WithParams(map[string]any{"price": o.Price, "tick": tick})
	}
	if v.cfg.Deviation.Enabled {
		if err := v.checkPriceDeviation(o); err != nil {
			return err
		}
		if err := v.checkFeeDeviation(o); err != nil {
			return err
		}
	}
	if v.cfg.BlockedPairs[o.Pair.Key()] {
		return materr.Validation(materr.CodeMarketStatusMismatch, "trading on %s is halted", o.Pair)
	}
	if v.cfg.PreventSelfTrade && v.view.WouldSelfTrade(o) {
		return materr.Validation(materr.CodeSelfTrade, "order would trade against its own account")
	}
	return nil
}

// ValidateAsync runs the blockchain-client checks. It is called after
// the synchronous gate and must complete before the log append.
func (v *Validator) ValidateAsync(ctx context.Context, o *order.Order) error {
	for _, a := range []asset.Asset{o.Pair.Amount, o.Pair.Price, o.FeeAsset} {
		if a.IsNative() {
			continue
		}
		desc, err := v.client.AssetDescription(ctx, a)
		if err != nil {
			return materr.Transient(materr.CodeQueueUnavailable, err, "asset lookup")
		}
		if !desc.Exists {
			return materr.Validation(materr.CodeAssetNotFound, "asset %s is unknown", a)
		}
		v.decimals.Store(a.String(), desc.Decimals)
		for _, banned := range v.cfg.BlacklistedNames {
			if banned != "" && strings.Contains(desc.Name, banned) {
				return materr.Validation(materr.CodeAssetPairDenied, "asset name %q is denylisted", desc.Name)
			}
		}
		if desc.Scripted {
			ok, err := v.client.AssetScriptAllows(ctx, a, o)
			if err != nil {
				return materr.Transient(materr.CodeQueueUnavailable, err, "asset script check")
			}
			if !ok {
				return materr.Validation(materr.CodeAssetScriptDeniedOrder, "asset script of %s denies the order", a)
			}
		}
	}
	ok, err := v.client.AccountScriptAllows(ctx, v.matcher, o)
	if err != nil {
		return materr.Transient(materr.CodeQueueUnavailable, err, "matcher account script check")
	}
	if !ok {
		return materr.Validation(materr.CodeAccountScriptDeniedOrder, "matcher account script denies the order")
	}
	return v.checkBalance(ctx, o)
}

func (v *Validator) checkBalance(ctx context.Context, o *order.Order) error {
	need := map[asset.Asset]int64{o.SpendAsset(): o.SpendAmount()}
	need[o.FeeAsset] += o.Fee
	for a, amount := range need {
		spendable, err := v.client.SpendableBalance(ctx, o.Sender, a)
		if err != nil {
			return materr.Transient(materr.CodeQueueUnavailable, err, "balance lookup")
		}
		if spendable < amount {
			return materr.Validation(materr.CodeBalanceNotEnough,
				"balance of %s is %d, order requires %d", a, spendable, amount).
				WithParams(map[string]any{"asset": a.String(), "balance": spendable, "required": amount})
		}
	}
	return nil
}

func (v *Validator) checkFeeAsset(o *order.Order) error {
	accepted := v.cfg.FeeAssets[o.Pair.Key()]
	if len(accepted) == 0 {
		if o.FeeAsset.IsNative() {
			return nil
		}
		return materr.Validation(materr.CodeUnexpectedFeeAsset, "fee asset %s is not accepted for %s", o.FeeAsset, o.Pair)
	}
	for _, a := range accepted {
		if asset.Compare(a, o.FeeAsset) == 0 {
			return nil
		}
	}
	return materr.Validation(materr.CodeUnexpectedFeeAsset, "fee asset %s is not accepted for %s", o.FeeAsset, o.Pair)
}

// orientationOK applies the price-assets overlay: of two listed
// assets, the higher-priority (earlier) one prices the other.
func (v *Validator) orientationOK(pair asset.Pair) bool {
	idx := func(a asset.Asset) int {
		for i, p := range v.cfg.PriceAssets {
			if asset.Compare(a, p) == 0 {
				return i
			}
		}
		return -1
	}
	ai, pi := idx(pair.Amount), idx(pair.Price)
	if ai < 0 || pi < 0 {
		return true
	}
	return pi < ai
}

func tickAligned(o *order.Order, tick int64) bool {
	if tick <= 1 {
		return true
	}
	return o.Price%tick == 0
}
