package validator

import (
	"github.com/shopspring/decimal"

	"matcherd/domain/asset"
	"matcherd/domain/materr"
	"matcherd/domain/order"
)

var (
	hundred       = decimal.NewFromInt(100)
	one           = decimal.NewFromInt(1)
	priceConstant = decimal.NewFromInt(order.PriceConstant)
)

// orderValue is the order's value in the units the percent fee is
// computed from, per the configured asset type.
func orderValue(o *order.Order, at AssetType) (int64, asset.Asset) {
	amountLeg := func() (int64, asset.Asset) { return o.Amount, o.Pair.Amount }
	priceLeg := func() (int64, asset.Asset) {
		return order.PriceValue(o.Amount, o.Price), o.Pair.Price
	}
	switch at {
	case AssetTypePrice:
		return priceLeg()
	case AssetTypeSpending:
		if o.Side == order.Buy {
			return priceLeg()
		}
		return amountLeg()
	case AssetTypeReceiving:
		if o.Side == order.Buy {
			return amountLeg()
		}
		return priceLeg()
	default:
		return amountLeg()
	}
}

// checkMinFee enforces the configured minimum matcher fee. In percent
// mode the fee is a fraction of the order value, rescaled into the fee
// asset's decimals and rounded up to at least one unit.
func (v *Validator) checkMinFee(o *order.Order) error {
	switch v.cfg.FeeMode {
	case FeeModePercent:
		value, valueAsset := orderValue(o, v.cfg.PercentAssetType)
		required := v.cfg.PercentFee.Div(hundred).
			Mul(decimal.NewFromInt(value)).
			Mul(rescale(v.decimalsOf(o.FeeAsset) - v.decimalsOf(valueAsset))).
			Ceil()
		if required.LessThan(one) {
			required = one
		}
		if decimal.NewFromInt(o.Fee).LessThan(required) {
			return materr.Validation(materr.CodeFeeNotEnough,
				"fee %d is below the required %s", o.Fee, required).
				WithParams(map[string]any{"fee": o.Fee, "required": required.String()})
		}
	default:
		if o.Fee < v.cfg.FixedFee {
			return materr.Validation(materr.CodeFeeNotEnough,
				"fee %d is below the required %d", o.Fee, v.cfg.FixedFee).
				WithParams(map[string]any{"fee": o.Fee, "required": v.cfg.FixedFee})
		}
	}
	return nil
}

func rescale(deltaDecimals int32) decimal.Decimal {
	return decimal.New(1, deltaDecimals)
}

// checkPriceDeviation keeps the order price inside the configured
// distance from the best bid/ask. A bound whose side of the book is
// empty is not enforced.
func (v *Validator) checkPriceDeviation(o *order.Order) error {
	st, ok := v.view.MarketStatus(o.Pair)
	if !ok {
		return nil
	}
	price := decimal.NewFromInt(o.Price)

	var lowFactor, highFactor decimal.Decimal
	if o.Side == order.Buy {
		lowFactor = one.Sub(v.cfg.Deviation.Profit.Div(hundred))
		highFactor = one.Add(v.cfg.Deviation.Loss.Div(hundred))
	} else {
		lowFactor = one.Sub(v.cfg.Deviation.Loss.Div(hundred))
		highFactor = one.Add(v.cfg.Deviation.Profit.Div(hundred))
	}

	deviant := func() *materr.Error {
		return materr.Validation(materr.CodeDeviantOrderPrice,
			"%s order price %d is out of deviation bounds %s%% .. %s%% of the market",
			o.Side, o.Price, lowFactor.Mul(hundred), highFactor.Mul(hundred)).
			WithParams(map[string]any{
				"price":        o.Price,
				"lowerPercent": lowFactor.Mul(hundred).String(),
				"upperPercent": highFactor.Mul(hundred).String(),
			})
	}
	if st.BestBid != nil {
		lower := lowFactor.Mul(decimal.NewFromInt(*st.BestBid))
		if price.LessThan(lower) {
			return deviant()
		}
	}
	if st.BestAsk != nil {
		upper := highFactor.Mul(decimal.NewFromInt(*st.BestAsk))
		if price.GreaterThan(upper) {
			return deviant()
		}
	}
	return nil
}

// checkFeeDeviation enforces, in percent fee mode, that the fee covers
// the configured share of the order valued at the market reference
// price, discounted by the allowed fee deviation.
func (v *Validator) checkFeeDeviation(o *order.Order) error {
	if v.cfg.FeeMode != FeeModePercent {
		return nil
	}
	st, ok := v.view.MarketStatus(o.Pair)
	if !ok {
		return nil
	}
	var ref *int64
	if o.Side == order.Buy {
		ref = st.BestAsk
	} else {
		ref = st.BestBid
	}
	if ref == nil {
		return nil
	}
	required := v.cfg.PercentFee.Div(hundred).
		Mul(one.Sub(v.cfg.Deviation.Fee.Div(hundred))).
		Mul(decimal.NewFromInt(*ref)).
		Mul(decimal.NewFromInt(o.Amount)).
		Div(priceConstant).
		Ceil()
	if decimal.NewFromInt(o.Fee).LessThan(required) {
		return materr.Validation(materr.CodeDeviantOrderMatcherFee,
			"fee %d is below the deviation-adjusted minimum %s", o.Fee, required).
			WithParams(map[string]any{"fee": o.Fee, "required": required.String()})
	}
	return nil
}
