package validator

import (
	"context"
	"sync"

	"matcherd/domain/asset"
	"matcherd/domain/order"
)

// StaticClient is an in-memory BlockchainClient for standalone runs and
// tests: assets are registered up front, scripts always allow, and
// balances default to unlimited unless set explicitly.
type StaticClient struct {
	mu       sync.RWMutex
	assets   map[string]AssetDescription
	balances map[string]int64 // owner|asset -> spendable
}

func NewStaticClient() *StaticClient {
	return &StaticClient{
		assets:   make(map[string]AssetDescription),
		balances: make(map[string]int64),
	}
}

// RegisterAsset makes an issued asset known.
func (c *StaticClient) RegisterAsset(a asset.Asset, decimals int32, scripted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assets[a.String()] = AssetDescription{Exists: true, Decimals: decimals, Scripted: scripted}
}

// SetBalance pins an owner's spendable balance for an asset.
func (c *StaticClient) SetBalance(owner order.PublicKey, a asset.Asset, spendable int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[owner.String()+"|"+a.String()] = spendable
}

func (c *StaticClient) AssetDescription(_ context.Context, a asset.Asset) (AssetDescription, error) {
	if a.IsNative() {
		return AssetDescription{Exists: true, Decimals: defaultDecimals}, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assets[a.String()], nil
}

func (c *StaticClient) AssetScriptAllows(context.Context, asset.Asset, *order.Order) (bool, error) {
	return true, nil
}

func (c *StaticClient) AccountScriptAllows(context.Context, order.PublicKey, *order.Order) (bool, error) {
	return true, nil
}

func (c *StaticClient) SpendableBalance(_ context.Context, owner order.PublicKey, a asset.Asset) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.balances[owner.String()+"|"+a.String()]; ok {
		return v, nil
	}
	const unlimited = int64(1) << 62
	return unlimited, nil
}
