package domain

import (
	"fmt"
	"strings"
)

// Asset is an underlying that policies can be written on.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
	AssetSOL Asset = "SOL"
)

// Assets lists every supported underlying in a stable order.
func Assets() []Asset {
	return []Asset{AssetBTC, AssetETH, AssetSOL}
}

// ParseAsset resolves a symbol such as "btc" or "BTC/USD".
func ParseAsset(raw string) (Asset, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	symbol = strings.TrimSuffix(symbol, "/USD")
	switch Asset(symbol) {
	case AssetBTC, AssetETH, AssetSOL:
		return Asset(symbol), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAsset, raw)
	}
}

// PythFeedID returns the Pyth USD price feed id for the asset, without 0x prefix.
func (a Asset) PythFeedID() string {
	switch a {
	case AssetBTC:
		return "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"
	case AssetETH:
		return "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"
	case AssetSOL:
		return "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"
	default:
		return ""
	}
}

func (a Asset) String() string { return string(a) }
