package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetsConfigApplyDefaults(t *testing.T) {
	t.Run("missing asset symbol", func(t *testing.T) {
		cfg := AssetsConfig{Assets: []AssetConfig{{Symbol: ""}}}
		err := cfg.applyDefaults()
		require.EqualError(t, err, "missing asset symbol for asset[0]")
	})

	t.Run("missing token address", func(t *testing.T) {
		cfg := AssetsConfig{Assets: []AssetConfig{{
			Name:   "USD Coin",
			Symbol: "usdc",
			Tokens: []TokenConfig{{BlockchainID: 137}},
		}}}
		err := cfg.applyDefaults()
		require.EqualError(t, err, "missing USD Coin token address for blockchain with id 137")
	})

	t.Run("invalid token address", func(t *testing.T) {
		cfg := AssetsConfig{Assets: []AssetConfig{{
			Name:   "USD Coin",
			Symbol: "usdc",
			Tokens: []TokenConfig{{BlockchainID: 137, Address: "0xnothex"}},
		}}}
		err := cfg.applyDefaults()
		require.EqualError(t, err, "invalid USD Coin token address '0xnothex' for blockchain with id 137")
	})

	t.Run("name and symbol inheritance", func(t *testing.T) {
		cfg := AssetsConfig{Assets: []AssetConfig{{
			Symbol: "usdc",
			Tokens: []TokenConfig{{
				BlockchainID: 137,
				Address:      "0x2791bca1f2de4661ed88a30c99a7a9449aa84174",
			}},
		}}}
		require.NoError(t, cfg.applyDefaults())
		assert.Equal(t, "usdc", cfg.Assets[0].Name)
		assert.Equal(t, "usdc", cfg.Assets[0].Tokens[0].Symbol)
		assert.Equal(t, "usdc", cfg.Assets[0].Tokens[0].Name)
	})

	t.Run("disabled entries skip validation", func(t *testing.T) {
		cfg := AssetsConfig{Assets: []AssetConfig{
			{Disabled: true}, // no symbol, but disabled
			{
				Symbol: "usdc",
				Tokens: []TokenConfig{{BlockchainID: 137, Disabled: true}}, // no address
			},
		}}
		require.NoError(t, cfg.applyDefaults())
	})
}

func newLookupAssetsConfig() AssetsConfig {
	return AssetsConfig{Assets: []AssetConfig{
		{
			Name:   "USD Coin",
			Symbol: "usdc",
			Tokens: []TokenConfig{
				{
					Name:         "USD Coin",
					Symbol:       "usdc",
					BlockchainID: 1,
					Address:      "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
					Decimals:     6,
				},
				{
					Name:         "Bridged USDC",
					Symbol:       "usdc",
					BlockchainID: 137,
					Disabled:     true,
					Address:      "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
					Decimals:     6,
				},
			},
		},
		{
			Name:     "Tether USD",
			Symbol:   "usdt",
			Disabled: true,
			Tokens: []TokenConfig{{
				Name:         "Tether USD",
				Symbol:       "usdt",
				BlockchainID: 1,
				Address:      "0xdAC17F958D2ee523a2206206994597C13D831ec7",
				Decimals:     6,
			}},
		},
		{
			Name:   "Wrapped Ether",
			Symbol: "weth",
			Tokens: []TokenConfig{{
				Name:         "Wrapped Ether",
				Symbol:       "weth",
				BlockchainID: 1,
				Address:      "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
				Decimals:     18,
			}},
		},
	}}
}

func TestGetAssetTokenByAddressAndChainID(t *testing.T) {
	cfg := newLookupAssetsConfig()

	t.Run("unknown address", func(t *testing.T) {
		_, found := cfg.GetAssetTokenByAddressAndChainID("0x0000000000000000000000000000000000000000", 1)
		assert.False(t, found)
	})

	t.Run("disabled token is invisible", func(t *testing.T) {
		_, found := cfg.GetAssetTokenByAddressAndChainID("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", 137)
		assert.False(t, found)
	})

	t.Run("disabled asset hides its tokens", func(t *testing.T) {
		_, found := cfg.GetAssetTokenByAddressAndChainID("0xdAC17F958D2ee523a2206206994597C13D831ec7", 1)
		assert.False(t, found)
	})

	t.Run("case-insensitive address match", func(t *testing.T) {
		result, found := cfg.GetAssetTokenByAddressAndChainID("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", 1)
		require.True(t, found)
		assert.Equal(t, "USD Coin", result.Name)
		assert.Equal(t, "usdc", result.Symbol)
		assert.Equal(t, uint32(1), result.Token.BlockchainID)
		assert.Equal(t, uint8(6), result.Token.Decimals)
	})
}

func TestGetAssetTokensByChainID(t *testing.T) {
	cfg := newLookupAssetsConfig()

	assert.Empty(t, cfg.GetAssetTokensByChainID(999))

	tokens := cfg.GetAssetTokensByChainID(1)
	// usdt's deployment is hidden by the disabled asset.
	require.Len(t, tokens, 2)
	assert.Equal(t, "usdc", tokens[0].Symbol)
	assert.Equal(t, "weth", tokens[1].Symbol)
}
