package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	assetsFileName = "assets.yaml"
)

// AssetTokenConfig pairs asset-level metadata with one concrete token
// deployment; lookup helpers return it so callers get both in one value.
type AssetTokenConfig struct {
	// Name is the human-readable asset name (e.g. "USD Coin").
	Name string
	// Symbol is the asset ticker (e.g. "usdc"); ledgers are keyed by it.
	Symbol string
	// Disabled excludes the asset without deleting its entry.
	Disabled bool
	// Token is the chain-specific deployment.
	Token TokenConfig
}

// AssetsConfig is the root of config/assets.yaml. An asset names one logical
// currency with token deployments on any number of chains.
type AssetsConfig struct {
	Assets []AssetConfig `yaml:"assets"`
}

// AssetConfig describes one asset and its per-chain tokens.
type AssetConfig struct {
	// Name defaults to Symbol when empty.
	Name string `yaml:"name"`
	// Symbol is required for enabled assets.
	Symbol string `yaml:"symbol"`
	// Disabled excludes the asset and all its tokens.
	Disabled bool `yaml:"disabled"`
	// Tokens lists the chain-specific deployments.
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig is one asset deployment on one chain.
type TokenConfig struct {
	// Name defaults to the parent asset's name.
	Name string `yaml:"name"`
	// Symbol defaults to the parent asset's symbol.
	Symbol string `yaml:"symbol"`
	// BlockchainID is the chain the token is deployed on.
	BlockchainID uint32 `yaml:"blockchain_id"`
	// Disabled excludes this deployment only.
	Disabled bool `yaml:"disabled"`
	// Address is the token contract address.
	Address string `yaml:"address"`
	// Decimals converts between raw on-chain units and ledger decimals.
	Decimals uint8 `yaml:"decimals"`
}

// LoadAssets reads <configDirPath>/assets.yaml, applies symbol and name
// inheritance, and validates token addresses.
func LoadAssets(configDirPath string) (AssetsConfig, error) {
	assetsPath := filepath.Join(configDirPath, assetsFileName)
	f, err := os.Open(assetsPath)
	if err != nil {
		return AssetsConfig{}, err
	}
	defer f.Close()

	var cfg AssetsConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return AssetsConfig{}, err
	}

	if err := cfg.applyDefaults(); err != nil {
		return AssetsConfig{}, err
	}

	return cfg, nil
}

// applyDefaults validates enabled entries and fills inherited names and
// symbols, in place. Disabled assets and tokens are skipped entirely.
func (cfg *AssetsConfig) applyDefaults() error {
	for i, asset := range cfg.Assets {
		if asset.Disabled {
			continue
		}

		if asset.Symbol == "" {
			return fmt.Errorf("missing asset symbol for asset[%d]", i)
		}
		if asset.Name == "" {
			cfg.Assets[i].Name = asset.Symbol
		}

		asset = cfg.Assets[i]
		for j, token := range asset.Tokens {
			if token.Disabled {
				continue
			}

			if token.Symbol == "" {
				cfg.Assets[i].Tokens[j].Symbol = asset.Symbol
			}
			if token.Name == "" {
				cfg.Assets[i].Tokens[j].Name = asset.Name
			}

			token = cfg.Assets[i].Tokens[j]
			if token.Address == "" {
				return fmt.Errorf("missing %s token address for blockchain with id %d", token.Name, token.BlockchainID)
			} else if !contractAddressRegex.MatchString(token.Address) {
				return fmt.Errorf("invalid %s token address '%s' for blockchain with id %d", token.Name, token.Address, token.BlockchainID)
			}
		}
	}

	return nil
}

// GetAssetTokenByAddressAndChainID finds the enabled token deployed at
// tokenAddress on chainID. Address comparison is case-insensitive.
func (cfg AssetsConfig) GetAssetTokenByAddressAndChainID(tokenAddress string, chainID uint32) (AssetTokenConfig, bool) {
	for _, asset := range cfg.Assets {
		if asset.Disabled {
			continue
		}

		for _, token := range asset.Tokens {
			if token.Disabled {
				continue
			}

			if token.BlockchainID == chainID && strings.EqualFold(token.Address, tokenAddress) {
				return AssetTokenConfig{
					Name:   asset.Name,
					Symbol: asset.Symbol,
					Token:  token,
				}, true
			}
		}
	}

	return AssetTokenConfig{}, false
}

// GetAssetTokensByChainID returns every enabled token deployed on chainID.
func (cfg AssetsConfig) GetAssetTokensByChainID(chainID uint32) []AssetTokenConfig {
	var tokens []AssetTokenConfig
	for _, asset := range cfg.Assets {
		if asset.Disabled {
			continue
		}

		for _, token := range asset.Tokens {
			if !token.Disabled && token.BlockchainID == chainID {
				tokens = append(tokens, AssetTokenConfig{
					Name:   asset.Name,
					Symbol: asset.Symbol,
					Token:  token,
				})
			}
		}
	}
	return tokens
}
