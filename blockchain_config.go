package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"gopkg.in/yaml.v3"
)

const (
	checkChainIdCallTimeout = 5 * time.Second
	defaultBlockStep        = uint64(10000)
	blockchainsFileName     = "blockchains.yaml"
)

var (
	blockchainNameRegex  = regexp.MustCompile(`^[a-z][a-z_]+[a-z]$`)
	contractAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// BlockchainsConfig is the root of config/blockchains.yaml: default contract
// addresses applied to every chain unless overridden, plus the per-chain
// entries.
type BlockchainsConfig struct {
	DefaultContractAddresses ContractAddressesConfig `yaml:"default_contract_addresses"`
	Blockchains              []BlockchainConfig      `yaml:"blockchains"`
}

// BlockchainConfig describes one supported chain: its identity, contracts
// and log-scanning parameters. The RPC URL is not part of the YAML; it comes
// from the <NAME>_BLOCKCHAIN_RPC environment variable.
type BlockchainConfig struct {
	// Name is the snake_case chain identifier (e.g. "polygon_amoy").
	Name string `yaml:"name"`
	// ID is the chain ID, checked against the RPC endpoint.
	ID uint32 `yaml:"id"`
	// Disabled excludes the chain without deleting its entry.
	Disabled bool `yaml:"disabled"`
	// BlockchainRPC is resolved from <NAME>_BLOCKCHAIN_RPC.
	BlockchainRPC string
	// BlockStep bounds the block range of one historical log scan.
	BlockStep uint64 `yaml:"block_step"`
	// ContractAddresses overrides the defaults for this chain.
	ContractAddresses ContractAddressesConfig `yaml:"contract_addresses"`
}

// ContractAddressesConfig holds the on-chain contract addresses a chain
// needs. All must be 0x-prefixed 40-hex-char addresses.
type ContractAddressesConfig struct {
	Custody        string `yaml:"custody"`
	Adjudicator    string `yaml:"adjudicator"`
	BalanceChecker string `yaml:"balance_checker"`
}

// LoadBlockchains reads <configDirPath>/blockchains.yaml, validates names
// and addresses, resolves and verifies the RPC endpoints, and returns the
// enabled chains keyed by chain ID.
func LoadBlockchains(configDirPath string) (map[uint32]BlockchainConfig, error) {
	blockchainsPath := filepath.Join(configDirPath, blockchainsFileName)
	f, err := os.Open(blockchainsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg BlockchainsConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.resolveRPCs(); err != nil {
		return nil, err
	}

	return cfg.enabled(), nil
}

// contractSlots pairs each contract's label with its address slot, so the
// same validation runs for all of them.
func contractSlots(addrs *ContractAddressesConfig) []struct {
	label string
	slot  *string
} {
	return []struct {
		label string
		slot  *string
	}{
		{"custody", &addrs.Custody},
		{"adjudicator", &addrs.Adjudicator},
		{"balance checker", &addrs.BalanceChecker},
	}
}

// applyDefaults validates the entries and fills missing contract addresses
// and block steps from the defaults, in place.
func (cfg *BlockchainsConfig) applyDefaults() error {
	defaults := cfg.DefaultContractAddresses
	for _, c := range contractSlots(&defaults) {
		if *c.slot != "" && !contractAddressRegex.MatchString(*c.slot) {
			return fmt.Errorf("invalid default %s contract address '%s'", c.label, *c.slot)
		}
	}

	for i := range cfg.Blockchains {
		bc := &cfg.Blockchains[i]
		if bc.Disabled {
			continue
		}

		if !blockchainNameRegex.MatchString(bc.Name) {
			return fmt.Errorf("invalid blockchain name '%s', should match snake_case format", bc.Name)
		}

		chainSlots := contractSlots(&bc.ContractAddresses)
		for j, c := range chainSlots {
			fallback := *contractSlots(&defaults)[j].slot
			switch {
			case *c.slot == "" && fallback == "":
				return fmt.Errorf("missing default and blockchain-specific %s contract address for blockchain '%s'", c.label, bc.Name)
			case *c.slot == "":
				*c.slot = fallback
			case !contractAddressRegex.MatchString(*c.slot):
				return fmt.Errorf("invalid %s contract address '%s' for blockchain '%s'", c.label, *c.slot, bc.Name)
			}
		}

		if bc.BlockStep == 0 {
			bc.BlockStep = defaultBlockStep
		}
	}

	return nil
}

// resolveRPCs reads <NAME>_BLOCKCHAIN_RPC for every enabled chain and
// verifies the endpoint reports the configured chain ID.
func (cfg *BlockchainsConfig) resolveRPCs() error {
	for i, bc := range cfg.Blockchains {
		if bc.Disabled {
			continue
		}

		blockchainRPC := os.Getenv(fmt.Sprintf("%s_BLOCKCHAIN_RPC", strings.ToUpper(bc.Name)))
		if blockchainRPC == "" {
			return fmt.Errorf("missing blockchain RPC for blockchain '%s'", bc.Name)
		}

		if err := checkChainId(blockchainRPC, bc.ID); err != nil {
			return fmt.Errorf("blockchain '%s' ChainID check failed: %w", bc.Name, err)
		}

		cfg.Blockchains[i].BlockchainRPC = blockchainRPC
	}

	return nil
}

func (cfg *BlockchainsConfig) enabled() map[uint32]BlockchainConfig {
	enabledBlockchains := make(map[uint32]BlockchainConfig)
	for _, bc := range cfg.Blockchains {
		if !bc.Disabled {
			enabledBlockchains[bc.ID] = bc
		}
	}
	return enabledBlockchains
}

// checkChainId dials the RPC endpoint and compares its chain ID with the
// configured one, catching copy-paste mistakes between networks.
func checkChainId(blockchainRPC string, expectedChainID uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkChainIdCallTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, blockchainRPC)
	if err != nil {
		return fmt.Errorf("failed to connect to blockchain RPC: %w", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID from blockchain RPC: %w", err)
	}

	if uint32(chainID.Uint64()) != expectedChainID {
		return fmt.Errorf("unexpected chain ID from blockchain RPC: got %d, want %d", chainID.Uint64(), expectedChainID)
	}

	return nil
}
