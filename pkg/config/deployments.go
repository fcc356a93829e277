package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"

	"github.com/speedrun-hq/speedrun-settlement/pkg/blockchain"
)

// deploymentsFile is the TOML layout of the deployments file:
//
//	[[domain]]
//	name = "origin"
//	chain_id = 1
//	store = "data/origin.db"
//	escrow = "0x..."
//	settler = "0x..."
//	permit = "0x..."
//	oracle = "0x..."
//	relayers = ["0x..."]
type deploymentsFile struct {
	Domains []domainEntry `toml:"domain"`
}

type domainEntry struct {
	Name     string   `toml:"name"`
	ChainID  int      `toml:"chain_id"`
	Store    string   `toml:"store"`
	Escrow   string   `toml:"escrow"`
	Settler  string   `toml:"settler"`
	Permit   string   `toml:"permit"`
	Oracle   string   `toml:"oracle"`
	Relayers []string `toml:"relayers"`
}

// LoadDeployments reads the deployments file at path
func LoadDeployments(path string) ([]blockchain.DeploymentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployments file %s: %w", path, err)
	}
	return ParseDeployments(data)
}

// ParseDeployments decodes a deployments document
func ParseDeployments(data []byte) ([]blockchain.DeploymentConfig, error) {
	var file deploymentsFile
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode deployments: %w", err)
	}

	seen := make(map[int]bool, len(file.Domains))
	configs := make([]blockchain.DeploymentConfig, 0, len(file.Domains))
	for i, entry := range file.Domains {
		if entry.ChainID <= 0 {
			return nil, fmt.Errorf("domain %d: chain_id must be greater than 0", i)
		}
		if seen[entry.ChainID] {
			return nil, fmt.Errorf("domain %d: duplicate chain_id %d", i, entry.ChainID)
		}
		seen[entry.ChainID] = true

		cfg := blockchain.DeploymentConfig{
			Name:      entry.Name,
			ChainID:   entry.ChainID,
			StorePath: entry.Store,
		}
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("domain-%d", entry.ChainID)
		}

		fields := []struct {
			key   string
			value string
			dst   *common.Address
		}{
			{"escrow", entry.Escrow, &cfg.Escrow},
			{"settler", entry.Settler, &cfg.Settler},
			{"permit", entry.Permit, &cfg.Permit},
			{"oracle", entry.Oracle, &cfg.Oracle},
		}
		for _, f := range fields {
			addr, err := parseAddress(f.value)
			if err != nil {
				return nil, fmt.Errorf("domain %d: %s: %w", entry.ChainID, f.key, err)
			}
			*f.dst = addr
		}

		for _, relayer := range entry.Relayers {
			if !common.IsHexAddress(relayer) {
				return nil, fmt.Errorf("domain %d: invalid relayer address %q", entry.ChainID, relayer)
			}
			cfg.Relayers = append(cfg.Relayers, common.HexToAddress(relayer))
		}
		if cfg.Escrow != (common.Address{}) && cfg.Oracle == (common.Address{}) {
			return nil, fmt.Errorf("domain %d: an escrow requires an oracle", entry.ChainID)
		}

		configs = append(configs, cfg)
	}
	return configs, nil
}

// parseAddress accepts an empty string as the zero address
func parseAddress(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
