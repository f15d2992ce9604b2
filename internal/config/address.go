package config

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// chainParamsForNetwork selects the chaincfg.Params backing address
// validation. Unknown network names fall back to mainnet.
func chainParamsForNetwork(network string) *chaincfg.Params {
	switch network {
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// ValidateAddress decodes addr as a base58check address of the configured
// network, returning the decoded address on success. Mirrors
// original_source/powerpool/jobmanager.py's get_bcaddress_version check,
// but returns a typed ConfigError on failure instead of exiting the process.
func ValidateAddress(addr, network string) (btcutil.Address, error) {
	params := chainParamsForNetwork(network)
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, &ConfigError{Field: "address", Message: err.Error()}
	}
	if !decoded.IsForNet(params) {
		return nil, &ConfigError{Field: "address", Message: "address is not valid for configured network " + network}
	}
	return decoded, nil
}
