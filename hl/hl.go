package hl

import (
	"fmt"

	"github.com/sonirico/go-hyperliquid"
)

// Network selects which Hyperliquid deployment to talk to.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// BaseURL maps the network to the SDK's API URL.
func (n Network) BaseURL() (string, error) {
	switch n {
	case NetworkMainnet:
		return hyperliquid.MainnetAPIURL, nil
	case NetworkTestnet:
		return hyperliquid.TestnetAPIURL, nil
	default:
		return "", fmt.Errorf("unknown network %q", n)
	}
}

// ClientConfig selects the API endpoint. BaseURL overrides Network when set,
// which is how tests point clients at a local mock exchange.
type ClientConfig struct {
	Network Network
	BaseURL string
}

// ResolveBaseURL returns the effective API base URL for the config.
func (c ClientConfig) ResolveBaseURL() (string, error) {
	if c.BaseURL != "" {
		return c.BaseURL, nil
	}
	network := c.Network
	if network == "" {
		network = NetworkMainnet
	}
	return network.BaseURL()
}
