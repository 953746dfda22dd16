package rpc

import (
	"fmt"
	"sort"
)

// Networks maps preset names to public RPC endpoints.
var Networks = map[string]string{
	"mainnet":  "https://rpc.mainnet.near.org",
	"testnet":  "https://rpc.testnet.near.org",
	"localnet": "http://127.0.0.1:3030",
}

// EndpointFor resolves a network preset name.
func EndpointFor(network string) (string, error) {
	if url, ok := Networks[network]; ok {
		return url, nil
	}
	names := make([]string, 0, len(Networks))
	for n := range Networks {
		names = append(names, n)
	}
	sort.Strings(names)
	return "", fmt.Errorf("unknown network %q (known: %v)", network, names)
}
