package policy

import "fmt"

// Policy selects the cache-consistency strategy for a single operation.
type Policy string

const (
	// NetworkOnly always calls the network and writes the result to the
	// cache. The cache is never read.
	NetworkOnly Policy = "network-only"
	// CacheFirst returns an unexpired cached value without a network
	// call; on a miss it fetches, caches and returns.
	CacheFirst Policy = "cache-first"
	// CacheOnly returns the cached value or fails with a cache-miss
	// error. The network is never called.
	CacheOnly Policy = "cache-only"
	// NetworkFirst calls the network and falls back to the cache only
	// when the call fails.
	NetworkFirst Policy = "network-first"
	// CacheAndNetwork returns the cached value immediately and refreshes
	// the cache from the network in the background (stale-while-
	// revalidate). On a miss it behaves as NetworkOnly.
	CacheAndNetwork Policy = "cache-and-network"
	// MergeNetworkAndCache shallow-merges cached and network payloads,
	// network values winning on key collision, and caches the merged
	// result. Favors completeness when partial responses are cached
	// independently.
	MergeNetworkAndCache Policy = "merge-network-and-cache"
)

// ParsePolicy converts a policy name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case NetworkOnly, CacheFirst, CacheOnly, NetworkFirst, CacheAndNetwork, MergeNetworkAndCache:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown cache policy %q", s)
	}
}
