package cache

import (
	"sort"

	"github.com/vx-labs/cache-mesh/discovery/peers"
	"github.com/vx-labs/cache-mesh/hash"
)

// ResponsibleFor computes the ordered set of remote peers that should hold a
// replica of key: walk the name-sorted peer list from hash(key) mod N,
// wrapping circularly, for min(replicationFactor, N) peers. With no known
// peers the set is empty and the local instance is implicitly sole owner.
//
// This is a deliberately simple scheme over the current peer list rather
// than a stable hash ring: a membership change reshuffles more keys than a
// ring would, and the engine self-heals through sync and redistribution.
func ResponsibleFor(key string, snapshot []peers.Peer, replicationFactor int) []peers.Peer {
	if len(snapshot) == 0 || replicationFactor <= 0 {
		return nil
	}
	sorted := make([]peers.Peer, len(snapshot))
	copy(sorted, snapshot)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	count := replicationFactor
	if count > len(sorted) {
		count = len(sorted)
	}
	start := int(hash.Sum32(key) % uint32(len(sorted)))
	set := make([]peers.Peer, 0, count)
	for i := 0; i < count; i++ {
		set = append(set, sorted[(start+i)%len(sorted)])
	}
	return set
}

// locallyResponsible reports whether the local instance should hold key,
// hashing over the sorted union of the peer names and the local name. With
// zero peers this is always true: everyone is responsible when alone.
func locallyResponsible(key, localName string, snapshot []peers.Peer, replicationFactor int) bool {
	names := make([]string, 0, len(snapshot)+1)
	names = append(names, localName)
	for _, p := range snapshot {
		names = append(names, p.Name)
	}
	sort.Strings(names)

	count := replicationFactor
	if count > len(names) {
		count = len(names)
	}
	start := int(hash.Sum32(key) % uint32(len(names)))
	for i := 0; i < count; i++ {
		if names[(start+i)%len(names)] == localName {
			return true
		}
	}
	return false
}
