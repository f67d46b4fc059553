package hash

const (
	offset32 = 2166136261
	prime32  = 16777619
)

// Sum32 hashes s with FNV-1a. Both the tenant to multicast-group mapping and
// the key to partition mapping rely on it being deterministic across
// instances and Go versions, which rules out the runtime's randomized map
// hash and anything seeded per process.
func Sum32(s string) uint32 {
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
