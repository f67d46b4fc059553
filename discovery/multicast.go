package discovery

import (
	"net"

	"github.com/vx-labs/cache-mesh/hash"
)

// GroupAddress maps a tenant name onto an organization-local multicast group
// by folding a hash of the name into the low two octets of 239.255.0.0. The
// same tenant always lands on the same group; two tenants colliding is
// harmless because every datagram carries the tenant name and is filtered
// on receipt.
func GroupAddress(tenant string) net.IP {
	sum := hash.Sum32(tenant)
	return net.IPv4(239, 255, byte(sum>>8), byte(sum))
}
