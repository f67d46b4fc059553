package identity

import (
	"net"

	"github.com/pkg/errors"
)

var ErrNoInterfaceFound = errors.New("could not find a valid network interface")

func localPrivateNet() (*net.IPNet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list network interfaces")
	}
	for _, v := range ifaces {
		if v.Flags&net.FlagLoopback == net.FlagLoopback || v.Flags&net.FlagUp != net.FlagUp {
			continue
		}
		if len(v.HardwareAddr.String()) == 0 {
			continue
		}
		addresses, _ := v.Addrs()
		for _, ip := range addresses {
			if ipnet, ok := ip.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					return ipnet, nil
				}
			}
		}
	}
	return nil, ErrNoInterfaceFound
}

// LocalHost returns the IPv4 address of the first non-loopback interface
// that is up. This is the address announced to the rest of the tenant group.
func LocalHost() (string, error) {
	ipnet, err := localPrivateNet()
	if err != nil {
		return "", err
	}
	return ipnet.IP.String(), nil
}

// SubnetBroadcast returns the directed broadcast address of the local
// subnet, used as the compatibility fallback for discovery announcements.
func SubnetBroadcast() (net.IP, error) {
	ipnet, err := localPrivateNet()
	if err != nil {
		return nil, err
	}
	return broadcastAddress(ipnet), nil
}

func broadcastAddress(ipnet *net.IPNet) net.IP {
	ip := ipnet.IP.To4()
	mask := ipnet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	out := make(net.IP, net.IPv4len)
	for i := 0; i < net.IPv4len; i++ {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}
