package identity

import "fmt"

// Identity describes how this instance presents itself to the rest of the
// tenant group: a unique name, and the address peers use to reach its
// service port.
type Identity interface {
	Name() string
	ServiceAddress() Address
}

// Address represents a host and port combinaison
type Address interface {
	Port() int
	Host() string
	String() string
}

type identity struct {
	name    string
	service *address
}

func (i identity) Name() string {
	return i.name
}
func (i identity) ServiceAddress() Address {
	return i.service
}

type address struct {
	port    int
	host    string
	address string
}

func (a *address) String() string {
	if a.address == "" {
		a.address = fmt.Sprintf("%s:%d", a.host, a.port)
	}
	return a.address
}
func (a *address) Host() string {
	return a.host
}
func (a *address) Port() int {
	return a.port
}

// Static builds an identity advertising the given host and port.
func Static(name, host string, port int) Identity {
	return &identity{
		name: name,
		service: &address{
			host: host,
			port: port,
		},
	}
}
