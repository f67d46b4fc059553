package network

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vx-labs/cache-mesh/identity"
)

// Configuration holds the bind and advertised coordinates of one listener.
// When the advertised side is left empty it falls back to the bind side,
// with the host resolved from the first usable local interface.
type Configuration struct {
	BindAddress       string
	BindPort          int
	AdvertisedAddress string
	AdvertisedPort    int
}

func bindAddressFlagName(name string) string {
	return fmt.Sprintf("%s-bind-address", name)
}
func bindPortFlagName(name string) string {
	return fmt.Sprintf("%s-bind-port", name)
}
func advertisedAddressFlagName(name string) string {
	return fmt.Sprintf("%s-advertised-address", name)
}
func advertisedPortFlagName(name string) string {
	return fmt.Sprintf("%s-advertised-port", name)
}

func RegisterFlagsForService(root *cobra.Command, name string, defaultPort int) {
	root.Flags().String(bindAddressFlagName(name), "0.0.0.0", fmt.Sprintf("bind address for the %s listener", name))
	root.Flags().Int(bindPortFlagName(name), defaultPort, fmt.Sprintf("bind port for the %s listener", name))
	root.Flags().String(advertisedAddressFlagName(name), "", fmt.Sprintf("address advertised to peers for the %s listener", name))
	root.Flags().Int(advertisedPortFlagName(name), 0, fmt.Sprintf("port advertised to peers for the %s listener", name))
	viper.BindPFlag(bindAddressFlagName(name), root.Flags().Lookup(bindAddressFlagName(name)))
	viper.BindPFlag(bindPortFlagName(name), root.Flags().Lookup(bindPortFlagName(name)))
	viper.BindPFlag(advertisedAddressFlagName(name), root.Flags().Lookup(advertisedAddressFlagName(name)))
	viper.BindPFlag(advertisedPortFlagName(name), root.Flags().Lookup(advertisedPortFlagName(name)))
}

func ConfigurationFromFlags(name string) Configuration {
	config := Configuration{
		BindAddress:       viper.GetString(bindAddressFlagName(name)),
		BindPort:          viper.GetInt(bindPortFlagName(name)),
		AdvertisedAddress: viper.GetString(advertisedAddressFlagName(name)),
		AdvertisedPort:    viper.GetInt(advertisedPortFlagName(name)),
	}
	if config.AdvertisedPort == 0 {
		config.AdvertisedPort = config.BindPort
	}
	if config.AdvertisedAddress == "" {
		host, err := identity.LocalHost()
		if err == nil {
			config.AdvertisedAddress = host
		} else {
			config.AdvertisedAddress = config.BindAddress
		}
	}
	return config
}
