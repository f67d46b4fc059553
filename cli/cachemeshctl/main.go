package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cachecobra "github.com/vx-labs/cache-mesh/cache/cobra"
)

func main() {
	config := viper.New()
	root := &cobra.Command{
		Use:   "cachemeshctl",
		Short: "Operate a cachemesh instance",
	}
	root.AddCommand(cachecobra.Cache(config))
	root.Execute()
}
