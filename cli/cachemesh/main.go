package main

import (
	"github.com/spf13/cobra"

	"github.com/vx-labs/cache-mesh/cli"
)

func main() {
	root := &cobra.Command{
		Use:   "cachemesh",
		Short: "Self-organizing replicated in-memory key-value store",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cli.Bootstrap(cmd)
			ctx.Run()
		},
	}
	cli.AddFlags(root)
	root.Execute()
}
