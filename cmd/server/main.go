package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "vpn-outline",
		Short:        "Outline VPN reseller backend",
		SilenceUsage: true,
	}
	root.AddCommand(serveCommand(), migrateCommand(), sweepCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
