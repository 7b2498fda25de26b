package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	serve := newServeCommand(&configPath)
	root := &cobra.Command{
		Use:          "shellbox",
		Short:        "Secure command execution sandbox served over MCP",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: config.yaml in . or ./config)")

	root.AddCommand(serve, newAuditCommand(&configPath))
	return root
}
