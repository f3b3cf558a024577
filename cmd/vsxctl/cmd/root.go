package cmd

import (
	"github.com/spf13/cobra"

	"github.com/vizstack/vsxd/internal/statusapi"
)

// RootCmd is the main entry point into vsxctl.
var RootCmd = &cobra.Command{
	Use:   "vsxctl",
	Short: "vsxctl queries the vsxd Status API",
}

var socketPath string

func init() {
	RootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", statusapi.DefaultSocketPath,
		"Set the socket path to talk to vsxd's Status API")

	RootCmd.AddCommand(listCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(versionCmd)
}
