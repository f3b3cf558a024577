package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vizstack/vsxd/internal/vsxclient"
)

// Version is the vsxctl build version, set by the release tooling the same
// way ferry.Version is a compile-time constant for ferryctl.
const Version = "0.0.1"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the vsxctl version and probe the Status API",
	Run:   runVersion,
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("vsxctl %s\n\nCopyright © Vizstack contributors\n", Version)
	fmt.Printf("Licensed under the Apache License, Version 2.0\n\n")

	client := vsxclient.New(socketPath)
	defer client.Close()

	recs, err := client.List()
	if err != nil {
		log.WithFields(log.Fields{
			"socket": socketPath,
			"error":  err,
		}).Error("Cannot reach vsxd Status API")
		return
	}
	fmt.Printf("vsxd Status API: reachable, tracking %d instance(s)\n", len(recs))
}
