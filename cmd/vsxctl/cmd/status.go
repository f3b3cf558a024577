package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vizstack/vsxd/internal/vsxclient"
)

var statusCmd = &cobra.Command{
	Use:   "status <server-number>",
	Short: "Show the tracked state of a single display server instance",
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "status takes exactly one argument: the display server number")
		os.Exit(1)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid server number %q\n", args[0])
		os.Exit(1)
	}

	client := vsxclient.New(socketPath)
	defer client.Close()

	rec, err := client.Status(n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf(" - Display:     %s\n", rec.Identity.Key())
	fmt.Printf(" - PID:         %d\n", rec.PID)
	fmt.Printf(" - State:       %s\n", rec.State)
	fmt.Printf(" - Owner:       %d\n", rec.Owner)
	fmt.Printf(" - Server type: %s\n", rec.ServerType)
	fmt.Printf(" - Started at:  %s\n", rec.StartedAt.Format("2006-01-02 15:04:05"))
	if rec.Stale {
		fmt.Println(" - Stale:       yes (marker file removed outside of normal teardown)")
	}
}
