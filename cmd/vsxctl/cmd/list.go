package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vizstack/vsxd/internal/vsxclient"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every display server instance currently tracked on this host",
	Run:   runList,
}

func runList(cmd *cobra.Command, args []string) {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "list takes no arguments")
		os.Exit(1)
	}

	client := vsxclient.New(socketPath)
	defer client.Close()

	recs, err := client.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Println("No display servers are currently tracked on this host.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Display", "PID", "State", "Owner", "Type", "Stale"})
	table.SetBorder(false)
	for _, rec := range recs {
		stale := ""
		if rec.Stale {
			stale = "yes"
		}
		table.Append([]string{
			rec.Identity.Key(),
			fmt.Sprintf("%d", rec.PID),
			rec.State,
			fmt.Sprintf("%d", rec.Owner),
			rec.ServerType,
			stale,
		})
	}
	table.Render()
}
