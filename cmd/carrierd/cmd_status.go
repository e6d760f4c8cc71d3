package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/carrier/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Long:  `Query the running carrierd endpoint and display connected peer channels, their settled path category, and open stream counts.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is carrierd running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "Identity:  %s\n", status.Identity)
	if status.Shadow != "" {
		fmt.Fprintf(os.Stdout, "Shadow:    %s\n", status.Shadow)
	}
	fmt.Fprintf(os.Stdout, "Uptime:    %s\n", formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Fprintf(os.Stdout, "Channels:  %d\n", len(status.Channels))
	fmt.Println()

	if len(status.Channels) == 0 {
		fmt.Println("No channels established.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tROUTE\tSTATE\tCATEGORY\tADDRESS\tSTREAMS")
	for _, c := range status.Channels {
		state := "discovering"
		addr := "-"
		category := "-"
		if c.Established {
			state = "established"
			addr = c.ChosenAddr
			category = c.Category
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			c.Identity, c.Route, state, category, addr, c.Streams)
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like
// "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
