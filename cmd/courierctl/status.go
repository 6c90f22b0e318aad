package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/client"
	"github.com/matheus3301/courier/internal/profile"
)

func init() {
	rootCmd.AddCommand(statusCmd, watchCmd, quarantineCmd)
	watchCmd.Flags().String("prefix", "", "only events whose kind starts with this prefix")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and outbox health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(st)
			}
			fmt.Printf("Profile:    %s\n", st.Profile)
			fmt.Printf("State:      %s (since %s)\n", st.State, when(st.SinceMs))
			fmt.Printf("Uptime:     %s\n", time.Duration(st.UptimeMs)*time.Millisecond)
			fmt.Printf("Pending:    %s\n", humanize.Comma(int64(st.Outbox.Pending)))
			fmt.Printf("Failed:     %s\n", humanize.Comma(int64(st.Outbox.Failed)))
			if st.Outbox.Pending > 0 {
				fmt.Printf("Oldest:     %s\n", time.Duration(st.Outbox.OldestAgeMs)*time.Millisecond)
			}
			fmt.Printf("Last drain: %s\n", when(st.Outbox.LastDrainAt))
			fmt.Printf("Last sync:  %s\n", when(st.LastSyncAt))
			fmt.Printf("Last sweep: %s\n", when(st.LastSweepAt))
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		c, err := client.New(profile.SocketPath(profile.Resolve(profileFlag)))
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err = c.WatchEvents(ctx, prefix, func(evt api.Event) error {
			if jsonFlag {
				return outputJSON(evt)
			}
			fmt.Printf("%s  %-20s %v\n", time.UnixMilli(evt.OccurredAt).Format(time.TimeOnly), evt.Kind, evt.Payload)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "List records set aside because they could not be read",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Quarantine(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			if len(resp.Records) == 0 {
				fmt.Println("Nothing quarantined.")
				return nil
			}
			for _, r := range resp.Records {
				fmt.Printf("%-8s %-38s %-14s %s\n", r.Source, r.RecordID, when(r.QuarantinedAt), r.Reason)
			}
			return nil
		})
	},
}

// when renders a unix-ms timestamp relative to now.
func when(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	return humanize.Time(time.UnixMilli(ms))
}
