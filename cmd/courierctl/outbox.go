package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/client"
)

func init() {
	outboxCmd.AddCommand(outboxStatsCmd, outboxDeadCmd, outboxRetryCmd, outboxDiscardCmd, outboxDrainCmd)
	rootCmd.AddCommand(outboxCmd, sendCmd, readCmd, editCmd, deleteCmd)

	sendCmd.Flags().String("from", "", "sender user id (required)")
	sendCmd.Flags().String("media", "", "media reference")
	sendCmd.Flags().Duration("ttl", 0, "expire the message after this long")
	sendCmd.Flags().String("op-id", "", "idempotency key; generated when empty")
	_ = sendCmd.MarkFlagRequired("from")
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage the outbox",
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pending and failed counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			st, err := c.OutboxStats(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(st)
			}
			fmt.Printf("Pending:    %s\n", humanize.Comma(int64(st.Pending)))
			fmt.Printf("Failed:     %s\n", humanize.Comma(int64(st.Failed)))
			fmt.Printf("Oldest:     %s\n", time.Duration(st.OldestAgeMs)*time.Millisecond)
			fmt.Printf("Last drain: %s\n", when(st.LastDrainAt))
			return nil
		})
	},
}

var outboxDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List entries that exhausted their retries or were rejected",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Dead(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			if len(resp.Entries) == 0 {
				fmt.Println("No dead entries.")
				return nil
			}
			for _, e := range resp.Entries {
				fmt.Printf("%-38s %-9s %-16s attempts=%d  %s\n", e.OpID, e.Kind, e.ChatID, e.Attempts, e.LastError)
			}
			return nil
		})
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <op-id>",
	Short: "Requeue a dead entry with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.Retry(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Requeued %s\n", args[0])
			return nil
		})
	},
}

var outboxDiscardCmd = &cobra.Command{
	Use:   "discard <op-id>",
	Short: "Delete a dead entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.Discard(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Discarded %s\n", args[0])
			return nil
		})
	},
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run a drain pass now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			res, err := c.Drain(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(res)
			}
			if res.Coalesced {
				fmt.Println("A drain was already running.")
				return nil
			}
			fmt.Printf("applied=%d retried=%d dead=%d skipped=%d quarantined=%d\n",
				res.Applied, res.Retried, res.Dead, res.Skipped, res.Quarantined)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <body>",
	Short: "Queue a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		media, _ := cmd.Flags().GetString("media")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		opID, _ := cmd.Flags().GetString("op-id")
		req := api.SendRequest{OpID: opID, ChatID: args[0], SenderID: from, Body: args[1], MediaRef: media}
		if ttl > 0 {
			req.ExpiresAt = time.Now().Add(ttl).UnixMilli()
		}
		return withClient(func(ctx context.Context, c *client.Client) error {
			return printEnqueued(c.Send(ctx, req))
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <chat-id> <message-id> <user-id>",
	Short: "Queue a read receipt",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			return printEnqueued(c.AckRead(ctx, api.ReadRequest{ChatID: args[0], MessageID: args[1], UserID: args[2]}))
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <chat-id> <message-id> <body>",
	Short: "Queue an edit",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			return printEnqueued(c.Edit(ctx, api.EditRequest{ChatID: args[0], MessageID: args[1], Body: args[2]}))
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <chat-id> <message-id>",
	Short: "Queue a delete",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			return printEnqueued(c.Delete(ctx, api.DeleteRequest{ChatID: args[0], MessageID: args[1]}))
		})
	},
}

func printEnqueued(resp *api.EnqueueResponse, err error) error {
	if err != nil {
		return err
	}
	if jsonFlag {
		return outputJSON(resp)
	}
	fmt.Printf("Queued %s", resp.OpID)
	if resp.MessageID != "" && resp.MessageID != resp.OpID {
		fmt.Printf(" (message %s)", resp.MessageID)
	}
	fmt.Println()
	return nil
}
