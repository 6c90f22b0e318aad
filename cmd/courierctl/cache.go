package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matheus3301/courier/internal/client"
)

func init() {
	rootCmd.AddCommand(reapCmd, syncCmd, chatsCmd, messagesCmd)
	messagesCmd.Flags().Int("limit", 50, "maximum messages to show")
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run an expiration sweep now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			res, err := c.Sweep(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(res)
			}
			if res.Coalesced {
				fmt.Println("A sweep was already running.")
				return nil
			}
			fmt.Printf("Scanned %s messages in %d chats; deleted %s (%d media), %d errors, took %s\n",
				humanize.Comma(int64(res.Scanned)), res.Chats, humanize.Comma(int64(res.Deleted)),
				res.BlobsDeleted, res.Errors, time.Duration(res.DurationMs)*time.Millisecond)
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh the local cache from the remote store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			res, err := c.Reconcile(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(res)
			}
			fmt.Printf("chats=%d upserted=%d dropped=%d errors=%d\n", res.Chats, res.Upserted, res.Dropped, res.Errors)
			return nil
		})
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List cached chats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.ListChats(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			for _, ch := range resp.Chats {
				kind := "direct"
				if ch.IsGroup {
					kind = "group"
				}
				fmt.Printf("%-24s %-6s %s\n", ch.ChatID, kind, strings.Join(ch.Members, ","))
			}
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "List cached messages of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.ListMessages(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			for _, m := range resp.Messages {
				fmt.Printf("%s  %-12s %-8s %s\n", when(m.CreatedAt), m.SenderID, m.Status, m.Body)
			}
			return nil
		})
	},
}
