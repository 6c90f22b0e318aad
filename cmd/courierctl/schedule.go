package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/client"
)

func init() {
	scheduleCmd.AddCommand(scheduleAddCmd, scheduleCancelCmd, scheduleListCmd, scheduleGetCmd)
	rootCmd.AddCommand(scheduleCmd)

	f := scheduleAddCmd.Flags()
	f.String("from", "", "sender user id (required)")
	f.String("at", "", "first fire time: RFC3339 or +duration (required)")
	f.String("every", "", "recurrence: daily, weekly, monthly or yearly")
	f.String("template", "", "template id to use instead of a body")
	f.Bool("group", false, "the chat is a group chat")
	_ = scheduleAddCmd.MarkFlagRequired("from")
	_ = scheduleAddCmd.MarkFlagRequired("at")

	scheduleListCmd.Flags().String("chat", "", "only this chat")
	scheduleListCmd.Flags().String("status", "", "only this status (pending, fired, cancelled, failed)")
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled messages",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <chat-id> [body]",
	Short: "Schedule a message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		from, _ := f.GetString("from")
		at, _ := f.GetString("at")
		every, _ := f.GetString("every")
		tpl, _ := f.GetString("template")
		group, _ := f.GetBool("group")

		fireAt, err := parseFireTime(at, time.Now())
		if err != nil {
			return err
		}
		req := api.ScheduleRequest{
			ChatID:      args[0],
			IsGroupChat: group,
			SenderID:    from,
			TemplateID:  tpl,
			FirstFireAt: fireAt.UnixMilli(),
			Pattern:     every,
		}
		if len(args) == 2 {
			req.Body = args[1]
		}
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Schedule(ctx, req)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			fmt.Printf("Scheduled %s for %s\n", resp.ScheduleID, fireAt.Format(time.RFC3339))
			return nil
		})
	},
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <schedule-id>",
	Short: "Cancel a pending schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.CancelSchedule(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancelled %s\n", args[0])
			return nil
		})
	},
}

var scheduleGetCmd = &cobra.Command{
	Use:   "get <schedule-id>",
	Short: "Show one schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			s, err := c.GetSchedule(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(s)
			}
			printSchedule(*s)
			return nil
		})
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		chat, _ := cmd.Flags().GetString("chat")
		status, _ := cmd.Flags().GetString("status")
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.ListSchedules(ctx, api.ListSchedulesRequest{ChatID: chat, Status: status})
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			if len(resp.Schedules) == 0 {
				fmt.Println("No schedules.")
				return nil
			}
			for _, s := range resp.Schedules {
				printSchedule(s)
			}
			return nil
		})
	},
}

func printSchedule(s api.ScheduledMessage) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = "once"
	}
	line := fmt.Sprintf("%-36s %-9s %-8s %-16s next %s  fired %d", s.ScheduleID, s.Status, pattern, s.ChatID, when(s.NextFireAt), s.FireCount)
	if s.FailReason != "" {
		line += "  (" + s.FailReason + ")"
	}
	fmt.Println(line)
}

// parseFireTime accepts RFC3339 timestamps and "+90m"-style offsets from now.
func parseFireTime(v string, now time.Time) (time.Time, error) {
	if rest, ok := strings.CutPrefix(v, "+"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid offset %q: %w", v, err)
		}
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or +duration", v)
	}
	return t, nil
}
