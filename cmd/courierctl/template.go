package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/client"
)

func init() {
	templateCmd.AddCommand(templateAddCmd, templateListCmd, templateUpdateCmd, templateRmCmd)
	rootCmd.AddCommand(templateCmd)
}

var templateCmd = &cobra.Command{
	Use:     "template",
	Aliases: []string{"templates"},
	Short:   "Manage message templates",
}

var templateAddCmd = &cobra.Command{
	Use:   "add <owner-id> <name> <body>",
	Short: "Create a template",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			t, err := c.CreateTemplate(ctx, api.CreateTemplateRequest{OwnerID: args[0], Name: args[1], Body: args[2]})
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(t)
			}
			fmt.Printf("Created %s (%s)\n", t.TemplateID, t.Name)
			return nil
		})
	},
}

var templateListCmd = &cobra.Command{
	Use:   "list <owner-id>",
	Short: "List an owner's templates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.ListTemplates(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			if len(resp.Templates) == 0 {
				fmt.Println("No templates.")
				return nil
			}
			for _, t := range resp.Templates {
				fmt.Printf("%-36s %-20s %s\n", t.TemplateID, t.Name, t.Body)
			}
			return nil
		})
	},
}

var templateUpdateCmd = &cobra.Command{
	Use:   "update <template-id> <name> <body>",
	Short: "Rename or rewrite a template",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.UpdateTemplate(ctx, api.UpdateTemplateRequest{TemplateID: args[0], Name: args[1], Body: args[2]}); err != nil {
				return err
			}
			fmt.Printf("Updated %s\n", args[0])
			return nil
		})
	},
}

var templateRmCmd = &cobra.Command{
	Use:     "rm <template-id>",
	Aliases: []string{"delete"},
	Short:   "Delete a template",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.DeleteTemplate(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		})
	},
}
