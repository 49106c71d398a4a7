package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration and fetch the live unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := settings()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Fprintf(out, "  Base URL:    %s\n", cfg.Default.BaseURL)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
		}
		fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Fprintf(out, "  User Name:   %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		unread, err := client.Conversations.UnreadCount(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Server:      %s\n", client.BaseURL())
		fmt.Fprintf(out, "  Unread:      %d\n", unread)
		return nil
	},
}
