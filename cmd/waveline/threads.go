package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	threadsUnread bool
	threadsJSON   bool
)

func init() {
	threadsCmd.Flags().BoolVar(&threadsUnread, "unread", false, "Show only threads with unread messages")
	threadsCmd.Flags().BoolVar(&threadsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(threadsCmd)
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List conversation threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		threads, err := client.ListThreads(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if threadsJSON {
			data, err := json.MarshalIndent(threads, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		shown := 0
		for _, t := range threads {
			if threadsUnread && t.UnreadCount == 0 {
				continue
			}
			shown++
			unread := ""
			if t.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", t.UnreadCount)
			}
			when := ""
			if t.LastAt != nil {
				when = formatRelative(*t.LastAt)
			}
			fmt.Printf("  %-24s %-10s %s%s\n", t.Title, when, t.LastBody, unread)
			fmt.Printf("    id: %s\n", t.ID)
		}
		if shown == 0 {
			fmt.Println("No threads found.")
		}
		return nil
	},
}
