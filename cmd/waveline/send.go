package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	waveline "github.com/waveline-im/waveline-go"
)

var sendKind string

func init() {
	sendCmd.Flags().StringVar(&sendKind, "kind", "text", "Message kind (text, code, image)")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(unreactCmd)
	rootCmd.AddCommand(deleteCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, body := args[0], args[1]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		receipt, err := client.PostMessage(ctx, conversationID, waveline.SendPayload{
			Body: body,
			Kind: waveline.MessageKind(sendKind),
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Sent %s at %s\n", receipt.ID, receipt.CreatedAt.Local().Format(time.RFC3339))
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <conversation-id> <message-id> <emoji>",
	Short: "Add a reaction to a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.AddReaction(ctx, args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("reaction failed: %w", err)
		}
		fmt.Println("Reaction added.")
		return nil
	},
}

var unreactCmd = &cobra.Command{
	Use:   "unreact <conversation-id> <message-id>",
	Short: "Remove your reaction from a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.RemoveReaction(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("reaction removal failed: %w", err)
		}
		fmt.Println("Reaction removed.")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.DeleteMessage(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Println("Message deleted.")
		return nil
	},
}
