package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	waveline "github.com/waveline-im/waveline-go"
)

var chatTransport string

func init() {
	chatCmd.Flags().StringVar(&chatTransport, "transport", "", "Feed transport (websocket or sse)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a live chat session",
	Long: "Open a conversation with a live change feed. Type to send; lines are\n" +
		"sent optimistically and confirmed in place.\n\n" +
		"Commands: /older loads an earlier page, /retry <temp-id> retries a\n" +
		"failed send, /quit exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		transport := transportFromConfig()
		switch chatTransport {
		case "sse":
			transport = waveline.TransportSSE
		case "websocket":
			transport = waveline.TransportWebSocket
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		session, err := client.OpenConversation(ctx, conversationID, &waveline.SessionOptions{
			Transport: transport,
		})
		if err != nil {
			return fmt.Errorf("open conversation failed: %w", err)
		}
		defer session.Close()

		selfID := session.Self().ID

		// The feed delivers on its own goroutine, the composer runs on ours.
		var mu sync.Mutex
		printed := make(map[string]bool)

		session.OnViewChanged(func() {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range session.OrderedView() {
				if printed[m.ID] {
					continue
				}
				printed[m.ID] = true
				renderMessage(m, selfID)
			}
		})
		session.OnPresenceChanged(func(rec *waveline.PresenceRecord) {
			peers := rec.TypingPeers(selfID)
			if len(peers) > 0 {
				fmt.Printf("  * %s typing…\n", strings.Join(peers, ", "))
			}
		})
		session.OnFeedStateChanged(func(state waveline.FeedState) {
			switch state {
			case waveline.FeedReconnecting:
				fmt.Println("  [connection lost, reconnecting…]")
			case waveline.FeedConnected:
				fmt.Println("  [connected]")
			}
		})

		fmt.Printf("Connected to %s as %s. /quit to exit.\n", conversationID, session.Self().Username)

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				switch {
				case line == "":
					continue
				case line == "/quit":
					stop()
					return nil
				case line == "/older":
					loadCtx, cancel := context.WithTimeout(gctx, 15*time.Second)
					n, err := session.LoadOlder(loadCtx)
					cancel()
					if err != nil {
						fmt.Printf("  [load older failed: %v]\n", err)
						continue
					}
					fmt.Printf("  [loaded %d older messages]\n", n)
				case strings.HasPrefix(line, "/retry "):
					tempID := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
					if err := session.Retry(tempID); err != nil {
						fmt.Printf("  [retry failed: %v]\n", err)
					}
				default:
					session.SetTyping(true)
					if _, err := session.Send(waveline.SendPayload{Body: line}); err != nil {
						fmt.Printf("  [send failed: %v]\n", err)
					}
				}
			}
			return scanner.Err()
		})

		g.Go(func() error {
			<-gctx.Done()
			return nil
		})

		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}
