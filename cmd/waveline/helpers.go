package main

import (
	"fmt"
	"os"
	"time"

	waveline "github.com/waveline-im/waveline-go"
)

// newClient builds a client from a config without requiring a token, for
// commands that validate credentials themselves.
func newClient(cfg *Config) *waveline.Client {
	var opts []waveline.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, waveline.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, waveline.WithEnvironment(waveline.Environment(cfg.Default.Environment)))
	}
	return waveline.NewClient(cfg.Auth.Token, opts...)
}

// getClient creates an authenticated Waveline client or exits.
func getClient() *waveline.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No access token. Run 'waveline init <token>' first.")
		os.Exit(1)
	}
	return newClient(cfg)
}

// transportFromConfig maps the configured transport name, defaulting to
// websocket.
func transportFromConfig() waveline.FeedTransport {
	cfg, err := loadConfig()
	if err != nil || cfg.Default.Transport != "sse" {
		return waveline.TransportWebSocket
	}
	return waveline.TransportSSE
}

// formatRelative renders a timestamp the way the thread list shows it:
// "just now", "5m", "3h", "2d", then the date.
func formatRelative(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// renderMessage prints one message line, marking pending and failed sends.
func renderMessage(m *waveline.Message, selfID string) {
	sender := m.SenderID
	if m.SenderID == selfID {
		sender = "you"
	}
	mark := ""
	switch m.Status {
	case waveline.StatusPending:
		mark = " …"
	case waveline.StatusFailed:
		mark = " ✗ (failed)"
	}
	body := m.Body
	if m.Deleted {
		body = "(deleted)"
	}
	fmt.Printf("  [%s] %s: %s%s\n", m.EffectiveTime().Local().Format("15:04"), sender, body, mark)
}

// renderSections prints a view grouped by day with date separators.
func renderSections(msgs []*waveline.Message, selfID string) {
	for _, sec := range waveline.ProjectSections(msgs) {
		fmt.Printf("-- %s --\n", sec.Date.Format("Mon, Jan 2 2006"))
		for _, m := range sec.Items {
			renderMessage(m, selfID)
		}
	}
}
