package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store access token in ~/.waveline/config.toml",
	Long:  "Initialize the Waveline CLI by storing your access token and resolving your identity.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}
		cfg.Auth.UserID = me.ID
		cfg.Auth.Username = me.Username

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s. Token saved to %s\n", me.Username, path)
		return nil
	},
}
