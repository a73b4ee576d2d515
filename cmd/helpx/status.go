package main

import (
	"context"
	"fmt"
	"os"
	"time"

	helpx "github.com/helpxchange/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration, then check the REST API and the live channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(os.Getenv(helpx.EnvBaseURL), valueOrDefault(cfg.Default.BaseURL, helpx.DefaultBaseURL+" (default)")))
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Default.CacheBackend, cachePebble+" (default)"))
		if cfg.Default.CacheBackend == cacheRedis {
			fmt.Printf("  Redis URL:   %s\n", valueOrDefault(cfg.Default.RedisURL, "(not set)"))
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Name:        %s\n", valueOrDefault(cfg.Auth.DisplayName, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client, _ := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		convs, err := client.Conversations().List(ctx)
		if err != nil {
			fmt.Printf("  REST:          error: %v\n", err)
		} else {
			fmt.Printf("  REST:          ok (%s)\n", time.Since(start).Round(time.Millisecond))
			fmt.Printf("  Conversations: %d\n", len(convs))
		}

		ch := client.Channel()
		if err := ch.Connect(ctx); err != nil {
			fmt.Printf("  Live channel:  error: %v\n", err)
			return nil
		}
		fmt.Printf("  Live channel:  %s (%s)\n", ch.State(), ch.URL())
		return nil
	},
}
