package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initName    string
	initBaseURL string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user id")
	initCmd.Flags().StringVar(&initName, "name", "", "Display name shown on your messages")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Backend base URL")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store your token in ~/.helpx/config.toml",
	Long:  "Initialize the helpx CLI by storing your access token and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initName != "" {
			cfg.Auth.DisplayName = initName
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.CacheBackend == "" {
			cfg.Default.CacheBackend = cachePebble
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("Tip: set your user id with 'helpx config set auth.user_id <id>' so you can edit your own messages.")
		}
		return nil
	},
}
