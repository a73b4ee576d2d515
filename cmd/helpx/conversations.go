package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	humanize "github.com/dustin/go-humanize"
	helpx "github.com/helpxchange/sdk/golang"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	conversationsJSON bool

	// history
	historyJSON  bool
	historyLimit int
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List your private conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Conversations().List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			b, _ := json.MarshalIndent(convs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations yet. Start one with 'helpx conversations start <user-id>'.")
			return nil
		}
		for _, c := range convs {
			peer := c.Peer(cfg.Auth.UserID)
			last := ""
			if c.LastMessage != nil {
				last = fmt.Sprintf("  %s (%s)", c.LastMessage.Text, humanize.Time(c.LastMessage.CreatedAt))
			}
			fmt.Printf("%s  %s%s\n", c.ID, valueOrDefault(peer.DisplayName, peer.ID), last)
		}
		return nil
	},
}

var conversationsStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Start (or reopen) a conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conv, err := client.Conversations().Start(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s. Open it with 'helpx chat dm %s'.\n", conv.ID, conv.ID)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:       "history <post|dm|group> <id>",
	Short:     "Print the message history of a chat",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"post", "dm", "group"},
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, err := surfaceFor(args[0])
		if err != nil {
			return err
		}
		client, cfg := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Backend(surface).History(ctx, args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		msgs = helpx.Merge(nil, msgs)
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if historyJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, cfg.Auth.UserID))
		}
		return nil
	},
}

// surfaceFor maps a CLI surface name.
func surfaceFor(name string) (helpx.Surface, error) {
	switch name {
	case "post":
		return helpx.PostSurface, nil
	case "dm", "private":
		return helpx.PrivateSurface, nil
	case "group":
		return helpx.GroupSurface, nil
	}
	return helpx.Surface{}, fmt.Errorf("unknown chat kind %q (valid: post, dm, group)", name)
}

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsStartCmd)
	rootCmd.AddCommand(historyCmd)

	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last n messages")
}
