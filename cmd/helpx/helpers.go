package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	humanize "github.com/dustin/go-humanize"
	helpx "github.com/helpxchange/sdk/golang"
	jww "github.com/spf13/jwalterweatherman"
)

// getClient creates a client from the config file, with HELPX_* variables
// taking precedence. It exits when no token is available.
func getClient() (*helpx.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Auth.Token == "" && os.Getenv(helpx.EnvToken) == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'helpx init <token>' first.")
		os.Exit(1)
	}

	var opts []helpx.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, helpx.WithBaseURL(cfg.Default.BaseURL))
	}
	if store := openStore(cfg); store != nil {
		opts = append(opts, helpx.WithCache(store))
	}
	opts = append(opts, helpx.OptionsFromEnv()...)

	return helpx.NewClient(cfg.Auth.Token, opts...), cfg
}

// openStore opens the configured cache backend. Failures fall back to the
// in-memory cache.
func openStore(cfg *Config) helpx.Store {
	switch cfg.Default.CacheBackend {
	case cacheRedis:
		if cfg.Default.RedisURL == "" {
			jww.WARN.Println("cache_backend is redis but redis_url is empty; using memory")
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := helpx.NewRedisStore(ctx, cfg.Default.RedisURL, helpx.DefaultRedisTTL)
		if err != nil {
			jww.WARN.Printf("redis cache unavailable: %v", err)
			return nil
		}
		return store
	case cacheMemory:
		return nil
	default:
		dir := cfg.Default.CacheDir
		if dir == "" {
			base, err := configDir()
			if err != nil {
				jww.WARN.Printf("no cache dir: %v", err)
				return nil
			}
			dir = filepath.Join(base, "cache")
		}
		store, err := helpx.OpenPebbleStore(dir)
		if err != nil {
			jww.WARN.Printf("pebble cache unavailable: %v", err)
			return nil
		}
		return store
	}
}

// self returns the signed-in user as a message sender.
func self(cfg *Config) helpx.Sender {
	name := cfg.Auth.DisplayName
	if name == "" {
		name = cfg.Auth.UserID
	}
	return helpx.Sender{ID: cfg.Auth.UserID, DisplayName: name}
}

// formatMessage renders one message as a single terminal line.
func formatMessage(m helpx.Message, selfID string) string {
	who := m.Sender.DisplayName
	if m.Sender.ID == selfID {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", humanize.Time(m.CreatedAt), who, m.Text)
	for _, a := range m.Attachments {
		line += " " + a.String()
	}
	if m.Edited && !m.DeletedForEveryone {
		line += " (edited)"
	}
	if m.Pending {
		line += " (sending)"
	}
	return line
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
