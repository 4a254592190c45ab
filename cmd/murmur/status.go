package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	murmur "github.com/murmur-chat/murmur/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check if the access token is expired, and resolve the live session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  URL:         %s\n", valueOrDefault(cfg.Default.URL, "(not set)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Email:       %s\n", valueOrDefault(cfg.Auth.Email, "(not signed in)"))
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		}

		tokenStatus := "none"
		if cfg.Auth.AccessToken != "" {
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				}
			} else {
				tokenStatus = "present (no expiry set)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if cfg.Default.URL != "" && cfg.Default.APIKey != "" && cfg.Auth.AccessToken != "" {
			fmt.Println()
			fmt.Println("Live status:")

			client := getClient()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			session, err := client.EstablishSession(ctx)
			if err != nil {
				if errors.Is(err, murmur.ErrUnauthenticated) {
					fmt.Println("  Session rejected; run 'murmur login <email>'.")
				} else {
					fmt.Printf("  Error resolving session: %v\n", err)
				}
				return nil
			}
			fmt.Printf("  User ID:     %s\n", session.UserID)
			if session.HasProfile() {
				fmt.Printf("  Username:    %s\n", session.Username)
				fmt.Printf("  Profile ID:  %d\n", session.ProfileID)
			} else {
				fmt.Println("  Profile:     (none)")
			}
		}

		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
