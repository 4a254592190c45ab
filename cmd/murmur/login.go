package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	murmur "github.com/murmur-chat/murmur/sdk/golang"
	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (default: $MURMUR_PASSWORD, else prompt)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the access token",
	Long:  "Sign in with email and password and store the returned access token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		password := loginPassword
		if password == "" {
			password = os.Getenv("MURMUR_PASSWORD")
		}
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("no password given")
			}
			password = strings.TrimRight(line, "\r\n")
		}

		client := getClient()
		client.SetAccessToken("")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		token, err := client.SignInWithPassword(ctx, email, password)
		if err != nil {
			if errors.Is(err, murmur.ErrUnauthenticated) {
				return fmt.Errorf("sign in failed: invalid email or password")
			}
			return fmt.Errorf("sign in request failed: %w", err)
		}

		cfg.Auth.AccessToken = token.AccessToken
		cfg.Auth.RefreshToken = token.RefreshToken
		cfg.Auth.Email = email
		cfg.Auth.TokenExpires = token.Expiry().UTC().Format(time.RFC3339)
		if token.User != nil {
			cfg.Auth.UserID = token.User.ID
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Signed in.")
		fmt.Printf("  User ID:       %s\n", cfg.Auth.UserID)
		fmt.Printf("  Token expires: %s\n", cfg.Auth.TokenExpires)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
