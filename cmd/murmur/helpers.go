package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	murmur "github.com/murmur-chat/murmur/sdk/golang"
)

// getClient creates a client for the configured project, signed in if a token is stored.
func getClient() *murmur.Client {
	cfg, err := effectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.URL == "" || cfg.Default.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No project configured. Run 'murmur init <url> <api-key>' first.")
		os.Exit(1)
	}

	opts := []murmur.ClientOption{murmur.WithLogger(slog.Default())}
	if cfg.Auth.AccessToken != "" {
		opts = append(opts, murmur.WithAccessToken(cfg.Auth.AccessToken))
	}
	return murmur.NewClient(cfg.Default.URL, cfg.Default.APIKey, opts...)
}

// getSession resolves the signed-in user or exits with a login hint.
func getSession(ctx context.Context, client *murmur.Client) *murmur.Session {
	session, err := client.EstablishSession(ctx)
	if err != nil {
		if errors.Is(err, murmur.ErrUnauthenticated) {
			fmt.Fprintln(os.Stderr, "Not signed in or session expired. Run 'murmur login <email>' first.")
		} else {
			fmt.Fprintf(os.Stderr, "Failed to establish session: %v\n", err)
		}
		os.Exit(1)
	}
	return session
}

func parseMessageID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", s)
	}
	return id, nil
}
