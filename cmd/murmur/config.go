package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage murmur configuration",
	Long:  "View or modify the murmur CLI configuration stored in ~/.murmur/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration file overlaid with MURMUR_* environment variables. Keys and tokens are masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		from := applyEnv(cfg)

		if _, err := os.Stat(path); os.IsNotExist(err) {
			path += " (not found)"
		}
		writeConfig(cmd.OutOrStdout(), path, cfg, from)
		return nil
	},
}

// writeConfig prints cfg key by key, noting the variable behind each key
// the environment replaced.
func writeConfig(w io.Writer, path string, cfg *Config, from map[string]string) {
	line := func(key, value string) {
		field := key[strings.IndexByte(key, '.')+1:]
		if env, ok := from[key]; ok {
			fmt.Fprintf(w, "  %-14s %s  (from %s)\n", field, value, env)
			return
		}
		fmt.Fprintf(w, "  %-14s %s\n", field, value)
	}
	secret := func(v string) string {
		if v == "" {
			return "(not set)"
		}
		return maskKey(v)
	}

	fmt.Fprintf(w, "File: %s\n\n", path)
	fmt.Fprintln(w, "[default]")
	line("default.url", valueOrDefault(cfg.Default.URL, "(not set)"))
	line("default.api_key", secret(cfg.Default.APIKey))
	line("default.log_level", valueOrDefault(cfg.Default.LogLevel, "(not set)"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[auth]")
	line("auth.email", valueOrDefault(cfg.Auth.Email, "(not set)"))
	line("auth.user_id", valueOrDefault(cfg.Auth.UserID, "(not set)"))
	line("auth.access_token", secret(cfg.Auth.AccessToken))
	line("auth.refresh_token", secret(cfg.Auth.RefreshToken))
	line("auth.token_expires", valueOrDefault(cfg.Auth.TokenExpires, "(not set)"))
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: murmur config set default.log_level debug",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
