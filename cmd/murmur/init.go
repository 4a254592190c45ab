package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <url> <api-key>",
	Short: "Store project URL and API key in ~/.murmur/config.toml",
	Long:  "Initialize the murmur CLI by storing the project URL and its public API key in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, apiKey := strings.TrimRight(args[0], "/"), args[1]
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("url must start with http:// or https://")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.URL = url
		cfg.Default.APIKey = apiKey

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Project saved to %s\n", path)
		return nil
	},
}
