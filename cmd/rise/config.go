package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	rise "github.com/rise-support/rise-go"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Rise configuration",
	Long:  "View or modify the Rise CLI configuration stored in ~/.rise/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every setting with its effective value. The token is masked and unset values show their default.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		queue, err := queuePath(cfg)
		if err != nil {
			return err
		}
		fmt.Println(dimText("# " + path))
		fmt.Print(renderConfig(cfg, queue, time.Now()))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: rise config set queue.store sqlite",
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

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("%s %s = %s\n", okText("✓"), key, value)
		return nil
	},
}

// renderConfig lists the settings grouped by section. queue is the resolved
// queue file.
func renderConfig(cfg *Config, queue string, now time.Time) string {
	var b strings.Builder
	row := func(key, val string, isDefault bool) {
		if isDefault {
			val += dimText(" (default)")
		}
		fmt.Fprintf(&b, "  %-18s %s\n", key, val)
	}

	b.WriteString("[default]\n")
	row("base_url", valueOrDefault(cfg.Default.BaseURL, rise.DefaultBaseURL), cfg.Default.BaseURL == "")

	b.WriteString("[auth]\n")
	row("token", tokenStatus(cfg, now), false)
	row("user_id", valueOrDefault(cfg.Auth.UserID, warnText("unset")), false)
	row("display_name", valueOrDefault(cfg.Auth.DisplayName, cfg.Auth.UserID), cfg.Auth.DisplayName == "")

	b.WriteString("[queue]\n")
	row("store", valueOrDefault(cfg.Queue.Store, "bolt"), cfg.Queue.Store == "")
	row("path", queue, cfg.Queue.Path == "")
	return b.String()
}
