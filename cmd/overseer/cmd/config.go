package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/media-overseer/internal/report"
	"github.com/psantana5/media-overseer/pkg/auth"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Prints the configuration after applying the config file, OVERSEER_* environment variables and flags. Secrets are masked.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configGenKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Generates a random API key. Give the key to clients and put the hash in
api_key_hashes so the server never stores the key itself.`,
	Args: cobra.NoArgs,
	RunE: runConfigGenKey,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGenKeyCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := format()
	if err != nil {
		return err
	}
	redacted := cfg.Redacted()

	if f == report.FormatJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(redacted)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(redacted)
}

func runConfigGenKey(cmd *cobra.Command, args []string) error {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	hash, err := auth.HashKey(key, 0)
	if err != nil {
		return err
	}
	fmt.Printf("key:  %s\nhash: %s\n", key, hash)
	return nil
}
