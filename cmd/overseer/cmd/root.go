package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/media-overseer/internal/config"
	"github.com/psantana5/media-overseer/internal/report"
	"github.com/psantana5/media-overseer/pkg/client"
	"github.com/psantana5/media-overseer/pkg/logging"
)

// Version is set at build time with -ldflags
var Version = "dev"

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "Convert media files with loudness-normalized audio and two-pass video",
	Long: `overseer converts media files: every audio track is loudness-normalized to Opus,
the video is encoded in two passes with a quality derived from its resolution, and the
results are merged into one file. Jobs can run locally or behind an HTTP API.`,
	SilenceUsage: true,
	Version:      Version,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.overseer/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("server", "", "API URL for the jobs commands")
	rootCmd.PersistentFlags().String("api-key", "", "API key for the jobs commands")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("server_url", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".overseer"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

// loadConfig returns the effective configuration
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// newLogger builds the process logger from the log.* settings
func newLogger(cfg *config.Config, component string) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File {
		return logging.NewFileLogger("overseer", component, level, cfg.Log.JSON)
	}
	return logging.NewLogger(level, cfg.Log.JSON), nil
}

// format returns the --output format
func format() (report.Format, error) {
	return report.ParseFormat(outputFormat)
}

// newClient builds an API client from server_url, api_key and tls.*
func newClient(cfg *config.Config) (*client.Client, error) {
	opts := []client.Option{client.WithAPIKey(cfg.APIKey)}
	if cfg.TLS.CAFile != "" || cfg.TLSFiles().Enabled() {
		opts = append(opts, client.WithTLS(cfg.TLSFiles()))
	}
	return client.NewClient(cfg.ServerURL, opts...)
}
