package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/media-overseer/internal/report"
	"github.com/psantana5/media-overseer/pkg/preflight"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the required tools and privileges are available",
	Long: `Looks up ffmpeg and ffprobe (required), criu and sudo (optional), reports whether
checkpointing is possible and prints basic facts about the host.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := format()
	if err != nil {
		return err
	}

	var checker preflight.Checker
	rep, runErr := checker.Run(cmd.Context(), preflight.Options{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		CRIUPath:    cfg.CRIUPath,
		WorkDir:     cfg.WorkDir,
	})
	if rep == nil {
		return runErr
	}

	switch f {
	case report.FormatJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	case report.FormatYAML:
		if err := yaml.NewEncoder(os.Stdout).Encode(rep); err != nil {
			return err
		}
	default:
		rep.Render(os.Stdout)
		if rep.CanCheckpoint() {
			fmt.Println("Checkpoint/restore: available")
		} else {
			fmt.Println("Checkpoint/restore: unavailable (needs root and criu)")
		}
	}

	if errors.Is(runErr, preflight.ErrMissingTools) {
		return runErr
	}
	return nil
}
