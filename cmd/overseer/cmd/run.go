package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/media-overseer/internal/report"
	"github.com/psantana5/media-overseer/pkg/checkpoint"
	"github.com/psantana5/media-overseer/pkg/contenthash"
	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/metrics"
	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/overseer"
	"github.com/psantana5/media-overseer/pkg/tool"
	"github.com/psantana5/media-overseer/pkg/tracing"
)

var (
	runInterval time.Duration
	runWorkDir  string
	runQuiet    bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Convert one file in the foreground",
	Long: `Runs a single conversion job locally and prints its status while it runs.

SIGINT or SIGTERM cancels the job and kills every running tool. When running as
root with criu installed, SIGUSR1 checkpoints the running tools under state_dir.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().DurationVar(&runInterval, "interval", 2*time.Second, "status polling interval (0 disables)")
	runCmd.Flags().StringVar(&runWorkDir, "work-dir", "", "directory for intermediate and output files (default <work_dir>/<content key>)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "only print the final report")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := format()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "run")
	if err != nil {
		return err
	}
	defer logger.Close()

	input, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	key, err := contenthash.Key(input)
	if err != nil {
		return fmt.Errorf("cannot read input: %w", err)
	}

	workDir := runWorkDir
	if workDir == "" {
		workDir = filepath.Join(cfg.WorkDir, contenthash.ShortKey(key))
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	tp, err := tracing.InitTracer(cfg.TracingConfig(Version))
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	runner := tool.NewExecRunner(logger, m)
	runner.Timeout = cfg.ToolTimeout
	conv := cfg.Converter()
	conv.WorkDir = workDir

	opts := overseer.Options{
		Runner:        runner,
		Converter:     conv,
		Logger:        logger,
		Metrics:       m,
		RequestQueue:  cfg.RequestQueue,
		Tracker:       runner.Tracker,
		CheckpointKey: key,
	}
	if priv, err := checkpoint.NewCRIU(cfg.CRIUPath, tool.NewExecRunner(logger, m), os.Geteuid); err == nil {
		cm := checkpoint.NewManager(cfg.StateDir, priv, logger)
		cm.LeaveStopped = cfg.LeaveStopped
		opts.Checkpointer = cm
	} else {
		logger.Debug("checkpointing disabled", logging.Fields{"reason": err})
	}

	job := overseer.RunJob(input, opts)
	logger.Info("starting job", logging.Fields{"input": input, "key": contenthash.ShortKey(key), "work_dir": workDir})

	if !runQuiet && runInterval > 0 {
		go pollStatus(ctx, job, runInterval)
	}
	if opts.Checkpointer != nil {
		go checkpointOnSignal(ctx, job, logger)
	}

	started := time.Now()
	output, runErr := job.Run(ctx)
	final, _ := job.Final()

	now := time.Now()
	rec := &models.Job{
		ID:          contenthash.ShortKey(key),
		InputPath:   input,
		ContentKey:  key,
		WorkDir:     workDir,
		OutputPath:  output,
		Status:      &final,
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &now,
		State:       models.JobStateCompleted,
	}
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		rec.State = models.JobStateCanceled
		rec.Error = "canceled"
	default:
		rec.State = models.JobStateFailed
		rec.Error = runErr.Error()
	}

	if err := report.Write(os.Stdout, f, report.FromJob(rec)); err != nil {
		return err
	}
	return runErr
}

// pollStatus prints a status line every interval until the job finishes.
// A request that races with completion gets no answer, which ends polling.
func pollStatus(ctx context.Context, job *overseer.Job, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-job.Done():
			return
		case <-ticker.C:
			st, err := job.Status(ctx)
			if err != nil {
				return
			}
			line := fmt.Sprintf("audio=%s video=%s", st.Audio, st.Video)
			if st.Quality != nil {
				line += fmt.Sprintf(" crf=%d", *st.Quality)
			}
			if st.Dimensions != nil {
				line += " size=" + st.Dimensions.String()
			}
			fmt.Fprintln(os.Stderr, line)
		}
	}
}

func checkpointOnSignal(ctx context.Context, job *overseer.Job, logger *logging.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case <-job.Done():
			return
		case <-sigs:
			dirs, err := job.Checkpoint(ctx)
			if err != nil {
				logger.Error("checkpoint failed", logging.Fields{"error": err})
				continue
			}
			logger.Info("checkpoint written", logging.Fields{"dirs": dirs})
		}
	}
}
