package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/media-overseer/internal/report"
	"github.com/psantana5/media-overseer/pkg/client"
	"github.com/psantana5/media-overseer/pkg/models"
)

var (
	listState    string
	followStatus bool
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs on an overseer server",
	Long:  `Commands for submitting, listing, inspecting and canceling jobs through the HTTP API.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit a file for conversion",
	Long:  `Submit a file for conversion. The path must be readable by the server.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Long:  `Show the live status of a running job, or the final status of a finished one.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long:  `Cancel a queued or running job. Running tools are killed.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsCheckpointCmd = &cobra.Command{
	Use:   "checkpoint <job-id>",
	Short: "Checkpoint the running tools of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCheckpoint,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsListCmd, jobsStatusCmd, jobsCancelCmd, jobsCheckpointCmd)

	jobsListCmd.Flags().StringVar(&listState, "state", "", "only list jobs in this state (queued, running, completed, failed, canceled)")
	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until it finishes")
}

func apiClient() (*client.Client, report.Format, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	f, err := format()
	if err != nil {
		return nil, "", err
	}
	c, err := newClient(cfg)
	return c, f, err
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	c, f, err := apiClient()
	if err != nil {
		return err
	}
	job, dedup, err := c.SubmitJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if dedup && f == report.FormatTable {
		fmt.Fprintln(os.Stderr, "Identical content was already converted; returning the earlier job.")
	}
	return report.Write(os.Stdout, f, report.FromJob(job))
}

func runJobsList(cmd *cobra.Command, args []string) error {
	c, f, err := apiClient()
	if err != nil {
		return err
	}
	list, err := c.ListJobs(cmd.Context(), models.JobState(listState))
	if err != nil {
		return err
	}
	results := make([]*report.Result, 0, len(list))
	for _, job := range list {
		results = append(results, report.FromJob(job))
	}
	return report.WriteList(os.Stdout, f, results)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	c, f, err := apiClient()
	if err != nil {
		return err
	}
	id := args[0]

	show := func(ctx context.Context) (bool, error) {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return false, err
		}
		st, err := c.GetStatus(ctx, id)
		if err != nil {
			return false, err
		}
		if err := report.Write(os.Stdout, f, report.FromStatus(*st, job)); err != nil {
			return false, err
		}
		return models.IsTerminalState(st.State), nil
	}

	done, err := show(cmd.Context())
	if err != nil || !followStatus {
		return err
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for !done {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
		if done, err = show(cmd.Context()); err != nil {
			return err
		}
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	c, _, err := apiClient()
	if err != nil {
		return err
	}
	if err := c.CancelJob(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Job %s canceled\n", args[0])
	return nil
}

func runJobsCheckpoint(cmd *cobra.Command, args []string) error {
	c, _, err := apiClient()
	if err != nil {
		return err
	}
	dirs, err := c.CheckpointJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	for _, d := range dirs {
		fmt.Println(d)
	}
	return nil
}
