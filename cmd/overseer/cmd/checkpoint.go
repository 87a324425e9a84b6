package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/psantana5/media-overseer/pkg/checkpoint"
	"github.com/psantana5/media-overseer/pkg/contenthash"
	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/metrics"
	"github.com/psantana5/media-overseer/pkg/tool"
)

var (
	checkpointKey  string
	checkpointFile string
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Dump and restore process trees with criu",
	Long: `Low-level access to checkpoint/restore. Images are stored under
<state_dir>/<key>, where the key is normally the content key of the input file.
Requires root.`,
}

var checkpointDumpCmd = &cobra.Command{
	Use:   "dump <pid>",
	Short: "Dump a process tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointDump,
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a dumped process tree",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointRestore,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointDumpCmd, checkpointRestoreCmd)
	for _, c := range []*cobra.Command{checkpointDumpCmd, checkpointRestoreCmd} {
		c.Flags().StringVar(&checkpointKey, "key", "", "checkpoint key")
		c.Flags().StringVar(&checkpointFile, "file", "", "derive the key from this media file")
	}
	checkpointDumpCmd.Flags().Bool("leave-stopped", false, "leave the process stopped after the dump")
}

func checkpointManager() (*checkpoint.Manager, *logging.Logger, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, "", err
	}
	logger, err := newLogger(cfg, "checkpoint")
	if err != nil {
		return nil, nil, "", err
	}

	key := checkpointKey
	if checkpointFile != "" {
		if key, err = contenthash.Key(checkpointFile); err != nil {
			return nil, nil, "", err
		}
	}
	if key == "" {
		return nil, nil, "", fmt.Errorf("one of --key or --file is required")
	}

	priv, err := checkpoint.NewCRIU(cfg.CRIUPath, tool.NewExecRunner(logger, metrics.New()), os.Geteuid)
	if err != nil {
		return nil, nil, "", err
	}
	cm := checkpoint.NewManager(cfg.StateDir, priv, logger)
	cm.LeaveStopped = cfg.LeaveStopped
	return cm, logger, key, nil
}

func runCheckpointDump(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	cm, logger, key, err := checkpointManager()
	if err != nil {
		return err
	}
	defer logger.Close()
	if v, _ := cmd.Flags().GetBool("leave-stopped"); v {
		cm.LeaveStopped = true
	}

	dir, err := cm.Dump(cmd.Context(), pid, key)
	if err != nil {
		return err
	}
	fmt.Println(dir)
	return nil
}

func runCheckpointRestore(cmd *cobra.Command, args []string) error {
	cm, logger, key, err := checkpointManager()
	if err != nil {
		return err
	}
	defer logger.Close()

	if err := cm.Restore(cmd.Context(), key); err != nil {
		return err
	}
	fmt.Printf("Restored %s\n", cm.Dir(key))
	return nil
}
