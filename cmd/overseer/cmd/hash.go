package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/media-overseer/pkg/contenthash"
)

var hashCmd = &cobra.Command{
	Use:   "hash <file>...",
	Short: "Print the content key of files",
	Long: `Prints the key used to deduplicate jobs and to name checkpoint directories.
The key hashes the first and last 64 KiB of the file together with its size.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			key, err := contenthash.Key(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				failed++
				continue
			}
			fmt.Printf("%s  %s\n", key, path)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files could not be hashed", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashCmd)
}
