package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List threads, most recently active first",
	Args:  cobra.NoArgs,
	RunE:  runThreads,
}

func runThreads(cmd *cobra.Command, args []string) error {
	ids, err := newClient().Threads(cmd.Context())
	if err != nil {
		return fmt.Errorf("threads: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("No threads yet.")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}
