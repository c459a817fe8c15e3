package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var historyNum int

var historyCmd = &cobra.Command{
	Use:   "history <thread-id>",
	Short: "Show a thread's message history",
	Long: `Show a thread's message history, oldest first.

Examples:
  agentctl history trip-planning
  agentctl history trip-planning -n 10`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyNum, "num", "n", 0, "only the most recent N messages (0 = all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	threadID := args[0]

	msgs, err := newClient().History(cmd.Context(), threadID, historyNum)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Println("No messages in this thread.")
		return nil
	}

	theme := defaultChatTheme
	for _, msg := range msgs {
		var prefix string
		switch msg.Role {
		case "user":
			prefix = theme.userStyle().Render("you> ")
		case "assistant":
			prefix = theme.assistantStyle().Render("agent> ")
		default:
			prefix = lipgloss.NewStyle().Foreground(theme.Hint).Render(msg.Role + "> ")
		}
		fmt.Println(prefix + msg.Content)
		if verbose {
			fmt.Println(theme.hintStyle().Render("  " + msg.CreatedAt.Local().Format("2006-01-02 15:04:05")))
		}
	}
	return nil
}
