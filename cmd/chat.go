package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"codequery/internal/tui"
)

var flagChatTopK int

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat over the indexed codebase",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	completer, err := a.completer()
	if err != nil {
		return err
	}
	return tui.Run(a.engine, completer, flagChatTopK)
}

func init() {
	chatCmd.Flags().IntVarP(&flagChatTopK, "top-k", "k", 8, "references retrieved per question")
	rootCmd.AddCommand(chatCmd)
}
