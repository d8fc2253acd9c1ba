package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"codequery/internal/gateway"
)

var flagBugTopK int

var bugCmd = &cobra.Command{
	Use:   "bug <description>",
	Short: "Locate code likely related to a described bug",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		completer, err := a.completer()
		if err != nil {
			return err
		}
		gw := gateway.New(a.engine, completer, a.manager, a.log)

		req := gateway.BugRequest{
			Description: strings.Join(args, " "),
			TopK:        flagBugTopK,
		}
		sawFinding := false
		err = gw.BugSolve(ctx, req, func(e gateway.Event) error {
			switch e.Type {
			case "references":
				for _, w := range e.Warnings {
					fmt.Fprintln(os.Stderr, "Warning:", w)
				}
			case "finding":
				sawFinding = true
				fmt.Printf("Suspect: %s\n", strings.Join(e.Finding.AffectedFiles, ", "))
			case "delta":
				fmt.Print(e.Delta)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !sawFinding {
			fmt.Println("No related code found.")
		} else {
			fmt.Println()
		}
		return nil
	},
}

func init() {
	bugCmd.Flags().IntVarP(&flagBugTopK, "top-k", "k", 5, "suspect locations to report")
	rootCmd.AddCommand(bugCmd)
}
