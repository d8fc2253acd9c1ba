package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagStatusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the committed state of the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.manager.Status(ctx)
		if err != nil {
			return err
		}

		if flagStatusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}

		fmt.Printf("Backend:  %s\n", status.Backend)
		fmt.Printf("Model:    %s\n", status.Model)
		fmt.Printf("Files:    %d indexed of %d\n", status.IndexedFiles, status.TotalFiles)
		fmt.Printf("Chunks:   %d\n", status.TotalChunks)
		for model, n := range status.ByModel {
			fmt.Printf("  %s: %d chunks\n", model, n)
		}
		if !status.LastUpdated.IsZero() {
			fmt.Printf("Updated:  %s\n", status.LastUpdated.Format("2006-01-02 15:04:05 MST"))
		}
		if status.LastError != "" {
			fmt.Printf("Last error: %s\n", status.LastError)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&flagStatusJSON, "json", false, "emit machine-readable output")
	rootCmd.AddCommand(statusCmd)
}
