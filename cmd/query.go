package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"codequery/internal/query"
)

var (
	flagTopK     int
	flagJSON     bool
	flagRepos    []string
	flagLangs    []string
	flagNoAnswer bool
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question about the indexed code",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		question := strings.Join(args, " ")
		res, err := a.engine.Search(ctx, question, query.Options{
			TopK:      flagTopK,
			Repos:     flagRepos,
			Languages: flagLangs,
		})
		if err != nil {
			return err
		}

		if flagJSON {
			out := struct {
				query.Result
				Answer string `json:"answer,omitempty"`
			}{Result: res}
			if !flagNoAnswer {
				out.Answer, err = synthesize(ctx, a, res.References, question)
				if err != nil {
					return err
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		for _, w := range res.Warnings {
			fmt.Fprintln(os.Stderr, "Warning:", w)
		}
		if len(res.References) == 0 {
			fmt.Println("No matching code found.")
			return nil
		}

		if !flagNoAnswer {
			answer, err := synthesize(ctx, a, res.References, question)
			if err != nil {
				return err
			}
			fmt.Println(renderMarkdown(answer))
		}

		fmt.Println("Sources:")
		for _, r := range res.References {
			fmt.Printf("  %s:%d-%d", r.Path, r.StartLine, r.EndLine)
			if r.Name != "" {
				fmt.Printf("  (%s %s)", r.Kind, r.Name)
			}
			fmt.Printf("  score=%.3f\n", r.Score)
		}
		return nil
	},
}

func synthesize(ctx context.Context, a *app, refs []query.Reference, question string) (string, error) {
	completer, err := a.completer()
	if err != nil {
		return "", err
	}
	msgs := query.BuildMessages(refs, nil, question)
	var b strings.Builder
	err = completer.Stream(ctx, msgs, func(delta string) error {
		b.WriteString(delta)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("synthesize answer: %w", err)
	}
	return b.String(), nil
}

func renderMarkdown(content string) string {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return content
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(rendered, "\n")
}

func init() {
	queryCmd.Flags().IntVarP(&flagTopK, "top-k", "k", query.DefaultTopK, "number of references to return")
	queryCmd.Flags().BoolVar(&flagJSON, "json", false, "emit machine-readable output")
	queryCmd.Flags().StringSliceVar(&flagRepos, "repo", nil, "restrict to these repos")
	queryCmd.Flags().StringSliceVar(&flagLangs, "lang", nil, "restrict to these languages")
	queryCmd.Flags().BoolVar(&flagNoAnswer, "no-answer", false, "skip synthesis, print references only")
	rootCmd.AddCommand(queryCmd)
}
