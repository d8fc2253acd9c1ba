package cmd

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"codequery/internal/config"
)

var flagConfigSet []string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print or modify the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if path == "" {
			path = config.DefaultPath()
		}

		for _, kv := range flagConfigSet {
			key, value, ok := splitKeyValue(kv)
			if !ok {
				return fmt.Errorf("invalid --set %q (want key=value)", kv)
			}
			if err := config.Set(path, key, value); err != nil {
				return err
			}
			fmt.Printf("set %s = %s\n", key, value)
		}
		if len(flagConfigSet) > 0 {
			return nil
		}

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		redactSecrets(cfg)
		out, err := toml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n", path)
		os.Stdout.Write(out)
		return nil
	},
}

func splitKeyValue(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], i > 0
		}
	}
	return "", "", false
}

func redactSecrets(cfg *config.Config) {
	if cfg.Embedding.APIKey != "" {
		cfg.Embedding.APIKey = "***"
	}
	if cfg.LLM.APIKey != "" {
		cfg.LLM.APIKey = "***"
	}
}

func init() {
	configCmd.Flags().StringArrayVar(&flagConfigSet, "set", nil, "set a key (key=value, repeatable)")
	rootCmd.AddCommand(configCmd)
}
