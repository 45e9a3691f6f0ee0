package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/kbchat/kbchat/internal/api"
	"github.com/kbchat/kbchat/internal/config"
	"github.com/kbchat/kbchat/internal/logging"
	"github.com/spf13/cobra"
)

// RegisterConfigCommands adds the config and preferences command group.
func RegisterConfigCommands(root *cobra.Command) {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Show and change configuration and chat preferences",
	}

	cfgCmd.AddCommand(newConfigShowCmd())
	cfgCmd.AddCommand(newConfigSetCmd())
	cfgCmd.AddCommand(newConfigModelCmd())
	cfgCmd.AddCommand(newConfigKBCmd())
	cfgCmd.AddCommand(newConfigSearchCmd())
	cfgCmd.AddCommand(newConfigResetCmd())

	root.AddCommand(cfgCmd)
}

func configMap(cfg config.GlobalConfig) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration and preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := configMap(cfg)
			if err != nil {
				return err
			}
			for k, v := range m {
				if s, ok := v.(string); ok && (k == "api_key" || logging.IsSecretField(k)) {
					m[k] = logging.RedactValue(s)
				}
			}

			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				p, err := svc.Preferences()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]any{"config": m, "preferences": p})
				}

				keys := make([]string, 0, len(m))
				for k := range m {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%v\n", k, m[k])
				}
				w.Flush()

				fmt.Println()
				fmt.Printf("Model:                %s\n", p.ModelID)
				fmt.Printf("Knowledge base:       %s\n", p.KnowledgeBaseID)
				fmt.Printf("Max results:          %d\n", p.SearchParameters.MaxResults)
				fmt.Printf("Similarity threshold: %.2f\n", p.SearchParameters.SimilarityThreshold)
				fmt.Printf("Temperature:          %.2f\n", p.SearchParameters.Temperature)
				fmt.Printf("Max tokens:           %d\n", p.SearchParameters.MaxTokens)
				return nil
			})
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value in the config file. Keys are the JSON names
shown by 'kbchat config show'. Values are parsed as JSON when possible
(numbers, booleans, lists) and taken as strings otherwise.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := configMap(cfg)
			if err != nil {
				return err
			}
			key := args[0]
			if _, ok := m[key]; !ok {
				return fmt.Errorf("unknown config key %q", key)
			}
			var val any
			if err := json.Unmarshal([]byte(args[1]), &val); err != nil {
				val = args[1]
			}
			m[key] = val

			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			var updated config.GlobalConfig
			if err := json.Unmarshal(data, &updated); err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			if err := saveConfig(updated); err != nil {
				return err
			}
			fmt.Printf("%s updated.\n", key)
			return nil
		},
	}
}

func newConfigModelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "model <model-id>",
		Short: "Select the default model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				if err := svc.Prefs.SetModel(args[0]); err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				fmt.Printf("Model set to %s.\n", args[0])
				return nil
			})
		},
	}
}

func newConfigKBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kb <kb-id>",
		Short: "Select the default knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				if err := svc.Prefs.SetKnowledgeBase(args[0]); err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				fmt.Printf("Knowledge base set to %s.\n", args[0])
				return nil
			})
		},
	}
}

func newConfigSearchCmd() *cobra.Command {
	var (
		maxResults int
		threshold  float64
		temp       float64
		maxTokens  int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Tune retrieval and generation parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				p, err := svc.Preferences()
				if err != nil {
					return err
				}
				sp := p.SearchParameters
				flags := cmd.Flags()
				if flags.Changed("max-results") {
					sp.MaxResults = maxResults
				}
				if flags.Changed("threshold") {
					sp.SimilarityThreshold = threshold
				}
				if flags.Changed("temperature") {
					sp.Temperature = temp
				}
				if flags.Changed("max-tokens") {
					sp.MaxTokens = maxTokens
				}
				if err := svc.Prefs.SetSearchParameters(sp); err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				fmt.Printf("Search parameters: results=%d threshold=%.2f temperature=%.2f tokens=%d\n",
					sp.MaxResults, sp.SimilarityThreshold, sp.Temperature, sp.MaxTokens)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&maxResults, "max-results", 5, "Passages to retrieve (1-20)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.7, "Similarity threshold (0-1)")
	cmd.Flags().Float64Var(&temp, "temperature", 0.7, "Sampling temperature (0-2)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 1000, "Maximum answer tokens (100-4000)")
	return cmd
}

func newConfigResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Restore the default chat preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				if err := svc.Prefs.Reset(); err != nil {
					return err
				}
				fmt.Println("Preferences reset.")
				return nil
			})
		},
	}
}
