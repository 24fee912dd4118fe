package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/cli/internal/output"
	baseconfig "github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/config"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/runtime"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models tasks can reference",
	Long: `Models prints the model catalog: the built-in records, or the YAML file
named by --catalog or LLMEVAL_MODEL_CATALOG.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("catalog")
		if path == "" {
			base, err := baseconfig.Load("llmeval")
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			path = base.Engine.ModelCatalogPath
		}

		catalog := runtime.DefaultCatalog()
		if path != "" {
			var err error
			if catalog, err = runtime.LoadCatalog(path); err != nil {
				return err
			}
		}
		records := catalog.List()

		if output.Structured(cfg.Format) {
			return output.NewWriterTo(cfg.Format, cmd.OutOrStdout()).Print(records)
		}
		table := output.Table{
			Headers: []string{"ID", "NAME", "PROVIDER", "ENDPOINT", "COST/1K"},
			Rows:    make([][]string, len(records)),
		}
		for i, r := range records {
			endpoint := r.APIEndpoint
			if endpoint == "" {
				endpoint = "(default)"
			}
			table.Rows[i] = []string{r.ID, r.Name, r.Provider, endpoint, output.Cost(r.Rate())}
		}
		return output.NewWriterTo("table", cmd.OutOrStdout()).Print(table)
	},
}

func init() {
	modelsCmd.Flags().String("catalog", "", "Model catalog file (YAML)")
}
