// Package cmd contains CLI commands.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/cli/internal/config"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/eval"
)

// Version is stamped at build time.
var Version = "0.1.0"

var (
	cfg        *config.Config
	configPath string
	format     string
	addr       string
	verbose    bool
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "llmeval",
	Short: "llmeval CLI - LLM evaluation tasks",
	Long: `llmeval drives evaluation tasks: a target model answers every question
of a dataset version, an evaluator model or rubric scores the answers, and
the scores are aggregated.

Examples:
  # Import questions into dataset qa-set, version 1
  llmeval questions import qa-set questions.csv

  # Create a task from a file and run it to completion
  llmeval task create -f task.yaml
  llmeval task advance <id>   # confirm parameters
  llmeval task advance <id>   # start generating
  llmeval task wait <id>

  # Export results
  llmeval task export <id> --path results.xlsx
`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if format != "" {
			cfg.Format = format
		}
		if addr != "" {
			cfg.Addr = addr
		}
		if verbose {
			cfg.Verbose = true
		}
		return nil
	},
}

// Execute runs the CLI until ctx is done.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file")
	rootCmd.PersistentFlags().StringVarP(&format, "output", "o", "", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Task service address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(questionsCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints version info.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("llmeval version %s\n", Version)
	},
}

// taskClient dials the task service. The caller closes the connection.
func taskClient() (*eval.Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	return eval.NewClient(conn), conn, nil
}

func rpcContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), cfg.Timeout)
}
