package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/cli/internal/output"
	baseconfig "github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/config"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/database"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
)

var questionsCmd = &cobra.Command{
	Use:     "questions",
	Aliases: []string{"q"},
	Short:   "Question set operations",
	Long: `Commands for importing and inspecting question sets. They open the
service database directly, so LLMEVAL_STORAGE_BACKEND must name a
persistent backend (sqlite or postgres).`,
}

// openQuestions opens the question store the task service reads from.
func openQuestions(cmd *cobra.Command) (*datasets.Service, func(), error) {
	base, err := baseconfig.Load("llmeval")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if base.UseMemoryStorage() {
		return nil, nil, errors.New("questions commands need a sqlite or postgres storage backend")
	}

	logger := slog.New(slog.DiscardHandler)
	if cfg.Verbose {
		logger = slog.Default()
	}

	db, err := database.Connect(cmd.Context(), database.DefaultConfig(database.Dialect(base.DatabaseDriver()), base.DatabaseDSN()))
	if err != nil {
		return nil, nil, err
	}
	store, err := datasets.NewStore(datasets.StoreOptions{Backend: base.StorageBackend, DB: db.WithLogger(logger)})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := store.(*datasets.SQLStore).Migrate(cmd.Context()); err != nil {
		db.Close()
		return nil, nil, err
	}
	return datasets.NewService(store, logger), func() { db.Close() }, nil
}

var questionsImportCmd = &cobra.Command{
	Use:   "import <dataset-id> [path]",
	Short: "Import questions from a file, URL or S3 object",
	Long: `Import reads rows in csv, jsonl, json, parquet or xlsx format and stores
them as one version of a dataset. Columns are matched by name: id, body,
type, reference_answer, position and is_valid. Only body is required.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		opts := datasets.ImportOptions{
			DatasetID: args[0],
			Columns:   datasets.DefaultColumnMapping(),
			Options:   datasets.DefaultFormatOptions(),
		}
		opts.Version, _ = f.GetInt("version")
		opts.SkipInvalid, _ = f.GetBool("skip-invalid")
		opts.MaxRows, _ = f.GetInt("max-rows")
		opts.Options.Sheet, _ = f.GetString("sheet")

		if d, _ := f.GetString("delimiter"); d != "" {
			r := []rune(d)
			if len(r) != 1 {
				return fmt.Errorf("delimiter must be a single character, got %q", d)
			}
			opts.Options.Delimiter = r[0]
		}
		if name, _ := f.GetString("format"); name != "" {
			format, err := datasets.ParseDataFormat(name)
			if err != nil {
				return err
			}
			opts.Format = format
		}
		for flag, dst := range map[string]*string{
			"id-column":        &opts.Columns.ID,
			"body-column":      &opts.Columns.Body,
			"type-column":      &opts.Columns.Type,
			"reference-column": &opts.Columns.ReferenceAnswer,
		} {
			if f.Changed(flag) {
				*dst, _ = f.GetString(flag)
			}
		}

		url, _ := f.GetString("url")
		bucket, _ := f.GetString("s3-bucket")
		var location string
		switch {
		case bucket != "":
			key, _ := f.GetString("s3-key")
			region, _ := f.GetString("s3-region")
			endpoint, _ := f.GetString("s3-endpoint")
			opts.Source.S3 = &datasets.S3Source{Bucket: bucket, Key: key, Region: region, Endpoint: endpoint}
			location = key
		case url != "":
			opts.Source.URL = &datasets.URLSource{URL: url}
			location = url
		case len(args) == 2:
			opts.Source.LocalFile = &datasets.LocalFileSource{Path: args[1]}
			location = args[1]
		default:
			return errors.New("a path, --url or --s3-bucket is required")
		}
		if opts.Format == datasets.DataFormatUnspecified {
			format, err := datasets.FormatFromPath(location)
			if err != nil {
				return fmt.Errorf("%w; pass --format", err)
			}
			opts.Format = format
		}

		svc, closeFn, err := openQuestions(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := svc.ImportQuestions(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("failed to import questions: %w", err)
		}
		if output.Structured(cfg.Format) {
			return output.NewWriterTo(cfg.Format, cmd.OutOrStdout()).Print(res)
		}

		output.Success("Imported %s questions into %s v%d", output.Count(res.ImportedCount), opts.DatasetID, opts.Version)
		if res.SkippedCount > 0 {
			output.Info("Skipped %s rows", output.Count(res.SkippedCount))
		}
		for _, e := range res.Errors {
			output.Error("row %d: %s", e.RowNumber, e.ErrorMessage)
		}
		return nil
	},
}

var questionsListCmd = &cobra.Command{
	Use:   "list <dataset-id>",
	Short: "List questions of a dataset version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openQuestions(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		query := datasets.ListQuestionsQuery{DatasetID: args[0]}
		query.Version, _ = cmd.Flags().GetInt("version")
		query.ValidOnly, _ = cmd.Flags().GetBool("valid-only")
		query.Limit, _ = cmd.Flags().GetInt("limit")
		query.Offset, _ = cmd.Flags().GetInt("offset")

		questions, total, err := svc.ListQuestions(cmd.Context(), query)
		if err != nil {
			return err
		}
		if output.Structured(cfg.Format) {
			return output.NewWriterTo(cfg.Format, cmd.OutOrStdout()).Print(questions)
		}

		table := output.Table{
			Headers: []string{"POS", "ID", "TYPE", "VALID", "BODY"},
			Rows:    make([][]string, len(questions)),
		}
		for i, q := range questions {
			table.Rows[i] = []string{
				strconv.Itoa(q.Position),
				q.ID,
				string(q.Type),
				strconv.FormatBool(q.IsValid),
				output.Truncate(q.Body, 60),
			}
		}
		if cfg.Verbose {
			output.Info("Showing %d of %s questions", len(questions), output.Count(total))
		}
		return output.NewWriterTo("table", cmd.OutOrStdout()).Print(table)
	},
}

var questionsVersionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List stored dataset versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openQuestions(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		versions, err := svc.ListVersions(cmd.Context())
		if err != nil {
			return err
		}
		if output.Structured(cfg.Format) {
			return output.NewWriterTo(cfg.Format, cmd.OutOrStdout()).Print(versions)
		}

		table := output.Table{
			Headers: []string{"DATASET", "VERSION", "QUESTIONS", "VALID"},
			Rows:    make([][]string, len(versions)),
		}
		for i, v := range versions {
			table.Rows[i] = []string{
				v.DatasetID,
				strconv.Itoa(v.Version),
				output.Count(v.QuestionCount),
				output.Count(v.ValidQuestions),
			}
		}
		return output.NewWriterTo("table", cmd.OutOrStdout()).Print(table)
	},
}

func init() {
	// Import flags
	questionsImportCmd.Flags().Int("version", 1, "Dataset version to write")
	questionsImportCmd.Flags().String("format", "", "csv, jsonl, json, parquet or xlsx (default: from the extension)")
	questionsImportCmd.Flags().String("delimiter", "", "CSV field separator")
	questionsImportCmd.Flags().String("sheet", "", "XLSX sheet name")
	questionsImportCmd.Flags().Bool("skip-invalid", false, "Report bad rows instead of failing")
	questionsImportCmd.Flags().Int("max-rows", 0, "Stop after N rows (0 = all)")
	questionsImportCmd.Flags().String("id-column", "", "Column holding the question ID")
	questionsImportCmd.Flags().String("body-column", "", "Column holding the question text")
	questionsImportCmd.Flags().String("type-column", "", "Column holding the question type")
	questionsImportCmd.Flags().String("reference-column", "", "Column holding the reference answer")
	questionsImportCmd.Flags().String("url", "", "Read from an HTTP(S) URL")
	questionsImportCmd.Flags().String("s3-bucket", "", "Read from an S3 bucket")
	questionsImportCmd.Flags().String("s3-key", "", "S3 object key")
	questionsImportCmd.Flags().String("s3-region", "", "S3 region")
	questionsImportCmd.Flags().String("s3-endpoint", "", "Custom S3 endpoint")

	// List flags
	questionsListCmd.Flags().Int("version", 1, "Dataset version")
	questionsListCmd.Flags().Bool("valid-only", false, "Only valid questions")
	questionsListCmd.Flags().Int("limit", 50, "Max questions to show")
	questionsListCmd.Flags().Int("offset", 0, "Questions to skip")

	questionsCmd.AddCommand(questionsImportCmd)
	questionsCmd.AddCommand(questionsListCmd)
	questionsCmd.AddCommand(questionsVersionsCmd)
}
