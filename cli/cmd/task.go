package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/cli/internal/output"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/cli/internal/taskfile"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/eval"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"tasks"},
	Short:   "Evaluation task operations",
	Long:    "Commands for configuring, running and inspecting evaluation tasks.",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task from a file or flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		var input eval.CreateTaskInput
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			var err error
			if input, err = taskfile.Read(path); err != nil {
				return err
			}
		}
		applyCreateFlags(cmd, &input)
		if input.Name == "" {
			input.Name = fmt.Sprintf("eval-%s", time.Now().Format("20060102-150405"))
		}

		client, conn, err := taskClient()
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := rpcContext(cmd)
		defer cancel()

		task, err := client.CreateTask(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		if output.Structured(cfg.Format) {
			return output.NewWriterTo(cfg.Format, cmd.OutOrStdout()).Print(task)
		}
		output.Success("Created task %s (ID: %s)", task.Name, task.ID)
		output.Info("Status: %s", task.Status)
		return nil
	},
}

// applyCreateFlags overrides file values with explicitly set flags.
func applyCreateFlags(cmd *cobra.Command, in *eval.CreateTaskInput) {
	f := cmd.Flags()
	if f.Changed("name") {
		in.Name, _ = f.GetString("name")
	}
	if f.Changed("dataset") {
		in.DatasetID, _ = f.GetString("dataset")
	}
	if f.Changed("dataset-version") {
		in.DatasetVersion, _ = f.GetInt("dataset-version")
	}
	if f.Changed("model") {
		in.ModelID, _ = f.GetString("model")
	}
	if f.Changed("evaluator") {
		in.EvaluatorModelID, _ = f.GetString("evaluator")
	}
	if f.Changed("mode") {
		mode, _ := f.GetString("mode")
		in.EvaluationMode = eval.EvaluationMode(mode)
	}
	if f.Changed("limit") {
		in.QuestionLimit, _ = f.GetInt("limit")
	}
	if f.Changed("api-key") {
		in.APIKey, _ = f.GetString("api-key")
	}
	if f.Changed("temperature") {
		in.Sampling.Temperature, _ = f.GetFloat64("temperature")
	}
	if f.Changed("max-tokens") {
		in.Sampling.MaxTokens, _ = f.GetInt("max-tokens")
	}
	if f.Changed("top-k") {
		in.Sampling.TopK, _ = f.GetInt("top-k")
	}
	if f.Changed("reasoning") {
		in.Sampling.EnableReasoning, _ = f.GetBool("reasoning")
	}
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get task details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, conn, err := taskClient()
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := rpcContext(cmd)
		defer cancel()

		task, err := client.GetTask(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}
		return printTask(cmd, task)
	},
}

func printTask(cmd *cobra.Command, t *eval.Task) error {
	w := output.NewWriterTo(cfg.Format, cmd.OutOrStdout())
	if output.Structured(cfg.Format) {
		return w.Print(t)
	}
	kv := output.KeyValues{
		{"ID", t.ID},
		{"Name", t.Name},
		{"Status", string(t.Status)},
		{"Dataset", fmt.Sprintf("%s v%d", t.DatasetID, t.DatasetVersion)},
		{"Model", t.ModelID},
		{"Evaluator", t.EvaluatorModel()},
		{"Mode", string(t.EvaluationMode)},
		{"Sampling", fmt.Sprintf("temperature=%g max_tokens=%d top_k=%d", t.Sampling.Temperature, t.Sampling.MaxTokens, t.Sampling.TopK)},
		{"Progress", fmt.Sprintf("%d%% (%s/%s, %s failed)", t.Progress,
			output.Count(t.CompletedQuestions), output.Count(t.TotalQuestions), output.Count(t.FailedQuestions))},
		{"Score", output.Score(t.Score)},
		{"Created", output.Timestamp(&t.CreatedAt)},
		{"Started", output.Timestamp(t.StartedAt)},
		{"Completed", output.Timestamp(t.CompletedAt)},
	}
	if t.ErrorMessage != "" {
		kv = append(kv, [2]string{"Error", t.ErrorMessage})
	}
	if s := t.ResultSummary; s != nil {
		kv = append(kv,
			[2]string{"Success rate", output.Percent(s.SuccessRate)},
			[2]string{"Tokens", output.Count(s.TotalTokens)},
			[2]string{"Cost", output.Cost(s.TotalCost)},
		)
	}
	return w.Print(kv)
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, conn, err := taskClient()
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := rpcContext(cmd)
		defer cancel()

		status, _ := cmd.Flags().GetString("status")
		datasetID, _ := cmd.Flags().GetString("dataset")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		tasks, total, err := client.ListTasks(ctx, eval.ListTasksQuery{
			Status:    eval.TaskStatus(status),
			DatasetID: datasetID,
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		if output.Structured(cfg.Format) {
			return output.NewWriterTo(cfg.Format, cmd.OutOrStdout()).Print(tasks)
		}

		table := output.Table{
			Headers: []string{"ID", "NAME", "STATUS", "PROGRESS", "SCORE", "CREATED"},
			Rows:    make([][]string, len(tasks)),
		}
		for i, t := range tasks {
			table.Rows[i] = []string{
				shortID(t.ID),
				t.Name,
				string(t.Status),
				fmt.Sprintf("%d%%", t.Progress),
				output.Score(t.Score),
				output.Timestamp(&t.CreatedAt),
			}
		}
		if cfg.Verbose {
			output.Info("Showing %d of %s tasks", len(tasks), output.Count(total))
		}
		return output.NewWriterTo("table", cmd.OutOrStdout()).Print(table)
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var taskParamsCmd = &cobra.Command{
	Use:   "params <id>",
	Short: "Change model and sampling parameters before confirming them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, conn, err := taskClient()
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := rpcContext(cmd)
		defer cancel()

		current, err := client.GetTask(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}
		in, err := paramsFromFlags(cmd, current.Sampling)
		if err != nil {
			return err
		}

		task, err := client.UpdateParams(ctx, args[0], in)
		if err != nil {
			return fmt.Errorf("failed to update parameters: %w", err)
		}
		return printTask(cmd, task)
	},
}

// paramsFromFlags builds an update from the flags that were set. Sampling
// flags are applied on top of the current values.
func paramsFromFlags(cmd *cobra.Command, sampling eval.SamplingParams) (eval.UpdateParamsInput, error) {
	f := cmd.Flags()
	var in eval.UpdateParamsInput
	if f.Changed("model") {
		v, _ := f.GetString("model")
		in.ModelID = &v
	}
	if f.Changed("evaluator") {
		v, _ := f.GetString("evaluator")
		in.EvaluatorModelID = &v
	}
	if f.Changed("mode") {
		v, _ := f.GetString("mode")
		mode := eval.EvaluationMode(v)
		in.EvaluationMode = &mode
	}
	if f.Changed("limit") {
		v, _ := f.GetInt("limit")
		in.QuestionLimit = &v
	}
	if f.Changed("api-key") {
		v, _ := f.GetString("api-key")
		in.APIKey = &v
	}

	changed := false
	if f.Changed("temperature") {
		sampling.Temperature, _ = f.GetFloat64("temperature")
		changed = true
	}
	if f.Changed("max-tokens") {
		sampling.MaxTokens, _ = f.GetInt("max-tokens")
		changed = true
	}
	if f.Changed("top-k") {
		sampling.TopK, _ = f.GetInt("top-k")
		changed = true
	}
	if f.Changed("reasoning") {
		sampling.EnableReasoning, _ = f.GetBool("reasoning")
		changed = true
	}
	if changed {
		in.Sampling = &sampling
	}

	if in == (eval.UpdateParamsInput{}) {
		return in, errors.New("no parameter flags given")
	}
	return in, nil
}

var taskPromptsCmd = &cobra.Command{
	Use:   "prompts <id>",
	Short: "Replace the prompts of a task before it starts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var prompts eval.PromptConfig
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			if err := readYAML(path, &prompts); err != nil {
				return err
			}
		}
		f := cmd.Flags()
		for flag, dst := range map[string]*string{
			"system":            &prompts.SystemPrompt,
			"choice-system":     &prompts.ChoiceSystemPrompt,
			"text-system":       &prompts.TextSystemPrompt,
			"choice-evaluation": &prompts.ChoiceEvaluationPrompt,
			"text-evaluation":   &prompts.TextEvaluationPrompt,
		} {
			if f.Changed(flag) {
				*dst, _ = f.GetString(flag)
			}
		}

		client, conn, err := taskClient()
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := rpcContext(cmd)
		defer cancel()

		task, err := client.UpdatePrompts(ctx, args[0], prompts)
		if err != nil {
			return fmt.Errorf("failed to update prompts: %w", err)
		}
		output.Success("Updated prompts of task %s", task.ID)
		return nil
	},
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

var taskAdvanceCmd = &cobra.Command{
	Use:   "advance <id>",
	Short: "Move a task to its next step",
	Long: `Advance confirms the parameters of a task in CONFIG_PARAMS, starts the
pipeline of a task in CONFIG_PROMPTS, and resumes the pipeline of a task
that was interrupted while generating or evaluating.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, conn, err := taskClient()
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := rpcContext(cmd)
		defer cancel()

		task, err := client.Advance(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to advance task: %w", err)
		}
		output.Success("Task %s is %s", task.ID, task.Status)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, conn, err := taskClient()
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := rpcContext(cmd)
		defer cancel()

		if _, err := client.Cancel(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}
		output.Success("Cancelled task %s", args[0])
		return nil
	},
}

var taskProgressCmd = &cobra.Command{
	Use:   "progress <id>",
	Short: "Show progress and ETA",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, conn, err := taskClient()
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := rpcContext(cmd)
		defer cancel()

		p, err := client.GetProgress(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get progress: %w", err)
		}
		return printProgress(cmd, p)
	},
}

func printProgress(cmd *cobra.Command, p *eval.Progress) error {
	w := output.NewWriterTo(cfg.Format, cmd.OutOrStdout())
	if output.Structured(cfg.Format) {
		return w.Print(p)
	}
	rate := "-"
	if p.ETA.QuestionsPerMinute != nil {
		rate = strconv.FormatFloat(*p.ETA.QuestionsPerMinute, 'f', 2, 64) + " q/min"
	}
	return w.Print(output.KeyValues{
		{"Status", string(p.Status)},
		{"Progress", fmt.Sprintf("%d%%", p.Progress)},
		{"Completed", output.Count(p.Completed) + "/" + output.Count(p.Total)},
		{"Failed", output.Count(p.Failed)},
		{"Rate", rate},
		{"Remaining", output.Duration(p.ETA.EstimatedRemainingSeconds)},
	})
}

var taskWaitCmd = &cobra.Command{
	Use:   "wait <id>",
	Short: "Poll a task until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, conn, err := taskClient()
		if err != nil {
			return err
		}
		defer conn.Close()

		interval, _ := cmd.Flags().GetDuration("interval")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := -1
		for {
			ctx, cancel := rpcContext(cmd)
			p, err := client.GetProgress(ctx, args[0])
			cancel()
			if err != nil {
				return fmt.Errorf("failed to get progress: %w", err)
			}
			if p.Progress != last {
				output.Info("%s %d%% (%s/%s)", p.Status, p.Progress, output.Count(p.Completed), output.Count(p.Total))
				last = p.Progress
			}
			if p.Status.IsTerminal() {
				if p.Status != eval.StatusCompleted {
					return fmt.Errorf("task %s ended %s", args[0], p.Status)
				}
				output.Success("Task %s completed", args[0])
				return nil
			}

			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-ticker.C:
			}
		}
	},
}

var taskResultsCmd = &cobra.Command{
	Use:   "results <id>",
	Short: "Show generated answers and their scores",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, conn, err := taskClient()
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := rpcContext(cmd)
		defer cancel()

		res, err := client.GetResults(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get results: %w", err)
		}
		if output.Structured(cfg.Format) {
			return output.NewWriterTo(cfg.Format, cmd.OutOrStdout()).Print(res)
		}

		failedOnly, _ := cmd.Flags().GetBool("failed")
		table := output.Table{Headers: []string{"QUESTION", "VALID", "SCORE", "EVALUATOR", "ANSWER"}}
		for _, row := range eval.ResultRows(res) {
			valid, _ := row["answer_valid"].(bool)
			if failedOnly && valid {
				continue
			}
			score := "-"
			if v, ok := row["score"].(float64); ok {
				score = output.Score(&v)
			}
			table.Rows = append(table.Rows, []string{
				fmt.Sprint(row["question_id"]),
				strconv.FormatBool(valid),
				score,
				fmt.Sprint(row["evaluator_type"]),
				output.Truncate(fmt.Sprint(row["answer"]), 60),
			})
		}
		output.Info("Score %s over %d evaluated answers", output.Score(scorePtr(res.Aggregate)), res.Aggregate.EvaluatedAnswers)
		return output.NewWriterTo("table", cmd.OutOrStdout()).Print(table)
	},
}

func scorePtr(a eval.Aggregate) *float64 {
	if a.EvaluatedAnswers == 0 {
		return nil
	}
	return &a.Score
}

var taskExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Write results to a file or S3 object on the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		req := eval.ExportRequest{ID: args[0]}
		req.Format, _ = f.GetString("format")
		req.Path, _ = f.GetString("path")
		if bucket, _ := f.GetString("s3-bucket"); bucket != "" {
			key, _ := f.GetString("s3-key")
			region, _ := f.GetString("s3-region")
			endpoint, _ := f.GetString("s3-endpoint")
			req.S3 = &eval.S3Destination{Bucket: bucket, Key: key, Region: region, Endpoint: endpoint}
		}
		if req.Path == "" && req.S3 == nil {
			return errors.New("either --path or --s3-bucket is required")
		}

		client, conn, err := taskClient()
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx, cancel := rpcContext(cmd)
		defer cancel()

		res, err := client.Export(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to export results: %w", err)
		}
		output.Success("Exported %s rows as %s to %s", output.Count(res.Rows), res.Format, res.URI)
		return nil
	},
}

func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().String("model", "", "Target model ID")
	cmd.Flags().String("evaluator", "", "Evaluator model ID (defaults to the target model)")
	cmd.Flags().String("mode", "", "Evaluation mode (model, rubric, hybrid)")
	cmd.Flags().Int("limit", 0, "Use only the first N questions (0 = all)")
	cmd.Flags().String("api-key", "", "Credential override for the model provider")
	cmd.Flags().Float64("temperature", 0.7, "Sampling temperature [0, 2]")
	cmd.Flags().Int("max-tokens", 2000, "Max tokens per answer [1, 32768]")
	cmd.Flags().Int("top-k", 50, "Top-k sampling [1, 100]")
	cmd.Flags().Bool("reasoning", false, "Enable provider reasoning mode")
}

func init() {
	// Create flags
	taskCreateCmd.Flags().StringP("file", "f", "", "Task file (YAML or JSON)")
	taskCreateCmd.Flags().String("name", "", "Task name")
	taskCreateCmd.Flags().String("dataset", "", "Dataset ID")
	taskCreateCmd.Flags().Int("dataset-version", 1, "Dataset version")
	addParamFlags(taskCreateCmd)

	addParamFlags(taskParamsCmd)

	// Prompt flags
	taskPromptsCmd.Flags().StringP("file", "f", "", "Prompt file (YAML)")
	taskPromptsCmd.Flags().String("system", "", "System prompt for every question type")
	taskPromptsCmd.Flags().String("choice-system", "", "System prompt for choice questions")
	taskPromptsCmd.Flags().String("text-system", "", "System prompt for text questions")
	taskPromptsCmd.Flags().String("choice-evaluation", "", "Evaluation template for choice questions")
	taskPromptsCmd.Flags().String("text-evaluation", "", "Evaluation template for text questions")

	// List flags
	taskListCmd.Flags().String("status", "", "Filter by status")
	taskListCmd.Flags().String("dataset", "", "Filter by dataset ID")
	taskListCmd.Flags().Int("limit", 50, "Max tasks to show")
	taskListCmd.Flags().Int("offset", 0, "Tasks to skip")

	taskWaitCmd.Flags().Duration("interval", 2*time.Second, "Polling interval")
	taskResultsCmd.Flags().Bool("failed", false, "Only show failed answers")

	// Export flags
	taskExportCmd.Flags().String("format", "", "csv, jsonl, json, parquet or xlsx (default: from the file extension)")
	taskExportCmd.Flags().String("path", "", "Destination path on the server")
	taskExportCmd.Flags().String("s3-bucket", "", "Destination S3 bucket")
	taskExportCmd.Flags().String("s3-key", "", "Destination S3 key")
	taskExportCmd.Flags().String("s3-region", "", "S3 region")
	taskExportCmd.Flags().String("s3-endpoint", "", "Custom S3 endpoint")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskParamsCmd)
	taskCmd.AddCommand(taskPromptsCmd)
	taskCmd.AddCommand(taskAdvanceCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskProgressCmd)
	taskCmd.AddCommand(taskWaitCmd)
	taskCmd.AddCommand(taskResultsCmd)
	taskCmd.AddCommand(taskExportCmd)
}
