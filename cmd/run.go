package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/config"
	"github.com/sells-group/datapipe/internal/events"
	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/pipeline"
)

var (
	runID       string
	runAIConfig string
	runFrom     string
)

var runCmd = &cobra.Command{
	Use:   "run <source-path>",
	Short: "Process one dataset in the foreground",
	Long:  "Registers the dataset if needed and runs the pipeline from --from (default: the start) without a dispatcher. The source path is relative to storage.root.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, config.ModeRun)
		if err != nil {
			return err
		}
		defer env.Close()

		ai := env.DefaultAI
		if runAIConfig != "" {
			if ai, err = model.LoadAIConfig(runAIConfig); err != nil {
				return err
			}
		}

		result, err := runDataset(ctx, env, runOptions{
			DatasetID:  runID,
			SourcePath: args[0],
			AIConfig:   ai,
			From:       model.ParseStatus(runFrom),
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

type runOptions struct {
	DatasetID  string
	SourcePath string
	AIConfig   *model.AIConfig
	From       model.Status
}

// runDataset registers the dataset, resets its status to the start marker
// and runs the pipeline inline.
func runDataset(ctx context.Context, env *pipelineEnv, opts runOptions) (*pipeline.RunResult, error) {
	id := opts.DatasetID
	if id == "" {
		var err error
		if id, err = model.DatasetIDFromPath(opts.SourcePath); err != nil {
			return nil, err
		}
	}
	from := opts.From
	if from == "" {
		from = model.StatusInQueue
	}
	if !from.IsStageMarker() {
		return nil, eris.Errorf("run: %q is not a stage marker", from)
	}

	task, created, err := env.Store.CreateTask(ctx, model.Task{ID: id, FilePath: opts.SourcePath, AIConfig: opts.AIConfig})
	if err != nil {
		return nil, eris.Wrap(err, "run: register task")
	}
	if created {
		events.Emit(ctx, env.Events, id, model.StatusAdded, map[string]any{"file_path": opts.SourcePath})
	} else if err := env.Store.UpdateSource(ctx, id, opts.SourcePath, opts.AIConfig); err != nil {
		return nil, eris.Wrap(err, "run: update source")
	}

	ai := opts.AIConfig
	if ai == nil {
		ai = task.AIConfig
	}
	if ai == nil {
		return nil, eris.New("run: no ai config (use --ai-config or annotate.ai_config_path)")
	}

	if err := env.Store.ResetStatus(ctx, id, from); err != nil {
		return nil, eris.Wrap(err, "run: reset status")
	}
	events.Emit(ctx, env.Events, id, from, nil)

	result, err := env.Pipeline.Run(ctx, pipeline.RunRequest{
		DatasetID:    id,
		SourcePath:   opts.SourcePath,
		AIConfig:     *ai,
		ResumeMarker: from,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline run")
	}

	zap.L().Info("dataset processed",
		zap.String("dataset_id", id),
		zap.Int("rows", result.Rows),
		zap.String("model_uid", result.ModelUID),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func init() {
	runCmd.Flags().StringVar(&runID, "id", "", "dataset id (default: source file name without extension)")
	runCmd.Flags().StringVar(&runAIConfig, "ai-config", "", "AI config file (YAML or JSON)")
	runCmd.Flags().StringVar(&runFrom, "from", "", "resume marker to start from (e.g. process_cleaning_done)")
	rootCmd.AddCommand(runCmd)
}
