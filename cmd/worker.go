package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/config"
	"github.com/sells-group/datapipe/internal/dispatch"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run pipeline activities for the Temporal task queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, config.ModeWorker)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := dispatch.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace)
		if err != nil {
			return err
		}
		defer c.Close()

		w := dispatch.NewWorker(c, cfg.Temporal.TaskQueue, dispatch.NewActivities(env.Pipeline), cfg.Dispatch.Concurrency)
		if err := w.Start(); err != nil {
			return eris.Wrap(err, "worker: start")
		}
		zap.L().Info("worker started",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.Int("concurrency", cfg.Dispatch.Concurrency),
		)

		<-ctx.Done()
		zap.L().Info("stopping worker")
		w.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
