package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/datapipe/internal/config"
	"github.com/sells-group/datapipe/internal/control"
	"github.com/sells-group/datapipe/internal/intake"
	"github.com/sells-group/datapipe/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and intake consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		d, closeDispatcher, err := initDispatcher(env)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			closeDispatcher(shutdownCtx)
		}()

		ctrl := control.New(env.Store, d, env.Events)
		handler := intake.NewHandler(ctrl, env.DefaultAI)
		queue := intake.NewQueue(cfg.Intake.QueueSize)
		consumer := intake.NewConsumer(queue, handler, config.Millis(cfg.Intake.RequeueBackoffMs))

		router := server.NewRouter(server.Deps{
			Intake:         handler,
			Queue:          queue,
			Tasks:          env.Store,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		zap.L().Info("serve: dispatcher ready", zap.String("mode", cfg.Dispatch.Mode))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Start(gctx, router, server.ResolvePort(servePort, cfg.Server.Port))
		})
		g.Go(func() error {
			return consumer.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			queue.Close()
			return nil
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
