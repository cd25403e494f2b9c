package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/annotate"
	"github.com/sells-group/datapipe/internal/clean"
	"github.com/sells-group/datapipe/internal/config"
	"github.com/sells-group/datapipe/internal/db"
	"github.com/sells-group/datapipe/internal/dispatch"
	"github.com/sells-group/datapipe/internal/events"
	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/pipeline"
	"github.com/sells-group/datapipe/internal/resilience"
	"github.com/sells-group/datapipe/internal/stage"
	"github.com/sells-group/datapipe/internal/storage"
	"github.com/sells-group/datapipe/internal/store"
	"github.com/sells-group/datapipe/internal/tabular"
)

// pipelineEnv holds the store, storage and pipeline shared by the
// serve, worker and run commands.
type pipelineEnv struct {
	Store     store.Store
	Storage   *storage.Store
	Pipeline  *pipeline.Pipeline
	Events    events.Publisher
	DefaultAI *model.AIConfig // may be nil

	closers []func()
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	for i := len(pe.closers) - 1; i >= 0; i-- {
		pe.closers[i]()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline validates the config for mode, opens the store and storage
// root and builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	format, err := tabular.ParseFormat(cfg.Storage.Format)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Storage, err = storage.NewOS(cfg.Storage.Root,
		storage.WithFormat(format),
		storage.WithCSVOptions(tabular.CSVOptions{
			Delimiter:  cfg.Ingest.DelimiterRune(),
			Encoding:   cfg.Ingest.Encoding,
			LazyQuotes: cfg.Ingest.LazyQuotes,
			TrimSpace:  cfg.Ingest.TrimSpace,
		}),
	)
	if err != nil {
		env.Close()
		return nil, err
	}

	if cfg.Annotate.AIConfigPath != "" {
		env.DefaultAI, err = model.LoadAIConfig(cfg.Annotate.AIConfigPath)
		if err != nil {
			env.Close()
			return nil, err
		}
		zap.L().Info("default ai config loaded",
			zap.String("path", cfg.Annotate.AIConfigPath),
			zap.String("mode", string(env.DefaultAI.Preferences.Mode)),
		)
	}

	sinks := []events.Publisher{events.Log{}, events.NewStore(st)}
	if cfg.Events.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhook(cfg.Events.WebhookURL, config.Seconds(cfg.Events.WebhookTimeoutSecs)))
		zap.L().Info("event webhook enabled")
	}
	env.Events = events.NewMulti(sinks...)

	var sink stage.RowSink
	if cfg.Sink.Table != "" {
		pool, err := db.Connect(ctx, cfg.SinkDatabaseURL(), nil)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "connect warehouse sink")
		}
		env.closers = append(env.closers, pool.Close)
		if err := db.EnsureDatasetTable(ctx, pool, cfg.Sink.Table); err != nil {
			env.Close()
			return nil, err
		}
		sink = db.NewRowSink(pool, cfg.Sink.Table)
		zap.L().Info("warehouse sink enabled", zap.String("table", cfg.Sink.Table))
	}

	transport := annotate.NewTransport(
		annotate.WithHTTPClient(&http.Client{Timeout: config.Seconds(cfg.Annotate.TimeoutSecs)}),
		annotate.WithRequestsPerSecond(cfg.Annotate.RequestsPerSecond),
		annotate.WithMaxTokens(cfg.Annotate.MaxTokens),
	)
	annotator := annotate.New(transport, annotate.Options{
		PromptContext:   cfg.Annotate.PromptContext,
		BackoffBase:     config.Millis(cfg.Annotate.BackoffBaseMs),
		Breaker:         resilience.FromCircuitConfig(cfg.Annotate.BreakerThreshold, cfg.Annotate.BreakerResetSecs),
		DefaultPageSize: cfg.Annotate.DefaultPageSize,
		DefaultRetries:  cfg.Annotate.DefaultRetries,
	})
	cleaner := clean.New(clean.Options{
		TextColumns:       cfg.Clean.TextColumns,
		FenceMultiplier:   cfg.Clean.FenceMultiplier,
		IdentifierColumns: cfg.Clean.IdentifierColumns,
	})

	env.Pipeline, err = pipeline.New(st, env.Storage, env.Events,
		stage.NewIngest(env.Storage),
		stage.NewClean(cleaner, env.Storage, st),
		stage.NewAnnotate(annotator),
		stage.NewAugment(),
		stage.NewPersist(env.Storage, st, sink),
	)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// dispatchRetry maps the configured outer retry budget. Zero in the config
// means no retries.
func dispatchRetry() dispatch.RetryOptions {
	retries := cfg.Dispatch.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return dispatch.RetryOptions{
		MaxRetries: retries,
		RetryDelay: config.Seconds(cfg.Dispatch.RetryDelaySecs),
	}
}

// initDispatcher builds the dispatcher selected by dispatch.mode. The
// returned func drains or closes it.
func initDispatcher(env *pipelineEnv) (dispatch.Dispatcher, func(context.Context), error) {
	switch cfg.Dispatch.Mode {
	case "temporal":
		c, err := dispatch.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace)
		if err != nil {
			return nil, nil, err
		}
		d := dispatch.NewTemporal(c, dispatch.TemporalOptions{
			TaskQueue: cfg.Temporal.TaskQueue,
			Retry:     dispatchRetry(),
			Timeout:   time.Duration(cfg.Temporal.RunTimeoutMins) * time.Minute,
		})
		return d, func(context.Context) { c.Close() }, nil
	default:
		d := dispatch.NewLocal(env.Pipeline, dispatch.LocalOptions{
			Concurrency: cfg.Dispatch.Concurrency,
			Retry:       dispatchRetry(),
		})
		return d, func(ctx context.Context) {
			if err := d.Shutdown(ctx); err != nil {
				zap.L().Warn("local dispatcher shutdown", zap.Error(err))
			}
		}, nil
	}
}
