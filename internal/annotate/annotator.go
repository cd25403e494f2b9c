// Package annotate labels every row of a dataset with sentiment, priority and
// topic by sending batches of text to configured model endpoints, falling
// back across models and finally to default labels.
package annotate

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/metrics"
	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/resilience"
	"github.com/sells-group/datapipe/internal/tabular"
)

// TextColumn is the input column sent to the models.
const TextColumn = "full_text"

// Output columns written by Annotate.
const (
	SentimentColumn = "sentiment"
	PriorityColumn  = "priority"
	TopicColumn     = "main_topic"
)

// Batch and retry limits applied to per-model settings.
const (
	DefaultPageSize      = 50
	MaxPageSize          = 5000
	DefaultRetryRequests = 3
	MaxRetryRequests     = 10
)

// Emitter receives progress events.
type Emitter func(name model.Status, payload map[string]any)

// Options tunes an Annotator. Zero values select the defaults.
type Options struct {
	PromptContext   string
	BackoffBase     time.Duration
	DefaultPageSize int
	DefaultRetries  int

	// Breaker configures the per-model circuit breakers of one call. Its
	// OnStateChange is replaced by a logger.
	Breaker resilience.CircuitBreakerConfig
}

// Annotator runs the annotation stage.
type Annotator struct {
	transport Transport
	opts      Options
}

// New creates an Annotator that sends prompts through t.
func New(t Transport, opts Options) *Annotator {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = DefaultPageSize
	}
	if opts.DefaultRetries <= 0 {
		opts.DefaultRetries = DefaultRetryRequests
	}
	return &Annotator{transport: t, opts: opts}
}

type datasetKey struct{}

// WithDatasetID attaches the dataset id to ctx for call logging.
func WithDatasetID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, datasetKey{}, id)
}

// DatasetIDFrom returns the dataset id attached by WithDatasetID.
func DatasetIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(datasetKey{}).(string)
	return id
}

// PageSize returns the batch size for m, clamped to MaxPageSize.
func (a *Annotator) PageSize(m model.Model) int {
	n := m.Data.PaginateRowsLimit
	if n <= 0 {
		n = a.opts.DefaultPageSize
	}
	return min(n, MaxPageSize)
}

// Retries returns the transport retry count for m, clamped to MaxRetryRequests.
func (a *Annotator) Retries(m model.Model) int {
	n := m.Data.RetryRequests
	if n <= 0 {
		n = a.opts.DefaultRetries
	}
	return min(n, MaxRetryRequests)
}

// Annotate labels every row of tbl and writes the sentiment, priority and
// main_topic columns. It returns the uid of the last model that answered, or
// of the model last selected when none did.
func (a *Annotator) Annotate(ctx context.Context, tbl *tabular.Table, cfg model.AIConfig, emit Emitter) (string, error) {
	texts, ok := tbl.Column(TextColumn)
	if !ok {
		return "", &model.SchemaError{Column: TextColumn}
	}

	excluded := NewExclusions()
	current, ok := Select(cfg, excluded)
	if !ok {
		return "", eris.Wrapf(model.ErrNoModel, "annotate: mode %q", cfg.Preferences.Mode)
	}
	initialUID := current.UID
	batchSize := a.PageSize(*current)

	total := len(texts)
	totalBatches := (total + batchSize - 1) / batchSize
	sentiments := make([]string, 0, total)
	priorities := make([]string, 0, total)
	topics := make([]string, 0, total)

	breakerCfg := a.opts.Breaker
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("annotate: circuit state change",
			zap.String("model_uid", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	breakers := resilience.NewBreakers(breakerCfg)

	log := zap.L().With(zap.String("dataset_id", DatasetIDFrom(ctx)))
	lastOK := ""

	for b := 0; b < totalBatches; b++ {
		if err := ctx.Err(); err != nil {
			return "", eris.Wrap(err, "annotate: canceled")
		}

		start := b * batchSize
		end := min(start+batchSize, total)
		batch := texts[start:end]
		prompt := BuildPrompt(a.opts.PromptContext, batch)

		var res Result
		defaulted := false
		for {
			r, err := a.call(ctx, breakers, *current, prompt)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", eris.Wrap(ctxErr, "annotate: canceled")
			}
			if err == nil && r.Kind == ResultOK {
				res = r.Fit(len(batch))
				lastOK = current.UID
				break
			}

			reason := r.Reason
			if err != nil {
				reason = err.Error()
			}
			excluded.Add(current.UID)
			next, found := Select(cfg, excluded)
			if !found {
				log.Warn("annotate: no fallback model left, using default labels",
					zap.Int("batch", b+1),
					zap.String("model_uid", current.UID),
					zap.String("reason", reason),
					zap.Error(&model.ExhaustionError{Tried: excluded.List()}),
				)
				res = Defaults(len(batch))
				defaulted = true
				break
			}
			log.Warn("annotate: falling back to next model",
				zap.Int("batch", b+1),
				zap.String("from", current.UID),
				zap.String("to", next.UID),
				zap.String("reason", reason),
			)
			current = next
		}

		sentiments = append(sentiments, res.Sentiments...)
		topics = append(topics, res.Topics...)
		for _, p := range res.Priorities {
			priorities = append(priorities, strconv.Itoa(p))
		}

		fallbackUsed := defaulted || current.UID != initialUID
		switch {
		case defaulted:
			metrics.AnnotateBatches.WithLabelValues("defaulted").Inc()
		case fallbackUsed:
			metrics.AnnotateBatches.WithLabelValues("fallback").Inc()
		default:
			metrics.AnnotateBatches.WithLabelValues("ok").Inc()
		}

		if emit != nil {
			emit(model.StatusAnnotatingProgress, map[string]any{
				"batch":               b + 1,
				"total_batches":       totalBatches,
				"batch_size":          batchSize,
				"total_rows":          total,
				"rows_processed":      end,
				"rows_remaining":      total - end,
				"progress_percentage": end * 100 / total,
				"current_row_index":   start + 1,
				"current_row_end":     end,
				"model_uid":           current.UID,
				"fallback_used":       fallbackUsed,
				"defaulted":           defaulted,
				"pagination":          b + 1,
				"total":               totalBatches,
			})
		}
	}

	for _, col := range []struct {
		name   string
		values []string
	}{
		{SentimentColumn, sentiments},
		{PriorityColumn, priorities},
		{TopicColumn, topics},
	} {
		if err := tbl.SetColumn(col.name, col.values); err != nil {
			return "", eris.Wrapf(err, "annotate: set column %s", col.name)
		}
	}

	if lastOK != "" {
		return lastOK, nil
	}
	return current.UID, nil
}

// call sends one prompt to m, retrying transport failures with power-of-two
// backoff behind the model's circuit breaker.
func (a *Annotator) call(ctx context.Context, breakers *resilience.Breakers, m model.Model, prompt string) (Result, error) {
	cfg := resilience.PowerOfTwo(a.Retries(m)+1, a.opts.BackoffBase)
	cfg.ShouldRetry = isTransportError
	cfg.OnRetry = resilience.RetryLogger("annotate", "complete", zap.String("model_uid", m.UID))

	content, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		return resilience.ExecuteVal(ctx, breakers.Get(m.UID), func(ctx context.Context) (string, error) {
			return a.transport.Complete(ctx, m, prompt)
		})
	})
	if err != nil {
		metrics.AnnotateCalls.WithLabelValues(m.ProviderName(), "error").Inc()
		return Result{}, err
	}
	res := Decode(content)
	metrics.AnnotateCalls.WithLabelValues(m.ProviderName(), res.Kind.String()).Inc()
	return res, nil
}

func isTransportError(err error) bool {
	var te *model.TransportError
	return errors.As(err, &te)
}
