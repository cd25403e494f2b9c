package annotate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/resilience"
	"github.com/sells-group/datapipe/internal/tabular"
)

// fakeTransport answers per model uid and counts calls.
type fakeTransport struct {
	mu      sync.Mutex
	replies map[string]func(prompt string) (string, error)
	calls   map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		replies: make(map[string]func(string) (string, error)),
		calls:   make(map[string]int),
	}
}

func (f *fakeTransport) on(uid string, fn func(prompt string) (string, error)) *fakeTransport {
	f.replies[uid] = fn
	return f
}

func (f *fakeTransport) Complete(_ context.Context, m model.Model, prompt string) (string, error) {
	f.mu.Lock()
	f.calls[m.UID]++
	fn := f.replies[m.UID]
	f.mu.Unlock()
	if fn == nil {
		return "{}", nil
	}
	return fn(prompt)
}

func (f *fakeTransport) count(uid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uid]
}

func always(content string) func(string) (string, error) {
	return func(string) (string, error) { return content, nil }
}

func failing(uid string, status int) func(string) (string, error) {
	return func(string) (string, error) {
		return "", &model.TransportError{ModelUID: uid, StatusCode: status, Err: errors.New("boom")}
	}
}

func goodReply(n int) func(string) (string, error) {
	return func(string) (string, error) {
		s, p, tp := make([]string, n), make([]string, n), make([]string, n)
		for i := range n {
			s[i], p[i], tp[i] = `"negative"`, `"high"`, `"network"`
		}
		return fmt.Sprintf(`{"data": {"sentiment": [%s], "priority": [%s], "topic": [%s]}}`,
			join(s), join(p), join(tp)), nil
	}
}

func join(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it
	}
	return out
}

func textTable(t *testing.T, n int) *tabular.Table {
	t.Helper()
	records := [][]string{{"id", TextColumn}}
	for i := range n {
		records = append(records, []string{fmt.Sprint(i + 1), fmt.Sprintf("post %d", i+1)})
	}
	tbl, err := tabular.FromRecords(records)
	require.NoError(t, err)
	return tbl
}

func localConfig(pageSize int, uids ...string) model.AIConfig {
	cfg := model.AIConfig{Preferences: model.AIPreferences{Mode: model.AIModeLocal}}
	for _, uid := range uids {
		cfg.Local = append(cfg.Local, model.Model{UID: uid, Data: model.ModelData{PaginateRowsLimit: pageSize, RetryRequests: 2}})
	}
	return cfg
}

type recorder struct {
	events []map[string]any
}

func (r *recorder) emit(name model.Status, payload map[string]any) {
	if name == model.StatusAnnotatingProgress {
		r.events = append(r.events, payload)
	}
}

func testAnnotator(tr Transport) *Annotator {
	return New(tr, Options{BackoffBase: time.Millisecond})
}

func TestAnnotate_HappyPath(t *testing.T) {
	tr := newFakeTransport().on("m1", goodReply(2))
	tbl := textTable(t, 3)
	rec := &recorder{}

	uid, err := testAnnotator(tr).Annotate(context.Background(), tbl, localConfig(2, "m1"), rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "m1", uid)
	assert.Equal(t, 2, tr.count("m1"))

	assert.Equal(t, []string{"id", TextColumn, SentimentColumn, PriorityColumn, TopicColumn}, tbl.Columns)
	pr, _ := tbl.Column(PriorityColumn)
	assert.Equal(t, []string{"2", "2", "2"}, pr)

	require.Len(t, rec.events, 2)
	last := rec.events[1]
	assert.Equal(t, 2, last["batch"])
	assert.Equal(t, 2, last["total_batches"])
	assert.Equal(t, 3, last["total_rows"])
	assert.Equal(t, 3, last["rows_processed"])
	assert.Equal(t, 0, last["rows_remaining"])
	assert.Equal(t, 100, last["progress_percentage"])
	assert.Equal(t, 3, last["current_row_index"])
	assert.Equal(t, 3, last["current_row_end"])
	assert.Equal(t, false, last["fallback_used"])
	assert.Equal(t, 2, last["pagination"])
	assert.Equal(t, 2, last["total"])
	assert.Equal(t, 66, rec.events[0]["progress_percentage"])
}

func TestAnnotate_EmptyRepliesExhaustEveryModelOnce(t *testing.T) {
	tr := newFakeTransport()
	tbl := textTable(t, 3)
	rec := &recorder{}

	uid, err := testAnnotator(tr).Annotate(context.Background(), tbl, localConfig(10, "a", "b", "c"), rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "c", uid)
	assert.Equal(t, 1, tr.count("a"))
	assert.Equal(t, 1, tr.count("b"))
	assert.Equal(t, 1, tr.count("c"))

	s, _ := tbl.Column(SentimentColumn)
	assert.Equal(t, []string{"neutral", "neutral", "neutral"}, s)
	p, _ := tbl.Column(PriorityColumn)
	assert.Equal(t, []string{"0", "0", "0"}, p)
	tp, _ := tbl.Column(TopicColumn)
	assert.Equal(t, []string{"general", "general", "general"}, tp)

	require.Len(t, rec.events, 1)
	assert.Equal(t, true, rec.events[0]["fallback_used"])
	assert.Equal(t, true, rec.events[0]["defaulted"])
}

func TestAnnotate_ExhaustionIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	tr := newFakeTransport()
	_, err := testAnnotator(tr).Annotate(context.Background(), textTable(t, 2), localConfig(10, "a", "b"), nil)
	require.NoError(t, err)

	entries := logs.FilterMessage("annotate: no fallback model left, using default labels").All()
	require.Len(t, entries, 1)
	logged, ok := entries[0].ContextMap()["error"].(string)
	require.True(t, ok)
	assert.Equal(t, (&model.ExhaustionError{Tried: []string{"a", "b"}}).Error(), logged)
}

func TestAnnotate_FallbackToNextModel(t *testing.T) {
	tr := newFakeTransport().
		on("a", always("not json at all")).
		on("b", goodReply(2))
	tbl := textTable(t, 4)
	rec := &recorder{}

	uid, err := testAnnotator(tr).Annotate(context.Background(), tbl, localConfig(2, "a", "b"), rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "b", uid)
	assert.Equal(t, 1, tr.count("a"))
	assert.Equal(t, 2, tr.count("b"))

	require.Len(t, rec.events, 2)
	for _, ev := range rec.events {
		assert.Equal(t, "b", ev["model_uid"])
		assert.Equal(t, true, ev["fallback_used"])
		assert.Equal(t, false, ev["defaulted"])
	}
	s, _ := tbl.Column(SentimentColumn)
	assert.Equal(t, []string{"negative", "negative", "negative", "negative"}, s)
}

func TestAnnotate_LastModelRetriedOnceAfterExhaustion(t *testing.T) {
	tr := newFakeTransport()
	tbl := textTable(t, 3)

	_, err := testAnnotator(tr).Annotate(context.Background(), tbl, localConfig(1, "a", "b"), nil)
	require.NoError(t, err)
	// Batch 1 tries a then b; batches 2 and 3 retry b once each.
	assert.Equal(t, 1, tr.count("a"))
	assert.Equal(t, 3, tr.count("b"))
}

func TestAnnotate_TransportRetries(t *testing.T) {
	tr := newFakeTransport().on("a", failing("a", 503))
	tbl := textTable(t, 1)

	uid, err := testAnnotator(tr).Annotate(context.Background(), tbl, localConfig(5, "a"), nil)
	require.NoError(t, err)
	assert.Equal(t, "a", uid)
	// retryRequests = 2 gives three attempts.
	assert.Equal(t, 3, tr.count("a"))
}

func TestAnnotate_CircuitBreakerFailsFast(t *testing.T) {
	tr := newFakeTransport().on("a", failing("a", 500))
	tbl := textTable(t, 4)
	a := New(tr, Options{BackoffBase: time.Millisecond, Breaker: resilience.FromCircuitConfig(3, 3600)})

	_, err := a.Annotate(context.Background(), tbl, localConfig(1, "a"), nil)
	require.NoError(t, err)
	// The breaker opens after three failures in batch 1; later batches are
	// rejected without reaching the transport.
	assert.Equal(t, 3, tr.count("a"))
}

func TestAnnotate_ShortReplyIsPadded(t *testing.T) {
	tr := newFakeTransport().on("a", always(`{"data": {"sentiment": ["positive"], "priority": ["low"], "topic": ["billing"]}}`))
	tbl := textTable(t, 2)

	_, err := testAnnotator(tr).Annotate(context.Background(), tbl, localConfig(5, "a"), nil)
	require.NoError(t, err)
	s, _ := tbl.Column(SentimentColumn)
	assert.Equal(t, []string{"positive", "neutral"}, s)
	tp, _ := tbl.Column(TopicColumn)
	assert.Equal(t, []string{"billing", "general"}, tp)
}

func TestAnnotate_MissingTextColumn(t *testing.T) {
	tbl, err := tabular.FromRecords([][]string{{"id", "body"}, {"1", "x"}})
	require.NoError(t, err)

	_, err = testAnnotator(newFakeTransport()).Annotate(context.Background(), tbl, localConfig(5, "a"), nil)
	var se *model.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, TextColumn, se.Column)
}

func TestAnnotate_NoModel(t *testing.T) {
	tbl := textTable(t, 1)
	cfg := model.AIConfig{Preferences: model.AIPreferences{Mode: model.AIModeExternal}}

	_, err := testAnnotator(newFakeTransport()).Annotate(context.Background(), tbl, cfg, nil)
	assert.ErrorIs(t, err, model.ErrNoModel)
}

func TestAnnotate_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := newFakeTransport().on("a", func(string) (string, error) {
		cancel()
		return "", &model.TransportError{ModelUID: "a", Err: context.Canceled}
	})
	tbl := textTable(t, 3)

	_, err := testAnnotator(tr).Annotate(ctx, tbl, localConfig(1, "a", "b"), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, tr.count("b"))
	assert.False(t, tbl.HasColumn(SentimentColumn))
}

func TestAnnotate_EmptyTable(t *testing.T) {
	tbl := textTable(t, 0)
	rec := &recorder{}

	uid, err := testAnnotator(newFakeTransport()).Annotate(context.Background(), tbl, localConfig(5, "a"), rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "a", uid)
	assert.Empty(t, rec.events)
	assert.True(t, tbl.HasColumn(PriorityColumn))
}

func TestAnnotator_Limits(t *testing.T) {
	a := New(nil, Options{})
	assert.Equal(t, DefaultPageSize, a.PageSize(model.Model{}))
	assert.Equal(t, MaxPageSize, a.PageSize(model.Model{Data: model.ModelData{PaginateRowsLimit: 10000}}))
	assert.Equal(t, 7, a.PageSize(model.Model{Data: model.ModelData{PaginateRowsLimit: 7}}))
	assert.Equal(t, DefaultRetryRequests, a.Retries(model.Model{}))
	assert.Equal(t, MaxRetryRequests, a.Retries(model.Model{Data: model.ModelData{RetryRequests: 50}}))
}
