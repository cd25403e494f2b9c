// Package server exposes the HTTP API: work intake, task inspection,
// health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/control"
	"github.com/sells-group/datapipe/internal/intake"
	"github.com/sells-group/datapipe/internal/metrics"
	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/store"
)

const maxBodyBytes = 1 << 20

// Intake applies one work or control message synchronously.
type Intake interface {
	Handle(ctx context.Context, kind string, body []byte) (*control.Outcome, intake.Disposition, error)
}

// Publisher enqueues a message for asynchronous intake.
type Publisher interface {
	Publish(ctx context.Context, kind string, body []byte) error
}

// TaskReader is the read side of the task store.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]model.Task, error)
	ListEvents(ctx context.Context, datasetID string, limit int) ([]model.Event, error)
}

// Deps are the collaborators behind the routes. Queue may be nil, in which
// case /v1/queue is not mounted.
type Deps struct {
	Intake         Intake
	Queue          Publisher
	Tasks          TaskReader
	AllowedOrigins []string
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/intake/{kind}", intakeHandler(d.Intake))
		if d.Queue != nil {
			r.Post("/queue/{kind}", queueHandler(d.Queue))
		}
		r.Get("/tasks", listTasks(d.Tasks))
		r.Get("/tasks/{id}", getTask(d.Tasks))
		r.Get("/tasks/{id}/events", listEvents(d.Tasks))
	})
	return r
}

func intakeHandler(in Intake) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		out, disp, err := in.Handle(r.Context(), kind, body)
		switch disp {
		case intake.Ack:
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "outcome": out})
		case intake.Drop:
			writeError(w, http.StatusUnprocessableEntity, err)
		default:
			writeError(w, http.StatusServiceUnavailable, err)
		}
	}
}

func queueHandler(q Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if _, err := intake.Decode(kind, body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		if err := q.Publish(r.Context(), kind, body); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "kind": kind})
	}
}

func listTasks(tasks TaskReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.TaskFilter{Status: model.ParseStatus(q.Get("status"))}
		var err error
		if filter.Limit, err = intParam(q.Get("limit")); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if filter.Offset, err = intParam(q.Get("offset")); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		list, err := tasks.ListTasks(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if list == nil {
			list = []model.Task{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func getTask(tasks TaskReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func listEvents(tasks TaskReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit, err := intParam(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if _, err := tasks.GetTask(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		evs, err := tasks.ListEvents(r.Context(), id, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if evs == nil {
			evs = []model.Event{}
		}
		writeJSON(w, http.StatusOK, evs)
	}
}

// ResolvePort returns the flag port when set, else the configured one.
func ResolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// Start serves h on port until ctx is done, then shuts down gracefully.
func Start(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server: listen")
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "server: read body")
	}
	return body, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, eris.Errorf("server: invalid integer %q", raw)
	}
	return n, nil
}

func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
