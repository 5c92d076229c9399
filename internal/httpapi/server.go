// Package httpapi implements the daemon's HTTP surface: submit/status/
// cancel for jobs, an /events SSE stream over internal/eventbus topic
// patterns, /metrics, and /health — a REST-handler style (otelhttp
// wrapping, body-size/CORS middleware) narrowed to the one-resource-type
// surface of spec §6. There is no separate SSE hub: internal/eventbus
// already gives every subscriber an isolated, backpressure-safe ring
// buffer, so /events subscribes to it directly instead of fanning out
// through a second, redundant hub.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/numerus-run/numerus/internal/config"
	"github.com/numerus-run/numerus/internal/eventbus"
	"github.com/numerus-run/numerus/internal/journal"
	"github.com/numerus-run/numerus/internal/runner"
	"github.com/numerus-run/numerus/internal/store"
)

// defaultMaxRequestBodyBytes caps decoded request bodies (1 MiB) so a
// malformed or hostile client can't exhaust memory decoding JSON.
const defaultMaxRequestBodyBytes = 1 << 20

func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets permissive CORS headers for a local-only daemon; the
// front end (cmd/numerus, or a future dev UI) is assumed to run on a
// different origin/port than numerusd.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Options configures the daemon's HTTP server. Every dependency is passed
// in already constructed (spec §9 "no ambient globals") rather than built
// internally from a home directory.
type Options struct {
	Addr           string
	Cfg            config.Config
	Store          store.Store
	Runner         *runner.Runner
	Bus            *eventbus.Bus
	MetricsHandler http.Handler // from otel.InitMeterProvider; /metrics 501s if nil
	UseOtelHTTP    bool
}

// App holds the built HTTP server and its dependencies, for tests that
// want to call handlers without a real listener.
type App struct {
	Server *http.Server
	opts   Options
}

// New builds the daemon's HTTP app and registers every route.
func New(opts Options) *App {
	mux := http.NewServeMux()
	app := &App{opts: opts}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusNotImplemented)
		})
	}

	mux.HandleFunc("/events", app.handleEvents)

	mux.HandleFunc("/jobs", app.handleJobs)
	mux.HandleFunc("/jobs/", app.handleJobScoped)

	var handler http.Handler = mux
	handler = corsMiddleware(handler)
	handler = bodyLimitMiddleware(defaultMaxRequestBodyBytes, handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "numerusd")
	}

	app.Server = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app
}

// handleJobs serves POST /jobs (submit) and GET /jobs (recent jobs).
func (a *App) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Objective  string `json:"objective"`
			WorkingDir string `json:"working_dir"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Objective == "" {
			writeJSONError(w, http.StatusBadRequest, "objective required")
			return
		}
		jobID, err := a.opts.Runner.Submit(r.Context(), body.Objective, body.WorkingDir)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{"job_id": jobID})
	case http.MethodGet:
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		jobs, err := a.opts.Store.ListJobs(r.Context(), limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, jobs)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJobScoped serves everything under /jobs/{job_id}/...:
//
//	GET  /jobs/{job_id}                              job + task status
//	POST /jobs/{job_id}/cancel                        cancel(job_id)
//	GET  /jobs/{job_id}/tasks/{task_id}/logs          raw NDJSON event log
func (a *App) handleJobScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	jobID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		a.handleJobStatus(w, r, jobID)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		a.handleJobCancel(w, r, jobID)
	case len(parts) == 4 && parts[1] == "tasks" && parts[3] == "logs":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		a.handleTaskLogs(w, r, jobID, parts[2])
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) handleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, tasks, err := a.opts.Runner.Status(r.Context(), jobID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, map[string]any{"job": job, "tasks": tasks})
}

func (a *App) handleJobCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := a.opts.Runner.Cancel(r.Context(), jobID); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"ok": true})
}

// handleTaskLogs serves a task's raw terminal.* NDJSON mirror. With
// ?follow=1 it switches to an SSE stream of terminal.* bus events for that
// task instead of the on-disk snapshot; per spec, rendering the content
// (syntax, colors, paging) is the CLI's job, not the daemon's.
func (a *App) handleTaskLogs(w http.ResponseWriter, r *http.Request, jobID, taskID string) {
	if r.URL.Query().Get("follow") != "" {
		a.streamTaskLogs(w, r, jobID, taskID)
		return
	}
	path := journal.TaskEventsPath(a.opts.Cfg.RunsDir, jobID, taskID)
	http.ServeFile(w, r, path)
}

func (a *App) streamTaskLogs(w http.ResponseWriter, r *http.Request, jobID, taskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	writeSSEHeaders(w)

	sub := a.opts.Bus.Subscribe("terminal.*", 0)
	defer sub.Unsubscribe()

	ctx := r.Context()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if ev.JobID != jobID || ev.TaskID != taskID {
			continue
		}
		writeSSE(w, flusher, ev)
	}
}

// handleEvents streams bus events matching ?topic= (default "*") as
// text/event-stream, one JSON-encoded eventbus.Event per message.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	pattern := r.URL.Query().Get("topic")
	if pattern == "" {
		pattern = "*"
	}
	writeSSEHeaders(w)

	sub := a.opts.Bus.Subscribe(pattern, 0)
	defer sub.Unsubscribe()
	ctx := r.Context()

	// sub.Next is not safe to call from two goroutines at once, so a
	// single pump goroutine owns it; the handler goroutine only ever
	// selects on the channels below, which is what lets it also wait on
	// the keepalive ticker without a second concurrent reader.
	events := make(chan eventbus.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-events:
			writeSSE(w, flusher, ev)
		}
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev eventbus.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
