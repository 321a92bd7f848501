package main

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/opgeeweb/pkg/auth"
	"github.com/guido-cesarano/opgeeweb/pkg/logger"
	"github.com/guido-cesarano/opgeeweb/pkg/queue"
	"github.com/guido-cesarano/opgeeweb/pkg/results"
	"github.com/guido-cesarano/opgeeweb/pkg/runner"
	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
	"github.com/guido-cesarano/opgeeweb/pkg/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed static
var staticFiles embed.FS

var pages = template.Must(template.ParseFS(staticFiles, "static/*.html"))

var submitSchema = validation.MustCompile("submit.json", validation.SubmitSchema)

var (
	tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opgee_tasks_submitted_total",
		Help: "Tasks accepted by POST /tasks",
	}, []string{"type"})

	resultsDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opgee_results_downloaded_total",
		Help: "Result workbooks served by /download",
	})
)

const maxBodyBytes = 1 << 20

type routerDeps struct {
	queue   *queue.Client
	runners *runner.Registry
	results results.Store
	auth    *auth.Service
	apiKey  string
	// secure marks the session cookie HTTPS-only.
	secure      bool
	submitRate  int
	submitBurst int
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Status: "error", Message: msg})
}

// setupRouter configures the HTTP handlers.
func setupRouter(d routerDeps) http.Handler {
	mux := http.NewServeMux()

	api := func(h http.HandlerFunc) http.HandlerFunc {
		return authMiddleware(h, d.apiKey, d.auth)
	}

	mux.HandleFunc("POST /tasks", api(d.submitTask))
	mux.HandleFunc("GET /tasks/{taskID}", api(d.taskStatus))
	mux.HandleFunc("GET /download", api(d.download))
	mux.HandleFunc("POST /download", api(d.download))
	mux.HandleFunc("GET /stats", api(d.stats))
	mux.HandleFunc("GET /queues/{name}", api(d.inspectQueue))

	mux.HandleFunc("GET /{$}", d.loginPage)
	mux.HandleFunc("POST /login", d.login)
	mux.HandleFunc("POST /logout", d.logout)
	mux.HandleFunc("GET /private", d.privatePage)

	assets, _ := fs.Sub(staticFiles, "static")
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(assets)))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.queue.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "broker unreachable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return logRequests(enableCORS(mux))
}

// submitTask enqueues a task of the requested type and answers 202 with its id.
func (d routerDeps) submitTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := submitSchema.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req tasks.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !d.runners.Has(req.Type) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: %s", runner.ErrUnknownType, req.Type))
		return
	}

	if d.submitRate > 0 {
		burst := d.submitBurst
		if burst <= 0 {
			burst = d.submitRate
		}
		allowed, err := d.queue.Allow(r.Context(), "ratelimit:submit:"+req.Type, d.submitRate, burst)
		if err != nil {
			// Fail open: the broker error surfaces on Enqueue if it persists.
			logger.Log.Error().Err(err).Msg("Rate limit check failed")
		} else if !allowed {
			writeError(w, http.StatusTooManyRequests, "too many submissions, try again shortly")
			return
		}
	}

	task := tasks.Task{
		ID:        uuid.New().String(),
		Type:      req.Type,
		CreatedAt: time.Now(),
	}
	if err := d.queue.Enqueue(r.Context(), task); err != nil {
		logger.Log.Error().Err(err).Str("type", task.Type).Msg("Enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	tasksSubmitted.WithLabelValues(task.Type).Inc()
	logger.Log.Info().Str("task_id", task.ID).Str("type", task.Type).Msg("Task enqueued")

	writeJSON(w, http.StatusAccepted, tasks.SubmitResponse{
		Status: "success",
		Data:   tasks.SubmitData{TaskID: task.ID},
	})
}

func (d routerDeps) taskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := d.queue.Get(r.Context(), r.PathValue("taskID"))
	if errors.Is(err, queue.ErrTaskNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Status: "error"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, tasks.StatusResponse{
		Status: "success",
		Data:   tasks.StatusData{TaskID: task.ID, TaskStatus: task.Status},
	})
}

// download streams a finished task's workbook. Without task_id it serves the
// most recently finished result.
func (d routerDeps) download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var task *tasks.Task
	var err error
	if id := r.FormValue("task_id"); id != "" {
		task, err = d.queue.Get(ctx, id)
		if err == nil && task.Status != tasks.StatusFinished {
			writeError(w, http.StatusNotFound, "result not ready")
			return
		}
	} else {
		task, err = d.queue.LatestResult(ctx)
	}
	if errors.Is(err, queue.ErrTaskNotFound) || errors.Is(err, queue.ErrNoResult) {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body, contentType, err := d.results.Open(ctx, task.Result)
	if errors.Is(err, results.ErrNotFound) {
		writeError(w, http.StatusNotFound, "result expired")
		return
	}
	if err != nil {
		logger.Log.Error().Err(err).Str("task_id", task.ID).Msg("Result open failed")
		writeError(w, http.StatusInternalServerError, "result unavailable")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(task.Result)))
	if _, err := io.Copy(w, body); err != nil {
		logger.Log.Warn().Err(err).Str("task_id", task.ID).Msg("Download interrupted")
		return
	}
	resultsDownloaded.Inc()
}

func (d routerDeps) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.queue.GetQueueDepths(r.Context()))
}

func (d routerDeps) inspectQueue(w http.ResponseWriter, r *http.Request) {
	list, err := d.queue.InspectQueue(r.Context(), r.PathValue("name"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type loginView struct {
	Error string
}

func (d routerDeps) loginPage(w http.ResponseWriter, r *http.Request) {
	if hasSession(r, d.auth) {
		http.Redirect(w, r, "/private", http.StatusSeeOther)
		return
	}
	renderPage(w, http.StatusOK, "login.html", loginView{})
}

func (d routerDeps) login(w http.ResponseWriter, r *http.Request) {
	token, err := d.auth.Login(r.FormValue("username"), r.FormValue("pw"))
	if err != nil {
		logger.Log.Warn().Str("username", r.FormValue("username")).Msg("Login rejected")
		renderPage(w, http.StatusUnauthorized, "login.html", loginView{Error: "Invalid username or password"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(d.auth.TTL().Seconds()),
		HttpOnly: true,
		Secure:   d.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/private", http.StatusSeeOther)
}

func (d routerDeps) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: auth.CookieName, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (d routerDeps) privatePage(w http.ResponseWriter, r *http.Request) {
	if !hasSession(r, d.auth) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	renderPage(w, http.StatusOK, "home.html", struct{ Types []string }{d.runners.Types()})
}

func renderPage(w http.ResponseWriter, code int, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		logger.Log.Error().Err(err).Str("page", name).Msg("Template failed")
	}
}
