package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-crew/internal/batch"
	"github.com/nidhogg/nuka-crew/internal/bus"
	"github.com/nidhogg/nuka-crew/internal/notify"
	"github.com/nidhogg/nuka-crew/internal/orchestrator"
	"github.com/nidhogg/nuka-crew/internal/store"
	"github.com/nidhogg/nuka-crew/internal/team"
)

// Batches is the batch control surface.
type Batches interface {
	Start(ctx context.Context, listID string) (*batch.StartInfo, error)
	Stop(ctx context.Context, listID string) (*batch.StopInfo, error)
	Status(ctx context.Context, listID string) (*batch.StatusInfo, error)
	StatusAll() batch.Overview
	RunCycle(ctx context.Context, listID string) (*batch.CycleReport, error)
}

// Runner executes workflows and single teams.
type Runner interface {
	HasWorkflow(name string) bool
	HasTeam(name string) bool
	ExecuteWorkflow(ctx context.Context, name, task, runID string) (*orchestrator.ExecutionResult, error)
	ExecuteTeam(ctx context.Context, name, task, runID string) (*orchestrator.ExecutionResult, error)
}

// RunLog is the run history the handler reads and writes.
type RunLog interface {
	CreateRun(ctx context.Context, team, task, model string) (*store.Run, error)
	FinishRun(ctx context.Context, runID string, status store.RunStatus) error
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]store.Run, error)
	ListMessages(ctx context.Context, runID string) ([]store.Message, error)
	TeamStats(ctx context.Context, team string) (*store.TeamStats, error)
}

// Catalog lists the loaded teams and workflows.
type Catalog interface {
	Teams() []team.Definition
	Workflows() []team.Workflow
}

// TeamMonitor reports live team state.
type TeamMonitor interface {
	Statuses() *bus.StatusBoard
	Running() map[string]string
}

// BusHistory returns recently mirrored bus envelopes.
type BusHistory interface {
	Recent(ctx context.Context, topic string, n int64) ([]bus.TeamMessage, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	batches     Batches
	runner      Runner
	runs        RunLog
	catalog     Catalog
	monitor     TeamMonitor
	history     BusHistory
	broadcaster *notify.Broadcaster
	logger      *zap.Logger
}

// NewHandler creates a new API handler. monitor, history and broadcaster
// are optional.
func NewHandler(
	batches Batches,
	runner Runner,
	runs RunLog,
	catalog Catalog,
	monitor TeamMonitor,
	history BusHistory,
	broadcaster *notify.Broadcaster,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		batches:     batches,
		runner:      runner,
		runs:        runs,
		catalog:     catalog,
		monitor:     monitor,
		history:     history,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Batch routes
		r.Get("/batches", h.listBatches)
		r.Get("/batches/{listID}", h.batchStatus)
		r.Post("/batches/{listID}", h.startBatch)
		r.Delete("/batches/{listID}", h.stopBatch)
		r.Post("/batches/{listID}/cycle", h.runCycle)

		// Team routes
		r.Get("/teams", h.listTeams)
		r.Get("/teams/status", h.teamStatuses)
		r.Get("/teams/running", h.runningTeams)
		r.Post("/teams/{name}/run", h.runTeam)
		r.Get("/workflows", h.listWorkflows)
		r.Post("/workflows/{name}/run", h.runWorkflow)

		// Run log routes
		r.Get("/runs", h.listRuns)
		r.Get("/runs/stats/{team}", h.teamStats)
		r.Get("/runs/{id}", h.getRun)

		r.Get("/bus/{topic}/recent", h.recentMessages)
		r.Get("/notices", h.listNotices)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nuka-crew"})
}

// --- Batches ---

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.batches.StatusAll())
}

func (h *Handler) batchStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.batches.Status(r.Context(), chi.URLParam(r, "listID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) startBatch(w http.ResponseWriter, r *http.Request) {
	info, err := h.batches.Start(r.Context(), chi.URLParam(r, "listID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) stopBatch(w http.ResponseWriter, r *http.Request) {
	info, err := h.batches.Stop(r.Context(), chi.URLParam(r, "listID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) runCycle(w http.ResponseWriter, r *http.Request) {
	report, err := h.batches.RunCycle(r.Context(), chi.URLParam(r, "listID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Teams and workflows ---

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.Teams())
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.Workflows())
}

func (h *Handler) teamStatuses(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeJSON(w, http.StatusOK, []bus.TeamStatus{})
		return
	}
	writeJSON(w, http.StatusOK, h.monitor.Statuses().All())
}

// runningTeams maps each executing team to its current task.
func (h *Handler) runningTeams(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, h.monitor.Running())
}

type runRequest struct {
	Task string `json:"task"`
}

type runResponse struct {
	RunID  string                        `json:"run_id,omitempty"`
	Status store.RunStatus               `json:"status"`
	Result *orchestrator.ExecutionResult `json:"result"`
}

func (h *Handler) runTeam(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, true)
}

func (h *Handler) runWorkflow(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, false)
}

// run executes a team or workflow synchronously and records it as a
// run. Unknown names are rejected before a run is created.
func (h *Handler) run(w http.ResponseWriter, r *http.Request, single bool) {
	name := chi.URLParam(r, "name")
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Task == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task is required"})
		return
	}
	if single && !h.runner.HasTeam(name) {
		h.writeError(w, fmt.Errorf("%w: %s", team.ErrUnknownTeam, name))
		return
	}
	if !single && !h.runner.HasWorkflow(name) {
		h.writeError(w, fmt.Errorf("%w: %s", team.ErrUnknownWorkflow, name))
		return
	}

	ctx := r.Context()
	var runID string
	if run, err := h.runs.CreateRun(ctx, name, req.Task, ""); err != nil {
		h.logger.Warn("create run", zap.String("target", name), zap.Error(err))
	} else {
		runID = run.ID
	}

	var (
		res *orchestrator.ExecutionResult
		err error
	)
	if single {
		res, err = h.runner.ExecuteTeam(ctx, name, req.Task, runID)
	} else {
		res, err = h.runner.ExecuteWorkflow(ctx, name, req.Task, runID)
	}
	status := runStatus(ctx, res, err)
	if runID != "" {
		if ferr := h.runs.FinishRun(context.WithoutCancel(ctx), runID, status); ferr != nil {
			h.logger.Warn("finish run", zap.String("run", runID), zap.Error(ferr))
			if res != nil {
				res.Unpersisted = true
			}
		}
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{RunID: runID, Status: status, Result: res})
}

func runStatus(ctx context.Context, res *orchestrator.ExecutionResult, err error) store.RunStatus {
	switch {
	case err == nil && res.Success:
		return store.RunCompleted
	case errors.Is(ctx.Err(), context.Canceled):
		return store.RunCancelled
	case orchestrator.IsTimeout(err) || (res != nil && res.TimedOut):
		return store.RunTimeout
	}
	return store.RunError
}

// --- Run log ---

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	f := store.RunFilter{Team: r.URL.Query().Get("team"), Limit: 50}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		f.Limit = n
	}
	runs, err := h.runs.ListRuns(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	msgs, err := h.runs.ListMessages(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run": run, "messages": msgs})
}

func (h *Handler) teamStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.runs.TeamStats(r.Context(), chi.URLParam(r, "team"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Bus and notices ---

func (h *Handler) recentMessages(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "bus mirror not enabled"})
		return
	}
	n := int64(20)
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid n"})
			return
		}
		n = v
	}
	msgs, err := h.history.Recent(r.Context(), chi.URLParam(r, "topic"), n)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []bus.TeamMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) listNotices(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeJSON(w, http.StatusOK, []notify.Record{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.broadcaster.History(limit))
}

// writeError maps domain errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, batch.ErrAlreadyRunning),
		errors.Is(err, batch.ErrNotRunning),
		errors.Is(err, batch.ErrCycleInProgress):
		status = http.StatusConflict
	case errors.Is(err, batch.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, team.ErrUnknownTeam),
		errors.Is(err, team.ErrUnknownWorkflow):
		status = http.StatusNotFound
	case orchestrator.IsTimeout(err):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
