package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/pinion/agent"
	"github.com/GoCodeAlone/pinion/comms"
	"github.com/GoCodeAlone/pinion/server/ws"
	"github.com/GoCodeAlone/pinion/task"
	"github.com/GoCodeAlone/pinion/workflow"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Agents   AgentManager
	Tasks    *task.Service
	Executor *workflow.Executor
	Bus      comms.Bus
	Logger   *slog.Logger
	Version  string
	Events   *ws.Hub
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("POST /api/agents", h.createAgent)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)
	mux.HandleFunc("POST /api/agents/{id}/start", h.startAgent)
	mux.HandleFunc("POST /api/agents/{id}/stop", h.stopAgent)

	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/status", h.updateTaskStatus)
	mux.HandleFunc("POST /api/tasks/{id}/assign", h.assignTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)

	mux.HandleFunc("GET /api/workflows", h.listWorkflows)
	mux.HandleFunc("POST /api/workflows", h.createWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", h.getWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/start", h.startWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/pause", h.pauseWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/resume", h.resumeWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", h.cancelWorkflow)

	mux.HandleFunc("GET /api/divisions", h.listDivisions)
	mux.HandleFunc("POST /api/divisions/{id}/start", h.startDivision)
	mux.HandleFunc("POST /api/divisions/{id}/stop", h.stopDivision)

	mux.HandleFunc("GET /api/messages", h.listMessages)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errStatus maps the engine's error taxonomy to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, task.ErrValidation), errors.Is(err, workflow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound), errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// broadcast publishes an SSE event when a hub is attached.
func (h *Handlers) broadcast(eventType string, payload any) {
	if h.Events != nil {
		h.Events.Broadcast(ws.Event{Type: eventType, Payload: payload})
	}
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	agents := h.Agents.ListAgents()
	if agents == nil {
		agents = []agent.Info{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	var cfg agent.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.Agents.CreateAgent(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := h.Agents.GetAgent(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) startAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Agents.StartAgent(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) stopAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Agents.StopAgent(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{}

	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		filter.Status = &st
	}
	if p := q.Get("priority"); p != "" {
		pr, ok := parsePriority(p)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown priority: "+p)
			return
		}
		filter.Priority = &pr
	}
	if a := q.Get("agent"); a != "" {
		filter.Agent = a
	}
	if d := q.Get("division"); d != "" {
		filter.Division = d
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Tasks.List(filter)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req task.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Tasks.CreateTask(req)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	h.broadcast("task_created", t)
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// statusUpdateRequest is the body accepted by POST /api/tasks/{id}/status.
type statusUpdateRequest struct {
	Status               task.Status `json:"status"`
	Message              string      `json:"message,omitempty"`
	CompletionPercentage *float64    `json:"completion_percentage,omitempty"`
}

func (h *Handlers) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Tasks.UpdateStatus(r.PathValue("id"), req.Status, req.Message, req.CompletionPercentage)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	h.broadcast("task_updated", t)
	writeJSON(w, http.StatusOK, t)
}

// assignRequest is the body accepted by POST /api/tasks/{id}/assign.
type assignRequest struct {
	Agent    string `json:"agent,omitempty"`
	Division string `json:"division,omitempty"`
}

func (h *Handlers) assignTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Tasks.Assign(r.PathValue("id"), req.Agent, req.Division)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	h.broadcast("task_updated", t)
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Tasks.DeleteTask(id); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	h.broadcast("task_deleted", map[string]string{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

// --- Workflow handlers ---

// createWorkflowRequest is the body accepted by POST /api/workflows.
type createWorkflowRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Variables   map[string]any   `json:"variables,omitempty"`
	Steps       []*workflow.Step `json:"steps,omitempty"`
}

func (h *Handlers) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	wfs := h.Executor.Workflows()
	if wfs == nil {
		wfs = []*workflow.Workflow{}
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (h *Handlers) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "workflow name is required")
		return
	}

	wf := workflow.New(req.Name, req.Description)
	for k, v := range req.Variables {
		wf.Variables[k] = v
	}
	for _, step := range req.Steps {
		wf.AddStep(step)
	}
	h.Executor.Register(wf)
	h.broadcast("workflow_created", wf)
	writeJSON(w, http.StatusCreated, wf)
}

func (h *Handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.Executor.Workflow(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *Handlers) startWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.Executor.Workflow(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err := h.Executor.Start(r.Context(), wf); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	h.broadcast("workflow_started", map[string]string{"id": wf.ID})
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) pauseWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.Executor.Pause(r.PathValue("id")); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.Executor.Resume(r.PathValue("id")); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.Executor.Cancel(r.PathValue("id")); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Division handlers ---

func (h *Handlers) listDivisions(w http.ResponseWriter, _ *http.Request) {
	divisions := h.Agents.ListDivisions()
	if divisions == nil {
		divisions = []DivisionInfo{}
	}
	writeJSON(w, http.StatusOK, divisions)
}

func (h *Handlers) startDivision(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.StartDivision(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) stopDivision(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.StopDivision(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Message handlers ---

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriber_id")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	msgs, err := h.Bus.History(subscriberID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*comms.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}

// parsePriority accepts a priority as a name or numeric value.
func parsePriority(s string) (task.Priority, bool) {
	switch s {
	case "low":
		return task.PriorityLow, true
	case "medium":
		return task.PriorityMedium, true
	case "high":
		return task.PriorityHigh, true
	case "critical":
		return task.PriorityCritical, true
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 3 {
		return task.Priority(n), true
	}
	return 0, false
}
