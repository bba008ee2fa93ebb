package taskapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/semcontrol/storage"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semcontrol/workflow/lifecycle"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// RegisterHTTPHandlers registers the task-api endpoints under prefix
// (e.g. "/task-api"):
//
//	GET  <prefix>/tasks
//	POST <prefix>/tasks
//	GET  <prefix>/tasks/{id}
//	POST <prefix>/tasks/{id}/transition
//	POST <prefix>/tasks/{id}/assign
//	GET  <prefix>/tasks/{id}/events
//	GET  <prefix>/tasks/{id}/planning
//	POST <prefix>/tasks/{id}/planning/{action}   start|answer|poll|retry|cancel
//	GET  <prefix>/agents
//	POST <prefix>/agents
//	GET  <prefix>/agents/{id}
//	POST <prefix>/agents/{id}/presence
//	POST <prefix>/agents/{id}/sync
//	GET  <prefix>/events
//	GET  <prefix>/metrics
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("GET "+prefix+"/tasks", c.track(c.handleListTasks))
	mux.HandleFunc("POST "+prefix+"/tasks", c.track(c.handleCreateTask))
	mux.HandleFunc("GET "+prefix+"/tasks/{id}", c.track(c.handleGetTask))
	mux.HandleFunc("POST "+prefix+"/tasks/{id}/transition", c.track(c.handleTransition))
	mux.HandleFunc("POST "+prefix+"/tasks/{id}/assign", c.track(c.handleAssign))
	mux.HandleFunc("GET "+prefix+"/tasks/{id}/events", c.track(c.handleTaskEvents))
	mux.HandleFunc("GET "+prefix+"/tasks/{id}/planning", c.track(c.handleTranscript))
	mux.HandleFunc("POST "+prefix+"/tasks/{id}/planning/{action}", c.track(c.handlePlanning))

	mux.HandleFunc("GET "+prefix+"/agents", c.track(c.handleListAgents))
	mux.HandleFunc("POST "+prefix+"/agents", c.track(c.handleRegisterAgent))
	mux.HandleFunc("GET "+prefix+"/agents/{id}", c.track(c.handleGetAgent))
	mux.HandleFunc("POST "+prefix+"/agents/{id}/presence", c.track(c.handlePresence))
	mux.HandleFunc("POST "+prefix+"/agents/{id}/sync", c.track(c.handleSyncAgent))

	mux.HandleFunc("GET "+prefix+"/events", c.track(c.handleListEvents))
	mux.Handle("GET "+prefix+"/metrics", promhttp.Handler())
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TransitionRequest is the body for POST /tasks/{id}/transition.
type TransitionRequest struct {
	Status            workflow.TaskStatus `json:"status"`
	RequestingAgentID string              `json:"requesting_agent_id,omitempty"`
}

// AssignRequest is the body for POST /tasks/{id}/assign. An empty
// agent_id unbinds the task.
type AssignRequest struct {
	AgentID string `json:"agent_id"`
}

// AnswerRequest is the body for POST /tasks/{id}/planning/answer.
type AnswerRequest struct {
	Answer    string `json:"answer"`
	OtherText string `json:"other_text,omitempty"`
}

// PresenceRequest is the body for POST /agents/{id}/presence.
type PresenceRequest struct {
	Online bool `json:"online"`
}

// SyncRequest is the body for POST /agents/{id}/sync. The agent's label is
// recounted from its in_progress tasks.
type SyncRequest struct {
	TaskStatus workflow.TaskStatus `json:"task_status"`
}

// ListTasksResponse is the response for GET /tasks.
type ListTasksResponse struct {
	Tasks []*workflow.Task `json:"tasks"`
	Total int              `json:"total"`
}

// ListAgentsResponse is the response for GET /agents.
type ListAgentsResponse struct {
	Agents []*workflow.Agent `json:"agents"`
	Total  int               `json:"total"`
}

// ListEventsResponse is the response for GET /events.
type ListEventsResponse struct {
	Events []*workflow.Event `json:"events"`
	Total  int               `json:"total"`
}

// ----------------------------------------------------------------------------
// Tasks
// ----------------------------------------------------------------------------

func (c *Component) handleListTasks(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	q := r.URL.Query()
	filter := storage.TaskFilter{
		WorkspaceID:     q.Get("workspace_id"),
		AssignedAgentID: q.Get("agent_id"),
		PlanningActive:  q.Get("planning") == "active",
	}
	for _, s := range q["status"] {
		status := workflow.TaskStatus(s)
		if !status.IsValid() {
			c.writeError(w, http.StatusBadRequest, "invalid status: "+s)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	tasks, err := svc.store.ListTasks(r.Context(), filter)
	if err != nil {
		c.logger.Error("Failed to list tasks", "error", err)
		c.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: nonNil(tasks), Total: len(tasks)})
}

func (c *Component) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	var req lifecycle.NewTaskRequest
	if !c.decodeBody(w, r, &req) {
		return
	}

	task, err := svc.machine.CreateTask(r.Context(), req)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (c *Component) handleGetTask(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	task, err := svc.machine.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (c *Component) handleTransition(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	var req TransitionRequest
	if !c.decodeBody(w, r, &req) {
		return
	}

	task, err := svc.machine.TransitionTask(r.Context(), r.PathValue("id"), req.Status, req.RequestingAgentID)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (c *Component) handleAssign(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	var req AssignRequest
	if !c.decodeBody(w, r, &req) {
		return
	}

	task, err := svc.machine.ReassignTask(r.Context(), r.PathValue("id"), req.AgentID)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (c *Component) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	id := r.PathValue("id")
	if _, err := svc.machine.GetTask(r.Context(), id); err != nil {
		c.writeDomainError(w, err)
		return
	}

	filter, ok := c.eventFilter(w, r)
	if !ok {
		return
	}
	filter.TaskID = id
	c.listEvents(w, r, svc, filter)
}

// ----------------------------------------------------------------------------
// Planning
// ----------------------------------------------------------------------------

func (c *Component) handleTranscript(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	transcript, err := svc.engine.Transcript(r.Context(), r.PathValue("id"))
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

// handlePlanning dispatches the planning actions. Start, answer, poll and
// retry block until the agent replies or the reply timeout passes; on
// timeout the turn stays persisted and the caller polls later.
func (c *Component) handlePlanning(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	ctx := r.Context()
	id := r.PathValue("id")

	switch action := r.PathValue("action"); action {
	case "start":
		c.writePlanningResult(w, func() (any, error) { return svc.engine.Start(ctx, id) })
	case "answer":
		var req AnswerRequest
		if !c.decodeBody(w, r, &req) {
			return
		}
		c.writePlanningResult(w, func() (any, error) {
			return svc.engine.SubmitAnswer(ctx, id, req.Answer, req.OtherText)
		})
	case "poll":
		c.writePlanningResult(w, func() (any, error) { return svc.engine.Poll(ctx, id) })
	case "retry":
		c.writePlanningResult(w, func() (any, error) { return svc.engine.Retry(ctx, id) })
	case "cancel":
		c.writePlanningResult(w, func() (any, error) { return svc.engine.Cancel(ctx, id) })
	default:
		c.writeError(w, http.StatusNotFound, "unknown planning action: "+action)
	}
}

func (c *Component) writePlanningResult(w http.ResponseWriter, run func() (any, error)) {
	result, err := run()
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ----------------------------------------------------------------------------
// Agents
// ----------------------------------------------------------------------------

func (c *Component) handleListAgents(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	q := r.URL.Query()
	filter := storage.AgentFilter{
		WorkspaceID: q.Get("workspace_id"),
		MasterOnly:  q.Get("master") == "true",
	}
	if s := q.Get("status"); s != "" {
		status := workflow.AgentStatus(s)
		if !status.IsValid() {
			c.writeError(w, http.StatusBadRequest, "invalid status: "+s)
			return
		}
		filter.Status = status
	}

	agents, err := svc.store.ListAgents(r.Context(), filter)
	if err != nil {
		c.logger.Error("Failed to list agents", "error", err)
		c.writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	writeJSON(w, http.StatusOK, ListAgentsResponse{Agents: nonNil(agents), Total: len(agents)})
}

func (c *Component) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	var req lifecycle.NewAgentRequest
	if !c.decodeBody(w, r, &req) {
		return
	}

	agent, err := svc.machine.RegisterAgent(r.Context(), req)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (c *Component) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	agent, err := svc.machine.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (c *Component) handlePresence(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	var req PresenceRequest
	if !c.decodeBody(w, r, &req) {
		return
	}

	agent, err := svc.machine.SetAgentPresence(r.Context(), r.PathValue("id"), req.Online)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (c *Component) handleSyncAgent(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	var req SyncRequest
	if !c.decodeBody(w, r, &req) {
		return
	}
	// Working is only ever earned by a transition; a sync recounts.
	if !req.TaskStatus.IsValid() || req.TaskStatus == workflow.TaskStatusInProgress {
		c.writeDomainError(w, &workflow.ValidationError{
			Field:   "task_status",
			Message: "must be a task status other than in_progress",
		})
		return
	}

	agent, err := svc.machine.SyncAgentStatus(r.Context(), r.PathValue("id"), req.TaskStatus)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// ----------------------------------------------------------------------------
// Events
// ----------------------------------------------------------------------------

func (c *Component) handleListEvents(w http.ResponseWriter, r *http.Request) {
	svc := c.requireServices(w)
	if svc == nil {
		return
	}

	filter, ok := c.eventFilter(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter.TaskID = q.Get("task_id")
	filter.AgentID = q.Get("agent_id")
	c.listEvents(w, r, svc, filter)
}

// eventFilter parses the shared query parameters:
//   - type: repeated event type filter
//   - since: RFC 3339 timestamp
//   - limit: keep the newest N (default 100, max 1000)
func (c *Component) eventFilter(w http.ResponseWriter, r *http.Request) (storage.EventFilter, bool) {
	q := r.URL.Query()
	filter := storage.EventFilter{Limit: 100}

	for _, t := range q["type"] {
		filter.Types = append(filter.Types, workflow.EventType(t))
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.writeError(w, http.StatusBadRequest, "invalid since: must be RFC 3339")
			return filter, false
		}
		filter.Since = since
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 || limit > 1000 {
			c.writeError(w, http.StatusBadRequest, "invalid limit: must be 1-1000")
			return filter, false
		}
		filter.Limit = limit
	}
	return filter, true
}

func (c *Component) listEvents(w http.ResponseWriter, r *http.Request, svc *services, filter storage.EventFilter) {
	events, err := svc.store.ListEvents(r.Context(), filter)
	if err != nil {
		c.logger.Error("Failed to list events", "error", err)
		c.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, ListEventsResponse{Events: nonNil(events), Total: len(events)})
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// track counts requests for Health and DataFlow.
func (c *Component) track(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.requests.Add(1)
		c.lastActivity.Store(time.Now().UnixNano())
		h(w, r)
	}
}

func (c *Component) requireServices(w http.ResponseWriter) *services {
	svc := c.getServices()
	if svc == nil {
		c.writeError(w, http.StatusServiceUnavailable, "task-api is not running")
	}
	return svc
}

// decodeBody reads a JSON body into dst.
func (c *Component) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusForError maps the workflow error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch workflow.KindOf(err) {
	case workflow.KindValidation:
		return http.StatusBadRequest
	case workflow.KindNotFound:
		return http.StatusNotFound
	case workflow.KindConflict:
		return http.StatusConflict
	case workflow.KindForbidden:
		return http.StatusForbidden
	case workflow.KindTimeout:
		return http.StatusGatewayTimeout
	case workflow.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (c *Component) writeDomainError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	resp := ErrorResponse{
		Error: err.Error(),
		Kind:  string(workflow.KindOf(err)),
	}
	var werr *workflow.Error
	if errors.As(err, &werr) {
		resp.Reason = werr.Reason
	}
	if status == http.StatusInternalServerError {
		c.logger.Error("Request failed", "error", err)
		resp.Error = "internal error"
	}
	if status >= http.StatusInternalServerError {
		c.requestErrors.Add(1)
	}
	writeJSON(w, status, resp)
}

func (c *Component) writeError(w http.ResponseWriter, status int, message string) {
	if status >= http.StatusInternalServerError {
		c.requestErrors.Add(1)
	}
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
