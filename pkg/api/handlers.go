package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
	"github.com/rangekeeper/rangekeeper/pkg/telemetry"
)

type handlers struct {
	registry *engine.Registry
	orch     *engine.Orchestrator
	health   *engine.HealthIntake
	audit    AuditRecorder
	runs     RunReader
	events   *telemetry.EventBus
	validate *validator.Validate
	logger   zerolog.Logger
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.registry.List(r.Context(), engine.ListFilter{Roots: true}); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listResources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.ListFilter{
		Type:   engine.ResourceType(q.Get("type")),
		Status: engine.ResourceStatus(strings.ToUpper(q.Get("status"))),
	}
	var err error
	if filter.IncludeDeleted, err = queryBool(q.Get("include_deleted")); err != nil {
		h.fail(w, r, badRequest("invalid include_deleted", err))
		return
	}
	if filter.Roots, err = queryBool(q.Get("roots")); err != nil {
		h.fail(w, r, badRequest("invalid roots", err))
		return
	}
	if p := q.Get("parent"); p != "" {
		if filter.ParentID, err = engine.ParseResourceID(p); err != nil {
			h.fail(w, r, badRequest("invalid parent", err))
			return
		}
	}

	resources, err := h.registry.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    resources,
		Meta:    &Meta{RequestID: chimid.GetReqID(r.Context()), Total: len(resources)},
	})
}

func (h *handlers) createResource(w http.ResponseWriter, r *http.Request) {
	var req CreateResourceRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	res, err := h.registry.Create(r.Context(), req.Spec())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, "resource.created", res.ID.String(), map[string]interface{}{"name": res.Name, "type": res.Type})
	h.ok(w, r, http.StatusCreated, res)
}

func (h *handlers) getResource(w http.ResponseWriter, r *http.Request) {
	id, ok := h.resourceID(w, r)
	if !ok {
		return
	}
	res, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, res)
}

func (h *handlers) deleteResource(w http.ResponseWriter, r *http.Request) {
	id, ok := h.resourceID(w, r)
	if !ok {
		return
	}
	res, err := h.registry.SoftDelete(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, "resource.deleted", id.String(), nil)
	h.ok(w, r, http.StatusOK, res)
}

func (h *handlers) deleteTree(w http.ResponseWriter, r *http.Request) {
	id, ok := h.resourceID(w, r)
	if !ok {
		return
	}
	deleted, err := h.orch.DeleteTree(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, "resource.tree_deleted", id.String(), map[string]interface{}{"deleted": deleted})
	h.ok(w, r, http.StatusOK, DeleteTreeResponse{Deleted: deleted})
}

func (h *handlers) transition(w http.ResponseWriter, r *http.Request) {
	id, ok := h.resourceID(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	if err := req.Trigger.Validate(); err != nil {
		h.fail(w, r, badRequest("invalid trigger", err))
		return
	}

	res, changed, err := h.registry.Transition(r.Context(), id, req.Trigger, req.Detail)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if changed {
		h.record(r, "resource.transition", id.String(), map[string]interface{}{"trigger": req.Trigger, "to": res.Status})
	}
	h.ok(w, r, http.StatusOK, TransitionResponse{Resource: res, Changed: changed})
}

func (h *handlers) listTransitions(w http.ResponseWriter, r *http.Request) {
	h.ok(w, r, http.StatusOK, engine.Transitions())
}

func (h *handlers) plan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roots, err := parseIDList(q.Get("roots"))
	if err != nil {
		h.fail(w, r, badRequest("invalid roots", err))
		return
	}
	reverse, err := queryBool(q.Get("reverse"))
	if err != nil {
		h.fail(w, r, badRequest("invalid reverse", err))
		return
	}

	forest, err := h.orch.Forest(r.Context(), roots...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	plan, err := h.orch.Plan(forest)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if reverse {
		plan = plan.Reverse()
	}

	if q.Get("format") == "dot" {
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, plan.ToDOT(forest))
		return
	}
	h.ok(w, r, http.StatusOK, plan)
}

func (h *handlers) run(op engine.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RunRequest
		if !h.decode(w, r, &req, true) {
			return
		}

		forest, err := h.orch.Forest(r.Context(), req.Roots...)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		var report *engine.Report
		if op == engine.OperationDeploy {
			report, err = h.orch.Deploy(r.Context(), forest)
		} else {
			report, err = h.orch.Revoke(r.Context(), forest)
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}

		h.record(r, "run."+string(op), report.RunID, map[string]interface{}{
			"status":  report.Status,
			"summary": report.Summary,
		})
		h.ok(w, r, http.StatusOK, report)
	}
}

func (h *handlers) reportHealth(source engine.HealthSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.resourceID(w, r)
		if !ok {
			return
		}
		var req HealthRequest
		if !h.decode(w, r, &req, false) {
			return
		}

		signal := engine.HealthSignal{Healthy: *req.Healthy, Detail: req.Detail, ObservedAt: time.Now()}
		var (
			outcome *engine.HealthOutcome
			err     error
		)
		if source == engine.HealthSourceActive {
			outcome, err = h.health.ReportActive(r.Context(), id, signal)
		} else {
			outcome, err = h.health.ReportPassive(r.Context(), id, signal)
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.ok(w, r, http.StatusOK, outcome)
	}
}

func (h *handlers) recoverResource(w http.ResponseWriter, r *http.Request) {
	id, ok := h.resourceID(w, r)
	if !ok {
		return
	}
	outcome, err := h.health.Override(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, "resource.recovered", id.String(), nil)
	h.ok(w, r, http.StatusOK, outcome)
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		h.fail(w, r, badRequest("invalid limit", err))
		return
	}
	offset, err := queryInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.fail(w, r, badRequest("invalid offset", err))
		return
	}

	runs, err := h.runs.ListRuns(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, runs)
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	report, err := h.runs.GetReport(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r, http.StatusOK, report)
}

// streamEvents sends engine events as server-sent events until the client
// goes away. Events are dropped for slow clients.
func (h *handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.fail(w, r, errors.New("streaming unsupported"))
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	var resource engine.ResourceID
	if p := r.URL.Query().Get("resource"); p != "" {
		id, err := engine.ParseResourceID(p)
		if err != nil {
			h.fail(w, r, badRequest("invalid resource", err))
			return
		}
		resource = id
	}

	ch := make(chan engine.Event, 64)
	unsubscribe := h.events.Subscribe(func(e engine.Event) {
		select {
		case ch <- e:
		default:
		}
	}, func(e engine.Event) bool {
		return resource == 0 || e.ResourceID == resource
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Warn().Err(err).Msg("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// decode reads a JSON body into v and validates it. An empty body is
// accepted when optional is set.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			h.fail(w, r, badRequest("invalid request body", err))
			return false
		}
	}
	if err := h.validate.Struct(v); err != nil {
		h.fail(w, r, badRequest("invalid request", err))
		return false
	}
	return true
}

func (h *handlers) resourceID(w http.ResponseWriter, r *http.Request) (engine.ResourceID, bool) {
	id, err := engine.ParseResourceID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, badRequest("invalid resource id", err))
		return 0, false
	}
	return id, true
}

// record writes an audit entry. Failures are logged and otherwise ignored.
func (h *handlers) record(r *http.Request, action, target string, details map[string]interface{}) {
	if h.audit == nil {
		return
	}
	entry := newAuditEntry(action, actor(r), target, r.RemoteAddr, details)
	if err := h.audit.CreateAuditEntry(r.Context(), entry); err != nil {
		h.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func (h *handlers) ok(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	h.writeJSON(w, status, Response{
		Success: true,
		Data:    data,
		Meta:    &Meta{RequestID: chimid.GetReqID(r.Context())},
	})
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, status := toAPIError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	h.writeJSON(w, status, Response{
		Error: apiErr,
		Meta:  &Meta{RequestID: chimid.GetReqID(r.Context())},
	})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func queryBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func queryInt(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative: %d", n)
	}
	return n, nil
}

func parseIDList(s string) ([]engine.ResourceID, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]engine.ResourceID, 0, len(parts))
	for _, p := range parts {
		id, err := engine.ParseResourceID(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
