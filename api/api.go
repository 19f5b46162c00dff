// Package api exposes the orchestration HTTP surface: starting, observing
// and cancelling executions, paging through their event logs, and fetching
// step results and externalized artifacts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/noetl/noetl/playbook/catalog"
	"github.com/noetl/noetl/runtime/workflow/artifact"
	"github.com/noetl/noetl/runtime/workflow/control"
	"github.com/noetl/noetl/runtime/workflow/event"
	"github.com/noetl/noetl/runtime/workflow/eventlog"
	"github.com/noetl/noetl/runtime/workflow/outcome"
)

type (
	// Options configures the API server.
	Options struct {
		// Engine is the control plane. Required.
		Engine *control.Engine
		// Catalog resolves playbook references. Required.
		Catalog *catalog.Catalog
		// Artifacts serves externalized result payloads. Optional; without
		// it the artifacts endpoint returns 404.
		Artifacts artifact.Store
		// StoreName stamps artifact lookups with the store they address.
		// Defaults to "fs".
		StoreName string
		// Checks are the dependency pingers behind /healthz.
		Checks []health.Pinger
	}

	// Server is the orchestration API.
	Server struct {
		engine    *control.Engine
		catalog   *catalog.Catalog
		artifacts artifact.Store
		storeName string
		checker   health.Checker
	}

	// executionRequest is the POST /executions body.
	executionRequest struct {
		PlaybookRef *playbookRef   `json:"playbook_ref,omitempty"`
		PlaybookID  string         `json:"playbook_id,omitempty"`
		Payload     map[string]any `json:"payload,omitempty"`
	}

	playbookRef struct {
		Path    string `json:"path"`
		Version string `json:"version,omitempty"`
	}
)

// New returns an API server.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	storeName := opts.StoreName
	if storeName == "" {
		storeName = "fs"
	}
	return &Server{
		engine:    opts.Engine,
		catalog:   opts.Catalog,
		artifacts: opts.Artifacts,
		storeName: storeName,
		checker:   health.NewChecker(opts.Checks...),
	}, nil
}

// Handler returns the routed HTTP handler wrapped with request logging. ctx
// carries the configured logger.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /executions", s.startExecution)
	mux.HandleFunc("GET /executions/{id}", s.getExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", s.cancelExecution)
	mux.HandleFunc("GET /executions/{id}/events", s.listEvents)
	mux.HandleFunc("GET /executions/{id}/steps/{step}/result", s.stepResult)
	mux.HandleFunc("GET /executions/{id}/steps/{step}/parts", s.stepParts)
	mux.HandleFunc("GET /artifacts/{key...}", s.getArtifact)

	// Worker transport: remote workers append events and read snapshots
	// through these instead of sharing the engine in-process.
	mux.HandleFunc("POST /executions/{id}/events", s.ingestEvent)
	mux.HandleFunc("GET /executions/{id}/snapshot", s.getSnapshot)
	mux.HandleFunc("GET /executions/{id}/steps/{stepRunID}/iterations", s.iterationEvents)
	mux.Handle("GET /healthz", health.Handler(s.checker))
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return log.HTTP(ctx)(mux)
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var req executionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	path, version := "", ""
	switch {
	case req.PlaybookRef != nil:
		path, version = req.PlaybookRef.Path, req.PlaybookRef.Version
	case req.PlaybookID != "":
		path = req.PlaybookID
	default:
		respondError(w, http.StatusBadRequest, errors.New("playbook_ref or playbook_id is required"))
		return
	}
	pb, err := s.catalog.Lookup(path, version)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	id, err := s.engine.Start(r.Context(), pb, req.Payload)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"execution_id": id})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Describe(r.PathValue("id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respond(w, http.StatusOK, summary)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respond(w, http.StatusAccepted, map[string]any{"status": "cancelled"})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := eventlog.Filter{
		Name:     event.Name(q.Get("event_type")),
		EntityID: q.Get("step_run_id"),
	}
	if filter.EntityID != "" {
		filter.EntityType = event.EntityStepRun
	}
	var err error
	if filter.FromSeq, err = intParam(q.Get("from_seq")); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	filter.Limit = int(limit)

	events, err := s.engine.Events(r.Context(), r.PathValue("id"), filter)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	var nextSeq int64
	if len(events) > 0 {
		nextSeq = events[len(events)-1].Seq
	}
	respond(w, http.StatusOK, map[string]any{"events": events, "next_seq": nextSeq})
}

func (s *Server) stepResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.StepResult(r.PathValue("id"), r.PathValue("step"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) stepParts(w http.ResponseWriter, r *http.Request) {
	parts, err := s.engine.StepParts(r.PathValue("id"), r.PathValue("step"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	q := r.URL.Query()
	filtered := parts[:0]
	for _, p := range parts {
		if !matchesIntParam(q.Get("iteration"), p.Iteration) ||
			!matchesIntParam(q.Get("page"), p.Page) ||
			!matchesIntParam(q.Get("attempt"), p.Attempt) {
			continue
		}
		filtered = append(filtered, p)
	}
	respond(w, http.StatusOK, map[string]any{"parts": filtered})
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		respondError(w, http.StatusNotFound, errors.New("no artifact store configured"))
		return
	}
	ref := &outcome.ResultRef{Store: s.storeName, Key: r.PathValue("key")}
	meta, err := s.artifacts.Head(r.Context(), ref)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	rc, err := s.artifacts.Get(r.Context(), ref)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	defer rc.Close()
	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var evt event.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode event: %w", err))
		return
	}
	if evt.ExecutionID != r.PathValue("id") {
		respondError(w, http.StatusBadRequest, errors.New("event execution_id does not match path"))
		return
	}
	if err := s.engine.Append(r.Context(), &evt); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respond(w, http.StatusAccepted, map[string]any{"seq": evt.Seq})
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"playbook": snap.Playbook,
		"workload": snap.Workload,
		"ctx":      snap.Ctx,
		"keychain": snap.Keychain,
	})
}

func (s *Server) iterationEvents(w http.ResponseWriter, r *http.Request) {
	terminal, err := s.engine.Terminal(r.Context(), r.PathValue("id"), r.PathValue("stepRunID"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	byIndex := make(map[string]*event.Event, len(terminal))
	for i, evt := range terminal {
		byIndex[strconv.Itoa(i)] = evt
	}
	respond(w, http.StatusOK, map[string]any{"iterations": byIndex})
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respond(w, status, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	if errors.Is(err, control.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func intParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return v, nil
}

// matchesIntParam reports whether an absent or equal query value matches.
func matchesIntParam(raw string, v int) bool {
	if raw == "" {
		return true
	}
	want, err := strconv.Atoi(raw)
	return err == nil && want == v
}
