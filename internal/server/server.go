package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/baseline"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/metrics"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/pipeline"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/rules"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// LocalAgentID tags records the server produces itself.
const LocalAgentID = "server"

// Poller triggers an out-of-band cloud poll.
type Poller interface {
	PollNow() bool
}

// Config wires the API server.
type Config struct {
	Store     *Store
	Evaluator *rules.Evaluator
	Tracker   *baseline.Tracker
	Poller    Poller
	// Sink receives newly accepted records.
	Sink          pipeline.RecordSink
	RecentIDCache int
	RateLimit     rate.Limit
	Burst         int
	Verify        TokenVerifier
	Metrics       *metrics.Metrics
}

// Server is the DLP HTTP API.
type Server struct {
	store     *Store
	evaluator *rules.Evaluator
	tracker   *baseline.Tracker
	poller    Poller
	sink      pipeline.RecordSink
	recent    *lru.Cache[string, struct{}]
	validator *batchValidator
	metrics   *metrics.Metrics
	router    *mux.Router
	now       func() time.Time
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// New creates the server and its router.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = rules.NewEvaluator(nil)
	}
	size := cfg.RecentIDCache
	if size <= 0 {
		size = 4096
	}
	recent, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	validator, err := newBatchValidator()
	if err != nil {
		return nil, err
	}
	s := &Server{
		store:     cfg.Store,
		evaluator: cfg.Evaluator,
		tracker:   cfg.Tracker,
		poller:    cfg.Poller,
		sink:      cfg.Sink,
		recent:    recent,
		validator: validator,
		metrics:   cfg.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.router = s.routes(cfg)
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(cfg Config) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)
	if cfg.RateLimit > 0 {
		router.Use(rateLimitMiddleware(cfg.RateLimit, cfg.Burst))
	}
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(bearerMiddleware(cfg.Verify))
	api.Use(gzipMiddleware)

	api.HandleFunc("/events", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/events/{id}", s.handleGetEvent).Methods(http.MethodGet)
	api.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPut)
	api.HandleFunc("/policies", s.handlePolicies).Methods(http.MethodGet)
	api.HandleFunc("/cloud/poll", s.handlePoll).Methods(http.MethodPost)
	api.HandleFunc("/cloud/baselines", s.handleBaselines).Methods(http.MethodGet)
	api.HandleFunc("/cloud/baselines/{folder}", s.handleBaseline).Methods(http.MethodGet)
	api.HandleFunc("/cloud/baselines/{folder}/reset", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/cloud/folders/{folder}/select", s.handleSelect).Methods(http.MethodPost)
	return router
}

// Ingest stores a batch idempotently. Records already stored, including ones
// repeated inside the batch, are reported as duplicates. Only accepted records
// reach the sink. A record without a decision is evaluated against the active
// policy snapshot.
func (s *Server) Ingest(ctx context.Context, batch models.EventBatch) (models.SubmitResult, error) {
	result := models.SubmitResult{Accepted: []string{}, Duplicates: []string{}}

	fresh := make([]*models.EventRecord, 0, len(batch.Records))
	for i := range batch.Records {
		rec := &batch.Records[i]
		if s.recent.Contains(rec.EventID()) {
			result.Duplicates = append(result.Duplicates, rec.EventID())
			continue
		}
		s.complete(rec, batch.AgentID)
		fresh = append(fresh, rec)
	}

	if len(fresh) > 0 {
		accepted, dups, err := s.store.Insert(ctx, batch.AgentID, fresh)
		if err != nil {
			return models.SubmitResult{}, err
		}
		result.Accepted = append(result.Accepted, accepted...)
		result.Duplicates = append(result.Duplicates, dups...)
		for _, rec := range fresh {
			s.recent.Add(rec.EventID(), struct{}{})
		}
		s.forward(ctx, fresh, accepted)
	}

	s.metrics.AddInserted(len(result.Accepted))
	s.metrics.AddDuplicates(len(result.Duplicates))
	return result, nil
}

// Put implements pipeline.RecordSink for records produced on the server.
func (s *Server) Put(ctx context.Context, rec *models.EventRecord) error {
	_, err := s.Ingest(ctx, models.EventBatch{AgentID: LocalAgentID, Records: []models.EventRecord{*rec}})
	return err
}

func (s *Server) complete(rec *models.EventRecord, agentID string) {
	if rec.Event.AgentID == "" {
		rec.Event.AgentID = agentID
	}
	if rec.Findings == nil {
		rec.Findings = []models.Finding{}
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	if rec.Match.Action != "" {
		return
	}
	if rec.Event.Source == models.SourceSystem {
		rec.Match = rules.DefaultMatch(rec.Findings)
	} else {
		rec.Match = s.evaluator.Evaluate(&rec.Event, rec.Findings)
	}
	if rec.PolicyVersion == "" {
		rec.PolicyVersion = s.evaluator.Snapshot().Version()
	}
}

func (s *Server) forward(ctx context.Context, recs []*models.EventRecord, accepted []string) {
	if s.sink == nil || len(accepted) == 0 {
		return
	}
	ok := make(map[string]struct{}, len(accepted))
	for _, id := range accepted {
		ok[id] = struct{}{}
	}
	for _, rec := range recs {
		if _, yes := ok[rec.EventID()]; !yes {
			continue
		}
		// A repeated id inside one batch is accepted once.
		delete(ok, rec.EventID())
		if err := s.sink.Put(ctx, rec); err != nil {
			logger.Warnf("Failed to forward record %s: %v", rec.EventID(), err)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"records":        n,
		"policy_version": s.evaluator.Snapshot().Version(),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return
	}
	if err := s.validator.validate(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_batch", err.Error())
		return
	}
	var batch models.EventBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_batch", err.Error())
		return
	}
	result, err := s.Ingest(r.Context(), batch)
	if err != nil {
		logger.Errorf("Failed to ingest batch from %s: %v", batch.AgentID, err)
		writeError(w, http.StatusInternalServerError, "store_failed", "failed to store records")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if hb.AgentID == "" {
		hb.AgentID = id
	}
	if hb.AgentID != id {
		writeError(w, http.StatusBadRequest, "agent_mismatch", "heartbeat agent id does not match path")
		return
	}
	if err := s.store.SaveHeartbeat(r.Context(), hb); err != nil {
		writeError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.Agents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	set := s.evaluator.Snapshot().PolicySet()
	if set.Policies == nil {
		set.Policies = []models.Policy{}
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	switch {
	case s.poller == nil:
		writeJSON(w, http.StatusOK, models.PollStatus{Status: models.PollSkipped, Reason: "cloud polling is disabled"})
	case !s.evaluator.Snapshot().HasSource(models.SourceCloud):
		writeJSON(w, http.StatusOK, models.PollStatus{Status: models.PollSkipped, Reason: "no enabled policy monitors cloud activity"})
	default:
		if !s.poller.PollNow() {
			logger.Debugf("Poll-now coalesced with a pending request")
		}
		writeJSON(w, http.StatusAccepted, models.PollStatus{Status: models.PollQueued})
	}
}

func (s *Server) handleBaselines(w http.ResponseWriter, r *http.Request) {
	if !s.requireTracker(w) {
		return
	}
	list, err := s.tracker.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	if list == nil {
		list = []models.FolderBaseline{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	if !s.requireTracker(w) {
		return
	}
	b, err := s.tracker.Get(r.Context(), mux.Vars(r)["folder"])
	s.writeBaseline(w, http.StatusOK, b, err)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.requireTracker(w) {
		return
	}
	b, err := s.tracker.Reset(r.Context(), mux.Vars(r)["folder"])
	s.writeBaseline(w, http.StatusOK, b, err)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if !s.requireTracker(w) {
		return
	}
	b, err := s.tracker.Select(r.Context(), mux.Vars(r)["folder"])
	s.writeBaseline(w, http.StatusOK, b, err)
}

func (s *Server) requireTracker(w http.ResponseWriter) bool {
	if s.tracker == nil {
		writeError(w, http.StatusNotFound, "cloud_disabled", "cloud monitoring is not configured")
		return false
	}
	return true
}

func (s *Server) writeBaseline(w http.ResponseWriter, status int, b models.FolderBaseline, err error) {
	if errors.Is(err, baseline.ErrUnknownFolder) {
		writeError(w, http.StatusNotFound, "unknown_folder", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	writeJSON(w, status, b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
