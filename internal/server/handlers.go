package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/crowdwisdom/internal/batch"
	"github.com/hyperjump/crowdwisdom/internal/clustering"
	"github.com/hyperjump/crowdwisdom/internal/efficacy"
	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/recommend"
	"github.com/hyperjump/crowdwisdom/internal/storage"
	"github.com/hyperjump/crowdwisdom/internal/templates"
)

type assignRequest struct {
	Embedding []float32 `json:"embedding,omitempty"`
	Text      string    `json:"text,omitempty"`
}

type signalRequest struct {
	ResponseID string `json:"response_id"`
	Signal     string `json:"signal"`
}

type reclusterRequest struct {
	Full bool `json:"full"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrEmptyQuery),
		errors.Is(err, models.ErrInvalidRating),
		errors.Is(err, models.ErrInvalidTemplate),
		errors.Is(err, clustering.ErrNoEmbedding),
		errors.Is(err, clustering.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrAlreadyRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var in models.QueryInput
	if !s.decode(w, r, &in) {
		return
	}
	s.logger.Debug("query request", zap.String("session_id", in.SessionID), zap.String("topic", in.Topic))
	res, err := s.engine.HandleQuery(r.Context(), in)
	if err != nil {
		s.fail(w, "query", err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !s.decode(w, r, &req) {
		return
	}
	asg, err := s.engine.Assign(r.Context(), req.Embedding, req.Text)
	if err != nil {
		s.fail(w, "assign", err)
		return
	}
	s.respondJSON(w, http.StatusOK, asg)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var in models.TemplateInput
	if !s.decode(w, r, &in) {
		return
	}
	t, err := s.engine.CreateTemplate(r.Context(), in)
	if err != nil {
		s.fail(w, "create template", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req templates.SelectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		s.respondError(w, http.StatusBadRequest, "topic is required")
		return
	}
	sel, err := s.engine.SelectTemplate(r.Context(), req)
	if err != nil {
		s.fail(w, "select template", err)
		return
	}
	s.respondJSON(w, http.StatusOK, sel)
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var in efficacy.UsageInput
	if !s.decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.TemplateID) == "" {
		s.respondError(w, http.StatusBadRequest, "template_id is required")
		return
	}
	id, err := s.engine.RecordUsage(r.Context(), in)
	if err != nil {
		s.fail(w, "record usage", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"usage_id": id})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var in efficacy.FeedbackInput
	if !s.decode(w, r, &in) {
		return
	}
	if in.UsageID == "" && in.ResponseID == "" {
		s.respondError(w, http.StatusBadRequest, "usage_id or response_id is required")
		return
	}
	out, err := s.engine.RecordFeedback(r.Context(), in)
	if err != nil {
		s.fail(w, "record feedback", err)
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSoftSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ResponseID == "" {
		s.respondError(w, http.StatusBadRequest, "response_id is required")
		return
	}
	signal, ok := models.ParseSoftSignal(req.Signal)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "unknown signal "+strconv.Quote(req.Signal))
		return
	}
	out, err := s.engine.RecordSoftSignal(r.Context(), req.ResponseID, signal)
	if err != nil {
		s.fail(w, "record soft signal", err)
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := recommend.RecommendRequest{
		UserID: q.Get("user_id"),
		Topic:  q.Get("topic"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = n
	}
	var weights recommend.PartialWeights
	for name, dst := range map[string]**float64{
		"popularity": &weights.Popularity,
		"relevance":  &weights.Relevance,
		"sentiment":  &weights.Sentiment,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			s.respondError(w, http.StatusBadRequest, "invalid "+name+" weight")
			return
		}
		*dst = &f
	}
	if weights.Popularity != nil || weights.Relevance != nil || weights.Sentiment != nil {
		req.Weights = &weights
	}

	recs, err := s.engine.Recommend(r.Context(), req)
	if err != nil {
		s.fail(w, "recommend", err)
		return
	}
	if recs == nil {
		recs = []models.Recommendation{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"recommendations": recs})
}

func (s *Server) handleBestTemplates(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("cluster_id"); id != "" {
		ranked, err := s.engine.BestForCluster(r.Context(), id)
		if err != nil {
			s.fail(w, "best templates", err)
			return
		}
		if ranked == nil {
			ranked = []*models.ClusterBest{}
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"cluster_id": id, "templates": ranked})
		return
	}
	report, err := s.engine.BestTemplates(r.Context())
	if err != nil {
		s.fail(w, "best templates", err)
		return
	}
	if report == nil {
		report = []*templates.ClusterReport{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"clusters": report})
}

func (s *Server) handleRecluster(w http.ResponseWriter, r *http.Request) {
	if s.batch == nil {
		s.respondError(w, http.StatusNotImplemented, "batch re-clustering not configured")
		return
	}
	var req reclusterRequest
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}
	if v := r.URL.Query().Get("full"); v != "" {
		req.Full, _ = strconv.ParseBool(v)
	}
	state, err := s.batch.Trigger(r.Context(), req.Full)
	if errors.Is(err, batch.ErrAlreadyRunning) {
		s.respondJSON(w, http.StatusConflict, map[string]interface{}{"state": state, "error": err.Error()})
		return
	}
	if err != nil {
		s.fail(w, "recluster", err)
		return
	}
	s.logger.Info("re-clustering triggered", zap.Bool("full", req.Full))
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{"state": state, "full": req.Full})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	if s.batch == nil {
		s.respondError(w, http.StatusNotImplemented, "batch re-clustering not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.batch.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.engine.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
