package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/advisor/internal/decision"
	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/store"
)

type errorBody struct {
	Error string `json:"error"`
}

type decideRequest struct {
	Parameters   map[string]any `json:"parameters"`
	ForceRefresh bool           `json:"force_refresh"`
	Provider     string         `json:"provider"`
}

type confirmRequest struct {
	Override *string `json:"override"`
	Note     string  `json:"note"`
}

type batchRequest struct {
	Queries     []model.DecisionQuery `json:"queries"`
	Concurrency int                   `json:"concurrency"`
}

type batchItem struct {
	SubjectType model.SubjectType     `json:"subject_type"`
	SubjectID   string                `json:"subject_id"`
	Result      *model.DecisionResult `json:"result,omitempty"`
	Error       string                `json:"error,omitempty"`
	Status      int                   `json:"status"`
}

type batchResponse struct {
	Items   []batchItem           `json:"items"`
	Summary decision.BatchSummary `json:"summary"`
}

type listResponse struct {
	Results []model.DecisionResult `json:"results"`
	Count   int                    `json:"count"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

// statusFor maps orchestrator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, decision.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, decision.ErrSubjectNotFound), errors.Is(err, decision.ErrResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, decision.ErrResultChanged):
		return http.StatusConflict
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errUnauthenticated = eris.New("api: reviewer identity required")

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeBody decodes an optional JSON body into dst.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return eris.Wrapf(decision.ErrInvalidQuery, "request body: %v", err)
}

func subjectFromPath(r *http.Request) (model.SubjectType, string, error) {
	st, err := model.ParseSubjectType(chi.URLParam(r, "subjectType"))
	if err != nil {
		return "", "", eris.Wrap(decision.ErrInvalidQuery, err.Error())
	}
	return st, chi.URLParam(r, "subjectID"), nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger(r.Context()); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	st, id, err := subjectFromPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req decideRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.decider.Decide(r.Context(), model.DecisionQuery{
		SubjectType:  st,
		SubjectID:    id,
		Parameters:   req.Parameters,
		ForceRefresh: req.ForceRefresh,
		Provider:     req.Provider,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) current(w http.ResponseWriter, r *http.Request) {
	st, id, err := subjectFromPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.decider.Current(r.Context(), st, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	st, id, err := subjectFromPath(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reviewer := ActorFrom(r.Context())
	if reviewer == "" {
		writeError(w, r, errUnauthenticated)
		return
	}
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.decider.Confirm(r.Context(), decision.ConfirmRequest{
		SubjectType: st,
		SubjectID:   id,
		Reviewer:    reviewer,
		Override:    req.Override,
		Note:        req.Note,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) decideBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Queries) == 0 {
		writeError(w, r, eris.Wrap(decision.ErrInvalidQuery, "batch has no queries"))
		return
	}
	if len(req.Queries) > maxBatchQueries {
		writeError(w, r, eris.Wrapf(decision.ErrInvalidQuery, "batch exceeds %d queries", maxBatchQueries))
		return
	}
	for i, q := range req.Queries {
		if st, err := model.ParseSubjectType(string(q.SubjectType)); err == nil {
			req.Queries[i].SubjectType = st
		}
	}

	start := time.Now()
	items := s.decider.DecideBatch(r.Context(), req.Queries, req.Concurrency)
	resp := batchResponse{Items: make([]batchItem, len(items)), Summary: decision.Summarize(items)}
	resp.Summary.Duration = time.Since(start)
	for i, it := range items {
		out := batchItem{
			SubjectType: it.Query.SubjectType,
			SubjectID:   it.Query.SubjectID,
			Result:      it.Result,
			Status:      http.StatusOK,
		}
		if it.Err != nil {
			out.Status = statusFor(it.Err)
			out.Error = it.Err.Error()
			if out.Status == http.StatusInternalServerError {
				out.Error = "internal error"
			}
		}
		resp.Items[i] = out
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	results, err := s.decider.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if results == nil {
		results = []model.DecisionResult{}
	}
	writeJSON(w, http.StatusOK, listResponse{Results: results, Count: len(results)})
}

func parseFilter(r *http.Request) (store.ResultFilter, error) {
	q := r.URL.Query()
	var f store.ResultFilter
	if v := q.Get("subject_type"); v != "" {
		st, err := model.ParseSubjectType(v)
		if err != nil {
			return f, eris.Wrap(decision.ErrInvalidQuery, err.Error())
		}
		f.SubjectType = st
	}
	switch v := model.SourceKind(q.Get("source_kind")); v {
	case "":
	case model.SourceAI, model.SourceFallback:
		f.SourceKind = v
	default:
		return f, eris.Wrapf(decision.ErrInvalidQuery, "unknown source_kind %q", v)
	}

	var err error
	if f.AnomaliesOnly, err = boolParam(q.Get("anomalies_only")); err != nil {
		return f, err
	}
	if f.UnconfirmedOnly, err = boolParam(q.Get("unconfirmed_only")); err != nil {
		return f, err
	}
	if v := q.Get("since"); v != "" {
		t, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			return f, eris.Wrapf(decision.ErrInvalidQuery, "since %q is not RFC3339", v)
		}
		f.Since = t
	}
	if f.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func boolParam(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, eris.Wrapf(decision.ErrInvalidQuery, "%q is not a boolean", v)
	}
	return b, nil
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Wrapf(decision.ErrInvalidQuery, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) statsSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "stats not enabled"})
		return
	}
	hours := s.lookback
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, eris.Wrap(decision.ErrInvalidQuery, "hours must be a positive integer"))
			return
		}
		hours = n
	}
	snap, err := s.stats.Collect(r.Context(), hours)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
