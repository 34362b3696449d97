package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/session"
)

const maxBodyBytes = 1 << 16

type submitRequest struct {
	TargetKey string   `json:"target_key"`
	Year      int      `json:"year"`
	DataTypes []string `json:"data_types"`
	Priority  *int     `json:"priority"`
	CreatedBy string   `json:"created_by"`
}

type submitResponse struct {
	SessionID string               `json:"session_id"`
	Created   bool                 `json:"created"`
	Attached  []string             `json:"attached,omitempty"`
	Session   crawler.CrawlSession `json:"session"`
}

type reviewRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

type confidenceRequest struct {
	Confidence *float64 `json:"confidence"`
	Notes      string   `json:"notes"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) submitSession(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req := session.SubmitRequest{
		TargetKey: strings.ToLower(strings.TrimSpace(body.TargetKey)),
		Year:      body.Year,
		Priority:  5,
		CreatedBy: body.CreatedBy,
	}
	if body.Priority != nil {
		req.Priority = *body.Priority
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}
	for _, raw := range body.DataTypes {
		dt, err := crawler.ParseDataType(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		req.DataTypes = append(req.DataTypes, dt)
	}
	res, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, submitResponse{
		SessionID: res.Session.ID,
		Created:   res.Created,
		Attached:  res.Attached,
		Session:   res.Session,
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if r.ContentLength > 0 {
		if err := decode(w, r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	sess, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "session_id"), body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Resume(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.svc.Events(r.Context(), chi.URLParam(r, "session_id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) sessionPaths(w http.ResponseWriter, r *http.Request) {
	paths, err := s.svc.Paths(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

func (s *Server) listPatterns(w http.ResponseWriter, r *http.Request) {
	target := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("target_key")))
	patterns, err := s.svc.Patterns(r.Context(), target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns})
}

func (s *Server) reviewPattern(w http.ResponseWriter, r *http.Request) {
	var body reviewRequest
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	decision, err := crawler.ParseReviewDecision(strings.ToLower(strings.TrimSpace(body.Decision)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.svc.ReviewPattern(r.Context(), chi.URLParam(r, "pattern_id"), decision, body.Notes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) overrideConfidence(w http.ResponseWriter, r *http.Request) {
	var body confidenceRequest
	if err := decode(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Confidence == nil {
		s.fail(w, r, crawler.Malformed("confidence is required"))
		return
	}
	p, err := s.svc.OverrideConfidence(r.Context(), chi.URLParam(r, "pattern_id"), *body.Confidence, body.Notes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jobs, err := s.svc.DeadLetters(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return crawler.Malformed("invalid JSON at offset %d", syntax.Offset)
		}
		return crawler.Malformed("invalid request body: %v", err)
	}
	return nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, crawler.Malformed("invalid limit %q", raw)
	}
	return n, nil
}
