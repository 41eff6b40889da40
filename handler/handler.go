package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/collapsinghierarchy/veilbox/auth"
	"github.com/collapsinghierarchy/veilbox/service"
	"github.com/collapsinghierarchy/veilbox/store"
)

// maxBodyBytes caps request bodies; content itself is bounded by the service.
const maxBodyBytes = 1 << 20

type Server struct {
	svc *service.Service
	log *slog.Logger
}

type submitRequest struct {
	Content string `json:"content"`
}

type submitResponse struct {
	Message        string `json:"message"`
	PrivateKey     string `json:"privateKey"` // shown once, never stored
	VisibilityInfo string `json:"visibilityInfo"`
}

type verifyRequest struct {
	ResponseID string `json:"responseId"`
	PrivateKey string `json:"privateKey"`
}

type verifyResponse struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason"`
	Content  string `json:"content,omitempty"`
}

type responseView struct {
	ID             uuid.UUID  `json:"id"`
	Content        string     `json:"content"`
	PublicKey      string     `json:"publicKey"`
	Sealed         []byte     `json:"sealedContent"`
	Verified       bool       `json:"verified"`
	AttributedUser *uuid.UUID `json:"userId,omitempty"`
	UserEmail      string     `json:"userEmail,omitempty"`
}

type submitterView struct {
	ID              uuid.UUID  `json:"id"`
	Email           string     `json:"email"`
	IsAdmin         bool       `json:"isAdmin"`
	HasSubmitted    bool       `json:"hasSubmitted"`
	SubmissionCount int        `json:"submissionCount"`
	LastSubmission  *time.Time `json:"lastSubmissionAt,omitempty"`
}

type statusResponse struct {
	HasSubmitted    bool `json:"hasSubmitted"`
	SubmissionCount int  `json:"submissionCount"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Content string `json:"content,omitempty"`
}

// New returns a ready Server instance.
func New(svc *service.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, log: log.With("component", "handler")}
}

// RegisterRoutes mounts the form endpoints. Callers must already be
// authenticated by auth.Middleware.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/form", func(r chi.Router) {
		r.Post("/submit", s.Submit)
		r.Post("/verify", s.Verify)
		r.Post("/verify-own", s.VerifyOwn)
		r.Get("/responses", s.Responses)
		r.Get("/status", s.Status)
		r.With(auth.RequireAdmin).Get("/submitters", s.Submitters)
		r.With(auth.RequireAdmin).Get("/live", s.Live)
	})
}

func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	var req submitRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	res, err := s.svc.Submit(r.Context(), caller.UserID, req.Content)
	if err != nil {
		code, msg := s.classify(err, "failed to submit form")
		// echo the content so the client can retry without retyping
		writeJSON(w, code, errorResponse{Error: msg, Content: req.Content})
		return
	}
	s.log.Debug("submission stored", "responseId", res.ResponseID)
	writeJSON(w, http.StatusCreated, submitResponse{
		Message:        "Form submitted successfully",
		PrivateKey:     res.PrivateKey,
		VisibilityInfo: res.VisibilityMessage,
	})
}

func (s *Server) Verify(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	var req verifyRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	id, err := uuid.Parse(req.ResponseID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "responseId and privateKey are required"})
		return
	}
	res, err := s.svc.VerifyByID(r.Context(), caller.UserID, id, req.PrivateKey)
	if err != nil {
		code, msg := s.classify(err, "failed to verify submission")
		writeJSON(w, code, errorResponse{Error: msg})
		return
	}
	// content is only echoed by verify-own
	writeJSON(w, http.StatusOK, verifyResponse{Verified: res.Verified, Reason: res.Reason})
}

func (s *Server) VerifyOwn(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	var req verifyRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	res, err := s.svc.VerifyByScan(r.Context(), caller.UserID, req.PrivateKey)
	if err != nil {
		code, msg := s.classify(err, "failed to verify response")
		writeJSON(w, code, errorResponse{Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Verified: res.Verified, Reason: res.Reason, Content: res.Content})
}

func (s *Server) Responses(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	list, err := s.svc.ListVisible(r.Context(), caller.Admin)
	if err != nil {
		code, msg := s.classify(err, "failed to fetch submissions")
		writeJSON(w, code, errorResponse{Error: msg})
		return
	}
	out := make([]responseView, 0, len(list))
	for _, v := range list {
		rv := responseView{
			ID:        v.ID,
			Content:   v.Content,
			PublicKey: v.PublicKey,
			Sealed:    v.Sealed,
			Verified:  v.Verified,
			UserEmail: v.AttributedEmail,
		}
		if v.AttributedUserID.Valid {
			id := v.AttributedUserID.UUID
			rv.AttributedUser = &id
		}
		out = append(out, rv)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) Submitters(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.ListSubmitters(r.Context())
	if err != nil {
		code, msg := s.classify(err, "failed to fetch submitters")
		writeJSON(w, code, errorResponse{Error: msg})
		return
	}
	out := make([]submitterView, 0, len(users))
	for _, u := range users {
		sv := submitterView{
			ID:              u.ID,
			Email:           u.Email,
			IsAdmin:         u.IsAdmin,
			HasSubmitted:    u.HasSubmitted,
			SubmissionCount: u.SubmissionCount,
		}
		if !u.LastSubmissionAt.IsZero() {
			at := u.LastSubmissionAt
			sv.LastSubmission = &at
		}
		out = append(out, sv)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	st, err := s.svc.MyStatus(r.Context(), caller.UserID)
	if err != nil {
		code, msg := s.classify(err, "failed to check submission status")
		writeJSON(w, code, errorResponse{Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{HasSubmitted: st.HasSubmitted, SubmissionCount: st.SubmissionCount})
}

// classify maps service errors to a status code and a client-safe message.
func (s *Server) classify(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrAlreadySubmitted):
		return http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, service.ErrKeyGenerationExhausted), errors.Is(err, store.ErrTransient):
		s.log.Error(fallback, "err", err)
		return http.StatusServiceUnavailable, fallback
	default:
		s.log.Error(fallback, "err", err)
		return http.StatusInternalServerError, fallback
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
