package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"myway/internal/servicetoken"
	"myway/internal/util"
	"myway/pkg/domain"
	"myway/pkg/queue"
	"myway/services/feed/internal/app"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                         *app.App
	InternalJWTKeyID            string
	InternalJWTPublicKeyPath    string
	InternalJWTVerifyPublicKeys map[string]string
	InternalJWTIssuers          []string
	TrustedProxies              []string
	// InternalVerifier, when set, replaces the key settings above.
	InternalVerifier *servicetoken.Verifier
}

// Server exposes HTTP endpoints for the feed service.
type Server struct {
	app            *app.App
	internalVerify *servicetoken.Verifier
	trusted        *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured. Without internal JWT
// keys the internal endpoints reject every request.
func New(cfg Config) (*Server, error) {
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		internalVerify: cfg.InternalVerifier,
		trusted:        trusted,
		mux:            http.NewServeMux(),
	}
	if s.internalVerify == nil {
		if strings.TrimSpace(cfg.InternalJWTPublicKeyPath) == "" && len(cfg.InternalJWTVerifyPublicKeys) == 0 {
			slog.Warn("internal jwt keys not configured, internal endpoints disabled")
		} else {
			verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
				PublicKeyPath:      strings.TrimSpace(cfg.InternalJWTPublicKeyPath),
				VerifyPublicKeyMap: cfg.InternalJWTVerifyPublicKeys,
				DefaultKeyID:       cfg.InternalJWTKeyID,
				Audience:           servicetoken.FeedAudience,
				AllowedIssuers:     cfg.InternalJWTIssuers,
				Leeway:             servicetoken.DefaultLeeway,
			})
			if err != nil {
				return nil, err
			}
			s.internalVerify = verifier
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("feed", s.trusted, util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// feed
	s.mux.HandleFunc("/feed", s.handleFeed)

	// generation
	s.mux.HandleFunc("/gen/image", s.handleGenerate(domain.MediaImage))
	s.mux.HandleFunc("/gen/video", s.handleGenerate(domain.MediaVideo))
	s.mux.HandleFunc("/gen/status", s.handleJobStatus)
	s.mux.HandleFunc("/more-like-this", s.handleMoreLikeThis)
	s.mux.HandleFunc("/moderate", s.handleModerate)

	// internal
	s.mux.Handle("/tasks/consume", servicetoken.Require(s.internalVerify, http.HandlerFunc(s.handleConsumeTask)))
	s.mux.HandleFunc("/profile/images", s.handleProfileImages)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Health())
}

type feedRequest struct {
	UID      string `json:"uid"`
	Page     int    `json:"page"`
	FeedType string `json:"feedType"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req feedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Page < 0 {
		writeError(w, http.StatusBadRequest, "page must be >= 0")
		return
	}
	page, err := s.app.BuildFeed(r.Context(), strings.TrimSpace(req.UID), req.Page, req.FeedType)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type generateRequest struct {
	UID                 string   `json:"uid"`
	Prompt              string   `json:"prompt"`
	Type                string   `json:"type"`
	Aspect              string   `json:"aspect"`
	Seed                *int64   `json:"seed"`
	Duration            *int     `json:"duration"`
	IsPrivate           bool     `json:"isPrivate"`
	IncludeMe           bool     `json:"includeMe"`
	ReferenceImagePaths []string `json:"referenceImagePaths"`
}

const defaultVideoDuration = 6

func (s *Server) handleGenerate(endpoint domain.MediaType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req generateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		media, err := domain.ParseMediaType(req.Type)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		duration := defaultVideoDuration
		if req.Duration != nil {
			duration = *req.Duration
		}
		res, err := s.app.Generate(r.Context(), app.GenerateRequest{
			UserID:         strings.TrimSpace(req.UID),
			Prompt:         req.Prompt,
			Type:           media,
			Endpoint:       endpoint,
			Aspect:         strings.TrimSpace(req.Aspect),
			Seed:           req.Seed,
			Duration:       duration,
			IsPrivate:      req.IsPrivate,
			IncludeMe:      req.IncludeMe,
			ReferencePaths: req.ReferenceImagePaths,
		})
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := s.app.GetJobStatus(r.Context(), r.URL.Query().Get("jobId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type moreLikeThisRequest struct {
	UID    string `json:"uid"`
	PostID string `json:"postId"`
	Count  int    `json:"count"`
}

func (s *Server) handleMoreLikeThis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req moreLikeThisRequest
	if !decodeBody(w, r, &req) {
		return
	}
	jobs, err := s.app.MoreLikeThis(r.Context(), strings.TrimSpace(req.UID), strings.TrimSpace(req.PostID), req.Count)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type moderateRequest struct {
	Prompt string       `json:"prompt"`
	Post   *domain.Post `json:"post"`
}

func (s *Server) handleModerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req moderateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	prompt := req.Prompt
	if prompt == "" && req.Post != nil {
		prompt = req.Post.Prompt
	}
	if strings.TrimSpace(prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt or post is required")
		return
	}
	verdict, err := s.app.Moderate(r.Context(), prompt)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

type pushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func (s *Server) handleConsumeTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var env pushEnvelope
	if !decodeBody(w, r, &env) {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message data")
		return
	}
	task, err := queue.DecodeTask(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task: "+err.Error())
		return
	}
	caller, _ := servicetoken.CallerFromContext(r.Context())
	util.LoggerFromContext(r.Context()).Info("task delivered",
		"job_id", task.JobID,
		"caller", caller.Issuer,
		"subscription", env.Subscription,
		"message_id", env.Message.MessageID,
	)
	skipped, err := s.app.ConsumeTask(r.Context(), task)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if skipped {
		writeJSON(w, http.StatusOK, map[string]bool{"skipped": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type profileImagesResponse struct {
	ProfileImages *domain.ProfileImages `json:"profileImages"`
	Success       bool                  `json:"success"`
	Message       string                `json:"message,omitempty"`
}

type saveProfileImagesRequest struct {
	UID           string                     `json:"uid"`
	ProfileImages domain.ProfileImagesUpdate `json:"profileImages"`
}

func (s *Server) handleProfileImages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		images, err := s.app.GetProfileImages(r.Context(), strings.TrimSpace(r.URL.Query().Get("uid")))
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		resp := profileImagesResponse{ProfileImages: images, Success: true}
		if images == nil {
			resp.Message = "no profile images"
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		servicetoken.Require(s.internalVerify, http.HandlerFunc(s.handleSaveProfileImages)).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSaveProfileImages(w http.ResponseWriter, r *http.Request) {
	var req saveProfileImagesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	images, err := s.app.SaveProfileImages(r.Context(), strings.TrimSpace(req.UID), req.ProfileImages)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileImagesResponse{ProfileImages: images, Success: true, Message: "profile images updated"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeAppError maps service errors onto HTTP statuses. Unknown errors are
// logged and reported as internal errors.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, app.ErrTypeMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrJobNotFound), errors.Is(err, app.ErrPostNotFound), errors.Is(err, domain.ErrNotFound):
		notFound(w, err.Error())
	case errors.Is(err, app.ErrRateLimited), errors.Is(err, app.ErrBudgetExhausted):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, app.ErrQueueUnavailable), errors.Is(err, app.ErrWorkerUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForFeed(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForFeed(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "job not found":
		return "FEED_JOB_NOT_FOUND"
	case message == "post not found":
		return "FEED_POST_NOT_FOUND"
	case message == "type does not match endpoint":
		return "GEN_TYPE_MISMATCH"
	case message == "generation rate limit exceeded":
		return "GEN_RATE_LIMITED"
	case message == "session budget exhausted":
		return "GEN_BUDGET_EXHAUSTED"
	case strings.HasPrefix(message, "invalid feedtype"):
		return "FEED_INVALID_TYPE"
	case message == "invalid json body":
		return "FEED_INVALID_REQUEST"
	case message == "invalid message data", strings.HasPrefix(message, "invalid task"):
		return "TASK_INVALID_PAYLOAD"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	}

	switch status {
	case http.StatusBadRequest:
		return "FEED_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "GEN_RATE_LIMITED"
	case http.StatusServiceUnavailable:
		return "SYSTEM_UNAVAILABLE"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
