package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"talebranch/api/internal/auth"
	"talebranch/api/internal/export"
	"talebranch/api/internal/metrics"
	"talebranch/api/internal/realtime"
	"talebranch/api/internal/search"
	"talebranch/api/internal/store"
)

const retryAfterSeconds = "1"

// Pinger is a dependency that /api/ready checks besides the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPOptions struct {
	Verifier *auth.Verifier
	Hub      *realtime.Hub
	// Realtime is pinged by /api/ready when fan-out goes through a broker.
	Realtime   Pinger
	Metrics    *metrics.Collector
	Logger     *zap.Logger
	CORSOrigin string
}

type HTTPServer struct {
	service    *Service
	verifier   *auth.Verifier
	hub        *realtime.Hub
	realtime   Pinger
	metrics    *metrics.Collector
	logger     *zap.Logger
	corsOrigin string
	validate   *validator.Validate
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origin := opts.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return &HTTPServer{
		service:    service,
		verifier:   opts.Verifier,
		hub:        opts.Hub,
		realtime:   opts.Realtime,
		metrics:    opts.Metrics,
		logger:     logger,
		corsOrigin: origin,
		validate:   newValidator(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(s.withRequestLog)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))

	router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
		}

		r.Group(func(r chi.Router) {
			r.Use(s.withIdentity)

			r.Get("/session", s.handleSession)
			r.Get("/live", s.handleLive)

			r.Route("/stories", func(r chi.Router) {
				r.Get("/", s.handleListStories)
				r.With(s.requireIdentity).Post("/", s.handleCreateStory)
				r.Get("/{storyID}", s.handleGetStory)
				r.Get("/{storyID}/branches", s.handleListBranches)
			})

			r.Route("/branches/{branchID}", func(r chi.Router) {
				r.Get("/", s.handleReadBranch)
				r.With(s.requireIdentity).Post("/contributions", s.handleAppend)
				r.With(s.requireIdentity).Post("/forks", s.handleFork)
				r.Get("/votes/mine", s.handleMyVotes)
				r.Get("/export", s.handleExport)
				r.With(s.requireIdentity).Post("/archive", s.handleArchive)
			})

			r.With(s.requireIdentity).Post("/contributions/{contributionID}/vote", s.handleVote)
			r.Get("/users/{userID}/contributions", s.handleUserContributions)
		})
	})
	return router
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if s.realtime != nil {
		checks["realtime"] = map[string]any{"status": "ok"}
		if err := s.realtime.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["realtime"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, auth.FromContext(r.Context()))
}

// handleLive upgrades to a websocket. Watching is public, so the identity
// only labels the connection.
func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "LIVE_UNAVAILABLE", "Live updates are not enabled", nil)
		return
	}
	s.hub.ServeWS(w, r, auth.FromContext(r.Context()).UserID)
}

type createStoryRequest struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"required,max=2000"`
	Tags        []string `json:"tags" validate:"max=10,dive,max=40"`
	Content     string   `json:"content" validate:"required"`
}

type appendRequest struct {
	Content string `json:"content" validate:"required"`
}

type forkRequest struct {
	AtContributionID string `json:"atContributionId" validate:"required"`
	Title            string `json:"title" validate:"required,max=200"`
	Content          string `json:"content"`
}

type voteRequest struct {
	Kind string `json:"kind" validate:"required,oneof=up down"`
}

func (s *HTTPServer) handleListStories(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, ok := parseLimit(w, query.Get("limit"))
	if !ok {
		return
	}
	stories, err := s.service.ListStories(r.Context(), search.Query{
		Text:      query.Get("q"),
		Tag:       query.Get("tag"),
		CreatorID: query.Get("creator"),
		Limit:     limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stories": stories})
}

func (s *HTTPServer) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	var body createStoryRequest
	if !s.readBody(w, r, &body) {
		return
	}
	created, err := s.service.CreateStory(r.Context(), auth.FromContext(r.Context()), CreateStoryInput{
		Title:       body.Title,
		Description: body.Description,
		Tags:        body.Tags,
		Content:     body.Content,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetStory(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetStory(r.Context(), chi.URLParam(r, "storyID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.service.ListBranches(r.Context(), chi.URLParam(r, "storyID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (s *HTTPServer) handleReadBranch(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.ReadBranch(r.Context(), chi.URLParam(r, "branchID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleAppend(w http.ResponseWriter, r *http.Request) {
	var body appendRequest
	if !s.readBody(w, r, &body) {
		return
	}
	contribution, err := s.service.AppendContribution(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "branchID"), body.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"contribution": contribution})
}

func (s *HTTPServer) handleFork(w http.ResponseWriter, r *http.Request) {
	var body forkRequest
	if !s.readBody(w, r, &body) {
		return
	}
	view, err := s.service.Fork(r.Context(), auth.FromContext(r.Context()), ForkInput{
		FromBranchID:     chi.URLParam(r, "branchID"),
		AtContributionID: body.AtContributionID,
		Title:            body.Title,
		Content:          body.Content,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleMyVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := s.service.MyVotes(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "branchID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"votes": votes})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, string(KindValidation), "Unsupported export format", map[string]string{"format": "must be one of: markdown html"})
		return
	}
	result, err := s.service.ExportBranch(r.Context(), chi.URLParam(r, "branchID"), format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	archived, err := s.service.ArchiveBranch(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "branchID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, archived)
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request) {
	var body voteRequest
	if !s.readBody(w, r, &body) {
		return
	}
	result, err := s.service.Vote(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "contributionID"), store.VoteKind(body.Kind))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleUserContributions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	items, err := s.service.ListContributionsByAuthor(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contributions": items})
}

// readBody decodes and validates a JSON body, writing the error response
// itself when either step fails.
func (s *HTTPServer) readBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := s.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[fe.Field()] = formatFieldError(fe)
			}
			writeError(w, http.StatusUnprocessableEntity, string(KindValidation), "Request validation failed", details)
			return false
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("requestID", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

// withIdentity resolves the bearer token. Browsers cannot set headers on a
// websocket handshake, so /live also accepts ?token=.
func (s *HTTPServer) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" && strings.HasSuffix(r.URL.Path, "/live") {
			token = r.URL.Query().Get("token")
		}
		identity := auth.Anonymous
		if s.verifier != nil && token != "" {
			resolved, err := s.verifier.Identify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, string(KindAuth), "Unauthorized", nil)
				return
			}
			identity = resolved
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// requireIdentity rejects anonymous writes before the body is read, so a
// malformed payload from a signed-out caller still gets 401.
func (s *HTTPServer) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := requireActor(auth.FromContext(r.Context())); err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.ObserveHTTP(r.Method, route, writer.status, elapsed)
		s.logger.Info("request",
			zap.String("requestID", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("durationMs", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, http.StatusUnprocessableEntity, string(KindValidation), "limit must be a non-negative integer", map[string]string{"limit": raw})
		return 0, false
	}
	return limit, true
}

func mapError(err error) (status int, code, message string, details any) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus(), string(appErr.Kind), appErr.Message, appErr.Details
	}
	if errors.Is(err, export.ErrArchiveDisabled) {
		return http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "Archiving is not configured", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, string(KindAuth), "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func formatFieldError(e validator.FieldError) string {
	field := e.Field()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		if e.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at most %s entries", field, e.Param())
		}
		return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
