package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/orchestrator"
	"chatrelay/internal/runner"
	"chatrelay/internal/search"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 120 * time.Second
	idleTimeout         = 120 * time.Second
)

// Server is the HTTP front door for the chat relay.
type Server struct {
	cfg      config.Config
	orch     *orchestrator.Orchestrator
	searcher *search.Client
	auth     *authService
	feedback *FeedbackLog
	app      *echo.Echo
	address  string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, orch *orchestrator.Orchestrator, searcher *search.Client) (*Server, error) {
	if orch == nil {
		return nil, errors.New("orchestrator must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apiErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	srv := &Server{
		cfg:      cfg,
		orch:     orch,
		searcher: searcher,
		auth:     newAuthService(cfg.Auth),
		feedback: NewFeedbackLog(cfg.Feedback.ResolvedPath()),
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.POST("/api/chat", s.handleChat)
	s.app.GET("/api/chat/full/:id", s.handleChatFull)
	s.app.POST("/api/login", s.handleLogin)
	s.app.GET("/api/verify", s.handleVerify)
	s.app.POST("/api/feedback", s.handleFeedback)
	s.app.GET("/api/local/status", s.handleLocalStatus)
	s.app.GET("/api/search/test", s.handleSearchTest)
}

// handleChat serves POST /api/chat. Guests are permitted: a missing
// bearer credential never blocks the chat path.
func (s *Server) handleChat(c echo.Context) error {
	var req models.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.orch.Chat(c.Request().Context(), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleChatFull(c echo.Context) error {
	id := c.Param("id")

	entry, ok := s.orch.Full(id)
	if !ok {
		return c.JSON(http.StatusNotFound, models.FullResponse{
			Ready: false,
			Error: "unknown full response id",
		})
	}

	return c.JSON(http.StatusOK, models.FullResponse{
		Ready:  entry.Ready,
		Answer: entry.Answer,
		Error:  entry.Err,
	})
}

func (s *Server) handleLocalStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"available": s.orch.RunnerReady(c.Request().Context()),
		"model":     s.cfg.Runner.Model,
	})
}

// handleSearchTest passes a query straight to the search collaborator
// for diagnostics.
func (s *Server) handleSearchTest(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "query parameter q is required",
			Type:    "invalid_request_error",
		}
	}
	if s.searcher == nil {
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "web search is not configured",
			Type:    "search_unavailable",
		}
	}

	resp, err := s.searcher.Search(c.Request().Context(), query)
	if err != nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: fmt.Sprintf("search failed: %v", err),
			Type:    "search_error",
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func apiErrorHandler(err error, c echo.Context) {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	type httpError interface {
		Code() int
		Error() string
	}

	if he, ok := err.(httpError); ok {
		_ = writeError(c, he.Code(), he.Error(), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, orchestrator.ErrEmptyMessage) || errors.Is(err, orchestrator.ErrMessageTooLong) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}
	if errors.Is(err, runner.ErrUnavailable) {
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "the local model runner is unavailable",
			Type:    "model_unavailable",
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "generation failed",
		Type:    "generation_error",
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("chatrelay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  POST /api/chat")
	fmt.Println("  GET  /api/chat/full/:id")
	fmt.Println("  POST /api/login")
	fmt.Println("  GET  /api/verify")
	fmt.Println("  POST /api/feedback")
	fmt.Println("  GET  /api/local/status")
	fmt.Println("  GET  /api/search/test?q=")
	fmt.Printf("Example:\n  curl http://%s:%d/api/chat -H 'Content-Type: application/json' -d '{\"message\":\"What is the capital of France?\",\"useWebSearch\":\"never\"}'\n\n", host, port)
}
