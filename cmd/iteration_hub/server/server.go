package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/config"
	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/eval-hub/iteration-hub/internal/executioncontext"
	"github.com/eval-hub/iteration-hub/internal/handlers"
	"github.com/eval-hub/iteration-hub/internal/http_wrappers"
	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/internal/pipeline"
)

type Server struct {
	mu            sync.Mutex
	httpServer    *http.Server
	port          int
	logger        *slog.Logger
	serviceConfig *config.Config
	storage       abstractions.Storage
	validate      *validator.Validate
	iterations    handlers.IterationStarter
	budget        handlers.BudgetReader
	events        EventSource
}

// NewServer creates a new HTTP server instance. The server uses the standard library
// net/http.ServeMux for routing without a web framework:
//   - every route creates an ExecutionContext and the request and response wrappers
//   - routes switch on the HTTP method and answer MethodNotAllowed for the others
//   - the iteration routes are served by the orchestrator and the budget enforcer of the pipeline
//
// All routes are wrapped with Prometheus metrics middleware and OpenTelemetry tracing.
func NewServer(logger *slog.Logger,
	serviceConfig *config.Config,
	storage abstractions.Storage,
	validate *validator.Validate,
	engine *pipeline.Pipeline) (*Server, error) {

	if logger == nil {
		return nil, fmt.Errorf("logger is required for the server")
	}
	if (serviceConfig == nil) || (serviceConfig.Service == nil) {
		return nil, fmt.Errorf("service config is required for the server")
	}
	if storage == nil {
		return nil, fmt.Errorf("storage is required for the server")
	}
	if validate == nil {
		return nil, fmt.Errorf("validator is required for the server")
	}
	if engine == nil {
		return nil, fmt.Errorf("pipeline is required for the server")
	}

	return &Server{
		port:          serviceConfig.Service.Port,
		logger:        logger,
		serviceConfig: serviceConfig,
		storage:       storage,
		validate:      validate,
		iterations:    engine.Orchestrator,
		budget:        engine.Budget,
		events:        engine.Broker,
	}, nil
}

func (s *Server) GetPort() int {
	return s.port
}

// loggerWithRequest enhances the logger with request-specific fields so every log entry
// of a request carries the same request_id (from the X-Global-Transaction-Id header, or
// a generated UUID), method, uri, user agent, remote address, remote user and referer.
func (s *Server) loggerWithRequest(r *http.Request) (string, *slog.Logger) {
	requestID := r.Header.Get("X-Global-Transaction-Id")
	if requestID == "" {
		requestID = uuid.New().String() // generate a UUID if not present
	}

	enhancedLogger := s.logger.With(constants.LOG_REQUEST_ID, requestID)

	if r.Method != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_METHOD, r.Method)
	}

	uri := ""
	if r.URL != nil {
		uri = r.URL.Path
	}
	if uri == "" {
		uri = r.RequestURI
	}
	if uri != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_URI, uri)
	}

	if userAgent := r.Header.Get("User-Agent"); userAgent != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_USER_AGENT, userAgent)
	}

	if r.RemoteAddr != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_REMOTE_ADR, r.RemoteAddr)
	}

	// Extract remote_user from URL user info or header
	remoteUser := ""
	if r.URL != nil && r.URL.User != nil {
		remoteUser = r.URL.User.Username()
	}
	if remoteUser == "" {
		remoteUser = r.Header.Get("Remote-User")
	}
	if remoteUser != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_USER, remoteUser)
	}

	if referer := r.Header.Get("Referer"); referer != "" {
		enhancedLogger = enhancedLogger.With(constants.LOG_REFERER, referer)
	}

	return requestID, enhancedLogger
}

type handlerFunc func(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper)

// route dispatches on the HTTP method, the other methods are rejected with MethodNotAllowed.
func (s *Server) route(methods map[string]handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := s.newExecutionContext(r)
		resp := NewRespWrapper(w, ctx)
		handler, ok := methods[r.Method]
		if !ok {
			resp.ErrorWithMessageCode(ctx.RequestID, messages.MethodNotAllowed, "Method", r.Method, "Api", r.URL.String())
			return
		}
		handler(ctx, NewRequestWrapper(r), resp)
	}
}

func (s *Server) setupRoutes() (http.Handler, error) {
	router := http.NewServeMux()
	h := handlers.New(s.storage, s.validate, s.iterations, s.budget, s.serviceConfig)

	// Health endpoint
	router.HandleFunc("/api/v1/health", s.route(map[string]handlerFunc{
		http.MethodGet: h.HandleHealth,
	}))

	// Experiment endpoints
	router.HandleFunc(fmt.Sprintf("/api/v1/experiments/{%s}/iterations", constants.PATH_PARAMETER_EXPERIMENT_ID), s.route(map[string]handlerFunc{
		http.MethodPost: h.HandleStartIteration,
	}))
	router.HandleFunc(fmt.Sprintf("/api/v1/experiments/{%s}/budget", constants.PATH_PARAMETER_EXPERIMENT_ID), s.route(map[string]handlerFunc{
		http.MethodGet: h.HandleGetBudget,
	}))

	// Iteration endpoints
	router.HandleFunc(fmt.Sprintf("/api/v1/iterations/{%s}", constants.PATH_PARAMETER_ITERATION_ID), s.route(map[string]handlerFunc{
		http.MethodGet: h.HandleGetIteration,
	}))
	router.HandleFunc(fmt.Sprintf("/api/v1/iterations/{%s}/runs", constants.PATH_PARAMETER_ITERATION_ID), s.route(map[string]handlerFunc{
		http.MethodGet: h.HandleListModelRuns,
	}))
	router.HandleFunc(fmt.Sprintf("GET /api/v1/iterations/{%s}/events", constants.PATH_PARAMETER_ITERATION_ID), s.handleIterationEvents)

	// OpenAPI documentation endpoints
	router.HandleFunc("/openapi.yaml", s.route(map[string]handlerFunc{
		http.MethodGet: h.HandleOpenAPI,
	}))
	router.HandleFunc("/docs", s.route(map[string]handlerFunc{
		http.MethodGet: h.HandleDocs,
	}))

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Enable CORS in local mode only (for development/testing)
	handler := http.Handler(router)
	if s.serviceConfig.Service.LocalMode {
		handler = CorsMiddleware(handler, s.serviceConfig)
	}

	handler = Middleware(handler)

	// Tracing is outermost so the metrics middleware sees the request the router matched
	handler = otelhttp.NewHandler(handler, "iteration-hub")

	return handler, nil
}

// SetupRoutes exposes the route setup for testing
func (s *Server) SetupRoutes() (http.Handler, error) {
	return s.setupRoutes()
}

// Start serves until Shutdown is called, a graceful shutdown returns nil.
func (s *Server) Start() error {
	handler, err := s.setupRoutes()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info("Writing the server ready message", "file", s.serviceConfig.Service.ReadyFile)
	err = SetReady(s.serviceConfig, s.logger)
	if err != nil {
		return err
	}

	s.logger.Info("Server starting", "port", s.port)
	err = httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down server gracefully...")
	return httpServer.Shutdown(ctx)
}
