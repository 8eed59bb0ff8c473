package server

import (
	"net/http"

	"github.com/eval-hub/iteration-hub/internal/executioncontext"
)

// newExecutionContext creates the request scoped context handed to the handlers. The
// logger carries the request id (from the X-Global-Transaction-Id header or a new UUID)
// and the request details, and the context ends when the client goes away.
func (s *Server) newExecutionContext(r *http.Request) *executioncontext.ExecutionContext {
	requestID, enhancedLogger := s.loggerWithRequest(r)

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	baseURL := scheme + "://" + r.Host

	return executioncontext.NewExecutionContext(
		r.Context(),
		requestID,
		enhancedLogger,
		r.Method,
		r.URL.Path,
		baseURL,
	)
}
