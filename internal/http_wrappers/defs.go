// Package http_wrappers keeps the handlers independent of net/http so they can be driven by test doubles.
package http_wrappers

import "github.com/eval-hub/iteration-hub/internal/messages"

// RequestWrapper is the part of an HTTP request the handlers read.
type RequestWrapper interface {
	Header(key string) string
	BodyAsBytes() ([]byte, error)
	// PathValue returns a wildcard of the matched route pattern, such as iteration_id.
	PathValue(name string) string
}

// ResponseWrapper writes handler results and failures, logging the outcome of the request.
type ResponseWrapper interface {
	// Error maps a ServiceError to its message code, anything else becomes UnknownError.
	Error(err error, requestId string)
	ErrorWithMessageCode(requestId string, messageCode *messages.MessageCode, messageParams ...any)
	SetHeader(key string, value string)
	SetStatusCode(code int)
	Write(buf []byte) (n int, err error)
	WriteJSON(v any, code int)
}
