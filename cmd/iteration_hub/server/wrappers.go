package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/executioncontext"
	"github.com/eval-hub/iteration-hub/internal/logging"
	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

// ReqWrapper adapts *http.Request to http_wrappers.RequestWrapper.
type ReqWrapper struct {
	Request *http.Request
}

func NewRequestWrapper(r *http.Request) *ReqWrapper {
	return &ReqWrapper{Request: r}
}

func (r *ReqWrapper) Header(key string) string {
	return r.Request.Header.Get(key)
}

func (r *ReqWrapper) BodyAsBytes() ([]byte, error) {
	if r.Request.Body == nil {
		return nil, nil
	}
	return io.ReadAll(r.Request.Body)
}

func (r *ReqWrapper) PathValue(name string) string {
	return r.Request.PathValue(name)
}

// RespWrapper adapts http.ResponseWriter to http_wrappers.ResponseWrapper and logs the outcome of the request.
type RespWrapper struct {
	w   http.ResponseWriter
	ctx *executioncontext.ExecutionContext
}

func NewRespWrapper(w http.ResponseWriter, ctx *executioncontext.ExecutionContext) *RespWrapper {
	return &RespWrapper{w: w, ctx: ctx}
}

// Error writes a service error with its own status, any other error is reported as a 500.
func (r *RespWrapper) Error(err error, requestId string) {
	var serviceError abstractions.ServiceError
	if errors.As(err, &serviceError) {
		r.ErrorWithMessageCode(requestId, serviceError.MessageCode(), serviceError.MessageParams()...)
		return
	}
	r.ErrorWithMessageCode(requestId, messages.UnknownError, "Error", err.Error())
}

func (r *RespWrapper) ErrorWithMessageCode(requestId string, messageCode *messages.MessageCode, messageParams ...any) {
	message := messages.GetErrorMessage(messageCode, messageParams...)
	code := messageCode.GetCode()
	r.w.Header().Del("Content-Length")
	r.w.Header().Set("X-Content-Type-Options", "nosniff")
	r.writeJSON(api.Error{MessageCode: code, Message: message, Trace: requestId}, code)
	logging.LogRequestFailed(r.ctx, code, message)
}

func (r *RespWrapper) SetHeader(key string, value string) {
	r.w.Header().Set(key, value)
}

func (r *RespWrapper) SetStatusCode(code int) {
	r.w.WriteHeader(code)
}

func (r *RespWrapper) Write(buf []byte) (int, error) {
	return r.w.Write(buf)
}

func (r *RespWrapper) WriteJSON(v any, code int) {
	if r.writeJSON(v, code) {
		logging.LogRequestSuccess(r.ctx, code, nil)
	}
}

func (r *RespWrapper) writeJSON(v any, code int) bool {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		r.ctx.Logger.Error("Failed to marshal the response", "error", err.Error())
		http.Error(r.w, err.Error(), http.StatusInternalServerError)
		return false
	}
	r.w.Header().Set("Content-Type", "application/json")
	r.w.WriteHeader(code)
	_, _ = r.w.Write(jsonBytes)
	return true
}
