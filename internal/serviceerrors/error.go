package serviceerrors

import (
	"errors"

	"github.com/eval-hub/iteration-hub/internal/messages"
)

type ServiceError struct {
	messageCode   *messages.MessageCode
	messageParams []any
	rollback      bool
	cause         error
}

func (e *ServiceError) Error() string {
	return messages.GetErrorMessage(e.messageCode, e.messageParams...)
}

func (e *ServiceError) MessageCode() *messages.MessageCode {
	return e.messageCode
}

func (e *ServiceError) MessageParams() []any {
	return e.messageParams
}

func (e *ServiceError) ShouldRollback() bool {
	return e.rollback
}

// Unwrap exposes the sentinel the error was created from, if any.
func (e *ServiceError) Unwrap() error {
	return e.cause
}

func NewServiceError(messageCode *messages.MessageCode, messageParams ...any) *ServiceError {
	return &ServiceError{
		messageCode:   messageCode,
		messageParams: messageParams,
		rollback:      false, // the default is to commit the transaction
	}
}

func (e *ServiceError) WithRollback() *ServiceError {
	return &ServiceError{
		messageCode:   e.messageCode,
		messageParams: e.messageParams,
		rollback:      true,
		cause:         e.cause,
	}
}

// WithCause returns a copy of the error that matches cause with errors.Is.
func (e *ServiceError) WithCause(cause error) *ServiceError {
	return &ServiceError{
		messageCode:   e.messageCode,
		messageParams: e.messageParams,
		rollback:      e.rollback,
		cause:         cause,
	}
}

func WithRollback(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.WithRollback()
	}
	return &ServiceError{
		messageCode:   messages.InternalServerError,
		messageParams: []any{"Error", err.Error()},
		rollback:      true,
	}
}

// HasMessageCode reports whether err is, or wraps, a service error with the given message code.
func HasMessageCode(err error, messageCode *messages.MessageCode) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.messageCode == messageCode
	}
	return false
}

// IsNotFound reports whether err is a resource not found service error.
func IsNotFound(err error) bool {
	return HasMessageCode(err, messages.ResourceNotFound)
}
