package abstractions

import "github.com/eval-hub/iteration-hub/internal/messages"

// ServiceError is returned by storage, budget and orchestrator operations when
// the failure has to reach an API caller. The caller facing message is
// rendered at the HTTP layer from the code and its parameters.
type ServiceError interface {
	Error() string
	MessageCode() *messages.MessageCode
	MessageParams() []any
	// ShouldRollback tells withTransaction to abandon the surrounding transaction.
	ShouldRollback() bool
}
