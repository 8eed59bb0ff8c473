package serviceerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/eval-hub/iteration-hub/internal/messages"
)

func TestServiceError(t *testing.T) {
	t.Run("commits by default", func(t *testing.T) {
		err := NewServiceError(messages.ResourceNotFound, "Type", "iteration", "ResourceId", "it-1")
		if err.ShouldRollback() {
			t.Fatalf("Expected the default to commit")
		}
		if err.Error() != "The iteration resource it-1 was not found." {
			t.Fatalf("Unexpected message %q", err.Error())
		}
	})

	t.Run("rollback keeps the message", func(t *testing.T) {
		err := NewServiceError(messages.ResourceNotFound, "Type", "iteration", "ResourceId", "it-1").WithRollback()
		if !err.ShouldRollback() {
			t.Fatalf("Expected rollback")
		}
		if err.MessageCode() != messages.ResourceNotFound {
			t.Fatalf("Expected the message code to be kept")
		}
	})

	t.Run("plain errors become internal errors", func(t *testing.T) {
		err := WithRollback(errors.New("boom"))
		if err.MessageCode() != messages.InternalServerError || !err.ShouldRollback() {
			t.Fatalf("Unexpected service error %v", err)
		}
	})

	t.Run("message codes are found through wrapping", func(t *testing.T) {
		err := fmt.Errorf("loading: %w", NewServiceError(messages.ResourceNotFound, "Type", "run", "ResourceId", "r"))
		if !IsNotFound(err) {
			t.Fatalf("Expected a not found error")
		}
		if HasMessageCode(errors.New("x"), messages.ResourceNotFound) {
			t.Fatalf("Plain errors carry no message code")
		}
	})

	t.Run("causes are matched with errors.Is", func(t *testing.T) {
		sentinel := errors.New("sentinel")
		err := NewServiceError(messages.LockTimeout, "Key", "k", "Timeout", "1s").WithCause(sentinel).WithRollback()
		if !errors.Is(err, sentinel) {
			t.Fatalf("Expected the cause to be kept")
		}
	})
}
