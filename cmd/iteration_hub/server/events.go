package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/eval-hub/iteration-hub/internal/messages"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

// EventSource delivers the live events of an iteration.
type EventSource interface {
	Subscribe(iterationID string) (<-chan api.Event, func())
}

// endsStream reports whether the iteration will publish nothing more until a user acts.
func endsStream(event api.Event) bool {
	if event.Name != api.EventStatus {
		return false
	}
	payload, ok := event.Payload.(api.StatusPayload)
	if !ok {
		return false
	}
	return payload.Status.IsTerminal() || payload.Status == api.IterationStatusReviewing
}

// handleIterationEvents streams the events of a running iteration as server-sent events.
func (s *Server) handleIterationEvents(w http.ResponseWriter, r *http.Request) {
	ctx := s.newExecutionContext(r)
	resp := NewRespWrapper(w, ctx)
	iterationID := r.PathValue(constants.PATH_PARAMETER_ITERATION_ID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		resp.ErrorWithMessageCode(ctx.RequestID, messages.InternalServerError, "Error", "streaming is not supported")
		return
	}

	// subscribe before reading the status so no transition falls in between
	events, unsubscribe := s.events.Subscribe(iterationID)
	defer unsubscribe()

	iteration, err := s.storage.WithContext(ctx.Ctx).WithLogger(ctx.Logger).GetIteration(iterationID)
	if err != nil {
		resp.Error(err, ctx.RequestID)
		return
	}

	// streams outlive the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// the current status first so that late subscribers know where the iteration is
	current := api.Event{Name: api.EventStatus, IterationID: iterationID, Payload: api.StatusPayload{Status: iteration.Status}}
	if err := writeEvent(w, current); err != nil {
		return
	}
	flusher.Flush()
	if endsStream(current) {
		return
	}

	for {
		select {
		case <-ctx.Ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, event); err != nil {
				ctx.Logger.Info("Event stream closed", "error", err.Error())
				return
			}
			flusher.Flush()
			if endsStream(event) {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event api.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, data)
	return err
}
