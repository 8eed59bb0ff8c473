package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/budget"
	"github.com/eval-hub/iteration-hub/internal/lock"
	"github.com/eval-hub/iteration-hub/internal/logging"
	"github.com/eval-hub/iteration-hub/internal/storage/storagetest"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

type enqueued struct {
	queue   string
	payload any
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
	// failures is the number of upcoming enqueues that fail with errTransient
	failures int
}

func (q *recordingQueue) Enqueue(_ context.Context, queue string, payload any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures > 0 {
		q.failures--
		return "", errTransient
	}
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, enqueued{queue: queue, payload: payload})
	return "job", nil
}

func (q *recordingQueue) count(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.jobs {
		if job.queue == queue {
			n++
		}
	}
	return n
}

var errTransient = errors.New("queue unavailable")

// failOnce makes the next enqueue fail with a transient error.
func (q *recordingQueue) failOnce() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = 1
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []api.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event api.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) names() []api.EventName {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]api.EventName, 0, len(n.events))
	for _, event := range n.events {
		names = append(names, event.Name)
	}
	return names
}

func (n *recordingNotifier) last(name api.EventName) *api.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].Name == name {
			event := n.events[i]
			return &event
		}
	}
	return nil
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}

type harness struct {
	store    abstractions.Storage
	fixture  *storagetest.Fixture
	queue    *recordingQueue
	notifier *recordingNotifier
	locker   *lock.MemoryLocker
	orch     *Orchestrator
}

func newHarness(t *testing.T, opts storagetest.FixtureOptions) *harness {
	t.Helper()
	logger := logging.FallbackLogger()
	store := storagetest.New(t)
	h := &harness{
		store:    store,
		fixture:  storagetest.Seed(t, store, opts),
		queue:    &recordingQueue{},
		notifier: &recordingNotifier{},
		locker:   lock.NewMemoryLocker(),
	}
	h.orch = New(store, h.queue, h.notifier, h.locker, budget.NewEnforcer(store, logger), logger, WithLockTimeout(200*time.Millisecond))
	return h
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	iterationID, err := h.orch.StartIteration(context.Background(), h.fixture.Experiment.ID, h.fixture.PromptVersion.ID)
	if err != nil {
		t.Fatalf("Failed to start iteration: %v", err)
	}
	return iterationID
}

func (h *harness) iteration(t *testing.T, id string) *api.Iteration {
	t.Helper()
	iteration, err := h.store.GetIteration(id)
	if err != nil {
		t.Fatalf("Failed to get iteration: %v", err)
	}
	return iteration
}

func (h *harness) setRunStatus(t *testing.T, run api.ModelRun, status api.RunStatus) {
	t.Helper()
	run.Status = status
	if err := h.store.UpdateModelRun(&run); err != nil {
		t.Fatalf("Failed to update model run: %v", err)
	}
}

func (h *harness) runs(t *testing.T, iterationID string) []api.ModelRun {
	t.Helper()
	runs, err := h.store.GetModelRuns(iterationID)
	if err != nil {
		t.Fatalf("Failed to get model runs: %v", err)
	}
	return runs
}

// moveTo forces the stored status of an iteration.
func (h *harness) moveTo(t *testing.T, iterationID string, to api.IterationStatus) {
	t.Helper()
	iteration := h.iteration(t, iterationID)
	ok, err := h.store.UpdateIterationStatus(iterationID, iteration.Status, to, nil)
	if err != nil || !ok {
		t.Fatalf("Failed to move iteration to %s: %v", to, err)
	}
}

func intPtr(v int) *int {
	return &v
}

func floatPtr(v float64) *float64 {
	return &v
}
