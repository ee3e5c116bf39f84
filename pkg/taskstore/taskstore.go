// Package taskstore tracks the lifecycle of in-flight operations: a
// process-wide map from operation id to its status, timestamps, result,
// error, an optional cancellation handle, and a bounded log ring.
package taskstore

import (
	"sync"
	"time"

	"github.com/vana-com/personal-server/pkg/events"
	"github.com/vana-com/personal-server/pkg/metrics"
	"github.com/vana-com/personal-server/pkg/types"
)

// DefaultLogCap is the number of log lines retained per task before
// older lines are discarded.
const DefaultLogCap = 2000

// Task is a single tracked operation.
type Task struct {
	ID          string
	Status      types.Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Result      any
	Err         error

	handle types.CancellationHandle
	logs   []string
	logCap int
}

// Logs returns a copy of the task's current log ring, oldest first.
func (t *Task) Logs() []string {
	out := make([]string, len(t.logs))
	copy(out, t.logs)
	return out
}

func (t *Task) appendLog(line string) {
	cap := t.logCap
	if cap <= 0 {
		cap = DefaultLogCap
	}
	t.logs = append(t.logs, line)
	if over := len(t.logs) - cap; over > 0 {
		t.logs = t.logs[over:]
	}
}

// snapshot returns a value copy safe to hand to callers outside the lock.
func (t *Task) snapshot() *Task {
	cp := *t
	cp.logs = t.Logs()
	cp.handle = nil
	return &cp
}

// Store is the process-wide task map, guarded by a single mutex.
type Store struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	logCap int
	broker *events.Broker
}

// New creates an empty Store. logCap <= 0 uses DefaultLogCap.
func New(logCap int) *Store {
	return &Store{
		tasks:  make(map[string]*Task),
		logCap: logCap,
	}
}

// SetBroker attaches an events.Broker that receives a notification on
// every task creation and status transition. Optional: a nil broker
// (the default) means no events are published.
func (s *Store) SetBroker(broker *events.Broker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broker = broker
}

func (s *Store) publish(typ events.EventType, id, message string) {
	s.mu.Lock()
	broker := s.broker
	s.mu.Unlock()
	if broker == nil {
		return
	}
	broker.Publish(&events.Event{OperationID: id, Type: typ, Message: message})
}

// Create registers id with status PENDING. If id already exists, the
// existing task is returned unchanged (create is idempotent).
func (s *Store) Create(id string) *Task {
	s.mu.Lock()
	if existing, ok := s.tasks[id]; ok {
		s.mu.Unlock()
		return existing.snapshot()
	}

	t := &Task{
		ID:        id,
		Status:    types.StatusPending,
		CreatedAt: time.Now(),
		logCap:    s.logCap,
	}
	s.tasks[id] = t
	snapshot := t.snapshot()
	s.mu.Unlock()

	metrics.OperationsInFlight.WithLabelValues(string(types.StatusPending)).Inc()

	s.publish(events.EventOperationCreated, id, "operation created")
	return snapshot
}

// UpdateStatus transitions id to status, optionally attaching a result
// or error. StartedAt is stamped on the first transition to RUNNING;
// CompletedAt is stamped on any terminal transition, which also clears
// the task's cancellation handle. Returns false if id is unknown.
func (s *Store) UpdateStatus(id string, status types.Status, result any, err error) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	prev := t.Status
	if status == types.StatusRunning && t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	t.Status = status
	if result != nil {
		t.Result = result
	}
	if err != nil {
		t.Err = err
	}
	if status.Terminal() {
		t.CompletedAt = time.Now()
		t.handle = nil
	}
	s.mu.Unlock()

	recordTransition(prev, status)
	s.publish(statusEventType(status), id, string(status))
	return true
}

func recordTransition(prev, next types.Status) {
	if prev == next {
		return
	}
	metrics.OperationsInFlight.WithLabelValues(string(prev)).Dec()
	metrics.OperationsInFlight.WithLabelValues(string(next)).Inc()
	if next.Terminal() {
		metrics.OperationsCompletedTotal.WithLabelValues(string(next)).Inc()
	}
}

func statusEventType(status types.Status) events.EventType {
	switch status {
	case types.StatusRunning:
		return events.EventOperationRunning
	case types.StatusSucceeded:
		return events.EventOperationSucceeded
	case types.StatusFailed:
		return events.EventOperationFailed
	case types.StatusCancelled:
		return events.EventOperationCancelled
	default:
		return events.EventOperationCreated
	}
}

// SetHandle attaches a cancellation handle to id. No-op if id is
// unknown or already terminal.
func (s *Store) SetHandle(id string, handle types.CancellationHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	t.handle = handle
	return true
}

// Cancel best-effort cancels id: if the task is not yet terminal and
// carries a cancellation handle, the handle is invoked outside the
// store's lock and the task is marked CANCELLED. Returns true iff a
// cancellation was actually performed.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() || t.handle == nil {
		s.mu.Unlock()
		return false
	}
	handle := t.handle
	s.mu.Unlock()

	err := handle.Cancel()

	s.mu.Lock()
	t, ok = s.tasks[id]
	if !ok || t.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	prev := t.Status
	t.Status = types.StatusCancelled
	t.CompletedAt = time.Now()
	t.handle = nil
	if err != nil {
		t.Err = err
	}
	s.mu.Unlock()

	recordTransition(prev, types.StatusCancelled)
	s.publish(events.EventOperationCancelled, id, "operation cancelled")
	return true
}

// Get returns a snapshot of id, or nil if unknown.
func (s *Store) Get(id string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	return t.snapshot()
}

// AppendLogs appends lines to id's bounded log ring. No-op if id is
// unknown.
func (s *Store) AppendLogs(id string, lines ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	for _, line := range lines {
		t.appendLog(line)
	}
	return true
}

// Cleanup deletes terminal tasks whose CompletedAt is older than maxAge.
// Returns the number of tasks removed.
func (s *Store) Cleanup(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.CompletedAt.Before(cutoff) {
			metrics.OperationsInFlight.WithLabelValues(string(t.Status)).Dec()
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked tasks, regardless of status.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
