// Package groupqueue implements the per-group work queue: admission,
// FIFO ordering per key, a global concurrency bound, single-inflight
// dedup per taskId, and preemption of idle running entries so the
// scheduler doesn't have to wait out a full idle window.
package groupqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/goclaw-orchestrator/internal/bus"
	"github.com/basket/goclaw-orchestrator/internal/otel"
)

// Stopper lets the queue ask a running entry's worker to wind down. It is
// registered by Work via setStopper once the underlying container/process
// has actually started.
type Stopper interface {
	CloseStdin() error
}

// Work is the unit of execution the queue dispatches. setStopper must be
// called as soon as a Stopper is available so CloseStdin and preemption
// can reach the running worker.
type Work func(ctx context.Context, setStopper func(Stopper)) error

// ConcurrencyLimiter supplies the current global inflight bound. Satisfied
// by *resourcemonitor.Monitor.
type ConcurrencyLimiter interface {
	Update() int
}

const defaultMaxQueueSize = 50

type entry struct {
	key        string
	taskID     string
	work       Work
	enqueuedAt time.Time
	stopper    Stopper
}

type lane struct {
	queue   []*entry
	running *entry
}

// Queue is the per-key FIFO work queue described by §4.3. All methods are
// safe for concurrent use.
type Queue struct {
	mu             sync.Mutex
	lanes          map[string]*lane
	runningTaskIDs map[string]struct{}
	lastEventAt    map[string]time.Time
	inflight       int

	maxQueueSize int
	limiter      ConcurrencyLimiter
	eventBus     *bus.Bus
	logger       *slog.Logger
	metrics      *otel.Metrics
}

// SetMetrics attaches OTel instruments the queue reports admission and
// concurrency counts through. Nil (the default) disables reporting.
func (q *Queue) SetMetrics(m *otel.Metrics) {
	q.metrics = m
}

// SetMaxQueueSize replaces the per-key queue capacity, letting a config
// reload take effect without restarting the process. It only bounds new
// admissions; entries already queued past the new limit are left in place.
func (q *Queue) SetMaxQueueSize(maxQueueSize int) {
	if maxQueueSize <= 0 {
		maxQueueSize = defaultMaxQueueSize
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxQueueSize = maxQueueSize
}

// New creates a Queue bounded by maxQueueSize entries per key (0 uses the
// default) and gated by limiter's current concurrency ceiling.
func New(maxQueueSize int, limiter ConcurrencyLimiter, eventBus *bus.Bus, logger *slog.Logger) *Queue {
	if maxQueueSize <= 0 {
		maxQueueSize = defaultMaxQueueSize
	}
	return &Queue{
		lanes:          make(map[string]*lane),
		runningTaskIDs: make(map[string]struct{}),
		lastEventAt:    make(map[string]time.Time),
		maxQueueSize:   maxQueueSize,
		limiter:        limiter,
		eventBus:       eventBus,
		logger:         logger,
	}
}

// EnqueueTask appends work to key's FIFO. It silently no-ops if taskID is
// already running (single-inflight-per-taskId dedup) and returns an error
// if the per-key queue is already at capacity.
func (q *Queue) EnqueueTask(key, taskID string, work Work) error {
	q.mu.Lock()
	if _, running := q.runningTaskIDs[taskID]; running {
		q.mu.Unlock()
		q.logf("enqueue rejected: task %s already running", taskID)
		return nil
	}
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	if len(l.queue) >= q.maxQueueSize {
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.QueueRejects.Add(context.Background(), 1)
		}
		return fmt.Errorf("groupqueue: key %q at capacity (%d)", key, q.maxQueueSize)
	}
	e := &entry{key: key, taskID: taskID, work: work, enqueuedAt: time.Now()}
	l.queue = append(l.queue, e)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.QueueDepth.Add(context.Background(), 1)
	}
	q.publish(bus.TopicQueueEntryEnqueued, e, "QUEUED")
	q.dispatch()
	return nil
}

// dispatch pops as many head-of-line entries as the current concurrency
// ceiling allows, across all keys with no entry already running, and
// starts them. It is safe to call repeatedly; it's a no-op when nothing
// is eligible.
func (q *Queue) dispatch() {
	max := 1
	if q.limiter != nil {
		max = q.limiter.Update()
	}

	var toStart []*entry
	q.mu.Lock()
	for q.inflight < max {
		e := q.nextRunnableLocked()
		if e == nil {
			break
		}
		l := q.lanes[e.key]
		l.queue = l.queue[1:]
		l.running = e
		q.runningTaskIDs[e.taskID] = struct{}{}
		q.lastEventAt[e.key] = time.Now()
		q.inflight++
		toStart = append(toStart, e)
	}
	q.mu.Unlock()

	if q.metrics != nil && len(toStart) > 0 {
		ctx := context.Background()
		q.metrics.QueueDepth.Add(ctx, -int64(len(toStart)))
		q.metrics.ActiveContainers.Add(ctx, int64(len(toStart)))
	}
	for _, e := range toStart {
		go q.run(e)
	}
}

// nextRunnableLocked returns the head entry of some key with no entry
// already running, or nil. Must be called with q.mu held. Map iteration
// order is randomized by Go, which is exactly the round-robin-ish,
// no-cross-key-fairness-guarantee behavior §4.3 calls for.
func (q *Queue) nextRunnableLocked() *entry {
	for _, l := range q.lanes {
		if l.running == nil && len(l.queue) > 0 {
			return l.queue[0]
		}
	}
	return nil
}

func (q *Queue) run(e *entry) {
	q.publish(bus.TopicQueueEntryStarted, e, "RUNNING")

	setStopper := func(s Stopper) {
		q.mu.Lock()
		e.stopper = s
		q.mu.Unlock()
	}

	err := e.work(context.Background(), setStopper)

	status := "COMPLETED"
	if err != nil {
		status = "FAILED"
		q.logf("queue entry %s/%s failed: %v", e.key, e.taskID, err)
	}

	q.mu.Lock()
	l := q.lanes[e.key]
	l.running = nil
	delete(q.runningTaskIDs, e.taskID)
	delete(q.lastEventAt, e.key)
	q.inflight--
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.ActiveContainers.Add(context.Background(), -1)
	}
	q.publish(bus.TopicQueueEntryCompleted, e, status)
	q.dispatch()
}

// Touch records that key's running entry just produced a streamed event,
// resetting the idle clock PreemptForPendingTasks consults.
func (q *Queue) Touch(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.lastEventAt[key]; ok {
		q.lastEventAt[key] = time.Now()
	}
}

// CloseStdin asks key's running entry (if any) to close its worker's
// stdin, used by the idle and hard-timeout paths in internal/sandbox.
func (q *Queue) CloseStdin(key string) error {
	q.mu.Lock()
	var s Stopper
	if l, ok := q.lanes[key]; ok && l.running != nil {
		s = l.running.stopper
	}
	q.mu.Unlock()
	if s == nil {
		return fmt.Errorf("groupqueue: no running entry for key %q", key)
	}
	return s.CloseStdin()
}

// PreemptForPendingTasks closes stdin on the oldest idle running entry
// when the queue is pending work but already at the concurrency ceiling.
// idleWindow is how long an entry must have gone without a streamed event
// to count as idle. Called by the scheduler right after enqueuing due
// tasks, so a newly-claimed task doesn't wait out a full idle timeout
// behind an already-finished-but-not-yet-closed worker.
func (q *Queue) PreemptForPendingTasks(idleWindow time.Duration) {
	max := 1
	if q.limiter != nil {
		max = q.limiter.Update()
	}

	q.mu.Lock()
	if q.inflight < max {
		q.mu.Unlock()
		return
	}
	hasPending := false
	for _, l := range q.lanes {
		if l.running == nil && len(l.queue) > 0 {
			hasPending = true
			break
		}
	}
	if !hasPending {
		q.mu.Unlock()
		return
	}

	var oldestKey string
	var oldestAt time.Time
	for key, l := range q.lanes {
		if l.running == nil {
			continue
		}
		last, ok := q.lastEventAt[key]
		if !ok || time.Since(last) < idleWindow {
			continue
		}
		if oldestKey == "" || last.Before(oldestAt) {
			oldestKey, oldestAt = key, last
		}
	}
	var stopper Stopper
	if oldestKey != "" {
		stopper = q.lanes[oldestKey].running.stopper
	}
	q.mu.Unlock()

	if stopper != nil {
		q.logf("preempting idle entry on key %q to admit pending work", oldestKey)
		_ = stopper.CloseStdin()
	}
}

// IsTaskRunning reports whether taskID currently occupies a running slot.
func (q *Queue) IsTaskRunning(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.runningTaskIDs[taskID]
	return ok
}

// QueueDepth returns the number of entries across all keys waiting to run.
func (q *Queue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := 0
	for _, l := range q.lanes {
		depth += len(l.queue)
	}
	return depth
}

// ActiveCount returns the number of entries currently running.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

func (q *Queue) publish(topic string, e *entry, status string) {
	if q.eventBus == nil {
		return
	}
	q.eventBus.Publish(topic, bus.QueueEntryEvent{Key: e.key, TaskID: e.taskID, Status: status})
}

func (q *Queue) logf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Debug(fmt.Sprintf(format, args...))
	}
}
