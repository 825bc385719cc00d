package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults for queue bounds and eviction.
const (
	DefaultMaxPerTask = 100
	DefaultTTL        = 300 * time.Second
	DefaultGCInterval = 30 * time.Second
)

// taskQueue is the bounded ring for one task. lastMillis enforces
// strictly increasing IDs when two publishes land in the same
// millisecond.
type taskQueue struct {
	events       []Event
	lastActivity time.Time
	lastMillis   int64
}

// Bus holds the per-task event queues. Publish and Fetch are safe for
// many producers and consumers; each queue is append-only and ordered.
type Bus struct {
	mu     sync.RWMutex
	queues map[string]*taskQueue

	maxPerTask int
	ttl        time.Duration
	gcInterval time.Duration

	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithMaxPerTask bounds each task's queue length.
func WithMaxPerTask(n int) BusOption {
	return func(b *Bus) { b.maxPerTask = n }
}

// WithTTL sets how long an idle queue survives before GC.
func WithTTL(ttl time.Duration) BusOption {
	return func(b *Bus) { b.ttl = ttl }
}

// WithGCInterval sets the eviction sweep period.
func WithGCInterval(d time.Duration) BusOption {
	return func(b *Bus) { b.gcInterval = d }
}

// withClock injects a fake clock (tests).
func withClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus returns a bus ready for Publish/Fetch. Call Start to run the
// TTL sweeper and Stop on shutdown.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		queues:     make(map[string]*taskQueue),
		maxPerTask: DefaultMaxPerTask,
		ttl:        DefaultTTL,
		gcInterval: DefaultGCInterval,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		log:        slog.With("component", "events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the background GC sweeper.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.runGC()
}

// Stop halts the sweeper and waits for it to exit.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// Publish appends an event to the task's queue, assigning the next
// monotonic ID, and returns the stored event. When the ring is full the
// oldest event is dropped; clients that fell that far behind re-sync
// from the task record instead.
func (b *Bus) Publish(taskID, eventType string, payload map[string]any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[taskID]
	if !ok {
		q = &taskQueue{}
		b.queues[taskID] = q
	}

	now := b.now()
	millis := now.UnixMilli()
	if millis <= q.lastMillis {
		millis = q.lastMillis + 1
	}
	q.lastMillis = millis

	e := Event{
		ID:        EventID(taskID, millis),
		TaskID:    taskID,
		Type:      eventType,
		Timestamp: now,
		Payload:   payload,
	}

	q.events = append(q.events, e)
	if len(q.events) > b.maxPerTask {
		q.events = q.events[len(q.events)-b.maxPerTask:]
	}
	q.lastActivity = now
	return e
}

// Fetch returns the task's events with ID strictly greater than afterID
// in publish order. An empty afterID returns everything retained.
func (b *Bus) Fetch(taskID, afterID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.queues[taskID]
	if !ok {
		return nil
	}

	out := make([]Event, 0, len(q.events))
	for _, e := range q.events {
		if afterID == "" || e.ID > afterID {
			out = append(out, e)
		}
	}
	return out
}

// Latest returns the most recent event for the task, if any.
func (b *Bus) Latest(taskID string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.queues[taskID]
	if !ok || len(q.events) == 0 {
		return Event{}, false
	}
	return q.events[len(q.events)-1], true
}

// Remove drops a task's queue immediately (task deletion).
func (b *Bus) Remove(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, taskID)
}

// QueueCount returns the number of live task queues.
func (b *Bus) QueueCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queues)
}

// EventID builds the wire event ID. The millisecond count is padded to
// a fixed 13 digits so lexicographic comparison matches numeric order.
func EventID(taskID string, millis int64) string {
	return fmt.Sprintf("%s_%013d", taskID, millis)
}

func (b *Bus) runGC() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep evicts queues idle longer than the TTL.
func (b *Bus) sweep() {
	cutoff := b.now().Add(-b.ttl)

	b.mu.Lock()
	var evicted []string
	for taskID, q := range b.queues {
		if q.lastActivity.Before(cutoff) {
			delete(b.queues, taskID)
			evicted = append(evicted, taskID)
		}
	}
	b.mu.Unlock()

	if len(evicted) > 0 {
		b.log.Debug("Evicted idle event queues", "count", len(evicted))
	}
}
