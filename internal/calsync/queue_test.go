package calsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls int
	errs  []error
	seen  []Notification
}

func (h *recordingHandler) HandleNotification(ctx context.Context, n Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.seen = append(h.seen, n)
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *recordingHandler) firstSeen() Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.seen) == 0 {
		return Notification{}
	}
	return h.seen[0]
}

func noSleep(calls *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*calls = append(*calls, d)
		return nil
	}
}

func TestInMemoryQueueRoundTrip(t *testing.T) {
	q := NewInMemoryNotificationQueue(2)
	defer q.Close()

	task := NewNotificationTask(Notification{ChannelID: "chan_1", ResourceState: ResourceStateExists})
	if task.ID == "" {
		t.Fatalf("task id must be assigned")
	}
	if !q.TryEnqueue(task) {
		t.Fatalf("enqueue into empty queue failed")
	}
	if q.Depth() != 1 || q.Capacity() != 2 {
		t.Fatalf("unexpected depth=%d capacity=%d", q.Depth(), q.Capacity())
	}

	got, ok := q.Dequeue(context.Background())
	if !ok || got.ID != task.ID || got.Notification.ChannelID != "chan_1" {
		t.Fatalf("dequeue mismatch: ok=%v got=%+v", ok, got)
	}
}

func TestInMemoryQueueRejectsWhenFull(t *testing.T) {
	q := NewInMemoryNotificationQueue(1)
	defer q.Close()

	if !q.TryEnqueue(NewNotificationTask(Notification{ChannelID: "a"})) {
		t.Fatalf("first enqueue failed")
	}
	if q.TryEnqueue(NewNotificationTask(Notification{ChannelID: "b"})) {
		t.Fatalf("enqueue into full queue must fail")
	}
}

func TestInMemoryQueueDequeueHonorsContext(t *testing.T) {
	q := NewInMemoryNotificationQueue(1)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatalf("dequeue on cancelled context must report false")
	}
}

func TestBuildNotificationQueueFromDSN(t *testing.T) {
	q, err := BuildNotificationQueueFromDSN("", 4)
	if err != nil {
		t.Fatalf("empty dsn failed: %v", err)
	}
	if q.Capacity() != 4 {
		t.Fatalf("expected capacity 4, got %d", q.Capacity())
	}
	q.Close()

	if _, err := BuildNotificationQueueFromDSN("memory://", 0); err != nil {
		t.Fatalf("memory dsn failed: %v", err)
	}
	if _, err := BuildNotificationQueueFromDSN("redis://localhost:6379", 0); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for redis, got %v", err)
	}
	if _, err := BuildNotificationQueueFromDSN("ftp://host", 0); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func newTestWorker(t *testing.T, handler NotificationHandler, sleeps *[]time.Duration) *QueueWorker {
	t.Helper()
	w, err := NewQueueWorker(QueueWorkerOptions{
		Queue:        NewInMemoryNotificationQueue(1),
		Handler:      handler,
		MaxAttempts:  3,
		RetryBackoff: time.Minute,
		MaxBackoff:   15 * time.Minute,
		sleep:        noSleep(sleeps),
	})
	if err != nil {
		t.Fatalf("new worker failed: %v", err)
	}
	return w
}

func TestProcessSucceedsFirstAttempt(t *testing.T) {
	handler := &recordingHandler{}
	var sleeps []time.Duration
	w := newTestWorker(t, handler, &sleeps)

	w.Process(context.Background(), NewNotificationTask(Notification{ChannelID: "chan_1"}))
	if handler.calls != 1 || len(sleeps) != 0 {
		t.Fatalf("expected single attempt without backoff, calls=%d sleeps=%v", handler.calls, sleeps)
	}
}

func TestProcessRetriesWithDoublingBackoff(t *testing.T) {
	handler := &recordingHandler{errs: []error{
		fmt.Errorf("transient"),
		fmt.Errorf("still transient"),
	}}
	var sleeps []time.Duration
	w := newTestWorker(t, handler, &sleeps)

	w.Process(context.Background(), NewNotificationTask(Notification{ChannelID: "chan_1"}))
	if handler.calls != 3 {
		t.Fatalf("expected success on third attempt, got %d calls", handler.calls)
	}
	if len(sleeps) != 2 || sleeps[0] != time.Minute || sleeps[1] != 2*time.Minute {
		t.Fatalf("unexpected backoff sequence: %v", sleeps)
	}
}

func TestProcessDropsAfterMaxAttempts(t *testing.T) {
	handler := &recordingHandler{errs: []error{
		fmt.Errorf("fail 1"),
		fmt.Errorf("fail 2"),
		fmt.Errorf("fail 3"),
	}}
	var sleeps []time.Duration
	w := newTestWorker(t, handler, &sleeps)

	w.Process(context.Background(), NewNotificationTask(Notification{ChannelID: "chan_1"}))
	if handler.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", handler.calls)
	}
	// No sleep after the final attempt.
	if len(sleeps) != 2 {
		t.Fatalf("unexpected backoff sequence: %v", sleeps)
	}
}

func TestProcessCountsPriorAttempts(t *testing.T) {
	handler := &recordingHandler{errs: []error{
		fmt.Errorf("fail 1"),
		fmt.Errorf("fail 2"),
		fmt.Errorf("fail 3"),
	}}
	var sleeps []time.Duration
	w := newTestWorker(t, handler, &sleeps)

	task := NewNotificationTask(Notification{ChannelID: "chan_1"})
	task.Attempts = 2
	w.Process(context.Background(), task)
	if handler.calls != 1 {
		t.Fatalf("a task with 2 prior attempts gets one more try, got %d", handler.calls)
	}
}

func TestProcessDropsUnprocessableImmediately(t *testing.T) {
	for _, sentinel := range []error{ErrInvalidInput, ErrNotFound} {
		handler := &recordingHandler{errs: []error{fmt.Errorf("wrapped: %w", sentinel)}}
		var sleeps []time.Duration
		w := newTestWorker(t, handler, &sleeps)

		w.Process(context.Background(), NewNotificationTask(Notification{ChannelID: "chan_1"}))
		if handler.calls != 1 || len(sleeps) != 0 {
			t.Fatalf("%v: expected immediate drop, calls=%d sleeps=%v", sentinel, handler.calls, sleeps)
		}
	}
}

func TestProcessBackoffIsCapped(t *testing.T) {
	handler := &recordingHandler{}
	var sleeps []time.Duration
	w, err := NewQueueWorker(QueueWorkerOptions{
		Queue:        NewInMemoryNotificationQueue(1),
		Handler:      handler,
		MaxAttempts:  8,
		RetryBackoff: time.Minute,
		MaxBackoff:   15 * time.Minute,
		sleep:        noSleep(&sleeps),
	})
	if err != nil {
		t.Fatalf("new worker failed: %v", err)
	}
	// 1m, 2m, 4m, 8m, then the cap.
	for attempt, want := range map[int]time.Duration{
		1: time.Minute,
		2: 2 * time.Minute,
		3: 4 * time.Minute,
		4: 8 * time.Minute,
		5: 15 * time.Minute,
		6: 15 * time.Minute,
	} {
		if got := w.backoff(attempt); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

// workerTrace records handler and ack events in order so tests can assert
// acknowledgment happens after processing.
type workerTrace struct {
	mu  sync.Mutex
	log []string
}

func (tr *workerTrace) add(event string) {
	tr.mu.Lock()
	tr.log = append(tr.log, event)
	tr.mu.Unlock()
}

func (tr *workerTrace) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.log...)
}

// ackTrackingQueue wraps a real queue and records when Ack happens relative
// to handler invocations.
type ackTrackingQueue struct {
	NotificationQueue
	trace *workerTrace
}

func (q *ackTrackingQueue) Ack(ctx context.Context, task NotificationTask) error {
	q.trace.add("ack")
	return q.NotificationQueue.Ack(ctx, task)
}

type tracingHandler struct {
	trace *workerTrace
	err   error
}

func (h *tracingHandler) HandleNotification(ctx context.Context, n Notification) error {
	h.trace.add("handle")
	return h.err
}

func runWorkerUntil(t *testing.T, w *QueueWorker, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()
	deadline := time.After(2 * time.Second)
	for !done() {
		select {
		case <-deadline:
			cancel()
			<-finished
			t.Fatalf("worker did not reach expected state")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-finished
}

func TestWorkerAcknowledgesAfterProcessing(t *testing.T) {
	trace := &workerTrace{}
	queue := &ackTrackingQueue{NotificationQueue: NewInMemoryNotificationQueue(1), trace: trace}
	w, err := NewQueueWorker(QueueWorkerOptions{Queue: queue, Handler: &tracingHandler{trace: trace}})
	if err != nil {
		t.Fatalf("new worker failed: %v", err)
	}
	queue.TryEnqueue(NewNotificationTask(Notification{ChannelID: "chan_1"}))

	runWorkerUntil(t, w, func() bool { return len(trace.snapshot()) >= 2 })
	got := trace.snapshot()
	if len(got) != 2 || got[0] != "handle" || got[1] != "ack" {
		t.Fatalf("expected handle then ack, got %v", got)
	}
}

func TestWorkerAcknowledgesExhaustedTask(t *testing.T) {
	trace := &workerTrace{}
	queue := &ackTrackingQueue{NotificationQueue: NewInMemoryNotificationQueue(1), trace: trace}
	var sleeps []time.Duration
	w, err := NewQueueWorker(QueueWorkerOptions{
		Queue:       queue,
		Handler:     &tracingHandler{trace: trace, err: fmt.Errorf("permanent")},
		MaxAttempts: 2,
		sleep:       noSleep(&sleeps),
	})
	if err != nil {
		t.Fatalf("new worker failed: %v", err)
	}
	queue.TryEnqueue(NewNotificationTask(Notification{ChannelID: "chan_1"}))

	// An exhausted task is still acknowledged so the backing row is not
	// re-delivered forever.
	runWorkerUntil(t, w, func() bool {
		entries := trace.snapshot()
		return len(entries) > 0 && entries[len(entries)-1] == "ack"
	})
	got := trace.snapshot()
	if len(got) != 3 || got[0] != "handle" || got[1] != "handle" || got[2] != "ack" {
		t.Fatalf("expected two attempts then ack, got %v", got)
	}
}

func TestWorkerRunDrainsQueue(t *testing.T) {
	q := NewInMemoryNotificationQueue(4)
	handler := &recordingHandler{}
	w, err := NewQueueWorker(QueueWorkerOptions{Queue: q, Handler: handler})
	if err != nil {
		t.Fatalf("new worker failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		q.TryEnqueue(NewNotificationTask(Notification{ChannelID: fmt.Sprintf("chan_%d", i)}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for handler.callCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("worker did not drain queue, calls=%d", handler.callCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	if first := handler.firstSeen(); first.ChannelID != "chan_0" {
		t.Fatalf("expected FIFO order, first seen %q", first.ChannelID)
	}
}
