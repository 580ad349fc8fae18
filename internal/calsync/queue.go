package calsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultQueueCapacity = 1024
	queuePollInterval    = 10 * time.Millisecond

	postgresNotificationQueueTable = "calendar_notification_queue"
	postgresNotificationQueueKey   = "default"
	// postgresQueueClaimLease is how long a dequeued row stays invisible to
	// other workers before it is considered abandoned and re-delivered.
	postgresQueueClaimLease = 5 * time.Minute
)

// NotificationTask is one queued webhook delivery awaiting processing.
type NotificationTask struct {
	ID           string       `json:"id"`
	Notification Notification `json:"notification"`
	Attempts     int          `json:"attempts"`
	EnqueuedAt   time.Time    `json:"enqueuedAt"`

	// receipt identifies the backing row for durable backends; zero for
	// in-memory tasks.
	receipt int64
}

// NotificationQueue decouples webhook receipt from sync execution. TryEnqueue
// is non-blocking; Enqueue and Dequeue block until progress or ctx
// cancellation. A dequeued task is acknowledged only after processing
// finishes: durable backends keep the row under a claim lease until Ack, so
// a worker crash re-delivers the task (at-least-once).
type NotificationQueue interface {
	TryEnqueue(task NotificationTask) bool
	Enqueue(ctx context.Context, task NotificationTask) bool
	Dequeue(ctx context.Context) (NotificationTask, bool)
	Ack(ctx context.Context, task NotificationTask) error
	Depth() int
	Capacity() int
	Close() error
}

// NewNotificationTask wraps a notification for queueing with a fresh id.
func NewNotificationTask(n Notification) NotificationTask {
	return NotificationTask{
		ID:           uuid.NewString(),
		Notification: n,
		EnqueuedAt:   time.Now().UTC(),
	}
}

// BuildNotificationQueueFromDSN selects a queue backend by DSN scheme. An
// empty DSN yields an in-memory queue.
func BuildNotificationQueueFromDSN(dsn string, capacity int) (NotificationQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryNotificationQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewInMemoryNotificationQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresNotificationQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: notification queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported notification queue scheme: %s", scheme)
	}
}

type inMemoryNotificationQueue struct {
	ch chan NotificationTask
}

func NewInMemoryNotificationQueue(capacity int) NotificationQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryNotificationQueue{
		ch: make(chan NotificationTask, capacity),
	}
}

func (q *inMemoryNotificationQueue) TryEnqueue(task NotificationTask) bool {
	if q == nil || task.ID == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

func (q *inMemoryNotificationQueue) Enqueue(ctx context.Context, task NotificationTask) bool {
	if q == nil || task.ID == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryNotificationQueue) Dequeue(ctx context.Context) (NotificationTask, bool) {
	if q == nil {
		return NotificationTask{}, false
	}
	select {
	case task := <-q.ch:
		return task, true
	case <-ctx.Done():
		return NotificationTask{}, false
	}
}

// Ack is a no-op: channel receive already removed the task, and an
// in-memory queue does not survive the process anyway.
func (q *inMemoryNotificationQueue) Ack(ctx context.Context, task NotificationTask) error {
	return nil
}

func (q *inMemoryNotificationQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryNotificationQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryNotificationQueue) Close() error {
	return nil
}

// PostgresNotificationQueue stores tasks as JSON rows. Dequeue claims a row
// with FOR UPDATE SKIP LOCKED and a visibility lease; the row is deleted on
// Ack, after processing, so delivery is at-least-once.
type PostgresNotificationQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresNotificationQueue(dsn string, capacity int) (*PostgresNotificationQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &PostgresNotificationQueue{
		dsn:          dsn,
		tableName:    postgresNotificationQueueTable,
		queueKey:     postgresNotificationQueueKey,
		capacity:     capacity,
		pollInterval: queuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresNotificationQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				claims INT NOT NULL DEFAULT 0,
				claimed_until TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_id_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresNotificationQueue) TryEnqueue(task NotificationTask) bool {
	if q == nil || task.ID == "" {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return false
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresNotificationQueue) Enqueue(ctx context.Context, task NotificationTask) bool {
	if q == nil || task.ID == "" {
		return false
	}
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresNotificationQueue) Dequeue(ctx context.Context) (NotificationTask, bool) {
	if q == nil {
		return NotificationTask{}, false
	}
	for {
		task, ok := q.tryDequeue(ctx)
		if ok {
			return task, true
		}
		select {
		case <-ctx.Done():
			return NotificationTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

// tryDequeue claims the oldest visible row under a lease instead of
// deleting it; the row is removed by Ack once the handler finishes, so a
// crash mid-processing re-delivers the task after the lease lapses.
func (q *PostgresNotificationQueue) tryDequeue(ctx context.Context) (NotificationTask, bool) {
	if err := q.ensureReady(); err != nil {
		return NotificationTask{}, false
	}
	table := postgresQuoteIdentifier(q.tableName)
	query := fmt.Sprintf(`
		UPDATE %s
		SET claims = claims + 1, claimed_until = NOW() + $2 * INTERVAL '1 second'
		WHERE id = (
			SELECT id
			FROM %s
			WHERE queue_key = $1
			  AND (claimed_until IS NULL OR claimed_until < NOW())
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, claims`, table, table)
	var id int64
	var payload string
	var claims int
	err := q.db.QueryRowContext(ctx, query, q.queueKey, int64(postgresQueueClaimLease.Seconds())).Scan(&id, &payload, &claims)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationTask{}, false
	}
	if err != nil {
		return NotificationTask{}, false
	}

	var task NotificationTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		// Undecodable rows would otherwise be re-claimed forever.
		q.deleteRow(ctx, id)
		return NotificationTask{}, false
	}
	task.receipt = id
	// A lapsed claim means a worker died mid-task; count it as a spent
	// attempt so redelivered tasks stay bounded.
	if prior := claims - 1; prior > task.Attempts {
		task.Attempts = prior
	}
	return task, true
}

// Ack removes the claimed row; without it the lease lapses and the task is
// delivered again.
func (q *PostgresNotificationQueue) Ack(ctx context.Context, task NotificationTask) error {
	if q == nil {
		return ErrInvalidInput
	}
	if task.receipt == 0 {
		return nil
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	_, err := q.db.ExecContext(ctx, deleteQuery, task.receipt)
	return err
}

func (q *PostgresNotificationQueue) deleteRow(ctx context.Context, id int64) {
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	_, _ = q.db.ExecContext(ctx, deleteQuery, id)
}

func (q *PostgresNotificationQueue) Depth() int {
	if q == nil {
		return 0
	}
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresNotificationQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresNotificationQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}

const (
	// DefaultMaxAttempts bounds retries for one notification task.
	DefaultMaxAttempts = 3
	// DefaultRetryBackoff is the delay before the first retry; it doubles
	// per attempt up to DefaultMaxRetryBackoff.
	DefaultRetryBackoff    = time.Minute
	DefaultMaxRetryBackoff = 15 * time.Minute
)

// NotificationHandler processes one push notification end to end. The
// subscription manager is the production implementation.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n Notification) error
}

type QueueWorkerOptions struct {
	Queue        NotificationQueue
	Handler      NotificationHandler
	MaxAttempts  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	Logger       *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// QueueWorker drains the notification queue, invoking the handler for each
// task and retrying failures with exponential backoff.
type QueueWorker struct {
	queue        NotificationQueue
	handler      NotificationHandler
	maxAttempts  int
	retryBackoff time.Duration
	maxBackoff   time.Duration
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewQueueWorker(opts QueueWorkerOptions) (*QueueWorker, error) {
	if opts.Queue == nil || opts.Handler == nil {
		return nil, ErrInvalidInput
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxRetryBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &QueueWorker{
		queue:        opts.Queue,
		handler:      opts.Handler,
		maxAttempts:  opts.MaxAttempts,
		retryBackoff: opts.RetryBackoff,
		maxBackoff:   opts.MaxBackoff,
		logger:       logger,
		sleep:        sleep,
	}, nil
}

// Run dequeues until ctx is cancelled. Tasks are acknowledged only after
// Process returns, so a crashed worker's claims are re-delivered by durable
// backends.
func (w *QueueWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		w.Process(ctx, task)
		if err := w.queue.Ack(ctx, task); err != nil {
			w.logger.Warn("failed to acknowledge notification task",
				"task", task.ID, "error", err)
		}
	}
}

// Process executes one task with up to maxAttempts tries. A task that still
// fails after the last attempt is dropped with an error log; the next
// provider notification for the same resource re-triggers the sync.
func (w *QueueWorker) Process(ctx context.Context, task NotificationTask) {
	for attempt := task.Attempts + 1; attempt <= w.maxAttempts; attempt++ {
		err := w.handler.HandleNotification(ctx, task.Notification)
		if err == nil {
			return
		}
		if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) {
			// Retrying cannot fix a malformed notification or an
			// unknown channel.
			w.logger.Warn("dropping unprocessable notification task",
				"task", task.ID, "channel", task.Notification.ChannelID, "error", err)
			return
		}
		if attempt >= w.maxAttempts {
			w.logger.Error("notification task exhausted retries",
				"task", task.ID, "channel", task.Notification.ChannelID,
				"attempts", attempt, "error", err)
			return
		}
		delay := w.backoff(attempt)
		w.logger.Warn("notification task failed, retrying",
			"task", task.ID, "channel", task.Notification.ChannelID,
			"attempt", attempt, "backoff", delay, "error", err)
		if sleepErr := w.sleep(ctx, delay); sleepErr != nil {
			return
		}
	}
}

func (w *QueueWorker) backoff(attempt int) time.Duration {
	delay := w.retryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.maxBackoff {
			return w.maxBackoff
		}
	}
	if delay > w.maxBackoff {
		return w.maxBackoff
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
