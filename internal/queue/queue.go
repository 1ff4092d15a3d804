// Package queue implements the priority-ordered, persistent offline
// message queue. Messages that cannot be delivered immediately wait here
// in four priority buckets, are retried with exponential backoff, and
// survive process restarts through the storage port.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resilink/internal/clock"
	"resilink/internal/events"
	"resilink/internal/metrics"
	"resilink/internal/storage"
	"resilink/internal/types"
)

var (
	ErrQueueStopped = errors.New("offline queue stopped")
	ErrNoSender     = errors.New("no message sender installed")
)

// Sender is the delivery capability injected into the queue. The
// orchestrator implements it.
type Sender interface {
	SendMessage(ctx context.Context, msg *types.QueuedMessage) error
	IsConnectionAvailable() bool
}

// PriorityPolicy represents the per-priority delivery policy
type PriorityPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Expiry      time.Duration `yaml:"expiry" json:"expiry"`
	RetryDelay  time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// DefaultPriorityPolicies returns the default per-priority policy table
func DefaultPriorityPolicies() map[types.Priority]PriorityPolicy {
	return map[types.Priority]PriorityPolicy{
		types.PriorityCritical: {MaxAttempts: 10, Expiry: 24 * time.Hour, RetryDelay: time.Second},
		types.PriorityHigh:     {MaxAttempts: 7, Expiry: time.Hour, RetryDelay: 2 * time.Second},
		types.PriorityMedium:   {MaxAttempts: 5, Expiry: 30 * time.Minute, RetryDelay: 5 * time.Second},
		types.PriorityLow:      {MaxAttempts: 3, Expiry: 10 * time.Minute, RetryDelay: 10 * time.Second},
	}
}

// typePriority maps semantic message types onto default priorities.
func typePriority(msgType string) types.Priority {
	switch msgType {
	case "chat", "interactive", "join", "leave":
		return types.PriorityHigh
	case "telemetry", "analytics", "presence":
		return types.PriorityLow
	default:
		return types.PriorityMedium
	}
}

// QueueConfig represents the offline queue configuration
type QueueConfig struct {
	Capacity      int                                   `yaml:"capacity" json:"capacity"`
	BatchSize     int                                   `yaml:"batch_size" json:"batch_size"`
	FlushInterval time.Duration                         `yaml:"flush_interval" json:"flush_interval"`
	SweepInterval time.Duration                         `yaml:"sweep_interval" json:"sweep_interval"`
	RetryDelayCap time.Duration                         `yaml:"retry_delay_cap" json:"retry_delay_cap"`
	RetryJitter   float64                               `yaml:"retry_jitter" json:"retry_jitter"`
	StorageKey    string                                `yaml:"storage_key" json:"storage_key"`
	Policies      map[types.Priority]PriorityPolicy     `yaml:"-" json:"-"`
}

// DefaultQueueConfig returns the default offline queue configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Capacity:      1000,
		BatchSize:     10,
		FlushInterval: 30 * time.Second,
		SweepInterval: time.Minute,
		RetryDelayCap: 60 * time.Second,
		RetryJitter:   0.3,
		StorageKey:    "offline_queue",
	}
}

// validateQueueConfig validates the offline queue configuration
func validateQueueConfig(config *QueueConfig) error {
	if config == nil {
		return errors.New("queue configuration cannot be nil")
	}
	if config.Capacity <= 0 {
		return errors.New("queue capacity must be positive")
	}
	if config.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if config.FlushInterval <= 0 {
		return errors.New("flush interval must be positive")
	}
	if config.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if config.RetryDelayCap <= 0 {
		return errors.New("retry delay cap must be positive")
	}
	if config.RetryJitter < 0 || config.RetryJitter >= 1 {
		return errors.New("retry jitter must be in [0, 1)")
	}
	if config.StorageKey == "" {
		return errors.New("storage key cannot be empty")
	}
	return nil
}

// EnqueueOptions override the defaults derived from type and priority.
type EnqueueOptions struct {
	Priority    *types.Priority
	MaxAttempts int
	ExpiresIn   time.Duration
	Context     types.MessageContext
}

// Stats represents the queue's lifetime counters
type Stats struct {
	TotalQueued  int64 `json:"total_queued"`
	TotalSent    int64 `json:"total_sent"`
	TotalFailed  int64 `json:"total_failed"`
	TotalExpired int64 `json:"total_expired"`
	TotalEvicted int64 `json:"total_evicted"`
	Depth        int   `json:"depth"`
}

// Eviction is the payload of a queue:full event.
type Eviction struct {
	Evicted  *types.QueuedMessage `json:"evicted"`
	Admitted *types.QueuedMessage `json:"admitted"`
}

// DeliveryFailure is the payload of a message:failed event.
type DeliveryFailure struct {
	Message *types.QueuedMessage `json:"message"`
	Err     error                `json:"-"`
	Reason  string               `json:"reason"`
}

// BatchInfo is the payload of batch:processing and batch:completed events.
type BatchInfo struct {
	Size      int `json:"size"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	Remaining int `json:"remaining"`
}

// persistedEntry serializes as a [id, message] pair.
type persistedEntry struct {
	ID      string
	Message *types.QueuedMessage
}

// MarshalJSON implements json.Marshaler
func (e persistedEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.ID, e.Message})
}

// UnmarshalJSON implements json.Unmarshaler
func (e *persistedEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("persisted entry has %d elements, expected 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.ID); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &e.Message)
}

// persistedQueue is the single JSON document written to storage.
type persistedQueue struct {
	Messages  []persistedEntry `json:"messages"`
	Stats     Stats            `json:"stats"`
	Timestamp time.Time        `json:"timestamp"`
}

// Queue is the priority-aware persistent offline message queue.
type Queue struct {
	config  *QueueConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	clock   clock.Clock
	store   storage.Store

	mu            sync.Mutex
	stopped       bool
	processing    bool
	sender        Sender
	buckets       map[types.Priority][]*types.QueuedMessage
	policies      map[types.Priority]PriorityPolicy
	stats         Stats
	retryTimers   map[string]clock.Timer
	flushTimer    clock.Timer
	sweepTimer    clock.Timer
	passTimer     clock.Timer
	pendingEvents []events.Event
}

// New creates an offline queue, restoring any persisted backlog. Entries
// past their expiry are dropped silently during the restore.
func New(config *QueueConfig, store storage.Store, logger *zap.Logger, m *metrics.Metrics, bus *events.Bus, clk clock.Clock) (*Queue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}
	if err := validateQueueConfig(config); err != nil {
		return nil, err
	}

	policies := config.Policies
	if policies == nil {
		policies = DefaultPriorityPolicies()
	}

	q := &Queue{
		config:      config,
		logger:      logger,
		metrics:     m,
		bus:         bus,
		clock:       clk,
		store:       store,
		buckets:     make(map[types.Priority][]*types.QueuedMessage),
		policies:    policies,
		retryTimers: make(map[string]clock.Timer),
	}

	restored := q.restore()

	q.mu.Lock()
	q.flushTimer = clk.AfterFunc(config.FlushInterval, q.onFlushTick)
	q.sweepTimer = clk.AfterFunc(config.SweepInterval, q.onSweepTick)
	q.mu.Unlock()

	logger.Info("Created offline queue",
		zap.Int("capacity", config.Capacity),
		zap.Int("batch_size", config.BatchSize),
		zap.Int("restored", restored))

	return q, nil
}

// SetSender installs the delivery capability.
func (q *Queue) SetSender(sender Sender) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sender = sender
}

// Enqueue admits a message, evicting from the lowest non-empty priority
// bucket if the queue is at capacity, and returns the created record.
func (q *Queue) Enqueue(msgType string, payload json.RawMessage, opts *EnqueueOptions) (*types.QueuedMessage, error) {
	q.mu.Lock()

	if q.stopped {
		q.mu.Unlock()
		return nil, ErrQueueStopped
	}

	priority := typePriority(msgType)
	var msgContext types.MessageContext
	if opts != nil {
		if opts.Priority != nil {
			priority = *opts.Priority
		}
		msgContext = opts.Context
	}

	policy := q.policies[priority]
	now := q.clock.Now()

	msg := &types.QueuedMessage{
		ID:          uuid.NewString(),
		Type:        msgType,
		Priority:    priority,
		Payload:     payload,
		CreatedAt:   now,
		MaxAttempts: policy.MaxAttempts,
		Context:     msgContext,
		Status:      types.StatusPending,
	}
	if opts != nil && opts.MaxAttempts > 0 {
		msg.MaxAttempts = opts.MaxAttempts
	}

	expiry := policy.Expiry
	if opts != nil && opts.ExpiresIn > 0 {
		expiry = opts.ExpiresIn
	}
	if expiry > 0 {
		at := now.Add(expiry)
		msg.ExpiresAt = &at
	}

	var evicted *types.QueuedMessage
	if q.depthLocked() >= q.config.Capacity {
		evicted = q.evictLocked()
	}

	q.buckets[priority] = append(q.buckets[priority], msg)
	q.stats.TotalQueued++
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(priority.String()).Inc()
		q.metrics.QueueEvents.WithLabelValues("queued").Inc()
	}

	q.persistLocked()
	pending := q.takePendingLocked()
	q.mu.Unlock()
	q.publishAll(pending)

	q.logger.Debug("Message queued",
		zap.String("message_id", msg.ID),
		zap.String("type", msgType),
		zap.String("priority", priority.String()))

	if evicted != nil {
		q.publish(events.QueueFull, Eviction{Evicted: evicted, Admitted: msg})
	}
	q.publish(events.MessageQueued, msg)

	return msg, nil
}

// Process attempts delivery of one bounded batch. Only one pass runs at a
// time; overlapping calls return immediately.
func (q *Queue) Process(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	if q.processing {
		q.mu.Unlock()
		return nil
	}
	if q.sender == nil {
		q.mu.Unlock()
		return ErrNoSender
	}
	sender := q.sender
	if !sender.IsConnectionAvailable() {
		q.mu.Unlock()
		return nil
	}

	batch := q.selectBatchLocked()
	pending := q.takePendingLocked()
	if len(batch) == 0 {
		q.mu.Unlock()
		q.publishAll(pending)
		return nil
	}
	q.processing = true
	q.mu.Unlock()
	q.publishAll(pending)

	q.publish(events.BatchProcessing, BatchInfo{Size: len(batch)})
	start := q.clock.Now()

	info := BatchInfo{Size: len(batch)}
	for i, msg := range batch {
		if ctx.Err() != nil {
			// The flush window closed; release the rest of the batch for
			// a later pass.
			q.mu.Lock()
			for _, rest := range batch[i:] {
				if rest.Status == types.StatusProcessing {
					rest.Status = types.StatusPending
				}
			}
			q.mu.Unlock()
			break
		}
		if err := sender.SendMessage(ctx, msg); err != nil {
			if q.handleFailure(msg, err) {
				info.Failed++
			} else {
				info.Retrying++
			}
			continue
		}
		q.handleSuccess(msg)
		info.Sent++
	}

	q.mu.Lock()
	q.processing = false
	q.persistLocked()
	info.Remaining = q.depthLocked()
	more := q.eligibleLocked()
	if more && ctx.Err() == nil && sender.IsConnectionAvailable() && !q.stopped {
		// Keep draining the backlog without waiting for the next flush
		// tick.
		if q.passTimer != nil {
			q.passTimer.Stop()
		}
		q.passTimer = q.clock.AfterFunc(10*time.Millisecond, func() { _ = q.Process(context.Background()) })
	}
	pending = q.takePendingLocked()
	q.mu.Unlock()
	q.publishAll(pending)

	if q.metrics != nil {
		q.metrics.BatchDuration.Observe(q.clock.Now().Sub(start).Seconds())
	}
	q.publish(events.BatchCompleted, info)

	return ctx.Err()
}

// Flush drives repeated processing passes until the backlog is drained or
// no further progress can be made, then emits queue:flushed.
func (q *Queue) Flush(ctx context.Context) error {
	// Bounded: each pass sends at most BatchSize, so depth/batch+1 passes
	// cover everything that can go out.
	passes := q.Len()/q.config.BatchSize + 1
	for i := 0; i < passes; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		before := q.Len()
		if err := q.Process(ctx); err != nil {
			return err
		}
		if q.Len() == before {
			break
		}
	}
	q.publish(events.QueueFlushed, q.GetStats())
	return nil
}

// Clear discards every queued message.
func (q *Queue) Clear() {
	q.mu.Lock()
	for priority, bucket := range q.buckets {
		if q.metrics != nil {
			q.metrics.QueueDepth.WithLabelValues(priority.String()).Sub(float64(len(bucket)))
		}
	}
	q.buckets = make(map[types.Priority][]*types.QueuedMessage)
	for id, timer := range q.retryTimers {
		timer.Stop()
		delete(q.retryTimers, id)
	}
	q.persistLocked()
	pending := q.takePendingLocked()
	q.mu.Unlock()
	q.publishAll(pending)

	q.logger.Info("Offline queue cleared")
}

// Messages returns copies of queued messages, optionally for one priority.
func (q *Queue) Messages(priority ...types.Priority) []*types.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.QueuedMessage
	appendBucket := func(p types.Priority) {
		for _, msg := range q.buckets[p] {
			copied := *msg
			out = append(out, &copied)
		}
	}

	if len(priority) > 0 {
		appendBucket(priority[0])
		return out
	}
	for _, p := range types.Priorities {
		appendBucket(p)
	}
	return out
}

// GetStats returns a snapshot of the queue counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	stats.Depth = q.depthLocked()
	return stats
}

// HasMessages reports whether any message is queued.
func (q *Queue) HasMessages() bool {
	return q.Len() > 0
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// Sweep expires stale messages immediately.
func (q *Queue) Sweep() {
	q.mu.Lock()
	changed := q.sweepLocked()
	if changed {
		q.persistLocked()
	}
	pending := q.takePendingLocked()
	q.mu.Unlock()
	q.publishAll(pending)
}

// Stop cancels every timer the queue owns and persists the final state.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true

	for id, timer := range q.retryTimers {
		timer.Stop()
		delete(q.retryTimers, id)
	}
	if q.flushTimer != nil {
		q.flushTimer.Stop()
	}
	if q.sweepTimer != nil {
		q.sweepTimer.Stop()
	}
	if q.passTimer != nil {
		q.passTimer.Stop()
	}
	q.persistLocked()
	pending := q.takePendingLocked()
	q.mu.Unlock()
	q.publishAll(pending)

	q.logger.Info("Offline queue stopped")
}

// selectBatchLocked picks up to BatchSize eligible messages in strict
// priority order, expiring stale entries on the way. Selected messages
// are marked processing so an overlapping pass cannot pick them up.
func (q *Queue) selectBatchLocked() []*types.QueuedMessage {
	now := q.clock.Now()
	var batch []*types.QueuedMessage

	for _, priority := range types.Priorities {
		bucket := q.buckets[priority]
		kept := bucket[:0]
		for _, msg := range bucket {
			if len(batch) >= q.config.BatchSize {
				kept = append(kept, msg)
				continue
			}
			if msg.Expired(now) {
				q.expireLocked(msg)
				continue
			}
			if msg.Status == types.StatusProcessing || !msg.RetryDue(now) {
				kept = append(kept, msg)
				continue
			}
			msg.Status = types.StatusProcessing
			batch = append(batch, msg)
			kept = append(kept, msg)
		}
		q.buckets[priority] = kept
	}
	return batch
}

// handleSuccess finalizes a delivered message.
func (q *Queue) handleSuccess(msg *types.QueuedMessage) {
	q.mu.Lock()
	msg.Status = types.StatusSent
	q.removeLocked(msg)
	q.stats.TotalSent++
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.QueueEvents.WithLabelValues("sent").Inc()
	}
	q.publish(events.MessageSent, msg)
}

// handleFailure records a delivery failure. It returns true when the
// message is permanently failed and false when a retry was scheduled.
func (q *Queue) handleFailure(msg *types.QueuedMessage, cause error) bool {
	q.mu.Lock()
	msg.Attempts++

	if msg.Attempts >= msg.MaxAttempts {
		msg.Status = types.StatusFailed
		q.removeLocked(msg)
		q.stats.TotalFailed++
		q.mu.Unlock()

		q.logger.Warn("Message permanently failed",
			zap.String("message_id", msg.ID),
			zap.Int("attempts", msg.Attempts),
			zap.Error(cause))
		if q.metrics != nil {
			q.metrics.QueueEvents.WithLabelValues("failed").Inc()
		}
		q.publish(events.MessageFailed, DeliveryFailure{Message: msg, Err: cause, Reason: cause.Error()})
		return true
	}

	policy := q.policies[msg.Priority]
	delay := retryDelay(policy.RetryDelay, msg.Attempts, q.config.RetryJitter, q.config.RetryDelayCap)
	next := q.clock.Now().Add(delay)
	msg.NextRetryAt = &next
	msg.Status = types.StatusPending

	if existing, ok := q.retryTimers[msg.ID]; ok {
		existing.Stop()
	}
	id := msg.ID
	q.retryTimers[id] = q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.retryTimers, id)
		stopped := q.stopped
		q.mu.Unlock()
		if !stopped {
			_ = q.Process(context.Background())
		}
	})
	q.mu.Unlock()

	q.logger.Debug("Delivery retry scheduled",
		zap.String("message_id", msg.ID),
		zap.Int("attempt", msg.Attempts),
		zap.Duration("delay", delay),
		zap.Error(cause))
	if q.metrics != nil {
		q.metrics.DeliveryRetries.Inc()
	}
	return false
}

// evictLocked removes the oldest message from the lowest non-empty
// priority bucket and returns it.
func (q *Queue) evictLocked() *types.QueuedMessage {
	for i := len(types.Priorities) - 1; i >= 0; i-- {
		priority := types.Priorities[i]
		bucket := q.buckets[priority]
		if len(bucket) == 0 {
			continue
		}
		evicted := bucket[0]
		q.buckets[priority] = bucket[1:]
		q.stats.TotalEvicted++
		q.cancelRetryLocked(evicted.ID)
		if q.metrics != nil {
			q.metrics.QueueDepth.WithLabelValues(priority.String()).Dec()
			q.metrics.QueueEvents.WithLabelValues("evicted").Inc()
		}
		q.logger.Warn("Queue at capacity, evicting oldest low-priority message",
			zap.String("message_id", evicted.ID),
			zap.String("priority", priority.String()))
		return evicted
	}
	return nil
}

// expireLocked finalizes a stale message. The caller removes it from its
// bucket.
func (q *Queue) expireLocked(msg *types.QueuedMessage) {
	msg.Status = types.StatusExpired
	q.stats.TotalExpired++
	q.cancelRetryLocked(msg.ID)
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(msg.Priority.String()).Dec()
		q.metrics.QueueEvents.WithLabelValues("expired").Inc()
	}
	q.queueEventLocked(events.MessageExpired, msg)
}

// sweepLocked expires every stale message, returning whether the queue
// composition changed.
func (q *Queue) sweepLocked() bool {
	now := q.clock.Now()
	changed := false
	for _, priority := range types.Priorities {
		bucket := q.buckets[priority]
		kept := bucket[:0]
		for _, msg := range bucket {
			if msg.Status != types.StatusProcessing && msg.Expired(now) {
				q.expireLocked(msg)
				changed = true
				continue
			}
			kept = append(kept, msg)
		}
		q.buckets[priority] = kept
	}
	return changed
}

// removeLocked drops a message from its bucket.
func (q *Queue) removeLocked(msg *types.QueuedMessage) {
	bucket := q.buckets[msg.Priority]
	for i, m := range bucket {
		if m.ID == msg.ID {
			q.buckets[msg.Priority] = append(bucket[:i], bucket[i+1:]...)
			if q.metrics != nil {
				q.metrics.QueueDepth.WithLabelValues(msg.Priority.String()).Dec()
			}
			break
		}
	}
	q.cancelRetryLocked(msg.ID)
}

func (q *Queue) cancelRetryLocked(id string) {
	if timer, ok := q.retryTimers[id]; ok {
		timer.Stop()
		delete(q.retryTimers, id)
	}
}

func (q *Queue) depthLocked() int {
	n := 0
	for _, bucket := range q.buckets {
		n += len(bucket)
	}
	return n
}

// eligibleLocked reports whether any message could be delivered right now.
func (q *Queue) eligibleLocked() bool {
	now := q.clock.Now()
	for _, bucket := range q.buckets {
		for _, msg := range bucket {
			if msg.Status != types.StatusProcessing && !msg.Expired(now) && msg.RetryDue(now) {
				return true
			}
		}
	}
	return false
}

// persistLocked mirrors the queue into storage. Failures are reported via
// storage:error and otherwise swallowed; persistence is best-effort.
func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}

	blob := persistedQueue{
		Stats:     q.stats,
		Timestamp: q.clock.Now(),
	}
	for _, priority := range types.Priorities {
		for _, msg := range q.buckets[priority] {
			blob.Messages = append(blob.Messages, persistedEntry{ID: msg.ID, Message: msg})
		}
	}

	data, err := json.Marshal(blob)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = q.store.Set(ctx, q.config.StorageKey, data)
		cancel()
	}
	if err != nil {
		q.logger.Error("Failed to persist offline queue", zap.Error(err))
		q.queueEventLocked(events.StorageError, err)
	}
}

// restore loads the persisted backlog, dropping expired entries and
// resetting stale processing markers. Returns the number of restored
// messages.
func (q *Queue) restore() int {
	if q.store == nil {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	data, err := q.store.Get(ctx, q.config.StorageKey)
	cancel()
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			q.logger.Error("Failed to load persisted queue", zap.Error(err))
			q.publish(events.StorageError, err)
		}
		return 0
	}

	var blob persistedQueue
	if err := json.Unmarshal(data, &blob); err != nil {
		q.logger.Error("Discarding unreadable persisted queue", zap.Error(err))
		q.publish(events.StorageError, err)
		return 0
	}

	now := q.clock.Now()
	restored := 0

	q.mu.Lock()
	q.stats = blob.Stats
	for _, entry := range blob.Messages {
		msg := entry.Message
		if msg == nil || msg.ID == "" {
			continue
		}
		if msg.Expired(now) {
			q.stats.TotalExpired++
			continue
		}
		// A crash mid-send leaves processing markers behind.
		if msg.Status == types.StatusProcessing {
			msg.Status = types.StatusPending
		}
		q.buckets[msg.Priority] = append(q.buckets[msg.Priority], msg)
		if q.metrics != nil {
			q.metrics.QueueDepth.WithLabelValues(msg.Priority.String()).Inc()
		}
		restored++
	}
	q.mu.Unlock()

	return restored
}

func (q *Queue) onFlushTick() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.flushTimer = q.clock.AfterFunc(q.config.FlushInterval, q.onFlushTick)
	q.mu.Unlock()

	_ = q.Process(context.Background())
}

func (q *Queue) onSweepTick() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.sweepTimer = q.clock.AfterFunc(q.config.SweepInterval, q.onSweepTick)
	changed := q.sweepLocked()
	if changed {
		q.persistLocked()
	}
	pending := q.takePendingLocked()
	q.mu.Unlock()
	q.publishAll(pending)
}

func (q *Queue) publish(t events.Type, data interface{}) {
	if q.bus != nil {
		q.bus.Publish(events.Event{Type: t, Time: q.clock.Now(), Data: data})
	}
}

// queueEventLocked defers bus dispatch until q.mu is released so a
// subscriber can call back into the queue without deadlocking.
func (q *Queue) queueEventLocked(t events.Type, data interface{}) {
	if q.bus != nil {
		q.pendingEvents = append(q.pendingEvents, events.Event{Type: t, Time: q.clock.Now(), Data: data})
	}
}

func (q *Queue) takePendingLocked() []events.Event {
	pending := q.pendingEvents
	q.pendingEvents = nil
	return pending
}

func (q *Queue) publishAll(pending []events.Event) {
	for _, e := range pending {
		q.bus.Publish(e)
	}
}

// retryDelay computes the exponential backoff for a delivery attempt,
// jittered and capped.
func retryDelay(base time.Duration, attempt int, jitter float64, cap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	if jitter > 0 {
		spread := 1 + jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}
	if delay > cap {
		delay = cap
	}
	return delay
}
