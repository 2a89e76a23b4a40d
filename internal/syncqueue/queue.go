// Package syncqueue buffers writes made while the agent is offline and
// replays them against the remote store once connectivity returns. Replay
// is FIFO, a failing entry keeps its slot, and drains never run
// concurrently with themselves.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dishpatch/pkg/logger"
	"dishpatch/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrDrainInProgress = errors.New("drain already in progress")
	ErrUnknownMutation = errors.New("no queued mutation with that id")
)

// Applier is the remote persistence collaborator. Retried replays may
// double-send, so the remote side must tolerate duplicate application.
type Applier interface {
	ApplyMutation(ctx context.Context, m *models.QueuedMutation) error
}

// Validator checks a mutation's payload and filter at enqueue time.
// A non-nil error rejects the enqueue synchronously; nothing is queued.
type Validator func(kind models.MutationKind, payload, filter map[string]any) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an apply error as non-retryable. The queue dead-letters
// the mutation immediately instead of retrying it forever.
func Permanent(err error) error {
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type Options struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	ApplyTimeout   time.Duration

	// OnApplied, when set, is called after each successful replay.
	OnApplied func(m *models.QueuedMutation)

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 2 * time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Minute
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

type DrainResult struct {
	Attempted    int `json:"attempted"`
	Applied      int `json:"applied"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	DeadLettered int `json:"dead_lettered"`
}

type Queue struct {
	applier Applier
	store   Store
	log     *logger.Logger
	opts    Options

	mu         sync.Mutex
	pending    []*models.QueuedMutation
	dead       []*models.QueuedMutation
	validators map[string]Validator
	draining   bool
}

// New builds a queue on top of the given applier and store, reloading any
// mutations the store held from a previous session.
func New(applier Applier, store Store, log *logger.Logger, opts Options) (*Queue, error) {
	pending, dead, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue state: %w", err)
	}
	return &Queue{
		applier:    applier,
		store:      store,
		log:        log,
		opts:       opts.withDefaults(),
		pending:    pending,
		dead:       dead,
		validators: make(map[string]Validator),
	}, nil
}

// RegisterValidator installs an enqueue-time check for a collection.
// Collections without a validator accept any payload.
func (q *Queue) RegisterValidator(collection string, v Validator) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.validators[collection] = v
}

func (q *Queue) Enqueue(kind models.MutationKind, collection string, payload, filter map[string]any) (*models.QueuedMutation, error) {
	q.mu.Lock()
	validator := q.validators[collection]
	q.mu.Unlock()

	if validator != nil {
		if err := validator(kind, payload, filter); err != nil {
			return nil, err
		}
	}

	m := &models.QueuedMutation{
		ID:         uuid.New().String(),
		Kind:       kind,
		Collection: collection,
		Payload:    payload,
		Filter:     filter,
		CreatedAt:  q.opts.Now().UTC(),
	}

	q.mu.Lock()
	q.pending = append(q.pending, m)
	q.mu.Unlock()

	if err := q.store.Append(m); err != nil {
		q.log.Error("", "queue_persist_failed", "Failed to persist queued mutation", err)
	}

	q.log.Debug("", "mutation_enqueued",
		fmt.Sprintf("Queued %s on %s (%d pending)", kind, collection, q.PendingCount()))
	copied := *m
	return &copied, nil
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a snapshot of the queued mutations in FIFO order.
func (q *Queue) Pending() []*models.QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyMutations(q.pending)
}

func (q *Queue) DeadLetters() []*models.QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyMutations(q.dead)
}

// Drain replays queued mutations in FIFO order. A failing entry keeps its
// position and the drain moves on to the next entry, so one poisoned
// mutation does not block unrelated ones. Only one drain runs at a time;
// a concurrent call gets ErrDrainInProgress.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{}, ErrDrainInProgress
	}
	q.draining = true
	snapshot := copyMutations(q.pending)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	var result DrainResult
	now := q.opts.Now()

	for _, m := range snapshot {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			result.Skipped++
			continue
		}
		result.Attempted++

		applyCtx, cancel := context.WithTimeout(ctx, q.opts.ApplyTimeout)
		err := q.applier.ApplyMutation(applyCtx, m)
		cancel()

		switch {
		case err == nil:
			result.Applied++
			q.remove(m.ID)
			if q.opts.OnApplied != nil {
				q.opts.OnApplied(m)
			}
		case IsPermanent(err):
			result.DeadLettered++
			q.deadLetter(m.ID, err)
		default:
			result.Failed++
			q.recordFailure(m.ID, err)
		}
	}

	q.log.Info("", "drain_completed",
		fmt.Sprintf("Drain finished: %d applied, %d failed, %d skipped, %d dead-lettered",
			result.Applied, result.Failed, result.Skipped, result.DeadLettered))
	return result, nil
}

// Clear discards all pending mutations unconditionally. Dead letters are
// kept; they already need manual resolution.
func (q *Queue) Clear() error {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
	return q.store.Clear()
}

// Requeue moves a dead letter back onto the end of the queue with its
// retry bookkeeping reset.
func (q *Queue) Requeue(id string) error {
	q.mu.Lock()
	var m *models.QueuedMutation
	for i, d := range q.dead {
		if d.ID == id {
			m = d
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			break
		}
	}
	if m == nil {
		q.mu.Unlock()
		return ErrUnknownMutation
	}
	m.RetryCount = 0
	m.LastError = ""
	m.NextRetryAt = nil
	q.pending = append(q.pending, m)
	q.mu.Unlock()

	if err := q.store.RemoveDead(id); err != nil {
		return err
	}
	return q.store.Append(m)
}

func (q *Queue) DiscardDeadLetter(id string) error {
	q.mu.Lock()
	found := false
	for i, d := range q.dead {
		if d.ID == id {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			found = true
			break
		}
	}
	q.mu.Unlock()
	if !found {
		return ErrUnknownMutation
	}
	return q.store.RemoveDead(id)
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	for i, m := range q.pending {
		if m.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if err := q.store.Remove(id); err != nil {
		q.log.Error("", "queue_persist_failed", "Failed to remove applied mutation from store", err)
	}
}

func (q *Queue) recordFailure(id string, applyErr error) {
	q.mu.Lock()
	var updated *models.QueuedMutation
	var exhausted bool
	for _, m := range q.pending {
		if m.ID == id {
			m.RetryCount++
			m.LastError = applyErr.Error()
			next := q.opts.Now().Add(q.backoff(m.RetryCount))
			m.NextRetryAt = &next
			exhausted = m.RetryCount >= q.opts.MaxRetries
			updated = m
			break
		}
	}
	q.mu.Unlock()

	if updated == nil {
		return
	}
	if exhausted {
		q.log.Warn("", "mutation_retries_exhausted",
			fmt.Sprintf("Mutation %s failed %d times, moving to dead letters", id, updated.RetryCount))
		q.deadLetter(id, applyErr)
		return
	}

	q.log.Warn("", "mutation_apply_failed",
		fmt.Sprintf("Mutation %s failed (attempt %d): %v", id, updated.RetryCount, applyErr))
	if err := q.store.Update(updated); err != nil {
		q.log.Error("", "queue_persist_failed", "Failed to persist retry state", err)
	}
}

func (q *Queue) deadLetter(id string, applyErr error) {
	q.mu.Lock()
	var m *models.QueuedMutation
	for i, p := range q.pending {
		if p.ID == id {
			m = p
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	if m == nil {
		q.mu.Unlock()
		return
	}
	m.LastError = applyErr.Error()
	q.dead = append(q.dead, m)
	q.mu.Unlock()

	if err := q.store.MoveToDead(m); err != nil {
		q.log.Error("", "queue_persist_failed", "Failed to persist dead letter", err)
	}
}

// backoff doubles the base delay per retry, capped at RetryMaxDelay.
func (q *Queue) backoff(retryCount int) time.Duration {
	delay := q.opts.RetryBaseDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= q.opts.RetryMaxDelay {
			return q.opts.RetryMaxDelay
		}
	}
	if delay > q.opts.RetryMaxDelay {
		delay = q.opts.RetryMaxDelay
	}
	return delay
}

func copyMutations(src []*models.QueuedMutation) []*models.QueuedMutation {
	out := make([]*models.QueuedMutation, len(src))
	for i, m := range src {
		copied := *m
		out[i] = &copied
	}
	return out
}
