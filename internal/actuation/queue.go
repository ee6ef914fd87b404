package actuation

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkoga/stallmux/internal/event"
	"github.com/mkoga/stallmux/internal/model"
)

// ActuationRecorder receives the last-sent stamp after a successful send.
type ActuationRecorder interface {
	RecordActuation(targetID string, at time.Time)
}

// History persists executed mitigations for the audit trail. Optional.
type History interface {
	RecordMitigation(ctx context.Context, action model.MitigationAction) error
}

// Options bound the queue's capacity and retry behaviour.
type Options struct {
	Capacity    int
	MaxAttempts int
	Backoff     []time.Duration
}

// Queue serializes every actuation through a single worker so at most one
// request is ever in flight against the shared automation surface.
// Pending work is ordered by priority, FIFO within a priority band. The
// enqueue side is safe for concurrent producers.
type Queue struct {
	opts     Options
	sender   Sender
	recorder ActuationRecorder
	resolve  func(targetID string) (model.Target, bool)
	sink     event.Sink
	history  History
	now      func() time.Time

	mu       sync.Mutex
	pending  requestHeap
	seq      uint64
	tokens   map[string]bool
	inFlight int
	closed   bool

	notify chan struct{}
	done   chan struct{}
}

func NewQueue(opts Options, sender Sender, recorder ActuationRecorder, resolve func(string) (model.Target, bool), sink event.Sink) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}
	if sink == nil {
		sink = event.Discard
	}
	return &Queue{
		opts:     opts,
		sender:   sender,
		recorder: recorder,
		resolve:  resolve,
		sink:     sink,
		now:      func() time.Time { return time.Now().UTC() },
		tokens:   map[string]bool{},
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// WithHistory attaches the audit store.
func (q *Queue) WithHistory(h History) *Queue {
	q.history = h
	return q
}

// WithClock overrides the queue's clock.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	if now != nil {
		q.now = now
	}
	return q
}

// Start launches the single worker. It exits when ctx is cancelled; call
// Close and Drain first during shutdown so pending work finishes.
func (q *Queue) Start(ctx context.Context) {
	go q.worker(ctx)
}

// Enqueue offers a request to the queue without blocking. At capacity it
// first tries to evict a strictly lower-priority pending request for the
// same target; failing that the offer is rejected and exactly one
// saturation event is emitted.
func (q *Queue) Enqueue(req model.ActuationRequest) bool {
	now := q.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now
	}
	req.State = model.RequestPending

	// Events are emitted with the lock released.
	var emit []model.AlertEvent
	accepted := false

	q.mu.Lock()
	switch {
	case q.closed:
		emit = append(emit, event.New(model.EventRequestDropped, req.TargetID, model.ErrQueueSaturated,
			fmt.Sprintf("queue closed, dropped %s for %s", req.Strategy, req.TargetID), now))
	case q.pending.Len() >= q.opts.Capacity:
		if evicted, ok := q.evictLowerSameTarget(req); ok {
			emit = append(emit, event.New(model.EventRequestDropped, evicted.TargetID, model.ErrQueueSaturated,
				fmt.Sprintf("evicted pending %s for %s to admit %s", evicted.Strategy, evicted.TargetID, req.Strategy), now))
			q.push(req)
			accepted = true
		} else {
			emit = append(emit, event.New(model.EventQueueSaturated, req.TargetID, model.ErrQueueSaturated,
				fmt.Sprintf("queue at capacity %d, rejected %s for %s", q.opts.Capacity, req.Strategy, req.TargetID), now))
		}
	default:
		q.push(req)
		accepted = true
	}
	q.mu.Unlock()

	for _, ev := range emit {
		q.sink.Emit(ev)
	}
	if accepted {
		q.signal()
	}
	return accepted
}

// Status returns an observability snapshot. No side effects.
func (q *Queue) Status() model.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	locked := make(map[string]bool, len(q.tokens))
	for id, held := range q.tokens {
		if held {
			locked[id] = true
		}
	}
	return model.QueueStatus{
		Size:            q.pending.Len(),
		InFlight:        q.inFlight,
		PerTargetLocked: locked,
	}
}

// Close stops accepting new enqueues. Pending requests still execute.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Drain blocks until the queue is empty and nothing is in flight, or the
// timeout elapses. Returns true when fully drained.
func (q *Queue) Drain(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		q.mu.Lock()
		empty := q.pending.Len() == 0 && q.inFlight == 0
		q.mu.Unlock()
		if empty {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) worker(ctx context.Context) {
	defer close(q.done)
	for {
		req, ok := q.next(ctx)
		if !ok {
			return
		}
		q.run(ctx, req)
	}
}

func (q *Queue) next(ctx context.Context) (model.ActuationRequest, bool) {
	for {
		q.mu.Lock()
		if q.pending.Len() > 0 {
			item := heap.Pop(&q.pending).(*queueItem)
			req := item.req

			// Guards the multi-worker extension; with one worker a held
			// token should not normally be observed here.
			if q.tokens[req.TargetID] {
				if req.Requeues >= 1 {
					q.mu.Unlock()
					q.sink.Emit(event.New(model.EventActuationFailed, req.TargetID, model.ErrActuationFailed,
						fmt.Sprintf("request %s dropped after repeated target lock conflicts", req.RequestID), q.now()))
					continue
				}
				req.Requeues++
				req.State = model.RequestRequeued
				q.push(req)
				q.mu.Unlock()
				continue
			}

			req.State = model.RequestInFlight
			q.tokens[req.TargetID] = true
			q.inFlight = 1
			q.mu.Unlock()
			return req, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.ActuationRequest{}, false
		case <-q.notify:
		}
	}
}

func (q *Queue) run(ctx context.Context, req model.ActuationRequest) {
	attempts, err := q.execute(ctx, &req)
	completed := q.now()

	q.mu.Lock()
	delete(q.tokens, req.TargetID)
	q.inFlight = 0
	q.mu.Unlock()

	result := "ok"
	var errCode *string
	if err != nil {
		req.State = model.RequestFailed
		result = "error"
		code := model.ErrActuationFailed
		errCode = &code
		q.sink.Emit(event.New(model.EventActuationFailed, req.TargetID, model.ErrActuationFailed,
			fmt.Sprintf("%s for %s failed after %d attempts: %v", req.Strategy, req.TargetID, attempts, err), completed))
	} else {
		req.State = model.RequestCompleted
		if q.recorder != nil {
			q.recorder.RecordActuation(req.TargetID, completed)
		}
		q.sink.Emit(event.New(model.EventMitigationSent, req.TargetID, "",
			fmt.Sprintf("%s delivered to %s", req.Strategy, req.TargetID), completed))
	}

	if q.history != nil {
		histCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = q.history.RecordMitigation(histCtx, model.MitigationAction{
			ActionID:    uuid.NewString(),
			RequestID:   req.RequestID,
			TargetID:    req.TargetID,
			Strategy:    req.Strategy,
			Severity:    req.Severity,
			Attempts:    attempts,
			RequestedAt: req.EnqueuedAt,
			CompletedAt: &completed,
			ResultCode:  result,
			ErrorCode:   errCode,
		})
		cancel()
	}
}

// execute retries transient actuator failures with a short jittered
// backoff, bounded by MaxAttempts.
func (q *Queue) execute(ctx context.Context, req *model.ActuationRequest) (int, error) {
	target, ok := q.resolve(req.TargetID)
	if !ok {
		return 0, fmt.Errorf("%s: %s", model.ErrUnknownTarget, req.TargetID)
	}
	var lastErr error
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		req.Attempt = attempt
		err := q.sender.SendAction(ctx, target, req.Strategy, req.Payload)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if attempt < q.opts.MaxAttempts {
			backoff := q.backoffFor(attempt)
			jitter := time.Duration(0)
			if maxJitter := int64(backoff / 4); maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}
	return q.opts.MaxAttempts, lastErr
}

func (q *Queue) backoffFor(attempt int) time.Duration {
	if len(q.opts.Backoff) == 0 {
		return 250 * time.Millisecond
	}
	if attempt-1 < len(q.opts.Backoff) {
		return q.opts.Backoff[attempt-1]
	}
	return q.opts.Backoff[len(q.opts.Backoff)-1]
}

// push assumes q.mu is held.
func (q *Queue) push(req model.ActuationRequest) {
	req.State = model.RequestPending
	q.seq++
	heap.Push(&q.pending, &queueItem{req: req, seq: q.seq})
}

// evictLowerSameTarget removes the lowest-priority pending request for
// req's target if it ranks strictly below req. Assumes q.mu is held.
func (q *Queue) evictLowerSameTarget(req model.ActuationRequest) (model.ActuationRequest, bool) {
	idx := -1
	for i, item := range q.pending {
		if item.req.TargetID != req.TargetID {
			continue
		}
		if item.req.Priority >= req.Priority {
			continue
		}
		if idx == -1 || less(q.pending[idx], item) {
			idx = i
		}
	}
	if idx == -1 {
		return model.ActuationRequest{}, false
	}
	item := heap.Remove(&q.pending, idx).(*queueItem)
	return item.req, true
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type queueItem struct {
	req model.ActuationRequest
	seq uint64
}

type requestHeap []*queueItem

// less orders a before b: higher priority first, then earlier enqueue,
// then arrival sequence.
func less(a, b *queueItem) bool {
	if a.req.Priority != b.req.Priority {
		return a.req.Priority > b.req.Priority
	}
	if !a.req.EnqueuedAt.Equal(b.req.EnqueuedAt) {
		return a.req.EnqueuedAt.Before(b.req.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h requestHeap) Len() int           { return len(h) }
func (h requestHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h requestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)        { *h = append(*h, x.(*queueItem)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
