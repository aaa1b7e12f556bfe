package dempsy

import (
	"container/list"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// escalation thresholds for the spin/yield/sleep polling backoff used by
// the Shuttle's drain loop (spec §4.5). ContainerWorker does not poll: it
// blocks on its queue's condition variable until work or close arrives.
const (
	escalateToYieldAt = 100
	escalateToSleepAt = 500
	escalationSleep   = time.Millisecond
)

// escalatingWait backs off a polling loop: busy-spin for the first
// escalateToYieldAt attempts, then yield the processor (runtime.Gosched),
// then sleep briefly past escalateToSleepAt. attempt is the caller's own
// running counter; escalatingWait does not track state itself.
func escalatingWait(attempt int) {
	switch {
	case attempt < escalateToYieldAt:
		// busy-spin: intentionally does nothing but return immediately,
		// the caller's own loop provides the spin.
	case attempt < escalateToSleepAt:
		runtime.Gosched() // yields the P without a timer
	default:
		time.Sleep(escalationSleep)
	}
}

// unboundedQueue is a mutex+cond guarded FIFO of any. Chosen over a
// channel because submit must never block the caller (spec §4.5) — an
// unbounded structure guarantees that; a channel cannot without an
// unbounded buffer. This is deliberately a different shape from
// sender.go's frameQueue: Sender's outbound queue is bounded and
// backpressure-worthy (a full queue is a real, reported condition), while
// the threading model's inqueue must never reject a submit, only count it
// observationally (numLimited).
type unboundedQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	l      *list.List
	closed bool
}

func newUnboundedQueue() *unboundedQueue {
	q := &unboundedQueue{l: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *unboundedQueue) push(v any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.l.PushBack(v)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop removes and returns the head, blocking until one is available or
// the queue is closed (ok == false).
func (q *unboundedQueue) pop() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.l.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.l.Len() == 0 {
		return nil, false
	}
	e := q.l.Front()
	q.l.Remove(e)
	return e.Value, true
}

// tryPop removes and returns the head without blocking.
func (q *unboundedQueue) tryPop() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.l.Len() == 0 {
		return nil, false
	}
	e := q.l.Front()
	q.l.Remove(e)
	return e.Value, true
}

func (q *unboundedQueue) drain() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []any
	for e := q.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	q.l.Init()
	return out
}

func (q *unboundedQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// OrderedPerContainerThreadingModel is the two-stage pipeline of spec
// §4.5: a Shuttle drains an unbounded inqueue, submits parallel
// deserialization work to a fixed-size pool, then releases jobs to
// per-container FIFO ContainerWorkers strictly in arrival order.
//
// Closest analog to the teacher's Host.inbox/processInbox pipeline in
// host.go, generalized from "N workers pull off one channel" to this
// spec's two-stage design (see SPEC_FULL.md's threading.go section for
// the full design rationale).
type OrderedPerContainerThreadingModel struct {
	cfg NodeConfig

	inqueue    *unboundedQueue
	deserQueue *unboundedQueue // not used: the Shuttle keeps arrival order in its own local list
	deserWork  chan *MessageDeliveryJob

	workers sync.Map // container key -> *ContainerWorker

	numLimited atomic.Int64

	isStopped atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup

	stats StatsCollector
}

// NewOrderedPerContainerThreadingModel constructs the threading model.
// Call Start to begin the Shuttle and deserialization pool.
func NewOrderedPerContainerThreadingModel(cfg NodeConfig, stats StatsCollector) *OrderedPerContainerThreadingModel {
	return &OrderedPerContainerThreadingModel{
		cfg:        cfg,
		inqueue:    newUnboundedQueue(),
		deserQueue: newUnboundedQueue(),
		deserWork:  make(chan *MessageDeliveryJob, cfg.DeserializationThreads*4),
		done:       make(chan struct{}),
		stats:      stats,
	}
}

// Start launches the Shuttle and the deserialization worker pool.
func (m *OrderedPerContainerThreadingModel) Start() {
	n := m.cfg.DeserializationThreads
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go m.deserWorker()
	}
	m.wg.Add(1)
	go m.shuttle()
}

// SubmitLimited enqueues job for processing, incrementing the
// observational backpressure counter. Never blocks the caller (spec
// §4.5). containerKey identifies which ContainerWorker each of job's
// individuated deliveries lands on; calc has already been wired into job
// at construction (NewMessageDeliveryJob).
func (m *OrderedPerContainerThreadingModel) SubmitLimited(job *MessageDeliveryJob, containerKeyFor func(ContainerJobMetadata) any) {
	if m.isStopped.Load() {
		return
	}
	m.numLimited.Add(1)
	job.limited = true
	m.submit(job, containerKeyFor)
}

// Submit enqueues job without backpressure accounting.
func (m *OrderedPerContainerThreadingModel) Submit(job *MessageDeliveryJob, containerKeyFor func(ContainerJobMetadata) any) {
	if m.isStopped.Load() {
		return
	}
	m.submit(job, containerKeyFor)
}

func (m *OrderedPerContainerThreadingModel) submit(job *MessageDeliveryJob, containerKeyFor func(ContainerJobMetadata) any) {
	m.inqueue.push(&pendingSubmission{job: job, containerKeyFor: containerKeyFor})
}

type pendingSubmission struct {
	job             *MessageDeliveryJob
	containerKeyFor func(ContainerJobMetadata) any
}

// NumLimited reports the current count of outstanding limited jobs, for
// StatsCollector reporting and threading.max_pending observation.
func (m *OrderedPerContainerThreadingModel) NumLimited() int64 {
	return m.numLimited.Load()
}

// shuttle is the single goroutine draining inqueue: it submits each job's
// calculateContainers to the deserialization pool, then drains its pending
// list in strict arrival order, individuating and handing off to
// ContainerWorkers only once a job is ready (spec §4.5's ordering
// guarantee: a later-arriving job's deliveries are never released before
// an earlier one's, even if the later job deserializes faster).
func (m *OrderedPerContainerThreadingModel) shuttle() {
	defer m.wg.Done()
	pending := list.New() // FIFO of *pendingSubmission, mirrors arrival order
	attempt := 0

	for {
		// drain any newly-arrived submissions without blocking, then also
		// block-wait once if there's nothing at all to do.
		if pending.Len() == 0 {
			v, ok := m.inqueue.pop()
			if !ok {
				return // closed
			}
			pending.PushBack(v)
		}
		for {
			v, ok := m.inqueue.tryPop()
			if !ok {
				break
			}
			pending.PushBack(v)
		}

		for e := pending.Front(); e != nil; e = e.Next() {
			ps := e.Value.(*pendingSubmission)
			if !ps.job.Ready() && !ps.job.calculated.Load() {
				select {
				case m.deserWork <- ps.job:
				default:
					go func(j *MessageDeliveryJob) { j.CalculateContainers() }(ps.job)
				}
			}
		}

		head := pending.Front()
		if head == nil {
			continue
		}
		ps := head.Value.(*pendingSubmission)
		if !ps.job.Ready() {
			escalatingWait(attempt)
			attempt++
			continue
		}
		attempt = 0
		pending.Remove(head)
		m.releaseJob(ps.job, ps.containerKeyFor)

		select {
		case <-m.done:
			return
		default:
		}
	}
}

// releaseJob individuates job and enqueues each resulting ContainerJob on
// its ContainerWorker's own FIFO, lazily creating workers as needed.
func (m *OrderedPerContainerThreadingModel) releaseJob(job *MessageDeliveryJob, containerKeyFor func(ContainerJobMetadata) any) {
	holders := job.Individuate()
	for i, h := range holders {
		h.limitedCounter = &m.numLimited
		key := containerKeyFor(job.deliveries[i])
		w := m.workerFor(key)
		w.submit(h)
	}
}

// workerFor returns the ContainerWorker for key, creating and starting
// one lazily if this is the first delivery for that container — grounded
// on the teacher's lazy per-target dedup in Host.activating/ActorRegistry.
func (m *OrderedPerContainerThreadingModel) workerFor(key any) *ContainerWorker {
	if v, ok := m.workers.Load(key); ok {
		return v.(*ContainerWorker)
	}
	w := newContainerWorker()
	actual, loaded := m.workers.LoadOrStore(key, w)
	if loaded {
		return actual.(*ContainerWorker)
	}
	w.start()
	return w
}

func (m *OrderedPerContainerThreadingModel) deserWorker() {
	defer m.wg.Done()
	for {
		select {
		case job, ok := <-m.deserWork:
			if !ok {
				return
			}
			job.CalculateContainers()
		case <-m.done:
			return
		}
	}
}

// Close stops the Shuttle and every ContainerWorker. Submissions made
// after Close are dropped without being processed or rejected. The
// deserialization workers exit at once; the Shuttle returns after its next
// release (or once the closed inqueue is empty), so jobs it has not yet
// released are never delivered. Close waits for them up to
// cfg.ShutdownDrainTimeout (10s when unset), or at most 200ms when
// cfg.HardShutdown is set, logging a warning on timeout; it then closes
// every ContainerWorker, which rejects whatever is still queued on it.
// Grounded on the teacher's AdminServer.Stop
// context.WithTimeout shutdown idiom, generalized from HTTP server
// shutdown to goroutine shutdown.
func (m *OrderedPerContainerThreadingModel) Close() {
	if !m.isStopped.CompareAndSwap(false, true) {
		return
	}
	close(m.done)
	m.inqueue.close()
	// deserWork is never closed: it is written to by the Shuttle goroutine
	// as well as read by the pool, and closing a channel with an active
	// writer is unsafe. deserWorker instead exits via the done select case.

	waitDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitDone)
	}()

	timeout := m.cfg.ShutdownDrainTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if m.cfg.HardShutdown && timeout > 200*time.Millisecond {
		timeout = 200 * time.Millisecond
	}
	select {
	case <-waitDone:
	case <-time.After(timeout):
		slog.Warn("threading model shutdown timed out waiting for shuttle")
	}

	m.workers.Range(func(_, v any) bool {
		v.(*ContainerWorker).close()
		return true
	})
}
