package dempsy

import "sync/atomic"

// RoutedMessage is the wire-level record carried inside a frame payload
// (spec §3): the set of container indexes on the destination node that
// should receive it, the opaque routing key, and the opaque payload. It is
// what the Serializer marshals/unmarshals.
type RoutedMessage struct {
	ContainerClusters []int
	Key               []byte
	Payload           []byte
}

// ContainerJobMetadata describes one destination a MessageDeliveryJob must
// be individuated into: which cluster index on the local node should
// receive it.
type ContainerJobMetadata struct {
	ClusterIndex int
}

// ContainerCalculator computes, for an inbound frame, the local
// ContainerJobMetadata deliveries it should fan out to. Deserialization
// happens here; it is invoked off the Shuttle goroutine, in the
// deserialization pool, so it may be slow.
type ContainerCalculator func(payload []byte) ([]ContainerJobMetadata, RoutedMessage, error)

// MessageDeliveryJob is the in-process envelope wrapping one inbound frame.
// It knows how to lazily deserialize itself (via calculate, run on the
// deserialization pool), how to individuate itself into per-container
// ContainerJobs, and how to release its resources exactly once, when the
// number of outstanding ContainerJobs it spawned drops to zero.
//
// The pending-count bookkeeping lives in atomic counters on the job itself.
// Each ContainerJobHolder keeps a pointer to its parent job (to decrement
// those counters) plus its own copy of its delivery metadata and the
// decoded message; it does not index into the parent's deliveries slice.
type MessageDeliveryJob struct {
	reader LazyReader

	// calc computes deliveries from reader.Bytes() on first (and only)
	// invocation. Guarded by calcStarted via CalculateContainers.
	calc        ContainerCalculator
	calcStarted atomic.Bool

	// deliveries and decoded are set by CalculateContainers.
	deliveries []ContainerJobMetadata
	decoded    RoutedMessage
	calcErr    error
	calculated atomic.Bool

	// limited is true if this job was submitted via SubmitLimited; its
	// completion decrements the threading model's global numLimited
	// counter.
	limited bool

	// queuedContainerJobsX counts holders not yet started (execute/reject
	// begun). Reaching zero decrements numLimited if limited.
	queuedContainerJobsX atomic.Int64
	// unfinishedContainerJobsX counts holders not yet finished. Reaching
	// zero calls individuatedJobsComplete, releasing reader.
	unfinishedContainerJobsX atomic.Int64

	onComplete func()

	// deliverFn, if set, becomes every individuated holder's processFn —
	// the actual per-container delivery callback. Left nil in tests that
	// only exercise the counting machinery.
	deliverFn func(ContainerJobMetadata, RoutedMessage) error
}

// SetDeliverFunc registers the callback each individuated ContainerJob
// invokes on Process.
func (j *MessageDeliveryJob) SetDeliverFunc(fn func(ContainerJobMetadata, RoutedMessage) error) {
	j.deliverFn = fn
}

// NewMessageDeliveryJob wraps a decoded frame reader with the calculator
// that will compute its destinations.
func NewMessageDeliveryJob(reader LazyReader, calc ContainerCalculator, limited bool) *MessageDeliveryJob {
	return &MessageDeliveryJob{reader: reader, calc: calc, limited: limited}
}

// CalculateContainers runs the (possibly expensive) deserialization step
// exactly once. Safe to call concurrently; only the first caller does the
// work, matching the deserialization-pool's "submit once" contract. Later
// callers return at once without waiting for it; Ready reports completion.
func (j *MessageDeliveryJob) CalculateContainers() {
	if !j.calcStarted.CompareAndSwap(false, true) {
		return
	}
	deliveries, decoded, err := j.calc(j.reader.Bytes())
	j.deliveries = deliveries
	j.decoded = decoded
	j.calcErr = err
	j.calculated.Store(true)
}

// Ready reports whether CalculateContainers has completed.
func (j *MessageDeliveryJob) Ready() bool { return j.calculated.Load() }

// Individuate splits this job into one ContainerJob per delivery,
// pre-incrementing both bookkeeping counters for every holder before any
// is enqueued (spec §4.5 step 2: this prevents a race where the first
// holder could complete and decrement to zero before the last holder is
// registered).
func (j *MessageDeliveryJob) Individuate() []*ContainerJobHolder {
	n := int64(len(j.deliveries))
	j.queuedContainerJobsX.Store(n)
	j.unfinishedContainerJobsX.Store(n)

	holders := make([]*ContainerJobHolder, n)
	for i, d := range j.deliveries {
		holders[i] = &ContainerJobHolder{
			job:            j,
			meta:           d,
			message:        j.decoded,
			deserializeErr: j.calcErr,
			processFn:      j.deliverFn,
		}
	}
	return holders
}

// individuatedJobsComplete releases the job's resources exactly once, when
// unfinishedContainerJobsX reaches zero (spec §3 invariant: "a
// MessageDeliveryJob is complete exactly once").
func (j *MessageDeliveryJob) individuatedJobsComplete() {
	j.reader.Close()
	if j.onComplete != nil {
		j.onComplete()
	}
}

// ContainerJob is the unit of work dispatched to a single ContainerWorker:
// either it will be Processed or Rejected, never both, never neither.
type ContainerJob interface {
	Process()
	Reject()
}

// ContainerJobHolder implements ContainerJob and carries the bookkeeping
// needed to decrement its parent MessageDeliveryJob's counters exactly
// once regardless of which outcome occurs.
type ContainerJobHolder struct {
	job            *MessageDeliveryJob
	meta           ContainerJobMetadata
	message        RoutedMessage
	deserializeErr error

	// processFn is copied by Individuate from the job's deliverFn (see
	// SetDeliverFunc): the actual per-container delivery callback. Test code
	// may leave this nil to exercise only the counting machinery.
	processFn func(ContainerJobMetadata, RoutedMessage) error

	limitedCounter *atomic.Int64 // threading model's numLimited, or nil
	done           atomic.Bool
}

func (h *ContainerJobHolder) start() {
	if h.job.queuedContainerJobsX.Add(-1) == 0 {
		if h.job.limited && h.limitedCounter != nil {
			h.limitedCounter.Add(-1)
		}
	}
}

func (h *ContainerJobHolder) finish() {
	if h.job.unfinishedContainerJobsX.Add(-1) == 0 {
		h.job.individuatedJobsComplete()
	}
}

// Process executes this holder's delivery. Exactly one of Process/Reject
// must be called per holder.
func (h *ContainerJobHolder) Process() {
	if !h.done.CompareAndSwap(false, true) {
		return
	}
	h.start()
	if h.deserializeErr == nil && h.processFn != nil {
		_ = h.processFn(h.meta, h.message)
	}
	h.finish()
}

// Reject discards this holder's delivery without processing it (queue
// overflow, shutdown drain, or a defensive fallback after a failed
// offer). Exactly one of Process/Reject must be called per holder.
func (h *ContainerJobHolder) Reject() {
	if !h.done.CompareAndSwap(false, true) {
		return
	}
	h.start()
	h.finish()
}
