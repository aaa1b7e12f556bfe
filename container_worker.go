package dempsy

import "sync"

// ContainerWorker owns one container's FIFO of ContainerJobs and the
// single goroutine that drains it strictly in the order jobs were
// submitted — the mechanism that gives spec §4.5 its per-container
// ordering guarantee. Created lazily and cached by the threading model,
// grounded on the teacher's lazy per-target dedup in
// Host.activating/ActorRegistry.
type ContainerWorker struct {
	queue *unboundedQueue

	stopOnce sync.Once
	stopped  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

func newContainerWorker() *ContainerWorker {
	return &ContainerWorker{queue: newUnboundedQueue()}
}

func (w *ContainerWorker) start() {
	w.wg.Add(1)
	go w.run()
}

// submit hands job to this worker's FIFO. Never blocks the caller.
func (w *ContainerWorker) submit(job ContainerJob) {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		job.Reject()
		return
	}
	w.queue.push(job)
}

// run drains the FIFO one job at a time, calling exactly one of
// Process/Reject per holder (the exactly-once guarantee is enforced
// structurally: this is the only call site, and ContainerJobHolder itself
// guards with a CompareAndSwap in case a test double is submitted twice).
func (w *ContainerWorker) run() {
	defer w.wg.Done()
	for {
		v, ok := w.queue.pop()
		if !ok {
			return
		}
		job := v.(ContainerJob)
		job.Process()
	}
}

// close stops accepting new work, rejects everything still queued, and
// waits for the drain goroutine to exit.
func (w *ContainerWorker) close() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()

		remaining := w.queue.drain()
		w.queue.close()
		w.wg.Wait()

		for _, v := range remaining {
			v.(ContainerJob).Reject()
		}
	})
}
