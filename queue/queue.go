// Package queue implements the Pending registry / Conversion queue (C6)
// and the Conversion Job (C7): a single-worker FIFO that deduplicates
// in-flight sources and attaches late-arriving keys to a running or queued
// job.
//
// Grounded on original_source/src/converterqueue.hh/.cc and pending.hh.
package queue

import (
	"log/slog"
	"sync"

	"github.com/tahifi/tacaman/cache"
	"github.com/tahifi/tacaman/hash"
)

// Queue is the Conversion Queue. It implements cache.PendingIface and is
// handed to the Cache Manager at wiring time.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	root    string
	manager *cache.Manager
	logger  *slog.Logger

	jobs       []*Job
	runningJob *Job

	addingSourceHash hash.Hash
	adding           bool

	shutdown bool
	workerWG sync.WaitGroup

	formats  []Format
	niceness int
	shell    string
}

// Option configures a Queue, following the gc.ManagerOption pattern.
type Option func(*Queue)

// WithFormats overrides the process-wide output-format list new jobs are
// built against.
func WithFormats(formats []Format) Option {
	return func(q *Queue) { q.formats = formats }
}

// WithNiceness overrides the nice(1) level new jobs run their convert
// invocations at.
func WithNiceness(niceness int) Option {
	return func(q *Queue) { q.niceness = niceness }
}

// WithShell overrides the shell new jobs' recipe scripts are executed with.
func WithShell(shell string) Option {
	return func(q *Queue) { q.shell = shell }
}

// New creates a Conversion Queue rooted at root, converting sources into
// objects via manager. Call Start to launch the worker goroutine.
func New(root string, manager *cache.Manager, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{root: root, manager: manager, logger: logger, formats: DefaultFormats(), niceness: 19, shell: "/bin/sh"}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker goroutine.
func (q *Queue) Start() {
	q.workerWG.Add(1)
	go q.workerMain()
}

// earmarkGuard acquires the "adding source" earmark for the lifetime of the
// call that holds it, releasing it on scope exit -- the Go expression of
// the original's PendingData::Guard scope-guard idiom. Caller must already
// hold q.mu.
type earmarkGuard struct {
	q *Queue
}

func (q *Queue) earmarkAddSource(sourceHash hash.Hash) *earmarkGuard {
	q.adding = true
	q.addingSourceHash = sourceHash
	return &earmarkGuard{q: q}
}

func (g *earmarkGuard) release() {
	g.q.adding = false
	g.q.addingSourceHash = hash.Hash{}
}

// AddToCacheByURI implements add_to_cache_by_uri: hash the URI, earmark it,
// ask the Cache Manager to reconcile the key, and either report the
// outcome directly or enqueue a new Job.
func (q *Queue) AddToCacheByURI(key cache.StreamKeyRef, uri string) cache.AddKeyResult {
	sourceHash := hash.OfString(uri)

	q.mu.Lock()
	guard := q.earmarkAddSource(sourceHash)
	defer guard.release()

	result := q.manager.AddStreamKeyForSource(key, sourceHash)
	if result != cache.SourceUnknown {
		q.mu.Unlock()
		return result
	}

	job := newURIJob(q.root, sourceHash, uri, q.logger)
	q.applyJobConfig(job)
	job.AddPendingKey(key)
	q.jobs = append(q.jobs, job)
	q.cond.Broadcast()
	q.mu.Unlock()

	return result
}

// AddToCacheByData implements add_to_cache_by_data for a raw byte payload,
// following the same earmark/reconcile/enqueue contract as
// AddToCacheByURI. This is implemented in full here even though the
// original left it as an unfinished stub, since raw-payload ingestion is a
// named operation of the RPC surface (§6.2's add_image_by_data).
func (q *Queue) AddToCacheByData(key cache.StreamKeyRef, data []byte) cache.AddKeyResult {
	sourceHash := hash.OfBytes(data)

	q.mu.Lock()
	guard := q.earmarkAddSource(sourceHash)
	defer guard.release()

	result := q.manager.AddStreamKeyForSource(key, sourceHash)
	if result != cache.SourceUnknown {
		q.mu.Unlock()
		return result
	}

	job := newDataJob(q.root, sourceHash, data, q.logger)
	q.applyJobConfig(job)
	job.AddPendingKey(key)
	q.jobs = append(q.jobs, job)
	q.cond.Broadcast()
	q.mu.Unlock()

	return result
}

// applyJobConfig stamps the queue's configured output-format list, niceness,
// and shell onto a freshly constructed job, overriding newJob's built-in
// defaults.
func (q *Queue) applyJobConfig(j *Job) {
	j.formats = q.formats
	j.niceness = q.niceness
	j.shell = q.shell
}

// IsSourcePending acquires q.mu and delegates to the unlocked check.
func (q *Queue) IsSourcePending(sourceHash hash.Hash, excludeCurrent bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isSourcePendingLocked(sourceHash, excludeCurrent)
}

// IsSourcePendingLocked must only be called by a goer already holding q.mu
// -- in practice, only from within the Cache Manager call chain that the
// queue itself entered holding its own lock (see DESIGN.md's lock
// ordering).
func (q *Queue) IsSourcePendingLocked(sourceHash hash.Hash, excludeCurrent bool) bool {
	return q.isSourcePendingLocked(sourceHash, excludeCurrent)
}

func (q *Queue) isSourcePendingLocked(sourceHash hash.Hash, excludeCurrent bool) bool {
	if q.adding && q.addingSourceHash == sourceHash {
		return true
	}
	if !excludeCurrent && q.runningJob != nil && q.runningJob.SourceHash() == sourceHash {
		return true
	}
	for _, j := range q.jobs {
		if j.SourceHash() == sourceHash {
			return true
		}
	}
	return false
}

// AddKeyToPendingSource attaches key to the in-flight job matching
// sourceHash, if any. Like IsSourcePendingLocked it does not take q.mu: it
// is reached from the Cache Manager while AddToCacheByURI/AddToCacheByData
// already hold it.
func (q *Queue) AddKeyToPendingSource(key cache.StreamKeyRef, sourceHash hash.Hash) bool {
	if q.runningJob != nil && q.runningJob.SourceHash() == sourceHash {
		return q.runningJob.AddPendingKey(key)
	}
	for _, j := range q.jobs {
		if j.SourceHash() == sourceHash {
			return j.AddPendingKey(key)
		}
	}
	return false
}

// NotifyPendingKeyProcessed is called once per attached key when a job
// finalizes. On a failure outcome it deletes the half-built key entry
// (rolling back the empty-source placeholder this key caused to exist);
// on success it just logs, since outgoing added/associated/failed events
// are emitted by the daemon's RPC layer, not the core.
func (q *Queue) NotifyPendingKeyProcessed(key cache.StreamKeyRef, sourceHash hash.Hash, result cache.AddKeyResult) {
	switch result {
	case cache.AddKeyIOError, cache.AddKeyDiskFull, cache.AddKeyInternalError:
		if err := q.manager.DeleteKey(key); err != nil {
			q.logger.Error("notify_pending_key_processed: rollback delete_key failed",
				slog.String("stream_key", key.StreamKey), slog.Any("error", err))
		}
		q.logger.Warn("job failed for key",
			slog.String("stream_key", key.StreamKey),
			slog.Int("priority", int(key.Priority)),
			slog.String("source", sourceHash.ShortString()),
			slog.String("result", result.String()))
	default:
		q.logger.Info("pending key processed",
			slog.String("stream_key", key.StreamKey),
			slog.Int("priority", int(key.Priority)),
			slog.String("source", sourceHash.ShortString()),
			slog.String("result", result.String()))
	}
}

// Sync blocks until the queue has no running or pending jobs.
func (q *Queue) Sync() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.runningJob != nil || len(q.jobs) > 0 {
		q.cond.Wait()
	}
}

// Shutdown signals the worker to stop once it has finalized the running job
// and every job still queued, then waits for it to exit.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.workerWG.Wait()
}

func (q *Queue) workerMain() {
	defer q.workerWG.Done()
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.shutdown {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 && q.shutdown {
			q.mu.Unlock()
			return
		}

		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.runningJob = job
		q.mu.Unlock()

		job.Execute(q.manager)
		job.Finalize(q)

		q.mu.Lock()
		q.runningJob = nil
		if len(q.jobs) == 0 {
			q.cond.Broadcast()
		}
		q.mu.Unlock()
	}
}
