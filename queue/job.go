package queue

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/tahifi/tacaman/backend"
	"github.com/tahifi/tacaman/cache"
	"github.com/tahifi/tacaman/cachepath"
	"github.com/tahifi/tacaman/hash"
	"github.com/tahifi/tacaman/telemetry"
)

// State is a Conversion Job's state machine position, grounded on
// original_source/src/converterqueue.hh's Job::State.
type State int

const (
	StateDownloadIdle State = iota
	StateDownloadingAndConverting
	StateConvertIdle
	StateConverting
	StateDoneOK
	StateDoneError
)

func (s State) String() string {
	switch s {
	case StateDownloadIdle:
		return "DOWNLOAD_IDLE"
	case StateDownloadingAndConverting:
		return "DOWNLOADING_AND_CONVERTING"
	case StateConvertIdle:
		return "CONVERT_IDLE"
	case StateConverting:
		return "CONVERTING"
	case StateDoneOK:
		return "DONE_OK"
	case StateDoneError:
		return "DONE_ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s State) isTerminal() bool { return s == StateDoneOK || s == StateDoneError }

// Result is the outcome of running a Job's recipe, mapped from its exit
// code per spec.md §6.3.
type Result int

const (
	ResultOK Result = iota
	ResultIOError
	ResultDiskFullError
	ResultDownloadError
	ResultInputError
	ResultConversionError
	ResultInternalError
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultIOError:
		return "IO_ERROR"
	case ResultDiskFullError:
		return "DISK_FULL_ERROR"
	case ResultDownloadError:
		return "DOWNLOAD_ERROR"
	case ResultInputError:
		return "INPUT_ERROR"
	case ResultConversionError:
		return "CONVERSION_ERROR"
	case ResultInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// attachedKey pairs a key with the result it will eventually be notified of.
type attachedKey struct {
	key    cache.StreamKeyRef
	result cache.AddKeyResult
}

// Job is the Conversion Job (C7): the state machine carrying one source
// from "unknown" to either installed outputs or a terminal failure.
//
// Grounded on original_source/src/converterqueue.hh (Job class) and
// converterjob.cc.
type Job struct {
	mu sync.Mutex

	sourceHash hash.Hash
	uri        string // empty for raw-bytes jobs
	rawData    []byte // nil for URI jobs

	state  State
	result Result
	keys   []attachedKey

	root    string
	workDir string

	shell    string
	niceness int
	formats  []Format

	logger *slog.Logger
}

func newJob(root string, sourceHash hash.Hash, logger *slog.Logger) *Job {
	return &Job{
		sourceHash: sourceHash,
		root:       root,
		workDir:    cachepath.JobWorkDir(root, sourceHash),
		shell:      "/bin/sh",
		niceness:   19,
		formats:    DefaultFormats(),
		logger:     logger,
	}
}

// newURIJob constructs a Job that downloads uri before converting.
func newURIJob(root string, sourceHash hash.Hash, uri string, logger *slog.Logger) *Job {
	j := newJob(root, sourceHash, logger)
	j.uri = uri
	j.state = StateDownloadIdle
	return j
}

// newDataJob constructs a Job over an already-available raw payload.
func newDataJob(root string, sourceHash hash.Hash, data []byte, logger *slog.Logger) *Job {
	j := newJob(root, sourceHash, logger)
	j.rawData = data
	j.state = StateConvertIdle
	return j
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// SourceHash returns the hash this job is converting.
func (j *Job) SourceHash() hash.Hash { return j.sourceHash }

// AddPendingKey appends key to the job's attached-keys list, unless the job
// has already reached a terminal state -- mirroring add_pending_key's BUG
// guard in the original, relaxed to a logged rejection since this is a
// request-serving path that must not panic.
func (j *Job) AddPendingKey(key cache.StreamKeyRef) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.isTerminal() {
		j.logger.Error("add_pending_key called on a terminal job", slog.String("state", j.state.String()))
		return false
	}
	j.keys = append(j.keys, attachedKey{key: key})
	return true
}

// createEmptyWorkDir purges and recreates the job's workdir. For raw-bytes
// jobs the payload is written back afterwards.
func (j *Job) createEmptyWorkDir() error {
	if err := os.RemoveAll(j.workDir); err != nil {
		return &cache.IOError{Op: "rmdir", Path: j.workDir, Err: err}
	}
	if err := os.MkdirAll(j.workDir, 0o755); err != nil {
		return &cache.IOError{Op: "mkdir", Path: j.workDir, Err: err}
	}
	if j.rawData != nil {
		raw := filepath.Join(j.workDir, "original_raw")
		if err := backend.WriteFileAtomic(raw, j.rawData, 0o644); err != nil {
			return &cache.IOError{Op: "write", Path: raw, Err: err}
		}
	}
	return nil
}

// downloadFilename/rawFilename/recipePath/outputPath mirror the on-disk
// layout fixed in spec.md §6.1.
func (j *Job) downloadFilename() string { return filepath.Join(j.workDir, "original_downloaded") }
func (j *Job) rawFilename() string      { return filepath.Join(j.workDir, "original_raw") }
func (j *Job) recipePath() string       { return filepath.Join(j.workDir, "job.sh") }
func (j *Job) inputFilename() string {
	if j.rawData != nil {
		return j.rawFilename()
	}
	return j.downloadFilename()
}
func (j *Job) outputPath(f Format) string { return filepath.Join(j.workDir, f.Filename()) }

// generateScript writes the recipe to disk and marks it executable,
// replacing any file already present (evidence of an aborted prior run).
func (j *Job) generateScript() error {
	script := buildRecipe(j)
	path := j.recipePath()
	if err := backend.WriteFileAtomic(path, []byte(script), 0o755); err != nil {
		return &cache.IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// handleExitCode maps a recipe exit code to a Result per spec.md §6.3.
func handleExitCode(code int) Result {
	switch code {
	case 0:
		return ResultOK
	case 1:
		return ResultIOError
	case 2:
		return ResultDownloadError
	case 3:
		return ResultInputError
	case 4:
		return ResultConversionError
	default:
		return ResultInternalError
	}
}

// outputImportFiles lists the output files produced by a successful run.
func (j *Job) outputImportFiles() []string {
	out := make([]string, 0, len(j.formats))
	for _, f := range j.formats {
		out = append(out, j.outputPath(f))
	}
	return out
}

// Execute runs the job's recipe to completion, transitioning it into a
// terminal state. manager is the Cache Manager this job will import into
// once the recipe succeeds. Matches Job::execute/do_execute: the job's own
// lock is held across bookkeeping but dropped while the external recipe
// runs.
func (j *Job) Execute(manager *cache.Manager) {
	j.mu.Lock()
	if j.uri != "" {
		j.state = StateDownloadingAndConverting
	} else {
		j.state = StateConverting
	}

	if err := j.createEmptyWorkDir(); err != nil {
		j.logger.Error("job: create_empty_workdir failed", slog.Any("error", err))
		j.finishLocked(ResultIOError)
		j.mu.Unlock()
		return
	}
	if err := j.generateScript(); err != nil {
		j.logger.Error("job: generate_script failed", slog.Any("error", err))
		j.finishLocked(ResultIOError)
		j.mu.Unlock()
		return
	}
	recipe := j.recipePath()
	shell := j.shell
	j.mu.Unlock()

	cmd := exec.Command(shell, recipe)
	err := cmd.Run()

	j.mu.Lock()
	defer j.mu.Unlock()

	var result Result
	if err == nil {
		result = ResultOK
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		result = handleExitCode(exitErr.ExitCode())
	} else {
		j.logger.Error("job: recipe invocation failed", slog.Any("error", err))
		result = ResultIOError
	}

	if result == ResultOK {
		result = j.moveFilesToCacheLocked(manager)
	}
	j.finishLocked(result)
}

func (j *Job) finishLocked(result Result) {
	j.result = result
	if result == ResultOK {
		j.state = StateDoneOK
	} else {
		j.state = StateDoneError
	}
	telemetry.RecordJobOutcome(context.Background(), result.String())
}

// moveFilesToCacheLocked calls update_source with the job's outputs and
// attached keys, then maps the aggregate UpdateSourceResult back onto a Job
// Result.
func (j *Job) moveFilesToCacheLocked(manager *cache.Manager) Result {
	keys := make([]cache.StreamKeyRef, len(j.keys))
	for i, ak := range j.keys {
		keys[i] = ak.key
	}

	updateResult, perKey := manager.UpdateSource(j.sourceHash, j.outputImportFiles(), keys)
	for i := range j.keys {
		if i < len(perKey) {
			j.keys[i].result = perKey[i]
		}
	}

	switch updateResult {
	case cache.UpdatedAll, cache.UpdatedSourceOnly, cache.UpdatedKeysOnly, cache.UpdateNotChanged:
		return ResultOK
	case cache.UpdateDiskFull:
		return ResultDiskFullError
	case cache.UpdateIOError:
		return ResultIOError
	default:
		return ResultInternalError
	}
}

// Finalize notifies the pending registry about every attached key and
// cleans up the job's temp files and workdir. Called once by the queue
// worker after Execute returns.
func (j *Job) Finalize(pending cache.PendingIface) {
	j.mu.Lock()
	keys := append([]attachedKey(nil), j.keys...)
	sourceHash := j.sourceHash
	workDir := j.workDir
	j.mu.Unlock()

	for _, ak := range keys {
		result := ak.result
		if result == 0 && j.result != ResultOK {
			result = mapJobFailureToAddKeyResult(j.result)
		}
		pending.NotifyPendingKeyProcessed(ak.key, sourceHash, result)
	}

	if err := os.RemoveAll(workDir); err != nil {
		j.logger.Warn("job: finalize cleanup failed", slog.Any("error", err))
	}
}

func mapJobFailureToAddKeyResult(r Result) cache.AddKeyResult {
	switch r {
	case ResultDiskFullError:
		return cache.AddKeyDiskFull
	case ResultIOError, ResultDownloadError, ResultInputError, ResultConversionError:
		return cache.AddKeyIOError
	default:
		return cache.AddKeyInternalError
	}
}
