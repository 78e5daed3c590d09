package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tahifi/tacaman/cachepath"
	"github.com/tahifi/tacaman/hash"
	"github.com/tahifi/tacaman/stats"
	"github.com/tahifi/tacaman/timestamp"
)

// IOError wraps a transient filesystem failure, matching spec.md §7's
// transient-IO-class error kind.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// InternalError marks an invariant violation or unreachable branch, matching
// spec.md §7's INTERNAL_ERROR-class error kind. It is logged with full
// context and never panics a request-serving path.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string { return "cache: internal error: " + e.Msg }

// GCScheduler is the narrow capability the Cache Manager needs from the
// background task executor: schedule a GC/RESET_TIMESTAMPS round without
// the cache package depending on the gc package (the GC algorithm is wired
// from outside, via cmd/tacaman, onto the background.Task's dispatch table).
type GCScheduler interface {
	ScheduleGC()
	ScheduleResetTimestamps()
}

// Manager is the Cache Manager (C5). All public operations are serialized
// on mu unless noted.
type Manager struct {
	mu sync.Mutex

	root    string
	stats   stats.Statistics
	upper   stats.Limits
	lower   stats.Limits
	ts      *timestamp.Service
	pending PendingIface
	bg      GCScheduler
	logger  *slog.Logger
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithLowerLimitPercentage overrides the default stats.LowHighPercentage
// scaling factor used to derive the lower watermark from upper.
func WithLowerLimitPercentage(percent int) Option {
	return func(m *Manager) { m.lower = m.upper.ScaledBy(percent) }
}

// New creates a Cache Manager rooted at root. pending and bg are typically
// the same Conversion Queue and Background Task instances wired together by
// the daemon's entrypoint.
func New(root string, upper stats.Limits, pending PendingIface, bg GCScheduler, ts *timestamp.Service, opts ...Option) *Manager {
	m := &Manager{
		root:    root,
		upper:   upper,
		lower:   upper.ScaledBy(stats.LowHighPercentage),
		ts:      ts,
		pending: pending,
		bg:      bg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPending wires the Conversion Queue in after construction, for the
// common case where the queue's own constructor needs a *Manager. Must be
// called before Init.
func (m *Manager) SetPending(pending PendingIface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = pending
}

// Stats returns a snapshot of the current counters.
func (m *Manager) Stats() stats.Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.Snapshot()
}

// UpperLimits and LowerLimits expose the watermarks to the garbage
// collector, which lives in a separate package to keep the GC algorithm
// decoupled from the Cache Manager's internals.
func (m *Manager) UpperLimits() stats.Limits { return m.upper }
func (m *Manager) LowerLimits() stats.Limits { return m.lower }

// Init ensures the three top-level trees exist, counts their contents, and
// runs an initial GC check. If the trees cannot be created or counted, the
// whole cache is reset and reinitialized empty (the only path that deletes
// without consulting reference counts, per spec.md §7).
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	objRoot := filepath.Join(m.root, ".obj")
	_, statErr := os.Stat(objRoot)
	objExisted := statErr == nil

	if err := m.ensureTreesLocked(); err != nil {
		m.logger.Error("cache init failed, resetting", slog.Any("error", err))
		if rerr := m.resetLocked(); rerr != nil {
			return fmt.Errorf("cache: init: reset after failed ensure: %w", rerr)
		}
		if err := m.ensureTreesLocked(); err != nil {
			return fmt.Errorf("cache: init: ensure trees after reset: %w", err)
		}
	}

	nKeys, err := countHashedSubdirsTwoLevel(m.root)
	if err != nil {
		return fmt.Errorf("cache: init: counting keys: %w", err)
	}
	nSources, err := countHashedSubdirsOneLevel(filepath.Join(m.root, ".src"))
	if err != nil {
		return fmt.Errorf("cache: init: counting sources: %w", err)
	}
	nObjects, err := countHashedSubdirsOneLevel(filepath.Join(m.root, ".obj"))
	if err != nil {
		return fmt.Errorf("cache: init: counting objects: %w", err)
	}

	m.stats = stats.Statistics{NKeys: nKeys, NSources: nSources, NObjects: nObjects}

	if !objExisted {
		m.bg.ScheduleResetTimestamps()
	}

	m.logger.Info("cache initialized",
		slog.Int("n_keys", nKeys), slog.Int("n_sources", nSources), slog.Int("n_objects", nObjects))

	m.gcLocked()
	return nil
}

func (m *Manager) ensureTreesLocked() error {
	for _, dir := range []string{m.root, filepath.Join(m.root, ".src"), filepath.Join(m.root, ".obj"), filepath.Join(m.root, ".tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return nil
}

func (m *Manager) resetLocked() error {
	if err := os.RemoveAll(m.root); err != nil {
		return &IOError{Op: "reset", Path: m.root, Err: err}
	}
	m.stats = stats.Statistics{}
	return nil
}

// countHashedSubdirsOneLevel counts entries directly under root that look
// like a two-hex-char shard directory, summing their own valid-hash leaf
// entries -- i.e. counts leaves one level below shard dirs.
func countHashedSubdirsOneLevel(root string) (int, error) {
	shards, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, &IOError{Op: "readdir", Path: root, Err: err}
	}

	total := 0
	for _, shard := range shards {
		if !shard.IsDir() || !hash.IsValidShard(shard.Name()) {
			continue
		}
		leaves, err := os.ReadDir(filepath.Join(root, shard.Name()))
		if err != nil {
			return 0, &IOError{Op: "readdir", Path: filepath.Join(root, shard.Name()), Err: err}
		}
		for _, leaf := range leaves {
			if isValidHashLeafName(shard.Name(), leaf.Name()) {
				total++
			}
		}
	}
	return total, nil
}

// countHashedSubdirsTwoLevel counts stream-key directories: root/<shard>/<leaf>/<priority>/.
func countHashedSubdirsTwoLevel(root string) (int, error) {
	shards, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, &IOError{Op: "readdir", Path: root, Err: err}
	}

	total := 0
	for _, shard := range shards {
		if !shard.IsDir() || !hash.IsValidShard(shard.Name()) {
			continue
		}
		leaves, err := os.ReadDir(filepath.Join(root, shard.Name()))
		if err != nil {
			return 0, &IOError{Op: "readdir", Path: filepath.Join(root, shard.Name()), Err: err}
		}
		for _, leaf := range leaves {
			if !leaf.IsDir() {
				continue
			}
			prios, err := os.ReadDir(filepath.Join(root, shard.Name(), leaf.Name()))
			if err != nil {
				continue
			}
			for _, prio := range prios {
				if prio.IsDir() {
					total++
				}
			}
		}
	}
	return total, nil
}

func isValidHashLeafName(shard, leaf string) bool {
	return hash.IsValidHashString(shard + leaf)
}

func linkCount(path string) (int, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, &InternalError{Msg: "stat_t unavailable on this platform"}
	}
	return int(st.Nlink), nil
}

type sourceState int

const (
	sourceNewlyCreated sourceState = iota
	sourceTornRecreated
	sourceComplete
	sourceEmpty
)

// mkSourceEntry ensures .src/<h>/ exists, auto-repairing torn state from an
// aborted run, and reports which of the four states applied.
func (m *Manager) mkSourceEntry(sourceHash hash.Hash) (sourceState, error) {
	dir := cachepath.SourceDir(m.root, sourceHash)
	refFile := cachepath.SourceRefFile(m.root, sourceHash)

	_, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, &IOError{Op: "mkdir", Path: dir, Err: err}
		}
		if err := touchFile(refFile); err != nil {
			return 0, &IOError{Op: "touch", Path: refFile, Err: err}
		}
		if err := os.Chtimes(refFile, m.ts.Current().Time(), m.ts.Current().Time()); err != nil {
			m.logger.Warn("failed to stamp new source ref", slog.Any("error", err))
		}
		m.stats.AddSource(false)
		return sourceNewlyCreated, nil
	}
	if err != nil {
		return 0, &IOError{Op: "stat", Path: dir, Err: err}
	}

	if _, err := os.Stat(refFile); errors.Is(err, os.ErrNotExist) {
		entries, rerr := os.ReadDir(dir)
		if rerr != nil {
			return 0, &IOError{Op: "readdir", Path: dir, Err: rerr}
		}
		for _, e := range entries {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
		if err := touchFile(refFile); err != nil {
			return 0, &IOError{Op: "touch", Path: refFile, Err: err}
		}
		return sourceTornRecreated, nil
	}

	hasFormatLink, err := sourceHasFormatLink(dir)
	if err != nil {
		return 0, err
	}
	if hasFormatLink {
		return sourceComplete, nil
	}
	return sourceEmpty, nil
}

func sourceHasFormatLink(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, &IOError{Op: "readdir", Path: dir, Err: err}
	}
	for _, e := range entries {
		if e.Name() == ".ref" {
			continue
		}
		if _, _, ok := cachepath.FormatFromLinkName(e.Name()); ok {
			return true, nil
		}
	}
	return false, nil
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return err
	}
	return f.Close()
}

// mkStreamKeyEntry ensures the stream-key priority directory exists,
// reporting whether it was newly created and the existing src: link (if
// any).
func (m *Manager) mkStreamKeyEntry(key StreamKeyRef) (dir string, created bool, existingSourceHash string, err error) {
	dir, derr := cachepath.StreamKeyPriorityDir(m.root, key.StreamKey, key.Priority)
	if derr != nil {
		return "", false, "", &InternalError{Msg: derr.Error()}
	}

	if _, serr := os.Stat(dir); errors.Is(serr, os.ErrNotExist) {
		if merr := os.MkdirAll(dir, 0o755); merr != nil {
			return dir, false, "", &IOError{Op: "mkdir", Path: dir, Err: merr}
		}
		return dir, true, "", nil
	} else if serr != nil {
		return dir, false, "", &IOError{Op: "stat", Path: dir, Err: serr}
	}

	existing, lerr := m.findSourceLink(dir)
	if lerr != nil {
		return dir, false, "", lerr
	}
	return dir, false, existing, nil
}

func (m *Manager) findSourceLink(streamKeyDir string) (string, error) {
	entries, err := os.ReadDir(streamKeyDir)
	if err != nil {
		return "", &IOError{Op: "readdir", Path: streamKeyDir, Err: err}
	}
	const prefix = "src:"
	for _, e := range entries {
		if len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix {
			return e.Name()[len(prefix):], nil
		}
	}
	return "", nil
}

// AddStreamKeyForSource implements add_stream_key_for_source. Per the lock
// ordering in DESIGN.md (M_queue -> M_cache), this must only be called by
// code that already holds the Conversion Queue's lock -- it is the only
// caller that may rely on IsSourcePendingLocked's no-relock contract.
func (m *Manager) AddStreamKeyForSource(key StreamKeyRef, sourceHash hash.Hash) AddKeyResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	srcState, err := m.mkSourceEntry(sourceHash)
	if err != nil {
		m.logger.Error("mk_source_entry failed", slog.Any("error", err))
		return classifyError(err)
	}

	sourceIsNew := srcState == sourceNewlyCreated || srcState == sourceTornRecreated
	if srcState == sourceEmpty && m.pending != nil && !m.pending.IsSourcePendingLocked(sourceHash, false) {
		sourceIsNew = true
	}

	dir, created, existingSourceStr, err := m.mkStreamKeyEntry(key)
	if err != nil {
		m.logger.Error("mk_stream_key_entry failed", slog.Any("error", err))
		return classifyError(err)
	}

	switch {
	case created && sourceIsNew:
		if err := m.linkRefInto(dir, sourceHash); err != nil {
			return classifyError(err)
		}
		m.stats.AddKey(false)
		m.gcLocked()
		return SourceUnknown

	case !created && existingSourceStr != "":
		// The pending check runs first regardless of whether the existing
		// link's hash matches the incoming one: a resubmitted key+source
		// while that source's conversion is still in flight must report
		// SOURCE_PENDING, not fall through to the exact-match NOT_CHANGED
		// shortcut below, per original_source/src/artcache.cc:426-441.
		existingHash := mustParseHash(existingSourceStr)
		if m.pending != nil && m.pending.IsSourcePendingLocked(existingHash, false) &&
			m.pending.AddKeyToPendingSource(key, existingHash) {
			return SourcePending
		}

		if existingSourceStr == sourceHash.String() {
			return NotChanged
		}

		if err := os.Remove(filepath.Join(dir, cachepath.StreamKeyLinkName(existingHash))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return classifyError(&IOError{Op: "unlink", Path: dir, Err: err})
		}
		if err := m.linkRefInto(dir, sourceHash); err != nil {
			return classifyError(err)
		}
		return Replaced

	case created && !sourceIsNew:
		if err := m.linkRefInto(dir, sourceHash); err != nil {
			return classifyError(err)
		}
		m.stats.AddKey(false)
		m.gcLocked()
		return Inserted

	default:
		m.logger.Error("add_stream_key_for_source: unreachable reconciliation branch")
		return AddKeyInternalError
	}
}

func mustParseHash(s string) hash.Hash {
	h, err := hash.ParseHash(s)
	if err != nil {
		return hash.Hash{}
	}
	return h
}

func (m *Manager) linkRefInto(streamKeyDir string, sourceHash hash.Hash) error {
	refFile := cachepath.SourceRefFile(m.root, sourceHash)
	linkName := filepath.Join(streamKeyDir, cachepath.StreamKeyLinkName(sourceHash))
	if err := os.Link(refFile, linkName); err != nil {
		return &IOError{Op: "link", Path: linkName, Err: err}
	}
	return nil
}

func classifyError(err error) AddKeyResult {
	var io *IOError
	if errors.As(err, &io) {
		if errors.Is(io.Err, syscall.ENOSPC) {
			return AddKeyDiskFull
		}
		return AddKeyIOError
	}
	return AddKeyInternalError
}

// mkObjectEntry installs src at the content-addressed object path if it
// doesn't already exist there, matching spec.md §4.1's atomic rename-in.
func (m *Manager) mkObjectEntry(srcFile string) (h hash.Hash, inserted bool, err error) {
	h, err = hash.OfFile(srcFile)
	if err != nil {
		return hash.Hash{}, false, &IOError{Op: "hash", Path: srcFile, Err: err}
	}

	dest := cachepath.ObjectPath(m.root, h)
	if _, serr := os.Stat(dest); serr == nil {
		return h, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return hash.Hash{}, false, &IOError{Op: "mkdir", Path: filepath.Dir(dest), Err: err}
	}
	if err := os.Rename(srcFile, dest); err != nil {
		return hash.Hash{}, false, &IOError{Op: "rename", Path: dest, Err: err}
	}
	return h, true, nil
}

// UpdateSource implements spec.md §4.1's update_source, called by a
// finished conversion Job. importFiles are absolute paths to the job's
// output files, named "<format>@<dimensions>".
func (m *Manager) UpdateSource(sourceHash hash.Hash, importFiles []string, attachedKeys []StreamKeyRef) (UpdateSourceResult, []AddKeyResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sourceUpdated := false
	sourceDir := cachepath.SourceDir(m.root, sourceHash)

	for _, file := range importFiles {
		objHash, inserted, err := m.mkObjectEntry(file)
		if err != nil {
			m.logger.Error("update_source: mk_object_entry failed", slog.Any("error", err))
			return classifyUpdateError(err), nil
		}
		if inserted {
			m.stats.AddObject(false)
		}

		format := cachepath.FormatTokenFromOutputBasename(filepath.Base(file))
		if m.replaceFormatLink(sourceDir, format, objHash) {
			sourceUpdated = true
		}
	}

	keysUpdated := false
	results := make([]AddKeyResult, len(attachedKeys))
	for i, key := range attachedKeys {
		dir, err := cachepath.StreamKeyPriorityDir(m.root, key.StreamKey, key.Priority)
		if err != nil {
			results[i] = AddKeyInternalError
			continue
		}
		if _, serr := os.Stat(dir); errors.Is(serr, os.ErrNotExist) {
			results[i] = AddKeyInternalError
			continue
		}

		existing, ferr := m.findSourceLink(dir)
		if ferr != nil {
			results[i] = classifyError(ferr)
			continue
		}

		switch {
		case existing == sourceHash.String():
			// Linked to this source when the key was attached to the
			// pending job; the finished conversion now gives it content.
			results[i] = Inserted
			keysUpdated = true
		case existing == "":
			if err := m.linkRefInto(dir, sourceHash); err != nil {
				results[i] = classifyError(err)
				continue
			}
			results[i] = Inserted
			keysUpdated = true
		default:
			old := mustParseHash(existing)
			if err := os.Remove(filepath.Join(dir, cachepath.StreamKeyLinkName(old))); err != nil && !errors.Is(err, os.ErrNotExist) {
				results[i] = classifyError(&IOError{Op: "unlink", Path: dir, Err: err})
				continue
			}
			if err := m.linkRefInto(dir, sourceHash); err != nil {
				results[i] = classifyError(err)
				continue
			}
			results[i] = Replaced
			keysUpdated = true
		}
	}

	switch {
	case sourceUpdated && keysUpdated:
		return UpdatedAll, results
	case sourceUpdated:
		return UpdatedSourceOnly, results
	case keysUpdated:
		return UpdatedKeysOnly, results
	default:
		return UpdateNotChanged, results
	}
}

func (m *Manager) replaceFormatLink(sourceDir, format string, objHash hash.Hash) bool {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		f, hstr, ok := cachepath.FormatFromLinkName(e.Name())
		if !ok || f != format {
			continue
		}
		if hstr == objHash.String() {
			return false
		}
		_ = os.Remove(filepath.Join(sourceDir, e.Name()))
	}

	objPath := cachepath.ObjectPath(m.root, objHash)
	linkName := filepath.Join(sourceDir, cachepath.FormatLinkName(format, objHash))
	if err := os.Link(objPath, linkName); err != nil {
		m.logger.Error("replace_format_link: link failed", slog.Any("error", err))
		return false
	}
	return true
}

func classifyUpdateError(err error) UpdateSourceResult {
	var io *IOError
	if errors.As(err, &io) {
		if errors.Is(io.Err, syscall.ENOSPC) {
			return UpdateDiskFull
		}
		return UpdateIOError
	}
	return UpdateInternalError
}

// DeleteKey implements spec.md §4.1's delete_key.
func (m *Manager) DeleteKey(key StreamKeyRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, err := cachepath.StreamKeyPriorityDir(m.root, key.StreamKey, key.Priority)
	if err != nil {
		return &InternalError{Msg: err.Error()}
	}

	existing, ferr := m.findSourceLink(dir)
	if ferr != nil {
		return ferr
	}
	if existing == "" {
		return nil
	}
	sourceHash := mustParseHash(existing)

	if err := os.Remove(filepath.Join(dir, cachepath.StreamKeyLinkName(sourceHash))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "unlink", Path: dir, Err: err}
	}

	if err := m.deleteSourceLocked(sourceHash, false); err != nil {
		m.logger.Warn("delete_key: delete_source failed", slog.Any("error", err))
	}

	if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("delete_key: rmdir failed", slog.Any("error", err))
	}
	m.stats.RemoveKey(false)
	return nil
}

// deleteSourceLocked removes a source only if its .ref link count is 1 (no
// stream key still refers to it), per spec.md §4.1.1. isGC suppresses the
// dirty bit.
func (m *Manager) deleteSourceLocked(sourceHash hash.Hash, isGC bool) error {
	dir := cachepath.SourceDir(m.root, sourceHash)
	refFile := cachepath.SourceRefFile(m.root, sourceHash)

	n, err := linkCount(refFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "stat", Path: refFile, Err: err}
	}
	if n > 1 {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return &IOError{Op: "readdir", Path: dir, Err: err}
	}
	for _, e := range entries {
		format, hstr, ok := cachepath.FormatFromLinkName(e.Name())
		if !ok {
			continue
		}
		_ = format
		objHash, perr := hash.ParseHash(hstr)
		if perr != nil {
			continue
		}
		if err := m.deleteObjectLocked(objHash, isGC); err != nil {
			m.logger.Warn("delete_source: delete_object failed", slog.Any("error", err))
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return &IOError{Op: "rmdir", Path: dir, Err: err}
	}
	m.stats.RemoveSource(isGC)
	return nil
}

// deleteObjectLocked removes an object only if its link count is 1, per
// spec.md §4.1.2.
func (m *Manager) deleteObjectLocked(objHash hash.Hash, isGC bool) error {
	path := cachepath.ObjectPath(m.root, objHash)
	n, err := linkCount(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "stat", Path: path, Err: err}
	}
	if n > 1 {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "unlink", Path: path, Err: err}
	}
	m.stats.RemoveObject(isGC)
	return nil
}

// Lookup implements spec.md §4.1's lookup contract.
func (m *Manager) Lookup(key StreamKeyRef, knownHash hash.Hash, format string) (LookupResult, *Object) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.Priority == 0 {
		resolved, ok := m.resolveHighestPriorityLocked(key.StreamKey)
		if !ok {
			return KeyUnknown, nil
		}
		key.Priority = resolved
	}

	dir, err := cachepath.StreamKeyPriorityDir(m.root, key.StreamKey, key.Priority)
	if err != nil {
		return KeyUnknown, nil
	}
	if _, serr := os.Stat(dir); errors.Is(serr, os.ErrNotExist) {
		return KeyUnknown, nil
	}

	existing, ferr := m.findSourceLink(dir)
	if ferr != nil || existing == "" {
		return Orphaned, nil
	}
	sourceHash := mustParseHash(existing)
	sourceDir := cachepath.SourceDir(m.root, sourceHash)

	if _, serr := os.Stat(sourceDir); errors.Is(serr, os.ErrNotExist) {
		if m.pending != nil && m.pending.IsSourcePending(sourceHash, false) {
			return Pending, nil
		}
		return Orphaned, nil
	}

	if !knownHash.IsZero() {
		knownLink := filepath.Join(sourceDir, cachepath.FormatLinkName(format, knownHash))
		if _, serr := os.Stat(knownLink); serr == nil {
			m.stampHotPathLocked(key, sourceHash, knownHash)
			return Found, &Object{Priority: key.Priority, Hash: knownHash}
		}
	}

	entries, derr := os.ReadDir(sourceDir)
	if derr != nil {
		return LookupIOError, nil
	}
	for _, e := range entries {
		f, hstr, ok := cachepath.FormatFromLinkName(e.Name())
		if !ok || f != format {
			continue
		}
		objHash, perr := hash.ParseHash(hstr)
		if perr != nil {
			continue
		}
		data, rerr := os.ReadFile(filepath.Join(sourceDir, e.Name()))
		if rerr != nil {
			return LookupIOError, nil
		}
		m.stampHotPathLocked(key, sourceHash, objHash)
		return Found, &Object{Priority: key.Priority, Hash: objHash, Data: data}
	}

	if m.pending != nil && m.pending.IsSourcePending(sourceHash, false) {
		return Pending, nil
	}
	return FormatNotSupported, nil
}

func (m *Manager) resolveHighestPriorityLocked(streamKey string) (uint8, bool) {
	dir, err := cachepath.StreamKeyDir(m.root, streamKey)
	if err != nil {
		return 0, false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}
	best := -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var p int
		if _, err := fmt.Sscanf(e.Name(), "%03d", &p); err != nil {
			continue
		}
		if p > best {
			best = p
		}
	}
	if best < 0 {
		return 0, false
	}
	return uint8(best), true
}

func (m *Manager) stampHotPathLocked(key StreamKeyRef, sourceHash, objHash hash.Hash) {
	m.stats.MarkDirty()
	now := m.ts.Increment().Time()

	objRoot := filepath.Join(m.root, ".obj")
	objPath := cachepath.ObjectPath(m.root, objHash)
	keyDir, _ := cachepath.StreamKeyPriorityDir(m.root, key.StreamKey, key.Priority)
	refFile := cachepath.SourceRefFile(m.root, sourceHash)

	for _, p := range []string{objRoot, objPath, keyDir, refFile} {
		if err := os.Chtimes(p, now, now); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("hot path stamp failed", slog.String("path", p), slog.Any("error", err))
		}
	}

	if m.ts.Overflown() && m.bg != nil {
		m.bg.ScheduleResetTimestamps()
	}
}

// GC implements spec.md §4.9's trigger: a no-op unless the upper watermark
// is exceeded, in which case it schedules an asynchronous round.
func (m *Manager) GC() GCResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gcLocked()
}

func (m *Manager) gcLocked() GCResult {
	if !m.stats.ExceedsLimits(m.upper) {
		return NotRequired
	}
	if m.bg != nil {
		m.bg.ScheduleGC()
	}
	return Scheduled
}

// Reset destroys and reinitializes the cache, consulting no reference
// counts. This is the only such code path, per spec.md §7.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.resetLocked(); err != nil {
		return err
	}
	return m.ensureTreesLocked()
}

// ResetAllTimestamps walks every key/source/object and writes base to all
// atimes, then clears the overflow latch. Called by the background worker
// in response to a RESET_TIMESTAMPS action (spec.md §4.3).
func (m *Manager) ResetAllTimestamps(base time.Time) (touched int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	touched += m.resetTreeTimestamps(m.root, base, 3)
	touched += m.resetTreeTimestamps(filepath.Join(m.root, ".src"), base, 2)
	touched += m.resetTreeTimestamps(filepath.Join(m.root, ".obj"), base, 2)

	m.ts.Reset(base)
	return touched, nil
}

func (m *Manager) resetTreeTimestamps(root string, base time.Time, depth int) int {
	touched := 0
	var walk func(dir string, remaining int)
	walk = func(dir string, remaining int) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			p := filepath.Join(dir, e.Name())
			if err := os.Chtimes(p, base, base); err == nil {
				touched++
			}
			if e.IsDir() && remaining > 0 {
				walk(p, remaining-1)
			}
		}
	}
	walk(root, depth)
	return touched
}

// The three tiers a GC round decimates, in the fixed order the algorithm
// requires: stream keys first (so an orphaned source becomes eligible),
// then sources, then objects. Kept as plain ints rather than a named type
// so the gc package can define CacheAccessor without an import cycle.
const (
	TierKeys = iota
	TierSources
	TierObjects
)

// AtimeSample pairs a tier entry's path with its current access time.
type AtimeSample struct {
	Path  string
	Atime time.Time
}

// Root returns the cache's root directory.
func (m *Manager) Root() string { return m.root }

// CollectAtimes lists every leaf entry of tier along with its atime,
// without holding the manager lock for the whole walk -- callers (the
// garbage collector) are expected to yield the lock between tiers, per
// spec.md §4.9 step 1.
func (m *Manager) CollectAtimes(tier int) ([]AtimeSample, error) {
	var root string
	switch tier {
	case TierKeys:
		root = m.root
	case TierSources:
		root = filepath.Join(m.root, ".src")
	case TierObjects:
		root = filepath.Join(m.root, ".obj")
	default:
		return nil, &InternalError{Msg: fmt.Sprintf("collect_atimes: unknown tier %d", tier)}
	}

	shards, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &IOError{Op: "readdir", Path: root, Err: err}
	}

	var samples []AtimeSample
	for _, shard := range shards {
		if !shard.IsDir() || !hash.IsValidShard(shard.Name()) {
			continue
		}
		shardDir := filepath.Join(root, shard.Name())
		leaves, err := os.ReadDir(shardDir)
		if err != nil {
			return nil, &IOError{Op: "readdir", Path: shardDir, Err: err}
		}
		for _, leaf := range leaves {
			leafPath := filepath.Join(shardDir, leaf.Name())

			switch tier {
			case TierKeys:
				prios, err := os.ReadDir(leafPath)
				if err != nil {
					continue
				}
				for _, prio := range prios {
					if !prio.IsDir() {
						continue
					}
					prioPath := filepath.Join(leafPath, prio.Name())
					if at, err := atimeOf(prioPath); err == nil {
						samples = append(samples, AtimeSample{Path: prioPath, Atime: at})
					}
				}
			case TierSources:
				refPath := filepath.Join(leafPath, ".ref")
				if at, err := atimeOf(refPath); err == nil {
					samples = append(samples, AtimeSample{Path: leafPath, Atime: at})
				}
			case TierObjects:
				if at, err := atimeOf(leafPath); err == nil {
					samples = append(samples, AtimeSample{Path: leafPath, Atime: at})
				}
			}
		}
	}
	return samples, nil
}

func atimeOf(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fi.ModTime(), nil
	}
	return time.Unix(st.Atim.Sec, st.Atim.Nsec), nil
}

// DecimateTier removes every entry of tier whose atime is strictly before
// threshold, honoring each tier's reference-count guard, and reports how
// many entries were removed. Acquires the manager lock for the duration.
func (m *Manager) DecimateTier(tier int, threshold time.Time) (removed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples, err := m.CollectAtimes(tier)
	if err != nil {
		return 0, err
	}

	for _, s := range samples {
		if !s.Atime.Before(threshold) {
			continue
		}
		switch tier {
		case TierKeys:
			if err := os.RemoveAll(s.Path); err != nil {
				m.logger.Warn("gc: remove key dir failed", slog.String("path", s.Path), slog.Any("error", err))
				continue
			}
			m.stats.RemoveKey(true)
			removed++
		case TierSources:
			h, perr := sourceHashFromDir(m.root, s.Path)
			if perr != nil {
				continue
			}
			before := m.stats.NSources
			if err := m.deleteSourceLocked(h, true); err != nil {
				m.logger.Warn("gc: delete source failed", slog.String("path", s.Path), slog.Any("error", err))
				continue
			}
			if m.stats.NSources < before {
				removed++
			}
		case TierObjects:
			h, perr := objectHashFromPath(m.root, s.Path)
			if perr != nil {
				continue
			}
			before := m.stats.NObjects
			if err := m.deleteObjectLocked(h, true); err != nil {
				m.logger.Warn("gc: delete object failed", slog.String("path", s.Path), slog.Any("error", err))
				continue
			}
			if m.stats.NObjects < before {
				removed++
			}
		}
	}
	return removed, nil
}

func sourceHashFromDir(root, dir string) (hash.Hash, error) {
	rel, err := filepath.Rel(filepath.Join(root, ".src"), dir)
	if err != nil {
		return hash.Hash{}, err
	}
	return hash.ParseHash(strings.ReplaceAll(rel, string(filepath.Separator), ""))
}

func objectHashFromPath(root, path string) (hash.Hash, error) {
	rel, err := filepath.Rel(filepath.Join(root, ".obj"), path)
	if err != nil {
		return hash.Hash{}, err
	}
	return hash.ParseHash(strings.ReplaceAll(rel, string(filepath.Separator), ""))
}

// PruneEmptyShards removes shard directories left empty after decimation,
// across all three trees, per spec.md §4.9 step 4.
func (m *Manager) PruneEmptyShards() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, root := range []string{m.root, filepath.Join(m.root, ".src"), filepath.Join(m.root, ".obj")} {
		shards, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, shard := range shards {
			if !shard.IsDir() || !hash.IsValidShard(shard.Name()) {
				continue
			}
			shardPath := filepath.Join(root, shard.Name())
			entries, err := os.ReadDir(shardPath)
			if err != nil {
				continue
			}
			if len(entries) == 0 {
				_ = os.Remove(shardPath)
			}
		}
	}
	return nil
}
