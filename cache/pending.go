package cache

import "github.com/tahifi/tacaman/hash"

// PendingIface is the capability set the Cache Manager consumes to learn
// about, and report back into, in-flight conversion jobs. It is satisfied by
// the Conversion Queue. Kept as a narrow interface rather than an embedded
// base type: per spec.md §9, this is the only module the Cache Manager
// calls back into, and it should be an abstract boundary, not an
// inheritance hierarchy.
type PendingIface interface {
	// IsSourcePending reports whether sourceHash matches the queue's
	// in-flight earmark, its running job, or any queued job. It acquires
	// the queue's own lock.
	IsSourcePending(sourceHash hash.Hash, excludeCurrent bool) bool

	// IsSourcePendingLocked is the same check but must only be called by
	// code that already holds the queue's lock (see DESIGN.md's lock
	// ordering trace). The Cache Manager calls this only when reached via
	// a call chain that originated from the Conversion Queue itself.
	IsSourcePendingLocked(sourceHash hash.Hash, excludeCurrent bool) bool

	// AddKeyToPendingSource attaches key to the in-flight job for
	// sourceHash, if one exists. Reports whether a job was found. Like
	// IsSourcePendingLocked, it must only be called by code that already
	// holds the queue's lock.
	AddKeyToPendingSource(key StreamKeyRef, sourceHash hash.Hash) bool

	// NotifyPendingKeyProcessed is called once per attached key when a job
	// finalizes, regardless of outcome.
	NotifyPendingKeyProcessed(key StreamKeyRef, sourceHash hash.Hash, result AddKeyResult)
}
