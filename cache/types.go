// Package cache implements the Cache Manager (C5): the component owning the
// three on-disk trees (stream keys, sources, objects) and the operations
// that create, link, look up, and delete entries in them.
//
// Grounded on original_source/src/artcache.cc and artcache.hh.
package cache

import (
	"github.com/tahifi/tacaman/hash"
)

// StreamKeyRef identifies a stream key at a given priority.
type StreamKeyRef struct {
	StreamKey string
	Priority  uint8
}

// Object is a resolved cache hit: the priority and hash always populated,
// Data populated only when the caller didn't already have the bytes.
type Object struct {
	Priority uint8
	Hash     hash.Hash
	Data     []byte
}

// AddKeyResult is the outcome of AddStreamKeyForSource.
type AddKeyResult int

const (
	NotChanged AddKeyResult = iota
	Inserted
	Replaced
	SourcePending
	SourceUnknown
	AddKeyIOError
	AddKeyDiskFull
	AddKeyInternalError
)

func (r AddKeyResult) String() string {
	switch r {
	case NotChanged:
		return "NOT_CHANGED"
	case Inserted:
		return "INSERTED"
	case Replaced:
		return "REPLACED"
	case SourcePending:
		return "SOURCE_PENDING"
	case SourceUnknown:
		return "SOURCE_UNKNOWN"
	case AddKeyIOError:
		return "IO_ERROR"
	case AddKeyDiskFull:
		return "DISK_FULL"
	case AddKeyInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// UpdateSourceResult is the outcome of UpdateSource.
type UpdateSourceResult int

const (
	UpdateNotChanged UpdateSourceResult = iota
	UpdatedSourceOnly
	UpdatedKeysOnly
	UpdatedAll
	UpdateIOError
	UpdateDiskFull
	UpdateInternalError
)

func (r UpdateSourceResult) String() string {
	switch r {
	case UpdateNotChanged:
		return "NOT_CHANGED"
	case UpdatedSourceOnly:
		return "UPDATED_SOURCE_ONLY"
	case UpdatedKeysOnly:
		return "UPDATED_KEYS_ONLY"
	case UpdatedAll:
		return "UPDATED_ALL"
	case UpdateIOError:
		return "IO_ERROR"
	case UpdateDiskFull:
		return "DISK_FULL"
	case UpdateInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// LookupResult is the outcome of Lookup.
type LookupResult int

const (
	Found LookupResult = iota
	KeyUnknown
	Pending
	FormatNotSupported
	Orphaned
	LookupIOError
)

func (r LookupResult) String() string {
	switch r {
	case Found:
		return "FOUND"
	case KeyUnknown:
		return "KEY_UNKNOWN"
	case Pending:
		return "PENDING"
	case FormatNotSupported:
		return "FORMAT_NOT_SUPPORTED"
	case Orphaned:
		return "ORPHANED"
	case LookupIOError:
		return "IO_ERROR"
	default:
		return "UNKNOWN"
	}
}

// GCResult is the outcome of a Manager.GC() trigger call.
type GCResult int

const (
	NotRequired GCResult = iota
	Scheduled
	Deflated
	NotPossible
	GCIOError
)

func (r GCResult) String() string {
	switch r {
	case NotRequired:
		return "NOT_REQUIRED"
	case Scheduled:
		return "SCHEDULED"
	case Deflated:
		return "DEFLATED"
	case NotPossible:
		return "NOT_POSSIBLE"
	case GCIOError:
		return "IO_ERROR"
	default:
		return "UNKNOWN"
	}
}
