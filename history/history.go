// Package history is an ambient, bbolt-backed run-history ledger: GC-run
// records, timestamp-reset audit records, and the Statistics snapshot the
// daemon writes at shutdown. The daemon reads back only that snapshot, once
// at startup to log it, never on the request-serving path -- deleting the database
// loses no cache content and does not change lookup/add behavior.
//
// Grounded on the teacher's (now-superseded) store/metadb/db.go Open/Close
// shape, narrowed from a content index down to three small buckets.
package history

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.etcd.io/bbolt"

	"github.com/tahifi/tacaman/gc"
	"github.com/tahifi/tacaman/stats"
)

var (
	bucketGCRuns           = []byte("gc_runs")
	bucketTimestampResets  = []byte("timestamp_resets")
	bucketStatsSnapshot    = []byte("stats_snapshot")
	keyLatestStatsSnapshot = []byte("latest")
)

// Store is a handle on the run-history database.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and ensures
// all three buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketGCRuns, bucketTimestampResets, bucketStatsSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: creating buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GCRunRecord is the persisted shape of one gc.Result.
type GCRunRecord struct {
	StartedAt      time.Time `json:"started_at"`
	Outcome        string    `json:"outcome"`
	DurationMillis int64     `json:"duration_ms"`
	Rounds         int       `json:"rounds"`
	KeysRemoved    int       `json:"keys_removed"`
	SourcesRemoved int       `json:"sources_removed"`
	ObjectsRemoved int       `json:"objects_removed"`
	Err            string    `json:"err,omitempty"`
}

// TimestampResetRecord is the persisted shape of one ResetAllTimestamps call.
type TimestampResetRecord struct {
	At      time.Time `json:"at"`
	Base    time.Time `json:"base"`
	Touched int       `json:"touched"`
	Err     string    `json:"err,omitempty"`
}

// RecordGCRun persists one GC pass's outcome, keyed by its start time so
// ListGCRuns can return them in chronological order.
func (s *Store) RecordGCRun(result *gc.Result) error {
	rec := GCRunRecord{
		StartedAt:      result.StartedAt,
		Outcome:        result.Outcome.String(),
		DurationMillis: result.Duration.Milliseconds(),
		Rounds:         result.Rounds,
		KeysRemoved:    result.KeysRemoved,
		SourcesRemoved: result.SourcesRemoved,
		ObjectsRemoved: result.ObjectsRemoved,
	}
	if result.Err != nil {
		rec.Err = result.Err.Error()
	}
	return s.put(bucketGCRuns, timeKey(result.StartedAt), rec)
}

// RecordTimestampReset persists one ResetAllTimestamps call's outcome.
func (s *Store) RecordTimestampReset(at, base time.Time, touched int, err error) error {
	rec := TimestampResetRecord{At: at, Base: base, Touched: touched}
	if err != nil {
		rec.Err = err.Error()
	}
	return s.put(bucketTimestampResets, timeKey(at), rec)
}

// RecordStatsSnapshot overwrites the single latest-statistics record.
func (s *Store) RecordStatsSnapshot(snap stats.Statistics) error {
	return s.put(bucketStatsSnapshot, keyLatestStatsSnapshot, snap)
}

// ListGCRuns returns up to limit most recent GC run records, newest first.
// limit <= 0 returns all of them.
func (s *Store) ListGCRuns(limit int) ([]GCRunRecord, error) {
	var out []GCRunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketGCRuns)
		return b.ForEach(func(k, v []byte) error {
			var rec GCRunRecord
			if err := decodeGzipJSON(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("history: listing gc runs: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTimestampResets returns up to limit most recent reset records, newest
// first. limit <= 0 returns all of them.
func (s *Store) ListTimestampResets(limit int) ([]TimestampResetRecord, error) {
	var out []TimestampResetRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTimestampResets)
		return b.ForEach(func(k, v []byte) error {
			var rec TimestampResetRecord
			if err := decodeGzipJSON(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("history: listing timestamp resets: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestStatsSnapshot returns the most recently recorded statistics snapshot,
// if any has ever been recorded.
func (s *Store) LatestStatsSnapshot() (stats.Statistics, bool, error) {
	var snap stats.Statistics
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketStatsSnapshot).Get(keyLatestStatsSnapshot)
		if v == nil {
			return nil
		}
		found = true
		return decodeGzipJSON(v, &snap)
	})
	if err != nil {
		return stats.Statistics{}, false, fmt.Errorf("history: reading stats snapshot: %w", err)
	}
	return snap, found, nil
}

func (s *Store) put(bucket, key []byte, v any) error {
	encoded, err := encodeGzipJSON(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, encoded)
	})
}

func timeKey(t time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano()))
	return buf[:]
}

func encodeGzipJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("history: marshaling record: %w", err)
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, fmt.Errorf("history: compressing record: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("history: closing compressor: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGzipJSON(data []byte, v any) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("history: decompressing record: %w", err)
	}
	defer gr.Close()
	if err := json.NewDecoder(gr).Decode(v); err != nil {
		return fmt.Errorf("history: unmarshaling record: %w", err)
	}
	return nil
}
