// Package hash implements the MD5 hash and hex codec used to content-address
// every stream key, source, and object in the cache.
package hash

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	stdhash "hash"
	"io"
	"os"
)

// Size is the size of an MD5 digest in bytes.
const Size = md5.Size

// StringLen is the length of a hash in its lowercase hex-string form.
const StringLen = Size * 2

// Hash is a 128-bit MD5 digest, the sole content-addressing algorithm used
// throughout the cache (stream-key directories are addressed by the caller's
// key, everything else by MD5 of its identifying bytes).
type Hash [Size]byte

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns the first 8 hex characters, for log lines.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:4])
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != StringLen {
		return fmt.Errorf("hash: invalid length: expected %d hex chars, got %d", StringLen, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a 32-char lowercase hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	if !IsValidHashString(s) {
		return Hash{}, fmt.Errorf("hash: %q is not lowercase hex", s)
	}
	return h, nil
}

// IsValidHashString reports whether s is exactly 32 lowercase hex characters,
// matching invariant I4. Unlike ParseHash it never allocates a Hash.
func IsValidHashString(s string) bool {
	if len(s) != StringLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// IsValidShard reports whether s is exactly the first two hex characters of a
// hash, matching invariant I5's shard convention.
func IsValidShard(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// OfBytes computes the MD5 hash of data.
func OfBytes(data []byte) Hash {
	return Hash(md5.Sum(data))
}

// OfString computes the MD5 hash of the UTF-8 bytes of s (used for source
// hashes derived from a URI).
func OfString(s string) Hash {
	return OfBytes([]byte(s))
}

// OfReader computes the MD5 hash of all content from r, returning the hash
// and the number of bytes read.
func OfReader(r io.Reader) (Hash, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hash: reading content: %w", err)
	}
	var out Hash
	h.Sum(out[:0])
	return out, n, nil
}

// OfFile computes the MD5 hash of the file at path, mirroring the original
// compute_file_content_hash mmap-and-digest helper without requiring mmap.
func OfFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, fmt.Errorf("hash: opening %s: %w", path, err)
	}
	defer f.Close()

	h, _, err := OfReader(f)
	return h, err
}

// Hasher wraps an incremental MD5 hasher, mirroring the teacher's Hasher
// shape for streaming use sites.
type Hasher struct {
	h stdhash.Hash
}

// NewHasher creates a new incremental MD5 Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: md5.New()}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the current hash without resetting the hasher.
func (h *Hasher) Sum() Hash {
	var out Hash
	h.h.Sum(out[:0])
	return out
}

// Reset resets the hasher to its initial state.
func (h *Hasher) Reset() {
	h.h.Reset()
}
