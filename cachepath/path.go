// Package cachepath builds on-disk paths for the three hashed trees
// (stream keys, sources, objects) that make up the cache.
package cachepath

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tahifi/tacaman/hash"
)

// Path is an append-only builder over a filesystem path. It tracks whether
// the path currently ends on a directory or a file terminal; once a file
// terminal has been appended, any further append is a contract violation.
//
// This mirrors the original Path::append_hash/append_part contract: hash
// appends split into a 2-char shard plus remainder, part appends are taken
// verbatim, and dirstr() always yields the directory-only prefix regardless
// of how the path currently terminates.
type Path struct {
	root     string
	parts    []string
	fileTail string // set once the path is file-terminated; empty otherwise
}

// NewPath creates a Path rooted at root.
func NewPath(root string) *Path {
	return &Path{root: root}
}

// AppendHash splits h into a 2-char shard and the remaining characters and
// appends both as path components. asFile marks the terminal as a file
// rather than a directory.
func (p *Path) AppendHash(h string, asFile bool) error {
	if p.fileTail != "" {
		return fmt.Errorf("cachepath: cannot append to a path already terminated as a file (%q)", p.fileTail)
	}
	if len(h) < 3 {
		return fmt.Errorf("cachepath: hash %q too short to shard (need >= 3 chars)", h)
	}
	if !hash.IsValidShard(h[:2]) {
		return fmt.Errorf("cachepath: %q is not a valid hash shard prefix", h)
	}

	shard, rest := h[:2], h[2:]
	if asFile {
		p.parts = append(p.parts, shard)
		p.fileTail = rest
	} else {
		p.parts = append(p.parts, shard, rest)
	}
	return nil
}

// AppendPart appends part verbatim, without hash-shard splitting. asFile
// marks the terminal as a file.
func (p *Path) AppendPart(part string, asFile bool) error {
	if p.fileTail != "" {
		return fmt.Errorf("cachepath: cannot append to a path already terminated as a file (%q)", p.fileTail)
	}
	if asFile {
		p.fileTail = part
	} else {
		p.parts = append(p.parts, part)
	}
	return nil
}

// Str returns the full path, including any file terminal.
func (p *Path) Str() string {
	all := append([]string{}, p.parts...)
	if p.fileTail != "" {
		all = append(all, p.fileTail)
	}
	return filepath.Join(append([]string{p.root}, all...)...)
}

// Dirstr returns the directory-only prefix, trimming any file terminal.
func (p *Path) Dirstr() string {
	return filepath.Join(append([]string{p.root}, p.parts...)...)
}

// IsFileTerminated reports whether the path currently ends on a file
// terminal.
func (p *Path) IsFileTerminated() bool {
	return p.fileTail != ""
}

// SplitHashDir splits a valid 32-char hash string into its shard and leaf
// directory components, as used for the <xy>/<hash-24> layout.
func SplitHashDir(h string) (shard, leaf string, err error) {
	if !hash.IsValidHashString(h) {
		return "", "", fmt.Errorf("cachepath: %q is not a valid hash", h)
	}
	return h[:2], h[2:], nil
}

// StreamKeyDir returns the directory for a stream key directly under root
// (<root>/<k0k1>/<k2...>/), without the priority leaf.
func StreamKeyDir(root, streamKeyHex string) (string, error) {
	if len(streamKeyHex) < 3 {
		return "", fmt.Errorf("cachepath: stream key %q too short to shard", streamKeyHex)
	}
	return filepath.Join(root, streamKeyHex[:2], streamKeyHex[2:]), nil
}

// StreamKeyPriorityDir returns <root>/<k0k1>/<k2...>/<PPP>/, zero-padding
// priority to width 3 as the original mk_stream_key_dirname does.
func StreamKeyPriorityDir(root, streamKeyHex string, priority uint8) (string, error) {
	dir, err := StreamKeyDir(root, streamKeyHex)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%03d", priority)), nil
}

// SourceDir returns <root>/.src/<h0h1>/<h2...>/.
func SourceDir(root string, sourceHash hash.Hash) string {
	s := sourceHash.String()
	return filepath.Join(root, ".src", s[:2], s[2:])
}

// ObjectPath returns <root>/.obj/<o0o1>/<o2...>.
func ObjectPath(root string, objectHash hash.Hash) string {
	s := objectHash.String()
	return filepath.Join(root, ".obj", s[:2], s[2:])
}

// JobWorkDir returns <root>/.tmp/<source_hash>/.
func JobWorkDir(root string, sourceHash hash.Hash) string {
	return filepath.Join(root, ".tmp", sourceHash.String())
}

// SourceRefFile returns the path of a source directory's .ref marker file.
func SourceRefFile(root string, sourceHash hash.Hash) string {
	return filepath.Join(SourceDir(root, sourceHash), ".ref")
}

// StreamKeyLinkName builds the "src:<hash>" filename used inside a stream
// key's priority directory.
func StreamKeyLinkName(sourceHash hash.Hash) string {
	return "src:" + sourceHash.String()
}

// FormatLinkName builds the "<format>:<hash>" filename used inside a source
// directory.
func FormatLinkName(format string, objectHash hash.Hash) string {
	return format + ":" + objectHash.String()
}

// FormatFromLinkName extracts the format token from a "<format>:<hash>"
// link's basename.
func FormatFromLinkName(name string) (format string, objectHashStr string, ok bool) {
	idx := strings.IndexByte(name, ':')
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// FormatTokenFromOutputBasename derives the format token from a job output
// file's basename, per the convention "<format_spec>@<dimensions>": the
// format token is the substring up to the first '@'. This pins down the
// Open Question in spec.md: the format token is always the prefix before
// the first '@', matching the Job's own filename construction.
func FormatTokenFromOutputBasename(basename string) string {
	if idx := strings.IndexByte(basename, '@'); idx >= 0 {
		return basename[:idx]
	}
	return basename
}
