package cachepath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahifi/tacaman/hash"
)

func TestAppendHashSplitsShard(t *testing.T) {
	p := NewPath("/root")
	require.NoError(t, p.AppendHash("aabbccddeeff00112233445566778899", false))
	assert.Equal(t, "/root/aa/bbccddeeff00112233445566778899", p.Str())
	assert.Equal(t, p.Str(), p.Dirstr())
}

func TestAppendHashAsFile(t *testing.T) {
	p := NewPath("/root")
	require.NoError(t, p.AppendHash("aabbccddeeff00112233445566778899", true))
	assert.True(t, p.IsFileTerminated())
	assert.Equal(t, "/root/aa/bbccddeeff00112233445566778899", p.Str())
	assert.Equal(t, "/root/aa", p.Dirstr())
}

func TestAppendAfterFileTerminalRejected(t *testing.T) {
	p := NewPath("/root")
	require.NoError(t, p.AppendPart("leaf", true))
	assert.Error(t, p.AppendPart("more", false))
	assert.Error(t, p.AppendHash("aabbccddeeff00112233445566778899", false))
}

func TestAppendHashRejectsShortHash(t *testing.T) {
	p := NewPath("/root")
	assert.Error(t, p.AppendHash("ab", false))
}

func TestStreamKeyPriorityDirZeroPads(t *testing.T) {
	dir, err := StreamKeyPriorityDir("/root", "aabbcc", 7)
	require.NoError(t, err)
	assert.Equal(t, "/root/aa/bbcc/007", dir)
}

func TestSourceDirAndObjectPath(t *testing.T) {
	h := hash.OfString("http://x/y")
	sd := SourceDir("/root", h)
	op := ObjectPath("/root", h)
	assert.Equal(t, "/root/.src/"+h.String()[:2]+"/"+h.String()[2:], sd)
	assert.Equal(t, "/root/.obj/"+h.String()[:2]+"/"+h.String()[2:], op)
}

func TestFormatTokenFromOutputBasename(t *testing.T) {
	assert.Equal(t, "png", FormatTokenFromOutputBasename("png@120x120"))
	assert.Equal(t, "jpg", FormatTokenFromOutputBasename("jpg@400x400"))
	assert.Equal(t, "noatsign", FormatTokenFromOutputBasename("noatsign"))
}

func TestFormatFromLinkName(t *testing.T) {
	format, hashStr, ok := FormatFromLinkName("png:aabbcc")
	require.True(t, ok)
	assert.Equal(t, "png", format)
	assert.Equal(t, "aabbcc", hashStr)

	_, _, ok = FormatFromLinkName("nocolon")
	assert.False(t, ok)
}
