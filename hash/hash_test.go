package hash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfBytesKnownVector(t *testing.T) {
	h := OfBytes([]byte("hello"))
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", h.String())
}

func TestOfStringRoundTrip(t *testing.T) {
	h := OfString("http://x/y")
	require.Len(t, h.String(), StringLen)
	assert.True(t, IsValidHashString(h.String()))
}

func TestParseHashRoundTrip(t *testing.T) {
	h := OfBytes([]byte("some source bytes"))
	s := h.String()

	parsed, err := ParseHash(s)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseHashRejectsWrongLength(t *testing.T) {
	_, err := ParseHash("abcd")
	assert.Error(t, err)
}

func TestParseHashRejectsUppercase(t *testing.T) {
	h := OfBytes([]byte("x"))
	upper := strings.ToUpper(h.String())
	assert.False(t, IsValidHashString(upper))
	_, err := ParseHash(upper)
	assert.Error(t, err)
}

func TestIsValidShard(t *testing.T) {
	assert.True(t, IsValidShard("ab"))
	assert.False(t, IsValidShard("a"))
	assert.False(t, IsValidShard("AB"))
	assert.False(t, IsValidShard("a$"))
}

func TestHasherMatchesOfBytes(t *testing.T) {
	data := []byte("chunked content hashed incrementally")
	h := NewHasher()
	_, _ = h.Write(data[:10])
	_, _ = h.Write(data[10:])

	assert.Equal(t, OfBytes(data), h.Sum())
}

func TestOfReaderByteCount(t *testing.T) {
	data := []byte("twelve bytes")
	h, n, err := OfReader(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, OfBytes(data), h)
}

func TestIsZero(t *testing.T) {
	var h Hash
	assert.True(t, h.IsZero())
	assert.False(t, OfBytes([]byte("x")).IsZero())
}
