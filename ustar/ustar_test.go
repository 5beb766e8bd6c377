package ustar_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goboot/ustar"
)

// writeHeader fills a 512-byte ustar header in place and stamps a valid
// checksum.
func writeHeader(block []byte, name string, size uint64, typeflag byte) {
	copy(block[0:100], name)
	octal(block[100:108], 0o644)
	octal(block[124:136], size)
	block[156] = typeflag
	copy(block[257:263], "ustar\x00")

	// Checksum is computed with the field itself read as spaces.
	for i := 148; i < 156; i++ {
		block[i] = ' '
	}

	sum := uint64(0)
	for _, b := range block {
		sum += uint64(b)
	}

	octal(block[148:155], sum)
	block[155] = 0
}

func octal(dst []byte, v uint64) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte('0' + v&7)
		v >>= 3
	}
}

func archive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf []byte

	// Deterministic order keeps offsets stable across runs.
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}

	for _, name := range names {
		data := files[name]
		block := make([]byte, 512)
		writeHeader(block, name, uint64(len(data)), '0')
		buf = append(buf, block...)

		padded := make([]byte, (len(data)+511)&^511)
		copy(padded, data)
		buf = append(buf, padded...)
	}

	return append(buf, make([]byte, 1024)...)
}

func TestListCountsValidHeaders(t *testing.T) {
	t.Parallel()

	buf := archive(t, map[string]string{
		"sys/core":   "kernel bytes",
		"sys/config": "kernel=sys/core\n",
		"etc/motd":   "hello",
	})

	entries, err := ustar.List(buf)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// The scan restarts from the beginning on every call.
	again, err := ustar.List(buf)
	require.NoError(t, err)
	assert.Equal(t, entries, again)
}

func TestLookupReturnsZeroCopyWindow(t *testing.T) {
	t.Parallel()

	buf := archive(t, map[string]string{"sys/core": "ELFELF"})

	e, ok, err := ustar.Lookup(buf, "sys/core")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ELFELF", string(buf[e.Offset:e.Offset+e.Size]))
}

func TestLookupSkipsDirectories(t *testing.T) {
	t.Parallel()

	block := make([]byte, 512)
	writeHeader(block, "sys/", 0, '5')
	buf := append(block, make([]byte, 1024)...)

	_, ok, err := ustar.Lookup(buf, "sys/")
	require.NoError(t, err)
	assert.False(t, ok)

	// The directory still shows up in a plain listing.
	entries, err := ustar.List(buf)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.False(t, entries[0].IsRegular())
}

func TestCorruptChecksum(t *testing.T) {
	t.Parallel()

	buf := archive(t, map[string]string{"sys/core": "x"})
	buf[0] ^= 0xff // flip a name byte so the checksum no longer matches

	_, err := ustar.List(buf)
	assert.True(t, errors.Is(err, ustar.ErrCorruptArchive))
}

func TestTruncatedArchiveRejected(t *testing.T) {
	t.Parallel()

	// A checksum-valid header whose size field claims 1 MiB in a buffer
	// holding far less: the entry window must never escape the buffer.
	block := make([]byte, 512)
	writeHeader(block, "sys/core", 1<<20, '0')
	buf := append(block, make([]byte, 1024)...)

	_, err := ustar.List(buf)
	assert.True(t, errors.Is(err, ustar.ErrCorruptArchive))

	_, _, err = ustar.Lookup(buf, "sys/core")
	assert.True(t, errors.Is(err, ustar.ErrCorruptArchive))
}

func TestCorruptSizeField(t *testing.T) {
	t.Parallel()

	buf := archive(t, map[string]string{"sys/core": "x"})
	buf[124] = 'z'

	_, err := ustar.List(buf)
	assert.True(t, errors.Is(err, ustar.ErrCorruptArchive))
}

func TestRecognize(t *testing.T) {
	t.Parallel()

	buf := archive(t, map[string]string{"sys/core": "x"})
	assert.True(t, ustar.Recognize(buf))
	assert.False(t, ustar.Recognize(make([]byte, 4096)))
	assert.False(t, ustar.Recognize([]byte{0x7f, 'E', 'L', 'F'}))
}

func TestPrefixField(t *testing.T) {
	t.Parallel()

	block := make([]byte, 512)
	writeHeader(block, "core", 0, '0')
	copy(block[345:], "sys")

	// Re-stamp the checksum after adding the prefix.
	for i := 148; i < 156; i++ {
		block[i] = ' '
	}

	sum := uint64(0)
	for _, b := range block {
		sum += uint64(b)
	}

	octal(block[148:155], sum)
	block[155] = 0

	buf := append(block, make([]byte, 1024)...)

	_, ok, err := ustar.Lookup(buf, "sys/core")
	require.NoError(t, err)
	assert.True(t, ok)
}
