// Package ustar decodes ustar (POSIX tar) archives in place. The ramdisk is
// handed to us as one contiguous buffer, so entries are returned as
// offset/length pairs into that buffer and nothing is ever copied out.
package ustar

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

const (
	// BlockSize is the tar block granularity. Headers occupy exactly one
	// block and file data is padded up to the next block boundary.
	BlockSize = 512

	nameOffset     = 0
	nameSize       = 100
	sizeOffset     = 124
	sizeSize       = 12
	checksumOffset = 148
	checksumSize   = 8
	typeOffset     = 156
	magicOffset    = 257
	prefixOffset   = 345
	prefixSize     = 155

	typeRegular    = '0'
	typeRegularAlt = 0x00
)

var ErrCorruptArchive = errors.New("corrupt ustar archive")

// Entry describes one archive member as a window into the scanned buffer.
type Entry struct {
	Name   string
	Offset uint64
	Size   uint64
	Type   byte
}

// IsRegular reports whether the entry is a regular file. Only regular files
// are resolvable by path; directories and links are listed but never
// returned by Lookup.
func (e Entry) IsRegular() bool {
	return e.Type == typeRegular || e.Type == typeRegularAlt
}

// Recognize reports whether buf starts with a ustar header. It is the cheap
// probe used to pick the kernel resolution strategy.
func Recognize(buf []byte) bool {
	if len(buf) < BlockSize {
		return false
	}

	return bytes.Equal(buf[magicOffset:magicOffset+5], []byte("ustar"))
}

// List scans buf from the start and returns every archive member in order.
// The scan is restartable: calling List again re-reads from the beginning.
// A header whose checksum or size field does not parse, or whose data window
// runs past the end of the buffer, aborts the scan with ErrCorruptArchive.
// Two consecutive zero blocks terminate the archive.
func List(buf []byte) ([]Entry, error) {
	var entries []Entry

	off := uint64(0)

	for off+BlockSize <= uint64(len(buf)) {
		hdr := buf[off : off+BlockSize]

		if isZeroBlock(hdr) {
			break
		}

		if err := verifyChecksum(hdr); err != nil {
			return nil, fmt.Errorf("header at offset %#x: %w", off, err)
		}

		size, err := parseOctal(hdr[sizeOffset : sizeOffset+sizeSize])
		if err != nil {
			return nil, fmt.Errorf("size field at offset %#x: %w", off, err)
		}

		// A checksum-valid header can still lie about its size; an entry
		// window past the end of the buffer means the archive is truncated.
		if off+BlockSize+size > uint64(len(buf)) {
			return nil, fmt.Errorf("%w: entry at offset %#x claims %#x bytes past the buffer end",
				ErrCorruptArchive, off, size)
		}

		entries = append(entries, Entry{
			Name:   entryName(hdr),
			Offset: off + BlockSize,
			Size:   size,
			Type:   hdr[typeOffset],
		})

		off += BlockSize + roundUp(size)
	}

	return entries, nil
}

// Lookup resolves name to a regular-file entry. The boolean is false when no
// regular file with that name exists; corrupt archives return an error.
func Lookup(buf []byte, name string) (Entry, bool, error) {
	entries, err := List(buf)
	if err != nil {
		return Entry{}, false, err
	}

	for _, e := range entries {
		if e.Name == name && e.IsRegular() {
			return e, true, nil
		}
	}

	return Entry{}, false, nil
}

func entryName(hdr []byte) string {
	name := trimField(hdr[nameOffset : nameOffset+nameSize])
	prefix := trimField(hdr[prefixOffset : prefixOffset+prefixSize])

	if prefix != "" {
		return prefix + "/" + name
	}

	return name
}

func trimField(b []byte) string {
	return strings.TrimRight(string(bytes.TrimRight(b, "\x00")), " ")
}

// verifyChecksum recomputes the unsigned byte sum of the header with the
// checksum field treated as spaces and compares it to the stored octal
// value.
func verifyChecksum(hdr []byte) error {
	want, err := parseOctal(hdr[checksumOffset : checksumOffset+checksumSize])
	if err != nil {
		return fmt.Errorf("checksum field: %w", err)
	}

	sum := uint64(0)

	for i, b := range hdr {
		if i >= checksumOffset && i < checksumOffset+checksumSize {
			sum += ' '
		} else {
			sum += uint64(b)
		}
	}

	if sum != want {
		return fmt.Errorf("%w: checksum %#o, computed %#o", ErrCorruptArchive, want, sum)
	}

	return nil
}

// parseOctal decodes a NUL- or space-terminated octal field.
func parseOctal(field []byte) (uint64, error) {
	s := trimField(field)
	if s == "" {
		return 0, nil
	}

	v := uint64(0)

	for _, c := range s {
		if c < '0' || c > '7' {
			return 0, fmt.Errorf("%w: invalid octal %q", ErrCorruptArchive, s)
		}

		v = v<<3 | uint64(c-'0')
	}

	return v, nil
}

func roundUp(size uint64) uint64 {
	return (size + BlockSize - 1) &^ (BlockSize - 1)
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}

	return true
}
