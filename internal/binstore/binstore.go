// Package binstore reads and writes flat, type-tagged binary arrays:
// the input dataset and each chunk's result rows. The format is
// deliberately simple (no compression), with a CRC32 integrity tag so a
// torn or corrupted file is detected instead of silently aggregated.
//
// Files are written atomically (temp file + rename) so the existence of
// a result file is a safe "chunk done" marker for networked
// coordination: readers never observe a partially written file.
package binstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"

	"github.com/ojwoodford/batch-job/pkg/types"
)

// Predefined errors
var (
	// ErrBadMagic indicates the file is not a batch-job binary store file.
	ErrBadMagic = errors.New("binstore: bad magic")

	// ErrCorrupted indicates the file failed its integrity check.
	ErrCorrupted = errors.New("binstore: file is corrupted")
)

const (
	magic   = uint32(0x424a5253) // "BJRS"
	version = uint16(1)

	// placeholderTag marks a row recorded for an iteration that errored
	// or was skipped.
	placeholderTag = int32(-1)
)

// WriteRows serializes rows to path atomically. A row with nil Data is
// stored as a placeholder and round-trips back to one.
func WriteRows(path string, rows []types.Row) error {
	var buf bytes.Buffer

	write := func(v interface{}) {
		// bytes.Buffer writes cannot fail.
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	write(magic)
	write(version)
	write(uint32(len(rows)))

	for _, row := range rows {
		if row.Placeholder() {
			write(placeholderTag)
			continue
		}
		write(int32(len(row.Shape)))
		for _, d := range row.Shape {
			write(int32(d))
		}
		write(uint32(len(row.Data)))
		for _, v := range row.Data {
			write(math.Float64bits(v))
		}
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	write(sum)

	return writeFileAtomic(path, buf.Bytes())
}

// ReadRows deserializes the rows stored at path.
func ReadRows(path string) ([]types.Row, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, ErrCorrupted
	}

	payload, tail := raw[:len(raw)-4], raw[len(raw)-4:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(tail) {
		return nil, fmt.Errorf("%w: checksum mismatch in %s", ErrCorrupted, path)
	}

	r := bytes.NewReader(payload)
	read := func(v interface{}) error {
		return binary.Read(r, binary.LittleEndian, v)
	}

	var m uint32
	if err := read(&m); err != nil || m != magic {
		return nil, ErrBadMagic
	}
	var ver uint16
	if err := read(&ver); err != nil {
		return nil, ErrCorrupted
	}
	if ver != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, ver)
	}

	var count uint32
	if err := read(&count); err != nil {
		return nil, ErrCorrupted
	}

	rows := make([]types.Row, count)
	for i := range rows {
		var ndims int32
		if err := read(&ndims); err != nil {
			return nil, ErrCorrupted
		}
		if ndims == placeholderTag {
			continue // nil row
		}
		if ndims < 0 {
			return nil, ErrCorrupted
		}

		var shape []int
		if ndims > 0 {
			shape = make([]int, ndims)
			for j := range shape {
				var d int32
				if err := read(&d); err != nil {
					return nil, ErrCorrupted
				}
				shape[j] = int(d)
			}
		}

		var n uint32
		if err := read(&n); err != nil {
			return nil, ErrCorrupted
		}
		data := make([]float64, n)
		for j := range data {
			var bits uint64
			if err := read(&bits); err != nil {
				return nil, ErrCorrupted
			}
			data[j] = math.Float64frombits(bits)
		}

		rows[i] = types.Row{Shape: shape, Data: data}
	}

	return rows, nil
}

// Exists reports whether a readable store file is present at path. It
// is an advisory check only; it may race harmlessly with writers
// because writes are atomic.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Size returns the byte size of a flat float64 buffer holding n rows of
// the given per-row shape.
func Size(shape []int, n int) int64 {
	elems := int64(1)
	for _, d := range shape {
		elems *= int64(d)
	}
	return elems * int64(n) * 8
}

// writeFileAtomic writes data to a temp file in the target directory
// and renames it into place, so readers only ever see complete files.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("binstore: failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("binstore: failed to rename into place: %w", err)
	}
	return nil
}
