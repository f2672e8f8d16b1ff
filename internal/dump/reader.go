package dump

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"
)

// Tensor describes one stored tensor. Payload bytes stay in the mapped
// file; Raw and Float32 fetch them by index.
type Tensor struct {
	Name  string
	DType DType
	Shape []int

	off  uint64
	size uint64
}

// Elems is the element count the shape implies.
func (t Tensor) Elems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Size is the payload byte count.
func (t Tensor) Size() int { return int(t.size) }

// File is a validated read-only view over a FLAD file. The index is
// decoded eagerly so every accessor after Open is bounds-safe.
type File struct {
	data    []byte
	tensors []Tensor
	byName  map[string]int
	mmapped bool
}

// Open maps a FLAD file read-only and validates its structure. If mmap
// is unavailable it falls back to ReadAt-based loading. The returned
// file must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)
	if size < headerSize {
		return nil, ErrCorruptFile
	}

	data, err := unix.Mmap(
		int(f.Fd()),
		0,
		size,
		unix.PROT_READ,
		unix.MAP_SHARED,
	)
	if err == nil {
		df, parseErr := parseFileData(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return df, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

// OpenReaderAt loads and validates a FLAD file from a random-access
// reader without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrCorruptFile
	}
	if size == 0 {
		return []byte{}, nil
	}
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parseFileData(data []byte, mmapped bool) (*File, error) {
	if len(data) < headerSize {
		return nil, ErrCorruptFile
	}
	hdr, ok := decodeHeader(data[:headerSize])
	if !ok {
		return nil, ErrCorruptFile
	}
	if !hdr.valid() {
		return nil, ErrInvalidMagic
	}
	if !hdr.compatible() {
		return nil, ErrUnsupportedVersion
	}
	size := uint64(len(data))
	if hdr.fileSize != size {
		return nil, ErrCorruptFile
	}
	if hdr.tensorCount == 0 {
		return nil, ErrCorruptFile
	}

	// Table bounds, overflow-safe.
	entriesBytes := uint64(hdr.tensorCount) * entrySize
	if err := checkRange(hdr.entriesOff, entriesBytes, size); err != nil {
		return nil, err
	}
	dimsBytes := uint64(hdr.dimsCount) * 8
	if err := checkRange(hdr.dimsOff, dimsBytes, size); err != nil {
		return nil, err
	}
	if err := checkRange(hdr.stringsOff, hdr.stringsSize, size); err != nil {
		return nil, err
	}

	tensors := make([]Tensor, hdr.tensorCount)
	byName := make(map[string]int, hdr.tensorCount)
	for i := range tensors {
		base := hdr.entriesOff + uint64(i)*entrySize
		e, ok := decodeEntry(data[base : base+entrySize])
		if !ok {
			return nil, ErrCorruptFile
		}

		if uint64(e.nameOff)+uint64(e.nameLen) > hdr.stringsSize {
			return nil, fmt.Errorf("%w: tensor %d name out of bounds", ErrCorruptFile, i)
		}
		nameStart := hdr.stringsOff + uint64(e.nameOff)
		name := string(data[nameStart : nameStart+uint64(e.nameLen)])
		if name == "" {
			return nil, fmt.Errorf("%w: tensor %d has an empty name", ErrCorruptFile, i)
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor %q", ErrCorruptFile, name)
		}

		dt := DType(e.dtype)
		esz := dt.elemSize()
		if esz == 0 {
			return nil, fmt.Errorf("%w: tensor %q has unknown dtype %d", ErrCorruptFile, name, e.dtype)
		}

		if e.rank == 0 {
			return nil, fmt.Errorf("%w: tensor %q has no dims", ErrCorruptFile, name)
		}
		if uint64(e.dimOff)+uint64(e.rank) > uint64(hdr.dimsCount) {
			return nil, fmt.Errorf("%w: tensor %q dims out of bounds", ErrCorruptFile, name)
		}
		shape := make([]int, e.rank)
		count := uint64(1)
		for d := range shape {
			dimBase := hdr.dimsOff + (uint64(e.dimOff)+uint64(d))*8
			raw := binary.LittleEndian.Uint64(data[dimBase : dimBase+8])
			if raw == 0 || raw > uint64(int(^uint(0)>>1)) {
				return nil, fmt.Errorf("%w: tensor %q has invalid dim %d", ErrCorruptFile, name, raw)
			}
			if count > math.MaxUint64/raw {
				return nil, fmt.Errorf("%w: tensor %q shape overflows", ErrCorruptFile, name)
			}
			count *= raw
			shape[d] = int(raw)
		}
		if count > math.MaxUint64/uint64(esz) || count*uint64(esz) != e.dataSize {
			return nil, fmt.Errorf("%w: tensor %q payload is %d bytes, shape wants %d",
				ErrCorruptFile, name, e.dataSize, count*uint64(esz))
		}

		// Payloads live between the header and the index tables.
		if err := checkRange(e.dataOff, e.dataSize, size); err != nil {
			return nil, fmt.Errorf("%w: tensor %q payload out of bounds", ErrCorruptFile, name)
		}
		if e.dataOff < headerSize {
			return nil, fmt.Errorf("%w: tensor %q payload overlaps header", ErrCorruptFile, name)
		}
		if e.dataOff+e.dataSize > hdr.entriesOff {
			return nil, fmt.Errorf("%w: tensor %q payload overlaps index", ErrCorruptFile, name)
		}
		if e.dataOff%payloadAlign != 0 {
			return nil, fmt.Errorf("%w: tensor %q payload not %d-byte aligned", ErrCorruptFile, name, payloadAlign)
		}

		tensors[i] = Tensor{
			Name:  name,
			DType: dt,
			Shape: shape,
			off:   e.dataOff,
			size:  e.dataSize,
		}
		byName[name] = i
	}

	return &File{
		data:    data,
		tensors: tensors,
		byName:  byName,
		mmapped: mmapped,
	}, nil
}

// checkRange rejects [off, off+n) windows that overflow or leave the
// file.
func checkRange(off, n, size uint64) error {
	if n > size {
		return ErrCorruptFile
	}
	end := off + n
	if end < off || end > size {
		return ErrCorruptFile
	}
	return nil
}

// Close releases file resources and any mmap backing.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	var err error
	if f.data != nil && f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.tensors = nil
	f.byName = nil
	f.mmapped = false
	return err
}

func (f *File) Count() int {
	return len(f.tensors)
}

// Tensor returns the metadata of the i-th tensor in name order.
func (f *File) Tensor(i int) (Tensor, error) {
	if i < 0 || i >= len(f.tensors) {
		return Tensor{}, fmt.Errorf("dump: tensor %d out of range", i)
	}
	return f.tensors[i], nil
}

// Find returns the index of the named tensor.
func (f *File) Find(name string) (int, bool) {
	i, ok := f.byName[name]
	return i, ok
}

// Raw returns a zero-copy view of the payload bytes. The caller must
// not retain the slice after Close.
func (f *File) Raw(i int) ([]byte, error) {
	if f == nil || f.data == nil {
		return nil, fmt.Errorf("dump: file is closed")
	}
	t, err := f.Tensor(i)
	if err != nil {
		return nil, err
	}
	return f.data[t.off : t.off+t.size], nil
}

// Float32 decodes the payload to float32 regardless of stored dtype.
func (f *File) Float32(i int) ([]float32, error) {
	raw, err := f.Raw(i)
	if err != nil {
		return nil, err
	}
	t := f.tensors[i]
	switch t.DType {
	case F32:
		out := make([]float32, t.Elems())
		for j := range out {
			out[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*j:]))
		}
		return out, nil
	case F16:
		out := make([]float32, t.Elems())
		for j := range out {
			out[j] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*j:])).Float32()
		}
		return out, nil
	case BF16:
		return bfloat16.DecodeFloat32(raw), nil
	}
	return nil, fmt.Errorf("dump: unknown dtype %d", uint32(t.DType))
}
