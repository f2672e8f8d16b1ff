package dump

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Writer builds a FLAD file in one pass. Payloads stream through a
// buffered writer; Finalise writes the index tables and patches the
// header. The caller keeps ownership of the file.
type Writer struct {
	f      *os.File
	w      *bufio.Writer
	off    uint64
	recs   []record
	seen   map[string]struct{}
	closed bool
}

type record struct {
	name  string
	dtype DType
	shape []uint64
	off   uint64
	size  uint64
}

// NewWriter truncates f and reserves the header, which Finalise patches.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("dump: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	w := &Writer{
		f:    f,
		w:    bufio.NewWriterSize(f, 1<<20),
		seen: make(map[string]struct{}),
	}
	if err := w.pad(headerSize); err != nil {
		return nil, err
	}
	return w, nil
}

// Append encodes one tensor. Values arrive as row-major float32;
// narrower dtypes are converted on the way out.
func (w *Writer) Append(name string, dtype DType, shape []int, values []float32) error {
	if w.closed {
		return errors.New("dump: writer already finalised")
	}
	if name == "" {
		return errors.New("dump: tensor name must be non-empty")
	}
	if _, ok := w.seen[name]; ok {
		return fmt.Errorf("dump: duplicate tensor %q", name)
	}
	if dtype.elemSize() == 0 {
		return fmt.Errorf("dump: unknown dtype %d", uint32(dtype))
	}
	if len(shape) == 0 {
		return fmt.Errorf("dump: tensor %q has an empty shape", name)
	}
	count := 1
	for _, d := range shape {
		if d < 1 {
			return fmt.Errorf("dump: tensor %q has non-positive dim %d", name, d)
		}
		if count > math.MaxInt/d {
			return fmt.Errorf("dump: tensor %q shape overflows", name)
		}
		count *= d
	}
	if count != len(values) {
		return fmt.Errorf("dump: tensor %q has %d values, shape wants %d", name, len(values), count)
	}

	if err := w.alignTo(payloadAlign); err != nil {
		return err
	}
	off := w.off

	switch dtype {
	case F32:
		var buf [4]byte
		for _, v := range values {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			if err := w.write(buf[:]); err != nil {
				return err
			}
		}
	case F16:
		var buf [2]byte
		for _, v := range values {
			binary.LittleEndian.PutUint16(buf[:], float16.Fromfloat32(v).Bits())
			if err := w.write(buf[:]); err != nil {
				return err
			}
		}
	case BF16:
		if err := w.write(bfloat16.EncodeFloat32(values)); err != nil {
			return err
		}
	}

	dims := make([]uint64, len(shape))
	for i, d := range shape {
		dims[i] = uint64(d)
	}
	w.recs = append(w.recs, record{
		name:  name,
		dtype: dtype,
		shape: dims,
		off:   off,
		size:  w.off - off,
	})
	w.seen[name] = struct{}{}
	return nil
}

// Finalise writes the index tables, patches the header with the final
// offsets and syncs the file. The writer must not be used afterwards.
func (w *Writer) Finalise() error {
	if w.closed {
		return errors.New("dump: writer already finalised")
	}
	w.closed = true
	if len(w.recs) == 0 {
		return errors.New("dump: no tensors written")
	}

	// Deterministic entry ordering.
	sort.Slice(w.recs, func(i, j int) bool { return w.recs[i].name < w.recs[j].name })

	if err := w.alignTo(tableAlign); err != nil {
		return err
	}

	var hdr header
	copy(hdr.magic[:], magicFLAD)
	hdr.major = currentMajor
	hdr.minor = currentMinor
	hdr.tensorCount = uint32(len(w.recs))

	var (
		dims  []uint64
		names []byte
	)

	hdr.entriesOff = w.off
	var ebuf [entrySize]byte
	for _, r := range w.recs {
		e := entry{
			nameOff:  uint32(len(names)),
			nameLen:  uint32(len(r.name)),
			dtype:    uint32(r.dtype),
			rank:     uint32(len(r.shape)),
			dimOff:   uint32(len(dims)),
			dataOff:  r.off,
			dataSize: r.size,
		}
		names = append(names, r.name...)
		dims = append(dims, r.shape...)
		if !encodeEntry(ebuf[:], e) {
			return errors.New("dump: encode entry failed")
		}
		if err := w.write(ebuf[:]); err != nil {
			return err
		}
	}
	hdr.dimsCount = uint32(len(dims))

	hdr.dimsOff = w.off
	var dbuf [8]byte
	for _, d := range dims {
		binary.LittleEndian.PutUint64(dbuf[:], d)
		if err := w.write(dbuf[:]); err != nil {
			return err
		}
	}

	hdr.stringsOff = w.off
	hdr.stringsSize = uint64(len(names))
	if err := w.write(names); err != nil {
		return err
	}
	hdr.fileSize = w.off

	if err := w.w.Flush(); err != nil {
		return err
	}

	var hbuf [headerSize]byte
	if !encodeHeader(hbuf[:], hdr) {
		return errors.New("dump: encode header failed")
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.f.Write(hbuf[:]); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) write(p []byte) error {
	n, err := w.w.Write(p)
	w.off += uint64(n)
	return err
}

func (w *Writer) alignTo(n uint64) error {
	mod := w.off % n
	if mod == 0 {
		return nil
	}
	return w.pad(int(n - mod))
}

var padBuf [payloadAlign]byte

func (w *Writer) pad(n int) error {
	for n > 0 {
		step := min(n, len(padBuf))
		if err := w.write(padBuf[:step]); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
