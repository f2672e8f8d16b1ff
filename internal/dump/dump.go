// Package dump implements the FLAD tensor dump container.
//
// FLAD is a single-file, memory-mappable store for named float tensors,
// used to carry engine test vectors: the inputs of a call plus,
// optionally, golden outputs to check against. A file is a fixed
// header, the tensor payloads aligned for vector loads, then the index
// tables (fixed-size entries, dims, name bytes). All integers are
// little-endian.
package dump

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	magicFLAD = "FLAD"

	currentMajor uint16 = 1
	currentMinor uint16 = 0

	headerSize = 64
	entrySize  = 40

	// payloadAlign keeps every tensor payload 64-byte aligned in the
	// mapped file.
	payloadAlign = 64

	tableAlign = 8
)

var (
	ErrInvalidMagic       = errors.New("dump: invalid magic")
	ErrUnsupportedVersion = errors.New("dump: unsupported major version")
	ErrCorruptFile        = errors.New("dump: corrupt file")
)

// DType identifies the element encoding of a stored tensor. Values are
// stable on disk; add new ones only.
type DType uint32

const (
	F32 DType = iota + 1
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	}
	return fmt.Sprintf("dtype(%d)", uint32(d))
}

func ParseDType(s string) (DType, error) {
	switch s {
	case "f32":
		return F32, nil
	case "f16":
		return F16, nil
	case "bf16":
		return BF16, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// elemSize is the on-disk bytes per element, zero for unknown dtypes.
func (d DType) elemSize() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	}
	return 0
}

type header struct {
	magic       [4]byte
	major       uint16
	minor       uint16
	tensorCount uint32
	dimsCount   uint32
	entriesOff  uint64
	dimsOff     uint64
	stringsOff  uint64
	stringsSize uint64
	fileSize    uint64
}

func (h *header) valid() bool {
	return string(h.magic[:]) == magicFLAD
}

func (h *header) compatible() bool {
	return h.major == currentMajor
}

func encodeHeader(dst []byte, h header) bool {
	if len(dst) < headerSize {
		return false
	}
	copy(dst[0:4], h.magic[:])
	binary.LittleEndian.PutUint16(dst[4:6], h.major)
	binary.LittleEndian.PutUint16(dst[6:8], h.minor)
	binary.LittleEndian.PutUint32(dst[8:12], h.tensorCount)
	binary.LittleEndian.PutUint32(dst[12:16], h.dimsCount)
	binary.LittleEndian.PutUint64(dst[16:24], h.entriesOff)
	binary.LittleEndian.PutUint64(dst[24:32], h.dimsOff)
	binary.LittleEndian.PutUint64(dst[32:40], h.stringsOff)
	binary.LittleEndian.PutUint64(dst[40:48], h.stringsSize)
	binary.LittleEndian.PutUint64(dst[48:56], h.fileSize)
	for i := 56; i < headerSize; i++ {
		dst[i] = 0
	}
	return true
}

func decodeHeader(src []byte) (header, bool) {
	if len(src) < headerSize {
		return header{}, false
	}
	var h header
	copy(h.magic[:], src[0:4])
	h.major = binary.LittleEndian.Uint16(src[4:6])
	h.minor = binary.LittleEndian.Uint16(src[6:8])
	h.tensorCount = binary.LittleEndian.Uint32(src[8:12])
	h.dimsCount = binary.LittleEndian.Uint32(src[12:16])
	h.entriesOff = binary.LittleEndian.Uint64(src[16:24])
	h.dimsOff = binary.LittleEndian.Uint64(src[24:32])
	h.stringsOff = binary.LittleEndian.Uint64(src[32:40])
	h.stringsSize = binary.LittleEndian.Uint64(src[40:48])
	h.fileSize = binary.LittleEndian.Uint64(src[48:56])
	return h, true
}

// entry is the fixed-size on-disk record for one tensor. Name bytes
// live in the strings table, dims in the dims table, and dataOff is an
// absolute file offset so payloads slice straight out of the mapping.
type entry struct {
	nameOff  uint32
	nameLen  uint32
	dtype    uint32
	rank     uint32
	dimOff   uint32
	dataOff  uint64
	dataSize uint64
}

func encodeEntry(dst []byte, e entry) bool {
	if len(dst) < entrySize {
		return false
	}
	binary.LittleEndian.PutUint32(dst[0:4], e.nameOff)
	binary.LittleEndian.PutUint32(dst[4:8], e.nameLen)
	binary.LittleEndian.PutUint32(dst[8:12], e.dtype)
	binary.LittleEndian.PutUint32(dst[12:16], e.rank)
	binary.LittleEndian.PutUint32(dst[16:20], e.dimOff)
	binary.LittleEndian.PutUint32(dst[20:24], 0)
	binary.LittleEndian.PutUint64(dst[24:32], e.dataOff)
	binary.LittleEndian.PutUint64(dst[32:40], e.dataSize)
	return true
}

func decodeEntry(src []byte) (entry, bool) {
	if len(src) < entrySize {
		return entry{}, false
	}
	return entry{
		nameOff:  binary.LittleEndian.Uint32(src[0:4]),
		nameLen:  binary.LittleEndian.Uint32(src[4:8]),
		dtype:    binary.LittleEndian.Uint32(src[8:12]),
		rank:     binary.LittleEndian.Uint32(src[12:16]),
		dimOff:   binary.LittleEndian.Uint32(src[16:20]),
		dataOff:  binary.LittleEndian.Uint64(src[24:32]),
		dataSize: binary.LittleEndian.Uint64(src[32:40]),
	}, true
}
