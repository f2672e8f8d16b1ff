package gla

import "fmt"

// chunkDesc addresses one chunk of one sequence. bos is the global row of
// the chunk's first position; length counts valid rows, always in
// [1, chunkLen], short only for the last chunk of a sequence.
type chunkDesc struct {
	seq    int
	index  int
	bos    int
	length int
}

// chunkIndex is the precomputed chunk layout of one call. Chunks never
// cross sequence boundaries; per-sequence offsets keep chunk-addressed
// storage (snapshots, interaction matrices) contiguous without gaps.
type chunkIndex struct {
	chunkLen int
	rows     int
	chunks   []chunkDesc
	seqChunk []int // seq -> first flat chunk id; numSeqs+1 entries
	seqBos   []int // seq -> global row of the first position
	seqLen   []int // seq -> row count
}

func (ix *chunkIndex) numSeqs() int   { return len(ix.seqBos) }
func (ix *chunkIndex) numChunks() int { return len(ix.chunks) }

// seqChunks returns the flat chunk id range [lo, hi) of one sequence.
func (ix *chunkIndex) seqChunks(n int) (int, int) {
	return ix.seqChunk[n], ix.seqChunk[n+1]
}

func (ix *chunkIndex) maxSeqChunks() int {
	max := 0
	for n := 0; n < ix.numSeqs(); n++ {
		if nt := ix.seqChunk[n+1] - ix.seqChunk[n]; nt > max {
			max = nt
		}
	}
	return max
}

func (ix *chunkIndex) addSeq(bos, length int) {
	n := len(ix.seqBos)
	ix.seqChunk = append(ix.seqChunk, len(ix.chunks))
	ix.seqBos = append(ix.seqBos, bos)
	ix.seqLen = append(ix.seqLen, length)
	for off, idx := 0, 0; off < length; idx++ {
		l := ix.chunkLen
		if off+l > length {
			l = length - off
		}
		ix.chunks = append(ix.chunks, chunkDesc{seq: n, index: idx, bos: bos + off, length: l})
		off += l
	}
}

// buildChunkIndex lays out chunks for a fixed [batch, seqLen] shape, or
// for cu-delimited variable-length sequences when cu is non-nil. Callers
// have already checked batch/seqLen positivity; boundary defects in cu
// surface here as ErrInvalidLength.
func buildChunkIndex(batch, seqLen int, cu []int32, chunkLen int) (*chunkIndex, error) {
	ix := &chunkIndex{chunkLen: chunkLen}
	if cu == nil {
		ix.rows = batch * seqLen
		for b := 0; b < batch; b++ {
			ix.addSeq(b*seqLen, seqLen)
		}
		ix.seqChunk = append(ix.seqChunk, len(ix.chunks))
		return ix, nil
	}
	if len(cu) < 2 {
		return nil, fmt.Errorf("%w: cu_seqlens needs at least 2 boundaries, got %d", ErrInvalidLength, len(cu))
	}
	if cu[0] != 0 {
		return nil, fmt.Errorf("%w: cu_seqlens must start at 0, got %d", ErrInvalidLength, cu[0])
	}
	for i := 1; i < len(cu); i++ {
		if cu[i] <= cu[i-1] {
			return nil, fmt.Errorf("%w: cu_seqlens not strictly increasing at %d: %d after %d",
				ErrInvalidLength, i, cu[i], cu[i-1])
		}
	}
	if int(cu[len(cu)-1]) != seqLen {
		return nil, fmt.Errorf("%w: cu_seqlens cover %d rows, inputs have %d",
			ErrInvalidLength, cu[len(cu)-1], seqLen)
	}
	ix.rows = seqLen
	for n := 0; n+1 < len(cu); n++ {
		ix.addSeq(int(cu[n]), int(cu[n+1]-cu[n]))
	}
	ix.seqChunk = append(ix.seqChunk, len(ix.chunks))
	return ix, nil
}
