package gla

import (
	"errors"
	"testing"
)

func TestChunkIndexFixed(t *testing.T) {
	ix, err := buildChunkIndex(2, 50, nil, 32)
	if err != nil {
		t.Fatalf("buildChunkIndex: %v", err)
	}
	if ix.rows != 100 || ix.numSeqs() != 2 || ix.numChunks() != 4 {
		t.Fatalf("rows=%d seqs=%d chunks=%d", ix.rows, ix.numSeqs(), ix.numChunks())
	}
	want := []chunkDesc{
		{seq: 0, index: 0, bos: 0, length: 32},
		{seq: 0, index: 1, bos: 32, length: 18},
		{seq: 1, index: 0, bos: 50, length: 32},
		{seq: 1, index: 1, bos: 82, length: 18},
	}
	for i, w := range want {
		if ix.chunks[i] != w {
			t.Fatalf("chunk %d = %+v, want %+v", i, ix.chunks[i], w)
		}
	}
	if lo, hi := ix.seqChunks(0); lo != 0 || hi != 2 {
		t.Fatalf("seqChunks(0) = (%d, %d)", lo, hi)
	}
	if lo, hi := ix.seqChunks(1); lo != 2 || hi != 4 {
		t.Fatalf("seqChunks(1) = (%d, %d)", lo, hi)
	}
	if ix.maxSeqChunks() != 2 {
		t.Fatalf("maxSeqChunks = %d", ix.maxSeqChunks())
	}
}

func TestChunkIndexVarlen(t *testing.T) {
	cu := []int32{0, 15, 16, 69, 211, 300}
	ix, err := buildChunkIndex(1, 300, cu, 64)
	if err != nil {
		t.Fatalf("buildChunkIndex: %v", err)
	}
	if ix.numSeqs() != 5 || ix.numChunks() != 8 || ix.maxSeqChunks() != 3 {
		t.Fatalf("seqs=%d chunks=%d max=%d", ix.numSeqs(), ix.numChunks(), ix.maxSeqChunks())
	}
	for n := 0; n < ix.numSeqs(); n++ {
		lo, hi := ix.seqChunks(n)
		if hi <= lo {
			t.Fatalf("seq %d has no chunks", n)
		}
		bos, covered := int(cu[n]), 0
		for i := lo; i < hi; i++ {
			ck := ix.chunks[i]
			if ck.seq != n || ck.index != i-lo {
				t.Fatalf("chunk %d = %+v, want seq %d index %d", i, ck, n, i-lo)
			}
			if ck.bos != bos+covered {
				t.Fatalf("chunk %d bos = %d, want %d", i, ck.bos, bos+covered)
			}
			if ck.length < 1 || ck.length > 64 {
				t.Fatalf("chunk %d length = %d", i, ck.length)
			}
			if ck.length < 64 && i != hi-1 {
				t.Fatalf("short chunk %d is not the last of seq %d", i, n)
			}
			covered += ck.length
		}
		if covered != int(cu[n+1]-cu[n]) {
			t.Fatalf("seq %d covers %d rows, want %d", n, covered, cu[n+1]-cu[n])
		}
	}
}

func TestChunkIndexBoundaryErrors(t *testing.T) {
	cases := []struct {
		name   string
		seqLen int
		cu     []int32
	}{
		{"too few boundaries", 10, []int32{0}},
		{"nonzero start", 10, []int32{5, 10}},
		{"repeated boundary", 10, []int32{0, 4, 4, 10}},
		{"decreasing boundary", 10, []int32{0, 6, 4, 10}},
		{"rows uncovered", 20, []int32{0, 10}},
	}
	for _, c := range cases {
		if _, err := buildChunkIndex(1, c.seqLen, c.cu, 32); !errors.Is(err, ErrInvalidLength) {
			t.Fatalf("%s: err = %v, want ErrInvalidLength", c.name, err)
		}
	}
}
