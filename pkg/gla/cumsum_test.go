package gla

import (
	"math"
	"testing"
)

func TestSafeExp(t *testing.T) {
	cases := []struct {
		x, want float32
	}{
		{0, 1},
		{1, float32(math.E)},
		{-1, float32(math.Exp(-1))},
		{-80, float32(math.Exp(-80))},
		{-100, 0},
		{-1000, 0},
	}
	for _, c := range cases {
		got := safeExp(c.x)
		if diff := got - c.want; diff < -1e-6 || diff > 1e-6 {
			t.Fatalf("safeExp(%v) = %v, want %v", c.x, got, c.want)
		}
	}
}

func TestChunkLocalCumsum(t *testing.T) {
	gate := []float32{1, 2, 3, 4, 5, 6}
	gcum := make([]float32, 6)
	total := make([]float32, 2)

	chunkLocalCumsum(gcum, total, gate, 0, 2, 3, 2)
	want := []float32{1, 2, 4, 6, 9, 12}
	for i := range want {
		if gcum[i] != want[i] {
			t.Fatalf("gcum[%d] = %v, want %v", i, gcum[i], want[i])
		}
	}
	if total[0] != 9 || total[1] != 12 {
		t.Fatalf("total = %v, want [9 12]", total)
	}

	// total restarts on every call, the running sum never leaks across
	// chunks.
	chunkLocalCumsum(gcum, total, []float32{10, 20}, 0, 2, 1, 2)
	if total[0] != 10 || total[1] != 20 {
		t.Fatalf("total = %v after restart, want [10 20]", total)
	}
}

// Rows of one head are strided by the full head dimension; the walk must
// not touch the interleaved heads.
func TestChunkLocalCumsumStrided(t *testing.T) {
	// [2 rows, 2 heads, 2 channels], head 1 at base 2 with stride 4.
	gate := []float32{1, 1, 10, 20, 2, 2, 30, 40}
	gcum := make([]float32, 8)
	total := make([]float32, 2)

	chunkLocalCumsum(gcum, total, gate, 2, 4, 2, 2)
	if gcum[2] != 10 || gcum[3] != 20 || gcum[6] != 40 || gcum[7] != 60 {
		t.Fatalf("head 1 gcum = %v", gcum)
	}
	for _, i := range []int{0, 1, 4, 5} {
		if gcum[i] != 0 {
			t.Fatalf("head 0 slot %d written: %v", i, gcum[i])
		}
	}
	if total[0] != 40 || total[1] != 60 {
		t.Fatalf("total = %v, want [40 60]", total)
	}
}

func TestRevExclusiveSum(t *testing.T) {
	rows := []float32{1, 2, 3, 4, 5, 6}
	carry := make([]float32, 2)

	revExclusiveSum(rows, 3, 2, carry)
	want := []float32{8, 10, 5, 6, 0, 0}
	for i := range want {
		if rows[i] != want[i] {
			t.Fatalf("rows[%d] = %v, want %v", i, rows[i], want[i])
		}
	}
	if carry[0] != 9 || carry[1] != 12 {
		t.Fatalf("carry = %v, want [9 12]", carry)
	}
}

func TestRevExclusiveSumSeeded(t *testing.T) {
	rows := []float32{1, 2, 3, 4, 5, 6}
	carry := []float32{10, 20}

	revExclusiveSum(rows, 3, 2, carry)
	want := []float32{18, 30, 15, 26, 10, 20}
	for i := range want {
		if rows[i] != want[i] {
			t.Fatalf("rows[%d] = %v, want %v", i, rows[i], want[i])
		}
	}
	if carry[0] != 19 || carry[1] != 32 {
		t.Fatalf("carry = %v, want [19 32]", carry)
	}
}
