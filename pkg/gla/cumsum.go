package gla

import "math"

// Chunk-local decay sums compound hundreds of log-gate values; differences
// below this floor are dead in float32, so safeExp cuts to exact zero
// instead of producing subnormal noise or -Inf downstream.
const safeExpFloor = -80

func safeExp(x float32) float32 {
	if x < safeExpFloor {
		return 0
	}
	return float32(math.Exp(float64(x)))
}

func expf(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// chunkLocalCumsum writes the inclusive per-channel prefix sum of the log
// gate for one chunk into gcum and leaves the chunk total in total. base
// addresses the chunk's first gate row, stride the distance between
// consecutive rows of the same head. Accumulation stays in float32 even
// when the inputs were round-tripped through a narrower storage format.
func chunkLocalCumsum(gcum, total, gate []float32, base, stride, length, width int) {
	for c := range total[:width] {
		total[c] = 0
	}
	off := base
	for i := 0; i < length; i++ {
		src := gate[off : off+width]
		dst := gcum[off : off+width]
		for c, g := range src {
			total[c] += g
			dst[c] = total[c]
		}
		off += stride
	}
}

// revExclusiveSum rewrites each row of the [n, width] block with the sum
// of all rows after it. carry seeds the tail and on return holds the seed
// plus every row's contribution.
func revExclusiveSum(rows []float32, n, width int, carry []float32) {
	for i := n - 1; i >= 0; i-- {
		row := rows[i*width : (i+1)*width]
		for c := range row {
			r := row[c]
			row[c] = carry[c]
			carry[c] += r
		}
	}
}
