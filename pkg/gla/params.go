package gla

import (
	"fmt"
	"math"
)

// ForwardParams carries one forward call. Tensors are flat row-major
// float32 slices:
//
//	Q    [Batch, SeqLen, QHeads,  KeyDim]
//	K    [Batch, SeqLen, KVHeads, KeyDim]
//	V    [Batch, SeqLen, KVHeads, ValDim]
//	Gate [Batch, SeqLen, KVHeads, KeyDim]  log-space decay per key channel
//
// With grouped queries (QHeads a multiple of KVHeads) query head h reads
// kv head h*KVHeads/QHeads.
type ForwardParams struct {
	Q, K, V, Gate []float32

	Batch  int
	SeqLen int

	// CuSeqlens switches to the variable-length layout: Batch must be 1
	// and the SeqLen rows are the concatenation of len(CuSeqlens)-1
	// sequences delimited by consecutive boundaries.
	CuSeqlens []int32

	QHeads  int
	KVHeads int
	KeyDim  int
	ValDim  int

	// Scale multiplies every attention score; zero means 1/sqrt(KeyDim).
	Scale float32

	// InitialState optionally starts the recurrence from an
	// [N, KVHeads, KeyDim, ValDim] state, N the number of sequences.
	InitialState []float32

	OutputFinalState bool
}

func (p *ForwardParams) resolveScale() float32 {
	if p.Scale != 0 {
		return p.Scale
	}
	return float32(1 / math.Sqrt(float64(p.KeyDim)))
}

// numSeqs is the state count N: batch for fixed shapes, boundary count
// minus one for variable-length calls.
func (p *ForwardParams) numSeqs() int {
	if p.CuSeqlens != nil {
		return len(p.CuSeqlens) - 1
	}
	return p.Batch
}

// decayedQ holds query rows pre-multiplied by exp(gcum)*scale. The struct
// wrapper keeps a raw query slice from being passed where the decayed
// projection is required.
type decayedQ struct{ rows []float32 }

// decayedK holds key rows pre-multiplied by exp(total-gcum).
type decayedK struct{ rows []float32 }

// ForwardResult carries the forward outputs plus the retained inputs the
// backward pass consumes: the call parameters, the chunk layout, the
// decayed projections, the pre-chunk state snapshots and the intra-chunk
// interaction matrices. Results are immutable once returned.
type ForwardResult struct {
	// Output is [Batch, SeqLen, QHeads, ValDim].
	Output []float32
	// FinalState is [N, KVHeads, KeyDim, ValDim] when requested, else nil.
	FinalState []float32

	params ForwardParams
	scale  float32
	idx    *chunkIndex

	gcum      []float32 // [rows, KVHeads, KeyDim] chunk-local gate cumsum
	gn        []float32 // [chunks, KVHeads, KeyDim] chunk totals
	qg        decayedQ  // [rows, QHeads, KeyDim]
	kg        decayedK  // [rows, KVHeads, KeyDim]
	snapshots []float32 // [chunks, KVHeads, KeyDim, ValDim] state before each chunk
	amat      []float32 // [chunks, QHeads, chunkLen, chunkLen] causal interactions
}

// Gradients holds the backward outputs, shaped like their forward
// counterparts.
type Gradients struct {
	DQ, DK, DV, DGate []float32
	// DInitialState is nil unless InitialState was supplied.
	DInitialState []float32
}

// validateForward checks the whole call before any work is dispatched and
// returns the chunk layout. Shape defects, boundary defects and the key
// ceiling map to ErrShapeMismatch, ErrInvalidLength and
// ErrUnsupportedConfiguration in that order.
func (e *Engine) validateForward(p *ForwardParams) (*chunkIndex, error) {
	if p.QHeads < 1 || p.KVHeads < 1 || p.KeyDim < 1 || p.ValDim < 1 {
		return nil, fmt.Errorf("%w: non-positive dimensions q_heads=%d kv_heads=%d key_dim=%d val_dim=%d",
			ErrShapeMismatch, p.QHeads, p.KVHeads, p.KeyDim, p.ValDim)
	}
	if p.QHeads%p.KVHeads != 0 {
		return nil, fmt.Errorf("%w: %d query heads not a multiple of %d kv heads",
			ErrShapeMismatch, p.QHeads, p.KVHeads)
	}
	if p.CuSeqlens != nil && p.Batch != 1 {
		return nil, fmt.Errorf("%w: cu_seqlens requires batch 1, got %d", ErrShapeMismatch, p.Batch)
	}
	if p.Batch < 1 || p.SeqLen < 1 {
		return nil, fmt.Errorf("%w: non-positive batch %d or seq_len %d", ErrShapeMismatch, p.Batch, p.SeqLen)
	}
	rows := p.Batch * p.SeqLen
	if want := rows * p.QHeads * p.KeyDim; len(p.Q) != want {
		return nil, fmt.Errorf("%w: q has %d elements, want %d", ErrShapeMismatch, len(p.Q), want)
	}
	if want := rows * p.KVHeads * p.KeyDim; len(p.K) != want {
		return nil, fmt.Errorf("%w: k has %d elements, want %d", ErrShapeMismatch, len(p.K), want)
	}
	if want := rows * p.KVHeads * p.ValDim; len(p.V) != want {
		return nil, fmt.Errorf("%w: v has %d elements, want %d", ErrShapeMismatch, len(p.V), want)
	}
	if p.Gate == nil {
		return nil, fmt.Errorf("%w: gate is required", ErrShapeMismatch)
	}
	if want := rows * p.KVHeads * p.KeyDim; len(p.Gate) != want {
		return nil, fmt.Errorf("%w: gate has %d elements, want %d", ErrShapeMismatch, len(p.Gate), want)
	}
	idx, err := buildChunkIndex(p.Batch, p.SeqLen, p.CuSeqlens, e.tiles.chunkLen)
	if err != nil {
		return nil, err
	}
	if p.InitialState != nil {
		if want := idx.numSeqs() * p.KVHeads * p.KeyDim * p.ValDim; len(p.InitialState) != want {
			return nil, fmt.Errorf("%w: initial state has %d elements, want %d",
				ErrShapeMismatch, len(p.InitialState), want)
		}
	}
	if p.KeyDim > maxKeyWidth {
		return nil, fmt.Errorf("%w: key dimension %d exceeds the single-block maximum %d",
			ErrUnsupportedConfiguration, p.KeyDim, maxKeyWidth)
	}
	return idx, nil
}

func validateBackward(res *ForwardResult, dOut, dFinalState []float32) error {
	if res == nil || res.idx == nil {
		return fmt.Errorf("%w: backward needs a result from a completed forward pass", ErrConfiguration)
	}
	if len(dOut) != len(res.Output) {
		return fmt.Errorf("%w: d_output has %d elements, output has %d",
			ErrShapeMismatch, len(dOut), len(res.Output))
	}
	if dFinalState != nil {
		p := &res.params
		if want := res.idx.numSeqs() * p.KVHeads * p.KeyDim * p.ValDim; len(dFinalState) != want {
			return fmt.Errorf("%w: d_final_state has %d elements, want %d",
				ErrShapeMismatch, len(dFinalState), want)
		}
	}
	return nil
}
