package main

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/Tgmmmmmmmm/flash-linear-attention/pkg/gla"
)

// shape is one synthetic problem size: batch, sequence length, query
// heads, kv heads, key width and value width.
type shape struct {
	batch   int
	seqLen  int
	qHeads  int
	kvHeads int
	keyDim  int
	valDim  int
}

func (s shape) String() string {
	return fmt.Sprintf("%dx%dx%dx%dx%dx%d", s.batch, s.seqLen, s.qHeads, s.kvHeads, s.keyDim, s.valDim)
}

func (s shape) rows() int { return s.batch * s.seqLen }

// parseShape reads a batch x seq_len x q_heads x kv_heads x key_dim x
// val_dim spec such as 2x512x8x2x64x64.
func parseShape(spec string) (shape, error) {
	parts := strings.Split(spec, "x")
	if len(parts) != 6 {
		return shape{}, fmt.Errorf("shape %q: want batch x seq_len x q_heads x kv_heads x key_dim x val_dim", spec)
	}
	var dims [6]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 {
			return shape{}, fmt.Errorf("shape %q: %q is not a positive integer", spec, p)
		}
		dims[i] = n
	}
	return shape{
		batch:   dims[0],
		seqLen:  dims[1],
		qHeads:  dims[2],
		kvHeads: dims[3],
		keyDim:  dims[4],
		valDim:  dims[5],
	}, nil
}

// parseShapes splits a comma-separated list of shape specs.
func parseShapes(list string) ([]shape, error) {
	var shapes []shape
	for _, spec := range strings.Split(list, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		s, err := parseShape(spec)
		if err != nil {
			return nil, err
		}
		shapes = append(shapes, s)
	}
	if len(shapes) == 0 {
		return nil, fmt.Errorf("no shapes in %q", list)
	}
	return shapes, nil
}

// synthInputs builds deterministic pseudo-random inputs for one shape.
// Gates hold logs of per-channel decays drawn from [0.95, 1) so state
// magnitudes stay bounded over long sequences.
func synthInputs(s shape, seed int64) gla.ForwardParams {
	rng := rand.New(rand.NewSource(seed))
	rows := s.rows()
	q := make([]float32, rows*s.qHeads*s.keyDim)
	for i := range q {
		q[i] = rng.Float32()*2 - 1
	}
	k := make([]float32, rows*s.kvHeads*s.keyDim)
	for i := range k {
		k[i] = rng.Float32()*2 - 1
	}
	v := make([]float32, rows*s.kvHeads*s.valDim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	gate := make([]float32, rows*s.kvHeads*s.keyDim)
	for i := range gate {
		gate[i] = float32(math.Log(0.95 + 0.05*rng.Float64()))
	}
	return gla.ForwardParams{
		Q:       q,
		K:       k,
		V:       v,
		Gate:    gate,
		Batch:   s.batch,
		SeqLen:  s.seqLen,
		QHeads:  s.qHeads,
		KVHeads: s.kvHeads,
		KeyDim:  s.keyDim,
		ValDim:  s.valDim,
	}
}

// synthVec fills a deterministic pseudo-random vector in [-1, 1).
func synthVec(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}
