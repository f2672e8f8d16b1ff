package gla

import (
	"errors"
	"testing"
)

func validParams() ForwardParams {
	return ForwardParams{
		Q:    make([]float32, 4*2*4),
		K:    make([]float32, 4*1*4),
		V:    make([]float32, 4*1*4),
		Gate: make([]float32, 4*1*4),

		Batch: 1, SeqLen: 4,
		QHeads: 2, KVHeads: 1, KeyDim: 4, ValDim: 4,
	}
}

func TestForwardValidation(t *testing.T) {
	e := newTestEngine(t, Config{})
	if _, err := e.Forward(validParams()); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}

	cases := []struct {
		name string
		mut  func(*ForwardParams)
		want error
	}{
		{"zero val dim", func(p *ForwardParams) { p.ValDim = 0 }, ErrShapeMismatch},
		{"ragged grouping", func(p *ForwardParams) { p.QHeads = 3 }, ErrShapeMismatch},
		{"zero batch", func(p *ForwardParams) { p.Batch = 0 }, ErrShapeMismatch},
		{"short q", func(p *ForwardParams) { p.Q = p.Q[:8] }, ErrShapeMismatch},
		{"short k", func(p *ForwardParams) { p.K = p.K[:8] }, ErrShapeMismatch},
		{"short v", func(p *ForwardParams) { p.V = p.V[:8] }, ErrShapeMismatch},
		{"nil gate", func(p *ForwardParams) { p.Gate = nil }, ErrShapeMismatch},
		{"short gate", func(p *ForwardParams) { p.Gate = p.Gate[:8] }, ErrShapeMismatch},
		{"batched cu_seqlens", func(p *ForwardParams) {
			p.Batch = 2
			p.CuSeqlens = []int32{0, 4}
		}, ErrShapeMismatch},
		{"broken cu_seqlens", func(p *ForwardParams) {
			p.CuSeqlens = []int32{0, 2, 2, 4}
		}, ErrInvalidLength},
		{"wrong initial state", func(p *ForwardParams) {
			p.InitialState = make([]float32, 3)
		}, ErrShapeMismatch},
		{"key dim over max", func(p *ForwardParams) {
			p.KeyDim = 300
			p.Q = make([]float32, 4*2*300)
			p.K = make([]float32, 4*1*300)
			p.Gate = make([]float32, 4*1*300)
		}, ErrUnsupportedConfiguration},
	}
	for _, c := range cases {
		p := validParams()
		c.mut(&p)
		if _, err := e.Forward(p); !errors.Is(err, c.want) {
			t.Fatalf("%s: err = %v, want %v", c.name, err, c.want)
		}
	}
}

func TestBackwardValidation(t *testing.T) {
	e := newTestEngine(t, Config{})

	if _, err := e.Backward(nil, nil, nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("nil result: err = %v, want ErrConfiguration", err)
	}
	if _, err := e.Backward(&ForwardResult{}, nil, nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("empty result: err = %v, want ErrConfiguration", err)
	}

	res, err := e.Forward(validParams())
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if _, err := e.Backward(res, make([]float32, 3), nil); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("short d_output: err = %v, want ErrShapeMismatch", err)
	}
	dOut := make([]float32, len(res.Output))
	if _, err := e.Backward(res, dOut, make([]float32, 3)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("short d_final_state: err = %v, want ErrShapeMismatch", err)
	}
	if _, err := e.Backward(res, dOut, nil); err != nil {
		t.Fatalf("valid backward rejected: %v", err)
	}
}

func TestResolveScale(t *testing.T) {
	p := ForwardParams{KeyDim: 16}
	if got := p.resolveScale(); got != 0.25 {
		t.Fatalf("default scale = %v, want 0.25", got)
	}
	p.Scale = 2
	if got := p.resolveScale(); got != 2 {
		t.Fatalf("explicit scale = %v, want 2", got)
	}
}
