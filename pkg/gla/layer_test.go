package gla

import (
	"errors"
	"math"
	"testing"
)

func TestApplyFeatureMapELU(t *testing.T) {
	x := []float32{-1, 0, 2}
	if err := ApplyFeatureMap(FeatureELU, x); err != nil {
		t.Fatalf("ApplyFeatureMap: %v", err)
	}
	want := []float32{float32(math.Exp(-1)), 1, 3}
	for i := range want {
		if diff := x[i] - want[i]; diff < -1e-6 || diff > 1e-6 {
			t.Fatalf("x[%d] = %v, want %v", i, x[i], want[i])
		}
	}
}

func TestApplyFeatureMapReLU(t *testing.T) {
	x := []float32{-3, 0, 2.5}
	if err := ApplyFeatureMap(FeatureReLU, x); err != nil {
		t.Fatalf("ApplyFeatureMap: %v", err)
	}
	want := []float32{0, 0, 2.5}
	for i := range want {
		if x[i] != want[i] {
			t.Fatalf("x[%d] = %v, want %v", i, x[i], want[i])
		}
	}
}

func TestApplyFeatureMapLearned(t *testing.T) {
	for _, f := range []FeatureMap{FeatureHedgehog, FeatureT2R, FeatureDPFP, FeatureHadamard} {
		err := ApplyFeatureMap(f, []float32{1})
		if !errors.Is(err, ErrUnsupportedConfiguration) {
			t.Fatalf("%v: err = %v, want ErrUnsupportedConfiguration", f, err)
		}
	}
	if err := ApplyFeatureMap(FeatureMap(99), []float32{1}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("unknown map: err = %v, want ErrConfiguration", err)
	}
}

func TestApplyOutputNormRMS(t *testing.T) {
	x := []float32{3, 4, 0, 0}
	if err := ApplyOutputNorm(NormRMS, x, 2); err != nil {
		t.Fatalf("ApplyOutputNorm: %v", err)
	}
	rms := float32(math.Sqrt(12.5 + 1e-6))
	want := []float32{3 / rms, 4 / rms, 0, 0}
	for i := range want {
		if diff := x[i] - want[i]; diff < -1e-5 || diff > 1e-5 {
			t.Fatalf("x[%d] = %v, want %v", i, x[i], want[i])
		}
	}

	if err := ApplyOutputNorm(NormRMS, []float32{1, 2, 3}, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("ragged rows: err = %v, want ErrShapeMismatch", err)
	}
	if err := ApplyOutputNorm(OutputNorm(9), x, 2); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("unknown norm: err = %v, want ErrConfiguration", err)
	}
}

func TestLayerSpecValidate(t *testing.T) {
	base := LayerSpec{QHeads: 8, KVHeads: 2, KeyDim: 64, ValDim: 128}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	cases := []struct {
		name string
		mut  func(*LayerSpec)
		want error
	}{
		{"zero heads", func(s *LayerSpec) { s.QHeads = 0 }, ErrConfiguration},
		{"ragged grouping", func(s *LayerSpec) { s.QHeads = 6; s.KVHeads = 4 }, ErrConfiguration},
		{"key dim over max", func(s *LayerSpec) { s.KeyDim = 512 }, ErrUnsupportedConfiguration},
		{"unknown feature map", func(s *LayerSpec) { s.FeatureMap = FeatureMap(99) }, ErrConfiguration},
		{"unknown norm", func(s *LayerSpec) { s.Norm = OutputNorm(9) }, ErrConfiguration},
		{"unknown mode", func(s *LayerSpec) { s.Mode = Mode(9) }, ErrConfiguration},
	}
	for _, c := range cases {
		s := base
		c.mut(&s)
		if err := s.Validate(); !errors.Is(err, c.want) {
			t.Fatalf("%s: err = %v, want %v", c.name, err, c.want)
		}
	}
}
