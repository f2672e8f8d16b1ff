package gla

import (
	"fmt"
	"math"
)

// FeatureMap names the query/key transform a layer applies before the
// recurrence. The engine never applies one; the stateless maps have
// reference implementations here, the learned ones carry parameters the
// layer owns and are validated by identifier only.
type FeatureMap int

const (
	FeatureIdentity FeatureMap = iota
	FeatureELU
	FeatureReLU
	FeatureHedgehog
	FeatureT2R
	FeatureDPFP
	FeatureHadamard
)

func (f FeatureMap) String() string {
	switch f {
	case FeatureIdentity:
		return "identity"
	case FeatureELU:
		return "elu"
	case FeatureReLU:
		return "relu"
	case FeatureHedgehog:
		return "hedgehog"
	case FeatureT2R:
		return "t2r"
	case FeatureDPFP:
		return "dpfp"
	case FeatureHadamard:
		return "hadamard"
	}
	return fmt.Sprintf("feature_map(%d)", int(f))
}

// OutputNorm names the normalization applied to the recurrence output.
type OutputNorm int

const (
	NormIdentity OutputNorm = iota
	NormRMS
)

func (n OutputNorm) String() string {
	switch n {
	case NormIdentity:
		return "identity"
	case NormRMS:
		return "rms"
	}
	return fmt.Sprintf("output_norm(%d)", int(n))
}

// ApplyFeatureMap transforms projection rows in place. ELU is the
// shifted exponential linear unit elu(x)+1, keeping scores positive.
func ApplyFeatureMap(f FeatureMap, x []float32) error {
	switch f {
	case FeatureIdentity:
		return nil
	case FeatureELU:
		for i, v := range x {
			if v <= 0 {
				x[i] = expf(v)
			} else {
				x[i] = v + 1
			}
		}
		return nil
	case FeatureReLU:
		for i, v := range x {
			if v < 0 {
				x[i] = 0
			}
		}
		return nil
	case FeatureHedgehog, FeatureT2R, FeatureDPFP, FeatureHadamard:
		return fmt.Errorf("%w: feature map %s needs learned parameters", ErrUnsupportedConfiguration, f)
	}
	return fmt.Errorf("%w: unknown feature map %d", ErrConfiguration, int(f))
}

// ApplyOutputNorm normalizes each width-wide row in place. NormRMS is the
// unweighted root-mean-square norm; affine weights are the layer's.
func ApplyOutputNorm(n OutputNorm, x []float32, width int) error {
	switch n {
	case NormIdentity:
		return nil
	case NormRMS:
		if width < 1 || len(x)%width != 0 {
			return fmt.Errorf("%w: rows of width %d do not tile %d values", ErrShapeMismatch, width, len(x))
		}
		for off := 0; off < len(x); off += width {
			row := x[off : off+width]
			var ss float64
			for _, v := range row {
				ss += float64(v) * float64(v)
			}
			inv := float32(1 / math.Sqrt(ss/float64(width)+1e-6))
			for i := range row {
				row[i] *= inv
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown output norm %d", ErrConfiguration, int(n))
}

// LayerSpec is the static wiring of one attention layer built on the
// engine. Validation is eager and side-effect free; the layer's learned
// parameters never pass through here.
type LayerSpec struct {
	QHeads  int
	KVHeads int
	KeyDim  int
	ValDim  int

	FeatureMap FeatureMap
	Norm       OutputNorm
	Mode       Mode
}

func (s LayerSpec) Validate() error {
	if s.QHeads < 1 || s.KVHeads < 1 || s.KeyDim < 1 || s.ValDim < 1 {
		return fmt.Errorf("%w: non-positive layer dimensions q_heads=%d kv_heads=%d key_dim=%d val_dim=%d",
			ErrConfiguration, s.QHeads, s.KVHeads, s.KeyDim, s.ValDim)
	}
	if s.QHeads%s.KVHeads != 0 {
		return fmt.Errorf("%w: %d query heads not a multiple of %d kv heads",
			ErrConfiguration, s.QHeads, s.KVHeads)
	}
	if s.KeyDim > maxKeyWidth {
		return fmt.Errorf("%w: key dimension %d exceeds the single-block maximum %d",
			ErrUnsupportedConfiguration, s.KeyDim, maxKeyWidth)
	}
	switch s.FeatureMap {
	case FeatureIdentity, FeatureELU, FeatureReLU, FeatureHedgehog, FeatureT2R, FeatureDPFP, FeatureHadamard:
	default:
		return fmt.Errorf("%w: unknown feature map %d", ErrConfiguration, int(s.FeatureMap))
	}
	switch s.Norm {
	case NormIdentity, NormRMS:
	default:
		return fmt.Errorf("%w: unknown output norm %d", ErrConfiguration, int(s.Norm))
	}
	switch s.Mode {
	case ModeChunked, ModeRecurrent:
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrConfiguration, int(s.Mode))
	}
	return nil
}
