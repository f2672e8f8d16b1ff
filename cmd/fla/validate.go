package main

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Tgmmmmmmmm/flash-linear-attention/internal/dump"
	"github.com/Tgmmmmmmmm/flash-linear-attention/pkg/gla"
)

// diffRow is one tensor comparison: the aggregate error ratio between the
// chunked and the sequential result, and the tolerance multiplier its
// tensor class carries. Gradient tensors accumulate across two passes and
// tolerate twice the forward error, gate gradients four times.
type diffRow struct {
	name  string
	ratio float64
	scale float64
}

type validateCase struct {
	label  string
	params gla.ForwardParams
}

func validateCmd() *cli.Command {
	var (
		shapeSpec string
		dumpPath  string
		seed      int64
		tolerance float64
	)

	flags := append([]cli.Flag{}, engineFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "shapes",
			Aliases:     []string{"s"},
			Usage:       "comma-separated shapes, each batch x seq_len x q_heads x kv_heads x key_dim x val_dim",
			Value:       "2x512x8x2x64x64",
			Destination: &shapeSpec,
		},
		&cli.StringFlag{
			Name:        "dump",
			Usage:       "read q, k, v, gate and optional initial_state from a dump file instead of synthesizing inputs",
			Destination: &dumpPath,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "input generator seed",
			Value:       42,
			Destination: &seed,
		},
		&cli.Float64Flag{
			Name:        "tolerance",
			Usage:       "error ratio tolerance for outputs (gradients allow 2x, gate gradients 4x)",
			Value:       0.005,
			Destination: &tolerance,
		},
	)

	return &cli.Command{
		Name:  "validate",
		Usage: "Check the chunked kernels against the sequential reference",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyValidateConfig(cmd, cfg, &shapeSpec)
			log := setupLogger()

			chunkedCfg, err := engineConfig("chunked")
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			chunked, err := gla.New(chunkedCfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: configure chunked engine: %v", err), 1)
			}
			refCfg, err := engineConfig("recurrent")
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			reference, err := gla.New(refCfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: configure reference engine: %v", err), 1)
			}

			var cases []validateCase
			if dumpPath != "" {
				f, err := dump.Open(dumpPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: open dump %q: %v", dumpPath, err), 1)
				}
				defer func() { _ = f.Close() }()
				params, err := dumpParams(f)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: dump %q: %v", dumpPath, err), 1)
				}
				cases = append(cases, validateCase{label: dumpPath, params: params})
			} else {
				shapes, err := parseShapes(shapeSpec)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				for _, s := range shapes {
					cases = append(cases, validateCase{
						label:  fmt.Sprintf("%s (seed %d)", s, seed),
						params: synthInputs(s, seed),
					})
				}
			}

			fmt.Println("=== fla validate ===")
			fmt.Printf("Chunked:   tier %s, chunk len %d, workers %d\n", tier, chunked.ChunkLen(), resolvedWorkers())
			fmt.Println("Reference: recurrent")
			log.Debug("validating", "cases", len(cases))

			failed := false
			for _, vc := range cases {
				rows, err := compareEngines(chunked, reference, vc.params, seed)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %s: %v", vc.label, err), 1)
				}
				fmt.Printf("\n--- %s ---\n", vc.label)
				fmt.Printf("%-12s %14s %12s\n", "Tensor", "Error ratio", "Tolerance")
				for _, r := range rows {
					tol := r.scale * tolerance
					verdict := ""
					if math.IsNaN(r.ratio) || r.ratio > tol {
						verdict = "  FAIL"
						failed = true
					}
					fmt.Printf("%-12s %14.3e %12.3e%s\n", r.name, r.ratio, tol, verdict)
				}
			}

			if failed {
				return cli.Exit("error: validation failed", 1)
			}
			fmt.Println("\nvalidation passed")
			return nil
		},
	}
}

// compareEngines runs both engines over the same call, forward then
// backward, and reports the error ratio per tensor. The forward passes
// run concurrently, as do the backward passes.
func compareEngines(chunked, reference *gla.Engine, params gla.ForwardParams, seed int64) ([]diffRow, error) {
	params.OutputFinalState = true

	var chunkedRes, refRes *gla.ForwardResult
	var fwd errgroup.Group
	fwd.Go(func() error {
		var err error
		chunkedRes, err = chunked.Forward(params)
		return err
	})
	fwd.Go(func() error {
		var err error
		refRes, err = reference.Forward(params)
		return err
	})
	if err := fwd.Wait(); err != nil {
		return nil, err
	}

	dOut := synthVec(len(chunkedRes.Output), seed+1)

	var chunkedGrads, refGrads *gla.Gradients
	var bwd errgroup.Group
	bwd.Go(func() error {
		var err error
		chunkedGrads, err = chunked.Backward(chunkedRes, dOut, nil)
		return err
	})
	bwd.Go(func() error {
		var err error
		refGrads, err = reference.Backward(refRes, dOut, nil)
		return err
	})
	if err := bwd.Wait(); err != nil {
		return nil, err
	}

	rows := []diffRow{
		{"output", errRatio(chunkedRes.Output, refRes.Output), 1},
		{"final_state", errRatio(chunkedRes.FinalState, refRes.FinalState), 1},
		{"dq", errRatio(chunkedGrads.DQ, refGrads.DQ), 2},
		{"dk", errRatio(chunkedGrads.DK, refGrads.DK), 2},
		{"dv", errRatio(chunkedGrads.DV, refGrads.DV), 2},
		{"dgate", errRatio(chunkedGrads.DGate, refGrads.DGate), 4},
	}
	if params.InitialState != nil {
		rows = append(rows, diffRow{"dh0", errRatio(chunkedGrads.DInitialState, refGrads.DInitialState), 2})
	}
	return rows, nil
}

// errRatio is the summed absolute difference over the summed reference
// magnitude, the comparison the engine's own equivalence checks use.
func errRatio(got, want []float32) float64 {
	if len(got) != len(want) {
		return math.NaN()
	}
	var diff, ref float64
	for i := range got {
		diff += math.Abs(float64(got[i]) - float64(want[i]))
		ref += math.Abs(float64(want[i]))
	}
	return diff / (ref + 1e-8)
}

// dumpParams assembles a forward call from the q, k, v, gate and optional
// initial_state tensors of a dump file.
func dumpParams(f *dump.File) (gla.ForwardParams, error) {
	q, qs, err := dumpTensor(f, "q")
	if err != nil {
		return gla.ForwardParams{}, err
	}
	k, ks, err := dumpTensor(f, "k")
	if err != nil {
		return gla.ForwardParams{}, err
	}
	v, vs, err := dumpTensor(f, "v")
	if err != nil {
		return gla.ForwardParams{}, err
	}
	gate, gs, err := dumpTensor(f, "gate")
	if err != nil {
		return gla.ForwardParams{}, err
	}
	if len(qs) != 4 || len(ks) != 4 || len(vs) != 4 || len(gs) != 4 {
		return gla.ForwardParams{}, fmt.Errorf("q, k, v and gate must be rank 4, got %d/%d/%d/%d",
			len(qs), len(ks), len(vs), len(gs))
	}
	p := gla.ForwardParams{
		Q:       q,
		K:       k,
		V:       v,
		Gate:    gate,
		Batch:   qs[0],
		SeqLen:  qs[1],
		QHeads:  qs[2],
		KVHeads: ks[2],
		KeyDim:  qs[3],
		ValDim:  vs[3],
	}
	if ks[0] != p.Batch || ks[1] != p.SeqLen || ks[3] != p.KeyDim {
		return gla.ForwardParams{}, fmt.Errorf("k shape %v does not match q shape %v", ks, qs)
	}
	if vs[0] != p.Batch || vs[1] != p.SeqLen || vs[2] != p.KVHeads {
		return gla.ForwardParams{}, fmt.Errorf("v shape %v does not match k shape %v", vs, ks)
	}
	if !slices.Equal(gs, ks) {
		return gla.ForwardParams{}, fmt.Errorf("gate shape %v does not match k shape %v", gs, ks)
	}
	if i, ok := f.Find("initial_state"); ok {
		t, err := f.Tensor(i)
		if err != nil {
			return gla.ForwardParams{}, err
		}
		want := []int{p.Batch, p.KVHeads, p.KeyDim, p.ValDim}
		if !slices.Equal(t.Shape, want) {
			return gla.ForwardParams{}, fmt.Errorf("initial_state shape %v, want %v", t.Shape, want)
		}
		vals, err := f.Float32(i)
		if err != nil {
			return gla.ForwardParams{}, err
		}
		p.InitialState = vals
	}
	return p, nil
}

func dumpTensor(f *dump.File, name string) ([]float32, []int, error) {
	i, ok := f.Find(name)
	if !ok {
		return nil, nil, fmt.Errorf("missing tensor %q", name)
	}
	t, err := f.Tensor(i)
	if err != nil {
		return nil, nil, err
	}
	vals, err := f.Float32(i)
	if err != nil {
		return nil, nil, err
	}
	return vals, t.Shape, nil
}
