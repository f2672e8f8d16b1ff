package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/Tgmmmmmmmm/flash-linear-attention/internal/dump"
	"github.com/Tgmmmmmmmm/flash-linear-attention/internal/logger"
	"github.com/Tgmmmmmmmm/flash-linear-attention/pkg/gla"
)

type runStat struct {
	FwdRowsPerSec float64 `json:"forward_rows_per_sec"`
	BwdRowsPerSec float64 `json:"backward_rows_per_sec,omitempty"`
	DurationMS    float64 `json:"duration_ms"`
}

type shapeReport struct {
	Shape         string    `json:"shape"`
	Rows          int       `json:"rows"`
	Runs          []runStat `json:"runs"`
	AvgFwdRowsSec float64   `json:"avg_forward_rows_per_sec"`
	AvgBwdRowsSec float64   `json:"avg_backward_rows_per_sec,omitempty"`
}

type benchReport struct {
	RunID    string        `json:"run_id"`
	Mode     string        `json:"mode"`
	Tier     string        `json:"tier"`
	ChunkLen int           `json:"chunk_len"`
	Workers  int           `json:"workers"`
	Warmup   int           `json:"warmup"`
	Runs     int           `json:"runs"`
	Seed     int64         `json:"seed"`
	Shapes   []shapeReport `json:"shapes"`
}

func benchCmd() *cli.Command {
	var (
		mode       string
		shapeSpec  string
		warmupRuns int64
		benchRuns  int64
		seed       int64
		withBwd    bool
		jsonOut    bool
		dumpOut    string
	)

	flags := append([]cli.Flag{}, engineFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "kernel mode (chunked, recurrent)",
			Value:       "chunked",
			Destination: &mode,
		},
		&cli.StringFlag{
			Name:        "shapes",
			Aliases:     []string{"s"},
			Usage:       "comma-separated shapes, each batch x seq_len x q_heads x kv_heads x key_dim x val_dim",
			Value:       "2x1024x8x2x64x64",
			Destination: &shapeSpec,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs per shape",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs per shape",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "input generator seed",
			Value:       42,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "backward",
			Usage:       "time the backward pass as well",
			Destination: &withBwd,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "emit the report as JSON on stdout",
			Destination: &jsonOut,
		},
		&cli.StringFlag{
			Name:        "dump-out",
			Usage:       "write inputs and outputs of the last run to a dump file (single shape only)",
			Destination: &dumpOut,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Run engine throughput benchmarks on synthetic shapes",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyBenchConfig(cmd, cfg, &mode, &warmupRuns, &benchRuns, &shapeSpec)
			log := setupLogger()

			shapes, err := parseShapes(shapeSpec)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if dumpOut != "" && len(shapes) != 1 {
				return cli.Exit("error: --dump-out needs exactly one shape", 1)
			}

			engCfg, err := engineConfig(mode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			eng, err := gla.New(engCfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: configure engine: %v", err), 1)
			}

			report := benchReport{
				RunID:    "bench_" + uuid.NewString(),
				Mode:     eng.Mode().String(),
				Tier:     tier,
				ChunkLen: eng.ChunkLen(),
				Workers:  resolvedWorkers(),
				Warmup:   int(warmupRuns),
				Runs:     int(benchRuns),
				Seed:     seed,
			}

			if !jsonOut {
				fmt.Println("=== fla bench ===")
				fmt.Printf("Run ID:    %s\n", report.RunID)
				fmt.Printf("Mode:      %s\n", report.Mode)
				fmt.Printf("Tier:      %s\n", report.Tier)
				fmt.Printf("Chunk len: %d\n", report.ChunkLen)
				fmt.Printf("Workers:   %d\n", report.Workers)
				fmt.Printf("CPUs:      %d\n", runtime.NumCPU())
				fmt.Printf("Warmup:    %d runs\n", warmupRuns)
				fmt.Printf("Runs:      %d\n", benchRuns)
				fmt.Println()
			}

			for _, s := range shapes {
				sr, err := benchShape(log, eng, s, int(warmupRuns), int(benchRuns), seed, withBwd, dumpOut)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: shape %s: %v", s, err), 1)
				}
				report.Shapes = append(report.Shapes, sr)
				if !jsonOut {
					printShapeTable(sr, withBwd)
				}
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return cli.Exit(fmt.Sprintf("error: encode report: %v", err), 1)
				}
				return nil
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("Memory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))

			return nil
		},
	}
}

func benchShape(log logger.Logger, eng *gla.Engine, s shape, warmup, runs int, seed int64, withBwd bool, dumpOut string) (shapeReport, error) {
	params := synthInputs(s, seed)
	if dumpOut != "" {
		params.OutputFinalState = true
	}

	for i := range warmup {
		log.Debug("warmup run", "shape", s.String(), "run", i+1)
		if _, err := eng.Forward(params); err != nil {
			return shapeReport{}, fmt.Errorf("warmup run %d: %w", i+1, err)
		}
	}

	var dOut []float32
	if withBwd {
		dOut = make([]float32, s.rows()*s.qHeads*s.valDim)
		for i := range dOut {
			dOut[i] = 1
		}
	}

	sr := shapeReport{Shape: s.String(), Rows: s.rows()}
	var lastRes *gla.ForwardResult
	var sumFwd, sumBwd float64
	for i := range runs {
		log.Debug("bench run", "shape", s.String(), "run", i+1)
		start := time.Now()
		res, err := eng.Forward(params)
		if err != nil {
			return shapeReport{}, fmt.Errorf("bench run %d: %w", i+1, err)
		}
		fwd := time.Since(start)

		var bwd time.Duration
		if withBwd {
			start = time.Now()
			if _, err := eng.Backward(res, dOut, nil); err != nil {
				return shapeReport{}, fmt.Errorf("backward run %d: %w", i+1, err)
			}
			bwd = time.Since(start)
		}

		st := runStat{
			FwdRowsPerSec: float64(sr.Rows) / fwd.Seconds(),
			DurationMS:    float64((fwd + bwd).Microseconds()) / 1000,
		}
		if withBwd {
			st.BwdRowsPerSec = float64(sr.Rows) / bwd.Seconds()
			sumBwd += st.BwdRowsPerSec
		}
		sumFwd += st.FwdRowsPerSec
		sr.Runs = append(sr.Runs, st)
		lastRes = res
	}

	n := float64(len(sr.Runs))
	sr.AvgFwdRowsSec = sumFwd / n
	if withBwd {
		sr.AvgBwdRowsSec = sumBwd / n
	}

	if dumpOut != "" {
		if lastRes == nil {
			return shapeReport{}, fmt.Errorf("no completed runs to dump")
		}
		if err := writeBenchDump(dumpOut, s, params, lastRes); err != nil {
			return shapeReport{}, fmt.Errorf("write dump: %w", err)
		}
		log.Info("wrote bench dump", "path", dumpOut)
	}
	return sr, nil
}

func printShapeTable(sr shapeReport, withBwd bool) {
	fmt.Printf("--- %s (%d rows) ---\n", sr.Shape, sr.Rows)
	if withBwd {
		fmt.Printf("%-6s %14s %14s %12s\n", "Run", "Fwd", "Bwd", "Duration")
		fmt.Printf("%-6s %14s %14s %12s\n", "---", "rows/s", "rows/s", "")
		for i, r := range sr.Runs {
			fmt.Printf("%-6d %14.2f %14.2f %10.1fms\n", i+1, r.FwdRowsPerSec, r.BwdRowsPerSec, r.DurationMS)
		}
		fmt.Printf("\n%-6s %14.2f %14.2f\n\n", "Avg", sr.AvgFwdRowsSec, sr.AvgBwdRowsSec)
		return
	}
	fmt.Printf("%-6s %14s %12s\n", "Run", "Fwd", "Duration")
	fmt.Printf("%-6s %14s %12s\n", "---", "rows/s", "")
	for i, r := range sr.Runs {
		fmt.Printf("%-6d %14.2f %10.1fms\n", i+1, r.FwdRowsPerSec, r.DurationMS)
	}
	fmt.Printf("\n%-6s %14.2f\n\n", "Avg", sr.AvgFwdRowsSec)
}

// writeBenchDump records the bench inputs and the last run's outputs so
// the validate command can replay them.
func writeBenchDump(path string, s shape, p gla.ForwardParams, res *gla.ForwardResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := dump.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	tensors := []struct {
		name  string
		shape []int
		data  []float32
	}{
		{"q", []int{s.batch, s.seqLen, s.qHeads, s.keyDim}, p.Q},
		{"k", []int{s.batch, s.seqLen, s.kvHeads, s.keyDim}, p.K},
		{"v", []int{s.batch, s.seqLen, s.kvHeads, s.valDim}, p.V},
		{"gate", []int{s.batch, s.seqLen, s.kvHeads, s.keyDim}, p.Gate},
		{"output", []int{s.batch, s.seqLen, s.qHeads, s.valDim}, res.Output},
		{"final_state", []int{s.batch, s.kvHeads, s.keyDim, s.valDim}, res.FinalState},
	}
	for _, t := range tensors {
		if err := w.Append(t.name, dump.F32, t.shape, t.data); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Finalise(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
