package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/Tgmmmmmmmm/flash-linear-attention/internal/dump"
)

func inspectCmd() *cli.Command {
	var (
		dumpPath string
		filter   string
		limit    int64
		stats    bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of a tensor dump file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "dump",
				Aliases:     []string{"d"},
				Usage:       "path to dump file",
				Destination: &dumpPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "substring filter for tensor listing",
				Destination: &filter,
			},
			&cli.Int64Flag{
				Name:        "limit",
				Usage:       "limit tensor listing (0 = no limit)",
				Value:       50,
				Destination: &limit,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "decode each listed tensor and show min/max/mean",
				Destination: &stats,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := os.Stat(dumpPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat dump path %q: %v", dumpPath, err), 1)
			}

			f, err := dump.Open(dumpPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open dump: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			fmt.Printf("Dump Inspect: %s\n", dumpPath)
			fmt.Printf("File: %s (%s)\n", filepath.Base(dumpPath), formatBytes(uint64(st.Size())))

			count := f.Count()
			dtypeCounts := map[dump.DType]int{}
			dtypeBytes := map[dump.DType]uint64{}
			var total uint64
			for i := range count {
				t, err := f.Tensor(i)
				if err != nil {
					continue
				}
				dtypeCounts[t.DType]++
				dtypeBytes[t.DType] += uint64(t.Size())
				total += uint64(t.Size())
			}

			section("Summary")
			row("tensors", strconv.Itoa(count))
			row("data_size", formatBytes(total))
			for _, dt := range []dump.DType{dump.F32, dump.F16, dump.BF16} {
				if n := dtypeCounts[dt]; n > 0 {
					row("dtype_"+dt.String(), fmt.Sprintf("%d (%s)", n, formatBytes(dtypeBytes[dt])))
				}
			}

			section("Tensors")
			printed := 0
			for i := range count {
				t, err := f.Tensor(i)
				if err != nil {
					continue
				}
				if filter != "" && !strings.Contains(t.Name, filter) {
					continue
				}
				line := fmt.Sprintf("%-16s dtype=%-4s shape=%s size=%s",
					t.Name, t.DType, formatShape(t.Shape), formatBytes(uint64(t.Size())))
				if stats {
					if vals, err := f.Float32(i); err == nil {
						line += " " + tensorStats(vals)
					}
				}
				fmt.Println(line)
				printed++
				if limit > 0 && printed >= int(limit) {
					break
				}
			}
			if limit > 0 && printed < count {
				fmt.Printf("... (%d shown of %d)\n", printed, count)
			}

			return nil
		},
	}
}

// tensorStats summarizes a decoded tensor for the listing.
func tensorStats(vals []float32) string {
	if len(vals) == 0 {
		return "min=- max=- mean=-"
	}
	mn, mx := vals[0], vals[0]
	var sum float64
	for _, v := range vals {
		if v < mn {
			mn = v
		}
		if v > mx {
			mx = v
		}
		sum += float64(v)
	}
	return fmt.Sprintf("min=%g max=%g mean=%g", mn, mx, sum/float64(len(vals)))
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-12s %s\n", label+":", value)
}

func formatShape(shape []int) string {
	if len(shape) == 0 {
		return "[]"
	}
	parts := make([]string, len(shape))
	for i, v := range shape {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
