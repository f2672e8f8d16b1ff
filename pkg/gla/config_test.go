package gla

import (
	"errors"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	e, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Mode() != ModeChunked {
		t.Fatalf("mode = %v, want chunked", e.Mode())
	}
	if e.ChunkLen() != 32 {
		t.Fatalf("chunk len = %d, want 32", e.ChunkLen())
	}
}

func TestTierChunkLengths(t *testing.T) {
	cases := []struct {
		cfg  Config
		want int
	}{
		{Config{Tier: TierCompact}, 16},
		{Config{Tier: TierBalanced}, 32},
		{Config{Tier: TierWide}, 64},
		{Config{Tier: TierCompact, ChunkLen: 48}, 48},
		{Config{Tier: TierWide, ChunkLen: 128}, 128},
		{Config{ChunkLen: 256}, 256},
	}
	for _, c := range cases {
		e, err := New(c.cfg)
		if err != nil {
			t.Fatalf("New(%+v): %v", c.cfg, err)
		}
		if e.ChunkLen() != c.want {
			t.Fatalf("New(%+v) chunk len = %d, want %d", c.cfg, e.ChunkLen(), c.want)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"unknown mode", Config{Mode: Mode(9)}},
		{"unknown tier", Config{Tier: Tier(9)}},
		{"chunk len off tile", Config{ChunkLen: 20}},
		{"negative chunk len", Config{ChunkLen: -32}},
		{"chunk len over max", Config{ChunkLen: 288}},
		{"negative workers", Config{Workers: -1}},
	}
	for _, c := range cases {
		if _, err := New(c.cfg); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: err = %v, want ErrConfiguration", c.name, err)
		}
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeChunked, ModeRecurrent} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Fatalf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("fused"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("ParseMode(fused): err = %v, want ErrConfiguration", err)
	}
}

func TestParseTier(t *testing.T) {
	for _, tier := range []Tier{TierBalanced, TierCompact, TierWide} {
		got, err := ParseTier(tier.String())
		if err != nil || got != tier {
			t.Fatalf("ParseTier(%q) = %v, %v", tier.String(), got, err)
		}
	}
	if _, err := ParseTier("turbo"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("ParseTier(turbo): err = %v, want ErrConfiguration", err)
	}
}
