package gla

import "fmt"

// Mode selects the kernel family. There is no auto-selection: the chunked
// engine is the production path, the recurrent one is the strictly
// sequential reference with the same contract.
type Mode int

const (
	ModeChunked Mode = iota
	ModeRecurrent
)

func (m Mode) String() string {
	switch m {
	case ModeChunked:
		return "chunked"
	case ModeRecurrent:
		return "recurrent"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "chunked":
		return ModeChunked, nil
	case "recurrent":
		return ModeRecurrent, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrConfiguration, s)
}

// Tier maps a resource class to a fixed tile preset. Presets are static;
// there is no hardware detection and no runtime search.
type Tier int

const (
	TierBalanced Tier = iota
	TierCompact
	TierWide
)

func (t Tier) String() string {
	switch t {
	case TierBalanced:
		return "balanced"
	case TierCompact:
		return "compact"
	case TierWide:
		return "wide"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

func ParseTier(s string) (Tier, error) {
	switch s {
	case "balanced":
		return TierBalanced, nil
	case "compact":
		return TierCompact, nil
	case "wide":
		return TierWide, nil
	}
	return 0, fmt.Errorf("%w: unknown tier %q", ErrConfiguration, s)
}

const (
	// maxChunkLen bounds the chunk length override.
	maxChunkLen = 256

	// maxKeyWidth is the single-block ceiling for the key dimension.
	// The key axis is never split across work units, so state rows for
	// one head always live in one unit.
	maxKeyWidth = 256
)

// tilePreset fixes the block shape of one tier: chunk length along the
// sequence, sub-chunk tile inside the interaction matrix, and the value
// block width one forward unit owns.
type tilePreset struct {
	chunkLen int
	subChunk int
	valBlock int
}

func (t Tier) preset() (tilePreset, bool) {
	switch t {
	case TierCompact:
		return tilePreset{chunkLen: 16, subChunk: 16, valBlock: 16}, true
	case TierBalanced:
		return tilePreset{chunkLen: 32, subChunk: 32, valBlock: 32}, true
	case TierWide:
		return tilePreset{chunkLen: 64, subChunk: 32, valBlock: 64}, true
	}
	return tilePreset{}, false
}

type Config struct {
	Mode Mode
	Tier Tier

	// ChunkLen overrides the tier's chunk length. Zero keeps the preset.
	// Overrides must be a positive multiple of the tier's sub-chunk tile.
	ChunkLen int

	// Workers fixes the kernel pool size. Zero sizes the pool from
	// GOMAXPROCS clamped to the number of independent work units.
	Workers int
}

// Engine evaluates the gated linear-attention recurrence. An Engine is
// immutable after New and safe for concurrent use; every call allocates
// its own buffers and worker pool.
type Engine struct {
	mode    Mode
	tiles   tilePreset
	workers int
}

func New(cfg Config) (*Engine, error) {
	switch cfg.Mode {
	case ModeChunked, ModeRecurrent:
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrConfiguration, int(cfg.Mode))
	}
	tiles, ok := cfg.Tier.preset()
	if !ok {
		return nil, fmt.Errorf("%w: unknown tier %d", ErrConfiguration, int(cfg.Tier))
	}
	if cfg.ChunkLen != 0 {
		if cfg.ChunkLen < 1 || cfg.ChunkLen%tiles.subChunk != 0 {
			return nil, fmt.Errorf("%w: chunk length %d is not a positive multiple of the %d-row tile",
				ErrConfiguration, cfg.ChunkLen, tiles.subChunk)
		}
		if cfg.ChunkLen > maxChunkLen {
			return nil, fmt.Errorf("%w: chunk length %d exceeds the maximum %d",
				ErrConfiguration, cfg.ChunkLen, maxChunkLen)
		}
		tiles.chunkLen = cfg.ChunkLen
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("%w: negative worker count %d", ErrConfiguration, cfg.Workers)
	}
	return &Engine{mode: cfg.Mode, tiles: tiles, workers: cfg.Workers}, nil
}

// Mode reports the kernel family the engine was built with.
func (e *Engine) Mode() Mode { return e.mode }

// ChunkLen reports the effective chunk length after tier and override.
func (e *Engine) ChunkLen() int { return e.tiles.chunkLen }
