// Package trim clips a recorded blob to a [start, end) time range.
package trim

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Strategy selects how the clip is produced.
type Strategy string

const (
	// StrategyReencode decodes and re-encodes the requested range as-is.
	StrategyReencode Strategy = "reencode"
	// StrategyRecapture re-samples frames at reduced resolution and frame
	// rate to bound processing cost, reporting fractional progress.
	StrategyRecapture Strategy = "recapture"
)

// boundsEpsilon absorbs float jitter when the client echoes the probed
// duration back as trimEnd.
const boundsEpsilon = 0.05

// Transcoder is the media operation surface the engine needs.
type Transcoder interface {
	TrimReencode(ctx context.Context, in, out string, start, dur float64) error
	TrimRecapture(ctx context.Context, in, out string, start, dur float64, progress func(float64)) error
}

// Result describes the blob the upload pipeline should take forward.
type Result struct {
	Path        string // file to upload; equals the source when no trim ran
	ContentType string
	Trimmed     bool
	Warning     string // non-empty when trimming failed and the original is used
}

// Engine produces trimmed clips with graceful fallback: a trim failure never
// blocks the upload, the pipeline continues with the original blob.
type Engine struct {
	tc       Transcoder
	strategy Strategy
	logger   *zap.Logger
}

// NewEngine creates a trim engine using the given strategy.
func NewEngine(tc Transcoder, strategy Strategy, logger *zap.Logger) *Engine {
	if strategy == "" {
		strategy = StrategyReencode
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{tc: tc, strategy: strategy, logger: logger}
}

// ValidateBounds checks 0 <= start < end <= duration (with float tolerance).
func ValidateBounds(start, end, duration float64) error {
	if start < 0 {
		return fmt.Errorf("trim start %g is negative", start)
	}
	if end <= start {
		return fmt.Errorf("trim end %g must be after start %g", end, start)
	}
	if end > duration+boundsEpsilon {
		return fmt.Errorf("trim end %g exceeds duration %g", end, duration)
	}
	return nil
}

// IsFullRange reports whether [start, end) covers the whole recording, in
// which case no trim should run and the original blob is uploaded unchanged.
func IsFullRange(start, end, duration float64) bool {
	return start <= boundsEpsilon && end >= duration-boundsEpsilon
}

// Trim clips srcPath to [start, end). Invalid bounds are an error; a failed
// transcode is not — the result falls back to the source with a warning.
// progress receives fractions in [0,1] (re-capture strategy only).
func (e *Engine) Trim(ctx context.Context, srcPath, srcContentType string, start, end, duration float64, progress func(float64)) (Result, error) {
	if err := ValidateBounds(start, end, duration); err != nil {
		return Result{}, err
	}
	if IsFullRange(start, end, duration) {
		return Result{Path: srcPath, ContentType: srcContentType, Trimmed: false}, nil
	}

	out := trimmedPath(srcPath)
	dur := end - start
	var err error
	switch e.strategy {
	case StrategyRecapture:
		err = e.tc.TrimRecapture(ctx, srcPath, out, start, dur, progress)
	default:
		err = e.tc.TrimReencode(ctx, srcPath, out, start, dur)
	}
	if err != nil {
		e.logger.Warn("trim failed, falling back to original blob", zap.Error(err), zap.String("src", srcPath))
		return Result{
			Path:        srcPath,
			ContentType: srcContentType,
			Trimmed:     false,
			Warning:     "trim failed, uploading original recording",
		}, nil
	}
	return Result{Path: out, ContentType: "video/mp4", Trimmed: true}, nil
}

// trimmedPath derives the mp4 output path next to the source file.
func trimmedPath(src string) string {
	base := strings.TrimSuffix(src, filepath.Ext(src))
	return base + ".trimmed.mp4"
}
