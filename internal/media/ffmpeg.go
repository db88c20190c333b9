// Package media wraps ffmpeg/ffprobe for probing, trimming and audio mixing.
package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	// RecaptureScale is the resolution factor for the frame-sampled trim strategy.
	RecaptureScale = 0.75
	// RecaptureFPS is the reduced frame rate for the frame-sampled trim strategy.
	RecaptureFPS = 15
	// RecaptureBitrate is the fast-profile video bitrate for re-capture output.
	RecaptureBitrate = "1000k"
)

// Runner executes ffmpeg/ffprobe binaries.
type Runner struct {
	ffmpegPath  string
	ffprobePath string
	logger      *zap.Logger
}

// NewRunner creates an ffmpeg runner. Empty paths fall back to $PATH lookup.
func NewRunner(ffmpegPath, ffprobePath string, logger *zap.Logger) *Runner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration returns the container duration of a media file in seconds.
func (r *Runner) ProbeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, r.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe: %w: %s", err, stderr.String())
	}
	var probed probeOutput
	if err := json.Unmarshal(out.Bytes(), &probed); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if probed.Format.Duration == "" {
		return 0, fmt.Errorf("no duration in ffprobe output")
	}
	dur, err := strconv.ParseFloat(probed.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", probed.Format.Duration, err)
	}
	return dur, nil
}

// trimReencodeArgs builds the decode/re-encode trim invocation: seek to start,
// keep dur seconds, target a web-friendly h264/aac mp4.
func trimReencodeArgs(in, out string, start, dur float64) []string {
	return []string{
		"-y",
		"-i", in,
		"-ss", formatSeconds(start),
		"-t", formatSeconds(dur),
		"-c:v", "libx264",
		"-crf", "28",
		"-preset", "ultrafast",
		"-c:a", "aac",
		out,
	}
}

// TrimReencode clips [start, start+dur) out of in, re-encoding to h264/aac.
func (r *Runner) TrimReencode(ctx context.Context, in, out string, start, dur float64) error {
	cmd := exec.CommandContext(ctx, r.ffmpegPath, trimReencodeArgs(in, out, start, dur)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg trim: %w: %s", err, tail(stderr.String()))
	}
	r.logger.Debug("trim re-encode done", zap.String("out", out), zap.Float64("start", start), zap.Float64("dur", dur))
	return nil
}

// trimRecaptureArgs builds the frame-sampled re-capture invocation: reduced
// resolution and frame rate bound processing cost. Dimensions are forced even
// for the h264 encoder.
func trimRecaptureArgs(in, out string, start, dur float64) []string {
	scaleExpr := fmt.Sprintf("scale=trunc(iw*%g/2)*2:trunc(ih*%g/2)*2,fps=%d", RecaptureScale, RecaptureScale, RecaptureFPS)
	return []string{
		"-y",
		"-i", in,
		"-ss", formatSeconds(start),
		"-t", formatSeconds(dur),
		"-vf", scaleExpr,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", RecaptureBitrate,
		"-c:a", "aac",
		"-progress", "pipe:1",
		"-nostats",
		out,
	}
}

// TrimRecapture clips [start, start+dur) at reduced scale and frame rate,
// reporting fractional progress as framesDone / expectedTotalFrames.
func (r *Runner) TrimRecapture(ctx context.Context, in, out string, start, dur float64, progress func(float64)) error {
	cmd := exec.CommandContext(ctx, r.ffmpegPath, trimRecaptureArgs(in, out, start, dur)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	expected := ExpectedFrames(dur)
	scanProgress(stdout, func(frame int) {
		if progress != nil && expected > 0 {
			progress(ProgressFraction(frame, expected))
		}
	})

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg re-capture: %w: %s", err, tail(stderr.String()))
	}
	if progress != nil {
		progress(1)
	}
	return nil
}

// mixAudioArgs builds the audio-graph invocation: video from the first input,
// each audio source through its own volume (gain) stage into one amix output.
// gains align with audioInputs; zero sources returns a video-only copy.
func mixAudioArgs(videoIn string, audioInputs []string, gains []float64, out string) []string {
	args := []string{"-y", "-i", videoIn}
	for _, a := range audioInputs {
		args = append(args, "-i", a)
	}
	switch len(audioInputs) {
	case 0:
		// No audio sources: the combined output carries video only.
		args = append(args, "-map", "0:v", "-c:v", "copy", "-an", out)
	case 1:
		filter := fmt.Sprintf("[1:a]volume=%g[aout]", gainOrUnity(gains, 0))
		args = append(args,
			"-filter_complex", filter,
			"-map", "0:v", "-map", "[aout]",
			"-c:v", "copy", "-c:a", "libopus",
			out)
	default:
		var b strings.Builder
		labels := make([]string, len(audioInputs))
		for i := range audioInputs {
			fmt.Fprintf(&b, "[%d:a]volume=%g[a%d];", i+1, gainOrUnity(gains, i), i)
			labels[i] = fmt.Sprintf("[a%d]", i)
		}
		fmt.Fprintf(&b, "%samix=inputs=%d[aout]", strings.Join(labels, ""), len(audioInputs))
		args = append(args,
			"-filter_complex", b.String(),
			"-map", "0:v", "-map", "[aout]",
			"-c:v", "copy", "-c:a", "libopus",
			out)
	}
	return args
}

// MixAudio merges zero, one or two audio sources into the video's container
// with a per-source gain stage (unity by default).
func (r *Runner) MixAudio(ctx context.Context, videoIn string, audioInputs []string, gains []float64, out string) error {
	cmd := exec.CommandContext(ctx, r.ffmpegPath, mixAudioArgs(videoIn, audioInputs, gains, out)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg mix: %w: %s", err, tail(stderr.String()))
	}
	return nil
}

// ExpectedFrames returns the total frame count the re-capture strategy should
// produce for a clip of dur seconds.
func ExpectedFrames(dur float64) int {
	if dur <= 0 {
		return 0
	}
	return int(dur * RecaptureFPS)
}

// ProgressFraction clamps framesDone/expectedTotal into [0,1].
func ProgressFraction(framesDone, expectedTotal int) float64 {
	if expectedTotal <= 0 {
		return 0
	}
	f := float64(framesDone) / float64(expectedTotal)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

// scanProgress reads ffmpeg -progress key=value lines and invokes onFrame for
// each frame count update.
func scanProgress(rd io.Reader, onFrame func(int)) {
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		if frame, ok := parseProgressFrame(scanner.Text()); ok {
			onFrame(frame)
		}
	}
}

// parseProgressFrame extracts N from a "frame=N" progress line.
func parseProgressFrame(line string) (int, bool) {
	val, found := strings.CutPrefix(strings.TrimSpace(line), "frame=")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return 0, false
	}
	return n, true
}

func gainOrUnity(gains []float64, i int) float64 {
	if i < len(gains) && gains[i] > 0 {
		return gains[i]
	}
	return 1.0
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// tail returns the last few hundred bytes of ffmpeg stderr for error messages.
func tail(s string) string {
	const max = 400
	if len(s) <= max {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-max:])
}
