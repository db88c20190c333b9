package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/srecorder/backend/internal/trim"
	"github.com/srecorder/backend/pkg/queue"
	"github.com/srecorder/backend/pkg/storage"
)

// MetadataStore records the replaced key and new duration after a trim.
type MetadataStore interface {
	UpdateTrimResult(ctx context.Context, id uuid.UUID, filename string, duration, trimStart, trimEnd float64) error
}

// ObjectStore moves blobs in and out of object storage.
type ObjectStore interface {
	GetObjectStream(ctx context.Context, key string) (io.ReadCloser, string, int64, error)
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) error
	DeleteObject(ctx context.Context, key string) error
}

// Clipper re-clips a local file to a time range.
type Clipper interface {
	Trim(ctx context.Context, srcPath, srcContentType string, start, end, duration float64, progress func(float64)) (trim.Result, error)
}

// Prober reports a media file's duration.
type Prober interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Publisher fans trim progress out to watching clients. May be nil.
type Publisher interface {
	Publish(ctx context.Context, videoID, stage string, fraction float64) error
}

// TrimProcessor processes asynchronous trim jobs: download the stored object,
// re-clip it to the requested range and replace the object and metadata.
type TrimProcessor struct {
	store   MetadataStore
	objects ObjectStore
	clipper Clipper
	prober  Prober
	pub     Publisher
	queue   *queue.Queue
	workDir string
	logger  *zap.Logger
}

// NewTrimProcessor creates a trim job processor. workDir empty means
// os.TempDir(); pub may be nil.
func NewTrimProcessor(store MetadataStore, objects ObjectStore, clipper Clipper, prober Prober, pub Publisher, q *queue.Queue, workDir string, logger *zap.Logger) *TrimProcessor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrimProcessor{
		store:   store,
		objects: objects,
		clipper: clipper,
		prober:  prober,
		pub:     pub,
		queue:   q,
		workDir: workDir,
		logger:  logger,
	}
}

// Process executes one trim job.
func (p *TrimProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeTrim {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.TrimPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	dir, err := os.MkdirTemp(p.workDir, "trim-*")
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	srcPath, contentType, err := p.download(ctx, payload.SourceKey, dir)
	if err != nil {
		return fmt.Errorf("download %s: %w", payload.SourceKey, err)
	}

	duration := payload.Duration
	if duration <= 0 && p.prober != nil {
		if d, err := p.prober.ProbeDuration(ctx, srcPath); err == nil {
			duration = d
		}
	}

	result, err := p.clipper.Trim(ctx, srcPath, contentType, payload.TrimStart, payload.TrimEnd, duration,
		p.progressFunc(ctx, payload.VideoID))
	if err != nil {
		return fmt.Errorf("trim: %w", err)
	}
	if !result.Trimmed {
		// Fallback path: the original object stays in place untouched.
		if result.Warning != "" {
			p.logger.Warn("trim fell back to original",
				zap.String("video_id", payload.VideoID.String()),
				zap.String("warning", result.Warning))
		}
		p.publish(ctx, payload.VideoID, "done", 1)
		return nil
	}

	clipDuration := payload.TrimEnd - payload.TrimStart
	if p.prober != nil {
		if d, err := p.prober.ProbeDuration(ctx, result.Path); err == nil {
			clipDuration = d
		}
	}

	newKey := storage.VideoKey(payload.VideoID.String(), storage.ExtensionForContentType(result.ContentType))
	if err := p.upload(ctx, newKey, result.ContentType, result.Path); err != nil {
		return fmt.Errorf("upload %s: %w", newKey, err)
	}
	if err := p.store.UpdateTrimResult(ctx, payload.VideoID, newKey, clipDuration, payload.TrimStart, payload.TrimEnd); err != nil {
		return fmt.Errorf("update db: %w", err)
	}
	if newKey != payload.SourceKey {
		if err := p.objects.DeleteObject(ctx, payload.SourceKey); err != nil {
			p.logger.Warn("delete superseded object failed", zap.Error(err), zap.String("key", payload.SourceKey))
		}
	}

	p.publish(ctx, payload.VideoID, "done", 1)
	p.logger.Info("trim completed",
		zap.String("video_id", payload.VideoID.String()),
		zap.String("key", newKey),
		zap.Float64("duration", clipDuration))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *TrimProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("trim worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			// A cancelled context surfaces as a dequeue error; leave now
			// instead of backing off into a stopped loop.
			if ctx.Err() != nil {
				p.logger.Info("trim worker stopping")
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			if !p.backoff(ctx) {
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			if !p.backoff(ctx) {
				return
			}
			continue
		}
	}
}

// backoff waits out the retry delay. Returns false when the context is
// cancelled first, so shutdown never sits out a full backoff.
func (p *TrimProcessor) backoff(ctx context.Context) bool {
	t := time.NewTimer(queue.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		p.logger.Info("trim worker stopping")
		return false
	case <-t.C:
		return true
	}
}

// download streams the object into dir, keeping the key's extension so ffmpeg
// sees the right container.
func (p *TrimProcessor) download(ctx context.Context, key, dir string) (string, string, error) {
	body, contentType, _, err := p.objects.GetObjectStream(ctx, key)
	if err != nil {
		return "", "", err
	}
	defer body.Close()

	dst := filepath.Join(dir, "source"+filepath.Ext(key))
	f, err := os.Create(dst)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return "", "", err
	}
	if contentType == "" {
		contentType = storage.ContentTypeForExtension(filepath.Ext(key))
	}
	return dst, contentType, nil
}

func (p *TrimProcessor) upload(ctx context.Context, key, contentType, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return p.objects.Upload(ctx, key, contentType, f, info.Size())
}

func (p *TrimProcessor) progressFunc(ctx context.Context, videoID uuid.UUID) func(float64) {
	return func(fraction float64) {
		p.publish(ctx, videoID, "trim", fraction)
	}
}

func (p *TrimProcessor) publish(ctx context.Context, videoID uuid.UUID, stage string, fraction float64) {
	if p.pub == nil {
		return
	}
	if err := p.pub.Publish(ctx, videoID.String(), stage, fraction); err != nil {
		p.logger.Debug("progress publish failed", zap.Error(err))
	}
}
