package sweeper

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/srecorder/backend/pkg/storage"
)

// MetadataStore answers whether a video record exists for an object's id.
type MetadataStore interface {
	HasID(ctx context.Context, id uuid.UUID) (bool, error)
}

// ObjectStore lists and deletes stored objects.
type ObjectStore interface {
	ListObjects(ctx context.Context) ([]storage.ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error
}

// Sweeper deletes orphaned objects: blobs that were PUT via a presigned URL
// but whose metadata insert never landed. The grace period keeps it from
// racing an upload whose create call is still in flight.
type Sweeper struct {
	store    MetadataStore
	objects  ObjectStore
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewSweeper creates an orphan sweeper.
func NewSweeper(store MetadataStore, objects ObjectStore, interval, grace time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		objects:  objects,
		interval: interval,
		grace:    grace,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled. One pass runs
// immediately on start.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("orphan sweeper stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one pass over the bucket.
func (s *Sweeper) sweep(ctx context.Context) {
	objects, err := s.objects.ListObjects(ctx)
	if err != nil {
		s.logger.Warn("list objects failed", zap.Error(err))
		return
	}

	cutoff := s.now().Add(-s.grace)
	var removed int
	for _, obj := range objects {
		if obj.LastModified.After(cutoff) {
			continue
		}
		id, ok := idFromKey(obj.Key)
		if !ok {
			// Not one of ours; leave it alone.
			continue
		}
		exists, err := s.store.HasID(ctx, id)
		if err != nil {
			s.logger.Warn("orphan check failed", zap.Error(err), zap.String("key", obj.Key))
			continue
		}
		if exists {
			continue
		}
		if err := s.objects.DeleteObject(ctx, obj.Key); err != nil {
			s.logger.Warn("orphan delete failed", zap.Error(err), zap.String("key", obj.Key))
			continue
		}
		removed++
		s.logger.Info("orphaned object removed",
			zap.String("key", obj.Key),
			zap.Time("last_modified", obj.LastModified))
	}
	if removed > 0 {
		s.logger.Info("sweep finished", zap.Int("removed", removed), zap.Int("scanned", len(objects)))
	}
}

// idFromKey extracts the video id from an object key of the form
// {uuid}{extension}.
func idFromKey(key string) (uuid.UUID, bool) {
	name := key
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[:i]
	}
	id, err := uuid.Parse(name)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
