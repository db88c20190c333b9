package videos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/srecorder/backend/internal/models"
)

// Repository handles video metadata persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a videos repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new video record (metadata step of the upload pipeline).
func (r *Repository) Create(ctx context.Context, v *models.Video) error {
	const q = `INSERT INTO videos (id, title, filename, duration, views, completion_rate, trim_start, trim_end)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6)
		RETURNING created_at`
	return r.pool.QueryRow(ctx, q, v.ID, v.Title, v.Filename, v.Duration, v.TrimStart, v.TrimEnd).
		Scan(&v.CreatedAt)
}

// GetByID returns a video by ID, or nil when no record exists.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	const q = `SELECT id, title, filename, duration, views, completion_rate, trim_start, trim_end, created_at
		FROM videos WHERE id = $1`
	var v models.Video
	err := r.pool.QueryRow(ctx, q, id).
		Scan(&v.ID, &v.Title, &v.Filename, &v.Duration, &v.Views, &v.CompletionRate, &v.TrimStart, &v.TrimEnd, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

// ListRecent returns the most recently created videos.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]models.Video, error) {
	const q = `SELECT id, title, filename, duration, views, completion_rate, trim_start, trim_end, created_at
		FROM videos ORDER BY created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Video
	for rows.Next() {
		var v models.Video
		if err := rows.Scan(&v.ID, &v.Title, &v.Filename, &v.Duration, &v.Views, &v.CompletionRate, &v.TrimStart, &v.TrimEnd, &v.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

// IncrementViews adds one view. Every watch-page load counts, with no
// idempotency key: reloads double-count by design.
func (r *Repository) IncrementViews(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE videos SET views = views + 1 WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// UpdateCompletionRate stores a recomputed running average.
func (r *Repository) UpdateCompletionRate(ctx context.Context, id uuid.UUID, rate float64) error {
	const q = `UPDATE videos SET completion_rate = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, rate, id)
	return err
}

// UpdateTrimResult records the async trim outcome: the replaced object key,
// the clip duration and the provenance bounds.
func (r *Repository) UpdateTrimResult(ctx context.Context, id uuid.UUID, filename string, duration, trimStart, trimEnd float64) error {
	const q = `UPDATE videos SET filename = $1, duration = $2, trim_start = $3, trim_end = $4 WHERE id = $5`
	_, err := r.pool.Exec(ctx, q, filename, duration, trimStart, trimEnd, id)
	return err
}

// HasID reports whether a metadata record exists for the id (orphan sweep).
func (r *Repository) HasID(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM videos WHERE id = $1)`
	var exists bool
	err := r.pool.QueryRow(ctx, q, id).Scan(&exists)
	return exists, err
}
