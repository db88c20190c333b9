package videos

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/srecorder/backend/internal/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Create(ctx context.Context, v *models.Video) error {
	args := m.Called(ctx, v)
	return args.Error(0)
}

func (m *MockStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Video), args.Error(1)
}

func (m *MockStore) ListRecent(ctx context.Context, limit int) ([]models.Video, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Video), args.Error(1)
}

func (m *MockStore) IncrementViews(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) UpdateCompletionRate(ctx context.Context, id uuid.UUID, rate float64) error {
	args := m.Called(ctx, id, rate)
	return args.Error(0)
}

type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) GeneratePresignedUploadURL(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	args := m.Called(ctx, key, contentType, expires)
	return args.String(0), args.Error(1)
}

func (m *MockObjectStore) GetObjectStream(ctx context.Context, key string) (io.ReadCloser, string, int64, error) {
	args := m.Called(ctx, key)
	var body io.ReadCloser
	if args.Get(0) != nil {
		body = args.Get(0).(io.ReadCloser)
	}
	return body, args.String(1), args.Get(2).(int64), args.Error(3)
}

func (m *MockObjectStore) Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) error {
	args := m.Called(ctx, key, contentType, body, contentLength)
	return args.Error(0)
}

func (m *MockObjectStore) PresignExpire() time.Duration {
	args := m.Called()
	return args.Get(0).(time.Duration)
}
