package trim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockTranscoder struct {
	mock.Mock
}

func (m *MockTranscoder) TrimReencode(ctx context.Context, in, out string, start, dur float64) error {
	args := m.Called(ctx, in, out, start, dur)
	return args.Error(0)
}

func (m *MockTranscoder) TrimRecapture(ctx context.Context, in, out string, start, dur float64, progress func(float64)) error {
	args := m.Called(ctx, in, out, start, dur)
	if progress != nil {
		progress(0.5)
		progress(1)
	}
	return args.Error(0)
}

func TestValidateBounds(t *testing.T) {
	assert.NoError(t, ValidateBounds(0, 10, 10))
	assert.NoError(t, ValidateBounds(2.5, 7.5, 10))
	// Tolerates end slightly past duration (probe jitter).
	assert.NoError(t, ValidateBounds(0, 10.04, 10))

	assert.Error(t, ValidateBounds(-1, 5, 10))
	assert.Error(t, ValidateBounds(5, 5, 10))
	assert.Error(t, ValidateBounds(7, 3, 10))
	assert.Error(t, ValidateBounds(0, 11, 10))
}

func TestIsFullRange(t *testing.T) {
	assert.True(t, IsFullRange(0, 10, 10))
	assert.True(t, IsFullRange(0.01, 9.99, 10))
	assert.False(t, IsFullRange(1, 10, 10))
	assert.False(t, IsFullRange(0, 9, 10))
}

func TestEngine_Trim(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid bounds are an error", func(t *testing.T) {
		tc := new(MockTranscoder)
		e := NewEngine(tc, StrategyReencode, nil)

		_, err := e.Trim(ctx, "/tmp/rec.webm", "video/webm", 8, 3, 10, nil)

		assert.Error(t, err)
		tc.AssertNotCalled(t, "TrimReencode", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("full range skips the transcode", func(t *testing.T) {
		tc := new(MockTranscoder)
		e := NewEngine(tc, StrategyReencode, nil)

		res, err := e.Trim(ctx, "/tmp/rec.webm", "video/webm", 0, 10, 10, nil)

		assert.NoError(t, err)
		assert.False(t, res.Trimmed)
		assert.Empty(t, res.Warning)
		assert.Equal(t, "/tmp/rec.webm", res.Path)
		assert.Equal(t, "video/webm", res.ContentType)
		tc.AssertNotCalled(t, "TrimReencode", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("successful re-encode produces an mp4 clip", func(t *testing.T) {
		tc := new(MockTranscoder)
		e := NewEngine(tc, StrategyReencode, nil)

		tc.On("TrimReencode", ctx, "/tmp/rec.webm", "/tmp/rec.trimmed.mp4", 2.0, 5.0).Return(nil)

		res, err := e.Trim(ctx, "/tmp/rec.webm", "video/webm", 2, 7, 10, nil)

		assert.NoError(t, err)
		assert.True(t, res.Trimmed)
		assert.Equal(t, "/tmp/rec.trimmed.mp4", res.Path)
		assert.Equal(t, "video/mp4", res.ContentType)
		tc.AssertExpectations(t)
	})

	t.Run("transcode failure falls back to the original without error", func(t *testing.T) {
		tc := new(MockTranscoder)
		e := NewEngine(tc, StrategyReencode, nil)

		tc.On("TrimReencode", ctx, "/tmp/rec.webm", "/tmp/rec.trimmed.mp4", 2.0, 5.0).
			Return(errors.New("exit status 1"))

		res, err := e.Trim(ctx, "/tmp/rec.webm", "video/webm", 2, 7, 10, nil)

		assert.NoError(t, err)
		assert.False(t, res.Trimmed)
		assert.Equal(t, "/tmp/rec.webm", res.Path)
		assert.Equal(t, "video/webm", res.ContentType)
		assert.Contains(t, res.Warning, "uploading original recording")
	})

	t.Run("recapture strategy reports progress", func(t *testing.T) {
		tc := new(MockTranscoder)
		e := NewEngine(tc, StrategyRecapture, nil)

		tc.On("TrimRecapture", ctx, "/tmp/rec.webm", "/tmp/rec.trimmed.mp4", 1.0, 4.0).Return(nil)

		var fractions []float64
		res, err := e.Trim(ctx, "/tmp/rec.webm", "video/webm", 1, 5, 10, func(f float64) {
			fractions = append(fractions, f)
		})

		assert.NoError(t, err)
		assert.True(t, res.Trimmed)
		assert.Equal(t, []float64{0.5, 1}, fractions)
		tc.AssertExpectations(t)
	})

	t.Run("empty strategy defaults to re-encode", func(t *testing.T) {
		tc := new(MockTranscoder)
		e := NewEngine(tc, "", nil)

		tc.On("TrimReencode", ctx, "/tmp/rec.webm", "/tmp/rec.trimmed.mp4", 0.0, 4.0).Return(nil)

		_, err := e.Trim(ctx, "/tmp/rec.webm", "video/webm", 0, 4, 10, nil)

		assert.NoError(t, err)
		tc.AssertExpectations(t)
	})
}
