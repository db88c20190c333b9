package session

import (
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, maxDuration time.Duration) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), maxDuration, nil)
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestManager(t, time.Minute)

	s, err := m.Start(StartOptions{MicGranted: true})
	require.NoError(t, err)
	assert.Equal(t, StateRecording, s.State())
	assert.Equal(t, "video/webm", s.MimeType)

	err = s.AppendChunk(TrackDisplay, 0, strings.NewReader("aaa"))
	require.NoError(t, err)

	_, err = m.Stop(s.ID, StopReasonUser)
	require.NoError(t, err)
	assert.Equal(t, StatePreview, s.State())
	assert.Equal(t, StopReasonUser, s.StopReason())
	assert.False(t, s.LimitReached())

	// Chunks arriving after the stop are rejected.
	err = s.AppendChunk(TrackDisplay, 1, strings.NewReader("bbb"))
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestStopIsIdempotentAcrossTriggers(t *testing.T) {
	m := newTestManager(t, time.Minute)
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)

	// User click wins the race; the later revoke and cap triggers are no-ops.
	assert.True(t, s.stop(StopReasonUser))
	assert.False(t, s.stop(StopReasonRevoked))
	assert.False(t, s.stop(StopReasonLimit))

	assert.Equal(t, StopReasonUser, s.StopReason())
	assert.False(t, s.LimitReached())
	assert.Equal(t, StatePreview, s.State())
}

func TestDurationCapForcesStop(t *testing.T) {
	m := newTestManager(t, 65*time.Second)
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)

	// One second before the cap nothing happens.
	m.now = func() time.Time { return s.StartedAt.Add(64 * time.Second) }
	m.enforceLimit()
	assert.Equal(t, StateRecording, s.State())

	m.now = func() time.Time { return s.StartedAt.Add(65 * time.Second) }
	m.enforceLimit()
	assert.Equal(t, StatePreview, s.State())
	assert.Equal(t, StopReasonLimit, s.StopReason())
	assert.True(t, s.LimitReached())

	// Cap firing again, or a late user stop, changes nothing.
	m.enforceLimit()
	assert.False(t, s.stop(StopReasonUser))
	assert.Equal(t, StopReasonLimit, s.StopReason())
}

func TestBeginUploadGuards(t *testing.T) {
	m := newTestManager(t, time.Minute)
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)

	// Still recording: cannot finalize.
	assert.ErrorIs(t, s.beginUpload(), ErrNotStopped)

	s.stop(StopReasonUser)
	require.NoError(t, s.beginUpload())
	assert.Equal(t, StateUploading, s.State())

	// A concurrent finalize is rejected.
	assert.ErrorIs(t, s.beginUpload(), ErrAlreadyUploading)

	// A failed upload returns to preview for a retry.
	s.abortUpload()
	assert.Equal(t, StatePreview, s.State())
	require.NoError(t, s.beginUpload())
}

func TestAssembleOrdersChunksBySequence(t *testing.T) {
	m := newTestManager(t, time.Minute)
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)

	// Chunks arrive out of order over the network.
	require.NoError(t, s.AppendChunk(TrackDisplay, 2, strings.NewReader("CC")))
	require.NoError(t, s.AppendChunk(TrackDisplay, 0, strings.NewReader("AA")))
	require.NoError(t, s.AppendChunk(TrackDisplay, 1, strings.NewReader("BB")))
	assert.Equal(t, 3, s.ChunkCount(TrackDisplay))

	path, err := s.Assemble(TrackDisplay)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AABBCC", string(data))
}

func TestAssembleWaitsForInFlightChunkWrite(t *testing.T) {
	m := newTestManager(t, time.Minute)
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)

	// A chunk body that is still streaming when the session gets stopped.
	pr, pw := io.Pipe()
	appendDone := make(chan error, 1)
	go func() { appendDone <- s.AppendChunk(TrackDisplay, 0, pr) }()

	require.Eventually(t, func() bool { return s.ChunkCount(TrackDisplay) == 1 },
		time.Second, time.Millisecond)
	_, err = pw.Write([]byte("AA"))
	require.NoError(t, err)

	s.stop(StopReasonUser)

	assembled := make(chan string, 1)
	go func() {
		path, err := s.Assemble(TrackDisplay)
		require.NoError(t, err)
		assembled <- path
	}()

	// Assembly must block until the chunk write drains, not snapshot a
	// half-written file.
	select {
	case <-assembled:
		t.Fatal("assemble returned while the chunk body was still streaming")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = pw.Write([]byte("BB"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-appendDone)

	select {
	case path := <-assembled:
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "AABB", string(data))
	case <-time.After(time.Second):
		t.Fatal("assemble did not finish after the chunk write drained")
	}
}

func TestAppendChunkFailedWriteIsNotAssembled(t *testing.T) {
	m := newTestManager(t, time.Minute)
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)

	require.NoError(t, s.AppendChunk(TrackDisplay, 0, strings.NewReader("AA")))

	// A body that errors mid-copy must not leave its seq behind.
	pr, pw := io.Pipe()
	appendDone := make(chan error, 1)
	go func() { appendDone <- s.AppendChunk(TrackDisplay, 1, pr) }()
	require.Eventually(t, func() bool { return s.ChunkCount(TrackDisplay) == 2 },
		time.Second, time.Millisecond)
	pw.CloseWithError(io.ErrUnexpectedEOF)
	require.Error(t, <-appendDone)

	assert.Equal(t, 1, s.ChunkCount(TrackDisplay))
	s.stop(StopReasonUser)
	path, err := s.Assemble(TrackDisplay)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AA", string(data))
}

func TestAssembleEmptyTrack(t *testing.T) {
	m := newTestManager(t, time.Minute)
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)

	path, err := s.Assemble(TrackMic)
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestAppendChunkRejectsUnknownTrack(t *testing.T) {
	m := newTestManager(t, time.Minute)
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)

	err = s.AppendChunk("camera", 0, strings.NewReader("x"))
	assert.Error(t, err)
}

func TestReleaseRunsExactlyOnce(t *testing.T) {
	m := newTestManager(t, time.Minute)
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)
	require.NoError(t, s.AppendChunk(TrackDisplay, 0, strings.NewReader("data")))

	dir := s.Dir()
	_, statErr := os.Stat(dir)
	require.NoError(t, statErr)

	s.Release()
	assert.True(t, s.Released())
	_, statErr = os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	// Second release is a no-op even if the path was recreated meanwhile.
	require.NoError(t, os.MkdirAll(dir, 0o755))
	s.Release()
	_, statErr = os.Stat(dir)
	assert.NoError(t, statErr)
}

func TestManagerRemoveReleasesWorkspace(t *testing.T) {
	m := newTestManager(t, time.Minute)
	s, err := m.Start(StartOptions{})
	require.NoError(t, err)

	m.Remove(s.ID)
	assert.True(t, s.Released())
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Removing twice is safe.
	m.Remove(s.ID)
}
