// Package session manages capture sessions: ordered chunk ingest from the
// in-browser recorder, the recording state machine and its hard duration cap.
package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the recording lifecycle. A session is created directly in
// StateRecording; StateIdle exists only client-side before capture starts.
type State string

const (
	StateRecording State = "recording"
	StatePreview   State = "preview"
	StateUploading State = "uploading"
)

// StopReason identifies which trigger ended the recording.
type StopReason string

const (
	StopReasonUser    StopReason = "user"    // explicit stop click
	StopReasonRevoked StopReason = "revoked" // browser revoked the display grant
	StopReasonLimit   StopReason = "limit"   // hard wall-clock cap crossed
)

// Track names for chunk ingest.
const (
	TrackDisplay = "display"
	TrackMic     = "mic"
)

// Session is one capture session. Chunks for each track accumulate on disk
// under the session workspace and are concatenated in sequence order.
type Session struct {
	ID             uuid.UUID
	MimeType       string
	HasSystemAudio bool
	MicGranted     bool
	StartedAt      time.Time

	mu           sync.Mutex
	writes       sync.WaitGroup
	state        State
	stopReason   StopReason
	limitReached bool
	released     bool
	dir          string
	seqs         map[string][]int
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LimitReached reports whether the duration cap forced the stop.
func (s *Session) LimitReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limitReached
}

// StopReason returns why the session left StateRecording (empty while recording).
func (s *Session) StopReason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

// Dir returns the session workspace directory.
func (s *Session) Dir() string { return s.dir }

// AppendChunk stores one encoded chunk for a track. Chunks are only accepted
// while recording; seq preserves the encoder's emission order. The write is
// tracked so Assemble never reads a chunk file that is still streaming in.
func (s *Session) AppendChunk(track string, seq int, body io.Reader) error {
	if track != TrackDisplay && track != TrackMic {
		return fmt.Errorf("unknown track %q", track)
	}
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return ErrNotRecording
	}
	s.seqs[track] = append(s.seqs[track], seq)
	s.writes.Add(1)
	dir := s.dir
	s.mu.Unlock()
	defer s.writes.Done()

	if err := writeChunk(filepath.Join(dir, chunkName(track, seq)), body); err != nil {
		// The chunk never landed; drop its seq so assembly does not look for it.
		s.dropSeq(track, seq)
		return err
	}
	return nil
}

func writeChunk(path string, body io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

func (s *Session) dropSeq(track string, seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs := s.seqs[track]
	for i, v := range seqs {
		if v == seq {
			s.seqs[track] = append(seqs[:i], seqs[i+1:]...)
			return
		}
	}
}

// stop transitions recording -> preview. Idempotent: only the first trigger
// (user click, display revoke, or the cap timer) takes effect; later calls
// are no-ops so the teardown path runs at most once.
func (s *Session) stop(reason StopReason) (first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return false
	}
	s.state = StatePreview
	s.stopReason = reason
	if reason == StopReasonLimit {
		s.limitReached = true
	}
	return true
}

// beginUpload transitions preview -> uploading; a second concurrent finalize
// attempt is rejected.
func (s *Session) beginUpload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePreview:
		s.state = StateUploading
		return nil
	case StateUploading:
		return ErrAlreadyUploading
	default:
		return ErrNotStopped
	}
}

// abortUpload returns an uploading session to preview so the user can retry.
func (s *Session) abortUpload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUploading {
		s.state = StatePreview
	}
}

// ChunkCount returns how many chunks a track has received.
func (s *Session) ChunkCount(track string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs[track])
}

// Assemble concatenates a track's chunks in ascending sequence order into a
// single file and returns its path. Returns "" when the track has no chunks.
// Blocks until in-flight chunk writes drain: a stop racing a slow chunk body
// must not let assembly read a half-written file. No new writes can start
// once the session left StateRecording.
func (s *Session) Assemble(track string) (string, error) {
	s.writes.Wait()

	s.mu.Lock()
	seqs := append([]int(nil), s.seqs[track]...)
	dir := s.dir
	s.mu.Unlock()

	if len(seqs) == 0 {
		return "", nil
	}
	sort.Ints(seqs)

	outPath := filepath.Join(dir, track+".webm")
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create assembly file: %w", err)
	}
	defer out.Close()
	for _, seq := range seqs {
		if err := appendFile(out, filepath.Join(dir, chunkName(track, seq))); err != nil {
			return "", err
		}
	}
	return outPath, nil
}

// Release tears the session workspace down. Safe to call from any exit path;
// only the first call removes anything.
func (s *Session) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	dir := s.dir
	s.mu.Unlock()
	_ = os.RemoveAll(dir)
}

// Released reports whether the workspace teardown already ran.
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func chunkName(track string, seq int) string {
	return fmt.Sprintf("%s_%06d.chunk", track, seq)
}

func appendFile(dst *os.File, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	return nil
}
