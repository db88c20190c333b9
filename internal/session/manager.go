package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrNotRecording     = errors.New("session is not recording")
	ErrNotStopped       = errors.New("session must be stopped before finalizing")
	ErrAlreadyUploading = errors.New("session is already uploading")
)

// Manager tracks active capture sessions and enforces the hard duration cap
// with a polling timer.
type Manager struct {
	workDir     string
	maxDuration time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// StartOptions describe the capture grants the client obtained. A denied
// microphone grant degrades gracefully; display denial never reaches the
// server because the client aborts before creating a session.
type StartOptions struct {
	MimeType       string
	HasSystemAudio bool
	MicGranted     bool
}

// NewManager creates a session manager. workDir empty means os.TempDir().
func NewManager(workDir string, maxDuration time.Duration, logger *zap.Logger) *Manager {
	if workDir == "" {
		workDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		workDir:     workDir,
		maxDuration: maxDuration,
		logger:      logger,
		now:         time.Now,
		sessions:    make(map[uuid.UUID]*Session),
	}
}

// MaxDuration returns the hard wall-clock cap.
func (m *Manager) MaxDuration() time.Duration { return m.maxDuration }

// Start creates a new session in StateRecording with its own workspace.
func (m *Manager) Start(opts StartOptions) (*Session, error) {
	if opts.MimeType == "" {
		opts.MimeType = "video/webm"
	}
	dir, err := os.MkdirTemp(m.workDir, "capture-*")
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:             uuid.New(),
		MimeType:       opts.MimeType,
		HasSystemAudio: opts.HasSystemAudio,
		MicGranted:     opts.MicGranted,
		StartedAt:      m.now(),
		state:          StateRecording,
		dir:            dir,
		seqs:           make(map[string][]int),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.logger.Info("capture session started",
		zap.String("session_id", s.ID.String()),
		zap.Bool("system_audio", opts.HasSystemAudio),
		zap.Bool("mic_granted", opts.MicGranted))
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Stop ends recording for any trigger. Idempotent across user stop, display
// revoke and the cap timer: the first call transitions to preview, later
// calls report the existing state.
func (m *Manager) Stop(id uuid.UUID, reason StopReason) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if s.stop(reason) {
		m.logger.Info("capture session stopped",
			zap.String("session_id", id.String()),
			zap.String("reason", string(reason)))
	}
	return s, nil
}

// Elapsed returns how long a session has been recording (frozen after stop is
// irrelevant; callers only use it while recording).
func (m *Manager) Elapsed(s *Session) time.Duration {
	return m.now().Sub(s.StartedAt)
}

// Remove releases a session's workspace and drops it from the registry.
func (m *Manager) Remove(id uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Release()
	}
}

// Run polls once per second and force-stops sessions that cross the cap.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.enforceLimit()
		}
	}
}

// enforceLimit stops every recording session whose wall clock passed the cap.
func (m *Manager) enforceLimit() {
	m.mu.Lock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.State() == StateRecording && m.now().Sub(s.StartedAt) >= m.maxDuration {
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()
	for _, s := range expired {
		if s.stop(StopReasonLimit) {
			m.logger.Warn("recording duration limit reached",
				zap.String("session_id", s.ID.String()),
				zap.Duration("limit", m.maxDuration))
		}
	}
}
