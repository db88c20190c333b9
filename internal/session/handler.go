package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/srecorder/backend/internal/models"
	"github.com/srecorder/backend/internal/trim"
	"github.com/srecorder/backend/pkg/queue"
	"github.com/srecorder/backend/pkg/response"
	"github.com/srecorder/backend/pkg/storage"
)

// Mixer merges audio sources into the recorded video and probes durations.
type Mixer interface {
	MixAudio(ctx context.Context, videoIn string, audioInputs []string, gains []float64, out string) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Clipper trims the assembled recording to a time range.
type Clipper interface {
	Trim(ctx context.Context, srcPath, srcContentType string, start, end, duration float64, progress func(float64)) (trim.Result, error)
}

// ObjectStore uploads the final blob.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) error
}

// MetadataStore persists the video record after the object is stored.
type MetadataStore interface {
	Create(ctx context.Context, v *models.Video) error
}

// ProgressPublisher fans finalize progress out to watching clients.
type ProgressPublisher interface {
	Publish(ctx context.Context, videoID, stage string, fraction float64) error
}

// TrimQueue enqueues asynchronous trim jobs.
type TrimQueue interface {
	EnqueueTrim(ctx context.Context, payload queue.TrimPayload) error
}

// Handler exposes the capture session API.
type Handler struct {
	manager  *Manager
	mixer    Mixer
	clipper  Clipper
	objects  ObjectStore
	store    MetadataStore
	trimJobs TrimQueue
	progress ProgressPublisher
	logger   *zap.Logger
}

// NewHandler creates a session handler. trimJobs and progress may be nil.
func NewHandler(manager *Manager, mixer Mixer, clipper Clipper, objects ObjectStore, store MetadataStore, trimJobs TrimQueue, progress ProgressPublisher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager:  manager,
		mixer:    mixer,
		clipper:  clipper,
		objects:  objects,
		store:    store,
		trimJobs: trimJobs,
		progress: progress,
		logger:   logger,
	}
}

type startRequest struct {
	MimeType    string `json:"mime_type"`
	SystemAudio bool   `json:"system_audio"`
	MicGranted  bool   `json:"mic_granted"`
}

// Start handles POST /api/sessions. The client calls this after its capture
// grants resolved; a denied microphone is recorded but not fatal.
func (h *Handler) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !req.MicGranted {
		h.logger.Info("session starting without microphone")
	}
	s, err := h.manager.Start(StartOptions{
		MimeType:       req.MimeType,
		HasSystemAudio: req.SystemAudio,
		MicGranted:     req.MicGranted,
	})
	if err != nil {
		h.logger.Error("start session failed", zap.Error(err))
		response.Internal(c, "failed to start session")
		return
	}
	response.Created(c, gin.H{
		"id":               s.ID,
		"state":            s.State(),
		"max_duration_sec": int(h.manager.MaxDuration().Seconds()),
	})
}

// AppendChunk handles POST /api/sessions/:id/chunks?seq=N&track=display|mic
// with the encoded chunk as the request body.
func (h *Handler) AppendChunk(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	seq, err := strconv.Atoi(c.Query("seq"))
	if err != nil || seq < 0 {
		response.BadRequest(c, "invalid seq")
		return
	}
	track := c.DefaultQuery("track", TrackDisplay)

	s, err := h.manager.Get(id)
	if err != nil {
		response.NotFound(c, "session not found")
		return
	}
	if err := s.AppendChunk(track, seq, c.Request.Body); err != nil {
		if errors.Is(err, ErrNotRecording) {
			response.Conflict(c, "session is no longer recording")
			return
		}
		h.logger.Error("append chunk failed", zap.Error(err), zap.String("session_id", id.String()))
		response.BadRequest(c, err.Error())
		return
	}
	response.OK(c, gin.H{"seq": seq})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// Stop handles POST /api/sessions/:id/stop. Safe to call from every trigger
// (user click, display revoke, cap timer already fired): repeated stops are
// no-ops reporting the current state.
func (h *Handler) Stop(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req stopRequest
	_ = c.ShouldBindJSON(&req)
	reason := StopReasonUser
	if req.Reason == string(StopReasonRevoked) {
		reason = StopReasonRevoked
	}
	s, err := h.manager.Stop(id, reason)
	if err != nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, gin.H{
		"state":         s.State(),
		"stop_reason":   s.StopReason(),
		"limit_reached": s.LimitReached(),
	})
}

// Get handles GET /api/sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.manager.Get(id)
	if err != nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, gin.H{
		"id":               s.ID,
		"state":            s.State(),
		"elapsed_sec":      h.manager.Elapsed(s).Seconds(),
		"max_duration_sec": int(h.manager.MaxDuration().Seconds()),
		"limit_reached":    s.LimitReached(),
		"chunks":           s.ChunkCount(TrackDisplay),
	})
}

type finalizeRequest struct {
	Title      string   `json:"title"`
	TrimStart  *float64 `json:"trim_start"`
	TrimEnd    *float64 `json:"trim_end"`
	SystemGain float64  `json:"system_gain"`
	MicGain    float64  `json:"mic_gain"`
	Async      bool     `json:"async"`
}

// Finalize handles POST /api/sessions/:id/finalize: assemble chunks, mix
// audio, trim (or enqueue a trim job), upload and register metadata. Any
// failed step returns the session to preview so the user can retry; a failed
// trim alone falls back to the untrimmed recording with a warning.
func (h *Handler) Finalize(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s, err := h.manager.Get(id)
	if err != nil {
		response.NotFound(c, "session not found")
		return
	}
	if err := s.beginUpload(); err != nil {
		if errors.Is(err, ErrAlreadyUploading) {
			response.Conflict(c, err.Error())
		} else {
			response.BadRequest(c, err.Error())
		}
		return
	}

	ctx := c.Request.Context()
	videoID := uuid.New()

	combined, duration, err := h.assembleAndMix(ctx, s, req)
	if err != nil {
		s.abortUpload()
		h.logger.Error("assemble recording failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to assemble recording")
		return
	}
	if combined == "" {
		s.abortUpload()
		response.BadRequest(c, "session has no recorded data")
		return
	}

	trimRequested := req.TrimStart != nil && req.TrimEnd != nil &&
		!trim.IsFullRange(*req.TrimStart, *req.TrimEnd, duration)

	uploadPath := combined
	contentType := s.MimeType
	warning := ""
	if trimRequested && !req.Async {
		if err := trim.ValidateBounds(*req.TrimStart, *req.TrimEnd, duration); err != nil {
			s.abortUpload()
			response.BadRequest(c, err.Error())
			return
		}
		result, err := h.clipper.Trim(ctx, combined, s.MimeType, *req.TrimStart, *req.TrimEnd, duration,
			h.progressFunc(ctx, videoID, "trim"))
		if err != nil {
			s.abortUpload()
			response.BadRequest(c, err.Error())
			return
		}
		uploadPath = result.Path
		contentType = result.ContentType
		warning = result.Warning
		if result.Trimmed {
			if d, err := h.mixer.ProbeDuration(ctx, result.Path); err == nil {
				duration = d
			} else {
				duration = *req.TrimEnd - *req.TrimStart
			}
		}
	}

	ext := storage.ExtensionForContentType(contentType)
	key := storage.VideoKey(videoID.String(), ext)
	if err := h.uploadFile(ctx, key, contentType, uploadPath); err != nil {
		s.abortUpload()
		h.logger.Error("upload failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "upload failed")
		return
	}

	title := req.Title
	if title == "" {
		title = models.DefaultTitle(time.Now())
	}
	video := &models.Video{
		ID:       videoID,
		Title:    title,
		Filename: key,
		Duration: duration,
	}
	if trimRequested {
		video.TrimStart = req.TrimStart
		video.TrimEnd = req.TrimEnd
	}
	if err := h.store.Create(ctx, video); err != nil {
		// The object is already stored: it stays orphaned until the sweep
		// deletes it. The session returns to preview for a retry.
		s.abortUpload()
		h.logger.Error("create video record failed", zap.Error(err), zap.String("video_id", videoID.String()))
		response.Internal(c, "failed to save video metadata")
		return
	}

	if trimRequested && req.Async && h.trimJobs != nil {
		if err := h.trimJobs.EnqueueTrim(ctx, queue.TrimPayload{
			VideoID:   videoID,
			SourceKey: key,
			TrimStart: *req.TrimStart,
			TrimEnd:   *req.TrimEnd,
			Duration:  duration,
		}); err != nil {
			h.logger.Error("enqueue trim job failed", zap.Error(err), zap.String("video_id", videoID.String()))
			warning = "trim could not be scheduled, the full recording was published"
		}
	}

	h.manager.Remove(id)
	h.publish(ctx, videoID, "done", 1)

	data := gin.H{"id": videoID, "filename": key}
	if warning != "" {
		response.OKWithWarning(c, data, warning)
		return
	}
	response.OK(c, data)
}

// assembleAndMix concatenates track chunks and runs the audio mix graph.
// Returns the combined file and its probed duration; "" when no video chunks
// were ever received.
func (h *Handler) assembleAndMix(ctx context.Context, s *Session, req finalizeRequest) (string, float64, error) {
	display, err := s.Assemble(TrackDisplay)
	if err != nil {
		return "", 0, err
	}
	if display == "" {
		return "", 0, nil
	}
	mic, err := s.Assemble(TrackMic)
	if err != nil {
		return "", 0, err
	}

	var audioInputs []string
	var gains []float64
	if s.HasSystemAudio {
		audioInputs = append(audioInputs, display)
		gains = append(gains, gainOrDefault(req.SystemGain))
	}
	if mic != "" {
		audioInputs = append(audioInputs, mic)
		gains = append(gains, gainOrDefault(req.MicGain))
	}

	combined := display
	// A lone embedded system-audio source at unity gain is already the mix.
	needsMix := mic != "" || (s.HasSystemAudio && gainOrDefault(req.SystemGain) != 1.0)
	if needsMix {
		combined = filepath.Join(s.Dir(), "combined.webm")
		if err := h.mixer.MixAudio(ctx, display, audioInputs, gains, combined); err != nil {
			return "", 0, err
		}
	}

	duration, err := h.mixer.ProbeDuration(ctx, combined)
	if err != nil {
		return "", 0, err
	}
	return combined, duration, nil
}

func (h *Handler) uploadFile(ctx context.Context, key, contentType, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return h.objects.Upload(ctx, key, contentType, f, info.Size())
}

func (h *Handler) progressFunc(ctx context.Context, videoID uuid.UUID, stage string) func(float64) {
	if h.progress == nil {
		return nil
	}
	return func(frac float64) {
		h.publish(ctx, videoID, stage, frac)
	}
}

func (h *Handler) publish(ctx context.Context, videoID uuid.UUID, stage string, frac float64) {
	if h.progress == nil {
		return
	}
	if err := h.progress.Publish(ctx, videoID.String(), stage, frac); err != nil {
		h.logger.Debug("publish progress failed", zap.Error(err))
	}
}

func gainOrDefault(g float64) float64 {
	if g <= 0 {
		return 1.0
	}
	return g
}
