package videos

import (
	"context"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/srecorder/backend/internal/models"
	"github.com/srecorder/backend/pkg/response"
	"github.com/srecorder/backend/pkg/storage"
)

// Store is the metadata persistence surface the handler needs.
type Store interface {
	Create(ctx context.Context, v *models.Video) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Video, error)
	ListRecent(ctx context.Context, limit int) ([]models.Video, error)
	IncrementViews(ctx context.Context, id uuid.UUID) error
	UpdateCompletionRate(ctx context.Context, id uuid.UUID, rate float64) error
}

// ObjectStore is the object storage surface the handler needs.
type ObjectStore interface {
	GeneratePresignedUploadURL(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
	GetObjectStream(ctx context.Context, key string) (io.ReadCloser, string, int64, error)
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) error
	PresignExpire() time.Duration
}

// Handler handles video HTTP endpoints: upload pipeline, playback and analytics.
type Handler struct {
	store   Store
	objects ObjectStore
	logger  *zap.Logger
}

// NewHandler creates a videos handler.
func NewHandler(store Store, objects ObjectStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, objects: objects, logger: logger}
}

type presignRequest struct {
	Extension   string `json:"extension"`
	ContentType string `json:"contentType"`
}

// Presign handles POST /api/upload/presigned: step one of the upload
// pipeline. Mints a fresh id, derives the storage key {id}{extension} and
// returns a PUT URL bound to that key and content type.
func (h *Handler) Presign(c *gin.Context) {
	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ext := strings.ToLower(req.Extension)
	if ext == "" {
		ext = storage.ExtensionForContentType(req.ContentType)
	}
	if _, ok := storage.AllowedVideoExtensions[ext]; !ok {
		response.BadRequest(c, "unsupported extension: "+req.Extension)
		return
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeForExtension(ext)
	}

	fileID := uuid.New()
	key := storage.VideoKey(fileID.String(), ext)
	expire := h.objects.PresignExpire()
	uploadURL, err := h.objects.GeneratePresignedUploadURL(c.Request.Context(), key, contentType, expire)
	if err != nil {
		h.logger.Error("presign upload failed", zap.Error(err), zap.String("key", key))
		response.Internal(c, "failed to generate upload URL")
		return
	}
	response.OK(c, gin.H{
		"uploadUrl": uploadURL,
		"fileId":    fileID,
		"filename":  key,
	})
}

type createRequest struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Filename  string   `json:"filename"`
	Duration  float64  `json:"duration"`
	TrimStart *float64 `json:"trim_start"`
	TrimEnd   *float64 `json:"trim_end"`
}

// Create handles POST /api/video/create: step three of the upload pipeline,
// registering metadata after the direct PUT succeeded. If this insert fails
// the stored object stays orphaned until the sweep collects it.
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.ID == "" || req.Filename == "" {
		response.BadRequest(c, "id and filename are required")
		return
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return
	}
	title := req.Title
	if title == "" {
		title = models.DefaultTitle(time.Now())
	}
	v := &models.Video{
		ID:        id,
		Title:     title,
		Filename:  req.Filename,
		Duration:  req.Duration,
		TrimStart: req.TrimStart,
		TrimEnd:   req.TrimEnd,
	}
	if err := h.store.Create(c.Request.Context(), v); err != nil {
		h.logger.Error("create video failed", zap.Error(err), zap.String("id", req.ID))
		response.Internal(c, "failed to save video")
		return
	}
	response.Created(c, gin.H{"id": v.ID})
}

// Upload handles POST /api/upload: the server-side multipart fallback where
// the blob passes through this process instead of a presigned PUT.
func (h *Handler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "no file uploaded")
		return
	}
	title := c.PostForm("title")
	if title == "" {
		title = models.DefaultTitle(time.Now())
	}

	ext := strings.ToLower(path.Ext(fileHeader.Filename))
	if _, ok := storage.AllowedVideoExtensions[ext]; !ok {
		ext = ".webm"
	}
	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = storage.ContentTypeForExtension(ext)
	}

	f, err := fileHeader.Open()
	if err != nil {
		response.BadRequest(c, "unreadable file")
		return
	}
	defer f.Close()

	fileID := uuid.New()
	key := storage.VideoKey(fileID.String(), ext)
	if err := h.objects.Upload(c.Request.Context(), key, contentType, f, fileHeader.Size); err != nil {
		h.logger.Error("server-side upload failed", zap.Error(err), zap.String("key", key))
		response.Internal(c, "upload failed")
		return
	}

	v := &models.Video{ID: fileID, Title: title, Filename: key}
	if err := h.store.Create(c.Request.Context(), v); err != nil {
		h.logger.Error("create video failed after upload", zap.Error(err), zap.String("id", fileID.String()))
		response.Internal(c, "failed to save video")
		return
	}
	response.Created(c, gin.H{"id": fileID})
}

// Get handles GET /api/video/:id for the watch page.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	v, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get video failed", zap.Error(err), zap.String("id", id.String()))
		response.Internal(c, "failed to load video")
		return
	}
	if v == nil {
		response.NotFound(c, "video not found")
		return
	}
	response.OK(c, v)
}

// List handles GET /api/videos.
func (h *Handler) List(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	list, err := h.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list videos failed", zap.Error(err))
		response.Internal(c, "failed to list videos")
		return
	}
	response.OK(c, list)
}

// View handles POST /api/video/:id/view: best-effort view increment fired on
// every watch-page load.
func (h *Handler) View(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	if err := h.store.IncrementViews(c.Request.Context(), id); err != nil {
		h.logger.Error("increment views failed", zap.Error(err), zap.String("id", id.String()))
		response.Internal(c, "failed to count view")
		return
	}
	response.OK(c, gin.H{})
}

type progressRequest struct {
	Percentage *float64 `json:"percentage"`
}

// Progress handles POST /api/video/:id/progress: folds the viewer's
// high-water completion mark into the running average. The read-modify-write
// is unsynchronized across concurrent viewers; lost updates are accepted.
func (h *Handler) Progress(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Percentage == nil {
		response.BadRequest(c, "invalid percentage")
		return
	}

	ctx := c.Request.Context()
	v, err := h.store.GetByID(ctx, id)
	if err != nil {
		h.logger.Error("load video for progress failed", zap.Error(err), zap.String("id", id.String()))
		response.Internal(c, "failed to record progress")
		return
	}
	if v == nil {
		response.NotFound(c, "video not found")
		return
	}
	newRate := RunningAverage(v.CompletionRate, v.Views, *req.Percentage)
	if err := h.store.UpdateCompletionRate(ctx, id, newRate); err != nil {
		h.logger.Error("update completion rate failed", zap.Error(err), zap.String("id", id.String()))
		response.Internal(c, "failed to record progress")
		return
	}
	response.OK(c, gin.H{"completion_rate": newRate})
}

// Stream handles GET /api/video/:id/stream: proxies the stored object with
// its content type and a cross-origin resource policy permissive enough for
// embedding under isolation-requiring pages.
func (h *Handler) Stream(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	v, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get video failed", zap.Error(err), zap.String("id", id.String()))
		response.Internal(c, "failed to load video")
		return
	}
	if v == nil {
		response.NotFound(c, "video not found")
		return
	}

	body, contentType, contentLength, err := h.objects.GetObjectStream(c.Request.Context(), v.Filename)
	if err != nil {
		h.logger.Warn("stream object missing", zap.Error(err), zap.String("key", v.Filename))
		response.NotFound(c, "video not found in storage")
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = storage.ContentTypeForExtension(path.Ext(v.Filename))
	}
	c.Header("Cross-Origin-Resource-Policy", "cross-origin")
	c.DataFromReader(200, contentLength, contentType, body, nil)
}
