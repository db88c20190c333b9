package videos

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srecorder/backend/internal/models"
)

func newTestRouter(store *MockStore, objects *MockObjectStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(store, objects, nil)
	r := gin.New()
	api := r.Group("/api")
	api.POST("/upload/presigned", h.Presign)
	api.POST("/video/create", h.Create)
	api.GET("/videos", h.List)
	api.GET("/video/:id", h.Get)
	api.GET("/video/:id/stream", h.Stream)
	api.POST("/video/:id/view", h.View)
	api.POST("/video/:id/progress", h.Progress)
	return r
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestPresign(t *testing.T) {
	t.Run("returns url and key bound to a fresh id", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		objects.On("PresignExpire").Return(time.Hour)
		objects.On("GeneratePresignedUploadURL", mock.Anything, mock.MatchedBy(func(key string) bool {
			return strings.HasSuffix(key, ".webm")
		}), "video/webm", time.Hour).Return("https://storage.example/put", nil)

		w := doJSON(r, http.MethodPost, "/api/upload/presigned", `{"extension":".webm","contentType":"video/webm"}`)

		require.Equal(t, http.StatusOK, w.Code)
		e := decode(t, w)
		assert.True(t, e.Success)

		var data struct {
			UploadURL string `json:"uploadUrl"`
			FileID    string `json:"fileId"`
			Filename  string `json:"filename"`
		}
		require.NoError(t, json.Unmarshal(e.Data, &data))
		assert.Equal(t, "https://storage.example/put", data.UploadURL)
		id, err := uuid.Parse(data.FileID)
		require.NoError(t, err)
		assert.Equal(t, id.String()+".webm", data.Filename)
	})

	t.Run("derives extension from content type", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		objects.On("PresignExpire").Return(time.Hour)
		objects.On("GeneratePresignedUploadURL", mock.Anything, mock.MatchedBy(func(key string) bool {
			return strings.HasSuffix(key, ".mp4")
		}), "video/mp4", time.Hour).Return("https://storage.example/put", nil)

		w := doJSON(r, http.MethodPost, "/api/upload/presigned", `{"contentType":"video/mp4"}`)

		assert.Equal(t, http.StatusOK, w.Code)
		objects.AssertExpectations(t)
	})

	t.Run("rejects unsupported extensions", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		w := doJSON(r, http.MethodPost, "/api/upload/presigned", `{"extension":".exe"}`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		objects.AssertNotCalled(t, "GeneratePresignedUploadURL", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestCreate(t *testing.T) {
	validID := uuid.New()

	t.Run("persists metadata with the given id", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		store.On("Create", mock.Anything, mock.MatchedBy(func(v *models.Video) bool {
			return v.ID == validID && v.Title == "Demo" && v.Filename == validID.String()+".webm"
		})).Return(nil)

		w := doJSON(r, http.MethodPost, "/api/video/create",
			`{"id":"`+validID.String()+`","title":"Demo","filename":"`+validID.String()+`.webm","duration":12.5}`)

		assert.Equal(t, http.StatusCreated, w.Code)
		store.AssertExpectations(t)
	})

	t.Run("missing id or filename is a 400", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		w := doJSON(r, http.MethodPost, "/api/video/create", `{"title":"Demo"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = doJSON(r, http.MethodPost, "/api/video/create", `{"id":"`+validID.String()+`"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("empty title gets a timestamped default", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		store.On("Create", mock.Anything, mock.MatchedBy(func(v *models.Video) bool {
			return strings.HasPrefix(v.Title, "Screen Recording ")
		})).Return(nil)

		w := doJSON(r, http.MethodPost, "/api/video/create",
			`{"id":"`+validID.String()+`","filename":"`+validID.String()+`.webm"}`)

		assert.Equal(t, http.StatusCreated, w.Code)
		store.AssertExpectations(t)
	})

	t.Run("insert failure is a 500 and leaves the object orphaned", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		store.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))

		w := doJSON(r, http.MethodPost, "/api/video/create",
			`{"id":"`+validID.String()+`","filename":"`+validID.String()+`.webm"}`)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		// No compensating delete: the sweep handles the orphan later.
		objects.AssertNotCalled(t, "DeleteObject", mock.Anything, mock.Anything)
	})
}

func TestGet(t *testing.T) {
	id := uuid.New()

	t.Run("unknown id is a 404", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		store.On("GetByID", mock.Anything, id).Return(nil, nil)

		w := doJSON(r, http.MethodGet, "/api/video/"+id.String(), "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id is a 400", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		w := doJSON(r, http.MethodGet, "/api/video/not-a-uuid", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("existing video is returned", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		store.On("GetByID", mock.Anything, id).Return(&models.Video{ID: id, Title: "Demo", Views: 3}, nil)

		w := doJSON(r, http.MethodGet, "/api/video/"+id.String(), "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "Demo")
	})
}

func TestView(t *testing.T) {
	id := uuid.New()

	t.Run("every load increments", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		store.On("IncrementViews", mock.Anything, id).Return(nil).Twice()

		w := doJSON(r, http.MethodPost, "/api/video/"+id.String()+"/view", "")
		assert.Equal(t, http.StatusOK, w.Code)
		w = doJSON(r, http.MethodPost, "/api/video/"+id.String()+"/view", "")
		assert.Equal(t, http.StatusOK, w.Code)
		store.AssertExpectations(t)
	})
}

func TestProgress(t *testing.T) {
	id := uuid.New()

	t.Run("folds the report into the running average", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		store.On("GetByID", mock.Anything, id).
			Return(&models.Video{ID: id, Views: 2, CompletionRate: 100}, nil)
		store.On("UpdateCompletionRate", mock.Anything, id, 75.0).Return(nil)

		w := doJSON(r, http.MethodPost, "/api/video/"+id.String()+"/progress", `{"percentage":50}`)

		assert.Equal(t, http.StatusOK, w.Code)
		store.AssertExpectations(t)
	})

	t.Run("non-numeric percentage is a 400", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		w := doJSON(r, http.MethodPost, "/api/video/"+id.String()+"/progress", `{"percentage":"half"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = doJSON(r, http.MethodPost, "/api/video/"+id.String()+"/progress", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		store.AssertNotCalled(t, "UpdateCompletionRate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown video is a 404", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		store.On("GetByID", mock.Anything, id).Return(nil, nil)

		w := doJSON(r, http.MethodPost, "/api/video/"+id.String()+"/progress", `{"percentage":80}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestStream(t *testing.T) {
	id := uuid.New()

	t.Run("proxies the object with content type and CORP header", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		store.On("GetByID", mock.Anything, id).
			Return(&models.Video{ID: id, Filename: id.String() + ".webm"}, nil)
		objects.On("GetObjectStream", mock.Anything, id.String()+".webm").
			Return(io.NopCloser(strings.NewReader("videobytes")), "video/webm", int64(10), nil)

		w := doJSON(r, http.MethodGet, "/api/video/"+id.String()+"/stream", "")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "videobytes", w.Body.String())
		assert.Equal(t, "video/webm", w.Header().Get("Content-Type"))
		assert.Equal(t, "cross-origin", w.Header().Get("Cross-Origin-Resource-Policy"))
	})

	t.Run("missing object is a 404 even when metadata exists", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		store.On("GetByID", mock.Anything, id).
			Return(&models.Video{ID: id, Filename: id.String() + ".webm"}, nil)
		objects.On("GetObjectStream", mock.Anything, id.String()+".webm").
			Return(nil, "", int64(0), errors.New("NoSuchKey"))

		w := doJSON(r, http.MethodGet, "/api/video/"+id.String()+"/stream", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing metadata is a 404", func(t *testing.T) {
		store := new(MockStore)
		objects := new(MockObjectStore)
		r := newTestRouter(store, objects)

		store.On("GetByID", mock.Anything, id).Return(nil, nil)

		w := doJSON(r, http.MethodGet, "/api/video/"+id.String()+"/stream", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		objects.AssertNotCalled(t, "GetObjectStream", mock.Anything, mock.Anything)
	})
}

func TestList(t *testing.T) {
	store := new(MockStore)
	objects := new(MockObjectStore)
	r := newTestRouter(store, objects)

	store.On("ListRecent", mock.Anything, 20).Return([]models.Video{{Title: "A"}, {Title: "B"}}, nil)

	w := doJSON(r, http.MethodGet, "/api/videos", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "A")
	assert.Contains(t, w.Body.String(), "B")
}
