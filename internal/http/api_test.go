package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-reader/internal/domain"
	"offline-reader/internal/downloader"
	"offline-reader/internal/queue"
	"offline-reader/internal/repository"
	"offline-reader/internal/service"
)

type memUsers struct {
	nextID int64
	byName map[string]*domain.User
}

func newMemUsers() *memUsers { return &memUsers{byName: make(map[string]*domain.User)} }

func (m *memUsers) Init(context.Context) error { return nil }

func (m *memUsers) Create(_ context.Context, user *domain.User) (int64, error) {
	m.nextID++
	user.ID = m.nextID
	m.byName[user.Username] = user
	return user.ID, nil
}

func (m *memUsers) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	user, ok := m.byName[username]
	if !ok {
		return nil, nil
	}
	return user, nil
}

func (m *memUsers) GetByID(_ context.Context, id int64) (*domain.User, error) {
	for _, user := range m.byName {
		if user.ID == id {
			return user, nil
		}
	}
	return nil, nil
}

var _ repository.UserRepository = (*memUsers)(nil)

// stubManager records what the routes delegate to it.
type stubManager struct {
	downloadErr error
	downloads   []downloader.Request
	paused      []domain.TaskKey
	ceiling     int
}

func (s *stubManager) Download(_ context.Context, req downloader.Request) error {
	s.downloads = append(s.downloads, req)
	return s.downloadErr
}

func (s *stubManager) Pause(key domain.TaskKey) error {
	s.paused = append(s.paused, key)
	return nil
}

func (s *stubManager) Resume(domain.TaskKey) error                  { return nil }
func (s *stubManager) Cancel(domain.TaskKey) error                  { return nil }
func (s *stubManager) Retry(domain.TaskKey) error                   { return domain.ErrTaskNotFound }
func (s *stubManager) Snapshot() queue.Snapshot                     { return queue.Snapshot{} }
func (s *stubManager) Subscribe(func(queue.Snapshot)) func()        { return func() {} }
func (s *stubManager) SetMaxConcurrent(n int)                       { s.ceiling = n }
func (s *stubManager) Library(context.Context) ([]domain.PersistedRecord, error) {
	return nil, nil
}
func (s *stubManager) Delete(context.Context, domain.TaskKey) error { return nil }
func (s *stubManager) PendingResumes(context.Context) ([]domain.ResumeCheckpoint, error) {
	return nil, nil
}
func (s *stubManager) Shutdown() {}

var _ downloader.Manager = (*stubManager)(nil)

func newTestRouter(t *testing.T, manager downloader.Manager) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	users := service.NewUserService(newMemUsers(), "letmein")
	handler := NewHandler(map[domain.Medium]downloader.Manager{domain.MediumComic: manager}, users, "test-secret", time.Hour)
	router := gin.New()
	handler.RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func loginToken(t *testing.T, router *gin.Engine) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "reader", "password": "correcthorse", "register_secret": "letmein",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{
		"username": "reader", "password": "correcthorse",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestDownloadRoutesRequireAuth(t *testing.T) {
	router := newTestRouter(t, &stubManager{})
	rec := doJSON(t, router, http.MethodPost, "/api/downloads/comic", "", gin.H{
		"source": "src", "parent_id": "c1", "content_id": "ch1",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/downloads/comic", "not-a-jwt", gin.H{
		"source": "src", "parent_id": "c1", "content_id": "ch1",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegistrationRequiresSecret(t *testing.T) {
	router := newTestRouter(t, &stubManager{})
	rec := doJSON(t, router, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "reader", "password": "correcthorse", "register_secret": "wrong",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateDownloadQueued(t *testing.T) {
	manager := &stubManager{}
	router := newTestRouter(t, manager)
	token := loginToken(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/downloads/comic", token, gin.H{
		"source": "picomics", "parent_id": "comic-1", "content_id": "ch-1", "content_title": "Chapter One",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, manager.downloads, 1)
	assert.Equal(t, "picomics", manager.downloads[0].Source)
	assert.Equal(t, "Chapter One", manager.downloads[0].ContentTitle)
}

func TestCreateDownloadErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"already downloaded is a success no-op", domain.ErrAlreadyDownloaded, http.StatusOK},
		{"unknown source", domain.ErrUnsupportedSource, http.StatusBadRequest},
		{"duplicate task", domain.ErrDuplicateTask, http.StatusConflict},
		{"resolution failure", assert.AnError, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(t, &stubManager{downloadErr: tc.err})
			token := loginToken(t, router)
			rec := doJSON(t, router, http.MethodPost, "/api/downloads/comic", token, gin.H{
				"source": "src", "parent_id": "c1", "content_id": "ch1",
			})
			assert.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestUnknownMedium(t *testing.T) {
	router := newTestRouter(t, &stubManager{})
	token := loginToken(t, router)
	rec := doJSON(t, router, http.MethodPost, "/api/downloads/podcast", token, gin.H{
		"source": "src", "parent_id": "c1", "content_id": "ch1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskOpsDelegateToManager(t *testing.T) {
	manager := &stubManager{}
	router := newTestRouter(t, manager)
	token := loginToken(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/downloads/comic/comic-1/ch-1/pause", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, manager.paused, 1)
	assert.Equal(t, domain.TaskKey{ParentID: "comic-1", ContentID: "ch-1"}, manager.paused[0])

	// Retry on an unknown task surfaces as 404.
	rec = doJSON(t, router, http.MethodPost, "/api/downloads/comic/comic-1/ch-1/retry", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetConcurrency(t *testing.T) {
	manager := &stubManager{}
	router := newTestRouter(t, manager)
	token := loginToken(t, router)

	rec := doJSON(t, router, http.MethodPut, "/api/settings/comic/concurrency", token, gin.H{"max_concurrent": 4})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 4, manager.ceiling)

	rec = doJSON(t, router, http.MethodPut, "/api/settings/comic/concurrency", token, gin.H{"max_concurrent": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
