package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	t           *testing.T
	tokenCalls  atomic.Int32
	expiredAt   string
	files       []File
	downloadURL string
	listCode    int
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		var body map[string]string
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(f.t, "id", body["clientID"])
		assert.Equal(f.t, "secret", body["clientSecret"])
		assert.Equal(f.t, "open_platform", r.Header.Get("Platform"))
		time.Sleep(10 * time.Millisecond)
		writeEnvelope(w, 0, map[string]string{"accessToken": "tok-1", "expiredAt": f.expiredAt})
	})
	mux.HandleFunc("GET /api/v2/file/list", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(f.t, "0", r.URL.Query().Get("parentFileId"))
		assert.Equal(f.t, "1", r.URL.Query().Get("searchMode"))
		if f.listCode != 0 {
			writeEnvelope(w, f.listCode, nil)
			return
		}
		writeEnvelope(w, 0, map[string]any{"lastFileId": -1, "fileList": f.files})
	})
	mux.HandleFunc("GET /api/v1/file/download_info", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "42", r.URL.Query().Get("fileId"))
		writeEnvelope(w, 0, map[string]string{"downloadUrl": f.downloadURL})
	})
	return mux
}

func writeEnvelope(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": "msg", "data": data})
}

func newTestClient(t *testing.T, api *fakeAPI, now func() time.Time) *Client {
	t.Helper()
	api.t = t
	if api.expiredAt == "" {
		api.expiredAt = now().Add(2 * time.Hour).Format(time.RFC3339)
	}
	server := httptest.NewServer(api.handler())
	t.Cleanup(server.Close)
	return NewClient("id", "secret",
		WithBaseURL(server.URL),
		WithHTTPClient(server.Client()),
		WithNow(now),
	)
}

func TestFindFile_ExactFileMatch(t *testing.T) {
	api := &fakeAPI{files: []File{
		{FileID: 1, FileName: "movie.mkv", Type: 1},
		{FileID: 2, FileName: "Movie.mkv", Type: 0},
		{FileID: 3, FileName: "movie.mkv", Type: 0, Trashed: 1},
		{FileID: 42, FileName: "movie.mkv", Type: 0, Size: 1024, ParentFileID: 9, CreateAt: "2024-01-01 00:00:00"},
	}}
	c := newTestClient(t, api, time.Now)

	f, err := c.FindFile(context.Background(), "movie.mkv", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(42), f.FileID)
	assert.Equal(t, int64(1024), f.Size)
	assert.Equal(t, int64(9), f.ParentFileID)
}

func TestFindFile_NotFound(t *testing.T) {
	api := &fakeAPI{files: []File{{FileID: 1, FileName: "movie.mkv.bak"}}}
	c := newTestClient(t, api, time.Now)

	_, err := c.FindFile(context.Background(), "movie.mkv", 10)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearch_APIError(t *testing.T) {
	api := &fakeAPI{listCode: 429}
	c := newTestClient(t, api, time.Now)

	_, err := c.Search(context.Background(), "movie.mkv", 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.Code)
}

func TestDownloadURL(t *testing.T) {
	api := &fakeAPI{downloadURL: "https://download.example.com/file?sign=abc"}
	c := newTestClient(t, api, time.Now)

	u, err := c.DownloadURL(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "https://download.example.com/file?sign=abc", u)
}

func TestDownloadURL_Empty(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api, time.Now)

	_, err := c.DownloadURL(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAccessToken_CachedUntilSkew(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	api := &fakeAPI{expiredAt: now.Add(time.Hour).Format(time.RFC3339)}
	c := newTestClient(t, api, clock)

	_, err := c.Search(context.Background(), "a", 1)
	require.NoError(t, err)
	_, err = c.Search(context.Background(), "b", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.tokenCalls.Load())

	// Inside the refresh window.
	mu.Lock()
	now = now.Add(56 * time.Minute)
	mu.Unlock()

	_, err = c.Search(context.Background(), "c", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.tokenCalls.Load())
}

func TestAccessToken_ConcurrentRefreshShared(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api, time.Now)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Search(context.Background(), "x", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), api.tokenCalls.Load())
}

func TestNoCredentials(t *testing.T) {
	c := NewClient("", "")
	assert.False(t, c.Configured())

	_, err := c.Search(context.Background(), "x", 1)
	require.ErrorIs(t, err, ErrNoCredentials)
}
