package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/strm-proxy/access"
	"github.com/wolfeidau/strm-proxy/clients"
	"github.com/wolfeidau/strm-proxy/config"
	"github.com/wolfeidau/strm-proxy/download"
	"github.com/wolfeidau/strm-proxy/resolver"
	"github.com/wolfeidau/strm-proxy/rewrite"
	"github.com/wolfeidau/strm-proxy/store/metadb"
)

type staticSettings struct {
	mu  sync.Mutex
	cfg *config.Config
}

func (s *staticSettings) Current(context.Context) *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *staticSettings) Save(_ context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

type fakeResolver struct {
	mu     sync.Mutex
	result resolver.Result
	err    error
	calls  []resolver.Request
}

func (f *fakeResolver) ResolveItem(_ context.Context, req resolver.Request) (resolver.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.result, f.err
}

type fakeRewriter struct {
	out  []byte
	err  error
	seen []byte
}

func (f *fakeRewriter) Rewrite(_ context.Context, body []byte, _ rewrite.Request) ([]byte, rewrite.Stats, error) {
	f.seen = body
	if f.err != nil {
		return nil, rewrite.Stats{}, f.err
	}
	return f.out, rewrite.Stats{Pointer: 1, Rewritten: 1}, nil
}

type fakeCache struct{ cleared int }

func (f *fakeCache) ClearVolatile(context.Context) (int, error) {
	f.cleared++
	return 7, nil
}

type testEnv struct {
	srv      *Server
	settings *staticSettings
	db       *metadb.BoltDB
	resolver *fakeResolver
	rewriter *fakeRewriter
	cache    *fakeCache
}

func testConfig(upstream string) *config.Config {
	cfg := config.Default()
	cfg.Emby.Enable = true
	cfg.Emby.Server = upstream
	cfg.Emby.APIKey = "emby-key"
	cfg.Emby.ModifyPlaybackInfo = true
	cfg.Service.RelayRate = 0
	return cfg
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		settings: &staticSettings{cfg: cfg},
		db:       db,
		resolver: &fakeResolver{err: resolver.ErrNoSource},
		rewriter: &fakeRewriter{},
		cache:    &fakeCache{},
	}

	srv, err := New(Config{
		Settings: env.settings,
		Resolver: env.resolver,
		Rewriter: env.rewriter,
		Filter:   access.NewFilter(),
		Tracker:  clients.NewTracker(db, nil),
		Relay:    download.NewRelay(),
		Store:    db,
		Cache:    env.cache,
		Version:  "test",
	})
	require.NoError(t, err)
	env.srv = srv
	return env
}

// echoUpstream records the last request it saw.
type echoUpstream struct {
	*httptest.Server
	mu    sync.Mutex
	last  *http.Request
	body  string
	calls int
}

func newEchoUpstream(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) *echoUpstream {
	t.Helper()
	u := &echoUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.last = r
		u.body = string(b)
		u.calls++
		u.mu.Unlock()
		respond(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *echoUpstream) seen() (*http.Request, string, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last, u.body, u.calls
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

func TestProxy_DisabledReturns503(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Emby.Enable = false
	env := newTestEnv(t, cfg)

	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/emby/System/Info", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "Emby proxy is not enabled", errorBody(t, rec))
}

func TestProxy_AccessDenied(t *testing.T) {
	upstream := newEchoUpstream(t, func(w http.ResponseWriter, _ *http.Request) {})
	cfg := testConfig(upstream.URL)
	cfg.Emby.ClientFilter.Enable = true
	cfg.Emby.ClientFilter.BlockedClients = []string{"BadClient"}
	env := newTestEnv(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/emby/Items", nil)
	req.Header.Set(access.HeaderClient, "badclient")
	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "Access denied", errorBody(t, rec))
	_, _, calls := upstream.seen()
	require.Zero(t, calls)
}

func TestProxy_Passthrough(t *testing.T) {
	upstream := newEchoUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	})
	env := newTestEnv(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodPost, "/emby/Sessions/Capabilities?id=1&x=%2F", strings.NewReader("payload"))
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("X-Emby-Token", "tok")
	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "short and stout", rec.Body.String())
	require.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	require.Empty(t, rec.Header().Get("Content-Length"))

	got, body, _ := upstream.seen()
	require.Equal(t, "/emby/Sessions/Capabilities", got.URL.Path)
	require.Equal(t, "id=1&x=%2F", got.URL.RawQuery)
	require.Equal(t, "payload", body)
	require.Equal(t, "tok", got.Header.Get("X-Emby-Token"))
	require.NotEqual(t, "br", got.Header.Get("Accept-Encoding"))
	require.Equal(t, "192.0.2.1", got.Header.Get("X-Forwarded-For"))
}

func TestProxy_PassthroughConnectionFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	env := newTestEnv(t, testConfig(dead.URL))

	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/emby/Items", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "Connection failed", errorBody(t, rec))
}

func TestProxy_PassthroughTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(upstream.Close)

	env := newTestEnv(t, testConfig(upstream.URL))
	env.srv.upstream.Transport = &http.Transport{ResponseHeaderTimeout: 50 * time.Millisecond}

	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/emby/Items", nil))

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Equal(t, "Request timeout", errorBody(t, rec))
}

func TestProxy_RedirectsResolvedStream(t *testing.T) {
	upstream := newEchoUpstream(t, func(w http.ResponseWriter, _ *http.Request) {})
	env := newTestEnv(t, testConfig(upstream.URL))
	env.resolver.err = nil
	env.resolver.result = resolver.Result{URL: "https://vip.example.com/Film.mkv?auth_key=1-2-3-x", Step: resolver.StepFast}

	req := httptest.NewRequest(http.MethodGet, "/emby/videos/123/stream.mkv?MediaSourceId=mediasource_456&Static=true", nil)
	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://vip.example.com/Film.mkv?auth_key=1-2-3-x", rec.Header().Get("Location"))
	require.Len(t, env.resolver.calls, 1)
	assert.Equal(t, "123", env.resolver.calls[0].ItemID)
	assert.Equal(t, "mediasource_456", env.resolver.calls[0].MediaSourceID)
	assert.Equal(t, "example.com", env.resolver.calls[0].Origin.Host)

	_, _, calls := upstream.seen()
	require.Zero(t, calls)
}

func TestProxy_RedirectFallsThrough(t *testing.T) {
	tests := []struct {
		name   string
		result resolver.Result
		err    error
	}{
		{name: "local", result: resolver.Result{Local: true}},
		{name: "error", err: errors.New("no playable source")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := newEchoUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, "from emby")
			})
			env := newTestEnv(t, testConfig(upstream.URL))
			env.resolver.result, env.resolver.err = tt.result, tt.err

			rec := httptest.NewRecorder()
			env.srv.ProxyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/Videos/77/original.strm", nil))

			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "from emby", rec.Body.String())
			require.Len(t, env.resolver.calls, 1)
		})
	}
}

func TestProxy_RedirectDisabled(t *testing.T) {
	upstream := newEchoUpstream(t, func(w http.ResponseWriter, _ *http.Request) {})
	cfg := testConfig(upstream.URL)
	cfg.Emby.RedirectEnable = false
	env := newTestEnv(t, cfg)

	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/Videos/77/stream.mp4", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, env.resolver.calls)
}

func TestProxy_PlaybackInfoRewritten(t *testing.T) {
	upstream := newEchoUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"MediaSources":[{"Path":"/x.strm"}]}`)
	})
	env := newTestEnv(t, testConfig(upstream.URL))
	env.rewriter.out = []byte(`{"MediaSources":[{"Path":"https://cdn"}]}`)

	req := httptest.NewRequest(http.MethodPost, "/emby/Items/9/PlaybackInfo?UserId=u", strings.NewReader(`{"DeviceProfile":{}}`))
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json;charset=utf-8", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"MediaSources":[{"Path":"https://cdn"}]}`, rec.Body.String())
	require.JSONEq(t, `{"MediaSources":[{"Path":"/x.strm"}]}`, string(env.rewriter.seen))

	_, body, calls := upstream.seen()
	require.Equal(t, 1, calls)
	require.Equal(t, `{"DeviceProfile":{}}`, body)
}

func TestProxy_PlaybackInfoFallsThroughOnRewriteFailure(t *testing.T) {
	upstream := newEchoUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"MediaSources":[]}`)
	})
	env := newTestEnv(t, testConfig(upstream.URL))
	env.rewriter.err = rewrite.ErrNoMediaSources

	req := httptest.NewRequest(http.MethodPost, "/Items/9/PlaybackInfo", strings.NewReader(`{"a":1}`))
	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"MediaSources":[]}`, rec.Body.String())

	_, body, calls := upstream.seen()
	require.Equal(t, 2, calls)
	require.Equal(t, `{"a":1}`, body)
}

func TestProxy_PlaybackInfoNotRewrittenWhenDisabled(t *testing.T) {
	upstream := newEchoUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"MediaSources":[]}`)
	})
	cfg := testConfig(upstream.URL)
	cfg.Emby.ModifyPlaybackInfo = false
	env := newTestEnv(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/Items/9/PlaybackInfo", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, env.rewriter.seen)
}

func TestProxy_TracksClients(t *testing.T) {
	upstream := newEchoUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	env := newTestEnv(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodPost, "/emby/Sessions/Playing", strings.NewReader(`{}`))
	req.Header.Set(access.HeaderClient, "Infuse")
	req.Header.Set(access.HeaderDeviceID, "dev-1")
	req.Header.Set(access.HeaderDeviceName, "Apple TV")
	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	env.srv.background.Wait()

	conns, err := env.db.ListClients(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, "Infuse", conns[0].Client)
	require.Equal(t, "Apple TV", conns[0].DeviceName)
	require.Equal(t, clients.UnknownUser, conns[0].UserName)

	rec = httptest.NewRecorder()
	env.srv.ServiceHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clients", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Clients []metadb.ClientConnection `json:"clients"`
		Count   int                       `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Equal(t, 1, listed.Count)
	require.Equal(t, "dev-1", listed.Clients[0].DeviceID)
}

func TestRelay_StreamsTarget(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = io.WriteString(w, "movie bytes")
	}))
	t.Cleanup(origin.Close)
	cfg := testConfig(origin.URL)
	cfg.Service.RelayHosts = []string{"127.0.0.1"}
	env := newTestEnv(t, cfg)

	target := "/proxy/download?url=" + url.QueryEscape(origin.URL+"/f.mp4")
	for name, h := range map[string]http.Handler{"proxy": env.srv.ProxyHandler(), "service": env.srv.ServiceHandler()} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "movie bytes", rec.Body.String())
			require.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
			require.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
		})
	}
}

func TestRelay_RejectsHostsOutsideAllowList(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "internal admin page")
	}))
	t.Cleanup(origin.Close)

	cfg := testConfig(origin.URL)
	cfg.Pan123.URLAuth.CustomDomains = []string{"media.example.com"}
	env := newTestEnv(t, cfg)

	targets := []string{
		origin.URL + "/admin",
		origin.URL + "/f.mp4?next=media.example.com",
		"http://media.example.com.attacker.test/f.mp4",
	}
	for _, target := range targets {
		rec := httptest.NewRecorder()
		env.srv.ProxyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy/download?url="+url.QueryEscape(target), nil))

		require.Equal(t, http.StatusForbidden, rec.Code, target)
		require.Equal(t, "relay target not allowed", errorBody(t, rec))
	}
	require.Zero(t, hits.Load())
}

func TestRelay_MissingURL(t *testing.T) {
	env := newTestEnv(t, testConfig("http://127.0.0.1:1"))

	rec := httptest.NewRecorder()
	env.srv.ProxyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy/download", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "missing url parameter", errorBody(t, rec))
}

func TestRelay_RateLimited(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Service.RelayRate = 0.001
	cfg.Service.RelayBurst = 1
	env := newTestEnv(t, cfg)
	h := env.srv.ProxyHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy/download", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy/download", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	other := httptest.NewRequest(http.MethodGet, "/proxy/download", nil)
	other.RemoteAddr = "198.51.100.7:5000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIsRedirectRequest(t *testing.T) {
	tests := []struct {
		target string
		want   bool
	}{
		{"/Videos/1/stream.mkv", true},
		{"/emby/videos/1/stream", true},
		{"/Videos/1/original.strm", true},
		{"/Videos/1/Download", true},
		{"/Videos/1/master.m3u8?MediaSourceId=2", true},
		{"/Videos/1/main.m3u8?static=True", true},
		{"/Videos/1/Subtitles/3/Stream.srt", true},
		{"/Videos/1/Images/Primary", false},
		{"/Items/1/Download", false},
		{"/Audio/1/stream.mp3", false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRedirectRequest(httptest.NewRequest(http.MethodGet, tt.target, nil)))
		})
	}
}

func TestAPI_Health(t *testing.T) {
	env := newTestEnv(t, testConfig("http://127.0.0.1:1"))

	rec := httptest.NewRecorder()
	env.srv.ServiceHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","version":"test"}`, rec.Body.String())
}

func TestAPI_StatsAndUsers(t *testing.T) {
	env := newTestEnv(t, testConfig("http://127.0.0.1:1"))
	ctx := context.Background()

	_, err := env.db.PutItemPaths(ctx, map[string]string{"1": "/a.strm", "2": "/b.strm"})
	require.NoError(t, err)
	require.NoError(t, env.db.RecordUserActivity(ctx, "alice",
		metadb.DeviceRecord{DeviceID: "d1", Device: "TV", Client: "Infuse"},
		metadb.IPRecord{IP: "10.0.0.2", UserAgent: "ua"},
	))

	h := env.srv.ServiceHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats metadb.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Equal(t, 2, stats.ItemPaths)
	require.Equal(t, 1, stats.Users)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var users struct {
		Users []metadb.UserActivity `json:"users"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	require.Len(t, users.Users, 1)
	require.Equal(t, "alice", users.Users[0].User)
}

func TestAPI_ClearCache(t *testing.T) {
	env := newTestEnv(t, testConfig("http://127.0.0.1:1"))

	rec := httptest.NewRecorder()
	env.srv.ServiceHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/cache", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"cleared":7}`, rec.Body.String())
	require.Equal(t, 1, env.cache.cleared)
}

func TestAPI_ConfigRedactedAndSaved(t *testing.T) {
	cfg := testConfig("http://emby:8096")
	cfg.Pan123.ClientSecret = "client-secret"
	env := newTestEnv(t, cfg)
	h := env.srv.ServiceHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "client-secret")
	require.NotContains(t, rec.Body.String(), "emby-key")

	var shown config.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shown))
	shown.Pan123.DownloadMode = config.ModeProxy

	body, err := json.Marshal(&shown)
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader(string(body))))
	require.Equal(t, http.StatusOK, rec.Code)

	saved := env.settings.Current(context.Background())
	require.Equal(t, config.ModeProxy, saved.Pan123.DownloadMode)
	require.Equal(t, "client-secret", saved.Pan123.ClientSecret)
	require.Equal(t, "emby-key", saved.Emby.APIKey)
}

func TestAPI_ConfigRejectsInvalid(t *testing.T) {
	env := newTestEnv(t, testConfig("http://emby:8096"))
	h := env.srv.ServiceHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader(`{"123":{"download_mode":"bogus"}}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader(`{"nope":1}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, config.ModeDirect, env.settings.Current(context.Background()).Pan123.DownloadMode)
}

func TestAPI_ConfigTemplatedFileConflict(t *testing.T) {
	t.Setenv("TEST_PUT_CONFIG_KEY", "emby-key")

	path := filepath.Join(t.TempDir(), "config.yaml")
	tmpl := "emby:\n  api_key: {{ env \"TEST_PUT_CONFIG_KEY\" | json }}\n"
	require.NoError(t, os.WriteFile(path, []byte(tmpl), 0o600))

	mgr := config.NewManager(path)
	_, err := mgr.Load(context.Background())
	require.NoError(t, err)

	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	srv, err := New(Config{
		Settings: mgr,
		Resolver: &fakeResolver{err: resolver.ErrNoSource},
		Rewriter: &fakeRewriter{},
		Filter:   access.NewFilter(),
		Tracker:  clients.NewTracker(db, nil),
		Relay:    download.NewRelay(),
		Store:    db,
		Cache:    &fakeCache{},
		Version:  "test",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.ServiceHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader(`{"123":{"download_mode":"proxy"}}`)))
	require.Equal(t, http.StatusConflict, rec.Code)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, tmpl, string(data))
	require.NotContains(t, string(data), "emby-key")
}

func TestProxy_WebsocketUpgradeSpliced(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embywebsocket" || r.Header.Get("Upgrade") != "websocket" {
			http.Error(w, "upgrade expected", http.StatusBadRequest)
			return
		}
		conn, brw, err := http.NewResponseController(w).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()

		_, _ = brw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
		_ = brw.Flush()
		line, err := brw.ReadString('\n')
		if err != nil {
			return
		}
		_, _ = brw.WriteString("echo " + line)
		_ = brw.Flush()
	}))
	t.Cleanup(upstream.Close)

	env := newTestEnv(t, testConfig(upstream.URL))
	front := httptest.NewServer(env.srv.ProxyHandler())
	t.Cleanup(front.Close)

	conn, err := net.Dial("tcp", front.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "GET /embywebsocket?api_key=k HTTP/1.1\r\nHost: proxy\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.Equal(t, "websocket", resp.Header.Get("Upgrade"))

	_, err = io.WriteString(conn, "ping\n")
	require.NoError(t, err)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "echo ping\n", line)
}

func TestDeriveRoute(t *testing.T) {
	assert.Equal(t, "internal", deriveRoute("/health"))
	assert.Equal(t, "relay", deriveRoute("/proxy/download"))
	assert.Equal(t, "admin", deriveRoute("/api/stats"))
	assert.Equal(t, "passthrough", deriveRoute("/emby/Items"))
}

func TestCopyHeaders_DropsConnectionListed(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive, X-Private")
	src.Set("X-Private", "secret")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Content-Encoding", "gzip")
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")

	dst := http.Header{}
	copyHeaders(dst, src, responseSkip)

	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("X-Private"))
	assert.Empty(t, dst.Get("Keep-Alive"))
	assert.Empty(t, dst.Get("Content-Encoding"))
	assert.Equal(t, []string{"a=1", "b=2"}, dst.Values("Set-Cookie"))
}
