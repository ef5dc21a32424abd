package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/imagewatch/cache"
	"go.pilab.hu/imagewatch/domain"
	apierrors "go.pilab.hu/imagewatch/errors"
	"go.pilab.hu/imagewatch/internal/auth"
	"go.pilab.hu/imagewatch/internal/delivery"
	"go.pilab.hu/imagewatch/internal/scanner"
	"go.pilab.hu/imagewatch/internal/tracker"
)

var cheapArgon2 = auth.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}

type testEnv struct {
	server  *httptest.Server
	store   *cache.TokenStore
	authn   *auth.Authenticator
	tracker *tracker.Tracker
	scanner *scanner.Scanner
	watched fstest.MapFS
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := auth.HashPassword("secret", cheapArgon2)
	require.NoError(t, err)

	serveDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(serveDir, "a.jpg"), []byte("jpeg-bytes"), 0o600))

	frontendDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(frontendDir, "index.html"), []byte("<html>app</html>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(frontendDir, "app.js"), []byte("console.log(1)"), 0o600))

	env := &testEnv{watched: fstest.MapFS{}}
	env.store = cache.NewTokenStore(cache.Config{CleanupInterval: time.Hour, TTL: time.Hour, MaxPerUser: 4})
	env.authn = auth.NewAuthenticator(auth.Config{Username: "admin", PasswordHash: hash, Tokens: env.store})
	env.tracker = tracker.NewTracker(tracker.Config{
		Spawn: tracker.DeliverySpawner(env.store, delivery.Config{ChunkSize: 2, RefreshInterval: time.Hour}),
	})
	env.scanner = scanner.NewScanner(scanner.Config{
		FS:         env.watched,
		Extensions: map[string]struct{}{"jpg": {}},
		Sink:       env.tracker,
	})

	fhash, err := FrontendHash(frontendDir)
	require.NoError(t, err)

	router := NewRouter(Options{
		Authenticator:  env.authn,
		Tokens:         env.store,
		Tracker:        env.tracker,
		ServeDir:       serveDir,
		FrontendDir:    frontendDir,
		FrontendHash:   fhash,
		MetricsHandler: promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
	})
	env.server = httptest.NewServer(router)

	t.Cleanup(func() {
		env.server.Close()
		for _, c := range []interface {
			Close() error
			Wait()
		}{env.scanner, env.tracker, env.authn, env.store} {
			_ = c.Close()
			c.Wait()
		}
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) login(t *testing.T, username, password string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(domain.Credentials{Username: username, Password: password})
	require.NoError(t, err)
	return e.do(t, http.MethodPost, "/backend/login", "", bytes.NewReader(payload))
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body apierrors.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Code
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	resp := e.login(t, "admin", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return readBody(t, resp)
}

func TestLoginLogout(t *testing.T) {
	env := newTestEnv(t)

	token := env.token(t)
	require.NotEmpty(t, token)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/backend/checkauth", token, nil).StatusCode)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/backend/logout", token, nil).StatusCode)

	resp := env.do(t, http.MethodGet, "/backend/checkauth", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, apierrors.Unauthorized, errorCode(t, resp))
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name string
		body string
	}{
		{name: "wrong password", body: `{"username":"admin","password":"nope"}`},
		{name: "wrong user", body: `{"username":"root","password":"secret"}`},
		{name: "malformed body", body: `{"username":`},
		{name: "empty body", body: ``},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/backend/login", "", strings.NewReader(tc.body))
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestProtectedRoutes(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	testCases := []struct {
		name           string
		method         string
		path           string
		token          string
		expectedStatus int
		expectedBody   string
	}{
		{name: "checkauth without token", method: http.MethodGet, path: "/backend/checkauth", expectedStatus: http.StatusUnauthorized},
		{name: "logout without token", method: http.MethodPost, path: "/backend/logout", expectedStatus: http.StatusUnauthorized},
		{name: "data without token", method: http.MethodGet, path: "/backend/data/a.jpg", expectedStatus: http.StatusUnauthorized},
		{name: "data with token", method: http.MethodGet, path: "/backend/data/a.jpg", token: token, expectedStatus: http.StatusOK, expectedBody: "jpeg-bytes"},
		{name: "missing data file", method: http.MethodGet, path: "/backend/data/none.jpg", token: token, expectedStatus: http.StatusNotFound},
		{name: "unknown backend route", method: http.MethodGet, path: "/backend/nope", token: token, expectedStatus: http.StatusNotFound},
		{name: "frontend hash is public", method: http.MethodGet, path: "/backend/frontend_hash", expectedStatus: http.StatusOK},
		{name: "metrics are public", method: http.MethodGet, path: "/metrics", expectedStatus: http.StatusOK},
		{name: "frontend index", method: http.MethodGet, path: "/", expectedStatus: http.StatusOK, expectedBody: "<html>app</html>"},
		{name: "frontend asset", method: http.MethodGet, path: "/app.js", expectedStatus: http.StatusOK, expectedBody: "console.log(1)"},
		{name: "frontend client route falls back", method: http.MethodGet, path: "/gallery/2024", expectedStatus: http.StatusOK, expectedBody: "<html>app</html>"},
		{name: "post outside backend", method: http.MethodPost, path: "/gallery", expectedStatus: http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, tc.method, tc.path, tc.token, nil)
			assert.Equal(t, tc.expectedStatus, resp.StatusCode)
			if tc.expectedBody != "" {
				assert.Equal(t, tc.expectedBody, readBody(t, resp))
			}
		})
	}
}

func TestFrontendHash(t *testing.T) {
	hash, err := FrontendHash("")
	require.NoError(t, err)
	assert.Equal(t, DevFrontendHash, hash)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("v1"), 0o600))
	first, err := FrontendHash(dir)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	again, err := FrontendHash(dir)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("v2"), 0o600))
	changed, err := FrontendHash(dir)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func dialFeed(t *testing.T, env *testEnv, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/backend/ws"
	dialer := websocket.Dialer{Subprotocols: []string{"bearer", token}}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, "bearer", resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readDelta(t *testing.T, conn *websocket.Conn) domain.ChangeDelta {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var delta domain.ChangeDelta
	require.NoError(t, json.Unmarshal(payload, &delta))
	return delta
}

func TestWebsocketFeed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	token := env.token(t)

	early := dialFeed(t, env, token)
	first := readDelta(t, early)
	assert.Empty(t, first.Removed)
	assert.Empty(t, first.Added)

	modTime := time.UnixMilli(1_700_000_000_000)
	env.watched["a.jpg"] = &fstest.MapFile{Data: []byte("x"), ModTime: modTime}
	_, err := env.scanner.ScanNow(ctx)
	require.NoError(t, err)

	incremental := readDelta(t, early)
	require.Len(t, incremental.Added, 1)
	assert.Equal(t, "a.jpg", incremental.Added[0].Path)
	assert.Equal(t, modTime.UnixMilli(), incremental.Added[0].ModTime.UnixMilli())

	late := dialFeed(t, env, token)
	sync := readDelta(t, late)
	assert.Empty(t, sync.Removed)
	require.Len(t, sync.Added, 1)
	assert.Equal(t, "a.jpg", sync.Added[0].Path)

	resp := env.do(t, http.MethodGet, "/backend/files", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"removed":[],"added":[["a.jpg",1700000000000]]}`, readBody(t, resp))
}

func TestWebsocketRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/backend/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnavailableDuringShutdown(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	require.NoError(t, env.tracker.Close())
	env.tracker.Wait()
	resp := env.do(t, http.MethodGet, "/backend/files", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/backend/ws"
	_, wsResp, err := (&websocket.Dialer{Subprotocols: []string{"bearer", token}}).Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusServiceUnavailable, wsResp.StatusCode)

	require.NoError(t, env.authn.Close())
	env.authn.Wait()
	assert.Equal(t, http.StatusServiceUnavailable, env.login(t, "admin", "secret").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/backend/checkauth", token, nil).StatusCode)
}
