package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/odvcencio/barehub/pkg/logging"
	"github.com/odvcencio/barehub/pkg/object"
	"github.com/odvcencio/barehub/pkg/repo"
)

func newTestRepo(t *testing.T) *repo.Repo {
	t.Helper()
	r, err := repo.Init(filepath.Join(t.TempDir(), "project.git"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// seed creates branch (with an empty root commit) if needed and commits
// files one at a time in path order.
func seed(t *testing.T, r *repo.Repo, branch string, files map[string]string) {
	t.Helper()
	if _, _, err := r.ResolveBranch(branch); errors.Is(err, repo.ErrBranchNotFound) {
		empty, err := r.Store.WriteTree(&object.TreeObj{})
		require.NoError(t, err)
		who := object.Signature{Name: "Seed", Email: "seed@example.com", When: time.Unix(1700000000, 0).UTC()}
		root, err := r.Store.WriteCommit(&object.CommitObj{TreeHash: empty, Author: who, Committer: who, Message: "root\n"})
		require.NoError(t, err)
		require.NoError(t, r.UpdateRef(repo.BranchRef(branch), root))
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		_, err := r.UpdateFile(repo.EditRequest{
			Branch:      branch,
			Path:        p,
			Content:     files[p],
			Message:     "add " + p,
			AuthorName:  "Seed",
			AuthorEmail: "seed@example.com",
		})
		require.NoError(t, err)
	}
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInfo(t *testing.T) {
	r := newTestRepo(t)
	h := New(r, Options{}).Handler()

	rec := do(t, h, http.MethodGet, "/api/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"name":"project.git","main_branch":null}`, rec.Body.String())

	seed(t, r, "main", map[string]string{"README.md": "hi\n"})
	rec = do(t, h, http.MethodGet, "/api/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"project.git","main_branch":"main"}`, rec.Body.String())
}

func TestBranches(t *testing.T) {
	r := newTestRepo(t)
	h := New(r, Options{}).Handler()

	rec := do(t, h, http.MethodGet, "/api/branches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	seed(t, r, "main", map[string]string{"a.txt": "a\n"})
	seed(t, r, "feature/login", map[string]string{"b.txt": "b\n"})

	rec = do(t, h, http.MethodGet, "/api/branches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["feature/login","main"]`, rec.Body.String())
}

func TestTree(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r, "main", map[string]string{
		"README.md":       "readme\n",
		"src/main.go":     "package main\n",
		"src/lib/util.go": "package lib\n",
	})
	h := New(r, Options{}).Handler()

	var listing repo.Listing
	rec := do(t, h, http.MethodGet, "/api/tree/main", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Blobs, 1)
	require.Len(t, listing.Trees, 1)
	assert.Equal(t, "README.md", listing.Blobs[0].Name)
	assert.Equal(t, "add README.md", listing.Blobs[0].LastCommitMessage)
	assert.Equal(t, "src", listing.Trees[0].Name)
	assert.Equal(t, "add src/main.go", listing.Trees[0].LastCommitMessage)

	head, _, err := r.ResolveBranch("main")
	require.NoError(t, err)
	assert.Equal(t, string(head), listing.Trees[0].LastCommitID)

	for _, target := range []string{"/api/tree/main/src", "/api/tree/main/src/"} {
		rec = do(t, h, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, rec.Code, target)
		listing = repo.Listing{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
		assert.Len(t, listing.Blobs, 1, target)
		assert.Len(t, listing.Trees, 1, target)
	}

	// Field names and non-null arrays are part of the wire format.
	rec = do(t, h, http.MethodGet, "/api/tree/main/src/lib", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, "[]", string(raw["trees"]))
	var blobs []map[string]string
	require.NoError(t, json.Unmarshal(raw["blobs"], &blobs))
	require.Len(t, blobs, 1)
	assert.ElementsMatch(t,
		[]string{"name", "last_commit_message", "last_commit_timestamp", "last_commit_id"},
		keys(blobs[0]))
}

func TestTreeNestedBranchName(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r, "feature/login", map[string]string{"login.go": "package login\n"})
	h := New(r, Options{}).Handler()

	rec := do(t, h, http.MethodGet, "/api/tree/feature%2Flogin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/blob/feature%2Flogin/login.go", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "package login\n", rec.Body.String())
}

func TestTreeErrors(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r, "main", map[string]string{"README.md": "readme\n"})
	h := New(r, Options{}).Handler()

	tests := []struct {
		target string
		status int
		body   string
	}{
		{"/api/tree/develop", http.StatusNotFound, "branch 'develop' not found"},
		{"/api/tree/main/nope", http.StatusNotFound, "path 'nope' not found"},
		{"/api/tree/main/README.md", http.StatusBadRequest, "path 'README.md' is not a tree"},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, tt.target, nil)
		assert.Equal(t, tt.status, rec.Code, tt.target)
		assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"), tt.target)
		assert.Equal(t, tt.body, strings.TrimSpace(rec.Body.String()), tt.target)
	}
}

func TestBlobGet(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r, "main", map[string]string{
		"docs/guide.md": "# Guide\n",
		"logo.bin":      "\xff\xfe\x00\x01",
	})
	h := New(r, Options{}).Handler()

	rec := do(t, h, http.MethodGet, "/api/blob/main/docs/guide.md", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "# Guide\n", rec.Body.String())

	tests := []struct {
		target string
		status int
	}{
		{"/api/blob/main/logo.bin", http.StatusUnprocessableEntity},
		{"/api/blob/main/docs", http.StatusBadRequest},
		{"/api/blob/main/docs/missing.md", http.StatusNotFound},
		{"/api/blob/develop/docs/guide.md", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, tt.target, nil)
		assert.Equal(t, tt.status, rec.Code, tt.target)
	}

	rec = do(t, h, http.MethodGet, "/api/blob/main/docs/missing.md", nil)
	assert.Equal(t, "file 'docs/missing.md' not found in branch 'main'", strings.TrimSpace(rec.Body.String()))
}

func TestBlobPost(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r, "main", map[string]string{"src/main.go": "package main\n"})
	h := New(r, Options{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/blob/main/src/main.go", map[string]string{
		"content": "package main\n\nfunc main() {}\n",
		"message": "Add main",
		"name":    "Jane Doe",
		"email":   "jane@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	head, c, err := r.ResolveBranch("main")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("Updated 'src/main.go' in branch 'main' with commit %s", head), rec.Body.String())
	assert.Equal(t, "Jane Doe", c.Author.Name)
	assert.Equal(t, "Add main\n", c.Message)

	rec = do(t, h, http.MethodGet, "/api/blob/main/src/main.go", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "package main\n\nfunc main() {}\n", rec.Body.String())

	// New directories are created on demand.
	rec = do(t, h, http.MethodPost, "/api/blob/main/docs/new/page.md", map[string]string{
		"content": "page\n", "message": "Add page", "name": "Jane Doe", "email": "jane@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodGet, "/api/tree/main/docs/new", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"last_commit_message":"Add page"`)
}

func TestBlobPostRejectsBadRequests(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r, "main", map[string]string{"src/main.go": "package main\n"})
	h := New(r, Options{}).Handler()
	before, _, err := r.ResolveBranch("main")
	require.NoError(t, err)

	valid := func() map[string]string {
		return map[string]string{"content": "x\n", "message": "m", "name": "Jane", "email": "jane@example.com"}
	}
	without := func(field string) map[string]string {
		body := valid()
		delete(body, field)
		return body
	}
	with := func(field, value string) map[string]string {
		body := valid()
		body[field] = value
		return body
	}

	tests := []struct {
		name   string
		target string
		body   any
		status int
	}{
		{"malformed json", "/api/blob/main/a.txt", "{not json", http.StatusBadRequest},
		{"missing content", "/api/blob/main/a.txt", without("content"), http.StatusBadRequest},
		{"missing email", "/api/blob/main/a.txt", without("email"), http.StatusBadRequest},
		{"empty name", "/api/blob/main/a.txt", with("name", ""), http.StatusBadRequest},
		{"git dir component", "/api/blob/main/.git%2Fconfig", valid(), http.StatusBadRequest},
		{"directory target", "/api/blob/main/src", valid(), http.StatusBadRequest},
		{"unknown branch", "/api/blob/develop/a.txt", valid(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	after, _, err := r.ResolveBranch("main")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", repo.ErrBranchNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", repo.ErrPathNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", repo.ErrWrongKind), http.StatusBadRequest},
		{fmt.Errorf("x: %w", repo.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("x: %w", errBadRequestBody), http.StatusBadRequest},
		{fmt.Errorf("x: %w", repo.ErrNotText), http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", repo.ErrConcurrentModification), http.StatusConflict},
		{fmt.Errorf("x: %w", repo.ErrRepositoryUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", repo.ErrCorruptHistory), http.StatusInternalServerError},
		{fmt.Errorf("x: %w", repo.ErrAttributionFailure), http.StatusInternalServerError},
		{fmt.Errorf("x: %w", repo.ErrWriteFailed), http.StatusInternalServerError},
		{fmt.Errorf("x: %w", repo.ErrRefUpdateFailed), http.StatusInternalServerError},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestMiddleware(t *testing.T) {
	r := newTestRepo(t)
	core, logs := observer.New(zapcore.InfoLevel)
	h := New(r, Options{Logger: logging.Wrap(zap.New(core))}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/branches", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	id := rec.Header().Get("X-Request-ID")
	_, err := uuid.Parse(id)
	assert.NoError(t, err, "X-Request-ID %q", id)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, id, fields["request_id"])
	assert.Equal(t, "/api/branches", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRepo(t)
	h := New(r, Options{}).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/blob/main/a.txt", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestRecover(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	logger := logging.Wrap(zap.New(core))
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}), Recover(logger), RequestID)

	rec := do(t, h, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestGzipResponses(t *testing.T) {
	r := newTestRepo(t)
	content := strings.Repeat("all work and no play\n", 500)
	seed(t, r, "main", map[string]string{"big.txt": content})
	h := New(r, Options{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/blob/main/big.txt", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, content, string(plain))

	rec = do(t, h, http.MethodGet, "/api/blob/main/big.txt", nil)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, content, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	h := New(newTestRepo(t), Options{}).Handler()
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServeStopsOnCancel(t *testing.T) {
	r := newTestRepo(t)
	s := New(r, Options{Watch: true})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Compile-time check that the logging wrapper still supports upgrades.
var _ http.Hijacker = (*responseWriter)(nil)

func dialEvents(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type branchesMessage struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

func readSnapshot(t *testing.T, conn *websocket.Conn) branchesMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg branchesMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestEventsFeed(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r, "main", map[string]string{"a.txt": "a\n"})
	s := New(r, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Hub().Run(ctx) }()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	conn := dialEvents(t, ts.URL)

	head, _, err := r.ResolveBranch("main")
	require.NoError(t, err)
	msg := readSnapshot(t, conn)
	assert.Equal(t, "branches", msg.Type)
	assert.Equal(t, map[string]string{"main": string(head)}, msg.Data)

	rec := do(t, s.Handler(), http.MethodPost, "/api/blob/main/a.txt", map[string]string{
		"content": "b\n", "message": "change a", "name": "Jane", "email": "jane@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	next, _, err := r.ResolveBranch("main")
	require.NoError(t, err)
	msg = readSnapshot(t, conn)
	assert.Equal(t, map[string]string{"main": string(next)}, msg.Data)
}

func TestEventsFeedUnchangedHeadsAreNotResent(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r, "main", map[string]string{"a.txt": "a\n"})
	s := New(r, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Hub().Run(ctx) }()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	conn := dialEvents(t, ts.URL)
	readSnapshot(t, conn)

	s.Hub().Notify()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var msg branchesMessage
	err := conn.ReadJSON(&msg)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestWatcherPublishesExternalRefUpdates(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r, "main", map[string]string{"a.txt": "a\n"})
	head, _, err := r.ResolveBranch("main")
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	s := New(r, Options{Logger: logging.Wrap(zap.New(core)), Watch: true})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("watching repository refs").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	conn := dialEvents(t, "http://"+ln.Addr().String())
	readSnapshot(t, conn)

	// Another process creates a nested branch.
	require.NoError(t, r.UpdateRef(repo.BranchRef("feature/x"), head))

	msg := readSnapshot(t, conn)
	assert.Equal(t, map[string]string{"main": string(head), "feature/x": string(head)}, msg.Data)
}

func TestShouldIgnoreEvent(t *testing.T) {
	gitDir := filepath.Join("srv", "project.git")
	tests := []struct {
		name   string
		op     fsnotify.Op
		ignore bool
	}{
		{"packed-refs", fsnotify.Write, false},
		{"refs/heads/main", fsnotify.Create, false},
		{"refs/heads/feature", fsnotify.Create, false},
		{"refs/heads/main", fsnotify.Remove, false},
		{"refs/heads/main.lock", fsnotify.Create, true},
		{"packed-refs.lock", fsnotify.Write, true},
		{"refs/heads/main", fsnotify.Chmod, true},
		{"objects/ab/cdef", fsnotify.Create, true},
		{"HEAD", fsnotify.Write, true},
		{"logs/refs/heads/main", fsnotify.Write, true},
	}
	for _, tt := range tests {
		event := fsnotify.Event{Name: filepath.Join(gitDir, filepath.FromSlash(tt.name)), Op: tt.op}
		assert.Equal(t, tt.ignore, shouldIgnoreEvent(gitDir, event), "%s %s", tt.op, tt.name)
	}
}
