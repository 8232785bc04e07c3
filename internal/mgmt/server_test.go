package mgmt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/collabhub/internal/chat"
	"github.com/p-blackswan/collabhub/internal/exechost/exechosttest"
	"github.com/p-blackswan/collabhub/internal/filetree"
	"github.com/p-blackswan/collabhub/internal/health"
	"github.com/p-blackswan/collabhub/internal/identity"
	"github.com/p-blackswan/collabhub/internal/metrics"
	"github.com/p-blackswan/collabhub/internal/project"
	"github.com/p-blackswan/collabhub/internal/room"
	"github.com/p-blackswan/collabhub/internal/store"
	"github.com/p-blackswan/collabhub/pkg/tokenstore"
)

type fixture struct {
	app      *fiber.App
	projects *project.Store
	trees    *filetree.Store
	rooms    *room.Registry
	auth     *identity.JWTVerifier
}

func newFixture(t *testing.T, rl RateLimitConfig) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	ds, err := store.New(filepath.Join(t.TempDir(), "mgmt.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	projects := project.NewStore(ds, logger)
	trees := filetree.NewStore(projects, logger)
	rooms := room.NewRegistry(projects, trees, exechosttest.NewHost(), logger)
	t.Cleanup(rooms.Shutdown)

	auth, err := identity.NewJWTVerifier([]byte("mgmt-test-secret-0123"), tokenstore.NewMemoryStore(), logger)
	require.NoError(t, err)

	srv := NewServer(ServerConfig{RateLimit: rl}, Deps{
		Projects: projects,
		Rooms:    rooms,
		Trees:    trees,
		Auth:     auth,
		Checker:  health.NewChecker(logger),
		Metrics:  metrics.New(),
	}, logger)

	return &fixture{app: srv.App(), projects: projects, trees: trees, rooms: rooms, auth: auth}
}

func (f *fixture) token(t *testing.T, user string) string {
	t.Helper()
	tok, _, err := f.auth.Issue(user, user+"@x.io", time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (f *fixture) createProject(t *testing.T, token, name string) *project.Project {
	t.Helper()
	status, raw := f.do(t, "POST", "/api/v1/projects", token, `{"name":"`+name+`"}`)
	require.Equal(t, http.StatusCreated, status, string(raw))
	var resp ProjectResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp.Project
}

func problemType(t *testing.T, raw []byte) string {
	t.Helper()
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(raw, &p))
	return p.Type
}

type fakeConn struct {
	id    string
	ident identity.Identity

	mu     sync.Mutex
	events []chat.Event
}

func (c *fakeConn) ID() string                  { return c.id }
func (c *fakeConn) Identity() identity.Identity { return c.ident }
func (c *fakeConn) Send(ev chat.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) Events() []chat.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Event(nil), c.events...)
}

func TestServer_Probes(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})

	status, raw := f.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))

	status, _ = f.do(t, "GET", "/readyz", "", "")
	assert.Equal(t, http.StatusOK, status)

	status, raw = f.do(t, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), "# TYPE")
}

func TestServer_AuthFailures(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})

	status, raw := f.do(t, "GET", "/api/v1/projects", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "missing_auth", problemType(t, raw))

	req, _ := http.NewRequest("GET", "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Basic abc")
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	status, raw = f.do(t, "GET", "/api/v1/projects", "not-a-token", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_token", problemType(t, raw))
}

func TestServer_ProjectLifecycle(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	alice := f.token(t, "alice")

	p := f.createProject(t, alice, "  Todo App ")
	assert.Equal(t, "todo app", p.Name)
	assert.Equal(t, []string{"alice"}, p.Users)

	status, raw := f.do(t, "GET", "/api/v1/projects", alice, "")
	require.Equal(t, http.StatusOK, status)
	var list ProjectListResponse
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, p.ID, list.Projects[0].ID)

	status, raw = f.do(t, "GET", "/api/v1/projects/"+p.ID, alice, "")
	require.Equal(t, http.StatusOK, status)
	var got ProjectResponse
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.False(t, got.Live)
	assert.Nil(t, got.Run)

	status, raw = f.do(t, "POST", "/api/v1/projects", alice, `{"name":"todo app"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", problemType(t, raw))

	status, raw = f.do(t, "POST", "/api/v1/projects", alice, `{`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_body", problemType(t, raw))
}

func TestServer_ProjectAccess(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	alice, bob := f.token(t, "alice"), f.token(t, "bob")
	p := f.createProject(t, alice, "secret")

	status, raw := f.do(t, "GET", "/api/v1/projects/"+p.ID, bob, "")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "denied", problemType(t, raw))

	status, raw = f.do(t, "GET", "/api/v1/projects/nope", alice, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", problemType(t, raw))
}

func TestServer_AddUsersGrantsOpenRoom(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	alice, bob := f.token(t, "alice"), f.token(t, "bob")
	p := f.createProject(t, alice, "shared")

	// bob becomes a known user by authenticating once.
	status, raw := f.do(t, "GET", "/api/v1/me", bob, "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"userId":"bob","email":"bob@x.io"}`, string(raw))

	aliceConn := &fakeConn{id: "c1", ident: identity.Identity{UserID: "alice"}}
	_, err := f.rooms.Join(context.Background(), p.ID, aliceConn)
	require.NoError(t, err)
	t.Cleanup(func() { f.rooms.Leave(p.ID, aliceConn) })

	bobConn := &fakeConn{id: "c2", ident: identity.Identity{UserID: "bob"}}
	_, err = f.rooms.Join(context.Background(), p.ID, bobConn)
	require.Error(t, err)

	status, raw = f.do(t, "PUT", "/api/v1/projects/"+p.ID+"/users", alice, `{"users":["bob"]}`)
	require.Equal(t, http.StatusOK, status, string(raw))
	var resp ProjectResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, []string{"alice", "bob"}, resp.Users)

	_, err = f.rooms.Join(context.Background(), p.ID, bobConn)
	require.NoError(t, err)
	t.Cleanup(func() { f.rooms.Leave(p.ID, bobConn) })

	status, raw = f.do(t, "PUT", "/api/v1/projects/"+p.ID+"/users", alice, `{"users":["ghost"]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", problemType(t, raw))
}

func TestServer_PutFileTreeSaved(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	alice := f.token(t, "alice")
	p := f.createProject(t, alice, "offline")

	body := `{"fileTree":{"index.js":{"file":{"contents":"1"}}}}`
	status, raw := f.do(t, "PUT", "/api/v1/projects/"+p.ID+"/file-tree", alice, body)
	require.Equal(t, http.StatusOK, status, string(raw))
	var resp FileTreeResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.False(t, resp.Live)

	saved, err := f.projects.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"index.js"}, saved.FileTree.Files())
	assert.False(t, f.trees.Resident(p.ID))
}

func TestServer_PutFileTreeLive(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	alice := f.token(t, "alice")
	p := f.createProject(t, alice, "live")

	conn := &fakeConn{id: "c1", ident: identity.Identity{UserID: "alice"}}
	_, err := f.rooms.Join(context.Background(), p.ID, conn)
	require.NoError(t, err)
	t.Cleanup(func() { f.rooms.Leave(p.ID, conn) })

	body := `{"fileTree":{"src":{"directory":{"main.js":{"file":{"contents":"go"}}}}}}`
	status, raw := f.do(t, "PUT", "/api/v1/projects/"+p.ID+"/file-tree", alice, body)
	require.Equal(t, http.StatusOK, status, string(raw))
	var resp FileTreeResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.True(t, resp.Live)
	assert.NotZero(t, resp.Revision)

	events := conn.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, chat.EventFileTree, last.Name)
	var ft chat.FileTree
	require.NoError(t, json.Unmarshal(last.Data, &ft))
	assert.Equal(t, []string{"src/main.js"}, ft.FileTree.Files())

	saved, err := f.projects.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main.js"}, saved.FileTree.Files())

	status, raw = f.do(t, "GET", "/api/v1/projects/"+p.ID, alice, "")
	require.Equal(t, http.StatusOK, status)
	var got ProjectResponse
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.True(t, got.Live)
	assert.NotNil(t, got.Run)
	assert.Equal(t, []string{"src/main.js"}, got.FileTree.Files())
}

func TestServer_PutFileTreeRejectsInvalid(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	alice := f.token(t, "alice")
	p := f.createProject(t, alice, "bad")

	status, raw := f.do(t, "PUT", "/api/v1/projects/"+p.ID+"/file-tree", alice,
		`{"fileTree":{"a/b":{"file":{"contents":""}}}}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_tree", problemType(t, raw))

	status, raw = f.do(t, "PUT", "/api/v1/projects/"+p.ID+"/file-tree", alice, `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing_file_tree", problemType(t, raw))
}

func TestServer_PutFileTreeChecksAccessFirst(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	alice, bob := f.token(t, "alice"), f.token(t, "bob")
	p := f.createProject(t, alice, "private")

	for _, body := range []string{
		`{"fileTree":{"a/b":{"file":{"contents":""}}}}`,
		`{}`,
		`{"fileTree":{"ok.js":{"file":{"contents":""}}}}`,
	} {
		status, raw := f.do(t, "PUT", "/api/v1/projects/"+p.ID+"/file-tree", bob, body)
		assert.Equal(t, http.StatusForbidden, status, body)
		assert.Equal(t, "denied", problemType(t, raw), body)
	}
}

func TestServer_ListMessages(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	alice := f.token(t, "alice")
	p := f.createProject(t, alice, "chatty")

	ctx := context.Background()
	for _, body := range []string{"one", "two"} {
		require.NoError(t, f.projects.AppendMessage(ctx, p.ID, chat.Message{
			Sender: chat.Human{ID: "alice", Email: "alice@x.io"},
			Body:   body,
		}))
	}

	status, raw := f.do(t, "GET", "/api/v1/projects/"+p.ID+"/messages?limit=1", alice, "")
	require.Equal(t, http.StatusOK, status)
	var resp MessagesResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "two", resp.Messages[0].Body)
}

func TestServer_ListRoomsAndUsers(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	alice, bob := f.token(t, "alice"), f.token(t, "bob")
	p := f.createProject(t, alice, "roomy")
	f.do(t, "GET", "/api/v1/me", bob, "")

	conn := &fakeConn{id: "c1", ident: identity.Identity{UserID: "alice"}}
	_, err := f.rooms.Join(context.Background(), p.ID, conn)
	require.NoError(t, err)
	t.Cleanup(func() { f.rooms.Leave(p.ID, conn) })

	var rooms struct {
		Rooms []room.Info `json:"rooms"`
	}
	status, raw := f.do(t, "GET", "/api/v1/rooms", alice, "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &rooms))
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, p.ID, rooms.Rooms[0].ProjectID)
	assert.Equal(t, 1, rooms.Rooms[0].Members)

	status, raw = f.do(t, "GET", "/api/v1/rooms", bob, "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &rooms))
	assert.Empty(t, rooms.Rooms)

	var users UsersResponse
	status, raw = f.do(t, "GET", "/api/v1/users", alice, "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &users))
	require.Len(t, users.Users, 1)
	assert.Equal(t, "bob", users.Users[0].ID)
}

func TestServer_Logout(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	alice := f.token(t, "alice")

	status, _ := f.do(t, "GET", "/api/v1/me", alice, "")
	require.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, "POST", "/api/v1/logout", alice, "")
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = f.do(t, "GET", "/api/v1/me", alice, "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestServer_RateLimit(t *testing.T) {
	f := newFixture(t, RateLimitConfig{RPS: 1, Burst: 1})
	alice := f.token(t, "alice")

	status, _ := f.do(t, "GET", "/api/v1/me", alice, "")
	assert.Equal(t, http.StatusOK, status)

	status, raw := f.do(t, "GET", "/api/v1/me", alice, "")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limit_exceeded", problemType(t, raw))

	status, _ = f.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, status, "probes are never limited")
}

func TestServer_RequestIDHeader(t *testing.T) {
	f := newFixture(t, RateLimitConfig{})
	req, _ := http.NewRequest("GET", "/healthz", nil)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
