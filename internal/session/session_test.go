package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/collabhub/internal/chat"
	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/exechost/exechosttest"
	"github.com/p-blackswan/collabhub/internal/filetree"
	"github.com/p-blackswan/collabhub/internal/identity"
	"github.com/p-blackswan/collabhub/internal/project"
	"github.com/p-blackswan/collabhub/internal/room"
	"github.com/p-blackswan/collabhub/internal/router"
)

type testConn struct {
	id    string
	ident identity.Identity
	inbox chan chat.Event

	mu     sync.Mutex
	events []chat.Event
}

func newTestConn(id, user string) *testConn {
	return &testConn{
		id:    id,
		ident: identity.Identity{UserID: user, Email: user + "@x.io"},
		inbox: make(chan chat.Event, 16),
	}
}

func (c *testConn) ID() string                  { return c.id }
func (c *testConn) Identity() identity.Identity { return c.ident }

func (c *testConn) Send(ev chat.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *testConn) Receive(ctx context.Context) (chat.Event, error) {
	select {
	case ev, ok := <-c.inbox:
		if !ok {
			return chat.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return chat.Event{}, ctx.Err()
	}
}

func (c *testConn) push(name string, data any) {
	c.inbox <- chat.MustEvent(name, data)
}

func (c *testConn) named(name string) []chat.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chat.Event
	for _, ev := range c.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *testConn) waitFor(t *testing.T, name string, n int) []chat.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.named(name)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %q events", n, name)
	return c.named(name)
}

type memProjects struct {
	mu    sync.Mutex
	trees map[string]filetree.Tree
}

func (m *memProjects) GetProject(_ context.Context, id string) (*project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, ok := m.trees[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, perrors.ErrNotFound)
	}
	return &project.Project{ID: id, Users: []string{"alice", "bob"}, FileTree: tree.Clone()}, nil
}

func (m *memProjects) SaveFileTree(_ context.Context, id string, tree filetree.Tree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trees[id] = tree.Clone()
	return nil
}

func (m *memProjects) saved(id string) filetree.Tree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trees[id]
}

type harness struct {
	orch     *Orchestrator
	rooms    *room.Registry
	trees    *filetree.Store
	projects *memProjects
	host     *exechosttest.Host
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	projects := &memProjects{trees: map[string]filetree.Tree{
		"p1": {"package.json": filetree.File(`{"scripts":{"start":"node index.js"}}`)},
	}}
	trees := filetree.NewStore(projects, zerolog.Nop())
	host := exechosttest.NewHost()
	rooms := room.NewRegistry(projects, trees, host, zerolog.Nop())
	rt := router.New(rooms, trees, zerolog.Nop())
	h := &harness{
		orch:     NewOrchestrator(rooms, rt, trees, cfg, zerolog.Nop()),
		rooms:    rooms,
		trees:    trees,
		projects: projects,
		host:     host,
	}
	t.Cleanup(rooms.Shutdown)
	return h
}

// serve runs a session in the background and returns it with a channel
// carrying Serve's result.
func (h *harness) serve(t *testing.T, conn *testConn) (*Session, <-chan error) {
	t.Helper()
	s := h.orch.Open("p1", conn)
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	conn.waitFor(t, chat.EventJoined, 1)
	return s, done
}

func closeAndWait(t *testing.T, conn *testConn, done <-chan error) {
	t.Helper()
	close(conn.inbox)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestServe_JoinAndLeave(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	alice := newTestConn("a", "alice")

	s, done := h.serve(t, alice)
	assert.Equal(t, StateJoined, s.State())
	assert.Equal(t, 1, h.rooms.Size("p1"))

	var joined chat.Joined
	require.NoError(t, json.Unmarshal(alice.named(chat.EventJoined)[0].Data, &joined))
	assert.Equal(t, chat.Joined{ProjectID: "p1", Members: 1}, joined)

	closeAndWait(t, alice, done)
	assert.Equal(t, StateLeft, s.State())
	_, ok := h.rooms.Get("p1")
	assert.False(t, ok)
}

func TestServe_JoinDenied(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	mallory := newTestConn("m", "mallory")

	s := h.orch.Open("p1", mallory)
	err := s.Serve(context.Background())
	assert.ErrorIs(t, err, perrors.ErrDenied)
	assert.Equal(t, StateLeft, s.State())

	errs := mallory.named(chat.EventError)
	require.Len(t, errs, 1)
	var p chat.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Data, &p))
	assert.Equal(t, "denied", p.Code)
}

func TestServe_ContextCancelEndsSession(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	alice := newTestConn("a", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Serve(ctx, "p1", alice) }()
	alice.waitFor(t, chat.EventJoined, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestServe_MessageReachesOthersOnly(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	alice, bob := newTestConn("a", "alice"), newTestConn("b", "bob")
	_, aDone := h.serve(t, alice)
	_, bDone := h.serve(t, bob)

	alice.push(chat.EventProjectMessage, map[string]any{
		"message": "hello",
		"sender":  map[string]string{"_id": "alice"},
	})

	got := bob.waitFor(t, chat.EventProjectMessage, 1)
	msg, err := chat.DecodeProjectMessage(got[0].Data)
	require.NoError(t, err)
	assert.Equal(t, chat.Human{ID: "alice", Email: "alice@x.io"}, msg.Sender)
	assert.Equal(t, "hello", msg.Body)
	assert.Empty(t, alice.named(chat.EventProjectMessage))

	closeAndWait(t, alice, aDone)
	closeAndWait(t, bob, bDone)
}

func TestServe_SpoofedSenderRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	alice, bob := newTestConn("a", "alice"), newTestConn("b", "bob")
	_, aDone := h.serve(t, alice)
	_, bDone := h.serve(t, bob)

	alice.push(chat.EventProjectMessage, map[string]any{
		"message": "i am bob",
		"sender":  map[string]string{"_id": "bob"},
	})
	alice.push(chat.EventProjectMessage, map[string]any{
		"message": `{"text":"i am the ai","fileTree":{}}`,
		"sender":  map[string]string{"_id": "ai"},
	})

	errs := alice.waitFor(t, chat.EventError, 2)
	for _, ev := range errs {
		var p chat.ErrorPayload
		require.NoError(t, json.Unmarshal(ev.Data, &p))
		assert.Equal(t, "denied", p.Code)
	}
	assert.Empty(t, bob.named(chat.EventProjectMessage))
	snap, err := h.trees.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"package.json"}, snap.Files())

	closeAndWait(t, alice, aDone)
	closeAndWait(t, bob, bDone)
}

func TestServe_UpdateFileBroadcastAndSnapshot(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	alice, bob := newTestConn("a", "alice"), newTestConn("b", "bob")
	_, aDone := h.serve(t, alice)
	_, bDone := h.serve(t, bob)

	alice.push(chat.EventUpdateFile, chat.UpdateFile{Path: "src/a.js", Contents: "x"})
	got := bob.waitFor(t, chat.EventFileUpdated, 1)
	var upd chat.FileUpdated
	require.NoError(t, json.Unmarshal(got[0].Data, &upd))
	assert.Equal(t, "src/a.js", upd.Path)
	assert.Equal(t, "x", upd.Contents)
	assert.Equal(t, "alice", upd.Sender.ID)
	assert.Equal(t, uint64(1), upd.Revision)
	assert.Empty(t, alice.named(chat.EventFileUpdated))

	alice.push(chat.EventGetFileTree, nil)
	trees := alice.waitFor(t, chat.EventFileTree, 1)
	var ft chat.FileTree
	require.NoError(t, json.Unmarshal(trees[0].Data, &ft))
	assert.Equal(t, []string{"package.json", "src/a.js"}, ft.FileTree.Files())
	assert.Equal(t, uint64(1), ft.Revision)

	alice.push(chat.EventUpdateFile, chat.UpdateFile{Path: "../escape", Contents: "x"})
	errs := alice.waitFor(t, chat.EventError, 1)
	var p chat.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Data, &p))
	assert.Equal(t, "invalid_input", p.Code)

	closeAndWait(t, alice, aDone)
	closeAndWait(t, bob, bDone)
}

func TestServe_SaveFileTree(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	alice := newTestConn("a", "alice")
	_, done := h.serve(t, alice)

	alice.push(chat.EventUpdateFile, chat.UpdateFile{Path: "index.js", Contents: "1"})
	alice.push(chat.EventSaveFileTree, nil)

	saved := alice.waitFor(t, chat.EventFileTreeSaved, 1)
	var ack chat.FileTreeSaved
	require.NoError(t, json.Unmarshal(saved[0].Data, &ack))
	assert.Equal(t, uint64(1), ack.Revision)
	assert.Equal(t, []string{"index.js", "package.json"}, h.projects.saved("p1").Files())
	assert.False(t, h.trees.Dirty("p1"))

	closeAndWait(t, alice, done)
}

func TestServe_UnknownEvent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	alice := newTestConn("a", "alice")
	_, done := h.serve(t, alice)

	alice.push("launch-missiles", nil)
	errs := alice.waitFor(t, chat.EventError, 1)
	var p chat.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Data, &p))
	assert.Equal(t, "invalid_input", p.Code)

	closeAndWait(t, alice, done)
}

func TestRun_ReadyGoesToRequesterOnly(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	alice, bob := newTestConn("a", "alice"), newTestConn("b", "bob")
	s, aDone := h.serve(t, alice)
	_, bDone := h.serve(t, bob)

	alice.push(chat.EventRunProject, nil)

	started := alice.waitFor(t, chat.EventRunStarted, 1)
	var rs chat.RunStarted
	require.NoError(t, json.Unmarshal(started[0].Data, &rs))
	assert.NotEmpty(t, rs.RunID)

	ready := alice.waitFor(t, chat.EventServerReady, 1)
	var sr chat.ServerReady
	require.NoError(t, json.Unmarshal(ready[0].Data, &sr))
	assert.Equal(t, chat.ServerReady{RunID: rs.RunID, Port: 3000, URL: "http://localhost:3000"}, sr)
	assert.Equal(t, StateReady, s.State())

	h.orch.Wait()
	assert.Empty(t, bob.named(chat.EventServerReady))
	assert.Empty(t, bob.named(chat.EventRunStarted))
	assert.Equal(t, []string{"boot", "mount", "spawn:1:npm install", "spawn:2:npm start"}, h.host.Log())

	mounts := h.host.Containers()[0].Mounts()
	require.Len(t, mounts, 1)
	assert.Equal(t, []string{"package.json"}, mounts[0].Files())

	r, ok := h.rooms.Get("p1")
	require.True(t, ok)
	st := r.Run().Status()
	assert.True(t, st.Running)
	require.NotNil(t, st.Ready)
	assert.Equal(t, 3000, st.Ready.Port)

	closeAndWait(t, alice, aDone)
	closeAndWait(t, bob, bDone)
}

func TestRun_RerunKillsPreviousBeforeStart(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	alice := newTestConn("a", "alice")
	_, done := h.serve(t, alice)

	alice.push(chat.EventRunProject, nil)
	alice.waitFor(t, chat.EventServerReady, 1)
	alice.push(chat.EventRunProject, nil)
	alice.waitFor(t, chat.EventServerReady, 2)
	h.orch.Wait()

	assert.Equal(t, []string{
		"boot",
		"mount", "spawn:1:npm install", "spawn:2:npm start",
		"mount", "spawn:3:npm install", "kill:2", "spawn:4:npm start",
	}, h.host.Log())

	procs := h.host.Containers()[0].Processes()
	require.Len(t, procs, 4)
	assert.Equal(t, 1, procs[1].Kills())
	assert.False(t, procs[3].Exited())

	closeAndWait(t, alice, done)
	assert.Equal(t, "close", h.host.Log()[len(h.host.Log())-1])
	assert.True(t, procs[3].Exited())
}

func TestRun_InstallFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.host.Behavior = func(name string, args []string) exechosttest.Behavior {
		return exechosttest.Behavior{Output: "npm ERR!\n", Exit: true, ExitErr: errors.New("exit status 1")}
	}
	alice := newTestConn("a", "alice")
	s, done := h.serve(t, alice)

	alice.push(chat.EventRunProject, nil)
	failed := alice.waitFor(t, chat.EventRunFailed, 1)
	h.orch.Wait()

	var rf chat.RunFailed
	require.NoError(t, json.Unmarshal(failed[0].Data, &rf))
	assert.Contains(t, rf.Error, "npm install")
	assert.Contains(t, rf.Error, "exit status 1")
	assert.Equal(t, StateJoined, s.State())
	assert.Equal(t, []string{"boot", "mount", "spawn:1:npm install"}, h.host.Log())

	closeAndWait(t, alice, done)
}

func TestRun_ReadyTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.host.Behavior = func(name string, args []string) exechosttest.Behavior {
		b := exechosttest.DefaultBehavior(name, args)
		b.Ready = nil
		return b
	}
	alice := newTestConn("a", "alice")
	s, done := h.serve(t, alice)

	alice.push(chat.EventRunProject, nil)
	failed := alice.waitFor(t, chat.EventRunFailed, 1)
	h.orch.Wait()

	var rf chat.RunFailed
	require.NoError(t, json.Unmarshal(failed[0].Data, &rf))
	assert.Contains(t, rf.Error, "no server after")
	assert.Equal(t, StateJoined, s.State())
	procs := h.host.Containers()[0].Processes()
	require.Len(t, procs, 2)
	assert.True(t, procs[1].Exited())

	closeAndWait(t, alice, done)
}

func TestRun_StartExitsBeforeReady(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.host.Behavior = func(name string, args []string) exechosttest.Behavior {
		return exechosttest.Behavior{Exit: true, ExitErr: errors.New("exit status 2")}
	}
	cfg := DefaultConfig()
	cfg.Profile.SkipInstall = true
	h.orch = NewOrchestrator(h.rooms, router.New(h.rooms, h.trees, zerolog.Nop()), h.trees, cfg, zerolog.Nop())

	alice := newTestConn("a", "alice")
	_, done := h.serve(t, alice)

	alice.push(chat.EventRunProject, nil)
	failed := alice.waitFor(t, chat.EventRunFailed, 1)
	var rf chat.RunFailed
	require.NoError(t, json.Unmarshal(failed[0].Data, &rf))
	assert.Contains(t, rf.Error, "stopped before serving")
	assert.Equal(t, []string{"boot", "mount", "spawn:1:npm start"}, h.host.Log())

	closeAndWait(t, alice, done)
}

func TestRun_LastLeaveStopsProcessBeforeEviction(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	alice := newTestConn("a", "alice")
	_, done := h.serve(t, alice)

	alice.push(chat.EventRunProject, nil)
	alice.waitFor(t, chat.EventServerReady, 1)
	h.orch.Wait()

	closeAndWait(t, alice, done)
	log := h.host.Log()
	assert.Equal(t, []string{"kill:2", "close"}, log[len(log)-2:])
	assert.False(t, h.trees.Resident("p1"))
}

func TestRun_BootFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.host.BootErr = errors.New("no capacity")
	alice := newTestConn("a", "alice")
	s, done := h.serve(t, alice)

	alice.push(chat.EventRunProject, nil)
	failed := alice.waitFor(t, chat.EventRunFailed, 1)
	h.orch.Wait()
	var rf chat.RunFailed
	require.NoError(t, json.Unmarshal(failed[0].Data, &rf))
	assert.Contains(t, rf.Error, "no capacity")
	assert.Equal(t, StateJoined, s.State())

	closeAndWait(t, alice, done)
}

func TestRun_RequesterLeavesMidRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 200 * time.Millisecond
	h := newHarness(t, cfg)
	h.host.Behavior = func(name string, args []string) exechosttest.Behavior {
		b := exechosttest.DefaultBehavior(name, args)
		b.Ready = nil
		return b
	}
	alice, bob := newTestConn("a", "alice"), newTestConn("b", "bob")
	s, aDone := h.serve(t, alice)
	_, bDone := h.serve(t, bob)

	alice.push(chat.EventRunProject, nil)
	alice.waitFor(t, chat.EventRunStarted, 1)
	closeAndWait(t, alice, aDone)
	assert.Equal(t, StateLeft, s.State())
	assert.Equal(t, 1, h.rooms.Size("p1"))

	h.orch.Wait()
	alice.waitFor(t, chat.EventRunFailed, 1)
	assert.Equal(t, StateLeft, s.State())
	assert.Empty(t, bob.named(chat.EventRunFailed))

	closeAndWait(t, bob, bDone)
}

func TestSetState_LeftIsFinal(t *testing.T) {
	s := &Session{}
	s.setState(StateJoined)
	s.setState(StateLeft)
	for _, st := range []State{StateJoined, StateRunning, StateReady, StateFailed} {
		s.setState(st)
		assert.Equal(t, StateLeft, s.State(), st.String())
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(42).String())
}
