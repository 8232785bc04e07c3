// Package exechosttest provides an in-memory exechost.Host for tests.
package exechosttest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/p-blackswan/collabhub/internal/exechost"
	"github.com/p-blackswan/collabhub/internal/filetree"
)

// Behavior describes how a fake process acts once spawned.
type Behavior struct {
	Output string
	// Exit makes the process finish right after writing Output.
	Exit    bool
	ExitErr error
	// Ready, if set, is delivered on the container's ServerReady channel.
	Ready *exechost.Endpoint
}

// DefaultBehavior treats "install" commands as finishing successfully and
// anything else as a server that becomes ready on port 3000.
func DefaultBehavior(name string, args []string) Behavior {
	for _, a := range args {
		if a == "install" || a == "ci" {
			return Behavior{Output: "added 1 package\n", Exit: true}
		}
	}
	return Behavior{
		Output: "listening\n",
		Ready:  &exechost.Endpoint{Port: 3000, URL: "http://localhost:3000"},
	}
}

// Host is a fake exechost.Host. Its Log records spawns and kills in the
// order they happened across all containers.
type Host struct {
	mu         sync.Mutex
	BootErr    error
	Behavior   func(name string, args []string) Behavior
	containers []*Container
	log        []string
	nextID     int
}

// NewHost returns a host using DefaultBehavior.
func NewHost() *Host {
	return &Host{Behavior: DefaultBehavior}
}

func (h *Host) Boot(context.Context) (exechost.Container, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.BootErr != nil {
		return nil, h.BootErr
	}
	c := &Container{host: h, ready: make(chan exechost.Endpoint, 4)}
	h.containers = append(h.containers, c)
	h.log = append(h.log, "boot")
	return c, nil
}

// Containers returns every container booted so far.
func (h *Host) Containers() []*Container {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Container(nil), h.containers...)
}

// Log returns the recorded events.
func (h *Host) Log() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.log...)
}

func (h *Host) record(ev string) {
	h.mu.Lock()
	h.log = append(h.log, ev)
	h.mu.Unlock()
}

// Container is a fake exechost.Container.
type Container struct {
	host  *Host
	ready chan exechost.Endpoint

	mu      sync.Mutex
	mounts  []filetree.Tree
	procs   []*Process
	closed  bool
	MountFn func(filetree.Tree) error
}

func (c *Container) Mount(_ context.Context, tree filetree.Tree) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("container closed")
	}
	if c.MountFn != nil {
		if err := c.MountFn(tree); err != nil {
			return err
		}
	}
	c.mounts = append(c.mounts, tree.Clone())
	c.host.record("mount")
	return nil
}

// Mounts returns every tree mounted so far.
func (c *Container) Mounts() []filetree.Tree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]filetree.Tree(nil), c.mounts...)
}

// Processes returns every process spawned so far.
func (c *Container) Processes() []*Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Process(nil), c.procs...)
}

// Closed reports whether Close was called.
func (c *Container) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Container) Spawn(_ context.Context, name string, args ...string) (exechost.Process, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("container closed")
	}
	c.host.mu.Lock()
	c.host.nextID++
	id := c.host.nextID
	behave := c.host.Behavior
	c.host.mu.Unlock()
	if behave == nil {
		behave = DefaultBehavior
	}
	b := behave(name, args)

	p := newProcess(id, name, args, b, c.host)
	c.procs = append(c.procs, p)
	c.mu.Unlock()

	c.host.record(fmt.Sprintf("spawn:%d:%s", id, p.Command()))
	if b.Ready != nil {
		select {
		case c.ready <- *b.Ready:
		default:
		}
	}
	return p, nil
}

func (c *Container) ServerReady() <-chan exechost.Endpoint { return c.ready }

func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	procs := append([]*Process(nil), c.procs...)
	c.mu.Unlock()
	for _, p := range procs {
		_ = p.Kill()
	}
	c.host.record("close")
	return nil
}

// Process is a fake exechost.Process.
type Process struct {
	ID   int
	Name string
	Args []string

	host *Host
	out  io.Reader
	done chan struct{}
	err  error

	mu        sync.Mutex
	kills     int
	killCalls int
}

func newProcess(id int, name string, args []string, b Behavior, h *Host) *Process {
	p := &Process{ID: id, Name: name, Args: args, host: h, done: make(chan struct{})}
	p.out = io.MultiReader(strings.NewReader(b.Output), doneReader{p.done})
	if b.Exit {
		p.finish(b.ExitErr)
	}
	return p
}

// doneReader blocks until done closes, then reports EOF.
type doneReader struct{ done <-chan struct{} }

func (r doneReader) Read([]byte) (int, error) {
	<-r.done
	return 0, io.EOF
}

// Command renders the command line.
func (p *Process) Command() string {
	return strings.TrimSpace(p.Name + " " + strings.Join(p.Args, " "))
}

func (p *Process) finish(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return false
	default:
	}
	p.err = err
	close(p.done)
	return true
}

func (p *Process) Output() io.Reader { return p.out }

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.killCalls++
	p.mu.Unlock()
	if p.finish(errors.New("killed")) {
		p.mu.Lock()
		p.kills++
		p.mu.Unlock()
		p.host.record(fmt.Sprintf("kill:%d", p.ID))
	}
	return nil
}

// Kills counts kills that actually terminated the process.
func (p *Process) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// KillCalls counts every Kill call, effective or not.
func (p *Process) KillCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killCalls
}

// Exited reports whether the process has finished.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
