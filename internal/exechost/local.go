package exechost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/filetree"
)

// LocalConfig configures a LocalHost.
type LocalConfig struct {
	// Root is the parent of every container directory. Empty means the
	// system temp dir.
	Root string
	// PublicHost is the host name put in ready URLs.
	PublicHost string
	// ProbeInterval is how often a spawned process's port is dialled.
	ProbeInterval time.Duration
	// KillGrace is how long a killed process gets between SIGTERM and
	// SIGKILL.
	KillGrace time.Duration
	// Env is appended to the parent environment of every process.
	Env []string
}

// LocalHost runs containers as directories on the local machine with one
// reserved TCP port each. Processes see the port in $PORT.
type LocalHost struct {
	cfg    LocalConfig
	logger zerolog.Logger
}

// NewLocalHost creates a host.
func NewLocalHost(cfg LocalConfig, logger zerolog.Logger) *LocalHost {
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 250 * time.Millisecond
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 3 * time.Second
	}
	return &LocalHost{
		cfg:    cfg,
		logger: logger.With().Str("component", "exechost.local").Logger(),
	}
}

// Boot implements Host.
func (h *LocalHost) Boot(ctx context.Context) (Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.cfg.Root != "" {
		if err := os.MkdirAll(h.cfg.Root, 0o755); err != nil {
			return nil, fmt.Errorf("create sandbox root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(h.cfg.Root, "collab-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	port, err := freePort()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("reserve port: %w", err)
	}
	h.logger.Info().Str("dir", dir).Int("port", port).Msg("container booted")
	return &localContainer{
		host:  h,
		dir:   dir,
		port:  port,
		ready: make(chan Endpoint, 1),
		procs: make(map[*localProcess]struct{}),
		done:  make(chan struct{}),
	}, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

type localContainer struct {
	host  *LocalHost
	dir   string
	port  int
	ready chan Endpoint

	mu     sync.Mutex
	procs  map[*localProcess]struct{}
	closed bool
	done   chan struct{}
}

// Mount writes every file in tree beneath the container directory.
// Existing files not in tree are left in place so installed dependencies
// survive a re-mount.
func (c *localContainer) Mount(ctx context.Context, tree filetree.Tree) error {
	if c.isClosed() {
		return fmt.Errorf("%w: container closed", perrors.ErrAdapter)
	}
	for _, p := range tree.Files() {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, _ := tree.Lookup(p)
		dst := filepath.Join(c.dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("mount %s: %w", p, err)
		}
		if err := os.WriteFile(dst, []byte(n.Contents()), 0o644); err != nil {
			return fmt.Errorf("mount %s: %w", p, err)
		}
	}
	return mkdirs(c.dir, tree)
}

// mkdirs creates empty directories, which Files does not list.
func mkdirs(base string, tree filetree.Tree) error {
	for name, n := range tree {
		if !n.IsDir() {
			continue
		}
		dir := filepath.Join(base, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mount %s: %w", name, err)
		}
		if err := mkdirs(dir, n.Children()); err != nil {
			return err
		}
	}
	return nil
}

func (c *localContainer) Spawn(ctx context.Context, name string, args ...string) (Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: container closed", perrors.ErrAdapter)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(), c.host.cfg.Env...)
	cmd.Env = append(cmd.Env, "PORT="+strconv.Itoa(c.port), "CI=1")
	// pty.Start makes the child a session leader, so its pid is also the
	// process group id.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = c.host.cfg.KillGrace

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 40})
	if err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", perrors.ErrAdapter, name, err)
	}

	p := &localProcess{
		name:  name,
		cmd:   cmd,
		ptmx:  ptmx,
		grace: c.host.cfg.KillGrace,
		done:  make(chan struct{}),
	}
	c.procs[p] = struct{}{}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
		c.mu.Lock()
		delete(c.procs, p)
		c.mu.Unlock()
	}()
	go c.probe(p)

	c.host.logger.Debug().Str("cmd", name).Int("pid", cmd.Process.Pid).Msg("process spawned")
	return p, nil
}

// probe dials the container port until it accepts, the process exits or
// the container closes.
func (c *localContainer) probe(p *localProcess) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(c.port))
	ticker := time.NewTicker(c.host.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-c.done:
			return
		case <-ticker.C:
		}
		conn, err := net.DialTimeout("tcp", addr, c.host.cfg.ProbeInterval)
		if err != nil {
			continue
		}
		conn.Close()
		ep := Endpoint{
			Port: c.port,
			URL:  "http://" + net.JoinHostPort(c.host.cfg.PublicHost, strconv.Itoa(c.port)),
		}
		select {
		case c.ready <- ep:
		default:
		}
		return
	}
}

func (c *localContainer) ServerReady() <-chan Endpoint { return c.ready }

func (c *localContainer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *localContainer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	procs := make([]*localProcess, 0, len(c.procs))
	for p := range c.procs {
		procs = append(procs, p)
	}
	c.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.Kill(); err != nil {
			errs = append(errs, err)
		}
		<-p.done
		_ = p.ptmx.Close()
	}
	if err := os.RemoveAll(c.dir); err != nil {
		errs = append(errs, err)
	}
	c.host.logger.Info().Str("dir", c.dir).Msg("container closed")
	return errors.Join(errs...)
}

type localProcess struct {
	name  string
	cmd   *exec.Cmd
	ptmx  *os.File
	grace time.Duration

	done chan struct{}
	err  error

	killOnce sync.Once
	killErr  error
}

func (p *localProcess) Output() io.Reader { return ptyReader{p.ptmx} }

func (p *localProcess) Wait() error {
	<-p.done
	return p.err
}

// Kill sends SIGTERM to the process group and escalates to SIGKILL after
// the grace period.
func (p *localProcess) Kill() error {
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		pgid := -p.cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			p.killErr = fmt.Errorf("kill %s: %w", p.name, err)
			return
		}
		select {
		case <-p.done:
		case <-time.After(p.grace):
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}
	})
	return p.killErr
}

// ptyReader maps the EIO a Linux pty master returns after the child exits
// to io.EOF, and closes the master at that point.
type ptyReader struct{ f *os.File }

func (r ptyReader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		_ = r.f.Close()
		return n, io.EOF
	}
	if err == io.EOF {
		_ = r.f.Close()
	}
	return n, err
}
