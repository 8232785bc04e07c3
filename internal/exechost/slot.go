package exechost

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
)

// RunSlot holds at most one live process.
type RunSlot struct {
	mu  sync.Mutex
	cur Process
}

// Replace kills the current occupant, if any, then installs the process
// returned by spawn. The previous process is always released before spawn
// is called, even when spawn then fails. If spawn succeeds but the old
// process did not die cleanly, both the new process and the kill error
// are returned.
func (s *RunSlot) Replace(spawn func() (Process, error)) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var killErr error
	if s.cur != nil {
		killErr = s.cur.Kill()
		s.cur = nil
	}
	next, err := spawn()
	if err != nil {
		return nil, err
	}
	s.cur = next
	return next, killErr
}

// Current returns the occupant or nil.
func (s *RunSlot) Current() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Release kills and clears the occupant.
func (s *RunSlot) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	err := s.cur.Kill()
	s.cur = nil
	return err
}

// RunSession is a room's execution state: a lazily booted container, the
// current process slot and the last ready endpoint.
//
// Ready signals from the container are routed to the current run only,
// and only once that run has declared its server process started.
type RunSession struct {
	host   Host
	logger zerolog.Logger
	stop   chan struct{}

	mu        sync.Mutex
	container Container
	runID     string
	cancel    context.CancelFunc
	ready     *Endpoint
	readyCh   chan Endpoint
	accepting bool
	closed    bool

	slot RunSlot
}

// NewRunSession creates a session that boots containers from host.
func NewRunSession(host Host, logger zerolog.Logger) *RunSession {
	return &RunSession{
		host:   host,
		logger: logger.With().Str("component", "exechost.session").Logger(),
		stop:   make(chan struct{}),
	}
}

// Begin starts a new run, cancelling any run still in flight. The returned
// context lives until the next Begin or Teardown.
func (r *RunSession) Begin() (string, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", nil, fmt.Errorf("%w: run session closed", perrors.ErrAdapter)
	}
	if r.cancel != nil {
		r.logger.Info().Str("run_id", r.runID).Msg("superseding run")
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.runID = uuid.NewString()
	r.cancel = cancel
	r.ready = nil
	r.readyCh = make(chan Endpoint, 1)
	r.accepting = false
	return r.runID, ctx, nil
}

// Current reports whether runID is still the latest run.
func (r *RunSession) Current(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.runID == runID
}

// Container returns the session's container, booting it on first use.
func (r *RunSession) Container(ctx context.Context) (Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: run session closed", perrors.ErrAdapter)
	}
	if r.container != nil {
		return r.container, nil
	}
	c, err := r.host.Boot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: boot: %w", perrors.ErrAdapter, err)
	}
	r.container = c
	go r.forward(c)
	return c, nil
}

func (r *RunSession) forward(c Container) {
	for {
		select {
		case ep := <-c.ServerReady():
			r.deliver(ep)
		case <-r.stop:
			return
		}
	}
}

func (r *RunSession) deliver(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.accepting {
		r.logger.Debug().Int("port", ep.Port).Msg("dropping ready signal with no waiting run")
		return
	}
	r.accepting = false
	r.ready = &ep
	select {
	case r.readyCh <- ep:
	default:
	}
}

// Started marks runID's server process as spawned, so the next ready
// signal belongs to it. It reports false if runID is no longer current.
func (r *RunSession) Started(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.runID != runID {
		return false
	}
	r.accepting = true
	return true
}

// Ready returns the channel on which runID's endpoint is delivered. It is
// nil if runID is not current.
func (r *RunSession) Ready(runID string) <-chan Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.runID != runID {
		return nil
	}
	return r.readyCh
}

// Slot is the session's one-process slot.
func (r *RunSession) Slot() *RunSlot {
	return &r.slot
}

// Status summarises the session.
type Status struct {
	RunID   string    `json:"runId,omitempty"`
	Running bool      `json:"running"`
	Ready   *Endpoint `json:"ready,omitempty"`
}

// Status returns a snapshot of the session state.
func (r *RunSession) Status() Status {
	running := r.slot.Current() != nil
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{RunID: r.runID, Running: running}
	if r.ready != nil {
		ep := *r.ready
		st.Ready = &ep
	}
	return st
}

// Teardown cancels the in-flight run, kills the current process and
// closes the container. It is safe to call more than once.
func (r *RunSession) Teardown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stop)
	if r.cancel != nil {
		r.cancel()
	}
	c := r.container
	r.container = nil
	r.ready = nil
	r.mu.Unlock()

	err := r.slot.Release()
	if c != nil {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("teardown incomplete")
		return fmt.Errorf("%w: teardown: %w", perrors.ErrAdapter, err)
	}
	return nil
}
