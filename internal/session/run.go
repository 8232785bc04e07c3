package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/collabhub/internal/chat"
	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/exechost"
	"github.com/p-blackswan/collabhub/internal/runprofile"
)

var errSuperseded = errors.New("superseded by a newer run")

// onRunProject starts a run of the room's project and acknowledges it with
// run-started. The outcome is reported to this connection alone. The run
// belongs to the room, so it survives this connection leaving.
func (s *Session) onRunProject() error {
	rs := s.room.Run()
	runID, ctx, err := rs.Begin()
	if err != nil {
		return err
	}
	s.setState(StateRunRequested)
	s.conn.Send(chat.MustEvent(chat.EventRunStarted, chat.RunStarted{RunID: runID}))

	log := s.logger.With().Str("run_id", runID).Logger()
	s.o.runs.Add(1)
	go func() {
		defer s.o.runs.Done()
		start := time.Now()
		ep, err := s.run(ctx, rs, runID, log)

		result := "ready"
		switch {
		case err == nil:
			s.setState(StateReady)
			s.conn.Send(chat.MustEvent(chat.EventServerReady, chat.ServerReady{RunID: runID, Port: ep.Port, URL: ep.URL}))
			log.Info().Str("url", ep.URL).Dur("elapsed", time.Since(start)).Msg("project ready")
		case errors.Is(err, errSuperseded):
			result = "superseded"
			log.Info().Msg("run superseded")
			s.conn.Send(chat.MustEvent(chat.EventRunFailed, chat.RunFailed{RunID: runID, Error: err.Error()}))
		default:
			result = "failed"
			s.setState(StateFailed)
			log.Warn().Err(err).Msg("run failed")
			s.o.metrics.RecordError("session", perrors.Kind(err))
			s.conn.Send(chat.MustEvent(chat.EventRunFailed, chat.RunFailed{RunID: runID, Error: err.Error()}))
			s.setState(StateJoined)
		}
		s.o.metrics.RecordRun(result, time.Since(start).Seconds())
	}()
	return nil
}

// run mounts the current tree, installs, then replaces whatever the room
// is running with the start command and waits for it to serve.
func (s *Session) run(ctx context.Context, rs *exechost.RunSession, runID string, log zerolog.Logger) (exechost.Endpoint, error) {
	profile := s.o.cfg.Profile

	c, err := rs.Container(ctx)
	if err != nil {
		return exechost.Endpoint{}, s.stopped(ctx, err)
	}
	tree, err := s.o.trees.Snapshot(s.projectID)
	if err != nil {
		return exechost.Endpoint{}, s.stopped(ctx, err)
	}
	if err := c.Mount(ctx, tree); err != nil {
		return exechost.Endpoint{}, s.stopped(ctx, fmt.Errorf("%w: mount: %w", perrors.ErrAdapter, err))
	}

	if !profile.SkipInstall {
		if err := s.install(ctx, c, profile.Install, log); err != nil {
			return exechost.Endpoint{}, s.stopped(ctx, err)
		}
	}
	if !rs.Current(runID) {
		return exechost.Endpoint{}, errSuperseded
	}

	proc, err := rs.Slot().Replace(func() (exechost.Process, error) {
		if !rs.Started(runID) {
			return nil, errSuperseded
		}
		return c.Spawn(ctx, profile.Start.Command, profile.Start.Args...)
	})
	if proc == nil {
		if errors.Is(err, errSuperseded) {
			return exechost.Endpoint{}, err
		}
		return exechost.Endpoint{}, s.stopped(ctx, fmt.Errorf("%w: start %s: %w", perrors.ErrAdapter, profile.Start, err))
	}
	if err != nil {
		log.Warn().Err(err).Msg("previous process did not stop cleanly")
	}
	s.setState(StateRunning)
	go streamOutput(proc.Output(), log.With().Str("stream", "start").Logger())

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()
	timer := time.NewTimer(s.o.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case ep := <-rs.Ready(runID):
		return ep, nil
	case err := <-exited:
		if ctx.Err() != nil {
			return exechost.Endpoint{}, errSuperseded
		}
		if err == nil {
			err = errors.New("exited")
		}
		return exechost.Endpoint{}, fmt.Errorf("%w: %s stopped before serving: %w", perrors.ErrAdapter, profile.Start, err)
	case <-timer.C:
		if rs.Current(runID) {
			_ = proc.Kill()
		}
		return exechost.Endpoint{}, fmt.Errorf("%w: %w: no server after %s", perrors.ErrAdapter, perrors.ErrTimeout, s.o.cfg.ReadyTimeout)
	case <-ctx.Done():
		return exechost.Endpoint{}, errSuperseded
	}
}

func (s *Session) install(ctx context.Context, c exechost.Container, step runprofile.Step, log zerolog.Logger) error {
	proc, err := c.Spawn(ctx, step.Command, step.Args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", perrors.ErrAdapter, step, err)
	}
	go streamOutput(proc.Output(), log.With().Str("stream", "install").Logger())

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()
	timer := time.NewTimer(s.o.cfg.InstallTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %s: %w", perrors.ErrAdapter, step, err)
		}
		return nil
	case <-timer.C:
		_ = proc.Kill()
		return fmt.Errorf("%w: %w: %s did not finish within %s", perrors.ErrAdapter, perrors.ErrTimeout, step, s.o.cfg.InstallTimeout)
	case <-ctx.Done():
		_ = proc.Kill()
		return ctx.Err()
	}
}

// stopped reports err as a supersession when the run was cancelled.
func (s *Session) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errSuperseded
	}
	return err
}

func streamOutput(r io.Reader, log zerolog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		log.Debug().Str("line", sc.Text()).Msg("process output")
	}
}
