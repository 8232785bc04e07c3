// Package session drives one client connection through a project room:
// joining, dispatching inbound events, running the project and leaving.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/collabhub/internal/chat"
	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/filetree"
	"github.com/p-blackswan/collabhub/internal/metrics"
	"github.com/p-blackswan/collabhub/internal/room"
	"github.com/p-blackswan/collabhub/internal/router"
	"github.com/p-blackswan/collabhub/internal/runprofile"
)

// Conn is a room connection that can also be read from.
type Conn interface {
	room.Conn
	// Receive blocks for the next inbound event. It returns io.EOF once
	// the peer has gone.
	Receive(ctx context.Context) (chat.Event, error)
}

// Config holds run settings.
type Config struct {
	Profile        runprofile.Profile
	InstallTimeout time.Duration
	ReadyTimeout   time.Duration
}

// DefaultConfig returns npm defaults with a 5 minute install and a
// 2 minute wait for the server to come up.
func DefaultConfig() Config {
	return Config{
		Profile:        runprofile.Default(),
		InstallTimeout: 5 * time.Minute,
		ReadyTimeout:   2 * time.Minute,
	}
}

// Orchestrator wires connections to rooms, the router and run sessions.
type Orchestrator struct {
	rooms   *room.Registry
	router  *router.Router
	trees   *filetree.Store
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	runs sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records run outcomes and tree mutations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(rooms *room.Registry, rt *router.Router, trees *filetree.Store, cfg Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = def.InstallTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.Profile.Start.Command == "" {
		cfg.Profile = def.Profile
	}
	o := &Orchestrator{
		rooms:  rooms,
		router: rt,
		trees:  trees,
		cfg:    cfg,
		logger: logger.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Session is one connection's view of a room.
type Session struct {
	o         *Orchestrator
	projectID string
	conn      Conn
	room      *room.Room
	state     atomic.Int32
	logger    zerolog.Logger
}

// Open prepares a session for conn in projectID. Nothing happens until
// Serve is called.
func (o *Orchestrator) Open(projectID string, conn Conn) *Session {
	id := conn.Identity()
	return &Session{
		o:         o,
		projectID: projectID,
		conn:      conn,
		logger: o.logger.With().
			Str("project_id", projectID).
			Str("conn_id", conn.ID()).
			Str("user_id", id.UserID).
			Logger(),
	}
}

// Serve is Open followed by Session.Serve.
func (o *Orchestrator) Serve(ctx context.Context, projectID string, conn Conn) error {
	return o.Open(projectID, conn).Serve(ctx)
}

// Wait blocks until every in-flight run has finished.
func (o *Orchestrator) Wait() {
	o.runs.Wait()
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// setState moves to st unless the session has already left. Runs settle
// after their requester may have gone, and Left is final.
func (s *Session) setState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateLeft {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Serve joins the room and handles inbound events until the connection
// ends or ctx is cancelled, then leaves. A failed join is reported to the
// connection and returned.
func (s *Session) Serve(ctx context.Context) error {
	r, err := s.o.rooms.Join(ctx, s.projectID, s.conn)
	if err != nil {
		s.logger.Warn().Err(err).Msg("join failed")
		s.o.metrics.RecordError("session", perrors.Kind(err))
		s.sendError(err)
		s.setState(StateLeft)
		return err
	}
	s.room = r
	s.setState(StateJoined)
	defer func() {
		s.o.rooms.Leave(s.projectID, s.conn)
		s.setState(StateLeft)
	}()

	s.conn.Send(chat.MustEvent(chat.EventJoined, chat.Joined{ProjectID: s.projectID, Members: r.Size()}))

	for {
		ev, err := s.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := s.dispatch(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("event", ev.Name).Msg("event rejected")
			s.o.metrics.RecordError("session", perrors.Kind(err))
			s.sendError(err)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, ev chat.Event) error {
	switch ev.Name {
	case chat.EventProjectMessage:
		return s.onMessage(ctx, ev.Data)
	case chat.EventUpdateFile:
		return s.onUpdateFile(ev.Data)
	case chat.EventGetFileTree:
		return s.onGetFileTree()
	case chat.EventSaveFileTree:
		return s.onSaveFileTree(ctx)
	case chat.EventRunProject:
		return s.onRunProject()
	default:
		return fmt.Errorf("%w: unknown event %q", perrors.ErrInvalidInput, ev.Name)
	}
}

func (s *Session) onMessage(ctx context.Context, data json.RawMessage) error {
	msg, err := chat.DecodeProjectMessage(data)
	if err != nil {
		return err
	}
	msg, err = s.authorSender(msg)
	if err != nil {
		return err
	}
	_, err = s.o.router.Handle(ctx, s.projectID, s.conn, msg)
	return err
}

// authorSender rejects a message claiming a sender other than the
// authenticated user and fills in a missing email.
func (s *Session) authorSender(msg chat.Message) (chat.Message, error) {
	id := s.conn.Identity()
	switch snd := msg.Sender.(type) {
	case chat.Agent:
		if !id.IsAgent() {
			return msg, fmt.Errorf("%w: only the agent may send as %q", perrors.ErrDenied, chat.AgentID)
		}
	case chat.Human:
		if snd.ID != id.UserID {
			return msg, fmt.Errorf("%w: sender %q does not match the connection user", perrors.ErrDenied, snd.ID)
		}
		if snd.Email == "" {
			snd.Email = id.Email
			msg.Sender = snd
		}
	}
	return msg, nil
}

func (s *Session) onUpdateFile(data json.RawMessage) error {
	var req chat.UpdateFile
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("%w: update-file: %v", perrors.ErrInvalidInput, err)
	}
	if err := s.o.trees.SetFile(s.projectID, req.Path, req.Contents); err != nil {
		return err
	}
	rev, _ := s.o.trees.Revision(s.projectID)
	s.o.metrics.RecordTreeMutation("human")

	s.o.rooms.Broadcast(s.projectID, chat.MustEvent(chat.EventFileUpdated, chat.FileUpdated{
		Path:     req.Path,
		Contents: req.Contents,
		Sender:   chat.SenderOf(s.conn.Identity().Participant()),
		Revision: rev,
	}), s.conn)
	return nil
}

func (s *Session) onGetFileTree() error {
	tree, err := s.o.trees.Snapshot(s.projectID)
	if err != nil {
		return err
	}
	rev, _ := s.o.trees.Revision(s.projectID)
	s.conn.Send(chat.MustEvent(chat.EventFileTree, chat.FileTree{FileTree: tree, Revision: rev}))
	return nil
}

func (s *Session) onSaveFileTree(ctx context.Context) error {
	rev, err := s.o.trees.Revision(s.projectID)
	if err != nil {
		return err
	}
	if err := s.o.trees.Persist(ctx, s.projectID); err != nil {
		return err
	}
	s.conn.Send(chat.MustEvent(chat.EventFileTreeSaved, chat.FileTreeSaved{Revision: rev}))
	return nil
}

func (s *Session) sendError(err error) {
	kind := perrors.Kind(err)
	if kind == "" {
		return
	}
	s.conn.Send(chat.MustEvent(chat.EventError, chat.ErrorPayload{Code: kind, Message: err.Error()}))
}
