// Package router validates chat messages, applies AI file tree rewrites
// and fans messages out to the rest of the room.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/collabhub/internal/aireply"
	"github.com/p-blackswan/collabhub/internal/chat"
	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/filetree"
	"github.com/p-blackswan/collabhub/internal/metrics"
	"github.com/p-blackswan/collabhub/internal/room"
)

// Rooms delivers events to room members.
type Rooms interface {
	Broadcast(projectID string, ev chat.Event, exclude room.Conn) int
}

// Trees applies whole-tree replacements.
type Trees interface {
	SetWhole(projectID string, tree filetree.Tree) error
}

// MessageLog keeps a best-effort chat history.
type MessageLog interface {
	AppendMessage(ctx context.Context, projectID string, msg chat.Message) error
}

// Hook observes every routed message. OnMessage runs on its own goroutine.
type Hook interface {
	OnMessage(ctx context.Context, projectID string, msg chat.Message)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, projectID string, msg chat.Message)

func (f HookFunc) OnMessage(ctx context.Context, projectID string, msg chat.Message) {
	f(ctx, projectID, msg)
}

// Result describes what Handle did with a message.
type Result struct {
	// DisplayText is the text a client would render.
	DisplayText string
	TreeApplied bool
	Delivered   int
}

// Router routes project messages.
type Router struct {
	rooms   Rooms
	trees   Trees
	log     MessageLog
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu    sync.RWMutex
	hooks []Hook
	wg    sync.WaitGroup
	now   func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithMessageLog records routed messages in log.
func WithMessageLog(log MessageLog) Option {
	return func(r *Router) { r.log = log }
}

// WithMetrics counts messages and tree mutations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a router.
func New(rooms Rooms, trees Trees, logger zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		rooms:  rooms,
		trees:  trees,
		logger: logger.With().Str("component", "router").Logger(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AddHook registers h for every subsequently routed message.
func (r *Router) AddHook(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Handle routes msg within the project's room.
//
// Invalid messages are rejected with ErrMalformedMessage and reach nobody.
// An agent message that carries a file tree has it applied before the
// message is broadcast, so every member that receives the message already
// sees the new tree. An agent body that does not parse is broadcast as is.
// origin is excluded from the broadcast and may be nil for messages
// injected by the server.
func (r *Router) Handle(ctx context.Context, projectID string, origin room.Conn, msg chat.Message) (Result, error) {
	log := r.logger.With().Str("project_id", projectID).Logger()
	if origin != nil {
		log = log.With().Str("conn_id", origin.ID()).Logger()
	}

	if err := msg.Validate(); err != nil {
		log.Warn().Err(err).Msg("dropping malformed message")
		r.metrics.RecordError("router", perrors.Kind(err))
		return Result{}, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}

	res := Result{DisplayText: msg.Body}
	kind := "human"
	if msg.IsAgent() {
		kind = "agent"
		reply, err := aireply.Interpret(msg.Body)
		res.DisplayText = reply.Text
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("ai reply not applied")
			r.metrics.RecordError("router", perrors.Kind(err))
		case reply.Tree != nil:
			if err := r.trees.SetWhole(projectID, *reply.Tree); err != nil {
				log.Error().Err(err).Msg("applying ai file tree")
				r.metrics.RecordError("router", perrors.Kind(err))
				return res, err
			}
			res.TreeApplied = true
			r.metrics.RecordTreeMutation("agent")
			log.Info().Int("files", len(reply.Tree.Files())).Msg("applied ai file tree")
		}
	}

	ev, err := chat.MessageEvent(msg)
	if err != nil {
		return res, errors.Join(perrors.ErrMalformedMessage, err)
	}
	res.Delivered = r.rooms.Broadcast(projectID, ev, origin)
	r.metrics.RecordMessage(kind)
	log.Debug().Str("kind", kind).Int("delivered", res.Delivered).Msg("message routed")

	if r.log != nil {
		if err := r.log.AppendMessage(ctx, projectID, msg); err != nil {
			log.Warn().Err(err).Msg("message history not recorded")
			r.metrics.RecordError("router", perrors.Kind(err))
		}
	}
	r.dispatch(ctx, projectID, msg)
	return res, nil
}

func (r *Router) dispatch(ctx context.Context, projectID string, msg chat.Message) {
	r.mu.RLock()
	hooks := append([]Hook(nil), r.hooks...)
	r.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, h := range hooks {
		r.wg.Add(1)
		go func(h Hook) {
			defer r.wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Interface("panic", rec).Str("project_id", projectID).Msg("message hook panicked")
				}
			}()
			h.OnMessage(ctx, projectID, msg)
		}(h)
	}
}

// Wait blocks until every running hook has returned.
func (r *Router) Wait() {
	r.wg.Wait()
}
