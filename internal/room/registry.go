package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/collabhub/internal/chat"
	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/exechost"
	"github.com/p-blackswan/collabhub/internal/filetree"
	"github.com/p-blackswan/collabhub/internal/metrics"
	"github.com/p-blackswan/collabhub/internal/project"
)

// ProjectSource loads project metadata when a room is first opened.
type ProjectSource interface {
	GetProject(ctx context.Context, id string) (*project.Project, error)
}

type seedCall struct {
	done chan struct{}
	err  error
}

// Registry maps project ids to resident rooms.
//
// A room exists exactly while its project's working tree is resident in
// the tree store. The first Join loads the project, concurrent first Joins
// share that load, and the last Leave tears the run session down before
// the room and its tree are dropped.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	seeding map[string]*seedCall

	projects ProjectSource
	trees    *filetree.Store
	host     exechost.Host
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records the room count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Registry) { g.metrics = m }
}

// NewRegistry creates an empty registry.
func NewRegistry(projects ProjectSource, trees *filetree.Store, host exechost.Host, logger zerolog.Logger, opts ...Option) *Registry {
	g := &Registry{
		rooms:    make(map[string]*Room),
		seeding:  make(map[string]*seedCall),
		projects: projects,
		trees:    trees,
		host:     host,
		logger:   logger.With().Str("component", "room.registry").Logger(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Join adds conn to the project's room, opening the room if needed. Joining
// twice with the same connection is a no-op. It fails with ErrRoomSeed if
// the project cannot be loaded and ErrDenied if the user is not a
// collaborator; in both cases no room is created.
func (g *Registry) Join(ctx context.Context, projectID string, conn Conn) (*Room, error) {
	id := conn.Identity()
	log := g.logger.With().Str("project_id", projectID).Str("conn_id", conn.ID()).Str("user_id", id.UserID).Logger()

	for {
		g.mu.Lock()
		if r, ok := g.rooms[projectID]; ok {
			r.mu.Lock()
			if r.closing {
				r.mu.Unlock()
				g.mu.Unlock()
				select {
				case <-r.evicted:
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			_, member := r.users[id.UserID]
			if !member && !id.IsAgent() {
				r.mu.Unlock()
				g.mu.Unlock()
				return nil, fmt.Errorf("%w: %s is not a collaborator of %s", perrors.ErrDenied, id.UserID, projectID)
			}
			_, already := r.members[conn.ID()]
			r.members[conn.ID()] = conn
			size := len(r.members)
			r.mu.Unlock()
			g.mu.Unlock()
			if !already {
				log.Info().Int("members", size).Msg("joined room")
			}
			return r, nil
		}

		if call, ok := g.seeding[projectID]; ok {
			g.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if call.err != nil {
				return nil, call.err
			}
			continue
		}

		call := &seedCall{done: make(chan struct{})}
		g.seeding[projectID] = call
		g.mu.Unlock()

		denied, err := g.seed(ctx, projectID, id.UserID, id.IsAgent(), call)
		if err != nil {
			log.Warn().Err(err).Msg("room seed failed")
			return nil, err
		}
		if denied {
			return nil, fmt.Errorf("%w: %s is not a collaborator of %s", perrors.ErrDenied, id.UserID, projectID)
		}
	}
}

// seed loads the project and installs its room. A denied joiner leaves no
// room behind and does not fail the joins waiting on call.
func (g *Registry) seed(ctx context.Context, projectID, userID string, agent bool, call *seedCall) (bool, error) {
	p, err := g.projects.GetProject(ctx, projectID)

	g.mu.Lock()
	delete(g.seeding, projectID)
	denied := false
	switch {
	case err != nil:
		call.err = fmt.Errorf("%w: %s: %w", perrors.ErrRoomSeed, projectID, err)
	case !agent && !p.HasUser(userID):
		denied = true
	default:
		if !g.trees.Seed(projectID, p.FileTree) {
			g.logger.Warn().Str("project_id", projectID).Msg("working tree already resident, keeping it")
		}
		g.rooms[projectID] = newRoom(projectID, p.Users, exechost.NewRunSession(g.host, g.logger))
		g.metrics.SetRooms(len(g.rooms))
		g.logger.Info().Str("project_id", projectID).Int("files", len(p.FileTree.Files())).Msg("room opened")
	}
	g.mu.Unlock()
	close(call.done)
	return denied, call.err
}

// Leave removes conn from the project's room. When the room empties, its
// run session is torn down before the room and tree are evicted. The tree
// is not saved; changes since the last explicit save are lost.
func (g *Registry) Leave(projectID string, conn Conn) {
	g.mu.Lock()
	r, ok := g.rooms[projectID]
	if !ok {
		g.mu.Unlock()
		return
	}
	r.mu.Lock()
	if _, member := r.members[conn.ID()]; !member {
		r.mu.Unlock()
		g.mu.Unlock()
		return
	}
	delete(r.members, conn.ID())
	remaining := len(r.members)
	closeNow := remaining == 0 && !r.closing
	if closeNow {
		r.closing = true
	}
	r.mu.Unlock()
	g.mu.Unlock()

	g.logger.Info().Str("project_id", projectID).Str("conn_id", conn.ID()).Int("members", remaining).Msg("left room")
	if closeNow {
		g.close(r)
	}
}

func (g *Registry) close(r *Room) {
	log := g.logger.With().Str("project_id", r.ProjectID).Logger()

	if err := r.run.Teardown(); err != nil {
		log.Warn().Err(err).Msg("run teardown failed")
		g.metrics.RecordError("room", perrors.Kind(err))
	}

	g.mu.Lock()
	if g.rooms[r.ProjectID] == r {
		delete(g.rooms, r.ProjectID)
	}
	discarded := g.trees.Evict(r.ProjectID)
	g.metrics.SetRooms(len(g.rooms))
	g.mu.Unlock()
	close(r.evicted)

	log.Info().Bool("discarded_unsaved", discarded).Msg("room closed")
}

// Broadcast sends ev to every member of the project's room except
// exclude, which may be nil. It returns the number of members that
// accepted the event.
func (g *Registry) Broadcast(projectID string, ev chat.Event, exclude Conn) int {
	r, ok := g.Get(projectID)
	if !ok {
		return 0
	}
	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID()
	}
	return r.Send(ev, excludeID)
}

// Get returns the resident room for projectID.
func (g *Registry) Get(projectID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[projectID]
	return r, ok
}

// Size returns the member count of the project's room, or zero.
func (g *Registry) Size(projectID string) int {
	r, ok := g.Get(projectID)
	if !ok {
		return 0
	}
	return r.Size()
}

// Grant records new collaborators on a resident room so they can join
// without reopening it.
func (g *Registry) Grant(projectID string, userIDs ...string) {
	if r, ok := g.Get(projectID); ok {
		r.Grant(userIDs...)
	}
}

// Info describes a resident room.
type Info struct {
	ProjectID string          `json:"projectId"`
	Members   int             `json:"members"`
	CreatedAt time.Time       `json:"createdAt"`
	Run       exechost.Status `json:"run"`
}

// Snapshot describes every resident room, ordered by project id.
func (g *Registry) Snapshot() []Info {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	out := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, Info{
			ProjectID: r.ProjectID,
			Members:   r.Size(),
			CreatedAt: r.CreatedAt,
			Run:       r.run.Status(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Shutdown closes every room and stops its run. Unsaved trees are
// discarded as on a last Leave.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	var rooms []*Room
	for _, r := range g.rooms {
		r.mu.Lock()
		if !r.closing {
			r.closing = true
			rooms = append(rooms, r)
		}
		r.mu.Unlock()
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(r *Room) {
			defer wg.Done()
			g.close(r)
		}(r)
	}
	wg.Wait()
}
