package mgmt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/collabhub/internal/chat"
	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/filetree"
	"github.com/p-blackswan/collabhub/internal/health"
	"github.com/p-blackswan/collabhub/internal/project"
	"github.com/p-blackswan/collabhub/internal/room"
)

// UserRecorder records users seen through authentication.
type UserRecorder interface {
	EnsureUser(ctx context.Context, id, email string) error
}

// Projects is the project metadata the API reads and writes.
type Projects interface {
	UserRecorder
	ListUsers(ctx context.Context, exceptID string) ([]project.User, error)
	CreateProject(ctx context.Context, input project.CreateProjectInput) (*project.Project, error)
	GetProject(ctx context.Context, id string) (*project.Project, error)
	ListProjectsFor(ctx context.Context, userID string) ([]*project.Project, error)
	AddUsers(ctx context.Context, projectID, actorID string, userIDs []string) (*project.Project, error)
	SaveFileTree(ctx context.Context, projectID string, tree filetree.Tree) error
	RecentMessages(ctx context.Context, projectID string, limit int) ([]project.StoredMessage, error)
}

// Rooms is the live side of a project.
type Rooms interface {
	Get(projectID string) (*room.Room, bool)
	Grant(projectID string, userIDs ...string)
	Broadcast(projectID string, ev chat.Event, exclude room.Conn) int
	Snapshot() []room.Info
}

// Trees is the resident working-tree store.
type Trees interface {
	Resident(projectID string) bool
	Snapshot(projectID string) (filetree.Tree, error)
	Revision(projectID string) (uint64, error)
	SetWhole(projectID string, tree filetree.Tree) error
	Persist(ctx context.Context, projectID string) error
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	projects  Projects
	rooms     Rooms
	trees     Trees
	auth      Authenticator
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(projects Projects, rooms Rooms, trees Trees, auth Authenticator, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		projects:  projects,
		rooms:     rooms,
		trees:     trees,
		auth:      auth,
		checker:   checker,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// Me handles GET /api/v1/me.
func (h *Handlers) Me(c *fiber.Ctx) error {
	id := caller(c)
	return c.JSON(MeResponse{UserID: id.UserID, Email: id.Email})
}

// Logout handles POST /api/v1/logout. The presented token stops working
// on both surfaces.
func (h *Handlers) Logout(c *fiber.Ctx) error {
	token, _ := c.Locals(localToken).(string)
	if err := h.auth.Revoke(c.UserContext(), token, "logout"); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListUsers handles GET /api/v1/users.
func (h *Handlers) ListUsers(c *fiber.Ctx) error {
	users, err := h.projects.ListUsers(c.UserContext(), caller(c).UserID)
	if err != nil {
		return errorResponse(c, err)
	}
	if users == nil {
		users = []project.User{}
	}
	return c.JSON(UsersResponse{Users: users})
}

// ListProjects handles GET /api/v1/projects.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	projects, err := h.projects.ListProjectsFor(c.UserContext(), caller(c).UserID)
	if err != nil {
		return errorResponse(c, err)
	}
	if projects == nil {
		projects = []*project.Project{}
	}
	return c.JSON(ProjectListResponse{Projects: projects, Total: len(projects)})
}

// CreateProject handles POST /api/v1/projects.
func (h *Handlers) CreateProject(c *fiber.Ctx) error {
	var req CreateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	p, err := h.projects.CreateProject(c.UserContext(), project.CreateProjectInput{
		Name:    req.Name,
		OwnerID: caller(c).UserID,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ProjectResponse{Project: p})
}

// GetProject handles GET /api/v1/projects/:id. An open room's working
// tree replaces the saved one.
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	p, err := h.collaborator(c)
	if err != nil {
		return errorResponse(c, err)
	}

	resp := ProjectResponse{Project: p}
	if tree, err := h.trees.Snapshot(p.ID); err == nil {
		resp.Live = true
		resp.FileTree = tree
		resp.Revision, _ = h.trees.Revision(p.ID)
		if r, ok := h.rooms.Get(p.ID); ok {
			st := r.Run().Status()
			resp.Run = &st
		}
	}
	return c.JSON(resp)
}

// AddUsers handles PUT /api/v1/projects/:id/users.
func (h *Handlers) AddUsers(c *fiber.Ctx) error {
	var req AddUsersRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	p, err := h.projects.AddUsers(c.UserContext(), c.Params("id"), caller(c).UserID, req.Users)
	if err != nil {
		return errorResponse(c, err)
	}
	h.rooms.Grant(p.ID, req.Users...)

	h.logger.Info().
		Str("project_id", p.ID).
		Str("actor", caller(c).UserID).
		Strs("users", req.Users).
		Msg("collaborators added")
	return c.JSON(ProjectResponse{Project: p})
}

// PutFileTree handles PUT /api/v1/projects/:id/file-tree. When the room
// is open the working tree is replaced, saved and pushed to members;
// otherwise only the saved tree changes.
func (h *Handlers) PutFileTree(c *fiber.Ctx) error {
	p, err := h.collaborator(c)
	if err != nil {
		return errorResponse(c, err)
	}

	var req PutFileTreeRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if len(req.FileTree) == 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_file_tree", "Bad Request",
			"fileTree is required")
	}
	tree, err := filetree.Parse(req.FileTree)
	if err != nil {
		return errorResponse(c, err)
	}
	ctx := c.UserContext()

	resp := FileTreeResponse{ProjectID: p.ID}
	switch err := h.trees.SetWhole(p.ID, tree); {
	case err == nil:
		if err := h.trees.Persist(ctx, p.ID); err != nil {
			return errorResponse(c, err)
		}
		resp.Live = true
		resp.Revision, _ = h.trees.Revision(p.ID)
		h.rooms.Broadcast(p.ID, chat.MustEvent(chat.EventFileTree, chat.FileTree{
			FileTree: tree,
			Revision: resp.Revision,
		}), nil)
	case errors.Is(err, perrors.ErrNotResident):
		if err := h.projects.SaveFileTree(ctx, p.ID, tree); err != nil {
			return errorResponse(c, err)
		}
	default:
		return errorResponse(c, err)
	}

	h.logger.Info().
		Str("project_id", p.ID).
		Str("actor", caller(c).UserID).
		Bool("live", resp.Live).
		Int("files", len(tree.Files())).
		Msg("file tree replaced")
	return c.JSON(resp)
}

// ListMessages handles GET /api/v1/projects/:id/messages.
func (h *Handlers) ListMessages(c *fiber.Ctx) error {
	p, err := h.collaborator(c)
	if err != nil {
		return errorResponse(c, err)
	}
	msgs, err := h.projects.RecentMessages(c.UserContext(), p.ID, c.QueryInt("limit", 50))
	if err != nil {
		return errorResponse(c, err)
	}
	if msgs == nil {
		msgs = []project.StoredMessage{}
	}
	return c.JSON(MessagesResponse{Messages: msgs})
}

// ListRooms handles GET /api/v1/rooms: the open rooms of the caller's
// projects.
func (h *Handlers) ListRooms(c *fiber.Ctx) error {
	mine, err := h.projects.ListProjectsFor(c.UserContext(), caller(c).UserID)
	if err != nil {
		return errorResponse(c, err)
	}
	ids := make(map[string]bool, len(mine))
	for _, p := range mine {
		ids[p.ID] = true
	}

	rooms := []room.Info{}
	for _, info := range h.rooms.Snapshot() {
		if ids[info.ProjectID] {
			rooms = append(rooms, info)
		}
	}
	return c.JSON(fiber.Map{"rooms": rooms})
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	report, _ := h.checker.Check(c.UserContext())
	return c.JSON(fiber.Map{
		"status": report.Status,
		"checks": report.Checks,
		"rooms":  len(h.rooms.Snapshot()),
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	report, ok := h.checker.Check(c.UserContext())
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}

func (h *Handlers) collaborator(c *fiber.Ctx) (*project.Project, error) {
	p, err := h.projects.GetProject(c.UserContext(), c.Params("id"))
	if err != nil {
		return nil, err
	}
	if id := caller(c); !p.HasUser(id.UserID) && !id.IsAgent() {
		return nil, fmt.Errorf("%w: not a collaborator of this project", perrors.ErrDenied)
	}
	return p, nil
}
