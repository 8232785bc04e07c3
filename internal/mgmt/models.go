package mgmt

import (
	"encoding/json"

	"github.com/p-blackswan/collabhub/internal/exechost"
	"github.com/p-blackswan/collabhub/internal/project"
)

// CreateProjectRequest is the body for POST /api/v1/projects.
type CreateProjectRequest struct {
	Name string `json:"name"`
}

// AddUsersRequest is the body for PUT /api/v1/projects/:id/users.
type AddUsersRequest struct {
	Users []string `json:"users"`
}

// PutFileTreeRequest is the body for PUT /api/v1/projects/:id/file-tree.
// The tree is kept raw so it is validated by the tree parser.
type PutFileTreeRequest struct {
	FileTree json.RawMessage `json:"fileTree"`
}

// ProjectResponse is a project, with the live tree when its room is open.
type ProjectResponse struct {
	*project.Project
	Live     bool             `json:"live"`
	Revision uint64           `json:"revision,omitempty"`
	Run      *exechost.Status `json:"run,omitempty"`
}

// ProjectListResponse is the response for GET /api/v1/projects.
type ProjectListResponse struct {
	Projects []*project.Project `json:"projects"`
	Total    int                `json:"total"`
}

// FileTreeResponse acknowledges a tree replacement.
type FileTreeResponse struct {
	ProjectID string `json:"projectId"`
	Live      bool   `json:"live"`
	Revision  uint64 `json:"revision,omitempty"`
}

// MessagesResponse is the response for GET /api/v1/projects/:id/messages.
type MessagesResponse struct {
	Messages []project.StoredMessage `json:"messages"`
}

// UsersResponse is the response for GET /api/v1/users.
type UsersResponse struct {
	Users []project.User `json:"users"`
}

// MeResponse describes the caller.
type MeResponse struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
