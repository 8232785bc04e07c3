package project

import (
	"slices"

	"github.com/p-blackswan/collabhub/internal/filetree"
)

// Project is a collaboratively edited code project.
type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Users     []string      `json:"users"`
	FileTree  filetree.Tree `json:"fileTree"`
	CreatedAt int64         `json:"createdAt"`
	UpdatedAt int64         `json:"updatedAt"`
}

// HasUser reports whether userID is a collaborator.
func (p *Project) HasUser(userID string) bool {
	return slices.Contains(p.Users, userID)
}

// CreateProjectInput holds parameters for creating a new project.
type CreateProjectInput struct {
	Name    string `json:"name"`
	OwnerID string `json:"-"`
}

// User is a known collaborator account.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	LastSeen int64  `json:"lastSeen"`
}

// StoredMessage is one entry of a project's chat history.
type StoredMessage struct {
	ID          int64  `json:"id"`
	ProjectID   string `json:"projectId"`
	SenderID    string `json:"senderId"`
	SenderEmail string `json:"senderEmail"`
	Body        string `json:"body"`
	CreatedAt   int64  `json:"createdAt"`
}
