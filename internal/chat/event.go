package chat

import (
	"encoding/json"

	"github.com/p-blackswan/collabhub/internal/filetree"
)

// Event names exchanged over a room connection.
const (
	EventProjectMessage = "project-message"

	// Client → server.
	EventUpdateFile   = "update-file"
	EventGetFileTree  = "get-file-tree"
	EventSaveFileTree = "save-file-tree"
	EventRunProject   = "run-project"

	// Server → client.
	EventJoined        = "joined"
	EventFileTree      = "file-tree"
	EventFileUpdated   = "file-updated"
	EventFileTreeSaved = "file-tree-saved"
	EventRunStarted    = "run-started"
	EventServerReady   = "server-ready"
	EventRunFailed     = "run-failed"
	EventError         = "error"
)

// Event is the envelope of every frame on a room connection.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with data JSON-encoded.
func NewEvent(name string, data any) (Event, error) {
	if data == nil {
		return Event{Name: name}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: raw}, nil
}

// MustEvent is NewEvent for payloads that cannot fail to encode.
func MustEvent(name string, data any) Event {
	ev, err := NewEvent(name, data)
	if err != nil {
		panic("chat: encode " + name + ": " + err.Error())
	}
	return ev
}

// MessageEvent wraps msg as a "project-message" event.
func MessageEvent(msg Message) (Event, error) {
	raw, err := EncodeProjectMessage(msg)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: EventProjectMessage, Data: raw}, nil
}

// Joined is sent to a connection once it is a room member.
type Joined struct {
	ProjectID string `json:"projectId"`
	Members   int    `json:"members"`
}

// UpdateFile asks the server to write one file.
type UpdateFile struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// FileUpdated tells other members a file changed.
type FileUpdated struct {
	Path     string     `json:"path"`
	Contents string     `json:"contents"`
	Sender   WireSender `json:"sender"`
	Revision uint64     `json:"revision"`
}

// FileTree carries a full snapshot.
type FileTree struct {
	FileTree filetree.Tree `json:"fileTree"`
	Revision uint64        `json:"revision"`
}

// FileTreeSaved acknowledges a persist.
type FileTreeSaved struct {
	Revision uint64 `json:"revision"`
}

// RunStarted acknowledges a run request.
type RunStarted struct {
	RunID string `json:"runId"`
}

// ServerReady carries the endpoint of a started project.
type ServerReady struct {
	RunID string `json:"runId"`
	Port  int    `json:"port"`
	URL   string `json:"url"`
}

// RunFailed reports a run that did not reach ready.
type RunFailed struct {
	RunID string `json:"runId"`
	Error string `json:"error"`
}

// ErrorPayload reports a failure of the connection's own action.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
