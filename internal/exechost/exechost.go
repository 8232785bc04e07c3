// Package exechost adapts a sandbox that can materialise a file tree, run
// processes inside it and report when one of them starts serving.
package exechost

import (
	"context"
	"io"

	"github.com/p-blackswan/collabhub/internal/filetree"
)

// Endpoint is where a started project can be reached.
type Endpoint struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// Host boots containers.
type Host interface {
	Boot(ctx context.Context) (Container, error)
}

// Container is one booted sandbox.
type Container interface {
	// Mount writes tree into the container's working directory.
	Mount(ctx context.Context, tree filetree.Tree) error
	// Spawn starts a process. It lives until it exits, is killed, ctx is
	// done, or the container closes.
	Spawn(ctx context.Context, name string, args ...string) (Process, error)
	// ServerReady delivers an endpoint each time a spawned process starts
	// accepting connections.
	ServerReady() <-chan Endpoint
	// Close kills every process and releases the container.
	Close() error
}

// Process is a handle on a spawned command.
type Process interface {
	// Output is the combined stdout/stderr stream. It reaches EOF after
	// the process exits.
	Output() io.Reader
	// Wait blocks until exit. It may be called more than once.
	Wait() error
	// Kill terminates the process. Repeated calls are no-ops.
	Kill() error
}
