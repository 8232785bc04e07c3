// Package filetree models a project's file tree and owns the per-project
// in-memory working copy that collaborators and the AI agent mutate.
//
// A Tree maps a name (unique within its directory, case-sensitive) to a Node.
// A Node is either a file holding its contents or a directory holding a
// child Tree. Trees are never linked by reference across snapshots handed to
// callers, so a tree is acyclic by construction.
package filetree

import (
	"fmt"
	"sort"
	"strings"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
)

// Limits applied when ingesting trees from untrusted input.
const (
	MaxDepth = 64
	MaxNodes = 10000
)

// Kind tags a Node variant.
type Kind int

const (
	KindFile Kind = iota + 1
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "invalid"
	}
}

// Node is a tagged union: a file or a directory.
type Node struct {
	kind     Kind
	contents string
	children Tree
}

// File returns a file node.
func File(contents string) Node {
	return Node{kind: KindFile, contents: contents}
}

// Dir returns a directory node. A nil children tree is an empty directory.
func Dir(children Tree) Node {
	if children == nil {
		children = Tree{}
	}
	return Node{kind: KindDirectory, children: children}
}

func (n Node) Kind() Kind       { return n.kind }
func (n Node) IsFile() bool     { return n.kind == KindFile }
func (n Node) IsDir() bool      { return n.kind == KindDirectory }
func (n Node) Contents() string { return n.contents }
func (n Node) Children() Tree   { return n.children }

func (n Node) clone() Node {
	if n.kind == KindDirectory {
		return Node{kind: KindDirectory, children: n.children.Clone()}
	}
	return n
}

// Tree maps entry names to nodes. The empty tree is valid.
type Tree map[string]Node

// Clone returns a deep copy of t. Cloning nil yields an empty tree.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for name, n := range t {
		out[name] = n.clone()
	}
	return out
}

// Lookup returns the node at a slash-separated path.
func (t Tree) Lookup(path string) (Node, bool) {
	parts, err := SplitPath(path)
	if err != nil {
		return Node{}, false
	}
	cur := t
	for i, p := range parts {
		n, ok := cur[p]
		if !ok {
			return Node{}, false
		}
		if i == len(parts)-1 {
			return n, true
		}
		if !n.IsDir() {
			return Node{}, false
		}
		cur = n.children
	}
	return Node{}, false
}

// Files returns the sorted slash-separated paths of every file in t.
func (t Tree) Files() []string {
	var out []string
	var walk func(prefix string, tree Tree)
	walk = func(prefix string, tree Tree) {
		for name, n := range tree {
			p := name
			if prefix != "" {
				p = prefix + "/" + name
			}
			if n.IsDir() {
				walk(p, n.children)
				continue
			}
			out = append(out, p)
		}
	}
	walk("", t)
	sort.Strings(out)
	return out
}

// WithFile returns a copy of t in which path holds a file with contents.
// Missing intermediate directories are created. A file sitting where a
// directory is needed is replaced. t itself is not modified.
func (t Tree) WithFile(path, contents string) (Tree, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	return withFile(t, parts, contents), nil
}

func withFile(t Tree, parts []string, contents string) Tree {
	out := make(Tree, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	name := parts[0]
	if len(parts) == 1 {
		out[name] = File(contents)
		return out
	}
	var children Tree
	if existing, ok := t[name]; ok && existing.IsDir() {
		children = existing.children
	}
	out[name] = Dir(withFile(children, parts[1:], contents))
	return out
}

// SplitPath splits a slash-separated path, dropping empty segments. Every
// rejection wraps ErrInvalidInput.
func SplitPath(path string) ([]string, error) {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		if err := ValidName(p); err != nil {
			return nil, fmt.Errorf("%w: path %q: %v", perrors.ErrInvalidInput, path, err)
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty path %q", perrors.ErrInvalidInput, path)
	}
	if len(parts) > MaxDepth {
		return nil, fmt.Errorf("%w: path deeper than %d levels", perrors.ErrInvalidInput, MaxDepth)
	}
	return parts, nil
}

// ValidName reports whether name can be a single tree entry.
func ValidName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty entry name", perrors.ErrInvalidTree)
	case name == "." || name == "..":
		return fmt.Errorf("%w: reserved entry name %q", perrors.ErrInvalidTree, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: entry name %q contains a separator", perrors.ErrInvalidTree, name)
	}
	return nil
}

// Validate checks a programmatically built tree against the same rules
// applied to decoded input.
func Validate(t Tree) error {
	budget := MaxNodes
	return validate(t, "", 1, &budget)
}

func validate(t Tree, prefix string, depth int, budget *int) error {
	if depth > MaxDepth {
		return fmt.Errorf("%w: deeper than %d levels at %q", perrors.ErrInvalidTree, MaxDepth, prefix)
	}
	for name, n := range t {
		if err := ValidName(name); err != nil {
			return err
		}
		*budget--
		if *budget < 0 {
			return fmt.Errorf("%w: more than %d nodes", perrors.ErrInvalidTree, MaxNodes)
		}
		p := joinPath(prefix, name)
		switch n.kind {
		case KindFile:
		case KindDirectory:
			if err := validate(n.children, p, depth+1, budget); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q is neither file nor directory", perrors.ErrInvalidTree, p)
		}
	}
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
