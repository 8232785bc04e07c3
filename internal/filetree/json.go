package filetree

import (
	"bytes"
	"encoding/json"
	"fmt"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
)

// Wire shape, shared with the browser sandbox:
//
//	{"index.js": {"file": {"contents": "..."}}, "src": {"directory": {...}}}

type wireNode struct {
	File      *wireFile       `json:"file,omitempty"`
	Directory json.RawMessage `json:"directory,omitempty"`
}

type wireFile struct {
	Contents *string `json:"contents"`
}

// MarshalJSON encodes the node in its wire shape.
func (n Node) MarshalJSON() ([]byte, error) {
	switch n.kind {
	case KindFile:
		c := n.contents
		return json.Marshal(wireNode{File: &wireFile{Contents: &c}})
	case KindDirectory:
		children := n.children
		if children == nil {
			children = Tree{}
		}
		raw, err := json.Marshal(children)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNode{Directory: raw})
	default:
		return nil, fmt.Errorf("%w: cannot encode untagged node", perrors.ErrInvalidTree)
	}
}

// MarshalJSON encodes t; a nil tree encodes as an empty object.
func (t Tree) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]Node(t))
}

// UnmarshalJSON decodes and validates a tree with the default limits.
func (t *Tree) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Parse decodes a wire-format tree, rejecting anything that is not a
// well-formed tree within MaxDepth and MaxNodes. The whole input is rejected
// on the first violation; partial trees are never returned.
func Parse(data []byte) (Tree, error) {
	budget := MaxNodes
	return decodeTree(data, "", 1, &budget)
}

func decodeTree(data []byte, prefix string, depth int, budget *int) (Tree, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: deeper than %d levels at %q", perrors.ErrInvalidTree, MaxDepth, prefix)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: %s must be an object", perrors.ErrInvalidTree, where(prefix))
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", perrors.ErrInvalidTree, where(prefix), err)
	}

	tree := make(Tree, len(entries))
	for name, raw := range entries {
		if err := ValidName(name); err != nil {
			return nil, err
		}
		*budget--
		if *budget < 0 {
			return nil, fmt.Errorf("%w: more than %d nodes", perrors.ErrInvalidTree, MaxNodes)
		}
		node, err := decodeNode(raw, joinPath(prefix, name), depth, budget)
		if err != nil {
			return nil, err
		}
		tree[name] = node
	}
	return tree, nil
}

func decodeNode(raw json.RawMessage, path string, depth int, budget *int) (Node, error) {
	var w wireNode
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Node{}, fmt.Errorf("%w: %q: %v", perrors.ErrInvalidTree, path, err)
	}

	hasDir := len(w.Directory) > 0 && !bytes.Equal(bytes.TrimSpace(w.Directory), []byte("null"))
	switch {
	case w.File != nil && hasDir:
		return Node{}, fmt.Errorf("%w: %q is both file and directory", perrors.ErrInvalidTree, path)
	case w.File != nil:
		if w.File.Contents == nil {
			return Node{}, fmt.Errorf("%w: %q has no contents", perrors.ErrInvalidTree, path)
		}
		return File(*w.File.Contents), nil
	case hasDir:
		children, err := decodeTree(w.Directory, path, depth+1, budget)
		if err != nil {
			return Node{}, err
		}
		return Dir(children), nil
	default:
		return Node{}, fmt.Errorf("%w: %q is neither file nor directory", perrors.ErrInvalidTree, path)
	}
}

func where(prefix string) string {
	if prefix == "" {
		return "tree"
	}
	return fmt.Sprintf("directory %q", prefix)
}
