// Package aireply turns the raw body of an AI participant message into
// display text and an optional replacement file tree.
package aireply

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/filetree"
)

// Reply is the interpreted form of an AI message.
type Reply struct {
	Text string
	// Tree is nil when the reply does not rewrite the project.
	Tree *filetree.Tree
}

type wireReply struct {
	Text     *string         `json:"text"`
	FileTree json.RawMessage `json:"fileTree"`
}

// Interpret parses raw as a {"text", "fileTree"} object.
//
// On a parse failure the returned Reply carries raw as its text and the
// error wraps ErrAIParse. An invalid fileTree yields the text with no tree
// and an error wrapping ErrInvalidTree. Callers may always display the
// returned Reply, error or not.
func Interpret(raw string) (Reply, error) {
	body := bytes.TrimSpace([]byte(StripFences(raw)))
	if len(body) == 0 || body[0] != '{' {
		return Reply{Text: raw}, fmt.Errorf("%w: reply is not a JSON object", perrors.ErrAIParse)
	}

	var w wireReply
	if err := json.Unmarshal(body, &w); err != nil {
		return Reply{Text: raw}, fmt.Errorf("%w: %v", perrors.ErrAIParse, err)
	}
	if w.Text == nil {
		return Reply{Text: raw}, fmt.Errorf("%w: missing text", perrors.ErrAIParse)
	}

	reply := Reply{Text: *w.Text}
	ft := bytes.TrimSpace(w.FileTree)
	if len(ft) == 0 || bytes.Equal(ft, []byte("null")) {
		return reply, nil
	}
	tree, err := filetree.Parse(ft)
	if err != nil {
		return reply, err
	}
	reply.Tree = &tree
	return reply, nil
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag. Text without a leading fence is returned trimmed.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return s
	}
	inner := s[nl+1:]
	if end := strings.LastIndex(inner, "```"); end >= 0 {
		inner = inner[:end]
	}
	return strings.TrimSpace(inner)
}
