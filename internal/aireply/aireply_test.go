package aireply

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/filetree"
)

func TestInterpret_TextAndTree(t *testing.T) {
	reply, err := Interpret(`{"text":"done","fileTree":{"index.js":{"file":{"contents":"console.log(1)"}}}}`)
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Text)
	require.NotNil(t, reply.Tree)
	assert.Equal(t, filetree.Tree{"index.js": filetree.File("console.log(1)")}, *reply.Tree)
}

func TestInterpret_TextOnly(t *testing.T) {
	reply, err := Interpret(`{"text":"just chatting"}`)
	require.NoError(t, err)
	assert.Equal(t, "just chatting", reply.Text)
	assert.Nil(t, reply.Tree)
}

func TestInterpret_NullTreeIsAbsent(t *testing.T) {
	reply, err := Interpret(`{"text":"hi","fileTree":null}`)
	require.NoError(t, err)
	assert.Nil(t, reply.Tree)
}

func TestInterpret_EmptyTree(t *testing.T) {
	reply, err := Interpret(`{"text":"wiped","fileTree":{}}`)
	require.NoError(t, err)
	require.NotNil(t, reply.Tree)
	assert.Empty(t, *reply.Tree)
}

func TestInterpret_FencedJSON(t *testing.T) {
	raw := "```json\n{\"text\":\"fenced\",\"fileTree\":{\"a.js\":{\"file\":{\"contents\":\"a\"}}}}\n```"
	reply, err := Interpret(raw)
	require.NoError(t, err)
	assert.Equal(t, "fenced", reply.Text)
	require.NotNil(t, reply.Tree)
	assert.Equal(t, []string{"a.js"}, reply.Tree.Files())
}

func TestInterpret_ParseFailureFallsBackToRaw(t *testing.T) {
	cases := []string{
		`hello there`,
		`{"text": 42}`,
		`{"text":"unterminated`,
		`["text"]`,
		`{"fileTree":{}}`,
		``,
	}
	for _, raw := range cases {
		reply, err := Interpret(raw)
		assert.ErrorIs(t, err, perrors.ErrAIParse, raw)
		assert.Equal(t, raw, reply.Text, raw)
		assert.Nil(t, reply.Tree, raw)
	}
}

func TestInterpret_InvalidTreeKeepsText(t *testing.T) {
	reply, err := Interpret(`{"text":"broken","fileTree":{"a":{"file":{}}}}`)
	assert.ErrorIs(t, err, perrors.ErrInvalidTree)
	assert.NotErrorIs(t, err, perrors.ErrAIParse)
	assert.Equal(t, "broken", reply.Text)
	assert.Nil(t, reply.Tree)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}\n```\n"))
	assert.Equal(t, `{"a":1}`, StripFences("  {\"a\":1}  "))
	assert.Equal(t, "```", StripFences("```"))
}
