package chunker_test

import (
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "codequery/internal/chunker"
	"codequery/internal/chunker/languages"
)

func newTestChunker(t *testing.T) *Chunker {
	t.Helper()
	reg := NewRegistry()
	languages.RegisterAll(reg)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(reg, log)
}

const goSource = `package demo

import "fmt"

// Add sums two ints.
func Add(a, b int) int {
	return a + b
}

func Sub(a, b int) int {
	return a - b
}

type Pair struct {
	A, B int
}
`

func TestChunkGoFile(t *testing.T) {
	c := newTestChunker(t)
	chunks := c.Chunk("demo.go", []byte(goSource))
	require.NotEmpty(t, chunks)

	names := make(map[string]Chunk)
	for _, ch := range chunks {
		assert.Equal(t, "go", ch.Language)
		assert.NotEmpty(t, ch.ID)
		assert.NotEmpty(t, ch.Hash)
		assert.LessOrEqual(t, ch.StartLine, ch.EndLine)
		names[ch.Name] = ch
	}
	require.Contains(t, names, "Add")
	require.Contains(t, names, "Sub")
	assert.Contains(t, names["Add"].Content, "return a + b")
}

func TestChunkCoversWholeFile(t *testing.T) {
	c := newTestChunker(t)
	chunks := c.Chunk("demo.go", []byte(goSource))
	require.NotEmpty(t, chunks)

	// Leading lines (package, imports) attach to the first chunk and
	// trailing lines to the last; nothing is dropped.
	assert.Equal(t, 1, chunks[0].StartLine)
	total := len(strings.Split(goSource, "\n"))
	assert.Equal(t, total, chunks[len(chunks)-1].EndLine)
	assert.Contains(t, chunks[0].Content, "package demo")
}

func TestIdentityStableAcrossBodyEdits(t *testing.T) {
	c := newTestChunker(t)
	before := c.Chunk("demo.go", []byte(goSource))
	after := c.Chunk("demo.go", []byte(strings.Replace(goSource, "return a - b", "return a - b - 0", 1)))

	find := func(chunks []Chunk, name string) Chunk {
		for _, ch := range chunks {
			if ch.Name == name {
				return ch
			}
		}
		t.Fatalf("chunk %q not found", name)
		return Chunk{}
	}

	subBefore, subAfter := find(before, "Sub"), find(after, "Sub")
	assert.Equal(t, subBefore.ID, subAfter.ID, "editing a body must keep the chunk id")
	assert.NotEqual(t, subBefore.Hash, subAfter.Hash, "editing a body must change the hash")

	addBefore, addAfter := find(before, "Add"), find(after, "Add")
	assert.Equal(t, addBefore.ID, addAfter.ID)
	assert.Equal(t, addBefore.Hash, addAfter.Hash, "untouched chunks keep their hash")
}

func TestIdentityDiffersAcrossPaths(t *testing.T) {
	a := Identity("a.go", "function_declaration", "Run", 0)
	b := Identity("b.go", "function_declaration", "Run", 0)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}

func TestIdentityDisambiguatesByOrdinal(t *testing.T) {
	first := Identity("a.go", "function_declaration", "init", 0)
	second := Identity("a.go", "function_declaration", "init", 1)
	assert.NotEqual(t, first, second)
}

func TestChunkUnknownLanguageFallsBack(t *testing.T) {
	c := newTestChunker(t)
	var b strings.Builder
	for i := 0; i < 120; i++ {
		b.WriteString("line of configuration data\n")
	}

	chunks := c.Chunk("notes.cfg", []byte(b.String()))
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.Equal(t, "window", ch.Kind)
	}
	assert.Greater(t, len(chunks), 1, "long files split into multiple windows")
}

func TestChunkMalformedSourceNeverFails(t *testing.T) {
	c := newTestChunker(t)
	chunks := c.Chunk("broken.go", []byte("func ]] not valid go at all {{{"))
	assert.NotEmpty(t, chunks, "malformed files degrade to window chunks")
}

func TestChunkEmptyFile(t *testing.T) {
	c := newTestChunker(t)
	assert.Empty(t, c.Chunk("empty.go", nil))
}

func TestChunkPythonFile(t *testing.T) {
	c := newTestChunker(t)
	chunks := c.Chunk("util.py", []byte(`import os

def read_config(path):
    with open(path) as f:
        return f.read()

class Loader:
    def load(self):
        return read_config("x")
`))
	require.NotEmpty(t, chunks)

	var names []string
	for _, ch := range chunks {
		assert.Equal(t, "python", ch.Language)
		names = append(names, ch.Name)
	}
	assert.Contains(t, names, "read_config")
	assert.Contains(t, names, "Loader")
}

func TestFallbackWindowsOverlap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 90; i++ {
		b.WriteString("x\n")
	}
	chunks := Fallback("data.txt", "text", []byte(b.String()))
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 50, chunks[0].EndLine)
	assert.Equal(t, 41, chunks[1].StartLine, "windows overlap by ten lines")
}

func TestFallbackTrailingStubAttaches(t *testing.T) {
	// 55 lines: the 5-line remainder is within the overlap, so it joins
	// the first window instead of forming a tiny chunk.
	var b strings.Builder
	for i := 0; i < 55; i++ {
		b.WriteString("x\n")
	}
	chunks := Fallback("data.txt", "text", []byte(b.String()))
	require.Len(t, chunks, 1)
	assert.GreaterOrEqual(t, chunks[0].EndLine, 55)
}

func TestEmbedTextCarriesLocator(t *testing.T) {
	ch := Chunk{
		Path:     "pkg/demo.go",
		Language: "go",
		Kind:     "function_declaration",
		Name:     "Add",
		Content:  "func Add() {}",
	}
	text := ch.EmbedText()
	assert.Contains(t, text, "pkg/demo.go")
	assert.Contains(t, text, "Add")
	assert.True(t, strings.HasSuffix(text, "func Add() {}"))
}

func TestSplitOversizedKeepsDistinctIDs(t *testing.T) {
	var b strings.Builder
	b.WriteString("package demo\n\nfunc Big() {\n")
	for i := 0; i < 400; i++ {
		b.WriteString("\tcallSomethingWithALongName(1234567890, \"padding padding padding\")\n")
	}
	b.WriteString("}\n")

	c := newTestChunker(t)
	chunks := c.Chunk("big.go", []byte(b.String()))
	require.Greater(t, len(chunks), 1)

	seen := make(map[string]bool)
	for _, ch := range chunks {
		assert.False(t, seen[ch.ID], "split parts must have distinct ids")
		seen[ch.ID] = true
	}
}
