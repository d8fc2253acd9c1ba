package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id, path, lang string, vec []float32, hash string) Record {
	return Record{
		ID:          id,
		FilePath:    path,
		Language:    lang,
		Kind:        "function",
		Name:        id,
		StartLine:   1,
		EndLine:     10,
		Content:     "func " + id + "() {}",
		ContentHash: hash,
		Model:       "test-model",
		Vector:      vec,
		UpdatedAt:   time.Now().UTC(),
	}
}

func TestMemoryUpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Upsert(ctx, []Record{rec("a", "main.go", "go", []float32{1, 0}, "h1")}))
	require.NoError(t, s.Upsert(ctx, []Record{rec("a", "main.go", "go", []float32{0, 1}, "h2")}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)

	hashes, err := s.HashesForFile(ctx, "main.go")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "h2"}, hashes)
}

func TestMemorySearchOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Upsert(ctx, []Record{
		rec("near", "a.go", "go", []float32{1, 0}, "h1"),
		rec("mid", "b.go", "go", []float32{1, 1}, "h2"),
		rec("far", "c.go", "go", []float32{0, 1}, "h3"),
	}))

	matches, err := s.Search(ctx, []float32{1, 0}, 2, Filter{Model: "test-model"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "near", matches[0].Record.ID)
	assert.Equal(t, "mid", matches[1].Record.ID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestMemorySearchFiltersByModel(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	old := rec("a", "a.go", "go", []float32{1, 0}, "h1")
	old.Model = "old-model"
	require.NoError(t, s.Upsert(ctx, []Record{old}))

	matches, err := s.Search(ctx, []float32{1, 0}, 5, Filter{Model: "new-model"})
	require.NoError(t, err)
	assert.Empty(t, matches, "records from another embedding model must not surface")
}

func TestMemorySearchFiltersByLanguage(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Upsert(ctx, []Record{
		rec("g", "a.go", "go", []float32{1, 0}, "h1"),
		rec("p", "a.py", "python", []float32{1, 0}, "h2"),
	}))

	matches, err := s.Search(ctx, []float32{1, 0}, 5, Filter{Model: "test-model", Languages: []string{"python"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "p", matches[0].Record.ID)

	matches, err = s.Search(ctx, []float32{1, 0}, 5, Filter{Model: "test-model", Languages: []string{"rust"}})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Upsert(ctx, []Record{rec("a", "a.go", "go", []float32{1, 0}, "h1")}))

	require.NoError(t, s.Delete(ctx, []string{"a", "missing"}))
	require.NoError(t, s.Delete(ctx, []string{"a"}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Chunks)
}

func TestMemoryDeleteFile(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Upsert(ctx, []Record{
		rec("a1", "a.go", "go", []float32{1, 0}, "h1"),
		rec("a2", "a.go", "go", []float32{0, 1}, "h2"),
		rec("b1", "b.go", "go", []float32{1, 1}, "h3"),
	}))

	require.NoError(t, s.DeleteFile(ctx, "a.go"))
	require.NoError(t, s.DeleteFile(ctx, "a.go"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, 1, stats.Files)
}

func TestMemoryTieBreaksOnRecency(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	older := rec("older", "a.go", "go", []float32{1, 0}, "h1")
	older.UpdatedAt = time.Now().Add(-time.Hour)
	newer := rec("newer", "b.go", "go", []float32{1, 0}, "h2")
	require.NoError(t, s.Upsert(ctx, []Record{older, newer}))

	matches, err := s.Search(ctx, []float32{1, 0}, 2, Filter{Model: "test-model"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "newer", matches[0].Record.ID)
}

func TestMemoryMeta(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	v, err := s.GetMeta(ctx, "embedding_model")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, s.SetMeta(ctx, "embedding_model", "text-embedding-3-small"))
	require.NoError(t, s.SetMeta(ctx, "embedding_model", "nomic-embed-text"))

	v, err = s.GetMeta(ctx, "embedding_model")
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", v)
}

func TestScoreMonotonic(t *testing.T) {
	assert.Greater(t, score(0.1), score(0.5))
	assert.Greater(t, score(0.5), score(2.0))
	assert.Equal(t, 1.0, score(0))
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "cassandra"})
	require.Error(t, err)
}

func TestMemoryListFiles(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	files, err := s.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, s.Upsert(ctx, []Record{
		rec("a1", "b.go", "go", []float32{1, 0}, "h1"),
		rec("a2", "b.go", "go", []float32{0, 1}, "h2"),
		rec("a3", "a.go", "go", []float32{1, 1}, "h3"),
	}))

	files, err = s.ListFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "b.go"}, files)
}
