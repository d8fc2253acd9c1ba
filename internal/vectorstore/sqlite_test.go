package vectorstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T, dimension int) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"), dimension)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, 2)

	require.NoError(t, s.Upsert(ctx, []Record{
		rec("a", "main.go", "go", []float32{1, 0}, "h1"),
		rec("b", "util.go", "go", []float32{0, 1}, "h2"),
	}))

	files, err := s.ListFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "util.go"}, files)

	matches, err := s.Search(ctx, []float32{1, 0}, 1, Filter{Model: "test-model"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].Record.ID)

	require.NoError(t, s.DeleteFile(ctx, "main.go"))
	files, err = s.ListFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"util.go"}, files)
}

func TestSQLiteSearchWidensFilteredFetch(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, 4)

	// 300 near neighbors of one model crowd out the 5 records the filter
	// actually wants; the KNN window must widen until they surface.
	var records []Record
	for i := 0; i < 300; i++ {
		r := rec(fmt.Sprintf("near-%03d", i), "near.go", "go",
			[]float32{1, 0, 0, float32(i) * 0.001}, fmt.Sprintf("h%d", i))
		records = append(records, r)
	}
	for i := 0; i < 5; i++ {
		r := rec(fmt.Sprintf("far-%d", i), "far.go", "go",
			[]float32{0, 1, float32(i + 1), 0}, fmt.Sprintf("f%d", i))
		r.Model = "other-model"
		records = append(records, r)
	}
	require.NoError(t, s.Upsert(ctx, records))

	matches, err := s.Search(ctx, []float32{1, 0, 0, 0}, 5, Filter{Model: "other-model"})
	require.NoError(t, err)
	require.Len(t, matches, 5)
	for _, m := range matches {
		assert.Equal(t, "other-model", m.Record.Model)
	}
}
