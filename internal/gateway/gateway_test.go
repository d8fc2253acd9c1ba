package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codequery/internal/chunker"
	"codequery/internal/chunker/languages"
	"codequery/internal/embed"
	"codequery/internal/index"
	"codequery/internal/query"
	"codequery/internal/vectorstore"
	"codequery/internal/walker"
)

const sample = `package demo

func Greet(name string) string {
	return "hello " + name
}
`

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	reg := chunker.NewRegistry()
	languages.RegisterAll(reg)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.go"), []byte(sample), 0o644))

	store := vectorstore.NewMemory()
	provider := embed.NewHashed(32)
	ch := chunker.New(reg, log)
	wk := walker.New(walker.Options{})

	mgr := index.NewManager(store, provider, ch, wk, log, index.Config{})
	_, err := mgr.ReconcileAll(context.Background(), []string{dir})
	require.NoError(t, err)

	engine := query.NewEngine(store, provider, ch, []string{dir}, log)
	return New(engine, query.NoopCompleter{}, mgr, log)
}

func collect(t *testing.T, run func(send func(Event) error) error) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, run(func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestQueryStreamsReferencesBeforeProse(t *testing.T) {
	gw := newTestGateway(t)

	events := collect(t, func(send func(Event) error) error {
		return gw.Query(context.Background(), QueryRequest{
			Question:   "how do we greet users",
			Synthesize: true,
		}, send)
	})

	require.NotEmpty(t, events)
	assert.Equal(t, "references", events[0].Type)
	assert.Equal(t, "done", events[len(events)-1].Type)

	sawDelta := false
	for i, e := range events {
		if e.Type == "delta" {
			sawDelta = true
			assert.Greater(t, i, 0, "prose must never precede references")
		}
	}
	assert.True(t, sawDelta)
}

func TestQueryRejectsEmptyQuestion(t *testing.T) {
	gw := newTestGateway(t)
	err := gw.Query(context.Background(), QueryRequest{}, func(Event) error { return nil })
	require.Error(t, err)
}

func TestBugSolveEmitsFindings(t *testing.T) {
	gw := newTestGateway(t)

	events := collect(t, func(send func(Event) error) error {
		return gw.BugSolve(context.Background(), BugRequest{
			Description: "greeting is wrong for empty names",
		}, send)
	})

	var findings int
	for _, e := range events {
		if e.Type == "finding" {
			findings++
			require.NotNil(t, e.Finding)
			assert.NotEmpty(t, e.Finding.Chunk)
			assert.NotEmpty(t, e.Finding.AffectedFiles)
		}
	}
	assert.Greater(t, findings, 0)
	assert.Equal(t, "done", events[len(events)-1].Type)
}

func TestIndexStatus(t *testing.T) {
	gw := newTestGateway(t)
	status, err := gw.IndexStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.IndexedFiles)
	assert.Greater(t, status.TotalChunks, 0)

	status, err = gw.IndexStatus(context.Background(), "no/such/path")
	require.NoError(t, err)
	assert.Equal(t, 0, status.IndexedFiles)
}

func TestHTTPHealth(t *testing.T) {
	srv := NewServer(newTestGateway(t), "127.0.0.1:0", nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHTTPStatus(t *testing.T) {
	srv := NewServer(newTestGateway(t), "127.0.0.1:0", nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/index/status", nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_files"`)
	var status index.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.IndexedFiles)
}

func TestHTTPStatusPathFilter(t *testing.T) {
	srv := NewServer(newTestGateway(t), "127.0.0.1:0", nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/index/status?path=demo.go", nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status index.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.IndexedFiles)
	assert.Greater(t, status.TotalChunks, 0)

	req = httptest.NewRequest(http.MethodGet, "/v1/index/status?path=missing", nil)
	rec = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 0, status.IndexedFiles)
}

func TestHTTPQueryBuffered(t *testing.T) {
	srv := NewServer(newTestGateway(t), "127.0.0.1:0", nil)
	body, _ := json.Marshal(QueryRequest{Question: "how do we greet users", Synthesize: true})
	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		References []query.Reference `json:"references"`
		Answer     string            `json:"answer"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.References)
	assert.NotEmpty(t, resp.Answer)
}

func TestHTTPQueryBadJSON(t *testing.T) {
	srv := NewServer(newTestGateway(t), "127.0.0.1:0", nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPQueryStreamSSE(t *testing.T) {
	srv := NewServer(newTestGateway(t), "127.0.0.1:0", nil)
	body, _ := json.Marshal(QueryRequest{Question: "how do we greet users"})
	req := httptest.NewRequest(http.MethodPost, "/v1/query/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var types []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		types = append(types, e.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, "references", types[0])
	assert.Equal(t, "done", types[len(types)-1])
}
