package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"codequery/internal/chunker"
	"codequery/internal/embed"
	"codequery/internal/vectorstore"
	"codequery/internal/walker"
)

const metaModelKey = "embedding_model"

// Config tunes the reconcile manager.
type Config struct {
	Workers    int           // concurrent file reconciles (<=0 means 4)
	MaxRetries int           // retries for a failed file reconcile
	RetryDelay time.Duration // base delay between retries
}

// Stats reports the outcome of a full reconcile pass.
type Stats struct {
	FilesSeen    int
	FilesChanged int
	FilesSkipped int
	FilesFailed  int
	FilesRemoved int
	ChunksUpsert int
	ChunksDelete int
}

// Status is a point-in-time snapshot of the index. Counts reflect only
// committed state; a reconcile in flight shows up in InFlight, never as a
// half-written file. TotalFiles counts files the last walk saw;
// IndexedFiles counts files with committed records.
type Status struct {
	TotalFiles   int            `json:"total_files"`
	IndexedFiles int            `json:"indexed_files"`
	TotalChunks  int            `json:"total_chunks"`
	ByModel      map[string]int `json:"by_model,omitempty"`
	Backend      string         `json:"backend,omitempty"`
	Model        string         `json:"model"`
	InFlight     int            `json:"in_flight"`
	LastError    string         `json:"last_error,omitempty"`
	LastUpdated  time.Time      `json:"last_updated"`
}

// FileSource walks roots and decides eligibility; satisfied by the walker.
type FileSource interface {
	Walk(root string) (<-chan walker.FileInfo, <-chan error)
	Eligible(path string) bool
}

// Manager keeps the vector store consistent with the file tree. Each file
// reconciles independently: the diff against stored chunk hashes decides
// what gets re-embedded, and the store swap is atomic per file.
type Manager struct {
	store    vectorstore.Store
	provider embed.Provider
	chunker  *chunker.Chunker
	source   FileSource
	log      *slog.Logger
	cfg      Config

	mu       sync.Mutex
	inflight map[string]bool
	dirty    map[string]bool
	lastErr  string
	lastSync time.Time
	lastSeen int
}

// NewManager wires the reconcile pipeline.
func NewManager(store vectorstore.Store, provider embed.Provider, ch *chunker.Chunker, source FileSource, log *slog.Logger, cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:    store,
		provider: provider,
		chunker:  ch,
		source:   source,
		log:      log,
		cfg:      cfg,
		inflight: make(map[string]bool),
		dirty:    make(map[string]bool),
	}
}

// ReconcileAll walks every root and reconciles each eligible file. A model
// change since the last pass forces re-embedding of all chunks.
func (m *Manager) ReconcileAll(ctx context.Context, roots []string) (Stats, error) {
	force, err := m.modelChanged(ctx)
	if err != nil {
		return Stats{}, err
	}
	if force {
		m.log.Info("embedding model changed, re-embedding all files", "model", m.provider.Model())
	}

	var stats Stats
	var statsMu sync.Mutex
	seen := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)

	for _, root := range roots {
		files, errs := m.source.Walk(root)
		for fi := range files {
			fi := fi
			seen[fi.RelPath] = true
			statsMu.Lock()
			stats.FilesSeen++
			statsMu.Unlock()

			g.Go(func() error {
				res, err := m.reconcileWithRetry(gctx, fi, force)
				statsMu.Lock()
				defer statsMu.Unlock()
				if err != nil {
					stats.FilesFailed++
					m.recordError(err)
					m.log.Warn("reconcile failed", "path", fi.RelPath, "error", err)
					return nil // one bad file does not abort the pass
				}
				if res.changed {
					stats.FilesChanged++
				} else {
					stats.FilesSkipped++
				}
				stats.ChunksUpsert += res.upserted
				stats.ChunksDelete += res.deleted
				return nil
			})
		}
		if err := <-errs; err != nil {
			return stats, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}

	// Files indexed by an earlier pass but absent from this walk were
	// deleted or newly excluded; their records go with them.
	stored, err := m.store.ListFiles(ctx)
	if err != nil {
		return stats, fmt.Errorf("list indexed files: %w", err)
	}
	for _, path := range stored {
		if seen[path] {
			continue
		}
		if err := m.store.DeleteFile(ctx, path); err != nil {
			return stats, fmt.Errorf("prune %s: %w", path, err)
		}
		stats.FilesRemoved++
		m.log.Debug("pruned vanished file", "path", path)
	}

	if err := m.store.SetMeta(ctx, metaModelKey, m.provider.Model()); err != nil {
		return stats, fmt.Errorf("record model: %w", err)
	}
	m.mu.Lock()
	m.lastSync = time.Now().UTC()
	m.lastSeen = stats.FilesSeen
	m.mu.Unlock()
	return stats, nil
}

func (m *Manager) modelChanged(ctx context.Context) (bool, error) {
	last, err := m.store.GetMeta(ctx, metaModelKey)
	if err != nil {
		return false, fmt.Errorf("get meta: %w", err)
	}
	return last != "" && last != m.provider.Model(), nil
}

type reconcileResult struct {
	changed  bool
	upserted int
	deleted  int
}

func (m *Manager) reconcileWithRetry(ctx context.Context, fi walker.FileInfo, force bool) (reconcileResult, error) {
	var res reconcileResult
	var err error
	delay := m.cfg.RetryDelay
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		res, err = m.ReconcileFile(ctx, fi, force)
		if err == nil {
			return res, nil
		}
	}
	return res, err
}

// ReconcileFile brings one file's stored chunks in line with its current
// content. Unchanged chunks cost nothing: if every chunk ID and content
// hash matches what is stored, no provider call happens at all.
//
// Concurrent calls for the same path collapse into one: the second caller
// marks the path dirty and the running reconcile re-runs when it finishes.
func (m *Manager) ReconcileFile(ctx context.Context, fi walker.FileInfo, force bool) (reconcileResult, error) {
	m.mu.Lock()
	if m.inflight[fi.RelPath] {
		m.dirty[fi.RelPath] = true
		m.mu.Unlock()
		return reconcileResult{}, nil
	}
	m.inflight[fi.RelPath] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inflight, fi.RelPath)
		redo := m.dirty[fi.RelPath]
		delete(m.dirty, fi.RelPath)
		m.mu.Unlock()
		if redo && ctx.Err() == nil {
			if _, err := m.ReconcileFile(ctx, fi, force); err != nil {
				m.recordError(err)
				m.log.Warn("requeued reconcile failed", "path", fi.RelPath, "error", err)
			}
		}
	}()

	return m.reconcileOnce(ctx, fi, force)
}

func (m *Manager) reconcileOnce(ctx context.Context, fi walker.FileInfo, force bool) (reconcileResult, error) {
	src, err := os.ReadFile(fi.Path)
	if err != nil {
		if os.IsNotExist(err) {
			// File vanished between walk and read; treat as a delete.
			return reconcileResult{changed: true}, m.RemoveFile(ctx, fi.RelPath)
		}
		return reconcileResult{}, fmt.Errorf("read %s: %w", fi.Path, err)
	}

	chunks := m.chunker.Chunk(fi.RelPath, src)
	stored, err := m.store.HashesForFile(ctx, fi.RelPath)
	if err != nil {
		return reconcileResult{}, fmt.Errorf("stored hashes for %s: %w", fi.RelPath, err)
	}

	desired := make(map[string]chunker.Chunk, len(chunks))
	var toEmbed []chunker.Chunk
	for _, c := range chunks {
		desired[c.ID] = c
		if force || stored[c.ID] != c.Hash {
			toEmbed = append(toEmbed, c)
		}
	}
	var vanished []string
	for id := range stored {
		if _, ok := desired[id]; !ok {
			vanished = append(vanished, id)
		}
	}

	if len(toEmbed) == 0 && len(vanished) == 0 {
		return reconcileResult{}, nil
	}

	var records []vectorstore.Record
	if len(toEmbed) > 0 {
		texts := make([]string, len(toEmbed))
		for i, c := range toEmbed {
			texts[i] = c.EmbedText()
		}
		vectors, err := m.provider.Embed(ctx, texts)
		if err != nil {
			return reconcileResult{}, fmt.Errorf("embed %s: %w", fi.RelPath, err)
		}
		now := time.Now().UTC()
		records = make([]vectorstore.Record, len(toEmbed))
		for i, c := range toEmbed {
			records[i] = vectorstore.Record{
				ID:          c.ID,
				FilePath:    fi.RelPath,
				Repo:        filepath.Base(fi.Root),
				Language:    c.Language,
				Kind:        c.Kind,
				Name:        c.Name,
				StartLine:   c.StartLine,
				EndLine:     c.EndLine,
				Content:     c.Content,
				ContentHash: c.Hash,
				Model:       m.provider.Model(),
				Vector:      vectors[i],
				UpdatedAt:   now,
			}
		}
	}

	// Swap order matters: new records land before stale ones go, so a
	// concurrent search never sees the file half-gone.
	if len(records) > 0 {
		if err := m.store.Upsert(ctx, records); err != nil {
			return reconcileResult{}, fmt.Errorf("upsert %s: %w", fi.RelPath, err)
		}
	}
	if len(vanished) > 0 {
		if err := m.store.Delete(ctx, vanished); err != nil {
			return reconcileResult{}, fmt.Errorf("delete stale chunks of %s: %w", fi.RelPath, err)
		}
	}
	return reconcileResult{changed: true, upserted: len(records), deleted: len(vanished)}, nil
}

// RemoveFile drops every stored chunk of a deleted file. Safe to call for
// paths that were never indexed.
func (m *Manager) RemoveFile(ctx context.Context, relPath string) error {
	if err := m.store.DeleteFile(ctx, relPath); err != nil {
		return fmt.Errorf("remove %s: %w", relPath, err)
	}
	m.log.Debug("removed file from index", "path", relPath)
	return nil
}

// RemoveTree drops stored chunks for relPath and for everything indexed
// under it. A directory delete event arrives after the directory is gone,
// so the stored paths are the only record of what it contained.
func (m *Manager) RemoveTree(ctx context.Context, relPath string) error {
	if err := m.RemoveFile(ctx, relPath); err != nil {
		return err
	}
	stored, err := m.store.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("list indexed files: %w", err)
	}
	prefix := relPath + "/"
	for _, path := range stored {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if err := m.RemoveFile(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// Status returns a committed-state snapshot, optionally narrowed to files
// equal to or under the given paths.
func (m *Manager) Status(ctx context.Context, paths ...string) (Status, error) {
	m.mu.Lock()
	st := Status{
		Model:       m.provider.Model(),
		InFlight:    len(m.inflight),
		LastError:   m.lastErr,
		LastUpdated: m.lastSync,
	}
	seen := m.lastSeen
	m.mu.Unlock()

	if len(paths) > 0 {
		stored, err := m.store.ListFiles(ctx)
		if err != nil {
			return Status{}, err
		}
		for _, f := range stored {
			if !underAny(f, paths) {
				continue
			}
			hashes, err := m.store.HashesForFile(ctx, f)
			if err != nil {
				return Status{}, err
			}
			st.IndexedFiles++
			st.TotalChunks += len(hashes)
		}
		st.TotalFiles = st.IndexedFiles
		return st, nil
	}

	stats, err := m.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	st.IndexedFiles = stats.Files
	st.TotalChunks = stats.Chunks
	st.ByModel = stats.ByModel
	st.Backend = stats.Backend
	// Before the first pass of this process the walk count is unknown;
	// the committed count is the best lower bound.
	st.TotalFiles = seen
	if st.TotalFiles < stats.Files {
		st.TotalFiles = stats.Files
	}
	return st, nil
}

func underAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.TrimSuffix(filepath.ToSlash(p), "/")
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}
