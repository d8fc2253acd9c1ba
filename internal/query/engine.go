package query

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"codequery/internal/chunker"
	"codequery/internal/embed"
	"codequery/internal/vectorstore"
)

// overfetchMultiple pulls extra candidates so stale matches dropped during
// verification can be backfilled without a second store round-trip.
const overfetchMultiple = 3

// DefaultTopK is the reference count when the caller does not choose one.
const DefaultTopK = 8

// Options narrows a search.
type Options struct {
	TopK      int
	Repos     []string
	Languages []string
}

// Reference is one citation in a query result. Snippet always reflects the
// file as it is on disk right now, never a stale stored copy.
type Reference struct {
	Path      string  `json:"file_path"`
	Repo      string  `json:"repo,omitempty"`
	Language  string  `json:"language,omitempty"`
	Kind      string  `json:"kind,omitempty"`
	Name      string  `json:"name,omitempty"`
	StartLine int     `json:"line_start"`
	EndLine   int     `json:"line_end"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"relevance_score"`
}

// Result is the retrieval half of an answer.
type Result struct {
	References []Reference `json:"references"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// Engine turns a question into verified, ranked references.
type Engine struct {
	store    vectorstore.Store
	provider embed.Provider
	chunker  *chunker.Chunker
	roots    []string
	log      *slog.Logger
}

// NewEngine wires a retrieval engine over the given store and roots.
func NewEngine(store vectorstore.Store, provider embed.Provider, ch *chunker.Chunker, roots []string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    store,
		provider: provider,
		chunker:  ch,
		roots:    roots,
		log:      log,
	}
}

// Search embeds the question, retrieves candidates, and verifies each one
// against the live file before it may be cited. An index built with a
// different embedding model yields no references and a warning rather than
// nonsense rankings.
func (e *Engine) Search(ctx context.Context, question string, opts Options) (Result, error) {
	k := opts.TopK
	if k <= 0 {
		k = DefaultTopK
	}

	indexed, err := e.store.GetMeta(ctx, "embedding_model")
	if err != nil {
		return Result{}, fmt.Errorf("read index metadata: %w", err)
	}
	if indexed != "" && indexed != e.provider.Model() {
		return Result{
			Warnings: []string{fmt.Sprintf(
				"index was built with embedding model %q but %q is configured; re-index to search", indexed, e.provider.Model())},
		}, nil
	}

	vectors, err := e.provider.Embed(ctx, []string{question})
	if err != nil {
		return Result{}, fmt.Errorf("embed question: %w", err)
	}

	filter := vectorstore.Filter{
		Repos:     opts.Repos,
		Languages: opts.Languages,
		Model:     e.provider.Model(),
	}
	matches, err := e.store.Search(ctx, vectors[0], k*overfetchMultiple, filter)
	if err != nil {
		return Result{}, fmt.Errorf("vector search: %w", err)
	}

	result := Result{}
	dropped := 0
	for _, m := range matches {
		if len(result.References) == k {
			break
		}
		ref, ok := e.verify(m)
		if !ok {
			dropped++
			continue
		}
		result.References = append(result.References, ref)
	}
	if dropped > 0 {
		e.log.Debug("dropped stale candidates", "count", dropped)
	}
	return result, nil
}

// verify re-chunks the live file and only cites the match if the chunk
// still exists there with the same content hash.
func (e *Engine) verify(m vectorstore.Match) (Reference, bool) {
	abs, src, ok := e.readLive(m.Record.FilePath)
	if !ok {
		return Reference{}, false
	}
	for _, c := range e.chunker.Chunk(m.Record.FilePath, src) {
		if c.ID != m.Record.ID {
			continue
		}
		if c.Hash != m.Record.ContentHash {
			return Reference{}, false
		}
		return Reference{
			Path:      abs,
			Repo:      m.Record.Repo,
			Language:  c.Language,
			Kind:      c.Kind,
			Name:      c.Name,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			Snippet:   c.Content,
			Score:     m.Score,
		}, true
	}
	return Reference{}, false
}

// readLive resolves a stored relative path against the configured roots.
func (e *Engine) readLive(relPath string) (string, []byte, bool) {
	for _, root := range e.roots {
		abs := filepath.Join(root, filepath.FromSlash(relPath))
		src, err := os.ReadFile(abs)
		if err == nil {
			return abs, src, true
		}
	}
	return "", nil, false
}
