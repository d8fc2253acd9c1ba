package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"codequery/internal/index"
	"codequery/internal/query"
)

// Event is one frame of a streamed answer. References arrive exactly once,
// before any prose; Delta frames follow in order; Done closes the stream.
type Event struct {
	Type       string            `json:"type"` // "references", "delta", "finding", "done", "error"
	References []query.Reference `json:"references,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Delta      string            `json:"delta,omitempty"`
	Finding    *Finding          `json:"finding,omitempty"`
}

// Finding is one suspect location in a bug investigation.
type Finding struct {
	Chunk         string   `json:"chunk"`
	Patch         string   `json:"patch"`
	AffectedFiles []string `json:"affected_files"`
}

// QueryRequest asks a question about the indexed code.
type QueryRequest struct {
	Question   string   `json:"question"`
	TopK       int      `json:"top_k,omitempty"`
	Repos      []string `json:"repos,omitempty"`
	Languages  []string `json:"languages,omitempty"`
	Synthesize bool     `json:"synthesize,omitempty"`
}

// BugRequest asks for likely causes of a described bug.
type BugRequest struct {
	Description string   `json:"description"`
	TopK        int      `json:"top_k,omitempty"`
	Repos       []string `json:"repos,omitempty"`
}

// Gateway exposes retrieval, synthesis, and index state to transports. It
// is transport-neutral: callers hand it a send function and get the same
// event sequence whether they serve SSE, a terminal, or a test buffer.
type Gateway struct {
	engine    *query.Engine
	completer query.Completer
	manager   *index.Manager
	log       *slog.Logger
}

// New wires a gateway.
func New(engine *query.Engine, completer query.Completer, manager *index.Manager, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		engine:    engine,
		completer: completer,
		manager:   manager,
		log:       log,
	}
}

// Query retrieves references for the question and streams them, followed by
// synthesized prose when requested. The references event always comes
// first so clients can render citations before the answer arrives.
func (g *Gateway) Query(ctx context.Context, req QueryRequest, send func(Event) error) error {
	if req.Question == "" {
		return fmt.Errorf("empty question")
	}

	res, err := g.engine.Search(ctx, req.Question, query.Options{
		TopK:      req.TopK,
		Repos:     req.Repos,
		Languages: req.Languages,
	})
	if err != nil {
		return err
	}
	if err := send(Event{Type: "references", References: res.References, Warnings: res.Warnings}); err != nil {
		return err
	}

	if req.Synthesize {
		msgs := query.BuildMessages(res.References, nil, req.Question)
		err := g.completer.Stream(ctx, msgs, func(delta string) error {
			return send(Event{Type: "delta", Delta: delta})
		})
		if err != nil {
			return fmt.Errorf("synthesize: %w", err)
		}
	}
	return send(Event{Type: "done"})
}

// BugSolve retrieves code related to the described bug and streams one
// finding per reference. Patches are left for the caller's review flow; the
// synthesized prose, when a model is configured, discusses likely fixes.
func (g *Gateway) BugSolve(ctx context.Context, req BugRequest, send func(Event) error) error {
	if req.Description == "" {
		return fmt.Errorf("empty bug description")
	}

	res, err := g.engine.Search(ctx, req.Description, query.Options{
		TopK:  req.TopK,
		Repos: req.Repos,
	})
	if err != nil {
		return err
	}
	if err := send(Event{Type: "references", References: res.References, Warnings: res.Warnings}); err != nil {
		return err
	}

	for _, ref := range res.References {
		finding := &Finding{
			Chunk:         ref.Snippet,
			Patch:         "",
			AffectedFiles: []string{ref.Path},
		}
		if err := send(Event{Type: "finding", Finding: finding}); err != nil {
			return err
		}
	}

	if len(res.References) > 0 {
		question := "Given this bug report, identify the most likely cause and suggest a fix:\n\n" + req.Description
		msgs := query.BuildMessages(res.References, nil, question)
		err := g.completer.Stream(ctx, msgs, func(delta string) error {
			return send(Event{Type: "delta", Delta: delta})
		})
		if err != nil {
			return fmt.Errorf("synthesize: %w", err)
		}
	}
	return send(Event{Type: "done"})
}

// IndexStatus reports the committed index snapshot, optionally narrowed to
// files under the given paths.
func (g *Gateway) IndexStatus(ctx context.Context, paths ...string) (index.Status, error) {
	return g.manager.Status(ctx, paths...)
}
