// Package chunker slices source files into semantically meaningful chunks
// using tree-sitter grammars, with a line-window fallback for languages it
// cannot parse. Chunking is a pure function of (path, content): no I/O.
package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"codequery/internal/walker"
)

const maxChunkBytes = 8192

// Chunk is a semantically coherent slice of a source file. Its ID is stable
// across re-parses as long as the enclosing definition keeps its kind, name,
// and position among same-named siblings; internal edits change only Hash.
type Chunk struct {
	ID        string
	Path      string // slash-separated path relative to the index root
	Language  string
	Kind      string // e.g. "function_declaration", "class_definition", "window"
	Name      string // identifier, empty for fallback windows
	StartLine int    // 1-based, inclusive
	EndLine   int    // 1-based, inclusive
	Content   string
	Hash      string // sha256 of Content
}

// EmbedText returns the text submitted to the embedding provider: the chunk
// content prefixed with a short locator header so the vector carries file and
// symbol context.
func (c Chunk) EmbedText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "// File: %s\n", c.Path)
	if c.Language != "" {
		fmt.Fprintf(&b, "// Language: %s\n", c.Language)
	}
	if c.Name != "" {
		fmt.Fprintf(&b, "// %s: %s\n", c.Kind, c.Name)
	}
	b.WriteString(c.Content)
	return b.String()
}

// Chunker parses source files and extracts chunks. Files whose language has
// no registered grammar, and files that fail to parse, degrade to fixed-size
// line windows instead of erroring: one bad file never halts an indexing pass.
type Chunker struct {
	registry *Registry
	log      *slog.Logger
}

// New creates a chunker backed by the given registry.
func New(r *Registry, log *slog.Logger) *Chunker {
	if log == nil {
		log = slog.Default()
	}
	return &Chunker{registry: r, log: log}
}

// Registry exposes the language registry (for walkers that restrict by
// extension and for language tagging).
func (c *Chunker) Registry() *Registry { return c.registry }

// Chunk splits src into an ordered sequence of chunks covering the file.
func (c *Chunker) Chunk(path string, src []byte) []Chunk {
	spec, lang := c.registry.Lookup(path)
	if spec == nil {
		lang = walker.Language(path, src)
		return Fallback(path, lang, src)
	}

	chunks, err := c.parse(path, lang, spec, src)
	if err != nil {
		c.log.Debug("parse failed, using fallback chunking", "path", path, "error", err)
		return Fallback(path, lang, src)
	}
	if len(chunks) == 0 {
		return Fallback(path, lang, src)
	}
	return chunks
}

func (c *Chunker) parse(path, lang string, spec *LanguageSpec, src []byte) ([]Chunk, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(spec.Language)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	q, err := sitter.NewQuery([]byte(spec.Query), spec.Language)
	if err != nil {
		return nil, fmt.Errorf("compile query for %s: %w", lang, err)
	}
	defer q.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, tree.RootNode())

	var captures []capture
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		var chunkNode *sitter.Node
		var nameStr string
		for _, cap := range m.Captures {
			switch q.CaptureNameForId(cap.Index) {
			case "chunk":
				chunkNode = cap.Node
			case "name":
				nameStr = cap.Node.Content(src)
			}
		}
		if chunkNode == nil {
			continue
		}
		captures = append(captures, capture{
			name:      nameStr,
			kind:      chunkNode.Type(),
			startLine: int(chunkNode.StartPoint().Row) + 1,
			endLine:   int(chunkNode.EndPoint().Row) + 1,
			startByte: chunkNode.StartByte(),
			endByte:   chunkNode.EndByte(),
		})
	}

	captures = dedup(captures)
	if len(captures) == 0 {
		return nil, nil
	}

	lines := strings.Split(string(src), "\n")
	absorbGaps(captures, len(lines))

	ordinals := make(map[string]int)
	var chunks []Chunk
	for _, cap := range captures {
		content := sliceLines(lines, cap.startLine, cap.endLine)
		key := cap.kind + "\x00" + cap.name
		ord := ordinals[key]
		ordinals[key]++

		if len(content) > maxChunkBytes {
			chunks = append(chunks, splitOversized(path, lang, cap, ord, content)...)
			continue
		}
		chunks = append(chunks, build(path, lang, cap.kind, cap.name, ord, cap.startLine, cap.endLine, content))
	}
	return chunks, nil
}

// build assembles a chunk with its stable identity and content hash.
func build(path, lang, kind, name string, ordinal, startLine, endLine int, content string) Chunk {
	return Chunk{
		ID:        Identity(path, kind, name, ordinal),
		Path:      path,
		Language:  lang,
		Kind:      kind,
		Name:      name,
		StartLine: startLine,
		EndLine:   endLine,
		Content:   content,
		Hash:      HashContent(content),
	}
}

// Identity derives the stable chunk id. It deliberately excludes content and
// byte offsets: editing a function body or shifting it within the file keeps
// the same id, so the record is updated in place rather than duplicated.
func Identity(path, kind, name string, ordinal int) string {
	h := sha256.Sum256([]byte(path + "\x00" + kind + "\x00" + name + "\x00" + fmt.Sprint(ordinal)))
	return hex.EncodeToString(h[:16])
}

// HashContent returns the content hash used for change detection.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// dedup removes captures fully contained within a larger capture.
func dedup(caps []capture) []capture {
	if len(caps) <= 1 {
		return caps
	}
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].startByte != caps[j].startByte {
			return caps[i].startByte < caps[j].startByte
		}
		return (caps[i].endByte - caps[i].startByte) > (caps[j].endByte - caps[j].startByte)
	})

	var result []capture
	var lastEnd uint32
	for _, c := range caps {
		if c.startByte >= lastEnd || lastEnd == 0 {
			result = append(result, c)
			if c.endByte > lastEnd {
				lastEnd = c.endByte
			}
		}
	}
	return result
}

// absorbGaps widens chunk spans so the whole file is covered: lines between
// two chunks split at the midpoint, leading lines attach to the first chunk,
// trailing lines to the last. Imports, package clauses, and stray comments
// end up embedded with their nearest definition instead of being dropped.
func absorbGaps(caps []capture, totalLines int) {
	if len(caps) == 0 {
		return
	}
	caps[0].startLine = 1
	for i := 1; i < len(caps); i++ {
		gapStart := caps[i-1].endLine + 1
		gapEnd := caps[i].startLine - 1
		if gapEnd < gapStart {
			continue
		}
		mid := gapStart + (gapEnd-gapStart)/2
		caps[i-1].endLine = mid
		caps[i].startLine = mid + 1
	}
	if last := &caps[len(caps)-1]; last.endLine < totalLines {
		last.endLine = totalLines
	}
}

// sliceLines joins 1-based inclusive line range [start, end].
func sliceLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

// splitOversized splits a chunk exceeding maxChunkBytes into line windows
// with overlap. Window parts share the parent's kind and name; the part
// index keeps their ids distinct and stable.
func splitOversized(path, lang string, cap capture, ordinal int, content string) []Chunk {
	lines := strings.Split(content, "\n")
	const windowSize = 40
	const overlap = 10

	var chunks []Chunk
	part := 0
	for i := 0; i < len(lines); {
		end := i + windowSize
		if end > len(lines) {
			end = len(lines)
		}
		body := strings.Join(lines[i:end], "\n")
		chunks = append(chunks, Chunk{
			ID:        Identity(path, cap.kind, fmt.Sprintf("%s#%d", cap.name, part), ordinal),
			Path:      path,
			Language:  lang,
			Kind:      cap.kind,
			Name:      cap.name,
			StartLine: cap.startLine + i,
			EndLine:   cap.startLine + end - 1,
			Content:   body,
			Hash:      HashContent(body),
		})
		part++
		if end >= len(lines) {
			break
		}
		i += windowSize - overlap
	}
	return chunks
}

type capture struct {
	name      string
	kind      string
	startLine int
	endLine   int
	startByte uint32
	endByte   uint32
}
