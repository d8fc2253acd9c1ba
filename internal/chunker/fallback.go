package chunker

import (
	"fmt"
	"strings"
)

const (
	fallbackWindow  = 50
	fallbackOverlap = 10
)

// Fallback chunks a file into fixed-size line windows with overlap. It is
// used for languages without a registered grammar and for files that fail to
// parse. Window identity derives from the window ordinal, so unchanged
// windows keep their ids across passes.
func Fallback(path, lang string, src []byte) []Chunk {
	text := string(src)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")

	var chunks []Chunk
	emit := func(win, start, end int) {
		body := strings.Join(lines[start:end], "\n")
		chunks = append(chunks, Chunk{
			ID:        Identity(path, "window", fmt.Sprintf("w%d", win), 0),
			Path:      path,
			Language:  lang,
			Kind:      "window",
			StartLine: start + 1,
			EndLine:   end,
			Content:   body,
			Hash:      HashContent(body),
		})
	}

	win := 0
	for i := 0; ; win++ {
		end := i + fallbackWindow
		if end >= len(lines) {
			emit(win, i, len(lines))
			break
		}
		emit(win, i, end)
		// A remainder within the overlap would yield a sliver window;
		// attach it to the window just emitted instead.
		if len(lines)-end <= fallbackOverlap {
			last := &chunks[len(chunks)-1]
			last.EndLine = len(lines)
			last.Content = strings.Join(lines[i:], "\n")
			last.Hash = HashContent(last.Content)
			break
		}
		i = end - fallbackOverlap
	}
	return chunks
}
