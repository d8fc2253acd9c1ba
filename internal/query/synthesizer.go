package query

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const systemPrompt = `You are a code intelligence assistant. You answer questions about a codebase using the retrieved source code context provided below.

Focus on answering how, why, and where questions about the code. Explain architecture, data flow, and relationships between components. Reference specific file paths and line numbers when relevant.

Do not generate new code unless explicitly asked. Keep answers concise and grounded in the provided context. If the context doesn't contain enough information to answer, say so.`

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer streams a model response. The callback receives prose deltas in
// order; returning an error from it aborts the stream.
type Completer interface {
	Stream(ctx context.Context, messages []Message, fn func(delta string) error) error
}

// CompleterOptions selects and tunes the synthesis backend.
type CompleterOptions struct {
	Provider    string // "openai", "ollama", or "none"
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
}

// NewCompleter builds the configured backend. Provider "none" narrates the
// references without calling any model.
func NewCompleter(opts CompleterOptions) (Completer, error) {
	switch opts.Provider {
	case "openai":
		return newOpenAICompleter(opts), nil
	case "ollama":
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model := opts.Model
		if model == "" {
			model = "qwen3:8b"
		}
		return &OllamaCompleter{baseURL: baseURL, model: model, client: &http.Client{Timeout: 5 * time.Minute}}, nil
	case "none", "":
		return NoopCompleter{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}

// BuildMessages assembles the conversation sent to the model: system prompt,
// retrieved context, prior turns, then the question.
func BuildMessages(refs []Reference, history []Message, question string) []Message {
	msgs := []Message{{Role: "system", Content: systemPrompt}}

	if len(refs) > 0 {
		var b strings.Builder
		b.WriteString("Here is the relevant source code context:\n\n")
		for i, r := range refs {
			fmt.Fprintf(&b, "--- Chunk %d: %s [%s %s] (lines %d-%d, %s) ---\n",
				i+1, r.Path, r.Kind, r.Name, r.StartLine, r.EndLine, r.Language)
			b.WriteString(r.Snippet)
			b.WriteString("\n\n")
		}
		msgs = append(msgs, Message{Role: "user", Content: b.String()})
		msgs = append(msgs, Message{Role: "assistant", Content: "I've reviewed the code context. What would you like to know?"})
	}

	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: "user", Content: question})
	return msgs
}

// OpenAICompleter streams chat completions from the OpenAI API.
type OpenAICompleter struct {
	client      openai.Client
	model       string
	temperature float64
}

func newOpenAICompleter(opts CompleterOptions) *OpenAICompleter {
	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAICompleter{
		client:      openai.NewClient(clientOpts...),
		model:       model,
		temperature: opts.Temperature,
	}
}

func (c *OpenAICompleter) Stream(ctx context.Context, messages []Message, fn func(delta string) error) error {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toOpenAIMessages(messages),
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := fn(delta); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai chat stream: %w", err)
	}
	return nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// OllamaCompleter streams chat responses from a local Ollama instance.
type OllamaCompleter struct {
	baseURL string
	model   string
	client  *http.Client
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatChunk struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

func (c *OllamaCompleter) Stream(ctx context.Context, messages []Message, fn func(delta string) error) error {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama chat returned %d: %s", resp.StatusCode, string(respBody))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode chat chunk: %w", err)
		}
		if chunk.Message.Content != "" {
			if err := fn(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			break
		}
	}
	return scanner.Err()
}

// NoopCompleter emits a plain summary of the cited references so retrieval
// works end to end with no model configured.
type NoopCompleter struct{}

func (NoopCompleter) Stream(_ context.Context, messages []Message, fn func(delta string) error) error {
	retrieved := ""
	for _, m := range messages {
		if m.Role == "user" && strings.HasPrefix(m.Content, "Here is the relevant source code context:") {
			retrieved = m.Content
		}
	}
	if retrieved == "" {
		return fn("No indexed code matched the question.\n")
	}
	if err := fn("No language model is configured; showing the retrieved locations.\n\n"); err != nil {
		return err
	}
	for _, line := range strings.Split(retrieved, "\n") {
		if strings.HasPrefix(line, "--- Chunk ") {
			if err := fn(strings.Trim(line, "- ") + "\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

var (
	_ Completer = (*OpenAICompleter)(nil)
	_ Completer = (*OllamaCompleter)(nil)
	_ Completer = NoopCompleter{}
)
