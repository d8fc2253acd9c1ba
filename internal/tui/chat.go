package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"codequery/internal/query"
)

type chatState int

const (
	chatIdle chatState = iota
	chatWorking
)

type chatMessage struct {
	role    string
	content string
}

// answerMsg is sent when a query round-trip completes.
type answerMsg struct {
	answer string
	refs   []query.Reference
	err    error
}

// Model is the interactive chat over the indexed codebase.
type Model struct {
	viewport    viewport.Model
	input       textinput.Model
	spinner     spinner.Model
	renderer    *glamour.TermRenderer
	messages    []chatMessage
	history     []query.Message
	engine      *query.Engine
	completer   query.Completer
	topK        int
	state       chatState
	width       int
	height      int
	initialized bool
}

// NewModel creates the chat model over a retrieval engine and completer.
func NewModel(engine *query.Engine, completer query.Completer, topK int) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	ti := textinput.New()
	ti.Placeholder = "Ask a question about your codebase..."
	ti.CharLimit = 2000
	ti.Focus()

	return Model{
		spinner:   sp,
		input:     ti,
		engine:    engine,
		completer: completer,
		topK:      topK,
		state:     chatIdle,
	}
}

// Run starts the chat loop and blocks until the user exits.
func Run(engine *query.Engine, completer query.Completer, topK int) error {
	p := tea.NewProgram(NewModel(engine, completer, topK), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) initViewport(width, height int) {
	m.width = width
	m.height = height

	vpHeight := height - 3
	if vpHeight < 5 {
		vpHeight = 5
	}
	m.viewport = viewport.New(width, vpHeight)
	m.viewport.SetContent(dimStyle.Render("Ask a question about your codebase.\n\nCommands: /help, /clear, /exit"))

	m.input.Width = width - 4

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-2),
	)
	if err == nil {
		m.renderer = r
	}

	m.initialized = true
}

func askQuestion(engine *query.Engine, completer query.Completer, history []query.Message, question string, topK int) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		res, err := engine.Search(ctx, question, query.Options{TopK: topK})
		if err != nil {
			return answerMsg{err: fmt.Errorf("retrieval error: %w", err)}
		}

		msgs := query.BuildMessages(res.References, history, question)
		var answer strings.Builder
		err = completer.Stream(ctx, msgs, func(delta string) error {
			answer.WriteString(delta)
			return nil
		})
		if err != nil {
			return answerMsg{err: fmt.Errorf("generation error: %w", err)}
		}
		for _, w := range res.Warnings {
			answer.WriteString("\n\n> " + w)
		}
		return answerMsg{answer: answer.String(), refs: res.References}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.initViewport(msg.Width, msg.Height)
		m.viewport.SetContent(m.renderMessages())
		m.viewport.GotoBottom()
		return m, nil

	case answerMsg:
		m.state = chatIdle
		if msg.err != nil {
			m.messages = append(m.messages, chatMessage{role: "error", content: msg.err.Error()})
		} else {
			content := msg.answer
			if sources := renderSources(msg.refs); sources != "" {
				content += "\n\n" + sources
			}
			m.messages = append(m.messages, chatMessage{role: "assistant", content: content})
			m.history = append(m.history, query.Message{Role: "assistant", Content: msg.answer})
			if len(m.history) > 20 {
				m.history = m.history[len(m.history)-20:]
			}
		}
		m.viewport.SetContent(m.renderMessages())
		m.viewport.GotoBottom()
		return m, nil

	case spinner.TickMsg:
		if m.state != chatIdle {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			m.viewport.SetContent(m.renderMessages())
			m.viewport.GotoBottom()
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		if m.state != chatIdle {
			return m, nil
		}
		if msg.Type == tea.KeyEnter {
			question := strings.TrimSpace(m.input.Value())
			if question == "" {
				return m, nil
			}
			m.input.Reset()

			switch question {
			case "/exit", "/quit":
				return m, tea.Quit
			case "/clear":
				m.messages = nil
				m.history = nil
				m.viewport.SetContent(dimStyle.Render("Conversation cleared."))
				return m, nil
			case "/help":
				helpText := "Commands:\n  /clear  - clear conversation history\n  /exit   - quit\n  /help   - show this help"
				m.messages = append(m.messages, chatMessage{role: "system", content: helpText})
				m.viewport.SetContent(m.renderMessages())
				m.viewport.GotoBottom()
				return m, nil
			}

			m.messages = append(m.messages, chatMessage{role: "user", content: question})
			m.history = append(m.history, query.Message{Role: "user", Content: question})
			m.state = chatWorking
			m.viewport.SetContent(m.renderMessages())
			m.viewport.GotoBottom()

			return m, tea.Batch(
				m.spinner.Tick,
				askQuestion(m.engine, m.completer, m.history[:len(m.history)-1], question, m.topK),
			)
		}
	}

	if m.state == chatIdle {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func renderSources(refs []query.Reference) string {
	if len(refs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Sources:\n")
	for _, r := range refs {
		fmt.Fprintf(&sb, "  %s:%d-%d", r.Path, r.StartLine, r.EndLine)
		if r.Name != "" {
			fmt.Fprintf(&sb, " (%s %s)", r.Kind, r.Name)
		}
		sb.WriteString("\n")
	}
	return sourceStyle.Render(strings.TrimRight(sb.String(), "\n"))
}

func (m Model) renderMarkdown(content string) string {
	if m.renderer == nil {
		return assistantMsgStyle.Render(content)
	}
	rendered, err := m.renderer.Render(content)
	if err != nil {
		return assistantMsgStyle.Render(content)
	}
	return strings.TrimRight(rendered, "\n")
}

func (m Model) renderMessages() string {
	var sb strings.Builder
	for _, msg := range m.messages {
		switch msg.role {
		case "user":
			sb.WriteString(userMsgStyle.Render("You: ") + msg.content + "\n\n")
		case "assistant":
			sb.WriteString(m.renderMarkdown(msg.content) + "\n\n")
		case "error":
			sb.WriteString(errorStyle.Render("Error: "+msg.content) + "\n\n")
		case "system":
			sb.WriteString(dimStyle.Render(msg.content) + "\n\n")
		}
	}

	if m.state != chatIdle {
		sb.WriteString(m.spinner.View() + " " + dimStyle.Render("Thinking...") + "\n")
	}
	return sb.String()
}

func (m Model) View() string {
	if !m.initialized {
		return ""
	}

	statusText := "idle"
	if m.state == chatWorking {
		statusText = "working..."
	}
	statusBar := statusBarStyle.
		Width(m.width).
		Render(fmt.Sprintf(" codequery chat | %s", statusText))

	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.viewport.View(),
		statusBar,
		m.input.View(),
	)
}
