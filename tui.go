package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"lanchat/internal/chat"
	"lanchat/internal/directory"
	"lanchat/internal/transfer"
)

var (
	primaryColor    = lipgloss.Color("#7C3AED")
	accentColor     = lipgloss.Color("#10B981")
	warningColor    = lipgloss.Color("#F59E0B")
	errorColor      = lipgloss.Color("#EF4444")
	mutedColor      = lipgloss.Color("#6B7280")
	backgroundColor = lipgloss.Color("#1F2937")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Background(backgroundColor).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	systemStyle    = lipgloss.NewStyle().Foreground(accentColor).Italic(true)
	ownStyle       = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	peerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
	privateStyle   = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle     = lipgloss.NewStyle().Foreground(errorColor)
	timestampStyle = lipgloss.NewStyle().Foreground(mutedColor).Faint(true)
	awayStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	hereStyle      = lipgloss.NewStyle().Foreground(accentColor)
)

const sidePanelWidth = 30

type historyLine struct {
	at    time.Time
	text  string
	style lipgloss.Style
}

type (
	eventMsg        chat.Event
	eventsClosedMsg struct{}
	tickMsg         time.Time
	resultMsg       struct {
		input string
		text  string
		err   error
	}
)

// UI is the bubbletea model of the terminal front-end.
type UI struct {
	app       *app
	history   []historyLine
	users     []directory.Peer
	transfers []transfer.Session
	title     string

	viewport viewport.Model
	textarea textarea.Model
	ready    bool
	width    int
	height   int
	showHelp bool
	writing  bool
}

func newUI(a *app) *UI {
	ta := textarea.New()
	ta.Placeholder = "Type a message or /help for commands..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 1000
	ta.SetWidth(80)
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	ui := &UI{
		app:      a,
		viewport: viewport.New(80, 20),
		textarea: ta,
	}
	ui.refresh()
	return ui
}

func (a *app) runTUI(ctx context.Context) error {
	p := tea.NewProgram(newUI(a), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return ctx.Err()
	}
	return err
}

func (ui *UI) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, ui.listen(), ui.tick())
}

func (ui *UI) listen() tea.Cmd {
	events := ui.app.ctrl.Events()
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(e)
	}
}

func (ui *UI) tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// run executes input off the UI goroutine; commands wait on the engine.
func (ui *UI) run(input string) tea.Cmd {
	return func() tea.Msg {
		text, err := ui.app.execute(input)
		return resultMsg{input: input, text: text, err: err}
	}
}

func (ui *UI) setWriting(writing bool) tea.Cmd {
	if writing == ui.writing {
		return nil
	}
	ui.writing = writing
	return func() tea.Msg {
		// Fails harmlessly while logged off.
		_ = ui.app.ctrl.SetWriting(writing)
		return nil
	}
}

func (ui *UI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var tiCmd, vpCmd tea.Cmd
	ui.textarea, tiCmd = ui.textarea.Update(msg)
	ui.viewport, vpCmd = ui.viewport.Update(msg)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return ui, tea.Quit
		case tea.KeyCtrlH:
			ui.showHelp = !ui.showHelp
			ui.render()
			return ui, nil
		case tea.KeyEnter:
			input := strings.TrimSpace(ui.textarea.Value())
			ui.textarea.Reset()
			if input == "" {
				return ui, nil
			}
			return ui, tea.Batch(ui.run(input), ui.setWriting(false))
		}
		return ui, tea.Batch(tiCmd, ui.setWriting(strings.TrimSpace(ui.textarea.Value()) != ""))

	case tea.WindowSizeMsg:
		ui.width, ui.height = msg.Width, msg.Height
		ui.ready = true
		ui.viewport.Width = ui.width - sidePanelWidth - 5
		ui.viewport.Height = ui.height - 3 - 5 - 1
		ui.textarea.SetWidth(ui.width - 4)
		ui.render()

	case eventMsg:
		e := chat.Event(msg)
		ui.app.observe(e)
		if text := describe(e); text != "" {
			at := e.Time
			if at.IsZero() {
				at = time.Now()
			}
			ui.add(at, text, eventStyle(e))
		}
		ui.refresh()
		return ui, ui.listen()

	case eventsClosedMsg:
		return ui, tea.Quit

	case resultMsg:
		switch {
		case errors.Is(msg.err, errQuit):
			return ui, tea.Quit
		case msg.err != nil:
			ui.add(time.Now(), msg.err.Error(), errorStyle)
		case !strings.HasPrefix(msg.input, "/"):
			ui.add(time.Now(), fmt.Sprintf("<%s> %s", ui.app.status().Nick, msg.input), ownStyle)
		}
		if msg.text != "" {
			ui.add(time.Now(), msg.text, systemStyle)
		}
		ui.refresh()

	case tickMsg:
		ui.refresh()
		return ui, ui.tick()
	}

	return ui, tea.Batch(tiCmd, vpCmd)
}

func eventStyle(e chat.Event) lipgloss.Style {
	switch e.Kind {
	case chat.EventMessageReceived:
		return peerStyle
	case chat.EventPrivateMessageReceived:
		return privateStyle
	case chat.EventConnectionLost, chat.EventTransferAborted:
		return errorStyle
	}
	return systemStyle
}

func (ui *UI) add(at time.Time, text string, style lipgloss.Style) {
	ui.history = append(ui.history, historyLine{at: at, text: text, style: style})
	ui.render()
	ui.viewport.GotoBottom()
}

// refresh copies the engine state shown outside the history.
func (ui *UI) refresh() {
	ui.users = ui.app.ctrl.Users()
	ui.transfers = ui.app.ctrl.Transfers()
	ui.title = Title(ui.app.status())
}

func (ui *UI) render() {
	if ui.showHelp {
		ui.viewport.SetContent(helpText + "\n\nPress Ctrl+H to close this help")
		return
	}
	var b strings.Builder
	for _, l := range ui.history {
		b.WriteString(timestampStyle.Render(l.at.Format("15:04:05")))
		b.WriteString(" ")
		b.WriteString(l.style.Render(l.text))
		b.WriteString("\n")
	}
	ui.viewport.SetContent(b.String())
}

func (ui *UI) View() string {
	if !ui.ready {
		return "\n  Starting lanchat...\n"
	}

	header := headerStyle.Render(ui.title)
	messages := panelStyle.Width(ui.width - sidePanelWidth - 5).Height(ui.viewport.Height + 2).Render(ui.viewport.View())
	side := ui.renderSidePanel(ui.viewport.Height + 2)
	body := lipgloss.JoinHorizontal(lipgloss.Top, messages, side)
	input := inputStyle.Width(ui.width - 4).Render(ui.textarea.View())

	return lipgloss.JoinVertical(lipgloss.Left, header, body, ui.renderStatusBar(), input)
}

func (ui *UI) renderSidePanel(height int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Users (%d)\n", len(ui.users))
	b.WriteString(strings.Repeat("─", sidePanelWidth-4) + "\n")

	const maxUsers = 15
	for i, p := range ui.users {
		if i == maxUsers {
			fmt.Fprintf(&b, "  ... and %d more\n", len(ui.users)-maxUsers)
			break
		}
		marker, style := "●", hereStyle
		if p.Away {
			marker, style = "○", awayStyle
		}
		name := p.Name
		if p.Writing {
			name += " ✎"
		}
		if p.Me {
			name += " (you)"
		}
		name = runewidth.Truncate(name, sidePanelWidth-8, "…")
		fmt.Fprintf(&b, "  %s %s\n", style.Render(marker), style.Render(name))
	}

	if len(ui.transfers) > 0 {
		b.WriteString("\nTransfers\n")
		b.WriteString(strings.Repeat("─", sidePanelWidth-4) + "\n")
		for _, s := range ui.transfers {
			b.WriteString("  " + runewidth.Truncate(transferLine(s), sidePanelWidth-6, "…") + "\n")
		}
	}

	return panelStyle.Width(sidePanelWidth).Height(height).Render(b.String())
}

func (ui *UI) renderStatusBar() string {
	left := "Not logged on"
	if me, ok := ui.app.ctrl.Me(); ok {
		left = fmt.Sprintf("%s (%d)", me.Name, me.Code)
	}
	right := "Ctrl+H help | Esc quit"
	if ui.app.ctrl.IsLoggedOn() && !ui.app.ctrl.IsConnected() {
		right = "Connection lost | " + right
	}

	spacing := ui.width - 4 - lipgloss.Width(left) - lipgloss.Width(right)
	if spacing < 0 {
		spacing = 0
	}
	return statusBarStyle.Width(ui.width - 4).Render(left + strings.Repeat(" ", spacing) + right)
}
