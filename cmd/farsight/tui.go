package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"farsight/internal/types"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const (
	reportWrapWidth = 100
	watchEventCap   = 200
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	eventStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	spinStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	badgeText   = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("231")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
)

func stateColor(state types.JobState) lipgloss.Color {
	switch state {
	case types.JobStateCompleted:
		return lipgloss.Color("35")
	case types.JobStateFailed:
		return lipgloss.Color("160")
	case types.JobStatePaused:
		return lipgloss.Color("208")
	case types.JobStateCancelled, types.JobStatePending:
		return lipgloss.Color("240")
	default:
		return lipgloss.Color("62")
	}
}

// badge renders a state as a colored block label.
func badge(state types.JobState) string {
	return badgeText.Background(stateColor(state)).Render(string(state))
}

// stateCell renders a state as colored fixed-width text. Padding happens
// before styling so ANSI codes never upset column alignment.
func stateCell(state types.JobState, width int) string {
	padded := fmt.Sprintf("%-*s", width, state)
	return lipgloss.NewStyle().Foreground(stateColor(state)).Render(padded)
}

// safeRenderMarkdown renders markdown with panic recovery. Glamour chokes
// on some malformed input; the raw text is always an acceptable fallback.
func safeRenderMarkdown(content string, width int) (result string) {
	result = content
	defer func() {
		if r := recover(); r != nil {
			result = content
		}
	}()

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// progressMsg wraps an orchestrator event for the bubbletea loop.
type progressMsg types.ProgressEvent

// runDoneMsg arrives when the job's Run/Resume/Continue call returns.
type runDoneMsg struct{ err error }

type watchModel struct {
	jobID     string
	interrupt context.CancelFunc

	spinner  spinner.Model
	events   []types.ProgressEvent
	state    types.JobState
	coverage float64
	sources  int
	health   []types.EngineHealthEntry
	width    int
	height   int
	stopping bool
	done     bool
	runErr   error
}

func newWatchModel(jobID string, interrupt context.CancelFunc) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinStyle
	return watchModel{
		jobID:     jobID,
		interrupt: interrupt,
		spinner:   sp,
		state:     types.JobStatePending,
		width:     80,
		height:    24,
	}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			// Cancelling the run context parks the job as paused. The
			// view stays up until runDoneMsg confirms the checkpoint.
			m.stopping = true
			m.interrupt()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case progressMsg:
		ev := types.ProgressEvent(msg)
		m.state = ev.State
		m.coverage = ev.Coverage
		m.sources = ev.SourcesFound
		if len(ev.EngineHealth) > 0 {
			m.health = ev.EngineHealth
		}
		m.events = append(m.events, ev)
		if len(m.events) > watchEventCap {
			m.events = m.events[len(m.events)-watchEventCap:]
		}

	case runDoneMsg:
		m.done = true
		m.runErr = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	header := fmt.Sprintf("%s %s %s %s",
		m.spinner.View(),
		titleStyle.Render("farsight"),
		dimStyle.Render(shortID(m.jobID)),
		badge(m.state))
	if m.stopping {
		header += " " + footerStyle.Render("pausing, saving checkpoint...")
	}
	b.WriteString(header + "\n")

	b.WriteString(dimStyle.Render(fmt.Sprintf("coverage %.2f   sources %d%s",
		m.coverage, m.sources, m.engineSummary())) + "\n\n")

	visible := m.height - 5
	if visible < 1 {
		visible = 1
	}
	events := m.events
	if len(events) > visible {
		events = events[len(events)-visible:]
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-11s %s",
			ev.Timestamp.Local().Format("15:04:05"), ev.State, ev.Message)
		b.WriteString(eventStyle.Render(clampLine(line, max(m.width-2, 20))) + "\n")
	}

	b.WriteString("\n" + footerStyle.Render("q pauses the job and exits"))
	return b.String()
}

// clampLine cuts a line to width without collapsing its spacing.
func clampLine(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-1]) + "…"
}

func (m watchModel) engineSummary() string {
	if len(m.health) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.health))
	for _, h := range m.health {
		parts = append(parts, fmt.Sprintf("%s %d/%d", h.Engine, h.Succeeded, h.Attempted))
	}
	return "   engines: " + strings.Join(parts, ", ")
}

// watchJob runs the job action behind a full-screen progress view. The
// view owns the terminal; the run feeds it through p.Send.
func watchJob(ctx context.Context, a *app, jobID string, run func(context.Context) error) error {
	runCtx, interrupt := context.WithCancel(ctx)
	defer interrupt()

	p := tea.NewProgram(newWatchModel(jobID, interrupt), tea.WithAltScreen())
	a.orch.SetProgressCallback(func(ev types.ProgressEvent) {
		if ev.JobID == jobID {
			p.Send(progressMsg(ev))
		}
	})

	runDone := make(chan error, 1)
	go func() {
		err := run(runCtx)
		p.Send(runDoneMsg{err: err})
		runDone <- err
	}()

	_, viewErr := p.Run()
	interrupt()
	runErr := <-runDone

	if viewErr != nil {
		return fmt.Errorf("progress view: %w", viewErr)
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return finishJob(a, jobID, runErr)
}
