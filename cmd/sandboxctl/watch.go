package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/sandboxd/pkg/client"
	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/orchestrator"
	"github.com/nstogner/sandboxd/pkg/server"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

func stateStyle(s domain.State) lipgloss.Style {
	switch {
	case s == domain.StateServing || s == domain.StateReady:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	case s == domain.StateFailed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	case s.Terminal():
		return dimStyle
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	}
}

func formatEvent(ev domain.Event) string {
	var b strings.Builder
	b.WriteString(dimStyle.Render(ev.At.Local().Format("15:04:05.000")))
	b.WriteString("  ")
	if ev.From != "" {
		b.WriteString(string(ev.From))
		b.WriteString(" -> ")
	}
	b.WriteString(stateStyle(ev.To).Render(string(ev.To)))
	if ev.Reason != "" {
		b.WriteString("  ")
		b.WriteString(string(ev.Reason))
	}
	if ev.Message != "" {
		b.WriteString(dimStyle.Render("  " + ev.Message))
	}
	return b.String()
}

type watchMsg server.WatchMessage
type streamClosedMsg struct{}
type acquiredMsg struct {
	handle orchestrator.Handle
	err    error
}

type watchModel struct {
	key      string
	messages <-chan server.WatchMessage
	acquire  tea.Cmd

	spinner  spinner.Model
	instance *domain.Instance
	events   []domain.Event
	handle   *orchestrator.Handle
	err      error
	closed   bool
}

func newWatchModel(key string, messages <-chan server.WatchMessage, acquire tea.Cmd) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return watchModel{key: key, messages: messages, acquire: acquire, spinner: s}
}

func waitForMessage(ch <-chan server.WatchMessage) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return watchMsg(msg)
	}
}

func (m watchModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, waitForMessage(m.messages)}
	if m.acquire != nil {
		cmds = append(cmds, m.acquire)
	}
	return tea.Batch(cmds...)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case watchMsg:
		if msg.Instance != nil {
			m.instance = msg.Instance
		}
		if msg.Event != nil {
			m.events = append(m.events, *msg.Event)
			if m.instance != nil && m.instance.ID == msg.Event.InstanceID {
				m.instance.State = msg.Event.To
			}
		}
		return m, waitForMessage(m.messages)
	case streamClosedMsg:
		m.closed = true
		return m, tea.Quit
	case acquiredMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.handle = &msg.handle
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("sandbox " + m.key))
	b.WriteString("\n\n")

	if m.instance != nil {
		inst := m.instance
		state := stateStyle(inst.State).Render(string(inst.State))
		if inst.State.InFlight() {
			state = m.spinner.View() + " " + state
		}
		fmt.Fprintf(&b, "%s  %s  %s\n", inst.ID, inst.Template.Name, state)
		if inst.Endpoint != "" {
			fmt.Fprintf(&b, "%s\n", dimStyle.Render(inst.Endpoint))
		}
	} else {
		fmt.Fprintf(&b, "%s waiting for a sandbox\n", m.spinner.View())
	}
	b.WriteString("\n")

	for _, ev := range m.events {
		b.WriteString(formatEvent(ev))
		b.WriteString("\n")
	}
	if m.handle != nil {
		fmt.Fprintf(&b, "\nacquired %s at %s\n", m.handle.InstanceID, m.handle.Endpoint)
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	if m.closed {
		b.WriteString(dimStyle.Render("\nstream closed\n"))
	}
	b.WriteString(dimStyle.Render("\nq to quit\n"))
	return b.String()
}

func acquireCmd(ctx context.Context, c *client.Client, key, template string) tea.Cmd {
	return func() tea.Msg {
		h, err := c.Acquire(ctx, key, server.AcquireRequest{Template: template})
		return acquiredMsg{handle: h, err: err}
	}
}

func (w *WatchCommand) Run(rc *runContext) error {
	ctx, cancel := context.WithCancel(rc.ctx)
	defer cancel()

	messages, err := rc.client.Watch(ctx, w.Key)
	if err != nil {
		return err
	}
	var acquire tea.Cmd
	if w.Template != "" {
		acquire = acquireCmd(ctx, rc.client, w.Key, w.Template)
	}

	p := tea.NewProgram(newWatchModel(w.Key, messages, acquire), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil {
		return m.err
	}
	return nil
}
