package main

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"autotrader/internal/domain"
	"autotrader/internal/events"
)

// maxEvents bounds the scrollback of the watch view.
const maxEvents = 200

var (
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	partialStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	failedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	nameStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
)

func statusStyle(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.RunStatusSuccess:
		return successStyle
	case domain.RunStatusPartial:
		return partialStyle
	case domain.RunStatusFailed:
		return failedStyle
	default:
		return dimStyle
	}
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type eventMsg events.Event

type streamErrMsg struct{ err error }

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

type watchModel struct {
	addr     string
	width    int
	height   int
	ready    bool
	viewport viewport.Model

	events []events.Event // newest first
	latest map[string]domain.RunResult
	report *domain.AggregateReport
	lastAt time.Time
	now    time.Time
	err    error
}

func newWatchModel(addr string) watchModel {
	return watchModel{
		addr:   addr,
		latest: make(map[string]domain.RunResult),
		now:    time.Now(),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tickCmd()
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			m.events = nil
			m.latest = make(map[string]domain.RunResult)
			m.report = nil
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refresh()
		return m, nil

	case eventMsg:
		m.add(events.Event(msg))
		m.refresh()
		return m, nil

	case streamErrMsg:
		m.err = msg.err
		m.refresh()
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *watchModel) add(ev events.Event) {
	m.events = append([]events.Event{ev}, m.events...)
	if len(m.events) > maxEvents {
		m.events = m.events[:maxEvents]
	}
	m.lastAt = ev.Time
	switch ev.Type {
	case events.TypeRunResult:
		if ev.Result != nil {
			m.latest[ev.Result.StrategyName] = *ev.Result
		}
	case events.TypeReport:
		if ev.Report != nil {
			m.report = ev.Report
			for _, r := range ev.Report.Results {
				m.latest[r.StrategyName] = r
			}
		}
	}
}

func (m *watchModel) refresh() {
	if m.ready {
		m.viewport.SetContent(m.renderContent())
	}
}

func (m watchModel) View() string {
	if !m.ready {
		return "connecting..."
	}

	last := "no events yet"
	if !m.lastAt.IsZero() {
		last = fmt.Sprintf("last event %s ago", m.now.Sub(m.lastAt).Truncate(time.Second))
	}
	header := fmt.Sprintf(" autotrader watch  %s  %d events  %s", m.addr, len(m.events), last)
	if m.err != nil {
		header += "  DISCONNECTED"
	}

	footerLeft := " q quit  c clear  pgup/dn scroll"
	footerRight := fmt.Sprintf("%.0f%% ", m.viewport.ScrollPercent()*100)
	gap := m.width - len(footerLeft) - len(footerRight)
	if gap < 0 {
		gap = 0
	}

	return headerStyle.Render(padOrTrunc(header, m.width)) + "\n" +
		m.viewport.View() + "\n" +
		footerStyle.Render(padOrTrunc(footerLeft+strings.Repeat(" ", gap)+footerRight, m.width))
}

func (m watchModel) renderContent() string {
	var b strings.Builder

	if m.err != nil {
		b.WriteString(failedStyle.Render("stream closed: "+m.err.Error()) + "\n\n")
	}

	b.WriteString(sectionStyle.Render(" Strategies ") + "\n")
	if len(m.latest) == 0 {
		b.WriteString(dimStyle.Render("  waiting for runs") + "\n")
	}
	names := make([]string, 0, len(m.latest))
	for name := range m.latest {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString("  " + formatResult(m.latest[name]) + "\n")
	}

	if m.report != nil {
		r := m.report
		fmt.Fprintf(&b, "\n%s\n  %s  total %d  ok %d  partial %d  skipped %d  failed %d\n",
			sectionStyle.Render(" Last report "),
			r.Finished.Local().Format("2006-01-02 15:04:05"),
			r.Total, r.Succeeded, r.Partial, r.Skipped, r.Failed)
	}

	b.WriteString("\n" + sectionStyle.Render(" Events ") + "\n")
	for _, ev := range m.events {
		b.WriteString("  " + dimStyle.Render(ev.Time.Local().Format("15:04:05")) + "  " + formatEvent(ev) + "\n")
	}
	return b.String()
}

func formatEvent(ev events.Event) string {
	switch {
	case ev.Type == events.TypeRunResult && ev.Result != nil:
		return formatResult(*ev.Result)
	case ev.Type == events.TypeReport && ev.Report != nil:
		return fmt.Sprintf("report: %d strategies, %d failed", ev.Report.Total, ev.Report.Failed)
	case ev.Type == events.TypeStrategy && ev.Strategy != nil:
		return fmt.Sprintf("strategy %s %s", nameStyle.Render(ev.Strategy.Name), ev.Strategy.Status)
	default:
		return ev.Type
	}
}

func formatResult(r domain.RunResult) string {
	line := fmt.Sprintf("%s %s", nameStyle.Render(r.StrategyName), statusStyle(r.Status).Render(string(r.Status)))
	if r.Cycle > 0 {
		line += fmt.Sprintf(" cycle %d", r.Cycle)
	}
	if r.OrdersSubmitted > 0 || r.OrdersFailed > 0 {
		line += fmt.Sprintf(" orders %d/%d", r.OrdersSubmitted, r.OrdersSubmitted+r.OrdersFailed)
	}
	if r.SkipReason != "" {
		line += " " + dimStyle.Render(r.SkipReason)
	}
	if r.Error != "" {
		line += " " + failedStyle.Render(r.Error)
	}
	return line
}

func padOrTrunc(s string, w int) string {
	if w <= 0 {
		return s
	}
	if n := lipgloss.Width(s); n < w {
		return s + strings.Repeat(" ", w-n)
	}
	r := []rune(s)
	if len(r) > w {
		return string(r[:w])
	}
	return s
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

// eventsURL turns the daemon's HTTP base address into its websocket feed URL.
func eventsURL(addr string) (string, error) {
	u, err := url.Parse(strings.TrimRight(addr, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/api/events"
	return u.String(), nil
}

// watch opens the event feed and runs the terminal view until the user quits.
func watch(ctx context.Context, addr string) error {
	wsURL, err := eventsURL(addr)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	defer conn.Close()

	p := tea.NewProgram(newWatchModel(addr), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))

	go func() {
		for {
			var ev events.Event
			if err := conn.ReadJSON(&ev); err != nil {
				p.Send(streamErrMsg{err: err})
				return
			}
			p.Send(eventMsg(ev))
		}
	}()

	_, err = p.Run()
	return err
}
