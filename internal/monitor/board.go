package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	maxListed       = 8
	titleWidth      = 48
	fetchTimeout    = 5 * time.Second
)

// Source is where the board reads state from. *client.Client satisfies it.
type Source interface {
	Snapshot(ctx context.Context) (*orchestrator.Snapshot, error)
	Ready(ctx context.Context) ([]*task.Task, error)
}

// Model is the bubbletea task board.
type Model struct {
	source     Source
	target     string
	interval   time.Duration
	lastUpdate time.Time
	stats      Stats
	polled     bool
	err        error
	quitting   bool

	// completions per poll, for the throughput sparkline
	history []float64

	completion progress.Model
}

// Palette. Cyan frames, white values, grey detail.
var (
	cyan  = lipgloss.Color("51")
	grey  = lipgloss.Color("245")
	bold  = lipgloss.NewStyle().Bold(true)
	plain = lipgloss.NewStyle()

	headerStyle    = bold.Foreground(lipgloss.Color("0")).Background(cyan).Padding(0, 1)
	sectionStyle   = bold.Foreground(cyan).MarginTop(1)
	labelStyle     = plain.Foreground(lipgloss.Color("45"))
	valueStyle     = bold.Foreground(lipgloss.Color("231"))
	dimStyle       = plain.Foreground(grey)
	okStyle        = bold.Foreground(lipgloss.Color("46"))
	warnStyle      = bold.Foreground(lipgloss.Color("226"))
	badStyle       = bold.Foreground(lipgloss.Color("196"))
	frameStyle     = plain.Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(1, 2)
	keyStyle       = bold.Foreground(cyan)
	sparklineStyle = plain.Foreground(cyan)
)

// NewModel creates a board polling source every interval. target is shown
// in the header and error view.
func NewModel(source Source, target string, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{
		source:   source,
		target:   target,
		interval: interval,
		history:  make([]float64, 0, historySize),
		completion: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// statusBadge summarizes the graph's health.
func statusBadge(s Stats) string {
	switch {
	case len(s.Mismatches) > 0:
		return badStyle.Render("✗ INCONSISTENT")
	case len(s.Escalated) > 0:
		return badStyle.Render("✗ ESCALATED")
	case len(s.Blocked) > 0:
		return warnStyle.Render("⚠ BLOCKED")
	case s.Total > 0 && s.Progress() >= 1:
		return okStyle.Render("✓ COMPLETE")
	default:
		return okStyle.Render("✓ OK")
	}
}

// pushHistory keeps the newest historySize samples.
func pushHistory(h []float64, v float64) []float64 {
	h = append(h, v)
	if n := len(h) - historySize; n > 0 {
		h = append(h[:0], h[n:]...)
	}
	return h
}

func renderSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render("waiting for a second poll")
	}
	sl := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		sl.Push(v)
	}
	sl.Draw()
	return sparklineStyle.Render(sl.View())
}

type tickMsg time.Time

type statsMsg struct {
	stats Stats
	at    time.Time
}

type errMsg struct{ err error }

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetch(m.source))
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetch(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		snap, err := source.Snapshot(ctx)
		if err != nil {
			return errMsg{err}
		}
		ready, err := source.Ready(ctx)
		if err != nil {
			return errMsg{err}
		}
		return statsMsg{stats: Summarize(snap, ready), at: time.Now()}
	}
}

// Update handles key presses, ticks and poll results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.source)
		}

	case tickMsg:
		return m, tea.Batch(tick(m.interval), fetch(m.source))

	case statsMsg:
		if m.polled {
			delta := msg.stats.Completed - m.stats.Completed
			if delta < 0 {
				delta = 0
			}
			m.history = pushHistory(m.history, float64(delta))
		}
		m.stats = msg.stats
		m.polled = true
		m.lastUpdate = msg.at
		m.err = nil
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

// View renders the board.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderBoard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("taskgraph board") + "\n\n")
	b.WriteString(badStyle.Render("⚠ Cannot reach taskgraphd") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.target) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + badStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(keys("q", "quit", "r", "retry") + "\n")
	return frameStyle.Render(b.String())
}

func (m Model) renderBoard() string {
	s := m.stats
	var b strings.Builder

	updated := "never"
	if !m.lastUpdate.IsZero() {
		updated = m.lastUpdate.Format("15:04:05")
	}
	b.WriteString(headerStyle.Render(" taskgraph board ") + "\n")
	fmt.Fprintf(&b, "%s   %s   %s\n", statusBadge(s), dimStyle.Render(m.target), dimStyle.Render(updated))

	b.WriteString("\n" + sectionStyle.Render("┃ Progress") + "\n")
	b.WriteString(labelStyle.Render("  Tasks: ") + valueStyle.Render(FormatCounts(s.Counts)) + "\n")
	b.WriteString(labelStyle.Render("  Done: ") +
		m.completion.ViewAs(s.Progress()) +
		" " + dimStyle.Render(FormatPercentage(s.Progress())) + "\n")
	b.WriteString(labelStyle.Render("  Completions: ") + renderSparkline(m.history) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Ledger") + "\n")
	last := "none"
	if s.LastDone != "" {
		last = fmt.Sprintf("%s (seq %d)", s.LastDone, s.Seq)
	}
	b.WriteString(labelStyle.Render("  Last completed: ") + valueStyle.Render(last) + "\n")
	next := "none ready"
	if s.Next != nil {
		next = fmt.Sprintf("%s %s %s", s.Next.ID, s.Next.Priority, Truncate(s.Next.Title, titleWidth))
	}
	b.WriteString(labelStyle.Render("  Next: ") + valueStyle.Render(next) + "\n")
	if s.Proposed > 0 {
		b.WriteString(labelStyle.Render("  Decisions pending: ") + warnStyle.Render(fmt.Sprint(s.Proposed)) + "\n")
	}
	for _, msg := range s.Mismatches {
		b.WriteString("  " + badStyle.Render("✗ "+msg) + "\n")
	}

	section(&b, "Ready", len(s.Ready))
	writeTasks(&b, s.Ready, func(t *task.Task) string {
		return dimStyle.Render(Truncate(t.Title, titleWidth))
	})

	if len(s.Doing) > 0 {
		section(&b, "Doing", len(s.Doing))
		writeTasks(&b, s.Doing, func(t *task.Task) string {
			owner, since := "?", time.Time{}
			if t.Lease != nil {
				owner, since = t.Lease.Owner, t.Lease.AcquiredAt
			}
			detail := fmt.Sprintf("%s · %s", owner, FormatAge(since, m.lastUpdate))
			if t.Attempts > 0 {
				detail += fmt.Sprintf(" · %d failed", t.Attempts)
			}
			return dimStyle.Render(detail)
		})
	}

	if len(s.Blocked) > 0 {
		section(&b, "Blocked", len(s.Blocked))
		writeTasks(&b, s.Blocked, func(t *task.Task) string {
			return warnStyle.Render(Truncate(lastBlockReason(t), titleWidth))
		})
	}

	if len(s.Escalated) > 0 {
		section(&b, "Escalated", len(s.Escalated))
		writeTasks(&b, s.Escalated, func(t *task.Task) string {
			return badStyle.Render(fmt.Sprintf("%d attempts", t.Attempts))
		})
	}

	b.WriteString("\n" + keys("q", "quit", "r", "refresh") + dimStyle.Render(fmt.Sprintf("  every %v", m.interval)))

	return frameStyle.Render(b.String())
}

// keys renders key/action pairs for the footer.
func keys(pairs ...string) string {
	var parts []string
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, keyStyle.Render("["+pairs[i]+"]")+dimStyle.Render(" "+pairs[i+1]))
	}
	return strings.Join(parts, "  ")
}

func section(b *strings.Builder, title string, n int) {
	b.WriteString("\n" + sectionStyle.Render(fmt.Sprintf("┃ %s (%d)", title, n)) + "\n")
}

func writeTasks(b *strings.Builder, ts []*task.Task, detail func(*task.Task) string) {
	if len(ts) == 0 {
		b.WriteString(dimStyle.Render("  none") + "\n")
		return
	}
	for i, t := range ts {
		if i == maxListed {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", len(ts)-maxListed)) + "\n")
			return
		}
		fmt.Fprintf(b, "  %s %s  %s\n", valueStyle.Render(t.ID), labelStyle.Render(t.Priority.String()), detail(t))
	}
}
