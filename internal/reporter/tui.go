package reporter

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/engine"
	"github.com/ppiankov/storyforge/internal/proc"
)

var spinnerChars = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// TUI styles
var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14")) // cyan
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // gray
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	pauseStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

// StoryView is the board's state for one story.
type StoryView struct {
	ID          string
	Title       string
	State       engine.State
	Attempt     int
	MaxAttempts int
	StartedAt   time.Time
	Duration    time.Duration
	Outcome     engine.Outcome
	Note        string // last attempt result or terminal reason
}

// Board collects engine events into a snapshot the TUI can poll.
type Board struct {
	engine.NopObserver

	mu      sync.Mutex
	runID   string
	order   []string
	stories map[string]*StoryView
	done    bool
}

// NewBoard seeds the board with the stories the run is expected to attempt.
func NewBoard(runID string, planned []backlog.Story) *Board {
	b := &Board{runID: runID, stories: make(map[string]*StoryView, len(planned))}
	for _, s := range planned {
		b.order = append(b.order, s.ID)
		b.stories[s.ID] = &StoryView{ID: s.ID, Title: s.Title, State: engine.StatePending}
	}
	return b
}

func (b *Board) view(id, title string) *StoryView {
	v, ok := b.stories[id]
	if !ok {
		v = &StoryView{ID: id, Title: title}
		b.stories[id] = v
		b.order = append(b.order, id)
	}
	return v
}

func (b *Board) StoryStarted(rc engine.RunContext, s backlog.Story) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.view(s.ID, s.Title)
	v.StartedAt = time.Now()
	v.MaxAttempts = rc.MaxAttempts
}

func (b *Board) StateChanged(rc engine.RunContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.view(rc.StoryID, "")
	v.State = rc.State
	v.Attempt = rc.Attempt
	v.MaxAttempts = rc.MaxAttempts
}

func (b *Board) AttemptFinished(rc engine.RunContext, a engine.Attempt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.view(rc.StoryID, "")
	switch {
	case a.Err != "":
		v.Note = a.Err
	case a.Verification != nil && !a.Verification.Passed:
		v.Note = fmt.Sprintf("attempt %d failed verification", a.Number)
	default:
		v.Note = ""
	}
}

func (b *Board) StoryFinished(_ engine.RunContext, res engine.StoryResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.view(res.StoryID, res.Title)
	v.Outcome = res.Outcome
	v.Duration = res.Duration()
	v.Note = res.Reason
	if res.Outcome == engine.OutcomeAccepted {
		v.Note = shortRev(res.Revision)
		if res.NoChanges {
			v.Note = "no changes"
		}
	}
}

func (b *Board) RunFinished(*engine.Summary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
}

// Snapshot copies the current views in board order.
func (b *Board) Snapshot() ([]StoryView, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StoryView, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.stories[id])
	}
	return out, b.done
}

type tickMsg time.Time

// RunDoneMsg tells the TUI the engine has returned.
type RunDoneMsg struct{}

// TUIModel is the Bubbletea model for the live run display.
type TUIModel struct {
	board     *Board
	cancelRun func() // called on 'q' to cancel the run context

	views        []StoryView
	scrollOffset int
	paused       bool
	frame        int
	width        int
	height       int
	done         bool
}

// NewTUIModel creates a new TUI model.
func NewTUIModel(board *Board, cancelRun func()) TUIModel {
	return TUIModel{board: board, cancelRun: cancelRun}
}

// Init implements tea.Model.
func (m TUIModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.cancelRun != nil {
				m.cancelRun()
			}
			m.done = true
			return m, tea.Quit

		case "p", " ":
			m.paused = !m.paused

		case "j", "down":
			m.scrollDown(1)

		case "k", "up":
			m.scrollUp(1)

		case "g", "home":
			m.scrollOffset = 0

		case "G", "end":
			m.scrollOffset = m.maxScroll()
		}

	case tickMsg:
		if !m.paused {
			m.views, _ = m.board.Snapshot()
		}
		m.frame++
		return m, tickCmd()

	case RunDoneMsg:
		m.views, _ = m.board.Snapshot()
		m.done = true
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	}

	return m, nil
}

func (m *TUIModel) scrollDown(n int) {
	m.scrollOffset += n
	if max := m.maxScroll(); m.scrollOffset > max {
		m.scrollOffset = max
	}
}

func (m *TUIModel) scrollUp(n int) {
	m.scrollOffset -= n
	if m.scrollOffset < 0 {
		m.scrollOffset = 0
	}
}

func (m TUIModel) visibleStories() int {
	// header(2) + blank(1) + help(1)
	avail := m.height - 4
	if avail < 3 {
		return 3
	}
	return avail
}

func (m TUIModel) maxScroll() int {
	total := len(m.views)
	vis := m.visibleStories()
	if total <= vis {
		return 0
	}
	return total - vis
}

// View implements tea.Model.
func (m TUIModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	header := fmt.Sprintf("storyforge %s — %d stories", m.board.runID, len(m.views))
	if m.paused {
		header += "  " + pauseStyle.Render("⏸ PAUSED")
	}
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")
	b.WriteString(m.progressLine())
	b.WriteString("\n")

	lines := m.storyLines()
	vis := m.visibleStories()
	start := m.scrollOffset
	if start > len(lines) {
		start = len(lines)
	}
	end := start + vis
	if end > len(lines) {
		end = len(lines)
	}
	for i := start; i < end; i++ {
		b.WriteString(lines[i])
		b.WriteString("\n")
	}
	for i := 2 + (end - start); i < m.height-1; i++ {
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("  ↑↓/jk: scroll  g/G: top/bottom  p: pause  q: stop run"))
	return b.String()
}

func (m TUIModel) storyLines() []string {
	spinner := spinnerChars[m.frame%len(spinnerChars)]
	lines := make([]string, 0, len(m.views))
	for _, v := range m.views {
		lines = append(lines, formatStory(v, spinner))
	}
	return lines
}

func formatStory(v StoryView, spinner string) string {
	note := v.Note
	if head, cut := proc.Clip(note, 50); cut {
		note = head + "..."
	}
	switch v.Outcome {
	case engine.OutcomeAccepted:
		return doneStyle.Render(fmt.Sprintf("  ✓ %-10s %-20s %-30s %s  %s", "accepted", v.ID, v.Title, v.Duration.Truncate(time.Second), note))
	case engine.OutcomeRejected:
		return failedStyle.Render(fmt.Sprintf("  ✗ %-10s %-20s %-30s %s", "rejected", v.ID, v.Title, note))
	case engine.OutcomeAborted:
		return warnStyle.Render(fmt.Sprintf("  ! %-10s %-20s %-30s %s", "aborted", v.ID, v.Title, note))
	}
	if v.State == engine.StatePending {
		return dimStyle.Render(fmt.Sprintf("  ─ %-10s %-20s %s", "queued", v.ID, v.Title))
	}
	elapsed := time.Since(v.StartedAt).Truncate(time.Second)
	line := fmt.Sprintf("  %s %-10s %-20s %-30s %s  attempt %d/%d", spinner, v.State, v.ID, v.Title, elapsed, v.Attempt, v.MaxAttempts)
	if note != "" {
		line += "  " + note
	}
	return runStyle.Render(line)
}

func (m TUIModel) progressLine() string {
	var accepted, rejected, active, queued int
	for _, v := range m.views {
		switch {
		case v.Outcome == engine.OutcomeAccepted:
			accepted++
		case v.Outcome == engine.OutcomeRejected || v.Outcome == engine.OutcomeAborted:
			rejected++
		case v.State == engine.StatePending:
			queued++
		default:
			active++
		}
	}
	var parts []string
	if accepted > 0 {
		parts = append(parts, doneStyle.Render(fmt.Sprintf("%d accepted", accepted)))
	}
	if active > 0 {
		parts = append(parts, runStyle.Render(fmt.Sprintf("%d running", active)))
	}
	if rejected > 0 {
		parts = append(parts, failedStyle.Render(fmt.Sprintf("%d rejected", rejected)))
	}
	if queued > 0 {
		parts = append(parts, dimStyle.Render(fmt.Sprintf("%d queued", queued)))
	}
	return "  " + strings.Join(parts, "  ")
}
