// Package monitor is the live terminal view behind `storesync watch`.
package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/storesync/internal/models"
)

// Source is where the monitor reads jobs from: a local orchestrator or a
// remote store's admin API.
type Source interface {
	ListJobs(ctx context.Context, peerID string, limit int) ([]models.Job, error)
	GetStatus(ctx context.Context, jobID string) (*models.JobSnapshot, error)
}

// Model is the main Bubble Tea model for the monitor TUI
type Model struct {
	Source Source
	PeerID string // empty shows every peer
	JobID  string // pinned job; empty follows the selection

	// Window dimensions
	Width  int
	Height int

	// Data
	Jobs     []models.Job
	Selected *models.JobSnapshot

	// UI state
	Cursor      int
	ShowHelp    bool
	LastRefresh time.Time
	Err         error

	RefreshInterval time.Duration

	spinner spinner.Model
	bar     progress.Model
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 40

// MinHeight is the minimum terminal height for proper display
const MinHeight = 10

const jobListLimit = 20

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	Jobs      []models.Job
	Selected  *models.JobSnapshot
	Err       error
	Timestamp time.Time
}

// NewModel creates a new monitor model
func NewModel(src Source, peerID, jobID string, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		Source:          src,
		PeerID:          peerID,
		JobID:           jobID,
		RefreshInterval: interval,
		spinner:         spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:             progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchData(),
		m.scheduleTick(),
		m.spinner.Tick,
	)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case RefreshDataMsg:
		m.Err = msg.Err
		if msg.Err != nil {
			return m, nil
		}
		m.Jobs = msg.Jobs
		m.Selected = msg.Selected
		m.LastRefresh = msg.Timestamp
		if m.Cursor >= len(m.Jobs) {
			m.Cursor = max(len(m.Jobs)-1, 0)
		}
		return m, nil
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit

	case "j", "down":
		if m.Cursor < len(m.Jobs)-1 {
			m.Cursor++
			m.JobID = ""
			return m, m.fetchData()
		}
		return m, nil

	case "k", "up":
		if m.Cursor > 0 {
			m.Cursor--
			m.JobID = ""
			return m, m.fetchData()
		}
		return m, nil

	case "r":
		return m, m.fetchData()

	case "?":
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}

	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// selectedJobID is the pinned job or the one under the cursor.
func (m Model) selectedJobID() string {
	if m.JobID != "" {
		return m.JobID
	}
	if m.Cursor < len(m.Jobs) {
		return m.Jobs[m.Cursor].ID
	}
	return ""
}

// fetchData returns a command that fetches all data and sends a RefreshDataMsg
func (m Model) fetchData() tea.Cmd {
	src, peerID, jobID := m.Source, m.PeerID, m.selectedJobID()
	timeout := max(m.RefreshInterval, 5*time.Second)
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return FetchData(ctx, src, peerID, jobID)
	}
}

// FetchData retrieves all data needed for the monitor display. When jobID is
// empty the most recent job is shown.
func FetchData(ctx context.Context, src Source, peerID, jobID string) RefreshDataMsg {
	msg := RefreshDataMsg{Timestamp: time.Now()}
	jobs, err := src.ListJobs(ctx, peerID, jobListLimit)
	if err != nil {
		msg.Err = err
		return msg
	}
	msg.Jobs = jobs
	if jobID == "" && len(jobs) > 0 {
		jobID = jobs[0].ID
	}
	if jobID != "" {
		snap, err := src.GetStatus(ctx, jobID)
		if err != nil {
			msg.Err = err
			return msg
		}
		msg.Selected = snap
	}
	return msg
}
