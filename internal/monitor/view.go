package monitor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/marcus/storesync/internal/models"
)

// renderView renders the complete monitor view
func (m Model) renderView() string {
	if m.Width > 0 && (m.Width < MinWidth || m.Height < MinHeight) {
		return fmt.Sprintf("Terminal too small (%dx%d); need at least %dx%d", m.Width, m.Height, MinWidth, MinHeight)
	}
	width := m.Width
	if width == 0 {
		width = 80
	}
	inner := width - 4

	var sections []string
	sections = append(sections, panelStyle.Width(inner).Render(m.renderJobs(inner)))
	sections = append(sections, activePanelStyle.Width(inner).Render(m.renderDetail(inner)))
	sections = append(sections, m.renderFooter(width))
	if m.ShowHelp {
		sections = append(sections, m.renderHelp())
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderJobs lists recent jobs with the cursor marked
func (m Model) renderJobs(width int) string {
	var sb strings.Builder
	sb.WriteString(panelTitleStyle.Render("JOBS"))
	sb.WriteString("\n")
	if len(m.Jobs) == 0 {
		sb.WriteString(subtleStyle.Render("No sync jobs yet"))
		return sb.String()
	}
	for i, j := range m.Jobs {
		marker := "  "
		if i == m.Cursor {
			marker = selectedStyle.Render("> ")
		}
		state := formatJobState(j.State)
		if j.State == models.JobRunning {
			state = m.spinner.View() + " " + state
		}
		line := fmt.Sprintf("%s%s  %-16s %-11s %s", marker, shortID(j.ID), j.PeerID, j.Mode, state)
		if j.Reason != "" {
			line += subtleStyle.Render("  " + j.Reason)
		}
		sb.WriteString(ansi.Truncate(line, width, "…"))
		if i < len(m.Jobs)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// renderDetail shows the selected job's partitions with a completion bar
func (m Model) renderDetail(width int) string {
	var sb strings.Builder
	sb.WriteString(panelTitleStyle.Render("PROGRESS"))
	sb.WriteString("\n")
	snap := m.Selected
	if snap == nil {
		sb.WriteString(subtleStyle.Render("Select a job"))
		return sb.String()
	}

	sb.WriteString(titleStyle.Render(snap.ID))
	sb.WriteString("  " + formatJobState(snap.State))
	if snap.Reason != "" {
		sb.WriteString(subtleStyle.Render("  (" + snap.Reason + ")"))
	}
	sb.WriteString("\n")

	bar := m.bar
	bar.Width = max(width-12, 10)
	done, total := completedPartitions(snap)
	sb.WriteString(bar.ViewAs(fraction(done, total)))
	sb.WriteString(fmt.Sprintf("  %d/%d\n", done, total))

	types := make([]models.EntityType, 0, len(snap.Partitions))
	for t := range snap.Partitions {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		p := snap.Partitions[t]
		line := fmt.Sprintf("%-12s %-10s processed %-6d conflicts %-4d failed %-4d pages %-4d cursor %s",
			p.EntityType, formatPartitionState(p.State), p.Processed, p.Conflicts, p.Failed, p.Pages, p.Cursor)
		sb.WriteString(ansi.Truncate(line, width, "…"))
		sb.WriteString("\n")
		if p.Error != "" {
			sb.WriteString(ansi.Truncate(errorTextStyle.Render("  "+p.ErrorKind+": "+p.Error), width, "…"))
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// renderFooter shows refresh time, errors and key hints
func (m Model) renderFooter(width int) string {
	left := helpStyle.Render("q quit · j/k select · r refresh · ? help")
	right := ""
	switch {
	case m.Err != nil:
		right = errorTextStyle.Render("error: " + m.Err.Error())
	case !m.LastRefresh.IsZero():
		right = subtleStyle.Render("updated " + m.LastRefresh.Format("15:04:05"))
	}
	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		return ansi.Truncate(left+" "+right, width, "…")
	}
	return left + strings.Repeat(" ", gap) + right
}

func (m Model) renderHelp() string {
	return helpStyle.Render(strings.Join([]string{
		"j/down   next job",
		"k/up     previous job",
		"r        refresh now",
		"q/esc    quit",
	}, "\n"))
}

func completedPartitions(snap *models.JobSnapshot) (done, total int) {
	for _, p := range snap.Partitions {
		total++
		if p.State == models.PartitionCompleted {
			done++
		}
	}
	return done, total
}

func fraction(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total)
}

func shortID(id string) string {
	if len(id) > 13 {
		return id[:13]
	}
	return id
}
