// Package output provides styled terminal output helpers (success, error,
// warning, job and conflict formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/marcus/storesync/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	jobStyles    = map[models.JobState]lipgloss.Style{
		models.JobPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		models.JobRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.JobPaused:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.JobCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.JobFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	partitionStyles = map[models.PartitionState]lipgloss.Style{
		models.PartitionPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		models.PartitionFetching:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.PartitionApplying:  lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.PartitionCommitted: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.PartitionCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.PartitionPaused:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth returns the stdout width, or fallback when it is unknown.
func TerminalWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return fallback
}

// FormatJobState formats a job state with color
func FormatJobState(s models.JobState) string {
	style, ok := jobStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatPartitionState formats a partition state with color
func FormatPartitionState(s models.PartitionState) string {
	style, ok := partitionStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// ShortID shortens a job id for listings.
func ShortID(id string) string {
	if len(id) > 13 {
		return id[:13]
	}
	return id
}

// FormatJobShort formats a job as one line
// e.g., "0192f3a1-7c2b  store:hq  incremental  [running]  started 3m ago"
func FormatJobShort(j models.Job) string {
	line := fmt.Sprintf("%s  %s  %s  %s  %s",
		ShortID(j.ID), j.PeerID, j.Mode, FormatJobState(j.State),
		subtleStyle.Render("started "+FormatTimeAgo(j.StartedAt)))
	if j.Reason != "" {
		line += subtleStyle.Render("  (" + j.Reason + ")")
	}
	return line
}

// FormatJobLong formats a job snapshot with per-partition progress.
func FormatJobLong(snap *models.JobSnapshot) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Job "+snap.ID) + " " + FormatJobState(snap.State) + "\n")
	sb.WriteString(fmt.Sprintf("Peer: %s\n", snap.PeerID))
	sb.WriteString(fmt.Sprintf("Mode: %s\n", snap.Mode))
	sb.WriteString(fmt.Sprintf("Started: %s (%s)\n", snap.StartedAt.Local().Format("2006-01-02 15:04:05"), FormatTimeAgo(snap.StartedAt)))
	if snap.FinishedAt != nil {
		sb.WriteString(fmt.Sprintf("Finished: %s\n", snap.FinishedAt.Local().Format("2006-01-02 15:04:05")))
	}
	if snap.Reason != "" {
		sb.WriteString(fmt.Sprintf("Reason: %s\n", snap.Reason))
	}
	if snap.CancelRequested && !snap.State.Terminal() {
		sb.WriteString(warningStyle.Render("Cancel requested") + "\n")
	}

	sb.WriteString(SectionHeader("partitions"))
	for _, t := range SortedTypes(snap.Partitions) {
		sb.WriteString("  " + FormatPartition(snap.Partitions[t]) + "\n")
	}
	return sb.String()
}

// FormatPartition formats one partition's progress counters.
func FormatPartition(p models.PartitionProgress) string {
	line := fmt.Sprintf("%-12s %-10s processed=%d created=%d updated=%d conflicts=%d failed=%d pages=%d cursor=%q",
		p.EntityType, FormatPartitionState(p.State),
		p.Processed, p.Created, p.Updated, p.Conflicts, p.Failed, p.Pages, p.Cursor)
	if p.Error != "" {
		line += "\n" + IndentString(errorStyle.Render(fmt.Sprintf("%s: %s", p.ErrorKind, p.Error)), 15)
	}
	return line
}

// FormatConflict formats a conflict record as one line
// e.g., "product/P1@store-hq  local store:a:5 vs remote store:b:4 -> local"
func FormatConflict(c models.ConflictRecord) string {
	return fmt.Sprintf("%s  local %s vs remote %s -> %s  %s",
		c.Ref, c.Local.Version(), c.Remote.Version(),
		titleStyle.Render(string(c.Resolution)),
		subtleStyle.Render(c.ResolverReason+", "+FormatTimeAgo(c.ResolvedAt)))
}

// SortedTypes returns the partition keys in a stable order.
func SortedTypes(parts map[models.EntityType]models.PartitionProgress) []models.EntityType {
	types := make([]models.EntityType, 0, len(parts))
	for t := range parts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nPARTITIONS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	indent := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}
