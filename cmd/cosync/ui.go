package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/dshills/cosync/internal/session"
	"github.com/dshills/cosync/internal/upload"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle  = lipgloss.NewStyle().Faint(true)
)

func renderPass(s string) string   { return passStyle.Render(s) }
func renderWarn(s string) string   { return warnStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }
func renderAccent(s string) string { return accentStyle.Render(s) }
func renderMuted(s string) string  { return mutedStyle.Render(s) }

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// status prints session and upload progress.
type status struct {
	out io.Writer
	tty bool

	lastPct int
}

func newStatus(f *os.File) *status {
	return &status{out: f, tty: isTerminal(f), lastPct: -1}
}

func (s *status) state(st session.State) {
	switch st {
	case session.StateJoined:
		fmt.Fprintf(s.out, "%s %s\n", renderPass("●"), st)
	case session.StateReconnecting:
		fmt.Fprintf(s.out, "%s %s\n", renderWarn("●"), st)
	case session.StateDisconnected:
		fmt.Fprintf(s.out, "%s %s\n", renderFail("●"), st)
	default:
		fmt.Fprintf(s.out, "%s %s\n", renderMuted("●"), st)
	}
}

// progress redraws a bar in place on a terminal and prints every tenth
// percent otherwise.
func (s *status) progress(p upload.Progress) {
	pct := p.Percent()
	if s.tty {
		fmt.Fprintf(s.out, "\r%s %s", renderAccent(p.Bar(30)), renderMuted(p.Current))
		if pct >= 100 {
			fmt.Fprintln(s.out)
		}
		return
	}
	if pct/10 == s.lastPct/10 && pct < 100 {
		return
	}
	s.lastPct = pct
	fmt.Fprintf(s.out, "uploaded %d/%d files (%d%%)\n", p.Files, p.FilesTotal, pct)
}

func (s *status) synced(root string) {
	fmt.Fprintf(s.out, "%s %s is in sync\n", renderPass("✓"), root)
}

func (s *status) serverError(msg string) {
	fmt.Fprintf(s.out, "%s %s\n", renderWarn("!"), msg)
}
