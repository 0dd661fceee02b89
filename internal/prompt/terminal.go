package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

// maxListed bounds how many paths a prompt prints per category.
const maxListed = 8

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	countStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	pathStyle    = lipgloss.NewStyle().Faint(true)
)

// Terminal prompts on a terminal with huh forms.
type Terminal struct {
	In         io.Reader
	Out        io.Writer
	Accessible bool
}

func (t *Terminal) run(ctx context.Context, form *huh.Form) error {
	if t.In != nil {
		form = form.WithInput(t.In)
	}
	if t.Out != nil {
		form = form.WithOutput(t.Out)
	}
	form = form.WithAccessible(t.Accessible)

	err := form.RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return ErrAborted
	}
	return err
}

// ResolveConflict implements Prompter.
func (t *Terminal) ResolveConflict(ctx context.Context, c Conflict) (Choice, error) {
	choice := ChoiceKeepRemote
	sel := huh.NewSelect[Choice]().
		Title(fmt.Sprintf("%s differs from your local copy", c.Workspace)).
		Description(DescribeConflict(c)).
		Options(
			huh.NewOption("Keep remote: overwrite local files", ChoiceKeepRemote),
			huh.NewOption("Keep local: overwrite the workspace", ChoiceKeepLocal),
		).
		Value(&choice)

	if err := t.run(ctx, huh.NewForm(huh.NewGroup(sel))); err != nil {
		return ChoiceNone, err
	}
	return choice, nil
}

// ConfirmOversize implements Prompter.
func (t *Terminal) ConfirmOversize(ctx context.Context, o Oversize) (bool, error) {
	proceed := false
	confirm := huh.NewConfirm().
		Title("Workspace is over the size limit").
		Description(DescribeOversize(o)).
		Affirmative("Upload the rest").
		Negative("Abort").
		Value(&proceed)

	if err := t.run(ctx, huh.NewForm(huh.NewGroup(confirm))); err != nil {
		return false, err
	}
	return proceed, nil
}

// DescribeConflict renders the differences for display.
func DescribeConflict(c Conflict) string {
	var b strings.Builder
	section := func(label string, paths []string) {
		if len(paths) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s %s\n", headingStyle.Render(label), countStyle.Render(fmt.Sprintf("(%d)", len(paths))))
		for i, p := range paths {
			if i == maxListed {
				fmt.Fprintf(&b, "  %s\n", pathStyle.Render(fmt.Sprintf("... and %d more", len(paths)-maxListed)))
				break
			}
			fmt.Fprintf(&b, "  %s\n", pathStyle.Render(p))
		}
	}
	section("Changed locally", c.Changed)
	section("Missing locally", c.Missing)
	section("Only local", c.New)
	section("Ignored", c.Ignored)
	return strings.TrimRight(b.String(), "\n")
}

// DescribeOversize renders a trimmed upload for display.
func DescribeOversize(o Oversize) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s of files, limit is %s.\n", HumanBytes(o.Total), HumanBytes(o.Limit))
	fmt.Fprintf(&b, "%s\n", headingStyle.Render("Skipped to fit:"))
	for i, p := range o.Removed {
		if i == maxListed {
			fmt.Fprintf(&b, "  %s\n", pathStyle.Render(fmt.Sprintf("... and %d more", len(o.Removed)-maxListed)))
			break
		}
		fmt.Fprintf(&b, "  %s\n", pathStyle.Render(p))
	}
	fmt.Fprintf(&b, "Remaining: %d files, %s", o.Files, HumanBytes(o.Remaining))
	return b.String()
}

// HumanBytes formats n with a binary unit.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
