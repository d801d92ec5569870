package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/config"
	"github.com/agentloop/agentloop/internal/engine"
	"github.com/agentloop/agentloop/internal/state"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	interruptedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("226"))

	stuckStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// statusCmd shows the persisted run state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the current run",
	Long: `Show every item of the persisted run with its status and attempt
count. Items left in running state by a hard kill are flagged; such a
run cannot continue until it is reset.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

// resetCmd discards the persisted run state
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the current run state",
	Long: `Discard the persisted run state so the next run starts from scratch.
Required after the task list changes or after a hard kill leaves items
stuck in running state. Captured logs are kept.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store := state.NewStore(statePath(cfg), zap.NewNop())
	run, err := store.LoadAny()
	if err != nil {
		if errors.Is(err, state.ErrNoRun) {
			fmt.Fprintln(cmd.OutOrStdout(), "no run in progress")
			return nil
		}
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), renderStatus(run))
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store := state.NewStore(statePath(cfg), zap.NewNop())
	if err := store.Reset(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "run state cleared")
	return nil
}

func renderStatus(run *state.RunState) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("run "+run.RunID) + "\n")
	b.WriteString(dimStyle.Render("started "+run.StartedAt.Format(time.RFC3339)) + "\n\n")

	for i, item := range run.Items {
		fmt.Fprintf(&b, "%3d  %-22s  %-24s  %s\n",
			i+1,
			statusLabel(item),
			truncate(item.Group, 24),
			truncate(item.Text, 60))
	}

	if stuck := run.StuckRunning(); len(stuck) > 0 {
		b.WriteString("\n")
		b.WriteString(stuckStyle.Render(fmt.Sprintf(
			"warning: items %v are stuck in running state after a hard kill; "+
				"run 'agentloop reset' before continuing", itemNumbers(stuck))))
		b.WriteString("\n")
	}
	return b.String()
}

// statusLabel renders a fixed-width colored status cell. Restyling
// after padding keeps the columns aligned: ANSI escapes confuse %-*s.
func statusLabel(item state.Item) string {
	text := string(item.Status)
	if item.Attempts > 1 {
		text = fmt.Sprintf("%s (%d tries)", item.Status, item.Attempts)
	}
	padded := fmt.Sprintf("%-22s", text)
	switch item.Status {
	case state.StatusCompleted:
		return completedStyle.Render(padded)
	case state.StatusFailed:
		return failedStyle.Render(padded)
	case state.StatusInterrupted:
		return interruptedStyle.Render(padded)
	case state.StatusRunning:
		return stuckStyle.Render(padded)
	default:
		return dimStyle.Render(padded)
	}
}

func renderSummary(sum *engine.Summary, run *state.RunState) string {
	var b strings.Builder
	b.WriteString("\n")
	if sum.Interrupted {
		b.WriteString(interruptedStyle.Render("run interrupted") + "\n")
	} else {
		b.WriteString(headerStyle.Render("run complete") + "\n")
	}
	fmt.Fprintf(&b, "%d completed, %d failed, %d skipped\n",
		sum.Completed, sum.Failed, sum.Skipped)

	var failed []state.Item
	if run != nil {
		for _, item := range run.Items {
			if item.Status == state.StatusFailed {
				failed = append(failed, item)
			}
		}
	}
	if len(failed) > 0 {
		b.WriteString("\n" + failedStyle.Render("failed items:") + "\n")
		for _, item := range failed {
			fmt.Fprintf(&b, "  [%s] %s\n", item.Group, item.Text)
			if item.LogRef != "" {
				b.WriteString(dimStyle.Render("      log: "+item.LogRef) + "\n")
			}
		}
	}
	return b.String()
}

// truncate shortens s to n runes. Cutting on rune boundaries keeps
// multibyte group and item text from being split mid-character.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
