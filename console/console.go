// Package console provides the interactive command line for the charge
// limit controller.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/solar3s/chargelimit/chargelimit"
	"github.com/solar3s/chargelimit/reconcile"
)

// Controller is what the console drives, implemented by *reconcile.Manager.
type Controller interface {
	Snapshot() reconcile.Snapshot
	Subscribe() (<-chan reconcile.Snapshot, func())
	SetEnabled(ctx context.Context, enabled bool) error
	SetTarget(ctx context.Context, percent int) error
	Reset(ctx context.Context) error
	Refresh(ctx context.Context) error
	Settle(ctx context.Context) error
}

type Console struct {
	ctrl Controller
	rl   *readline.Instance
	out  io.Writer
}

func New(ctrl Controller) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "chargelimit> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("status"),
			readline.PcItem("steps"),
			readline.PcItem("enable"),
			readline.PcItem("disable"),
			readline.PcItem("set"),
			readline.PcItem("reset"),
			readline.PcItem("refresh"),
			readline.PcItem("wait"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{ctrl: ctrl, rl: rl, out: rl.Stdout()}, nil
}

// Stdout coordinates writes with the prompt. Use it for log output.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx is done. cancel is called
// when the user quits.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	go c.watch(ctx)
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
		if c.Execute(ctx, line) {
			cancel()
			return
		}
	}
}

// Execute runs a single command line. It returns true on quit.
func (c *Console) Execute(ctx context.Context, line string) (quit bool) {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status", "s":
		c.cmdStatus()
	case "steps":
		c.cmdSteps()
	case "enable", "on":
		err = c.ctrl.SetEnabled(ctx, true)
	case "disable", "off":
		err = c.ctrl.SetEnabled(ctx, false)
	case "set":
		err = c.cmdSet(ctx, args)
	case "reset":
		err = c.ctrl.Reset(ctx)
	case "refresh", "r":
		err = c.ctrl.Refresh(ctx)
	case "wait", "w":
		err = c.cmdWait(ctx)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
		return false
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %s\n", err)
	}
	return false
}

func (c *Console) cmdSet(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: set <percent>")
	}
	p, err := strconv.Atoi(strings.TrimSuffix(args[0], "%"))
	if err != nil {
		return fmt.Errorf("invalid percent %q", args[0])
	}
	return c.ctrl.SetTarget(ctx, p)
}

func (c *Console) cmdWait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := c.ctrl.Settle(ctx); err != nil {
		return err
	}
	c.cmdStatus()
	return nil
}

func (c *Console) cmdStatus() {
	s := c.ctrl.Snapshot()
	fmt.Fprintf(c.out, "Family:      %s (%s)\n", s.Family, s.Family.Key())
	if !s.Available {
		fmt.Fprintln(c.out, "Available:   no")
	}
	limit := "off"
	if s.Intention.Enabled {
		limit = fmt.Sprintf("%d%%", s.Intention.TargetPercent)
	}
	fmt.Fprintf(c.out, "Limit:       %s\n", limit)
	if s.Observation > 0 {
		fmt.Fprintf(c.out, "Hardware:    %d%%\n", s.Observation)
	} else {
		fmt.Fprintln(c.out, "Hardware:    unknown")
	}
	fmt.Fprintf(c.out, "State:       %s\n", s.State)
	if s.Session != nil {
		fmt.Fprintf(c.out, "Writing:     %s=%d\n", s.Session.Key, s.Session.Value)
	}
	if s.Pending != nil {
		fmt.Fprintf(c.out, "Pending:     %+v\n", *s.Pending)
	}
	if s.LastResult != nil {
		fmt.Fprintf(c.out, "Last write:  %s\n", s.LastResult)
	}
	if s.LastError != "" {
		fmt.Fprintf(c.out, "Last error:  %s\n", s.LastError)
	}
}

func (c *Console) cmdSteps() {
	f := c.ctrl.Snapshot().Family
	steps := chargelimit.Steps(f)
	strs := make([]string, len(steps))
	for i, p := range steps {
		strs[i] = strconv.Itoa(p)
	}
	fmt.Fprintf(c.out, "%s: %s\n", f, strings.Join(strs, " "))
}

// watch prints state transitions as they happen.
func (c *Console) watch(ctx context.Context) {
	snaps, cancel := c.ctrl.Subscribe()
	defer cancel()

	last := c.ctrl.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			if line := describeTransition(last, s); line != "" {
				fmt.Fprintln(c.out, line)
			}
			last = s
		}
	}
}

func describeTransition(prev, cur reconcile.Snapshot) string {
	switch {
	case prev.State != cur.State:
		msg := fmt.Sprintf("[%s] %s -> %s", cur.Time.Format("15:04:05"), prev.State, cur.State)
		if cur.State == reconcile.Idle && cur.LastResult != nil {
			msg += fmt.Sprintf(" (%s, hardware %d%%)", cur.LastResult, cur.Observation)
		}
		return msg
	case prev.Observation != cur.Observation:
		return fmt.Sprintf("[%s] hardware %d%% -> %d%%", cur.Time.Format("15:04:05"), prev.Observation, cur.Observation)
	case prev.Available != cur.Available:
		return fmt.Sprintf("[%s] available: %t", cur.Time.Format("15:04:05"), cur.Available)
	}
	return ""
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Charge limit commands:
  status           - Show limit, hardware value and write state
  steps            - List selectable percentages
  enable           - Turn the charge limit on
  disable          - Turn the charge limit off
  set <percent>    - Change the target percentage
  reset            - Disable and write the unrestricted value
  refresh          - Re-read the hardware
  wait             - Wait for pending writes to finish
  help             - Show this help
  quit             - Exit`)
}
