package privileged

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// CodeUserCancelled is the AppleScript error number for a dismissed
// authorization dialog.
const CodeUserCancelled = -128

// Elevator runs a command line with administrator privileges and returns
// its standard output. A non-zero status is reported as *ElevationError.
type Elevator interface {
	Run(ctx context.Context, argv []string) (string, error)
}

// ElevationError is a failed elevated run. Code is either the elevation
// mechanism's error number or the command's exit status.
type ElevationError struct {
	Code    int
	Message string
}

func (e *ElevationError) Error() string {
	return fmt.Sprintf("elevated command failed (%d): %s", e.Code, e.Message)
}

// Cancelled reports whether the user declined the prompt.
func (e *ElevationError) Cancelled() bool {
	return e.Code == CodeUserCancelled
}

// DefaultElevator runs commands directly when already root, and through
// the system authorization prompt otherwise.
func DefaultElevator() Elevator {
	if os.Geteuid() == 0 {
		return DirectElevator{}
	}
	return AppleScriptElevator{}
}

// AppleScriptElevator goes through `do shell script ... with administrator
// privileges`, which shows the standard password dialog.
type AppleScriptElevator struct {
	// Osascript defaults to /usr/bin/osascript.
	Osascript string
}

func (e AppleScriptElevator) Run(ctx context.Context, argv []string) (string, error) {
	bin := e.Osascript
	if bin == "" {
		bin = "/usr/bin/osascript"
	}
	cmd := exec.CommandContext(ctx, bin, "-e", Script(argv))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", err
		}
		return stdout.String(), ParseScriptError(stderr.String())
	}
	return stdout.String(), nil
}

// Script builds the AppleScript source running argv as root.
func Script(argv []string) string {
	return fmt.Sprintf("do shell script %s with administrator privileges", appleScriptString(ShellJoin(argv)))
}

// ShellJoin single-quotes every argument for /bin/sh.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// osascript reports "<range>: execution error: <message> (<number>)".
var scriptErrorRe = regexp.MustCompile(`(?s)execution error: (.*) \((-?\d+)\)\s*$`)

// ParseScriptError extracts the error number and message from osascript's
// standard error. Unparseable output maps to code 1.
func ParseScriptError(stderr string) *ElevationError {
	stderr = strings.TrimSpace(stderr)
	m := scriptErrorRe.FindStringSubmatch(stderr)
	if m == nil {
		return &ElevationError{Code: 1, Message: stderr}
	}
	code, err := strconv.Atoi(m[2])
	if err != nil {
		return &ElevationError{Code: 1, Message: stderr}
	}
	return &ElevationError{Code: code, Message: strings.TrimSpace(m[1])}
}

// DirectElevator runs the command as is, for processes already running as root.
type DirectElevator struct{}

func (DirectElevator) Run(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("privileged: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &ElevationError{
				Code:    exitErr.ExitCode(),
				Message: strings.TrimSpace(stderr.String()),
			}
		}
		return "", err
	}
	return stdout.String(), nil
}
