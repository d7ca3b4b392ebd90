// Package helper implements smc-write, the minimal privileged program
// that writes one charge limit key. It validates its arguments on its
// own since it may be run directly by an operator.
package helper

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/solar3s/chargelimit/smc"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitUsage    = 1
	ExitDriver   = 2
	ExitRejected = 3
)

const usage = `Usage: smc-write <KEY> <VALUE>
  KEY:   BCLM (value 20-100) or CHWA (value 0 or 1)
  VALUE: Integer value to write
`

// Request is a validated write.
type Request struct {
	Key   smc.Key
	Value int
}

// ParseArgs validates KEY and VALUE.
func ParseArgs(args []string) (Request, error) {
	if len(args) != 2 {
		return Request{}, errors.New("expected exactly 2 arguments")
	}
	name := strings.ToUpper(args[0])
	value, err := strconv.Atoi(args[1])
	if err != nil {
		return Request{}, errors.New("VALUE must be an integer")
	}
	key, ok := smc.LookupKey(name)
	if !ok {
		return Request{}, errors.New("KEY must be BCLM or CHWA")
	}
	switch key {
	case smc.KeyBCLM:
		if value < 20 || value > 100 {
			return Request{}, errors.New("BCLM value must be 20-100")
		}
	case smc.KeyCHWA:
		if value != 0 && value != 1 {
			return Request{}, errors.New("CHWA value must be 0 or 1")
		}
	}
	return Request{Key: key, Value: value}, nil
}

// Run executes smc-write with args (program name excluded) and returns
// the process exit code.
func Run(args []string, stdout, stderr io.Writer, client *smc.Client) int {
	req, err := ParseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", err)
		fmt.Fprint(stderr, usage)
		return ExitUsage
	}

	conn, err := client.Open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", err)
		return ExitDriver
	}
	defer conn.Close()

	err = conn.WriteKey(req.Key, []byte{byte(req.Value)})
	switch {
	case err == nil:
	case errors.Is(err, smc.ErrNotPrivileged):
		fmt.Fprintln(stderr, "Error: Root privileges required")
		return ExitRejected
	default:
		fmt.Fprintf(stderr, "Error: SMC write failed: %s\n", err)
		return ExitRejected
	}

	fmt.Fprintln(stdout, "OK")
	return ExitOK
}
