// Package privileged delegates controller writes to the smc-write helper
// through an elevation prompt.
package privileged

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/solar3s/chargelimit/smc"
)

// SuccessMarker is printed by the helper on a successful write.
const SuccessMarker = "OK"

// Gateway requests writes through the helper executable.
type Gateway struct {
	HelperPath string
	Elevator   Elevator
	// Timeout bounds the whole request, prompt included. Zero means none.
	Timeout time.Duration
	logger  *slog.Logger
}

func NewGateway(helperPath string, e Elevator, logger *slog.Logger) *Gateway {
	if e == nil {
		e = DefaultElevator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{HelperPath: helperPath, Elevator: e, logger: logger}
}

// RequestWrite asks the helper to write value to key. It blocks while
// the user is prompted; cancel ctx to abandon the prompt.
func (g *Gateway) RequestWrite(ctx context.Context, key smc.Key, value int) Result {
	argv := []string{g.HelperPath, key.String(), strconv.Itoa(value)}
	g.logger.Debug("requesting privileged write", "key", key.String(), "value", value)

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	out, err := g.Elevator.Run(ctx, argv)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Outcome: Failed, Message: "timed out waiting for the helper"}
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return Result{Outcome: Cancelled, Message: err.Error()}
		}
		var ee *ElevationError
		if errors.As(err, &ee) {
			if ee.Cancelled() {
				return Result{Outcome: Cancelled, Message: ee.Message}
			}
			return Result{Outcome: Failed, Message: ee.Message}
		}
		return Result{Outcome: Failed, Message: err.Error()}
	}
	if !hasMarker(out) {
		return Result{Outcome: Failed, Message: "helper did not confirm the write: " + strings.TrimSpace(out)}
	}
	return Result{Outcome: Success}
}

func hasMarker(out string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == SuccessMarker {
			return true
		}
	}
	return false
}
