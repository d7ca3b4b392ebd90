package reconcile

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/solar3s/chargelimit/chargelimit"
	"github.com/solar3s/chargelimit/privileged"
)

// State of the reconciliation machine.
type State int

const (
	Idle         State = State(iota)
	WritePending State = State(iota) // a privileged write is in flight
	Reverting    State = State(iota) // a write failed, re-reading hardware to resync
)

var stateNames = map[State]string{
	Idle:         "Idle",
	WritePending: "WritePending",
	Reverting:    "Reverting",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for k, v := range stateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("cannot unmarshal %q to State", b)
}

// origin tells the transition function who changed the intention.
type origin int

const (
	byUser origin = iota
	byReset
	byStartup
	byQueue
	byRevert
)

func (o origin) String() string {
	switch o {
	case byUser:
		return "user"
	case byReset:
		return "reset"
	case byStartup:
		return "startup"
	case byQueue:
		return "queued"
	case byRevert:
		return "revert"
	}
	return "unknown"
}

// Session is one in-flight privileged write.
type Session struct {
	ID        uuid.UUID             `json:"id"`
	Key       string                `json:"key"`
	Value     int                   `json:"value"`
	Intention chargelimit.Intention `json:"intention"`
	Started   time.Time             `json:"started"`

	// set once the session is resolved
	Ended       time.Time          `json:"ended,omitempty"`
	Result      *privileged.Result `json:"result,omitempty"`
	Observation int                `json:"observation,omitempty"`

	// previous is the intention persisted before this session, used to
	// revert when the hardware can't be read back.
	previous chargelimit.Intention
}

// Snapshot is a copy of everything the machine exposes.
type Snapshot struct {
	Time        time.Time              `json:"time"`
	Family      chargelimit.Family     `json:"family"`
	Available   bool                   `json:"available"`
	State       State                  `json:"state"`
	Intention   chargelimit.Intention  `json:"intention"`
	Observation int                    `json:"observation"` // 0 until first successful read
	ObservedAt  time.Time              `json:"observedAt"`
	Session     *Session               `json:"session,omitempty"`
	Pending     *chargelimit.Intention `json:"pending,omitempty"`
	LastResult  *privileged.Result     `json:"lastResult,omitempty"`
	LastError   string                 `json:"lastError,omitempty"`
	Steps       []int                  `json:"steps"`
	History     []Session              `json:"history,omitempty"` // most recent last
}

// InFlight reports whether a write session is active.
func (s Snapshot) InFlight() bool {
	return s.Session != nil
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s state=%s intention=%+v observation=%d available=%t",
		s.Family, s.State, s.Intention, s.Observation, s.Available)
}
