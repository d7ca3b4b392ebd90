package privileged

import "fmt"

// Outcome of a privileged write request.
type Outcome int

const (
	Success   Outcome = Outcome(iota)
	Cancelled Outcome = Outcome(iota) // user declined the elevation prompt
	Failed    Outcome = Outcome(iota) // helper ran and reported an error
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "Success"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	for _, v := range []Outcome{Success, Cancelled, Failed} {
		if v.String() == string(b) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("cannot unmarshal %q to Outcome", b)
}

// Result is what a write request resolved to. Message is set on Failed,
// and may carry the elevation mechanism's text on Cancelled.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message,omitempty"`
}

func (r Result) String() string {
	if r.Message == "" {
		return r.Outcome.String()
	}
	return fmt.Sprintf("%s: %s", r.Outcome, r.Message)
}
