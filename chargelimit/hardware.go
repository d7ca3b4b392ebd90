package chargelimit

import "github.com/solar3s/chargelimit/smc"

// Hardware reads the charge limit currently applied by the controller.
type Hardware struct {
	Client *smc.Client
	Family Family
}

func NewHardware(c *smc.Client, f Family) *Hardware {
	return &Hardware{Client: c, Family: f}
}

// Observe reads the family key and returns it as a percentage.
func (h *Hardware) Observe() (int, error) {
	b, err := h.Client.Read(h.Family.Key())
	if err != nil {
		return 0, err
	}
	return Decode(h.Family, b), nil
}

// Available checks the controller exposes the family key.
func (h *Hardware) Available() error {
	return h.Client.Probe(h.Family.Key())
}
