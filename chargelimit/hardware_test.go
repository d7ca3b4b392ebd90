package chargelimit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solar3s/chargelimit/chargelimit"
	"github.com/solar3s/chargelimit/smc"
	"github.com/solar3s/chargelimit/smc/smctest"
)

func TestHardwareObserve(t *testing.T) {
	d := smctest.NewDriver()
	d.Set(smc.KeyBCLM, 65)
	d.Set(smc.KeyCHWA, 1)
	c := smc.NewClient(d)

	p, err := chargelimit.NewHardware(c, chargelimit.RangeLimited).Observe()
	require.NoError(t, err)
	assert.Equal(t, 65, p)

	p, err = chargelimit.NewHardware(c, chargelimit.BinaryToggle).Observe()
	require.NoError(t, err)
	assert.Equal(t, 80, p)
}

func TestHardwareAvailable(t *testing.T) {
	d := smctest.NewDriver()
	h := chargelimit.NewHardware(smc.NewClient(d), chargelimit.BinaryToggle)
	assert.ErrorIs(t, h.Available(), smc.ErrKeyNotFound)

	d.Set(smc.KeyCHWA, 0)
	assert.NoError(t, h.Available())

	d.Unavailable = true
	assert.ErrorIs(t, h.Available(), smc.ErrDriverUnavailable)
}
