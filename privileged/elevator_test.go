package privileged

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellJoin(t *testing.T) {
	assert.Equal(t, `'/usr/local/bin/smc-write' 'BCLM' '65'`,
		ShellJoin([]string{"/usr/local/bin/smc-write", "BCLM", "65"}))
	assert.Equal(t, `'/Applications/It'\''s Here/smc-write'`,
		ShellJoin([]string{"/Applications/It's Here/smc-write"}))
}

func TestScript(t *testing.T) {
	got := Script([]string{`/tmp/a "b"/smc-write`, "CHWA", "0"})
	assert.Equal(t,
		`do shell script "'/tmp/a \"b\"/smc-write' 'CHWA' '0'" with administrator privileges`,
		got)
}

func TestParseScriptError(t *testing.T) {
	tests := []struct {
		stderr  string
		code    int
		message string
	}{
		{"0:120: execution error: User canceled. (-128)\n", -128, "User canceled."},
		{"0:120: execution error: Error: SMC write failed (code 5) (3)", 3, "Error: SMC write failed (code 5)"},
		{"something else entirely", 1, "something else entirely"},
	}
	for _, tt := range tests {
		e := ParseScriptError(tt.stderr)
		assert.Equal(t, tt.code, e.Code, tt.stderr)
		assert.Equal(t, tt.message, e.Message, tt.stderr)
	}
	assert.True(t, ParseScriptError("execution error: User canceled. (-128)").Cancelled())
}

func TestDirectElevator(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh in PATH")
	}

	out, err := DirectElevator{}.Run(context.Background(), []string{sh, "-c", "echo OK"})
	require.NoError(t, err)
	assert.Equal(t, "OK\n", out)

	_, err = DirectElevator{}.Run(context.Background(), []string{sh, "-c", "echo nope >&2; exit 3"})
	var ee *ElevationError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Code)
	assert.Equal(t, "nope", ee.Message)

	_, err = DirectElevator{}.Run(context.Background(), nil)
	assert.Error(t, err)
}
