package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"python3", "python3"},
		{"/tmp/brm/navigate.py", "/tmp/brm/navigate.py"},
		{"hello world", "'hello world'"},
		{"it's", `'it'"'"'s'`},
		{"$(rm -rf /)", "'$(rm -rf /)'"},
		{"`id`", "'`id`'"},
		{"a;b", "'a;b'"},
		{`{"url":"https://x"}`, `'{"url":"https://x"}'`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quote(tt.in), "Quote(%q)", tt.in)
	}
}

func TestStringForeground(t *testing.T) {
	cmd, err := New("python3", "/tmp/brm/click.py").JSONArg(map[string]string{
		"selector": `button[name='go']`,
	})
	require.NoError(t, err)

	assert.Equal(t,
		`python3 /tmp/brm/click.py '{"selector":"button[name='"'"'go'"'"']"}'`,
		cmd.String())
}

func TestStringBackground(t *testing.T) {
	cmd := New("python3", "/tmp/brm/launcher.py").
		WithEnv("PLAYWRIGHT_BROWSERS_PATH", "/ms-playwright").
		InDir("/workspace").
		LogTo("/tmp/brm/launcher.log").
		Detach()

	assert.Equal(t,
		"cd /workspace && nohup env PLAYWRIGHT_BROWSERS_PATH=/ms-playwright python3 /tmp/brm/launcher.py >/tmp/brm/launcher.log 2>&1 </dev/null & echo $!",
		cmd.String())
}

func TestStringBackgroundWithoutLog(t *testing.T) {
	cmd := New("sleep", "10").Detach()
	assert.Equal(t, "nohup sleep 10 >/dev/null 2>&1 </dev/null & echo $!", cmd.String())
}

func TestSeparateRedirects(t *testing.T) {
	cmd := &Command{Program: "tail", Args: []string{"-n", "5", "/tmp/a log"}, Stdout: "/tmp/out", Stderr: "/tmp/err"}
	assert.Equal(t, "tail -n 5 '/tmp/a log' >/tmp/out 2>/tmp/err", cmd.String())
}

func TestEnvOrderIsStable(t *testing.T) {
	cmd := New("true").WithEnv("B", "2").WithEnv("A", "1 1")
	assert.Equal(t, "env 'A=1 1' B=2 true", cmd.String())
}

func TestPipeline(t *testing.T) {
	got := Pipeline(New("mkdir", "-p", "/tmp/x"), New("cat", "/tmp/x/f"))
	assert.Equal(t, "mkdir -p /tmp/x && cat /tmp/x/f", got)
}

func TestKillMatching(t *testing.T) {
	assert.Equal(t, "pkill -f '[/]tmp/run/h1' || true", KillMatching("/tmp/run/h1"))
	assert.Equal(t, "pkill -f '' || true", KillMatching(""))
}
