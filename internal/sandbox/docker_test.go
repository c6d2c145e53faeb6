package sandbox

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewURLs(t *testing.T) {
	published := nat.PortMap{
		"9222/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "49153"}},
		"8888/tcp": []nat.PortBinding{},
	}

	previews := previewURLs("localhost", []int{9222, 8888, 7000}, published)

	assert.Equal(t, map[int]string{9222: "http://localhost:49153"}, previews)
}

func TestTarRoundTrip(t *testing.T) {
	archive, err := singleFileTar("launcher.py", []byte("print('hi')\n"))
	require.NoError(t, err)

	content, err := firstFileFromTar(archive)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(content))
}

func TestFirstFileFromTarEdges(t *testing.T) {
	_, err := firstFileFromTar(io.MultiReader())
	assert.ErrorIs(t, err, ErrNotFound)

	archive, err := singleFileTar("x", nil)
	require.NoError(t, err)
	content, err := firstFileFromTar(archive)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestExecResultCombined(t *testing.T) {
	assert.Equal(t, "out", ExecResult{Stdout: "out"}.Combined())
	assert.Equal(t, "err", ExecResult{Stderr: "err"}.Combined())
	assert.Equal(t, "out\nerr", ExecResult{Stdout: "out", Stderr: "err"}.Combined())
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcdefgh", shortID("abcdefghijkl"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestExecArgv(t *testing.T) {
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, execArgv("echo hi", 0))
	assert.Equal(t, []string{"timeout", "-s", "KILL", "3", "/bin/sh", "-c", "echo hi"}, execArgv("echo hi", 2500*time.Millisecond))
	assert.Equal(t, []string{"timeout", "-s", "KILL", "1", "/bin/sh", "-c", "x"}, execArgv("x", time.Millisecond))
}

func TestReadOutput(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = stdcopy.NewStdWriter(pw, stdcopy.Stdout).Write([]byte("hello"))
		_, _ = stdcopy.NewStdWriter(pw, stdcopy.Stderr).Write([]byte("warning"))
		pw.Close()
	}()

	stdout, stderr, err := readOutput(context.Background(), pr, pr)
	require.NoError(t, err)
	assert.Equal(t, "hello", stdout)
	assert.Equal(t, "warning", stderr)
}

func TestReadOutputTimeoutDrainsCopy(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = stdcopy.NewStdWriter(pw, stdcopy.Stdout).Write([]byte("partial"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stdout, _, err := readOutput(ctx, pr, pr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "partial", stdout)
}
