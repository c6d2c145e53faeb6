package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type closer struct {
	closed int
	err    error
}

func (c *closer) Close() error {
	c.closed++
	return c.err
}

func TestRegistryServerPort(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	_, ok := r.ServerPort("h1")
	assert.False(t, ok)

	r.SetServerPort("h1", 8888)
	port, ok := r.ServerPort("h1")
	assert.True(t, ok)
	assert.Equal(t, 8888, port)

	_, ok = r.ServerPort("h2")
	assert.False(t, ok, "entries are per handle")

	r.ClearServerPort("h1")
	_, ok = r.ServerPort("h1")
	assert.False(t, ok)
}

func TestRegistryScripts(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	assert.False(t, r.ScriptInstalled("h1", "navigate", "d1"))
	r.MarkScript("h1", "navigate", "d1")
	assert.True(t, r.ScriptInstalled("h1", "navigate", "d1"))
	assert.False(t, r.ScriptInstalled("h1", "navigate", "d2"))
}

func TestRegistryAttachmentsClosed(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	first := &closer{}
	second := &closer{err: errors.New("already closed")}
	r.SetAttachment("h1", "tab", first)
	r.SetAttachment("h1", "tab", second)
	assert.Equal(t, 1, first.closed, "replaced attachments are closed")

	v, ok := r.Attachment("h1", "tab")
	assert.True(t, ok)
	assert.Same(t, second, v)

	r.SetAttachment("h1", "plain", "not a closer")
	r.Forget("h1")
	assert.Equal(t, 1, second.closed)
	assert.Equal(t, 0, r.Len())

	_, ok = r.Attachment("h1", "tab")
	assert.False(t, ok)

	r.Forget("h1")
}

func TestRegistryDropAttachment(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	c := &closer{}
	r.SetAttachment("h1", "tab", c)

	r.DropAttachment("h1", "tab")
	r.DropAttachment("h1", "tab")
	r.DropAttachment("missing", "tab")

	assert.Equal(t, 1, c.closed)
}
