package ctxmgr

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestContextLifecycle(t *testing.T) {
	m, err := NewManager(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	c, err := m.CreateContext("proj1")
	require.NoError(t, err)
	assert.False(t, c.HasData)

	_, err = m.LoadState(c.ID)
	assert.ErrorIs(t, err, ErrNoData)

	state := json.RawMessage(`{"cookies":[{"name":"sid","value":"1"}],"origins":[]}`)
	require.NoError(t, m.SaveState(c.ID, state))

	got, err := m.GetContext(c.ID)
	require.NoError(t, err)
	assert.True(t, got.HasData)
	assert.False(t, got.UpdatedAt.Before(c.UpdatedAt))

	loaded, err := m.LoadState(c.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(state), string(loaded))

	require.NoError(t, m.DeleteContext(c.ID))
	_, err = m.GetContext(c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.DeleteContext(c.ID), ErrNotFound)
}

func TestStateIsCompressedOnDisk(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	c, err := m.CreateContext("proj1")
	require.NoError(t, err)

	big := `{"cookies":[],"pad":"` + strings.Repeat("abcdefgh", 2000) + `"}`
	require.NoError(t, m.SaveState(c.ID, json.RawMessage(big)))

	info, err := os.Stat(m.statePath(c.ID))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(big)/10))
}

func TestContextsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	first, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	saved, err := first.CreateContext("proj1")
	require.NoError(t, err)
	empty, err := first.CreateContext("proj1")
	require.NoError(t, err)
	require.NoError(t, first.SaveState(saved.ID, json.RawMessage(`{"cookies":[]}`)))

	second, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	state, err := second.LoadState(saved.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cookies":[]}`, string(state))

	_, err = second.LoadState(empty.ID)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestValidation(t *testing.T) {
	m, err := NewManager(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = m.CreateContext("")
	assert.Error(t, err)

	c, err := m.CreateContext("proj1")
	require.NoError(t, err)
	assert.Error(t, m.SaveState(c.ID, json.RawMessage(`{not json`)))
	assert.ErrorIs(t, m.SaveState("missing", json.RawMessage(`{}`)), ErrNotFound)
}
