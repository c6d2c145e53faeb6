package artifact

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	key := Key("org-1", "sess-1", "page.txt", now)

	parts := strings.Split(key, "/")
	require.Len(t, parts, 4)
	assert.Equal(t, "org-1", parts[0])
	assert.Equal(t, "browser", parts[1])
	assert.Equal(t, "sess-1", parts[2])
	assert.True(t, strings.HasPrefix(parts[3], "1700000000123_"))
	assert.True(t, strings.HasSuffix(parts[3], "_page.txt"))

	assert.NotEqual(t, key, Key("org-1", "sess-1", "page.txt", now), "random part must differ")
}

func TestKeySanitizesSegments(t *testing.T) {
	key := Key("a/b", "..", "../../etc/passwd", time.UnixMilli(1))

	assert.True(t, strings.HasPrefix(key, "a_b/browser/unknown/"))
	assert.NotContains(t, key, "..")
}

func TestURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080/artifacts/o/browser/s/1_x_a.png", URL("http://localhost:8080/", "o/browser/s/1_x_a.png"))
}

func TestFileStorePutOpen(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key := Key("org", "sess", "shot.png", time.Now())
	require.NoError(t, store.Put(context.Background(), key, []byte("png-bytes"), "image/png"))

	f, err := store.Open(key)
	require.NoError(t, err)
	defer f.Close()

	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(content))
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), "../outside", []byte("x"), "text/plain")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = store.Open("")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = store.Open("org/browser/missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
