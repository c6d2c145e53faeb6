package api

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/artifact"
)

// ArtifactHandler serves offloaded payloads under /artifacts/
type ArtifactHandler struct {
	store  *artifact.FileStore
	logger *zap.Logger
}

// NewArtifactHandler creates an artifact handler
func NewArtifactHandler(store *artifact.FileStore, logger *zap.Logger) *ArtifactHandler {
	return &ArtifactHandler{store: store, logger: logger}
}

func (h *ArtifactHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/artifacts/")

	f, err := h.store.Open(key)
	switch {
	case errors.Is(err, artifact.ErrInvalidKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, fs.ErrNotExist):
		http.NotFound(w, r)
		return
	case err != nil:
		h.logger.Error("failed to open artifact", zap.String("key", key), zap.Error(err))
		http.Error(w, "failed to open artifact", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	mtype, err := mimetype.DetectReader(f)
	if err == nil {
		w.Header().Set("Content-Type", mtype.String())
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		http.Error(w, "failed to read artifact", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
