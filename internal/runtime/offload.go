package runtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/artifact"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
)

// Artifact is a large payload moved out of the sandbox
type Artifact struct {
	File        string
	Size        int
	ContentType string
	// URL is empty when no store is configured, the caller gave no
	// session or organization, or the upload failed.
	URL   string
	Bytes []byte
}

// Offloader reads result files out of a sandbox and uploads them
type Offloader struct {
	store   artifact.Store
	baseURL string
	logger  *zap.Logger
	now     func() time.Time
}

// NewOffloader returns an offloader. A nil store disables uploads.
func NewOffloader(store artifact.Store, baseURL string, logger *zap.Logger) *Offloader {
	return &Offloader{
		store:   store,
		baseURL: baseURL,
		logger:  logger.Named("offload"),
		now:     time.Now,
	}
}

// Fetch reads file from the sandbox and uploads it when attribution is
// available. Read failures are returned; upload failures only clear the URL.
func (o *Offloader) Fetch(ctx context.Context, sb sandbox.Sandbox, file string, opts ActionOptions) (Artifact, error) {
	encoded, err := sb.ReadFile(ctx, file)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to read %s: %w", file, err)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to decode %s: %w", file, err)
	}

	a := Artifact{
		File:        file,
		Size:        len(data),
		ContentType: contentType(file, data),
		Bytes:       data,
	}
	a.URL = o.upload(ctx, a, opts)
	return a, nil
}

func (o *Offloader) upload(ctx context.Context, a Artifact, opts ActionOptions) string {
	if o == nil || o.store == nil || opts.OrganizationID == "" || opts.SessionID == "" {
		return ""
	}

	key := artifact.Key(opts.OrganizationID, opts.SessionID, path.Base(a.File), o.now())
	if err := o.store.Put(ctx, key, a.Bytes, a.ContentType); err != nil {
		o.logger.Warn("artifact upload failed",
			zap.String("file", a.File),
			zap.String("key", key),
			zap.Int("size", a.Size),
			zap.Error(err))
		return ""
	}

	o.logger.Debug("artifact uploaded", zap.String("key", key), zap.Int("size", a.Size))
	return artifact.URL(o.baseURL, key)
}

// contentType prefers the sniffed type. Text payloads sniff as plain text,
// so known text extensions keep their more specific type.
func contentType(file string, data []byte) string {
	detected := mimetype.Detect(data)
	if detected.Is("text/plain") {
		if byExt := extensionType(path.Ext(file)); byExt != "" {
			return byExt + "; charset=utf-8"
		}
	}
	return detected.String()
}

func extensionType(ext string) string {
	switch strings.ToLower(ext) {
	case ".md":
		return "text/markdown"
	case ".html", ".htm":
		return "text/html"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	}
	return ""
}
