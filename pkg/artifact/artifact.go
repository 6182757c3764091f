// Package artifact archives binary run artifacts such as browser-test
// screenshots in a local directory or an S3-compatible bucket.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrInvalidKey is returned for keys that would escape the artifact root.
var ErrInvalidKey = errors.New("invalid artifact key")

// Store writes and reads artifacts by slash separated key.
type Store interface {
	// Put stores data under key and returns a reference to it.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get reads the artifact at key. Returns (nil, nil) when it does not
	// exist.
	Get(ctx context.Context, key string) ([]byte, error)
}

// New returns the configured artifact store, or nil when no backend is
// enabled.
func New(log logrus.FieldLogger, cfg *config.ArtifactsConfig) (Store, error) {
	switch {
	case cfg.S3 != nil && cfg.S3.Enabled:
		return NewS3Store(log, cfg.S3), nil
	case cfg.Local != nil && cfg.Local.Enabled:
		return NewLocalStore(log, cfg.Local)
	default:
		return nil, nil
	}
}

// ScreenshotKey is the key of a run's screenshot with the given id.
func ScreenshotKey(runID, id string) string {
	return fmt.Sprintf("runs/%s/screenshots/%s.png", runID, id)
}

// cleanKey normalises a key and rejects traversal outside the root.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}

	cleaned := path.Clean("/" + key)
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == "" || cleaned == "." || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return cleaned, nil
}
