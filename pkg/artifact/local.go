package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	log logrus.FieldLogger
	dir string
}

// NewLocalStore creates a Store rooted at a local directory.
func NewLocalStore(
	log logrus.FieldLogger, cfg *config.LocalStorageConfig,
) (Store, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact dir: %w", err)
	}

	return &localStore{
		log: log.WithField("component", "artifacts-local"),
		dir: dir,
	}, nil
}

// Put writes {dir}/{key}, creating parent directories.
func (s *localStore) Put(
	_ context.Context, key string, data []byte, _ string,
) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	p := filepath.Join(s.dir, filepath.FromSlash(cleaned))

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}

	if err := os.WriteFile(p, data, 0o644); err != nil { //nolint:gosec // artifacts are public
		return "", fmt.Errorf("writing artifact %s: %w", p, err)
	}

	s.log.WithField("path", p).Debug("Stored artifact")

	return cleaned, nil
}

// Get reads {dir}/{key}. Returns (nil, nil) when the file does not exist.
func (s *localStore) Get(_ context.Context, key string) ([]byte, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	p := filepath.Join(s.dir, filepath.FromSlash(cleaned))

	data, err := os.ReadFile(p) //nolint:gosec // key is cleaned above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading artifact %s: %w", p, err)
	}

	return data, nil
}
