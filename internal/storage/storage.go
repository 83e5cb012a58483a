// Package storage opens the transcript store selected by configuration.
package storage

import (
	"fmt"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/config"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/storage/memory"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/storage/sqlite"
)

// Re-export storage interfaces and types from core/ports.
type (
	TranscriptStore = ports.TranscriptStore
	ListOptions     = ports.ListOptions
)

// ErrNotFound is returned for unknown transcript ids.
var ErrNotFound = ports.ErrTranscriptNotFound

// Open returns the store for cfg.Type. "none" and "" return a nil store,
// which disables recording.
func Open(cfg config.StorageConfig) (TranscriptStore, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return memory.New(), nil
	case "sqlite":
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
