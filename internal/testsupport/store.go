package testsupport

import (
	"fmt"
	"path/filepath"
	"testing"

	"encodeq/internal/config"
	"encodeq/internal/protocol"
	"encodeq/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg.QueueDBPath())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob returns a valid job whose paths live under the config's base dir.
func NewJob(cfg *config.Config, id string) protocol.Job {
	base := BaseDir(cfg)
	return protocol.Job{
		ID:              id,
		SourcePath:      filepath.Join(base, "media", fmt.Sprintf("%s.mkv", id)),
		Title:           1,
		DestinationPath: filepath.Join(base, "out"),
		Profile:         protocol.Profile{Name: "default"},
	}
}
