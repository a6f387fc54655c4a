package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ralph-build/ralphd/internal/ralphtask"
)

// HeartbeatFile persists the daemon's latest tick summary to disk for
// operators polling outside the state store (a shell prompt, a liveness
// probe), using a tmp-file-then-rename write so a reader never observes a
// half-written file.
type HeartbeatFile struct {
	path string
	mu   sync.Mutex
}

// NewHeartbeatFile builds a HeartbeatFile writing to path.
func NewHeartbeatFile(path string) *HeartbeatFile {
	return &HeartbeatFile{path: path}
}

// Write atomically overwrites the heartbeat file with hb.
func (f *HeartbeatFile) Write(hb *ralphtask.DaemonHeartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return fmt.Errorf("heartbeat: marshal: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("heartbeat: write temp file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// Read loads the last-written heartbeat.
func (f *HeartbeatFile) Read() (*ralphtask.DaemonHeartbeat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var hb ralphtask.DaemonHeartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("heartbeat: parse: %w", err)
	}
	return &hb, nil
}
