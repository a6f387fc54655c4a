package supervisor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStatusFileWriteRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	sf := NewStatusFile(path)

	status := Status{
		Timestamp: "2026-02-08T12:00:00Z",
		Repos: map[string]RepoStatus{
			"acme/widgets": {RecurrenceCount: 2, InCooldown: true, LastReason: "tool-watchdog"},
		},
		TotalRecurrenceWindow: 2,
	}

	if err := sf.Write(status); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("status file not created: %v", err)
	}

	got, err := sf.Read()
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}

	if got.TotalRecurrenceWindow != 2 {
		t.Errorf("TotalRecurrenceWindow = %d, want 2", got.TotalRecurrenceWindow)
	}
	repo, ok := got.Repos["acme/widgets"]
	if !ok {
		t.Fatal("missing acme/widgets repo status")
	}
	if !repo.InCooldown {
		t.Error("expected acme/widgets to be in cooldown")
	}
	if repo.LastReason != "tool-watchdog" {
		t.Errorf("LastReason = %q, want tool-watchdog", repo.LastReason)
	}
}

func TestStatusFileAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	sf := NewStatusFile(path)

	sf.Write(Status{TotalRecurrenceWindow: 1})
	sf.Write(Status{TotalRecurrenceWindow: 2})

	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Error("tmp file should not exist after atomic write")
	}

	got, _ := sf.Read()
	if got.TotalRecurrenceWindow != 2 {
		t.Errorf("TotalRecurrenceWindow = %d, want 2", got.TotalRecurrenceWindow)
	}
}
