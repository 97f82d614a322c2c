package cli

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rescale/thumblink/internal/daemon"
	"github.com/rescale/thumblink/internal/files"
)

func TestRetryFiles(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.png")
	other := filepath.Join(dir, "other.png")
	good := filepath.Join(dir, "good.png")

	uri := func(path string) string {
		u, err := files.FileURI(path)
		if err != nil {
			t.Fatalf("FileURI failed: %v", err)
		}
		return u
	}

	newState := func() *daemon.State {
		state := daemon.NewState("")
		now := time.Now()
		state.MarkFailed(uri(broken), now, 1, "unsupported")
		state.MarkFailed(uri(other), now, 2, "timeout")
		state.MarkThumbnailed(uri(good), now)
		return state
	}

	t.Run("single file", func(t *testing.T) {
		state := newState()
		cleared, err := retryFiles(state, false, []string{broken, good})
		if err != nil {
			t.Fatalf("retryFiles failed: %v", err)
		}
		if len(cleared) != 1 || cleared[0] != uri(broken) {
			t.Errorf("Expected only %s cleared, got %v", uri(broken), cleared)
		}
		if state.GetFailedCount() != 1 {
			t.Errorf("Expected 1 failed file left, got %d", state.GetFailedCount())
		}
		if state.GetThumbnailedCount() != 1 {
			t.Errorf("Expected thumbnailed file kept, got %d", state.GetThumbnailedCount())
		}
	})

	t.Run("all", func(t *testing.T) {
		state := newState()
		cleared, err := retryFiles(state, true, nil)
		if err != nil {
			t.Fatalf("retryFiles failed: %v", err)
		}
		if len(cleared) != 2 {
			t.Errorf("Expected 2 cleared files, got %v", cleared)
		}
		if state.GetFailedCount() != 0 {
			t.Errorf("Expected no failed files, got %d", state.GetFailedCount())
		}
	})
}

func TestWatchCmd(t *testing.T) {
	cmd := newWatchCmd()
	if cmd.Use != "watch" {
		t.Errorf("Expected Use='watch', got '%s'", cmd.Use)
	}

	expected := map[string][]string{
		"run":    {"recursive", "debounce", "hidden", "no-scan", "state-file", "log-file", "background"},
		"status": {"state-file"},
		"list":   {"state-file", "failed", "limit"},
		"retry":  {"state-file", "all"},
		"stop":   {"timeout"},
	}

	found := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		found[sub.Name()] = true
		for _, flag := range expected[sub.Name()] {
			if sub.Flags().Lookup(flag) == nil {
				t.Errorf("Expected --%s on 'watch %s'", flag, sub.Name())
			}
		}
	}
	for name := range expected {
		if !found[name] {
			t.Errorf("Subcommand '%s' not found", name)
		}
	}
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()
	AddCommands(root)

	for _, name := range []string{"supported", "check", "queue", "watch", "config", "completion"} {
		if sub, _, err := root.Find([]string{name}); err != nil || sub.Name() != name {
			t.Errorf("Expected command '%s' to be registered", name)
		}
	}

	for _, flag := range []string{"config", "bus", "verbose", "debug"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("Expected persistent flag --%s", flag)
		}
	}
}
