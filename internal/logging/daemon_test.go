package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormatFileEntry(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	entry := []byte(`{"level":"warn","component":"watch","request":7,"dir":"/tmp","time":"x","message":"Files failed"}`)

	got := string(formatFileEntry(entry, now))
	want := "2024-03-01 12:30:45.000 [warn] watch: Files failed dir=\"/tmp\" request=7\n"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestFormatFileEntryDefaults(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

	got := string(formatFileEntry([]byte(`{"message":"hello"}`), now))
	if got != "2024-03-01 12:30:45.000 [info] daemon: hello\n" {
		t.Errorf("Unexpected entry: %q", got)
	}

	got = string(formatFileEntry([]byte("not json\n"), now))
	if !strings.HasSuffix(got, "daemon: not json\n") {
		t.Errorf("Expected raw text to be kept, got %q", got)
	}
}

func TestDaemonLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "thumblink.log")
	var console bytes.Buffer

	logger, writer := NewDaemonLogger(DaemonLogConfig{
		LogFile:    logFile,
		Console:    true,
		ConsoleOut: &console,
	})
	logger.Named("watch").Info().Int("files", 3).Msg("Queued batch")

	writer.SetFileLogging(false)
	logger.Info().Msg("console only")

	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "[info] watch: Queued batch files=3") {
		t.Errorf("Unexpected log file content: %q", string(data))
	}
	if strings.Contains(string(data), "console only") {
		t.Error("Expected file logging to be disabled")
	}
	if !strings.Contains(console.String(), "console only") {
		t.Errorf("Expected console output, got %q", console.String())
	}
}
