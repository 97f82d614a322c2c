package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rescale/thumblink/internal/config"
	"github.com/rescale/thumblink/internal/constants"
	"github.com/rescale/thumblink/internal/events"
	"github.com/rescale/thumblink/internal/files"
	"github.com/rescale/thumblink/internal/thumbnailer"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

// queueCall is one Queue call seen by fakeService.
type queueCall struct {
	uris []string
	done func(handle uint32, err error)
}

func (c *queueCall) Cancel() {}

type fakeService struct {
	mu       sync.Mutex
	calls    chan *queueCall
	dequeued []uint32
}

func newFakeService() *fakeService {
	return &fakeService{calls: make(chan *queueCall, 16)}
}

func (s *fakeService) Queue(uris, mimeHints []string, flavor, scheduler string, unqueue uint32, done func(uint32, error)) thumbnailer.PendingCall {
	c := &queueCall{uris: append([]string(nil), uris...), done: done}
	s.calls <- c
	return c
}

func (s *fakeService) Dequeue(handle uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeued = append(s.dequeued, handle)
}

func (s *fakeService) GetSupported() ([]string, []string, error) {
	return []string{"file"}, []string{"image/png"}, nil
}

func (s *fakeService) nextCall(t *testing.T) *queueCall {
	t.Helper()
	select {
	case c := <-s.calls:
		sort.Strings(c.uris)
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a Queue call")
		return nil
	}
}

func (s *fakeService) expectNoCall(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case c := <-s.calls:
		t.Errorf("Expected no Queue call, got %v", c.uris)
	case <-time.After(wait):
	}
}

type testDaemon struct {
	*Daemon
	bus     *events.EventBus
	svc     *fakeService
	signals chan thumbnailer.Signal
	cancel  context.CancelFunc
	errCh   chan error
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, pngHeader, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func fileURI(t *testing.T, path string) string {
	t.Helper()
	uri, err := files.FileURI(path)
	if err != nil {
		t.Fatalf("FileURI failed: %v", err)
	}
	return uri
}

func newTestDaemon(t *testing.T, cfg *Config) *testDaemon {
	t.Helper()

	bus := events.NewEventBus(constants.EventBusMaxBuffer)
	t.Cleanup(bus.Close)

	cache, err := files.NewCache(0, bus)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	svc := newFakeService()
	tn := thumbnailer.New(svc, thumbnailer.CacheLookup(cache), thumbnailer.WithEventBus(bus))

	if cfg.Debounce == 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	d, err := New(cfg, tn, cache, bus, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return &testDaemon{Daemon: d, bus: bus, svc: svc, signals: make(chan thumbnailer.Signal, 16)}
}

func (td *testDaemon) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	td.cancel = cancel
	td.errCh = make(chan error, 1)
	go func() { td.errCh <- td.Run(ctx, td.signals) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-td.errCh:
		case <-time.After(5 * time.Second):
			t.Error("Timed out waiting for the daemon to stop")
		}
	})
}

// finish completes a Queue call with handle and reports every URI but the
// failed ones as ready.
func (td *testDaemon) finish(c *queueCall, handle uint32, failed ...string) {
	c.done(handle, nil)

	var ready []string
	for _, uri := range c.uris {
		isFailed := false
		for _, f := range failed {
			if f == uri {
				isFailed = true
			}
		}
		if !isFailed {
			ready = append(ready, uri)
		}
	}

	td.signals <- thumbnailer.Signal{Kind: thumbnailer.SignalStarted, Handle: handle}
	if len(ready) > 0 {
		td.signals <- thumbnailer.Signal{Kind: thumbnailer.SignalReady, Handle: handle, URIs: ready}
	}
	if len(failed) > 0 {
		td.signals <- thumbnailer.Signal{Kind: thumbnailer.SignalError, Handle: handle, URIs: failed, Code: 1, Message: "unsupported content"}
	}
	td.signals <- thumbnailer.Signal{Kind: thumbnailer.SignalFinished, Handle: handle}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestConfigFrom(t *testing.T) {
	cfg := config.NewConfig()
	cfg.SetWatchDirectories([]string{"/a", "/b"})
	cfg.Watch.Recursive = true
	cfg.Watch.DebounceMs = 250
	cfg.Watch.ScanExisting = false

	dc := ConfigFrom(cfg)
	if len(dc.Directories) != 2 || dc.Directories[1] != "/b" {
		t.Errorf("Expected directories [/a /b], got %v", dc.Directories)
	}
	if !dc.Recursive {
		t.Error("Expected recursive to be copied")
	}
	if dc.Debounce != 250*time.Millisecond {
		t.Errorf("Expected 250ms debounce, got %v", dc.Debounce)
	}
	if dc.ScanExisting {
		t.Error("Expected scan_existing to be copied")
	}
}

func TestNewRequiresComponents(t *testing.T) {
	if _, err := New(&Config{}, nil, nil, nil, nil, nil); err == nil {
		t.Error("Expected an error without a thumbnailer")
	}
}

func TestRunMissingDirectory(t *testing.T) {
	td := newTestDaemon(t, &Config{
		Directories: []string{filepath.Join(t.TempDir(), "missing")},
	})

	err := td.Run(context.Background(), td.signals)
	if err == nil || !strings.Contains(err.Error(), "cannot watch") {
		t.Errorf("Expected a watch error, got %v", err)
	}
	if td.IsRunning() {
		t.Error("Expected the daemon not to be running")
	}
}

func TestScanExistingQueuesSupportedFiles(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"))
	writePNG(t, filepath.Join(dir, "b.png"))
	writePNG(t, filepath.Join(dir, ".hidden.png"))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	td := newTestDaemon(t, &Config{
		Directories:  []string{dir},
		ScanExisting: true,
		StateFile:    filepath.Join(t.TempDir(), "state.json"),
	})
	td.start(t)

	call := td.svc.nextCall(t)
	want := []string{fileURI(t, filepath.Join(dir, "a.png")), fileURI(t, filepath.Join(dir, "b.png"))}
	if len(call.uris) != 2 || call.uris[0] != want[0] || call.uris[1] != want[1] {
		t.Fatalf("Expected %v, got %v", want, call.uris)
	}

	td.finish(call, 11, want[1])

	waitFor(t, "batch to finish", func() bool {
		return td.State().GetThumbnailedCount() == 1 && td.State().GetFailedCount() == 1
	})

	failed := td.State().GetFailedFiles()
	if failed[0].URI != want[1] || failed[0].Code != 1 || failed[0].Error != "unsupported content" {
		t.Errorf("Unexpected failure record: %+v", failed[0])
	}

	status := td.GetStatus()
	if !status.Running {
		t.Error("Expected status to report running")
	}
	if status.Queued != 2 || status.Thumbnailed != 1 || status.Failed != 1 {
		t.Errorf("Expected 2 queued, 1 thumbnailed, 1 failed; got %d, %d, %d",
			status.Queued, status.Thumbnailed, status.Failed)
	}
	if status.Batches != 0 {
		t.Errorf("Expected no batches in flight, got %d", status.Batches)
	}
	if status.LastScan.IsZero() {
		t.Error("Expected the initial scan to be recorded")
	}
}

func TestResultsRecordedWithoutEventDelivery(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"))
	writePNG(t, filepath.Join(dir, "b.png"))
	writePNG(t, filepath.Join(dir, "c.png"))

	td := newTestDaemon(t, &Config{
		Directories:  []string{dir},
		ScanExisting: true,
		StateFile:    filepath.Join(t.TempDir(), "state.json"),
	})
	// A closed bus loses every event, like a subscriber whose buffer is full.
	td.bus.Close()
	td.start(t)

	call := td.svc.nextCall(t)
	if len(call.uris) != 3 {
		t.Fatalf("Expected 3 files, got %v", call.uris)
	}
	td.finish(call, 31, call.uris[0], call.uris[2])

	waitFor(t, "results to be recorded", func() bool {
		return td.State().GetThumbnailedCount() == 1 && td.State().GetFailedCount() == 2
	})

	status := td.GetStatus()
	if status.Batches != 0 {
		t.Errorf("Expected no batches in flight, got %d", status.Batches)
	}
	if status.Thumbnailed != 1 || status.Failed != 2 {
		t.Errorf("Expected 1 thumbnailed and 2 failed, got %d and %d", status.Thumbnailed, status.Failed)
	}
	if dropped := td.bus.GetDroppedEventCount(); dropped != 0 {
		t.Errorf("Expected a closed bus to ignore events, got %d dropped", dropped)
	}
}

func TestScanSkipsProcessedFiles(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(t.TempDir(), "state.json")
	path := filepath.Join(dir, "a.png")
	writePNG(t, path)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	state := NewState(stateFile)
	state.MarkThumbnailed(fileURI(t, path), info.ModTime())
	if err := state.Save(); err != nil {
		t.Fatal(err)
	}

	td := newTestDaemon(t, &Config{
		Directories:  []string{dir},
		ScanExisting: true,
		StateFile:    stateFile,
	})
	td.start(t)

	td.svc.expectNoCall(t, 300*time.Millisecond)
}

func TestNewFilesAreDebouncedIntoOneBatch(t *testing.T) {
	dir := t.TempDir()

	td := newTestDaemon(t, &Config{
		Directories: []string{dir},
		Debounce:    200 * time.Millisecond,
	})
	td.start(t)
	waitFor(t, "daemon to start", td.IsRunning)

	for _, name := range []string{"1.png", "2.png", "3.png"} {
		writePNG(t, filepath.Join(dir, name))
	}

	call := td.svc.nextCall(t)
	if len(call.uris) != 3 {
		t.Errorf("Expected one batch of 3 files, got %v", call.uris)
	}
	td.svc.expectNoCall(t, 400*time.Millisecond)
}

func TestRecursiveWatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()

	td := newTestDaemon(t, &Config{
		Directories: []string{dir},
		Recursive:   true,
	})
	td.start(t)
	waitFor(t, "daemon to start", td.IsRunning)

	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher time to pick up the new directory.
	time.Sleep(200 * time.Millisecond)
	writePNG(t, filepath.Join(sub, "deep.png"))

	call := td.svc.nextCall(t)
	if len(call.uris) != 1 || call.uris[0] != fileURI(t, filepath.Join(sub, "deep.png")) {
		t.Errorf("Expected deep.png to be queued, got %v", call.uris)
	}
}

func TestRemovedFileDequeuesEmptyBatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	writePNG(t, path)

	td := newTestDaemon(t, &Config{
		Directories:  []string{dir},
		ScanExisting: true,
	})
	td.start(t)

	call := td.svc.nextCall(t)
	call.done(21, nil)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "remote dequeue", func() bool {
		td.svc.mu.Lock()
		defer td.svc.mu.Unlock()
		return len(td.svc.dequeued) == 1 && td.svc.dequeued[0] == 21
	})
	if td.GetStatus().Batches != 0 {
		t.Error("Expected the empty batch to be dropped")
	}
}

func TestSweepDropsOrphanedBatches(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"))

	td := newTestDaemon(t, &Config{
		Directories:  []string{dir},
		ScanExisting: true,
	})
	td.start(t)

	call := td.svc.nextCall(t)
	if n := td.sweepBatches(0); n != 0 {
		t.Errorf("Expected a pending batch to survive the sweep, swept %d", n)
	}

	call.done(0, errors.New("no reply"))

	waitFor(t, "orphan to be swept", func() bool {
		return td.sweepBatches(0) == 1
	})
	if td.GetStatus().Batches != 0 {
		t.Error("Expected no batches after the sweep")
	}
}

func TestServiceLost(t *testing.T) {
	td := newTestDaemon(t, &Config{Directories: []string{t.TempDir()}})

	errCh := make(chan error, 1)
	go func() { errCh <- td.Run(context.Background(), td.signals) }()
	waitFor(t, "daemon to start", td.IsRunning)

	close(td.signals)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrServiceLost) {
			t.Errorf("Expected ErrServiceLost, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Run to return")
	}
}

func TestStop(t *testing.T) {
	td := newTestDaemon(t, &Config{Directories: []string{t.TempDir()}})

	errCh := make(chan error, 1)
	go func() { errCh <- td.Run(context.Background(), td.signals) }()
	waitFor(t, "daemon to start", td.IsRunning)

	td.Stop()
	td.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected nil error after Stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Run to return")
	}
	if td.IsRunning() {
		t.Error("Expected the daemon to be stopped")
	}
}

func TestWriteStatus(t *testing.T) {
	state := NewState("")
	state.MarkThumbnailed("file:///a.png", time.Now())
	state.MarkFailed("file:///b.png", time.Now(), 1, "error")

	var b strings.Builder
	StatusFromState(state, &Config{Directories: []string{"/photos"}}, 4242).WriteStatus(&b)
	out := b.String()

	for _, want := range []string{"Running: Yes (PID 4242)", "Last Scan: Never", "Directories: /photos", "Thumbnailed: 1", "Failed: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in status output:\n%s", want, out)
		}
	}
}
