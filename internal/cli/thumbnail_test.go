package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rescale/thumblink/internal/constants"
	"github.com/rescale/thumblink/internal/events"
	"github.com/rescale/thumblink/internal/files"
	"github.com/rescale/thumblink/internal/progress"
	"github.com/rescale/thumblink/internal/thumbnailer"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

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
	return &fakeService{calls: make(chan *queueCall, 4)}
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

func (s *fakeService) getDequeued() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.dequeued...)
}

func (s *fakeService) nextCall(t *testing.T) *queueCall {
	t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a Queue call")
		return nil
	}
}

// waiterFixture runs a thumbnailer on a fake service with one queued request.
type waiterFixture struct {
	svc     *fakeService
	tn      *thumbnailer.Thumbnailer
	signals chan thumbnailer.Signal
	runErr  chan error
	waiter  *requestWaiter
	queued  []*files.File
	call    *queueCall
}

func newWaiterFixture(t *testing.T, ctx context.Context, names ...string) *waiterFixture {
	t.Helper()

	bus := events.NewEventBus(constants.EventBusMaxBuffer)
	t.Cleanup(bus.Close)
	cache, err := files.NewCache(0, bus)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	fx := &waiterFixture{
		svc:     newFakeService(),
		signals: make(chan thumbnailer.Signal, 8),
		runErr:  make(chan error, 1),
	}
	fx.tn = thumbnailer.New(fx.svc, thumbnailer.CacheLookup(cache), thumbnailer.WithEventBus(bus))
	t.Cleanup(fx.tn.Close)
	go func() { fx.runErr <- fx.tn.Run(ctx, fx.signals) }()

	dir := t.TempDir()
	var paths []string
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, pngHeader, 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
		paths = append(paths, path)
	}

	fx.waiter = newRequestWaiter(fx.tn, bus, progress.NewNoOpProgress())
	fs := collectFiles(cache, paths, &bytes.Buffer{})
	request, err := fx.tn.QueueFiles(asThumbnailerFiles(fs))
	if err != nil {
		t.Fatalf("QueueFiles failed: %v", err)
	}
	if request == 0 {
		t.Fatal("Expected a request id")
	}
	fx.queued = loadingFiles(fs)
	fx.waiter.track(request, fx.queued)
	fx.call = fx.svc.nextCall(t)
	return fx
}

func TestPrintSupported(t *testing.T) {
	var buf bytes.Buffer
	printSupported(&buf, []string{"file", "file"}, []string{"image/png", "image/jpeg"})

	out := buf.String()
	if !strings.Contains(out, "file       image/jpeg") {
		t.Errorf("Expected aligned row, got:\n%s", out)
	}
	if !strings.Contains(out, "2 supported combination(s)") {
		t.Errorf("Expected count line, got:\n%s", out)
	}
}

func TestPrintFileStates(t *testing.T) {
	ready := files.NewFile("file:///photos/a.png", "image/png")
	ready.SetThumbState(files.ThumbReady)
	failed := files.NewFile("file:///photos/b.png", "image/png")
	pending := files.NewFile("sftp://host/c.png", "image/png")
	pending.SetThumbState(files.ThumbLoading)

	var buf bytes.Buffer
	n := printFileStates(&buf, []*files.File{ready, failed, pending})
	if n != 1 {
		t.Errorf("Expected 1 failed file, got %d", n)
	}

	want := "ready    /photos/a.png\nfailed   /photos/b.png\npending  sftp://host/c.png\n"
	if buf.String() != want {
		t.Errorf("Expected:\n%s\ngot:\n%s", want, buf.String())
	}
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.png")
	album := filepath.Join(dir, "album")
	empty := filepath.Join(dir, "empty")
	for _, d := range []string{album, empty} {
		if err := os.Mkdir(d, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", d, err)
		}
	}
	for _, path := range []string{good, filepath.Join(album, "b.png"), filepath.Join(album, ".c.png")} {
		if err := os.WriteFile(path, pngHeader, 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	cache, err := files.NewCache(0, nil)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	var errOut bytes.Buffer
	fs := collectFiles(cache, []string{good, album, empty, filepath.Join(dir, "missing.png")}, &errOut)

	if len(fs) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(fs))
	}
	if fs[0].Path() != good {
		t.Errorf("Expected %s, got %s", good, fs[0].Path())
	}
	if fs[1].Path() != filepath.Join(album, "b.png") {
		t.Errorf("Expected album/b.png, got %s", fs[1].Path())
	}
	if fs[0].ContentType() != "image/png" {
		t.Errorf("Expected image/png, got %s", fs[0].ContentType())
	}
	if !strings.Contains(errOut.String(), "no files") {
		t.Errorf("Expected empty directory to be reported, got:\n%s", errOut.String())
	}
	if strings.Count(errOut.String(), "Skipping") != 2 {
		t.Errorf("Expected 2 skipped paths, got:\n%s", errOut.String())
	}
}

func TestRequestWaiterWaitsForResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newWaiterFixture(t, ctx, "a.png", "b.png")
	if len(fx.queued) != 2 {
		t.Fatalf("Expected 2 queued files, got %d", len(fx.queued))
	}

	fx.call.done(7, nil)
	if err := fx.waiter.awaitHandle(ctx); err != nil {
		t.Fatalf("awaitHandle failed: %v", err)
	}

	fx.signals <- thumbnailer.Signal{Kind: thumbnailer.SignalStarted, Handle: 7}
	fx.signals <- thumbnailer.Signal{Kind: thumbnailer.SignalReady, Handle: 7, URIs: fx.call.uris[:1]}
	fx.signals <- thumbnailer.Signal{Kind: thumbnailer.SignalError, Handle: 7, URIs: fx.call.uris[1:], Code: 1, Message: "broken"}
	fx.signals <- thumbnailer.Signal{Kind: thumbnailer.SignalFinished, Handle: 7}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := fx.waiter.wait(waitCtx, fx.runErr); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	var buf bytes.Buffer
	if failed := printFileStates(&buf, fx.queued); failed != 1 {
		t.Errorf("Expected 1 failed file, got %d:\n%s", failed, buf.String())
	}
	if strings.Contains(buf.String(), "pending") {
		t.Errorf("Expected no pending files, got:\n%s", buf.String())
	}
	if fx.tn.IsPending(fx.waiter.request) {
		t.Error("Expected request to be finished")
	}
}

func TestRequestWaiterDequeuesOnTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newWaiterFixture(t, ctx, "a.png")
	fx.call.done(11, nil)
	if err := fx.waiter.awaitHandle(ctx); err != nil {
		t.Fatalf("awaitHandle failed: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer waitCancel()
	err := fx.waiter.wait(waitCtx, fx.runErr)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}

	dequeued := fx.svc.getDequeued()
	if len(dequeued) != 1 || dequeued[0] != 11 {
		t.Errorf("Expected handle 11 to be dequeued, got %v", dequeued)
	}
}

func TestRequestWaiterRejectedCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newWaiterFixture(t, ctx, "a.png")
	fx.call.done(0, errors.New("service busy"))

	if err := fx.waiter.awaitHandle(ctx); !errors.Is(err, errRequestRejected) {
		t.Errorf("Expected errRequestRejected, got %v", err)
	}
}

func TestRequestWaiterServiceGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newWaiterFixture(t, ctx, "a.png")
	fx.call.done(3, nil)
	close(fx.signals)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := fx.waiter.wait(waitCtx, fx.runErr); !errors.Is(err, errServiceGone) {
		t.Errorf("Expected errServiceGone, got %v", err)
	}
}
