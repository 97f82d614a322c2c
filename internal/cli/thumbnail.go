package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/thumblink/internal/config"
	"github.com/rescale/thumblink/internal/events"
	"github.com/rescale/thumblink/internal/files"
	"github.com/rescale/thumblink/internal/localfs"
	"github.com/rescale/thumblink/internal/pathutil"
	"github.com/rescale/thumblink/internal/progress"
	"github.com/rescale/thumblink/internal/thumbnailer"
)

var (
	errRequestRejected = errors.New("the thumbnail service did not accept the request")
	errServiceGone     = errors.New("thumbnail service connection lost")
)

// newSupportedCmd creates the 'supported' command.
func newSupportedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supported",
		Short: "List the URI schemes and MIME types the service can thumbnail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(cfg, GetLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			if !s.thumbnailer.HasService() {
				return thumbnailer.ErrNoService
			}

			schemes, types := s.thumbnailer.Supported()
			if len(schemes) == 0 {
				return fmt.Errorf("the thumbnail service reported no supported types")
			}

			printSupported(cmd.OutOrStdout(), schemes, types)
			return nil
		},
	}
}

func printSupported(w io.Writer, schemes, types []string) {
	fmt.Fprintf(w, "%-10s %s\n", "SCHEME", "MIME TYPE")
	for i := range schemes {
		fmt.Fprintf(w, "%-10s %s\n", schemes[i], types[i])
	}
	fmt.Fprintf(w, "\n%d supported combination(s)\n", len(schemes))
}

// newCheckCmd creates the 'check' command.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file> [file...]",
		Short: "Show whether files can be thumbnailed",
		Long: `Detect the content type of each file and check it against the types
supported by the thumbnail service. A directory stands for the files directly
inside it. Nothing is queued.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(cfg, GetLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			if !s.thumbnailer.HasService() {
				return thumbnailer.ErrNoService
			}

			out := cmd.OutOrStdout()
			fs := collectFiles(s.cache, args, cmd.ErrOrStderr())
			for _, f := range fs {
				supported := "no"
				if s.thumbnailer.IsSupported(f) {
					supported = "yes"
				}
				fmt.Fprintf(out, "%-4s %-32s %s\n", supported, f.ContentType(), displayPath(f))
			}
			return nil
		},
	}
}

// newQueueCmd creates the 'queue' command.
func newQueueCmd() *cobra.Command {
	var (
		wait      bool
		timeout   time.Duration
		flavor    string
		scheduler string
	)

	cmd := &cobra.Command{
		Use:   "queue <file> [file...]",
		Short: "Request thumbnails for files",
		Long: `Queue the supported files as one request to the thumbnail service. A
directory stands for the files directly inside it.

Without --wait the command returns once the service accepted the request and
the thumbnails are generated in the background. With --wait it shows progress
until the service reports the request finished, then prints the result for
each file. Interrupting a waiting command dequeues the request.

Examples:
  thumblink queue ~/Pictures/*.jpg
  thumblink queue --wait --flavor large photo.png
  thumblink queue --wait --timeout 30s --scheduler background *.pdf`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flavor != "" {
				cfg.Service.Flavor = flavor
			}
			if scheduler != "" {
				cfg.Service.Scheduler = scheduler
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid option: %w", err)
			}

			return runQueue(GetContext(), cfg, args, wait, timeout, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the thumbnails are generated")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up waiting after this long (0 = no limit)")
	cmd.Flags().StringVar(&flavor, "flavor", "", "Thumbnail size: normal, large, x-large, xx-large (overrides config)")
	cmd.Flags().StringVar(&scheduler, "scheduler", "", "Service scheduler: foreground, background, default (overrides config)")

	return cmd
}

func runQueue(ctx context.Context, cfg *config.Config, paths []string, wait bool, timeout time.Duration, out, errOut io.Writer) error {
	logger := GetLogger()

	s, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	if !s.thumbnailer.HasService() {
		s.Close()
		return thumbnailer.ErrNoService
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.thumbnailer.Run(ctx, s.signals()) }()

	reporter := progress.NewReporter(os.Stderr)
	if !wait {
		reporter = progress.NewNoOpProgress()
	}
	waiter := newRequestWaiter(s.thumbnailer, s.eventBus, reporter)

	fs := collectFiles(s.cache, paths, errOut)
	request, err := s.thumbnailer.QueueFiles(asThumbnailerFiles(fs))
	if err != nil {
		s.Close()
		return err
	}
	if request == 0 {
		s.Close()
		fmt.Fprintln(out, "None of the files can be thumbnailed.")
		return nil
	}

	queued := loadingFiles(fs)
	waiter.track(request, queued)
	logger.Debug().Uint32("request", request).Int("files", len(queued)).Msg("Request queued")

	if !wait {
		err := waiter.awaitHandle(ctx)
		cancel()
		// Detached so the service keeps working on the request.
		s.detach()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Queued %d file(s) as request %d.\n", len(queued), request)
		return nil
	}
	defer s.Close()

	waitCtx := ctx
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		waitCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	if err := waiter.wait(waitCtx, runErr); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s waiting for thumbnails, request dequeued", timeout)
		}
		return err
	}

	failed := printFileStates(out, queued)
	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) could not be thumbnailed", failed, len(queued))
	}
	return nil
}

// requestWaiter follows one request until the service reports it finished.
// It must be created before the request is queued.
type requestWaiter struct {
	tn       *thumbnailer.Thumbnailer
	states   <-chan events.Event
	finished chan uint32
	reporter progress.Reporter

	request uint32
	uris    map[string]bool
}

func newRequestWaiter(tn *thumbnailer.Thumbnailer, eventBus *events.EventBus, reporter progress.Reporter) *requestWaiter {
	w := &requestWaiter{
		tn:       tn,
		states:   eventBus.Subscribe(events.EventThumbState),
		finished: make(chan uint32, 16),
		reporter: reporter,
		uris:     make(map[string]bool),
	}
	tn.OnRequestFinished(func(request uint32) {
		select {
		case w.finished <- request:
		default:
		}
	})
	return w
}

func (w *requestWaiter) track(request uint32, fs []*files.File) {
	w.request = request
	for _, f := range fs {
		w.uris[f.URI()] = true
	}
}

// awaitHandle returns once the service accepted the request. The request is
// dequeued if ctx ends first.
func (w *requestWaiter) awaitHandle(ctx context.Context) error {
	_, err := w.tn.WaitHandle(ctx, w.request)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, thumbnailer.ErrNotPending):
		// Finished before we looked, or dropped after a failed call.
		select {
		case r := <-w.finished:
			if r == w.request {
				return nil
			}
		case <-time.After(100 * time.Millisecond):
		}
		return errRequestRejected
	case errors.Is(err, thumbnailer.ErrQueueRejected):
		return fmt.Errorf("%w: %w", errRequestRejected, err)
	default:
		w.tn.Dequeue(w.request)
		return err
	}
}

// wait blocks until the request finished and its results were applied. The
// request is dequeued if ctx ends first.
func (w *requestWaiter) wait(ctx context.Context, runErr <-chan error) error {
	w.reporter.Start(len(w.uris), "Thumbnailing")

	loading := files.ThumbLoading.String()
	for {
		select {
		case ev, ok := <-w.states:
			if !ok {
				w.states = nil
				continue
			}
			if e, ok := ev.(*events.ThumbStateEvent); ok && w.uris[e.URI] && e.OldState == loading {
				w.reporter.Increment()
			}

		case r := <-w.finished:
			if r != w.request {
				continue
			}
			// Ready and Error results are applied asynchronously.
			if err := w.tn.Flush(ctx); err != nil {
				w.reporter.Error(err)
				return err
			}
			w.reporter.Finish()
			return nil

		case err := <-runErr:
			if err == nil {
				err = errServiceGone
			}
			w.reporter.Error(err)
			return err

		case <-ctx.Done():
			w.tn.Dequeue(w.request)
			w.reporter.Error(ctx.Err())
			return ctx.Err()
		}
	}
}

// collectFiles resolves paths to cached file objects. A directory stands for
// the visible regular files directly inside it. Unusable paths are reported on
// errOut and skipped.
func collectFiles(cache *files.Cache, paths []string, errOut io.Writer) []*files.File {
	fs := make([]*files.File, 0, len(paths))
	add := func(display, path string) {
		f, err := cache.Get(path)
		if err != nil {
			fmt.Fprintf(errOut, "Skipping %s: %v\n", display, err)
			return
		}
		fs = append(fs, f)
	}

	for _, path := range paths {
		abs, err := pathutil.ResolveAbsolutePath(path)
		if err != nil {
			fmt.Fprintf(errOut, "Skipping %s: %v\n", path, err)
			continue
		}
		info, err := os.Stat(abs)
		if err != nil {
			fmt.Fprintf(errOut, "Skipping %s: %v\n", path, err)
			continue
		}
		if !info.IsDir() {
			add(path, abs)
			continue
		}

		entries, err := localfs.ListFiles(abs, localfs.Options{})
		if err != nil {
			fmt.Fprintf(errOut, "Skipping %s: %v\n", path, err)
			continue
		}
		if len(entries) == 0 {
			fmt.Fprintf(errOut, "Skipping %s: no files\n", path)
		}
		for _, entry := range entries {
			add(entry.Path, entry.Path)
		}
	}
	return fs
}

func asThumbnailerFiles(fs []*files.File) []thumbnailer.File {
	out := make([]thumbnailer.File, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}

// loadingFiles returns the files QueueFiles accepted.
func loadingFiles(fs []*files.File) []*files.File {
	var out []*files.File
	for _, f := range fs {
		if f.ThumbState() == files.ThumbLoading {
			out = append(out, f)
		}
	}
	return out
}

// printFileStates prints one line per file and returns how many failed.
func printFileStates(w io.Writer, fs []*files.File) int {
	failed := 0
	for _, f := range fs {
		var label string
		switch f.ThumbState() {
		case files.ThumbReady:
			label = "ready"
		case files.ThumbNone:
			label = "failed"
			failed++
		default:
			label = "pending"
		}
		fmt.Fprintf(w, "%-8s %s\n", label, displayPath(f))
	}
	return failed
}

func displayPath(f *files.File) string {
	if f.Path() != "" {
		return f.Path()
	}
	return f.URI()
}
