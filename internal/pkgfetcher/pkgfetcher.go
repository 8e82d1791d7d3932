// Package pkgfetcher downloads package files with a bounded pool of
// workers. Alternate sources are tried before the primary downloader.
package pkgfetcher

import (
	"context"
	"fmt"
	"iter"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/utils/logger"
)

// PrimarySource names the primary downloader in results.
const PrimarySource = "primary"

// Request asks for the file at URL to be written to Destination.
type Request struct {
	URL         string
	Destination string
	Unit        *ospackage.WantedUnitInfo
}

// Result is the completion report of one request.
type Result struct {
	Request Request
	// Source is the name of the source that served the file.
	Source string
	Size   int64
	Err    error
}

// Downloader fetches a request from its URL.
type Downloader interface {
	Download(ctx context.Context, req Request) (int64, error)
}

// Source is an alternate place a request may be served from. ok is false
// when the source does not have the content.
type Source interface {
	Name() string
	Fetch(ctx context.Context, req Request) (size int64, ok bool, err error)
}

// Dispatcher runs requests through the worker pool.
type Dispatcher struct {
	primary    Downloader
	alternates []Source
	workers    int
	progress   bool
	cancelled  atomic.Bool
	log        *zap.SugaredLogger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAlternates adds sources tried in order before the primary.
func WithAlternates(sources ...Source) DispatcherOption {
	return func(d *Dispatcher) { d.alternates = append(d.alternates, sources...) }
}

// WithProgressBar shows a terminal progress bar while running.
func WithProgressBar(show bool) DispatcherOption {
	return func(d *Dispatcher) { d.progress = show }
}

// NewDispatcher returns a dispatcher with the given number of workers.
func NewDispatcher(primary Downloader, workers int, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{primary: primary, workers: workers, log: logger.Logger()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Cancel stops dispatching. Downloads already started run to completion;
// queued requests are dropped without a result.
func (d *Dispatcher) Cancel() {
	if d.cancelled.CompareAndSwap(false, true) {
		d.log.Infof("download cancellation requested")
	}
}

// Cancelled reports whether Cancel was called or a run's context ended.
func (d *Dispatcher) Cancelled() bool {
	return d.cancelled.Load()
}

// Run dispatches requests and returns a channel carrying one Result per
// started request. The channel is closed when all workers are done. total
// sizes the progress bar; pass -1 when unknown.
func (d *Dispatcher) Run(ctx context.Context, requests iter.Seq[Request], total int) <-chan Result {
	results := make(chan Result)
	jobs := make(chan Request)
	var wg sync.WaitGroup

	var bar *progressbar.ProgressBar
	if d.progress {
		bar = progressbar.NewOptions(total,
			progressbar.OptionFullWidth(),
			progressbar.OptionShowDescriptionAtLineEnd(),
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}

	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				if d.stopped(ctx) {
					continue
				}
				if bar != nil {
					bar.Describe(fmt.Sprintf("downloading %s", path.Base(req.URL)))
				}
				res := d.fetch(ctx, req)
				if res.Err != nil {
					d.log.Errorf("downloading %s failed: %v", req.URL, res.Err)
				}
				if bar != nil {
					bar.Add(1)
				}
				results <- res
			}
		}()
	}

	go func() {
		for req := range requests {
			if d.stopped(ctx) {
				break
			}
			jobs <- req
		}
		close(jobs)
		wg.Wait()
		if bar != nil {
			bar.Finish()
		}
		close(results)
	}()

	return results
}

// stopped turns an ended context into a cancellation.
func (d *Dispatcher) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		d.Cancel()
	}
	return d.Cancelled()
}

func (d *Dispatcher) fetch(ctx context.Context, req Request) Result {
	for _, src := range d.alternates {
		size, ok, err := src.Fetch(ctx, req)
		if err != nil {
			d.log.Debugf("alternate source %s failed for %s: %v", src.Name(), req.URL, err)
			continue
		}
		if ok {
			d.log.Debugf("%s served by %s", req.URL, src.Name())
			return Result{Request: req, Source: src.Name(), Size: size}
		}
	}
	size, err := d.primary.Download(ctx, req)
	return Result{Request: req, Source: PrimarySource, Size: size, Err: err}
}
