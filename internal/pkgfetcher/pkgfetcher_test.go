package pkgfetcher

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/open-edge-platform/reposync/internal/ospackage"
)

func newFileServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Packages/a.rpm":
			w.Write([]byte("aaaa"))
		case "/Packages/b.rpm":
			w.Write([]byte("bbbbbb"))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func requestsFor(dir string, urls ...string) iter.Seq[Request] {
	return func(yield func(Request) bool) {
		for i, u := range urls {
			req := Request{URL: u, Destination: filepath.Join(dir, string(rune('a'+i))+".rpm")}
			if !yield(req) {
				return
			}
		}
	}
}

func collect(ch <-chan Result) []Result {
	var out []Result
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestDispatcherDownloads(t *testing.T) {
	srv := newFileServer(t)
	dir := t.TempDir()
	d := NewDispatcher(NewHTTPDownloader(srv.Client()), 2)

	results := collect(d.Run(context.Background(), requestsFor(dir, srv.URL+"/Packages/a.rpm", srv.URL+"/Packages/b.rpm", srv.URL+"/missing.rpm"), 3))
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		switch filepath.Base(r.Request.URL) {
		case "a.rpm", "b.rpm":
			if r.Err != nil {
				t.Errorf("%s: unexpected error %v", r.Request.URL, r.Err)
				continue
			}
			data, err := os.ReadFile(r.Request.Destination)
			if err != nil || int64(len(data)) != r.Size || r.Source != PrimarySource {
				t.Errorf("%s: size %d, source %s, read %v", r.Request.URL, r.Size, r.Source, err)
			}
		case "missing.rpm":
			var te *TransportError
			if !errors.As(r.Err, &te) || te.StatusCode != http.StatusNotFound {
				t.Errorf("missing.rpm error = %v, want 404 TransportError", r.Err)
			}
			if _, err := os.Stat(r.Request.Destination); !os.IsNotExist(err) {
				t.Error("failed download left a file behind")
			}
		}
	}
}

type countingDownloader struct{ calls atomic.Int32 }

func (c *countingDownloader) Download(context.Context, Request) (int64, error) {
	c.calls.Add(1)
	return 0, errors.New("primary should not be used")
}

type staticFinder map[string]string

func (f staticFinder) LocalCopy(_ context.Context, _, checksum string) (string, bool, error) {
	p, ok := f[checksum]
	return p, ok, nil
}

func TestAlternateSourceSkipsPrimary(t *testing.T) {
	dir := t.TempDir()
	stored := filepath.Join(dir, "stored.rpm")
	os.WriteFile(stored, []byte("cached"), 0644)

	primary := &countingDownloader{}
	d := NewDispatcher(primary, 1, WithAlternates(NewLocalSource(staticFinder{"c1": stored})))

	unit := &ospackage.WantedUnitInfo{Key: ospackage.RPMKey{Name: "a", ChecksumType: "sha256", Checksum: "c1"}}
	req := Request{URL: "https://example.invalid/a.rpm", Destination: filepath.Join(dir, "staging", "a.rpm"), Unit: unit}
	results := collect(d.Run(context.Background(), slices.Values([]Request{req}), 1))

	if len(results) != 1 || results[0].Err != nil || results[0].Source != "local" {
		t.Fatalf("results = %+v", results)
	}
	if primary.calls.Load() != 0 {
		t.Errorf("primary called %d times", primary.calls.Load())
	}
	data, _ := os.ReadFile(req.Destination)
	if string(data) != "cached" {
		t.Errorf("destination content = %q", data)
	}
}

func TestAlternateMissFallsBackToPrimary(t *testing.T) {
	srv := newFileServer(t)
	dir := t.TempDir()
	d := NewDispatcher(NewHTTPDownloader(srv.Client()), 1, WithAlternates(NewLocalSource(staticFinder{})))

	unit := &ospackage.WantedUnitInfo{Key: ospackage.RPMKey{Name: "a", ChecksumType: "sha256", Checksum: "c1"}}
	req := Request{URL: srv.URL + "/Packages/a.rpm", Destination: filepath.Join(dir, "a.rpm"), Unit: unit}
	results := collect(d.Run(context.Background(), slices.Values([]Request{req}), 1))
	if len(results) != 1 || results[0].Err != nil || results[0].Source != PrimarySource {
		t.Fatalf("results = %+v", results)
	}
}

func TestCancelBeforeRun(t *testing.T) {
	primary := &countingDownloader{}
	d := NewDispatcher(primary, 2)
	d.Cancel()

	results := collect(d.Run(context.Background(), requestsFor(t.TempDir(), "u1", "u2", "u3"), 3))
	if len(results) != 0 || primary.calls.Load() != 0 {
		t.Errorf("cancelled dispatcher produced %d results, %d downloads", len(results), primary.calls.Load())
	}
	if !d.Cancelled() {
		t.Error("Cancelled() = false")
	}
}

func TestContextCancelStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &countingDownloader{}
	d := NewDispatcher(primary, 1)

	collect(d.Run(ctx, requestsFor(t.TempDir(), "u1", "u2"), 2))
	if !d.Cancelled() {
		t.Error("context cancellation should set the cancel flag")
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	srv := newFileServer(t)
	dl := NewHTTPDownloader(srv.Client(), WithBreakerThreshold(2))
	dir := t.TempDir()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := dl.Download(ctx, Request{URL: srv.URL + "/broken", Destination: filepath.Join(dir, "x")})
		var te *TransportError
		if !errors.As(err, &te) || te.StatusCode != http.StatusInternalServerError {
			t.Fatalf("attempt %d: error = %v", i, err)
		}
	}
	_, err := dl.Download(ctx, Request{URL: srv.URL + "/Packages/a.rpm", Destination: filepath.Join(dir, "a")})
	if !errors.Is(err, ErrHostUnavailable) {
		t.Fatalf("error = %v, want ErrHostUnavailable", err)
	}
	for _, state := range dl.BreakerStates() {
		if state != "open" {
			t.Errorf("breaker state = %s", state)
		}
	}
}

func TestSuccessResetsBreakerCount(t *testing.T) {
	srv := newFileServer(t)
	dl := NewHTTPDownloader(srv.Client(), WithBreakerThreshold(2))
	dir := t.TempDir()
	ctx := context.Background()
	broken := Request{URL: srv.URL + "/broken", Destination: filepath.Join(dir, "x")}
	good := Request{URL: srv.URL + "/Packages/a.rpm", Destination: filepath.Join(dir, "a")}

	dl.Download(ctx, broken)
	if _, err := dl.Download(ctx, good); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	dl.Download(ctx, broken)
	if _, err := dl.Download(ctx, good); err != nil {
		t.Fatalf("non-consecutive failures opened the breaker: %v", err)
	}
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	srv := newFileServer(t)
	dl := NewHTTPDownloader(srv.Client(), WithBreakerThreshold(1))
	dir := t.TempDir()
	ctx := context.Background()

	dl.Download(ctx, Request{URL: srv.URL + "/nope", Destination: filepath.Join(dir, "x")})
	if _, err := dl.Download(ctx, Request{URL: srv.URL + "/Packages/a.rpm", Destination: filepath.Join(dir, "a")}); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
}
