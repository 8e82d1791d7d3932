package pkgfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
	"go.uber.org/zap"

	"github.com/open-edge-platform/reposync/internal/utils/logger"
)

// ErrHostUnavailable is returned while a host's circuit breaker is open.
var ErrHostUnavailable = errors.New("host unavailable")

// TransportError is a failed download of one request.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPDownloader is the primary downloader. It never retries; a host that
// keeps failing is skipped until its breaker resets.
type HTTPDownloader struct {
	client    *http.Client
	userAgent string
	threshold int64
	breakers  map[string]*circuit.Breaker
	mu        sync.RWMutex
	log       *zap.SugaredLogger
}

// HTTPOption configures an HTTPDownloader.
type HTTPOption func(*HTTPDownloader)

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(d *HTTPDownloader) { d.userAgent = ua }
}

// WithBreakerThreshold sets how many consecutive failures open a host's
// breaker.
func WithBreakerThreshold(n int64) HTTPOption {
	return func(d *HTTPDownloader) { d.threshold = n }
}

// NewHTTPDownloader returns a downloader using client.
func NewHTTPDownloader(client *http.Client, opts ...HTTPOption) *HTTPDownloader {
	d := &HTTPDownloader{
		client:    client,
		userAgent: "reposync/1.0",
		threshold: 5,
		breakers:  make(map[string]*circuit.Breaker),
		log:       logger.Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *HTTPDownloader) breaker(host string) *circuit.Breaker {
	d.mu.RLock()
	b, ok := d.breakers[host]
	d.mu.RUnlock()
	if ok {
		return b
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[host]; ok {
		return b
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	b = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ConsecutiveTripFunc(d.threshold),
	})
	d.breakers[host] = b
	return b
}

// Download writes the body of req.URL to req.Destination through a
// temporary file. Only network errors and 5xx responses count against
// the host's breaker.
func (d *HTTPDownloader) Download(ctx context.Context, req Request) (int64, error) {
	host := req.URL
	if u, err := url.Parse(req.URL); err == nil && u.Host != "" {
		host = u.Host
	}
	b := d.breaker(host)
	if !b.Ready() {
		return 0, &TransportError{URL: req.URL, Err: fmt.Errorf("%s: %w", host, ErrHostUnavailable)}
	}

	n, err := d.download(ctx, req)
	var te *TransportError
	switch {
	case err == nil:
		b.Success()
	case errors.As(err, &te) && te.StatusCode != 0 && te.StatusCode < 500:
		b.Success()
	case ctx.Err() != nil:
	default:
		b.Fail()
		if b.Tripped() {
			d.log.Warnf("too many failures from %s, pausing downloads from it", host)
		}
	}
	return n, err
}

func (d *HTTPDownloader) download(ctx context.Context, req Request) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(req.Destination), 0755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, &TransportError{URL: req.URL, Err: err}
	}
	httpReq.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return 0, &TransportError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &TransportError{URL: req.URL, StatusCode: resp.StatusCode}
	}

	tmpPath := req.Destination + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating file: %w", err)
	}
	n, err := io.Copy(out, resp.Body)
	out.Close()
	if err != nil {
		os.Remove(tmpPath)
		return 0, &TransportError{URL: req.URL, Err: err}
	}
	if err := os.Rename(tmpPath, req.Destination); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming file: %w", err)
	}
	return n, nil
}

// BreakerStates reports "open" or "closed" per host seen so far.
func (d *HTTPDownloader) BreakerStates() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	states := make(map[string]string, len(d.breakers))
	for host, b := range d.breakers {
		if b.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}
