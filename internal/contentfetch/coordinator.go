// Package contentfetch downloads the units a repository still wants,
// verifies them and moves them into storage.
package contentfetch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/open-edge-platform/reposync/internal/cas"
	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/ospackage/rpmutils"
	"github.com/open-edge-platform/reposync/internal/pkgfetcher"
	"github.com/open-edge-platform/reposync/internal/progress"
	"github.com/open-edge-platform/reposync/internal/utils/logger"
)

// Store persists fetched units.
type Store interface {
	SaveUnit(ctx context.Context, u ospackage.Unit) (ospackage.ExistingUnit, error)
	AssociateUnit(ctx context.Context, repoID string, unitID int64) (bool, error)
}

// Catalog records where fetched units came from.
type Catalog interface {
	Add(ctx context.Context, unit ospackage.ExistingUnit, source, url string) error
}

// Storage is the content-addressed file tree.
type Storage interface {
	StoragePath(key ospackage.UnitKey, filename string) string
	Import(src, dest string) error
}

// Policy vets the signing key of fetched packages.
type Policy interface {
	CheckKeyID(keyID string) error
}

// Options are the per-repository fetch settings.
type Options struct {
	RepoID  string
	BaseURL string
	// WorkDir holds one staging directory per run.
	WorkDir         string
	ValidateContent bool
	// ChecksumTypeOverride, when set, is the algorithm the published
	// checksum of every fetched unit is computed with.
	ChecksumTypeOverride string
	PathFragment         string
	TrailingSlash        bool
	AuthQuery            string
}

// Coordinator runs one fetch. Completion results are consumed by a single
// goroutine that owns verification, import and persistence.
type Coordinator struct {
	opts       Options
	store      Store
	catalog    Catalog
	storage    Storage
	dispatcher *pkgfetcher.Dispatcher
	policy     Policy
	runID      string
	sinks      []progress.Sink
	log        *zap.SugaredLogger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy checks the signing key of every fetched RPM and SRPM.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithSinks receives report snapshots as the fetch progresses.
func WithSinks(sinks ...progress.Sink) Option {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

// WithRunID names the run; a random id is used otherwise.
func WithRunID(id string) Option {
	return func(c *Coordinator) { c.runID = id }
}

// New returns a coordinator.
func New(opts Options, store Store, catalog Catalog, storage Storage, dispatcher *pkgfetcher.Dispatcher, options ...Option) *Coordinator {
	c := &Coordinator{
		opts:       opts,
		store:      store,
		catalog:    catalog,
		storage:    storage,
		dispatcher: dispatcher,
		runID:      uuid.NewString(),
		log:        logger.Logger(),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// RunID identifies this coordinator's run.
func (c *Coordinator) RunID() string { return c.runID }

// Cancel stops dispatching new downloads.
func (c *Coordinator) Cancel() {
	c.dispatcher.Cancel()
}

// URL builds the download URL of a wanted unit: the unit's base URL or
// the repository feed, joined with the relative path, then the path
// fragment, then the trailing slash, then the auth query.
func (c *Coordinator) URL(info *ospackage.WantedUnitInfo) (string, error) {
	base := c.opts.BaseURL
	if info.BaseURL != "" {
		base = info.BaseURL
	}
	if base == "" {
		return "", fmt.Errorf("no base URL for %s", info.Key)
	}
	joined, err := rpmutils.JoinURL(base, info.RelativePath)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(joined)
	if err != nil {
		return "", err
	}
	if c.opts.PathFragment != "" {
		u.Path += c.opts.PathFragment
	}
	if c.opts.TrailingSlash && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if c.opts.AuthQuery != "" {
		u.RawQuery = strings.TrimPrefix(c.opts.AuthQuery, "?")
	}
	return u.String(), nil
}

func (c *Coordinator) stagingDir() string {
	return filepath.Join(c.opts.WorkDir, c.runID)
}

// plan turns the file-backed units of wanted into requests. Units whose
// URL cannot be built are returned as failures.
func (c *Coordinator) plan(wanted ospackage.WantedSet) ([]pkgfetcher.Request, []progress.UnitError) {
	var reqs []pkgfetcher.Request
	var failures []progress.UnitError
	for i, key := range wanted.Keys() {
		if !key.Type().FileBacked() {
			continue
		}
		info := wanted[key]
		u, err := c.URL(info)
		if err != nil {
			failures = append(failures, progress.UnitError{
				Key:     key.String(),
				PURL:    progress.PURL(c.opts.RepoID, key),
				Kind:    progress.KindURL,
				Message: err.Error(),
			})
			continue
		}
		reqs = append(reqs, pkgfetcher.Request{
			URL:         u,
			Destination: filepath.Join(c.stagingDir(), fmt.Sprintf("%06d-%s", i, info.Filename())),
			Unit:        info,
		})
	}
	return reqs, failures
}

// Requests returns the download requests for the file-backed units of
// wanted. The sequence can be iterated any number of times.
func (c *Coordinator) Requests(wanted ospackage.WantedSet) iter.Seq[pkgfetcher.Request] {
	reqs, _ := c.plan(wanted)
	return slices.Values(reqs)
}

// Fetch downloads every file-backed unit of wanted and returns the final
// report. Per-unit failures are recorded in the report; the error is only
// set when the run could not start.
func (c *Coordinator) Fetch(ctx context.Context, wanted ospackage.WantedSet) (*progress.Report, error) {
	reqs, failures := c.plan(wanted)
	report := progress.NewReport(c.runID, c.opts.RepoID, len(reqs)+len(failures), c.sinks...)
	for _, f := range failures {
		report.Failure(f)
	}
	if len(reqs) == 0 {
		report.Finalize(c.dispatcher.Cancelled())
		return report, nil
	}

	if err := os.MkdirAll(c.stagingDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(c.stagingDir())

	c.log.Infof("fetching %d units for %s (run %s)", len(reqs), c.opts.RepoID, c.runID)
	for res := range c.dispatcher.Run(ctx, slices.Values(reqs), len(reqs)) {
		if uerr := c.process(ctx, res); uerr != nil {
			report.Failure(*uerr)
		} else {
			report.Success()
		}
	}

	state := report.Finalize(c.dispatcher.Cancelled())
	snap := report.Snapshot()
	c.log.Infof("fetch %s finished %s: %d stored, %d failed", c.runID, state, snap.Succeeded, snap.Failed)
	return report, nil
}

// process takes one completed download through verification, import and
// persistence.
func (c *Coordinator) process(ctx context.Context, res pkgfetcher.Result) *progress.UnitError {
	info := res.Request.Unit
	key := info.Key
	uerr := &progress.UnitError{
		Key:  key.String(),
		PURL: progress.PURL(c.opts.RepoID, key),
		URL:  res.Request.URL,
	}
	tmp := res.Request.Destination

	if res.Err != nil {
		uerr.Kind = progress.KindTransport
		uerr.Message = res.Err.Error()
		return uerr
	}

	size, published, err := c.verify(tmp, info)
	if err != nil {
		os.Remove(tmp)
		var ve *VerificationError
		if errors.As(err, &ve) {
			uerr.Kind = ve.Kind
			if ve.Kind == progress.KindSizeMismatch {
				uerr.ExpectedSize, uerr.ActualSize = info.Size, size
			} else {
				uerr.ExpectedChecksum, uerr.ActualChecksum = ve.Expected, ve.Actual
			}
		} else {
			uerr.Kind = progress.KindStorage
		}
		uerr.Message = err.Error()
		c.log.Warnf("%s failed verification: %v", key, err)
		return uerr
	}

	keyID, err := c.checkSignature(tmp, key)
	if err != nil {
		os.Remove(tmp)
		uerr.Kind = progress.KindSignature
		uerr.Message = err.Error()
		c.log.Warnf("%s: %v", key, err)
		return uerr
	}

	dest := c.storage.StoragePath(key, info.Filename())
	if err := c.storage.Import(tmp, dest); err != nil {
		var ce *cas.CorruptionError
		if errors.As(err, &ce) {
			uerr.Kind = progress.KindCorruption
			c.log.Errorf("%s: %v", key, err)
		} else {
			uerr.Kind = progress.KindStorage
		}
		uerr.Message = err.Error()
		return uerr
	}

	unit := ospackage.Unit{
		Key:          key,
		StoragePath:  dest,
		Downloaded:   true,
		Size:         size,
		SigningKeyID: keyID,
	}
	unit.PublishedChecksumType, unit.PublishedChecksum = published[0], published[1]
	switch key.Type() {
	case ospackage.TypeRPM, ospackage.TypeSRPM:
		unit.Snippet = info.Snippet
	}

	saved, err := c.store.SaveUnit(ctx, unit)
	if err != nil {
		uerr.Kind = progress.KindStorage
		uerr.Message = err.Error()
		return uerr
	}
	if err := c.catalog.Add(ctx, saved, c.opts.RepoID, res.Request.URL); err != nil {
		c.log.Warnf("%v", err)
	}
	if _, err := c.store.AssociateUnit(ctx, c.opts.RepoID, saved.ID); err != nil {
		uerr.Kind = progress.KindStorage
		uerr.Message = err.Error()
		return uerr
	}
	c.log.Debugf("stored %s from %s", key, res.Source)
	return nil
}

// verify checks size and checksum when content validation is on and
// computes the published checksum. It returns the file size and the
// published (type, value) pair.
func (c *Coordinator) verify(path string, info *ospackage.WantedUnitInfo) (int64, [2]string, error) {
	var published [2]string
	var checksumType, expected string
	if ck, ok := info.Key.(ospackage.Checksummed); ok {
		checksumType, expected = ck.ChecksumInfo()
		checksumType = rpmutils.NormalizeChecksumType(checksumType)
		published = [2]string{checksumType, expected}
	}

	var types []string
	if c.opts.ValidateContent && expected != "" {
		if _, err := rpmutils.NewHash(checksumType); err != nil {
			return 0, published, unknownChecksumType(checksumType)
		}
		types = append(types, checksumType)
	}
	override := rpmutils.NormalizeChecksumType(c.opts.ChecksumTypeOverride)
	if override != "" {
		if _, err := rpmutils.NewHash(override); err != nil {
			return 0, published, unknownChecksumType(override)
		}
		types = append(types, override)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, published, err
	}
	defer f.Close()
	size, sums, err := rpmutils.FileDigests(f, types...)
	if err != nil {
		return 0, published, err
	}

	if c.opts.ValidateContent {
		if info.Size >= 0 && size != info.Size {
			return size, published, sizeMismatch(info.Size, size)
		}
		if expected != "" && !strings.EqualFold(sums[checksumType], expected) {
			return size, published, checksumMismatch(checksumType, expected, sums[checksumType])
		}
	}
	if override != "" {
		published = [2]string{override, sums[override]}
	}
	return size, published, nil
}

func (c *Coordinator) checkSignature(path string, key ospackage.UnitKey) (string, error) {
	if c.policy == nil {
		return "", nil
	}
	switch key.Type() {
	case ospackage.TypeRPM, ospackage.TypeSRPM:
	default:
		return "", nil
	}
	keyID, err := rpmutils.SigningKeyID(path)
	if errors.Is(err, rpmutils.ErrUnsigned) {
		keyID, err = "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading signature: %w", err)
	}
	return keyID, c.policy.CheckKeyID(keyID)
}
