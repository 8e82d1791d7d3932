// Package reposync runs one synchronization of a remote yum repository:
// read its metadata, reconcile it against stored units, then fetch what
// is still missing.
package reposync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/open-edge-platform/reposync/internal/cas"
	"github.com/open-edge-platform/reposync/internal/catalog"
	"github.com/open-edge-platform/reposync/internal/contentfetch"
	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/ospackage/rpmutils"
	"github.com/open-edge-platform/reposync/internal/pkgfetcher"
	"github.com/open-edge-platform/reposync/internal/progress"
	"github.com/open-edge-platform/reposync/internal/repostore"
	"github.com/open-edge-platform/reposync/internal/resolver"
	"github.com/open-edge-platform/reposync/internal/utils/config"
	"github.com/open-edge-platform/reposync/internal/utils/logger"
	"github.com/open-edge-platform/reposync/internal/utils/network"
)

const dnsRefreshInterval = 5 * time.Minute

// Result summarizes a sync run. It is what gets written to the report
// directory.
type Result struct {
	RunID            string            `yaml:"run_id"`
	RepoID           string            `yaml:"repo_id"`
	Feed             string            `yaml:"feed"`
	StartedAt        time.Time         `yaml:"started_at"`
	FinishedAt       time.Time         `yaml:"finished_at"`
	Deferred         bool              `yaml:"deferred"`
	Wanted           int               `yaml:"wanted"`
	AlreadyPresent   int               `yaml:"already_present"`
	MetadataUnits    int               `yaml:"metadata_units"`
	ResolutionErrors []string          `yaml:"resolution_errors,omitempty"`
	Status           progress.State    `yaml:"state"`
	Error            string            `yaml:"error,omitempty"`
	Fetch            progress.Snapshot `yaml:"fetch"`
	ReportPath       string            `yaml:"-"`
}

// State is the final state of the run. A run whose resolution hit errors
// is failed even when every fetched unit succeeded.
func (r *Result) State() progress.State { return r.Status }

// Syncer owns every collaborator of one sync run. Build a new one per run;
// Close releases the database.
type Syncer struct {
	cfg     *config.GlobalConfig
	helpers *config.ConfigHelpers
	runID   string

	store       *repostore.Store
	storage     *cas.Storage
	catalog     *catalog.Catalog
	policy      *rpmutils.SignaturePolicy
	repo        *rpmutils.RepoClient
	downloader  *pkgfetcher.HTTPDownloader
	coordinator *contentfetch.Coordinator
	resolver    *resolver.Resolver

	client       *http.Client
	showProgress bool
	sinks        []progress.Sink
	stopDNS      context.CancelFunc
	log          *zap.SugaredLogger
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithHTTPClient replaces the default TLS client with its DNS cache.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Syncer) { s.client = c }
}

// WithProgressBar shows a terminal progress bar while downloading.
func WithProgressBar(show bool) Option {
	return func(s *Syncer) { s.showProgress = show }
}

// WithSinks receives fetch report snapshots.
func WithSinks(sinks ...progress.Sink) Option {
	return func(s *Syncer) { s.sinks = append(s.sinks, sinks...) }
}

// New opens storage and the unit database and wires the resolver and the
// fetch coordinator for cfg.
func New(cfg *config.GlobalConfig, opts ...Option) (*Syncer, error) {
	s := &Syncer{
		cfg:     cfg,
		helpers: config.NewConfigHelpers(cfg),
		runID:   uuid.NewString(),
		log:     logger.Logger(),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.helpers.CreateStorageRoot(); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	if err := s.helpers.CreateWorkDir(); err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}
	root, err := s.helpers.StorageRoot()
	if err != nil {
		return nil, err
	}
	dbPath, err := s.helpers.DatabasePath()
	if err != nil {
		return nil, err
	}
	workDir, err := s.helpers.WorkDir()
	if err != nil {
		return nil, err
	}

	if p := cfg.SignatureFilterPolicy; p.Enabled() {
		s.policy, err = rpmutils.NewSignaturePolicy(p.AllowedKeyIDs, p.Keyring, p.RequireSignature)
		if err != nil {
			return nil, fmt.Errorf("loading signature policy: %w", err)
		}
	}

	if s.client == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopDNS = cancel
		s.client = network.NewSecureHTTPClient(network.ClientOptions{
			MaxConnsPerHost: s.helpers.Workers(),
			Resolver:        network.NewResolver(ctx, dnsRefreshInterval),
		})
	}

	s.store, err = repostore.Open(dbPath, s.helpers.Workers()+1)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.storage = cas.New(root)
	s.catalog = catalog.New(s.store)
	s.repo = rpmutils.NewRepoClient(s.client, cfg.Repository.Feed, s.helpers.AuthQuery())
	s.downloader = pkgfetcher.NewHTTPDownloader(s.client)

	dispatcher := pkgfetcher.NewDispatcher(s.downloader, s.helpers.Workers(),
		pkgfetcher.WithAlternates(pkgfetcher.NewLocalSource(s.catalog)),
		pkgfetcher.WithProgressBar(s.showProgress),
	)
	coordOpts := []contentfetch.Option{contentfetch.WithRunID(s.runID), contentfetch.WithSinks(s.sinks...)}
	if s.policy != nil {
		coordOpts = append(coordOpts, contentfetch.WithPolicy(s.policy))
	}
	s.coordinator = contentfetch.New(contentfetch.Options{
		RepoID:               cfg.Repository.ID,
		BaseURL:              cfg.Repository.Feed,
		WorkDir:              workDir,
		ValidateContent:      cfg.ValidateContent,
		ChecksumTypeOverride: cfg.ChecksumTypeOverride,
		PathFragment:         cfg.URL.PathFragment,
		TrailingSlash:        cfg.URL.TrailingSlash,
		AuthQuery:            s.helpers.AuthQuery(),
	}, s.store, s.catalog, s.storage, dispatcher, coordOpts...)

	resOpts := []resolver.Option{
		resolver.WithPageSize(cfg.PageSize),
		resolver.WithURLBuilder(s.coordinator.URL),
	}
	if s.policy != nil {
		resOpts = append(resOpts, resolver.WithPolicy(s.policy))
	}
	s.resolver = resolver.New(s.store, s.catalog, resOpts...)
	return s, nil
}

// RunID identifies the run; it names the staging directory and report.
func (s *Syncer) RunID() string { return s.runID }

// Store exposes the unit database for read-only queries.
func (s *Syncer) Store() *repostore.Store { return s.store }

// Cancel stops dispatching downloads. Units already downloading finish
// and the run ends with a cancelled report.
func (s *Syncer) Cancel() {
	s.coordinator.Cancel()
}

// Close releases the database and stops the DNS refresher.
func (s *Syncer) Close() error {
	if s.stopDNS != nil {
		s.stopDNS()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Sync reads the remote metadata, associates what is already stored and
// fetches the rest. Resolution always completes before fetching starts.
// Per-unit failures land in the result; the error is reserved for
// failures that stop the run. A report is written either way.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	repoID := s.cfg.Repository.ID
	res := &Result{
		RunID:     s.runID,
		RepoID:    repoID,
		Feed:      s.cfg.Repository.Feed,
		StartedAt: time.Now().UTC(),
		Deferred:  s.cfg.DeferredDownload,
	}
	s.log.Infof("syncing %s from %s (run %s)", repoID, s.cfg.Repository.Feed, s.runID)

	runErr := s.run(ctx, res)
	res.FinishedAt = time.Now().UTC()
	res.Status = finalState(ctx, res, runErr)
	if runErr != nil {
		res.Error = runErr.Error()
	}

	if err := s.writeReport(res); err != nil {
		s.log.Errorf("writing sync report: %v", err)
	}
	s.log.Infof("sync %s of %s finished %s: %d wanted, %d present, %d stored, %d failed",
		s.runID, repoID, res.Status, res.Wanted, res.AlreadyPresent, res.Fetch.Succeeded, res.Fetch.Failed)
	return res, runErr
}

func (s *Syncer) run(ctx context.Context, res *Result) error {
	repoID := s.cfg.Repository.ID
	wanted, err := s.repo.WantedSet(ctx, repoID)
	if err != nil {
		return fmt.Errorf("reading repository metadata: %w", err)
	}
	res.Wanted = len(wanted)

	still, err := s.resolver.Resolve(ctx, wanted, repoID, s.cfg.DeferredDownload)
	if still == nil {
		return fmt.Errorf("resolving wanted units: %w", err)
	}
	if err != nil {
		s.log.Warnf("resolution finished with errors: %v", err)
		res.ResolutionErrors = splitErrors(err)
	}
	// Keys of a type whose lookup failed are neither present nor fetched.
	res.AlreadyPresent = len(wanted) - len(still) - unresolved(wanted, err)

	files := ospackage.WantedSet{}
	for key, info := range still {
		if key.Type().FileBacked() {
			files[key] = info
			continue
		}
		if err := s.saveMetadataUnit(ctx, info); err != nil {
			s.log.Warnf("%v", err)
			continue
		}
		res.MetadataUnits++
	}

	var report *progress.Report
	if s.cfg.DeferredDownload {
		report = s.recordDeferred(ctx, files)
	} else {
		report, err = s.coordinator.Fetch(ctx, files)
		if err != nil {
			return err
		}
	}
	res.Fetch = report.Snapshot()
	return nil
}

func finalState(ctx context.Context, res *Result, runErr error) progress.State {
	switch {
	case runErr != nil && ctx.Err() != nil:
		return progress.StateCancelled
	case runErr != nil:
		return progress.StateFailed
	case res.Fetch.State == progress.StateSuccess && len(res.ResolutionErrors) > 0:
		return progress.StateFailed
	}
	return res.Fetch.State
}

func (s *Syncer) writeReport(res *Result) error {
	reportDir, err := s.helpers.ReportDir()
	if err != nil {
		return err
	}
	res.ReportPath, err = logger.WriteReport(reportDir, s.runID, res)
	return err
}

// saveMetadataUnit stores a unit that has no file, such as a package
// group, and associates it with the repository.
func (s *Syncer) saveMetadataUnit(ctx context.Context, info *ospackage.WantedUnitInfo) error {
	saved, err := s.store.SaveUnit(ctx, ospackage.Unit{
		Key:        info.Key,
		Downloaded: true,
		Size:       -1,
		Snippet:    info.Snippet,
	})
	if err != nil {
		return err
	}
	if _, err := s.store.AssociateUnit(ctx, s.cfg.Repository.ID, saved.ID); err != nil {
		return fmt.Errorf("associating %s: %w", info.Key, err)
	}
	return nil
}

// recordDeferred saves file-backed units without their content. Each one
// is catalogued with its remote URL so it can be fetched on demand later.
func (s *Syncer) recordDeferred(ctx context.Context, files ospackage.WantedSet) *progress.Report {
	repoID := s.cfg.Repository.ID
	report := progress.NewReport(s.runID, repoID, len(files), s.sinks...)
	for _, key := range files.Keys() {
		if ctx.Err() != nil {
			break
		}
		if err := s.recordDeferredUnit(ctx, files[key]); err != nil {
			report.Failure(*err)
			continue
		}
		report.Success()
	}
	report.Finalize(ctx.Err() != nil)
	return report
}

func (s *Syncer) recordDeferredUnit(ctx context.Context, info *ospackage.WantedUnitInfo) *progress.UnitError {
	repoID := s.cfg.Repository.ID
	uerr := &progress.UnitError{Key: info.Key.String(), PURL: progress.PURL(repoID, info.Key)}

	u, err := s.coordinator.URL(info)
	if err != nil {
		uerr.Kind, uerr.Message = progress.KindURL, err.Error()
		return uerr
	}
	uerr.URL = u

	unit := ospackage.Unit{
		Key:         info.Key,
		StoragePath: s.storage.StoragePath(info.Key, info.Filename()),
		Size:        info.Size,
	}
	switch info.Key.Type() {
	case ospackage.TypeRPM, ospackage.TypeSRPM:
		unit.Snippet = info.Snippet
	}
	saved, err := s.store.SaveUnit(ctx, unit)
	if err != nil {
		uerr.Kind, uerr.Message = progress.KindStorage, err.Error()
		return uerr
	}
	if err := s.catalog.Add(ctx, saved, repoID, u); err != nil {
		s.log.Warnf("%v", err)
	}
	if _, err := s.store.AssociateUnit(ctx, repoID, saved.ID); err != nil {
		uerr.Kind, uerr.Message = progress.KindStorage, err.Error()
		return uerr
	}
	return nil
}

// walkErrors calls fn for every leaf of a tree of joined errors. A
// ResolutionError counts as a leaf so that its unit type stays attached.
func walkErrors(err error, fn func(error)) {
	if err == nil {
		return
	}
	if _, ok := err.(*resolver.ResolutionError); ok {
		fn(err)
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			walkErrors(e, fn)
		}
		return
	}
	fn(err)
}

func splitErrors(err error) []string {
	var out []string
	walkErrors(err, func(e error) { out = append(out, e.Error()) })
	return out
}

// unresolved counts the wanted keys of unit types whose lookup failed.
func unresolved(wanted ospackage.WantedSet, err error) int {
	byType := wanted.ByType()
	n := 0
	walkErrors(err, func(e error) {
		if re, ok := e.(*resolver.ResolutionError); ok {
			n += len(byType[re.Type])
		}
	})
	return n
}

// Latest returns up to limit newest units of type t named name in repoID.
func (s *Syncer) Latest(ctx context.Context, t ospackage.UnitType, name string, limit int) ([]ospackage.ExistingUnit, error) {
	return s.store.NewestUnits(ctx, s.cfg.Repository.ID, t, name, limit)
}
