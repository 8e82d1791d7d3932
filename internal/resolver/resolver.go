// Package resolver decides which wanted units a repository still needs.
//
// Resolution runs in two phases. Reconcile only reads: it looks the wanted
// keys up in the store, checks the filesystem and reports what it found.
// Resolve then applies the resulting writes (presence flag corrections,
// catalog entries, associations) and returns the units still to fetch.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/open-edge-platform/reposync/internal/cas"
	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/utils/general/slice"
	"github.com/open-edge-platform/reposync/internal/utils/logger"
)

// DefaultPageSize bounds the number of keys per store query.
const DefaultPageSize = 500

// Store is the unit persistence the resolver reads and corrects.
type Store interface {
	FindUnits(ctx context.Context, t ospackage.UnitType, keys []ospackage.UnitKey) ([]ospackage.ExistingUnit, error)
	AssociateUnit(ctx context.Context, repoID string, unitID int64) (bool, error)
	SetDownloaded(ctx context.Context, unitID int64, downloaded bool) error
}

// Catalog records where satisfied units can be found.
type Catalog interface {
	Add(ctx context.Context, unit ospackage.ExistingUnit, source, url string) error
}

// Policy vets satisfied units before they are associated.
type Policy interface {
	Accept(unit ospackage.ExistingUnit) error
}

// ResolutionError reports a store failure for one unit type. Keys of that
// type are neither satisfied nor still wanted in the run that saw it.
type ResolutionError struct {
	Type ospackage.UnitType
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %s units: %v", e.Type, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Match is a wanted unit found in the store that needs no download.
type Match struct {
	Unit ospackage.ExistingUnit
	Info *ospackage.WantedUnitInfo
}

// Correction fixes a downloaded flag that disagrees with the filesystem.
type Correction struct {
	UnitID     int64
	Key        ospackage.UnitKey
	Downloaded bool
}

// Reconciliation is the read-only outcome of Reconcile.
type Reconciliation struct {
	Satisfied   []Match
	Corrections []Correction
	StillWanted ospackage.WantedSet
	// Err joins the ResolutionErrors of aborted type groups.
	Err error
}

// Resolver partitions wanted sets against the store.
type Resolver struct {
	store    Store
	catalog  Catalog
	policy   Policy
	urlFor   func(*ospackage.WantedUnitInfo) (string, error)
	pageSize int
	log      *zap.SugaredLogger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolicy filters satisfied units through p.
func WithPolicy(p Policy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithPageSize sets the number of keys per store query.
func WithPageSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithURLBuilder sets how catalog URLs are derived from wanted units.
func WithURLBuilder(fn func(*ospackage.WantedUnitInfo) (string, error)) Option {
	return func(r *Resolver) { r.urlFor = fn }
}

// New returns a resolver over store that records into catalog.
func New(store Store, catalog Catalog, opts ...Option) *Resolver {
	r := &Resolver{
		store:    store,
		catalog:  catalog,
		pageSize: DefaultPageSize,
		log:      logger.Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile looks every wanted key up without writing anything. A found
// unit is satisfied when its type has no file, when its file exists, or
// when deferred is set.
func (r *Resolver) Reconcile(ctx context.Context, wanted ospackage.WantedSet, deferred bool) (*Reconciliation, error) {
	rec := &Reconciliation{StillWanted: ospackage.WantedSet{}}
	var groupErrs []error

	byType := wanted.ByType()
	for _, t := range ospackage.AllTypes() {
		keys := byType[t]
		if len(keys) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		matches, corrections, err := r.reconcileType(ctx, wanted, t, keys, deferred)
		if err != nil {
			r.log.Errorf("resolution of %d %s units aborted: %v", len(keys), t, err)
			groupErrs = append(groupErrs, &ResolutionError{Type: t, Err: err})
			continue
		}

		satisfied := make(map[ospackage.UnitKey]bool, len(matches))
		for _, m := range matches {
			satisfied[m.Unit.Key] = true
		}
		for _, k := range keys {
			if !satisfied[k] {
				rec.StillWanted[k] = wanted[k]
			}
		}
		rec.Satisfied = append(rec.Satisfied, matches...)
		rec.Corrections = append(rec.Corrections, corrections...)
	}

	rec.Err = errors.Join(groupErrs...)
	return rec, nil
}

func (r *Resolver) reconcileType(ctx context.Context, wanted ospackage.WantedSet, t ospackage.UnitType, keys []ospackage.UnitKey, deferred bool) ([]Match, []Correction, error) {
	var matches []Match
	var corrections []Correction
	seen := map[ospackage.UnitKey]bool{}

	for _, page := range slice.Chunk(keys, r.pageSize) {
		found, err := r.store.FindUnits(ctx, t, page)
		if err != nil {
			return nil, nil, err
		}
		for _, unit := range found {
			info, ok := wanted[unit.Key]
			if !ok || seen[unit.Key] {
				continue
			}
			seen[unit.Key] = true

			present := true
			if t.FileBacked() {
				present = cas.Exists(unit.StoragePath)
				if present != unit.Downloaded {
					corrections = append(corrections, Correction{UnitID: unit.ID, Key: unit.Key, Downloaded: present})
					unit.Downloaded = present
				}
			}
			if present || deferred {
				matches = append(matches, Match{Unit: unit, Info: info})
			}
		}
	}
	return matches, corrections, nil
}

// ApplyCorrections writes the presence flags Reconcile computed.
func (r *Resolver) ApplyCorrections(ctx context.Context, corrections []Correction) error {
	var errs []error
	for _, c := range corrections {
		r.log.Infof("correcting downloaded flag of %s to %t", c.Key, c.Downloaded)
		if err := r.store.SetDownloaded(ctx, c.UnitID, c.Downloaded); err != nil {
			errs = append(errs, fmt.Errorf("correcting %s: %w", c.Key, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve associates every satisfied wanted unit with repoID and returns
// the rest. Units the policy rejects stay wanted so that they are fetched
// again. The returned error joins per-type ResolutionErrors and write
// failures; the returned set is valid alongside it.
func (r *Resolver) Resolve(ctx context.Context, wanted ospackage.WantedSet, repoID string, deferred bool) (ospackage.WantedSet, error) {
	if len(wanted) == 0 {
		return ospackage.WantedSet{}, nil
	}

	rec, err := r.Reconcile(ctx, wanted, deferred)
	if err != nil {
		return nil, err
	}
	errs := []error{rec.Err}
	if err := r.ApplyCorrections(ctx, rec.Corrections); err != nil {
		errs = append(errs, err)
	}

	still := rec.StillWanted
	associated := 0
	for _, m := range rec.Satisfied {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.record(ctx, m, repoID)

		if r.policy != nil {
			if err := r.policy.Accept(m.Unit); err != nil {
				r.log.Warnf("%s stays wanted: %v", m.Unit.Key, err)
				still.Add(m.Info)
				continue
			}
		}
		if _, err := r.store.AssociateUnit(ctx, repoID, m.Unit.ID); err != nil {
			errs = append(errs, fmt.Errorf("associating %s: %w", m.Unit.Key, err))
			still.Add(m.Info)
			continue
		}
		associated++
	}

	r.log.Infof("resolved %d wanted units for %s: %d already present, %d still wanted",
		len(wanted), repoID, associated, len(still))
	return still, errors.Join(errs...)
}

func (r *Resolver) record(ctx context.Context, m Match, repoID string) {
	if r.catalog == nil {
		return
	}
	var url string
	if r.urlFor != nil && m.Info != nil && m.Info.RelativePath != "" {
		u, err := r.urlFor(m.Info)
		if err != nil {
			r.log.Warnf("no catalog URL for %s: %v", m.Unit.Key, err)
		}
		url = u
	}
	if err := r.catalog.Add(ctx, m.Unit, repoID, url); err != nil {
		r.log.Warnf("%v", err)
	}
}
