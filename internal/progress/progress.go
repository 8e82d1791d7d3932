// Package progress tracks the outcome of a fetch run unit by unit.
package progress

import (
	"path"
	"sort"
	"strings"
	"sync"

	packageurl "github.com/package-url/packageurl-go"

	"github.com/open-edge-platform/reposync/internal/ospackage"
)

// State is the overall state of a run.
type State string

const (
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Error kinds recorded in UnitError.Kind.
const (
	KindTransport           = "transport"
	KindSizeMismatch        = "size_mismatch"
	KindChecksumMismatch    = "checksum_mismatch"
	KindUnknownChecksumType = "unknown_checksum_type"
	KindCorruption          = "corruption"
	KindSignature           = "signature"
	KindURL                 = "url"
	KindStorage             = "storage"
)

// UnitError describes why one unit failed.
type UnitError struct {
	Key              string `yaml:"key" json:"key"`
	PURL             string `yaml:"purl,omitempty" json:"purl,omitempty"`
	URL              string `yaml:"url,omitempty" json:"url,omitempty"`
	Kind             string `yaml:"kind" json:"kind"`
	ExpectedChecksum string `yaml:"expected_checksum,omitempty" json:"expected_checksum,omitempty"`
	ActualChecksum   string `yaml:"actual_checksum,omitempty" json:"actual_checksum,omitempty"`
	ExpectedSize     int64  `yaml:"expected_size,omitempty" json:"expected_size,omitempty"`
	ActualSize       int64  `yaml:"actual_size,omitempty" json:"actual_size,omitempty"`
	Message          string `yaml:"message" json:"message"`
}

// Snapshot is a point-in-time copy of a report.
type Snapshot struct {
	RunID     string               `yaml:"run_id" json:"run_id"`
	RepoID    string               `yaml:"repo_id" json:"repo_id"`
	State     State                `yaml:"state" json:"state"`
	Total     int                  `yaml:"total" json:"total"`
	Succeeded int                  `yaml:"succeeded" json:"succeeded"`
	Failed    int                  `yaml:"failed" json:"failed"`
	Details   map[string]UnitError `yaml:"details,omitempty" json:"details,omitempty"`
}

// Sink receives a snapshot after every change.
type Sink interface {
	Update(Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

func (f SinkFunc) Update(s Snapshot) { f(s) }

// Report accumulates per-unit outcomes. It is safe for concurrent use;
// sinks are called with the lock released.
type Report struct {
	mu        sync.Mutex
	runID     string
	repoID    string
	state     State
	total     int
	succeeded int
	failed    int
	details   map[string]UnitError
	sinks     []Sink
}

// NewReport starts a running report over total units.
func NewReport(runID, repoID string, total int, sinks ...Sink) *Report {
	return &Report{
		runID:   runID,
		repoID:  repoID,
		state:   StateRunning,
		total:   total,
		details: map[string]UnitError{},
		sinks:   sinks,
	}
}

// AddSink registers s for subsequent updates.
func (r *Report) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Success records a unit that was stored.
func (r *Report) Success() {
	r.update(func() { r.succeeded++ })
}

// Failure records a unit error keyed by the unit's key.
func (r *Report) Failure(e UnitError) {
	r.update(func() {
		r.failed++
		r.details[e.Key] = e
	})
}

// Finalize ends the run: cancelled if asked, failed if any unit failed,
// success otherwise.
func (r *Report) Finalize(cancelled bool) State {
	var st State
	r.update(func() {
		switch {
		case cancelled:
			r.state = StateCancelled
		case r.failed > 0:
			r.state = StateFailed
		default:
			r.state = StateSuccess
		}
		st = r.state
	})
	return st
}

// Snapshot returns a copy of the current report.
func (r *Report) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Report) snapshotLocked() Snapshot {
	details := make(map[string]UnitError, len(r.details))
	for k, v := range r.details {
		details[k] = v
	}
	return Snapshot{
		RunID:     r.runID,
		RepoID:    r.repoID,
		State:     r.state,
		Total:     r.total,
		Succeeded: r.succeeded,
		Failed:    r.failed,
		Details:   details,
	}
}

func (r *Report) update(fn func()) {
	r.mu.Lock()
	fn()
	snap := r.snapshotLocked()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.Unlock()
	for _, s := range sinks {
		s.Update(snap)
	}
}

// FailedKeys returns the keys of failed units, sorted.
func (s Snapshot) FailedKeys() []string {
	keys := make([]string, 0, len(s.Details))
	for k := range s.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PURL renders a package URL for key. Groups have none.
func PURL(repoID string, key ospackage.UnitKey) string {
	var name, version string
	q := map[string]string{}
	switch k := key.(type) {
	case ospackage.RPMKey:
		name, version = k.Name, k.Version+"-"+k.Release
		q["arch"], q["epoch"] = k.Arch, k.Epoch
	case ospackage.SRPMKey:
		name, version = k.Name, k.Version+"-"+k.Release
		q["arch"], q["epoch"] = k.Arch, k.Epoch
	case ospackage.DRPMKey:
		name = strings.TrimSuffix(path.Base(k.Filename), ".drpm")
		version = k.Version + "-" + k.Release
		q["epoch"] = k.Epoch
	default:
		return ""
	}
	if q["epoch"] == "0" {
		delete(q, "epoch")
	}
	p := packageurl.NewPackageURL(packageurl.TypeRPM, repoID, name, version, packageurl.QualifiersFromMap(q), "")
	return p.ToString()
}
