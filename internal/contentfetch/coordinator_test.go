package contentfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/open-edge-platform/reposync/internal/cas"
	"github.com/open-edge-platform/reposync/internal/catalog"
	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/pkgfetcher"
	"github.com/open-edge-platform/reposync/internal/progress"
	"github.com/open-edge-platform/reposync/internal/repostore"
)

var files = map[string]string{
	"/repo/Packages/a-1-1.noarch.rpm": "content of a",
	"/repo/Packages/b-1-1.noarch.rpm": "content of b",
	"/repo/Packages/c-1-1.noarch.rpm": "content of c",
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

type env struct {
	srv     *httptest.Server
	store   *repostore.Store
	storage *cas.Storage
	catalog *catalog.Catalog
	work    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store, err := repostore.Open(filepath.Join(dir, "units.db"), 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return &env{
		srv:     srv,
		store:   store,
		storage: cas.New(filepath.Join(dir, "storage")),
		catalog: catalog.New(store),
		work:    filepath.Join(dir, "work"),
	}
}

func (e *env) coordinator(opts Options, options ...Option) *Coordinator {
	opts.RepoID = "repo"
	if opts.BaseURL == "" {
		opts.BaseURL = e.srv.URL + "/repo"
	}
	opts.WorkDir = e.work
	d := pkgfetcher.NewDispatcher(pkgfetcher.NewHTTPDownloader(e.srv.Client()), 2)
	return New(opts, e.store, e.catalog, e.storage, d, options...)
}

func unit(name, content string) *ospackage.WantedUnitInfo {
	return &ospackage.WantedUnitInfo{
		Key: ospackage.RPMKey{
			Name: name, Epoch: "0", Version: "1", Release: "1", Arch: "noarch",
			ChecksumType: "sha256", Checksum: sum(content),
		},
		RelativePath: "Packages/" + name + "-1-1.noarch.rpm",
		Size:         int64(len(content)),
		Snippet:      []byte(`<package type="rpm"><name>` + name + `</name></package>`),
	}
}

func wantedOf(infos ...*ospackage.WantedUnitInfo) ospackage.WantedSet {
	w := ospackage.WantedSet{}
	for _, i := range infos {
		w.Add(i)
	}
	return w
}

func TestFetchStoresAndAssociates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.coordinator(Options{ValidateContent: true})

	report, err := c.Fetch(ctx, wantedOf(unit("a", "content of a"), unit("b", "content of b")))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	snap := report.Snapshot()
	if snap.State != progress.StateSuccess || snap.Succeeded != 2 || snap.Failed != 0 {
		t.Fatalf("report = %+v", snap)
	}

	units, err := e.store.RepoUnits(ctx, "repo", ospackage.TypeRPM)
	if err != nil || len(units) != 2 {
		t.Fatalf("RepoUnits() = %v, %v", units, err)
	}
	for _, u := range units {
		if !u.Downloaded || !cas.Exists(u.StoragePath) {
			t.Errorf("%s not stored: %+v", u.Key, u)
		}
		snippet, _ := e.store.Snippet(ctx, u.ID)
		if !strings.Contains(string(snippet), "<name>") {
			t.Errorf("%s snippet = %q", u.Key, snippet)
		}
		entries, _ := e.store.UnitCatalog(ctx, u.ID)
		if len(entries) != 2 {
			t.Errorf("%s catalog entries = %+v", u.Key, entries)
		}
	}
	if _, err := os.Stat(filepath.Join(e.work, c.RunID())); !os.IsNotExist(err) {
		t.Error("staging directory not cleaned up")
	}
}

// A fails with 404 while B and C succeed.
func TestFetchTransportFailureIsPerUnit(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(Options{ValidateContent: true})
	missing := unit("zzz", "never served")

	report, err := c.Fetch(context.Background(), wantedOf(missing, unit("b", "content of b"), unit("c", "content of c")))
	if err != nil {
		t.Fatal(err)
	}
	snap := report.Snapshot()
	if snap.State != progress.StateFailed || snap.Succeeded != 2 || snap.Failed != 1 {
		t.Fatalf("report = %+v", snap)
	}
	detail := snap.Details[missing.Key.String()]
	if detail.Kind != progress.KindTransport || !strings.Contains(detail.URL, "zzz") || detail.PURL == "" {
		t.Errorf("failure detail = %+v", detail)
	}
}

func TestFetchVerificationFailures(t *testing.T) {
	badSum := unit("a", "content of a")
	k := badSum.Key.(ospackage.RPMKey)
	k.Checksum = sum("something else")
	badSum.Key = k

	badSize := unit("b", "content of b")
	badSize.Size = 3

	badType := unit("c", "content of c")
	kc := badType.Key.(ospackage.RPMKey)
	kc.ChecksumType = "crc32"
	badType.Key = kc

	tests := []struct {
		name string
		info *ospackage.WantedUnitInfo
		kind string
	}{
		{"checksum", badSum, progress.KindChecksumMismatch},
		{"size", badSize, progress.KindSizeMismatch},
		{"unknown type", badType, progress.KindUnknownChecksumType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			c := e.coordinator(Options{ValidateContent: true})
			report, err := c.Fetch(context.Background(), wantedOf(tc.info))
			if err != nil {
				t.Fatal(err)
			}
			snap := report.Snapshot()
			d := snap.Details[tc.info.Key.String()]
			if snap.Failed != 1 || d.Kind != tc.kind {
				t.Fatalf("report = %+v", snap)
			}
			switch tc.kind {
			case progress.KindChecksumMismatch:
				if d.ExpectedChecksum != "sha256:"+sum("something else") || d.ActualChecksum != "sha256:"+sum("content of a") {
					t.Errorf("checksums = %q, %q", d.ExpectedChecksum, d.ActualChecksum)
				}
			case progress.KindSizeMismatch:
				if d.ExpectedSize != 3 || d.ActualSize != int64(len("content of b")) {
					t.Errorf("sizes = %d, %d", d.ExpectedSize, d.ActualSize)
				}
			}
			if cas.Exists(e.storage.StoragePath(tc.info.Key, tc.info.Filename())) {
				t.Error("unverified content reached storage")
			}
			units, _ := e.store.RepoUnits(context.Background(), "repo", "")
			if len(units) != 0 {
				t.Errorf("unverified unit saved: %+v", units)
			}
		})
	}
}

func TestFetchWithoutValidationAcceptsMismatch(t *testing.T) {
	e := newEnv(t)
	info := unit("b", "content of b")
	info.Size = 3
	report, err := e.coordinator(Options{}).Fetch(context.Background(), wantedOf(info))
	if err != nil {
		t.Fatal(err)
	}
	if s := report.Snapshot(); s.State != progress.StateSuccess {
		t.Errorf("report = %+v", s)
	}
}

func TestFetchCorruption(t *testing.T) {
	e := newEnv(t)
	info := unit("a", "content of a")
	dest := e.storage.StoragePath(info.Key, info.Filename())
	os.MkdirAll(filepath.Dir(dest), 0755)
	os.WriteFile(dest, []byte("different bytes"), 0644)

	report, err := e.coordinator(Options{}).Fetch(context.Background(), wantedOf(info))
	if err != nil {
		t.Fatal(err)
	}
	snap := report.Snapshot()
	if snap.Details[info.Key.String()].Kind != progress.KindCorruption {
		t.Fatalf("report = %+v", snap)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "different bytes" {
		t.Error("stored file overwritten")
	}
}

func TestFetchCancelledBeforeStart(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(Options{})
	c.Cancel()
	report, err := c.Fetch(context.Background(), wantedOf(unit("a", "content of a")))
	if err != nil {
		t.Fatal(err)
	}
	snap := report.Snapshot()
	if snap.State != progress.StateCancelled || snap.Succeeded != 0 {
		t.Errorf("report = %+v", snap)
	}
}

func TestFetchChecksumOverride(t *testing.T) {
	e := newEnv(t)
	report, err := e.coordinator(Options{ChecksumTypeOverride: "sha512"}).Fetch(context.Background(), wantedOf(unit("a", "content of a")))
	if err != nil {
		t.Fatal(err)
	}
	if s := report.Snapshot(); s.State != progress.StateSuccess {
		t.Fatalf("report = %+v", s)
	}

	bad := e.coordinator(Options{ChecksumTypeOverride: "whirlpool"})
	report, err = bad.Fetch(context.Background(), wantedOf(unit("b", "content of b")))
	if err != nil {
		t.Fatal(err)
	}
	if s := report.Snapshot(); s.Failed != 1 {
		t.Errorf("report = %+v", s)
	}
}

func TestFetchSkipsUnitsWithoutFiles(t *testing.T) {
	e := newEnv(t)
	group := &ospackage.WantedUnitInfo{Key: ospackage.GroupKey{RepoID: "repo", ID: "core"}, Size: -1}
	report, err := e.coordinator(Options{}).Fetch(context.Background(), wantedOf(group))
	if err != nil {
		t.Fatal(err)
	}
	if s := report.Snapshot(); s.Total != 0 || s.State != progress.StateSuccess {
		t.Errorf("report = %+v", s)
	}
}

func TestURL(t *testing.T) {
	info := &ospackage.WantedUnitInfo{RelativePath: "Packages/a.rpm"}
	tests := []struct {
		name string
		opts Options
		base string
		want string
	}{
		{"plain", Options{BaseURL: "https://h/repo"}, "", "https://h/repo/Packages/a.rpm"},
		{"unit base wins", Options{BaseURL: "https://h/repo"}, "https://mirror/x/", "https://mirror/x/Packages/a.rpm"},
		{"fragment", Options{BaseURL: "https://h/repo", PathFragment: "/download"}, "", "https://h/repo/Packages/a.rpm/download"},
		{"trailing slash", Options{BaseURL: "https://h/repo", TrailingSlash: true}, "", "https://h/repo/Packages/a.rpm/"},
		{"auth query", Options{BaseURL: "https://h/repo", AuthQuery: "?token=s3cret"}, "", "https://h/repo/Packages/a.rpm?token=s3cret"},
		{"all", Options{BaseURL: "https://h/repo", PathFragment: "/dl", TrailingSlash: true, AuthQuery: "t=1"}, "", "https://h/repo/Packages/a.rpm/dl/?t=1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := New(tc.opts, nil, nil, nil, pkgfetcher.NewDispatcher(nil, 1))
			i := *info
			i.BaseURL = tc.base
			got, err := c.URL(&i)
			if err != nil {
				t.Fatalf("URL() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("URL() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRequestsAreRestartable(t *testing.T) {
	c := New(Options{BaseURL: "https://h/repo", WorkDir: "/work"}, nil, nil, nil, pkgfetcher.NewDispatcher(nil, 1))
	seq := c.Requests(wantedOf(unit("a", "x"), unit("b", "y")))
	count := func() int {
		n := 0
		for req := range seq {
			if !strings.HasPrefix(req.Destination, filepath.Join("/work", c.RunID())) {
				t.Errorf("destination %s outside staging dir", req.Destination)
			}
			n++
		}
		return n
	}
	if a, b := count(), count(); a != 2 || b != 2 {
		t.Errorf("iterations yielded %d and %d requests", a, b)
	}
}

func TestVerificationErrorUnwraps(t *testing.T) {
	if !errors.Is(checksumMismatch("sha256", "a", "b"), ErrChecksumMismatch) {
		t.Error("checksum mismatch does not unwrap")
	}
	if !errors.Is(unknownChecksumType("crc32"), ErrUnknownChecksumType) {
		t.Error("unknown type does not unwrap")
	}
}
