package rpmutils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/utils/logger"
)

const repomdPath = "repodata/repomd.xml"

// JoinURL resolves rel against base, treating base as a directory.
func JoinURL(base, rel string) (string, error) {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base URL %q: %w", base, err)
	}
	r, err := url.Parse(strings.TrimLeft(rel, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing relative path %q: %w", rel, err)
	}
	return b.ResolveReference(r).String(), nil
}

// RepoClient reads yum metadata from a remote repository.
type RepoClient struct {
	client    *http.Client
	baseURL   string
	authQuery string
	log       *zap.SugaredLogger
}

// NewRepoClient returns a client for the repository at baseURL. A
// non-empty authQuery replaces the query string of every request.
func NewRepoClient(client *http.Client, baseURL, authQuery string) *RepoClient {
	return &RepoClient{
		client:    client,
		baseURL:   baseURL,
		authQuery: authQuery,
		log:       logger.Logger(),
	}
}

// Repomd downloads and parses repodata/repomd.xml.
func (c *RepoClient) Repomd(ctx context.Context) (*Repomd, error) {
	body, err := c.get(ctx, repomdPath)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return ParseRepomd(body)
}

// Open downloads the document rec points to and returns its decompressed
// content. The compressed bytes are checked against rec's checksum once
// the caller has read everything; a mismatch surfaces as a read error.
func (c *RepoClient) Open(ctx context.Context, rec RepomdRecord) (io.ReadCloser, error) {
	body, err := c.get(ctx, rec.Location.Href)
	if err != nil {
		return nil, err
	}

	var src io.Reader = body
	if rec.Checksum.Value != "" {
		h, err := NewHash(rec.Checksum.Type)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("%s metadata: %w", rec.Type, err)
		}
		src = &verifyingReader{
			r:    io.TeeReader(body, h),
			sum:  func() string { return fmt.Sprintf("%x", h.Sum(nil)) },
			want: strings.TrimSpace(rec.Checksum.Value),
			what: rec.Location.Href,
		}
	}

	dec, err := Decompress(rec.Location.Href, src)
	if err != nil {
		body.Close()
		return nil, err
	}
	return &stackedCloser{Reader: dec, closers: []io.Closer{dec, body}}, nil
}

// WantedSet collects every unit the repository metadata lists: packages
// from primary, deltas from prestodelta and groups from comps.
func (c *RepoClient) WantedSet(ctx context.Context, repoID string) (ospackage.WantedSet, error) {
	md, err := c.Repomd(ctx)
	if err != nil {
		return nil, err
	}

	wanted := ospackage.WantedSet{}
	add := func(info *ospackage.WantedUnitInfo) error {
		wanted.Add(info)
		return nil
	}

	primary, ok := md.Record(DataPrimary)
	if !ok {
		return nil, fmt.Errorf("primary metadata not found in %s", repomdPath)
	}
	if err := c.parse(ctx, primary, func(r io.Reader) error { return ParsePrimary(r, add) }); err != nil {
		return nil, err
	}

	if rec, ok := md.Record(DataPrestoDelta); ok {
		if err := c.parse(ctx, rec, func(r io.Reader) error { return ParsePrestoDelta(r, add) }); err != nil {
			return nil, err
		}
	}
	if rec, ok := md.Record(DataGroupGz, DataGroup); ok {
		if err := c.parse(ctx, rec, func(r io.Reader) error { return ParseComps(r, repoID, add) }); err != nil {
			return nil, err
		}
	}

	c.log.Infof("found %d units in repository metadata at %s", len(wanted), c.baseURL)
	return wanted, nil
}

func (c *RepoClient) parse(ctx context.Context, rec RepomdRecord, fn func(io.Reader) error) error {
	body, err := c.Open(ctx, rec)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := fn(body); err != nil {
		return fmt.Errorf("parsing %s metadata: %w", rec.Type, err)
	}
	// Drain so the checksum check sees the whole document.
	if _, err := io.Copy(io.Discard, body); err != nil {
		return fmt.Errorf("reading %s metadata: %w", rec.Type, err)
	}
	return nil
}

func (c *RepoClient) get(ctx context.Context, rel string) (io.ReadCloser, error) {
	u, err := JoinURL(c.baseURL, rel)
	if err != nil {
		return nil, err
	}
	if c.authQuery != "" {
		parsed, err := url.Parse(u)
		if err != nil {
			return nil, err
		}
		parsed.RawQuery = strings.TrimPrefix(c.authQuery, "?")
		u = parsed.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: bad status: %s", u, resp.Status)
	}
	return resp.Body, nil
}

type verifyingReader struct {
	r    io.Reader
	sum  func() string
	want string
	what string
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if errors.Is(err, io.EOF) {
		if got := v.sum(); !strings.EqualFold(got, v.want) {
			return n, fmt.Errorf("checksum mismatch for %s: expected %s, got %s", v.what, v.want, got)
		}
	}
	return n, err
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
