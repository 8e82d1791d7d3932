package rpmutils

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/open-edge-platform/reposync/internal/ospackage"
)

// Repomd is repodata/repomd.xml.
type Repomd struct {
	XMLName  xml.Name       `xml:"repomd"`
	Revision string         `xml:"revision"`
	Data     []RepomdRecord `xml:"data"`
}

// RepomdRecord is one <data type="..."> entry.
type RepomdRecord struct {
	Type         string   `xml:"type,attr"`
	Checksum     Checksum `xml:"checksum"`
	OpenChecksum Checksum `xml:"open-checksum"`
	Location     Location `xml:"location"`
	Timestamp    int64    `xml:"timestamp"`
	Size         int64    `xml:"size"`
	OpenSize     int64    `xml:"open-size"`
}

type Checksum struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type Location struct {
	Href string `xml:"href,attr"`
	Base string `xml:"base,attr"`
}

// Metadata document types a sync consumes.
const (
	DataPrimary     = "primary"
	DataPrestoDelta = "prestodelta"
	DataGroup       = "group"
	DataGroupGz     = "group_gz"
)

// ParseRepomd decodes repomd.xml.
func ParseRepomd(r io.Reader) (*Repomd, error) {
	var md Repomd
	if err := xml.NewDecoder(r).Decode(&md); err != nil {
		return nil, fmt.Errorf("decoding repomd.xml: %w", err)
	}
	return &md, nil
}

// Record returns the first record matching any of the types, in the
// order the types are given.
func (m *Repomd) Record(types ...string) (RepomdRecord, bool) {
	for _, t := range types {
		for _, rec := range m.Data {
			if rec.Type == t {
				return rec, true
			}
		}
	}
	return RepomdRecord{}, false
}

type primaryPackage struct {
	Type    string `xml:"type,attr"`
	Name    string `xml:"name"`
	Arch    string `xml:"arch"`
	Version struct {
		Epoch string `xml:"epoch,attr"`
		Ver   string `xml:"ver,attr"`
		Rel   string `xml:"rel,attr"`
	} `xml:"version"`
	Checksum Checksum `xml:"checksum"`
	Size     struct {
		Package string `xml:"package,attr"`
	} `xml:"size"`
	Location Location `xml:"location"`
	Inner    []byte   `xml:",innerxml"`
}

// ParsePrimary streams primary.xml and calls fn for every package. Source
// packages (arch "src") become SRPM units, everything else RPM units. The
// raw <package> element is kept as the unit's snippet.
func ParsePrimary(r io.Reader, fn func(*ospackage.WantedUnitInfo) error) error {
	return eachElement(r, "package", func(dec *xml.Decoder, se *xml.StartElement) error {
		var p primaryPackage
		if err := dec.DecodeElement(&p, se); err != nil {
			return fmt.Errorf("decoding package element: %w", err)
		}
		if p.Type != "" && p.Type != "rpm" {
			return nil
		}
		if p.Name == "" || p.Location.Href == "" {
			return fmt.Errorf("package element without name or location")
		}

		key := ospackage.RPMKey{
			Name:         p.Name,
			Epoch:        defaultEpoch(p.Version.Epoch),
			Version:      p.Version.Ver,
			Release:      p.Version.Rel,
			Arch:         p.Arch,
			ChecksumType: NormalizeChecksumType(p.Checksum.Type),
			Checksum:     strings.TrimSpace(p.Checksum.Value),
		}
		info := &ospackage.WantedUnitInfo{
			RelativePath: p.Location.Href,
			BaseURL:      p.Location.Base,
			Size:         parseSize(p.Size.Package),
			Snippet:      snippet("package", `type="rpm"`, p.Inner),
		}
		if p.Arch == "src" {
			info.Key = ospackage.SRPMKey{RPMKey: key}
		} else {
			info.Key = key
		}
		return fn(info)
	})
}

type prestoPackage struct {
	Name    string `xml:"name,attr"`
	Epoch   string `xml:"epoch,attr"`
	Version string `xml:"version,attr"`
	Release string `xml:"release,attr"`
	Arch    string `xml:"arch,attr"`
	Deltas  []struct {
		Filename string   `xml:"filename"`
		Size     string   `xml:"size"`
		Checksum Checksum `xml:"checksum"`
	} `xml:"delta"`
}

// ParsePrestoDelta streams prestodelta.xml and calls fn for every delta.
func ParsePrestoDelta(r io.Reader, fn func(*ospackage.WantedUnitInfo) error) error {
	return eachElement(r, "newpackage", func(dec *xml.Decoder, se *xml.StartElement) error {
		var p prestoPackage
		if err := dec.DecodeElement(&p, se); err != nil {
			return fmt.Errorf("decoding newpackage element: %w", err)
		}
		for _, d := range p.Deltas {
			if d.Filename == "" {
				return fmt.Errorf("delta for %s without filename", p.Name)
			}
			info := &ospackage.WantedUnitInfo{
				Key: ospackage.DRPMKey{
					Epoch:        defaultEpoch(p.Epoch),
					Version:      p.Version,
					Release:      p.Release,
					Filename:     d.Filename,
					ChecksumType: NormalizeChecksumType(d.Checksum.Type),
					Checksum:     strings.TrimSpace(d.Checksum.Value),
				},
				RelativePath: d.Filename,
				Size:         parseSize(d.Size),
			}
			if err := fn(info); err != nil {
				return err
			}
		}
		return nil
	})
}

type compsGroup struct {
	ID    string `xml:"id"`
	Inner []byte `xml:",innerxml"`
}

// ParseComps streams comps.xml and calls fn for every package group.
// Groups belong to repoID.
func ParseComps(r io.Reader, repoID string, fn func(*ospackage.WantedUnitInfo) error) error {
	return eachElement(r, "group", func(dec *xml.Decoder, se *xml.StartElement) error {
		var g compsGroup
		if err := dec.DecodeElement(&g, se); err != nil {
			return fmt.Errorf("decoding group element: %w", err)
		}
		id := strings.TrimSpace(g.ID)
		if id == "" {
			return fmt.Errorf("group element without id")
		}
		return fn(&ospackage.WantedUnitInfo{
			Key:     ospackage.GroupKey{RepoID: repoID, ID: id},
			Size:    -1,
			Snippet: snippet("group", "", g.Inner),
		})
	})
}

// eachElement walks the token stream and hands every start element named
// local to fn, which must consume it.
func eachElement(r io.Reader, local string, fn func(*xml.Decoder, *xml.StartElement) error) error {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != local {
			continue
		}
		if err := fn(dec, &se); err != nil {
			return err
		}
	}
}

func snippet(element, attrs string, inner []byte) []byte {
	var b bytes.Buffer
	b.WriteString("<" + element)
	if attrs != "" {
		b.WriteString(" " + attrs)
	}
	b.WriteString(">")
	b.Write(inner)
	b.WriteString("</" + element + ">")
	return b.Bytes()
}

func defaultEpoch(epoch string) string {
	if epoch == "" {
		return "0"
	}
	return epoch
}

func parseSize(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// RepoConfig holds .repo file values
type RepoConfig struct {
	Section      string // raw section header
	Name         string // human-readable name from name=
	URL          string
	GPGCheck     bool
	RepoGPGCheck bool
	Enabled      bool
	GPGKey       string
}

// LoadRepoConfig parses yum .repo data. Every section becomes one entry,
// in file order.
func LoadRepoConfig(r io.Reader) ([]RepoConfig, error) {
	s := bufio.NewScanner(r)
	var repos []RepoConfig
	var rc *RepoConfig
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		// skip comments or empty
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		// section header
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			repos = append(repos, RepoConfig{Section: strings.Trim(line, "[]"), Enabled: true})
			rc = &repos[len(repos)-1]
			continue
		}
		if rc == nil {
			continue
		}
		// key=value lines
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		switch key {
		case "name":
			rc.Name = val
		case "baseurl":
			rc.URL = val
		case "gpgcheck":
			rc.GPGCheck = (val == "1")
		case "repo_gpgcheck":
			rc.RepoGPGCheck = (val == "1")
		case "enabled":
			rc.Enabled = (val == "1")
		case "gpgkey":
			rc.GPGKey = val
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return repos, nil
}
