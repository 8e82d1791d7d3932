package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReportPath is the default directory run reports are written to.
var ReportPath = "reports"

// WriteReport marshals v as YAML into dir/sync-<title>.yaml, replacing any
// previous report with the same title. An empty dir falls back to
// ReportPath. It returns the path written.
func WriteReport(dir, title string, v any) (string, error) {
	if dir == "" {
		dir = ReportPath
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshalling report: %w", err)
	}

	reportFullPath := filepath.Join(dir, fmt.Sprintf("sync-%s.yaml", safeTitle(title)))
	tmp := reportFullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp, reportFullPath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("renaming report: %w", err)
	}
	return reportFullPath, nil
}

// safeTitle replaces everything but ASCII letters, digits and '-' with
// underscores so the title can be used in a filename.
func safeTitle(title string) string {
	if title == "" {
		return "untitled"
	}
	var b strings.Builder
	for _, r := range title {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
