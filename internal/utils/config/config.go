package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	k8syaml "sigs.k8s.io/yaml"

	"github.com/open-edge-platform/reposync/internal/config/validate"
	"github.com/open-edge-platform/reposync/internal/ospackage/rpmutils"
)

// GlobalConfig holds the settings of one repository sync.
type GlobalConfig struct {
	Repository            RepositoryConfig      `yaml:"repository"`
	Storage               StorageConfig         `yaml:"storage"`
	WorkDir               string                `yaml:"work_dir"`
	ReportDir             string                `yaml:"report_dir"`
	ValidateContent       bool                  `yaml:"validate_content"`
	ChecksumTypeOverride  string                `yaml:"checksum_type_override"`
	MaxParallelDownloads  int                   `yaml:"max_parallel_downloads"`
	DeferredDownload      bool                  `yaml:"deferred_download"`
	SignatureFilterPolicy SignaturePolicyConfig `yaml:"signature_filter_policy"`
	QueryAuthToken        string                `yaml:"query_auth_token"`
	PageSize              int                   `yaml:"page_size"`
	URL                   URLConfig             `yaml:"url"`
	Logging               LoggingConfig         `yaml:"logging"`
}

// RepositoryConfig names the remote repository. Feed may come from a yum
// .repo file instead.
type RepositoryConfig struct {
	ID       string `yaml:"id"`
	Feed     string `yaml:"feed"`
	RepoFile string `yaml:"repo_file"`
}

// StorageConfig locates content storage and the unit database.
type StorageConfig struct {
	Root     string `yaml:"root"`
	Database string `yaml:"database"`
}

// SignaturePolicyConfig restricts accepted package signers.
type SignaturePolicyConfig struct {
	RequireSignature bool     `yaml:"require_signature"`
	AllowedKeyIDs    []string `yaml:"allowed_key_ids"`
	Keyring          string   `yaml:"keyring"`
}

// Enabled reports whether any signature filtering is configured.
func (p SignaturePolicyConfig) Enabled() bool {
	return p.RequireSignature || len(p.AllowedKeyIDs) > 0 || p.Keyring != ""
}

// URLConfig adjusts download URLs.
type URLConfig struct {
	PathFragment  string `yaml:"path_fragment"`
	TrailingSlash bool   `yaml:"trailing_slash"`
}

// LoggingConfig controls the logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MaxPageSize bounds page_size to what one unit store lookup accepts.
const MaxPageSize = 500

// DefaultGlobalConfig returns the configuration used for unset keys.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Storage:              StorageConfig{Root: "./storage"},
		WorkDir:              "./workspace",
		ReportDir:            "./reports",
		ValidateContent:      true,
		MaxParallelDownloads: 4,
		PageSize:             MaxPageSize,
		Logging:              LoggingConfig{Level: "info"},
	}
}

// LoadGlobalConfig reads, validates and completes the config file at path.
func LoadGlobalConfig(path string) (*GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := parseGlobalConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.Repository.RepoFile != "" && !filepath.IsAbs(cfg.Repository.RepoFile) {
		cfg.Repository.RepoFile = filepath.Join(filepath.Dir(path), cfg.Repository.RepoFile)
	}
	if err := cfg.applyRepoFile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// parseGlobalConfig checks raw YAML against the schema and decodes it
// over the defaults.
func parseGlobalConfig(data []byte) (*GlobalConfig, error) {
	jsonData, err := k8syaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("converting YAML to JSON: %w", err)
	}
	if err := validate.ValidateConfigJSON(jsonData); err != nil {
		return nil, err
	}
	cfg := DefaultGlobalConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding YAML: %w", err)
	}
	return cfg, nil
}

// applyRepoFile fills the feed, and the keyring when gpgcheck is on, from
// the .repo file section named like the repository, or the first enabled
// one.
func (c *GlobalConfig) applyRepoFile() error {
	if c.Repository.RepoFile == "" {
		return nil
	}
	f, err := os.Open(c.Repository.RepoFile)
	if err != nil {
		return fmt.Errorf("opening repo file: %w", err)
	}
	defer f.Close()
	repos, err := rpmutils.LoadRepoConfig(f)
	if err != nil {
		return fmt.Errorf("parsing repo file %s: %w", c.Repository.RepoFile, err)
	}

	var pick *rpmutils.RepoConfig
	for i := range repos {
		if repos[i].Section == c.Repository.ID {
			pick = &repos[i]
			break
		}
		if pick == nil && repos[i].Enabled {
			pick = &repos[i]
		}
	}
	if pick == nil {
		return fmt.Errorf("repo file %s has no usable section", c.Repository.RepoFile)
	}
	if c.Repository.Feed == "" {
		c.Repository.Feed = pick.URL
	}
	if pick.GPGCheck && c.SignatureFilterPolicy.Keyring == "" && strings.HasPrefix(pick.GPGKey, "file://") {
		c.SignatureFilterPolicy.Keyring = strings.TrimPrefix(pick.GPGKey, "file://")
	}
	return nil
}

// Validate checks the rules the schema cannot express.
func (c *GlobalConfig) Validate() error {
	if c.Repository.ID == "" {
		return fmt.Errorf("repository.id is required")
	}
	if c.Repository.Feed == "" {
		return fmt.Errorf("repository.feed is required (directly or via repo_file)")
	}
	if c.MaxParallelDownloads < 1 {
		return fmt.Errorf("max_parallel_downloads must be at least 1")
	}
	if c.PageSize < 1 || c.PageSize > MaxPageSize {
		return fmt.Errorf("page_size must be between 1 and %d", MaxPageSize)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.ChecksumTypeOverride != "" {
		if _, err := rpmutils.NewHash(c.ChecksumTypeOverride); err != nil {
			return fmt.Errorf("checksum_type_override: %w", err)
		}
	}
	for _, id := range c.SignatureFilterPolicy.AllowedKeyIDs {
		if _, err := rpmutils.NormalizeKeyID(id); err != nil {
			return fmt.Errorf("signature_filter_policy: %w", err)
		}
	}
	return nil
}
