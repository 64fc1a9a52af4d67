// Package config loads course-archiver settings from an optional YAML file, overlaid with COURSE_ARCHIVER_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/alanbriolat/course-archiver/download"
	"github.com/alanbriolat/course-archiver/internal/browser"
	"github.com/alanbriolat/course-archiver/internal/layout"
	"github.com/alanbriolat/course-archiver/internal/scheduler"
	"github.com/alanbriolat/course-archiver/platform"
)

const (
	EnvVarPrefix     = "COURSE_ARCHIVER"
	appName          = "course-archiver"
	manifestFileName = ".manifest.db"
)

type Config struct {
	BaseURL  string `envconfig:"BASE_URL" yaml:"baseURL"`
	Username string `envconfig:"USERNAME" yaml:"username"`
	Password string `envconfig:"PASSWORD" yaml:"password"`
	// Course selects the course to download: an identifier, a course URL or a 1-based index into the course list.
	Course    string             `envconfig:"COURSE"    yaml:"course"`
	Endpoints platform.Endpoints `envconfig:"ENDPOINTS" yaml:"endpoints"`

	Root string `envconfig:"ROOT" yaml:"root"`
	// Manifest defaults to .manifest.db inside Root.
	Manifest         string `envconfig:"MANIFEST"           yaml:"manifest"`
	ASCIIPaths       bool   `envconfig:"ASCII_PATHS"        yaml:"asciiPaths"`
	MaxSegmentLength int    `envconfig:"MAX_SEGMENT_LENGTH" yaml:"maxSegmentLength"`

	Concurrency     int           `envconfig:"CONCURRENCY"      yaml:"concurrency"`
	TreeConcurrency int           `envconfig:"TREE_CONCURRENCY" yaml:"treeConcurrency"`
	MaxRetries      int           `envconfig:"MAX_RETRIES"      yaml:"maxRetries"`
	InitialBackoff  time.Duration `envconfig:"INITIAL_BACKOFF"  yaml:"initialBackoff"`
	MaxBackoff      time.Duration `envconfig:"MAX_BACKOFF"      yaml:"maxBackoff"`
	// RequestTimeout bounds the wait for response headers; 0 means no limit.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" yaml:"requestTimeout"`
	UserAgent      string        `envconfig:"USER_AGENT"      yaml:"userAgent"`

	Browser     string `envconfig:"BROWSER"      yaml:"browser"`
	ProfileDir  string `envconfig:"PROFILE_DIR"  yaml:"profileDir"`
	CookiesFile string `envconfig:"COOKIES_FILE" yaml:"cookiesFile"`
}

func Default() Config {
	return Config{
		Endpoints:        platform.DefaultEndpoints(),
		Root:             layout.DefaultRoot,
		MaxSegmentLength: layout.DefaultMaxSegment,
		Concurrency:      scheduler.DefaultConcurrency,
		TreeConcurrency:  platform.DefaultConcurrency,
		MaxRetries:       download.DefaultMaxRetries,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       8 * time.Second,
		UserAgent:        platform.DefaultUserAgent,
		Browser:          browser.DefaultBrowser,
	}
}

// DefaultPath is where Load looks when neither an explicit path nor COURSE_ARCHIVER_CONFIG_FILE is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appName, "config.yaml")
}

// Load reads the config file at path, if it exists, and then the environment. An empty path means
// COURSE_ARCHIVER_CONFIG_FILE, or DefaultPath.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvVarPrefix + "_CONFIG_FILE")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultPath()
	}

	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.UnmarshalStrict(data, &c); err != nil {
				return nil, fmt.Errorf("unmarshaling config file: %w", err)
			}
		case !os.IsNotExist(err) || explicit:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvVarPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	c.Endpoints = c.Endpoints.WithDefaults()
	if c.Root == "" {
		c.Root = layout.DefaultRoot
	}
	return &c, nil
}

// ManifestPath is the manifest location, defaulting to one inside the download root.
func (c *Config) ManifestPath() string {
	if c.Manifest != "" {
		return c.Manifest
	}
	return filepath.Join(c.Root, manifestFileName)
}

// Validate checks the settings every command needs; requireCourse adds the course selection.
func (c *Config) Validate(requireCourse bool) error {
	if y, e := func() (string, string) {
		if c.BaseURL == "" {
			return "baseURL", "BASE_URL"
		}
		if c.Username == "" {
			return "username", "USERNAME"
		}
		if c.Password == "" {
			return "password", "PASSWORD"
		}
		if requireCourse && c.Course == "" {
			return "course", "COURSE"
		}
		return "", ""
	}(); y != "" {
		return fmt.Errorf(
			"missing required configuration: %s / %s_%s",
			y,
			EnvVarPrefix,
			e,
		)
	}
	if _, err := platform.NormalizeBaseURL(c.BaseURL); err != nil {
		return fmt.Errorf("invalid baseURL: %w", err)
	}
	if c.Concurrency < 0 || c.TreeConcurrency < 0 || c.MaxRetries < 0 {
		return fmt.Errorf("concurrency, treeConcurrency and maxRetries must not be negative")
	}
	return nil
}

func (c *Config) RetryPolicy() download.RetryPolicy {
	return download.RetryPolicy{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
	}.Normalize()
}

func (c *Config) LayoutOptions() layout.Options {
	return layout.Options{
		Root: c.Root,
		SanitizeOptions: layout.SanitizeOptions{
			MaxLength: c.MaxSegmentLength,
			ASCII:     c.ASCIIPaths,
		},
	}
}

func (c *Config) BrowserOptions() browser.Options {
	return browser.Options{
		Browser:     c.Browser,
		ProfileDir:  c.ProfileDir,
		CookiesFile: c.CookiesFile,
	}
}
