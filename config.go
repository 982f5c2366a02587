package offlinecache

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"
	"github.com/always-cache/offline-cache/strategy"
	"github.com/always-cache/offline-cache/version"
)

// FileConfig is the YAML configuration of a deployment.
type FileConfig struct {
	// URL of the origin server.
	Origin string `yaml:"origin"`
	// Hostname to use for HTTP requests and TLS negotiation with the origin.
	Host string `yaml:"host"`
	// Address to listen on.
	Listen string `yaml:"listen"`
	// Address for the admin endpoints. If empty they are served on Listen,
	// reachable by every client of the proxy.
	AdminListen string `yaml:"adminListen"`
	// Base URL of the application. Defaults to the origin.
	Scope         string         `yaml:"scope"`
	Versions      ConfigVersions `yaml:"versions"`
	Precache      []string       `yaml:"precache"`
	ExternalHosts []string       `yaml:"externalHosts"`
	VaryHeaders   []string       `yaml:"varyHeaders"`
	Policy        ConfigPolicy   `yaml:"policy"`
	Storage       ConfigStorage  `yaml:"storage"`
	Timeouts      ConfigTimeouts `yaml:"timeouts"`
	// Interval for refreshing the dynamic cache. Zero disables refreshing.
	Refresh time.Duration `yaml:"refresh"`
	// Number of precache requests in flight during install.
	InstallConcurrency int `yaml:"installConcurrency"`
}

type ConfigVersions struct {
	Static  string `yaml:"static"`
	Dynamic string `yaml:"dynamic"`
}

type ConfigPolicy struct {
	Navigation string `yaml:"navigation"`
	Precache   string `yaml:"precache"`
	// Cache for precache assets: static or dynamic.
	PrecacheMisses string `yaml:"precacheMisses"`
	Range          string `yaml:"range"`
	SkipWaiting    *bool  `yaml:"skipWaiting"`
}

type ConfigStorage struct {
	// One of sqlite, leveldb or memory.
	Provider string `yaml:"provider"`
	Path     string `yaml:"path"`
}

type ConfigTimeouts struct {
	Network    time.Duration `yaml:"network"`
	ClientIdle time.Duration `yaml:"clientIdle"`
}

// DefaultConfig returns the configuration used for values missing from the
// file.
func DefaultConfig() FileConfig {
	skipWaiting := true
	return FileConfig{
		Listen: ":8080",
		Policy: ConfigPolicy{
			Navigation:     string(strategy.NetworkFirst),
			Precache:       string(strategy.CacheFirst),
			PrecacheMisses: string(MissStatic),
			Range:          string(RangeBypass),
			SkipWaiting:    &skipWaiting,
		},
		Storage: ConfigStorage{
			Provider: "sqlite",
			Path:     "cache.db",
		},
		Timeouts: ConfigTimeouts{
			Network:    30 * time.Second,
			ClientIdle: 5 * time.Minute,
		},
		InstallConcurrency: 4,
	}
}

// LoadConfig reads a YAML configuration file, fills in defaults and
// validates the result.
func LoadConfig(filename string) (FileConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return FileConfig{}, errors.Wrapf(err, errors.CodeInvalidConfig, "read config %s", filename)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for in-memory YAML.
func ParseConfig(data []byte) (FileConfig, error) {
	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return FileConfig{}, errors.Wrap(err, errors.CodeInvalidConfig, "parse config")
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return FileConfig{}, err
	}
	return config, nil
}

// ApplyDefaults fills every unset value from DefaultConfig.
func (c *FileConfig) ApplyDefaults() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Scope == "" {
		c.Scope = c.Origin
	}
	if c.Policy.Navigation == "" {
		c.Policy.Navigation = d.Policy.Navigation
	}
	if c.Policy.Precache == "" {
		c.Policy.Precache = d.Policy.Precache
	}
	if c.Policy.PrecacheMisses == "" {
		c.Policy.PrecacheMisses = d.Policy.PrecacheMisses
	}
	if c.Policy.Range == "" {
		c.Policy.Range = d.Policy.Range
	}
	if c.Policy.SkipWaiting == nil {
		c.Policy.SkipWaiting = d.Policy.SkipWaiting
	}
	if c.Storage.Provider == "" {
		c.Storage.Provider = d.Storage.Provider
	}
	if c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if c.Timeouts.Network == 0 {
		c.Timeouts.Network = d.Timeouts.Network
	}
	if c.Timeouts.ClientIdle == 0 {
		c.Timeouts.ClientIdle = d.Timeouts.ClientIdle
	}
	if c.InstallConcurrency == 0 {
		c.InstallConcurrency = d.InstallConcurrency
	}
}

// Validate checks the configuration for values that cannot work.
func (c FileConfig) Validate() error {
	if c.Origin == "" {
		return invalidConfig("origin", fmt.Errorf("is required"))
	}
	if _, err := parseAbsURL(c.Origin); err != nil {
		return invalidConfig("origin", err)
	}
	if _, err := parseAbsURL(c.Scope); err != nil {
		return invalidConfig("scope", err)
	}
	if _, err := version.New(c.Versions.Static, c.Versions.Dynamic); err != nil {
		return invalidConfig("versions", err)
	}
	for _, resource := range c.Precache {
		if _, err := url.Parse(resource); err != nil {
			return invalidConfig("precache", err)
		}
	}
	if _, err := withDefaults(c.policy()); err != nil {
		return invalidConfig("policy", err)
	}
	switch c.Storage.Provider {
	case "sqlite", "leveldb", "memory":
	default:
		return invalidConfig("storage.provider", fmt.Errorf("unsupported provider %q", c.Storage.Provider))
	}
	if c.Timeouts.Network < 0 || c.Refresh < 0 {
		return invalidConfig("timeouts", fmt.Errorf("durations must not be negative"))
	}
	return nil
}

func (c FileConfig) policy() Policy {
	p := Policy{
		Navigation:     strategy.Name(c.Policy.Navigation),
		Precache:       strategy.Name(c.Policy.Precache),
		PrecacheMisses: MissCache(c.Policy.PrecacheMisses),
		Range:          RangePolicy(c.Policy.Range),
	}
	if c.Policy.SkipWaiting != nil {
		p.SkipWaiting = *c.Policy.SkipWaiting
	}
	return p
}

// OriginURL returns the parsed origin.
func (c FileConfig) OriginURL() (url.URL, error) {
	return parseAbsURL(c.Origin)
}

// WorkerConfig builds the worker configuration for the given storage and
// network.
func (c FileConfig) WorkerConfig(storage cache.Storage, fetcher fetch.Fetcher, logger *zerolog.Logger) (Config, error) {
	versions, err := version.New(c.Versions.Static, c.Versions.Dynamic)
	if err != nil {
		return Config{}, invalidConfig("versions", err)
	}
	scope, err := parseAbsURL(c.Scope)
	if err != nil {
		return Config{}, invalidConfig("scope", err)
	}
	return Config{
		Storage:            storage,
		Fetcher:            fetcher,
		Versions:           versions,
		Manifest:           c.Precache,
		Scope:              scope,
		ExternalHosts:      c.ExternalHosts,
		Policy:             c.policy(),
		VaryHeaders:        c.VaryHeaders,
		InstallConcurrency: c.InstallConcurrency,
		RefreshEvery:       c.Refresh,
		Logger:             logger,
	}, nil
}

func parseAbsURL(raw string) (url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return url.URL{}, err
	}
	if !u.IsAbs() {
		return url.URL{}, fmt.Errorf("%q is not an absolute URL", raw)
	}
	return *u, nil
}

func invalidConfig(field string, err error) error {
	return errors.WithContext(
		errors.Wrapf(err, errors.CodeInvalidConfig, "%s: %v", field, err),
		"field", field)
}
