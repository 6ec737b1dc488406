package alwaysoffline

import (
	"fmt"
	"os"
	"time"

	classifier "github.com/always-cache/always-offline/pkg/request-classifier"

	"gopkg.in/yaml.v3"
)

const (
	DefaultVersion           = "v1"
	DefaultCachePrefix       = "offline"
	DefaultMaxDynamicEntries = 50
	DefaultCleanupTag        = "cache-cleanup"
	DefaultCleanupInterval   = 12 * time.Hour
	DefaultControlPrefix     = "/.offline"
)

// Options are the settings a worker is built with.
// They are fixed for the lifetime of a worker; a new version means a new worker.
type Options struct {
	// Version tag of this worker, part of the default cache names.
	Version     string `yaml:"version"`
	CachePrefix string `yaml:"cachePrefix"`
	// Cache partition names. Derived from prefix and version if empty.
	StaticCache  string `yaml:"staticCache"`
	DynamicCache string `yaml:"dynamicCache"`
	// Critical assets stored in the static cache on install.
	// Must contain the root document "/".
	Precache []string `yaml:"precache"`
	// Request classification patterns.
	Patterns classifier.Patterns `yaml:"patterns"`
	// Maximum number of entries kept in the dynamic cache by the cleanup.
	MaxDynamicEntries int `yaml:"maxDynamicEntries"`
	// Periodic sync tag that triggers the dynamic cache cleanup.
	CleanupTag string `yaml:"cleanupTag"`
	// How often the host fires the cleanup tag.
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	// Path prefix of the control endpoints.
	ControlPrefix string `yaml:"controlPrefix"`
	// Keep a newly installed worker waiting until a SKIP_WAITING message
	// arrives, instead of activating it right after install.
	WaitForSkip bool `yaml:"waitForSkip"`
}

func DefaultOptions() Options {
	o := Options{
		Precache: []string{"/", "/manifest.json", "/favicon.ico"},
		Patterns: classifier.DefaultPatterns(),
	}
	o.SetDefaults()
	return o
}

// CacheNames returns the static and dynamic cache names for a prefix and version.
func CacheNames(prefix, version string) (string, string) {
	return fmt.Sprintf("%s-static-%s", prefix, version), fmt.Sprintf("%s-dynamic-%s", prefix, version)
}

// SetDefaults fills in all zero values.
func (o *Options) SetDefaults() {
	if o.Version == "" {
		o.Version = DefaultVersion
	}
	if o.CachePrefix == "" {
		o.CachePrefix = DefaultCachePrefix
	}
	static, dynamic := CacheNames(o.CachePrefix, o.Version)
	if o.StaticCache == "" {
		o.StaticCache = static
	}
	if o.DynamicCache == "" {
		o.DynamicCache = dynamic
	}
	if o.MaxDynamicEntries == 0 {
		o.MaxDynamicEntries = DefaultMaxDynamicEntries
	}
	if o.CleanupTag == "" {
		o.CleanupTag = DefaultCleanupTag
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.ControlPrefix == "" {
		o.ControlPrefix = DefaultControlPrefix
	}
	if o.Patterns.Mode == "" {
		o.Patterns.Mode = classifier.ModeSubstring
	}
}

func (o Options) Validate() error {
	if o.StaticCache == "" || o.DynamicCache == "" {
		return fmt.Errorf("Cache names must not be empty")
	}
	if o.StaticCache == o.DynamicCache {
		return fmt.Errorf("Static and dynamic cache must differ, both are %s", o.StaticCache)
	}
	if o.MaxDynamicEntries <= 0 {
		return fmt.Errorf("Max dynamic entries must be positive, is %d", o.MaxDynamicEntries)
	}
	if o.Patterns.Mode != classifier.ModeSubstring && o.Patterns.Mode != classifier.ModeStrict {
		return fmt.Errorf("Unknown match mode %s", o.Patterns.Mode)
	}
	return nil
}

// LoadOptions reads options from a YAML file on top of the defaults.
func LoadOptions(filename string) (Options, error) {
	options := DefaultOptions()
	// names are derived again from the version in the file, unless set explicitly
	options.StaticCache = ""
	options.DynamicCache = ""
	optionBytes, err := os.ReadFile(filename)
	if err != nil {
		return options, err
	}
	if err := yaml.Unmarshal(optionBytes, &options); err != nil {
		return options, err
	}
	options.SetDefaults()
	return options, options.Validate()
}
