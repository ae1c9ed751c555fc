// Package config loads the service configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// the environment (a .env file fills in variables the process environment
// does not set). The result is checked against an embedded CUE schema.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lsst-sqre/exposurelog/internal/butler"
)

//go:embed schema.cue
var schemaSource []byte

// Environment variable names.
const (
	EnvSiteID           = "SITE_ID"
	EnvButlerURIPrefix  = "BUTLER_URI_"
	EnvDBPath           = "EXPOSURELOG_DB_PATH"
	EnvAddr             = "EXPOSURELOG_ADDR"
	EnvLogLevel         = "EXPOSURELOG_LOG_LEVEL"
	EnvButlerTimeout    = "EXPOSURELOG_BUTLER_TIMEOUT"
	EnvNegativeCacheTTL = "EXPOSURELOG_NEGATIVE_CACHE_TTL"
)

// MaxButlerURIs is the number of registries a site may list.
const MaxButlerURIs = 3

// Config is the complete service configuration.
type Config struct {
	SiteID     string              `yaml:"site_id" json:"site_id"`
	ButlerURIs []string            `yaml:"butler_uris" json:"butler_uris"`
	Sites      map[string][]string `yaml:"sites" json:"sites"`
	DBPath     string              `yaml:"db_path" json:"db_path"`
	Listen     string              `yaml:"listen" json:"listen"`
	LogLevel   string              `yaml:"log_level" json:"log_level"`
	Butler     Butler              `yaml:"butler" json:"butler"`
}

// Butler tunes registry access. Durations are written as Go durations
// ("5s") in YAML and the environment.
type Butler struct {
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	NegativeTTL   time.Duration `yaml:"negative_ttl" json:"negative_ttl"`
	SweepCron     string        `yaml:"sweep_cron" json:"sweep_cron"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int           `yaml:"burst" json:"burst"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	MaxRange      int           `yaml:"max_range" json:"max_range"`
}

// Default returns the built-in configuration. It has no site id or
// registries, so it does not validate on its own.
func Default() Config {
	return Config{
		ButlerURIs: []string{},
		Sites:      map[string][]string{},
		DBPath:     "exposurelog.db",
		Listen:     ":8080",
		LogLevel:   "info",
		Butler: Butler{
			Timeout:       butler.DefaultTimeout,
			NegativeTTL:   butler.DefaultNegativeTTL,
			SweepCron:     butler.DefaultSweepCron,
			RatePerSecond: butler.DefaultRatePerSecond,
			Burst:         butler.DefaultBurst,
			MaxRetries:    butler.DefaultMaxRetries,
			RetryBackoff:  butler.DefaultRetryBackoff,
			MaxRange:      butler.DefaultMaxRange,
		},
	}
}

// Options says where Load looks.
type Options struct {
	// File is an optional YAML file.
	File string
	// EnvFile is an optional .env file; missing is not an error.
	EnvFile string
	// Getenv reads the environment; nil means os.LookupEnv.
	Getenv func(string) (string, bool)
}

// Load builds and validates the configuration.
func Load(opts Options) (Config, error) {
	cfg := Default()

	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", opts.File, err)
		}
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.LookupEnv
	}
	if opts.EnvFile != "" {
		dotenv, err := godotenv.Read(opts.EnvFile)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read env file: %w", err)
		}
		getenv = layered(getenv, dotenv)
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}

	if cfg.Sites == nil {
		cfg.Sites = map[string][]string{}
	}
	if cfg.ButlerURIs == nil {
		cfg.ButlerURIs = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// layered prefers the process environment and falls back to dotenv.
func layered(getenv func(string) (string, bool), dotenv map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := getenv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

func (c *Config) applyEnv(getenv func(string) (string, bool)) error {
	if v, ok := getenv(EnvSiteID); ok {
		c.SiteID = v
	}
	var uris []string
	for i := 1; i <= MaxButlerURIs; i++ {
		if v, ok := getenv(EnvButlerURIPrefix + strconv.Itoa(i)); ok && v != "" {
			uris = append(uris, v)
		}
	}
	if len(uris) > 0 {
		c.ButlerURIs = uris
	}
	if v, ok := getenv(EnvDBPath); ok {
		c.DBPath = v
	}
	if v, ok := getenv(EnvAddr); ok {
		c.Listen = v
	}
	if v, ok := getenv(EnvLogLevel); ok {
		c.LogLevel = v
	}
	for name, dst := range map[string]*time.Duration{
		EnvButlerTimeout:    &c.Butler.Timeout,
		EnvNegativeCacheTTL: &c.Butler.NegativeTTL,
	} {
		v, ok := getenv(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks c against the schema and checks the sweep schedule.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := schema.Unify(ctx.Encode(c))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !gronx.IsValid(c.Butler.SweepCron) {
		return fmt.Errorf("invalid config: butler.sweep_cron %q is not a cron expression", c.Butler.SweepCron)
	}
	if _, dup := c.Sites[c.SiteID]; dup {
		return fmt.Errorf("invalid config: site %q is listed in sites and as site_id", c.SiteID)
	}
	return nil
}

// AllSites returns every site with its registry URIs, including SiteID.
func (c Config) AllSites() map[string][]string {
	out := make(map[string][]string, len(c.Sites)+1)
	for site, uris := range c.Sites {
		out[site] = uris
	}
	out[c.SiteID] = c.ButlerURIs
	return out
}

// SiteNames returns the sorted site ids.
func (c Config) SiteNames() []string {
	all := c.AllSites()
	out := make([]string, 0, len(all))
	for s := range all {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CorrelatorConfig converts the butler settings.
func (c Config) CorrelatorConfig() butler.Config {
	return butler.Config{
		Timeout:       c.Butler.Timeout,
		NegativeTTL:   c.Butler.NegativeTTL,
		SweepCron:     c.Butler.SweepCron,
		RatePerSecond: c.Butler.RatePerSecond,
		Burst:         c.Butler.Burst,
		MaxRetries:    c.Butler.MaxRetries,
		RetryBackoff:  c.Butler.RetryBackoff,
		MaxRange:      c.Butler.MaxRange,
	}
}

// OpenRegistries creates the registries of every site.
func (c Config) OpenRegistries() (map[string][]butler.Registry, error) {
	out := make(map[string][]butler.Registry)
	for site, uris := range c.AllSites() {
		for _, uri := range uris {
			reg, err := butler.NewRegistry(uri, c.Butler.Timeout)
			if err != nil {
				return nil, fmt.Errorf("site %s: %w", site, err)
			}
			out[site] = append(out[site], reg)
		}
	}
	return out, nil
}
