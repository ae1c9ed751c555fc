package butler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/lsst-sqre/exposurelog/internal/errs"
)

// Config tunes the correlator. Zero values take the defaults below.
type Config struct {
	// Timeout bounds one lookup across all registries of a site.
	Timeout time.Duration
	// NegativeTTL is how long a "not found" answer is remembered.
	NegativeTTL time.Duration
	// SweepCron schedules removal of expired negative entries.
	SweepCron string
	// RatePerSecond and Burst limit calls to each registry.
	RatePerSecond float64
	Burst         int
	// MaxRetries is how many times an unavailable registry is retried.
	MaxRetries int
	// RetryBackoff is the wait before the first retry; it grows linearly.
	RetryBackoff time.Duration
	// MaxRange caps the number of exposures ResolveRange will look up.
	MaxRange int
}

const (
	DefaultTimeout       = 5 * time.Second
	DefaultNegativeTTL   = 30 * time.Second
	DefaultSweepCron     = "* * * * *"
	DefaultRatePerSecond = 50
	DefaultBurst         = 10
	DefaultMaxRetries    = 2
	DefaultRetryBackoff  = 100 * time.Millisecond
	DefaultMaxRange      = 1000
	rangeConcurrency     = 8
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = DefaultNegativeTTL
	}
	if c.SweepCron == "" {
		c.SweepCron = DefaultSweepCron
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = DefaultRatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxRange <= 0 {
		c.MaxRange = DefaultMaxRange
	}
	return c
}

// Observer receives cache and upstream events, for metrics.
type Observer interface {
	CacheHit(kind string)
	CacheMiss()
	UpstreamError(registry string)
}

type nopObserver struct{}

func (nopObserver) CacheHit(string)      {}
func (nopObserver) CacheMiss()           {}
func (nopObserver) UpstreamError(string) {}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the correlator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Correlator) { c.observer = o }
}

// WithNow replaces the clock used for negative-cache expiry.
func WithNow(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// RangeResult is the outcome of resolving a run of sequence numbers.
// Missing lists sequence numbers no registry knows; Unavailable lists
// those that could not be checked because every registry failed.
type RangeResult struct {
	Exposures   []Exposure
	Missing     []int
	Unavailable []int
}

// RegistryInstruments is the instrument list of one registry.
type RegistryInstruments struct {
	URI         string   `json:"uri"`
	Instruments []string `json:"instruments"`
}

// Correlator resolves exposure references against the registries of each
// site, in order, caching answers.
//
// Positive answers are cached for the life of the process. Negative
// answers are cached for NegativeTTL. Upstream failures are never cached.
// Concurrent identical lookups share one upstream call.
type Correlator struct {
	cfg      Config
	sites    map[string][]Registry
	limiters map[string]*rate.Limiter
	group    singleflight.Group
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu       sync.RWMutex
	positive map[string]Exposure
	negative map[string]time.Time // key -> expiry
}

// NewCorrelator creates a correlator over sites, each an ordered list of
// 1-3 registries.
func NewCorrelator(sites map[string][]Registry, cfg Config, opts ...Option) *Correlator {
	cfg = cfg.withDefaults()
	c := &Correlator{
		cfg:      cfg,
		sites:    sites,
		limiters: make(map[string]*rate.Limiter),
		logger:   slog.Default(),
		observer: nopObserver{},
		now:      time.Now,
		positive: make(map[string]Exposure),
		negative: make(map[string]time.Time),
	}
	for _, regs := range sites {
		for _, r := range regs {
			if _, ok := c.limiters[r.URI()]; !ok {
				c.limiters[r.URI()] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
			}
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sites returns the configured site ids, sorted.
func (c *Correlator) Sites() []string {
	out := make([]string, 0, len(c.sites))
	for s := range c.sites {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RegistryURIs returns the registry URIs of site in lookup order.
func (c *Correlator) RegistryURIs(site string) []string {
	regs := c.sites[site]
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.URI()
	}
	return out
}

// Resolve finds the exposure (instrument, dayObs, seqNum) at site.
// Returns NotFound when no registry knows it and UpstreamUnavailable when
// a registry could not be asked and none of the others knew it.
func (c *Correlator) Resolve(ctx context.Context, site, instrument string, dayObs, seqNum int) (Exposure, error) {
	minDay, maxDay := dayObs, dayObs+1
	minSeq, maxSeq := seqNum, seqNum+1
	return c.resolve(ctx, site, cacheKey(site, instrument, dayObs, seqNum), ExposureQuery{
		Instrument: instrument,
		MinDayObs:  &minDay,
		MaxDayObs:  &maxDay,
		MinSeqNum:  &minSeq,
		MaxSeqNum:  &maxSeq,
		Limit:      1,
	})
}

// ResolveObsID finds an exposure by observation id.
func (c *Correlator) ResolveObsID(ctx context.Context, site, instrument, obsID string) (Exposure, error) {
	key := fmt.Sprintf("%s|%s|obs:%s", site, instrument, obsID)
	return c.resolve(ctx, site, key, ExposureQuery{Instrument: instrument, ObsID: obsID, Limit: 1})
}

// ResolveRange resolves every sequence number in [start, end]. A partial
// result is not an error; only cancellation and malformed ranges are.
func (c *Correlator) ResolveRange(ctx context.Context, site, instrument string, dayObs, start, end int) (RangeResult, error) {
	if end < start {
		return RangeResult{}, errs.Validation("seq_num_end", "seq_num_end %d precedes seq_num %d", end, start)
	}
	if n := end - start + 1; n > c.cfg.MaxRange {
		return RangeResult{}, errs.Validation("seq_num_end", "range of %d exposures exceeds the limit of %d", n, c.cfg.MaxRange)
	}

	type outcome struct {
		exp Exposure
		err error
	}
	outcomes := make([]outcome, end-start+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rangeConcurrency)
	for i := range outcomes {
		seq := start + i
		g.Go(func() error {
			exp, err := c.Resolve(gctx, site, instrument, dayObs, seq)
			if err != nil && !errs.IsNotFound(err) && !errs.IsUpstreamUnavailable(err) {
				return err
			}
			outcomes[i] = outcome{exp: exp, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RangeResult{}, err
	}

	res := RangeResult{Exposures: []Exposure{}}
	for i, o := range outcomes {
		switch {
		case o.err == nil:
			res.Exposures = append(res.Exposures, o.exp)
		case errs.IsNotFound(o.err):
			res.Missing = append(res.Missing, start+i)
		default:
			res.Unavailable = append(res.Unavailable, start+i)
		}
	}
	return res, nil
}

// FindExposures queries one registry of site directly, uncached.
// registry is 1-based.
func (c *Correlator) FindExposures(ctx context.Context, site string, registry int, q ExposureQuery) ([]Exposure, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	reg, err := c.registry(site, registry)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var out []Exposure
	err = c.withRetry(ctx, reg, func(ctx context.Context) error {
		var err error
		out, err = reg.FindExposures(ctx, q)
		return err
	})
	return out, err
}

// Instruments lists the instruments of every registry of site.
func (c *Correlator) Instruments(ctx context.Context, site string) ([]RegistryInstruments, error) {
	regs, ok := c.sites[site]
	if !ok {
		return nil, errs.NotFound("unknown site %q", site)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	out := make([]RegistryInstruments, len(regs))
	for i, reg := range regs {
		var names []string
		err := c.withRetry(ctx, reg, func(ctx context.Context) error {
			var err error
			names, err = reg.Instruments(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		out[i] = RegistryInstruments{URI: reg.URI(), Instruments: names}
	}
	return out, nil
}

func (c *Correlator) registry(site string, n int) (Registry, error) {
	regs, ok := c.sites[site]
	if !ok {
		return nil, errs.NotFound("unknown site %q", site)
	}
	if n < 1 || n > len(regs) {
		return nil, errs.Validation("registry", "registry must be between 1 and %d", len(regs))
	}
	return regs[n-1], nil
}

// resolve serves key from cache or runs one shared lookup for it.
func (c *Correlator) resolve(ctx context.Context, site, key string, q ExposureQuery) (Exposure, error) {
	if _, ok := c.sites[site]; !ok {
		return Exposure{}, errs.NotFound("unknown site %q", site)
	}

	c.mu.RLock()
	exp, hit := c.positive[key]
	expiry, neg := c.negative[key]
	c.mu.RUnlock()

	if hit {
		c.observer.CacheHit("positive")
		return exp, nil
	}
	if neg && c.now().Before(expiry) {
		c.observer.CacheHit("negative")
		return Exposure{}, errs.NotFound("exposure %s not found", key)
	}
	c.observer.CacheMiss()

	// The shared lookup must outlive any single caller's cancellation.
	ch := c.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		return c.lookup(lctx, site, key, q)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Exposure{}, res.Err
		}
		return res.Val.(Exposure), nil
	case <-ctx.Done():
		return Exposure{}, errs.Upstream(ctx.Err(), "exposure lookup for %s abandoned", key)
	}
}

// lookup asks each registry of site in order. The first that knows the
// exposure wins. If none does and one failed, the answer is unknown.
func (c *Correlator) lookup(ctx context.Context, site, key string, q ExposureQuery) (Exposure, error) {
	var upstreamErr error
	for _, reg := range c.sites[site] {
		var found []Exposure
		err := c.withRetry(ctx, reg, func(ctx context.Context) error {
			var err error
			found, err = reg.FindExposures(ctx, q)
			return err
		})
		if err != nil {
			c.logger.Warn("butler lookup failed", "registry", reg.URI(), "key", key, "error", err)
			if upstreamErr == nil {
				upstreamErr = err
			}
			continue
		}
		if len(found) > 0 {
			c.mu.Lock()
			c.positive[key] = found[0]
			delete(c.negative, key)
			c.mu.Unlock()
			return found[0], nil
		}
	}

	if upstreamErr != nil {
		return Exposure{}, upstreamErr
	}

	c.mu.Lock()
	c.negative[key] = c.now().Add(c.cfg.NegativeTTL)
	c.mu.Unlock()
	return Exposure{}, errs.NotFound("exposure %s not found", key)
}

// withRetry runs call under the registry's rate limiter, retrying
// UpstreamUnavailable up to MaxRetries times with linear backoff.
func (c *Correlator) withRetry(ctx context.Context, reg Registry, call func(context.Context) error) error {
	limiter := c.limiters[reg.URI()]
	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
			case <-ctx.Done():
				return errs.Upstream(ctx.Err(), "butler %s: gave up after %d attempts", reg.URI(), attempt)
			}
		}
		if limiter != nil {
			if werr := limiter.Wait(ctx); werr != nil {
				return errs.Upstream(werr, "butler %s: rate limit wait", reg.URI())
			}
		}
		err = call(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if !errs.IsUpstreamUnavailable(err) {
				err = errs.Upstream(err, "butler %s: call interrupted", reg.URI())
			}
		}
		if !errs.IsUpstreamUnavailable(err) {
			return err
		}
		c.observer.UpstreamError(reg.URI())
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// Sweep drops expired negative entries and returns how many it removed.
func (c *Correlator) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, expiry := range c.negative {
		if !now.Before(expiry) {
			delete(c.negative, k)
			n++
		}
	}
	return n
}

// CacheSizes reports the number of positive and negative cache entries.
func (c *Correlator) CacheSizes() (positive, negative int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.positive), len(c.negative)
}

// RunSweeper calls Sweep on the SweepCron schedule until ctx is done.
func (c *Correlator) RunSweeper(ctx context.Context) error {
	if !gronx.IsValid(c.cfg.SweepCron) {
		return fmt.Errorf("invalid sweep cron expression: %s", c.cfg.SweepCron)
	}
	c.logger.Info("negative cache sweeper started", "cron", c.cfg.SweepCron, "ttl", c.cfg.NegativeTTL)
	for {
		next, err := gronx.NextTickAfter(c.cfg.SweepCron, time.Now().UTC(), false)
		if err != nil {
			return fmt.Errorf("next sweep tick: %w", err)
		}
		select {
		case <-ctx.Done():
			c.logger.Info("negative cache sweeper stopping")
			return nil
		case <-time.After(time.Until(next)):
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("negative cache swept", "removed", n)
			}
		}
	}
}

func cacheKey(site, instrument string, dayObs, seqNum int) string {
	return site + "|" + instrument + "|" + strconv.Itoa(dayObs) + "|" + strconv.Itoa(seqNum)
}
