// Package kernel implements the Parserator core: the parse facade that wires
// the architect, extractor, resolver chain, plan cache, telemetry hub,
// processors and interceptors together, plus reusable sessions bound to a
// stable schema.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/parserator/runtime/architect"
	"goa.design/parserator/runtime/extract"
	"goa.design/parserator/runtime/model"
	"goa.design/parserator/runtime/plancache"
	"goa.design/parserator/runtime/process"
	"goa.design/parserator/runtime/queue"
	"goa.design/parserator/runtime/resolve"
	"goa.design/parserator/runtime/telemetry"
)

type (
	// Options configures a Core. Only APIKey is required; every other field
	// has a working default.
	Options struct {
		// APIKey is opaque to the kernel but must be non-empty. Provider
		// adapters read it when constructing their own clients.
		APIKey string
		// Config overrides applied on top of defaults and profile.
		Config *Overrides
		// Profile is a built-in profile name or a custom Profile. Nil or
		// empty string selects lean-agent.
		Profile any
		// Logger for kernel diagnostics. Nil defaults to no-op.
		Logger telemetry.Logger
		// Metrics recorder. Nil defaults to no-op.
		Metrics telemetry.Metrics
		// Tracer for stage spans. Nil disables tracing.
		Tracer telemetry.Tracer
		// Architect replaces the default (hybrid-wrapped heuristic) agent.
		Architect architect.Agent
		// Extractor replaces the default extractor.
		Extractor extract.Agent
		// Resolvers replaces the default resolver chain.
		Resolvers []resolve.FieldResolver
		// PlanCache replaces the default in-memory cache. Set NoCache to
		// disable caching outright.
		PlanCache plancache.Cache
		// NoCache disables plan caching.
		NoCache bool
		// Preprocessors replaces the default preprocessor list.
		Preprocessors []process.Preprocessor
		// Postprocessors replaces the default postprocessor list.
		Postprocessors []process.Postprocessor
		// Interceptors registered at construction time.
		Interceptors []Interceptor
		// RewriteClient enables the LLM plan-rewrite path.
		RewriteClient model.RewriteClient
		// FieldClient enables the lean LLM field fallback.
		FieldClient model.FieldClient
	}

	// Core is the kernel facade. Safe for concurrent parses; configuration
	// mutators take the kernel lock.
	Core struct {
		mu      sync.RWMutex
		cfg     Config
		profile string
		apiKey  string

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		hub     *telemetry.Hub

		architect architect.Agent
		extractor extract.Agent
		registry  *resolve.Registry
		cache     plancache.Cache

		preprocessors  []process.Preprocessor
		postprocessors []process.Postprocessor
		interceptors   interceptorList

		hybrid *architect.Hybrid
		lean   *resolve.LeanLLMResolver
	}
)

// ErrAPIKeyRequired is returned by New when the API key is empty.
var ErrAPIKeyRequired = errors.New("kernel: api key is required")

// New constructs a kernel. Configuration composes as defaults, then profile
// overrides, then user overrides.
func New(opts Options) (*Core, error) {
	if opts.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}

	profile, err := resolveProfile(opts.Profile)
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:     DefaultConfig(),
		profile: profile.Name(),
		apiKey:  opts.APIKey,
		logger:  logger,
		metrics: metrics,
		tracer:  opts.Tracer,
		hub:     telemetry.NewHub(logger),
	}

	pres, err := profile.Configure(&ProfileContext{Config: c.cfg, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("configure profile %s: %w", profile.Name(), err)
	}
	if pres == nil {
		pres = &ProfileResult{}
	}
	if pres.Config != nil {
		c.cfg = *pres.Config
	}
	c.cfg = opts.Config.Apply(c.cfg)

	// Resolver chain: user > profile > defaults, with the lean LLM fallback
	// appended when a field client is configured and fallbacks are enabled.
	chain := opts.Resolvers
	if chain == nil {
		chain = pres.Resolvers
	}
	if chain == nil {
		chain = resolve.DefaultChain()
	}
	if opts.FieldClient != nil && c.cfg.EnableFieldFallbacks {
		c.lean = resolve.NewLeanLLMResolver(resolve.LeanLLMConfig{
			Client:                 opts.FieldClient,
			Queue:                  queue.New(queue.Options{Concurrency: 1}),
			Hub:                    c.hub,
			Logger:                 logger,
			PlanConfidenceGate:     c.cfg.FallbackPlanConfidenceGate,
			MaxInvocationsPerParse: c.cfg.FallbackMaxInvocations,
			MaxTokensPerParse:      c.cfg.FallbackMaxTokens,
			AllowOptionalFields:    c.cfg.FallbackAllowOptionalFields,
			MaxInputCharacters:     c.cfg.FallbackMaxInputChars,
			Timeout:                c.cfg.ModelTimeout,
		})
		chain = append(chain, c.lean)
	}
	c.registry = resolve.NewRegistry(logger, chain...)

	// Architect: user > profile > hybrid-wrapped heuristic.
	c.architect = opts.Architect
	if c.architect == nil {
		c.architect = pres.Architect
	}
	if c.architect == nil {
		heuristic := architect.NewHeuristic(c.cfg.DefaultStrategy, c.cfg.MinConfidence)
		if opts.RewriteClient != nil {
			c.hybrid = architect.NewHybrid(heuristic, architect.HybridConfig{
				Client:         opts.RewriteClient,
				Queue:          queue.New(queue.Options{Concurrency: 1}),
				Hub:            c.hub,
				Logger:         logger,
				Cooldown:       c.cfg.RewriteCooldown,
				MaxSampleChars: c.cfg.RewriteMaxSampleChars,
				Timeout:        c.cfg.ModelTimeout,
			})
			c.architect = c.hybrid
		} else {
			c.architect = heuristic
		}
	}

	// Extractor: user > profile > default, attaching the registry either way.
	c.extractor = opts.Extractor
	if c.extractor == nil {
		c.extractor = pres.Extractor
	}
	if c.extractor == nil {
		c.extractor = extract.NewHeuristic(c.registry)
	}
	if attacher, ok := c.extractor.(extract.RegistryAttacher); ok {
		attacher.AttachRegistry(c.registry)
	}

	if !opts.NoCache {
		c.cache = opts.PlanCache
		if c.cache == nil {
			c.cache = plancache.NewMemory(plancache.Policy{
				MinConfidence: c.cfg.CacheMinConfidence,
				StaleAfter:    c.cfg.CacheStaleAfter,
			})
		}
	}

	c.preprocessors = opts.Preprocessors
	if c.preprocessors == nil {
		c.preprocessors = process.DefaultPreprocessors()
	}
	c.postprocessors = opts.Postprocessors
	if c.postprocessors == nil {
		c.postprocessors = process.DefaultPostprocessors()
	}
	for _, i := range opts.Interceptors {
		c.interceptors.add(i)
	}
	return c, nil
}

func resolveProfile(p any) (Profile, error) {
	switch v := p.(type) {
	case nil:
		return LookupProfile("")
	case string:
		return LookupProfile(v)
	case Profile:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported profile type %T", p)
	}
}

// GetConfig returns a copy of the effective configuration.
func (c *Core) GetConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// GetProfile returns the active profile name.
func (c *Core) GetProfile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// UpdateConfig applies overrides onto the current configuration.
func (c *Core) UpdateConfig(o *Overrides) {
	c.mu.Lock()
	c.cfg = o.Apply(c.cfg)
	c.mu.Unlock()
}

// ApplyProfile re-runs profile composition on the current configuration.
func (c *Core) ApplyProfile(p any) error {
	profile, err := resolveProfile(p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pres, err := profile.Configure(&ProfileContext{Config: c.cfg, Logger: c.logger})
	if err != nil {
		return fmt.Errorf("configure profile %s: %w", profile.Name(), err)
	}
	c.profile = profile.Name()
	if pres == nil {
		return nil
	}
	if pres.Config != nil {
		c.cfg = *pres.Config
	}
	if pres.Resolvers != nil {
		chain := pres.Resolvers
		if c.lean != nil && c.cfg.EnableFieldFallbacks {
			chain = append(chain, c.lean)
		}
		c.registry.Replace(chain)
	}
	if pres.Architect != nil {
		c.architect = pres.Architect
	}
	if pres.Extractor != nil {
		c.extractor = pres.Extractor
		if attacher, ok := c.extractor.(extract.RegistryAttacher); ok {
			attacher.AttachRegistry(c.registry)
		}
	}
	return nil
}

// SetArchitect replaces the active architect.
func (c *Core) SetArchitect(a architect.Agent) {
	c.mu.Lock()
	c.architect = a
	c.mu.Unlock()
}

// SetExtractor replaces the active extractor, attaching the registry when the
// extractor accepts one.
func (c *Core) SetExtractor(e extract.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extractor = e
	if attacher, ok := e.(extract.RegistryAttacher); ok {
		attacher.AttachRegistry(c.registry)
	}
}

// RegisterResolver appends a resolver to the chain.
func (c *Core) RegisterResolver(r resolve.FieldResolver) {
	c.registry.Register(r)
}

// ReplaceResolvers swaps the resolver chain.
func (c *Core) ReplaceResolvers(resolvers []resolve.FieldResolver) {
	c.registry.Replace(resolvers)
}

// ListResolvers lists resolver names in consultation order.
func (c *Core) ListResolvers() []string {
	return c.registry.Names()
}

// Use registers an interceptor and returns its unregister handle.
func (c *Core) Use(i Interceptor) Unregister {
	return c.interceptors.add(i)
}

// ListInterceptors lists registered interceptor names.
func (c *Core) ListInterceptors() []string {
	return c.interceptors.names()
}

// UsePreprocessor appends a preprocessor.
func (c *Core) UsePreprocessor(p process.Preprocessor) {
	c.mu.Lock()
	c.preprocessors = append(c.preprocessors, p)
	c.mu.Unlock()
}

// UsePostprocessor appends a postprocessor.
func (c *Core) UsePostprocessor(p process.Postprocessor) {
	c.mu.Lock()
	c.postprocessors = append(c.postprocessors, p)
	c.mu.Unlock()
}

// ListPreprocessors lists preprocessor names in run order.
func (c *Core) ListPreprocessors() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.preprocessors))
	for i, p := range c.preprocessors {
		names[i] = p.Name()
	}
	return names
}

// ListPostprocessors lists postprocessor names in run order.
func (c *Core) ListPostprocessors() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.postprocessors))
	for i, p := range c.postprocessors {
		names[i] = p.Name()
	}
	return names
}

// Telemetry returns the kernel's event hub for listener registration.
func (c *Core) Telemetry() *telemetry.Hub {
	return c.hub
}

// GetPlanCacheEntry returns the cached entry for key, or nil.
func (c *Core) GetPlanCacheEntry(ctx context.Context, key string) (*plancache.Entry, error) {
	if c.cache == nil {
		return nil, nil
	}
	return c.cache.Get(ctx, key)
}

// DeletePlanCacheEntry removes the cached entry for key.
func (c *Core) DeletePlanCacheEntry(ctx context.Context, key string) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, key)
}

// ClearPlanCache removes all cached entries, or only those tagged with
// profile when non-empty.
func (c *Core) ClearPlanCache(ctx context.Context, profile string) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Clear(ctx, profile)
}

// GetLeanLLMPlanRewriteState returns the rewrite wrapper state, or nil when
// no rewrite client is configured.
func (c *Core) GetLeanLLMPlanRewriteState() *architect.RewriteState {
	if c.hybrid == nil {
		return nil
	}
	state := c.hybrid.State()
	return &state
}

// GetLeanLLMFieldFallbackState returns the lean resolver state, or nil when
// no field client is configured.
func (c *Core) GetLeanLLMFieldFallbackState() *resolve.FallbackState {
	if c.lean == nil {
		return nil
	}
	state := c.lean.State()
	return &state
}
