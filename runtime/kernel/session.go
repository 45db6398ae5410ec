package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/parserator/runtime/architect"
	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/plancache"
	"goa.design/parserator/runtime/process"
	"goa.design/parserator/runtime/queue"
	"goa.design/parserator/runtime/telemetry"
)

type (
	// AutoRefreshConfig tunes session plan auto-refresh. Nil limit fields
	// disable their trigger.
	AutoRefreshConfig struct {
		// MinConfidence triggers a refresh after low-confidence parses.
		MinConfidence *float64 `json:"minConfidence,omitempty"`
		// MaxParses triggers a usage refresh every MaxParses parses.
		MaxParses *int `json:"maxParses,omitempty"`
		// MinInterval is the cooldown between refreshes.
		MinInterval time.Duration `json:"minIntervalMs,omitempty"`
		// LowConfidenceGrace is the number of consecutive low-confidence
		// parses tolerated before triggering.
		LowConfidenceGrace int `json:"lowConfidenceGrace,omitempty"`
	}

	// AutoRefreshState is the queryable auto-refresh runtime state.
	AutoRefreshState struct {
		Config             AutoRefreshConfig `json:"config"`
		ParsesSinceRefresh int               `json:"parsesSinceRefresh"`
		LowConfidenceRuns  int               `json:"lowConfidenceRuns"`
		LastTriggeredAt    time.Time         `json:"lastTriggeredAt"`
		LastAttemptAt      time.Time         `json:"lastAttemptAt"`
		Pending            bool              `json:"pending"`
		LastReason         string            `json:"lastReason,omitempty"`
		LastAction         string            `json:"lastAction,omitempty"`
	}

	// PlanState is a serializable projection of the session's plan.
	PlanState struct {
		HasPlan    bool        `json:"hasPlan"`
		PlanID     string      `json:"planId,omitempty"`
		Version    int         `json:"version,omitempty"`
		Origin     plan.Origin `json:"origin,omitempty"`
		Confidence float64     `json:"confidence,omitempty"`
		Steps      int         `json:"steps,omitempty"`
		UpdatedAt  string      `json:"updatedAt,omitempty"`
	}

	// Snapshot is a serializable projection of the whole session.
	Snapshot struct {
		ID                   string           `json:"id"`
		Profile              string           `json:"profile,omitempty"`
		Instructions         string           `json:"instructions,omitempty"`
		ParseCount           int              `json:"parseCount"`
		TotalArchitectTokens int              `json:"totalArchitectTokens"`
		TotalExtractorTokens int              `json:"totalExtractorTokens"`
		LastConfidence       float64          `json:"lastConfidence"`
		Plan                 PlanState        `json:"plan"`
		AutoRefresh          AutoRefreshState `json:"autoRefresh"`
	}

	// SessionInit is the serializable cold-start record produced by
	// ExportInit and accepted by NewSessionFromInit.
	SessionInit struct {
		OutputSchema  map[string]any     `json:"outputSchema"`
		Instructions  string             `json:"instructions,omitempty"`
		Options       *parse.Options     `json:"options,omitempty"`
		SeedInput     string             `json:"seedInput,omitempty"`
		AutoRefresh   *AutoRefreshConfig `json:"autoRefresh,omitempty"`
		Plan          *plan.SearchPlan   `json:"plan,omitempty"`
		PlanConfidence float64           `json:"planConfidence,omitempty"`
		Profile       string             `json:"profile,omitempty"`
	}

	// SessionParams configures CreateSession.
	SessionParams struct {
		// OutputSchema is the stable schema shared by all session parses.
		OutputSchema map[string]any
		// Instructions shared by all session parses.
		Instructions string
		// Options is the session default parse options.
		Options *parse.Options
		// SeedInput, when set, is the sample the architect plans against.
		SeedInput string
		// AutoRefresh enables plan auto-refresh.
		AutoRefresh *AutoRefreshConfig
	}

	// RefreshOptions tunes RefreshPlan.
	RefreshOptions struct {
		// SeedInput replaces the planning sample.
		SeedInput string
		// Options replaces the session default options.
		Options *parse.Options
		// Force regenerates even when nothing changed.
		Force bool
	}

	// Session is a reusable parse context bound to a stable schema and
	// instructions pair. A session is a movable handle: concurrent use of a
	// single session is undefined, but its background tasks are internally
	// synchronized and drained by WaitForIdle.
	Session struct {
		id   string
		core *Core

		mu           sync.Mutex
		schema       map[string]any
		instructions string
		options      *parse.Options
		profile      string

		planRes         *architect.Result
		planUpdatedAt   time.Time
		unchargedTokens int

		defaultSeedInput string
		lastSeedInput    string

		parseCount           int
		totalArchitectTokens int
		totalExtractorTokens int
		lastConfidence       float64

		arCfg AutoRefreshConfig
		arOn  bool
		ar    struct {
			parsesSinceRefresh int
			lowConfidenceRuns  int
			lastTriggeredAt    time.Time
			lastAttemptAt      time.Time
			pending            bool
			lastReason         string
			lastAction         string
		}

		tasks      *queue.Queue
		cacheQueue *queue.Queue

		now func() time.Time
	}
)

// ErrSchemaMismatch is returned by ParseMany when requests disagree on the
// schema or instructions.
var ErrSchemaMismatch = errors.New("kernel: parseMany requests must share outputSchema and instructions")

// CreateSession constructs a session bound to the given schema.
func (c *Core) CreateSession(params SessionParams) *Session {
	s := &Session{
		id:               uuid.NewString(),
		core:             c,
		schema:           cloneSchema(params.OutputSchema),
		instructions:     params.Instructions,
		options:          params.Options,
		profile:          c.GetProfile(),
		defaultSeedInput: params.SeedInput,
		tasks:            queue.New(queue.Options{Concurrency: 1}),
		cacheQueue:       queue.New(queue.Options{Concurrency: 1}),
		now:              time.Now,
	}
	if params.AutoRefresh != nil {
		s.arCfg = *params.AutoRefresh
		s.arOn = true
	}
	return s
}

// CreateSessionFromResponse hydrates a session from a prior response,
// attaching the response's plan as a cached plan. Cached plans never charge
// architect tokens.
func (c *Core) CreateSessionFromResponse(req *parse.Request, resp *parse.Response, params *SessionParams) *Session {
	p := SessionParams{
		OutputSchema: req.OutputSchema,
		Instructions: req.Instructions,
		Options:      req.Options,
	}
	if params != nil {
		if params.OutputSchema != nil {
			p.OutputSchema = params.OutputSchema
		}
		if params.Instructions != "" {
			p.Instructions = params.Instructions
		}
		if params.Options != nil {
			p.Options = params.Options
		}
		p.SeedInput = params.SeedInput
		p.AutoRefresh = params.AutoRefresh
	}
	s := c.CreateSession(p)
	if resp != nil && resp.Metadata != nil && resp.Metadata.ArchitectPlan != nil {
		attached := resp.Metadata.ArchitectPlan.Clone()
		attached.Metadata.Origin = plan.OriginCached
		s.planRes = &architect.Result{
			Plan:       attached,
			Confidence: resp.Metadata.ArchitectConfidence,
		}
		s.planUpdatedAt = s.now()
	}
	return s
}

// NewSessionFromInit rebuilds a session from an exported init record. An
// attached plan behaves as cached: architect tokens are never charged for it.
func (c *Core) NewSessionFromInit(init *SessionInit) *Session {
	s := c.CreateSession(SessionParams{
		OutputSchema: init.OutputSchema,
		Instructions: init.Instructions,
		Options:      init.Options,
		SeedInput:    init.SeedInput,
		AutoRefresh:  init.AutoRefresh,
	})
	if init.Plan != nil {
		attached := init.Plan.Clone()
		attached.Metadata.Origin = plan.OriginCached
		s.planRes = &architect.Result{Plan: attached, Confidence: init.PlanConfidence}
		s.planUpdatedAt = s.now()
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Parse runs the kernel pipeline with the session's schema against the given
// input. The plan is ensured lazily and reused across parses.
func (s *Session) Parse(ctx context.Context, inputData string, overrides *parse.Options) *parse.Response {
	c := s.core
	c.mu.RLock()
	cfg := c.cfg
	extr := c.extractor
	pres := c.preprocessors
	posts := c.postprocessors
	c.mu.RUnlock()

	s.mu.Lock()
	opts := s.options
	if overrides != nil {
		opts = overrides
	}
	req := &parse.Request{
		InputData:    inputData,
		OutputSchema: cloneSchema(s.schema),
		Instructions: s.instructions,
		Options:      opts,
	}
	profile := s.profile
	s.mu.Unlock()

	start := time.Now()
	requestID := uuid.NewString()
	meta := &parse.Metadata{
		RequestID: requestID,
		Timestamp: parse.Timestamp(start),
		Stages:    make(map[string]parse.StageMetrics),
	}

	current, preMetrics, preDiags := process.RunPreprocessors(ctx, c.logger, pres, req)
	meta.Diagnostics = append(meta.Diagnostics, preDiags...)
	if preMetrics.Runs > 0 {
		meta.Stages[string(parse.StagePreprocess)] = preMetrics
		c.publish(ctx, telemetry.NewEvent(telemetry.EventParseStage, requestID, telemetry.SourceSession,
			telemetry.StagePayload{Stage: parse.StagePreprocess, Metrics: preMetrics}), profile, s.id)
	}

	c.runBeforeInterceptors(ctx, current)
	c.publish(ctx, telemetry.NewEvent(telemetry.EventParseStart, requestID, telemetry.SourceSession, nil), profile, s.id)

	if verr := validateRequest(current, cfg); verr != nil {
		return c.fail(ctx, current, meta, start, profile, s.id, nil, verr)
	}

	archRes, tokens, verr := s.ensurePlan(ctx, current, requestID, cfg)
	if verr != nil {
		return c.fail(ctx, current, meta, start, profile, s.id, nil, verr)
	}
	meta.ArchitectPlan = archRes.Plan.Clone()
	meta.ArchitectConfidence = archRes.Confidence
	meta.ArchitectTokens = tokens
	meta.Diagnostics = append(meta.Diagnostics, archRes.Diagnostics...)
	archMetrics := parse.StageMetrics{TimeMs: archRes.ProcessingTimeMs, Tokens: tokens, Confidence: archRes.Confidence}
	meta.Stages[string(parse.StageArchitect)] = archMetrics
	c.publish(ctx, telemetry.NewEvent(telemetry.EventParseStage, requestID, telemetry.SourceSession,
		telemetry.StagePayload{Stage: parse.StageArchitect, Metrics: archMetrics}), profile, s.id)

	resp := c.finish(ctx, current, meta, start, profile, s.id, cfg, extr, posts, archRes)

	s.mu.Lock()
	s.parseCount++
	s.lastSeedInput = inputData
	s.totalArchitectTokens += resp.Metadata.ArchitectTokens
	s.totalExtractorTokens += resp.Metadata.ExtractorTokens
	s.lastConfidence = resp.Metadata.Confidence
	s.mu.Unlock()

	s.evaluateAutoRefresh(ctx, resp.Metadata.Confidence)
	return resp
}

// ensurePlan returns the session plan, generating it on first use. The
// second return value is the architect token charge for this parse: the full
// cost on the first parse after a fresh plan, zero afterwards, and always
// zero for cached plans.
func (s *Session) ensurePlan(ctx context.Context, req *parse.Request, requestID string, cfg Config) (*architect.Result, int, *parse.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.planRes != nil {
		tokens := s.unchargedTokens
		s.unchargedTokens = 0
		return s.planRes, tokens, nil
	}

	seed := s.defaultSeedInput
	if seed == "" {
		seed = req.InputData
	}

	c := s.core
	key := plan.CacheKey(req.OutputSchema, req.Instructions, req.Options, s.profile)

	// Fast path: adopt a kernel-cached plan. Cached plans never charge.
	if c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn(ctx, "plan cache get failed", "key", key, "err", err.Error())
		}
		if entry != nil && entry.Plan != nil && !entry.Stale {
			c.publish(ctx, telemetry.NewEvent(telemetry.EventPlanCache, requestID, telemetry.SourceSession,
				telemetry.CachePayload{Key: key, Hit: true}), s.profile, s.id)
			s.planRes = &architect.Result{Plan: entry.Plan, Confidence: entry.Confidence, Diagnostics: entry.Diagnostics}
			s.planUpdatedAt = s.now()
			s.unchargedTokens = 0
			return s.planRes, 0, nil
		}
		stale := entry != nil && entry.Stale
		c.publish(ctx, telemetry.NewEvent(telemetry.EventPlanCache, requestID, telemetry.SourceSession,
			telemetry.CachePayload{Key: key, Hit: false, Stale: stale}), s.profile, s.id)
	}

	c.mu.RLock()
	arch := c.architect
	c.mu.RUnlock()
	res, err := arch.CreatePlan(ctx, &architect.Request{
		InputData:    seed,
		OutputSchema: req.OutputSchema,
		Instructions: req.Instructions,
		Options:      req.Options,
		RequestID:    requestID,
		Profile:      s.profile,
	})
	if err != nil {
		return nil, 0, &parse.Error{
			Code:    parse.CodeArchitectFailed,
			Message: fmt.Sprintf("architect failed: %v", err),
			Stage:   parse.StageArchitect,
		}
	}
	s.planRes = res
	s.planUpdatedAt = s.now()
	s.lastSeedInput = seed
	s.unchargedTokens = 0
	s.writePlanCache(key, res)
	c.publish(ctx, telemetry.NewEvent(telemetry.EventPlanReady, requestID, telemetry.SourceSession, telemetry.PlanReadyPayload{
		PlanID:     res.Plan.ID,
		Origin:     string(res.Plan.Metadata.Origin),
		Steps:      len(res.Plan.Steps),
		Confidence: res.Confidence,
	}), s.profile, s.id)
	return res, res.Tokens, nil
}

// writePlanCache persists the plan through the session's async write queue.
// Callers hold s.mu.
func (s *Session) writePlanCache(key string, res *architect.Result) {
	c := s.core
	if c.cache == nil {
		return
	}
	entry := &plancache.Entry{
		Plan:             res.Plan.Clone(),
		Confidence:       res.Confidence,
		Diagnostics:      res.Diagnostics,
		Tokens:           res.Tokens,
		ProcessingTimeMs: res.ProcessingTimeMs,
		Profile:          s.profile,
	}
	s.cacheQueue.Enqueue(func(ctx context.Context) error {
		return c.cache.Set(ctx, key, entry)
	})
}

// evaluateAutoRefresh applies the auto-refresh policy after a parse.
func (s *Session) evaluateAutoRefresh(ctx context.Context, blended float64) {
	if !s.arOn {
		return
	}
	s.mu.Lock()
	s.ar.parsesSinceRefresh++
	reason := ""
	if s.arCfg.MinConfidence != nil && blended < *s.arCfg.MinConfidence {
		s.ar.lowConfidenceRuns++
		if s.ar.lowConfidenceRuns > s.arCfg.LowConfidenceGrace {
			reason = "confidence"
		}
	} else {
		s.ar.lowConfidenceRuns = 0
	}
	if reason == "" && s.arCfg.MaxParses != nil && s.ar.parsesSinceRefresh >= *s.arCfg.MaxParses {
		reason = "usage"
	}
	if reason == "" {
		s.mu.Unlock()
		return
	}
	if s.ar.pending {
		s.ar.lastAction = "skipped"
		s.mu.Unlock()
		s.emitAutoRefresh(ctx, "skipped", "pending")
		return
	}
	if s.arCfg.MinInterval > 0 && !s.ar.lastTriggeredAt.IsZero() && s.now().Sub(s.ar.lastTriggeredAt) < s.arCfg.MinInterval {
		s.ar.lastAction = "skipped"
		s.mu.Unlock()
		s.emitAutoRefresh(ctx, "skipped", "cooldown")
		return
	}
	s.ar.pending = true
	s.ar.lastTriggeredAt = s.now()
	s.ar.lastAttemptAt = s.now()
	s.ar.lastReason = reason
	s.ar.lastAction = "triggered"
	seed := s.lastSeedInput
	if seed == "" {
		seed = s.defaultSeedInput
	}
	s.mu.Unlock()

	s.emitAutoRefresh(ctx, "triggered", reason)
	s.tasks.Enqueue(func(taskCtx context.Context) error {
		err := s.regenerate(taskCtx, seed, nil)
		s.mu.Lock()
		s.ar.pending = false
		if err != nil {
			s.ar.lastAction = "failed"
		} else {
			s.ar.lastAction = "completed"
			s.ar.parsesSinceRefresh = 0
			s.ar.lowConfidenceRuns = 0
		}
		s.mu.Unlock()
		if err != nil {
			s.emitAutoRefresh(taskCtx, "failed", err.Error())
			return err
		}
		s.emitAutoRefresh(taskCtx, "completed", reason)
		return nil
	})
}

// RefreshPlan synchronously regenerates the plan. Without changes or Force it
// is a no-op. On failure the previous plan, options and seed are restored.
func (s *Session) RefreshPlan(ctx context.Context, opts *RefreshOptions) error {
	s.mu.Lock()
	changed := opts != nil && (opts.SeedInput != "" || opts.Options != nil)
	force := opts != nil && opts.Force
	if s.planRes != nil && !changed && !force {
		s.mu.Unlock()
		return nil
	}
	prevPlan := s.planRes
	prevOptions := s.options
	prevSeed := s.defaultSeedInput
	seed := s.defaultSeedInput
	if opts != nil && opts.SeedInput != "" {
		seed = opts.SeedInput
		s.defaultSeedInput = seed
	}
	if seed == "" {
		seed = s.lastSeedInput
	}
	if opts != nil && opts.Options != nil {
		s.options = opts.Options
	}
	s.mu.Unlock()

	if err := s.regenerate(ctx, seed, nil); err != nil {
		s.mu.Lock()
		s.planRes = prevPlan
		s.options = prevOptions
		s.defaultSeedInput = prevSeed
		s.mu.Unlock()
		return err
	}
	return nil
}

// regenerate runs the architect against the seed and installs the new plan.
func (s *Session) regenerate(ctx context.Context, seed string, overrides *parse.Options) error {
	c := s.core
	s.mu.Lock()
	schema := cloneSchema(s.schema)
	instructions := s.instructions
	opts := s.options
	if overrides != nil {
		opts = overrides
	}
	profile := s.profile
	s.mu.Unlock()

	if seed == "" {
		return errors.New("no seed input available for plan refresh")
	}

	c.mu.RLock()
	arch := c.architect
	pres := c.preprocessors
	c.mu.RUnlock()

	// Plan and key on the preprocessed shape, exactly like the parse path,
	// so refresh writes land under the key parses read.
	current, _, _ := process.RunPreprocessors(ctx, c.logger, pres, &parse.Request{
		InputData:    seed,
		OutputSchema: schema,
		Instructions: instructions,
		Options:      opts,
	})
	res, err := arch.CreatePlan(ctx, &architect.Request{
		InputData:    current.InputData,
		OutputSchema: current.OutputSchema,
		Instructions: current.Instructions,
		Options:      current.Options,
		RequestID:    uuid.NewString(),
		Profile:      profile,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.planRes = res
	s.planUpdatedAt = s.now()
	s.unchargedTokens = res.Tokens
	key := plan.CacheKey(current.OutputSchema, current.Instructions, current.Options, profile)
	s.writePlanCache(key, res)
	s.mu.Unlock()
	return nil
}

// WaitForIdle blocks until all background tasks and pending plan-cache
// writes are drained.
func (s *Session) WaitForIdle(ctx context.Context) error {
	if err := s.tasks.OnIdle(ctx); err != nil {
		return err
	}
	return s.cacheQueue.OnIdle(ctx)
}

// GetPlanState returns the plan projection.
func (s *Session) GetPlanState() PlanState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planStateLocked()
}

func (s *Session) planStateLocked() PlanState {
	if s.planRes == nil || s.planRes.Plan == nil {
		return PlanState{}
	}
	p := s.planRes.Plan
	state := PlanState{
		HasPlan:    true,
		PlanID:     p.ID,
		Version:    p.Version,
		Origin:     p.Metadata.Origin,
		Confidence: s.planRes.Confidence,
		Steps:      len(p.Steps),
	}
	if !s.planUpdatedAt.IsZero() {
		state.UpdatedAt = parse.Timestamp(s.planUpdatedAt)
	}
	return state
}

// GetAutoRefreshState returns the auto-refresh projection.
func (s *Session) GetAutoRefreshState() AutoRefreshState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRefreshStateLocked()
}

func (s *Session) autoRefreshStateLocked() AutoRefreshState {
	return AutoRefreshState{
		Config:             s.arCfg,
		ParsesSinceRefresh: s.ar.parsesSinceRefresh,
		LowConfidenceRuns:  s.ar.lowConfidenceRuns,
		LastTriggeredAt:    s.ar.lastTriggeredAt,
		LastAttemptAt:      s.ar.lastAttemptAt,
		Pending:            s.ar.pending,
		LastReason:         s.ar.lastReason,
		LastAction:         s.ar.lastAction,
	}
}

// Snapshot returns a serializable projection of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:                   s.id,
		Profile:              s.profile,
		Instructions:         s.instructions,
		ParseCount:           s.parseCount,
		TotalArchitectTokens: s.totalArchitectTokens,
		TotalExtractorTokens: s.totalExtractorTokens,
		LastConfidence:       s.lastConfidence,
		Plan:                 s.planStateLocked(),
		AutoRefresh:          s.autoRefreshStateLocked(),
	}
}

// ExportInit returns the serializable cold-start record for the session.
func (s *Session) ExportInit() *SessionInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	init := &SessionInit{
		OutputSchema: cloneSchema(s.schema),
		Instructions: s.instructions,
		Options:      s.options,
		SeedInput:    s.defaultSeedInput,
		Profile:      s.profile,
	}
	if s.arOn {
		cfg := s.arCfg
		init.AutoRefresh = &cfg
	}
	if s.planRes != nil && s.planRes.Plan != nil {
		init.Plan = s.planRes.Plan.Clone()
		init.PlanConfidence = s.planRes.Confidence
	}
	return init
}

func (s *Session) emitAutoRefresh(ctx context.Context, action, reason string) {
	s.core.publish(ctx, telemetry.NewEvent(telemetry.EventPlanAutoRefresh, s.id, telemetry.SourceSession,
		telemetry.AutoRefreshPayload{Action: action, Reason: reason}), s.profile, s.id)
}

// ParseManyOptions tunes ParseMany.
type ParseManyOptions struct {
	// ReusePlan routes the batch through a single session so the plan is
	// generated once. Defaults to true via ParseMany's nil handling.
	ReusePlan bool
	// SeedInput overrides the planning sample for the shared session.
	SeedInput string
}

// ParseMany parses a homogeneous batch. All requests must share outputSchema
// and instructions; with ReusePlan the batch runs through one session so the
// plan is built once.
func (c *Core) ParseMany(ctx context.Context, requests []*parse.Request, opts *ParseManyOptions) ([]*parse.Response, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	if opts == nil {
		opts = &ParseManyOptions{ReusePlan: true}
	}

	first := requests[0]
	firstKey := plan.CacheKey(first.OutputSchema, first.Instructions, nil, "")
	for _, r := range requests[1:] {
		if plan.CacheKey(r.OutputSchema, r.Instructions, nil, "") != firstKey {
			return nil, ErrSchemaMismatch
		}
	}

	if !opts.ReusePlan || len(requests) == 1 {
		responses := make([]*parse.Response, len(requests))
		for i, r := range requests {
			responses[i] = c.Parse(ctx, r)
		}
		return responses, nil
	}

	seed := opts.SeedInput
	if seed == "" {
		seed = first.InputData
	}
	session := c.CreateSession(SessionParams{
		OutputSchema: first.OutputSchema,
		Instructions: first.Instructions,
		Options:      first.Options,
		SeedInput:    seed,
	})
	responses := make([]*parse.Response, len(requests))
	for i, r := range requests {
		responses[i] = session.Parse(ctx, r.InputData, r.Options)
	}
	if err := session.WaitForIdle(ctx); err != nil {
		return responses, err
	}
	return responses, nil
}

func cloneSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	return out
}
