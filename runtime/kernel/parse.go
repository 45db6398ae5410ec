package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/parserator/runtime/architect"
	"goa.design/parserator/runtime/extract"
	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/plancache"
	"goa.design/parserator/runtime/process"
	"goa.design/parserator/runtime/resolve"
	"goa.design/parserator/runtime/telemetry"
)

// Blended confidence weights. The extractor observed the actual data, so it
// carries the larger share.
const (
	architectConfidenceWeight = 0.35
	extractorConfidenceWeight = 0.65
)

// Parse runs the full extraction pipeline for a single request. Every outcome
// returns a fully formed response; errors are reported in-band.
func (c *Core) Parse(ctx context.Context, req *parse.Request) *parse.Response {
	c.mu.RLock()
	cfg := c.cfg
	profile := c.profile
	arch := c.architect
	extr := c.extractor
	pres := c.preprocessors
	posts := c.postprocessors
	c.mu.RUnlock()

	start := time.Now()
	requestID := uuid.NewString()
	meta := &parse.Metadata{
		RequestID: requestID,
		Timestamp: parse.Timestamp(start),
		Stages:    make(map[string]parse.StageMetrics),
	}

	// 1. Preprocess.
	current, preMetrics, preDiags := process.RunPreprocessors(ctx, c.logger, pres, req)
	meta.Diagnostics = append(meta.Diagnostics, preDiags...)
	if preMetrics.Runs > 0 {
		meta.Stages[string(parse.StagePreprocess)] = preMetrics
		c.emitStage(ctx, requestID, profile, "", parse.StagePreprocess, preMetrics)
	}

	// 2-3. Interceptors, then parse:start.
	c.runBeforeInterceptors(ctx, current)
	c.publish(ctx, telemetry.NewEvent(telemetry.EventParseStart, requestID, telemetry.SourceCore, nil), profile, "")

	// 4. Validation.
	if verr := validateRequest(current, cfg); verr != nil {
		return c.fail(ctx, current, meta, start, profile, "", nil, verr)
	}

	// 5. Plan: cache hit or architect run.
	key := plan.CacheKey(current.OutputSchema, current.Instructions, current.Options, profile)
	archRes, errResp := c.ensurePlan(ctx, current, requestID, profile, key, arch)
	if errResp != nil {
		return c.fail(ctx, current, meta, start, profile, "", nil, errResp)
	}
	meta.ArchitectPlan = archRes.Plan.Clone()
	meta.ArchitectConfidence = archRes.Confidence
	meta.ArchitectTokens = archRes.Tokens
	meta.Diagnostics = append(meta.Diagnostics, archRes.Diagnostics...)
	archMetrics := parse.StageMetrics{
		TimeMs:     archRes.ProcessingTimeMs,
		Tokens:     archRes.Tokens,
		Confidence: archRes.Confidence,
	}
	meta.Stages[string(parse.StageArchitect)] = archMetrics
	c.emitStage(ctx, requestID, profile, "", parse.StageArchitect, archMetrics)

	// 6-9. Extraction, postprocessing, blending, events.
	return c.finish(ctx, current, meta, start, profile, "", cfg, extr, posts, archRes)
}

// finish runs the pipeline from extraction onward. Sessions reuse it with
// their own architect result and session identity.
func (c *Core) finish(
	ctx context.Context,
	current *parse.Request,
	meta *parse.Metadata,
	start time.Time,
	profile, sessionID string,
	cfg Config,
	extr extract.Agent,
	posts []process.Postprocessor,
	archRes *architect.Result,
) *parse.Response {
	requestID := meta.RequestID

	// 6. Extraction.
	extStart := time.Now()
	extRes, err := extr.Execute(ctx, &extract.Request{
		InputData:    current.InputData,
		Plan:         archRes.Plan,
		Instructions: current.Instructions,
		RequestID:    requestID,
		Scratchpad:   resolve.NewScratchpad(),
	})
	if err != nil {
		return c.fail(ctx, current, meta, start, profile, sessionID, nil, &parse.Error{
			Code:    parse.CodeExtractorFailed,
			Message: fmt.Sprintf("extractor failed: %v", err),
			Stage:   parse.StageExtractor,
		})
	}
	meta.ExtractorConfidence = extRes.Confidence
	meta.ExtractorTokens = extRes.Tokens
	meta.Diagnostics = append(meta.Diagnostics, extRes.Diagnostics...)
	meta.Fallback = extRes.Fallback
	extMetrics := parse.StageMetrics{
		TimeMs:     time.Since(extStart).Milliseconds(),
		Tokens:     extRes.Tokens,
		Confidence: extRes.Confidence,
	}
	meta.Stages[string(parse.StageExtractor)] = extMetrics
	c.emitStage(ctx, requestID, profile, sessionID, parse.StageExtractor, extMetrics)

	// 7. Postprocess.
	posts = c.withValidateOutput(current, posts)
	data, postMetrics, postDiags := process.RunPostprocessors(ctx, c.logger, posts, &process.PostRequest{
		Request:    current,
		ParsedData: extRes.ParsedData,
		Plan:       archRes.Plan,
	})
	meta.Diagnostics = append(meta.Diagnostics, postDiags...)
	if postMetrics.Runs > 0 {
		meta.Stages[string(parse.StagePostprocess)] = postMetrics
		c.emitStage(ctx, requestID, profile, sessionID, parse.StagePostprocess, postMetrics)
	}

	// 8. Blend confidence and apply the threshold.
	meta.Confidence = architectConfidenceWeight*meta.ArchitectConfidence + extractorConfidenceWeight*meta.ExtractorConfidence
	meta.TokensUsed = meta.ArchitectTokens + meta.ExtractorTokens
	meta.ProcessingTimeMs = time.Since(start).Milliseconds()

	threshold := current.Options.Threshold(cfg.MinConfidence)
	var lowConfidence *parse.Error
	if meta.Confidence < threshold {
		meta.Diagnostics = append(meta.Diagnostics, parse.Diagnostic{
			Stage:    parse.StageOrchestration,
			Message:  fmt.Sprintf("blended confidence %.2f below threshold %.2f", meta.Confidence, threshold),
			Severity: parse.SeverityWarning,
		})
		if !cfg.EnableFieldFallbacks {
			lowConfidence = &parse.Error{
				Code:    parse.CodeLowConfidence,
				Message: fmt.Sprintf("blended confidence %.2f below threshold %.2f", meta.Confidence, threshold),
				Stage:   parse.StageOrchestration,
				Details: map[string]any{"confidence": meta.Confidence, "threshold": threshold},
			}
		}
	}

	if !current.Options.WantMetadata() {
		meta.Stages = nil
	}

	// 9. Outcome.
	switch {
	case extRes.Error != nil:
		return c.fail(ctx, current, meta, start, profile, sessionID, data, extRes.Error)
	case lowConfidence != nil:
		return c.fail(ctx, current, meta, start, profile, sessionID, data, lowConfidence)
	}

	resp := &parse.Response{Success: true, ParsedData: data, Metadata: meta}
	c.publish(ctx, telemetry.NewEvent(telemetry.EventParseSuccess, requestID, c.source(sessionID), telemetry.SuccessPayload{
		Confidence:       meta.Confidence,
		TokensUsed:       meta.TokensUsed,
		ProcessingTimeMs: meta.ProcessingTimeMs,
	}), profile, sessionID)
	c.metrics.IncCounter("parserator_parse_total", 1, "outcome", "success", "profile", profile)
	c.metrics.RecordTimer("parserator_parse_duration", time.Since(start), "profile", profile)
	c.runAfterInterceptors(ctx, resp)
	return resp
}

// ensurePlan serves the plan from the cache when possible and falls back to
// the architect, persisting fresh plans. The second return value is a
// terminal error for the parse.
func (c *Core) ensurePlan(
	ctx context.Context,
	req *parse.Request,
	requestID, profile, key string,
	arch architect.Agent,
) (*architect.Result, *parse.Error) {
	var stale bool
	if c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn(ctx, "plan cache get failed", "key", key, "err", err.Error())
		}
		if entry != nil && entry.Plan != nil && !entry.Stale {
			c.publish(ctx, telemetry.NewEvent(telemetry.EventPlanCache, requestID, telemetry.SourceCore,
				telemetry.CachePayload{Key: key, Hit: true}), profile, "")
			c.emitPlanReady(ctx, requestID, profile, entry.Plan, entry.Confidence)
			return &architect.Result{
				Plan:        entry.Plan,
				Confidence:  entry.Confidence,
				Tokens:      0,
				Diagnostics: entry.Diagnostics,
			}, nil
		}
		stale = entry != nil && entry.Stale
		c.publish(ctx, telemetry.NewEvent(telemetry.EventPlanCache, requestID, telemetry.SourceCore,
			telemetry.CachePayload{Key: key, Hit: false, Stale: stale}), profile, "")
	}

	archRes, err := arch.CreatePlan(ctx, &architect.Request{
		InputData:    req.InputData,
		OutputSchema: req.OutputSchema,
		Instructions: req.Instructions,
		Options:      req.Options,
		RequestID:    requestID,
		Profile:      profile,
	})
	if err != nil {
		return nil, &parse.Error{
			Code:    parse.CodeArchitectFailed,
			Message: fmt.Sprintf("architect failed: %v", err),
			Stage:   parse.StageArchitect,
		}
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, &plancache.Entry{
			Plan:             archRes.Plan,
			Confidence:       archRes.Confidence,
			Diagnostics:      archRes.Diagnostics,
			Tokens:           archRes.Tokens,
			ProcessingTimeMs: archRes.ProcessingTimeMs,
			Profile:          profile,
		}); err != nil {
			c.logger.Warn(ctx, "plan cache set failed", "key", key, "err", err.Error())
		}
	}
	if stale {
		// Not persisted: the cached entry carries only the architect's own
		// diagnostics.
		archRes.Diagnostics = append(archRes.Diagnostics, parse.Diagnostic{
			Stage:    parse.StageArchitect,
			Message:  "stale cached plan discarded, plan regenerated",
			Severity: parse.SeverityInfo,
		})
	}
	c.emitPlanReady(ctx, requestID, profile, archRes.Plan, archRes.Confidence)
	return archRes, nil
}

// fail finalizes a failure response, emits parse:failure and runs the after
// interceptors. Partial data is preserved.
func (c *Core) fail(
	ctx context.Context,
	req *parse.Request,
	meta *parse.Metadata,
	start time.Time,
	profile, sessionID string,
	data map[string]any,
	perr *parse.Error,
) *parse.Response {
	if data == nil {
		data = map[string]any{}
	}
	meta.ProcessingTimeMs = time.Since(start).Milliseconds()
	if !req.Options.WantMetadata() {
		meta.Stages = nil
	}
	resp := &parse.Response{Success: false, ParsedData: data, Metadata: meta, Error: perr}
	c.publish(ctx, telemetry.NewEvent(telemetry.EventParseFailure, meta.RequestID, c.source(sessionID), telemetry.FailurePayload{
		Code:    perr.Code,
		Stage:   perr.Stage,
		Message: perr.Message,
	}), profile, sessionID)
	c.metrics.IncCounter("parserator_parse_total", 1, "outcome", "failure", "profile", profile)
	c.runAfterInterceptors(ctx, resp)
	return resp
}

// withValidateOutput appends the schema validation postprocessor when the
// request opts in.
func (c *Core) withValidateOutput(req *parse.Request, posts []process.Postprocessor) []process.Postprocessor {
	if req.Options == nil || !req.Options.ValidateOutput {
		return posts
	}
	out := make([]process.Postprocessor, len(posts), len(posts)+1)
	copy(out, posts)
	return append(out, process.NewValidateOutput())
}

func validateRequest(req *parse.Request, cfg Config) *parse.Error {
	switch {
	case req == nil || req.InputData == "":
		return &parse.Error{
			Code:       parse.CodeValidation,
			Message:    "inputData must be a non-empty string",
			Stage:      parse.StageValidation,
			Suggestion: "provide the raw text to extract from",
		}
	case cfg.MaxInputLength > 0 && len(req.InputData) > cfg.MaxInputLength:
		return &parse.Error{
			Code:    parse.CodeValidation,
			Message: fmt.Sprintf("inputData exceeds maxInputLength (%d > %d)", len(req.InputData), cfg.MaxInputLength),
			Stage:   parse.StageValidation,
			Details: map[string]any{"length": len(req.InputData), "max": cfg.MaxInputLength},
		}
	case len(req.OutputSchema) == 0:
		return &parse.Error{
			Code:       parse.CodeValidation,
			Message:    "outputSchema must have at least one field",
			Stage:      parse.StageValidation,
			Suggestion: "map each output field to a type hint or descriptor",
		}
	case cfg.MaxSchemaFields > 0 && len(req.OutputSchema) > cfg.MaxSchemaFields:
		return &parse.Error{
			Code:    parse.CodeValidation,
			Message: fmt.Sprintf("outputSchema exceeds maxSchemaFields (%d > %d)", len(req.OutputSchema), cfg.MaxSchemaFields),
			Stage:   parse.StageValidation,
			Details: map[string]any{"fields": len(req.OutputSchema), "max": cfg.MaxSchemaFields},
		}
	}
	return nil
}

func (c *Core) emitStage(ctx context.Context, requestID, profile, sessionID string, stage parse.Stage, metrics parse.StageMetrics) {
	c.publish(ctx, telemetry.NewEvent(telemetry.EventParseStage, requestID, c.source(sessionID),
		telemetry.StagePayload{Stage: stage, Metrics: metrics}), profile, sessionID)
}

func (c *Core) emitPlanReady(ctx context.Context, requestID, profile string, p *plan.SearchPlan, confidence float64) {
	c.publish(ctx, telemetry.NewEvent(telemetry.EventPlanReady, requestID, telemetry.SourceCore, telemetry.PlanReadyPayload{
		PlanID:     p.ID,
		Origin:     string(p.Metadata.Origin),
		Steps:      len(p.Steps),
		Confidence: confidence,
	}), profile, "")
}

// publish stamps profile and session identity onto the event before fan-out.
func (c *Core) publish(ctx context.Context, event telemetry.Event, profile, sessionID string) {
	event.Profile = profile
	event.SessionID = sessionID
	if sessionID != "" {
		event.Source = telemetry.SourceSession
	}
	c.hub.Publish(ctx, event)
}

func (c *Core) source(sessionID string) telemetry.Source {
	if sessionID != "" {
		return telemetry.SourceSession
	}
	return telemetry.SourceCore
}
