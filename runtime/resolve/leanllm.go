package resolve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/parserator/runtime/model"
	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/queue"
	"goa.design/parserator/runtime/schema"
	"goa.design/parserator/runtime/telemetry"
)

type (
	// LeanLLMConfig tunes the lean LLM fallback resolver.
	LeanLLMConfig struct {
		// Client performs the batched field call. Required.
		Client model.FieldClient
		// Queue serializes invocations. Nil constructs a concurrency-1 queue.
		Queue *queue.Queue
		// Hub receives field:fallback lifecycle events when non-nil.
		Hub *telemetry.Hub
		// Logger receives invocation failures. Nil defaults to no-op.
		Logger telemetry.Logger
		// PlanConfidenceGate skips the resolver entirely for plans whose
		// planner confidence meets the gate; deterministic resolution is
		// trusted there. Zero disables the gate.
		PlanConfidenceGate float64
		// MaxInvocationsPerParse bounds LLM calls per parse. Zero forbids
		// calls outright; negative lifts the bound.
		MaxInvocationsPerParse int
		// MaxTokensPerParse bounds total token spend per parse. Zero or
		// negative lifts the bound.
		MaxTokensPerParse int
		// AllowOptionalFields extends the fallback to optional fields.
		AllowOptionalFields bool
		// MaxInputCharacters trims the input before sending. Zero or negative
		// sends the input whole.
		MaxInputCharacters int
		// Cooldown skips invocations attempted within the window after the
		// previous attempt. Zero disables.
		Cooldown time.Duration
		// Timeout is the advisory per-call deadline forwarded to the client.
		Timeout time.Duration
	}

	// FallbackState is the externally queryable state of the lean resolver.
	FallbackState struct {
		LastAttemptAt time.Time     `json:"lastAttemptAt"`
		LastSuccessAt time.Time     `json:"lastSuccessAt"`
		LastFailureAt time.Time     `json:"lastFailureAt"`
		Queue         queue.Metrics `json:"queue"`
	}

	// LeanLLMResolver batches all unresolved fields of the current parse into
	// a single LLM call and fans the returned values back out. Budgets, the
	// plan-confidence gate and the optional-field guard keep it from running
	// where deterministic resolution suffices.
	LeanLLMResolver struct {
		cfg   LeanLLMConfig
		queue *queue.Queue

		mu            sync.Mutex
		lastAttemptAt time.Time
		lastSuccessAt time.Time
		lastFailureAt time.Time

		now func() time.Time
	}

	sharedEntry struct {
		value       any
		confidence  float64
		sourceField string
	}
)

var _ FieldResolver = (*LeanLLMResolver)(nil)

// NewLeanLLMResolver constructs the lean LLM fallback resolver.
func NewLeanLLMResolver(cfg LeanLLMConfig) *LeanLLMResolver {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NoopLogger{}
	}
	q := cfg.Queue
	if q == nil {
		q = queue.New(queue.Options{Concurrency: 1})
	}
	return &LeanLLMResolver{cfg: cfg, queue: q, now: time.Now}
}

// Name implements FieldResolver.
func (*LeanLLMResolver) Name() string { return "lean-llm" }

// Supports implements FieldResolver.
func (*LeanLLMResolver) Supports(plan.SearchStep) bool { return true }

// State returns the invocation timestamps and a queue snapshot.
func (r *LeanLLMResolver) State() FallbackState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return FallbackState{
		LastAttemptAt: r.lastAttemptAt,
		LastSuccessAt: r.lastSuccessAt,
		LastFailureAt: r.lastFailureAt,
		Queue:         r.queue.Metrics(),
	}
}

// Resolve runs the guard chain and, when every guard passes, performs one
// batched LLM call through the serializing queue. All outcomes are recorded
// in the per-parse usage summary and mirrored as field:fallback telemetry.
func (r *LeanLLMResolver) Resolve(ctx context.Context, req *Request) (*Resolution, error) {
	if r.cfg.Client == nil {
		return nil, nil
	}
	summary := r.summary(req.Scratchpad)
	field := req.Step.TargetKey

	if gate := r.cfg.PlanConfidenceGate; gate > 0 && req.Plan != nil && req.Plan.Metadata.PlannerConfidence >= gate {
		summary.SkippedByPlanConfidence++
		summary.Audit = append(summary.Audit, parse.FieldAudit{Field: field, Action: parse.AuditSkipped, Reason: "plan-confidence"})
		return r.skip(ctx, req, field, "plan-confidence",
			fmt.Sprintf("lean llm fallback skipped: planner confidence %.2f meets gate %.2f", req.Plan.Metadata.PlannerConfidence, gate))
	}

	if entry, ok := r.sharedLookup(req.Scratchpad, field); ok {
		summary.ReusedResolutions++
		summary.Audit = append(summary.Audit, parse.FieldAudit{Field: field, Action: parse.AuditReused, SourceField: entry.sourceField})
		r.emit(ctx, req, "resolved", field, "shared-extraction")
		return &Resolution{
			Value:      entry.value,
			Confidence: entry.confidence,
			Resolver:   r.Name(),
			Diagnostics: []parse.Diagnostic{
				infoDiag(field, fmt.Sprintf("lean llm fallback reused shared extraction from %q", entry.sourceField)),
			},
		}, nil
	}

	if !r.cfg.AllowOptionalFields && !req.Step.IsRequired {
		summary.Audit = append(summary.Audit, parse.FieldAudit{Field: field, Action: parse.AuditSkipped, Reason: "optional-field"})
		return r.skip(ctx, req, field, "optional-field", "lean llm fallback skipped: field is optional")
	}

	if max := r.cfg.MaxInvocationsPerParse; max >= 0 && summary.TotalInvocations >= max {
		summary.SkippedByLimits++
		summary.Audit = append(summary.Audit, parse.FieldAudit{
			Field: field, Action: parse.AuditSkipped, Reason: "invocation-limit", LimitType: "invocations", Limit: max,
		})
		return r.skip(ctx, req, field, "invocation-limit",
			fmt.Sprintf("lean llm fallback skipped: invocation budget %d exhausted", max))
	}
	if max := r.cfg.MaxTokensPerParse; max > 0 && summary.TotalTokens >= max {
		summary.SkippedByLimits++
		summary.Audit = append(summary.Audit, parse.FieldAudit{
			Field: field, Action: parse.AuditSkipped, Reason: "token-limit", LimitType: "tokens", Limit: max,
		})
		return r.skip(ctx, req, field, "token-limit",
			fmt.Sprintf("lean llm fallback skipped: token budget %d exhausted", max))
	}

	if cd := r.cfg.Cooldown; cd > 0 {
		r.mu.Lock()
		inCooldown := !r.lastAttemptAt.IsZero() && r.now().Sub(r.lastAttemptAt) < cd
		r.mu.Unlock()
		if inCooldown {
			summary.Audit = append(summary.Audit, parse.FieldAudit{Field: field, Action: parse.AuditSkipped, Reason: "cooldown"})
			return r.skip(ctx, req, field, "cooldown", "lean llm fallback skipped: cooldown window active")
		}
	}

	return r.invoke(ctx, req, summary)
}

// invoke performs the batched call on the serializing queue and fans the
// current field's value out of the response. Shared extractions returned
// alongside are memoized for later fields.
func (r *LeanLLMResolver) invoke(ctx context.Context, req *Request, summary *parse.FallbackSummary) (*Resolution, error) {
	field := req.Step.TargetKey
	batch := &model.FieldBatchRequest{
		InputData:    TrimInput(req.InputData, r.cfg.MaxInputCharacters),
		Fields:       r.batchFields(req),
		Instructions: req.Instructions,
		Timeout:      r.cfg.Timeout,
	}

	r.mu.Lock()
	r.lastAttemptAt = r.now()
	r.mu.Unlock()
	r.emit(ctx, req, "queued", field, "")

	var resp *model.FieldBatchResponse
	handle := r.queue.Enqueue(func(qctx context.Context) error {
		r.emit(qctx, req, "started", field, "")
		var err error
		resp, err = r.cfg.Client.ResolveFields(qctx, batch)
		return err
	})
	err := handle.Wait(ctx)

	summary.TotalInvocations++
	if err != nil {
		r.mu.Lock()
		r.lastFailureAt = r.now()
		r.mu.Unlock()
		summary.Audit = append(summary.Audit, parse.FieldAudit{Field: field, Action: parse.AuditInvoked, Reason: err.Error()})
		r.emit(ctx, req, "failed", field, err.Error())
		r.cfg.Logger.Warn(ctx, "lean llm fallback failed", "field", field, "err", err.Error())
		return &Resolution{
			Resolver: r.Name(),
			Diagnostics: []parse.Diagnostic{
				warnDiag(field, fmt.Sprintf("lean llm fallback failed: %v", err)),
			},
		}, nil
	}

	r.mu.Lock()
	r.lastSuccessAt = r.now()
	r.mu.Unlock()
	summary.TotalTokens += resp.Usage.TotalTokens
	r.memoizeShared(req.Scratchpad, summary, field, resp)

	value, ok := lookupValue(resp.Values, field)
	if !ok {
		summary.Audit = append(summary.Audit, parse.FieldAudit{Field: field, Action: parse.AuditInvoked, Reason: "unresolved"})
		r.emit(ctx, req, "failed", field, "unresolved")
		return &Resolution{
			Resolver:    r.Name(),
			Diagnostics: append(copyDiags(resp.Diagnostics), warnDiag(field, "lean llm fallback returned no value")),
		}, nil
	}
	summary.ResolvedFields++
	summary.Audit = append(summary.Audit, parse.FieldAudit{Field: field, Action: parse.AuditInvoked})
	r.emit(ctx, req, "resolved", field, "")

	conf := 0.8
	if c, ok := lookupConfidence(resp.Confidences, field); ok {
		conf = c
	}
	return &Resolution{
		Value:       value,
		Confidence:  conf,
		Resolver:    r.Name(),
		Diagnostics: append(copyDiags(resp.Diagnostics), infoDiag(field, "lean llm fallback resolved the field")),
	}, nil
}

// batchFields lists the unresolved fields of the parse in plan order, the
// current step first. Optional fields join only when the guard allows them.
func (r *LeanLLMResolver) batchFields(req *Request) []model.FieldQuery {
	fields := []model.FieldQuery{queryFromStep(req.Step)}
	if req.Plan == nil {
		return fields
	}
	resolved, _ := req.Scratchpad.Get(KeyResolvedFields).(map[string]any)
	for _, step := range req.Plan.Steps {
		if step.TargetKey == req.Step.TargetKey {
			continue
		}
		if _, done := resolved[step.TargetKey]; done {
			continue
		}
		if !step.IsRequired && !r.cfg.AllowOptionalFields {
			continue
		}
		fields = append(fields, queryFromStep(step))
	}
	return fields
}

// memoizeShared stores the response's shared extractions for later fields.
func (r *LeanLLMResolver) memoizeShared(s *Scratchpad, summary *parse.FallbackSummary, sourceField string, resp *model.FieldBatchResponse) {
	if len(resp.SharedExtractions) == 0 {
		return
	}
	shared, _ := s.Get(keyLeanShared).(map[string]sharedEntry)
	if shared == nil {
		shared = make(map[string]sharedEntry)
	}
	for key, value := range resp.SharedExtractions {
		if value == nil {
			continue
		}
		conf := 0.7
		if c, ok := lookupConfidence(resp.Confidences, key); ok {
			conf = c
		}
		entry := sharedEntry{value: value, confidence: conf, sourceField: sourceField}
		for _, variant := range schema.KeyVariants(key) {
			shared[variant] = entry
		}
		summary.SharedExtractions++
	}
	s.Set(keyLeanShared, shared)
}

// sharedLookup checks the memoized shared extractions for the target key.
func (r *LeanLLMResolver) sharedLookup(s *Scratchpad, target string) (sharedEntry, bool) {
	shared, _ := s.Get(keyLeanShared).(map[string]sharedEntry)
	if shared == nil {
		return sharedEntry{}, false
	}
	for _, variant := range schema.KeyVariants(target) {
		if entry, ok := shared[variant]; ok {
			return entry, true
		}
	}
	return sharedEntry{}, false
}

// skip emits the skipped event and returns a valueless resolution carrying an
// info diagnostic.
func (r *LeanLLMResolver) skip(ctx context.Context, req *Request, field, reason, message string) (*Resolution, error) {
	r.emit(ctx, req, "skipped", field, reason)
	return &Resolution{
		Resolver:    r.Name(),
		Diagnostics: []parse.Diagnostic{infoDiag(field, message)},
	}, nil
}

// emit publishes a field:fallback event with a queue snapshot.
func (r *LeanLLMResolver) emit(ctx context.Context, req *Request, action, field, reason string) {
	if r.cfg.Hub == nil {
		return
	}
	r.cfg.Hub.Publish(ctx, telemetry.NewEvent(telemetry.EventFieldFallback, req.RequestID, telemetry.SourceCore,
		telemetry.FallbackPayload{Action: action, Field: field, Reason: reason, Queue: r.queue.Metrics()}))
}

// summary returns the per-parse usage summary, creating it on first use.
func (r *LeanLLMResolver) summary(s *Scratchpad) *parse.FallbackSummary {
	if v, ok := s.Lookup(KeyLeanUsage); ok {
		if sum, ok := v.(*parse.FallbackSummary); ok {
			return sum
		}
	}
	sum := &parse.FallbackSummary{}
	s.Set(KeyLeanUsage, sum)
	return sum
}

// TrimInput bounds the input to max characters, replacing the cut tail with a
// single truncation marker. Non-positive max passes the input through.
func TrimInput(input string, max int) string {
	if max <= 0 || len(input) <= max {
		return input
	}
	return input[:max] + fmt.Sprintf("... [truncated %d chars]", len(input)-max)
}

func queryFromStep(step plan.SearchStep) model.FieldQuery {
	return model.FieldQuery{
		Key:            step.TargetKey,
		Description:    step.Description,
		Instruction:    step.SearchInstruction,
		ValidationType: step.ValidationType,
		IsRequired:     step.IsRequired,
	}
}

// lookupValue finds the value for a field in the response map, tolerating key
// spelling differences.
func lookupValue(values map[string]any, field string) (any, bool) {
	if values == nil {
		return nil, false
	}
	if v, ok := values[field]; ok && v != nil {
		return v, true
	}
	for key, v := range values {
		if v != nil && schema.KeysMatch(field, key) {
			return v, true
		}
	}
	return nil, false
}

func lookupConfidence(confidences map[string]float64, field string) (float64, bool) {
	if confidences == nil {
		return 0, false
	}
	if c, ok := confidences[field]; ok {
		return c, true
	}
	for key, c := range confidences {
		if schema.KeysMatch(field, key) {
			return c, true
		}
	}
	return 0, false
}

func copyDiags(diags []parse.Diagnostic) []parse.Diagnostic {
	if len(diags) == 0 {
		return nil
	}
	cp := make([]parse.Diagnostic, len(diags))
	copy(cp, diags)
	return cp
}
