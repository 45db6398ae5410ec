package architect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/parserator/runtime/model"
	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/queue"
	"goa.design/parserator/runtime/resolve"
	"goa.design/parserator/runtime/telemetry"
)

type (
	// HybridConfig tunes the LLM rewrite wrapper.
	HybridConfig struct {
		// Client performs the rewrite call. Required for rewrites; with a nil
		// client the wrapper degrades to the inner architect.
		Client model.RewriteClient
		// Queue serializes rewrite calls. Nil constructs a concurrency-1 queue.
		Queue *queue.Queue
		// Hub receives plan:rewrite lifecycle events when non-nil.
		Hub *telemetry.Hub
		// Logger receives rewrite failures. Nil defaults to no-op.
		Logger telemetry.Logger
		// Cooldown skips rewrites attempted within the window after the
		// previous attempt. Zero disables.
		Cooldown time.Duration
		// MaxSampleChars trims the input sample before sending. Zero sends the
		// sample whole.
		MaxSampleChars int
		// Timeout is the advisory per-call deadline forwarded to the client.
		Timeout time.Duration
	}

	// RewriteState is the externally queryable state of the rewrite wrapper.
	RewriteState struct {
		LastAttemptAt time.Time     `json:"lastAttemptAt"`
		LastSuccessAt time.Time     `json:"lastSuccessAt"`
		LastFailureAt time.Time     `json:"lastFailureAt"`
		Queue         queue.Metrics `json:"queue"`
	}

	// Hybrid wraps an inner architect with an LLM rewrite path. Plans whose
	// heuristic confidence meets the request threshold pass through verbatim;
	// the rest go through a single serialized rewrite attempt, with the
	// heuristic plan as the fallback on every failure mode.
	Hybrid struct {
		inner Agent
		cfg   HybridConfig
		queue *queue.Queue

		mu            sync.Mutex
		lastAttemptAt time.Time
		lastSuccessAt time.Time
		lastFailureAt time.Time

		now func() time.Time
	}
)

var _ Agent = (*Hybrid)(nil)

// NewHybrid wraps inner with the LLM rewrite path.
func NewHybrid(inner Agent, cfg HybridConfig) *Hybrid {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NoopLogger{}
	}
	q := cfg.Queue
	if q == nil {
		q = queue.New(queue.Options{Concurrency: 1})
	}
	return &Hybrid{inner: inner, cfg: cfg, queue: q, now: time.Now}
}

// State returns the rewrite timestamps and a queue snapshot.
func (h *Hybrid) State() RewriteState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return RewriteState{
		LastAttemptAt: h.lastAttemptAt,
		LastSuccessAt: h.lastSuccessAt,
		LastFailureAt: h.lastFailureAt,
		Queue:         h.queue.Metrics(),
	}
}

// CreatePlan implements Agent.
func (h *Hybrid) CreatePlan(ctx context.Context, req *Request) (*Result, error) {
	res, err := h.inner.CreatePlan(ctx, req)
	if err != nil {
		return nil, err
	}
	threshold := res.Plan.ConfidenceThreshold
	if res.Confidence >= threshold || h.cfg.Client == nil {
		return res, nil
	}

	if cd := h.cfg.Cooldown; cd > 0 {
		h.mu.Lock()
		inCooldown := !h.lastAttemptAt.IsZero() && h.now().Sub(h.lastAttemptAt) < cd
		h.mu.Unlock()
		if inCooldown {
			res.Diagnostics = append(res.Diagnostics, parse.Diagnostic{
				Stage:    parse.StageArchitect,
				Message:  "plan rewrite skipped: cooldown window active",
				Severity: parse.SeverityInfo,
			})
			h.emit(ctx, req, telemetry.RewritePayload{Action: "skipped", Reason: "cooldown", Queue: h.queue.Metrics()})
			return res, nil
		}
	}

	return h.rewrite(ctx, req, res, threshold), nil
}

// rewrite performs the serialized rewrite call. The heuristic result is
// returned on every failure mode with a diagnostic explaining why.
func (h *Hybrid) rewrite(ctx context.Context, req *Request, heuristic *Result, threshold float64) *Result {
	rewriteReq := &model.PlanRewriteRequest{
		InputSample:   resolve.TrimInput(req.InputData, h.cfg.MaxSampleChars),
		OutputSchema:  req.OutputSchema,
		Instructions:  req.Instructions,
		HeuristicPlan: heuristic.Plan.Clone(),
		Threshold:     threshold,
		Timeout:       h.cfg.Timeout,
	}

	h.mu.Lock()
	h.lastAttemptAt = h.now()
	h.mu.Unlock()
	h.emit(ctx, req, telemetry.RewritePayload{Action: "queued", Queue: h.queue.Metrics()})

	var resp *model.PlanRewriteResponse
	handle := h.queue.Enqueue(func(qctx context.Context) error {
		h.emit(qctx, req, telemetry.RewritePayload{Action: "started", Queue: h.queue.Metrics()})
		var err error
		resp, err = h.cfg.Client.RewritePlan(qctx, rewriteReq)
		return err
	})

	if err := handle.Wait(ctx); err != nil {
		h.mu.Lock()
		h.lastFailureAt = h.now()
		h.mu.Unlock()
		h.cfg.Logger.Warn(ctx, "plan rewrite failed", "request", req.RequestID, "err", err.Error())
		heuristic.Diagnostics = append(heuristic.Diagnostics, parse.Diagnostic{
			Stage:    parse.StageArchitect,
			Message:  fmt.Sprintf("plan rewrite failed, keeping heuristic plan: %v", err),
			Severity: parse.SeverityWarning,
		})
		h.emit(ctx, req, telemetry.RewritePayload{Action: "failed", Reason: err.Error(), Queue: h.queue.Metrics()})
		return heuristic
	}

	if resp == nil || resp.Plan == nil {
		heuristic.Diagnostics = append(heuristic.Diagnostics, parse.Diagnostic{
			Stage:    parse.StageArchitect,
			Message:  "plan rewrite declined, keeping heuristic plan",
			Severity: parse.SeverityInfo,
		})
		h.emit(ctx, req, telemetry.RewritePayload{Action: "skipped", Reason: "declined", Queue: h.queue.Metrics()})
		return heuristic
	}

	h.mu.Lock()
	h.lastSuccessAt = h.now()
	h.mu.Unlock()

	rewritten := resp.Plan.Clone()
	rewritten.Metadata.Origin = plan.OriginModel
	rewritten.Metadata.PlannerConfidence = resp.Confidence
	if rewritten.ID == "" {
		rewritten.ID = heuristic.Plan.ID
	}
	rewritten.Version = heuristic.Plan.Version + 1

	diags := append(heuristic.Diagnostics, resp.Diagnostics...)
	diags = append(diags, parse.Diagnostic{
		Stage: parse.StageArchitect,
		Message: fmt.Sprintf("plan rewritten by model %s: %d tokens, %dms",
			resp.Usage.Model, resp.Usage.TotalTokens, resp.Usage.LatencyMs),
		Severity: parse.SeverityInfo,
	})

	h.emit(ctx, req, telemetry.RewritePayload{
		Action: "completed",
		Model:  resp.Usage.Model,
		Tokens: resp.Usage.TotalTokens,
		Queue:  h.queue.Metrics(),
	})

	return &Result{
		Plan:             rewritten,
		Confidence:       resp.Confidence,
		Tokens:           heuristic.Tokens + resp.Usage.TotalTokens,
		ProcessingTimeMs: heuristic.ProcessingTimeMs + resp.Usage.LatencyMs,
		Diagnostics:      diags,
	}
}

func (h *Hybrid) emit(ctx context.Context, req *Request, payload telemetry.RewritePayload) {
	if h.cfg.Hub == nil {
		return
	}
	h.cfg.Hub.Publish(ctx, telemetry.NewEvent(telemetry.EventPlanRewrite, req.RequestID, telemetry.SourceCore, payload))
}
