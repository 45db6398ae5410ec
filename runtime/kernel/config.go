package kernel

import (
	"time"

	"goa.design/parserator/runtime/plan"
)

// Config is the kernel configuration. The effective configuration is composed
// as defaults, then profile overrides, then user overrides.
type Config struct {
	// MaxInputLength bounds request input size.
	MaxInputLength int `json:"maxInputLength" yaml:"maxInputLength"`
	// MaxSchemaFields bounds the number of output schema fields.
	MaxSchemaFields int `json:"maxSchemaFields" yaml:"maxSchemaFields"`
	// MinConfidence is the blended confidence floor. Parses below it get a
	// warning, or a LOW_CONFIDENCE failure when fallbacks are disabled.
	MinConfidence float64 `json:"minConfidence" yaml:"minConfidence"`
	// EnableFieldFallbacks gates the lean LLM field resolver and softens the
	// low-confidence outcome to a warning.
	EnableFieldFallbacks bool `json:"enableFieldFallbacks" yaml:"enableFieldFallbacks"`
	// DefaultStrategy is the advisory execution strategy stamped on plans.
	DefaultStrategy plan.Strategy `json:"defaultStrategy" yaml:"defaultStrategy"`

	// RewriteCooldown throttles LLM plan rewrites.
	RewriteCooldown time.Duration `json:"rewriteCooldown" yaml:"rewriteCooldown"`
	// RewriteMaxSampleChars trims the input sample sent with rewrites.
	RewriteMaxSampleChars int `json:"rewriteMaxSampleChars" yaml:"rewriteMaxSampleChars"`

	// FallbackPlanConfidenceGate skips the lean resolver for plans at or
	// above the gate.
	FallbackPlanConfidenceGate float64 `json:"fallbackPlanConfidenceGate" yaml:"fallbackPlanConfidenceGate"`
	// FallbackMaxInvocations bounds lean LLM calls per parse.
	FallbackMaxInvocations int `json:"fallbackMaxInvocations" yaml:"fallbackMaxInvocations"`
	// FallbackMaxTokens bounds lean LLM token spend per parse.
	FallbackMaxTokens int `json:"fallbackMaxTokens" yaml:"fallbackMaxTokens"`
	// FallbackAllowOptionalFields extends the fallback to optional fields.
	FallbackAllowOptionalFields bool `json:"fallbackAllowOptionalFields" yaml:"fallbackAllowOptionalFields"`
	// FallbackMaxInputChars trims the input sent with fallback calls.
	FallbackMaxInputChars int `json:"fallbackMaxInputChars" yaml:"fallbackMaxInputChars"`

	// CacheMinConfidence rejects plan cache writes below the floor.
	CacheMinConfidence float64 `json:"cacheMinConfidence" yaml:"cacheMinConfidence"`
	// CacheStaleAfter marks cache entries stale past the window. Zero
	// disables staleness.
	CacheStaleAfter time.Duration `json:"cacheStaleAfter" yaml:"cacheStaleAfter"`

	// ModelTimeout is the advisory deadline forwarded to LLM clients.
	ModelTimeout time.Duration `json:"modelTimeout" yaml:"modelTimeout"`
}

// DefaultConfig returns the lean-agent baseline configuration.
func DefaultConfig() Config {
	return Config{
		MaxInputLength:              100_000,
		MaxSchemaFields:             50,
		MinConfidence:               0.5,
		EnableFieldFallbacks:        true,
		DefaultStrategy:             plan.StrategySequential,
		RewriteCooldown:             30 * time.Second,
		RewriteMaxSampleChars:       4000,
		FallbackPlanConfidenceGate:  0.85,
		FallbackMaxInvocations:      2,
		FallbackMaxTokens:           2400,
		FallbackAllowOptionalFields: false,
		FallbackMaxInputChars:       6000,
		CacheMinConfidence:          0.3,
		CacheStaleAfter:             0,
		ModelTimeout:                30 * time.Second,
	}
}

// merge applies non-zero override fields onto c and returns the result.
// Boolean fields cannot express "unset", so overrides carry them explicitly
// through the Overrides wrapper.
type Overrides struct {
	MaxInputLength              *int           `json:"maxInputLength,omitempty" yaml:"maxInputLength"`
	MaxSchemaFields             *int           `json:"maxSchemaFields,omitempty" yaml:"maxSchemaFields"`
	MinConfidence               *float64       `json:"minConfidence,omitempty" yaml:"minConfidence"`
	EnableFieldFallbacks        *bool          `json:"enableFieldFallbacks,omitempty" yaml:"enableFieldFallbacks"`
	DefaultStrategy             *plan.Strategy `json:"defaultStrategy,omitempty" yaml:"defaultStrategy"`
	RewriteCooldown             *time.Duration `json:"rewriteCooldown,omitempty" yaml:"rewriteCooldown"`
	RewriteMaxSampleChars       *int           `json:"rewriteMaxSampleChars,omitempty" yaml:"rewriteMaxSampleChars"`
	FallbackPlanConfidenceGate  *float64       `json:"fallbackPlanConfidenceGate,omitempty" yaml:"fallbackPlanConfidenceGate"`
	FallbackMaxInvocations      *int           `json:"fallbackMaxInvocations,omitempty" yaml:"fallbackMaxInvocations"`
	FallbackMaxTokens           *int           `json:"fallbackMaxTokens,omitempty" yaml:"fallbackMaxTokens"`
	FallbackAllowOptionalFields *bool          `json:"fallbackAllowOptionalFields,omitempty" yaml:"fallbackAllowOptionalFields"`
	FallbackMaxInputChars       *int           `json:"fallbackMaxInputChars,omitempty" yaml:"fallbackMaxInputChars"`
	CacheMinConfidence          *float64       `json:"cacheMinConfidence,omitempty" yaml:"cacheMinConfidence"`
	CacheStaleAfter             *time.Duration `json:"cacheStaleAfter,omitempty" yaml:"cacheStaleAfter"`
	ModelTimeout                *time.Duration `json:"modelTimeout,omitempty" yaml:"modelTimeout"`
}

// Apply returns c with every set override applied.
func (o *Overrides) Apply(c Config) Config {
	if o == nil {
		return c
	}
	if o.MaxInputLength != nil {
		c.MaxInputLength = *o.MaxInputLength
	}
	if o.MaxSchemaFields != nil {
		c.MaxSchemaFields = *o.MaxSchemaFields
	}
	if o.MinConfidence != nil {
		c.MinConfidence = *o.MinConfidence
	}
	if o.EnableFieldFallbacks != nil {
		c.EnableFieldFallbacks = *o.EnableFieldFallbacks
	}
	if o.DefaultStrategy != nil {
		c.DefaultStrategy = *o.DefaultStrategy
	}
	if o.RewriteCooldown != nil {
		c.RewriteCooldown = *o.RewriteCooldown
	}
	if o.RewriteMaxSampleChars != nil {
		c.RewriteMaxSampleChars = *o.RewriteMaxSampleChars
	}
	if o.FallbackPlanConfidenceGate != nil {
		c.FallbackPlanConfidenceGate = *o.FallbackPlanConfidenceGate
	}
	if o.FallbackMaxInvocations != nil {
		c.FallbackMaxInvocations = *o.FallbackMaxInvocations
	}
	if o.FallbackMaxTokens != nil {
		c.FallbackMaxTokens = *o.FallbackMaxTokens
	}
	if o.FallbackAllowOptionalFields != nil {
		c.FallbackAllowOptionalFields = *o.FallbackAllowOptionalFields
	}
	if o.FallbackMaxInputChars != nil {
		c.FallbackMaxInputChars = *o.FallbackMaxInputChars
	}
	if o.CacheMinConfidence != nil {
		c.CacheMinConfidence = *o.CacheMinConfidence
	}
	if o.CacheStaleAfter != nil {
		c.CacheStaleAfter = *o.CacheStaleAfter
	}
	if o.ModelTimeout != nil {
		c.ModelTimeout = *o.ModelTimeout
	}
	return c
}
