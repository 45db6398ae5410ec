package kernel

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/parserator/runtime/architect"
	"goa.design/parserator/runtime/extract"
	"goa.design/parserator/runtime/plan"
	"goa.design/parserator/runtime/resolve"
	"goa.design/parserator/runtime/telemetry"
)

// Built-in profile names.
const (
	ProfileLeanAgent  = "lean-agent"
	ProfileVibeCoder  = "vibe-coder"
	ProfileSensorGrid = "sensor-grid"
)

type (
	// Profile is a preset bundle of config overrides and component choices.
	Profile interface {
		// Name identifies the profile on responses and cache entries.
		Name() string
		// Configure returns the profile's adjustments. Any nil field leaves
		// the current choice in place.
		Configure(pc *ProfileContext) (*ProfileResult, error)
	}

	// ProfileContext is handed to Configure.
	ProfileContext struct {
		// Config is the configuration composed so far.
		Config Config
		// Logger is the kernel logger.
		Logger telemetry.Logger
	}

	// ProfileResult carries a profile's adjustments.
	ProfileResult struct {
		// Config replaces the composed configuration when non-nil.
		Config *Config
		// Architect replaces the active architect when non-nil.
		Architect architect.Agent
		// Extractor replaces the active extractor when non-nil.
		Extractor extract.Agent
		// Resolvers replaces the resolver chain when non-nil.
		Resolvers []resolve.FieldResolver
	}

	builtinProfile struct {
		name      string
		configure func(pc *ProfileContext) (*ProfileResult, error)
	}

	// profileFile is the YAML shape accepted by LoadProfileFile.
	profileFile struct {
		Name                 string  `yaml:"name"`
		MinConfidence        *float64 `yaml:"minConfidence"`
		MaxInputLength       *int     `yaml:"maxInputLength"`
		MaxSchemaFields      *int     `yaml:"maxSchemaFields"`
		Strategy             *string  `yaml:"strategy"`
		EnableFieldFallbacks *bool    `yaml:"enableFieldFallbacks"`
		RewriteCooldownMs    *int64   `yaml:"rewriteCooldownMs"`
		Resolvers            []string `yaml:"resolvers"`
	}
)

func (p builtinProfile) Name() string { return p.name }

func (p builtinProfile) Configure(pc *ProfileContext) (*ProfileResult, error) {
	return p.configure(pc)
}

// LookupProfile resolves a built-in profile by name.
func LookupProfile(name string) (Profile, error) {
	switch name {
	case "", ProfileLeanAgent:
		return builtinProfile{name: ProfileLeanAgent, configure: leanAgentProfile}, nil
	case ProfileVibeCoder:
		return builtinProfile{name: ProfileVibeCoder, configure: vibeCoderProfile}, nil
	case ProfileSensorGrid:
		return builtinProfile{name: ProfileSensorGrid, configure: sensorGridProfile}, nil
	default:
		return nil, fmt.Errorf("unknown profile %q", name)
	}
}

// leanAgentProfile is the default bundle; it keeps the composed config.
func leanAgentProfile(*ProfileContext) (*ProfileResult, error) {
	return &ProfileResult{}, nil
}

// vibeCoderProfile trades precision for recall: lower confidence floor,
// adaptive strategy, and the loose key-value resolver joins the chain.
func vibeCoderProfile(pc *ProfileContext) (*ProfileResult, error) {
	cfg := pc.Config
	cfg.MinConfidence = 0.35
	cfg.DefaultStrategy = plan.StrategyAdaptive
	resolvers := []resolve.FieldResolver{
		resolve.NewJSONResolver(),
		resolve.NewSectionResolver(),
		resolve.NewLooseKeyValueResolver(),
		resolve.NewTypedRegexResolver(),
	}
	return &ProfileResult{Config: &cfg, Resolvers: resolvers}, nil
}

// sensorGridProfile tunes for high-volume machine input: higher confidence
// floor, parallel strategy, larger inputs, no LLM fallbacks.
func sensorGridProfile(pc *ProfileContext) (*ProfileResult, error) {
	cfg := pc.Config
	cfg.MinConfidence = 0.75
	cfg.DefaultStrategy = plan.StrategyParallel
	cfg.MaxInputLength = 500_000
	cfg.EnableFieldFallbacks = false
	return &ProfileResult{Config: &cfg}, nil
}

// LoadProfileFile reads a custom profile from a YAML file. The file carries a
// name, config overrides, and an optional resolver list (by default-resolver
// name).
func LoadProfileFile(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfileYAML(raw)
}

// ParseProfileYAML parses a custom profile from YAML bytes.
func ParseProfileYAML(raw []byte) (Profile, error) {
	var pf profileFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if pf.Name == "" {
		return nil, fmt.Errorf("profile name is required")
	}
	resolvers, err := resolversByName(pf.Resolvers)
	if err != nil {
		return nil, err
	}
	return builtinProfile{name: pf.Name, configure: func(pc *ProfileContext) (*ProfileResult, error) {
		cfg := pc.Config
		if pf.MinConfidence != nil {
			cfg.MinConfidence = *pf.MinConfidence
		}
		if pf.MaxInputLength != nil {
			cfg.MaxInputLength = *pf.MaxInputLength
		}
		if pf.MaxSchemaFields != nil {
			cfg.MaxSchemaFields = *pf.MaxSchemaFields
		}
		if pf.Strategy != nil {
			cfg.DefaultStrategy = plan.Strategy(*pf.Strategy)
		}
		if pf.EnableFieldFallbacks != nil {
			cfg.EnableFieldFallbacks = *pf.EnableFieldFallbacks
		}
		if pf.RewriteCooldownMs != nil {
			cfg.RewriteCooldown = time.Duration(*pf.RewriteCooldownMs) * time.Millisecond
		}
		return &ProfileResult{Config: &cfg, Resolvers: resolvers}, nil
	}}, nil
}

// resolversByName maps default-resolver names to instances. An empty list
// keeps the current chain.
func resolversByName(names []string) ([]resolve.FieldResolver, error) {
	if len(names) == 0 {
		return nil, nil
	}
	resolvers := make([]resolve.FieldResolver, 0, len(names))
	for _, name := range names {
		switch name {
		case "json":
			resolvers = append(resolvers, resolve.NewJSONResolver())
		case "section":
			resolvers = append(resolvers, resolve.NewSectionResolver())
		case "loose-keyvalue":
			resolvers = append(resolvers, resolve.NewLooseKeyValueResolver())
		case "typed-regex":
			resolvers = append(resolvers, resolve.NewTypedRegexResolver())
		default:
			return nil, fmt.Errorf("unknown resolver %q in profile", name)
		}
	}
	return resolvers, nil
}
