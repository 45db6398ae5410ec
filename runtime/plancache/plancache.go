// Package plancache defines the keyed store of architect plans and provides
// the default in-memory implementation. Cache keys are deterministic digests
// of the request shape (see plan.CacheKey); entries are deep-cloned on both
// store and fetch so no consumer ever aliases cached state.
package plancache

import (
	"context"
	"time"

	"goa.design/parserator/runtime/parse"
	"goa.design/parserator/runtime/plan"
)

type (
	// Entry is a cached architect result.
	Entry struct {
		// Plan is the cached search plan. Stored and served as clones.
		Plan *plan.SearchPlan `json:"plan"`
		// Confidence is the architect confidence at store time.
		Confidence float64 `json:"confidence"`
		// Diagnostics are the architect diagnostics at store time.
		Diagnostics []parse.Diagnostic `json:"diagnostics,omitempty"`
		// Tokens is the architect token cost at store time.
		Tokens int `json:"tokens"`
		// ProcessingTimeMs is the architect latency at store time.
		ProcessingTimeMs int64 `json:"processingTimeMs"`
		// UpdatedAt is the ISO timestamp of the last write.
		UpdatedAt string `json:"updatedAt"`
		// Profile optionally tags the entry with the kernel profile that
		// produced it.
		Profile string `json:"profile,omitempty"`
		// Stale marks entries past the policy staleness window. Stale hits
		// are reported as misses but still returned so callers can decide.
		Stale bool `json:"stale,omitempty"`
	}

	// Cache is the pluggable plan cache contract. Implementations must be
	// safe for concurrent use. Delete and Clear are optional in spirit;
	// implementations that do not support them return nil.
	Cache interface {
		// Get returns the entry for key, or nil when absent.
		Get(ctx context.Context, key string) (*Entry, error)
		// Set stores the entry under key.
		Set(ctx context.Context, key string, entry *Entry) error
		// Delete removes the entry for key.
		Delete(ctx context.Context, key string) error
		// Clear removes all entries, or only those tagged with profile when
		// profile is non-empty.
		Clear(ctx context.Context, profile string) error
	}

	// Policy tunes entry admission and staleness for caches that honor it.
	Policy struct {
		// MinConfidence rejects writes below the floor when positive.
		MinConfidence float64
		// StaleAfter marks entries stale once their age exceeds the window.
		// Zero disables staleness.
		StaleAfter time.Duration
	}
)

// Clone returns a deep copy of the entry; the plan and diagnostics are
// copied so callers can mutate the result freely.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Plan = e.Plan.Clone()
	if e.Diagnostics != nil {
		cp.Diagnostics = make([]parse.Diagnostic, len(e.Diagnostics))
		copy(cp.Diagnostics, e.Diagnostics)
	}
	return &cp
}
