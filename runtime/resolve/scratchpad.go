package resolve

import "sync"

// Reserved scratchpad key prefixes: "resolver:<name>:" for resolver-private
// state and "extract:" for extractor bookkeeping. Custom resolvers should
// namespace their keys the same way.
const (
	keyJSONPayload   = "resolver:json:payload"
	keyJSONFailed    = "resolver:json:failed"
	keySectionIndex  = "resolver:section:index"
	keyKeyValueIndex = "resolver:keyvalue:index"
	keyLeanShared    = "resolver:leanllm:shared"

	// KeyLeanUsage holds the *parse.FallbackSummary the lean LLM resolver
	// maintains for the current parse. The kernel copies it into response
	// metadata.
	KeyLeanUsage = "resolver:leanllm:usage"

	// KeyResolvedFields holds the map[string]any of values resolved so far.
	// The extractor keeps it current; the lean LLM resolver reads it to
	// compute the unresolved batch.
	KeyResolvedFields = "extract:resolved"
)

// Scratchpad is the per-parse shared state map. One scratchpad is created per
// parse and passed by reference through the resolver chain; keys are
// namespaced strings. Safe for concurrent use because fallback tasks may
// touch it from queue goroutines.
type Scratchpad struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewScratchpad constructs an empty scratchpad.
func NewScratchpad() *Scratchpad {
	return &Scratchpad{values: make(map[string]any)}
}

// Get returns the value stored under key, or nil.
func (s *Scratchpad) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Lookup returns the value stored under key and whether it was present.
func (s *Scratchpad) Lookup(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *Scratchpad) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Delete removes key.
func (s *Scratchpad) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
}

// Len returns the number of stored keys.
func (s *Scratchpad) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
