package kernel

import (
	"context"
	"fmt"
	"sync"

	"goa.design/parserator/runtime/parse"
)

type (
	// Interceptor observes parse lifecycles. Interceptor failures are logged
	// and never alter the parse outcome.
	Interceptor interface {
		// Name identifies the interceptor in listings.
		Name() string
		// BeforeParse runs after preprocessing, before planning.
		BeforeParse(ctx context.Context, req *parse.Request)
		// AfterParse runs after the response is final, on success and failure.
		AfterParse(ctx context.Context, resp *parse.Response)
	}

	// Unregister detaches a registered interceptor. Idempotent.
	Unregister func()

	interceptorEntry struct {
		interceptor Interceptor
	}

	interceptorList struct {
		mu      sync.RWMutex
		entries []*interceptorEntry
	}
)

func (l *interceptorList) add(i Interceptor) Unregister {
	entry := &interceptorEntry{interceptor: i}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for idx, e := range l.entries {
				if e == entry {
					l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
					return
				}
			}
		})
	}
}

// snapshot copies the current list so emission tolerates concurrent removal.
func (l *interceptorList) snapshot() []Interceptor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Interceptor, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.interceptor
	}
	return out
}

func (l *interceptorList) names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, len(l.entries))
	for i, e := range l.entries {
		names[i] = e.interceptor.Name()
	}
	return names
}

func (c *Core) runBeforeInterceptors(ctx context.Context, req *parse.Request) {
	for _, i := range c.interceptors.snapshot() {
		c.safeInterceptor(ctx, i, func() { i.BeforeParse(ctx, req) })
	}
}

func (c *Core) runAfterInterceptors(ctx context.Context, resp *parse.Response) {
	for _, i := range c.interceptors.snapshot() {
		c.safeInterceptor(ctx, i, func() { i.AfterParse(ctx, resp) })
	}
}

func (c *Core) safeInterceptor(ctx context.Context, i Interceptor, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn(ctx, "interceptor panic", "interceptor", i.Name(), "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
