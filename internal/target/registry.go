// Package target holds the registry of DNOs the orchestrator may crawl.
package target

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// Registry is an immutable set of targets keyed by target key.
type Registry struct {
	byKey map[string]crawler.Target
}

// NewRegistry validates targets and builds a Registry. Keys are lowercased;
// a target without an explicit key takes its map key.
func NewRegistry(targets map[string]crawler.Target) (*Registry, error) {
	r := &Registry{byKey: make(map[string]crawler.Target, len(targets))}
	for key, t := range targets {
		if t.Key == "" {
			t.Key = key
		}
		t.Key = strings.ToLower(strings.TrimSpace(t.Key))
		if t.Key == "" {
			return nil, fmt.Errorf("target %q: key is required", key)
		}
		if t.Website != "" && crawler.Domain(t.Website) == "" {
			return nil, fmt.Errorf("target %q: invalid website %q", t.Key, t.Website)
		}
		if t.Website != "" && !strings.Contains(t.Website, "://") {
			t.Website = "https://" + t.Website
		}
		if _, dup := r.byKey[t.Key]; dup {
			return nil, fmt.Errorf("target %q: duplicate key", t.Key)
		}
		r.byKey[t.Key] = t
	}
	return r, nil
}

// Lookup returns the target registered under key.
func (r *Registry) Lookup(key string) (crawler.Target, bool) {
	if r == nil {
		return crawler.Target{}, false
	}
	t, ok := r.byKey[strings.ToLower(strings.TrimSpace(key))]
	return t, ok
}

// Resolve is Lookup returning crawler.ErrTargetNotFound for unknown keys.
func (r *Registry) Resolve(key string) (crawler.Target, error) {
	t, ok := r.Lookup(key)
	if !ok {
		return crawler.Target{}, fmt.Errorf("%w: %q", crawler.ErrTargetNotFound, key)
	}
	return t, nil
}

// All returns every target ordered by key.
func (r *Registry) All() []crawler.Target {
	if r == nil {
		return nil
	}
	out := make([]crawler.Target, 0, len(r.byKey))
	for _, t := range r.byKey {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Domain returns the crawl domain of a target, used for per-domain caps.
func Domain(t crawler.Target) string {
	if d := crawler.Domain(t.Website); d != "" {
		return d
	}
	return t.Key
}
