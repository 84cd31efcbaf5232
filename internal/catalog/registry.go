package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry is the tool whitelist of one domain.
type Registry struct {
	domain   string
	mu       sync.RWMutex
	tools    map[string]Tool
	fallback string
}

// NewRegistry creates an empty registry for domain.
func NewRegistry(domain string) *Registry {
	return &Registry{domain: domain, tools: make(map[string]Tool)}
}

// Domain returns the owning domain name.
func (r *Registry) Domain() string { return r.domain }

// Register adds tools to the whitelist. A later tool with the same name replaces the earlier one.
func (r *Registry) Register(tools ...Tool) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.tools[strings.ToLower(t.Name())] = t
	}
	return r
}

// SetFallback names the tool used when the requested one cannot be matched.
func (r *Registry) SetFallback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		r.fallback = ""
		return nil
	}
	if _, ok := r.tools[strings.ToLower(name)]; !ok {
		return fmt.Errorf("%w: fallback %q not registered in %s", ErrToolNotFound, name, r.domain)
	}
	r.fallback = strings.ToLower(name)
	return nil
}

// Names returns the whitelist sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Name())
	}
	sort.Strings(out)
	return out
}

// Get looks a tool up by exact (case-insensitive) name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Match resolves a requested tool name against the whitelist: exact case-insensitive match,
// then substring containment in either direction (longest whitelisted name first), then the
// fallback tool. usedFallback reports the last case.
func (r *Registry) Match(requested string) (tool Tool, usedFallback bool, err error) {
	req := strings.ToLower(strings.Trim(strings.TrimSpace(requested), "`\"'."))
	r.mu.RLock()
	defer r.mu.RUnlock()

	if req != "" {
		if t, ok := r.tools[req]; ok {
			return t, false, nil
		}
		names := make([]string, 0, len(r.tools))
		for n := range r.tools {
			names = append(names, n)
		}
		sort.Slice(names, func(i, j int) bool {
			if len(names[i]) != len(names[j]) {
				return len(names[i]) > len(names[j])
			}
			return names[i] < names[j]
		})
		for _, n := range names {
			if strings.Contains(req, n) || strings.Contains(n, req) {
				return r.tools[n], false, nil
			}
		}
	}

	if r.fallback != "" {
		return r.tools[r.fallback], true, nil
	}
	return nil, false, fmt.Errorf("%w: %q in domain %s", ErrToolNotFound, requested, r.domain)
}
