package ratelimit

import (
	"sync"
	"time"
)

// DefaultRuleName names the fallback rule.
const DefaultRuleName = "default"

// DefaultRule is applied to call sites without their own rule: 100 requests
// per 60 seconds.
func DefaultRule() Rule {
	return Rule{
		Name:     DefaultRuleName,
		Limit:    100,
		Window:   60 * time.Second,
		Cost:     1,
		Strategy: FixedWindow,
	}
}

// Rules is the per call-site registry. Declaring a rule and enforcing it
// read the same registry.
type Rules struct {
	mu       sync.RWMutex
	rules    map[string]Rule
	fallback Rule
}

// NewRules creates a registry that falls back to fallback for unknown call
// sites.
func NewRules(fallback Rule) (*Rules, error) {
	if fallback.Name == "" {
		fallback.Name = DefaultRuleName
	}
	if err := fallback.Validate(); err != nil {
		return nil, err
	}
	return &Rules{rules: make(map[string]Rule), fallback: fallback}, nil
}

// Declare registers or replaces the rule for rule.Name.
func (r *Rules) Declare(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.rules[rule.Name] = rule
	r.mu.Unlock()
	return nil
}

// Resolve returns the rule declared for name, or the fallback budget under
// name so each call site keeps its own counters.
func (r *Rules) Resolve(name string) Rule {
	r.mu.RLock()
	rule, ok := r.rules[name]
	r.mu.RUnlock()
	if ok {
		return rule
	}

	rule = r.fallback
	if name != "" {
		rule.Name = name
	}
	return rule
}

// Names returns the call sites with a declared rule.
func (r *Rules) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for n := range r.rules {
		names = append(names, n)
	}
	return names
}
