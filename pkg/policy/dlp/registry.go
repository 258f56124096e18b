package dlp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/polisai/plantwatch/pkg/domain"
)

// Registry provides a threadsafe catalog of reusable detection rules.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
	order []string
}

// NewRegistry constructs an empty Registry instance.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register inserts or replaces a rule in the registry using its name as the identifier.
func (r *Registry) Register(rule Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return errRuleName
	}
	if strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("%w: %s", errRulePattern, rule.Name)
	}

	key := strings.ToLower(rule.Name)

	r.mu.Lock()
	if _, exists := r.rules[key]; !exists {
		r.order = append(r.order, key)
	}
	r.rules[key] = rule
	r.mu.Unlock()
	return nil
}

// RegisterAll inserts multiple rules in a single call.
func (r *Registry) RegisterAll(rules []Rule) error {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Resolve retrieves a rule by identifier.
func (r *Registry) Resolve(id string) (Rule, bool) {
	if id == "" {
		return Rule{}, false
	}
	r.mu.RLock()
	rule, ok := r.rules[strings.ToLower(id)]
	r.mu.RUnlock()
	return rule, ok
}

// Rules returns all registered rules in registration order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Rule, 0, len(r.order))
	for _, key := range r.order {
		result = append(result, r.rules[key])
	}
	return result
}

// Detectors compiles the named rules, or every rule when names is empty.
func (r *Registry) Detectors(names ...string) ([]Detector, error) {
	var rules []Rule
	if len(names) == 0 {
		rules = r.Rules()
	} else {
		for _, name := range names {
			rule, ok := r.Resolve(name)
			if !ok {
				return nil, fmt.Errorf("dlp: unknown rule %q", name)
			}
			rules = append(rules, rule)
		}
	}

	detectors := make([]Detector, 0, len(rules))
	for _, rule := range rules {
		d, err := rule.Compile()
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}
	return detectors, nil
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry populated with the
// builtin rules.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		if err := defaultRegistry.RegisterAll(BuiltinRules()); err != nil {
			panic(err)
		}
	})
	return defaultRegistry
}

const (
	capitalisedWord = `\p{Lu}[\p{Ll}'-]+`
	streetSuffix    = `(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Way|Place|Pl)`
	octet           = `(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)`
)

// BuiltinRules returns the rules covering the recognised PII categories.
// Order matters: when two rules claim the same span the earlier one wins.
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:     "email",
			Category: domain.PIIEmail,
			Pattern:  `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`,
		},
		{
			Name:     "bank_account",
			Category: domain.PIIBankAccount,
			Pattern:  `(?i)\b(?:account|acct|routing)(?:\s+(?:number|no\.?|num|#))?[\s:#]*(\d{8,17})\b`,
			Group:    1,
		},
		{
			Name:     "card",
			Category: domain.PIICard,
			Pattern:  `\b(?:\d[ -]?){12,18}\d\b`,
		},
		{
			Name:     "ssn",
			Category: domain.PIISSN,
			Pattern:  `\b\d{3}-\d{2}-\d{4}\b`,
		},
		{
			Name:     "phone",
			Category: domain.PIIPhone,
			Pattern:  `(?:\+?\d{1,2}[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`,
		},
		{
			Name:     "phone_intl",
			Category: domain.PIIPhone,
			Pattern:  `\+\d{1,3}[-.\s]?(?:\(\d{1,4}\)|\d{1,4})(?:[-.\s]?\d{2,4}){2,4}\b`,
		},
		{
			Name:     "ip_address",
			Category: domain.PIIIPAddress,
			Pattern:  `\b` + octet + `(?:\.` + octet + `){3}\b`,
		},
		{
			Name:     "person",
			Category: domain.PIIPerson,
			Pattern:  capitalisedWord + `(?:\s+` + capitalisedWord + `)?`,
			Context:  []string{"my name is", "i am called", "call me"},
		},
		{
			Name:     "person_title",
			Category: domain.PIIPerson,
			Pattern:  `\b(?:Mr|Mrs|Ms|Miss|Dr)\.?\s+(` + capitalisedWord + `(?:\s+` + capitalisedWord + `)?)`,
			Group:    1,
		},
		{
			Name:     "street_address",
			Category: domain.PIILocation,
			Pattern:  `\b\d{1,5}\s+(?:` + capitalisedWord + `\s+){1,3}` + streetSuffix + `\b\.?`,
		},
		{
			Name:     "location",
			Category: domain.PIILocation,
			Pattern:  capitalisedWord + `(?:\s+` + capitalisedWord + `){0,2}`,
			Context:  []string{"i live in", "i'm from", "i am from", "based in"},
		},
	}
}
