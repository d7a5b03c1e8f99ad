package ratelimit

import "sync/atomic"

// PolicySet holds the named limiter budgets. The whole map is swapped
// atomically on configuration reload so in-flight checks read a consistent
// snapshot.
type PolicySet struct {
	policies atomic.Value // map[string]Policy
}

// NewPolicySet seeds the set with the initial named policies.
func NewPolicySet(policies map[string]Policy) *PolicySet {
	set := &PolicySet{}
	set.Replace(policies)
	return set
}

// Lookup returns the policy registered under scope.
func (s *PolicySet) Lookup(scope string) (Policy, bool) {
	policies, _ := s.policies.Load().(map[string]Policy)
	policy, ok := policies[scope]
	return policy, ok
}

// Replace swaps in a new snapshot of named policies.
func (s *PolicySet) Replace(policies map[string]Policy) {
	snapshot := make(map[string]Policy, len(policies))
	for name, policy := range policies {
		snapshot[name] = policy
	}
	s.policies.Store(snapshot)
}
