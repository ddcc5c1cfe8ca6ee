package model

import "time"

// PredicateOp is the node type of the predicate AST. Predicates are stored as
// jsonb and evaluated by the interpreter in internal/policy, keeping rule
// matching deterministic and auditable.
type PredicateOp string

const (
	PredAlways  PredicateOp = "always"
	PredCompare PredicateOp = "cmp"
	PredAnd     PredicateOp = "and"
	PredOr      PredicateOp = "or"
	PredNot     PredicateOp = "not"
	PredIn      PredicateOp = "in"
)

type CompareOp string

const (
	CmpEq  CompareOp = "eq"
	CmpNe  CompareOp = "ne"
	CmpGt  CompareOp = "gt"
	CmpGte CompareOp = "gte"
	CmpLt  CompareOp = "lt"
	CmpLte CompareOp = "lte"
)

// Predicate is a tagged-variant condition over an event and its context
// snapshot. Field paths address event attributes ("kind", "action_type",
// "raw_amount") or context facts ("context.tier", "context.visits").
type Predicate struct {
	Op     PredicateOp `json:"op"`
	Field  string      `json:"field,omitempty"`
	Cmp    CompareOp   `json:"cmp,omitempty"`
	Value  any         `json:"value,omitempty"`
	Values []any       `json:"values,omitempty"`
	Preds  []Predicate `json:"preds,omitempty"`
}

type EffectType string

const (
	// EffectFixed adds a fixed point amount.
	EffectFixed EffectType = "fixed"
	// EffectRate adds raw_amount * BasisPoints / 10000 (e.g. 1000 = 10% of
	// purchase value as points).
	EffectRate EffectType = "rate"
	// EffectMultiplier scales the running delta accumulated by
	// higher-priority rules by BasisPoints / 10000 (20000 = 2x).
	EffectMultiplier EffectType = "multiplier"
	// EffectTier transitions the customer tier without a point delta.
	EffectTier EffectType = "tier"
)

type Effect struct {
	Type        EffectType `json:"type"`
	Amount      int64      `json:"amount,omitempty"`
	BasisPoints int64      `json:"basis_points,omitempty"`
	Tier        string     `json:"tier,omitempty"`
}

// PolicyRule is versioned and tenant-scoped. Published versions are immutable;
// an update publishes the next version. At most one version of a rule is
// active at any instant, which makes evaluation replayable.
type PolicyRule struct {
	TenantID    string    `json:"tenant_id"`
	RuleID      string    `json:"rule_id"`
	Version     int       `json:"version"`
	Description string    `json:"description,omitempty"`
	Predicate   Predicate `json:"predicate"`
	Effect      Effect    `json:"effect"`
	Priority    int       `json:"priority"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidUntil  time.Time `json:"valid_until"` // zero means open-ended
	PublishedAt time.Time `json:"published_at"`
}

// ActiveAt reports whether the rule's validity window covers the instant.
func (r *PolicyRule) ActiveAt(at time.Time) bool {
	if at.Before(r.ValidFrom) {
		return false
	}
	return r.ValidUntil.IsZero() || at.Before(r.ValidUntil)
}

// RuleTrace records one rule's contribution inside an entry's applied-rule
// trace, in application order.
type RuleTrace struct {
	RuleID   string `json:"rule_id"`
	Version  int    `json:"version"`
	Priority int    `json:"priority"`
	Delta    int64  `json:"delta"`
	Tier     string `json:"tier,omitempty"`
}

// EvaluationResult is the pure output of the policy evaluator.
type EvaluationResult struct {
	Delta          int64       `json:"delta"`
	Trace          []RuleTrace `json:"trace"`
	TierTransition string      `json:"tier_transition,omitempty"`
	RuleSetVersion string      `json:"rule_set_version"`
}
