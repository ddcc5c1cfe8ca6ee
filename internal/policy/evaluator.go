package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"perka/internal/model"
)

// Evaluate computes the point delta for an event against a rule set. It is
// pure: the same event, instant, and rule set always yield the same result,
// which is what makes entries replayable from their applied-rule trace.
//
// All applicable rules fire, highest priority first (ties broken by rule_id
// lexical order). Each effect may read the running delta accumulated by the
// rules applied before it; a multiplier therefore scales the base built by
// higher-priority rules.
//
// A redeem or transfer event starts from a negative base equal to the
// caller's requested_points; matching rules may still adjust it. An event no
// rule matches evaluates to a zero delta; absence of reward is a valid
// outcome, not an error.
func Evaluate(ev *model.EconomicEvent, at time.Time, rules []model.PolicyRule) (*model.EvaluationResult, error) {
	res := &model.EvaluationResult{
		RuleSetVersion: ruleSetVersion(rules),
	}

	switch ev.Kind {
	case model.EventRedeem, model.EventTransfer:
		requested, err := ev.RequestedPoints()
		if err != nil {
			return nil, err
		}
		res.Delta = -requested
	}

	applicable := make([]model.PolicyRule, 0, len(rules))
	for _, r := range rules {
		if r.TenantID != ev.TenantID || !r.ActiveAt(at) {
			continue
		}
		if Match(r.Predicate, ev) {
			applicable = append(applicable, r)
		}
	}

	sort.Slice(applicable, func(i, j int) bool {
		if applicable[i].Priority != applicable[j].Priority {
			return applicable[i].Priority > applicable[j].Priority
		}
		return applicable[i].RuleID < applicable[j].RuleID
	})

	for _, r := range applicable {
		delta, tier, err := applyEffect(r.Effect, ev, res.Delta)
		if err != nil {
			return nil, fmt.Errorf("rule %s v%d: %w", r.RuleID, r.Version, err)
		}
		res.Delta += delta
		if tier != "" {
			res.TierTransition = tier
		}
		res.Trace = append(res.Trace, model.RuleTrace{
			RuleID:   r.RuleID,
			Version:  r.Version,
			Priority: r.Priority,
			Delta:    delta,
			Tier:     tier,
		})
	}

	return res, nil
}

// applyEffect returns the delta contributed by one effect given the running
// total, plus a tier transition if the effect carries one.
func applyEffect(eff model.Effect, ev *model.EconomicEvent, running int64) (int64, string, error) {
	switch eff.Type {
	case model.EffectFixed:
		return eff.Amount, "", nil
	case model.EffectRate:
		if ev.RawAmount == nil {
			return 0, "", nil
		}
		return *ev.RawAmount * eff.BasisPoints / 10000, "", nil
	case model.EffectMultiplier:
		// Scales what higher-priority rules built; contributes the excess
		// over the running total so the fold stays additive.
		scaled := running * eff.BasisPoints / 10000
		return scaled - running, "", nil
	case model.EffectTier:
		return 0, eff.Tier, nil
	}
	return 0, "", fmt.Errorf("unknown effect type %q", eff.Type)
}

// ruleSetVersion fingerprints the rule set an evaluation ran against so the
// commit path can detect a stale evaluation.
func ruleSetVersion(rules []model.PolicyRule) string {
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, fmt.Sprintf("%s:%d", r.RuleID, r.Version))
	}
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
