package policy

import (
	"fmt"
	"strings"

	"perka/internal/model"
)

// resolveField reads a predicate field path from the event. Paths prefixed
// with "context." address the caller-supplied context snapshot.
func resolveField(ev *model.EconomicEvent, field string) (any, bool) {
	switch field {
	case "kind":
		return string(ev.Kind), true
	case "action_type":
		return ev.ActionType, true
	case "tenant_id":
		return ev.TenantID, true
	case "customer_id":
		return ev.CustomerID, true
	case "raw_amount":
		if ev.RawAmount == nil {
			return nil, false
		}
		return *ev.RawAmount, true
	}
	if name, ok := strings.CutPrefix(field, "context."); ok {
		v, ok := ev.ContextSnapshot[name]
		return v, ok
	}
	return nil, false
}

// Match evaluates a predicate against an event. Unknown fields and type
// mismatches evaluate to false rather than erroring: a rule that asks for a
// fact the event does not carry simply does not apply.
func Match(p model.Predicate, ev *model.EconomicEvent) bool {
	switch p.Op {
	case model.PredAlways:
		return true
	case model.PredAnd:
		for _, sub := range p.Preds {
			if !Match(sub, ev) {
				return false
			}
		}
		return true
	case model.PredOr:
		for _, sub := range p.Preds {
			if Match(sub, ev) {
				return true
			}
		}
		return false
	case model.PredNot:
		if len(p.Preds) != 1 {
			return false
		}
		return !Match(p.Preds[0], ev)
	case model.PredIn:
		v, ok := resolveField(ev, p.Field)
		if !ok {
			return false
		}
		for _, candidate := range p.Values {
			if looseEqual(v, candidate) {
				return true
			}
		}
		return false
	case model.PredCompare:
		v, ok := resolveField(ev, p.Field)
		if !ok {
			return false
		}
		return compare(v, p.Cmp, p.Value)
	}
	return false
}

func compare(left any, op model.CompareOp, right any) bool {
	if lf, rf, ok := bothNumeric(left, right); ok {
		switch op {
		case model.CmpEq:
			return lf == rf
		case model.CmpNe:
			return lf != rf
		case model.CmpGt:
			return lf > rf
		case model.CmpGte:
			return lf >= rf
		case model.CmpLt:
			return lf < rf
		case model.CmpLte:
			return lf <= rf
		}
		return false
	}

	ls, rs := fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)
	switch op {
	case model.CmpEq:
		return ls == rs
	case model.CmpNe:
		return ls != rs
	case model.CmpGt:
		return ls > rs
	case model.CmpGte:
		return ls >= rs
	case model.CmpLt:
		return ls < rs
	case model.CmpLte:
		return ls <= rs
	}
	return false
}

func looseEqual(a, b any) bool {
	if af, bf, ok := bothNumeric(a, b); ok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// bothNumeric normalizes the int64/float64/int mix that arrives from JSON
// decoding and from typed Go callers.
func bothNumeric(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	}
	return 0, false
}
