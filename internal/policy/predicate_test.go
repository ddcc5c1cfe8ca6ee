package policy

import (
	"testing"

	"perka/internal/model"
)

func TestMatch(t *testing.T) {
	amount := int64(250)
	ev := &model.EconomicEvent{
		TenantID:   "t1",
		CustomerID: "c1",
		Kind:       model.EventEarn,
		RawAmount:  &amount,
		ActionType: "purchase",
		ContextSnapshot: map[string]any{
			"tier":   "silver",
			"visits": float64(12),
		},
	}

	cases := []struct {
		name string
		pred model.Predicate
		want bool
	}{
		{
			"always",
			model.Predicate{Op: model.PredAlways},
			true,
		},
		{
			"cmp string eq",
			model.Predicate{Op: model.PredCompare, Field: "action_type", Cmp: model.CmpEq, Value: "purchase"},
			true,
		},
		{
			"cmp numeric gte",
			model.Predicate{Op: model.PredCompare, Field: "raw_amount", Cmp: model.CmpGte, Value: float64(200)},
			true,
		},
		{
			"cmp numeric lt fails",
			model.Predicate{Op: model.PredCompare, Field: "raw_amount", Cmp: model.CmpLt, Value: float64(200)},
			false,
		},
		{
			"context fact",
			model.Predicate{Op: model.PredCompare, Field: "context.visits", Cmp: model.CmpGt, Value: float64(10)},
			true,
		},
		{
			"missing field is false",
			model.Predicate{Op: model.PredCompare, Field: "context.nope", Cmp: model.CmpEq, Value: "x"},
			false,
		},
		{
			"in membership",
			model.Predicate{Op: model.PredIn, Field: "context.tier", Values: []any{"silver", "gold"}},
			true,
		},
		{
			"in miss",
			model.Predicate{Op: model.PredIn, Field: "context.tier", Values: []any{"gold"}},
			false,
		},
		{
			"and",
			model.Predicate{Op: model.PredAnd, Preds: []model.Predicate{
				{Op: model.PredCompare, Field: "action_type", Cmp: model.CmpEq, Value: "purchase"},
				{Op: model.PredCompare, Field: "raw_amount", Cmp: model.CmpGt, Value: float64(100)},
			}},
			true,
		},
		{
			"or short-circuits",
			model.Predicate{Op: model.PredOr, Preds: []model.Predicate{
				{Op: model.PredCompare, Field: "action_type", Cmp: model.CmpEq, Value: "referral"},
				{Op: model.PredAlways},
			}},
			true,
		},
		{
			"not",
			model.Predicate{Op: model.PredNot, Preds: []model.Predicate{
				{Op: model.PredCompare, Field: "context.tier", Cmp: model.CmpEq, Value: "gold"},
			}},
			true,
		},
		{
			"malformed not is false",
			model.Predicate{Op: model.PredNot},
			false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Match(tc.pred, ev); got != tc.want {
				t.Fatalf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatch_NilRawAmount(t *testing.T) {
	ev := &model.EconomicEvent{Kind: model.EventRedeem, ActionType: "redeem"}
	p := model.Predicate{Op: model.PredCompare, Field: "raw_amount", Cmp: model.CmpGt, Value: float64(0)}
	if Match(p, ev) {
		t.Fatal("predicate over absent raw_amount must not match")
	}
}
