package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"perka/internal/model"
)

// RuleRepo stores versioned policy rules. Published versions are immutable
// rows; publishing again inserts the next version.
type RuleRepo struct {
	db *pgxpool.Pool
}

func NewRuleRepo(db *pgxpool.Pool) *RuleRepo {
	return &RuleRepo{db: db}
}

func (r *RuleRepo) Publish(ctx context.Context, rule model.PolicyRule) (*model.PolicyRule, error) {
	predicate, err := json.Marshal(rule.Predicate)
	if err != nil {
		return nil, fmt.Errorf("marshal predicate: %w", err)
	}
	effect, err := json.Marshal(rule.Effect)
	if err != nil {
		return nil, fmt.Errorf("marshal effect: %w", err)
	}
	if rule.PublishedAt.IsZero() {
		rule.PublishedAt = time.Now().UTC()
	}
	if rule.ValidFrom.IsZero() {
		rule.ValidFrom = rule.PublishedAt
	}
	var validUntil *time.Time
	if !rule.ValidUntil.IsZero() {
		validUntil = &rule.ValidUntil
	}

	// Version allocation rides on the unique (tenant_id, rule_id, version)
	// index; concurrent publishes of the same rule serialize on it.
	err = r.db.QueryRow(ctx,
		`INSERT INTO policy_rules
		 (tenant_id, rule_id, version, description, predicate, effect, priority,
		  valid_from, valid_until, published_at)
		 SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6, $7, $8, $9
		 FROM policy_rules WHERE tenant_id = $1 AND rule_id = $2
		 RETURNING version`,
		rule.TenantID, rule.RuleID, rule.Description, predicate, effect,
		rule.Priority, rule.ValidFrom, validUntil, rule.PublishedAt).
		Scan(&rule.Version)
	if err != nil {
		return nil, fmt.Errorf("publish rule %s: %w", rule.RuleID, err)
	}
	return &rule, nil
}

// ActiveRules returns, for each rule_id of the tenant, the single highest
// published version whose validity window covers the instant.
func (r *RuleRepo) ActiveRules(ctx context.Context, tenantID string, at time.Time) ([]model.PolicyRule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (rule_id)
		        tenant_id, rule_id, version, description, predicate, effect,
		        priority, valid_from, valid_until, published_at
		 FROM policy_rules
		 WHERE tenant_id = $1
		   AND valid_from <= $2
		   AND (valid_until IS NULL OR valid_until > $2)
		 ORDER BY rule_id, version DESC`,
		tenantID, at)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// List returns the latest version of every rule for the tenant, active or not.
func (r *RuleRepo) List(ctx context.Context, tenantID string) ([]model.PolicyRule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (rule_id)
		        tenant_id, rule_id, version, description, predicate, effect,
		        priority, valid_from, valid_until, published_at
		 FROM policy_rules
		 WHERE tenant_id = $1
		 ORDER BY rule_id, version DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows pgx.Rows) ([]model.PolicyRule, error) {
	var rules []model.PolicyRule
	for rows.Next() {
		var rule model.PolicyRule
		var predicate, effect []byte
		var validUntil *time.Time
		if err := rows.Scan(&rule.TenantID, &rule.RuleID, &rule.Version,
			&rule.Description, &predicate, &effect, &rule.Priority,
			&rule.ValidFrom, &validUntil, &rule.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := json.Unmarshal(predicate, &rule.Predicate); err != nil {
			return nil, fmt.Errorf("decode predicate for %s: %w", rule.RuleID, err)
		}
		if err := json.Unmarshal(effect, &rule.Effect); err != nil {
			return nil, fmt.Errorf("decode effect for %s: %w", rule.RuleID, err)
		}
		if validUntil != nil {
			rule.ValidUntil = *validUntil
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
