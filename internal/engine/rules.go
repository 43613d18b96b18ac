package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"tramita/internal/domain"
)

// RuleSet is the admin-managed configuration imported in bulk: SLA rules,
// distribution rules, letter/judge mappings, judges, holidays and fee rules.
type RuleSet struct {
	Judges        []domain.JudgeProfile         `json:"judges,omitempty" yaml:"judges,omitempty"`
	SLARules      []domain.SLARule              `json:"sla_rules,omitempty" yaml:"sla_rules,omitempty"`
	Distribution  []domain.DistributionRule     `json:"distribution,omitempty" yaml:"distribution,omitempty"`
	LetraMappings []domain.LetraJuizMapping     `json:"letra_mappings,omitempty" yaml:"letra_mappings,omitempty"`
	Holidays      []domain.HolidayCalendarEntry `json:"holidays,omitempty" yaml:"holidays,omitempty"`
	Emolumentos   []domain.EmolumentoRule       `json:"emolumentos,omitempty" yaml:"emolumentos,omitempty"`
}

// ImportRules upserts a rule set atomically. Validation failures abort the
// whole import; a half-applied rule set would be worse than the old one.
func (e Engine) ImportRules(ctx context.Context, rs RuleSet, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range rs.Judges {
		if j.ID == "" {
			return domain.ConfigurationError{Detail: "judge requires id"}
		}
		if err := e.Repo.UpsertJudge(ctx, tx, j); err != nil {
			return fmt.Errorf("judge %s: %w", j.ID, err)
		}
	}
	for _, r := range rs.SLARules {
		if err := e.Repo.UpsertSLARule(ctx, tx, r); err != nil {
			return fmt.Errorf("sla rule %s/%s: %w", r.ProcessType, r.Urgency, err)
		}
	}
	for i, r := range rs.Distribution {
		if r.ID == "" {
			r.ID = uuid.NewString()
			rs.Distribution[i] = r
		}
		if err := e.Repo.UpsertDistributionRule(ctx, tx, r); err != nil {
			return fmt.Errorf("distribution rule %s: %w", r.ID, err)
		}
	}
	for i, m := range rs.LetraMappings {
		if m.ID == "" {
			m.ID = uuid.NewString()
			rs.LetraMappings[i] = m
		}
		if err := e.Repo.UpsertLetraMapping(ctx, tx, m); err != nil {
			return fmt.Errorf("letra mapping %s: %w", m.ID, err)
		}
	}
	for _, h := range rs.Holidays {
		if err := e.Repo.UpsertHoliday(ctx, tx, h); err != nil {
			return fmt.Errorf("holiday %s: %w", h.Date, err)
		}
	}
	for _, r := range rs.Emolumentos {
		if err := e.Repo.UpsertEmolumentoRule(ctx, tx, r); err != nil {
			return fmt.Errorf("emolumento rule %s: %w", r.ProcessType, err)
		}
	}

	if err := e.eventWriter().Append(ctx, tx, "regras.importadas", "regras", "", actorID, map[string]any{
		"judges":         len(rs.Judges),
		"sla_rules":      len(rs.SLARules),
		"distribution":   len(rs.Distribution),
		"letra_mappings": len(rs.LetraMappings),
		"holidays":       len(rs.Holidays),
		"emolumentos":    len(rs.Emolumentos),
	}); err != nil {
		return err
	}
	return tx.Commit()
}
