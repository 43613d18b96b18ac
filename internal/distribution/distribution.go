// Package distribution assigns newly registered cases to a judge letter and
// resolves the letter to a relator/adjunto pair.
package distribution

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"tramita/internal/calendar"
	"tramita/internal/domain"
	"tramita/internal/repo"
)

// Engine picks assignments deterministically: same cursor state, same rule
// set and same instant always produce the same letter. All reads and the
// cursor write happen inside the caller's transaction, so a crash before
// commit leaves the rotation untouched and a retry reproduces the result.
type Engine struct {
	Repo repo.Repo
}

// Assign resolves the active distribution rule for the process type and
// dispatches on its criterio.
func (e Engine) Assign(ctx context.Context, tx *sql.Tx, processType domain.ProcessType, attrs domain.CaseAttributes, now time.Time) (domain.Assignment, error) {
	rules, err := e.Repo.ActiveDistributionRules(ctx, tx, processType)
	if err != nil {
		return domain.Assignment{}, err
	}
	switch {
	case len(rules) == 0:
		return domain.Assignment{}, domain.NoActiveRuleError{ProcessType: processType}
	case len(rules) > 1:
		return domain.Assignment{}, domain.AmbiguousRuleError{ProcessType: processType, Count: len(rules)}
	}
	rule := rules[0]

	switch rule.Criterio {
	case domain.CriterionLetraJuiz:
		return e.assignByRotation(ctx, tx, processType, rule, now)
	case domain.CriterionCarga:
		return e.assignByLoad(ctx, tx, now)
	case domain.CriterionNaturezaEntidade:
		return e.assignByBucket(ctx, tx, rule, "natureza_entidade", attrs.NaturezaEntidade, now)
	case domain.CriterionFonteFinanciamento:
		return e.assignByBucket(ctx, tx, rule, "fonte_financiamento", attrs.FonteFinanciamento, now)
	default:
		return domain.Assignment{}, domain.ConfigurationError{Detail: "unknown criterio " + string(rule.Criterio)}
	}
}

// assignByRotation advances the per-process-type cursor through the rule's
// letter order. Letters without a mapping vigente at now are skipped; if the
// full cycle yields nothing the rotation fails rather than assign a stale
// mapping.
func (e Engine) assignByRotation(ctx context.Context, tx *sql.Tx, processType domain.ProcessType, rule domain.DistributionRule, now time.Time) (domain.Assignment, error) {
	last, err := e.Repo.GetCursor(ctx, tx, processType)
	if err != nil {
		return domain.Assignment{}, err
	}
	start := 0
	if last != "" {
		for i, l := range rule.LetterOrder {
			if l == last {
				start = i + 1
				break
			}
		}
	}
	for i := 0; i < len(rule.LetterOrder); i++ {
		letra := rule.LetterOrder[(start+i)%len(rule.LetterOrder)]
		m, err := e.resolveLetra(ctx, tx, letra, now)
		if err != nil {
			if _, skip := err.(domain.NoValidMappingError); skip {
				continue
			}
			return domain.Assignment{}, err
		}
		if err := e.Repo.SetCursor(ctx, tx, processType, letra); err != nil {
			return domain.Assignment{}, err
		}
		return domain.Assignment{Letra: letra, RelatorID: m.RelatorID, AdjuntoID: m.AdjuntoID}, nil
	}
	return domain.Assignment{}, domain.NoValidMappingError{Letra: last}
}

// assignByLoad picks the active judge carrying the fewest open cases, among
// judges reachable through a mapping vigente at now. Ties break by ascending
// judge id.
func (e Engine) assignByLoad(ctx context.Context, tx *sql.Tx, now time.Time) (domain.Assignment, error) {
	judges, err := e.Repo.ActiveJudgesTx(ctx, tx)
	if err != nil {
		return domain.Assignment{}, err
	}
	loads, err := e.Repo.CountOpenCasesByJudge(ctx, tx)
	if err != nil {
		return domain.Assignment{}, err
	}
	mappings, err := e.Repo.ListLetraMappingsTx(ctx, tx, "")
	if err != nil {
		return domain.Assignment{}, err
	}
	byRelator := map[string]domain.LetraJuizMapping{}
	for _, m := range mappings {
		if !vigente(m, now) {
			continue
		}
		if _, seen := byRelator[m.RelatorID]; !seen {
			byRelator[m.RelatorID] = m
		}
	}
	sort.Slice(judges, func(i, j int) bool { return judges[i].ID < judges[j].ID })
	best := -1
	var chosen domain.JudgeProfile
	for _, j := range judges {
		if _, ok := byRelator[j.ID]; !ok {
			continue
		}
		if best < 0 || loads[j.ID] < best {
			best = loads[j.ID]
			chosen = j
		}
	}
	if best < 0 {
		return domain.Assignment{}, domain.NoValidMappingError{}
	}
	m := byRelator[chosen.ID]
	return domain.Assignment{Letra: m.Letra, RelatorID: chosen.ID, AdjuntoID: m.AdjuntoID}, nil
}

func (e Engine) assignByBucket(ctx context.Context, tx *sql.Tx, rule domain.DistributionRule, attribute, value string, now time.Time) (domain.Assignment, error) {
	if value == "" {
		return domain.Assignment{}, domain.UnmappedAttributeError{Attribute: attribute, Value: value}
	}
	letra, ok := rule.Buckets[value]
	if !ok {
		return domain.Assignment{}, domain.UnmappedAttributeError{Attribute: attribute, Value: value}
	}
	m, err := e.resolveLetra(ctx, tx, letra, now)
	if err != nil {
		return domain.Assignment{}, err
	}
	return domain.Assignment{Letra: letra, RelatorID: m.RelatorID, AdjuntoID: m.AdjuntoID}, nil
}

// resolveLetra finds the mapping whose vigência contains now.
func (e Engine) resolveLetra(ctx context.Context, tx *sql.Tx, letra string, now time.Time) (domain.LetraJuizMapping, error) {
	mappings, err := e.Repo.ListLetraMappingsTx(ctx, tx, letra)
	if err != nil {
		return domain.LetraJuizMapping{}, err
	}
	for _, m := range mappings {
		if vigente(m, now) {
			return m, nil
		}
	}
	return domain.LetraJuizMapping{}, domain.NoValidMappingError{Letra: letra}
}

func vigente(m domain.LetraJuizMapping, now time.Time) bool {
	day := now.UTC().Format(calendar.DateLayout)
	if day < m.VigenciaStart {
		return false
	}
	return m.VigenciaEnd == "" || day <= m.VigenciaEnd
}
