package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tramita/internal/calendar"
	"tramita/internal/domain"
)

// Rule tables are written by the admin collaborator (import endpoints/CLI)
// and bulk-read by the engine.

func (r Repo) UpsertSLARule(ctx context.Context, tx *sql.Tx, rule domain.SLARule) error {
	if rule.PrazoDias <= 0 || rule.PrazoDias > 365 {
		return domain.ConfigurationError{Detail: fmt.Sprintf("prazo_dias %d out of range (1..365)", rule.PrazoDias)}
	}
	if !rule.ProcessType.Valid() {
		return domain.ConfigurationError{Detail: "unknown process type " + string(rule.ProcessType)}
	}
	if !rule.Urgency.Valid() {
		return domain.ConfigurationError{Detail: "unknown urgency " + string(rule.Urgency)}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO sla_rules(process_type,urgency,prazo_dias,suspende_por_solicitacao) VALUES (?,?,?,?)
ON CONFLICT(process_type,urgency) DO UPDATE SET prazo_dias=excluded.prazo_dias, suspende_por_solicitacao=excluded.suspende_por_solicitacao`,
		rule.ProcessType, rule.Urgency, rule.PrazoDias, boolInt(rule.SuspendePorSolicitacao))
	return err
}

func (r Repo) GetSLARule(ctx context.Context, processType domain.ProcessType, urgency domain.UrgencyLevel) (domain.SLARule, error) {
	var rule domain.SLARule
	var susp int
	err := r.DB.QueryRowContext(ctx, `SELECT process_type,urgency,prazo_dias,suspende_por_solicitacao FROM sla_rules WHERE process_type=? AND urgency=?`,
		processType, urgency).Scan(&rule.ProcessType, &rule.Urgency, &rule.PrazoDias, &susp)
	if err == sql.ErrNoRows {
		return rule, domain.NoSLARuleError{ProcessType: processType, Urgency: urgency}
	}
	rule.SuspendePorSolicitacao = susp != 0
	return rule, err
}

func (r Repo) ListSLARules(ctx context.Context) ([]domain.SLARule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT process_type,urgency,prazo_dias,suspende_por_solicitacao FROM sla_rules ORDER BY process_type, urgency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SLARule
	for rows.Next() {
		var rule domain.SLARule
		var susp int
		if err := rows.Scan(&rule.ProcessType, &rule.Urgency, &rule.PrazoDias, &susp); err != nil {
			return nil, err
		}
		rule.SuspendePorSolicitacao = susp != 0
		res = append(res, rule)
	}
	return res, rows.Err()
}

// --- distribution rules ---

type distributionParams struct {
	LetterOrder []string          `json:"letter_order,omitempty"`
	Buckets     map[string]string `json:"buckets,omitempty"`
}

func (r Repo) UpsertDistributionRule(ctx context.Context, tx *sql.Tx, rule domain.DistributionRule) error {
	if !rule.ProcessType.Valid() {
		return domain.ConfigurationError{Detail: "unknown process type " + string(rule.ProcessType)}
	}
	switch rule.Criterio {
	case domain.CriterionLetraJuiz:
		if len(rule.LetterOrder) == 0 {
			return domain.ConfigurationError{Detail: "letra_juiz rule requires letter_order"}
		}
	case domain.CriterionCarga:
	case domain.CriterionNaturezaEntidade, domain.CriterionFonteFinanciamento:
		if len(rule.Buckets) == 0 {
			return domain.ConfigurationError{Detail: string(rule.Criterio) + " rule requires buckets"}
		}
	default:
		return domain.ConfigurationError{Detail: "unknown criterio " + string(rule.Criterio)}
	}
	params, err := json.Marshal(distributionParams{LetterOrder: rule.LetterOrder, Buckets: rule.Buckets})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO distribution_rules(id,process_type,criterio,params_json,ativo) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET process_type=excluded.process_type, criterio=excluded.criterio, params_json=excluded.params_json, ativo=excluded.ativo`,
		rule.ID, rule.ProcessType, rule.Criterio, string(params), boolInt(rule.Ativo))
	return err
}

// ActiveDistributionRules returns every active rule for a process type. The
// caller enforces the exactly-one invariant; this query never picks one.
func (r Repo) ActiveDistributionRules(ctx context.Context, tx *sql.Tx, processType domain.ProcessType) ([]domain.DistributionRule, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,process_type,criterio,params_json,ativo FROM distribution_rules WHERE process_type=? AND ativo=1 ORDER BY id`, processType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDistributionRules(rows)
}

func (r Repo) ListDistributionRules(ctx context.Context) ([]domain.DistributionRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,process_type,criterio,params_json,ativo FROM distribution_rules ORDER BY process_type, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDistributionRules(rows)
}

func scanDistributionRules(rows *sql.Rows) ([]domain.DistributionRule, error) {
	var res []domain.DistributionRule
	for rows.Next() {
		var rule domain.DistributionRule
		var params sql.NullString
		var ativo int
		if err := rows.Scan(&rule.ID, &rule.ProcessType, &rule.Criterio, &params, &ativo); err != nil {
			return nil, err
		}
		rule.Ativo = ativo != 0
		if params.Valid && params.String != "" {
			var p distributionParams
			if err := json.Unmarshal([]byte(params.String), &p); err != nil {
				return nil, fmt.Errorf("rule %s params: %w", rule.ID, err)
			}
			rule.LetterOrder = p.LetterOrder
			rule.Buckets = p.Buckets
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// --- letra/juiz mappings ---

// UpsertLetraMapping validates the vigência strictly before writing:
// start ≤ end and no overlap with existing periods for the same letter.
func (r Repo) UpsertLetraMapping(ctx context.Context, tx *sql.Tx, m domain.LetraJuizMapping) error {
	if err := validateLetra(m.Letra); err != nil {
		return err
	}
	if m.RelatorID == "" {
		return domain.ConfigurationError{Detail: "mapping requires relator_id"}
	}
	if _, err := parseDate(m.VigenciaStart); err != nil {
		return domain.ConfigurationError{Detail: "invalid vigencia_start " + m.VigenciaStart}
	}
	if m.VigenciaEnd != "" {
		end, err := parseDate(m.VigenciaEnd)
		if err != nil {
			return domain.ConfigurationError{Detail: "invalid vigencia_end " + m.VigenciaEnd}
		}
		start, _ := parseDate(m.VigenciaStart)
		if end.Before(start) {
			return domain.ConfigurationError{Detail: "vigencia_end before vigencia_start for letra " + m.Letra}
		}
	}
	existing, err := r.listLetraMappings(ctx, tx, m.Letra)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == m.ID {
			continue
		}
		if periodsOverlap(m, other) {
			return domain.ConfigurationError{Detail: fmt.Sprintf("letra %s vigência overlaps mapping %s", m.Letra, other.ID)}
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO letra_juiz_mappings(id,letra,relator_id,adjunto_id,vigencia_start,vigencia_end) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET letra=excluded.letra, relator_id=excluded.relator_id, adjunto_id=excluded.adjunto_id, vigencia_start=excluded.vigencia_start, vigencia_end=excluded.vigencia_end`,
		m.ID, m.Letra, m.RelatorID, nullableStringPtr(m.AdjuntoID), m.VigenciaStart, nullable(m.VigenciaEnd))
	return err
}

func validateLetra(letra string) error {
	if len(letra) == 0 || len(letra) > 3 {
		return domain.ConfigurationError{Detail: "letra must be 1-3 characters"}
	}
	for _, c := range letra {
		if c < 'A' || c > 'Z' {
			return domain.ConfigurationError{Detail: "letra must be uppercase letters: " + letra}
		}
	}
	return nil
}

func periodsOverlap(a, b domain.LetraJuizMapping) bool {
	// Open-ended periods extend to infinity.
	aEndsBeforeB := a.VigenciaEnd != "" && a.VigenciaEnd < b.VigenciaStart
	bEndsBeforeA := b.VigenciaEnd != "" && b.VigenciaEnd < a.VigenciaStart
	return !aEndsBeforeB && !bEndsBeforeA
}

func (r Repo) listLetraMappings(ctx context.Context, q queryer, letra string) ([]domain.LetraJuizMapping, error) {
	query := `SELECT id,letra,relator_id,adjunto_id,vigencia_start,vigencia_end FROM letra_juiz_mappings`
	var args []any
	if letra != "" {
		query += ` WHERE letra=?`
		args = append(args, letra)
	}
	query += ` ORDER BY letra, vigencia_start`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LetraJuizMapping
	for rows.Next() {
		var m domain.LetraJuizMapping
		var adjunto, end sql.NullString
		if err := rows.Scan(&m.ID, &m.Letra, &m.RelatorID, &adjunto, &m.VigenciaStart, &end); err != nil {
			return nil, err
		}
		if adjunto.Valid {
			m.AdjuntoID = &adjunto.String
		}
		m.VigenciaEnd = end.String
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListLetraMappings(ctx context.Context) ([]domain.LetraJuizMapping, error) {
	return r.listLetraMappings(ctx, r.DB, "")
}

func (r Repo) ListLetraMappingsTx(ctx context.Context, tx *sql.Tx, letra string) ([]domain.LetraJuizMapping, error) {
	return r.listLetraMappings(ctx, tx, letra)
}

// --- judges ---

func (r Repo) UpsertJudge(ctx context.Context, tx *sql.Tx, j domain.JudgeProfile) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO juizes(id,name,ativo) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, ativo=excluded.ativo`, j.ID, j.Name, boolInt(j.Ativo))
	return err
}

func (r Repo) ListJudges(ctx context.Context) ([]domain.JudgeProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,ativo FROM juizes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJudges(rows)
}

func (r Repo) ActiveJudgesTx(ctx context.Context, tx *sql.Tx) ([]domain.JudgeProfile, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,name,ativo FROM juizes WHERE ativo=1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJudges(rows)
}

func (r Repo) GetJudgeTx(ctx context.Context, tx *sql.Tx, id string) (domain.JudgeProfile, error) {
	var j domain.JudgeProfile
	var ativo int
	err := tx.QueryRowContext(ctx, `SELECT id,name,ativo FROM juizes WHERE id=?`, id).Scan(&j.ID, &j.Name, &ativo)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	j.Ativo = ativo != 0
	return j, err
}

func scanJudges(rows *sql.Rows) ([]domain.JudgeProfile, error) {
	var res []domain.JudgeProfile
	for rows.Next() {
		var j domain.JudgeProfile
		var ativo int
		if err := rows.Scan(&j.ID, &j.Name, &ativo); err != nil {
			return nil, err
		}
		j.Ativo = ativo != 0
		res = append(res, j)
	}
	return res, rows.Err()
}

// --- holidays ---

func (r Repo) UpsertHoliday(ctx context.Context, tx *sql.Tx, h domain.HolidayCalendarEntry) error {
	if _, err := parseDate(h.Date); err != nil {
		return domain.ConfigurationError{Detail: "invalid holiday date " + h.Date}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO feriados(date,description,considera_para_slas) VALUES (?,?,?)
ON CONFLICT(date) DO UPDATE SET description=excluded.description, considera_para_slas=excluded.considera_para_slas`,
		h.Date, nullable(h.Description), boolInt(h.ConsideraParaSLAs))
	return err
}

func (r Repo) ListHolidays(ctx context.Context) ([]domain.HolidayCalendarEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT date,COALESCE(description,''),considera_para_slas FROM feriados ORDER BY date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HolidayCalendarEntry
	for rows.Next() {
		var h domain.HolidayCalendarEntry
		var considera int
		if err := rows.Scan(&h.Date, &h.Description, &considera); err != nil {
			return nil, err
		}
		h.ConsideraParaSLAs = considera != 0
		res = append(res, h)
	}
	return res, rows.Err()
}

// --- emolumento rules ---

func (r Repo) UpsertEmolumentoRule(ctx context.Context, tx *sql.Tx, rule domain.EmolumentoRule) error {
	if !rule.ProcessType.Valid() {
		return domain.ConfigurationError{Detail: "unknown process type " + string(rule.ProcessType)}
	}
	if rule.Formula == "" {
		return domain.ConfigurationError{Detail: "emolumento rule requires formula"}
	}
	if rule.Minimo < 0 {
		return domain.ConfigurationError{Detail: "minimo must not be negative"}
	}
	var maxPct any
	if rule.MaximoPct != nil {
		maxPct = *rule.MaximoPct
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO emolumento_rules(process_type,formula,minimo,maximo_pct) VALUES (?,?,?,?)
ON CONFLICT(process_type) DO UPDATE SET formula=excluded.formula, minimo=excluded.minimo, maximo_pct=excluded.maximo_pct`,
		rule.ProcessType, rule.Formula, rule.Minimo, maxPct)
	return err
}

func (r Repo) GetEmolumentoRule(ctx context.Context, processType domain.ProcessType) (domain.EmolumentoRule, error) {
	var rule domain.EmolumentoRule
	var maxPct sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT process_type,formula,minimo,maximo_pct FROM emolumento_rules WHERE process_type=?`, processType).
		Scan(&rule.ProcessType, &rule.Formula, &rule.Minimo, &maxPct)
	if err == sql.ErrNoRows {
		return rule, domain.ConfigurationError{Detail: "no emolumento rule for " + string(processType)}
	}
	if maxPct.Valid {
		rule.MaximoPct = &maxPct.Float64
	}
	return rule, err
}

func (r Repo) ListEmolumentoRules(ctx context.Context) ([]domain.EmolumentoRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT process_type,formula,minimo,maximo_pct FROM emolumento_rules ORDER BY process_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EmolumentoRule
	for rows.Next() {
		var rule domain.EmolumentoRule
		var maxPct sql.NullFloat64
		if err := rows.Scan(&rule.ProcessType, &rule.Formula, &rule.Minimo, &maxPct); err != nil {
			return nil, err
		}
		if maxPct.Valid {
			rule.MaximoPct = &maxPct.Float64
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// --- rotation cursor ---

// GetCursor returns the last assigned letter for a process type, "" if the
// rotation has not started.
func (r Repo) GetCursor(ctx context.Context, tx *sql.Tx, processType domain.ProcessType) (string, error) {
	var letra string
	err := tx.QueryRowContext(ctx, `SELECT last_letra FROM distribution_cursors WHERE process_type=?`, processType).Scan(&letra)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return letra, err
}

// SetCursor persists the rotation position inside the registration tx, so a
// crash before commit leaves the cursor untouched and the retry reproduces
// the same assignment.
func (r Repo) SetCursor(ctx context.Context, tx *sql.Tx, processType domain.ProcessType, letra string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO distribution_cursors(process_type,last_letra) VALUES (?,?)
ON CONFLICT(process_type) DO UPDATE SET last_letra=excluded.last_letra`, processType, letra)
	return err
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(calendar.DateLayout, s)
}
