package server

import (
	"encoding/json"

	"tramita/internal/config"
	"tramita/internal/domain"
	"tramita/internal/engine"
)

// Request payloads

type RegisterCaseRequest struct {
	ID                 *string `json:"id,omitempty"`
	Number             string  `json:"number"`
	ProcessType        string  `json:"process_type" enum:"visto,prestacao_contas,prestacao_contas_soberania,autonomo_multa,fiscalizacao_oge,recurso,outros"`
	Urgency            *string `json:"urgency,omitempty" enum:"normal,urgencia_simplificada,urgente"`
	ValorContrato      *int64  `json:"valor_contrato,omitempty"`
	NaturezaEntidade   *string `json:"natureza_entidade,omitempty"`
	FonteFinanciamento *string `json:"fonte_financiamento,omitempty"`
}

type TransitionRequest struct {
	Action          string  `json:"action" enum:"aprovar,rejeitar,pedir_diligencia,suspender,retomar"`
	Reason          *string `json:"reason,omitempty"`
	ExpectedVersion *int64  `json:"expected_version,omitempty"`
}

type SuspendRequest struct {
	Reason string `json:"reason"`
}

type QuoteEmolumentoRequest struct {
	ProcessType   string `json:"process_type" enum:"visto,prestacao_contas,prestacao_contas_soberania,autonomo_multa,fiscalizacao_oge,recurso,outros"`
	ValorContrato *int64 `json:"valor_contrato,omitempty"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type CaseResponse struct {
	ID                 string  `json:"id"`
	Number             string  `json:"number"`
	ProcessType        string  `json:"process_type"`
	CurrentStage       string  `json:"current_stage"`
	StageStatus        string  `json:"stage_status" enum:"pending,in_progress,suspended,completed"`
	Urgency            string  `json:"urgency"`
	Letra              string  `json:"letra,omitempty"`
	RelatorID          string  `json:"relator_id,omitempty"`
	AdjuntoID          *string `json:"adjunto_id,omitempty"`
	ValorContrato      *int64  `json:"valor_contrato,omitempty"`
	NaturezaEntidade   string  `json:"natureza_entidade,omitempty"`
	FonteFinanciamento string  `json:"fonte_financiamento,omitempty"`
	Archived           bool    `json:"archived"`
	Version            int64   `json:"version"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type SuspensionResponse struct {
	Start  string  `json:"start" format:"date-time"`
	End    *string `json:"end,omitempty" format:"date-time"`
	Reason string  `json:"reason"`
}

type DeadlineResponse struct {
	ID           string               `json:"id"`
	CaseID       string               `json:"case_id"`
	Stage        string               `json:"stage"`
	StartDate    string               `json:"start_date" format:"date"`
	PrazoDias    int                  `json:"prazo_dias"`
	DueDate      string               `json:"due_date" format:"date"`
	Suspensions  []SuspensionResponse `json:"suspensions,omitempty"`
	Closed       bool                 `json:"closed"`
	FinalDueDate *string              `json:"final_due_date,omitempty" format:"date"`
	Status       string               `json:"status" enum:"on_track,warning,overdue,suspended"`
	Remaining    int                  `json:"remaining_business_days"`
}

type EmolumentoResponse struct {
	Amount  int64  `json:"amount"`
	Warning string `json:"warning,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type JudgeResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Ativo bool   `json:"ativo"`
}

type HolidayResponse struct {
	Date              string `json:"date" format:"date"`
	Description       string `json:"description,omitempty"`
	ConsideraParaSLAs bool   `json:"considera_para_slas"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only populated at creation time; the hash is stored, never
	// the key.
	Key string `json:"key,omitempty"`
}

type BusinessDayResponse struct {
	Date        string `json:"date" format:"date"`
	BusinessDay bool   `json:"business_day"`
	// Result is the date reached by walking forward `add` business days.
	Result string `json:"result,omitempty" format:"date"`
}

type MeResponse struct {
	ActorID      string   `json:"actor_id"`
	Source       string   `json:"source"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
}

type StageResponse struct {
	Name        string `json:"name"`
	Capability  string `json:"capability"`
	ReturnStage string `json:"return_stage,omitempty"`
	Terminal    bool   `json:"terminal,omitempty"`
}

type EngineConfigResponse struct {
	CourtID             string                     `json:"court_id"`
	CourtName           string                     `json:"court_name,omitempty"`
	Stages              map[string][]StageResponse `json:"stages"`
	WarningThresholdPct float64                    `json:"warning_threshold_pct"`
}

type RuleSetResponse struct {
	Judges        []JudgeResponse           `json:"judges"`
	SLARules      []domain.SLARule          `json:"sla_rules"`
	Distribution  []domain.DistributionRule `json:"distribution"`
	LetraMappings []domain.LetraJuizMapping `json:"letra_mappings"`
	Holidays      []HolidayResponse         `json:"holidays"`
	Emolumentos   []domain.EmolumentoRule   `json:"emolumentos"`
}

type paginatedCases struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func caseResponse(c domain.CaseInstance) CaseResponse {
	return CaseResponse{
		ID:                 c.ID,
		Number:             c.Number,
		ProcessType:        string(c.ProcessType),
		CurrentStage:       c.CurrentStage,
		StageStatus:        string(c.StageStatus),
		Urgency:            string(c.Urgency),
		Letra:              c.Letra,
		RelatorID:          c.RelatorID,
		AdjuntoID:          c.AdjuntoID,
		ValorContrato:      c.ValorContrato,
		NaturezaEntidade:   c.NaturezaEntidade,
		FonteFinanciamento: c.FonteFinanciamento,
		Archived:           c.Archived,
		Version:            c.Version,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func mapCases(items []domain.CaseInstance) []CaseResponse {
	res := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		res = append(res, caseResponse(c))
	}
	return res
}

func deadlineResponse(rep engine.DeadlineReport) DeadlineResponse {
	d := rep.Deadline
	sus := make([]SuspensionResponse, 0, len(d.Suspensions))
	for _, s := range d.Suspensions {
		sus = append(sus, SuspensionResponse(s))
	}
	return DeadlineResponse{
		ID:           d.ID,
		CaseID:       d.CaseID,
		Stage:        d.Stage,
		StartDate:    d.StartDate,
		PrazoDias:    d.PrazoDias,
		DueDate:      d.DueDate,
		Suspensions:  sus,
		Closed:       d.Closed,
		FinalDueDate: d.FinalDueDate,
		Status:       string(rep.Status),
		Remaining:    rep.Remaining,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func judgeResponse(j domain.JudgeProfile) JudgeResponse {
	return JudgeResponse(j)
}

func holidayResponse(h domain.HolidayCalendarEntry) HolidayResponse {
	return HolidayResponse(h)
}

func configResponse(courtID string, cfg *config.Config) EngineConfigResponse {
	res := EngineConfigResponse{
		CourtID:             courtID,
		CourtName:           cfg.Court.Name,
		Stages:              map[string][]StageResponse{},
		WarningThresholdPct: cfg.WarningThreshold(),
	}
	for pt, stages := range cfg.Tramitacao.Stages {
		out := make([]StageResponse, 0, len(stages))
		for _, s := range stages {
			out = append(out, StageResponse(s))
		}
		res.Stages[pt] = out
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
