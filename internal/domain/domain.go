package domain

// ProcessType is the case category fixed at registration. It selects the
// stage list, the SLA rule and the distribution rule that govern the case.
type ProcessType string

const (
	ProcessVisto                    ProcessType = "visto"
	ProcessPrestacaoContas          ProcessType = "prestacao_contas"
	ProcessPrestacaoContasSoberania ProcessType = "prestacao_contas_soberania"
	ProcessAutonomoMulta            ProcessType = "autonomo_multa"
	ProcessFiscalizacaoOGE          ProcessType = "fiscalizacao_oge"
	ProcessRecurso                  ProcessType = "recurso"
	ProcessOutros                   ProcessType = "outros"
)

// ProcessTypes lists every valid process type.
var ProcessTypes = []ProcessType{
	ProcessVisto,
	ProcessPrestacaoContas,
	ProcessPrestacaoContasSoberania,
	ProcessAutonomoMulta,
	ProcessFiscalizacaoOGE,
	ProcessRecurso,
	ProcessOutros,
}

// Valid reports whether t is a known process type.
func (t ProcessType) Valid() bool {
	for _, p := range ProcessTypes {
		if p == t {
			return true
		}
	}
	return false
}

type UrgencyLevel string

const (
	UrgencyNormal     UrgencyLevel = "normal"
	UrgencySimplified UrgencyLevel = "urgencia_simplificada"
	UrgencyUrgent     UrgencyLevel = "urgente"
)

func (u UrgencyLevel) Valid() bool {
	switch u {
	case UrgencyNormal, UrgencySimplified, UrgencyUrgent:
		return true
	}
	return false
}

type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageSuspended  StageStatus = "suspended"
	StageCompleted  StageStatus = "completed"
)

// TransitionAction is a human action submitted against the current stage.
type TransitionAction string

const (
	ActionAprovar         TransitionAction = "aprovar"
	ActionRejeitar        TransitionAction = "rejeitar"
	ActionPedirDiligencia TransitionAction = "pedir_diligencia"
	ActionSuspender       TransitionAction = "suspender"
	ActionRetomar         TransitionAction = "retomar"
)

func (a TransitionAction) Valid() bool {
	switch a {
	case ActionAprovar, ActionRejeitar, ActionPedirDiligencia, ActionSuspender, ActionRetomar:
		return true
	}
	return false
}

// CaseInstance is one concrete process moving through the tramitação.
// Mutated only through validated engine transitions; never deleted, only
// archived once a terminal stage is reached.
type CaseInstance struct {
	ID                 string       `json:"id"`
	Number             string       `json:"number"`
	ProcessType        ProcessType  `json:"process_type"`
	CurrentStage       string       `json:"current_stage"`
	StageStatus        StageStatus  `json:"stage_status" enum:"pending,in_progress,suspended,completed"`
	Urgency            UrgencyLevel `json:"urgency" enum:"normal,urgencia_simplificada,urgente"`
	Letra              string       `json:"letra,omitempty"`
	RelatorID          string       `json:"relator_id,omitempty"`
	AdjuntoID          *string      `json:"adjunto_id,omitempty"`
	ValorContrato      *int64       `json:"valor_contrato,omitempty"`
	NaturezaEntidade   string       `json:"natureza_entidade,omitempty"`
	FonteFinanciamento string       `json:"fonte_financiamento,omitempty"`
	Archived           bool         `json:"archived"`
	Version            int64        `json:"version"`
	CreatedAt          string       `json:"created_at" format:"date-time"`
	UpdatedAt          string       `json:"updated_at" format:"date-time"`
}

// SuspensionInterval is one pause of a stage deadline. End is nil while the
// suspension is open.
type SuspensionInterval struct {
	Start  string  `json:"start" format:"date-time"`
	End    *string `json:"end,omitempty" format:"date-time"`
	Reason string  `json:"reason"`
}

// StageDeadline is the statutory deadline for one stage visit of one case.
// Dates are calendar dates (2006-01-02); suspension bounds are RFC3339.
type StageDeadline struct {
	ID             string               `json:"id"`
	CaseID         string               `json:"case_id"`
	Stage          string               `json:"stage"`
	StartDate      string               `json:"start_date" format:"date"`
	PrazoDias      int                  `json:"prazo_dias"`
	DueDate        string               `json:"due_date" format:"date"`
	Suspensions    []SuspensionInterval `json:"suspensions,omitempty"`
	Closed         bool                 `json:"closed"`
	FinalDueDate   *string              `json:"final_due_date,omitempty" format:"date"`
	BreachNotified bool                 `json:"breach_notified"`
}

// OpenSuspension returns the currently open interval, if any.
func (d StageDeadline) OpenSuspension() *SuspensionInterval {
	for i := range d.Suspensions {
		if d.Suspensions[i].End == nil {
			return &d.Suspensions[i]
		}
	}
	return nil
}

// DeadlineStatus classifies a deadline relative to "now".
type DeadlineStatus string

const (
	DeadlineOnTrack   DeadlineStatus = "on_track"
	DeadlineWarning   DeadlineStatus = "warning"
	DeadlineOverdue   DeadlineStatus = "overdue"
	DeadlineSuspended DeadlineStatus = "suspended"
)

// SLARule fixes the statutory deadline for a (process type, urgency) pair.
type SLARule struct {
	ProcessType            ProcessType  `json:"process_type"`
	Urgency                UrgencyLevel `json:"urgency"`
	PrazoDias              int          `json:"prazo_dias"`
	SuspendePorSolicitacao bool         `json:"suspende_por_solicitacao"`
}

// DistributionCriterion selects how a new case is routed to a judge pair.
type DistributionCriterion string

const (
	CriterionLetraJuiz          DistributionCriterion = "letra_juiz"
	CriterionCarga              DistributionCriterion = "carga"
	CriterionNaturezaEntidade   DistributionCriterion = "natureza_entidade"
	CriterionFonteFinanciamento DistributionCriterion = "fonte_financiamento"
)

// DistributionRule configures distribution for a process type. Exactly one
// active rule per process type is required at assignment time.
type DistributionRule struct {
	ID          string                `json:"id"`
	ProcessType ProcessType           `json:"process_type"`
	Criterio    DistributionCriterion `json:"criterio" enum:"letra_juiz,carga,natureza_entidade,fonte_financiamento"`
	// LetterOrder is the cyclic rotation order for letra_juiz.
	LetterOrder []string `json:"letter_order,omitempty"`
	// Buckets maps an attribute value to a letter for the attribute criteria.
	Buckets map[string]string `json:"buckets,omitempty"`
	Ativo   bool              `json:"ativo"`
}

// LetraJuizMapping resolves a letter to a relator/adjunct pair within a
// validity period. VigenciaEnd empty means open-ended.
type LetraJuizMapping struct {
	ID            string  `json:"id"`
	Letra         string  `json:"letra"`
	RelatorID     string  `json:"relator_id"`
	AdjuntoID     *string `json:"adjunto_id,omitempty"`
	VigenciaStart string  `json:"vigencia_start" format:"date"`
	VigenciaEnd   string  `json:"vigencia_end,omitempty" format:"date"`
}

// JudgeProfile is one judge in the roster.
type JudgeProfile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Ativo bool   `json:"ativo"`
}

// HolidayCalendarEntry marks one calendar date as a holiday. Only entries
// with ConsideraParaSLAs affect deadline math.
type HolidayCalendarEntry struct {
	Date              string `json:"date" format:"date"`
	Description       string `json:"description,omitempty"`
	ConsideraParaSLAs bool   `json:"considera_para_slas"`
}

// EmolumentoRule configures fee computation for a process type. Amounts are
// in centavos; MaximoPct is a percentage of the contract value.
type EmolumentoRule struct {
	ProcessType ProcessType `json:"process_type"`
	Formula     string      `json:"formula"`
	Minimo      int64       `json:"minimo"`
	MaximoPct   *float64    `json:"maximo_pct,omitempty"`
}

// Assignment is the result of distributing a case.
type Assignment struct {
	Letra     string  `json:"letra"`
	RelatorID string  `json:"relator_id"`
	AdjuntoID *string `json:"adjunto_id,omitempty"`
}

// CaseAttributes carries the registration-time attributes the distribution
// and fee engines consume.
type CaseAttributes struct {
	Number             string       `json:"number"`
	Urgency            UrgencyLevel `json:"urgency"`
	ValorContrato      *int64       `json:"valor_contrato,omitempty"`
	NaturezaEntidade   string       `json:"natureza_entidade,omitempty"`
	FonteFinanciamento string       `json:"fonte_financiamento,omitempty"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
