// Package engine drives the tramitação of court cases: registration with
// judge distribution, stage transitions, deadline bookkeeping and lifecycle
// events.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tramita/internal/calendar"
	"tramita/internal/config"
	"tramita/internal/deadline"
	"tramita/internal/distribution"
	"tramita/internal/domain"
	"tramita/internal/emolumento"
	"tramita/internal/engine/auth"
	"tramita/internal/events"
	"tramita/internal/repo"
)

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Auth         auth.Service
	Distribution distribution.Engine
	Config       *config.Config
	Now          func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:           db,
		Repo:         r,
		Events:       events.Writer{DB: db},
		Auth:         auth.Service{DB: db},
		Distribution: distribution.Engine{Repo: r},
		Config:       cfg,
		Now:          time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// eventWriter binds the audit writer to the engine clock, so event
// timestamps and case rows agree under an injected Now.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// deadlines builds a deadline engine over the current holiday table.
func (e Engine) deadlines(ctx context.Context) (deadline.Engine, error) {
	holidays, err := e.Repo.ListHolidays(ctx)
	if err != nil {
		return deadline.Engine{}, fmt.Errorf("load holidays: %w", err)
	}
	return deadline.New(calendar.New(holidays), e.Config.WarningThreshold()), nil
}

// BusinessCalendar loads the holiday-aware calendar used for deadline math.
func (e Engine) BusinessCalendar(ctx context.Context) (calendar.Calendar, error) {
	holidays, err := e.Repo.ListHolidays(ctx)
	if err != nil {
		return calendar.Calendar{}, fmt.Errorf("load holidays: %w", err)
	}
	return calendar.New(holidays), nil
}

func (e Engine) stagesFor(processType domain.ProcessType) ([]config.Stage, error) {
	stages := e.Config.StagesFor(string(processType))
	if len(stages) == 0 {
		return nil, domain.ConfigurationError{Detail: "no stage list for process type " + string(processType)}
	}
	return stages, nil
}

// RegisterOptions are parameters for registering (autuar) a case.
type RegisterOptions struct {
	ID                 string
	Number             string
	ProcessType        domain.ProcessType
	Urgency            domain.UrgencyLevel
	ValorContrato      *int64
	NaturezaEntidade   string
	FonteFinanciamento string
	ActorID            string
}

// RegisterCase runs the autuação: distribution, first stage entry and the
// first stage deadline, all in one transaction. A failure in any step leaves
// no trace of the case.
func (e Engine) RegisterCase(ctx context.Context, opts RegisterOptions) (domain.CaseInstance, error) {
	if e.Config == nil {
		return domain.CaseInstance{}, errors.New("config not loaded")
	}
	if opts.Number == "" {
		return domain.CaseInstance{}, errors.New("number is required")
	}
	if !opts.ProcessType.Valid() {
		return domain.CaseInstance{}, fmt.Errorf("unknown process type %q", opts.ProcessType)
	}
	if opts.Urgency == "" {
		opts.Urgency = domain.UrgencyNormal
	}
	if !opts.Urgency.Valid() {
		return domain.CaseInstance{}, fmt.Errorf("unknown urgency %q", opts.Urgency)
	}
	stages, err := e.stagesFor(opts.ProcessType)
	if err != nil {
		return domain.CaseInstance{}, err
	}
	rule, err := e.Repo.GetSLARule(ctx, opts.ProcessType, opts.Urgency)
	if err != nil {
		return domain.CaseInstance{}, err
	}
	dl, err := e.deadlines(ctx)
	if err != nil {
		return domain.CaseInstance{}, err
	}

	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CaseInstance{}, err
	}
	defer tx.Rollback()

	if opts.ActorID != "" {
		if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
			return domain.CaseInstance{}, err
		}
	}

	attrs := domain.CaseAttributes{
		Number:             opts.Number,
		Urgency:            opts.Urgency,
		ValorContrato:      opts.ValorContrato,
		NaturezaEntidade:   opts.NaturezaEntidade,
		FonteFinanciamento: opts.FonteFinanciamento,
	}
	assignment, err := e.Distribution.Assign(ctx, tx, opts.ProcessType, attrs, now)
	if err != nil {
		return domain.CaseInstance{}, err
	}

	c := domain.CaseInstance{
		ID:                 id,
		Number:             opts.Number,
		ProcessType:        opts.ProcessType,
		CurrentStage:       stages[0].Name,
		StageStatus:        domain.StageInProgress,
		Urgency:            opts.Urgency,
		Letra:              assignment.Letra,
		RelatorID:          assignment.RelatorID,
		AdjuntoID:          assignment.AdjuntoID,
		ValorContrato:      opts.ValorContrato,
		NaturezaEntidade:   opts.NaturezaEntidade,
		FonteFinanciamento: opts.FonteFinanciamento,
		CreatedAt:          ts,
		UpdatedAt:          ts,
	}
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.CaseInstance{}, fmt.Errorf("insert case: %w", err)
	}

	d := dl.Start(uuid.NewString(), c.ID, c.CurrentStage, rule, now)
	if err := e.Repo.InsertDeadline(ctx, tx, d); err != nil {
		return domain.CaseInstance{}, fmt.Errorf("insert deadline: %w", err)
	}

	if err := e.eventWriter().Append(ctx, tx, events.CaseRegistered, "processo", c.ID, opts.ActorID, events.EventPayload{
		"number":  c.Number,
		"type":    string(c.ProcessType),
		"stage":   c.CurrentStage,
		"letra":   c.Letra,
		"relator": c.RelatorID,
		"due":     d.DueDate,
	}); err != nil {
		return domain.CaseInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CaseInstance{}, err
	}
	return c, nil
}

// TransitionOptions are parameters for acting on a case's current stage.
type TransitionOptions struct {
	CaseID  string
	Action  domain.TransitionAction
	ActorID string
	Reason  string
	// ExpectedVersion, when ≥ 0, must match the stored case version.
	// Pass -1 to skip the check (CLI single-user flows).
	ExpectedVersion int64
}

// Transition validates and applies one action on the case's current stage.
// The actor must hold the stage's capability; the whole step commits
// atomically or not at all.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.CaseInstance, error) {
	if e.Config == nil {
		return domain.CaseInstance{}, errors.New("config not loaded")
	}
	if opts.ActorID == "" {
		return domain.CaseInstance{}, errors.New("actor_id is required")
	}

	dl, err := e.deadlines(ctx)
	if err != nil {
		return domain.CaseInstance{}, err
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CaseInstance{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, opts.CaseID)
	if err != nil {
		return domain.CaseInstance{}, err
	}
	if c.Archived {
		return domain.CaseInstance{}, fmt.Errorf("case %s is archived", c.ID)
	}
	if opts.ExpectedVersion >= 0 && opts.ExpectedVersion != c.Version {
		return domain.CaseInstance{}, domain.ConflictError{CaseID: c.ID}
	}

	stages, err := e.stagesFor(c.ProcessType)
	if err != nil {
		return domain.CaseInstance{}, err
	}
	idx := stageIndex(stages, c.CurrentStage)
	if idx < 0 {
		return domain.CaseInstance{}, domain.ConfigurationError{Detail: fmt.Sprintf("case %s stage %s not in stage list for %s", c.ID, c.CurrentStage, c.ProcessType)}
	}
	stage := stages[idx]

	ok, err := e.Auth.ActorHasCapability(ctx, tx, opts.ActorID, stage.Capability)
	if err != nil {
		return domain.CaseInstance{}, err
	}
	if !ok {
		return domain.CaseInstance{}, auth.UnauthorizedActionError{Capability: stage.Capability}
	}

	rule, err := e.Repo.GetSLARule(ctx, c.ProcessType, c.Urgency)
	if err != nil {
		return domain.CaseInstance{}, err
	}

	from := c.CurrentStage
	evtType := events.CaseTransitioned
	payload := events.EventPayload{"action": string(opts.Action), "from": from}

	switch opts.Action {
	case domain.ActionAprovar:
		if idx == len(stages)-1 {
			return domain.CaseInstance{}, fmt.Errorf("stage %s is terminal", stage.Name)
		}
		if err := e.closeOpenDeadline(ctx, tx, dl, c.ID); err != nil {
			return domain.CaseInstance{}, err
		}
		next := stages[idx+1]
		c.CurrentStage = next.Name
		if next.Terminal {
			c.Archived = true
			c.StageStatus = domain.StageCompleted
		} else {
			c.StageStatus = domain.StageInProgress
			d := dl.Start(uuid.NewString(), c.ID, next.Name, rule, now)
			if err := e.Repo.InsertDeadline(ctx, tx, d); err != nil {
				return domain.CaseInstance{}, err
			}
			payload["due"] = d.DueDate
		}

	case domain.ActionRejeitar, domain.ActionPedirDiligencia:
		if stage.ReturnStage != "" {
			if stageIndex(stages, stage.ReturnStage) < 0 {
				return domain.CaseInstance{}, domain.ConfigurationError{Detail: fmt.Sprintf("return stage %s not in stage list for %s", stage.ReturnStage, c.ProcessType)}
			}
			if err := e.closeOpenDeadline(ctx, tx, dl, c.ID); err != nil {
				return domain.CaseInstance{}, err
			}
			c.CurrentStage = stage.ReturnStage
			c.StageStatus = domain.StageInProgress
			d := dl.Start(uuid.NewString(), c.ID, stage.ReturnStage, rule, now)
			if err := e.Repo.InsertDeadline(ctx, tx, d); err != nil {
				return domain.CaseInstance{}, err
			}
			payload["due"] = d.DueDate
		}
		if opts.Reason != "" {
			payload["reason"] = opts.Reason
		}

	case domain.ActionSuspender:
		d, err := e.Repo.OpenDeadlineTx(ctx, tx, c.ID)
		if err != nil {
			return domain.CaseInstance{}, err
		}
		d, err = dl.Suspend(d, rule, now, opts.Reason)
		if err != nil {
			return domain.CaseInstance{}, err
		}
		open := d.OpenSuspension()
		if err := e.Repo.InsertSuspension(ctx, tx, d.ID, *open); err != nil {
			return domain.CaseInstance{}, err
		}
		c.StageStatus = domain.StageSuspended
		evtType = events.DeadlineSuspended
		payload["reason"] = opts.Reason
		payload["prazo_id"] = d.ID

	case domain.ActionRetomar:
		d, err := e.Repo.OpenDeadlineTx(ctx, tx, c.ID)
		if err != nil {
			return domain.CaseInstance{}, err
		}
		d, err = dl.Resume(d, now)
		if err != nil {
			return domain.CaseInstance{}, err
		}
		if err := e.Repo.CloseSuspension(ctx, tx, d.ID, now.UTC().Format(time.RFC3339)); err != nil {
			return domain.CaseInstance{}, err
		}
		if err := e.Repo.UpdateDeadline(ctx, tx, d); err != nil {
			return domain.CaseInstance{}, err
		}
		c.StageStatus = domain.StageInProgress
		evtType = events.DeadlineResumed
		payload["prazo_id"] = d.ID
		payload["due"] = d.DueDate

	default:
		return domain.CaseInstance{}, fmt.Errorf("unknown action %q", opts.Action)
	}

	c.UpdatedAt = now.UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateCase(ctx, tx, c); err != nil {
		return domain.CaseInstance{}, err
	}
	c.Version++

	payload["to"] = c.CurrentStage
	if err := e.eventWriter().Append(ctx, tx, evtType, "processo", c.ID, opts.ActorID, payload); err != nil {
		return domain.CaseInstance{}, err
	}
	if c.Archived {
		if err := e.eventWriter().Append(ctx, tx, events.CaseArchived, "processo", c.ID, opts.ActorID, events.EventPayload{"stage": c.CurrentStage}); err != nil {
			return domain.CaseInstance{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.CaseInstance{}, err
	}
	return c, nil
}

func (e Engine) closeOpenDeadline(ctx context.Context, tx *sql.Tx, dl deadline.Engine, caseID string) error {
	d, err := e.Repo.OpenDeadlineTx(ctx, tx, caseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if d.OpenSuspension() != nil {
		return domain.NotSuspendableError{Reason: "resume the deadline before moving the case"}
	}
	return e.Repo.UpdateDeadline(ctx, tx, dl.Close(d))
}

// SuspendCase pauses the current stage's deadline clock.
func (e Engine) SuspendCase(ctx context.Context, caseID, actorID, reason string) (domain.CaseInstance, error) {
	return e.Transition(ctx, TransitionOptions{CaseID: caseID, Action: domain.ActionSuspender, ActorID: actorID, Reason: reason, ExpectedVersion: -1})
}

// ResumeCase restarts a suspended deadline clock.
func (e Engine) ResumeCase(ctx context.Context, caseID, actorID string) (domain.CaseInstance, error) {
	return e.Transition(ctx, TransitionOptions{CaseID: caseID, Action: domain.ActionRetomar, ActorID: actorID, ExpectedVersion: -1})
}

// DeadlineReport is the derived view of one stage deadline.
type DeadlineReport struct {
	Deadline  domain.StageDeadline  `json:"deadline"`
	Status    domain.DeadlineStatus `json:"status"`
	Remaining int                   `json:"remaining_business_days"`
}

// DeadlineStatus reports the open deadline of a case at now. Pure read.
func (e Engine) DeadlineStatus(ctx context.Context, caseID string) (DeadlineReport, error) {
	d, err := e.Repo.OpenDeadline(ctx, caseID)
	if err != nil {
		return DeadlineReport{}, err
	}
	return e.report(ctx, d)
}

// DeadlineHistory lists every deadline of a case, open and closed, with
// derived status.
func (e Engine) DeadlineHistory(ctx context.Context, caseID string) ([]DeadlineReport, error) {
	ds, err := e.Repo.ListDeadlines(ctx, caseID)
	if err != nil {
		return nil, err
	}
	reports := make([]DeadlineReport, 0, len(ds))
	for _, d := range ds {
		rep, err := e.report(ctx, d)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func (e Engine) report(ctx context.Context, d domain.StageDeadline) (DeadlineReport, error) {
	dl, err := e.deadlines(ctx)
	if err != nil {
		return DeadlineReport{}, err
	}
	now := e.now()
	status, err := dl.Status(d, now)
	if err != nil {
		return DeadlineReport{}, err
	}
	due, err := time.Parse(calendar.DateLayout, d.DueDate)
	if err != nil {
		return DeadlineReport{}, err
	}
	remaining := dl.Calendar.BusinessDaysBetween(now, due)
	if remaining < 0 {
		remaining = 0
	}
	return DeadlineReport{Deadline: d, Status: status, Remaining: remaining}, nil
}

// SweepDeadlines emits prazo.excedido once for every open deadline past its
// due date. Returns the case ids notified in this pass.
func (e Engine) SweepDeadlines(ctx context.Context) ([]string, error) {
	dl, err := e.deadlines(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	open, err := e.Repo.ListOpenDeadlines(ctx, tx)
	if err != nil {
		return nil, err
	}
	var notified []string
	for _, d := range open {
		if d.BreachNotified {
			continue
		}
		status, err := dl.Status(d, now)
		if err != nil {
			return nil, err
		}
		if status != domain.DeadlineOverdue {
			continue
		}
		d.BreachNotified = true
		if err := e.Repo.UpdateDeadline(ctx, tx, d); err != nil {
			return nil, err
		}
		if err := e.eventWriter().Append(ctx, tx, events.DeadlineBreached, "prazo", d.ID, "", events.EventPayload{
			"case_id": d.CaseID,
			"stage":   d.Stage,
			"due":     d.DueDate,
		}); err != nil {
			return nil, err
		}
		notified = append(notified, d.CaseID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return notified, nil
}

// CalculateEmolumento evaluates the fee rule for a registered case.
func (e Engine) CalculateEmolumento(ctx context.Context, caseID string) (emolumento.Result, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return emolumento.Result{}, err
	}
	rule, err := e.Repo.GetEmolumentoRule(ctx, c.ProcessType)
	if err != nil {
		return emolumento.Result{}, err
	}
	return emolumento.Evaluate(rule, c.ValorContrato, e.Config.Emolumentos.Brackets)
}

// QuoteEmolumento evaluates a fee without a registered case, for the intake
// desk quoting before autuação.
func (e Engine) QuoteEmolumento(ctx context.Context, processType domain.ProcessType, valorContrato *int64) (emolumento.Result, error) {
	if !processType.Valid() {
		return emolumento.Result{}, fmt.Errorf("unknown process type %q", processType)
	}
	rule, err := e.Repo.GetEmolumentoRule(ctx, processType)
	if err != nil {
		return emolumento.Result{}, err
	}
	return emolumento.Evaluate(rule, valorContrato, e.Config.Emolumentos.Brackets)
}

// SeedRBAC writes the configured role catalog and capability grants.
func (e Engine) SeedRBAC(ctx context.Context) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for name, role := range e.Config.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, name, role.Description); err != nil {
			return err
		}
		for _, capName := range role.Capabilities {
			if err := e.Repo.InsertCapability(ctx, tx, capName, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRoleCapability(ctx, tx, name, capName); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// GrantRole assigns a configured role to an actor.
func (e Engine) GrantRole(ctx context.Context, actorID, roleID string) error {
	if _, ok := e.Config.RBAC.Roles[roleID]; !ok {
		return fmt.Errorf("unknown role %q", roleID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// CreateAPIKey mints a key for an actor. The raw key is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, fmt.Errorf("actor id is required")
	}
	rawKey := uuid.NewString() + uuid.NewString()
	key := domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: actorID,
		Name:    name,
		KeyHash: repo.HashAPIKey(rawKey),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return rawKey, key, nil
}

// RevokeRole removes a role from an actor.
func (e Engine) RevokeRole(ctx context.Context, actorID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func stageIndex(stages []config.Stage, name string) int {
	for i, s := range stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}
