package engine_test

import (
	"context"
	"testing"
	"time"

	"tramita/internal/config"
	"tramita/internal/db"
	"tramita/internal/domain"
	"tramita/internal/engine"
	"tramita/internal/engine/auth"
	"tramita/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("tc-1")
	eng := engine.New(conn, cfg)
	// Monday.
	eng.Now = func() time.Time { return time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.SeedRBAC(ctx); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	env := testEnv{Engine: &eng, Ctx: ctx}
	env.importBaseRules(t)
	env.grant(t, "sec-1", "secretaria_geral")
	env.grant(t, "tecnico-1", "tecnico")
	return env
}

func (env testEnv) importBaseRules(t *testing.T) {
	t.Helper()
	err := env.Engine.ImportRules(env.Ctx, engine.RuleSet{
		Judges: []domain.JudgeProfile{
			{ID: "j-a", Name: "Conselheiro A", Ativo: true},
			{ID: "j-b", Name: "Conselheiro B", Ativo: true},
		},
		SLARules: []domain.SLARule{
			{ProcessType: domain.ProcessVisto, Urgency: domain.UrgencyNormal, PrazoDias: 30, SuspendePorSolicitacao: true},
			{ProcessType: domain.ProcessVisto, Urgency: domain.UrgencyUrgent, PrazoDias: 5},
		},
		Distribution: []domain.DistributionRule{
			{ID: "r-1", ProcessType: domain.ProcessVisto, Criterio: domain.CriterionLetraJuiz, LetterOrder: []string{"A", "B"}, Ativo: true},
		},
		LetraMappings: []domain.LetraJuizMapping{
			{ID: "m-a", Letra: "A", RelatorID: "j-a", VigenciaStart: "2024-01-01"},
			{ID: "m-b", Letra: "B", RelatorID: "j-b", VigenciaStart: "2024-01-01"},
		},
		Emolumentos: []domain.EmolumentoRule{
			{ProcessType: domain.ProcessVisto, Formula: "valor_contrato * 0.01", Minimo: 50_000},
		},
	}, "admin")
	if err != nil {
		t.Fatalf("import rules: %v", err)
	}
}

func (env testEnv) grant(t *testing.T, actorID, role string) {
	t.Helper()
	if err := env.Engine.GrantRole(env.Ctx, actorID, role); err != nil {
		t.Fatalf("grant %s to %s: %v", role, actorID, err)
	}
}

func (env testEnv) register(t *testing.T, number string) domain.CaseInstance {
	t.Helper()
	c, err := env.Engine.RegisterCase(env.Ctx, engine.RegisterOptions{
		Number:      number,
		ProcessType: domain.ProcessVisto,
		Urgency:     domain.UrgencyNormal,
		ActorID:     "sec-1",
	})
	if err != nil {
		t.Fatalf("register %s: %v", number, err)
	}
	return c
}

func (env testEnv) approve(t *testing.T, caseID, actorID string) domain.CaseInstance {
	t.Helper()
	c, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		CaseID: caseID, Action: domain.ActionAprovar, ActorID: actorID, ExpectedVersion: -1,
	})
	if err != nil {
		t.Fatalf("aprovar as %s: %v", actorID, err)
	}
	return c
}

func TestRegisterCaseAssignsAndStartsDeadline(t *testing.T) {
	env := newTestEnv(t)
	c := env.register(t, "PROC-1/2024")

	if c.CurrentStage != "autuacao" || c.StageStatus != domain.StageInProgress {
		t.Fatalf("unexpected initial stage: %+v", c)
	}
	if c.Letra != "A" || c.RelatorID != "j-a" {
		t.Fatalf("unexpected assignment: letra=%s relator=%s", c.Letra, c.RelatorID)
	}

	rep, err := env.Engine.DeadlineStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("deadline status: %v", err)
	}
	if rep.Deadline.DueDate != "2024-04-15" {
		t.Fatalf("due = %s, want 2024-04-15", rep.Deadline.DueDate)
	}
	if rep.Status != domain.DeadlineOnTrack {
		t.Fatalf("status = %s, want on_track", rep.Status)
	}

	// Second registration rotates to the next letter.
	c2 := env.register(t, "PROC-2/2024")
	if c2.Letra != "B" || c2.RelatorID != "j-b" {
		t.Fatalf("rotation broken: letra=%s relator=%s", c2.Letra, c2.RelatorID)
	}
}

func TestRegisterWithoutSLARuleFails(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterCase(env.Ctx, engine.RegisterOptions{
		Number:      "PROC-9/2024",
		ProcessType: domain.ProcessVisto,
		Urgency:     domain.UrgencySimplified,
		ActorID:     "sec-1",
	})
	if _, ok := err.(domain.NoSLARuleError); !ok {
		t.Fatalf("err = %v, want NoSLARuleError", err)
	}
}

func TestApproveAdvancesStageAndOpensNewDeadline(t *testing.T) {
	env := newTestEnv(t)
	c := env.register(t, "PROC-1/2024")

	c = env.approve(t, c.ID, "sec-1")
	if c.CurrentStage != "analise_tecnica" {
		t.Fatalf("stage = %s, want analise_tecnica", c.CurrentStage)
	}

	history, err := env.Engine.DeadlineHistory(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("deadline count = %d, want 2", len(history))
	}
	first := history[0].Deadline
	if !first.Closed || first.FinalDueDate == nil {
		t.Fatalf("previous deadline not frozen: %+v", first)
	}
}

func TestTransitionRequiresStageCapability(t *testing.T) {
	env := newTestEnv(t)
	c := env.register(t, "PROC-1/2024")
	c = env.approve(t, c.ID, "sec-1")      // -> analise_tecnica
	c = env.approve(t, c.ID, "tecnico-1") // -> parecer_chefe_divisao

	// parecer_chefe_divisao requires processo.validar; a tecnico does not
	// hold it.
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		CaseID: c.ID, Action: domain.ActionAprovar, ActorID: "tecnico-1", ExpectedVersion: -1,
	})
	if _, ok := err.(auth.UnauthorizedActionError); !ok {
		t.Fatalf("err = %v, want UnauthorizedActionError", err)
	}

	got, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStage != "parecer_chefe_divisao" {
		t.Fatalf("stage moved to %s on rejected transition", got.CurrentStage)
	}
}

func TestRejectBranchesToReturnStage(t *testing.T) {
	env := newTestEnv(t)
	c := env.register(t, "PROC-1/2024")
	c = env.approve(t, c.ID, "sec-1") // -> analise_tecnica

	c, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		CaseID: c.ID, Action: domain.ActionPedirDiligencia, ActorID: "tecnico-1",
		Reason: "falta documentação", ExpectedVersion: -1,
	})
	if err != nil {
		t.Fatalf("pedir_diligencia: %v", err)
	}
	if c.CurrentStage != "autuacao" {
		t.Fatalf("stage = %s, want autuacao (return stage)", c.CurrentStage)
	}

	history, err := env.Engine.DeadlineHistory(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	// autuacao, analise_tecnica (closed), autuacao again.
	if len(history) != 3 {
		t.Fatalf("deadline count = %d, want 3", len(history))
	}
}

func TestSuspendAndResumeKeepBudget(t *testing.T) {
	env := newTestEnv(t)
	c := env.register(t, "PROC-1/2024")

	c, err := env.Engine.SuspendCase(env.Ctx, c.ID, "sec-1", "vista_mp")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if c.StageStatus != domain.StageSuspended {
		t.Fatalf("status = %s, want suspended", c.StageStatus)
	}
	rep, err := env.Engine.DeadlineStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != domain.DeadlineSuspended {
		t.Fatalf("deadline status = %s, want suspended", rep.Status)
	}

	// Double suspend is rejected.
	if _, err := env.Engine.SuspendCase(env.Ctx, c.ID, "sec-1", "again"); err == nil {
		t.Fatal("expected NotSuspendableError")
	}

	// Resume one week later: the due date shifts by the five business days
	// the pause consumed.
	env.Engine.Now = func() time.Time { return time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC) }
	c, err = env.Engine.ResumeCase(env.Ctx, c.ID, "sec-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if c.StageStatus != domain.StageInProgress {
		t.Fatalf("status = %s, want in_progress", c.StageStatus)
	}
	rep, err = env.Engine.DeadlineStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deadline.DueDate != "2024-04-22" {
		t.Fatalf("due = %s, want 2024-04-22", rep.Deadline.DueDate)
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	c := env.register(t, "PROC-1/2024")

	updated, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		CaseID: c.ID, Action: domain.ActionAprovar, ActorID: "sec-1", ExpectedVersion: c.Version,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != c.Version+1 {
		t.Fatalf("version = %d, want %d", updated.Version, c.Version+1)
	}

	// Replaying against the original version must conflict.
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		CaseID: c.ID, Action: domain.ActionAprovar, ActorID: "sec-1", ExpectedVersion: c.Version,
	})
	if _, ok := err.(domain.ConflictError); !ok {
		t.Fatalf("err = %v, want ConflictError", err)
	}
}

func TestFullTramitacaoArchivesCase(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "chefe-1", "chefe_divisao")
	env.grant(t, "mp-1", "procurador_mp")
	env.grant(t, "juiz-1", "juiz_conselheiro")
	c := env.register(t, "PROC-1/2024")

	for _, actorID := range []string{"sec-1", "tecnico-1", "chefe-1", "mp-1", "juiz-1"} {
		c = env.approve(t, c.ID, actorID)
	}
	if !c.Archived || c.CurrentStage != "notificacao" {
		t.Fatalf("case not archived at terminal stage: %+v", c)
	}

	// No further action on an archived case.
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		CaseID: c.ID, Action: domain.ActionAprovar, ActorID: "sec-1", ExpectedVersion: -1,
	}); err == nil {
		t.Fatal("expected error on archived case")
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "processo.arquivado", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("arquivado events = %d, want 1", len(evts))
	}
}

func TestSweepEmitsBreachOnce(t *testing.T) {
	env := newTestEnv(t)
	c := env.register(t, "PROC-1/2024")

	// Jump past the due date.
	env.Engine.Now = func() time.Time { return time.Date(2024, 4, 16, 9, 0, 0, 0, time.UTC) }
	notified, err := env.Engine.SweepDeadlines(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(notified) != 1 || notified[0] != c.ID {
		t.Fatalf("notified = %v, want [%s]", notified, c.ID)
	}

	notified, err = env.Engine.SweepDeadlines(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(notified) != 0 {
		t.Fatalf("second sweep notified %v, want none", notified)
	}
}

func TestCalculateEmolumentoUsesMinimoFloor(t *testing.T) {
	env := newTestEnv(t)
	valor := int64(1_000_000)
	c, err := env.Engine.RegisterCase(env.Ctx, engine.RegisterOptions{
		Number:        "PROC-1/2024",
		ProcessType:   domain.ProcessVisto,
		ValorContrato: &valor,
		ActorID:       "sec-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.CalculateEmolumento(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	// 1% of 1_000_000 = 10_000, below the 50_000 floor.
	if res.Amount != 50_000 {
		t.Fatalf("amount = %d, want 50000", res.Amount)
	}
}

func TestEventTimestampsFollowEngineClock(t *testing.T) {
	env := newTestEnv(t)

	c := env.register(t, "PROC-1/2024")

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "processo.registado", "processo", c.ID)
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one registration event, got %d", len(evts))
	}
	if evts[0].TS != "2024-03-04T09:00:00Z" {
		t.Fatalf("event ts = %s, want the injected clock", evts[0].TS)
	}
}
