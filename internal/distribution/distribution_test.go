package distribution_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"tramita/internal/db"
	"tramita/internal/distribution"
	"tramita/internal/domain"
	"tramita/internal/migrate"
	"tramita/internal/repo"
)

type testEnv struct {
	DB     *sql.DB
	Repo   repo.Repo
	Engine distribution.Engine
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
	r := repo.Repo{DB: conn}
	return testEnv{DB: conn, Repo: r, Engine: distribution.Engine{Repo: r}, Ctx: context.Background()}
}

func (env testEnv) inTx(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := env.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (env testEnv) seedJudges(t *testing.T, ids ...string) {
	env.inTx(t, func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := env.Repo.UpsertJudge(env.Ctx, tx, domain.JudgeProfile{ID: id, Name: "Juiz " + id, Ativo: true}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (env testEnv) seedMapping(t *testing.T, id, letra, relator, start, end string) {
	env.inTx(t, func(tx *sql.Tx) error {
		return env.Repo.UpsertLetraMapping(env.Ctx, tx, domain.LetraJuizMapping{
			ID: id, Letra: letra, RelatorID: relator, VigenciaStart: start, VigenciaEnd: end,
		})
	})
}

func (env testEnv) seedRule(t *testing.T, rule domain.DistributionRule) {
	env.inTx(t, func(tx *sql.Tx) error {
		return env.Repo.UpsertDistributionRule(env.Ctx, tx, rule)
	})
}

func (env testEnv) assign(t *testing.T, pt domain.ProcessType, attrs domain.CaseAttributes, now time.Time) (domain.Assignment, error) {
	t.Helper()
	tx, err := env.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	a, err := env.Engine.Assign(env.Ctx, tx, pt, attrs, now)
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return a, nil
}

var now = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func TestRotationCyclesThroughLetters(t *testing.T) {
	env := newTestEnv(t)
	env.seedJudges(t, "j-a", "j-b", "j-c")
	env.seedMapping(t, "m-a", "A", "j-a", "2024-01-01", "")
	env.seedMapping(t, "m-b", "B", "j-b", "2024-01-01", "")
	env.seedMapping(t, "m-c", "C", "j-c", "2024-01-01", "")
	env.seedRule(t, domain.DistributionRule{
		ID: "r-1", ProcessType: domain.ProcessVisto, Criterio: domain.CriterionLetraJuiz,
		LetterOrder: []string{"A", "B", "C"}, Ativo: true,
	})

	var got []string
	for i := 0; i < 4; i++ {
		a, err := env.assign(t, domain.ProcessVisto, domain.CaseAttributes{}, now)
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		got = append(got, a.Letra)
	}
	want := []string{"A", "B", "C", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestRotationSkipsLettersWithoutValidMapping(t *testing.T) {
	env := newTestEnv(t)
	env.seedJudges(t, "j-a", "j-b", "j-c")
	env.seedMapping(t, "m-a", "A", "j-a", "2024-01-01", "")
	// B's mapping expired before now: never assigned.
	env.seedMapping(t, "m-b", "B", "j-b", "2023-01-01", "2023-12-31")
	env.seedMapping(t, "m-c", "C", "j-c", "2024-01-01", "")
	env.seedRule(t, domain.DistributionRule{
		ID: "r-1", ProcessType: domain.ProcessVisto, Criterio: domain.CriterionLetraJuiz,
		LetterOrder: []string{"A", "B", "C"}, Ativo: true,
	})

	var got []string
	for i := 0; i < 3; i++ {
		a, err := env.assign(t, domain.ProcessVisto, domain.CaseAttributes{}, now)
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		got = append(got, a.Letra)
	}
	want := []string{"A", "C", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestRotationIsDeterministicWithoutCommit(t *testing.T) {
	env := newTestEnv(t)
	env.seedJudges(t, "j-a", "j-b")
	env.seedMapping(t, "m-a", "A", "j-a", "2024-01-01", "")
	env.seedMapping(t, "m-b", "B", "j-b", "2024-01-01", "")
	env.seedRule(t, domain.DistributionRule{
		ID: "r-1", ProcessType: domain.ProcessVisto, Criterio: domain.CriterionLetraJuiz,
		LetterOrder: []string{"A", "B"}, Ativo: true,
	})

	// Rolled-back assignment must not advance the cursor.
	for i := 0; i < 2; i++ {
		tx, err := env.DB.Begin()
		if err != nil {
			t.Fatal(err)
		}
		a, err := env.Engine.Assign(env.Ctx, tx, domain.ProcessVisto, domain.CaseAttributes{}, now)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		tx.Rollback()
		if a.Letra != "A" {
			t.Fatalf("attempt %d assigned %s, want A", i, a.Letra)
		}
	}
}

func TestNoActiveRule(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.assign(t, domain.ProcessVisto, domain.CaseAttributes{}, now)
	if _, ok := err.(domain.NoActiveRuleError); !ok {
		t.Fatalf("err = %v, want NoActiveRuleError", err)
	}
}

func TestAmbiguousRules(t *testing.T) {
	env := newTestEnv(t)
	env.seedRule(t, domain.DistributionRule{ID: "r-1", ProcessType: domain.ProcessVisto, Criterio: domain.CriterionCarga, Ativo: true})
	env.seedRule(t, domain.DistributionRule{ID: "r-2", ProcessType: domain.ProcessVisto, Criterio: domain.CriterionCarga, Ativo: true})
	_, err := env.assign(t, domain.ProcessVisto, domain.CaseAttributes{}, now)
	amb, ok := err.(domain.AmbiguousRuleError)
	if !ok || amb.Count != 2 {
		t.Fatalf("err = %v, want AmbiguousRuleError with count 2", err)
	}
}

func TestLoadCriterionPicksLeastLoadedJudge(t *testing.T) {
	env := newTestEnv(t)
	env.seedJudges(t, "j-a", "j-b")
	env.seedMapping(t, "m-a", "A", "j-a", "2024-01-01", "")
	env.seedMapping(t, "m-b", "B", "j-b", "2024-01-01", "")
	env.seedRule(t, domain.DistributionRule{ID: "r-1", ProcessType: domain.ProcessRecurso, Criterio: domain.CriterionCarga, Ativo: true})

	// j-a already carries one open case.
	env.inTx(t, func(tx *sql.Tx) error {
		return env.Repo.InsertCase(env.Ctx, tx, domain.CaseInstance{
			ID: "c-1", Number: "PROC-1/2024", ProcessType: domain.ProcessVisto,
			CurrentStage: "autuacao", StageStatus: domain.StageInProgress,
			Urgency: domain.UrgencyNormal, Letra: "A", RelatorID: "j-a",
			CreatedAt: now.Format(time.RFC3339), UpdatedAt: now.Format(time.RFC3339),
		})
	})

	a, err := env.assign(t, domain.ProcessRecurso, domain.CaseAttributes{}, now)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.RelatorID != "j-b" || a.Letra != "B" {
		t.Fatalf("assigned %+v, want j-b via B", a)
	}
}

func TestLoadCriterionTieBreaksByJudgeID(t *testing.T) {
	env := newTestEnv(t)
	env.seedJudges(t, "j-b", "j-a")
	env.seedMapping(t, "m-a", "A", "j-a", "2024-01-01", "")
	env.seedMapping(t, "m-b", "B", "j-b", "2024-01-01", "")
	env.seedRule(t, domain.DistributionRule{ID: "r-1", ProcessType: domain.ProcessRecurso, Criterio: domain.CriterionCarga, Ativo: true})

	a, err := env.assign(t, domain.ProcessRecurso, domain.CaseAttributes{}, now)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.RelatorID != "j-a" {
		t.Fatalf("assigned %s, want j-a (ascending id tie-break)", a.RelatorID)
	}
}

func TestBucketCriterion(t *testing.T) {
	env := newTestEnv(t)
	env.seedJudges(t, "j-a", "j-b")
	env.seedMapping(t, "m-a", "A", "j-a", "2024-01-01", "")
	env.seedMapping(t, "m-b", "B", "j-b", "2024-01-01", "")
	env.seedRule(t, domain.DistributionRule{
		ID: "r-1", ProcessType: domain.ProcessPrestacaoContas, Criterio: domain.CriterionNaturezaEntidade,
		Buckets: map[string]string{"empresa_publica": "A", "administracao_central": "B"}, Ativo: true,
	})

	a, err := env.assign(t, domain.ProcessPrestacaoContas, domain.CaseAttributes{NaturezaEntidade: "administracao_central"}, now)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.Letra != "B" || a.RelatorID != "j-b" {
		t.Fatalf("assigned %+v, want letra B relator j-b", a)
	}

	_, err = env.assign(t, domain.ProcessPrestacaoContas, domain.CaseAttributes{NaturezaEntidade: "autarquia"}, now)
	if _, ok := err.(domain.UnmappedAttributeError); !ok {
		t.Fatalf("err = %v, want UnmappedAttributeError", err)
	}

	_, err = env.assign(t, domain.ProcessPrestacaoContas, domain.CaseAttributes{}, now)
	if _, ok := err.(domain.UnmappedAttributeError); !ok {
		t.Fatalf("missing attribute err = %v, want UnmappedAttributeError", err)
	}
}

func TestMappingVigenciaBoundaries(t *testing.T) {
	env := newTestEnv(t)
	env.seedJudges(t, "j-a", "j-b")
	// j-a held letter A through 2023; j-b holds it from 2024 on.
	env.seedMapping(t, "m-1", "A", "j-a", "2023-01-01", "2023-12-31")
	env.seedMapping(t, "m-2", "A", "j-b", "2024-01-01", "")
	env.seedRule(t, domain.DistributionRule{
		ID: "r-1", ProcessType: domain.ProcessVisto, Criterio: domain.CriterionLetraJuiz,
		LetterOrder: []string{"A"}, Ativo: true,
	})

	a, err := env.assign(t, domain.ProcessVisto, domain.CaseAttributes{}, now)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.RelatorID != "j-b" {
		t.Fatalf("relator = %s, want j-b (mapping vigente now)", a.RelatorID)
	}
}

func TestOverlappingVigenciaRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedMapping(t, "m-1", "A", "j-a", "2024-01-01", "2024-06-30")
	tx, err := env.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = env.Repo.UpsertLetraMapping(env.Ctx, tx, domain.LetraJuizMapping{
		ID: "m-2", Letra: "A", RelatorID: "j-b", VigenciaStart: "2024-06-01", VigenciaEnd: "",
	})
	if _, ok := err.(domain.ConfigurationError); !ok {
		t.Fatalf("err = %v, want ConfigurationError (overlap)", err)
	}
}
