package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tramita/internal/config"
	"tramita/internal/db"
	"tramita/internal/domain"
	"tramita/internal/engine"
	"tramita/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("tc-1")
	e := engine.New(conn, cfg)
	// Monday.
	e.Now = func() time.Time { return time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := e.SeedRBAC(ctx); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	err = e.ImportRules(ctx, engine.RuleSet{
		Judges: []domain.JudgeProfile{
			{ID: "j-a", Name: "Conselheiro A", Ativo: true},
			{ID: "j-b", Name: "Conselheiro B", Ativo: true},
		},
		SLARules: []domain.SLARule{
			{ProcessType: domain.ProcessVisto, Urgency: domain.UrgencyNormal, PrazoDias: 30, SuspendePorSolicitacao: true},
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
	for actor, role := range map[string]string{
		"sec-1":     "secretaria_geral",
		"tecnico-1": "tecnico",
	} {
		if err := e.GrantRole(ctx, actor, role); err != nil {
			t.Fatalf("grant %s to %s: %v", role, actor, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		CourtID:  "tc-1",
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func registerCase(t *testing.T, srv *testServer, number string) CaseResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/processos", map[string]any{
		"number":       number,
		"process_type": "visto",
		"urgency":      "normal",
	}, asActor("sec-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var created CaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	return created
}

func TestRegisterTransitionAndDeadline(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := registerCase(t, srv, "PROC-1/2024")
	if created.CurrentStage != "autuacao" || created.Letra != "A" {
		t.Fatalf("unexpected case after registration: %+v", created)
	}

	dlRes, dlBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/processos/"+created.ID+"/prazo", nil, asActor("sec-1"))
	if dlRes.StatusCode != http.StatusOK {
		t.Fatalf("deadline status %d: %s", dlRes.StatusCode, string(dlBody))
	}
	var dl DeadlineResponse
	if err := json.Unmarshal(dlBody, &dl); err != nil {
		t.Fatalf("unmarshal deadline: %v", err)
	}
	if dl.DueDate != "2024-04-15" || dl.Status != string(domain.DeadlineOnTrack) {
		t.Fatalf("deadline = %+v", dl)
	}

	trRes, trBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processos/"+created.ID+"/transitions", map[string]any{
		"action": "aprovar",
	}, asActor("sec-1"))
	if trRes.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", trRes.StatusCode, string(trBody))
	}
	var moved CaseResponse
	if err := json.Unmarshal(trBody, &moved); err != nil {
		t.Fatalf("unmarshal moved case: %v", err)
	}
	if moved.CurrentStage != "analise_tecnica" {
		t.Fatalf("stage after aprovar = %s", moved.CurrentStage)
	}

	histRes, histBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/processos/"+created.ID+"/prazos", nil, asActor("sec-1"))
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", histRes.StatusCode, string(histBody))
	}
	var history []DeadlineResponse
	if err := json.Unmarshal(histBody, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 deadlines, got %d", len(history))
	}
}

func TestTransitionWithoutCapabilityForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := registerCase(t, srv, "PROC-2/2024")

	// tecnico lacks the autuacao-stage capability.
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/processos/"+created.ID+"/transitions", map[string]any{
		"action": "aprovar",
	}, asActor("tecnico-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(body, &envelope)
	if envelope.Code != "unauthorized_action" {
		t.Fatalf("error code = %q: %s", envelope.Code, string(body))
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := registerCase(t, srv, "PROC-3/2024")

	first, firstBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processos/"+created.ID+"/transitions", map[string]any{
		"action":           "aprovar",
		"expected_version": created.Version,
	}, asActor("sec-1"))
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first transition: %d %s", first.StatusCode, string(firstBody))
	}

	replay, replayBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processos/"+created.ID+"/transitions", map[string]any{
		"action":           "aprovar",
		"expected_version": created.Version,
	}, asActor("sec-1"))
	if replay.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", replay.StatusCode, string(replayBody))
	}
}

func TestSuspendAndResume(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := registerCase(t, srv, "PROC-4/2024")

	noReason, noReasonBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processos/"+created.ID+"/suspend", map[string]any{}, asActor("sec-1"))
	if noReason.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without reason, got %d: %s", noReason.StatusCode, string(noReasonBody))
	}

	susRes, susBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processos/"+created.ID+"/suspend", map[string]any{
		"reason": "aguarda documentos",
	}, asActor("sec-1"))
	if susRes.StatusCode != http.StatusOK {
		t.Fatalf("suspend status %d: %s", susRes.StatusCode, string(susBody))
	}
	var suspended CaseResponse
	_ = json.Unmarshal(susBody, &suspended)
	if suspended.StageStatus != string(domain.StageSuspended) {
		t.Fatalf("stage status = %s", suspended.StageStatus)
	}

	resRes, resBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processos/"+created.ID+"/resume", nil, asActor("sec-1"))
	if resRes.StatusCode != http.StatusOK {
		t.Fatalf("resume status %d: %s", resRes.StatusCode, string(resBody))
	}
	var resumed CaseResponse
	_ = json.Unmarshal(resBody, &resumed)
	if resumed.StageStatus != string(domain.StageInProgress) {
		t.Fatalf("stage status after resume = %s", resumed.StageStatus)
	}
}

func TestQuoteEmolumento(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/emolumentos/quote", map[string]any{
		"process_type":   "visto",
		"valor_contrato": 100_000_000,
	}, asActor("sec-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("quote status %d: %s", res.StatusCode, string(body))
	}
	var quote EmolumentoResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		t.Fatalf("unmarshal quote: %v", err)
	}
	if quote.Amount != 1_000_000 {
		t.Fatalf("amount = %d, want 1000000", quote.Amount)
	}
}

func TestUnknownCaseNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/processos/nope", nil, asActor("sec-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
	// code and message live at the top level of the error body.
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &envelope)
	if envelope.Code != "not_found" || envelope.Message == "" {
		t.Fatalf("error envelope = %+v: %s", envelope, string(body))
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/processos", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(body))
	}

	health, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", health.StatusCode)
	}
}

func TestImportRulesRequiresCapability(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/regras/import", map[string]any{
		"sla_rules": []map[string]any{
			{"process_type": "recurso", "urgency": "normal", "prazo_dias": 15},
		},
	}, asActor("sec-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(body))
	}
}

func TestImportRulesAcceptsOmittedOptionalFields(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	if err := srv.Engine.GrantRole(context.Background(), "pres-1", "presidente"); err != nil {
		t.Fatalf("grant role: %v", err)
	}

	// suspende_por_solicitacao left out on purpose.
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/regras/import", map[string]any{
		"sla_rules": []map[string]any{
			{"process_type": "recurso", "urgency": "normal", "prazo_dias": 15},
		},
	}, asActor("pres-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import status %d: %s", res.StatusCode, string(body))
	}
	var counts map[string]any
	if err := json.Unmarshal(body, &counts); err != nil {
		t.Fatalf("unmarshal counts: %v", err)
	}
	if n, _ := counts["sla_rules"].(float64); n != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestJWTPrincipalAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "juiz-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"juiz_conselheiro"},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if err := srv.Engine.GrantRole(context.Background(), "juiz-1", "juiz_conselheiro"); err != nil {
		t.Fatalf("grant role: %v", err)
	}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(body))
	}
	var me MeResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "juiz-1" || me.Source != "jwt" {
		t.Fatalf("me = %+v", me)
	}

	bad, badBody := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", bad.StatusCode, string(badBody))
	}
}
