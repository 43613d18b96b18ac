// Package server exposes the case lifecycle engine over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"tramita/internal/calendar"
	"tramita/internal/domain"
	"tramita/internal/engine"
	"tramita/internal/engine/auth"
	"tramita/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	CourtID  string
	BasePath string
	Auth     AuthConfig
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError is the flat {code, message, details} error body every endpoint
// returns on failure.
type apiError struct {
	status  int
	Code    string         `json:"code" example:"unauthorized_action"`
	Message string         `json:"message" example:"capability processo.decidir required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the Tramita API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Tramita API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Engine)
	registerDeadlines(group, cfg.Engine)
	registerEmolumentos(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerCalendar(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerConfig(group, cfg.Engine, cfg.CourtID)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// handleError maps domain errors onto the HTTP error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ue auth.UnauthorizedActionError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "unauthorized_action", err.Error(), map[string]any{"capability": ue.Capability})
	}
	var conflict domain.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"case_id": conflict.CaseID})
	}
	var cfgErr domain.ConfigurationError
	if errors.As(err, &cfgErr) {
		return newAPIError(http.StatusUnprocessableEntity, "configuration_error", err.Error(), nil)
	}
	var noSLA domain.NoSLARuleError
	if errors.As(err, &noSLA) {
		return newAPIError(http.StatusUnprocessableEntity, "no_sla_rule", err.Error(), map[string]any{
			"process_type": string(noSLA.ProcessType), "urgency": string(noSLA.Urgency),
		})
	}
	var noRule domain.NoActiveRuleError
	if errors.As(err, &noRule) {
		return newAPIError(http.StatusUnprocessableEntity, "no_active_rule", err.Error(), map[string]any{"process_type": string(noRule.ProcessType)})
	}
	var ambiguous domain.AmbiguousRuleError
	if errors.As(err, &ambiguous) {
		return newAPIError(http.StatusConflict, "ambiguous_rule", err.Error(), map[string]any{
			"process_type": string(ambiguous.ProcessType), "count": ambiguous.Count,
		})
	}
	var noMapping domain.NoValidMappingError
	if errors.As(err, &noMapping) {
		return newAPIError(http.StatusUnprocessableEntity, "no_valid_mapping", err.Error(), map[string]any{"letra": noMapping.Letra})
	}
	var unmapped domain.UnmappedAttributeError
	if errors.As(err, &unmapped) {
		return newAPIError(http.StatusUnprocessableEntity, "unmapped_attribute", err.Error(), map[string]any{
			"attribute": unmapped.Attribute, "value": unmapped.Value,
		})
	}
	var notSusp domain.NotSuspendableError
	if errors.As(err, &notSusp) {
		return newAPIError(http.StatusUnprocessableEntity, "not_suspendable", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "archived"):
		return newAPIError(http.StatusConflict, "case_archived", msg, nil)
	case strings.Contains(lowered, "terminal"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasCapability(caps []string, capability string) bool {
	for _, c := range caps {
		if c == capability {
			return true
		}
	}
	return false
}

// requireCapability resolves the principal and checks the capability against
// JWT claims first, then the RBAC tables.
func requireCapability(ctx context.Context, e engine.Engine, capability string) error {
	principal, ok := principalFromContext(ctx)
	if !ok || principal.ActorID == "" {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if hasCapability(principal.Capabilities, capability) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	granted, err := e.Auth.ActorHasCapability(ctx, tx, principal.ActorID, capability)
	if err != nil {
		return err
	}
	if !granted {
		return auth.UnauthorizedActionError{Capability: capability}
	}
	return nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-case",
		Method:        http.MethodPost,
		Path:          "/processos",
		Summary:       "Register (autuar) a case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Number == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "number is required", nil)
		}
		if err := requireCapability(ctx, e, "processo.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RegisterOptions{
			Number:      input.Body.Number,
			ProcessType: domain.ProcessType(input.Body.ProcessType),
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Urgency != nil {
			opts.Urgency = domain.UrgencyLevel(*input.Body.Urgency)
		}
		opts.ValorContrato = input.Body.ValorContrato
		if input.Body.NaturezaEntidade != nil {
			opts.NaturezaEntidade = *input.Body.NaturezaEntidade
		}
		if input.Body.FonteFinanciamento != nil {
			opts.FonteFinanciamento = *input.Body.FonteFinanciamento
		}
		c, err := e.RegisterCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/processos",
		Summary:     "List cases",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProcessType string `query:"process_type"`
		Stage       string `query:"stage"`
		RelatorID   string `query:"relator_id"`
		Archived    string `query:"archived"`
		Limit       int    `query:"limit" minimum:"1" maximum:"500"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		filters := repo.CaseFilters{
			ProcessType: input.ProcessType,
			Stage:       input.Stage,
			RelatorID:   input.RelatorID,
			Limit:       input.Limit,
		}
		if filters.Limit <= 0 {
			filters.Limit = 100
		}
		if input.Archived != "" {
			archived := input.Archived == "true"
			filters.Archived = &archived
		}
		if input.Cursor != "" {
			createdAt, id, ok := decodeCursor(input.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		items, err := e.Repo.ListCases(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedCases{Items: mapCases(items)}
		if len(items) == filters.Limit {
			last := items[len(items)-1]
			out.NextCursor = encodeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/processos/{case_id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-case",
		Method:      http.MethodPost,
		Path:        "/processos/{case_id}/transitions",
		Summary:     "Apply a tramitação action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string            `path:"case_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TransitionOptions{
			CaseID:          input.CaseID,
			Action:          domain.TransitionAction(input.Body.Action),
			ActorID:         actorID,
			ExpectedVersion: -1,
		}
		if input.Body.Reason != nil {
			opts.Reason = *input.Body.Reason
		}
		if input.Body.ExpectedVersion != nil {
			opts.ExpectedVersion = *input.Body.ExpectedVersion
		}
		c, err := e.Transition(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suspend-case",
		Method:      http.MethodPost,
		Path:        "/processos/{case_id}/suspend",
		Summary:     "Suspend the current stage deadline",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string         `path:"case_id"`
		Body   SuspendRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SuspendCase(ctx, input.CaseID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-case",
		Method:      http.MethodPost,
		Path:        "/processos/{case_id}/resume",
		Summary:     "Resume a suspended deadline",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ResumeCase(ctx, input.CaseID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})
}

func registerDeadlines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "case-deadline",
		Method:      http.MethodGet,
		Path:        "/processos/{case_id}/prazo",
		Summary:     "Current stage deadline with derived status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body DeadlineResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		rep, err := e.DeadlineStatus(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeadlineResponse `json:"body"`
		}{Body: deadlineResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-deadline-history",
		Method:      http.MethodGet,
		Path:        "/processos/{case_id}/prazos",
		Summary:     "Every deadline of a case, open and closed",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body []DeadlineResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		reps, err := e.DeadlineHistory(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DeadlineResponse, 0, len(reps))
		for _, rep := range reps {
			out = append(out, deadlineResponse(rep))
		}
		return &struct {
			Body []DeadlineResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-deadlines",
		Method:      http.MethodPost,
		Path:        "/prazos/sweep",
		Summary:     "Emit breach events for overdue deadlines",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Notified []string `json:"notified"`
		} `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		notified, err := e.SweepDeadlines(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Notified []string `json:"notified"`
			} `json:"body"`
		}{}
		if notified == nil {
			notified = []string{}
		}
		out.Body.Notified = notified
		return out, nil
	})
}

func registerEmolumentos(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "case-emolumento",
		Method:      http.MethodGet,
		Path:        "/processos/{case_id}/emolumento",
		Summary:     "Fee for a registered case",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body EmolumentoResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		res, err := e.CalculateEmolumento(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EmolumentoResponse `json:"body"`
		}{Body: EmolumentoResponse{Amount: res.Amount, Warning: res.Warning}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "quote-emolumento",
		Method:      http.MethodPost,
		Path:        "/emolumentos/quote",
		Summary:     "Fee quote before registration",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body QuoteEmolumentoRequest `json:"body"`
	}) (*struct {
		Body EmolumentoResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		res, err := e.QuoteEmolumento(ctx, domain.ProcessType(input.Body.ProcessType), input.Body.ValorContrato)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EmolumentoResponse `json:"body"`
		}{Body: EmolumentoResponse{Amount: res.Amount, Warning: res.Warning}}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "import-rules",
		Method:      http.MethodPost,
		Path:        "/regras/import",
		Summary:     "Import the admin rule set",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		// Raw so rule sets with omitted optional fields are not rejected by
		// schema validation before the capability check runs.
		RawBody []byte
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireCapability(ctx, e, "regras.import"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var rs engine.RuleSet
		if err := json.Unmarshal(input.RawBody, &rs); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid rule set: "+err.Error(), nil)
		}
		if err := e.ImportRules(ctx, rs, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{
			"judges":         len(rs.Judges),
			"sla_rules":      len(rs.SLARules),
			"distribution":   len(rs.Distribution),
			"letra_mappings": len(rs.LetraMappings),
			"holidays":       len(rs.Holidays),
			"emolumentos":    len(rs.Emolumentos),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "show-rules",
		Method:      http.MethodGet,
		Path:        "/regras",
		Summary:     "Current rule set",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RuleSetResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		out := RuleSetResponse{
			Judges:        []JudgeResponse{},
			SLARules:      []domain.SLARule{},
			Distribution:  []domain.DistributionRule{},
			LetraMappings: []domain.LetraJuizMapping{},
			Holidays:      []HolidayResponse{},
			Emolumentos:   []domain.EmolumentoRule{},
		}
		judges, err := e.Repo.ListJudges(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		for _, j := range judges {
			out.Judges = append(out.Judges, judgeResponse(j))
		}
		if out.SLARules, err = orEmpty(e.Repo.ListSLARules(ctx)); err != nil {
			return nil, handleError(err)
		}
		if out.Distribution, err = orEmpty(e.Repo.ListDistributionRules(ctx)); err != nil {
			return nil, handleError(err)
		}
		if out.LetraMappings, err = orEmpty(e.Repo.ListLetraMappings(ctx)); err != nil {
			return nil, handleError(err)
		}
		holidays, err := e.Repo.ListHolidays(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		for _, h := range holidays {
			out.Holidays = append(out.Holidays, holidayResponse(h))
		}
		if out.Emolumentos, err = orEmpty(e.Repo.ListEmolumentoRules(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleSetResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-judges",
		Method:      http.MethodGet,
		Path:        "/juizes",
		Summary:     "List judges",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []JudgeResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		judges, err := e.Repo.ListJudges(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]JudgeResponse, 0, len(judges))
		for _, j := range judges {
			out = append(out, judgeResponse(j))
		}
		return &struct {
			Body []JudgeResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-holidays",
		Method:      http.MethodGet,
		Path:        "/feriados",
		Summary:     "List holiday calendar entries",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []HolidayResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		holidays, err := e.Repo.ListHolidays(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]HolidayResponse, 0, len(holidays))
		for _, h := range holidays {
			out = append(out, holidayResponse(h))
		}
		return &struct {
			Body []HolidayResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerCalendar(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "business-day-probe",
		Method:      http.MethodGet,
		Path:        "/calendario/dia-util",
		Summary:     "Business-day check and walk",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Date string `query:"date" required:"true" example:"2024-03-04"`
		Add  int    `query:"add" minimum:"0"`
	}) (*struct {
		Body BusinessDayResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		day, err := time.Parse(calendar.DateLayout, input.Date)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid date, want YYYY-MM-DD", nil)
		}
		cal, err := e.BusinessCalendar(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := BusinessDayResponse{
			Date:        input.Date,
			BusinessDay: cal.IsBusinessDay(day),
		}
		if input.Add > 0 {
			out.Result = cal.AddBusinessDays(day, input.Add).Format(calendar.DateLayout)
		}
		return &struct {
			Body BusinessDayResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Lifecycle event log, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"1" maximum:"500"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		var items []domain.Event
		var err error
		if input.Cursor != "" {
			cursor, parseErr := strconv.ParseInt(input.Cursor, 10, 64)
			if parseErr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			items, err = e.Repo.LatestEventsFrom(ctx, limit, cursor, input.Type, input.EntityKind, input.EntityID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedEvents{Items: mapEvents(items)}
		if len(items) == limit {
			out.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: out}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/rbac/roles/grant",
		Summary:       "Grant a role to an actor",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body GrantRoleRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		if err := requireCapability(ctx, e, "rbac.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.GrantRole(ctx, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodPost,
		Path:          "/rbac/roles/revoke",
		Summary:       "Revoke a role from an actor",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body GrantRoleRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		if err := requireCapability(ctx, e, "rbac.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeRole(ctx, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if err := requireCapability(ctx, e, "rbac.manage"); err != nil {
			return nil, handleError(err)
		}
		name := ""
		if input.Body.Name != nil {
			name = *input.Body.Name
		}
		rawKey, key, err := e.CreateAPIKey(ctx, input.Body.ActorID, name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     rawKey,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "rbac.manage"); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := requireCapability(ctx, e, "rbac.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerConfig(api huma.API, e engine.Engine, courtID string) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Effective engine configuration",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EngineConfigResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "processo.read"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngineConfigResponse `json:"body"`
		}{Body: configResponse(courtID, e.Config)}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated principal with roles and capabilities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		roles, err := e.Auth.ActorRoles(ctx, tx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		caps, err := e.Auth.ActorCapabilities(ctx, tx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if roles == nil {
			roles = []string{}
		}
		if caps == nil {
			caps = []string{}
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			ActorID:      principal.ActorID,
			Source:       principal.Source,
			Roles:        roles,
			Capabilities: caps,
		}}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Tramita API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func encodeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func decodeCursor(cursor string) (createdAt, id string, ok bool) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func orEmpty[T any](items []T, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	if items == nil {
		return []T{}, nil
	}
	return items, nil
}
