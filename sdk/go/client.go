package tramitasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Tramita HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the API case model.
type Case struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	ProcessType  string `json:"process_type"`
	CurrentStage string `json:"current_stage"`
	StageStatus  string `json:"stage_status"`
	Urgency      string `json:"urgency"`
	Letra        string `json:"letra"`
	RelatorID    string `json:"relator_id"`
	Archived     bool   `json:"archived"`
	Version      int64  `json:"version"`
}

// Deadline represents a stage deadline with derived status.
type Deadline struct {
	ID           string  `json:"id"`
	CaseID       string  `json:"case_id"`
	Stage        string  `json:"stage"`
	StartDate    string  `json:"start_date"`
	PrazoDias    int     `json:"prazo_dias"`
	DueDate      string  `json:"due_date"`
	Closed       bool    `json:"closed"`
	FinalDueDate *string `json:"final_due_date,omitempty"`
	Status       string  `json:"status"`
	Remaining    int     `json:"remaining_business_days"`
}

// Emolumento is a computed fee.
type Emolumento struct {
	Amount  int64  `json:"amount"`
	Warning string `json:"warning,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// RegisterCaseRequest is the payload for case registration.
type RegisterCaseRequest struct {
	ID                 string `json:"id,omitempty"`
	Number             string `json:"number"`
	ProcessType        string `json:"process_type"`
	Urgency            string `json:"urgency,omitempty"`
	ValorContrato      *int64 `json:"valor_contrato,omitempty"`
	NaturezaEntidade   string `json:"natureza_entidade,omitempty"`
	FonteFinanciamento string `json:"fonte_financiamento,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedCases wraps list responses with cursors.
type PaginatedCases struct {
	Items      []Case `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RegisterCase registers a case and returns its assignment.
func (c *Client) RegisterCase(ctx context.Context, req RegisterCaseRequest) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/processos", req, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, "v0/processos/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListCases returns a page of cases.
func (c *Client) ListCases(ctx context.Context, limit int, cursor string) (PaginatedCases, error) {
	endpoint := "v0/processos"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition applies a tramitação action. expectedVersion < 0 skips the
// optimistic concurrency check.
func (c *Client) Transition(ctx context.Context, caseID, action, reason string, expectedVersion int64) (Case, error) {
	body := map[string]any{"action": action}
	if reason != "" {
		body["reason"] = reason
	}
	if expectedVersion >= 0 {
		body["expected_version"] = expectedVersion
	}
	var resp Case
	endpoint := fmt.Sprintf("v0/processos/%s/transitions", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Suspend pauses the current stage deadline.
func (c *Client) Suspend(ctx context.Context, caseID, reason string) (Case, error) {
	var resp Case
	endpoint := fmt.Sprintf("v0/processos/%s/suspend", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Resume reopens a suspended deadline.
func (c *Client) Resume(ctx context.Context, caseID string) (Case, error) {
	var resp Case
	endpoint := fmt.Sprintf("v0/processos/%s/resume", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// DeadlineStatus returns the open deadline of a case.
func (c *Client) DeadlineStatus(ctx context.Context, caseID string) (Deadline, error) {
	var resp Deadline
	endpoint := fmt.Sprintf("v0/processos/%s/prazo", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeadlineHistory returns every deadline of a case.
func (c *Client) DeadlineHistory(ctx context.Context, caseID string) ([]Deadline, error) {
	var resp []Deadline
	endpoint := fmt.Sprintf("v0/processos/%s/prazos", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// QuoteEmolumento computes the fee without registering a case.
func (c *Client) QuoteEmolumento(ctx context.Context, processType string, valorContrato *int64) (Emolumento, error) {
	body := map[string]any{"process_type": processType}
	if valorContrato != nil {
		body["valor_contrato"] = *valorContrato
	}
	var resp Emolumento
	err := c.do(ctx, http.MethodPost, "v0/emolumentos/quote", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
