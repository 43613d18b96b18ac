package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tramita/internal/config"
	"tramita/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const caseColumns = `id,number,process_type,current_stage,stage_status,urgency,letra,relator_id,adjunto_id,valor_contrato,natureza_entidade,fonte_financiamento,archived,version,created_at,updated_at`

func scanCase(scan func(dest ...any) error) (domain.CaseInstance, error) {
	var c domain.CaseInstance
	var letra, relator, adjunto, natureza, fonte sql.NullString
	var valor sql.NullInt64
	var archived int
	err := scan(&c.ID, &c.Number, &c.ProcessType, &c.CurrentStage, &c.StageStatus, &c.Urgency,
		&letra, &relator, &adjunto, &valor, &natureza, &fonte, &archived, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Letra = letra.String
	c.RelatorID = relator.String
	if adjunto.Valid {
		c.AdjuntoID = &adjunto.String
	}
	if valor.Valid {
		v := valor.Int64
		c.ValorContrato = &v
	}
	c.NaturezaEntidade = natureza.String
	c.FonteFinanciamento = fonte.String
	c.Archived = archived != 0
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.CaseInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO processos(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Number, c.ProcessType, c.CurrentStage, c.StageStatus, c.Urgency,
		nullable(c.Letra), nullable(c.RelatorID), nullableStringPtr(c.AdjuntoID), nullableInt64Ptr(c.ValorContrato),
		nullable(c.NaturezaEntidade), nullable(c.FonteFinanciamento), boolInt(c.Archived), c.Version, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.CaseInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM processos WHERE id=?`, id)
	return scanCase(row.Scan)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.CaseInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM processos WHERE id=?`, id)
	return scanCase(row.Scan)
}

func (r Repo) GetCaseByNumber(ctx context.Context, number string) (domain.CaseInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM processos WHERE number=?`, number)
	return scanCase(row.Scan)
}

// UpdateCase persists a case mutation guarded by the optimistic version
// check: the row's version must still equal c.Version, and is bumped by one.
// A stale version surfaces as ConflictError.
func (r Repo) UpdateCase(ctx context.Context, tx *sql.Tx, c domain.CaseInstance) error {
	res, err := tx.ExecContext(ctx, `UPDATE processos SET current_stage=?, stage_status=?, letra=?, relator_id=?, adjunto_id=?, archived=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		c.CurrentStage, c.StageStatus, nullable(c.Letra), nullable(c.RelatorID), nullableStringPtr(c.AdjuntoID),
		boolInt(c.Archived), c.UpdatedAt, c.ID, c.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ConflictError{CaseID: c.ID}
	}
	return nil
}

type CaseFilters struct {
	ProcessType     string
	Stage           string
	RelatorID       string
	Archived        *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.CaseInstance, error) {
	var clauses []string
	var args []any
	if f.ProcessType != "" {
		clauses = append(clauses, "process_type=?")
		args = append(args, f.ProcessType)
	}
	if f.Stage != "" {
		clauses = append(clauses, "current_stage=?")
		args = append(args, f.Stage)
	}
	if f.RelatorID != "" {
		clauses = append(clauses, "relator_id=?")
		args = append(args, f.RelatorID)
	}
	if f.Archived != nil {
		clauses = append(clauses, "archived=?")
		args = append(args, boolInt(*f.Archived))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM processos ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CaseInstance
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountOpenCasesByJudge returns the number of non-archived cases per relator,
// used by the carga distribution criterion.
func (r Repo) CountOpenCasesByJudge(ctx context.Context, tx *sql.Tx) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT relator_id, count(*) FROM processos WHERE archived=0 AND relator_id IS NOT NULL GROUP BY relator_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		res[id] = n
	}
	return res, rows.Err()
}

// --- stage deadlines ---

func (r Repo) InsertDeadline(ctx context.Context, tx *sql.Tx, d domain.StageDeadline) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO prazos(id,case_id,stage,start_date,prazo_dias,due_date,closed,final_due_date,breach_notified)
VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.CaseID, d.Stage, d.StartDate, d.PrazoDias, d.DueDate, boolInt(d.Closed), nullableStringPtr(d.FinalDueDate), boolInt(d.BreachNotified))
	return err
}

// UpdateDeadline rewrites the mutable columns of a prazo row.
func (r Repo) UpdateDeadline(ctx context.Context, tx *sql.Tx, d domain.StageDeadline) error {
	_, err := tx.ExecContext(ctx, `UPDATE prazos SET due_date=?, closed=?, final_due_date=?, breach_notified=? WHERE id=?`,
		d.DueDate, boolInt(d.Closed), nullableStringPtr(d.FinalDueDate), boolInt(d.BreachNotified), d.ID)
	return err
}

func (r Repo) scanDeadlines(ctx context.Context, q queryer, query string, args ...any) ([]domain.StageDeadline, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageDeadline
	for rows.Next() {
		var d domain.StageDeadline
		var closed, breach int
		var finalDue sql.NullString
		if err := rows.Scan(&d.ID, &d.CaseID, &d.Stage, &d.StartDate, &d.PrazoDias, &d.DueDate, &closed, &finalDue, &breach); err != nil {
			return nil, err
		}
		d.Closed = closed != 0
		d.BreachNotified = breach != 0
		if finalDue.Valid {
			d.FinalDueDate = &finalDue.String
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		sus, err := r.listSuspensions(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Suspensions = sus
	}
	return res, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const deadlineColumns = `id,case_id,stage,start_date,prazo_dias,due_date,closed,final_due_date,breach_notified`

// OpenDeadline returns the single non-closed prazo of a case.
func (r Repo) OpenDeadline(ctx context.Context, caseID string) (domain.StageDeadline, error) {
	return r.openDeadline(ctx, r.DB, caseID)
}

func (r Repo) OpenDeadlineTx(ctx context.Context, tx *sql.Tx, caseID string) (domain.StageDeadline, error) {
	return r.openDeadline(ctx, tx, caseID)
}

func (r Repo) openDeadline(ctx context.Context, q queryer, caseID string) (domain.StageDeadline, error) {
	res, err := r.scanDeadlines(ctx, q, `SELECT `+deadlineColumns+` FROM prazos WHERE case_id=? AND closed=0`, caseID)
	if err != nil {
		return domain.StageDeadline{}, err
	}
	if len(res) == 0 {
		return domain.StageDeadline{}, ErrNotFound
	}
	if len(res) > 1 {
		return domain.StageDeadline{}, fmt.Errorf("case %s has %d open prazos", caseID, len(res))
	}
	return res[0], nil
}

// ListDeadlines returns every prazo of a case in creation order.
func (r Repo) ListDeadlines(ctx context.Context, caseID string) ([]domain.StageDeadline, error) {
	return r.scanDeadlines(ctx, r.DB, `SELECT `+deadlineColumns+` FROM prazos WHERE case_id=? ORDER BY rowid ASC`, caseID)
}

// ListOpenDeadlines returns all open prazos across cases (deadline sweep).
func (r Repo) ListOpenDeadlines(ctx context.Context, tx *sql.Tx) ([]domain.StageDeadline, error) {
	return r.scanDeadlines(ctx, tx, `SELECT `+deadlineColumns+` FROM prazos WHERE closed=0 ORDER BY due_date ASC`)
}

func (r Repo) listSuspensions(ctx context.Context, q queryer, prazoID string) ([]domain.SuspensionInterval, error) {
	rows, err := q.QueryContext(ctx, `SELECT start_ts,end_ts,reason FROM suspensoes WHERE prazo_id=? ORDER BY id ASC`, prazoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SuspensionInterval
	for rows.Next() {
		var s domain.SuspensionInterval
		var end sql.NullString
		if err := rows.Scan(&s.Start, &end, &s.Reason); err != nil {
			return nil, err
		}
		if end.Valid {
			s.End = &end.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertSuspension(ctx context.Context, tx *sql.Tx, prazoID string, s domain.SuspensionInterval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO suspensoes(prazo_id,start_ts,end_ts,reason) VALUES (?,?,?,?)`,
		prazoID, s.Start, nullableStringPtr(s.End), s.Reason)
	return err
}

// CloseSuspension sets the end timestamp of the open interval of a prazo.
func (r Repo) CloseSuspension(ctx context.Context, tx *sql.Tx, prazoID, endTS string) error {
	res, err := tx.ExecContext(ctx, `UPDATE suspensoes SET end_ts=? WHERE prazo_id=? AND end_ts IS NULL`, endTS, prazoID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- engine config ---

func (r Repo) UpsertEngineConfig(ctx context.Context, courtID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, r.DB, nil, courtID, cfg)
}

func (r Repo) UpsertEngineConfigTx(ctx context.Context, tx *sql.Tx, courtID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, nil, tx, courtID, cfg)
}

func upsertEngineConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, courtID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Court.ID = courtID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO engine_configs(court_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(court_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, courtID, string(payload), now, now)
	return err
}

func (r Repo) GetEngineConfig(ctx context.Context, courtID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM engine_configs WHERE court_id=?`, courtID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Court.ID == "" {
		cfg.Court.ID = courtID
	}
	return &cfg, cfg.Validate()
}

// SingleEngineConfig returns the only stored config, used when the caller
// does not name a court.
func (r Repo) SingleEngineConfig(ctx context.Context) (string, *config.Config, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT court_id FROM engine_configs`)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", nil, ErrNotFound
	}
	if len(ids) > 1 {
		return "", nil, fmt.Errorf("multiple courts configured; specify --court")
	}
	cfg, err := r.GetEngineConfig(ctx, ids[0])
	return ids[0], cfg, err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
