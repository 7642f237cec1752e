// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/docket/internal/event"
	"github.com/linnemanlabs/docket/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/docket/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents and their audit ledger in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on an existing pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const incidentColumns = `id, dedup_key, source, display_name, raw_event_id, description, diagnostic,
	state, created_at, sla_budget_ms, acknowledged_at, acknowledged_by, ack_latency_ms, sla_outcome,
	external_ticket_ref, external_status_cache`

// CreateIfAbsent inserts the draft keyed by dedup_key, or returns the
// winner. ON CONFLICT DO NOTHING makes the unique constraint the race
// arbiter; the incident row and its first audit entry commit together.
func (s *Store) CreateIfAbsent(ctx context.Context, draft *incident.Incident) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.CreateIfAbsent", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	diagJSON, err := json.Marshal(draft.Diagnostic)
	if err != nil {
		return nil, false, spanErr(span, fmt.Errorf("marshal diagnostic: %w", err))
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO incidents (
			id, dedup_key, source, display_name, raw_event_id, description, diagnostic,
			state, created_at, sla_budget_ms, sla_outcome
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (dedup_key) DO NOTHING`,
		draft.ID, draft.DedupKey, string(draft.Source), draft.DisplayName,
		nullStr(draft.RawEventID), draft.Description, diagJSON,
		string(draft.State), draft.CreatedAt, draft.SLABudget.Milliseconds(),
		string(draft.SLAOutcome),
	)
	if err != nil {
		return nil, false, spanErr(span, fmt.Errorf("insert incident: %w", err))
	}

	if tag.RowsAffected() == 1 {
		if err := insertAudit(ctx, tx, &incident.AuditEntry{
			IncidentID: draft.ID,
			Timestamp:  draft.CreatedAt,
			Transition: incident.TransitionCreated,
			Detail: fmt.Sprintf("dedup key %s, priority %s, budget %s",
				draft.DedupKey, draft.Diagnostic.Priority, draft.SLABudget),
		}); err != nil {
			return nil, false, spanErr(span, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, spanErr(span, fmt.Errorf("commit: %w", err))
		}
		cp := *draft
		return &cp, true, nil
	}

	// Lost the race (or a straight redelivery): fetch the winner and append
	// the DuplicateIgnored entry in the same transaction.
	winner, err := s.scanIncidentRow(tx.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE dedup_key = $1`, draft.DedupKey))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	if winner == nil {
		return nil, false, spanErr(span, fmt.Errorf("dedup key %s: conflict but no winner row", draft.DedupKey))
	}

	if err := insertAudit(ctx, tx, &incident.AuditEntry{
		IncidentID: winner.ID,
		Timestamp:  time.Now(),
		Transition: incident.TransitionDuplicateIgnored,
		Detail: fmt.Sprintf("duplicate event for dedup key %s (raw event %s)",
			draft.DedupKey, draft.RawEventID),
	}); err != nil {
		return nil, false, spanErr(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return winner, false, nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	return s.getBy(ctx, "pgstore.Get", `id = $1`, id)
}

// GetByDedupKey retrieves an incident by its dedup key.
func (s *Store) GetByDedupKey(ctx context.Context, key string) (*incident.Incident, bool, error) {
	return s.getBy(ctx, "pgstore.GetByDedupKey", `dedup_key = $1`, key)
}

// GetByTicketRef retrieves an incident by its external ticket reference.
func (s *Store) GetByTicketRef(ctx context.Context, ref string) (*incident.Incident, bool, error) {
	return s.getBy(ctx, "pgstore.GetByTicketRef", `external_ticket_ref = $1`, ref)
}

func (s *Store) getBy(ctx context.Context, op, where string, arg any) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE ` + where
	inc, err := s.scanIncidentRow(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	if inc == nil {
		return nil, false, nil
	}
	return inc, true, nil
}

// List returns incidents in the given state, newest first. A zero state
// matches everything.
func (s *Store) List(ctx context.Context, state incident.State, limit int) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	if limit <= 0 || limit > 500 {
		limit = 500
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	args := []any{}
	if state != "" {
		query += ` WHERE state = $1`
		args = append(args, string(state))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := s.scanIncident(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

// Transition re-reads the row under a row lock, validates the edge, and
// commits the updated incident together with its audit entry.
func (s *Store) Transition(ctx context.Context, id string, req incident.TransitionRequest) (*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Transition", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	cur, err := s.scanIncidentRow(tx.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, spanErr(span, err)
	}
	if cur == nil {
		return nil, fmt.Errorf("incident %s: %w", id, incident.ErrNotFound)
	}

	next, entry, err := incident.Advance(cur, req)
	if err != nil {
		// Not a storage fault: the row is untouched and the tx rolls back.
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE incidents SET
			state = $2,
			acknowledged_at = $3,
			acknowledged_by = $4,
			ack_latency_ms = $5,
			sla_outcome = $6,
			external_status_cache = $7
		WHERE id = $1`,
		id, string(next.State),
		nullTime(next.AcknowledgedAt), nullStr(next.AcknowledgedBy),
		nullDurMS(next.AckLatency, next.AcknowledgedAt),
		string(next.SLAOutcome), nullStr(next.ExternalStatusCache),
	)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("update incident: %w", err))
	}

	if err := insertAudit(ctx, tx, entry); err != nil {
		return nil, spanErr(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return next, nil
}

// RecordSyncIgnored caches the raw external status and appends the
// ExternalSyncIgnored entry in one transaction.
func (s *Store) RecordSyncIgnored(ctx context.Context, id, rawStatus, actor, detail string) error {
	ctx, span := tracer.Start(ctx, "pgstore.RecordSyncIgnored", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx,
		`UPDATE incidents
		 SET external_status_cache = COALESCE(NULLIF($2, ''), external_status_cache)
		 WHERE id = $1`, id, rawStatus)
	if err != nil {
		return spanErr(span, fmt.Errorf("update status cache: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("incident %s: %w", id, incident.ErrNotFound)
	}
	if err := insertAudit(ctx, tx, &incident.AuditEntry{
		IncidentID: id,
		Timestamp:  time.Now(),
		Transition: incident.TransitionExternalSyncIgnored,
		Actor:      actor,
		Detail:     detail,
	}); err != nil {
		return spanErr(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// SetTicketRef records the external ticket reference with its TicketFiled
// audit entry.
func (s *Store) SetTicketRef(ctx context.Context, id, ref, detail string) error {
	ctx, span := tracer.Start(ctx, "pgstore.SetTicketRef", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx,
		`UPDATE incidents SET external_ticket_ref = $2 WHERE id = $1`, id, ref)
	if err != nil {
		return spanErr(span, fmt.Errorf("update ticket ref: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("incident %s: %w", id, incident.ErrNotFound)
	}
	if err := insertAudit(ctx, tx, &incident.AuditEntry{
		IncidentID: id,
		Timestamp:  time.Now(),
		Transition: incident.TransitionTicketFiled,
		Detail:     detail,
	}); err != nil {
		return spanErr(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// AppendAudit appends a standalone ledger entry.
func (s *Store) AppendAudit(ctx context.Context, e *incident.AuditEntry) (*incident.AuditEntry, error) {
	ctx, span := tracer.Start(ctx, "pgstore.AppendAudit", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO audit_entries (incident_id, ts, transition, actor, detail)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.IncidentID, ts, string(e.Transition), nullStr(e.Actor), nullStr(e.Detail),
	).Scan(&id)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("insert audit entry: %w", err))
	}
	cp := *e
	cp.ID = id
	cp.Timestamp = ts
	return &cp, nil
}

// QueryAudit returns ledger entries matching f, ordered by ID ascending.
func (s *Store) QueryAudit(ctx context.Context, f incident.AuditFilter) ([]*incident.AuditEntry, error) {
	ctx, span := tracer.Start(ctx, "pgstore.QueryAudit", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	query := `SELECT id, incident_id, ts, transition, actor, detail FROM audit_entries`
	var (
		conds []string
		args  []any
	)
	if f.IncidentID != "" {
		args = append(args, f.IncidentID)
		conds = append(conds, fmt.Sprintf("incident_id = $%d", len(args)))
	}
	if f.Transition != "" {
		args = append(args, string(f.Transition))
		conds = append(conds, fmt.Sprintf("transition = $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += fmt.Sprintf(" ORDER BY id LIMIT %d", limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query audit entries: %w", err))
	}
	defer rows.Close()

	var out []*incident.AuditEntry
	for rows.Next() {
		var (
			e      incident.AuditEntry
			trans  string
			actor  *string
			detail *string
		)
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.Timestamp, &trans, &actor, &detail); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan audit entry: %w", err))
		}
		e.Transition = incident.TransitionType(trans)
		if actor != nil {
			e.Actor = *actor
		}
		if detail != nil {
			e.Detail = *detail
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate audit entries: %w", err))
	}
	return out, nil
}

// Summary aggregates lifecycle counters across all incidents.
func (s *Store) Summary(ctx context.Context) (*incident.Summary, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Summary", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	sum := &incident.Summary{}
	var avgMS *float64
	err := s.pool.QueryRow(ctx, `SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state = 'open'),
			COUNT(*) FILTER (WHERE state = 'in_progress'),
			COUNT(*) FILTER (WHERE state = 'acknowledged'),
			COUNT(*) FILTER (WHERE sla_outcome = 'Breached'),
			AVG(ack_latency_ms) FILTER (WHERE ack_latency_ms IS NOT NULL)
		FROM incidents`).Scan(
		&sum.Total, &sum.Open, &sum.InProgress, &sum.Acknowledged, &sum.SLABreached, &avgMS)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("summarize incidents: %w", err))
	}
	if avgMS != nil {
		sum.AvgAckSeconds = *avgMS / 1000
		sum.MTTRMinutes = sum.AvgAckSeconds / 60
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&sum.AuditEntries); err != nil {
		return nil, spanErr(span, fmt.Errorf("count audit entries: %w", err))
	}
	return sum, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, e *incident.AuditEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_entries (incident_id, ts, transition, actor, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.IncidentID, e.Timestamp, string(e.Transition), nullStr(e.Actor), nullStr(e.Detail))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanIncidentRow scans a single row into an incident.Incident.
// Returns (nil, nil) when no row is found.
func (s *Store) scanIncidentRow(row pgx.Row) (*incident.Incident, error) {
	inc, err := s.scanIncident(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return inc, nil
}

func (s *Store) scanIncident(row rowScanner) (*incident.Incident, error) {
	var (
		inc          incident.Incident
		source       string
		rawEventID   *string
		diagJSON     []byte
		state        string
		budgetMS     int64
		ackedAt      *time.Time
		ackedBy      *string
		ackLatencyMS *int64
		outcome      string
		ticketRef    *string
		statusCache  *string
	)

	err := row.Scan(
		&inc.ID, &inc.DedupKey, &source, &inc.DisplayName, &rawEventID, &inc.Description, &diagJSON,
		&state, &inc.CreatedAt, &budgetMS, &ackedAt, &ackedBy, &ackLatencyMS, &outcome,
		&ticketRef, &statusCache,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	inc.Source = event.Source(source)
	inc.State = incident.State(state)
	inc.SLAOutcome = incident.SLAOutcome(outcome)
	inc.SLABudget = time.Duration(budgetMS) * time.Millisecond

	if rawEventID != nil {
		inc.RawEventID = *rawEventID
	}
	if ackedAt != nil {
		inc.AcknowledgedAt = *ackedAt
	}
	if ackedBy != nil {
		inc.AcknowledgedBy = *ackedBy
	}
	if ackLatencyMS != nil {
		inc.AckLatency = time.Duration(*ackLatencyMS) * time.Millisecond
	}
	if ticketRef != nil {
		inc.ExternalTicketRef = *ticketRef
	}
	if statusCache != nil {
		inc.ExternalStatusCache = *statusCache
	}

	if err := json.Unmarshal(diagJSON, &inc.Diagnostic); err != nil {
		return nil, fmt.Errorf("unmarshal diagnostic: %w", err)
	}
	return &inc, nil
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullDurMS(d time.Duration, set time.Time) *int64 {
	if set.IsZero() {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}
