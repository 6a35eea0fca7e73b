package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	barcodeIndex    = "uq_diagnostic_order_active_barcode"
	openTicketIndex = "uq_escalation_ticket_open"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func pgErrCode(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

const orderCols = `id, kind, patient_ref, ordering_clinician_ref, state, urgency,
	details, sample, result, approval, is_critical, version, created_at, updated_at`

func scanOrder(row pgx.Row) (*DiagnosticOrder, error) {
	var o DiagnosticOrder
	var d orderDocs
	err := row.Scan(&o.ID, &o.Kind, &o.PatientRef, &o.OrderingClinicianRef, &o.State, &o.Urgency,
		&d.details, &d.sample, &d.result, &d.approval, &o.IsCritical, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := d.decodeInto(&o); err != nil {
		return nil, err
	}
	o.AuditTrail = []AuditEntry{}
	return &o, nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *DiagnosticOrder) error {
	d, err := encodeOrderDocs(o)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO diagnostic_order (id, kind, patient_ref, ordering_clinician_ref, state, urgency,
			details, sample, result, approval, barcode, is_critical, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		o.ID, o.Kind, o.PatientRef, o.OrderingClinicianRef, o.State, o.Urgency,
		d.details, d.sample, d.result, d.approval, d.barcode, o.IsCritical, o.Version, o.CreatedAt, o.UpdatedAt)
	if code, constraint := pgErrCode(err); code == pgUniqueViolation && constraint == barcodeIndex {
		return fmt.Errorf("create order %s: %w", o.ID, ErrBarcodeConflict)
	}
	return err
}

func (r *orderRepoPG) Load(ctx context.Context, id uuid.UUID) (*DiagnosticOrder, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderCols+` FROM diagnostic_order WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if o.AuditTrail, err = r.audit(ctx, r.pool, id); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepoPG) audit(ctx context.Context, q queryable, orderID uuid.UUID) ([]AuditEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT seq, recorded_at, actor_ref, actor_role, transition, from_state, to_state, note, cleared_result
		FROM diagnostic_order_audit WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var note *string
		var cleared []byte
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.ActorRef, &e.ActorRole, &e.Transition,
			&e.FromState, &e.ToState, &note, &cleared); err != nil {
			return nil, err
		}
		if note != nil {
			e.Note = *note
		}
		if e.ClearedResult, err = decodeCleared(cleared); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// insertAudit assigns the next sequence number inside the caller's
// transaction. Two writers racing for the same seq collide on the primary key.
func insertAudit(ctx context.Context, q queryable, orderID uuid.UUID, e *AuditEntry) error {
	cleared, err := encodeCleared(e.ClearedResult)
	if err != nil {
		return err
	}
	var note *string
	if e.Note != "" {
		note = &e.Note
	}
	return q.QueryRow(ctx, `
		INSERT INTO diagnostic_order_audit (order_id, seq, recorded_at, actor_ref, actor_role,
			transition, from_state, to_state, note, cleared_result)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9
		FROM diagnostic_order_audit WHERE order_id = $1
		RETURNING seq`,
		orderID, e.Timestamp, e.ActorRef, e.ActorRole, e.Transition, e.FromState, e.ToState, note, cleared,
	).Scan(&e.Seq)
}

func (r *orderRepoPG) Commit(ctx context.Context, o *DiagnosticOrder, expectedVersion int, entries ...AuditEntry) error {
	d, err := encodeOrderDocs(o)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE diagnostic_order SET state = $3, urgency = $4, sample = $5, result = $6, approval = $7,
				barcode = $8, is_critical = $9, version = version + 1, updated_at = $10
			WHERE id = $1 AND version = $2`,
			o.ID, expectedVersion, o.State, o.Urgency, d.sample, d.result, d.approval,
			d.barcode, o.IsCritical, o.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM diagnostic_order WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
			}
			return fmt.Errorf("order %s at version %d: %w", o.ID, expectedVersion, ErrConcurrentModification)
		}
		for i := range entries {
			if err := insertAudit(ctx, tx, o.ID, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translateCommitErr(o.ID, err)
	}
	o.Version = expectedVersion + 1
	o.AuditTrail = append(o.AuditTrail, entries...)
	return nil
}

func translateCommitErr(id uuid.UUID, err error) error {
	code, constraint := pgErrCode(err)
	switch {
	case code == pgUniqueViolation && constraint == barcodeIndex:
		return fmt.Errorf("order %s: %w", id, ErrBarcodeConflict)
	case code == pgUniqueViolation:
		return fmt.Errorf("order %s audit: %w", id, ErrConcurrentModification)
	}
	return err
}

func (r *orderRepoPG) AppendAudit(ctx context.Context, orderID uuid.UUID, entry *AuditEntry) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return insertAudit(ctx, tx, orderID, entry)
	})
	switch code, _ := pgErrCode(err); code {
	case pgForeignKeyViolation:
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	case pgUniqueViolation:
		return fmt.Errorf("order %s audit: %w", orderID, ErrConcurrentModification)
	}
	return err
}

func (r *orderRepoPG) FindActiveByBarcode(ctx context.Context, barcode string) (*DiagnosticOrder, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderCols+` FROM diagnostic_order
		WHERE barcode = $1 AND state NOT IN ('COMPLETED', 'CANCELLED')`, barcode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("barcode %s: %w", barcode, ErrNotFound)
	}
	return o, err
}

// List returns matching orders newest first, without their audit trails.
func (r *orderRepoPG) List(ctx context.Context, filter OrderFilter, limit, offset int) ([]*DiagnosticOrder, int, error) {
	limit, offset = clampPage(limit, offset)
	where, args := filterClause(filter, pgPlaceholder)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM diagnostic_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + orderCols + ` FROM diagnostic_order` + where +
		` ORDER BY created_at DESC, id LIMIT ` + pgPlaceholder(len(args)+1) + ` OFFSET ` + pgPlaceholder(len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DiagnosticOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

// =========== Escalation Repository ===========

type escalationRepoPG struct{ pool *pgxpool.Pool }

func NewEscalationRepoPG(pool *pgxpool.Pool) EscalationRepository {
	return &escalationRepoPG{pool: pool}
}

const ticketCols = `id, order_id, patient_ref, ordering_clinician_ref, urgency, critical_details,
	raised_at, acknowledged_at, acknowledged_by`

func scanTicket(row pgx.Row) (*EscalationTicket, error) {
	var t EscalationTicket
	var by *string
	if err := row.Scan(&t.ID, &t.OrderID, &t.PatientRef, &t.OrderingClinicianRef, &t.Urgency,
		&t.CriticalDetails, &t.RaisedAt, &t.AcknowledgedAt, &by); err != nil {
		return nil, err
	}
	if by != nil {
		t.AcknowledgedBy = *by
	}
	return &t, nil
}

func (r *escalationRepoPG) Create(ctx context.Context, t *EscalationTicket) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO escalation_ticket (id, order_id, patient_ref, ordering_clinician_ref, urgency,
			critical_details, raised_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.OrderID, t.PatientRef, t.OrderingClinicianRef, t.Urgency, t.CriticalDetails, t.RaisedAt)
	if code, constraint := pgErrCode(err); code == pgUniqueViolation && constraint == openTicketIndex {
		return errOpenTicketExists
	}
	return err
}

func (r *escalationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*EscalationTicket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx, `SELECT `+ticketCols+` FROM escalation_ticket WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r *escalationRepoPG) OpenForOrder(ctx context.Context, orderID uuid.UUID) (*EscalationTicket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx, `SELECT `+ticketCols+` FROM escalation_ticket
		WHERE order_id = $1 AND acknowledged_at IS NULL`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open escalation for order %s: %w", orderID, ErrNotFound)
	}
	return t, err
}

func (r *escalationRepoPG) Acknowledge(ctx context.Context, id uuid.UUID, by string, at time.Time) (*EscalationTicket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx, `
		UPDATE escalation_ticket SET acknowledged_at = $2, acknowledged_by = $3
		WHERE id = $1 AND acknowledged_at IS NULL
		RETURNING `+ticketCols, id, at, by))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := r.GetByID(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("escalation %s: %w", id, ErrAlreadyAcknowledged)
	}
	return t, err
}

func (r *escalationRepoPG) ListOpen(ctx context.Context, limit, offset int) ([]*EscalationTicket, int, error) {
	limit, offset = clampPage(limit, offset)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM escalation_ticket WHERE acknowledged_at IS NULL`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+ticketCols+` FROM escalation_ticket
		WHERE acknowledged_at IS NULL ORDER BY raised_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*EscalationTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}
