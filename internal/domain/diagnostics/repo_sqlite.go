package diagnostics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS diagnostic_order (
	id                     TEXT PRIMARY KEY,
	kind                   TEXT NOT NULL CHECK (kind IN ('LAB', 'IMAGING')),
	patient_ref            TEXT NOT NULL,
	ordering_clinician_ref TEXT NOT NULL,
	state                  TEXT NOT NULL,
	urgency                TEXT NOT NULL DEFAULT 'ROUTINE',
	details                TEXT NOT NULL,
	sample                 TEXT,
	result                 TEXT,
	approval               TEXT,
	barcode                TEXT,
	is_critical            INTEGER NOT NULL DEFAULT 0,
	version                INTEGER NOT NULL DEFAULT 0,
	created_at             TEXT NOT NULL,
	updated_at             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diagnostic_order_patient ON diagnostic_order (patient_ref);
CREATE UNIQUE INDEX IF NOT EXISTS uq_diagnostic_order_active_barcode
	ON diagnostic_order (barcode)
	WHERE barcode IS NOT NULL AND state NOT IN ('COMPLETED', 'CANCELLED');
CREATE TABLE IF NOT EXISTS diagnostic_order_audit (
	order_id       TEXT NOT NULL REFERENCES diagnostic_order (id),
	seq            INTEGER NOT NULL,
	recorded_at    TEXT NOT NULL,
	actor_ref      TEXT NOT NULL,
	actor_role     TEXT NOT NULL,
	transition     TEXT NOT NULL,
	from_state     TEXT NOT NULL,
	to_state       TEXT NOT NULL,
	note           TEXT,
	cleared_result TEXT,
	PRIMARY KEY (order_id, seq)
);
CREATE TABLE IF NOT EXISTS escalation_ticket (
	id                     TEXT PRIMARY KEY,
	order_id               TEXT NOT NULL REFERENCES diagnostic_order (id),
	patient_ref            TEXT NOT NULL,
	ordering_clinician_ref TEXT NOT NULL,
	urgency                TEXT NOT NULL,
	critical_details       TEXT NOT NULL,
	raised_at              TEXT NOT NULL,
	acknowledged_at        TEXT,
	acknowledged_by        TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_escalation_ticket_open
	ON escalation_ticket (order_id)
	WHERE acknowledged_at IS NULL;
`

// SQLiteStore is an embedded, single-file implementation of both
// repositories, used for development, the CLI and integration tests.
type SQLiteStore struct {
	db *sql.DB
}

// sqliteBusyTimeout is how long a writer waits for the database lock before
// giving up with SQLITE_BUSY.
var sqliteBusyTimeout = 5 * time.Second

// OpenSQLiteStore opens (creating if needed) the database at path and applies
// the schema. ":memory:" gives a private in-memory database.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "orderflow.db"
	}
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_txlock=immediate",
		path, sqliteBusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Orders() OrderRepository           { return &orderRepoSQLite{db: s.db} }
func (s *SQLiteStore) Escalations() EscalationRepository { return &escalationRepoSQLite{db: s.db} }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Stats exposes database/sql pool statistics for health checks.
func (s *SQLiteStore) Stats() interface{} { return s.db.Stats() }

// DB is the underlying handle, used for read-only reporting queries.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func sqliteTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func sqlitePlaceholder(int) string { return "?" }

// sqliteConstraint returns the constraint message when err is a SQLite
// constraint violation.
func sqliteConstraint(err error) (string, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return se.Error(), true
	}
	return "", false
}

// sqliteBusy reports whether err is a lock timeout: another writer held the
// database for longer than the busy timeout.
func sqliteBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func nullString(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

// =========== Order Repository ===========

type orderRepoSQLite struct{ db *sql.DB }

func scanOrderSQLite(row rowScanner) (*DiagnosticOrder, error) {
	var o DiagnosticOrder
	var details string
	var sample, result, approval sql.NullString
	var created, updated string
	err := row.Scan(&o.ID, &o.Kind, &o.PatientRef, &o.OrderingClinicianRef, &o.State, &o.Urgency,
		&details, &sample, &result, &approval, &o.IsCritical, &o.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	d := orderDocs{details: []byte(details)}
	if sample.Valid {
		d.sample = []byte(sample.String)
	}
	if result.Valid {
		d.result = []byte(result.String)
	}
	if approval.Valid {
		d.approval = []byte(approval.String)
	}
	if err := d.decodeInto(&o); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	o.AuditTrail = []AuditEntry{}
	return &o, nil
}

func (r *orderRepoSQLite) Create(ctx context.Context, o *DiagnosticOrder) error {
	d, err := encodeOrderDocs(o)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO diagnostic_order (id, kind, patient_ref, ordering_clinician_ref, state, urgency,
			details, sample, result, approval, barcode, is_critical, version, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Kind, o.PatientRef, o.OrderingClinicianRef, o.State, o.Urgency,
		string(d.details), nullString(d.sample), nullString(d.result), nullString(d.approval), d.barcode,
		o.IsCritical, o.Version, sqliteTime(o.CreatedAt), sqliteTime(o.UpdatedAt))
	if msg, ok := sqliteConstraint(err); ok && strings.Contains(msg, "diagnostic_order.barcode") {
		return fmt.Errorf("create order %s: %w", o.ID, ErrBarcodeConflict)
	}
	return err
}

func (r *orderRepoSQLite) Load(ctx context.Context, id uuid.UUID) (*DiagnosticOrder, error) {
	o, err := scanOrderSQLite(r.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM diagnostic_order WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if o.AuditTrail, err = auditSQLite(ctx, r.db, id); err != nil {
		return nil, err
	}
	return o, nil
}

func auditSQLite(ctx context.Context, q sqlQueryer, orderID uuid.UUID) ([]AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, recorded_at, actor_ref, actor_role, transition, from_state, to_state, note, cleared_result
		FROM diagnostic_order_audit WHERE order_id = ? ORDER BY seq`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var at string
		var note, cleared sql.NullString
		if err := rows.Scan(&e.Seq, &at, &e.ActorRef, &e.ActorRole, &e.Transition,
			&e.FromState, &e.ToState, &note, &cleared); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseSQLiteTime(at); err != nil {
			return nil, err
		}
		e.Note = note.String
		if cleared.Valid {
			if e.ClearedResult, err = decodeCleared([]byte(cleared.String)); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertAuditSQLite(ctx context.Context, q sqlQueryer, orderID uuid.UUID, e *AuditEntry) error {
	cleared, err := encodeCleared(e.ClearedResult)
	if err != nil {
		return err
	}
	var note interface{}
	if e.Note != "" {
		note = e.Note
	}
	return q.QueryRowContext(ctx, `
		INSERT INTO diagnostic_order_audit (order_id, seq, recorded_at, actor_ref, actor_role,
			transition, from_state, to_state, note, cleared_result)
		SELECT ?1, COALESCE(MAX(seq), 0) + 1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9
		FROM diagnostic_order_audit WHERE order_id = ?1
		RETURNING seq`,
		orderID, sqliteTime(e.Timestamp), e.ActorRef, e.ActorRole, e.Transition,
		e.FromState, e.ToState, note, nullString(cleared),
	).Scan(&e.Seq)
}

func (r *orderRepoSQLite) Commit(ctx context.Context, o *DiagnosticOrder, expectedVersion int, entries ...AuditEntry) (retErr error) {
	d, err := encodeOrderDocs(o)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.translate(o.ID, err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE diagnostic_order SET state = ?, urgency = ?, sample = ?, result = ?, approval = ?,
			barcode = ?, is_critical = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		o.State, o.Urgency, nullString(d.sample), nullString(d.result), nullString(d.approval),
		d.barcode, o.IsCritical, sqliteTime(o.UpdatedAt), o.ID, expectedVersion)
	if err != nil {
		return r.translate(o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM diagnostic_order WHERE id = ?`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
		}
		return fmt.Errorf("order %s at version %d: %w", o.ID, expectedVersion, ErrConcurrentModification)
	}
	for i := range entries {
		if err := insertAuditSQLite(ctx, tx, o.ID, &entries[i]); err != nil {
			return r.translate(o.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return r.translate(o.ID, err)
	}
	o.Version = expectedVersion + 1
	o.AuditTrail = append(o.AuditTrail, entries...)
	return nil
}

func (r *orderRepoSQLite) translate(id uuid.UUID, err error) error {
	if sqliteBusy(err) {
		return fmt.Errorf("order %s locked by another writer: %w", id, ErrConcurrentModification)
	}
	msg, ok := sqliteConstraint(err)
	switch {
	case ok && strings.Contains(msg, "diagnostic_order.barcode"):
		return fmt.Errorf("order %s: %w", id, ErrBarcodeConflict)
	case ok && strings.Contains(msg, "diagnostic_order_audit"):
		return fmt.Errorf("order %s audit: %w", id, ErrConcurrentModification)
	}
	return err
}

func (r *orderRepoSQLite) AppendAudit(ctx context.Context, orderID uuid.UUID, entry *AuditEntry) error {
	err := insertAuditSQLite(ctx, r.db, orderID, entry)
	if msg, ok := sqliteConstraint(err); ok && strings.Contains(msg, "FOREIGN KEY") {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return r.translate(orderID, err)
}

func (r *orderRepoSQLite) FindActiveByBarcode(ctx context.Context, barcode string) (*DiagnosticOrder, error) {
	o, err := scanOrderSQLite(r.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM diagnostic_order
		WHERE barcode = ? AND state NOT IN ('COMPLETED', 'CANCELLED')`, barcode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("barcode %s: %w", barcode, ErrNotFound)
	}
	return o, err
}

// List returns matching orders newest first, without their audit trails.
func (r *orderRepoSQLite) List(ctx context.Context, filter OrderFilter, limit, offset int) ([]*DiagnosticOrder, int, error) {
	limit, offset = clampPage(limit, offset)
	where, args := filterClause(filter, sqlitePlaceholder)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM diagnostic_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderCols+` FROM diagnostic_order`+where+
		` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DiagnosticOrder
	for rows.Next() {
		o, err := scanOrderSQLite(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

// =========== Escalation Repository ===========

type escalationRepoSQLite struct{ db *sql.DB }

func scanTicketSQLite(row rowScanner) (*EscalationTicket, error) {
	var t EscalationTicket
	var raised string
	var ackAt, ackBy sql.NullString
	if err := row.Scan(&t.ID, &t.OrderID, &t.PatientRef, &t.OrderingClinicianRef, &t.Urgency,
		&t.CriticalDetails, &raised, &ackAt, &ackBy); err != nil {
		return nil, err
	}
	var err error
	if t.RaisedAt, err = parseSQLiteTime(raised); err != nil {
		return nil, err
	}
	if ackAt.Valid {
		at, err := parseSQLiteTime(ackAt.String)
		if err != nil {
			return nil, err
		}
		t.AcknowledgedAt = &at
	}
	t.AcknowledgedBy = ackBy.String
	return &t, nil
}

func (r *escalationRepoSQLite) Create(ctx context.Context, t *EscalationTicket) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO escalation_ticket (id, order_id, patient_ref, ordering_clinician_ref, urgency,
			critical_details, raised_at)
		VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.OrderID, t.PatientRef, t.OrderingClinicianRef, t.Urgency, t.CriticalDetails, sqliteTime(t.RaisedAt))
	if msg, ok := sqliteConstraint(err); ok && strings.Contains(msg, "escalation_ticket.order_id") {
		return errOpenTicketExists
	}
	return err
}

func (r *escalationRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*EscalationTicket, error) {
	t, err := scanTicketSQLite(r.db.QueryRowContext(ctx, `SELECT `+ticketCols+` FROM escalation_ticket WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r *escalationRepoSQLite) OpenForOrder(ctx context.Context, orderID uuid.UUID) (*EscalationTicket, error) {
	t, err := scanTicketSQLite(r.db.QueryRowContext(ctx, `SELECT `+ticketCols+` FROM escalation_ticket
		WHERE order_id = ? AND acknowledged_at IS NULL`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open escalation for order %s: %w", orderID, ErrNotFound)
	}
	return t, err
}

func (r *escalationRepoSQLite) Acknowledge(ctx context.Context, id uuid.UUID, by string, at time.Time) (*EscalationTicket, error) {
	t, err := scanTicketSQLite(r.db.QueryRowContext(ctx, `
		UPDATE escalation_ticket SET acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND acknowledged_at IS NULL
		RETURNING `+ticketCols, sqliteTime(at), by, id))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := r.GetByID(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("escalation %s: %w", id, ErrAlreadyAcknowledged)
	}
	return t, err
}

func (r *escalationRepoSQLite) ListOpen(ctx context.Context, limit, offset int) ([]*EscalationTicket, int, error) {
	limit, offset = clampPage(limit, offset)
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escalation_ticket WHERE acknowledged_at IS NULL`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+ticketCols+` FROM escalation_ticket
		WHERE acknowledged_at IS NULL ORDER BY raised_at LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*EscalationTicket
	for rows.Next() {
		t, err := scanTicketSQLite(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}
