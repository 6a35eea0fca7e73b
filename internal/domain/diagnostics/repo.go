package diagnostics

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// OrderRepository persists diagnostic orders with their embedded records and
// audit trail. Implementations must make Commit atomic: either the order row,
// its embedded records and every supplied audit entry are stored, or nothing is.
type OrderRepository interface {
	Create(ctx context.Context, o *DiagnosticOrder) error
	// Load returns the order with its full audit trail, ErrNotFound if absent.
	Load(ctx context.Context, id uuid.UUID) (*DiagnosticOrder, error)
	// Commit stores o if the persisted version still equals expectedVersion,
	// otherwise it fails with ErrConcurrentModification. On success o.Version
	// is advanced and the entries, with their assigned Seq, are appended to
	// o.AuditTrail. A barcode already bound to another active order fails
	// with ErrBarcodeConflict.
	Commit(ctx context.Context, o *DiagnosticOrder, expectedVersion int, entries ...AuditEntry) error
	// AppendAudit adds an informational entry without touching order state.
	AppendAudit(ctx context.Context, orderID uuid.UUID, entry *AuditEntry) error
	// FindActiveByBarcode returns the non-terminal order holding barcode, or
	// ErrNotFound.
	FindActiveByBarcode(ctx context.Context, barcode string) (*DiagnosticOrder, error)
	List(ctx context.Context, filter OrderFilter, limit, offset int) ([]*DiagnosticOrder, int, error)
}

// EscalationRepository persists critical-value escalation tickets. At most one
// unacknowledged ticket may exist per order; Create reports a second one with
// errOpenTicketExists.
type EscalationRepository interface {
	Create(ctx context.Context, t *EscalationTicket) error
	GetByID(ctx context.Context, id uuid.UUID) (*EscalationTicket, error)
	// OpenForOrder returns the unacknowledged ticket for the order, or ErrNotFound.
	OpenForOrder(ctx context.Context, orderID uuid.UUID) (*EscalationTicket, error)
	// Acknowledge marks the ticket acknowledged only if it is still open.
	// It returns ErrNotFound or ErrAlreadyAcknowledged when no row changed.
	Acknowledge(ctx context.Context, id uuid.UUID, by string, at time.Time) (*EscalationTicket, error)
	ListOpen(ctx context.Context, limit, offset int) ([]*EscalationTicket, int, error)
}

var errOpenTicketExists = errors.New("open escalation ticket already exists for order")
