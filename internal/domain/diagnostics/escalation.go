package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/orderflow/internal/platform/telemetry"
)

// Notifier hands an escalation ticket to whatever pages the responsible
// clinician. Delivery is best effort from the lifecycle's point of view.
type Notifier interface {
	Notify(ctx context.Context, t *EscalationTicket) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, t *EscalationTicket) error

func (f NotifierFunc) Notify(ctx context.Context, t *EscalationTicket) error { return f(ctx, t) }

const defaultNotifyTimeout = 10 * time.Second

type escalator struct {
	tickets  EscalationRepository
	notifier Notifier
	logger   *zerolog.Logger
	metrics  *telemetry.Metrics
	timeout  time.Duration
}

// raise returns the order's open ticket, creating and dispatching one when
// none exists. The bool reports whether a new ticket was created.
func (e *escalator) raise(ctx context.Context, o *DiagnosticOrder, now time.Time) (*EscalationTicket, bool, error) {
	existing, err := e.tickets.OpenForOrder(ctx, o.ID)
	if err == nil {
		e.deduped(existing, o)
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		e.metrics.Escalation(telemetry.OutcomeError)
		return nil, false, fmt.Errorf("lookup open escalation: %w", err)
	}

	t := &EscalationTicket{
		ID:                   uuid.New(),
		OrderID:              o.ID,
		PatientRef:           o.PatientRef,
		OrderingClinicianRef: o.OrderingClinicianRef,
		Urgency:              o.Urgency,
		CriticalDetails:      criticalDetailsOf(o),
		RaisedAt:             now,
	}
	if err := e.tickets.Create(ctx, t); err != nil {
		if errors.Is(err, errOpenTicketExists) {
			// Lost a race with a concurrent raise; theirs is the ticket.
			existing, err := e.tickets.OpenForOrder(ctx, o.ID)
			if err == nil {
				e.deduped(existing, o)
			}
			return existing, false, err
		}
		e.metrics.Escalation(telemetry.OutcomeError)
		return nil, false, fmt.Errorf("create escalation: %w", err)
	}
	e.metrics.Escalation(telemetry.OutcomeOK)
	e.dispatch(ctx, t)
	return t, true, nil
}

// deduped records a raise answered by the open ticket. A ticket raised for
// an earlier, since rejected, critical result keeps its original details;
// that is logged so the pager's text can be checked against the order.
func (e *escalator) deduped(open *EscalationTicket, o *DiagnosticOrder) {
	e.metrics.Escalation(telemetry.OutcomeDeduped)
	current := criticalDetailsOf(o)
	if current == "" || current == open.CriticalDetails {
		return
	}
	e.metrics.Escalation(telemetry.OutcomeStale)
	e.logger.Warn().
		Str("order_id", o.ID.String()).
		Str("ticket_id", open.ID.String()).
		Str("ticket_details", open.CriticalDetails).
		Str("current_details", current).
		Msg("open escalation carries details of an earlier result")
}

func (e *escalator) dispatch(ctx context.Context, t *EscalationTicket) {
	if e.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.notifier.Notify(nctx, t); err != nil {
		e.logger.Error().Err(err).
			Str("ticket_id", t.ID.String()).
			Str("order_id", t.OrderID.String()).
			Msg("escalation notification failed")
		return
	}
	e.logger.Info().
		Str("ticket_id", t.ID.String()).
		Str("order_id", t.OrderID.String()).
		Str("urgency", string(t.Urgency)).
		Msg("escalation raised")
}

// criticalDetailsOf returns the details of the current critical result, or of
// the most recently rejected critical result when the order was sent back.
func criticalDetailsOf(o *DiagnosticOrder) string {
	if o.Result != nil && o.Result.Critical {
		return o.Result.CriticalDetails
	}
	for i := len(o.AuditTrail) - 1; i >= 0; i-- {
		if r := o.AuditTrail[i].ClearedResult; r != nil && r.Critical {
			return r.CriticalDetails
		}
	}
	return ""
}
