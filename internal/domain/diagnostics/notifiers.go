package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/orderflow/internal/platform/notification"
	"github.com/ehr/orderflow/internal/platform/telemetry"
)

// EventEscalationRaised is the type of the event published per ticket.
const EventEscalationRaised = "escalation.raised"

// Topics used on the live feed and webhooks.
const (
	TopicEscalations = "escalations"
	TopicOrders      = "orders"
)

// EscalationEvent is the broker wire form of a raised ticket.
type EscalationEvent struct {
	Type                 string    `json:"type"`
	TicketID             uuid.UUID `json:"ticket_id"`
	OrderID              uuid.UUID `json:"order_id"`
	PatientRef           string    `json:"patient_ref"`
	OrderingClinicianRef string    `json:"ordering_clinician_ref"`
	Urgency              Urgency   `json:"urgency"`
	CriticalDetails      string    `json:"critical_details"`
	RaisedAt             time.Time `json:"raised_at"`
}

func NewEscalationEvent(t *EscalationTicket) EscalationEvent {
	return EscalationEvent{
		Type:                 EventEscalationRaised,
		TicketID:             t.ID,
		OrderID:              t.OrderID,
		PatientRef:           t.PatientRef,
		OrderingClinicianRef: t.OrderingClinicianRef,
		Urgency:              t.Urgency,
		CriticalDetails:      t.CriticalDetails,
		RaisedAt:             t.RaisedAt,
	}
}

// Publisher is satisfied by the Redis and AMQP publishers, the websocket
// hub and the webhook manager.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// PublishNotifier emits an EscalationEvent on topic.
func PublishNotifier(p Publisher, topic string) Notifier {
	return NotifierFunc(func(ctx context.Context, t *EscalationTicket) error {
		body, err := json.Marshal(NewEscalationEvent(t))
		if err != nil {
			return fmt.Errorf("encode escalation event: %w", err)
		}
		return p.Publish(ctx, topic, body)
	})
}

// EmailNotifier mails the critical-result template to every recipient.
func EmailNotifier(m *notification.Manager, recipients []string) Notifier {
	return NotifierFunc(func(ctx context.Context, t *EscalationTicket) error {
		if len(recipients) == 0 {
			return errors.New("no escalation recipients configured")
		}
		data := map[string]string{
			"ticket_id":        t.ID.String(),
			"order_id":         t.OrderID.String(),
			"patient_ref":      t.PatientRef,
			"urgency":          string(t.Urgency),
			"critical_details": t.CriticalDetails,
			"raised_at":        t.RaisedAt.UTC().Format(time.RFC3339),
		}
		var errs []error
		for _, to := range recipients {
			if _, err := m.SendTemplate(ctx, notification.TemplateCriticalResult, to, data); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// LogNotifier only logs the ticket.
func LogNotifier(logger zerolog.Logger) Notifier {
	return NotifierFunc(func(_ context.Context, t *EscalationTicket) error {
		logger.Warn().
			Str("ticket_id", t.ID.String()).
			Str("order_id", t.OrderID.String()).
			Str("patient_ref", t.PatientRef).
			Str("clinician", t.OrderingClinicianRef).
			Str("urgency", string(t.Urgency)).
			Str("details", t.CriticalDetails).
			Msg("critical result escalation")
		return nil
	})
}

// MultiNotifier calls every notifier and joins their errors.
func MultiNotifier(ns ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, t *EscalationTicket) error {
		var errs []error
		for _, n := range ns {
			if err := n.Notify(ctx, t); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// InstrumentNotifier counts deliveries per transport.
func InstrumentNotifier(transport string, n Notifier, m *telemetry.Metrics) Notifier {
	return NotifierFunc(func(ctx context.Context, t *EscalationTicket) error {
		err := n.Notify(ctx, t)
		outcome := telemetry.OutcomeOK
		if err != nil {
			outcome = telemetry.OutcomeError
		}
		m.Notification(transport, outcome)
		return err
	})
}

// EventOrderTransition is the type of the event published per audit entry.
const EventOrderTransition = "order.transition"

// TransitionEvent is the wire form of a committed audit entry. Result and
// patient details are left out; subscribers fetch the order when they
// need more.
type TransitionEvent struct {
	Type       string     `json:"type"`
	OrderID    uuid.UUID  `json:"order_id"`
	Kind       OrderKind  `json:"kind"`
	Urgency    Urgency    `json:"urgency"`
	Seq        int        `json:"seq"`
	Transition Transition `json:"transition"`
	FromState  OrderState `json:"from_state"`
	ToState    OrderState `json:"to_state"`
	ActorRef   string     `json:"actor_ref"`
	IsCritical bool       `json:"is_critical"`
	At         time.Time  `json:"at"`
}

func NewTransitionEvent(o *DiagnosticOrder, e AuditEntry) TransitionEvent {
	return TransitionEvent{
		Type:       EventOrderTransition,
		OrderID:    o.ID,
		Kind:       o.Kind,
		Urgency:    o.Urgency,
		Seq:        e.Seq,
		Transition: e.Transition,
		FromState:  e.FromState,
		ToState:    e.ToState,
		ActorRef:   e.ActorRef,
		IsCritical: o.IsCritical,
		At:         e.Timestamp,
	}
}

// OrderTopic is the per-order topic a TransitionEvent is also published on.
func OrderTopic(id uuid.UUID) string { return "order:" + id.String() }

// PublishTransitions returns a CommitListener that publishes every entry on
// topic and on the order's own topic. Failures are logged.
func PublishTransitions(p Publisher, topic string, logger zerolog.Logger) CommitListener {
	return func(ctx context.Context, o *DiagnosticOrder, e AuditEntry) {
		body, err := json.Marshal(NewTransitionEvent(o, e))
		if err != nil {
			logger.Error().Err(err).Msg("encode transition event")
			return
		}
		for _, t := range []string{topic, OrderTopic(o.ID)} {
			if err := p.Publish(ctx, t, body); err != nil {
				logger.Warn().Err(err).Str("topic", t).Str("order_id", o.ID.String()).Msg("publish transition event")
			}
		}
	}
}
