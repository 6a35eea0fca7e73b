package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/orderflow/internal/platform/notification"
	"github.com/ehr/orderflow/internal/platform/telemetry"
)

type capturePublisher struct {
	topic string
	body  []byte
	err   error
}

func (p *capturePublisher) Publish(_ context.Context, topic string, body []byte) error {
	p.topic, p.body = topic, body
	return p.err
}

type captureMail struct {
	mu   sync.Mutex
	to   []string
	body []string
	fail map[string]bool
}

func (m *captureMail) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[to] {
		return errors.New("mailbox unavailable")
	}
	m.to = append(m.to, to)
	m.body = append(m.body, body)
	return nil
}

func sampleTicket() *EscalationTicket {
	return &EscalationTicket{
		ID:                   uuid.New(),
		OrderID:              uuid.New(),
		PatientRef:           "patient-1",
		OrderingClinicianRef: "drWho",
		Urgency:              UrgencyStat,
		CriticalDetails:      "K 6.9 mmol/L",
		RaisedAt:             time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestPublishNotifier(t *testing.T) {
	pub := &capturePublisher{}
	tk := sampleTicket()
	if err := PublishNotifier(pub, "orderflow.escalations").Notify(context.Background(), tk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.topic != "orderflow.escalations" {
		t.Errorf("unexpected topic %q", pub.topic)
	}
	var ev EscalationEvent
	if err := json.Unmarshal(pub.body, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventEscalationRaised || ev.TicketID != tk.ID || ev.CriticalDetails != tk.CriticalDetails {
		t.Errorf("unexpected event %+v", ev)
	}

	pub.err = errors.New("broker down")
	if err := PublishNotifier(pub, "x").Notify(context.Background(), tk); err == nil {
		t.Error("expected publish error to surface")
	}
}

func TestEmailNotifier(t *testing.T) {
	mail := &captureMail{fail: map[string]bool{"down@example.org": true}}
	mgr := notification.NewManager(mail, nil, time.Hour)
	tk := sampleTicket()

	err := EmailNotifier(mgr, []string{"oncall@example.org", "down@example.org"}).Notify(context.Background(), tk)
	if err == nil {
		t.Fatal("expected partial failure to be reported")
	}
	if len(mail.to) != 1 || mail.to[0] != "oncall@example.org" {
		t.Errorf("unexpected recipients %v", mail.to)
	}
	if !strings.Contains(mail.body[0], tk.OrderID.String()) || !strings.Contains(mail.body[0], "K 6.9 mmol/L") {
		t.Errorf("body missing ticket details: %q", mail.body[0])
	}

	if err := EmailNotifier(mgr, nil).Notify(context.Background(), tk); err == nil {
		t.Error("expected error without recipients")
	}
}

func TestMultiAndInstrumentedNotifier(t *testing.T) {
	m := telemetry.New()
	ok := InstrumentNotifier("log", LogNotifier(zerolog.Nop()), m)
	failing := InstrumentNotifier("redis", NotifierFunc(func(context.Context, *EscalationTicket) error {
		return errors.New("unreachable")
	}), m)

	err := MultiNotifier(ok, failing).Notify(context.Background(), sampleTicket())
	if err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if got := notificationCount(t, m.Registry(), "log", telemetry.OutcomeOK); got != 1 {
		t.Errorf("expected 1 ok log notification, got %v", got)
	}
	if got := notificationCount(t, m.Registry(), "redis", telemetry.OutcomeError); got != 1 {
		t.Errorf("expected 1 failed redis notification, got %v", got)
	}
}

func notificationCount(t *testing.T, reg *prometheus.Registry, transport, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "orderflow_notifications_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range metric.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["transport"] == transport && labels["outcome"] == outcome {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

type topicRecorder struct {
	topics []string
	bodies [][]byte
	fail   string
}

func (r *topicRecorder) Publish(_ context.Context, topic string, body []byte) error {
	if topic == r.fail {
		return errors.New("broker down")
	}
	r.topics = append(r.topics, topic)
	r.bodies = append(r.bodies, body)
	return nil
}

func TestPublishTransitions(t *testing.T) {
	o := &DiagnosticOrder{ID: uuid.New(), Kind: KindLab, Urgency: UrgencyUrgent, PatientRef: "patient-1", IsCritical: true}
	e := AuditEntry{
		Seq:        4,
		Timestamp:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		ActorRef:   "labTechA",
		Transition: TransitionSubmitResult,
		FromState:  StateInProgress,
		ToState:    StatePendingApproval,
	}

	rec := &topicRecorder{}
	PublishTransitions(rec, TopicOrders, zerolog.Nop())(context.Background(), o, e)

	if len(rec.topics) != 2 || rec.topics[0] != TopicOrders || rec.topics[1] != OrderTopic(o.ID) {
		t.Fatalf("unexpected topics %v", rec.topics)
	}
	var ev TransitionEvent
	if err := json.Unmarshal(rec.bodies[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventOrderTransition || ev.OrderID != o.ID || ev.Seq != 4 || !ev.IsCritical || ev.ToState != StatePendingApproval {
		t.Errorf("unexpected event %+v", ev)
	}
	if strings.Contains(string(rec.bodies[0]), "patient-1") {
		t.Error("transition events must not carry the patient reference")
	}

	// A failing topic does not stop the other one.
	rec = &topicRecorder{fail: TopicOrders}
	PublishTransitions(rec, TopicOrders, zerolog.Nop())(context.Background(), o, e)
	if len(rec.topics) != 1 || rec.topics[0] != OrderTopic(o.ID) {
		t.Errorf("expected per-order topic after failure, got %v", rec.topics)
	}
}
