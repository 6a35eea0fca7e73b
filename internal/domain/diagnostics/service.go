package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/orderflow/internal/platform/hl7v2"
	"github.com/ehr/orderflow/internal/platform/telemetry"
)

// Service is the order state machine. Every lifecycle change goes through
// RequestTransition; the named operations below are thin wrappers over it.
type Service struct {
	orders  OrderRepository
	tickets EscalationRepository
	ledger  *sampleLedger
	esc     *escalator
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	hl7     hl7v2.Header

	listeners []CommitListener
}

// CommitListener is called after a transition or note has been stored. It
// runs on the request goroutine and must not block.
type CommitListener func(ctx context.Context, o *DiagnosticOrder, e AuditEntry)

func NewService(orders OrderRepository, tickets EscalationRepository, notifier Notifier) *Service {
	s := &Service{
		orders:  orders,
		tickets: tickets,
		ledger:  &sampleLedger{orders: orders},
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
		hl7:     DefaultHL7Header,
	}
	s.esc = &escalator{tickets: tickets, notifier: notifier, logger: &s.logger, timeout: defaultNotifyTimeout}
	return s
}

// SetLogger attaches a logger; the default discards everything.
func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "diagnostics").Logger()
}

// SetMetrics attaches Prometheus collectors. Nil disables recording.
func (s *Service) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
	s.esc.metrics = m
}

// SetNotifyTimeout bounds each escalation notification. Non-positive values
// are ignored.
func (s *Service) SetNotifyTimeout(d time.Duration) {
	if d > 0 {
		s.esc.timeout = d
	}
}

// OnCommit registers l for every committed audit entry.
func (s *Service) OnCommit(l CommitListener) {
	s.listeners = append(s.listeners, l)
}

func (s *Service) emit(ctx context.Context, o *DiagnosticOrder, e AuditEntry) {
	for _, l := range s.listeners {
		l(ctx, o, e)
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func checkActor(actor Actor) error {
	if strings.TrimSpace(actor.ID) == "" || actor.Role == "" {
		return fmt.Errorf("actor identity required: %w", ErrActorNotPermitted)
	}
	return nil
}

// -- Orders --

// PlaceOrderInput is what the ordering workflow supplies to open an order.
type PlaceOrderInput struct {
	Kind                 OrderKind       `json:"kind" validate:"required,oneof=LAB IMAGING"`
	PatientRef           string          `json:"patient_ref" validate:"required,max=128"`
	OrderingClinicianRef string          `json:"ordering_clinician_ref" validate:"max=128"`
	Urgency              Urgency         `json:"urgency" validate:"omitempty,oneof=ROUTINE URGENT EMERGENCY STAT"`
	Lab                  *LabDetails     `json:"lab"`
	Imaging              *ImagingDetails `json:"imaging"`
}

var orderingRoles = []Role{RoleClinician}

// PlaceOrder opens a new order in ORDERED. The ordering clinician defaults to
// the actor. No audit entry is written for creation.
func (s *Service) PlaceOrder(ctx context.Context, in *PlaceOrderInput, actor Actor) (*DiagnosticOrder, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if !roleAllowed(actor.Role, orderingRoles) {
		return nil, fmt.Errorf("role %s may not place orders: %w", actor.Role, ErrActorNotPermitted)
	}
	if in == nil {
		return nil, invalidPayload("order payload is required")
	}
	if strings.TrimSpace(in.PatientRef) == "" {
		return nil, invalidPayload("patient_ref is required")
	}
	o := &DiagnosticOrder{
		ID:                   uuid.New(),
		Kind:                 in.Kind,
		PatientRef:           strings.TrimSpace(in.PatientRef),
		OrderingClinicianRef: strings.TrimSpace(in.OrderingClinicianRef),
		State:                StateOrdered,
		Urgency:              in.Urgency,
		AuditTrail:           []AuditEntry{},
	}
	switch in.Kind {
	case KindLab:
		if in.Lab == nil || strings.TrimSpace(in.Lab.TestCode) == "" || in.Imaging != nil {
			return nil, invalidPayload("lab order requires lab details with a test code")
		}
		lab := *in.Lab
		o.Lab = &lab
	case KindImaging:
		if in.Imaging == nil || strings.TrimSpace(in.Imaging.Modality) == "" || in.Lab != nil {
			return nil, invalidPayload("imaging order requires imaging details with a modality")
		}
		im := *in.Imaging
		o.Imaging = &im
	default:
		return nil, invalidPayload("unknown order kind %q", in.Kind)
	}
	if o.Urgency == "" {
		o.Urgency = UrgencyRoutine
	}
	if !validUrgencies[o.Urgency] {
		return nil, invalidPayload("unknown urgency %q", o.Urgency)
	}
	if o.OrderingClinicianRef == "" {
		o.OrderingClinicianRef = actor.ID
	}
	now := s.now()
	o.CreatedAt, o.UpdatedAt = now, now
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.logger.Info().Str("order_id", o.ID.String()).Str("kind", string(o.Kind)).Msg("order placed")
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*DiagnosticOrder, error) {
	return s.orders.Load(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, filter OrderFilter, limit, offset int) ([]*DiagnosticOrder, int, error) {
	return s.orders.List(ctx, filter, limit, offset)
}

// AuditTrail returns the order's entries in sequence order.
func (s *Service) AuditTrail(ctx context.Context, id uuid.UUID) ([]AuditEntry, error) {
	o, err := s.orders.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.AuditTrail, nil
}

// -- State machine --

// RequestTransition applies t to the order on behalf of actor. Payload types
// per transition: *SampleInput (collect_sample), *ResultInput (submit_result),
// *DecisionInput (approve, reject), *CancelInput (cancel); begin_processing
// takes none. On failure the order is unchanged.
//
// Repeating the last applied transition with an identical payload from the
// same actor returns the current order without a new audit entry; repeating
// it with anything different is ErrStaleTransition.
func (s *Service) RequestTransition(ctx context.Context, orderID uuid.UUID, t Transition, actor Actor, payload interface{}) (*DiagnosticOrder, error) {
	o, err := s.requestTransition(ctx, orderID, t, actor, payload)
	s.observe(orderID, t, err)
	if errors.Is(err, errReplayed) {
		return o, nil
	}
	return o, err
}

func (s *Service) requestTransition(ctx context.Context, orderID uuid.UUID, t Transition, actor Actor, payload interface{}) (*DiagnosticOrder, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if _, ok := transitionAuthority[t]; !ok {
		return nil, fmt.Errorf("unknown transition %q: %w", t, ErrInvalidTransition)
	}
	o, err := s.orders.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	to, ok := Target(o.State, t)
	if !ok {
		if err := s.replay(o, t, actor, payload); err != nil {
			return nil, err
		}
		return o, errReplayed
	}
	if t == TransitionApprove || t == TransitionReject {
		if err := checkSecondPerson(o, actor); err != nil {
			return nil, err
		}
	}
	if !Permits(actor.Role, t) {
		return nil, fmt.Errorf("role %s may not %s: %w", actor.Role, t, ErrActorNotPermitted)
	}

	now := s.now()
	next := o.Clone()
	entry := AuditEntry{
		Timestamp:  now,
		ActorRef:   actor.ID,
		ActorRole:  actor.Role,
		Transition: t,
		FromState:  o.State,
		ToState:    to,
	}
	if err := s.apply(ctx, o, next, &entry, actor, payload, now); err != nil {
		return nil, err
	}
	next.State = to
	next.UpdatedAt = now

	if err := s.orders.Commit(ctx, next, o.Version, entry); err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("order_id", next.ID.String()).
		Str("transition", string(t)).
		Str("from", string(entry.FromState)).
		Str("to", string(entry.ToState)).
		Str("actor", actor.ID).
		Msg("transition committed")
	s.emit(ctx, next, next.AuditTrail[len(next.AuditTrail)-1])

	if t == TransitionSubmitResult && next.Result.Critical {
		if _, _, err := s.esc.raise(ctx, next, now); err != nil {
			// The transition is committed; an SLA job re-raises via Escalate.
			s.logger.Error().Err(err).Str("order_id", next.ID.String()).Msg("critical escalation failed")
		}
	}
	return next, nil
}

// errReplayed marks an idempotent repeat for metrics; callers see success.
var errReplayed = errors.New("transition replayed")

func (s *Service) observe(orderID uuid.UUID, t Transition, err error) {
	switch {
	case err == nil:
		s.metrics.Transition(string(t), telemetry.OutcomeOK)
	case errors.Is(err, errReplayed):
		s.metrics.Transition(string(t), telemetry.OutcomeReplay)
	case errors.Is(err, ErrConcurrentModification):
		s.metrics.Transition(string(t), telemetry.OutcomeConflict)
		s.metrics.StoreConflict()
		s.logger.Warn().Str("order_id", orderID.String()).Str("transition", string(t)).Msg("concurrent modification")
	case KindOf(err) != "":
		s.metrics.Transition(string(t), telemetry.OutcomeRejected)
	default:
		s.metrics.Transition(string(t), telemetry.OutcomeError)
	}
}

// replay decides whether a transition that is illegal from the current state
// is a repeat of the one that produced it.
func (s *Service) replay(o *DiagnosticOrder, t Transition, actor Actor, payload interface{}) error {
	last := o.LastTransition()
	target, _ := targetOf(t)
	if last == nil || last.Transition != t || o.State != target {
		return fmt.Errorf("%s from %s: %w", t, o.State, ErrInvalidTransition)
	}
	if last.ActorRef == actor.ID && s.samePayload(o, last, t, actor, payload) {
		return nil
	}
	return fmt.Errorf("%s already applied to order %s: %w", t, o.ID, ErrStaleTransition)
}

func (s *Service) samePayload(o *DiagnosticOrder, last *AuditEntry, t Transition, actor Actor, payload interface{}) bool {
	switch t {
	case TransitionCollectSample:
		in, _ := payload.(*SampleInput)
		return sampleMatches(o.Sample, in, actor)
	case TransitionBeginProcessing:
		return true
	case TransitionSubmitResult:
		in, _ := payload.(*ResultInput)
		return resultMatches(o.Result, in, actor)
	case TransitionApprove:
		in, _ := payload.(*DecisionInput)
		return approvalMatches(o.Approval, DecisionApproved, in, actor)
	case TransitionReject:
		in, _ := payload.(*DecisionInput)
		return approvalMatches(o.Approval, DecisionRejected, in, actor)
	case TransitionCancel:
		in, _ := payload.(*CancelInput)
		return in.reason() == last.Note
	}
	return false
}

// apply validates the payload through the owning component and mutates next.
func (s *Service) apply(ctx context.Context, o, next *DiagnosticOrder, entry *AuditEntry, actor Actor, payload interface{}, now time.Time) error {
	switch entry.Transition {
	case TransitionCollectSample:
		in, ok := payload.(*SampleInput)
		if !ok {
			return invalidPayload("collect_sample expects a sample payload")
		}
		rec, err := s.ledger.prepare(ctx, o, in, actor, now)
		if err != nil {
			return err
		}
		next.Sample = rec

	case TransitionBeginProcessing:

	case TransitionSubmitResult:
		in, ok := payload.(*ResultInput)
		if !ok {
			return invalidPayload("submit_result expects a result payload")
		}
		rec, err := buildResult(o, in, actor, now)
		if err != nil {
			return err
		}
		next.Result = rec
		next.Approval = nil
		if rec.Critical {
			next.IsCritical = true
		}

	case TransitionApprove, TransitionReject:
		in, _ := payload.(*DecisionInput)
		d := DecisionApproved
		if entry.Transition == TransitionReject {
			d = DecisionRejected
		}
		rec, err := buildApproval(o, d, in, actor, now)
		if err != nil {
			return err
		}
		next.Approval = rec
		if d == DecisionRejected {
			entry.Note = rec.Comments
			entry.ClearedResult = next.Result
			next.Result = nil
		}

	case TransitionCancel:
		in, ok := payload.(*CancelInput)
		if !ok && payload != nil {
			return invalidPayload("cancel expects a cancel payload")
		}
		entry.Note = in.reason()
	}
	return nil
}

// -- Sample Tracking Ledger --

func (s *Service) CollectSample(ctx context.Context, orderID uuid.UUID, in *SampleInput, actor Actor) (*SampleRecord, error) {
	o, err := s.RequestTransition(ctx, orderID, TransitionCollectSample, actor, in)
	if err != nil {
		return nil, err
	}
	return o.Sample, nil
}

// AppendCustody records a hand-off. It changes neither state nor audit trail
// but still commits under the version check.
func (s *Service) AppendCustody(ctx context.Context, orderID uuid.UUID, in *CustodyInput, actor Actor) (*SampleRecord, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	o, err := s.orders.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.State.Terminal() {
		return nil, fmt.Errorf("custody on %s order: %w", o.State, ErrInvalidTransition)
	}
	if o.Sample == nil {
		return nil, fmt.Errorf("order %s has no sample: %w", o.ID, ErrInvalidTransition)
	}
	now := s.now()
	next := o.Clone()
	if err := addCustody(next.Sample, in, actor, now); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	if err := s.orders.Commit(ctx, next, o.Version); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			s.metrics.StoreConflict()
		}
		return nil, err
	}
	return next.Sample, nil
}

func (s *Service) BeginProcessing(ctx context.Context, orderID uuid.UUID, actor Actor) (*DiagnosticOrder, error) {
	return s.RequestTransition(ctx, orderID, TransitionBeginProcessing, actor, nil)
}

// -- Result Submission Engine --

func (s *Service) SubmitResult(ctx context.Context, orderID uuid.UUID, in *ResultInput, actor Actor) (*ResultRecord, error) {
	o, err := s.RequestTransition(ctx, orderID, TransitionSubmitResult, actor, in)
	if err != nil {
		return nil, err
	}
	return o.Result, nil
}

// -- Approval Gate --

func (s *Service) Decide(ctx context.Context, orderID uuid.UUID, d Decision, actor Actor, comments string) (*ApprovalRecord, error) {
	t, err := decisionTransition(d)
	if err != nil {
		return nil, err
	}
	o, err := s.RequestTransition(ctx, orderID, t, actor, &DecisionInput{Comments: comments})
	if err != nil {
		return nil, err
	}
	return o.Approval, nil
}

func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, actor Actor, reason string) (*DiagnosticOrder, error) {
	return s.RequestTransition(ctx, orderID, TransitionCancel, actor, &CancelInput{Reason: reason})
}

// AddNote appends an informational audit entry. It is accepted in every
// state, terminal ones included.
func (s *Service) AddNote(ctx context.Context, orderID uuid.UUID, actor Actor, note string) (*AuditEntry, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, invalidPayload("note text is required")
	}
	o, err := s.orders.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	entry := &AuditEntry{
		Timestamp:  s.now(),
		ActorRef:   actor.ID,
		ActorRole:  actor.Role,
		Transition: TransitionNote,
		FromState:  o.State,
		ToState:    o.State,
		Note:       note,
	}
	if err := s.orders.AppendAudit(ctx, orderID, entry); err != nil {
		return nil, err
	}
	s.emit(ctx, o, *entry)
	return entry, nil
}

// -- Critical-Value Escalator --

// Escalate re-raises the critical escalation for an order. It returns the
// already open ticket when there is one, so repeated calls are harmless.
func (s *Service) Escalate(ctx context.Context, orderID uuid.UUID) (*EscalationTicket, error) {
	o, err := s.orders.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsCritical {
		return nil, invalidPayload("order %s has no critical result", o.ID)
	}
	t, _, err := s.esc.raise(ctx, o, s.now())
	return t, err
}

func (s *Service) Acknowledge(ctx context.Context, ticketID uuid.UUID, actor Actor) (*EscalationTicket, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if !roleAllowed(actor.Role, acknowledgeAuthority) {
		return nil, fmt.Errorf("role %s may not acknowledge escalations: %w", actor.Role, ErrActorNotPermitted)
	}
	t, err := s.tickets.Acknowledge(ctx, ticketID, actor.ID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("ticket_id", t.ID.String()).Str("actor", actor.ID).Msg("escalation acknowledged")
	return t, nil
}

func (s *Service) GetTicket(ctx context.Context, id uuid.UUID) (*EscalationTicket, error) {
	return s.tickets.GetByID(ctx, id)
}

func (s *Service) OpenTickets(ctx context.Context, limit, offset int) ([]*EscalationTicket, int, error) {
	return s.tickets.ListOpen(ctx, limit, offset)
}
