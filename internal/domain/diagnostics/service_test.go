package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/orderflow/internal/platform/telemetry"
)

// -- Mock Repositories --

type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*DiagnosticOrder
	// commitHook runs before the version check, letting tests interleave writers.
	commitHook func()
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[uuid.UUID]*DiagnosticOrder)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *DiagnosticOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *mockOrderRepo) Load(_ context.Context, id uuid.UUID) (*DiagnosticOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

func (m *mockOrderRepo) Commit(_ context.Context, o *DiagnosticOrder, expectedVersion int, entries ...AuditEntry) error {
	if m.commitHook != nil {
		hook := m.commitHook
		m.commitHook = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConcurrentModification
	}
	if o.Sample != nil && !o.State.Terminal() {
		for id, other := range m.orders {
			if id != o.ID && other.Sample != nil && !other.State.Terminal() && other.Sample.Barcode == o.Sample.Barcode {
				return ErrBarcodeConflict
			}
		}
	}
	for i := range entries {
		entries[i].Seq = len(cur.AuditTrail) + i + 1
	}
	o.Version = expectedVersion + 1
	o.AuditTrail = append(append([]AuditEntry{}, cur.AuditTrail...), entries...)
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *mockOrderRepo) AppendAudit(_ context.Context, orderID uuid.UUID, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	entry.Seq = len(cur.AuditTrail) + 1
	cur.AuditTrail = append(cur.AuditTrail, *entry)
	return nil
}

func (m *mockOrderRepo) FindActiveByBarcode(_ context.Context, barcode string) (*DiagnosticOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Sample != nil && o.Sample.Barcode == barcode && !o.State.Terminal() {
			return o.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockOrderRepo) List(_ context.Context, f OrderFilter, limit, offset int) ([]*DiagnosticOrder, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*DiagnosticOrder
	for _, o := range m.orders {
		if (f.State == "" || o.State == f.State) && (f.Kind == "" || o.Kind == f.Kind) &&
			(f.PatientRef == "" || o.PatientRef == f.PatientRef) {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, len(result), nil
}

type mockEscalationRepo struct {
	mu        sync.Mutex
	tickets   map[uuid.UUID]*EscalationTicket
	createErr error
}

func newMockEscalationRepo() *mockEscalationRepo {
	return &mockEscalationRepo{tickets: make(map[uuid.UUID]*EscalationTicket)}
}

func (m *mockEscalationRepo) Create(_ context.Context, t *EscalationTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, existing := range m.tickets {
		if existing.OrderID == t.OrderID && existing.Open() {
			return errOpenTicketExists
		}
	}
	c := *t
	m.tickets[t.ID] = &c
	return nil
}

func (m *mockEscalationRepo) GetByID(_ context.Context, id uuid.UUID) (*EscalationTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *mockEscalationRepo) OpenForOrder(_ context.Context, orderID uuid.UUID) (*EscalationTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.OrderID == orderID && t.Open() {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockEscalationRepo) Acknowledge(_ context.Context, id uuid.UUID, by string, at time.Time) (*EscalationTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.Open() {
		return nil, ErrAlreadyAcknowledged
	}
	t.AcknowledgedAt = &at
	t.AcknowledgedBy = by
	c := *t
	return &c, nil
}

func (m *mockEscalationRepo) ListOpen(_ context.Context, limit, offset int) ([]*EscalationTicket, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*EscalationTicket
	for _, t := range m.tickets {
		if t.Open() {
			c := *t
			result = append(result, &c)
		}
	}
	return result, len(result), nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	tickets []*EscalationTicket
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, t *EscalationTicket) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tickets = append(n.tickets, t)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.tickets)
}

// -- Fixtures --

var (
	clinician   = Actor{ID: "drWho", Role: RoleClinician}
	nurseA      = Actor{ID: "nurseA", Role: RoleNurse}
	labTechA    = Actor{ID: "labTechA", Role: RoleLabTech}
	labTechB    = Actor{ID: "labTechB", Role: RoleLabTech}
	pathologist = Actor{ID: "pathologistA", Role: RolePathologist}
)

type testEnv struct {
	svc      *Service
	orders   *mockOrderRepo
	tickets  *mockEscalationRepo
	notifier *recordingNotifier
	clock    time.Time
}

func newTestEnv() *testEnv {
	env := &testEnv{
		orders:   newMockOrderRepo(),
		tickets:  newMockEscalationRepo(),
		notifier: &recordingNotifier{},
		clock:    time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	env.svc = NewService(env.orders, env.tickets, env.notifier)
	env.svc.SetClock(func() time.Time {
		env.clock = env.clock.Add(time.Minute)
		return env.clock
	})
	return env
}

func (env *testEnv) placeLab(t *testing.T) *DiagnosticOrder {
	t.Helper()
	o, err := env.svc.PlaceOrder(context.Background(), &PlaceOrderInput{
		Kind:       KindLab,
		PatientRef: "patient-1",
		Urgency:    UrgencyUrgent,
		Lab:        &LabDetails{TestCode: "K", TestName: "Potassium"},
	}, clinician)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return o
}

// toInProgress drives a fresh lab order to IN_PROGRESS.
func (env *testEnv) toInProgress(t *testing.T) *DiagnosticOrder {
	t.Helper()
	ctx := context.Background()
	o := env.placeLab(t)
	if _, err := env.svc.CollectSample(ctx, o.ID, &SampleInput{Condition: ConditionGood, Location: "ward-3"}, nurseA); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if _, err := env.svc.BeginProcessing(ctx, o.ID, labTechA); err != nil {
		t.Fatalf("begin: %v", err)
	}
	return o
}

func (env *testEnv) toPendingApproval(t *testing.T, in *ResultInput) *DiagnosticOrder {
	t.Helper()
	o := env.toInProgress(t)
	if _, err := env.svc.SubmitResult(context.Background(), o.ID, in, labTechA); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return o
}

func normalResult() *ResultInput {
	return &ResultInput{Findings: "K 4.1 mmol/L", Interpretation: "within reference range"}
}

func criticalResult() *ResultInput {
	return &ResultInput{
		Findings:        "K 6.9 mmol/L",
		Interpretation:  "severe hyperkalaemia",
		IsCritical:      true,
		CriticalDetails: "K 6.9 mmol/L, call ward immediately",
	}
}

func (env *testEnv) load(t *testing.T, id uuid.UUID) *DiagnosticOrder {
	t.Helper()
	o, err := env.svc.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return o
}

// -- PlaceOrder --

func TestPlaceOrder(t *testing.T) {
	env := newTestEnv()
	o := env.placeLab(t)
	if o.State != StateOrdered {
		t.Errorf("expected ORDERED, got %s", o.State)
	}
	if o.OrderingClinicianRef != clinician.ID {
		t.Errorf("expected ordering clinician to default to actor, got %q", o.OrderingClinicianRef)
	}
	if len(o.AuditTrail) != 0 {
		t.Errorf("expected empty audit trail, got %d", len(o.AuditTrail))
	}
	if o.Details().Kind() != KindLab {
		t.Errorf("expected lab details, got %v", o.Details())
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	cases := map[string]*PlaceOrderInput{
		"missing patient":   {Kind: KindLab, Lab: &LabDetails{TestCode: "K"}},
		"kind mismatch":     {Kind: KindLab, PatientRef: "p", Imaging: &ImagingDetails{Modality: "CT"}},
		"unknown kind":      {Kind: "ECG", PatientRef: "p"},
		"bad urgency":       {Kind: KindImaging, PatientRef: "p", Urgency: "SOON", Imaging: &ImagingDetails{Modality: "CT"}},
		"imaging no detail": {Kind: KindImaging, PatientRef: "p"},
	}
	for name, in := range cases {
		if _, err := env.svc.PlaceOrder(ctx, in, clinician); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("%s: expected ErrInvalidPayload, got %v", name, err)
		}
	}
	if _, err := env.svc.PlaceOrder(ctx, &PlaceOrderInput{Kind: KindLab, PatientRef: "p", Lab: &LabDetails{TestCode: "K"}}, labTechA); !errors.Is(err, ErrActorNotPermitted) {
		t.Errorf("expected ErrActorNotPermitted for lab tech, got %v", err)
	}
}

// -- Transition legality --

func TestRequestTransition_IllegalFromEveryState(t *testing.T) {
	all := []Transition{TransitionCollectSample, TransitionBeginProcessing, TransitionSubmitResult,
		TransitionApprove, TransitionReject, TransitionCancel}
	for state, edges := range orderTransitions {
		for _, tr := range all {
			if _, legal := edges[tr]; legal {
				continue
			}
			if err := ValidateTransition(state, tr); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s from %s: expected ErrInvalidTransition, got %v", tr, state, err)
			}
		}
	}
}

func TestRequestTransition_InvalidLeavesOrderUnchanged(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.placeLab(t)

	_, err := env.svc.SubmitResult(ctx, o.ID, normalResult(), labTechA)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	after := env.load(t, o.ID)
	if after.State != StateOrdered || after.Version != o.Version || len(after.AuditTrail) != 0 || after.Result != nil {
		t.Errorf("order changed after rejected transition: %+v", after)
	}
}

func TestRequestTransition_SubmitFromSampleCollectedRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.placeLab(t)
	if _, err := env.svc.CollectSample(ctx, o.ID, &SampleInput{Condition: ConditionGood}, nurseA); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if _, err := env.svc.SubmitResult(ctx, o.ID, normalResult(), labTechA); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected IN_PROGRESS to be mandatory, got %v", err)
	}
}

func TestRequestTransition_UnknownTransition(t *testing.T) {
	env := newTestEnv()
	o := env.placeLab(t)
	if _, err := env.svc.RequestTransition(context.Background(), o.ID, "teleport", nurseA, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRequestTransition_RoleGate(t *testing.T) {
	env := newTestEnv()
	o := env.placeLab(t)
	phleb := Actor{ID: "ph1", Role: RolePhlebotomist}
	if _, err := env.svc.CollectSample(context.Background(), o.ID, &SampleInput{Condition: ConditionGood}, phleb); err != nil {
		t.Fatalf("phlebotomist should collect: %v", err)
	}
	if _, err := env.svc.BeginProcessing(context.Background(), o.ID, phleb); !errors.Is(err, ErrActorNotPermitted) {
		t.Errorf("expected ErrActorNotPermitted, got %v", err)
	}
	admin := Actor{ID: "root", Role: RoleAdmin}
	if _, err := env.svc.BeginProcessing(context.Background(), o.ID, admin); err != nil {
		t.Errorf("admin should pass role gate: %v", err)
	}
}

func TestRequestTransition_MissingActor(t *testing.T) {
	env := newTestEnv()
	o := env.placeLab(t)
	if _, err := env.svc.BeginProcessing(context.Background(), o.ID, Actor{}); !errors.Is(err, ErrActorNotPermitted) {
		t.Errorf("expected ErrActorNotPermitted, got %v", err)
	}
}

func TestRequestTransition_NotFound(t *testing.T) {
	env := newTestEnv()
	if _, err := env.svc.BeginProcessing(context.Background(), uuid.New(), labTechA); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// -- Sample ledger --

func TestCollectSample_DerivesBarcodeAndCustody(t *testing.T) {
	env := newTestEnv()
	o := env.placeLab(t)
	s, err := env.svc.CollectSample(context.Background(), o.ID, &SampleInput{Condition: ConditionGood, Location: "ward-3"}, nurseA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Barcode == "" || s.Barcode[:3] != "LB-" {
		t.Errorf("expected derived LB- barcode, got %q", s.Barcode)
	}
	if len(s.CustodyLog) != 1 || s.CustodyLog[0].Actor != nurseA.ID || s.CustodyLog[0].Note != "collected" {
		t.Errorf("unexpected custody log: %+v", s.CustodyLog)
	}
	after := env.load(t, o.ID)
	if after.State != StateSampleCollected || len(after.AuditTrail) != 1 {
		t.Errorf("expected SAMPLE_COLLECTED with 1 audit entry, got %s/%d", after.State, len(after.AuditTrail))
	}
}

func TestCollectSample_RejectedCondition(t *testing.T) {
	env := newTestEnv()
	o := env.placeLab(t)
	_, err := env.svc.CollectSample(context.Background(), o.ID, &SampleInput{Condition: ConditionRejected}, nurseA)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestCollectSample_BarcodeConflict(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := env.placeLab(t)
	b := env.placeLab(t)
	if _, err := env.svc.CollectSample(ctx, a.ID, &SampleInput{Barcode: "BC-1", Condition: ConditionGood}, nurseA); err != nil {
		t.Fatalf("collect a: %v", err)
	}
	if _, err := env.svc.CollectSample(ctx, b.ID, &SampleInput{Barcode: "BC-1", Condition: ConditionGood}, nurseA); !errors.Is(err, ErrBarcodeConflict) {
		t.Fatalf("expected ErrBarcodeConflict, got %v", err)
	}

	// Once the holder is terminal the barcode may be reused.
	if _, err := env.svc.Cancel(ctx, a.ID, clinician, "duplicate order"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.svc.CollectSample(ctx, b.ID, &SampleInput{Barcode: "BC-1", Condition: ConditionGood}, nurseA); err != nil {
		t.Errorf("expected reuse after cancellation, got %v", err)
	}
}

func TestCollectSample_IdempotentReplay(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.placeLab(t)
	in := &SampleInput{Barcode: "BC-9", Condition: ConditionGood, Location: "ward-3"}

	first, err := env.svc.CollectSample(ctx, o.ID, in, nurseA)
	if err != nil {
		t.Fatalf("first collect: %v", err)
	}
	second, err := env.svc.CollectSample(ctx, o.ID, in, nurseA)
	if err != nil {
		t.Fatalf("replay should succeed, got %v", err)
	}
	if second.Barcode != first.Barcode {
		t.Errorf("replay returned a different sample: %q vs %q", second.Barcode, first.Barcode)
	}
	after := env.load(t, o.ID)
	if len(after.AuditTrail) != 1 {
		t.Errorf("expected 1 audit entry after replay, got %d", len(after.AuditTrail))
	}

	_, err = env.svc.CollectSample(ctx, o.ID, &SampleInput{Barcode: "BC-9", Condition: ConditionPoor, Location: "ward-3"}, nurseA)
	if !errors.Is(err, ErrStaleTransition) {
		t.Errorf("expected ErrStaleTransition for different payload, got %v", err)
	}
}

func TestReplay_OnlyForLastTransition(t *testing.T) {
	env := newTestEnv()
	o := env.toInProgress(t)
	_, err := env.svc.CollectSample(context.Background(), o.ID, &SampleInput{Condition: ConditionGood, Location: "ward-3"}, nurseA)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition once order moved on, got %v", err)
	}
}

func TestAppendCustody(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.placeLab(t)

	if _, err := env.svc.AppendCustody(ctx, o.ID, &CustodyInput{Note: "courier"}, nurseA); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition without a sample, got %v", err)
	}
	if _, err := env.svc.CollectSample(ctx, o.ID, &SampleInput{Condition: ConditionGood}, nurseA); err != nil {
		t.Fatalf("collect: %v", err)
	}
	s, err := env.svc.AppendCustody(ctx, o.ID, &CustodyInput{Note: "handed to courier", Location: "lab-reception"}, nurseA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.CustodyLog) != 2 || s.Location != "lab-reception" {
		t.Errorf("unexpected sample after custody: %+v", s)
	}
	after := env.load(t, o.ID)
	if after.State != StateSampleCollected || len(after.AuditTrail) != 1 {
		t.Errorf("custody must not change state or audit: %s/%d", after.State, len(after.AuditTrail))
	}
	if _, err := env.svc.AppendCustody(ctx, o.ID, &CustodyInput{}, nurseA); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for empty note, got %v", err)
	}
}

func TestDeriveBarcode_Deterministic(t *testing.T) {
	o := &DiagnosticOrder{ID: uuid.MustParse("3f2504e0-4f89-11d3-9a0c-0305e82c3301"), Kind: KindImaging}
	at := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	a := DeriveBarcode(o, at)
	b := DeriveBarcode(o, at)
	if a != b {
		t.Errorf("expected deterministic barcode, got %q and %q", a, b)
	}
	if a[:20] != "IM-3F2504E0-20240301" {
		t.Errorf("unexpected barcode layout %q", a)
	}
	if DeriveBarcode(o, at.Add(time.Second)) == a {
		t.Error("expected a different barcode for a different collection time")
	}
}

// -- Result engine --

func TestSubmitResult_CriticalRequiresDetails(t *testing.T) {
	env := newTestEnv()
	o := env.toInProgress(t)
	in := criticalResult()
	in.CriticalDetails = "  "
	in.Findings = ""

	_, err := env.svc.SubmitResult(context.Background(), o.ID, in, labTechA)
	if !errors.Is(err, ErrIncompleteCriticalReport) {
		t.Fatalf("expected ErrIncompleteCriticalReport regardless of other fields, got %v", err)
	}
	after := env.load(t, o.ID)
	if after.State != StateInProgress || after.Result != nil {
		t.Errorf("order changed after rejected submission: %s", after.State)
	}
	if env.notifier.count() != 0 {
		t.Error("no escalation expected")
	}
}

func TestSubmitResult_Validation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.toInProgress(t)
	cases := map[string]*ResultInput{
		"missing findings":       {Interpretation: "x"},
		"missing interpretation": {Findings: "x"},
		"details without flag":   {Findings: "x", Interpretation: "y", CriticalDetails: "z"},
		"imaging on lab":         {Findings: "x", Interpretation: "y", Imaging: &ImagingFindings{StudyUID: "1.2"}},
	}
	for name, in := range cases {
		if _, err := env.svc.SubmitResult(ctx, o.ID, in, labTechA); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("%s: expected ErrInvalidPayload, got %v", name, err)
		}
	}
}

func TestSubmitResult_DefaultsPerformerAndVerifier(t *testing.T) {
	env := newTestEnv()
	o := env.toInProgress(t)
	r, err := env.svc.SubmitResult(context.Background(), o.ID, normalResult(), labTechA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.PerformedBy != labTechA.ID || r.VerifiedBy != labTechA.ID {
		t.Errorf("expected performer and verifier %s, got %s/%s", labTechA.ID, r.PerformedBy, r.VerifiedBy)
	}
}

// -- Approval gate --

func TestDecide_TwoPersonRule(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	in := normalResult()
	in.VerifiedBy = labTechB.ID
	o := env.toPendingApproval(t, in)

	for _, a := range []Actor{labTechA, labTechB} {
		if _, err := env.svc.Decide(ctx, o.ID, DecisionApproved, a, ""); !errors.Is(err, ErrSelfApprovalForbidden) {
			t.Errorf("%s: expected ErrSelfApprovalForbidden, got %v", a.ID, err)
		}
	}
	after := env.load(t, o.ID)
	if after.State != StatePendingApproval {
		t.Errorf("expected PENDING_APPROVAL, got %s", after.State)
	}
}

func TestDecide_TwoPersonRuleBeforeRoleGate(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	radiographer := Actor{ID: "radA", Role: RoleRadiographer}
	o := env.toInProgress(t)
	if _, err := env.svc.SubmitResult(ctx, o.ID, normalResult(), radiographer); err != nil {
		t.Fatalf("submit: %v", err)
	}

	for _, d := range []Decision{DecisionApproved, DecisionRejected} {
		if _, err := env.svc.Decide(ctx, o.ID, d, radiographer, "looks wrong"); !errors.Is(err, ErrSelfApprovalForbidden) {
			t.Errorf("%s: expected ErrSelfApprovalForbidden, got %v", d, err)
		}
	}
	other := Actor{ID: "radB", Role: RoleRadiographer}
	if _, err := env.svc.Decide(ctx, o.ID, DecisionApproved, other, ""); !errors.Is(err, ErrActorNotPermitted) {
		t.Errorf("expected ErrActorNotPermitted for a second radiographer, got %v", err)
	}
}

func TestDecide_SubmitterCannotApprove(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.toInProgress(t)
	in := normalResult()
	in.PerformedBy = "someoneElse"
	in.VerifiedBy = "anotherOne"
	if _, err := env.svc.SubmitResult(ctx, o.ID, in, pathologist); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := env.svc.Decide(ctx, o.ID, DecisionApproved, pathologist, ""); !errors.Is(err, ErrSelfApprovalForbidden) {
		t.Fatalf("expected ErrSelfApprovalForbidden, got %v", err)
	}
	if got := env.load(t, o.ID); got.State != StatePendingApproval || got.Approval != nil {
		t.Errorf("expected order untouched, got %s approval=%+v", got.State, got.Approval)
	}
	if _, err := env.svc.Decide(ctx, o.ID, DecisionApproved, labTechB, ""); err != nil {
		t.Errorf("expected an uninvolved actor to approve, got %v", err)
	}
}

func TestDecide_RejectRequiresComments(t *testing.T) {
	env := newTestEnv()
	o := env.toPendingApproval(t, normalResult())
	if _, err := env.svc.Decide(context.Background(), o.ID, DecisionRejected, pathologist, " "); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDecide_RejectionLoop(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.toPendingApproval(t, normalResult())
	before := env.load(t, o.ID)

	rec, err := env.svc.Decide(ctx, o.ID, DecisionRejected, pathologist, "haemolysed, please rerun")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Decision != DecisionRejected || rec.DecidedBy != pathologist.ID {
		t.Errorf("unexpected approval record %+v", rec)
	}
	after := env.load(t, o.ID)
	if after.State != StateInProgress {
		t.Errorf("expected IN_PROGRESS, got %s", after.State)
	}
	if after.Result != nil {
		t.Error("expected result cleared on rejection")
	}
	if len(after.AuditTrail) != len(before.AuditTrail)+1 {
		t.Errorf("expected exactly one new audit entry, got %d -> %d", len(before.AuditTrail), len(after.AuditTrail))
	}
	last := after.AuditTrail[len(after.AuditTrail)-1]
	if last.ClearedResult == nil || last.ClearedResult.Findings != normalResult().Findings {
		t.Errorf("expected rejected result retained in audit entry, got %+v", last.ClearedResult)
	}

	// Resubmission clears the prior decision.
	if _, err := env.svc.SubmitResult(ctx, o.ID, normalResult(), labTechA); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if env.load(t, o.ID).Approval != nil {
		t.Error("expected approval cleared by new submission")
	}
}

func TestDecide_ApproveCompletes(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.toPendingApproval(t, normalResult())
	if _, err := env.svc.Decide(ctx, o.ID, DecisionApproved, pathologist, "ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := env.load(t, o.ID)
	if after.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", after.State)
	}
	// Replay from the same approver is a no-op.
	if _, err := env.svc.Decide(ctx, o.ID, DecisionApproved, pathologist, "ok"); err != nil {
		t.Errorf("expected idempotent approve, got %v", err)
	}
	if _, err := env.svc.Decide(ctx, o.ID, DecisionApproved, Actor{ID: "other", Role: RolePathologist}, "ok"); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("expected ErrStaleTransition for different approver, got %v", err)
	}
	if len(env.load(t, o.ID).AuditTrail) != len(after.AuditTrail) {
		t.Error("replays must not append audit entries")
	}
	if _, err := env.svc.Cancel(ctx, o.ID, clinician, "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected terminal order to refuse cancel, got %v", err)
	}
}

func TestDecide_UnknownDecision(t *testing.T) {
	env := newTestEnv()
	o := env.toPendingApproval(t, normalResult())
	if _, err := env.svc.Decide(context.Background(), o.ID, "MAYBE", pathologist, ""); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

// -- Cancel and notes --

func TestCancel(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.placeLab(t)
	got, err := env.svc.Cancel(ctx, o.ID, clinician, "patient discharged")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != StateCancelled {
		t.Errorf("expected CANCELLED, got %s", got.State)
	}
	if got.AuditTrail[0].Note != "patient discharged" {
		t.Errorf("expected reason in audit note, got %q", got.AuditTrail[0].Note)
	}
}

func TestCancel_ReasonOptional(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	o := env.placeLab(t)
	got, err := env.svc.RequestTransition(ctx, o.ID, TransitionCancel, clinician, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != StateCancelled || got.AuditTrail[0].Note != "" {
		t.Errorf("expected CANCELLED with empty note, got %s %q", got.State, got.AuditTrail[0].Note)
	}
	// A repeat without a reason is a replay.
	if _, err := env.svc.Cancel(ctx, o.ID, clinician, " "); err != nil {
		t.Errorf("expected replay, got %v", err)
	}
	if n := len(env.load(t, o.ID).AuditTrail); n != 1 {
		t.Errorf("expected one audit entry, got %d", n)
	}

	o = env.toInProgress(t)
	if _, err := env.svc.RequestTransition(ctx, o.ID, TransitionCancel, labTechA, (*CancelInput)(nil)); err != nil {
		t.Errorf("expected typed nil payload to cancel, got %v", err)
	}
	o = env.placeLab(t)
	if _, err := env.svc.RequestTransition(ctx, o.ID, TransitionCancel, clinician, &SampleInput{}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for a foreign payload, got %v", err)
	}
}

func TestAddNote_TerminalOrder(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.placeLab(t)
	if _, err := env.svc.Cancel(ctx, o.ID, clinician, "entered in error"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	e, err := env.svc.AddNote(ctx, o.ID, nurseA, "family informed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Transition != TransitionNote || e.FromState != StateCancelled || e.ToState != StateCancelled || e.Seq != 2 {
		t.Errorf("unexpected note entry %+v", e)
	}
	// Notes do not disturb replay detection.
	if _, err := env.svc.Cancel(ctx, o.ID, clinician, "entered in error"); err != nil {
		t.Errorf("expected cancel replay to succeed after a note, got %v", err)
	}
}

func TestOnCommit_SeesTransitionsAndNotes(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []AuditEntry
	env.svc.OnCommit(func(_ context.Context, o *DiagnosticOrder, e AuditEntry) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
	})

	o := env.toInProgress(t)
	if _, err := env.svc.AddNote(ctx, o.ID, labTechA, "centrifuged twice"); err != nil {
		t.Fatalf("note: %v", err)
	}
	// Rejected requests are not reported.
	if _, err := env.svc.BeginProcessing(ctx, o.ID, labTechB); err == nil {
		t.Fatal("expected second begin_processing to fail")
	}

	want := []Transition{TransitionCollectSample, TransitionBeginProcessing, TransitionNote}
	if len(seen) != len(want) {
		t.Fatalf("expected %d commits, got %d", len(want), len(seen))
	}
	for i, tr := range want {
		if seen[i].Transition != tr || seen[i].Seq != i+1 {
			t.Errorf("entry %d: got %s seq %d", i, seen[i].Transition, seen[i].Seq)
		}
	}
}

// -- Concurrency --

func TestCommit_ConcurrentModification(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.placeLab(t)

	env.orders.commitHook = func() {
		if _, err := env.svc.Cancel(ctx, o.ID, clinician, "race"); err != nil {
			t.Errorf("interleaved cancel: %v", err)
		}
	}
	_, err := env.svc.CollectSample(ctx, o.ID, &SampleInput{Condition: ConditionGood}, nurseA)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if !Retryable(err) {
		t.Error("expected conflict to be retryable")
	}
	after := env.load(t, o.ID)
	if after.State != StateCancelled || after.Sample != nil {
		t.Errorf("losing writer must not apply: %s", after.State)
	}
}

// -- Escalation --

func TestSubmitResult_CriticalEscalatesOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.toPendingApproval(t, criticalResult())

	after := env.load(t, o.ID)
	if !after.IsCritical {
		t.Fatal("expected order flagged critical")
	}
	if env.notifier.count() != 1 {
		t.Fatalf("expected 1 notification, got %d", env.notifier.count())
	}
	tk := env.notifier.tickets[0]
	if tk.CriticalDetails != criticalResult().CriticalDetails || tk.Urgency != UrgencyUrgent || tk.PatientRef != "patient-1" {
		t.Errorf("unexpected ticket %+v", tk)
	}

	// Reject and resubmit the critical result: still one open ticket.
	if _, err := env.svc.Decide(ctx, o.ID, DecisionRejected, pathologist, "confirm on repeat sample"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.svc.SubmitResult(ctx, o.ID, criticalResult(), labTechA); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	again, err := env.svc.Escalate(ctx, o.ID)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if again.ID != tk.ID {
		t.Errorf("expected existing ticket %s, got %s", tk.ID, again.ID)
	}
	open, total, _ := env.svc.OpenTickets(ctx, 10, 0)
	if total != 1 || len(open) != 1 {
		t.Errorf("expected a single open ticket, got %d", total)
	}
	if env.notifier.count() != 1 {
		t.Errorf("expected no further notifications, got %d", env.notifier.count())
	}
}

func TestEscalate_OpenTicketWithEarlierDetails(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	var logs bytes.Buffer
	env.svc.SetLogger(zerolog.New(&logs))
	metrics := telemetry.New()
	env.svc.SetMetrics(metrics)

	o := env.toPendingApproval(t, criticalResult())
	if _, err := env.svc.Decide(ctx, o.ID, DecisionRejected, pathologist, "recheck"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	in := criticalResult()
	in.CriticalDetails = "K 7.2 mmol/L on repeat"
	if _, err := env.svc.SubmitResult(ctx, o.ID, in, labTechA); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	open, total, _ := env.svc.OpenTickets(ctx, 10, 0)
	if total != 1 || open[0].CriticalDetails != criticalResult().CriticalDetails {
		t.Fatalf("expected the first ticket to stay open, got %d %+v", total, open)
	}
	if !strings.Contains(logs.String(), "earlier result") || !strings.Contains(logs.String(), "K 7.2 mmol/L on repeat") {
		t.Errorf("expected a warning naming both details, got %s", logs.String())
	}
	if n := escalationCount(t, metrics, telemetry.OutcomeStale); n != 1 {
		t.Errorf("expected 1 stale escalation, got %v", n)
	}

	// Every later raise against the stale ticket is counted again.
	logs.Reset()
	if _, err := env.svc.Escalate(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if n := escalationCount(t, metrics, telemetry.OutcomeStale); n != 2 {
		t.Errorf("expected 2 stale escalations, got %v", n)
	}
}

func escalationCount(t *testing.T, m *telemetry.Metrics, outcome string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != "orderflow_escalations_total" {
			continue
		}
		for _, mt := range f.GetMetric() {
			for _, l := range mt.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return mt.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCriticalFlagIsSticky(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.toPendingApproval(t, criticalResult())
	if _, err := env.svc.Decide(ctx, o.ID, DecisionRejected, pathologist, "recheck"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.svc.SubmitResult(ctx, o.ID, normalResult(), labTechA); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !env.load(t, o.ID).IsCritical {
		t.Error("critical flag must not reset")
	}
}

func TestEscalation_NotifierFailureDoesNotFailTransition(t *testing.T) {
	env := newTestEnv()
	env.notifier.err = errors.New("pager offline")
	o := env.toInProgress(t)
	if _, err := env.svc.SubmitResult(context.Background(), o.ID, criticalResult(), labTechA); err != nil {
		t.Fatalf("expected submission to succeed, got %v", err)
	}
	if _, err := env.tickets.OpenForOrder(context.Background(), o.ID); err != nil {
		t.Errorf("expected ticket persisted despite notifier failure: %v", err)
	}
}

func TestEscalation_StoreFailureDoesNotFailTransition(t *testing.T) {
	env := newTestEnv()
	env.tickets.createErr = errors.New("disk full")
	o := env.toInProgress(t)
	if _, err := env.svc.SubmitResult(context.Background(), o.ID, criticalResult(), labTechA); err != nil {
		t.Fatalf("expected committed submission to succeed, got %v", err)
	}
	if env.load(t, o.ID).State != StatePendingApproval {
		t.Error("expected transition committed")
	}
	env.tickets.createErr = nil
	tk, err := env.svc.Escalate(context.Background(), o.ID)
	if err != nil || tk == nil {
		t.Fatalf("expected re-raise to succeed, got %v", err)
	}
}

func TestEscalate_NonCritical(t *testing.T) {
	env := newTestEnv()
	o := env.placeLab(t)
	if _, err := env.svc.Escalate(context.Background(), o.ID); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestAcknowledge(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.toPendingApproval(t, criticalResult())
	tk, err := env.tickets.OpenForOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("open ticket: %v", err)
	}

	if _, err := env.svc.Acknowledge(ctx, tk.ID, labTechA); !errors.Is(err, ErrActorNotPermitted) {
		t.Errorf("expected ErrActorNotPermitted for lab tech, got %v", err)
	}
	acked, err := env.svc.Acknowledge(ctx, tk.ID, clinician)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acked.AcknowledgedBy != clinician.ID || acked.AcknowledgedAt == nil {
		t.Errorf("unexpected ticket %+v", acked)
	}
	if _, err := env.svc.Acknowledge(ctx, tk.ID, clinician); !errors.Is(err, ErrAlreadyAcknowledged) {
		t.Errorf("expected ErrAlreadyAcknowledged, got %v", err)
	}
	if _, err := env.svc.Acknowledge(ctx, uuid.New(), clinician); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// After acknowledgement a fresh escalation opens a new ticket.
	next, err := env.svc.Escalate(ctx, o.ID)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if next.ID == tk.ID {
		t.Error("expected a new ticket after acknowledgement")
	}
}

// -- End to end --

func TestLifecycle_EndToEnd(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.placeLab(t)

	if _, err := env.svc.CollectSample(ctx, o.ID, &SampleInput{Barcode: "B1", Condition: ConditionGood}, nurseA); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if _, err := env.svc.BeginProcessing(ctx, o.ID, labTechA); err != nil {
		t.Fatalf("begin: %v", err)
	}
	in := &ResultInput{Findings: "K 6.9", Interpretation: "hyperkalaemia", IsCritical: true, CriticalDetails: "K 6.9"}
	if _, err := env.svc.SubmitResult(ctx, o.ID, in, labTechA); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if env.notifier.count() != 1 {
		t.Fatalf("expected escalation on critical submit, got %d", env.notifier.count())
	}
	if _, err := env.svc.Decide(ctx, o.ID, DecisionRejected, pathologist, "confirm"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	in.Findings = "K 6.8"
	in.CriticalDetails = "K 6.8"
	if _, err := env.svc.SubmitResult(ctx, o.ID, in, labTechA); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if env.notifier.count() != 1 {
		t.Fatalf("expected open ticket to dedup, got %d notifications", env.notifier.count())
	}
	if _, err := env.svc.Decide(ctx, o.ID, DecisionApproved, pathologist, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	final := env.load(t, o.ID)
	if final.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.State)
	}
	if !final.IsCritical {
		t.Error("expected critical flag")
	}
	if len(final.AuditTrail) != 6 {
		t.Fatalf("expected 6 audit entries, got %d", len(final.AuditTrail))
	}
	wantPath := []OrderState{StateOrdered, StateSampleCollected, StateInProgress, StatePendingApproval,
		StateInProgress, StatePendingApproval, StateCompleted}
	for i, e := range final.AuditTrail {
		if e.Seq != i+1 {
			t.Errorf("entry %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
		if e.FromState != wantPath[i] || e.ToState != wantPath[i+1] {
			t.Errorf("entry %d: expected %s->%s, got %s->%s", i, wantPath[i], wantPath[i+1], e.FromState, e.ToState)
		}
	}
}

func TestListOrders(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.placeLab(t)
	b := env.placeLab(t)
	if _, err := env.svc.Cancel(ctx, b.ID, clinician, "dup"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	items, total, err := env.svc.ListOrders(ctx, OrderFilter{State: StateCancelled}, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || items[0].ID != b.ID {
		t.Errorf("expected only the cancelled order, got %d", total)
	}
}
