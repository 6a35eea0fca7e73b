package diagnostics

import (
	"time"

	"github.com/google/uuid"
)

// OrderKind distinguishes laboratory from imaging orders.
type OrderKind string

const (
	KindLab     OrderKind = "LAB"
	KindImaging OrderKind = "IMAGING"
)

// OrderState is the lifecycle position of a diagnostic order.
type OrderState string

const (
	StateOrdered         OrderState = "ORDERED"
	StateSampleCollected OrderState = "SAMPLE_COLLECTED"
	StateInProgress      OrderState = "IN_PROGRESS"
	StatePendingApproval OrderState = "PENDING_APPROVAL"
	StateCompleted       OrderState = "COMPLETED"
	StateCancelled       OrderState = "CANCELLED"
)

// Terminal reports whether the state accepts no further lifecycle transitions.
func (s OrderState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

type Urgency string

const (
	UrgencyRoutine   Urgency = "ROUTINE"
	UrgencyUrgent    Urgency = "URGENT"
	UrgencyEmergency Urgency = "EMERGENCY"
	UrgencyStat      Urgency = "STAT"
)

var validUrgencies = map[Urgency]bool{
	UrgencyRoutine: true, UrgencyUrgent: true, UrgencyEmergency: true, UrgencyStat: true,
}

type SampleCondition string

const (
	ConditionGood       SampleCondition = "GOOD"
	ConditionAcceptable SampleCondition = "ACCEPTABLE"
	ConditionPoor       SampleCondition = "POOR"
	ConditionRejected   SampleCondition = "REJECTED"
)

type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Role is the clinical role an actor acts under.
type Role string

const (
	RoleClinician    Role = "clinician"
	RoleNurse        Role = "nurse"
	RolePhlebotomist Role = "phlebotomist"
	RoleLabTech      Role = "lab_tech"
	RoleRadiographer Role = "radiographer"
	RolePathologist  Role = "pathologist"
	RoleRadiologist  Role = "radiologist"
	RoleAdmin        Role = "admin"
)

// Actor is the authenticated principal requesting an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// OrderDetails is implemented by the kind-specific part of an order.
type OrderDetails interface {
	Kind() OrderKind
}

type LabDetails struct {
	TestCode     string `json:"test_code"`
	TestName     string `json:"test_name"`
	SpecimenType string `json:"specimen_type,omitempty"`
}

func (*LabDetails) Kind() OrderKind { return KindLab }

type ImagingDetails struct {
	Modality         string `json:"modality"`
	BodySite         string `json:"body_site"`
	StudyDescription string `json:"study_description,omitempty"`
}

func (*ImagingDetails) Kind() OrderKind { return KindImaging }

// DiagnosticOrder is a single laboratory or imaging request and everything
// recorded against it. Exactly one of Lab and Imaging is set, matching Kind.
type DiagnosticOrder struct {
	ID                   uuid.UUID       `json:"id"`
	Kind                 OrderKind       `json:"kind"`
	PatientRef           string          `json:"patient_ref"`
	OrderingClinicianRef string          `json:"ordering_clinician_ref"`
	State                OrderState      `json:"state"`
	Urgency              Urgency         `json:"urgency"`
	Lab                  *LabDetails     `json:"lab,omitempty"`
	Imaging              *ImagingDetails `json:"imaging,omitempty"`
	Sample               *SampleRecord   `json:"sample,omitempty"`
	Result               *ResultRecord   `json:"result,omitempty"`
	Approval             *ApprovalRecord `json:"approval,omitempty"`
	IsCritical           bool            `json:"is_critical"`
	AuditTrail           []AuditEntry    `json:"audit_trail"`
	Version              int             `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Details returns the kind-specific part of the order, or nil when unset.
func (o *DiagnosticOrder) Details() OrderDetails {
	switch o.Kind {
	case KindLab:
		if o.Lab != nil {
			return o.Lab
		}
	case KindImaging:
		if o.Imaging != nil {
			return o.Imaging
		}
	}
	return nil
}

// LastTransition returns the most recent audit entry produced by a lifecycle
// transition, skipping informational notes.
func (o *DiagnosticOrder) LastTransition() *AuditEntry {
	for i := len(o.AuditTrail) - 1; i >= 0; i-- {
		if o.AuditTrail[i].Transition != TransitionNote {
			return &o.AuditTrail[i]
		}
	}
	return nil
}

// Clone returns a deep copy so a transition can be applied without touching
// the loaded order until the store accepts it.
func (o *DiagnosticOrder) Clone() *DiagnosticOrder {
	c := *o
	if o.Lab != nil {
		l := *o.Lab
		c.Lab = &l
	}
	if o.Imaging != nil {
		im := *o.Imaging
		c.Imaging = &im
	}
	c.Sample = o.Sample.clone()
	c.Result = o.Result.clone()
	if o.Approval != nil {
		a := *o.Approval
		c.Approval = &a
	}
	c.AuditTrail = make([]AuditEntry, len(o.AuditTrail))
	copy(c.AuditTrail, o.AuditTrail)
	return &c
}

// SampleRecord is the specimen bound to an order and its custody chain.
type SampleRecord struct {
	Barcode     string          `json:"barcode"`
	Condition   SampleCondition `json:"condition"`
	Location    string          `json:"location,omitempty"`
	CollectedBy string          `json:"collected_by"`
	CollectedAt time.Time       `json:"collected_at"`
	CustodyLog  []CustodyEntry  `json:"custody_log"`
}

func (s *SampleRecord) clone() *SampleRecord {
	if s == nil {
		return nil
	}
	c := *s
	c.CustodyLog = make([]CustodyEntry, len(s.CustodyLog))
	copy(c.CustodyLog, s.CustodyLog)
	return &c
}

type CustodyEntry struct {
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note"`
	Location  string    `json:"location,omitempty"`
}

// LabValue is a single measured analyte on a laboratory result.
type LabValue struct {
	Code           string `json:"code"`
	Value          string `json:"value"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
	Flag           string `json:"flag,omitempty"`
}

// ImagingFindings references the acquired study behind an imaging result.
type ImagingFindings struct {
	StudyUID      string `json:"study_uid"`
	SeriesCount   int    `json:"series_count,omitempty"`
	InstanceCount int    `json:"instance_count,omitempty"`
}

type ResultRecord struct {
	Findings        string           `json:"findings"`
	Interpretation  string           `json:"interpretation"`
	PerformedBy     string           `json:"performed_by"`
	VerifiedBy      string           `json:"verified_by"`
	SubmittedAt     time.Time        `json:"submitted_at"`
	Critical        bool             `json:"critical"`
	CriticalDetails string           `json:"critical_details,omitempty"`
	LabValues       []LabValue       `json:"lab_values,omitempty"`
	Imaging         *ImagingFindings `json:"imaging,omitempty"`
}

func (r *ResultRecord) clone() *ResultRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LabValues != nil {
		c.LabValues = make([]LabValue, len(r.LabValues))
		copy(c.LabValues, r.LabValues)
	}
	if r.Imaging != nil {
		im := *r.Imaging
		c.Imaging = &im
	}
	return &c
}

type ApprovalRecord struct {
	Decision  Decision  `json:"decision"`
	DecidedBy string    `json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
	Comments  string    `json:"comments,omitempty"`
}

// AuditEntry records one applied transition or note. Entries are append-only;
// replaying FromState/ToState in Seq order reconstructs the state path.
type AuditEntry struct {
	Seq           int           `json:"seq"`
	Timestamp     time.Time     `json:"timestamp"`
	ActorRef      string        `json:"actor_ref"`
	ActorRole     Role          `json:"actor_role"`
	Transition    Transition    `json:"transition"`
	FromState     OrderState    `json:"from_state"`
	ToState       OrderState    `json:"to_state"`
	Note          string        `json:"note,omitempty"`
	ClearedResult *ResultRecord `json:"cleared_result,omitempty"`
}

// EscalationTicket is raised once per unacknowledged critical result.
type EscalationTicket struct {
	ID                   uuid.UUID  `json:"id"`
	OrderID              uuid.UUID  `json:"order_id"`
	PatientRef           string     `json:"patient_ref"`
	OrderingClinicianRef string     `json:"ordering_clinician_ref"`
	Urgency              Urgency    `json:"urgency"`
	CriticalDetails      string     `json:"critical_details"`
	RaisedAt             time.Time  `json:"raised_at"`
	AcknowledgedAt       *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy       string     `json:"acknowledged_by,omitempty"`
}

// Open reports whether the ticket still awaits acknowledgement.
func (t *EscalationTicket) Open() bool { return t.AcknowledgedAt == nil }

// OrderFilter narrows ListOrders. Zero values match everything.
type OrderFilter struct {
	State      OrderState
	Kind       OrderKind
	PatientRef string
	Critical   *bool
}
