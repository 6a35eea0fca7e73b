package diagnostics

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/orderflow/internal/platform/hl7v2"
)

// HL7Sender delivers an encoded message to the laboratory interface and
// waits for its acknowledgement. *hl7v2.Client satisfies it.
type HL7Sender interface {
	Send(ctx context.Context, msg []byte) (*hl7v2.Message, error)
}

// DefaultHL7Header names this system when no header is configured.
var DefaultHL7Header = hl7v2.Header{SendingApp: "ORDERFLOW", ReceivingApp: "LIS"}

var hl7Priority = map[Urgency]string{
	UrgencyStat:      hl7v2.PriorityStat,
	UrgencyEmergency: hl7v2.PriorityASAP,
	UrgencyUrgent:    hl7v2.PriorityASAP,
	UrgencyRoutine:   hl7v2.PriorityRoutine,
}

// HL7Order maps an order and whatever result it carries onto the
// transport-neutral HL7 view.
func HL7Order(o *DiagnosticOrder) hl7v2.Order {
	out := hl7v2.Order{
		PlacerID:         o.ID.String(),
		PatientID:        o.PatientRef,
		OrderingProvider: o.OrderingClinicianRef,
		Priority:         hl7Priority[o.Urgency],
		OrderedAt:        o.CreatedAt,
	}
	switch {
	case o.Lab != nil:
		out.ServiceCode, out.ServiceName, out.CodingSystem = o.Lab.TestCode, o.Lab.TestName, "LN"
	case o.Imaging != nil:
		name := o.Imaging.Modality + " " + o.Imaging.BodySite
		if o.Imaging.StudyDescription != "" {
			name = o.Imaging.StudyDescription
		}
		out.ServiceCode, out.ServiceName = o.Imaging.Modality, strings.TrimSpace(name)
	}
	if o.Sample != nil {
		out.FillerID = o.Sample.Barcode
		out.CollectedAt = o.Sample.CollectedAt
	}

	switch o.State {
	case StatePendingApproval:
		out.ResultStatus = hl7v2.ResultPreliminary
	case StateCompleted:
		out.ResultStatus = hl7v2.ResultFinal
	case StateCancelled:
		out.ResultStatus = hl7v2.ResultCancelled
		if last := o.LastTransition(); last != nil && last.Note != "" {
			out.Notes = append(out.Notes, "Cancelled: "+last.Note)
		}
	}

	r := o.Result
	if r == nil {
		return out
	}
	out.ResultAt = r.SubmittedAt
	if o.Approval != nil && o.Approval.Decision == DecisionApproved {
		out.ResultAt = o.Approval.DecidedAt
	}
	for _, v := range r.LabValues {
		out.Observations = append(out.Observations, hl7v2.Observation{
			Code:           v.Code,
			Value:          v.Value,
			Unit:           v.Unit,
			ReferenceRange: v.ReferenceRange,
			AbnormalFlag:   v.Flag,
		})
	}
	if r.Imaging != nil {
		out.Observations = append(out.Observations,
			hl7v2.Observation{ValueType: "ST", Code: "STUDY_UID", Name: "Study Instance UID", Value: r.Imaging.StudyUID})
		if r.Imaging.InstanceCount > 0 {
			out.Observations = append(out.Observations,
				hl7v2.Observation{Code: "INSTANCES", Value: strconv.Itoa(r.Imaging.InstanceCount)})
		}
	}
	if r.Findings != "" {
		out.Observations = append(out.Observations,
			hl7v2.Observation{ValueType: "TX", Code: "FINDINGS", Name: "Findings", Value: r.Findings})
	}
	if r.Interpretation != "" {
		out.Observations = append(out.Observations,
			hl7v2.Observation{ValueType: "TX", Code: "IMPRESSION", Name: "Interpretation", Value: r.Interpretation})
	}
	if r.Critical {
		out.Notes = append(out.Notes, "Critical: "+r.CriticalDetails)
	}
	return out
}

// EncodeHL7 renders o as an ORU^R01 once a result exists or the order is
// completed, and as an ORM^O01 otherwise.
func EncodeHL7(h hl7v2.Header, o *DiagnosticOrder, at time.Time) []byte {
	ho := HL7Order(o)
	id := controlID()
	if o.Result != nil || o.State == StateCompleted {
		return h.ORU(ho, id, at)
	}
	control := hl7v2.ControlNew
	if o.State == StateCancelled {
		control = hl7v2.ControlCancel
	}
	return h.ORM(ho, control, id, at)
}

// controlID fits MSH-10's 20 character limit.
func controlID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// SetHL7Header names the sending and receiving systems on exported messages.
func (s *Service) SetHL7Header(h hl7v2.Header) {
	s.hl7 = h
}

// HL7Message encodes the current order for the laboratory interface.
func (s *Service) HL7Message(ctx context.Context, orderID uuid.UUID) ([]byte, error) {
	o, err := s.orders.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return EncodeHL7(s.hl7, o, s.now()), nil
}

// ForwardResults returns a CommitListener that sends the final result on
// approval and an order cancel on cancellation. Sends run in the background
// with timeout; a failed or rejected send is logged only.
func ForwardResults(sender HL7Sender, h hl7v2.Header, timeout time.Duration, logger zerolog.Logger) CommitListener {
	return func(_ context.Context, o *DiagnosticOrder, e AuditEntry) {
		if e.Transition != TransitionApprove && e.Transition != TransitionCancel {
			return
		}
		msg := EncodeHL7(h, o, e.Timestamp)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			ack, err := sender.Send(ctx, msg)
			log := logger.With().
				Str("order_id", o.ID.String()).
				Str("transition", string(e.Transition)).
				Logger()
			if err != nil {
				log.Error().Err(err).Msg("hl7 forward failed")
				return
			}
			log.Info().Str("ack", ack.AckCode()).Str("control_id", ack.ControlID).Msg("hl7 forwarded")
		}()
	}
}
