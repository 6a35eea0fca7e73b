package diagnostics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/orderflow/internal/platform/hl7v2"
)

func TestHL7Order_Mapping(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.toInProgress(t)
	in := criticalResult()
	in.LabValues = []LabValue{{Code: "2823-3", Value: "6.9", Unit: "mmol/L", ReferenceRange: "3.5-5.1", Flag: "HH"}}
	if _, err := env.svc.SubmitResult(ctx, o.ID, in, labTechA); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ho := HL7Order(env.load(t, o.ID))
	if ho.Priority != hl7v2.PriorityASAP {
		t.Errorf("expected URGENT to map to A, got %q", ho.Priority)
	}
	if ho.ResultStatus != hl7v2.ResultPreliminary {
		t.Errorf("expected preliminary status, got %q", ho.ResultStatus)
	}
	if ho.FillerID == "" || ho.FillerID != env.load(t, o.ID).Sample.Barcode {
		t.Errorf("expected filler id to be the barcode, got %q", ho.FillerID)
	}
	if ho.ServiceCode != "K" || ho.ServiceName != "Potassium" {
		t.Errorf("unexpected service %q/%q", ho.ServiceCode, ho.ServiceName)
	}
	// One lab value plus findings and interpretation.
	if len(ho.Observations) != 3 {
		t.Fatalf("expected 3 observations, got %d", len(ho.Observations))
	}
	if ho.Observations[0].AbnormalFlag != "HH" || ho.Observations[1].Code != "FINDINGS" {
		t.Errorf("unexpected observations %+v", ho.Observations)
	}
	if len(ho.Notes) != 1 || ho.Notes[0] != "Critical: "+in.CriticalDetails {
		t.Errorf("expected critical note, got %v", ho.Notes)
	}
}

func TestHL7Order_Imaging(t *testing.T) {
	o := &DiagnosticOrder{
		Kind:    KindImaging,
		State:   StateCompleted,
		Urgency: UrgencyStat,
		Imaging: &ImagingDetails{Modality: "CT", BodySite: "head"},
		Result: &ResultRecord{
			Findings:       "no haemorrhage",
			Interpretation: "normal",
			Imaging:        &ImagingFindings{StudyUID: "1.2.840.1", InstanceCount: 120},
		},
	}
	ho := HL7Order(o)
	if ho.ServiceName != "CT head" || ho.Priority != hl7v2.PriorityStat || ho.ResultStatus != hl7v2.ResultFinal {
		t.Errorf("unexpected mapping %+v", ho)
	}
	if ho.Observations[0].Value != "1.2.840.1" || ho.Observations[1].Value != "120" {
		t.Errorf("expected study uid and instance count first, got %+v", ho.Observations[:2])
	}
}

func TestHL7Message_ORMThenORU(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.placeLab(t)

	raw, err := env.svc.HL7Message(ctx, o.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.GetSegment("MSH").GetComponent(9, 1) != "ORM" || msg.GetSegment("ORC").GetField(1) != hl7v2.ControlNew {
		t.Errorf("expected ORM new order, got %s", raw)
	}
	if msg.SendingApp != DefaultHL7Header.SendingApp {
		t.Errorf("expected default sending app, got %q", msg.SendingApp)
	}

	env.svc.SetHL7Header(hl7v2.Header{SendingApp: "OF", ReceivingApp: "LIS2"})
	if _, err := env.svc.CollectSample(ctx, o.ID, &SampleInput{Condition: ConditionGood}, nurseA); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.BeginProcessing(ctx, o.ID, labTechA); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SubmitResult(ctx, o.ID, normalResult(), labTechA); err != nil {
		t.Fatal(err)
	}
	raw, err = env.svc.HL7Message(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	msg, err = hl7v2.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if msg.GetSegment("MSH").GetComponent(9, 1) != "ORU" || msg.ReceivingApp != "LIS2" {
		t.Errorf("expected ORU to LIS2, got %s", raw)
	}
	if msg.GetSegment("OBR").GetField(25) != hl7v2.ResultPreliminary {
		t.Errorf("expected preliminary result status")
	}
	if len(msg.ControlID) != 20 {
		t.Errorf("expected 20 character control id, got %q", msg.ControlID)
	}
}

func TestHL7Message_Cancelled(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := env.placeLab(t)
	if _, err := env.svc.Cancel(ctx, o.ID, clinician, "duplicate order"); err != nil {
		t.Fatal(err)
	}
	raw, err := env.svc.HL7Message(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	msg, _ := hl7v2.Parse(raw)
	if msg.GetSegment("ORC").GetField(1) != hl7v2.ControlCancel {
		t.Errorf("expected ORC-1 CA, got %s", raw)
	}
	if msg.GetSegment("NTE").GetField(3) != "Cancelled: duplicate order" {
		t.Errorf("expected cancel reason note, got %s", raw)
	}
}

type fakeHL7Sender struct {
	sent chan []byte
	fail atomic.Bool
}

func (f *fakeHL7Sender) Send(_ context.Context, msg []byte) (*hl7v2.Message, error) {
	f.sent <- msg
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return hl7v2.Parse([]byte("MSH|^~\\&|LIS||OF||20240301||ACK|A1|P|2.5.1\rMSA|AA|X"))
}

func TestForwardResults(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sender := &fakeHL7Sender{sent: make(chan []byte, 4)}
	env.svc.OnCommit(ForwardResults(sender, DefaultHL7Header, time.Second, zerolog.Nop()))

	o := env.toPendingApproval(t, normalResult())
	select {
	case msg := <-sender.sent:
		t.Fatalf("nothing should be forwarded before approval, got %q", msg)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := env.svc.Decide(ctx, o.ID, DecisionApproved, pathologist, ""); err != nil {
		t.Fatal(err)
	}
	select {
	case raw := <-sender.sent:
		msg, err := hl7v2.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		if msg.GetSegment("OBR").GetField(25) != hl7v2.ResultFinal {
			t.Errorf("expected final result, got %s", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("approved result was not forwarded")
	}

	// A cancel is forwarded even when the receiver fails.
	sender.fail.Store(true)
	o2 := env.placeLab(t)
	if _, err := env.svc.Cancel(ctx, o2.ID, clinician, "patient discharged"); err != nil {
		t.Fatalf("a failing sender must not fail the cancel: %v", err)
	}
	select {
	case raw := <-sender.sent:
		msg, _ := hl7v2.Parse(raw)
		if msg.GetSegment("ORC").GetField(1) != hl7v2.ControlCancel {
			t.Errorf("expected order cancel, got %s", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel was not forwarded")
	}
}

func TestHandler_ExportHL7(t *testing.T) {
	h := newHandlerEnv()
	id := h.placeViaHTTP(t)

	rec := h.do(t, http.MethodGet, "/api/v1/orders/"+id.String()+"/hl7", nurseA, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != MIMEHL7 {
		t.Errorf("expected %s, got %q", MIMEHL7, ct)
	}
	msg, err := hl7v2.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.GetSegment("OBR").GetComponent(27, 6) != hl7v2.PriorityStat {
		t.Errorf("expected STAT priority, got %s", rec.Body.String())
	}

	rec = h.do(t, http.MethodGet, "/api/v1/orders/not-a-uuid/hl7", nurseA, "")
	expectProblem(t, rec, http.StatusBadRequest, KindInvalidPayload)
}
