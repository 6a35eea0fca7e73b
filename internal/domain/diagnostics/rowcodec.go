package diagnostics

import (
	"encoding/json"
	"fmt"
	"strings"
)

// orderDocs holds the JSON-encoded parts of an order row. Nil slices map to
// SQL NULL.
type orderDocs struct {
	details  []byte
	sample   []byte
	result   []byte
	approval []byte
	barcode  *string
}

func encodeOrderDocs(o *DiagnosticOrder) (orderDocs, error) {
	var d orderDocs
	var err error
	details := o.Details()
	if details == nil {
		return d, invalidPayload("order %s has no %s details", o.ID, o.Kind)
	}
	if d.details, err = json.Marshal(details); err != nil {
		return d, fmt.Errorf("encode details: %w", err)
	}
	if o.Sample != nil {
		if d.sample, err = json.Marshal(o.Sample); err != nil {
			return d, fmt.Errorf("encode sample: %w", err)
		}
		b := o.Sample.Barcode
		d.barcode = &b
	}
	if o.Result != nil {
		if d.result, err = json.Marshal(o.Result); err != nil {
			return d, fmt.Errorf("encode result: %w", err)
		}
	}
	if o.Approval != nil {
		if d.approval, err = json.Marshal(o.Approval); err != nil {
			return d, fmt.Errorf("encode approval: %w", err)
		}
	}
	return d, nil
}

func (d orderDocs) decodeInto(o *DiagnosticOrder) error {
	switch o.Kind {
	case KindLab:
		o.Lab = &LabDetails{}
		if err := json.Unmarshal(d.details, o.Lab); err != nil {
			return fmt.Errorf("decode lab details: %w", err)
		}
	case KindImaging:
		o.Imaging = &ImagingDetails{}
		if err := json.Unmarshal(d.details, o.Imaging); err != nil {
			return fmt.Errorf("decode imaging details: %w", err)
		}
	default:
		return fmt.Errorf("unknown order kind %q", o.Kind)
	}
	if len(d.sample) > 0 {
		o.Sample = &SampleRecord{}
		if err := json.Unmarshal(d.sample, o.Sample); err != nil {
			return fmt.Errorf("decode sample: %w", err)
		}
	}
	if len(d.result) > 0 {
		o.Result = &ResultRecord{}
		if err := json.Unmarshal(d.result, o.Result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	if len(d.approval) > 0 {
		o.Approval = &ApprovalRecord{}
		if err := json.Unmarshal(d.approval, o.Approval); err != nil {
			return fmt.Errorf("decode approval: %w", err)
		}
	}
	return nil
}

func encodeCleared(r *ResultRecord) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func decodeCleared(b []byte) (*ResultRecord, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var r ResultRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode cleared result: %w", err)
	}
	return &r, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// filterClause renders f as a WHERE clause using ph for the n-th placeholder.
func filterClause(f OrderFilter, ph func(n int) string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		conds = append(conds, col+" = "+ph(len(args)))
	}
	if f.State != "" {
		add("state", string(f.State))
	}
	if f.Kind != "" {
		add("kind", string(f.Kind))
	}
	if f.PatientRef != "" {
		add("patient_ref", f.PatientRef)
	}
	if f.Critical != nil {
		add("is_critical", *f.Critical)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
