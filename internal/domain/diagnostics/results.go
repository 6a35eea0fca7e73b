package diagnostics

import (
	"fmt"
	"strings"
	"time"
)

// ResultInput is the submit_result payload. PerformedBy defaults to the
// submitting actor and VerifiedBy to PerformedBy.
type ResultInput struct {
	Findings        string           `json:"findings" validate:"max=8000"`
	Interpretation  string           `json:"interpretation" validate:"max=8000"`
	PerformedBy     string           `json:"performed_by" validate:"max=128"`
	VerifiedBy      string           `json:"verified_by" validate:"max=128"`
	IsCritical      bool             `json:"is_critical"`
	CriticalDetails string           `json:"critical_details" validate:"max=2000"`
	LabValues       []LabValue       `json:"lab_values" validate:"dive"`
	Imaging         *ImagingFindings `json:"imaging"`
}

func buildResult(o *DiagnosticOrder, in *ResultInput, actor Actor, now time.Time) (*ResultRecord, error) {
	if in == nil {
		return nil, invalidPayload("result payload is required")
	}
	details := strings.TrimSpace(in.CriticalDetails)
	if in.IsCritical && details == "" {
		return nil, fmt.Errorf("order %s: %w", o.ID, ErrIncompleteCriticalReport)
	}
	if !in.IsCritical && details != "" {
		return nil, invalidPayload("critical details given for a non-critical result")
	}
	findings := strings.TrimSpace(in.Findings)
	interpretation := strings.TrimSpace(in.Interpretation)
	if findings == "" {
		return nil, invalidPayload("findings are required")
	}
	if interpretation == "" {
		return nil, invalidPayload("interpretation is required")
	}
	switch o.Kind {
	case KindLab:
		if in.Imaging != nil {
			return nil, invalidPayload("imaging findings on a lab order")
		}
	case KindImaging:
		if len(in.LabValues) > 0 {
			return nil, invalidPayload("lab values on an imaging order")
		}
	}

	performedBy := strings.TrimSpace(in.PerformedBy)
	if performedBy == "" {
		performedBy = actor.ID
	}
	verifiedBy := strings.TrimSpace(in.VerifiedBy)
	if verifiedBy == "" {
		verifiedBy = performedBy
	}

	rec := &ResultRecord{
		Findings:        findings,
		Interpretation:  interpretation,
		PerformedBy:     performedBy,
		VerifiedBy:      verifiedBy,
		SubmittedAt:     now,
		Critical:        in.IsCritical,
		CriticalDetails: details,
		LabValues:       in.LabValues,
	}
	if in.Imaging != nil {
		im := *in.Imaging
		rec.Imaging = &im
	}
	return rec, nil
}

// resultMatches reports whether in, submitted by actor, would have produced r.
func resultMatches(r *ResultRecord, in *ResultInput, actor Actor) bool {
	if r == nil || in == nil {
		return false
	}
	performedBy := strings.TrimSpace(in.PerformedBy)
	if performedBy == "" {
		performedBy = actor.ID
	}
	verifiedBy := strings.TrimSpace(in.VerifiedBy)
	if verifiedBy == "" {
		verifiedBy = performedBy
	}
	if r.Findings != strings.TrimSpace(in.Findings) ||
		r.Interpretation != strings.TrimSpace(in.Interpretation) ||
		r.PerformedBy != performedBy || r.VerifiedBy != verifiedBy ||
		r.Critical != in.IsCritical ||
		r.CriticalDetails != strings.TrimSpace(in.CriticalDetails) {
		return false
	}
	if len(r.LabValues) != len(in.LabValues) {
		return false
	}
	for i := range r.LabValues {
		if r.LabValues[i] != in.LabValues[i] {
			return false
		}
	}
	switch {
	case r.Imaging == nil && in.Imaging == nil:
		return true
	case r.Imaging == nil || in.Imaging == nil:
		return false
	default:
		return *r.Imaging == *in.Imaging
	}
}
