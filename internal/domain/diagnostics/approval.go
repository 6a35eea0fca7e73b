package diagnostics

import (
	"fmt"
	"strings"
	"time"
)

// DecisionInput is the approve/reject payload. Comments are mandatory when
// rejecting.
type DecisionInput struct {
	Comments string `json:"comments" validate:"max=2000"`
}

// CancelInput is the cancel payload. The reason is optional and lands in
// the audit note.
type CancelInput struct {
	Reason string `json:"reason" validate:"max=1000"`
}

func (in *CancelInput) reason() string {
	if in == nil {
		return ""
	}
	return strings.TrimSpace(in.Reason)
}

func decisionTransition(d Decision) (Transition, error) {
	switch d {
	case DecisionApproved:
		return TransitionApprove, nil
	case DecisionRejected:
		return TransitionReject, nil
	}
	return "", invalidPayload("unknown decision %q", d)
}

// buildApproval enforces the two-person rule and the rejection reason.
func buildApproval(o *DiagnosticOrder, d Decision, in *DecisionInput, actor Actor, now time.Time) (*ApprovalRecord, error) {
	if o.Result == nil {
		return nil, fmt.Errorf("order %s has no result to decide on: %w", o.ID, ErrInvalidTransition)
	}
	if err := checkSecondPerson(o, actor); err != nil {
		return nil, err
	}
	comments := ""
	if in != nil {
		comments = strings.TrimSpace(in.Comments)
	}
	if d == DecisionRejected && comments == "" {
		return nil, invalidPayload("rejection requires comments")
	}
	return &ApprovalRecord{
		Decision:  d,
		DecidedBy: actor.ID,
		DecidedAt: now,
		Comments:  comments,
	}, nil
}

// checkSecondPerson refuses a decision by anyone who performed, verified or
// submitted the pending result.
func checkSecondPerson(o *DiagnosticOrder, actor Actor) error {
	r := o.Result
	if r == nil {
		return nil
	}
	if actor.ID == r.PerformedBy || actor.ID == r.VerifiedBy || actor.ID == resultSubmitter(o) {
		return fmt.Errorf("actor %s: %w", actor.ID, ErrSelfApprovalForbidden)
	}
	return nil
}

// resultSubmitter returns the actor of the submit_result that produced the
// current result.
func resultSubmitter(o *DiagnosticOrder) string {
	for i := len(o.AuditTrail) - 1; i >= 0; i-- {
		if o.AuditTrail[i].Transition == TransitionSubmitResult {
			return o.AuditTrail[i].ActorRef
		}
	}
	return ""
}

func approvalMatches(a *ApprovalRecord, d Decision, in *DecisionInput, actor Actor) bool {
	if a == nil || a.Decision != d || a.DecidedBy != actor.ID {
		return false
	}
	comments := ""
	if in != nil {
		comments = strings.TrimSpace(in.Comments)
	}
	return a.Comments == comments
}
