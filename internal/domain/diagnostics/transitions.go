package diagnostics

import (
	"fmt"
	"sort"
)

// Transition names a lifecycle step a caller may request.
type Transition string

const (
	TransitionCollectSample   Transition = "collect_sample"
	TransitionBeginProcessing Transition = "begin_processing"
	TransitionSubmitResult    Transition = "submit_result"
	TransitionApprove         Transition = "approve"
	TransitionReject          Transition = "reject"
	TransitionCancel          Transition = "cancel"

	// TransitionNote marks informational audit entries. It is never a valid
	// argument to RequestTransition.
	TransitionNote Transition = "note"
)

// orderTransitions is the authoritative state table: from-state to the
// transitions it accepts and the state each one produces.
var orderTransitions = map[OrderState]map[Transition]OrderState{
	StateOrdered: {
		TransitionCollectSample: StateSampleCollected,
		TransitionCancel:        StateCancelled,
	},
	StateSampleCollected: {
		TransitionBeginProcessing: StateInProgress,
		TransitionCancel:          StateCancelled,
	},
	StateInProgress: {
		TransitionSubmitResult: StatePendingApproval,
		TransitionCancel:       StateCancelled,
	},
	StatePendingApproval: {
		TransitionApprove: StateCompleted,
		TransitionReject:  StateInProgress,
		TransitionCancel:  StateCancelled,
	},
	StateCompleted: {},
	StateCancelled: {},
}

// transitionAuthority lists the roles allowed to request each transition.
// Admin is allowed everything and is not listed.
var transitionAuthority = map[Transition][]Role{
	TransitionCollectSample:   {RoleNurse, RolePhlebotomist, RoleLabTech, RoleRadiographer, RoleClinician},
	TransitionBeginProcessing: {RoleLabTech, RoleRadiographer, RolePathologist, RoleRadiologist},
	TransitionSubmitResult:    {RoleLabTech, RoleRadiographer, RolePathologist, RoleRadiologist},
	TransitionApprove:         {RoleLabTech, RolePathologist, RoleRadiologist},
	TransitionReject:          {RoleLabTech, RolePathologist, RoleRadiologist},
	TransitionCancel:          {RoleClinician, RoleNurse, RoleLabTech, RoleRadiographer, RolePathologist, RoleRadiologist},
}

// acknowledgeAuthority lists the roles that may acknowledge an escalation.
var acknowledgeAuthority = []Role{RoleClinician, RoleNurse, RolePathologist, RoleRadiologist}

// Target returns the state produced by applying t in state from.
func Target(from OrderState, t Transition) (OrderState, bool) {
	to, ok := orderTransitions[from][t]
	return to, ok
}

// targetOf returns the state t always produces, regardless of source state.
func targetOf(t Transition) (OrderState, bool) {
	for _, edges := range orderTransitions {
		if to, ok := edges[t]; ok {
			return to, true
		}
	}
	return "", false
}

// AllowedTransitions lists the transitions accepted in state s, sorted.
func AllowedTransitions(s OrderState) []Transition {
	var out []Transition
	for t := range orderTransitions[s] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateTransition checks that t is legal from state from.
func ValidateTransition(from OrderState, t Transition) error {
	if _, ok := Target(from, t); !ok {
		return fmt.Errorf("%s from %s: %w", t, from, ErrInvalidTransition)
	}
	return nil
}

func roleAllowed(role Role, allowed []Role) bool {
	if role == RoleAdmin {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// Permits reports whether an actor of the given role may request t.
func Permits(role Role, t Transition) bool {
	return roleAllowed(role, transitionAuthority[t])
}

// ParseTransition maps a wire name onto a Transition.
func ParseTransition(s string) (Transition, error) {
	t := Transition(s)
	if _, ok := transitionAuthority[t]; !ok {
		return "", fmt.Errorf("unknown transition %q: %w", s, ErrInvalidTransition)
	}
	return t, nil
}
