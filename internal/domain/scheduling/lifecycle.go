package scheduling

// rule is one row group of the transition table: who may perform an action,
// from which states, and the resulting state.
type rule struct {
	role Role
	from map[Status]bool
	to   Status
}

var transitions = map[Action]rule{
	ActionApprove: {
		role: RoleReceptionist,
		from: map[Status]bool{StatusPending: true, StatusRejected: true},
		to:   StatusBooked,
	},
	ActionReject: {
		role: RoleReceptionist,
		from: map[Status]bool{StatusPending: true},
		to:   StatusRejected,
	},
	ActionReschedule: {
		role: RoleReceptionist,
		from: map[Status]bool{StatusPending: true, StatusBooked: true},
		to:   StatusPending,
	},
	ActionComplete: {
		role: RoleDoctor,
		from: map[Status]bool{StatusBooked: true},
		to:   StatusDone,
	},
}

// Transition returns the status an appointment in from moves to when role
// performs action. The role is checked before the current status.
func Transition(from Status, action Action, role Role) (Status, error) {
	if action == ActionCreate {
		if err := CanCreate(role); err != nil {
			return "", err
		}
		return StatusPending, nil
	}
	r, ok := transitions[action]
	if !ok {
		return "", fieldError("action", "unknown action %q", action)
	}
	if role != r.role {
		return "", AuthorizationError(role, action)
	}
	if !r.from[from] {
		return "", InvalidTransitionError(from, action)
	}
	return r.to, nil
}

// CanCreate reports whether role may create appointments. Only patients can.
func CanCreate(role Role) error {
	if role != RolePatient {
		return AuthorizationError(role, ActionCreate)
	}
	return nil
}

// AllowedActions lists the actions role may take on an appointment in status
// from, in table order.
func AllowedActions(from Status, role Role) []Action {
	var out []Action
	for _, a := range []Action{ActionApprove, ActionReject, ActionReschedule, ActionComplete} {
		if r := transitions[a]; r.role == role && r.from[from] {
			out = append(out, a)
		}
	}
	return out
}

// ParseAction accepts the lifecycle verbs used by clients. "re-approve" is
// an approve of a rejected appointment.
func ParseAction(s string) (Action, error) {
	switch s {
	case "approve", "re-approve", "reapprove":
		return ActionApprove, nil
	case "reject":
		return ActionReject, nil
	case "reschedule":
		return ActionReschedule, nil
	case "complete", "done":
		return ActionComplete, nil
	}
	return "", fieldError("action", "unknown action %q", s)
}
