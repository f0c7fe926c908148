// Package session implements the core session multiplexing and lifecycle
// engine: the per-connection Handler state machine, the process-wide
// Directory and ParkingLot, and the upstream-to-downstream reader pump. One
// guacd connection is shared by a master and any number of attached guests;
// a master may pause its session, parking the upstream while no browser is
// attached, and a later connection may resume it by session ID.
package session

import (
	"fmt"
	"log/slog"
)

// Role is a SessionHandler's relationship to its session.
type Role int

const (
	RoleUnbound Role = iota
	RoleMaster
	RoleGuest
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleGuest:
		return "guest"
	default:
		return "unbound"
	}
}

// State is a Handler's position in its lifecycle state machine.
type State int

const (
	StateUnbound State = iota
	StateActiveMaster
	StateActiveGuest
	StatePausedMaster
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActiveMaster:
		return "active-master"
	case StateActiveGuest:
		return "active-guest"
	case StatePausedMaster:
		return "paused-master"
	case StateClosed:
		return "closed"
	default:
		return "unbound"
	}
}

// ValidTransitions enumerates the allowed lifecycle transitions.
// Closed is terminal. Paused-master moves to closed when its socket
// closes; that ends only the Handler, while the parked upstream survives
// in the ParkingLot, tracked separately.
var ValidTransitions = map[State][]State{
	StateUnbound:      {StateActiveMaster, StateActiveGuest, StateClosed},
	StateActiveMaster: {StatePausedMaster, StateClosed},
	StateActiveGuest:  {StateClosed},
	StatePausedMaster: {StateClosed},
	StateClosed:       {},
}

// IsTerminalState reports whether no further transitions are possible.
func IsTerminalState(s State) bool {
	return s == StateClosed
}

// CanTransition reports whether from->to is a legal transition.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// TransitionError reports an attempted illegal state transition.
type TransitionError struct {
	SessionID string
	From      State
	To        State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session state transition: %s -> %s (session: %s)", e.From, e.To, e.SessionID)
}

// LogTransition records a transition at debug level for diagnosis.
func LogTransition(sessionID string, from, to State, reason string) {
	if reason != "" {
		slog.Debug("session state transition", "sessionId", sessionID, "from", from, "to", to, "reason", reason)
	} else {
		slog.Debug("session state transition", "sessionId", sessionID, "from", from, "to", to)
	}
}

// ValidateAndLogTransition validates from->to and logs it if legal.
func ValidateAndLogTransition(sessionID string, from, to State, reason string) error {
	if !CanTransition(from, to) {
		return &TransitionError{SessionID: sessionID, From: from, To: to}
	}
	LogTransition(sessionID, from, to, reason)
	return nil
}
