package attendance

import (
	"context"

	"workpulse/internal/apperr"
)

// EventType is the punch action carried by a PunchEvent.
type EventType string

const (
	EventPunchIn    EventType = "in"
	EventBreakStart EventType = "break_start"
	EventBreakEnd   EventType = "break_end"
	EventPunchOut   EventType = "out"
)

// PunchEvent is one submission from a workstation.
type PunchEvent struct {
	Type        EventType `json:"type"`
	CompanyName string    `json:"company_name"`
	Username    string    `json:"username"`
	MachineID   string    `json:"machine_id"`
	IPAddress   string    `json:"ip_address"`
	SystemName  string    `json:"system_name"`
}

// Identity returns the session identity addressed by the event.
func (e PunchEvent) Identity() Identity {
	return Identity{CompanyName: e.CompanyName, Username: e.Username}
}

// Apply dispatches e to the matching transition.
func (t *Tracker) Apply(ctx context.Context, e PunchEvent) (Session, error) {
	id := e.Identity()
	switch e.Type {
	case EventPunchIn:
		return t.PunchIn(ctx, id, MachineInfo{MachineID: e.MachineID, IPAddress: e.IPAddress, SystemName: e.SystemName})
	case EventBreakStart:
		return t.BreakStart(ctx, id)
	case EventBreakEnd:
		return t.BreakEnd(ctx, id)
	case EventPunchOut:
		return t.PunchOut(ctx, id)
	default:
		return Session{}, apperr.Validation("punch", "unknown event type "+string(e.Type))
	}
}

// Op returns the operation name of the event type.
func (e EventType) Op() string {
	switch e {
	case EventPunchIn:
		return OpPunchIn
	case EventBreakStart:
		return OpBreakStart
	case EventBreakEnd:
		return OpBreakEnd
	case EventPunchOut:
		return OpPunchOut
	}
	return "punch"
}
