package attendance

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"workpulse/internal/apperr"
	"workpulse/internal/duration"
)

// Identity addresses the punch sessions of one user within one company.
type Identity struct {
	CompanyName string `json:"company_name"`
	Username    string `json:"username"`
}

// Validate rejects identities with blank fields.
func (id Identity) Validate(op string) error {
	switch {
	case strings.TrimSpace(id.CompanyName) == "":
		return apperr.Validation(op, "company_name required")
	case strings.TrimSpace(id.Username) == "":
		return apperr.Validation(op, "username required")
	}
	return nil
}

func (id Identity) key() string {
	return id.CompanyName + "\x00" + id.Username
}

// MachineInfo describes where a punch-in came from. It is not part of the
// identity.
type MachineInfo struct {
	MachineID  string `json:"machine_id"`
	IPAddress  string `json:"ip_address"`
	SystemName string `json:"system_name"`
}

// State is the lifecycle position of a session.
type State string

const (
	StateNoOpenSession State = "no_open_session"
	StateWorking       State = "working"
	StateOnBreak       State = "on_break"
	StateClosed        State = "closed"
)

// Session is the consolidated record of one punch session.
type Session struct {
	ID uuid.UUID `json:"id"`
	Identity
	MachineInfo
	PunchInTime              time.Time  `json:"punch_in_time"`
	PunchOutTime             *time.Time `json:"punch_out_time"`
	BreakStartTime           *time.Time `json:"break_start_time"`
	BreakEndTime             *time.Time `json:"break_end_time"`
	BreakDurationSeconds     int64      `json:"break_duration_seconds"`
	TotalWorkDurationSeconds *int64     `json:"total_work_duration_seconds"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// State derives the lifecycle state from the timestamps.
func (s *Session) State() State {
	switch {
	case s == nil:
		return StateNoOpenSession
	case s.PunchOutTime != nil:
		return StateClosed
	case s.onBreak():
		return StateOnBreak
	default:
		return StateWorking
	}
}

// IsOpen reports whether the session has not been punched out.
func (s *Session) IsOpen() bool {
	return s != nil && s.PunchOutTime == nil
}

func (s *Session) onBreak() bool {
	return s.BreakStartTime != nil && s.BreakEndTime == nil
}

func newSession(id Identity, info MachineInfo, now time.Time) Session {
	return Session{
		ID:          uuid.New(),
		Identity:    id,
		MachineInfo: info,
		PunchInTime: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// startBreak opens a new break. A previously completed break is replaced;
// its time is already in BreakDurationSeconds.
func (s *Session) startBreak(now time.Time) error {
	switch st := s.State(); st {
	case StateWorking:
	case StateOnBreak:
		return apperr.InvalidState(OpBreakStart, string(st), "break already in progress")
	default:
		return apperr.InvalidState(OpBreakStart, string(st), "session is not open")
	}
	start := now
	s.BreakStartTime = &start
	s.BreakEndTime = nil
	s.UpdatedAt = now
	return nil
}

// endBreak resolves the open break and charges its length. A clock that
// moved backwards charges zero and reports skewed.
func (s *Session) endBreak(now time.Time) (skewed bool, err error) {
	if st := s.State(); st != StateOnBreak {
		return false, apperr.InvalidState(OpBreakEnd, string(st), "no break in progress")
	}
	end := now
	secs, skewed := duration.Clamped(*s.BreakStartTime, end)
	if skewed {
		end = *s.BreakStartTime
	}
	s.BreakEndTime = &end
	s.BreakDurationSeconds += secs
	s.UpdatedAt = now
	return skewed, nil
}

// punchOut closes the session. Total work is gross elapsed time; break time
// is reported separately and not subtracted. An unresolved break is left
// uncharged.
func (s *Session) punchOut(now time.Time) (skewed bool, err error) {
	if st := s.State(); st == StateClosed {
		return false, apperr.InvalidState(OpPunchOut, string(st), "session already closed")
	}
	out := now
	total, skewed := duration.Clamped(s.PunchInTime, out)
	if skewed {
		out = s.PunchInTime
	}
	s.PunchOutTime = &out
	s.TotalWorkDurationSeconds = &total
	s.UpdatedAt = now
	return skewed, nil
}

// View is a read-only projection of a session with live elapsed counters.
type View struct {
	Session
	State               State `json:"state"`
	ElapsedSeconds      int64 `json:"elapsed_seconds"`
	CurrentBreakSeconds int64 `json:"current_break_seconds"`
}

// Live projects s as of now. Closed sessions report their recorded total.
func Live(s Session, now time.Time) View {
	v := View{Session: s, State: s.State()}
	switch {
	case s.TotalWorkDurationSeconds != nil:
		v.ElapsedSeconds = *s.TotalWorkDurationSeconds
	default:
		v.ElapsedSeconds = duration.Elapsed(s.PunchInTime, now)
	}
	if v.State == StateOnBreak {
		v.CurrentBreakSeconds = duration.Elapsed(*s.BreakStartTime, now)
	}
	return v
}
