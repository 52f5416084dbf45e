// Package attendance tracks punch sessions: one consolidated record per work
// session, opened on punch-in and closed on punch-out.
package attendance

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"workpulse/internal/apperr"
	"workpulse/internal/audit"
	"workpulse/internal/retry"
)

// Operation names used in errors, metrics and audit flags.
const (
	OpPunchIn    = "punch_in"
	OpBreakStart = "break_start"
	OpBreakEnd   = "break_end"
	OpPunchOut   = "punch_out"
	OpCurrent    = "current_session"
	OpList       = "list_sessions"
)

// Store persists sessions. Implementations must serialize mutations per
// identity: Create fails with a conflict error when an open session exists,
// and UpdateOpen is one atomic read-modify-write of the open row.
type Store interface {
	Create(ctx context.Context, s Session) (Session, error)
	UpdateOpen(ctx context.Context, id Identity, fn func(*Session) error) (Session, error)
	Open(ctx context.Context, id Identity) (*Session, error)
	List(ctx context.Context, f Filter) ([]Session, error)
	ListOpen(ctx context.Context, companyName string) ([]Session, error)
}

// Auditor receives clock-skew flags raised while computing durations.
type Auditor interface {
	Flag(ctx context.Context, f audit.Flag) error
}

// Filter narrows a session listing. Zero fields do not filter. From is
// inclusive and To exclusive, both applied to the punch-in time.
type Filter struct {
	CompanyName string
	Username    string
	From        time.Time
	To          time.Time
	ClosedOnly  bool
}

// Matches reports whether s passes the filter.
func (f Filter) Matches(s Session) bool {
	switch {
	case f.CompanyName != "" && s.CompanyName != f.CompanyName:
		return false
	case f.Username != "" && s.Username != f.Username:
		return false
	case !f.From.IsZero() && s.PunchInTime.Before(f.From):
		return false
	case !f.To.IsZero() && !s.PunchInTime.Before(f.To):
		return false
	case f.ClosedOnly && s.IsOpen():
		return false
	}
	return true
}

// Options configures a Tracker.
type Options struct {
	Clock   quartz.Clock
	Logger  slog.Logger
	Auditor Auditor
	// StorageTimeout bounds each store call when the caller's context has
	// no deadline.
	StorageTimeout time.Duration
	// RetryWait is the pause before a failed read is retried once.
	RetryWait time.Duration
}

// Tracker owns every mutation of attendance sessions.
type Tracker struct {
	store   Store
	clock   quartz.Clock
	log     slog.Logger
	auditor Auditor
	timeout time.Duration
	wait    time.Duration
}

// NewTracker creates a tracker backed by store.
func NewTracker(store Store, opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 5 * time.Second
	}
	return &Tracker{
		store:   store,
		clock:   opts.Clock,
		log:     opts.Logger,
		auditor: opts.Auditor,
		timeout: opts.StorageTimeout,
		wait:    opts.RetryWait,
	}
}

func (t *Tracker) now() time.Time {
	return t.clock.Now().UTC()
}

func (t *Tracker) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.timeout)
}

// PunchIn opens a session for id.
func (t *Tracker) PunchIn(ctx context.Context, id Identity, info MachineInfo) (Session, error) {
	if err := id.Validate(OpPunchIn); err != nil {
		return Session{}, err
	}
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	s, err := t.store.Create(ctx, newSession(id, info, t.now()))
	if err != nil {
		return Session{}, apperr.Storage(OpPunchIn, err)
	}
	t.log.Info(ctx, "punched in", slog.F("company", id.CompanyName), slog.F("username", id.Username), slog.F("session_id", s.ID))
	return s, nil
}

// BreakStart starts a break on the open session.
func (t *Tracker) BreakStart(ctx context.Context, id Identity) (Session, error) {
	return t.mutate(ctx, OpBreakStart, id, func(s *Session, now time.Time) (bool, error) {
		return false, s.startBreak(now)
	})
}

// BreakEnd resolves the open break and adds its length to the session.
func (t *Tracker) BreakEnd(ctx context.Context, id Identity) (Session, error) {
	return t.mutate(ctx, OpBreakEnd, id, func(s *Session, now time.Time) (bool, error) {
		return s.endBreak(now)
	})
}

// PunchOut closes the open session.
func (t *Tracker) PunchOut(ctx context.Context, id Identity) (Session, error) {
	return t.mutate(ctx, OpPunchOut, id, func(s *Session, now time.Time) (bool, error) {
		return s.punchOut(now)
	})
}

func (t *Tracker) mutate(ctx context.Context, op string, id Identity, fn func(*Session, time.Time) (bool, error)) (Session, error) {
	if err := id.Validate(op); err != nil {
		return Session{}, err
	}
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	var (
		skewed bool
		before Session
	)
	s, err := t.store.UpdateOpen(ctx, id, func(s *Session) error {
		before = *s
		var err error
		skewed, err = fn(s, t.now())
		return err
	})
	if err != nil {
		return Session{}, apperr.Storage(op, err)
	}
	if skewed {
		t.flagSkew(ctx, op, before, s)
	}
	t.log.Info(ctx, "session updated",
		slog.F("op", op),
		slog.F("company", id.CompanyName),
		slog.F("username", id.Username),
		slog.F("state", s.State()),
	)
	return s, nil
}

// flagSkew records a clamped duration. Failures are logged; the mutation
// has already committed.
func (t *Tracker) flagSkew(ctx context.Context, op string, before, after Session) {
	f := audit.Flag{
		Kind:        audit.KindClockSkew,
		Op:          op,
		CompanyName: after.CompanyName,
		Subject:     after.Username,
		RecordID:    after.ID.String(),
		ObservedAt:  t.now(),
	}
	switch op {
	case OpBreakEnd:
		f.Detail = "break end preceded break start; charged 0s"
		if before.BreakStartTime != nil {
			f.Reference = *before.BreakStartTime
		}
	case OpPunchOut:
		f.Detail = "punch out preceded punch in; total clamped to 0s"
		f.Reference = before.PunchInTime
	}
	t.log.Warn(ctx, "clock skew clamped", slog.F("op", op), slog.F("session_id", after.ID), slog.F("detail", f.Detail))
	if t.auditor == nil {
		return
	}
	if err := t.auditor.Flag(ctx, f); err != nil {
		t.log.Error(ctx, "publish audit flag", slog.Error(err))
	}
}

// CurrentSession returns the open session for id, or nil when there is none.
func (t *Tracker) CurrentSession(ctx context.Context, id Identity) (*Session, error) {
	if err := id.Validate(OpCurrent); err != nil {
		return nil, err
	}
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	return retry.Read(ctx, t.wait, func(ctx context.Context) (*Session, error) {
		s, err := t.store.Open(ctx, id)
		return s, apperr.Storage(OpCurrent, err)
	})
}

// CurrentView is CurrentSession projected with live counters.
func (t *Tracker) CurrentView(ctx context.Context, id Identity) (*View, error) {
	s, err := t.CurrentSession(ctx, id)
	if err != nil || s == nil {
		return nil, err
	}
	v := Live(*s, t.now())
	return &v, nil
}

// Sessions lists sessions matching f. A company is required.
func (t *Tracker) Sessions(ctx context.Context, f Filter) ([]Session, error) {
	if f.CompanyName == "" {
		return nil, apperr.Validation(OpList, "company_name required")
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, apperr.Validation(OpList, "date range ends before it starts")
	}
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	return retry.Read(ctx, t.wait, func(ctx context.Context) ([]Session, error) {
		out, err := t.store.List(ctx, f)
		return out, apperr.Storage(OpList, err)
	})
}

// OpenSessions lists every open session of a company.
func (t *Tracker) OpenSessions(ctx context.Context, companyName string) ([]Session, error) {
	if companyName == "" {
		return nil, apperr.Validation(OpList, "company_name required")
	}
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	return retry.Read(ctx, t.wait, func(ctx context.Context) ([]Session, error) {
		out, err := t.store.ListOpen(ctx, companyName)
		return out, apperr.Storage(OpList, err)
	})
}

// Now exposes the tracker clock for read-side projections.
func (t *Tracker) Now() time.Time { return t.now() }
