// Package report composes the attendance and presence trackers into
// dashboard reads. It never mutates state, and a failing tracker degrades
// the answer instead of failing it. Storage retries happen in the trackers.
package report

import (
	"context"
	"sort"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"workpulse/internal/apperr"
	"workpulse/internal/attendance"
	"workpulse/internal/duration"
	"workpulse/internal/presence"
)

// SessionSource is the read side of the attendance tracker.
type SessionSource interface {
	Sessions(ctx context.Context, f attendance.Filter) ([]attendance.Session, error)
	OpenSessions(ctx context.Context, companyName string) ([]attendance.Session, error)
}

// DeviceSource is the read side of the presence tracker.
type DeviceSource interface {
	ListDevices(ctx context.Context, companyName string) ([]presence.Device, error)
}

// DateRange bounds punch-in times: From inclusive, To exclusive.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Day returns the calendar day containing t in loc.
func Day(t time.Time, loc *time.Location) DateRange {
	y, m, d := t.In(loc).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return DateRange{From: from, To: from.AddDate(0, 0, 1)}
}

// Summary aggregates the closed sessions of one identity.
type Summary struct {
	attendance.Identity
	Sessions          int       `json:"sessions"`
	TotalWorkSeconds  int64     `json:"total_work_seconds"`
	TotalBreakSeconds int64     `json:"total_break_seconds"`
	FirstPunchIn      time.Time `json:"first_punch_in"`
	LastPunchOut      time.Time `json:"last_punch_out"`
	WorkFormatted     string    `json:"work_formatted"`
	BreakFormatted    string    `json:"break_formatted"`
}

// Sections of an Overview that can fail independently.
const (
	SectionSessions = "sessions"
	SectionDevices  = "devices"
)

// SectionError describes a sub-query that failed.
type SectionError struct {
	Section string      `json:"section"`
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Overview is the dashboard aggregate. When Partial is set, the sections in
// Errors hold zero values.
type Overview struct {
	CompanyName       string          `json:"company_name"`
	Range             DateRange       `json:"range"`
	GeneratedAt       time.Time       `json:"generated_at"`
	Summaries         []Summary       `json:"summaries"`
	PresentUsers      int             `json:"present_users"`
	CompletedSessions int             `json:"completed_sessions"`
	CurrentlyWorking  int             `json:"currently_working"`
	Devices           presence.Counts `json:"devices"`
	Partial           bool            `json:"partial"`
	Errors            []SectionError  `json:"errors,omitempty"`
}

// Options configures a Service.
type Options struct {
	Clock  quartz.Clock
	Logger slog.Logger
}

// Service answers aggregate queries.
type Service struct {
	sessions SessionSource
	devices  DeviceSource
	clock    quartz.Clock
	log      slog.Logger
}

// NewService creates a report service.
func NewService(sessions SessionSource, devices DeviceSource, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Service{
		sessions: sessions,
		devices:  devices,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
}

// SessionsSummary groups the closed sessions of a company within r by
// identity.
func (s *Service) SessionsSummary(ctx context.Context, companyName string, r DateRange) ([]Summary, error) {
	closed, err := s.sessions.Sessions(ctx, attendance.Filter{
		CompanyName: companyName,
		From:        r.From,
		To:          r.To,
		ClosedOnly:  true,
	})
	if err != nil {
		return nil, err
	}
	return Summarize(closed), nil
}

// Summarize groups closed sessions by identity. Open sessions are skipped.
func Summarize(sessions []attendance.Session) []Summary {
	byID := make(map[attendance.Identity]*Summary)
	for _, sess := range sessions {
		if sess.IsOpen() {
			continue
		}
		sum, ok := byID[sess.Identity]
		if !ok {
			sum = &Summary{Identity: sess.Identity, FirstPunchIn: sess.PunchInTime, LastPunchOut: *sess.PunchOutTime}
			byID[sess.Identity] = sum
		}
		sum.Sessions++
		if sess.TotalWorkDurationSeconds != nil {
			sum.TotalWorkSeconds += *sess.TotalWorkDurationSeconds
		}
		sum.TotalBreakSeconds += sess.BreakDurationSeconds
		if sess.PunchInTime.Before(sum.FirstPunchIn) {
			sum.FirstPunchIn = sess.PunchInTime
		}
		if sess.PunchOutTime.After(sum.LastPunchOut) {
			sum.LastPunchOut = *sess.PunchOutTime
		}
	}
	out := make([]Summary, 0, len(byID))
	for _, sum := range byID {
		sum.WorkFormatted = duration.Format(sum.TotalWorkSeconds)
		sum.BreakFormatted = duration.Format(sum.TotalBreakSeconds)
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompanyName != out[j].CompanyName {
			return out[i].CompanyName < out[j].CompanyName
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// ActiveDeviceCount counts a company's devices that are online now.
func (s *Service) ActiveDeviceCount(ctx context.Context, companyName string) (int, error) {
	ds, err := s.devices.ListDevices(ctx, companyName)
	if err != nil {
		return 0, err
	}
	return presence.Tally(ds).Online, nil
}

// Overview runs the session and device queries concurrently. If one fails
// the other's data is returned with Partial set; only when both fail is an
// error returned.
func (s *Service) Overview(ctx context.Context, companyName string, r DateRange) (Overview, error) {
	if companyName == "" {
		return Overview{}, apperr.Validation("overview", "company_name required")
	}
	ov := Overview{CompanyName: companyName, Range: r, GeneratedAt: s.clock.Now().UTC()}

	var (
		sessErr error
		devErr  error
		inRange []attendance.Session
		open    []attendance.Session
		devices []presence.Device
	)
	var eg errgroup.Group
	eg.Go(func() error {
		inRange, sessErr = s.sessions.Sessions(ctx, attendance.Filter{CompanyName: companyName, From: r.From, To: r.To})
		if sessErr != nil {
			return nil
		}
		open, sessErr = s.sessions.OpenSessions(ctx, companyName)
		return nil
	})
	eg.Go(func() error {
		devices, devErr = s.devices.ListDevices(ctx, companyName)
		return nil
	})
	_ = eg.Wait()

	if sessErr != nil && devErr != nil {
		return Overview{}, xerrors.Errorf("overview: sessions: %v; devices: %w", sessErr, devErr)
	}

	if sessErr != nil {
		ov.Partial = true
		ov.Errors = append(ov.Errors, sectionError(SectionSessions, sessErr))
		s.log.Warn(ctx, "overview sessions degraded", slog.F("company", companyName), slog.Error(sessErr))
	} else {
		ov.Summaries = Summarize(inRange)
		present := make(map[attendance.Identity]struct{})
		for _, sess := range inRange {
			present[sess.Identity] = struct{}{}
			if !sess.IsOpen() {
				ov.CompletedSessions++
			}
		}
		ov.PresentUsers = len(present)
		ov.CurrentlyWorking = len(open)
	}

	if devErr != nil {
		ov.Partial = true
		ov.Errors = append(ov.Errors, sectionError(SectionDevices, devErr))
		s.log.Warn(ctx, "overview devices degraded", slog.F("company", companyName), slog.Error(devErr))
	} else {
		ov.Devices = presence.Tally(devices)
	}
	return ov, nil
}

func sectionError(section string, err error) SectionError {
	return SectionError{Section: section, Kind: apperr.KindOf(err), Message: err.Error()}
}
