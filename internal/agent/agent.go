// Package agent runs on a workstation and reports presence heartbeats.
package agent

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"workpulse/internal/presence"
)

// Version is reported as the heartbeat app_version.
var Version = "dev"

// Options configures an Agent.
type Options struct {
	CompanyName string
	EmployeeID  string
	DisplayName string
	Department  string
	Interval    time.Duration

	Client *Client
	Clock  quartz.Clock
	Logger slog.Logger
	// Host defaults to CollectHost.
	Host func(ctx context.Context) (HostInfo, error)
}

// Agent sends a heartbeat on start and then every Interval.
type Agent struct {
	opts Options
}

func New(opts Options) (*Agent, error) {
	if opts.CompanyName == "" || opts.EmployeeID == "" {
		return nil, xerrors.New("company name and employee id are required")
	}
	if opts.Client == nil {
		return nil, xerrors.New("client is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Host == nil {
		opts.Host = CollectHost
	}
	return &Agent{opts: opts}, nil
}

// Event builds the heartbeat payload from the current host facts.
func (a *Agent) Event(ctx context.Context) (presence.HeartbeatEvent, error) {
	h, err := a.opts.Host(ctx)
	if err != nil {
		return presence.HeartbeatEvent{}, err
	}
	display := a.opts.DisplayName
	if display == "" {
		display = a.opts.EmployeeID
	}
	return presence.HeartbeatEvent{
		CompanyName: a.opts.CompanyName,
		EmployeeID:  a.opts.EmployeeID,
		MachineID:   h.MachineID,
		DisplayName: display,
		IPAddress:   h.IPAddress,
		OSVersion:   h.OSVersion,
		MachineName: h.MachineName,
		AppVersion:  Version,
		Department:  a.opts.Department,
	}, nil
}

func (a *Agent) beat(ctx context.Context) {
	e, err := a.Event(ctx)
	if err != nil {
		a.opts.Logger.Warn(ctx, "collect host info", slog.Error(err))
		return
	}
	d, err := a.opts.Client.Send(ctx, e)
	if err != nil {
		if ctx.Err() == nil {
			a.opts.Logger.Warn(ctx, "send heartbeat", slog.F("machine_id", e.MachineID), slog.Error(err))
		}
		return
	}
	a.opts.Logger.Debug(ctx, "heartbeat sent", slog.F("machine_id", d.MachineID), slog.F("last_heartbeat", d.LastHeartbeat))
}

// Run blocks until ctx is done. Failed heartbeats are logged and the next
// tick tries again.
func (a *Agent) Run(ctx context.Context) error {
	a.beat(ctx)
	w := a.opts.Clock.TickerFunc(ctx, a.opts.Interval, func() error {
		a.beat(ctx)
		return nil
	}, "agent", "heartbeat")
	err := w.Wait()
	if xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
