package presence

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"workpulse/internal/apperr"
	"workpulse/internal/retry"
)

const (
	OpHeartbeat = "heartbeat"
	OpIsOnline  = "is_online"
	OpList      = "list_devices"
)

// Store persists device records. Upsert must be atomic per identity and must
// keep FirstConnected from the first heartbeat.
type Store interface {
	Upsert(ctx context.Context, id Identity, snap Snapshot, now time.Time) (Device, error)
	Get(ctx context.Context, id Identity) (*Device, error)
	List(ctx context.Context, companyName string) ([]Device, error)
}

// HeartbeatEvent is one heartbeat submission.
type HeartbeatEvent struct {
	CompanyName string `json:"company_name"`
	EmployeeID  string `json:"employee_id"`
	MachineID   string `json:"machine_id"`
	DisplayName string `json:"display_name"`
	IPAddress   string `json:"ip_address"`
	OSVersion   string `json:"os_version"`
	MachineName string `json:"machine_name"`
	AppVersion  string `json:"app_version"`
	Department  string `json:"department"`
}

func (e HeartbeatEvent) identity() Identity {
	return Identity{CompanyName: e.CompanyName, EmployeeID: e.EmployeeID, MachineID: e.MachineID}
}

func (e HeartbeatEvent) snapshot() Snapshot {
	return Snapshot{
		DisplayName: e.DisplayName,
		IPAddress:   e.IPAddress,
		OSVersion:   e.OSVersion,
		MachineName: e.MachineName,
		AppVersion:  e.AppVersion,
		Department:  e.Department,
	}
}

// Counts summarizes a company's fleet.
type Counts struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// Options configures a Tracker.
type Options struct {
	Clock          quartz.Clock
	Logger         slog.Logger
	StaleThreshold time.Duration
	StorageTimeout time.Duration
	// RetryWait is the pause before a failed read is retried once.
	RetryWait time.Duration
}

// Tracker records heartbeats and answers presence queries.
type Tracker struct {
	store     Store
	clock     quartz.Clock
	log       slog.Logger
	threshold time.Duration
	timeout   time.Duration
	wait      time.Duration
}

// NewTracker creates a tracker backed by store.
func NewTracker(store Store, opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 2 * time.Minute
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 5 * time.Second
	}
	return &Tracker{
		store:     store,
		clock:     opts.Clock,
		log:       opts.Logger,
		threshold: opts.StaleThreshold,
		timeout:   opts.StorageTimeout,
		wait:      opts.RetryWait,
	}
}

// StaleThreshold is the configured freshness window.
func (t *Tracker) StaleThreshold() time.Duration { return t.threshold }

// Now is the tracker's clock reading.
func (t *Tracker) Now() time.Time { return t.clock.Now() }

func (t *Tracker) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.timeout)
}

// Heartbeat registers or refreshes a device. An unknown identity is a
// first-seen registration, not an error.
func (t *Tracker) Heartbeat(ctx context.Context, e HeartbeatEvent) (Device, error) {
	id := e.identity()
	if err := id.Validate(OpHeartbeat); err != nil {
		return Device{}, err
	}
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	now := t.clock.Now().UTC()
	d, err := t.store.Upsert(ctx, id, e.snapshot(), now)
	if err != nil {
		return Device{}, apperr.Storage(OpHeartbeat, err)
	}
	d.Online = IsOnline(d.LastHeartbeat, now, t.threshold)
	t.log.Debug(ctx, "heartbeat",
		slog.F("company", id.CompanyName),
		slog.F("employee_id", id.EmployeeID),
		slog.F("machine_id", id.MachineID),
	)
	return d, nil
}

// IsOnline evaluates the staleness predicate for a stored device at now.
func (t *Tracker) IsOnline(ctx context.Context, id Identity, now time.Time, staleThreshold time.Duration) (bool, error) {
	if err := id.Validate(OpIsOnline); err != nil {
		return false, err
	}
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	d, err := t.get(ctx, id)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, apperr.NotFound(OpIsOnline, "", "device has never sent a heartbeat")
	}
	return IsOnline(d.LastHeartbeat, now, staleThreshold), nil
}

func (t *Tracker) get(ctx context.Context, id Identity) (*Device, error) {
	return retry.Read(ctx, t.wait, func(ctx context.Context) (*Device, error) {
		d, err := t.store.Get(ctx, id)
		return d, apperr.Storage(OpIsOnline, err)
	})
}

// Device returns one device with Online computed as of now, or nil.
func (t *Tracker) Device(ctx context.Context, id Identity) (*Device, error) {
	if err := id.Validate(OpIsOnline); err != nil {
		return nil, err
	}
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	d, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d != nil {
		d.Online = IsOnline(d.LastHeartbeat, t.clock.Now(), t.threshold)
	}
	return d, nil
}

// ListDevices returns a company's devices, most recently seen first, with
// Online recomputed from the configured threshold.
func (t *Tracker) ListDevices(ctx context.Context, companyName string) ([]Device, error) {
	if companyName == "" {
		return nil, apperr.Validation(OpList, "company_name required")
	}
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()

	ds, err := retry.Read(ctx, t.wait, func(ctx context.Context) ([]Device, error) {
		ds, err := t.store.List(ctx, companyName)
		return ds, apperr.Storage(OpList, err)
	})
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	for i := range ds {
		ds[i].Online = IsOnline(ds[i].LastHeartbeat, now, t.threshold)
	}
	SortDevices(ds)
	return ds, nil
}

// Counts tallies online and offline devices of a company.
func (t *Tracker) Counts(ctx context.Context, companyName string) (Counts, error) {
	ds, err := t.ListDevices(ctx, companyName)
	if err != nil {
		return Counts{}, err
	}
	return Tally(ds), nil
}

// Tally counts devices by their Online flag.
func Tally(ds []Device) Counts {
	c := Counts{Total: len(ds)}
	for _, d := range ds {
		if d.Online {
			c.Online++
		}
	}
	c.Offline = c.Total - c.Online
	return c
}
