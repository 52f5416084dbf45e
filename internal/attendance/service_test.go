package attendance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"workpulse/internal/apperr"
	"workpulse/internal/attendance"
	"workpulse/internal/audit"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingAuditor struct {
	mu    sync.Mutex
	flags []audit.Flag
}

func (r *recordingAuditor) Flag(_ context.Context, f audit.Flag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags = append(r.flags, f)
	return nil
}

func setup(t *testing.T) (*attendance.Tracker, *attendance.MemoryStore, *quartz.Mock, *recordingAuditor) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(t0)
	st := attendance.NewMemoryStore()
	aud := &recordingAuditor{}
	tr := attendance.NewTracker(st, attendance.Options{
		Clock:   clock,
		Logger:  slogtest.Make(t, nil),
		Auditor: aud,
	})
	return tr, st, clock, aud
}

var alice = attendance.Identity{CompanyName: "Acme", Username: "alice"}

func TestFullDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, clock, aud := setup(t)

	s, err := tr.PunchIn(ctx, alice, attendance.MachineInfo{MachineID: "m-1", IPAddress: "10.0.0.7", SystemName: "ALICE-PC"})
	require.NoError(t, err)
	require.Equal(t, t0, s.PunchInTime)
	require.Equal(t, attendance.StateWorking, s.State())
	require.Equal(t, "ALICE-PC", s.SystemName)

	clock.Advance(time.Hour)
	s, err = tr.BreakStart(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, attendance.StateOnBreak, s.State())

	clock.Advance(15 * time.Minute)
	s, err = tr.BreakEnd(ctx, alice)
	require.NoError(t, err)
	require.EqualValues(t, 900, s.BreakDurationSeconds)
	require.Equal(t, attendance.StateWorking, s.State())

	clock.Advance(7*time.Hour + 45*time.Minute)
	s, err = tr.PunchOut(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, attendance.StateClosed, s.State())
	require.NotNil(t, s.TotalWorkDurationSeconds)
	require.EqualValues(t, 32400, *s.TotalWorkDurationSeconds)
	require.EqualValues(t, 900, s.BreakDurationSeconds)

	cur, err := tr.CurrentSession(ctx, alice)
	require.NoError(t, err)
	require.Nil(t, cur)
	require.Empty(t, aud.flags)
}

func TestDoublePunchInConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, st, clock, _ := setup(t)

	first, err := tr.PunchIn(ctx, alice, attendance.MachineInfo{})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = tr.PunchIn(ctx, alice, attendance.MachineInfo{})
	require.True(t, apperr.IsKind(err, apperr.KindConflict), "got %v", err)

	open, err := st.ListOpen(ctx, "Acme")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, first.ID, open[0].ID)
}

func TestConcurrentPunchInOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, st, _, _ := setup(t)

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.PunchIn(ctx, alice, attendance.MachineInfo{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperr.IsKind(err, apperr.KindConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ok)
	require.Equal(t, n-1, conflicts)
	open, err := st.ListOpen(ctx, "Acme")
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestIdentitiesAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, _, _ := setup(t)

	_, err := tr.PunchIn(ctx, alice, attendance.MachineInfo{})
	require.NoError(t, err)
	_, err = tr.PunchIn(ctx, attendance.Identity{CompanyName: "Acme", Username: "bob"}, attendance.MachineInfo{})
	require.NoError(t, err)
	_, err = tr.PunchIn(ctx, attendance.Identity{CompanyName: "Globex", Username: "alice"}, attendance.MachineInfo{})
	require.NoError(t, err)
}

func TestBreakEndWithoutBreak(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, clock, _ := setup(t)

	before, err := tr.PunchIn(ctx, alice, attendance.MachineInfo{})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = tr.BreakEnd(ctx, alice)
	require.True(t, apperr.IsKind(err, apperr.KindInvalidState), "got %v", err)

	after, err := tr.CurrentSession(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, before, *after)
}

func TestTransitionsWithoutOpenSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, _, _ := setup(t)

	_, err := tr.BreakStart(ctx, alice)
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))
	_, err = tr.BreakEnd(ctx, alice)
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))
	_, err = tr.PunchOut(ctx, alice)
	require.True(t, apperr.IsKind(err, apperr.KindNotFound))

	var typed *apperr.Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, string(attendance.StateNoOpenSession), typed.State)
}

func TestBreakStartTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, clock, _ := setup(t)

	_, err := tr.PunchIn(ctx, alice, attendance.MachineInfo{})
	require.NoError(t, err)
	_, err = tr.BreakStart(ctx, alice)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = tr.BreakStart(ctx, alice)
	require.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, _, _ := setup(t)

	_, err := tr.PunchIn(ctx, attendance.Identity{CompanyName: "Acme"}, attendance.MachineInfo{})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = tr.PunchOut(ctx, attendance.Identity{Username: "alice"})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = tr.CurrentSession(ctx, attendance.Identity{CompanyName: " ", Username: "alice"})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = tr.Apply(ctx, attendance.PunchEvent{Type: "lunch", CompanyName: "Acme", Username: "alice"})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = tr.Sessions(ctx, attendance.Filter{})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = tr.Sessions(ctx, attendance.Filter{CompanyName: "Acme", From: t0, To: t0.Add(-time.Hour)})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestTotalIsGrossAcrossBreakCycles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, clock, _ := setup(t)

	_, err := tr.PunchIn(ctx, alice, attendance.MachineInfo{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		clock.Advance(time.Hour)
		_, err = tr.BreakStart(ctx, alice)
		require.NoError(t, err)
		clock.Advance(10*time.Minute + 700*time.Millisecond)
		_, err = tr.BreakEnd(ctx, alice)
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)
	s, err := tr.PunchOut(ctx, alice)
	require.NoError(t, err)

	require.EqualValues(t, 3*600, s.BreakDurationSeconds)
	want := int64(s.PunchOutTime.Sub(s.PunchInTime) / time.Second)
	require.Equal(t, want, *s.TotalWorkDurationSeconds)
}

func TestApplyDispatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, clock, _ := setup(t)

	ev := attendance.PunchEvent{CompanyName: "Acme", Username: "alice", MachineID: "m-9"}
	for _, step := range []struct {
		typ  attendance.EventType
		want attendance.State
	}{
		{attendance.EventPunchIn, attendance.StateWorking},
		{attendance.EventBreakStart, attendance.StateOnBreak},
		{attendance.EventBreakEnd, attendance.StateWorking},
		{attendance.EventPunchOut, attendance.StateClosed},
	} {
		clock.Advance(time.Minute)
		ev.Type = step.typ
		s, err := tr.Apply(ctx, ev)
		require.NoError(t, err, step.typ)
		require.Equal(t, step.want, s.State(), step.typ)
		require.Equal(t, "m-9", s.MachineID)
	}
}

func TestClockSkewFlagsAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, st, _, aud := setup(t)

	// A break recorded by a node whose clock ran ahead.
	ahead := t0.Add(2 * time.Minute)
	_, err := st.Create(ctx, attendance.Session{
		ID:             uuid.New(),
		Identity:       alice,
		PunchInTime:    t0.Add(-time.Hour),
		BreakStartTime: &ahead,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	})
	require.NoError(t, err)

	s, err := tr.BreakEnd(ctx, alice)
	require.NoError(t, err)
	require.Zero(t, s.BreakDurationSeconds)
	require.Equal(t, attendance.StateWorking, s.State())

	require.Len(t, aud.flags, 1)
	f := aud.flags[0]
	require.Equal(t, audit.KindClockSkew, f.Kind)
	require.Equal(t, attendance.OpBreakEnd, f.Op)
	require.Equal(t, "alice", f.Subject)
	require.Equal(t, s.ID.String(), f.RecordID)
	require.Equal(t, ahead, f.Reference)
}

func TestCurrentViewAndListing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, clock, _ := setup(t)

	v, err := tr.CurrentView(ctx, alice)
	require.NoError(t, err)
	require.Nil(t, v)

	_, err = tr.PunchIn(ctx, alice, attendance.MachineInfo{})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = tr.BreakStart(ctx, alice)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)

	v, err = tr.CurrentView(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, attendance.StateOnBreak, v.State)
	require.EqualValues(t, 2*3600+300, v.ElapsedSeconds)
	require.EqualValues(t, 300, v.CurrentBreakSeconds)

	_, err = tr.PunchOut(ctx, alice)
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	_, err = tr.PunchIn(ctx, alice, attendance.MachineInfo{})
	require.NoError(t, err)

	all, err := tr.Sessions(ctx, attendance.Filter{CompanyName: "Acme", Username: "alice"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.True(t, all[0].PunchInTime.After(all[1].PunchInTime))

	closed, err := tr.Sessions(ctx, attendance.Filter{CompanyName: "Acme", ClosedOnly: true})
	require.NoError(t, err)
	require.Len(t, closed, 1)

	day, err := tr.Sessions(ctx, attendance.Filter{CompanyName: "Acme", From: t0, To: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, day, 1)

	open, err := tr.OpenSessions(ctx, "Acme")
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestStoreCallsCarryDeadline(t *testing.T) {
	t.Parallel()

	st := &deadlineStore{MemoryStore: attendance.NewMemoryStore()}
	tr := attendance.NewTracker(st, attendance.Options{
		Clock:          quartz.NewMock(t),
		Logger:         slogtest.Make(t, nil),
		StorageTimeout: time.Minute,
	})
	_, err := tr.PunchIn(context.Background(), alice, attendance.MachineInfo{})
	require.NoError(t, err)
	require.True(t, st.sawDeadline)
}

type deadlineStore struct {
	*attendance.MemoryStore
	sawDeadline bool
}

func (d *deadlineStore) Create(ctx context.Context, s attendance.Session) (attendance.Session, error) {
	_, d.sawDeadline = ctx.Deadline()
	return d.MemoryStore.Create(ctx, s)
}

func TestMemoryStoreCreateCopiesSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := attendance.NewMemoryStore()
	breakStart := t0.Add(time.Hour)
	in := attendance.Session{
		ID:             uuid.New(),
		Identity:       alice,
		PunchInTime:    t0,
		BreakStartTime: &breakStart,
		UpdatedAt:      t0,
	}
	out, err := st.Create(ctx, in)
	require.NoError(t, err)

	// Neither the caller's session nor the returned copy aliases the stored row.
	*in.BreakStartTime = t0.Add(2 * time.Hour)
	*out.BreakStartTime = t0.Add(3 * time.Hour)

	got, err := st.Open(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, t0.Add(time.Hour), *got.BreakStartTime)
}

// flakyStore fails the first call of each method with a transport error.
type flakyStore struct {
	*attendance.MemoryStore
	mu    sync.Mutex
	calls map[string]int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: attendance.NewMemoryStore(), calls: map[string]int{}}
}

func (f *flakyStore) hit(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if f.calls[method] == 1 {
		return xerrors.New("connection reset by peer")
	}
	return nil
}

func (f *flakyStore) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *flakyStore) Open(ctx context.Context, id attendance.Identity) (*attendance.Session, error) {
	if err := f.hit("Open"); err != nil {
		return nil, err
	}
	return f.MemoryStore.Open(ctx, id)
}

func (f *flakyStore) List(ctx context.Context, filter attendance.Filter) ([]attendance.Session, error) {
	if err := f.hit("List"); err != nil {
		return nil, err
	}
	return f.MemoryStore.List(ctx, filter)
}

func (f *flakyStore) ListOpen(ctx context.Context, companyName string) ([]attendance.Session, error) {
	if err := f.hit("ListOpen"); err != nil {
		return nil, err
	}
	return f.MemoryStore.ListOpen(ctx, companyName)
}

func (f *flakyStore) UpdateOpen(ctx context.Context, id attendance.Identity, fn func(*attendance.Session) error) (attendance.Session, error) {
	if err := f.hit("UpdateOpen"); err != nil {
		return attendance.Session{}, err
	}
	return f.MemoryStore.UpdateOpen(ctx, id, fn)
}

func TestReadsRetryTransientStorageErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := newFlakyStore()
	clock := quartz.NewMock(t)
	clock.Set(t0)
	tr := attendance.NewTracker(st, attendance.Options{
		Clock:     clock,
		Logger:    slogtest.Make(t, nil),
		RetryWait: time.Millisecond,
	})
	_, err := tr.PunchIn(ctx, alice, attendance.MachineInfo{})
	require.NoError(t, err)

	cur, err := tr.CurrentSession(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, cur)
	require.Equal(t, 2, st.count("Open"))

	ss, err := tr.Sessions(ctx, attendance.Filter{CompanyName: "Acme"})
	require.NoError(t, err)
	require.Len(t, ss, 1)
	require.Equal(t, 2, st.count("List"))

	open, err := tr.OpenSessions(ctx, "Acme")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, 2, st.count("ListOpen"))

	// Mutations are never retried.
	_, err = tr.BreakStart(ctx, alice)
	require.True(t, apperr.IsKind(err, apperr.KindStorage))
	require.Equal(t, 1, st.count("UpdateOpen"))
}
