package agent_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"workpulse/internal/agent"
	"workpulse/internal/presence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeServer struct {
	mu       sync.Mutex
	received []presence.HeartbeatEvent
	failures atomic.Int32
	status   int
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.failures.Add(-1) >= 0 {
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	if f.status != 0 {
		http.Error(w, `{"error":{"kind":"validation"}}`, f.status)
		return
	}
	var e presence.HeartbeatEvent
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.received = append(f.received, e)
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(presence.Device{
		Identity: presence.Identity{CompanyName: e.CompanyName, EmployeeID: e.EmployeeID, MachineID: e.MachineID},
		Online:   true,
	})
}

func (f *fakeServer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func fastClient(url string) *agent.Client {
	c := agent.NewClient(url)
	c.NewBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}
	return c
}

func TestClientRetriesServerErrors(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{}
	fs.failures.Store(2)
	srv := httptest.NewServer(fs)
	defer srv.Close()

	d, err := fastClient(srv.URL+"/").Send(context.Background(), presence.HeartbeatEvent{CompanyName: "Acme", EmployeeID: "E1", MachineID: "M1"})
	require.NoError(t, err)
	require.True(t, d.Online)
	require.Equal(t, "M1", d.MachineID)
	require.Equal(t, 1, fs.count())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).Send(context.Background(), presence.HeartbeatEvent{CompanyName: "Acme"})
	var se *agent.StatusError
	require.True(t, xerrors.As(err, &se))
	require.Equal(t, http.StatusBadRequest, se.Code)
	require.EqualValues(t, 1, calls.Load())
}

func TestAgentRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fs := &fakeServer{}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	clock := quartz.NewMock(t)
	trap := clock.Trap().TickerFunc("agent")
	defer trap.Close()

	a, err := agent.New(agent.Options{
		CompanyName: "Acme",
		EmployeeID:  "E1",
		Department:  "Support",
		Interval:    30 * time.Second,
		Client:      fastClient(srv.URL),
		Clock:       clock,
		Logger:      slogtest.Make(t, nil),
		Host: func(context.Context) (agent.HostInfo, error) {
			return agent.HostInfo{MachineID: "host-1", MachineName: "ALICE-PC", OSVersion: "windows 11", IPAddress: "10.0.0.7"}, nil
		},
	})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	trap.MustWait(ctx).MustRelease(ctx)
	require.Equal(t, 1, fs.count())

	clock.Advance(30 * time.Second).MustWait(ctx)
	clock.Advance(30 * time.Second).MustWait(ctx)
	require.Equal(t, 3, fs.count())

	fs.mu.Lock()
	got := fs.received[0]
	fs.mu.Unlock()
	require.Equal(t, presence.HeartbeatEvent{
		CompanyName: "Acme",
		EmployeeID:  "E1",
		MachineID:   "host-1",
		DisplayName: "E1",
		IPAddress:   "10.0.0.7",
		OSVersion:   "windows 11",
		MachineName: "ALICE-PC",
		AppVersion:  agent.Version,
		Department:  "Support",
	}, got)

	stop()
	require.NoError(t, <-done)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := agent.New(agent.Options{EmployeeID: "E1", Client: agent.NewClient("http://localhost")})
	require.Error(t, err)
	_, err = agent.New(agent.Options{CompanyName: "Acme", EmployeeID: "E1"})
	require.Error(t, err)
}
