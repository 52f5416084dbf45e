package keylock_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"workpulse/internal/keylock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSerializesSameKey(t *testing.T) {
	t.Parallel()

	var (
		locks   keylock.Map
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("acme/alice")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
	require.Zero(t, locks.Len())
}

func TestIndependentKeys(t *testing.T) {
	t.Parallel()

	var locks keylock.Map
	unlockA := locks.Lock("a")
	// A different key must not block while "a" is held.
	unlockB := locks.Lock("b")
	require.Equal(t, 2, locks.Len())
	unlockB()
	unlockA()
	// Double unlock is a no-op.
	unlockA()
	require.Zero(t, locks.Len())
}
