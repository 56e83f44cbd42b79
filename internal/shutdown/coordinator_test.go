package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPhasesRunInOrder(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	var mu sync.Mutex
	var order []string
	add := func(name string) Func {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	// Registered out of order on purpose
	c.RegisterFunc("lock", PhaseCleanup, add("lock"))
	c.RegisterFunc("store", PhaseStorage, add("store"))
	c.RegisterFunc("serial", PhaseDevices, add("serial"))
	c.RegisterFunc("supervisor", PhaseSupervisors, add("supervisor"))
	c.RegisterFunc("server", PhaseUI, add("server"))

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"server", "supervisor", "serial", "store", "lock"}, order)
	assert.True(t, c.IsShuttingDown())
}

func TestPriorityWithinPhase(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	noop := func(context.Context) error { return nil }

	c.Register(&Handler{Name: "low", Phase: PhaseDevices, Priority: 1, Fn: noop})
	c.Register(&Handler{Name: "high", Phase: PhaseDevices, Priority: 10, Fn: noop})
	c.Register(&Handler{Name: "mid", Phase: PhaseDevices, Priority: 5, Fn: noop})
	c.Register(&Handler{Name: "mid2", Phase: PhaseDevices, Priority: 5, Fn: noop})

	assert.Equal(t, []string{"high", "mid", "mid2", "low"}, c.PhaseHandlers(PhaseDevices))
	assert.Empty(t, c.PhaseHandlers(PhaseUI))
}

func TestErrorsDoNotStopLaterPhases(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	boom := errors.New("boom")

	var ran atomic.Int32
	c.RegisterFunc("failing", PhaseUI, func(context.Context) error { return boom })
	c.RegisterFunc("store", PhaseStorage, func(context.Context) error {
		ran.Add(1)
		return nil
	})

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "phase UI")
	assert.Equal(t, int32(1), ran.Load())
}

func TestHandlerTimeout(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	c.Register(&Handler{
		Name:    "stuck",
		Phase:   PhaseDevices,
		Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	})

	var ran atomic.Bool
	c.RegisterFunc("store", PhaseStorage, func(context.Context) error {
		ran.Store(true)
		return nil
	})

	start := time.Now()
	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, ran.Load())
}

func TestTotalDeadlineSkipsRemainingPhases(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	c.SetTimeouts(time.Second, 30*time.Millisecond)

	c.RegisterFunc("slow", PhaseUI, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var ran atomic.Bool
	c.RegisterFunc("store", PhaseStorage, func(context.Context) error {
		ran.Store(true)
		return nil
	})

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran.Load())
}

func TestShutdownRunsOnce(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	var calls atomic.Int32
	c.RegisterFunc("once", PhaseCleanup, func(context.Context) error {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Shutdown(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}
