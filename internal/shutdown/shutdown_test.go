package shutdown

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingComponent struct {
	name  string
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (r *recordingComponent) Name() string { return r.name }

func (r *recordingComponent) Shutdown(ctx context.Context) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.err
}

func (r *recordingComponent) shutdownCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestCoordinatorShutsDownAllComponents(t *testing.T) {
	c := NewCoordinator(WithTimeout(2 * time.Second))

	a := &recordingComponent{name: "a"}
	b := &recordingComponent{name: "b"}
	c.Register(a)
	c.Register(b)

	c.Shutdown()
	c.Wait()

	require.Equal(t, 1, a.shutdownCount())
	require.Equal(t, 1, b.shutdownCount())
	require.Equal(t, 0, c.ExitCode())
}

func TestCoordinatorShutdownIsIdempotent(t *testing.T) {
	c := NewCoordinator(WithTimeout(2 * time.Second))
	comp := &recordingComponent{name: "once"}
	c.Register(comp)

	c.Shutdown()
	c.Shutdown()
	c.Wait()

	require.Equal(t, 1, comp.shutdownCount())
}

func TestCoordinatorTimeoutForcesExitCode(t *testing.T) {
	c := NewCoordinator(WithTimeout(50 * time.Millisecond))
	c.Register(&recordingComponent{name: "slow", delay: 5 * time.Second})

	start := time.Now()
	c.Shutdown()
	c.Wait()

	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, 1, c.ExitCode())
}

func TestCoordinatorComponentErrorDoesNotBlockOthers(t *testing.T) {
	c := NewCoordinator(WithTimeout(2 * time.Second))
	failing := &recordingComponent{name: "failing", err: errors.New("close failed")}
	ok := &recordingComponent{name: "ok"}
	c.Register(failing)
	c.Register(ok)

	c.Shutdown()
	c.Wait()

	require.Equal(t, 1, failing.shutdownCount())
	require.Equal(t, 1, ok.shutdownCount())
	require.Equal(t, 0, c.ExitCode())
}

func TestCoordinatorWaitForSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	c := NewCoordinator(WithTimeout(2*time.Second), WithSignalChannel(sigCh))
	comp := &recordingComponent{name: "signaled"}
	c.Register(comp)

	go c.WaitForSignal()
	sigCh <- syscall.SIGTERM
	c.Wait()

	require.Equal(t, 1, comp.shutdownCount())
}

func TestStopperComponentRespectsDeadline(t *testing.T) {
	blocked := make(chan struct{})
	comp := NewStopperComponent("worker", stopFunc(func() { <-blocked }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := comp.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(blocked)
}

type stopFunc func()

func (f stopFunc) Stop() { f() }
