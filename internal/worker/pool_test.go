package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/logger/loggertest"
	"whatsapp-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	mu      sync.Mutex
	devices []models.Device
}

func (s *staticSource) set(d ...models.Device) {
	s.mu.Lock()
	s.devices = d
	s.mu.Unlock()
}

func (s *staticSource) ListOnlineDevices(context.Context) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Device(nil), s.devices...), nil
}

type lifecycle struct {
	mu      sync.Mutex
	started map[string]int
	stopped map[string]int
}

func (l *lifecycle) factory(d models.Device) Runner {
	return runnerFunc(func(ctx context.Context) error {
		l.mu.Lock()
		l.started[d.ID]++
		l.mu.Unlock()
		<-ctx.Done()
		l.mu.Lock()
		l.stopped[d.ID]++
		l.mu.Unlock()
		return nil
	})
}

func (l *lifecycle) counts(id string) (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started[id], l.stopped[id]
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func TestPoolReconcile(t *testing.T) {
	src := &staticSource{}
	lc := &lifecycle{started: map[string]int{}, stopped: map[string]int{}}
	pool := NewPool(src, lc.factory, time.Hour, loggertest.New(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src.set(models.Device{ID: "dev-1", UpdatedAt: v1}, models.Device{ID: "dev-2", UpdatedAt: v1})
	require.NoError(t, pool.Reconcile(ctx))
	assert.Equal(t, []string{"dev-1", "dev-2"}, pool.Devices())
	require.Eventually(t, func() bool {
		a, _ := lc.counts("dev-1")
		b, _ := lc.counts("dev-2")
		return a == 1 && b == 1
	}, time.Second, 5*time.Millisecond)

	// Unchanged devices keep their worker.
	require.NoError(t, pool.Reconcile(ctx))
	started, stopped := lc.counts("dev-1")
	assert.Equal(t, 1, started)
	assert.Zero(t, stopped)

	// dev-2 went offline, dev-1 was edited.
	src.set(models.Device{ID: "dev-1", UpdatedAt: v1.Add(time.Minute)})
	require.NoError(t, pool.Reconcile(ctx))
	assert.Equal(t, []string{"dev-1"}, pool.Devices())
	_, stopped = lc.counts("dev-2")
	assert.Equal(t, 1, stopped)
	require.Eventually(t, func() bool {
		s, _ := lc.counts("dev-1")
		return s == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPoolRunStopsEveryWorker(t *testing.T) {
	src := &staticSource{}
	src.set(models.Device{ID: "dev-1"}, models.Device{ID: "dev-2"})
	lc := &lifecycle{started: map[string]int{}, stopped: map[string]int{}}
	pool := NewPool(src, lc.factory, time.Hour, loggertest.New(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pool.Devices()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}

	for _, id := range []string{"dev-1", "dev-2"} {
		started, stopped := lc.counts(id)
		assert.Equal(t, started, stopped)
	}
	assert.Empty(t, pool.Devices())
}

func TestNewFactoryBuildsDeviceWorkers(t *testing.T) {
	factory := NewFactory(nil, nil, &mockTransport{}, nil, nil, logger.NewNoOpLogger(), defaultOptions())

	r := factory(models.Device{ID: "dev-7"})
	w, ok := r.(*DeviceWorker)
	require.True(t, ok)
	assert.Equal(t, "dev-7", w.device.ID)
	assert.Contains(t, w.ID(), "dev-7_")
}
