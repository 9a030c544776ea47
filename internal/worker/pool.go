package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"whatsapp-dispatch/internal/health"
	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/metrics"
	"whatsapp-dispatch/internal/models"
)

type DeviceSource interface {
	ListOnlineDevices(ctx context.Context) ([]models.Device, error)
}

type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds the runner for one device.
type Factory func(device models.Device) Runner

type running struct {
	device models.Device
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool keeps one runner per online device in this process. Devices that go
// offline or disappear are stopped; a device whose row changed is restarted
// so the worker picks up new credentials and delays.
type Pool struct {
	devices DeviceSource
	factory Factory
	refresh time.Duration
	log     logger.Logger

	mu      sync.Mutex
	workers map[string]*running
	wg      sync.WaitGroup
}

func NewPool(devices DeviceSource, factory Factory, refresh time.Duration, log logger.Logger) *Pool {
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &Pool{
		devices: devices,
		factory: factory,
		refresh: refresh,
		log:     log,
		workers: make(map[string]*running),
	}
}

// Run reconciles on start and then every refresh interval. On return every
// runner has exited.
func (p *Pool) Run(ctx context.Context) error {
	defer p.stopAll()

	if err := p.Reconcile(ctx); err != nil {
		p.log.WithError(err).Error("device refresh failed", nil)
	}
	ticker := time.NewTicker(p.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Reconcile(ctx); err != nil {
				p.log.WithError(err).Error("device refresh failed", nil)
			}
		}
	}
}

func (p *Pool) Reconcile(ctx context.Context) error {
	devices, err := p.devices.ListOnlineDevices(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]models.Device, len(devices))
	for _, d := range devices {
		want[d.ID] = d
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for id, r := range p.workers {
		d, ok := want[id]
		if ok && d.UpdatedAt.Equal(r.device.UpdatedAt) {
			continue
		}
		p.stopLocked(id, r)
	}
	for id, d := range want {
		if _, ok := p.workers[id]; ok {
			continue
		}
		p.startLocked(ctx, d)
	}
	metrics.DeviceWorkersActive.Set(float64(len(p.workers)))
	return nil
}

func (p *Pool) startLocked(parent context.Context, d models.Device) {
	ctx, cancel := context.WithCancel(parent)
	r := &running{device: d, cancel: cancel, done: make(chan struct{})}
	p.workers[d.ID] = r
	runner := p.factory(d)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(r.done)
		if err := runner.Run(ctx); err != nil {
			p.log.WithError(err).Error("device worker exited", map[string]interface{}{"device_id": d.ID})
		}
	}()
	p.log.Info("device worker scheduled", map[string]interface{}{"device_id": d.ID})
}

func (p *Pool) stopLocked(id string, r *running) {
	r.cancel()
	<-r.done
	delete(p.workers, id)
	p.log.Info("device worker removed", map[string]interface{}{"device_id": id})
}

func (p *Pool) stopAll() {
	p.mu.Lock()
	for id, r := range p.workers {
		r.cancel()
		delete(p.workers, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
	metrics.DeviceWorkersActive.Set(0)
}

// Devices lists the device ids with a running worker.
func (p *Pool) Devices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.workers))
	for id := range p.workers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NewFactory builds DeviceWorkers that share one queue, device lookup,
// transport and heartbeat recorder.
func NewFactory(queue Queue, devices DeviceLookup, transport Transport, notifier Notifier, beats health.Recorder, log logger.Logger, opts Options) Factory {
	return func(device models.Device) Runner {
		return NewDeviceWorker(device, queue, devices, transport, notifier, beats, log, opts)
	}
}
