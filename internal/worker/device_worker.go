// Package worker delivers claimed messages. Each device has exactly one
// DeviceWorker; the Pool keeps that set in step with the online devices.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"whatsapp-dispatch/internal/apperr"
	"whatsapp-dispatch/internal/config"
	"whatsapp-dispatch/internal/directory"
	"whatsapp-dispatch/internal/health"
	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/metrics"
	"whatsapp-dispatch/internal/models"
	"whatsapp-dispatch/internal/render"
	"whatsapp-dispatch/internal/store"
	"whatsapp-dispatch/internal/ws"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type Transport interface {
	SendText(ctx context.Context, device models.Device, phone, text string) error
	SendImage(ctx context.Context, device models.Device, phone, mediaURL, caption string) error
}

// Queue is the part of the message store a worker drives.
type Queue interface {
	AcquireDeviceLease(ctx context.Context, deviceID, workerID string, ttl time.Duration) (bool, error)
	ReleaseDeviceLease(ctx context.Context, deviceID, workerID string) error
	ClaimDue(ctx context.Context, deviceID string, batchSize int, workerID string) ([]models.BroadcastMessage, error)
	RenewClaim(ctx context.Context, id, workerID string) (bool, error)
	ReleaseClaims(ctx context.Context, ids []string, workerID string) (int64, error)
	MarkSent(ctx context.Context, id string) error
	Requeue(ctx context.Context, msg models.BroadcastMessage, workerID string, cause error, backoff time.Duration, maxAttempts int) (string, error)
	MarkFailed(ctx context.Context, id, workerID string, cause error) error
	CountSentSince(ctx context.Context, deviceID string, since time.Time) (int64, error)
}

// DeviceLookup reads the current device row, so a device switched offline
// stops sending without waiting for the pool to notice.
type DeviceLookup interface {
	GetDevice(ctx context.Context, id string) (*models.Device, error)
}

type Notifier interface {
	NotifyMessageStatus(ev ws.MessageStatus)
}

type Options struct {
	BatchSize    int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	HourlyCap    int // 0 disables
	DailyCap     int // 0 disables
	Greeting     bool
	Location     *time.Location
}

func OptionsFromConfig(cfg *config.Config) Options {
	d := cfg.Dispatch
	return Options{
		BatchSize:    d.BatchSize,
		PollInterval: d.PollInterval,
		LeaseTimeout: d.LeaseTimeout,
		MinDelay:     d.MinDelay,
		MaxDelay:     d.MaxDelay,
		MaxAttempts:  d.MaxAttempts,
		RetryBackoff: d.RetryBackoff,
		MaxBackoff:   d.MaxBackoff,
		HourlyCap:    d.HourlyCap,
		DailyCap:     d.DailyCap,
		Greeting:     d.Greeting,
		Location:     cfg.Location(),
	}
}

type DeviceWorker struct {
	id        string
	device    models.Device
	queue     Queue
	devices   DeviceLookup
	transport Transport
	notifier  Notifier
	beats     health.Recorder
	log       logger.Logger
	opts      Options
	limiter   *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rnd   *rand.Rand

	processed atomic.Int64
	failed    atomic.Int64
}

func NewWorkerID(deviceID string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", deviceID, now.UnixNano(), uuid.NewString()[:8])
}

func NewDeviceWorker(device models.Device, queue Queue, devices DeviceLookup, transport Transport, notifier Notifier, beats health.Recorder, log logger.Logger, opts Options) *DeviceWorker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if beats == nil {
		beats = health.NopRecorder{}
	}

	limit, burst := rate.Inf, 0
	if opts.HourlyCap > 0 {
		limit, burst = rate.Every(time.Hour/time.Duration(opts.HourlyCap)), opts.HourlyCap
	}
	now := time.Now().UTC()
	id := NewWorkerID(device.ID, now)

	return &DeviceWorker{
		id:        id,
		device:    device,
		queue:     queue,
		devices:   devices,
		transport: transport,
		notifier:  notifier,
		beats:     beats,
		log:       log.WithFields(map[string]interface{}{"device_id": device.ID, "worker_id": id}),
		opts:      opts,
		limiter:   rate.NewLimiter(limit, burst),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
		rnd:       rand.New(rand.NewPCG(uint64(now.UnixNano()), uint64(len(device.ID)))),
	}
}

func (w *DeviceWorker) ID() string { return w.id }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes batches until ctx is cancelled, then gives up the device lease.
// Claims not yet sent are handed back to pending on the way out.
func (w *DeviceWorker) Run(ctx context.Context) error {
	w.log.Info("device worker started", nil)
	defer func() {
		bg := context.WithoutCancel(ctx)
		if err := w.queue.ReleaseDeviceLease(bg, w.device.ID, w.id); err != nil {
			w.log.WithError(err).Warn("release device lease", nil)
		}
		w.beat(bg, health.StatusStopped)
		w.log.Info("device worker stopped", map[string]interface{}{
			"processed": w.processed.Load(),
			"failed":    w.failed.Load(),
		})
	}()

	for {
		n, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.log.WithError(err).Error("device worker iteration failed", nil)
		}
		// A full batch means more is probably due; go again without waiting.
		if n >= w.opts.BatchSize && err == nil {
			continue
		}
		if err := w.sleep(ctx, w.opts.PollInterval); err != nil {
			return nil
		}
	}
}

// RunOnce claims and delivers at most one batch. It returns the number of
// messages claimed.
func (w *DeviceWorker) RunOnce(ctx context.Context) (int, error) {
	ok, err := w.queue.AcquireDeviceLease(ctx, w.device.ID, w.id, w.opts.LeaseTimeout)
	if err != nil {
		return 0, err
	}
	if !ok {
		w.log.Debug("device leased by another worker", nil)
		return 0, nil
	}
	online, err := w.refreshDevice(ctx)
	if err != nil {
		return 0, err
	}
	if !online {
		w.beat(ctx, health.StatusOffline)
		return 0, nil
	}

	now := w.now()
	want, err := w.capacity(ctx, now)
	if err != nil {
		return 0, err
	}
	if want == 0 {
		w.beat(ctx, health.StatusCapped)
		return 0, nil
	}

	claimed, err := w.queue.ClaimDue(ctx, w.device.ID, want, w.id)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		w.beat(ctx, health.StatusIdle)
		return 0, nil
	}
	w.limiter.AllowN(now, len(claimed))
	metrics.MessagesClaimed.WithLabelValues(w.device.ID).Add(float64(len(claimed)))

	for i, msg := range claimed {
		w.beat(ctx, health.StatusSending)
		if err := w.sleep(ctx, w.delayFor(msg)); err != nil {
			w.log.Info("stopping mid-batch", map[string]interface{}{"unsent": len(claimed) - i})
			w.release(context.WithoutCancel(ctx), claimed[i:])
			return i, nil
		}

		hold, err := w.holdDevice(ctx)
		if err != nil {
			return i, err
		}
		if !hold {
			w.release(ctx, claimed[i:])
			return i, nil
		}
		held, err := w.queue.RenewClaim(ctx, msg.ID, w.id)
		if err != nil {
			return i, err
		}
		if !held {
			w.log.Warn("claim lost before send, skipping", map[string]interface{}{"message_id": msg.ID})
			continue
		}
		w.deliver(ctx, msg)
	}
	w.beat(ctx, health.StatusIdle)
	return len(claimed), nil
}

// refreshDevice reloads the device row and reports whether it may send. A
// deleted device counts as offline.
func (w *DeviceWorker) refreshDevice(ctx context.Context) (bool, error) {
	if w.devices == nil {
		return w.device.Online(), nil
	}
	d, err := w.devices.GetDevice(ctx, w.device.ID)
	if errors.Is(err, directory.ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.device = *d
	return d.Online(), nil
}

// holdDevice renews the device lease and rechecks the device before a send.
func (w *DeviceWorker) holdDevice(ctx context.Context) (bool, error) {
	ok, err := w.queue.AcquireDeviceLease(ctx, w.device.ID, w.id, w.opts.LeaseTimeout)
	if err != nil {
		return false, err
	}
	if !ok {
		w.log.Warn("device lease lost mid-batch", nil)
		return false, nil
	}
	online, err := w.refreshDevice(ctx)
	if err != nil {
		return false, err
	}
	if !online {
		w.log.Info("device went offline mid-batch", nil)
		w.beat(ctx, health.StatusOffline)
	}
	return online, nil
}

// release hands the unsent part of a batch back to pending.
func (w *DeviceWorker) release(ctx context.Context, msgs []models.BroadcastMessage) {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	n, err := w.queue.ReleaseClaims(ctx, ids, w.id)
	if err != nil {
		w.log.WithError(err).Warn("release unsent claims; the sweep will recover them", nil)
		return
	}
	if n > 0 {
		w.log.Info("released unsent claims", map[string]interface{}{"count": n})
	}
}

// capacity is how many messages may be claimed now without crossing the hourly
// or daily cap.
func (w *DeviceWorker) capacity(ctx context.Context, now time.Time) (int, error) {
	n := w.opts.BatchSize
	if w.opts.HourlyCap > 0 {
		tokens := int(w.limiter.TokensAt(now))
		if tokens < n {
			n = tokens
		}
	}
	if upper := w.maxWait(); upper > 0 {
		if fit := int((w.opts.LeaseTimeout - 1) / upper); fit < n {
			n = max(fit, 1)
		}
	}
	if w.opts.DailyCap > 0 && n > 0 {
		local := now.In(w.opts.Location)
		y, m, d := local.Date()
		sent, err := w.queue.CountSentSince(ctx, w.device.ID, time.Date(y, m, d, 0, 0, 0, 0, w.opts.Location))
		if err != nil {
			return 0, err
		}
		if left := w.opts.DailyCap - int(sent); left < n {
			n = left
		}
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// delayFor picks the pause before a send. The range comes from the message,
// then the device, then the worker defaults.
func (w *DeviceWorker) delayFor(msg models.BroadcastMessage) time.Duration {
	lo, hi := w.opts.MinDelay, w.opts.MaxDelay
	switch {
	case msg.MinDelaySeconds > 0 || msg.MaxDelaySeconds > 0:
		lo, hi = seconds(msg.MinDelaySeconds), seconds(msg.MaxDelaySeconds)
	case w.device.MinDelaySeconds > 0 || w.device.MaxDelaySeconds > 0:
		lo, hi = seconds(w.device.MinDelaySeconds), seconds(w.device.MaxDelaySeconds)
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo < 0 {
		lo = 0
	}
	ceiling := w.opts.LeaseTimeout / 2
	lo, hi = min(lo, ceiling), min(hi, ceiling)
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(w.rnd.Int64N(int64(hi-lo)+1))
}

// maxWait is the longest default pause before a send on this device.
func (w *DeviceWorker) maxWait() time.Duration {
	upper := max(w.opts.MaxDelay, seconds(w.device.MaxDelaySeconds), seconds(w.device.MinDelaySeconds))
	return min(upper, w.opts.LeaseTimeout/2)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (w *DeviceWorker) backoff(attempts int) time.Duration {
	d := w.opts.RetryBackoff
	for i := 0; i < attempts && (w.opts.MaxBackoff <= 0 || d < w.opts.MaxBackoff); i++ {
		d *= 2
	}
	if w.opts.MaxBackoff > 0 && d > w.opts.MaxBackoff {
		d = w.opts.MaxBackoff
	}
	return d
}

func (w *DeviceWorker) deliver(ctx context.Context, msg models.BroadcastMessage) {
	text := ""
	if msg.Content != "" {
		text = render.Render(msg.Content, render.Context{
			Name:     msg.RecipientName,
			Phone:    msg.RecipientPhone,
			Now:      w.now().In(w.opts.Location),
			Rand:     w.rnd,
			Greeting: w.opts.Greeting,
		})
	}

	// A send that has started runs to completion; the transport applies its
	// own request timeout.
	sendCtx := context.WithoutCancel(ctx)
	start := time.Now()
	var err error
	if msg.MediaURL != "" {
		err = w.transport.SendImage(sendCtx, w.device, msg.RecipientPhone, msg.MediaURL, text)
	} else {
		err = w.transport.SendText(sendCtx, w.device, msg.RecipientPhone, text)
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SendDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())

	// The outcome is recorded even when shutdown has begun, so a message that
	// went out is never left to be swept and sent again.
	w.record(sendCtx, msg, err)
}

func (w *DeviceWorker) record(ctx context.Context, msg models.BroadcastMessage, sendErr error) {
	origin := msg.Origin().Kind.String()
	fields := map[string]interface{}{"message_id": msg.ID, "recipient": msg.RecipientPhone, "origin": msg.Origin().String()}
	status := models.MessageSent
	var storeErr error

	switch {
	case sendErr == nil:
		storeErr = w.queue.MarkSent(ctx, msg.ID)
		w.processed.Add(1)
		metrics.MessagesSent.WithLabelValues(origin).Inc()
		w.log.Debug("message sent", fields)

	case apperr.IsRetryable(sendErr):
		status, storeErr = w.queue.Requeue(ctx, msg, w.id, sendErr, w.backoff(msg.Attempts), w.opts.MaxAttempts)
		code := apperr.CodeOf(sendErr)
		if status == models.MessageFailed {
			w.failed.Add(1)
			metrics.MessagesFailed.WithLabelValues(origin, string(apperr.CodeRetriesExhausted)).Inc()
		} else {
			metrics.MessagesRequeued.WithLabelValues(string(code)).Inc()
		}
		w.log.WithError(sendErr).Warn("transient send failure", fields)

	default:
		status = models.MessageFailed
		storeErr = w.queue.MarkFailed(ctx, msg.ID, w.id, sendErr)
		w.failed.Add(1)
		metrics.MessagesFailed.WithLabelValues(origin, string(apperr.CodeOf(sendErr))).Inc()
		w.log.WithError(sendErr).Warn("permanent send failure", fields)
	}

	if storeErr != nil {
		if errors.Is(storeErr, store.ErrNotFound) {
			w.log.Warn("claim lost before outcome was recorded", fields)
		} else {
			w.log.WithError(storeErr).Error("record send outcome", fields)
		}
		return
	}

	if w.notifier != nil {
		w.notifier.NotifyMessageStatus(ws.MessageStatus{
			MessageID: msg.ID,
			DeviceID:  msg.DeviceID,
			Recipient: msg.RecipientPhone,
			Origin:    origin,
			Status:    status,
			ErrorCode: string(apperr.CodeOf(sendErr)),
			At:        w.now(),
		})
	}
}

func (w *DeviceWorker) beat(ctx context.Context, status string) {
	err := w.beats.Beat(ctx, health.Heartbeat{
		WorkerID:     w.id,
		DeviceID:     w.device.ID,
		Status:       status,
		Processed:    w.processed.Load(),
		Failed:       w.failed.Load(),
		LastActivity: w.now(),
	})
	if err != nil {
		w.log.WithError(err).Debug("heartbeat failed", nil)
	}
}
