package health

import (
	"context"
	"testing"
	"time"

	"whatsapp-dispatch/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorder(t *testing.T) (*RedisRecorder, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisRecorder(rdb, 15*time.Second), mr
}

func TestBeatAndList(t *testing.T) {
	r, mr := newRecorder(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, r.Beat(ctx, Heartbeat{WorkerID: "w2", DeviceID: "dev-2", Status: StatusIdle, LastActivity: at}))
	require.NoError(t, r.Beat(ctx, Heartbeat{WorkerID: "w1", DeviceID: "dev-1", Status: StatusSending, Processed: 4, Failed: 1, LastActivity: at}))
	require.NoError(t, mr.Set("unrelated", "x"))

	assert.True(t, mr.Exists("dispatch:heartbeat:w1"))
	assert.Equal(t, 15*time.Second, mr.TTL("dispatch:heartbeat:w1"))

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "dev-1", list[0].DeviceID)
	assert.EqualValues(t, 4, list[0].Processed)
	assert.True(t, list[0].LastActivity.Equal(at))
	assert.Equal(t, "dev-2", list[1].DeviceID)
}

func TestHeartbeatExpires(t *testing.T) {
	r, mr := newRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.Beat(ctx, Heartbeat{WorkerID: "w1", DeviceID: "dev-1"}))
	mr.FastForward(16 * time.Second)

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNewRecorderWithoutRedisIsNoop(t *testing.T) {
	rec, err := NewRecorder(&config.Config{})
	require.NoError(t, err)
	assert.IsType(t, NopRecorder{}, rec)
	require.NoError(t, rec.Beat(context.Background(), Heartbeat{DeviceID: "dev-1"}))
	list, err := rec.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNewRecorderPingsRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := &config.Config{}
	cfg.Redis.Address = mr.Addr()
	cfg.Dispatch.PollInterval = 2 * time.Second
	cfg.Dispatch.MaxDelay = 5 * time.Second
	cfg.Dispatch.LeaseTimeout = 8 * time.Second
	rec, err := NewRecorder(cfg)
	require.NoError(t, err)
	defer rec.Close()

	require.NoError(t, rec.Beat(context.Background(), Heartbeat{WorkerID: "w1", DeviceID: "dev-1"}))
	assert.Equal(t, 15*time.Second, mr.TTL("dispatch:heartbeat:w1"))
}

func TestWorkersOnOneDeviceKeepSeparateEntries(t *testing.T) {
	r, _ := newRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.Beat(ctx, Heartbeat{WorkerID: "dev-1_2_b", DeviceID: "dev-1", Status: StatusSending}))
	require.NoError(t, r.Beat(ctx, Heartbeat{WorkerID: "dev-1_1_a", DeviceID: "dev-1", Status: StatusIdle}))

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "dev-1_1_a", list[0].WorkerID)
	assert.Equal(t, StatusSending, list[1].Status)
}

func TestTTLCoversLongestWait(t *testing.T) {
	d := config.DispatchConfig{PollInterval: 5 * time.Second, MaxDelay: 30 * time.Second, LeaseTimeout: 5 * time.Minute}
	assert.Equal(t, 450*time.Second, TTL(d))

	d.LeaseTimeout = 10 * time.Second
	assert.Equal(t, 90*time.Second, TTL(d))
}
