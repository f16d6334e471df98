package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-runtime/internal/model"
)

type fakeRedis struct {
	data      map[string]string
	ttl       map[string]time.Duration
	published map[string][]string
	err       error
}

func newFake() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttl: map[string]time.Duration{}, published: map[string][]string{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *goredis.StringCmd {
	if f.err != nil {
		return goredis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, exp time.Duration) *goredis.StatusCmd {
	if f.err != nil {
		return goredis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttl[key] = exp
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *goredis.IntCmd {
	if b, ok := message.([]byte); ok {
		f.published[channel] = append(f.published[channel], string(b))
	}
	return goredis.NewIntResult(1, nil)
}

func TestSnapshot_RoundTripPerSession(t *testing.T) {
	f := newFake()
	s := NewStateStore(f)
	ctx := context.Background()

	data, err := s.LoadSnapshotJSON(ctx, "2026-10-15")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.SaveSnapshotJSON(ctx, "2026-10-15", []byte(`{"version":1}`)))
	assert.Equal(t, snapshotTTL, f.ttl["indicator:snapshot:2026-10-15"])

	data, err = s.LoadSnapshotJSON(ctx, "2026-10-15")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(data))

	other, err := s.LoadSnapshotJSON(ctx, "2026-10-16")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSnapshot_Errors(t *testing.T) {
	f := newFake()
	f.err = errors.New("connection refused")
	s := NewStateStore(f)
	_, err := s.LoadSnapshotJSON(context.Background(), "2026-10-15")
	assert.Error(t, err)
	assert.Error(t, s.SaveSnapshotJSON(context.Background(), "2026-10-15", []byte("{}")))
}

func TestHeartbeat(t *testing.T) {
	f := newFake()
	s := NewStateStore(f)
	ctx := context.Background()

	_, ok, err := s.ReadHeartbeat(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	hb := Heartbeat{TS: time.Date(2026, 10, 15, 4, 30, 0, 0, time.UTC), Session: "2026-10-15", Ticks: 1200, OpenPositions: 2, QueueDepth: 3}
	require.NoError(t, s.WriteHeartbeat(ctx, hb))
	assert.Equal(t, heartbeatTTL, f.ttl[HeartbeatKey])

	got, ok, err := s.ReadHeartbeat(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hb, got)
}

func TestPublishCandle(t *testing.T) {
	f := newFake()
	s := NewStateStore(f)
	s.PublishCandle(context.Background(), model.Candle{Token: "35001", Exchange: "NFO", TF: 300, Close: 100})
	require.Len(t, f.published["pub:candle:300s:NFO:35001"], 1)
	assert.Contains(t, f.published["pub:candle:300s:NFO:35001"][0], `"close":100`)
}
