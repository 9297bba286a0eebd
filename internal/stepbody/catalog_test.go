package stepbody

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoright/memoright-ops/internal/config"
	"github.com/memoright/memoright-ops/internal/recovery"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeObjects struct {
	buckets map[string]bool
	objects map[string]minio.ObjectInfo
	err     error
}

func (f *fakeObjects) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], f.err
}

func (f *fakeObjects) StatObject(_ context.Context, bucket, object string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	info, ok := f.objects[bucket+"/"+object]
	if !ok {
		return minio.ObjectInfo{}, errors.New("The specified key does not exist.")
	}
	return info, nil
}

func lookup(t *testing.T, c *Catalog, name string) recovery.HandlerFunc {
	t.Helper()
	reg := recovery.NewHandlerRegistry()
	c.Register(reg)
	fn, ok := reg.Lookup(name)
	require.True(t, ok, "handler %s not registered", name)
	return fn
}

func TestCatalog_Register(t *testing.T) {
	reg := recovery.NewHandlerRegistry()
	New(config.HandlersConfig{}, nil).Register(reg)
	assert.Equal(t, []string{
		"cache_ping", "check_threshold", "db_ping", "fail", "log", "noop", "object_store_check", "wait",
	}, reg.Names())
}

// --- Basic handlers ---

func TestLog(t *testing.T) {
	fn := lookup(t, New(config.HandlersConfig{}, nil), HandlerLog)
	out, err := fn(context.Background(), map[string]any{"message": "draining traffic", "level": "warn"})
	require.NoError(t, err)
	assert.Equal(t, "draining traffic", out)

	out, err = fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "step reached", out)
}

func TestFail(t *testing.T) {
	fn := lookup(t, New(config.HandlersConfig{}, nil), HandlerFail)
	_, err := fn(context.Background(), map[string]any{"message": "boom"})
	assert.EqualError(t, err, "boom")
}

func TestWait(t *testing.T) {
	fn := lookup(t, New(config.HandlersConfig{}, nil), HandlerWait)

	out, err := fn(context.Background(), map[string]any{"duration": "5ms"})
	require.NoError(t, err)
	assert.Equal(t, "waited 5ms", out)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = fn(ctx, map[string]any{"duration": "1m"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = fn(context.Background(), map[string]any{"duration": "soon"})
	assert.Error(t, err)
}

func TestCheckThreshold(t *testing.T) {
	c := New(config.HandlersConfig{Thresholds: map[string]float64{"error_rate": 0.25}}, nil)
	fn := lookup(t, c, HandlerCheckThreshold)

	tests := []struct {
		name    string
		params  map[string]any
		wantOut string
		wantErr string
	}{
		{"within", map[string]any{"metric": "error_rate", "value": 0.1}, "error_rate 0.1 within threshold 0.25", ""},
		{"equal", map[string]any{"metric": "error_rate", "value": "0.25"}, "error_rate 0.25 within threshold 0.25", ""},
		{"exceeded", map[string]any{"metric": "error_rate", "value": 0.3}, "", "error_rate 0.3 exceeds threshold 0.25"},
		{"param override", map[string]any{"metric": "latency_ms", "value": 900, "threshold": 500}, "", "latency_ms 900 exceeds threshold 500"},
		{"no threshold", map[string]any{"metric": "latency_ms", "value": 10}, "", "no threshold configured for latency_ms"},
		{"missing metric", map[string]any{"value": 1}, "", "param metric is required"},
		{"missing value", map[string]any{"metric": "error_rate"}, "", "param value is required"},
		{"bad value", map[string]any{"metric": "error_rate", "value": []int{1}}, "", "param value: unsupported type []int"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := fn(context.Background(), tt.params)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, out)
		})
	}
}

// --- Infrastructure probes ---

func TestProbes_simulated(t *testing.T) {
	c := New(config.HandlersConfig{Simulate: true, ObjectStore: config.ObjectStoreTarget{Bucket: "backups"}}, nil)
	for _, name := range []string{HandlerDBPing, HandlerCachePing, HandlerObjectStoreCheck} {
		out, err := lookup(t, c, name)(context.Background(), nil)
		require.NoError(t, err, name)
		assert.Equal(t, "simulated "+name, out)
	}
}

func TestProbes_unconfigured(t *testing.T) {
	c := New(config.HandlersConfig{ObjectStore: config.ObjectStoreTarget{Bucket: "backups"}}, nil)
	for _, name := range []string{HandlerDBPing, HandlerCachePing, HandlerObjectStoreCheck} {
		_, err := lookup(t, c, name)(context.Background(), nil)
		assert.ErrorContains(t, err, "no ", name)
	}
}

func TestDBPing(t *testing.T) {
	ok := New(config.HandlersConfig{}, nil, WithDatabase(fakePinger{}))
	out, err := lookup(t, ok, HandlerDBPing)(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "database reachable")

	down := New(config.HandlersConfig{}, nil, WithDatabase(fakePinger{err: errors.New("connection refused")}))
	_, err = lookup(t, down, HandlerDBPing)(context.Background(), nil)
	assert.EqualError(t, err, "database ping: connection refused")
}

func TestCachePing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	c := New(config.HandlersConfig{}, nil, WithCache(client))
	out, err := lookup(t, c, HandlerCachePing)(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "cache reachable", out)

	_ = client.Close()
	_, err = lookup(t, c, HandlerCachePing)(context.Background(), nil)
	assert.ErrorContains(t, err, "cache ping")
}

func TestObjectStoreCheck(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	objects := &fakeObjects{
		buckets: map[string]bool{"backups": true},
		objects: map[string]minio.ObjectInfo{
			"backups/db/latest.dump": {Key: "db/latest.dump", Size: 2048, LastModified: now.Add(-2 * time.Hour)},
		},
	}
	c := New(config.HandlersConfig{ObjectStore: config.ObjectStoreTarget{Bucket: "backups"}}, nil, WithObjectStore(objects))
	c.now = func() time.Time { return now }
	fn := lookup(t, c, HandlerObjectStoreCheck)

	out, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "bucket backups present", out)

	out, err = fn(context.Background(), map[string]any{"object": "db/latest.dump", "max_age": "24h"})
	require.NoError(t, err)
	assert.Equal(t, "backup backups/db/latest.dump present (2048 bytes, 2h0m0s old)", out)

	_, err = fn(context.Background(), map[string]any{"object": "db/latest.dump", "max_age": "1h"})
	assert.EqualError(t, err, "backup backups/db/latest.dump is 2h0m0s old, limit 1h0m0s")

	_, err = fn(context.Background(), map[string]any{"object": "db/missing.dump"})
	assert.ErrorContains(t, err, "stat backups/db/missing.dump")

	_, err = fn(context.Background(), map[string]any{"bucket": "archive"})
	assert.EqualError(t, err, "bucket missing: archive")

	objects.err = errors.New("access denied")
	_, err = fn(context.Background(), nil)
	assert.EqualError(t, err, "bucket backups exists: access denied")
}

func TestNewMinioClient(t *testing.T) {
	_, err := NewMinioClient(config.ObjectStoreTarget{})
	assert.Error(t, err)

	_, err = NewMinioClient(config.ObjectStoreTarget{Endpoint: "https://s3.example.com"})
	assert.ErrorContains(t, err, "must not include scheme")

	client, err := NewMinioClient(config.ObjectStoreTarget{Endpoint: "localhost:9000", Bucket: "backups"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", client.EndpointURL().Host)
}
