package stepbody

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/memoright/memoright-ops/internal/config"
	"github.com/memoright/memoright-ops/internal/observability"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ObjectStat is the subset of *minio.Client used to verify backups.
type ObjectStat interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// NewMinioClient builds an S3 client for the configured backup bucket.
func NewMinioClient(target config.ObjectStoreTarget) (*minio.Client, error) {
	if strings.TrimSpace(target.Endpoint) == "" {
		return nil, errors.New("object store endpoint is required")
	}
	if strings.Contains(target.Endpoint, "://") {
		return nil, fmt.Errorf("object store endpoint must not include scheme: %q", target.Endpoint)
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return minio.New(target.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv(target.AccessKeyEnv), os.Getenv(target.SecretKeyEnv), ""),
		Secure: target.UseSSL,
		Region: target.Region,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	})
}

func (c *Catalog) simulated(ctx context.Context, handler string, fields ...zap.Field) string {
	observability.RequestLogger(ctx, c.logger).Info("simulated step",
		append([]zap.Field{zap.String("handler", handler)}, fields...)...)
	return "simulated " + handler
}

func (c *Catalog) dbPing(ctx context.Context, _ map[string]any) (string, error) {
	if c.cfg.Simulate {
		return c.simulated(ctx, HandlerDBPing), nil
	}
	if c.db == nil {
		return "", errors.New("no database configured for db_ping")
	}
	start := c.now()
	if err := c.db.Ping(ctx); err != nil {
		return "", fmt.Errorf("database ping: %w", err)
	}
	return fmt.Sprintf("database reachable in %s", c.now().Sub(start).Round(time.Millisecond)), nil
}

func (c *Catalog) cachePing(ctx context.Context, _ map[string]any) (string, error) {
	if c.cfg.Simulate {
		return c.simulated(ctx, HandlerCachePing), nil
	}
	if c.cache == nil {
		return "", errors.New("no cache configured for cache_ping")
	}
	if err := c.cache.Ping(ctx).Err(); err != nil {
		return "", fmt.Errorf("cache ping: %w", err)
	}
	return "cache reachable", nil
}

// objectStoreCheck verifies the backup bucket exists. With params.object it
// also checks the object, and with params.max_age that it was written
// recently enough.
func (c *Catalog) objectStoreCheck(ctx context.Context, params map[string]any) (string, error) {
	bucket := stringParam(params, "bucket", c.cfg.ObjectStore.Bucket)
	object := stringParam(params, "object", "")
	maxAge, err := durationParam(params, "max_age", 0)
	if err != nil {
		return "", err
	}
	if bucket == "" {
		return "", errors.New("no bucket configured for object_store_check")
	}

	if c.cfg.Simulate {
		return c.simulated(ctx, HandlerObjectStoreCheck,
			zap.String("bucket", bucket),
			zap.String("object", object),
		), nil
	}
	if c.objects == nil {
		return "", errors.New("no object store configured for object_store_check")
	}

	exists, err := c.objects.BucketExists(ctx, bucket)
	if err != nil {
		return "", fmt.Errorf("bucket %s exists: %w", bucket, err)
	}
	if !exists {
		return "", fmt.Errorf("bucket missing: %s", bucket)
	}
	if object == "" {
		return fmt.Sprintf("bucket %s present", bucket), nil
	}

	info, err := c.objects.StatObject(ctx, bucket, object, minio.StatObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("stat %s/%s: %w", bucket, object, err)
	}
	age := c.now().Sub(info.LastModified)
	if maxAge > 0 && age > maxAge {
		return "", fmt.Errorf("backup %s/%s is %s old, limit %s", bucket, object, age.Round(time.Second), maxAge)
	}
	return fmt.Sprintf("backup %s/%s present (%d bytes, %s old)", bucket, object, info.Size, age.Round(time.Second)), nil
}
