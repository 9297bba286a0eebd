// Package stepbody provides the step handlers that recovery plans bind to by
// name. Handlers that touch infrastructure only log what they would do when
// the catalog runs in simulate mode.
package stepbody

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memoright/memoright-ops/internal/config"
	"github.com/memoright/memoright-ops/internal/recovery"
)

// Handler names registered by the catalog.
const (
	HandlerLog              = "log"
	HandlerNoop             = "noop"
	HandlerWait             = "wait"
	HandlerFail             = "fail"
	HandlerCheckThreshold   = "check_threshold"
	HandlerDBPing           = "db_ping"
	HandlerCachePing        = "cache_ping"
	HandlerObjectStoreCheck = "object_store_check"
)

// Option configures a Catalog.
type Option func(*Catalog)

// WithDatabase sets the database probed by db_ping.
func WithDatabase(db Pinger) Option {
	return func(c *Catalog) { c.db = db }
}

// WithCache sets the redis instance probed by cache_ping.
func WithCache(client redis.Cmdable) Option {
	return func(c *Catalog) { c.cache = client }
}

// WithObjectStore sets the object store verified by object_store_check.
func WithObjectStore(store ObjectStat) Option {
	return func(c *Catalog) { c.objects = store }
}

// Catalog builds the built-in step handlers from handler configuration.
type Catalog struct {
	cfg     config.HandlersConfig
	logger  *zap.Logger
	db      Pinger
	cache   redis.Cmdable
	objects ObjectStat
	now     func() time.Time
}

// New creates a Catalog. A nil logger disables handler logging.
func New(cfg config.HandlersConfig, logger *zap.Logger, opts ...Option) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{
		cfg:    cfg,
		logger: logger.Named("steps"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds every built-in handler to reg.
func (c *Catalog) Register(reg *recovery.HandlerRegistry) {
	reg.Register(HandlerLog, c.logStep)
	reg.Register(HandlerNoop, c.noop)
	reg.Register(HandlerWait, c.wait)
	reg.Register(HandlerFail, c.fail)
	reg.Register(HandlerCheckThreshold, c.checkThreshold)
	reg.Register(HandlerDBPing, c.dbPing)
	reg.Register(HandlerCachePing, c.cachePing)
	reg.Register(HandlerObjectStoreCheck, c.objectStoreCheck)
}

// Simulated reports whether infrastructure handlers only log.
func (c *Catalog) Simulated() bool { return c.cfg.Simulate }

func stringParam(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func durationParam(params map[string]any, key string, def time.Duration) (time.Duration, error) {
	raw := stringParam(params, key, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("param %s: must not be negative", key)
	}
	return d, nil
}

// floatParam accepts the numeric forms produced by JSON and YAML decoding,
// plus numeric strings.
func floatParam(params map[string]any, key string) (float64, bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case uint64:
		return float64(n), true, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, true, fmt.Errorf("param %s: %w", key, err)
		}
		return f, true, nil
	}
	return 0, true, fmt.Errorf("param %s: unsupported type %T", key, v)
}
