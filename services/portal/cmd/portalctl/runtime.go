package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"userportal/pkg/apiclient"
	"userportal/pkg/bus"
	"userportal/pkg/metrics"
	"userportal/pkg/storage"
	"userportal/pkg/telemetry"
	"userportal/services/nav"
	"userportal/services/notify"
	"userportal/services/portal"
	"userportal/services/portal/internal/config"
	"userportal/services/profile"
	"userportal/services/session"
)

const appName = "portal"

// runtime is everything one command invocation needs.
type runtime struct {
	cfg     config.Config
	logger  zerolog.Logger
	app     *portal.App
	store   *session.Store
	router  *nav.Router
	metrics *metrics.Metrics
	events  *bus.Bus
	redis   *redis.Client

	shutdown func(context.Context) error
}

// openRuntime loads configuration and wires the portal for a command starting on view.
func openRuntime(ctx context.Context, out io.Writer, view string) (*runtime, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	logger := log.Logger.Level(level).With().Str("component", "portalctl").Logger()

	shutdown, err := telemetry.Init(ctx, "portalctl", cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.New(),
		router:   nav.NewRouter(view),
		shutdown: shutdown,
	}
	rt.router.OnNavigate = func(path string) {
		logger.Debug().Str("view", path).Msg("navigate")
	}

	if err := rt.wire(out); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) wire(out io.Writer) error {
	snapshots, err := rt.openSnapshots()
	if err != nil {
		return err
	}
	tokens, err := openTokens(rt.cfg)
	if err != nil {
		return err
	}

	client, err := apiclient.New(rt.cfg.APIURL,
		apiclient.WithInsecure(rt.cfg.AllowInsecureHTTP),
		apiclient.WithTimeout(rt.cfg.Timeout),
		apiclient.WithLogger(rt.logger),
		apiclient.WithMetrics(rt.metrics),
		apiclient.WithTransport(telemetry.Transport),
		apiclient.WithTokenSource(func() string { return rt.store.Token() }),
	)
	if err != nil {
		return err
	}
	rt.logger.Debug().Str("api", client.BaseURL()).Msg("api client ready")

	rt.store, err = session.New(session.Options{
		API:       client,
		Snapshots: snapshots,
		Tokens:    tokens,
		Navigator: rt.router,
		Logger:    rt.logger,
		Metrics:   rt.metrics,
	})
	if err != nil {
		return err
	}

	opts := portal.Options{
		Store:        rt.store,
		Navigator:    rt.router,
		Notifier:     notify.NewConsole(out),
		Profiles:     profile.New(client, rt.logger),
		AllowedRoles: rt.cfg.AllowedRoles,
		Logger:       rt.logger,
	}
	if rt.cfg.NATSURL != "" {
		rt.events, err = bus.New(rt.cfg.NATSURL, nats.Name("portalctl"), nats.Timeout(rt.cfg.Timeout))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		opts.Events = rt.events
	}

	rt.app, err = portal.New(opts)
	if err != nil {
		return err
	}
	rt.app.Start()
	return nil
}

// Close stops the app, flushes events, exports metrics and shuts down tracing.
func (rt *runtime) Close() {
	if rt.app != nil {
		rt.app.Close()
	}
	rt.events.Close()
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Error().Err(err).Msg("close redis")
		}
	}

	if rt.cfg.MetricsFile != "" {
		if err := rt.metrics.WriteFile(rt.cfg.MetricsFile); err != nil {
			rt.logger.Error().Err(err).Msg("write metrics")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.shutdown(ctx); err != nil {
		rt.logger.Error().Err(err).Msg("shutdown otel")
	}
}

// openSnapshots returns session-scoped storage: Redis when configured, otherwise a directory
// that the OS clears at the end of the login session.
func (rt *runtime) openSnapshots() (storage.Storage, error) {
	if rt.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(rt.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rt.redis = redis.NewClient(opts)
		prefix := appName + ":" + strconv.Itoa(os.Getuid()) + ":"
		return storage.NewRedis(rt.redis, prefix, rt.cfg.SessionTTL)
	}

	dir := rt.cfg.StateDir
	if dir == "" {
		dir = storage.SessionDir(appName)
	}
	return storage.NewDir(dir)
}

// openTokens returns persistent token storage, sealed with age when an identity is configured.
func openTokens(cfg config.Config) (storage.Storage, error) {
	tokenDir := cfg.TokenDir
	if tokenDir == "" {
		var err error
		tokenDir, err = storage.PersistentDir(appName)
		if err != nil {
			return nil, err
		}
	}
	dir, err := storage.NewDir(tokenDir)
	if err != nil {
		return nil, err
	}
	if cfg.AgeIdentity == "" {
		return dir, nil
	}

	identity, err := readIdentity(cfg.AgeIdentity)
	if err != nil {
		return nil, err
	}
	return storage.NewSealed(dir, identity)
}

// readIdentity accepts an AGE-SECRET-KEY-1 string or the path of a key file.
func readIdentity(value string) (string, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "AGE-SECRET-KEY-") {
		return value, nil
	}
	data, err := os.ReadFile(value)
	if err != nil {
		return "", fmt.Errorf("read age identity: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			return line, nil
		}
	}
	return "", fmt.Errorf("no age identity in %s", value)
}
