package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/config"
	"github.com/gotrs-io/gotrs-mail/internal/lock"
	"github.com/gotrs-io/gotrs-mail/internal/logging"
	"github.com/gotrs-io/gotrs-mail/internal/mailbuilder"
	"github.com/gotrs-io/gotrs-mail/internal/mailqueue"
	"github.com/gotrs-io/gotrs-mail/internal/mailserver"
	"github.com/gotrs-io/gotrs-mail/internal/metrics"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
	"github.com/gotrs-io/gotrs-mail/internal/realtime"
	"github.com/gotrs-io/gotrs-mail/internal/version"
)

// app holds everything a command needs. Close releases it.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *mailqueue.Store
	remote *mailserver.Client
	redis  redis.UniversalClient
	kafka  *realtime.KafkaPublisher
}

func newApp(ctx context.Context) (*app, error) {
	if err := config.Load(configDir); err != nil {
		return nil, err
	}
	cfg := config.Get()

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	store, err := mailqueue.Open(ctx, cfg.Database)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: store}

	if cfg.MailServer.Host != "" {
		mcfg := mailserver.ConfigFrom(cfg.MailServer)
		mcfg.UserAgent = version.UserAgent()
		mcfg.Logger = logger.Named("mailserver")
		remote, err := mailserver.New(mcfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.remote = remote
	} else {
		logger.Warn("mail server is not configured, transfers will fail")
	}

	if cfg.Redis.Enabled {
		rdb, err := lock.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = rdb
	}

	if k := cfg.Realtime.Kafka; len(k.Brokers) > 0 {
		kp, err := realtime.NewKafkaPublisher(realtime.KafkaConfig{Brokers: k.Brokers, Topic: k.Topic}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.kafka = kp
	}

	return a, nil
}

// mailService wires the outgoing service. hub receives sent events directly
// when no Redis channel carries them.
func (a *app) mailService(hub *realtime.Hub) *outgoing.Service {
	var sinks realtime.Fanout
	switch {
	case a.redis != nil:
		sinks = append(sinks, realtime.NewRedisPublisher(a.redis, a.cfg.Realtime.RedisChannel))
	case hub != nil:
		sinks = append(sinks, hub)
	}
	if a.kafka != nil {
		sinks = append(sinks, a.kafka)
	}

	var publisher outgoing.Publisher
	if len(sinks) > 0 {
		publisher = sinks
	}

	return outgoing.NewService(outgoing.Options{
		Repo:      a.store,
		Mailboxes: a.store,
		Domains:   a.store,
		Files:     a.store,
		Builder:   mailbuilder.NewBuilder(a.store, a.cfg.Mail.SiteURL),
		Dialer:    outgoing.DialerFunc(a.dial),
		Publisher: publisher,
		Hooks:     metrics.Hooks{},
		Settings:  a.cfg.Mail,
		Transfer:  a.cfg.Transfer,
		Reconcile: a.cfg.Reconcile,
		Logger:    a.logger,
	})
}

func (a *app) dial(ctx context.Context) (outgoing.DeliveryClient, error) {
	if a.remote == nil {
		return nil, fmt.Errorf("mail server host is not configured")
	}
	return a.remote.Dial(ctx)
}

func (a *app) locker() lock.Locker {
	if a.redis != nil {
		return lock.NewRedis(a.redis, a.logger)
	}
	return lock.NewLocal()
}

func (a *app) Close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("failed to close kafka writer", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
