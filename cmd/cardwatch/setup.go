package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cardwatch/cardwatch/service/cardnet"
	"github.com/cardwatch/cardwatch/service/config"
	"github.com/cardwatch/cardwatch/service/consent"
	"github.com/cardwatch/cardwatch/service/encryption"
	"github.com/cardwatch/cardwatch/service/metrics"
	"github.com/cardwatch/cardwatch/service/nats"
	"github.com/cardwatch/cardwatch/service/notification"
	"github.com/cardwatch/cardwatch/service/store"
	"github.com/cardwatch/cardwatch/service/transaction"
)

// app wires the configured services for one CLI invocation. cleanup must be
// called when the command finishes.
type app struct {
	cfg           *config.Config
	logger        *slog.Logger
	store         *store.Store
	client        *cardnet.Client
	publisher     nats.Publisher
	notifications *notification.Service
	transactions  *transaction.Service
	consents      *consent.Service
}

func newApp() (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger := newLogger(cfg.LogLevel)
	m := metrics.NewMetrics(nil)

	signer, err := cardnet.NewKeySigner(cfg.ConsumerKey, cfg.SigningKeyPath, cfg.SigningKeyPass)
	if err != nil {
		return nil, nil, err
	}

	client, err := cardnet.NewClient(cardnet.Config{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.RetryBackoff,
		MaxBackoff: cfg.MaxRetryDelay,
	}, signer, logger, m)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.NewStore(cfg.DataDir, logger, m)
	if err != nil {
		return nil, nil, err
	}

	var publisher nats.Publisher
	if cfg.NATSURL != "" {
		p, err := nats.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publisher = p
	}

	var encryptor encryption.Encryptor
	if cfg.EncryptionCertPath != "" {
		e, err := encryption.NewFieldLevelEncryptor(cfg.EncryptionCertPath)
		if err != nil {
			return nil, nil, err
		}
		encryptor = e
	}

	a := &app{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		client:        client,
		publisher:     publisher,
		notifications: notification.NewService(client, st, publisher, logger, m),
		transactions:  transaction.NewService(client, st, logger),
		consents:      consent.NewService(client, st, encryptor, logger),
	}
	cleanup := func() {
		if a.publisher != nil {
			if err := a.publisher.Close(); err != nil {
				logger.Warn("failed to close NATS publisher", "error", err)
			}
		}
	}
	return a, cleanup, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
