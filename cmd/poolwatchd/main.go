// Package main implements poolwatchd, the pool telemetry daemon.
// It maintains a Stratum session against a mining pool, decodes every work
// notification it receives, and fans the results out to storage and
// messaging backends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitsentry/poolwatch/internal/bitcoin"
	"github.com/bitsentry/poolwatch/internal/config"
	"github.com/bitsentry/poolwatch/internal/database"
	"github.com/bitsentry/poolwatch/internal/database/influx"
	"github.com/bitsentry/poolwatch/internal/database/postgres"
	"github.com/bitsentry/poolwatch/internal/database/redis"
	"github.com/bitsentry/poolwatch/internal/messaging"
	"github.com/bitsentry/poolwatch/internal/stratum"
	"github.com/bitsentry/poolwatch/internal/telemetry"
	"github.com/bitsentry/poolwatch/pkg/log"
	"github.com/bitsentry/poolwatch/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poolwatchd",
		"version", cfg.Version,
		"pool_addr", cfg.PoolAddr,
		"network", cfg.Network,
	)

	chainParams, err := cfg.ChainParams()
	if err != nil {
		logger.WithError(err).Error("invalid network")
		os.Exit(1)
	}

	dbConfig := &database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
		RetentionCount: cfg.RetentionCount,
	}

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)

	zmqPub, err := messaging.NewZMQPublisher(cfg.ZMQPubAddr, logger)
	if err != nil {
		logger.WithError(err).Error("failed to bind ZMQ publisher")
		os.Exit(1)
	}

	handler := &workHandler{
		pool:    cfg.PoolAddr,
		logger:  logger.WithComponent("handler"),
		decoder: bitcoin.NewDecoder(chainParams, cfg.DecodeCacheSize),
		store:   dbManager,
		kafka:   kafkaClient,
		zmq:     zmqPub,
	}

	client := stratum.NewClient(stratum.ClientConfig{
		Addr:         cfg.PoolAddr,
		UserAgent:    cfg.PoolUserAgent,
		Identity:     cfg.PoolIdentity,
		DialTimeout:  cfg.DialTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
		OnStateChange: func(from, to stratum.State, attempt int) {
			dbManager.Influx.WriteSessionMetric(to.String(), attempt)

			event := &messaging.SessionEvent{
				Pool:    cfg.PoolAddr,
				From:    from.String(),
				To:      to.String(),
				Attempt: attempt,
				At:      time.Now(),
			}
			pubCtx, pubCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer pubCancel()
			if err := kafkaClient.PublishJSON(pubCtx, messaging.TopicSessions, cfg.PoolAddr, event); err != nil {
				logger.WithError(err).Debug("session event publish failed")
			}
		},
	}, logger, sessionBackoff(cfg), handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbManager.StartPeriodicTasks(ctx)

	// The confirmation watcher needs node credentials; without them the
	// daemon still runs, it just never annotates stored work.
	if cfg.BitcoinRPCUser != "" {
		rpcClient, err := bitcoin.NewRPCClient(cfg.BitcoinRPCHost, cfg.BitcoinRPCPort,
			cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword)
		if err != nil {
			logger.WithError(err).Error("failed to create Bitcoin RPC client")
			os.Exit(1)
		}
		defer rpcClient.Close()

		w := &confirmationWatcher{
			logger:       logger.WithComponent("watcher"),
			chain:        rpcClient,
			store:        dbManager,
			kafka:        kafkaClient,
			pollInterval: cfg.ConfirmPollInterval,
			lookback:     cfg.ConfirmLookback,
		}
		go w.run(ctx)
	} else {
		logger.Warn("BITCOIN_RPC_USER not set, confirmation watcher disabled")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			logger.WithError(err).Error("session ended")
		}
	}

	client.Stop()
	cancel()

	if err := kafkaClient.Close(); err != nil {
		logger.WithError(err).Error("kafka close failed")
	}
	if err := zmqPub.Close(); err != nil {
		logger.WithError(err).Error("zmq close failed")
	}
	if err := dbManager.Close(); err != nil {
		logger.WithError(err).Error("database close failed")
	}

	logger.Info("poolwatchd stopped")
}

// sessionBackoff maps the reconnect settings onto a retry policy.
func sessionBackoff(cfg *config.Config) *retry.Config {
	return &retry.Config{
		MaxAttempts: cfg.ReconnectAttempts,
		BaseDelay:   cfg.ReconnectBase,
		MaxDelay:    cfg.ReconnectMax,
		Multiplier:  2.0,
	}
}

// Collaborator surfaces, narrowed so tests can fake them.

type workStore interface {
	StoreWork(ctx context.Context, work *telemetry.WorkNotification, decoded *bitcoin.Coinbase, decodeTime time.Duration) error
}

type eventPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, event any) error
}

type localPublisher interface {
	Publish(topic string, event any) error
}

// workHandler turns accepted notifications into records, decodes their
// coinbases, and fans the results out. Persistence and publishing failures
// are logged, never propagated: one slow backend must not poison the
// session.
type workHandler struct {
	pool    string
	logger  *log.Logger
	decoder *bitcoin.Decoder
	store   workStore
	kafka   eventPublisher
	zmq     localPublisher
}

func (h *workHandler) HandleNotify(ctx context.Context, params *stratum.NotifyParams, nonce stratum.NonceParams) error {
	work, err := telemetry.NewWorkNotification(params, nonce, time.Now())
	if err != nil {
		return err
	}

	h.logger.LogWorkNotification(work.JobID, work.CleanJobs, len(work.MerkleBranches))

	start := time.Now()
	decoded, err := h.decoder.Decode(work, "")
	decodeTime := time.Since(start)

	var proof *bitcoin.ProofTree
	if err != nil {
		stage, _ := bitcoin.StageOf(err)
		h.logger.LogDecodeFailure(work.JobID, string(stage), err)
	} else {
		h.logger.LogDecodedWork(work.JobID, decoded.Height, len(decoded.Outputs), decoded.ScriptTag)
		proof, err = bitcoin.ProofFromNotification(work, decoded)
		if err != nil {
			h.logger.WithError(err).WithJob(work.JobID).Warn("merkle proof construction failed")
		}
	}

	if err := h.store.StoreWork(ctx, work, decoded, decodeTime); err != nil {
		h.logger.WithError(err).WithJob(work.JobID).Error("work persistence failed")
	}

	event := &messaging.WorkEvent{
		Work:    work,
		Decoded: decoded,
		Proof:   proof,
		Pool:    h.pool,
	}
	if err := h.kafka.PublishJSON(ctx, messaging.TopicWork, work.ID, event); err != nil {
		h.logger.WithError(err).WithJob(work.JobID).Error("kafka publish failed")
	}
	if h.zmq != nil {
		if err := h.zmq.Publish(messaging.TopicWork, event); err != nil {
			h.logger.WithError(err).WithJob(work.JobID).Warn("zmq publish failed")
		}
	}

	return nil
}

// Confirmation watcher surfaces.

type chainReader interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error)
	GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error)
}

type confirmationStore interface {
	RecentUnconfirmed(ctx context.Context, limit int) ([]*postgres.Notification, error)
	ConfirmWork(ctx context.Context, n *postgres.Notification, blockHash string) error
}

// confirmationWatcher periodically scans the chain tip and annotates
// stored notifications whose previous-block hash a chain block extends.
type confirmationWatcher struct {
	logger       *log.Logger
	chain        chainReader
	store        confirmationStore
	kafka        eventPublisher
	pollInterval time.Duration
	lookback     int
}

func (w *confirmationWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("confirmation watcher started",
		"poll_interval", w.pollInterval.String(),
		"lookback", w.lookback,
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("confirmation watcher stopping")
			return
		case <-ticker.C:
			if err := w.scan(ctx); err != nil {
				w.logger.WithError(err).Warn("confirmation scan failed")
			}
		}
	}
}

// scan walks the newest lookback blocks and matches their parent hashes
// against recent unconfirmed notifications.
func (w *confirmationWatcher) scan(ctx context.Context) error {
	tip, err := w.chain.GetBlockCount(ctx)
	if err != nil {
		return err
	}

	pending, err := w.store.RecentUnconfirmed(ctx, 500)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	for i := 0; i < w.lookback && tip-int64(i) > 0; i++ {
		height := tip - int64(i)

		blockHash, err := w.chain.GetBlockHash(ctx, height)
		if err != nil {
			return err
		}
		header, err := w.chain.GetBlockHeader(ctx, blockHash)
		if err != nil {
			return err
		}

		for _, n := range pending {
			matched, err := notificationExtends(n, &header.PrevBlock)
			if err != nil {
				w.logger.WithError(err).WithJob(n.JobID).Warn("stored prevhash unparseable")
				continue
			}
			if !matched {
				continue
			}

			if err := w.store.ConfirmWork(ctx, n, blockHash.String()); err != nil {
				w.logger.WithError(err).WithJob(n.JobID).Error("confirmation update failed")
				continue
			}

			w.logger.Info("work confirmed",
				"job_id", n.JobID,
				"block_hash", blockHash.String(),
				"block_height", height,
			)

			event := &messaging.ConfirmationEvent{
				NotificationID: n.ID,
				JobID:          n.JobID,
				BlockHash:      blockHash.String(),
				BlockHeight:    height,
				ReceivedAt:     n.ReceivedAt,
				ConfirmedAt:    time.Now(),
			}
			if err := w.kafka.PublishJSON(ctx, messaging.TopicConfirmations, n.ID, event); err != nil {
				w.logger.WithError(err).WithJob(n.JobID).Error("confirmation publish failed")
			}
		}
	}

	return nil
}

// notificationExtends reports whether the given block parent matches the
// notification's previous-block hash.
func notificationExtends(n *postgres.Notification, parent *chainhash.Hash) (bool, error) {
	prev, err := bitcoin.PrevHashFromStratum(n.PrevHash)
	if err != nil {
		return false, err
	}
	return prev.IsEqual(parent), nil
}
