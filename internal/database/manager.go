// Package database provides unified storage management for poolwatch.
// It coordinates the notification archive in PostgreSQL, the hot cache in
// Redis, and time-series metrics in InfluxDB.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bitsentry/poolwatch/internal/bitcoin"
	"github.com/bitsentry/poolwatch/internal/database/influx"
	"github.com/bitsentry/poolwatch/internal/database/postgres"
	"github.com/bitsentry/poolwatch/internal/database/redis"
	"github.com/bitsentry/poolwatch/internal/telemetry"
	"github.com/bitsentry/poolwatch/pkg/circuit"
	"github.com/bitsentry/poolwatch/pkg/errors"
	"github.com/bitsentry/poolwatch/pkg/log"
	"github.com/bitsentry/poolwatch/pkg/retry"
)

// Manager coordinates storage across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Notifications *postgres.NotificationRepository

	logger         *log.Logger
	retentionCount int

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all storage systems
type Config struct {
	Postgres       *postgres.Config
	Redis          *redis.Config
	Influx         *influx.Config
	RetentionCount int
}

// NewManager creates a storage manager with all connections established.
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("postgres cleanup failed during startup error")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
	}

	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("postgres cleanup failed during startup error")
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("redis cleanup failed during startup error")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Notifications:  postgres.NewNotificationRepository(pgClient.DB()),
		logger:         logger.WithComponent("database"),
		retentionCount: cfg.RetentionCount,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DefaultConfig(),
	}, nil
}

// Close closes all storage connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all storage connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// StoreWork persists one notification. The PostgreSQL insert is the
// critical path and runs behind the circuit breaker with retries; Redis
// and InfluxDB writes are best effort. decoded may be nil when the
// coinbase failed to decode.
func (m *Manager) StoreWork(ctx context.Context, work *telemetry.WorkNotification, decoded *bitcoin.Coinbase, decodeTime time.Duration) error {
	row := postgres.FromWork(work)
	if decoded != nil {
		row.WithDecoded(decoded.Height, decoded.HasHeight, decoded.TxID.String(), decoded.ScriptTag)
	}

	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Notifications.Insert(ctx, row); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "store_work",
					"failed to store notification in PostgreSQL").
					WithContext("notification_id", work.ID).
					WithContext("job_id", work.JobID)
			}

			if err := m.Redis.SetLatestWork(ctx, work); err != nil {
				m.logger.WithError(err).WithJob(work.JobID).Warn("latest work cache update failed")
			}
			counterKey := "notify_count:" + work.ReceivedAt.UTC().Format("2006-01-02")
			if _, err := m.Redis.IncrementCounter(ctx, counterKey, 48*time.Hour); err != nil {
				m.logger.WithError(err).Warn("notification counter update failed")
			}
			if decoded != nil {
				if err := m.Redis.SetLatestDecode(ctx, decoded); err != nil {
					m.logger.WithError(err).WithJob(work.JobID).Warn("latest decode cache update failed")
				}
			}

			m.Influx.WriteWorkMetric(work.JobID, len(work.MerkleBranches), work.CleanJobs,
				decoded != nil, decodeTime)

			return nil
		})
	})
}

// RecentWork returns the newest stored notifications.
func (m *Manager) RecentWork(ctx context.Context, limit int) ([]*postgres.Notification, error) {
	return m.Notifications.Recent(ctx, limit)
}

// RecentUnconfirmed returns recent notifications without a confirmation mark.
func (m *Manager) RecentUnconfirmed(ctx context.Context, limit int) ([]*postgres.Notification, error) {
	return m.Notifications.RecentUnconfirmed(ctx, limit)
}

// ConfirmWork marks a stored notification as extended by a chain block and
// records the confirmation metric.
func (m *Manager) ConfirmWork(ctx context.Context, n *postgres.Notification, blockHash string) error {
	if err := m.Notifications.MarkConfirmed(ctx, n.ID, blockHash); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "confirm_work",
			"failed to mark notification confirmed").
			WithContext("notification_id", n.ID)
	}

	m.Influx.WriteConfirmationMetric(n.JobID, blockHash, time.Since(n.ReceivedAt))
	return nil
}

// StartPeriodicTasks starts background maintenance: retention trimming and
// InfluxDB flushing. Both stop when ctx is cancelled.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := m.Notifications.TrimRetention(ctx, m.retentionCount)
				if err != nil {
					m.logger.WithError(err).Warn("retention trim failed")
					continue
				}
				if removed > 0 {
					m.logger.WithFields("removed", removed).Debug("trimmed old notifications")
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()
}
