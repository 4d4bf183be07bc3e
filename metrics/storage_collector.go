package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DiskUsageReporter reports the disk space used by a store.
type DiskUsageReporter interface {
	DiskUsage() uint64
}

type StorageCollector struct {
	storage     DiskUsageReporter
	storageSize prometheus.Gauge
	interval    time.Duration
	logger      zerolog.Logger
}

func NewStorageCollector(logger zerolog.Logger, storage DiskUsageReporter, interval time.Duration) (*StorageCollector, error) {
	storageSize := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storage_size_bytes",
			Help: "Estimated disk usage of the reputation storage in bytes",
		})

	if err := prometheus.Register(storageSize); err != nil {
		logger.Err(err).Msg("failed to register metric")
		return nil, err
	}

	return &StorageCollector{
		storage:     storage,
		storageSize: storageSize,
		interval:    interval,
		logger:      logger.With().Str("component", "storage-collector").Logger(),
	}, nil
}

func (c *StorageCollector) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.storageSize.Set(float64(c.storage.DiskUsage()))
		for {
			select {
			case <-ctx.Done():
				c.logger.Info().Msg("shutting down storage collector")
				return
			case <-ticker.C:
				c.storageSize.Set(float64(c.storage.DiskUsage()))
			}
		}
	}()
}
