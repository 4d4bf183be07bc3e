package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type Collector interface {
	OperationValidated(start time.Time, err error)
	OperationAdmitted()
	OperationRejected(reason string)
	OperationsRemoved(reason string, count int)
	PoolSizeUpdated(size int)
	ReputationStatusChanged(status string)
	BundleBuilt(start time.Time, ops int, gas uint64)
	BundleBuildFailed(reason string)
	BundleSubmitted(resubmission bool)
	BundleFinalized(outcome string)
	ChainHeadUpdated(height uint64)
	ChainHealthUpdated(healthy bool)
}

var _ Collector = &DefaultCollector{}

type DefaultCollector struct {
	validationDurations     *prometheus.HistogramVec
	admittedCounter         prometheus.Counter
	rejectedCounters        *prometheus.CounterVec
	removedCounters         *prometheus.CounterVec
	poolSize                prometheus.Gauge
	reputationTransitions   *prometheus.CounterVec
	buildDurations          prometheus.Histogram
	bundleSize              prometheus.Histogram
	bundleGas               prometheus.Histogram
	buildFailureCounters    *prometheus.CounterVec
	submissionCounters      *prometheus.CounterVec
	finalizedBundleCounters *prometheus.CounterVec
	chainHeight             prometheus.Gauge
	chainHealthy            prometheus.Gauge
}

func NewCollector(logger zerolog.Logger) Collector {
	validationDurations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "validation_duration_seconds",
		Help:    "Duration of user operation validations",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	admitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_operations_admitted_total",
		Help: "Total number of user operations admitted to the pool",
	})

	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_operations_rejected_total",
		Help: "Total number of user operations rejected on submission",
	}, []string{"reason"})

	removed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_operations_removed_total",
		Help: "Total number of user operations removed from the pool",
	}, []string{"reason"})

	poolSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pool_size",
		Help: "Current number of pending user operations",
	})

	reputationTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reputation_transitions_total",
		Help: "Total number of entity reputation status changes",
	}, []string{"status"})

	buildDurations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bundle_build_duration_seconds",
		Help:    "Duration of bundle construction ticks",
		Buckets: prometheus.DefBuckets,
	})

	bundleSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bundle_operations",
		Help:    "Number of user operations per built bundle",
		Buckets: prometheus.LinearBuckets(1, 4, 10),
	})

	bundleGas := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bundle_gas",
		Help:    "Gas limit of built bundles",
		Buckets: prometheus.ExponentialBuckets(100_000, 2, 10),
	})

	buildFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bundle_build_failures_total",
		Help: "Total number of construction ticks that produced no bundle",
	}, []string{"reason"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bundle_submissions_total",
		Help: "Total number of bundle transactions broadcast",
	}, []string{"kind"})

	finalized := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bundles_finalized_total",
		Help: "Total number of bundles by final outcome",
	}, []string{"outcome"})

	chainHeight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chain_head_height",
		Help: "Latest chain head seen by the relay",
	})

	chainHealthy := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chain_head_healthy",
		Help: "Whether the chain head is recent enough to build bundles (1 = healthy)",
	})

	metrics := []prometheus.Collector{
		validationDurations,
		admitted,
		rejected,
		removed,
		poolSize,
		reputationTransitions,
		buildDurations,
		bundleSize,
		bundleGas,
		buildFailures,
		submissions,
		finalized,
		chainHeight,
		chainHealthy,
	}
	if err := registerMetrics(logger, metrics...); err != nil {
		logger.Info().Msg("using nop collector as metric register failed")
		return NopCollector
	}

	return &DefaultCollector{
		validationDurations:     validationDurations,
		admittedCounter:         admitted,
		rejectedCounters:        rejected,
		removedCounters:         removed,
		poolSize:                poolSize,
		reputationTransitions:   reputationTransitions,
		buildDurations:          buildDurations,
		bundleSize:              bundleSize,
		bundleGas:               bundleGas,
		buildFailureCounters:    buildFailures,
		submissionCounters:      submissions,
		finalizedBundleCounters: finalized,
		chainHeight:             chainHeight,
		chainHealthy:            chainHealthy,
	}
}

func registerMetrics(logger zerolog.Logger, metrics ...prometheus.Collector) error {
	for _, m := range metrics {
		if err := prometheus.Register(m); err != nil {
			logger.Err(err).Msg("failed to register metric")
			return err
		}
	}

	return nil
}

func (c *DefaultCollector) OperationValidated(start time.Time, err error) {
	result := "valid"
	if err != nil {
		result = "invalid"
	}
	c.validationDurations.With(prometheus.Labels{"result": result}).Observe(time.Since(start).Seconds())
}

func (c *DefaultCollector) OperationAdmitted() {
	c.admittedCounter.Inc()
}

func (c *DefaultCollector) OperationRejected(reason string) {
	c.rejectedCounters.With(prometheus.Labels{"reason": reason}).Inc()
}

func (c *DefaultCollector) OperationsRemoved(reason string, count int) {
	c.removedCounters.With(prometheus.Labels{"reason": reason}).Add(float64(count))
}

func (c *DefaultCollector) PoolSizeUpdated(size int) {
	c.poolSize.Set(float64(size))
}

func (c *DefaultCollector) ReputationStatusChanged(status string) {
	c.reputationTransitions.With(prometheus.Labels{"status": status}).Inc()
}

func (c *DefaultCollector) BundleBuilt(start time.Time, ops int, gas uint64) {
	c.buildDurations.Observe(time.Since(start).Seconds())
	c.bundleSize.Observe(float64(ops))
	c.bundleGas.Observe(float64(gas))
}

func (c *DefaultCollector) BundleBuildFailed(reason string) {
	c.buildFailureCounters.With(prometheus.Labels{"reason": reason}).Inc()
}

func (c *DefaultCollector) BundleSubmitted(resubmission bool) {
	kind := "initial"
	if resubmission {
		kind = "resubmission"
	}
	c.submissionCounters.With(prometheus.Labels{"kind": kind}).Inc()
}

func (c *DefaultCollector) BundleFinalized(outcome string) {
	c.finalizedBundleCounters.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (c *DefaultCollector) ChainHeadUpdated(height uint64) {
	c.chainHeight.Set(float64(height))
}

func (c *DefaultCollector) ChainHealthUpdated(healthy bool) {
	if healthy {
		c.chainHealthy.Set(1)
		return
	}
	c.chainHealthy.Set(0)
}
