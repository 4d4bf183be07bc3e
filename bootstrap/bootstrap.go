package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	pebbleDB "github.com/cockroachdb/pebble"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"golang.org/x/sync/errgroup"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/metrics"
	"github.com/Blu-J/rundler/models"
	"github.com/Blu-J/rundler/services/builder"
	"github.com/Blu-J/rundler/services/chain"
	"github.com/Blu-J/rundler/services/pool"
	"github.com/Blu-J/rundler/services/relay"
	"github.com/Blu-J/rundler/services/reputation"
	"github.com/Blu-J/rundler/services/submitter"
	"github.com/Blu-J/rundler/services/validation"
	"github.com/Blu-J/rundler/storage"
	errs "github.com/Blu-J/rundler/storage/errors"
	"github.com/Blu-J/rundler/storage/pebble"
)

const (
	storageMetricsInterval = time.Minute
	shutdownTimeout        = 5 * time.Second
)

type Storages struct {
	Storage    *pebble.Storage
	Reputation storage.ReputationIndexer
}

type Publishers struct {
	Heads *models.Publisher[models.ChainState]
}

type Bootstrap struct {
	logger     zerolog.Logger
	config     *config.Config
	client     *chain.RPCClient
	storages   *Storages
	publishers *Publishers
	collector  metrics.Collector
	metrics    *metrics.Server
	heads      *chain.HeadTracker
	reputation *reputation.Tracker
	relay      *relay.Service
	engine     *relay.Engine
}

func New(ctx context.Context, config *config.Config) (*Bootstrap, error) {
	logger := zerolog.New(config.LogWriter).With().Timestamp().Logger()
	logger = logger.Level(config.LogLevel)
	logger.Info().Msg("starting up the bundling relay")

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// create pebble storage from the provided database root directory
	store, err := pebble.New(config.DatabaseDir, logger)
	if err != nil {
		return nil, err
	}

	client, err := chain.NewRPCClient(
		ctx,
		config.RPCURL,
		config.EntryPointAddress,
		config.TraceRateLimit,
		logger,
	)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}

	return &Bootstrap{
		publishers: &Publishers{
			Heads: models.NewPublisher[models.ChainState](),
		},
		storages: &Storages{
			Storage:    store,
			Reputation: pebble.NewReputation(store),
		},
		logger:    logger,
		config:    config,
		client:    client,
		collector: metrics.NewCollector(logger),
	}, nil
}

// Relay returns the submission facade, it is nil until the relay started.
func (b *Bootstrap) Relay() *relay.Service {
	return b.relay
}

func (b *Bootstrap) StartChainTracking(ctx context.Context, g *errgroup.Group) error {
	b.logger.Info().Msg("bootstrap starting chain head tracker")

	b.heads = chain.NewHeadTracker(
		b.client,
		b.publishers.Heads,
		b.config.HeadPollInterval,
		b.config.MaxChainFailures,
		b.logger,
	)
	if err := b.startEngine(ctx, g, b.heads, "head-tracker"); err != nil {
		return err
	}

	metrics.NewHeadHealthTracker(
		b.logger,
		b.collector,
		b.heads,
		b.config.MaxHeadLag,
		b.config.HeadPollInterval,
	).Start(ctx)

	return nil
}

func (b *Bootstrap) StartRelay(ctx context.Context, g *errgroup.Group) error {
	b.logger.Info().Msg("bootstrap starting relay")

	b.reputation = reputation.NewTracker(b.config, b.collector, b.logger)
	if err := seedReputation(b.storages.Reputation, b.reputation, b.logger); err != nil {
		return err
	}

	var verifier validation.SignatureVerifier
	if b.config.RequireECDSASignatures {
		verifier = validation.NewECDSAVerifier(nil)
	}
	validator := validation.NewValidator(b.client, b.config, verifier, b.collector, b.logger)

	opPool := pool.New(b.config, b.reputation, b.collector, b.logger)
	bundleBuilder := builder.New(
		b.client,
		validator,
		b.reputation,
		opPool,
		b.config,
		b.collector,
		b.logger,
	)
	bundleSubmitter, err := submitter.New(
		b.client,
		opPool,
		b.reputation,
		b.config,
		b.collector,
		b.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create submitter: %w", err)
	}

	// per sender submission limit, disabled when no limit is configured
	var senderLimiter limiter.Store
	if b.config.SenderRateLimit > 0 {
		senderLimiter, err = memorystore.New(&memorystore.Config{
			Tokens:   b.config.SenderRateLimit,
			Interval: b.config.SenderRateInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
	} else {
		b.logger.Warn().Msg("no sender rate-limiting is set")
	}

	b.relay = relay.NewService(
		validator,
		validation.NewEstimator(b.client, b.config, b.logger),
		b.client,
		b.reputation,
		opPool,
		b.heads,
		senderLimiter,
		b.config,
		b.collector,
		b.logger,
	)
	b.engine = relay.NewEngine(
		b.relay,
		opPool,
		bundleBuilder,
		bundleSubmitter,
		b.reputation,
		b.publishers.Heads,
		b.config,
		b.logger,
	)

	return b.startEngine(ctx, g, b.engine, "bundling")
}

func (b *Bootstrap) StopRelay() error {
	if b.engine == nil {
		return nil
	}
	b.logger.Warn().Msg("stopping bundling engine")
	b.engine.Stop()

	return persistReputation(b.storages.Storage, b.storages.Reputation, b.reputation)
}

func (b *Bootstrap) StopChainTracking() {
	if b.heads == nil {
		return
	}
	b.logger.Warn().Msg("stopping chain head tracker")
	b.heads.Stop()
}

func (b *Bootstrap) StartMetricsServer(ctx context.Context) error {
	b.logger.Info().Msg("bootstrap starting metrics server")

	port, err := metrics.ResolvePort(b.config.PrometheusConfigFile, b.config.MetricsPort)
	if err != nil {
		return fmt.Errorf("failed to resolve metrics port: %w", err)
	}

	b.metrics = metrics.NewServer(b.logger, port)
	if err := b.metrics.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	collector, err := metrics.NewStorageCollector(b.logger, b.storages.Storage, storageMetricsInterval)
	if err != nil {
		return fmt.Errorf("failed to start storage metrics: %w", err)
	}
	collector.Start(ctx)

	return nil
}

func (b *Bootstrap) StopMetricsServer() error {
	if b.metrics == nil {
		return nil
	}
	b.logger.Warn().Msg("shutting down metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return b.metrics.Stop(ctx)
}

// Stop shuts every service down in reverse start order and closes the
// storage and chain client.
func (b *Bootstrap) Stop() error {
	var merr *multierror.Error

	if err := b.StopRelay(); err != nil {
		merr = multierror.Append(merr, err)
	}
	b.StopChainTracking()
	if err := b.StopMetricsServer(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := b.storages.Storage.Close(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("failed to close storage: %w", err))
	}
	b.client.Close()

	return merr.ErrorOrNil()
}

// startEngine runs engine in g and waits until it signals readiness. An
// engine error cancels the group context, stopping the other engines.
func (b *Bootstrap) startEngine(
	ctx context.Context,
	g *errgroup.Group,
	engine models.Engine,
	name string,
) error {
	g.Go(func() error {
		if err := engine.Run(ctx); err != nil {
			b.logger.Error().Err(err).Msgf("%s engine failed to run", name)
			return fmt.Errorf("%s engine failed: %w", name, err)
		}
		return nil
	})

	select {
	case <-engine.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	b.logger.Info().Msgf("%s engine started successfully", name)
	return nil
}

func seedReputation(index storage.ReputationIndexer, tracker *reputation.Tracker, logger zerolog.Logger) error {
	height, records, err := index.Load()
	if errors.Is(err, errs.ErrNotInitialized) {
		logger.Info().Msg("no reputation snapshot found, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load reputation snapshot: %w", err)
	}

	tracker.Seed(height, records)
	logger.Info().
		Uint64("height", height).
		Int("entities", len(records)).
		Msg("reputation seeded from snapshot")
	return nil
}

func persistReputation(store *pebble.Storage, index storage.ReputationIndexer, tracker *reputation.Tracker) error {
	if tracker == nil {
		return nil
	}
	return pebble.WithBatch(store, func(batch *pebbleDB.Batch) error {
		return index.Store(tracker.Head(), tracker.Snapshot(), batch)
	})
}

// Run will run complete bootstrap of the relay with all the engines.
// Run is a blocking call, but it does signal readiness of the service
// through the provided callback.
func Run(ctx context.Context, cfg *config.Config, ready func()) error {
	boot, err := New(ctx, cfg)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	err = boot.start(gCtx, g)
	if err == nil {
		ready()
		// blocks until cancellation or until an engine fails
		err = g.Wait()
	}

	boot.logger.Warn().Msg("bootstrap stopping services")
	if stopErr := boot.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	return err
}

func (b *Bootstrap) start(ctx context.Context, g *errgroup.Group) error {
	if err := b.StartMetricsServer(ctx); err != nil {
		return err
	}
	if err := b.StartChainTracking(ctx, g); err != nil {
		return err
	}
	return b.StartRelay(ctx, g)
}
