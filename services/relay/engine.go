package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/pool"
)

var _ models.Engine = &Engine{}

type BundlePool interface {
	RemoveBanned() []models.PoolEntry
	SetHead(state models.ChainState)
	Expire(now time.Time) pool.ExpiryResult
	Stale() []models.PoolEntry
	Snapshot() []models.PoolEntry
	Reserve(hashes []common.Hash)
}

type Builder interface {
	Build(ctx context.Context, snapshot []models.PoolEntry, state models.ChainState) (*models.Bundle, error)
}

type Submitter interface {
	Track(ctx context.Context, bundle *models.Bundle) error
}

type WindowAdvancer interface {
	Advance(block uint64)
}

// Engine drives bundle construction. A tick runs on every new chain head
// and on every BuildInterval: the reputation window and the pool are moved
// to the head, entries of banned entities are dropped, stale entries are
// re-simulated, and when no bundle is in
// flight a new one is built and handed to the submitter.
//
// Consecutive chain client failures, MaxChainFailures in a row, stop the
// engine with an error wrapping models.ErrChainUnavailable.
type Engine struct {
	*models.EngineStatus

	service    *Service
	pool       BundlePool
	builder    Builder
	submitter  Submitter
	reputation WindowAdvancer
	heads      *models.Publisher[models.ChainState]
	config     *config.Config
	logger     zerolog.Logger

	latest    atomic.Pointer[models.ChainState]
	inFlight  atomic.Bool
	submits   sync.WaitGroup
	now       func() time.Time
	newHeads  chan struct{}
	failures  int
	tickCount atomic.Uint64
}

func NewEngine(
	service *Service,
	pool BundlePool,
	builder Builder,
	submitter Submitter,
	reputation WindowAdvancer,
	heads *models.Publisher[models.ChainState],
	cfg *config.Config,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		EngineStatus: models.NewEngineStatus(),
		service:      service,
		pool:         pool,
		builder:      builder,
		submitter:    submitter,
		reputation:   reputation,
		heads:        heads,
		config:       cfg,
		logger:       logger.With().Str("component", "bundling-engine").Logger(),
		now:          time.Now,
		newHeads:     make(chan struct{}, 1),
	}
}

func (e *Engine) Stop() {
	e.MarkDone()
	<-e.Stopped()
}

// Ticks returns the number of completed ticks.
func (e *Engine) Ticks() uint64 {
	return e.tickCount.Load()
}

func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Dur("interval", e.config.BuildInterval).Msg("starting bundling engine")

	ctx, cancel := context.WithCancel(ctx)
	defer e.MarkStopped()
	defer func() {
		// pending submissions release their entries on cancellation
		cancel()
		e.submits.Wait()
	}()

	sub := models.NewSubscription(func(state models.ChainState) error {
		e.latest.Store(&state)
		select {
		case e.newHeads <- struct{}{}:
		default:
		}
		return nil
	})
	e.heads.Subscribe(sub)
	defer e.heads.Unsubscribe(sub)

	ticker := time.NewTicker(e.config.BuildInterval)
	defer ticker.Stop()

	e.MarkReady()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.Done():
			return nil
		case <-e.newHeads:
		case <-ticker.C:
		}

		state := e.latest.Load()
		if state == nil {
			continue
		}
		if err := e.handleTick(ctx, *state); err != nil {
			return err
		}
	}
}

// handleTick runs a tick and keeps count of consecutive chain failures.
func (e *Engine) handleTick(ctx context.Context, state models.ChainState) error {
	err := e.tick(ctx, state)
	e.tickCount.Inc()
	if err == nil {
		e.failures = 0
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	e.failures++
	e.logger.Warn().
		Err(err).
		Int("failures", e.failures).
		Uint64("block", state.Marker.BlockNumber).
		Msg("bundling tick failed")

	if e.failures >= e.config.MaxChainFailures {
		return models.NewChainUnavailableError(err)
	}
	return nil
}

func (e *Engine) tick(ctx context.Context, state models.ChainState) error {
	e.reputation.Advance(state.Marker.BlockNumber)
	e.pool.RemoveBanned()
	e.pool.SetHead(state)

	expired := e.pool.Expire(e.now())
	if err := e.service.Reroute(ctx, expired.Stale, state); err != nil {
		return fmt.Errorf("failed to reroute stale operations: %w", err)
	}
	if err := e.service.Revalidate(ctx, e.pool.Stale(), state); err != nil {
		return fmt.Errorf("failed to revalidate operations: %w", err)
	}

	// a single bundle is in flight at a time, they share the bundler nonce
	if e.inFlight.Load() {
		return nil
	}

	bundle, err := e.builder.Build(ctx, e.pool.Snapshot(), state)
	if errors.Is(err, errs.ErrNoEligibleOps) {
		e.logger.Debug().Err(err).Uint64("block", state.Marker.BlockNumber).Msg("no bundle built")
		return nil
	}
	if err != nil {
		return err
	}

	e.pool.Reserve(bundle.Hashes())
	e.inFlight.Store(true)
	e.submits.Add(1)
	go func() {
		defer e.submits.Done()
		defer e.inFlight.Store(false)

		if err := e.submitter.Track(ctx, bundle); err != nil {
			e.logger.Warn().Err(err).Str("bundle", bundle.Hash.Hex()).Msg("bundle submission failed")
		}
	}()

	return nil
}
