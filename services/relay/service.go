package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-limiter"
	"golang.org/x/sync/errgroup"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/metrics"
	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/chain"
	"github.com/Blu-J/rundler/services/pool"
	"github.com/Blu-J/rundler/services/reputation"
	"github.com/Blu-J/rundler/services/validation"
)

const maxConcurrentValidations = 16

type Validator interface {
	Validate(ctx context.Context, op *models.UserOperation, state models.ChainState) (*models.SimulationResult, error)
}

type Reputation interface {
	Seen(entities []models.Entity)
	Record(addr common.Address) reputation.Record
}

type Pool interface {
	Admit(op *models.UserOperation, sim *models.SimulationResult) (*models.PoolEntry, error)
	Readmit(entry models.PoolEntry, sim *models.SimulationResult) (*models.PoolEntry, error)
	Get(hash common.Hash) (models.PoolEntry, bool)
	Refresh(hash common.Hash, sim *models.SimulationResult) error
	RemoveByHash(hash common.Hash) bool
	Status() pool.Status
}

type Estimator interface {
	Estimate(ctx context.Context, op *models.UserOperation, state models.ChainState) (*validation.GasEstimate, error)
}

type Receipts interface {
	OperationReceipt(ctx context.Context, hash common.Hash, lookback uint64) (*chain.OperationReceipt, error)
}

// Heads provides the chain state submissions are validated against.
type Heads interface {
	Latest() (models.ChainState, bool)
}

// Service is the submission side of the relay: operations are validated
// against the latest head outside of any pool lock and then admitted.
type Service struct {
	validator  Validator
	estimator  Estimator
	receipts   Receipts
	reputation Reputation
	pool       Pool
	heads      Heads
	limiter    limiter.Store
	config     *config.Config
	collector  metrics.Collector
	logger     zerolog.Logger
}

func NewService(
	validator Validator,
	estimator Estimator,
	receipts Receipts,
	reputation Reputation,
	pool Pool,
	heads Heads,
	limiter limiter.Store,
	cfg *config.Config,
	collector metrics.Collector,
	logger zerolog.Logger,
) *Service {
	return &Service{
		validator:  validator,
		estimator:  estimator,
		receipts:   receipts,
		reputation: reputation,
		pool:       pool,
		heads:      heads,
		limiter:    limiter,
		config:     cfg,
		collector:  collector,
		logger:     logger.With().Str("component", "relay").Logger(),
	}
}

// SendOperation validates op and admits it to the pool, returning its hash.
func (s *Service) SendOperation(ctx context.Context, op *models.UserOperation) (common.Hash, error) {
	if op == nil {
		return common.Hash{}, errs.NewValidationError(errs.ErrMalformedOperation, "missing operation")
	}

	if err := s.rateLimit(ctx, op.Sender); err != nil {
		return common.Hash{}, err
	}

	state, ok := s.heads.Latest()
	if !ok {
		return common.Hash{}, models.NewRecoverableError(errors.New("no chain head available yet"))
	}

	sim, err := s.validator.Validate(ctx, op, state)
	if err != nil {
		s.collector.OperationRejected("validation")
		return common.Hash{}, err
	}

	s.reputation.Seen((&models.PoolEntry{Op: op, Simulation: sim}).Entities())

	entry, err := s.pool.Admit(op, sim)
	if err != nil {
		s.logger.Debug().Err(err).Str("sender", op.Sender.Hex()).Msg("operation not admitted")
		return common.Hash{}, err
	}

	s.logger.Info().
		Str("hash", entry.Hash.Hex()).
		Str("sender", op.Sender.Hex()).
		Stringer("nonce", op.Nonce).
		Msg("operation admitted")

	return entry.Hash, nil
}

// rateLimit applies the per sender submission limit.
func (s *Service) rateLimit(ctx context.Context, sender common.Address) error {
	if s.limiter == nil {
		return nil
	}

	_, _, _, ok, err := s.limiter.Take(ctx, sender.Hex())
	if err != nil {
		return fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !ok {
		s.collector.OperationRejected("rate_limited")
		s.logger.Debug().Str("sender", sender.Hex()).Msg("rate limit reached")
		return errs.NewPoolError(errs.ErrRateLimit, "sender %s", sender)
	}
	return nil
}

// Revalidate re-simulates entries against state and installs the results.
// Entries that are no longer valid are removed, results for entries
// replaced or removed meanwhile are discarded. Only chain client failures
// are returned.
func (s *Service) Revalidate(ctx context.Context, entries []models.PoolEntry, state models.ChainState) error {
	if len(entries) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentValidations)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			sim, err := s.validator.Validate(gCtx, e.Op, state)
			if err != nil {
				return s.dropInvalid(e, err)
			}

			if err := s.pool.Refresh(e.Hash, sim); err != nil {
				s.logger.Debug().Err(err).Str("hash", e.Hash.Hex()).Msg("discarded revalidation result")
			}
			return nil
		})
	}
	return g.Wait()
}

// Reroute re-validates entries expired for staleness and admits them again
// with their original arrival time.
func (s *Service) Reroute(ctx context.Context, entries []models.PoolEntry, state models.ChainState) error {
	if len(entries) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentValidations)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			sim, err := s.validator.Validate(gCtx, e.Op, state)
			if err != nil {
				if errors.Is(err, errs.ErrValidation) {
					s.logger.Debug().Err(err).Str("hash", e.Hash.Hex()).Msg("dropped stale operation")
					return nil
				}
				return fmt.Errorf("failed to re-validate %s: %w", e.Hash, err)
			}

			if _, err := s.pool.Readmit(e, sim); err != nil {
				s.logger.Debug().Err(err).Str("hash", e.Hash.Hex()).Msg("stale operation not re-admitted")
			}
			return nil
		})
	}
	return g.Wait()
}

// dropInvalid removes e after a validation rejection. Timeouts leave the
// entry for the next tick.
func (s *Service) dropInvalid(e models.PoolEntry, err error) error {
	switch {
	case errors.Is(err, errs.ErrValidationTimeout):
		return nil
	case errors.Is(err, errs.ErrValidation):
		if s.pool.RemoveByHash(e.Hash) {
			s.collector.OperationsRemoved("invalid", 1)
			s.logger.Info().
				Err(err).
				Str("hash", e.Hash.Hex()).
				Str("sender", e.Op.Sender.Hex()).
				Msg("removed operation failing revalidation")
		}
		return nil
	default:
		return fmt.Errorf("failed to re-validate %s: %w", e.Hash, err)
	}
}

// EstimateGas returns the gas limits op should carry against the latest
// head. Reverts are *errors.ValidationError values.
func (s *Service) EstimateGas(ctx context.Context, op *models.UserOperation) (*validation.GasEstimate, error) {
	if op == nil {
		return nil, errs.NewValidationError(errs.ErrMalformedOperation, "missing operation")
	}

	state, ok := s.heads.Latest()
	if !ok {
		return nil, models.NewRecoverableError(errors.New("no chain head available yet"))
	}
	return s.estimator.Estimate(ctx, op, state)
}

// OperationReceipt returns the receipt of an included operation. It
// returns nil when hash was not found within EventBlockDistance blocks.
func (s *Service) OperationReceipt(ctx context.Context, hash common.Hash) (*chain.OperationReceipt, error) {
	receipt, err := s.receipts.OperationReceipt(ctx, hash, s.config.EventBlockDistance)
	if err != nil {
		return nil, fmt.Errorf("failed to look up receipt of %s: %w", hash, err)
	}
	return receipt, nil
}

// Operation returns the pending entry with hash.
func (s *Service) Operation(hash common.Hash) (models.PoolEntry, bool) {
	return s.pool.Get(hash)
}

func (s *Service) PoolStatus() pool.Status {
	return s.pool.Status()
}

func (s *Service) Reputation(addr common.Address) reputation.Record {
	return s.reputation.Record(addr)
}
