package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/metrics"
	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/chain"
)

// cacheTTL bounds how long a verdict is kept, results for old markers are
// never looked up again once the chain moves on.
const cacheTTL = 10 * time.Minute

type cacheKey struct {
	hash   common.Hash
	marker models.StateMarker
}

type verdict struct {
	result *models.SimulationResult
	err    error
}

// Validator decides whether an operation is acceptable against a chain
// state and extracts the resources it needs.
//
// Verdicts are a function of the operation and the state marker only, so
// they are cached per (operation hash, marker).
type Validator struct {
	client    chain.Client
	config    *config.Config
	limits    Limits
	verifier  SignatureVerifier
	cache     *expirable.LRU[cacheKey, verdict]
	collector metrics.Collector
	logger    zerolog.Logger
}

func NewValidator(
	client chain.Client,
	cfg *config.Config,
	verifier SignatureVerifier,
	collector metrics.Collector,
	logger zerolog.Logger,
) *Validator {
	size := cfg.SimulationCacheSize
	if size <= 0 {
		size = 1
	}

	return &Validator{
		client: client,
		config: cfg,
		limits: Limits{
			MaxVerificationGas: cfg.MaxVerificationGas,
			MaxCallGas:         cfg.MaxCallGas,
			MaxSignatureLength: cfg.MaxSignatureLength,
		},
		verifier:  verifier,
		cache:     expirable.NewLRU[cacheKey, verdict](size, nil, cacheTTL),
		collector: collector,
		logger:    logger.With().Str("component", "validator").Logger(),
	}
}

// Validate checks op against state. Rejections are *errors.ValidationError
// values, any other error comes from the chain client.
func (v *Validator) Validate(
	ctx context.Context,
	op *models.UserOperation,
	state models.ChainState,
) (*models.SimulationResult, error) {
	return v.check(ctx, op, state, true)
}

// Revalidate checks op against state without consulting cached verdicts,
// the fresh verdict replaces the cached one.
func (v *Validator) Revalidate(
	ctx context.Context,
	op *models.UserOperation,
	state models.ChainState,
) (*models.SimulationResult, error) {
	return v.check(ctx, op, state, false)
}

func (v *Validator) check(
	ctx context.Context,
	op *models.UserOperation,
	state models.ChainState,
	cached bool,
) (*models.SimulationResult, error) {
	start := time.Now()

	if err := CheckWellFormed(op, v.limits); err != nil {
		v.collector.OperationValidated(start, err)
		return nil, err
	}

	hash, err := op.Hash(v.config.EntryPointAddress, v.config.ChainID)
	if err != nil {
		return nil, errs.NewValidationError(errs.ErrMalformedOperation, "%v", err)
	}

	key := cacheKey{hash: hash, marker: state.Marker}
	if cached {
		if hit, ok := v.cache.Get(key); ok {
			v.collector.OperationValidated(start, hit.err)
			return hit.result, hit.err
		}
	}

	result, err := v.validate(ctx, op, hash, state)
	v.collector.OperationValidated(start, err)

	var validationErr *errs.ValidationError
	if err == nil || (errors.As(err, &validationErr) && !errors.Is(err, errs.ErrValidationTimeout)) {
		v.cache.Add(key, verdict{result: result, err: err})
	}

	l := v.logger.Debug().
		Str("sender", op.Sender.Hex()).
		Str("hash", hash.Hex()).
		Stringer("marker", state.Marker).
		Dur("duration", time.Since(start))
	if err != nil {
		l.Err(err).Msg("operation rejected")
	} else {
		l.Uint64("pre-op-gas", result.PreOpGas).Msg("operation validated")
	}

	return result, err
}

func (v *Validator) validate(
	ctx context.Context,
	op *models.UserOperation,
	hash common.Hash,
	state models.ChainState,
) (*models.SimulationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.config.ValidationTimeout)
	defer cancel()

	if v.verifier != nil {
		if err := v.verifier.Verify(ctx, op, hash); err != nil {
			if timedOut(ctx) {
				return nil, errs.NewValidationError(errs.ErrValidationTimeout, "signature check of %s", hash)
			}
			return nil, errs.NewValidationError(errs.ErrInvalidSignature, "%v", err)
		}
	}

	trace, err := v.client.TraceValidation(ctx, op, state)
	if err != nil {
		if timedOut(ctx) {
			return nil, errs.NewValidationError(
				errs.ErrValidationTimeout,
				"trace of %s exceeded %s",
				hash,
				v.config.ValidationTimeout,
			)
		}
		return nil, fmt.Errorf("failed to trace validation of %s: %w", op.ID(), err)
	}

	return Evaluate(op, trace, state, v.config.ValidUntilMargin)
}

// timedOut reports whether ctx hit its own deadline.
func timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}
