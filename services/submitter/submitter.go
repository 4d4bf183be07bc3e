package submitter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/metrics"
	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/chain"
	"github.com/Blu-J/rundler/services/pool"
	"github.com/Blu-J/rundler/services/reputation"
)

// maxWaitPerBlock caps the time spent waiting for a single block when
// polling for inclusion, so a stalled chain does not block a bundle forever.
const maxWaitPerBlock = time.Minute

var errNotIncluded = errors.New("bundle not included yet")

type Pool interface {
	RemoveByHash(hash common.Hash) bool
	Release(hashes []common.Hash, invalidate bool)
}

type Reputation interface {
	RecordOutcome(entity models.Entity, outcome reputation.Outcome)
}

// Submission is a bundle broadcast as a handleOps transaction.
type Submission struct {
	Bundle *models.Bundle
	Tx     *types.Transaction
	// Attempt is zero for the first broadcast and grows with every
	// fee-bumped resubmission.
	Attempt int
	// SentAt is the head block number at broadcast time.
	SentAt uint64
	// Hashes of every transaction sent for the bundle, any of them may land.
	Hashes []common.Hash
}

// Submitter sends bundles and follows them until they are included or given
// up on, feeding the outcome back to the pool and the reputation tracker.
type Submitter struct {
	client     chain.Client
	pool       Pool
	reputation Reputation
	key        *ecdsa.PrivateKey
	from       common.Address
	signer     types.Signer
	limiter    *rate.Limiter
	config     *config.Config
	collector  metrics.Collector
	logger     zerolog.Logger
}

func New(
	client chain.Client,
	pool Pool,
	reputation Reputation,
	cfg *config.Config,
	collector metrics.Collector,
	logger zerolog.Logger,
) (*Submitter, error) {
	if cfg.BundlerKey == nil {
		return nil, fmt.Errorf("bundler key is required to submit bundles")
	}

	return &Submitter{
		client:     client,
		pool:       pool,
		reputation: reputation,
		key:        cfg.BundlerKey,
		from:       crypto.PubkeyToAddress(cfg.BundlerKey.PublicKey),
		signer:     types.LatestSignerForChainID(cfg.ChainID),
		limiter:    rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		config:     cfg,
		collector:  collector,
		logger:     logger.With().Str("component", "submitter").Logger(),
	}, nil
}

// Submit signs and broadcasts bundle at the bundler's next nonce. A
// submission is returned whenever a transaction was signed, even if the
// broadcast failed, so it can be resubmitted.
func (s *Submitter) Submit(ctx context.Context, bundle *models.Bundle) (*Submission, error) {
	return s.send(ctx, bundle, nil)
}

// Resubmit replaces prev at the same nonce with both fees bumped.
func (s *Submitter) Resubmit(ctx context.Context, prev *Submission) (*Submission, error) {
	return s.send(ctx, prev.Bundle, prev)
}

func (s *Submitter) send(ctx context.Context, bundle *models.Bundle, prev *Submission) (*Submission, error) {
	attempt := 0
	if prev != nil {
		attempt = prev.Attempt + 1
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.SubmissionTimeout)
	defer cancel()

	state, err := s.client.CurrentState(ctx)
	if err != nil {
		return nil, s.classify(ctx, attempt, err)
	}

	tip, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, s.classify(ctx, attempt, err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee(state), big.NewInt(2)))

	var nonce uint64
	if prev != nil {
		nonce = prev.Tx.Nonce()
		tip = maxBig(tip, pool.MinReplacementFee(prev.Tx.GasTipCap(), s.config.ResubmissionFeeBumpPercent))
		feeCap = maxBig(feeCap, pool.MinReplacementFee(prev.Tx.GasFeeCap(), s.config.ResubmissionFeeBumpPercent))
	} else {
		nonce, err = s.client.NonceAt(ctx, s.from)
		if err != nil {
			return nil, s.classify(ctx, attempt, err)
		}
	}
	if feeCap.Cmp(tip) < 0 {
		feeCap = new(big.Int).Set(tip)
	}

	data, err := chain.PackHandleOps(bundle.Ops(), bundle.Beneficiary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handleOps: %w", err)
	}

	entryPoint := s.config.EntryPointAddress
	tx, err := types.SignNewTx(s.key, s.signer, &types.DynamicFeeTx{
		ChainID:   s.config.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       bundle.TransactionGasLimit(),
		To:        &entryPoint,
		Value:     new(big.Int),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign bundle transaction: %w", err)
	}

	sub := &Submission{
		Bundle:  bundle,
		Tx:      tx,
		Attempt: attempt,
		SentAt:  state.Marker.BlockNumber,
		Hashes:  []common.Hash{tx.Hash()},
	}
	if prev != nil {
		sub.Hashes = append(append([]common.Hash{}, prev.Hashes...), tx.Hash())
	}

	s.collector.BundleSubmitted(prev != nil)
	if _, err := s.client.Broadcast(ctx, tx); err != nil {
		return sub, s.classify(ctx, attempt, err)
	}

	s.logger.Info().
		Str("bundle", bundle.Hash.Hex()).
		Str("tx", tx.Hash().Hex()).
		Uint64("nonce", nonce).
		Stringer("tip", tip).
		Stringer("fee-cap", feeCap).
		Int("attempt", attempt).
		Msg("bundle broadcast")

	return sub, nil
}

// Poll reports the inclusion of any transaction sent for sub.
func (s *Submitter) Poll(ctx context.Context, sub *Submission) (*chain.InclusionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.SubmissionTimeout)
	defer cancel()

	for i := len(sub.Hashes) - 1; i >= 0; i-- {
		status, err := s.client.InclusionStatus(ctx, sub.Hashes[i])
		if err != nil {
			return nil, s.classify(ctx, sub.Attempt, err)
		}
		if status.Included {
			return status, nil
		}
	}
	return &chain.InclusionStatus{}, nil
}

// Track submits bundle and follows it to a final outcome. When no
// transaction lands within InclusionWaitBlocks the bundle is resubmitted
// with higher fees, after MaxResubmissions the entries are released back to
// the pool and must be re-validated.
func (s *Submitter) Track(ctx context.Context, bundle *models.Bundle) error {
	var (
		sub     *Submission
		sent    bool
		lastErr error
	)

	for attempt := 0; attempt <= s.config.MaxResubmissions; attempt++ {
		if attempt > 0 {
			if err := s.limiter.Wait(ctx); err != nil {
				s.release(bundle, false)
				return err
			}
		}

		var err error
		if sub == nil {
			sub, err = s.Submit(ctx, bundle)
		} else {
			var next *Submission
			next, err = s.Resubmit(ctx, sub)
			if next != nil {
				sub = next
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				s.release(bundle, false)
				return ctx.Err()
			}
			lastErr = err
			s.logger.Warn().Err(err).Str("bundle", bundle.Hash.Hex()).Msg("failed to broadcast bundle")
			// a previously sent transaction may still land
			if !sent {
				continue
			}
		} else {
			sent = true
		}

		status, err := s.awaitInclusion(ctx, sub)
		if err != nil {
			s.release(bundle, false)
			return err
		}
		if status != nil {
			s.finalize(bundle, status)
			return nil
		}
	}

	s.release(bundle, true)
	s.collector.BundleFinalized("dropped")
	s.logger.Warn().
		Err(lastErr).
		Str("bundle", bundle.Hash.Hex()).
		Int("operations", bundle.Len()).
		Msg("bundle dropped after exhausting resubmissions")

	return errs.NewSubmissionError(errs.ErrResubmissionsExhausted, s.config.MaxResubmissions, lastErr)
}

// awaitInclusion polls until a transaction of sub is included or
// InclusionWaitBlocks blocks went by. It returns a nil status when the
// bundle was not included, errors are only returned on cancellation.
func (s *Submitter) awaitInclusion(ctx context.Context, sub *Submission) (*chain.InclusionStatus, error) {
	deadline := sub.SentAt + s.config.InclusionWaitBlocks
	backoff := retry.WithMaxDuration(
		time.Duration(s.config.InclusionWaitBlocks)*maxWaitPerBlock,
		retry.NewConstant(s.config.PollInterval),
	)

	var included *chain.InclusionStatus
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		status, err := s.Poll(ctx, sub)
		if err != nil {
			s.logger.Debug().Err(err).Str("bundle", sub.Bundle.Hash.Hex()).Msg("failed to poll bundle")
			return retry.RetryableError(err)
		}
		if status.Included {
			included = status
			return nil
		}

		state, err := s.client.CurrentState(ctx)
		if err == nil && state.Marker.BlockNumber >= deadline {
			return errNotIncluded
		}
		return retry.RetryableError(errNotIncluded)
	})

	if included != nil {
		return included, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && !errors.Is(err, errNotIncluded) {
		s.logger.Warn().Err(err).Str("bundle", sub.Bundle.Hash.Hex()).Msg("gave up polling bundle")
	}
	return nil, nil
}

// finalize applies the outcome of an included bundle transaction.
func (s *Submitter) finalize(bundle *models.Bundle, status *chain.InclusionStatus) {
	var included, failed, dropped []models.PoolEntry
	for _, e := range bundle.Entries {
		success, ok := status.Operations[e.Hash]
		switch {
		case status.Reverted || !ok:
			dropped = append(dropped, e)
		case success:
			included = append(included, e)
		default:
			failed = append(failed, e)
		}
	}

	for _, e := range included {
		s.pool.RemoveByHash(e.Hash)
		s.record(e, reputation.OutcomeIncluded)
	}
	for _, e := range failed {
		s.pool.RemoveByHash(e.Hash)
		s.record(e, reputation.OutcomeFailed)
	}
	if len(dropped) > 0 {
		hashes := make([]common.Hash, len(dropped))
		for i, e := range dropped {
			hashes[i] = e.Hash
			s.record(e, reputation.OutcomeDropped)
		}
		s.pool.Release(hashes, true)
	}

	outcome := "included"
	if status.Reverted {
		outcome = "reverted"
	}
	s.collector.BundleFinalized(outcome)

	s.logger.Info().
		Str("bundle", bundle.Hash.Hex()).
		Uint64("block", status.BlockNumber).
		Bool("reverted", status.Reverted).
		Int("included", len(included)).
		Int("failed", len(failed)).
		Int("dropped", len(dropped)).
		Msg("bundle finalized")
}

// release hands the bundle entries back to the pool.
func (s *Submitter) release(bundle *models.Bundle, invalidate bool) {
	s.pool.Release(bundle.Hashes(), invalidate)
	if !invalidate {
		return
	}
	for _, e := range bundle.Entries {
		s.record(e, reputation.OutcomeDropped)
	}
}

func (s *Submitter) record(e models.PoolEntry, outcome reputation.Outcome) {
	for _, ent := range e.Entities() {
		s.reputation.RecordOutcome(ent, outcome)
	}
}

// classify maps a chain client error to a submission error kind.
func (s *Submitter) classify(ctx context.Context, attempt int, err error) error {
	kind := errs.ErrRelayRejected
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = errs.ErrSubmissionTimeout
	case strings.Contains(strings.ToLower(err.Error()), "underpriced"):
		kind = errs.ErrUnderpriced
	}
	return errs.NewSubmissionError(kind, attempt, err)
}

func baseFee(state models.ChainState) *big.Int {
	if state.BaseFee == nil {
		return new(big.Int)
	}
	return state.BaseFee
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
