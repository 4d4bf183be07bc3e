package builder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/metrics"
	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/chain"
	"github.com/Blu-J/rundler/services/reputation"
)

// maxConcurrentRevalidations bounds the isolated re-validations run while
// looking for the entry breaking a composite simulation.
const maxConcurrentRevalidations = 8

// Validator re-validates operations in isolation. It must not answer from
// verdicts cached at the marker the candidates were filtered on.
type Validator interface {
	Revalidate(ctx context.Context, op *models.UserOperation, state models.ChainState) (*models.SimulationResult, error)
}

type Reputation interface {
	Status(addr common.Address) reputation.Status
}

// Pool receives the entries that no longer validate on their own.
type Pool interface {
	RemoveByHash(hash common.Hash) bool
}

// Builder assembles bundles from pool snapshots. Construction is greedy:
// candidates are packed by fee under the gas, count and conflict limits and
// the chosen set is simulated as a whole, dropping one offender per failed
// attempt up to MaxBundleRetries.
type Builder struct {
	mux sync.Mutex

	client      chain.Client
	validator   Validator
	reputation  Reputation
	pool        Pool
	config      *config.Config
	from        common.Address
	beneficiary common.Address
	collector   metrics.Collector
	logger      zerolog.Logger
}

func New(
	client chain.Client,
	validator Validator,
	reputation Reputation,
	pool Pool,
	cfg *config.Config,
	collector metrics.Collector,
	logger zerolog.Logger,
) *Builder {
	var from common.Address
	if cfg.BundlerKey != nil {
		from = crypto.PubkeyToAddress(cfg.BundlerKey.PublicKey)
	}
	beneficiary := cfg.BundlerBeneficiary
	if beneficiary == (common.Address{}) {
		beneficiary = from
	}

	return &Builder{
		client:      client,
		validator:   validator,
		reputation:  reputation,
		pool:        pool,
		config:      cfg,
		from:        from,
		beneficiary: beneficiary,
		collector:   collector,
		logger:      logger.With().Str("component", "bundle-builder").Logger(),
	}
}

// Build selects a bundle out of snapshot valid against state. It returns
// ErrNoEligibleOps when no non-empty set survives the retry bound, any other
// error comes from the chain client.
func (b *Builder) Build(
	ctx context.Context,
	snapshot []models.PoolEntry,
	state models.ChainState,
) (*models.Bundle, error) {
	b.mux.Lock()
	defer b.mux.Unlock()

	start := time.Now()
	candidates := b.eligible(snapshot, state)
	models.SortByFee(candidates)

	excluded := mapset.NewThreadUnsafeSet[common.Hash]()
	for attempt := 1; attempt <= b.config.MaxBundleRetries; attempt++ {
		selected, gas := b.pack(candidates, excluded)
		if len(selected) == 0 {
			break
		}

		bundle := models.NewBundle(selected, gas, state.Marker, b.beneficiary)
		result, err := b.client.SimulateHandleOps(ctx, chain.HandleOpsCall{
			From:        b.from,
			Ops:         bundle.Ops(),
			Beneficiary: b.beneficiary,
			GasLimit:    bundle.TransactionGasLimit(),
		}, state)
		if err != nil {
			b.collector.BundleBuildFailed("chain")
			return nil, fmt.Errorf("failed to simulate bundle of %d operations: %w", bundle.Len(), err)
		}

		if result.Success {
			b.collector.BundleBuilt(start, bundle.Len(), bundle.GasEstimate)
			b.logger.Info().
				Str("bundle", bundle.Hash.Hex()).
				Int("operations", bundle.Len()).
				Uint64("gas", bundle.GasEstimate).
				Stringer("marker", state.Marker).
				Int("attempt", attempt).
				Msg("bundle built")
			return bundle, nil
		}

		offender, err := b.offender(ctx, selected, result, state)
		if err != nil {
			b.collector.BundleBuildFailed("chain")
			return nil, err
		}
		excluded.Add(offender.Hash)

		b.logger.Warn().
			Err(errs.ErrSimulationConflict).
			Str("hash", offender.Hash.Hex()).
			Str("sender", offender.Op.Sender.Hex()).
			Str("revert", result.RevertReason).
			Int("attempt", attempt).
			Msg("dropping operation from bundle")
	}

	b.collector.BundleBuildFailed("no_eligible_ops")
	return nil, fmt.Errorf(
		"%w: %d candidates, %d excluded",
		errs.ErrNoEligibleOps,
		len(candidates),
		excluded.Cardinality(),
	)
}

// eligible filters out entries referencing banned entities and entries
// whose simulation predates state.
func (b *Builder) eligible(snapshot []models.PoolEntry, state models.ChainState) []models.PoolEntry {
	candidates := make([]models.PoolEntry, 0, len(snapshot))

	for _, e := range snapshot {
		if e.IsStale(state.Marker) {
			continue
		}
		if b.banned(e) {
			continue
		}
		candidates = append(candidates, e)
	}
	return candidates
}

func (b *Builder) banned(e models.PoolEntry) bool {
	for _, ent := range e.Entities() {
		if b.reputation.Status(ent.Address) == reputation.StatusBanned {
			return true
		}
	}
	return false
}

// pack greedily accumulates candidates in order. A candidate over a limit,
// or touching a slot already claimed by a different sender, is skipped and
// stays in the pool for a later tick.
func (b *Builder) pack(
	candidates []models.PoolEntry,
	excluded mapset.Set[common.Hash],
) ([]models.PoolEntry, uint64) {
	var (
		selected  []models.PoolEntry
		gas       uint64
		perSender = make(map[common.Address]int)
		throttled = make(map[common.Address]int)
		claims    = make(map[models.StorageSlot]common.Address)
	)

	for _, c := range candidates {
		if len(selected) >= b.config.MaxBundleOps {
			break
		}
		if excluded.Contains(c.Hash) {
			continue
		}

		sender := c.Op.Sender
		if perSender[sender] >= b.config.MaxBundleOpsPerSender {
			continue
		}

		opGas := c.Op.BundleGasLimit()
		if opGas > b.config.MaxBundleGas || gas > b.config.MaxBundleGas-opGas {
			continue
		}

		var limited []common.Address
		overLimit := false
		for _, ent := range c.Entities() {
			if b.reputation.Status(ent.Address) != reputation.StatusThrottled {
				continue
			}
			if throttled[ent.Address] >= b.config.ThrottledEntityBundleLimit {
				overLimit = true
				break
			}
			limited = append(limited, ent.Address)
		}
		if overLimit {
			continue
		}

		if conflicts(c, claims) {
			b.logger.Debug().
				Str("hash", c.Hash.Hex()).
				Str("sender", sender.Hex()).
				Msg("skipping conflicting operation")
			continue
		}

		selected = append(selected, c)
		gas += opGas
		perSender[sender]++
		for _, addr := range limited {
			throttled[addr]++
		}
		for _, slot := range c.Simulation.Accesses {
			if _, ok := claims[slot]; !ok {
				claims[slot] = sender
			}
		}
	}

	orderNonces(selected)
	return selected, gas
}

// conflicts reports whether c touches a slot claimed by another sender.
func conflicts(c models.PoolEntry, claims map[models.StorageSlot]common.Address) bool {
	for _, slot := range c.Simulation.Accesses {
		if owner, ok := claims[slot]; ok && owner != c.Op.Sender {
			return true
		}
	}
	return false
}

// orderNonces sorts the operations of every sender by nonce while keeping
// the positions the sender occupies in the bundle.
func orderNonces(entries []models.PoolEntry) {
	positions := make(map[common.Address][]int)
	for i, e := range entries {
		positions[e.Op.Sender] = append(positions[e.Op.Sender], i)
	}

	for _, idx := range positions {
		if len(idx) < 2 {
			continue
		}
		group := make([]models.PoolEntry, len(idx))
		for i, j := range idx {
			group[i] = entries[j]
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Op.Nonce.Cmp(group[j].Op.Nonce) < 0
		})
		for i, j := range idx {
			entries[j] = group[i]
		}
	}
}

// offender picks the entry to drop after a failed composite simulation:
// the operation named by the entry point, otherwise the first operation
// failing isolated re-validation, otherwise the lowest fee one.
func (b *Builder) offender(
	ctx context.Context,
	selected []models.PoolEntry,
	result *chain.HandleOpsResult,
	state models.ChainState,
) (models.PoolEntry, error) {
	if result.FailedOp != nil && result.FailedOp.OpIndex < uint64(len(selected)) {
		named := selected[result.FailedOp.OpIndex]
		failures, err := b.revalidate(ctx, []models.PoolEntry{named}, state)
		if err != nil {
			return models.PoolEntry{}, err
		}
		if failures[0] != nil {
			b.reject(named, failures[0])
		}
		return named, nil
	}

	failures, err := b.revalidate(ctx, selected, state)
	if err != nil {
		return models.PoolEntry{}, err
	}
	for i, failure := range failures {
		if failure != nil {
			b.reject(selected[i], failure)
			return selected[i], nil
		}
	}

	lowest := selected[0]
	for _, e := range selected[1:] {
		if c := e.Fee.Cmp(lowest.Fee); c < 0 || (c == 0 && e.Seq > lowest.Seq) {
			lowest = e
		}
	}
	return lowest, nil
}

// revalidate runs isolated validations of entries concurrently. The
// returned slice holds the rejection of each entry, nil when it is valid.
func (b *Builder) revalidate(
	ctx context.Context,
	entries []models.PoolEntry,
	state models.ChainState,
) ([]error, error) {
	failures := make([]error, len(entries))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRevalidations)
	for i := range entries {
		i := i
		g.Go(func() error {
			_, err := b.validator.Revalidate(gCtx, entries[i].Op, state)
			if err == nil {
				return nil
			}
			if errors.Is(err, errs.ErrValidation) {
				failures[i] = err
				return nil
			}
			return fmt.Errorf("failed to re-validate %s: %w", entries[i].Hash, err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failures, nil
}

// reject removes e from the pool, a timed out validation only excludes it
// from this tick.
func (b *Builder) reject(e models.PoolEntry, err error) {
	if errors.Is(err, errs.ErrValidationTimeout) {
		return
	}
	b.pool.RemoveByHash(e.Hash)
	b.logger.Info().
		Err(err).
		Str("hash", e.Hash.Hex()).
		Str("sender", e.Op.Sender.Hex()).
		Msg("removed operation failing re-validation")
}
