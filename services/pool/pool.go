package pool

import (
	"math/big"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/metrics"
	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/reputation"
)

// Reputation is the entity status capability the pool admits against.
type Reputation interface {
	Status(addr common.Address) reputation.Status
}

// ExpiryResult lists the entries removed by an expiry sweep.
type ExpiryResult struct {
	// Expired entries outlived their TTL or validity window and are dropped.
	Expired []models.PoolEntry
	// Stale entries were validated too many chain advances ago and should be
	// re-validated before being admitted again.
	Stale []models.PoolEntry
}

// Status is a point in time summary of the pool.
type Status struct {
	Pending  int
	Reserved int
	Capacity int
	Head     models.StateMarker
}

// Pool holds the pending operations, at most one per (sender, nonce).
//
// Every mutation happens under a single exclusive lock and no I/O is done
// while holding it. Entries handed out are copies.
type Pool struct {
	mux sync.RWMutex

	entries  map[models.OperationID]*models.PoolEntry
	byHash   map[common.Hash]models.OperationID
	bySender map[common.Address]int
	byEntity map[common.Address]int
	fees     *redblacktree.Tree
	reserved map[common.Hash]struct{}
	seq      uint64
	head     models.StateMarker
	baseFee  *big.Int

	reputation Reputation
	config     *config.Config
	collector  metrics.Collector
	logger     zerolog.Logger
	now        func() time.Time
}

func New(
	cfg *config.Config,
	reputation Reputation,
	collector metrics.Collector,
	logger zerolog.Logger,
) *Pool {
	return &Pool{
		entries:    make(map[models.OperationID]*models.PoolEntry),
		byHash:     make(map[common.Hash]models.OperationID),
		bySender:   make(map[common.Address]int),
		byEntity:   make(map[common.Address]int),
		fees:       redblacktree.NewWith(compareFeeKeys),
		reserved:   make(map[common.Hash]struct{}),
		reputation: reputation,
		config:     cfg,
		collector:  collector,
		logger:     logger.With().Str("component", "pool").Logger(),
		now:        time.Now,
	}
}

// Admit adds op with its simulation result to the pool.
//
// Checks run in order: entity status, per sender and per entity caps, the
// replacement rule for an existing (sender, nonce) and finally capacity,
// evicting the lowest fee entry if the new one pays strictly more.
func (p *Pool) Admit(op *models.UserOperation, sim *models.SimulationResult) (*models.PoolEntry, error) {
	return p.admit(op, sim, time.Time{})
}

// Readmit admits a previously pooled entry again with a new simulation
// result. The entry keeps its original arrival time so the TTL still runs
// from its first admission.
func (p *Pool) Readmit(entry models.PoolEntry, sim *models.SimulationResult) (*models.PoolEntry, error) {
	return p.admit(entry.Op, sim, entry.ArrivedAt)
}

func (p *Pool) admit(
	op *models.UserOperation,
	sim *models.SimulationResult,
	arrivedAt time.Time,
) (*models.PoolEntry, error) {
	hash, err := op.Hash(p.config.EntryPointAddress, p.config.ChainID)
	if err != nil {
		return nil, errs.NewPoolError(errs.ErrPool, "failed to hash operation: %v", err)
	}

	p.mux.Lock()
	defer p.mux.Unlock()

	if arrivedAt.IsZero() {
		arrivedAt = p.now()
	}
	entry := &models.PoolEntry{
		Op:         op.Copy(),
		Hash:       hash,
		Simulation: sim,
		ArrivedAt:  arrivedAt,
		Fee:        op.EffectivePriorityFee(p.baseFee),
	}

	if err := p.checkAdmission(entry); err != nil {
		p.collector.OperationRejected(reasonOf(err))
		return nil, err
	}

	id := op.ID()
	if existing, ok := p.entries[id]; ok {
		p.remove(existing)
		p.collector.OperationsRemoved("replaced", 1)
		p.logger.Debug().
			Str("sender", id.Sender.Hex()).
			Str("old", existing.Hash.Hex()).
			Str("new", hash.Hex()).
			Msg("operation replaced")
	} else if len(p.entries) >= p.config.PoolCapacity {
		victim := p.lowest()
		p.remove(victim)
		p.collector.OperationsRemoved("evicted", 1)
		p.logger.Debug().
			Str("hash", victim.Hash.Hex()).
			Stringer("fee", victim.Fee).
			Msg("operation evicted")
	}

	p.seq++
	entry.Seq = p.seq
	p.insert(entry)

	p.collector.OperationAdmitted()
	p.collector.PoolSizeUpdated(len(p.entries))

	p.logger.Debug().
		Str("hash", hash.Hex()).
		Str("sender", op.Sender.Hex()).
		Str("nonce", op.Nonce.String()).
		Stringer("fee", entry.Fee).
		Msg("operation admitted")

	cpy := *entry
	return &cpy, nil
}

func (p *Pool) checkAdmission(entry *models.PoolEntry) error {
	if _, ok := p.byHash[entry.Hash]; ok {
		return errs.NewPoolError(errs.ErrAlreadyKnown, "%s", entry.Hash)
	}

	id := entry.ID()
	existing := p.entries[id]

	for _, e := range entry.Entities() {
		switch p.reputation.Status(e.Address) {
		case reputation.StatusBanned:
			return errs.NewPoolError(errs.ErrEntityBanned, "%s", e)
		case reputation.StatusThrottled:
			pending := p.byEntity[e.Address]
			if existing != nil && references(existing, e.Address) {
				pending--
			}
			if pending >= p.config.ThrottledEntityMaxPending {
				return errs.NewPoolError(
					errs.ErrEntityThrottled,
					"%s has %d pending operations",
					e,
					pending,
				)
			}
		}
	}

	if existing == nil && p.bySender[id.Sender] >= p.config.MaxOpsPerSender {
		return errs.NewPoolError(
			errs.ErrSenderLimit,
			"%s has %d pending operations",
			id.Sender.Hex(),
			p.bySender[id.Sender],
		)
	}

	if existing != nil {
		if !p.isReplacement(existing.Op, entry.Op) {
			return errs.NewPoolError(
				errs.ErrDuplicateNonceLowerFee,
				"replacement of %s must raise both fees by at least %d%%",
				id,
				p.config.ReplacementFeeBumpPercent,
			)
		}
		return nil
	}

	if len(p.entries) >= p.config.PoolCapacity {
		victim := p.lowest()
		if victim == nil || entry.Fee.Cmp(victim.Fee) <= 0 {
			return errs.NewPoolError(
				errs.ErrPoolFull,
				"fee %s does not exceed the lowest pending fee",
				entry.Fee,
			)
		}
	}

	return nil
}

// isReplacement reports whether next raises both fee fields of current by
// the configured bump. Equal fees never replace.
func (p *Pool) isReplacement(current, next *models.UserOperation) bool {
	return bumped(current.MaxFeePerGas, next.MaxFeePerGas, p.config.ReplacementFeeBumpPercent) &&
		bumped(current.MaxPriorityFeePerGas, next.MaxPriorityFeePerGas, p.config.ReplacementFeeBumpPercent)
}

// MinReplacementFee returns the lowest fee a replacement of fee must carry.
func MinReplacementFee(fee *big.Int, percent uint64) *big.Int {
	if fee == nil {
		fee = new(big.Int)
	}
	threshold := new(big.Int).Mul(fee, new(big.Int).SetUint64(100+percent))
	threshold.Add(threshold, big.NewInt(99))
	return threshold.Div(threshold, big.NewInt(100))
}

func bumped(current, next *big.Int, percent uint64) bool {
	if next == nil {
		return false
	}
	if current != nil && next.Cmp(current) <= 0 {
		return false
	}
	return next.Cmp(MinReplacementFee(current, percent)) >= 0
}

// Remove drops the entry for (sender, nonce), it reports whether one existed.
func (p *Pool) Remove(sender common.Address, nonce *big.Int) bool {
	id := (&models.UserOperation{Sender: sender, Nonce: nonce}).ID()

	p.mux.Lock()
	defer p.mux.Unlock()

	entry, ok := p.entries[id]
	if !ok {
		return false
	}
	p.remove(entry)
	p.collector.PoolSizeUpdated(len(p.entries))
	return true
}

// RemoveByHash drops the entry with hash, it reports whether one existed.
func (p *Pool) RemoveByHash(hash common.Hash) bool {
	p.mux.Lock()
	defer p.mux.Unlock()

	id, ok := p.byHash[hash]
	if !ok {
		return false
	}
	p.remove(p.entries[id])
	p.collector.PoolSizeUpdated(len(p.entries))
	return true
}

// RemoveBanned drops every entry referencing an entity that is now banned
// and returns the removed entries. Reserved entries are left to the
// in-flight bundle outcome.
func (p *Pool) RemoveBanned() []models.PoolEntry {
	p.mux.Lock()
	defer p.mux.Unlock()

	var removed []models.PoolEntry
	for _, e := range p.entries {
		if _, ok := p.reserved[e.Hash]; ok {
			continue
		}
		for _, ent := range e.Entities() {
			if p.reputation.Status(ent.Address) == reputation.StatusBanned {
				removed = append(removed, *e)
				break
			}
		}
	}
	if len(removed) == 0 {
		return nil
	}

	for _, e := range removed {
		p.remove(p.entries[e.ID()])
	}
	models.SortByFee(removed)

	p.collector.OperationsRemoved("banned", len(removed))
	p.collector.PoolSizeUpdated(len(p.entries))
	p.logger.Info().
		Int("removed", len(removed)).
		Int("pending", len(p.entries)).
		Msg("removed operations of banned entities")

	return removed
}

// Get returns a copy of the entry with hash.
func (p *Pool) Get(hash common.Hash) (models.PoolEntry, bool) {
	p.mux.RLock()
	defer p.mux.RUnlock()

	id, ok := p.byHash[hash]
	if !ok {
		return models.PoolEntry{}, false
	}
	return *p.entries[id], true
}

func (p *Pool) Len() int {
	p.mux.RLock()
	defer p.mux.RUnlock()

	return len(p.entries)
}

func (p *Pool) Status() Status {
	p.mux.RLock()
	defer p.mux.RUnlock()

	return Status{
		Pending:  len(p.entries),
		Reserved: len(p.reserved),
		Capacity: p.config.PoolCapacity,
		Head:     p.head,
	}
}

// Snapshot returns the entries that are not part of an in-flight bundle,
// ordered by effective priority fee descending, earlier arrivals first.
func (p *Pool) Snapshot() []models.PoolEntry {
	p.mux.RLock()
	defer p.mux.RUnlock()

	entries := make([]models.PoolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		if _, ok := p.reserved[e.Hash]; ok {
			continue
		}
		entries = append(entries, *e)
	}
	models.SortByFee(entries)
	return entries
}

// Stale returns the entries needing a new simulation against the head.
func (p *Pool) Stale() []models.PoolEntry {
	p.mux.RLock()
	defer p.mux.RUnlock()

	var entries []models.PoolEntry
	for _, e := range p.entries {
		if _, ok := p.reserved[e.Hash]; ok {
			continue
		}
		if e.IsStale(p.head) {
			entries = append(entries, *e)
		}
	}
	models.SortByFee(entries)
	return entries
}

// Refresh installs a new simulation result for the entry with hash. The
// result is discarded with ErrNotCurrent when the entry was replaced or
// removed while it was being computed.
func (p *Pool) Refresh(hash common.Hash, sim *models.SimulationResult) error {
	p.mux.Lock()
	defer p.mux.Unlock()

	id, ok := p.byHash[hash]
	if !ok {
		return errs.NewPoolError(errs.ErrNotCurrent, "%s", hash)
	}

	entry := p.entries[id]
	if entry.Simulation != nil && sim.Marker.OutdatedBy(entry.Simulation.Marker) {
		return errs.NewPoolError(errs.ErrNotCurrent, "%s already refreshed at %s", hash, entry.Simulation.Marker)
	}

	p.untrackEntities(entry)
	entry.Simulation = sim
	entry.Stale = false
	p.trackEntities(entry)
	return nil
}

// Reserve marks entries as part of an in-flight bundle, they are left out
// of snapshots and expiry until released or removed.
func (p *Pool) Reserve(hashes []common.Hash) {
	p.mux.Lock()
	defer p.mux.Unlock()

	for _, h := range hashes {
		if _, ok := p.byHash[h]; ok {
			p.reserved[h] = struct{}{}
		}
	}
}

// Release returns reserved entries to the pool. When invalidate is set the
// entries must be re-validated before they can be bundled again.
func (p *Pool) Release(hashes []common.Hash, invalidate bool) {
	p.mux.Lock()
	defer p.mux.Unlock()

	for _, h := range hashes {
		delete(p.reserved, h)
		if !invalidate {
			continue
		}
		if id, ok := p.byHash[h]; ok {
			p.entries[id].Stale = true
		}
	}
}

// SetHead moves the pool to a new chain state, effective fees are
// recomputed against its base fee.
func (p *Pool) SetHead(state models.ChainState) {
	p.mux.Lock()
	defer p.mux.Unlock()

	p.head = state.Marker
	p.baseFee = state.BaseFee

	p.fees.Clear()
	for _, e := range p.entries {
		e.Fee = e.Op.EffectivePriorityFee(p.baseFee)
		p.fees.Put(feeKey{fee: e.Fee, seq: e.Seq}, e.ID())
	}
}

// Expire removes entries past their TTL or validity window, and entries
// whose simulation is older than MaxStaleBlocks chain advances. Reserved
// entries are left untouched.
func (p *Pool) Expire(now time.Time) ExpiryResult {
	p.mux.Lock()
	defer p.mux.Unlock()

	var result ExpiryResult
	for _, e := range p.entries {
		if _, ok := p.reserved[e.Hash]; ok {
			continue
		}

		switch {
		case now.Sub(e.ArrivedAt) > p.config.OperationTTL, p.outsideWindow(e, now):
			result.Expired = append(result.Expired, *e)
		case p.tooOld(e):
			result.Stale = append(result.Stale, *e)
		}
	}

	for _, e := range result.Expired {
		p.remove(p.entries[e.ID()])
	}
	for _, e := range result.Stale {
		p.remove(p.entries[e.ID()])
	}
	models.SortByFee(result.Expired)
	models.SortByFee(result.Stale)

	if n := len(result.Expired); n > 0 {
		p.collector.OperationsRemoved("expired", n)
	}
	if n := len(result.Stale); n > 0 {
		p.collector.OperationsRemoved("stale", n)
	}
	p.collector.PoolSizeUpdated(len(p.entries))

	if len(result.Expired)+len(result.Stale) > 0 {
		p.logger.Info().
			Int("expired", len(result.Expired)).
			Int("stale", len(result.Stale)).
			Int("pending", len(p.entries)).
			Msg("expired pool entries")
	}

	return result
}

func (p *Pool) outsideWindow(e *models.PoolEntry, now time.Time) bool {
	if e.Simulation == nil || e.Simulation.ValidUntil == 0 {
		return false
	}
	return uint64(now.Unix()) >= e.Simulation.ValidUntil
}

func (p *Pool) tooOld(e *models.PoolEntry) bool {
	if e.Simulation == nil {
		return true
	}
	validated := e.Simulation.Marker.BlockNumber
	return p.head.BlockNumber > validated && p.head.BlockNumber-validated > p.config.MaxStaleBlocks
}

func (p *Pool) insert(e *models.PoolEntry) {
	id := e.ID()
	p.entries[id] = e
	p.byHash[e.Hash] = id
	p.bySender[id.Sender]++
	p.fees.Put(feeKey{fee: e.Fee, seq: e.Seq}, id)
	p.trackEntities(e)
}

func (p *Pool) remove(e *models.PoolEntry) {
	id := e.ID()
	delete(p.entries, id)
	delete(p.byHash, e.Hash)
	delete(p.reserved, e.Hash)
	p.fees.Remove(feeKey{fee: e.Fee, seq: e.Seq})

	if p.bySender[id.Sender]--; p.bySender[id.Sender] <= 0 {
		delete(p.bySender, id.Sender)
	}
	p.untrackEntities(e)
}

func (p *Pool) trackEntities(e *models.PoolEntry) {
	for _, ent := range e.Entities() {
		p.byEntity[ent.Address]++
	}
}

func (p *Pool) untrackEntities(e *models.PoolEntry) {
	for _, ent := range e.Entities() {
		if p.byEntity[ent.Address]--; p.byEntity[ent.Address] <= 0 {
			delete(p.byEntity, ent.Address)
		}
	}
}

// lowest returns the eviction candidate, the lowest fee and among equal fees
// the oldest entry.
func (p *Pool) lowest() *models.PoolEntry {
	node := p.fees.Left()
	if node == nil {
		return nil
	}
	return p.entries[node.Value.(models.OperationID)]
}

func references(e *models.PoolEntry, addr common.Address) bool {
	for _, ent := range e.Entities() {
		if ent.Address == addr {
			return true
		}
	}
	return false
}
