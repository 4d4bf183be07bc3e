package reputation

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/metrics"
	"github.com/Blu-J/rundler/models"
)

type Status int

const (
	StatusOK Status = iota
	StatusThrottled
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusThrottled:
		return "throttled"
	case StatusBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// Outcome is the fate of an operation referencing an entity.
type Outcome int

const (
	OutcomeIncluded Outcome = iota
	OutcomeFailed
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIncluded:
		return "included"
	case OutcomeFailed:
		return "failed"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Record is the windowed activity of an entity.
type Record struct {
	Address  common.Address
	Seen     uint64
	Included uint64
	Failed   uint64
}

// Thresholds define when an entity is throttled or banned.
type Thresholds struct {
	MinInclusionDenominator uint64
	ThrottlingSlack         uint64
	BanSlack                uint64
	ThrottleFailedRatio     float64
	ThrottleMinFailures     uint64
	BanFailedRatio          float64
	BanMinFailures          uint64
}

func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		MinInclusionDenominator: cfg.MinInclusionDenominator,
		ThrottlingSlack:         cfg.ThrottlingSlack,
		BanSlack:                cfg.BanSlack,
		ThrottleFailedRatio:     cfg.ThrottleFailedRatio,
		ThrottleMinFailures:     cfg.ThrottleMinFailures,
		BanFailedRatio:          cfg.BanFailedRatio,
		BanMinFailures:          cfg.BanMinFailures,
	}
}

// Classify derives the status of an entity from its windowed counts.
func (t Thresholds) Classify(r Record) Status {
	included := r.Included
	if included == 0 {
		included = 1
	}
	ratio := float64(r.Failed) / float64(included)

	var maxSeen uint64
	if t.MinInclusionDenominator > 0 {
		maxSeen = r.Seen / t.MinInclusionDenominator
	}

	if r.Failed >= t.BanMinFailures && ratio >= t.BanFailedRatio {
		return StatusBanned
	}
	if maxSeen > r.Included+t.BanSlack {
		return StatusBanned
	}
	if r.Failed >= t.ThrottleMinFailures && ratio >= t.ThrottleFailedRatio {
		return StatusThrottled
	}
	if maxSeen > r.Included+t.ThrottlingSlack {
		return StatusThrottled
	}
	return StatusOK
}

type counts struct {
	seen     uint64
	included uint64
	failed   uint64
}

func (c *counts) add(o counts) {
	c.seen += o.seen
	c.included += o.included
	c.failed += o.failed
}

func (c *counts) sub(o counts) {
	c.seen -= o.seen
	c.included -= o.included
	c.failed -= o.failed
}

func (c counts) isZero() bool {
	return c == counts{}
}

// history keeps the per block counts of an entity within the window.
type history struct {
	blocks map[uint64]counts
	total  counts
}

// Tracker maintains the windowed reputation of every entity seen by the
// relay. It owns its records, other components only query statuses and
// report outcomes.
type Tracker struct {
	mu         sync.RWMutex
	window     uint64
	head       uint64
	thresholds Thresholds
	histories  map[common.Address]*history
	statuses   map[common.Address]Status
	allowlist  mapset.Set[common.Address]
	blocklist  mapset.Set[common.Address]
	collector  metrics.Collector
	logger     zerolog.Logger
}

func NewTracker(cfg *config.Config, collector metrics.Collector, logger zerolog.Logger) *Tracker {
	return &Tracker{
		window:     cfg.ReputationWindowBlocks,
		thresholds: ThresholdsFromConfig(cfg),
		histories:  make(map[common.Address]*history),
		statuses:   make(map[common.Address]Status),
		allowlist:  mapset.NewSet[common.Address](cfg.ReputationAllowlist...),
		blocklist:  mapset.NewSet[common.Address](cfg.ReputationBlocklist...),
		collector:  collector,
		logger:     logger.With().Str("component", "reputation").Logger(),
	}
}

// Status returns the current classification of addr.
func (t *Tracker) Status(addr common.Address) Status {
	if t.blocklist.Contains(addr) {
		return StatusBanned
	}
	if t.allowlist.Contains(addr) {
		return StatusOK
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.statuses[addr]
}

// Seen records that an operation referencing each entity was received.
func (t *Tracker) Seen(entities []models.Entity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range entities {
		t.add(e.Address, counts{seen: 1})
	}
}

// RecordOutcome records the fate of an operation for one of its entities
// and re-evaluates the entity status.
func (t *Tracker) RecordOutcome(entity models.Entity, outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch outcome {
	case OutcomeIncluded:
		t.add(entity.Address, counts{included: 1})
	case OutcomeFailed:
		t.add(entity.Address, counts{failed: 1})
	case OutcomeDropped:
		// a dropped bundle is the relay's failure, not the entity's
		t.logger.Debug().Stringer("entity", entity).Msg("operation dropped")
	}
}

// Advance moves the window to block, forgetting older activity. Statuses
// are re-evaluated so entities can recover as bad history ages out.
func (t *Tracker) Advance(block uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if block <= t.head {
		return
	}
	t.head = block
	if block < t.window {
		return
	}
	oldest := block - t.window + 1

	for addr, h := range t.histories {
		for b, c := range h.blocks {
			if b < oldest {
				h.total.sub(c)
				delete(h.blocks, b)
			}
		}
		if h.total.isZero() {
			delete(t.histories, addr)
		}
		t.evaluate(addr)
	}
}

// Record returns the windowed activity of addr.
func (t *Tracker) Record(addr common.Address) Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.record(addr)
}

// Snapshot returns the activity of every tracked entity, sorted by address.
func (t *Tracker) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	records := make([]Record, 0, len(t.histories))
	for addr := range t.histories {
		records = append(records, t.record(addr))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Address.Cmp(records[j].Address) < 0
	})
	return records
}

// Head returns the last block the window was advanced to.
func (t *Tracker) Head() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.head
}

// Seed loads records of a previous run, taken at block, into the window.
// They age out once the window moves past block.
func (t *Tracker) Seed(block uint64, records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if block > t.head {
		t.head = block
	}
	for _, r := range records {
		t.add(r.Address, counts{seen: r.Seen, included: r.Included, failed: r.Failed})
	}
}

func (t *Tracker) record(addr common.Address) Record {
	r := Record{Address: addr}
	if h, ok := t.histories[addr]; ok {
		r.Seen = h.total.seen
		r.Included = h.total.included
		r.Failed = h.total.failed
	}
	return r
}

func (t *Tracker) add(addr common.Address, c counts) {
	h, ok := t.histories[addr]
	if !ok {
		h = &history{blocks: make(map[uint64]counts)}
		t.histories[addr] = h
	}
	bucket := h.blocks[t.head]
	bucket.add(c)
	h.blocks[t.head] = bucket
	h.total.add(c)

	t.evaluate(addr)
}

func (t *Tracker) evaluate(addr common.Address) {
	prev := t.statuses[addr]
	next := t.thresholds.Classify(t.record(addr))
	if next == StatusOK {
		delete(t.statuses, addr)
	} else {
		t.statuses[addr] = next
	}
	if prev == next {
		return
	}

	r := t.record(addr)
	t.logger.Info().
		Str("entity", addr.Hex()).
		Stringer("from", prev).
		Stringer("to", next).
		Uint64("seen", r.Seen).
		Uint64("included", r.Included).
		Uint64("failed", r.Failed).
		Msg("reputation status changed")
	t.collector.ReputationStatusChanged(next.String())
}
