package pool

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/metrics"
	"github.com/Blu-J/rundler/models"
	errs "github.com/Blu-J/rundler/models/errors"
	"github.com/Blu-J/rundler/services/reputation"
)

var testPaymaster = common.HexToAddress("0xfeed")

type statuses map[common.Address]reputation.Status

func (s statuses) Status(addr common.Address) reputation.Status {
	return s[addr]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.PoolCapacity = 2
	cfg.MaxOpsPerSender = 4
	cfg.ThrottledEntityMaxPending = 1
	cfg.ReplacementFeeBumpPercent = 10
	cfg.OperationTTL = time.Minute
	cfg.MaxStaleBlocks = 4
	return cfg
}

func newTestPool(t *testing.T, cfg *config.Config, rep statuses) *Pool {
	if rep == nil {
		rep = statuses{}
	}
	return New(cfg, rep, metrics.NopCollector, zerolog.New(zerolog.NewTestWriter(t)))
}

func newOp(sender int64, nonce int64, priority int64) *models.UserOperation {
	return &models.UserOperation{
		Sender:               common.BigToAddress(big.NewInt(sender)),
		Nonce:                big.NewInt(nonce),
		CallData:             []byte{0x01},
		CallGasLimit:         big.NewInt(50_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(priority * 2),
		MaxPriorityFeePerGas: big.NewInt(priority),
		Signature:            []byte{0x01},
	}
}

func withPaymaster(op *models.UserOperation) *models.UserOperation {
	op.PaymasterAndData = testPaymaster.Bytes()
	return op
}

func testSim(block uint64) *models.SimulationResult {
	return &models.SimulationResult{
		Marker: models.StateMarker{BlockNumber: block, BlockHash: common.BigToHash(new(big.Int).SetUint64(block))},
	}
}

func admit(t *testing.T, p *Pool, op *models.UserOperation) *models.PoolEntry {
	entry, err := p.Admit(op, testSim(100))
	require.NoError(t, err)
	return entry
}

func requirePoolErr(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, kind)
	assert.ErrorIs(t, err, errs.ErrPool)
}

func senders(entries []models.PoolEntry) []common.Address {
	out := make([]common.Address, len(entries))
	for i, e := range entries {
		out[i] = e.Op.Sender
	}
	return out
}

func TestPool_Capacity(t *testing.T) {
	t.Run("evicts the lowest fee entry", func(t *testing.T) {
		p := newTestPool(t, testConfig(), nil)
		a := admit(t, p, newOp(1, 0, 10))
		b := admit(t, p, newOp(2, 0, 20))
		c := admit(t, p, newOp(3, 0, 30))

		assert.Equal(t, 2, p.Len())
		_, ok := p.Get(a.Hash)
		assert.False(t, ok)
		assert.Equal(t,
			[]common.Address{c.Op.Sender, b.Op.Sender},
			senders(p.Snapshot()),
		)
	})

	t.Run("evicts the oldest among equal fees", func(t *testing.T) {
		p := newTestPool(t, testConfig(), nil)
		a := admit(t, p, newOp(1, 0, 10))
		b := admit(t, p, newOp(2, 0, 10))
		admit(t, p, newOp(3, 0, 11))

		_, ok := p.Get(a.Hash)
		assert.False(t, ok)
		_, ok = p.Get(b.Hash)
		assert.True(t, ok)
	})

	t.Run("rejects entries not paying more than the lowest", func(t *testing.T) {
		p := newTestPool(t, testConfig(), nil)
		admit(t, p, newOp(1, 0, 10))
		admit(t, p, newOp(2, 0, 20))

		_, err := p.Admit(newOp(3, 0, 10), testSim(100))
		requirePoolErr(t, err, errs.ErrPoolFull)
		_, err = p.Admit(newOp(3, 0, 5), testSim(100))
		requirePoolErr(t, err, errs.ErrPoolFull)
		assert.Equal(t, 2, p.Len())
	})
}

func TestPool_Replacement(t *testing.T) {
	t.Run("requires the fee bump on both fields", func(t *testing.T) {
		p := newTestPool(t, testConfig(), nil)
		original := admit(t, p, newOp(1, 0, 100))

		tests := []struct {
			name     string
			maxFee   int64
			priority int64
		}{
			{name: "equal fees", maxFee: 200, priority: 100},
			{name: "lower fees", maxFee: 150, priority: 90},
			{name: "bump below margin", maxFee: 219, priority: 109},
			{name: "only priority bumped", maxFee: 200, priority: 110},
			{name: "only max fee bumped", maxFee: 220, priority: 100},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				op := newOp(1, 0, 0)
				op.CallData = []byte{0x02}
				op.MaxFeePerGas = big.NewInt(tt.maxFee)
				op.MaxPriorityFeePerGas = big.NewInt(tt.priority)

				_, err := p.Admit(op, testSim(100))
				requirePoolErr(t, err, errs.ErrDuplicateNonceLowerFee)

				current, ok := p.Get(original.Hash)
				require.True(t, ok)
				assert.Equal(t, original.Op, current.Op)
			})
		}
	})

	t.Run("replaces atomically above the margin", func(t *testing.T) {
		p := newTestPool(t, testConfig(), nil)
		original := admit(t, p, newOp(1, 0, 100))

		op := newOp(1, 0, 110)
		op.MaxFeePerGas = big.NewInt(220)
		replacement := admit(t, p, op)

		assert.Equal(t, 1, p.Len())
		_, ok := p.Get(original.Hash)
		assert.False(t, ok)
		_, ok = p.Get(replacement.Hash)
		assert.True(t, ok)
	})

	t.Run("replacement is not subject to capacity", func(t *testing.T) {
		p := newTestPool(t, testConfig(), nil)
		admit(t, p, newOp(1, 0, 50))
		admit(t, p, newOp(2, 0, 10))

		admit(t, p, newOp(2, 0, 20))
		assert.Equal(t, 2, p.Len())
	})

	t.Run("zero bump still requires a higher fee", func(t *testing.T) {
		cfg := testConfig()
		cfg.ReplacementFeeBumpPercent = 0
		p := newTestPool(t, cfg, nil)
		admit(t, p, newOp(1, 0, 100))

		op := newOp(1, 0, 100)
		op.CallData = []byte{0x02}
		_, err := p.Admit(op, testSim(100))
		requirePoolErr(t, err, errs.ErrDuplicateNonceLowerFee)
	})

	t.Run("rejects already known operations", func(t *testing.T) {
		p := newTestPool(t, testConfig(), nil)
		admit(t, p, newOp(1, 0, 100))

		_, err := p.Admit(newOp(1, 0, 100), testSim(100))
		requirePoolErr(t, err, errs.ErrAlreadyKnown)
	})

	t.Run("racing replacements keep a single entry", func(t *testing.T) {
		cfg := testConfig()
		cfg.PoolCapacity = 100
		p := newTestPool(t, cfg, nil)

		var wg sync.WaitGroup
		for i := int64(1); i <= 50; i++ {
			wg.Add(1)
			go func(fee int64) {
				defer wg.Done()
				_, _ = p.Admit(newOp(1, 7, fee*100), testSim(100))
			}(i)
		}
		wg.Wait()

		snapshot := p.Snapshot()
		require.Len(t, snapshot, 1)
		assert.Equal(t, int64(7), snapshot[0].Op.Nonce.Int64())
	})
}

func TestPool_Reputation(t *testing.T) {
	t.Run("rejects banned entities", func(t *testing.T) {
		p := newTestPool(t, testConfig(), statuses{testPaymaster: reputation.StatusBanned})

		_, err := p.Admit(withPaymaster(newOp(1, 0, 10)), testSim(100))
		requirePoolErr(t, err, errs.ErrEntityBanned)
		assert.Zero(t, p.Len())
	})

	t.Run("rejects aggregators banned after simulation", func(t *testing.T) {
		aggregator := common.HexToAddress("0xa99")
		p := newTestPool(t, testConfig(), statuses{aggregator: reputation.StatusBanned})

		sim := testSim(100)
		sim.Aggregator = &aggregator
		_, err := p.Admit(newOp(1, 0, 10), sim)
		requirePoolErr(t, err, errs.ErrEntityBanned)
	})

	t.Run("caps pending entries of throttled entities", func(t *testing.T) {
		p := newTestPool(t, testConfig(), statuses{testPaymaster: reputation.StatusThrottled})

		first := admit(t, p, withPaymaster(newOp(1, 0, 10)))
		_, err := p.Admit(withPaymaster(newOp(2, 0, 20)), testSim(100))
		requirePoolErr(t, err, errs.ErrEntityThrottled)

		// replacing the pending entry does not count twice
		replacement := withPaymaster(newOp(1, 0, 20))
		replacement.MaxFeePerGas = big.NewInt(40)
		admit(t, p, replacement)

		_, ok := p.Get(first.Hash)
		assert.False(t, ok)
		assert.Equal(t, 1, p.Len())
	})

	t.Run("caps pending entries per sender", func(t *testing.T) {
		cfg := testConfig()
		cfg.PoolCapacity = 10
		cfg.MaxOpsPerSender = 2
		p := newTestPool(t, cfg, nil)

		admit(t, p, newOp(1, 0, 10))
		admit(t, p, newOp(1, 1, 10))
		_, err := p.Admit(newOp(1, 2, 10), testSim(100))
		requirePoolErr(t, err, errs.ErrSenderLimit)
	})
}

func TestPool_RemoveBanned(t *testing.T) {
	cfg := testConfig()
	cfg.PoolCapacity = 10
	rep := statuses{}
	p := newTestPool(t, cfg, rep)

	sponsored := admit(t, p, withPaymaster(newOp(1, 0, 10)))
	reserved := admit(t, p, withPaymaster(newOp(2, 0, 20)))
	plain := admit(t, p, newOp(3, 0, 30))
	p.Reserve([]common.Hash{reserved.Hash})

	assert.Empty(t, p.RemoveBanned())

	rep[testPaymaster] = reputation.StatusBanned
	removed := p.RemoveBanned()
	require.Len(t, removed, 1)
	assert.Equal(t, sponsored.Hash, removed[0].Hash)

	_, ok := p.Get(sponsored.Hash)
	assert.False(t, ok)
	_, ok = p.Get(reserved.Hash)
	assert.True(t, ok)
	assert.Equal(t, []common.Address{plain.Op.Sender}, senders(p.Snapshot()))
	assert.Equal(t, 2, p.Len())

	// released entries are purged on the next sweep
	p.Release([]common.Hash{reserved.Hash}, false)
	removed = p.RemoveBanned()
	require.Len(t, removed, 1)
	assert.Equal(t, reserved.Hash, removed[0].Hash)
	assert.Equal(t, 1, p.Len())
}

func TestPool_Snapshot(t *testing.T) {
	cfg := testConfig()
	cfg.PoolCapacity = 10
	p := newTestPool(t, cfg, nil)

	a := admit(t, p, newOp(1, 0, 10))
	b := admit(t, p, newOp(2, 0, 30))
	c := admit(t, p, newOp(3, 0, 10))
	d := admit(t, p, newOp(4, 0, 20))

	assert.Equal(t,
		[]common.Address{b.Op.Sender, d.Op.Sender, a.Op.Sender, c.Op.Sender},
		senders(p.Snapshot()),
	)

	t.Run("returns copies", func(t *testing.T) {
		snapshot := p.Snapshot()
		snapshot[0].Stale = true

		entry, ok := p.Get(b.Hash)
		require.True(t, ok)
		assert.False(t, entry.Stale)
	})

	t.Run("leaves out reserved entries until released", func(t *testing.T) {
		p.Reserve([]common.Hash{b.Hash, d.Hash})
		assert.Equal(t, []common.Address{a.Op.Sender, c.Op.Sender}, senders(p.Snapshot()))
		assert.Equal(t, 2, p.Status().Reserved)

		p.Release([]common.Hash{b.Hash}, false)
		p.Release([]common.Hash{d.Hash}, true)
		assert.Len(t, p.Snapshot(), 4)

		released, ok := p.Get(d.Hash)
		require.True(t, ok)
		assert.True(t, released.Stale)

		stale := p.Stale()
		require.Len(t, stale, 1)
		assert.Equal(t, d.Hash, stale[0].Hash)
	})

	t.Run("orders by effective fee against the head", func(t *testing.T) {
		op := newOp(5, 0, 100)
		op.MaxFeePerGas = big.NewInt(105)
		e := admit(t, p, op)

		p.SetHead(models.ChainState{Marker: testSim(100).Marker, BaseFee: big.NewInt(100)})

		// every other entry is priced out by the base fee
		snapshot := p.Snapshot()
		assert.Equal(t, e.Hash, snapshot[0].Hash)
		assert.Equal(t, int64(5), snapshot[0].Fee.Int64())
		assert.Zero(t, snapshot[1].Fee.Sign())
	})
}

func TestPool_Remove(t *testing.T) {
	p := newTestPool(t, testConfig(), nil)
	a := admit(t, p, newOp(1, 0, 10))
	b := admit(t, p, newOp(2, 3, 10))

	assert.True(t, p.Remove(a.Op.Sender, big.NewInt(0)))
	assert.False(t, p.Remove(a.Op.Sender, big.NewInt(0)))
	assert.True(t, p.RemoveByHash(b.Hash))
	assert.False(t, p.RemoveByHash(b.Hash))
	assert.Zero(t, p.Len())

	// a removed sender may admit again
	admit(t, p, newOp(1, 0, 10))
}

func TestPool_Expire(t *testing.T) {
	cfg := testConfig()
	cfg.PoolCapacity = 10
	p := newTestPool(t, cfg, nil)

	start := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return start }

	old := admit(t, p, newOp(1, 0, 10))

	p.now = func() time.Time { return start.Add(50 * time.Second) }
	fresh := admit(t, p, newOp(2, 0, 10))

	windowed := newOp(3, 0, 10)
	sim := testSim(100)
	sim.ValidUntil = uint64(start.Add(30 * time.Second).Unix())
	windowEntry, err := p.Admit(windowed, sim)
	require.NoError(t, err)

	staleEntry, err := p.Admit(newOp(4, 0, 10), testSim(90))
	require.NoError(t, err)

	reserved, err := p.Admit(newOp(5, 0, 10), testSim(90))
	require.NoError(t, err)
	p.Reserve([]common.Hash{reserved.Hash})

	p.SetHead(models.ChainState{Marker: testSim(100).Marker})

	result := p.Expire(start.Add(61 * time.Second))

	expired := make([]common.Hash, 0, len(result.Expired))
	for _, e := range result.Expired {
		expired = append(expired, e.Hash)
	}
	assert.ElementsMatch(t, []common.Hash{old.Hash, windowEntry.Hash}, expired)
	require.Len(t, result.Stale, 1)
	assert.Equal(t, staleEntry.Hash, result.Stale[0].Hash)

	_, ok := p.Get(fresh.Hash)
	assert.True(t, ok)
	_, ok = p.Get(reserved.Hash)
	assert.True(t, ok)
	assert.Equal(t, 2, p.Len())
}

func TestPool_Readmit(t *testing.T) {
	cfg := testConfig()
	cfg.PoolCapacity = 10
	p := newTestPool(t, cfg, nil)

	start := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return start }
	entry := admit(t, p, newOp(1, 0, 10))

	p.SetHead(models.ChainState{Marker: testSim(110).Marker})
	result := p.Expire(start.Add(10 * time.Second))
	require.Len(t, result.Stale, 1)

	p.now = func() time.Time { return start.Add(50 * time.Second) }
	readmitted, err := p.Readmit(result.Stale[0], testSim(110))
	require.NoError(t, err)
	assert.Equal(t, entry.Hash, readmitted.Hash)
	assert.True(t, start.Equal(readmitted.ArrivedAt))

	// the TTL runs from the first admission
	result = p.Expire(start.Add(61 * time.Second))
	require.Len(t, result.Expired, 1)
	assert.Equal(t, entry.Hash, result.Expired[0].Hash)
	assert.Zero(t, p.Len())
}

func TestPool_Refresh(t *testing.T) {
	p := newTestPool(t, testConfig(), nil)
	entry := admit(t, p, newOp(1, 0, 100))
	p.Release([]common.Hash{entry.Hash}, true)

	require.NoError(t, p.Refresh(entry.Hash, testSim(101)))
	current, ok := p.Get(entry.Hash)
	require.True(t, ok)
	assert.False(t, current.Stale)
	assert.Equal(t, uint64(101), current.Simulation.Marker.BlockNumber)

	t.Run("discards results older than the installed one", func(t *testing.T) {
		err := p.Refresh(entry.Hash, testSim(100))
		requirePoolErr(t, err, errs.ErrNotCurrent)
	})

	t.Run("discards results for replaced entries", func(t *testing.T) {
		op := newOp(1, 0, 200)
		admit(t, p, op)

		err := p.Refresh(entry.Hash, testSim(102))
		requirePoolErr(t, err, errs.ErrNotCurrent)
		assert.True(t, errors.Is(err, errs.ErrNotCurrent))
	})
}

func TestMinReplacementFee(t *testing.T) {
	assert.Equal(t, int64(110), MinReplacementFee(big.NewInt(100), 10).Int64())
	// rounded up
	assert.Equal(t, int64(13), MinReplacementFee(big.NewInt(11), 10).Int64())
	assert.Zero(t, MinReplacementFee(nil, 10).Sign())
	assert.Zero(t, MinReplacementFee(big.NewInt(0), 10).Sign())
}
