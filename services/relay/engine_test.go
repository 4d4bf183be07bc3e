package relay

import (
	"context"
	"errors"
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
	"github.com/Blu-J/rundler/services/pool"
	"github.com/Blu-J/rundler/services/reputation"
)

type recordingPool struct {
	mu       sync.Mutex
	heads    []uint64
	reserved []common.Hash
	purges   int
}

func (p *recordingPool) RemoveBanned() []models.PoolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purges++
	return nil
}

func (p *recordingPool) SetHead(state models.ChainState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heads = append(p.heads, state.Marker.BlockNumber)
}

func (p *recordingPool) Expire(time.Time) pool.ExpiryResult { return pool.ExpiryResult{} }
func (p *recordingPool) Stale() []models.PoolEntry           { return nil }
func (p *recordingPool) Snapshot() []models.PoolEntry        { return nil }

func (p *recordingPool) Reserve(hashes []common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved = append(p.reserved, hashes...)
}

type countingBuilder struct {
	mu     sync.Mutex
	builds int
	err    error
}

func (b *countingBuilder) Build(_ context.Context, _ []models.PoolEntry, state models.ChainState) (*models.Bundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds++
	if b.err != nil {
		return nil, b.err
	}
	entry := models.PoolEntry{Hash: common.BigToHash(common.Big1)}
	return models.NewBundle([]models.PoolEntry{entry}, 200_000, state.Marker, common.Address{}), nil
}

func (b *countingBuilder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds
}

type blockingSubmitter struct {
	release chan struct{}
	tracked chan *models.Bundle
}

func (s *blockingSubmitter) Track(ctx context.Context, bundle *models.Bundle) error {
	s.tracked <- bundle
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type advances struct {
	mu     sync.Mutex
	blocks []uint64
}

func (a *advances) Advance(block uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks = append(a.blocks, block)
}

type engineFixture struct {
	engine    *Engine
	heads     *models.Publisher[models.ChainState]
	pool      *recordingPool
	builder   *countingBuilder
	submitter *blockingSubmitter
	advances  *advances
	errs      chan error
}

func startEngine(t *testing.T, cfg *config.Config, builder *countingBuilder) engineFixture {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	f := engineFixture{
		heads:     models.NewPublisher[models.ChainState](),
		pool:      &recordingPool{},
		builder:   builder,
		submitter: &blockingSubmitter{release: make(chan struct{}), tracked: make(chan *models.Bundle, 8)},
		advances:  &advances{},
		errs:      make(chan error, 1),
	}
	service := NewService(nil, nil, nil, nil, nil, nil, nil, cfg, metrics.NopCollector, logger)
	f.engine = NewEngine(service, f.pool, f.builder, f.submitter, f.advances, f.heads, cfg, logger)

	go func() {
		f.errs <- f.engine.Run(context.Background())
	}()
	<-f.engine.Ready()
	return f
}

func TestEngine(t *testing.T) {
	t.Run("builds and submits on new heads", func(t *testing.T) {
		cfg := config.Default()
		cfg.BuildInterval = time.Hour
		f := startEngine(t, cfg, &countingBuilder{})
		defer f.engine.Stop()

		f.heads.Publish(testState(100))

		var bundle *models.Bundle
		select {
		case bundle = <-f.submitter.tracked:
		case <-time.After(5 * time.Second):
			t.Fatal("bundle was not submitted")
		}

		assert.Equal(t, uint64(100), bundle.Marker.BlockNumber)
		f.pool.mu.Lock()
		assert.Equal(t, []uint64{100}, f.pool.heads)
		assert.Equal(t, bundle.Hashes(), f.pool.reserved)
		assert.Equal(t, 1, f.pool.purges)
		f.pool.mu.Unlock()
		f.advances.mu.Lock()
		assert.Equal(t, []uint64{100}, f.advances.blocks)
		f.advances.mu.Unlock()
	})

	t.Run("keeps a single bundle in flight", func(t *testing.T) {
		cfg := config.Default()
		cfg.BuildInterval = time.Hour
		f := startEngine(t, cfg, &countingBuilder{})
		defer f.engine.Stop()

		f.heads.Publish(testState(100))
		<-f.submitter.tracked

		f.heads.Publish(testState(101))
		require.Eventually(t, func() bool { return f.engine.Ticks() >= 2 }, 5*time.Second, time.Millisecond)
		assert.Equal(t, 1, f.builder.count())

		close(f.submitter.release)
		require.Eventually(t, func() bool { return !f.engine.inFlight.Load() }, 5*time.Second, time.Millisecond)

		f.heads.Publish(testState(102))
		<-f.submitter.tracked
		assert.Equal(t, 2, f.builder.count())
	})

	t.Run("no eligible operations is not a failure", func(t *testing.T) {
		cfg := config.Default()
		cfg.BuildInterval = time.Millisecond
		cfg.MaxChainFailures = 1
		f := startEngine(t, cfg, &countingBuilder{err: errs.ErrNoEligibleOps})
		defer f.engine.Stop()

		f.heads.Publish(testState(100))
		require.Eventually(t, func() bool { return f.engine.Ticks() >= 3 }, 5*time.Second, time.Millisecond)
		assert.Empty(t, f.errs)
	})

	t.Run("stops after consecutive chain failures", func(t *testing.T) {
		cfg := config.Default()
		cfg.BuildInterval = time.Millisecond
		cfg.MaxChainFailures = 3
		f := startEngine(t, cfg, &countingBuilder{err: errors.New("connection refused")})

		f.heads.Publish(testState(100))

		select {
		case err := <-f.errs:
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrChainUnavailable)
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not stop")
		}
		assert.Equal(t, 3, f.builder.count())
	})
}

func TestEngine_RemovesBannedEntities(t *testing.T) {
	r := newTestRelay(t, validatorFunc(valid), head(100), 10)

	paymaster := models.Entity{Type: models.EntityPaymaster, Address: common.HexToAddress("0xfeed")}
	sponsored := newOp(1, 0)
	sponsored.PaymasterAndData = paymaster.Address.Bytes()
	sponsoredHash, err := r.service.SendOperation(context.Background(), sponsored)
	require.NoError(t, err)
	plainHash, err := r.service.SendOperation(context.Background(), newOp(2, 0))
	require.NoError(t, err)

	r.tracker.Advance(100)
	for i := 0; i < 100 && r.tracker.Status(paymaster.Address) != reputation.StatusBanned; i++ {
		r.tracker.RecordOutcome(paymaster, reputation.OutcomeFailed)
	}
	require.Equal(t, reputation.StatusBanned, r.tracker.Status(paymaster.Address))

	logger := zerolog.New(zerolog.NewTestWriter(t))
	builder := &countingBuilder{err: errs.ErrNoEligibleOps}
	engine := NewEngine(r.service, r.pool, builder, nil, r.tracker, models.NewPublisher[models.ChainState](), config.Default(), logger)

	require.NoError(t, engine.tick(context.Background(), testState(100)))

	_, ok := r.pool.Get(sponsoredHash)
	assert.False(t, ok)
	_, ok = r.pool.Get(plainHash)
	assert.True(t, ok)
	assert.Equal(t, 1, r.pool.Len())
	assert.Equal(t, 1, builder.count())
}
