package chain_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Blu-J/rundler/models"
	"github.com/Blu-J/rundler/services/chain"
	"github.com/Blu-J/rundler/services/chain/mocks"
)

func state(n uint64) models.ChainState {
	return models.ChainState{
		Marker: models.StateMarker{
			BlockNumber: n,
			BlockHash:   common.BigToHash(new(big.Int).SetUint64(n + 1000)),
		},
		BaseFee: big.NewInt(10),
	}
}

type headCollector struct {
	mu    sync.Mutex
	heads []uint64
}

func (c *headCollector) add(s models.ChainState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heads = append(c.heads, s.Marker.BlockNumber)
	return nil
}

func (c *headCollector) get() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.heads...)
}

func TestHeadTracker(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))

	t.Run("publishes only new heads", func(t *testing.T) {
		client := mocks.NewClient(t)
		client.On("CurrentState", mock.Anything).Return(state(1), nil).Twice()
		client.On("CurrentState", mock.Anything).Return(state(2), nil)

		publisher := models.NewPublisher[models.ChainState]()
		collector := &headCollector{}
		publisher.Subscribe(models.NewSubscription[models.ChainState](collector.add))

		tracker := chain.NewHeadTracker(client, publisher, 5*time.Millisecond, 3, logger)

		errs := make(chan error, 1)
		go func() { errs <- tracker.Run(context.Background()) }()

		<-tracker.Ready()
		latest, ok := tracker.Latest()
		require.True(t, ok)
		assert.Equal(t, uint64(1), latest.Marker.BlockNumber)

		require.Eventually(t, func() bool {
			return len(collector.get()) >= 2
		}, time.Second, 5*time.Millisecond)

		tracker.Stop()
		require.NoError(t, <-errs)
		assert.Equal(t, []uint64{1, 2}, collector.get())
	})

	t.Run("fails after consecutive failures", func(t *testing.T) {
		client := mocks.NewClient(t)
		client.On("CurrentState", mock.Anything).Return(models.ChainState{}, errors.New("node down"))

		tracker := chain.NewHeadTracker(client, models.NewPublisher[models.ChainState](), time.Millisecond, 2, logger)

		err := tracker.Run(context.Background())
		require.ErrorIs(t, err, models.ErrChainUnavailable)

		_, ok := tracker.Latest()
		assert.False(t, ok)
	})

	t.Run("retries recoverable errors before counting a failure", func(t *testing.T) {
		client := mocks.NewClient(t)
		client.
			On("CurrentState", mock.Anything).
			Return(models.ChainState{}, models.NewRecoverableError(errors.New("timeout"))).
			Twice()
		client.On("CurrentState", mock.Anything).Return(state(7), nil)

		tracker := chain.NewHeadTracker(client, models.NewPublisher[models.ChainState](), time.Millisecond, 1, logger)

		ctx, cancel := context.WithCancel(context.Background())
		errs := make(chan error, 1)
		go func() { errs <- tracker.Run(ctx) }()

		<-tracker.Ready()
		latest, ok := tracker.Latest()
		require.True(t, ok)
		assert.Equal(t, uint64(7), latest.Marker.BlockNumber)

		cancel()
		require.NoError(t, <-errs)
	})
}
