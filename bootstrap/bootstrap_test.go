package bootstrap

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blu-J/rundler/config"
	"github.com/Blu-J/rundler/metrics"
	"github.com/Blu-J/rundler/models"
	"github.com/Blu-J/rundler/services/reputation"
	"github.com/Blu-J/rundler/storage/pebble"
)

func TestReputationPersistence(t *testing.T) {
	store, err := pebble.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	index := pebble.NewReputation(store)

	cfg := config.Default()
	cfg.ReputationWindowBlocks = 10

	paymaster := models.Entity{Type: models.EntityPaymaster, Address: common.HexToAddress("0x01")}
	account := models.Entity{Type: models.EntityAccount, Address: common.HexToAddress("0x02")}

	t.Run("empty storage seeds nothing", func(t *testing.T) {
		tracker := reputation.NewTracker(cfg, metrics.NopCollector, zerolog.Nop())
		require.NoError(t, seedReputation(index, tracker, zerolog.Nop()))
		assert.Empty(t, tracker.Snapshot())
	})

	t.Run("round trip", func(t *testing.T) {
		tracker := reputation.NewTracker(cfg, metrics.NopCollector, zerolog.Nop())
		tracker.Advance(42)
		tracker.Seen([]models.Entity{account, paymaster})
		tracker.RecordOutcome(paymaster, reputation.OutcomeIncluded)

		require.NoError(t, persistReputation(store, index, tracker))

		restored := reputation.NewTracker(cfg, metrics.NopCollector, zerolog.Nop())
		require.NoError(t, seedReputation(index, restored, zerolog.Nop()))
		assert.Equal(t, tracker.Snapshot(), restored.Snapshot())
		assert.Equal(t, uint64(42), restored.Head())
	})

	t.Run("nothing to persist without a tracker", func(t *testing.T) {
		require.NoError(t, persistReputation(store, index, nil))
	})
}
