package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Blu-J/rundler/models"
)

// HeadSource provides the latest known chain head.
type HeadSource interface {
	Latest() (models.ChainState, bool)
}

// HeadHealthTracker periodically reports whether the latest head is recent
// enough for built bundles to be relevant.
type HeadHealthTracker struct {
	collector Collector
	heads     HeadSource
	maxLag    time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

func NewHeadHealthTracker(
	logger zerolog.Logger,
	collector Collector,
	heads HeadSource,
	maxLag time.Duration,
	interval time.Duration,
) *HeadHealthTracker {
	return &HeadHealthTracker{
		collector: collector,
		heads:     heads,
		maxLag:    maxLag,
		interval:  interval,
		now:       time.Now,
		logger:    logger.With().Str("component", "head-health-tracker").Logger(),
	}
}

func (h *HeadHealthTracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				h.logger.Info().Msg("shutting down head health tracker")
				return
			case <-ticker.C:
				h.update()
			}
		}
	}()
}

func (h *HeadHealthTracker) update() bool {
	head, ok := h.heads.Latest()
	if !ok {
		h.collector.ChainHealthUpdated(false)
		return false
	}

	h.collector.ChainHeadUpdated(head.Marker.BlockNumber)

	lag := h.now().Sub(time.Unix(int64(head.Timestamp), 0))
	healthy := lag <= h.maxLag
	if !healthy {
		h.logger.Warn().
			Uint64("block", head.Marker.BlockNumber).
			Dur("lag", lag).
			Msg("chain head is lagging")
	}
	h.collector.ChainHealthUpdated(healthy)
	return healthy
}
