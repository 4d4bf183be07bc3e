package chain

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"

	"github.com/Blu-J/rundler/models"
)

const headFetchRetries = 3

var _ models.Engine = &HeadTracker{}

// HeadTracker polls the chain head and publishes every new state.
//
// A head fetch is retried a few times before it counts as a failure, after
// maxFailures consecutive failures the chain is considered unavailable and
// Run returns an error wrapping models.ErrChainUnavailable.
type HeadTracker struct {
	*models.EngineStatus

	client      Client
	publisher   *models.Publisher[models.ChainState]
	interval    time.Duration
	maxFailures int
	latest      atomic.Pointer[models.ChainState]
	failures    atomic.Int64
	logger      zerolog.Logger
}

func NewHeadTracker(
	client Client,
	publisher *models.Publisher[models.ChainState],
	interval time.Duration,
	maxFailures int,
	logger zerolog.Logger,
) *HeadTracker {
	return &HeadTracker{
		EngineStatus: models.NewEngineStatus(),
		client:       client,
		publisher:    publisher,
		interval:     interval,
		maxFailures:  maxFailures,
		logger:       logger.With().Str("component", "head-tracker").Logger(),
	}
}

// Latest returns the last published state, if any.
func (h *HeadTracker) Latest() (models.ChainState, bool) {
	state := h.latest.Load()
	if state == nil {
		return models.ChainState{}, false
	}
	return *state, true
}

func (h *HeadTracker) Stop() {
	h.MarkDone()
	<-h.Stopped()
}

func (h *HeadTracker) Run(ctx context.Context) error {
	h.logger.Info().Dur("interval", h.interval).Msg("starting head tracker")

	defer h.MarkStopped()

	// publish the first head before signalling readiness so consumers
	// always start from a known state
	if err := h.poll(ctx); err != nil {
		h.MarkReady()
		return err
	}
	h.MarkReady()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.Done():
			return nil
		case <-ticker.C:
			if err := h.poll(ctx); err != nil {
				return err
			}
		}
	}
}

func (h *HeadTracker) poll(ctx context.Context) error {
	var state models.ChainState
	backoff := retry.WithMaxRetries(headFetchRetries, retry.NewConstant(h.interval/4+time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := h.client.CurrentState(ctx)
		if err != nil {
			if models.IsRecoverableError(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		state = s
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		failures := h.failures.Inc()
		h.logger.Warn().Err(err).Int64("failures", failures).Msg("failed to fetch chain head")
		if failures >= int64(h.maxFailures) {
			return models.NewChainUnavailableError(err)
		}
		return nil
	}
	h.failures.Store(0)

	if prev := h.latest.Load(); prev != nil && prev.Marker == state.Marker {
		return nil
	}

	h.latest.Store(&state)
	h.logger.Debug().
		Uint64("block", state.Marker.BlockNumber).
		Str("hash", state.Marker.BlockHash.Hex()).
		Msg("new chain head")
	h.publisher.Publish(state)

	return nil
}
