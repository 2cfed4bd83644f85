package reseal

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"
)

const (
	StrategyLiveWatcher   = "live_watcher"
	StrategyFinalizeAwait = "finalize_await"
	StrategyEventScan     = "event_scan"
	StrategyRecordPoll    = "record_poll"
	StrategyListingPoll   = "listing_poll"
	StrategyProgramPoll   = "program_poll"
	StrategyLegacy        = "legacy"
	// StrategyIndexed is a callback the indexer persisted before the
	// purchase was finalized.
	StrategyIndexed = "indexed"
)

// Discovery is a located reseal callback.
type Discovery struct {
	Strategy  string
	Signature solana.Signature
	Result    *CallbackResult
}

// Strategy searches for the callback. A nil Discovery with a nil error is
// a miss.
type Strategy func(ctx context.Context) (*Discovery, error)

// target identifies the computation being waited for.
type target struct {
	Listing         solana.PublicKey
	Record          solana.PublicKey
	Offset          uint64
	SubmitSignature solana.Signature
}

type outcome struct {
	discovery *Discovery
	err       error
}

// firstSuccess runs the strategies concurrently and returns the first
// discovery. Strategies still running after a win are left to their own
// timeouts and their results are dropped. ErrOnChainFailure from any
// strategy ends the race at once; other strategy errors count as misses.
func firstSuccess(ctx context.Context, strategies ...Strategy) (*Discovery, error) {
	results := make(chan outcome, len(strategies))
	for _, run := range strategies {
		go func(run Strategy) {
			d, err := run(ctx)
			results <- outcome{d, err}
		}(run)
	}

	for range strategies {
		select {
		case o := <-results:
			switch {
			case errors.Is(o.err, ErrOnChainFailure):
				return nil, o.err
			case o.err != nil:
				log.WithError(o.err).Debug("discovery strategy failed")
			case o.discovery != nil:
				return o.discovery, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

// discover runs the fast strategies, then the signature polls, then the
// legacy subscription.
func (s *Service) discover(ctx context.Context, t target) (*Discovery, error) {
	logger := log.WithFields(log.Fields{"record": t.Record, "offset": t.Offset})

	d, err := firstSuccess(ctx, s.liveWatcher(t), s.finalizeAwait(t), s.eventScan(t))
	if err != nil || d != nil {
		return d, err
	}
	logger.Warn("fast callback discovery exhausted, polling signatures")

	d, err = firstSuccess(ctx, s.addressPoll(t), s.programPoll(t))
	if err != nil || d != nil {
		return d, err
	}
	logger.Warn("signature polling exhausted, falling back to record subscription")

	d, err = s.legacyFallback(ctx, t)
	if err != nil || d != nil {
		return d, err
	}
	return nil, ErrResealTimeout
}
