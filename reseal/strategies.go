package reseal

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	protocol "chainsensors/solana"
)

const (
	pollPageLimit = 50
	seenCacheSize = 4096
	maxPollDelay  = 5 * time.Second
)

// matchFunc inspects one transaction for the target callback.
type matchFunc func(tx *protocol.Transaction) (*CallbackResult, error)

// matchEvent decodes a ResealOutput event for the target's listing and
// record from the transaction logs.
func (s *Service) matchEvent(t target) matchFunc {
	return func(tx *protocol.Transaction) (*CallbackResult, error) {
		ev, ok := s.registry.FindResealOutput(tx.Logs, t.Listing, t.Record)
		if !ok {
			return nil, nil
		}
		return resultFromEvent(ev), nil
	}
}

// matchCallback decodes the first callback instruction of the app program
// in a transaction touching the target record.
func (s *Service) matchCallback(t target) matchFunc {
	return func(tx *protocol.Transaction) (*CallbackResult, error) {
		if !tx.HasAccounts(t.Record) {
			return nil, nil
		}
		m, ok := protocol.FindCallback(tx, s.cfg.ProgramID, s.registry)
		if !ok {
			return nil, nil
		}
		res, err := DecodeCallback(m.Instruction.Data)
		if errors.Is(err, ErrMalformedCallback) {
			log.WithError(err).WithField("signature", tx.Signature).Warn("skipping malformed callback")
			return nil, nil
		}
		return res, err
	}
}

// matchEither tries the event first and falls back to the instruction.
func (s *Service) matchEither(t target) matchFunc {
	event, callback := s.matchEvent(t), s.matchCallback(t)
	return func(tx *protocol.Transaction) (*CallbackResult, error) {
		if res, err := event(tx); res != nil || err != nil {
			return res, err
		}
		return callback(tx)
	}
}

// watch subscribes to address and applies match to every transaction it
// is notified of, until a match, an on-chain failure or ctx ends.
func (s *Service) watch(ctx context.Context, strategy string, address solana.PublicKey, match matchFunc, accept func(*protocol.Transaction) bool) (<-chan outcome, protocol.Subscription, error) {
	found := make(chan outcome, 1)
	var done atomic.Bool

	sub, err := s.chain.SubscribeLogs(ctx, address, func(n protocol.LogNotification) {
		if n.Failed || done.Load() {
			return
		}
		go func() {
			tx, err := s.chain.GetTransaction(ctx, n.Signature)
			if err != nil || tx == nil || !accept(tx) {
				return
			}
			res, err := match(tx)
			if res == nil && err == nil {
				return
			}
			if done.CompareAndSwap(false, true) {
				found <- outcome{&Discovery{Strategy: strategy, Signature: tx.Signature, Result: res}, err}
			}
		}()
	})
	if err != nil {
		return nil, nil, err
	}
	return found, sub, nil
}

func acceptAll(*protocol.Transaction) bool { return true }

// liveWatcher follows the app program logs for a transaction touching both
// the listing and the record.
func (s *Service) liveWatcher(t target) Strategy {
	return func(ctx context.Context) (*Discovery, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.CallbackWatchTimeout)
		defer cancel()

		found, sub, err := s.watch(ctx, StrategyLiveWatcher, s.cfg.ProgramID, s.matchEither(t), func(tx *protocol.Transaction) bool {
			return tx.HasAccounts(t.Listing, t.Record)
		})
		if err != nil {
			return nil, err
		}
		defer sub.Unsubscribe()

		select {
		case o := <-found:
			return discoveryOrError(o)
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// finalizeAwait waits for the Arcium finalization of the computation and
// decodes the callback from the finalizing transaction.
func (s *Service) finalizeAwait(t target) Strategy {
	return func(ctx context.Context) (*Discovery, error) {
		if !s.cfg.UseClientFinalize {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(ctx, s.cfg.CallbackWatchTimeout)
		defer cancel()

		sig, err := s.awaiter.AwaitFinalization(ctx, t.Offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, err
		}

		for {
			tx, err := s.chain.GetTransaction(ctx, sig)
			if err == nil && tx != nil {
				res, err := s.matchCallback(t)(tx)
				if res == nil && err == nil {
					return nil, nil
				}
				return discoveryOrError(outcome{&Discovery{Strategy: StrategyFinalizeAwait, Signature: sig, Result: res}, err})
			}
			if !sleep(ctx, s.cfg.PollSleep) {
				return nil, nil
			}
		}
	}
}

// eventScan pages the program history back to the submission, decoding
// ResealOutput events.
func (s *Service) eventScan(t target) Strategy {
	return func(ctx context.Context) (*Discovery, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.EventScanTimeout)
		defer cancel()
		return s.pollSignatures(ctx, StrategyEventScan, s.cfg.ProgramID, t, s.matchEvent(t))
	}
}

// addressPoll pages the record history, and the listing history when pair
// scans are enabled, for a callback instruction.
func (s *Service) addressPoll(t target) Strategy {
	return func(ctx context.Context) (*Discovery, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.CallbackTimeout)
		defer cancel()

		record := func(ctx context.Context) (*Discovery, error) {
			return s.pollSignatures(ctx, StrategyRecordPoll, t.Record, t, s.matchCallback(t))
		}
		if !s.cfg.EnableAddressPairScans || t.Listing.Equals(t.Record) {
			return record(ctx)
		}
		listing := func(ctx context.Context) (*Discovery, error) {
			return s.pollSignatures(ctx, StrategyListingPoll, t.Listing, t, s.matchCallback(t))
		}
		return firstSuccess(ctx, record, listing)
	}
}

// programPoll pages the whole program history for a callback instruction.
func (s *Service) programPoll(t target) Strategy {
	return func(ctx context.Context) (*Discovery, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.CallbackTimeout)
		defer cancel()
		return s.pollSignatures(ctx, StrategyProgramPoll, s.cfg.ProgramID, t, s.matchCallback(t))
	}
}

// pollSignatures walks the signatures of address newer than the submission,
// newest first, until match succeeds or ctx ends. A short page restarts the
// walk from the head; already inspected signatures are skipped.
func (s *Service) pollSignatures(ctx context.Context, strategy string, address solana.PublicKey, t target, match matchFunc) (*Discovery, error) {
	seen, err := lru.New[solana.Signature, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}
	logger := log.WithFields(log.Fields{"strategy": strategy, "address": address})
	rateLimit := s.rateLimitBackoff()

	var before solana.Signature
	inspected := 0
	for {
		sigs, err := s.chain.GetSignaturesForAddress(ctx, address, protocol.SignaturesQuery{
			Before: before,
			Until:  t.SubmitSignature,
			Limit:  pollPageLimit,
		})
		if err != nil {
			if ctx.Err() != nil {
				logger.WithField("inspected", inspected).Debug("poll timed out")
				return nil, nil
			}
			delay := s.cfg.PollSleep
			if protocol.IsRateLimited(err) {
				delay = rateLimit.Duration()
				logger.WithField("delay", delay).Warn("rate limited, backing off")
			} else {
				logger.WithError(err).Warn("failed to list signatures")
			}
			if !sleep(ctx, delay) {
				return nil, nil
			}
			continue
		}
		rateLimit.Reset()

		for _, info := range sigs {
			if info.Failed || seen.Contains(info.Signature) {
				continue
			}
			tx, err := s.chain.GetTransaction(ctx, info.Signature)
			if err != nil || tx == nil {
				// not visible yet, look again on the next sweep
				continue
			}
			seen.Add(info.Signature, struct{}{})
			inspected++

			res, err := match(tx)
			if res != nil || err != nil {
				return discoveryOrError(outcome{&Discovery{Strategy: strategy, Signature: info.Signature, Result: res}, err})
			}
		}

		if len(sigs) == pollPageLimit {
			before = sigs[len(sigs)-1].Signature
			continue
		}
		before = solana.Signature{}
		if !sleep(ctx, s.cfg.PollSleep) {
			logger.WithField("inspected", inspected).Debug("poll timed out")
			return nil, nil
		}
	}
}

// legacyFallback opens a subscription narrowed to the purchase record and
// checks the record history on a fixed schedule.
func (s *Service) legacyFallback(ctx context.Context, t target) (*Discovery, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	match := s.matchEither(t)
	found, sub, err := s.watch(ctx, StrategyLegacy, t.Record, match, acceptAll)
	if err != nil {
		log.WithError(err).Warn("failed to subscribe to purchase record")
		found = nil
	} else {
		defer sub.Unsubscribe()
	}

	ticker := time.NewTicker(s.cfg.LegacyPollInterval)
	defer ticker.Stop()
	for i := 0; i < s.cfg.LegacyPollAttempts; i++ {
		select {
		case o := <-found:
			return discoveryOrError(o)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		sigs, err := s.chain.GetSignaturesForAddress(ctx, t.Record, protocol.SignaturesQuery{
			Until: t.SubmitSignature,
			Limit: pollPageLimit,
		})
		if err != nil {
			continue
		}
		for _, info := range sigs {
			if info.Failed {
				continue
			}
			tx, err := s.chain.GetTransaction(ctx, info.Signature)
			if err != nil || tx == nil {
				continue
			}
			if res, err := match(tx); res != nil || err != nil {
				return discoveryOrError(outcome{&Discovery{Strategy: StrategyLegacy, Signature: info.Signature, Result: res}, err})
			}
		}
	}
	return nil, nil
}

func discoveryOrError(o outcome) (*Discovery, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.discovery, nil
}

// rateLimitBackoff doubles from the poll interval up to five seconds.
func (s *Service) rateLimitBackoff() *backoff.Backoff {
	return &backoff.Backoff{Min: s.cfg.PollSleep, Max: maxPollDelay, Factor: 2, Jitter: true}
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
