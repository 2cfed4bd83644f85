package chainsensors_protocol

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultResubscribeMin = 500 * time.Millisecond
	DefaultResubscribeMax = 30 * time.Second
)

// LogStream keeps a log subscription open across dropped connections.
type LogStream struct {
	ledger  Ledger
	address solana.PublicKey
	handler LogHandler

	// MinBackoff and MaxBackoff bound the wait between resubscriptions.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnRestore, when set, runs after every successful resubscription so the
	// owner can catch up on what the gap missed.
	OnRestore func(ctx context.Context)

	active       atomic.Bool
	resubscribes atomic.Int64
	done         chan struct{}
}

func NewLogStream(ledger Ledger, address solana.PublicKey, handler LogHandler) *LogStream {
	return &LogStream{
		ledger:     ledger,
		address:    address,
		handler:    handler,
		MinBackoff: DefaultResubscribeMin,
		MaxBackoff: DefaultResubscribeMax,
		done:       make(chan struct{}),
	}
}

// Start subscribes once and returns the error if that fails. From then on
// the stream resubscribes on its own until ctx ends. Start must be called
// only once.
func (s *LogStream) Start(ctx context.Context) error {
	sub, err := s.ledger.SubscribeLogs(ctx, s.address, s.handler)
	if err != nil {
		close(s.done)
		return err
	}
	s.active.Store(true)
	go s.follow(ctx, sub)
	return nil
}

// Active reports whether a subscription is currently delivering.
func (s *LogStream) Active() bool {
	return s.active.Load()
}

// Resubscribes counts the subscriptions restored after a drop.
func (s *LogStream) Resubscribes() int64 {
	return s.resubscribes.Load()
}

// Done is closed once the stream has unsubscribed for good.
func (s *LogStream) Done() <-chan struct{} {
	return s.done
}

func (s *LogStream) follow(ctx context.Context, sub Subscription) {
	defer close(s.done)
	defer s.active.Store(false)

	b := &backoff.Backoff{Min: s.MinBackoff, Max: s.MaxBackoff, Factor: 2, Jitter: true}
	logger := log.WithField("address", s.address)
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case <-sub.Done():
		}
		s.active.Store(false)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("log subscription dropped, resubscribing")

		for {
			delay := b.Duration()
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			var err error
			if sub, err = s.ledger.SubscribeLogs(ctx, s.address, s.handler); err == nil {
				break
			}
			logger.WithError(err).WithField("attempt", int(b.Attempt())).Warn("failed to resubscribe to logs")
		}
		b.Reset()
		s.active.Store(true)
		s.resubscribes.Add(1)
		logger.Info("log subscription restored")

		if s.OnRestore != nil {
			s.OnRestore(ctx)
		}
	}
}
