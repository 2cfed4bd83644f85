// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/gagliardetto/solana-go"

	protocol "chainsensors/solana"
)

// Ledger is an in-memory chain. Signature histories are kept newest first,
// the way the RPC node returns them.
type Ledger struct {
	mu      sync.Mutex
	txs     map[solana.Signature]*protocol.Transaction
	history map[solana.PublicKey][]protocol.SignatureInfo
	subs    map[solana.PublicKey]map[*subscription]struct{}
	owners  map[solana.PublicKey]solana.PublicKey
	slot    uint64
	sent    [][]solana.Instruction
	calls   map[string]int

	payer solana.PublicKey

	// OnSend, when set, runs after instructions are recorded and may publish
	// follow-up transactions.
	OnSend func(sig solana.Signature, ixs []solana.Instruction) error
	// FailSend makes SendInstructions fail with this error.
	FailSend error
}

func New() *Ledger {
	return &Ledger{
		txs:     make(map[solana.Signature]*protocol.Transaction),
		history: make(map[solana.PublicKey][]protocol.SignatureInfo),
		subs:    make(map[solana.PublicKey]map[*subscription]struct{}),
		owners:  make(map[solana.PublicKey]solana.PublicKey),
		calls:   make(map[string]int),
		payer:   solana.NewWallet().PublicKey(),
		slot:    100,
	}
}

// NewSignature returns a random signature.
func NewSignature() solana.Signature {
	var sig solana.Signature
	_, _ = rand.Read(sig[:])
	return sig
}

// SetSlot moves the chain head.
func (l *Ledger) SetSlot(slot uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slot = slot
}

// SetOwner registers an existing account.
func (l *Ledger) SetOwner(account, owner solana.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners[account] = owner
}

// Publish stores tx, indexes it under every one of its account keys and
// notifies log subscribers of those keys. A zero signature or slot is
// filled in.
func (l *Ledger) Publish(tx *protocol.Transaction) *protocol.Transaction {
	l.mu.Lock()
	if tx.Signature.IsZero() {
		tx.Signature = NewSignature()
	}
	if tx.Slot == 0 {
		l.slot++
		tx.Slot = l.slot
	} else if tx.Slot > l.slot {
		l.slot = tx.Slot
	}
	l.txs[tx.Signature] = tx

	seen := make(map[solana.PublicKey]bool)
	var handlers []protocol.LogHandler
	for _, key := range tx.AccountKeys {
		if seen[key] {
			continue
		}
		seen[key] = true
		info := protocol.SignatureInfo{Signature: tx.Signature, Slot: tx.Slot, Failed: tx.Failed}
		l.history[key] = append([]protocol.SignatureInfo{info}, l.history[key]...)
		for s := range l.subs[key] {
			handlers = append(handlers, s.handler)
		}
	}
	l.mu.Unlock()

	n := protocol.LogNotification{Signature: tx.Signature, Slot: tx.Slot, Failed: tx.Failed, Logs: tx.Logs}
	for _, h := range handlers {
		h(n)
	}
	return tx
}

// Hide removes a transaction from GetTransaction while keeping its
// signature in address histories.
func (l *Ledger) Hide(sig solana.Signature) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.txs, sig)
}

// Sent returns the instruction batches passed to SendInstructions.
func (l *Ledger) Sent() [][]solana.Instruction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]solana.Instruction{}, l.sent...)
}

// Calls returns how often the named method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Subscribers returns the number of live subscriptions on address.
func (l *Ledger) Subscribers(address solana.PublicKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[address])
}

func (l *Ledger) count(method string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[method]++
}

func (l *Ledger) GetTransaction(ctx context.Context, sig solana.Signature) (*protocol.Transaction, error) {
	l.count("GetTransaction")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txs[sig], nil
}

func (l *Ledger) GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, q protocol.SignaturesQuery) ([]protocol.SignatureInfo, error) {
	l.count("GetSignaturesForAddress")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	all := l.history[address]
	start := 0
	if !q.Before.IsZero() {
		start = len(all)
		for i, s := range all {
			if s.Signature == q.Before {
				start = i + 1
				break
			}
		}
	}

	var out []protocol.SignatureInfo
	for _, s := range all[start:] {
		if !q.Until.IsZero() && s.Signature == q.Until {
			break
		}
		out = append(out, s)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) GetSlot(ctx context.Context) (uint64, error) {
	l.count("GetSlot")
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slot, nil
}

type subscription struct {
	l       *Ledger
	address solana.PublicKey
	handler protocol.LogHandler
	once    sync.Once
	done    chan struct{}
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.l.mu.Lock()
		delete(s.l.subs[s.address], s)
		s.l.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

// Drop ends every log subscription on address as a lost connection would,
// and reports how many were dropped.
func (l *Ledger) Drop(address solana.PublicKey) int {
	l.mu.Lock()
	var dropped []*subscription
	for s := range l.subs[address] {
		dropped = append(dropped, s)
	}
	l.mu.Unlock()

	for _, s := range dropped {
		s.Unsubscribe()
	}
	return len(dropped)
}

func (l *Ledger) SubscribeLogs(ctx context.Context, address solana.PublicKey, handler protocol.LogHandler) (protocol.Subscription, error) {
	l.count("SubscribeLogs")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &subscription{l: l, address: address, handler: handler, done: make(chan struct{})}
	l.mu.Lock()
	if l.subs[address] == nil {
		l.subs[address] = make(map[*subscription]struct{})
	}
	l.subs[address][s] = struct{}{}
	l.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
		case <-s.done:
		}
	}()
	return s, nil
}

func (l *Ledger) SendInstructions(ctx context.Context, ixs ...solana.Instruction) (solana.Signature, error) {
	l.count("SendInstructions")
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	if l.FailSend != nil {
		return solana.Signature{}, l.FailSend
	}

	tx := &protocol.Transaction{AccountKeys: []solana.PublicKey{l.payer}}
	for _, ix := range ixs {
		tx.AccountKeys = append(tx.AccountKeys, ix.ProgramID())
		for _, meta := range ix.Accounts() {
			tx.AccountKeys = append(tx.AccountKeys, meta.PublicKey)
		}
	}

	l.mu.Lock()
	l.sent = append(l.sent, ixs)
	l.mu.Unlock()

	l.Publish(tx)
	if l.OnSend != nil {
		if err := l.OnSend(tx.Signature, ixs); err != nil {
			return solana.Signature{}, err
		}
	}
	return tx.Signature, nil
}

func (l *Ledger) AccountOwner(ctx context.Context, address solana.PublicKey) (solana.PublicKey, bool, error) {
	l.count("AccountOwner")
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[address]
	return owner, ok, nil
}

func (l *Ledger) Payer() solana.PublicKey {
	return l.payer
}
