package chainsensors_protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	log "github.com/sirupsen/logrus"
)

// SignatureInfo is one entry of getSignaturesForAddress.
type SignatureInfo struct {
	Signature solana.Signature
	Slot      uint64
	Failed    bool
}

// SignaturesQuery pages backwards through an address history. Zero
// signatures mean "no bound".
type SignaturesQuery struct {
	Before solana.Signature
	Until  solana.Signature
	Limit  int
}

// LogNotification is a single logsSubscribe message.
type LogNotification struct {
	Signature solana.Signature
	Slot      uint64
	Failed    bool
	Logs      []string
}

type LogHandler func(LogNotification)

type Subscription interface {
	Unsubscribe()
	// Done is closed once the subscription stops delivering, either through
	// Unsubscribe or because the connection behind it dropped.
	Done() <-chan struct{}
}

// Ledger is the read side of the chain used by the reseal race and the
// indexer.
type Ledger interface {
	// GetTransaction returns nil, nil when the transaction is not yet visible.
	GetTransaction(ctx context.Context, sig solana.Signature) (*Transaction, error)
	// GetSignaturesForAddress returns signatures newest first.
	GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, q SignaturesQuery) ([]SignatureInfo, error)
	GetSlot(ctx context.Context) (uint64, error)
	// SubscribeLogs delivers every log notification mentioning address until
	// the subscription is removed or ctx ends.
	SubscribeLogs(ctx context.Context, address solana.PublicKey, handler LogHandler) (Subscription, error)
}

// Client talks to a Solana cluster over JSON-RPC and websockets.
type Client struct {
	RpcClient  *rpc.Client
	Signer     solana.PrivateKey
	Commitment rpc.CommitmentType
	RateLimit  RateLimitPolicy

	wsURL  string
	wsMu   sync.Mutex
	wsConn *ws.Client
}

// NewClient creates a new Client with a specific signer. An empty wsEndpoint
// is derived from rpcEndpoint.
func NewClient(rpcEndpoint, wsEndpoint string, signer solana.PrivateKey) (*Client, error) {
	if rpcEndpoint == "" {
		return nil, fmt.Errorf("rpc endpoint is required")
	}
	if wsEndpoint == "" {
		wsEndpoint = WebsocketURL(rpcEndpoint)
	}

	return &Client{
		RpcClient:  rpc.New(rpcEndpoint),
		Signer:     signer,
		Commitment: rpc.CommitmentConfirmed,
		RateLimit:  DefaultRateLimitPolicy,
		wsURL:      wsEndpoint,
	}, nil
}

// NewReadOnlyClient creates a client for operations that never sign.
func NewReadOnlyClient(rpcEndpoint, wsEndpoint string) (*Client, error) {
	return NewClient(rpcEndpoint, wsEndpoint, nil)
}

// WebsocketURL maps an http(s) RPC endpoint to its ws(s) counterpart.
func WebsocketURL(rpcEndpoint string) string {
	switch {
	case strings.HasPrefix(rpcEndpoint, "https://"):
		return "wss://" + strings.TrimPrefix(rpcEndpoint, "https://")
	case strings.HasPrefix(rpcEndpoint, "http://"):
		return "ws://" + strings.TrimPrefix(rpcEndpoint, "http://")
	}
	return rpcEndpoint
}

// Payer returns the public key of the signer.
func (c *Client) Payer() solana.PublicKey {
	return c.Signer.PublicKey()
}

func (c *Client) GetTransaction(ctx context.Context, sig solana.Signature) (*Transaction, error) {
	version := uint64(0)
	var res *rpc.GetTransactionResult
	err := withRateLimitRetry(ctx, c.RateLimit, "getTransaction", func(ctx context.Context) error {
		var err error
		res, err = c.RpcClient.GetTransaction(
			ctx,
			sig,
			&rpc.GetTransactionOpts{
				Encoding:                       solana.EncodingBase64,
				Commitment:                     c.Commitment,
				MaxSupportedTransactionVersion: &version,
			},
		)
		return err
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction %s: %w", sig, err)
	}
	if res == nil {
		return nil, nil
	}
	return TransactionFromRPC(sig, res)
}

func (c *Client) GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, q SignaturesQuery) ([]SignatureInfo, error) {
	opts := &rpc.GetSignaturesForAddressOpts{
		Before:     q.Before,
		Until:      q.Until,
		Commitment: c.Commitment,
	}
	if q.Limit > 0 {
		limit := q.Limit
		opts.Limit = &limit
	}

	var res []*rpc.TransactionSignature
	err := withRateLimitRetry(ctx, c.RateLimit, "getSignaturesForAddress", func(ctx context.Context) error {
		var err error
		res, err = c.RpcClient.GetSignaturesForAddressWithOpts(ctx, address, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signatures for %s: %w", address, err)
	}

	out := make([]SignatureInfo, 0, len(res))
	for _, s := range res {
		out = append(out, SignatureInfo{
			Signature: s.Signature,
			Slot:      s.Slot,
			Failed:    s.Err != nil,
		})
	}
	return out, nil
}

func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := withRateLimitRetry(ctx, c.RateLimit, "getSlot", func(ctx context.Context) error {
		var err error
		slot, err = c.RpcClient.GetSlot(ctx, c.Commitment)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get slot: %w", err)
	}
	return slot, nil
}

// AccountOwner returns the owner of address, or exists=false when the
// account does not exist.
func (c *Client) AccountOwner(ctx context.Context, address solana.PublicKey) (owner solana.PublicKey, exists bool, err error) {
	var res *rpc.GetAccountInfoResult
	err = withRateLimitRetry(ctx, c.RateLimit, "getAccountInfo", func(ctx context.Context) error {
		var err error
		res, err = c.RpcClient.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
			Commitment: c.Commitment,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return solana.PublicKey{}, false, nil
		}
		return solana.PublicKey{}, false, fmt.Errorf("failed to get account info for %s: %w", address, err)
	}
	if res == nil || res.Value == nil {
		return solana.PublicKey{}, false, nil
	}
	return res.Value.Owner, true, nil
}

// SendInstructions signs the instructions with the client signer, sends them
// in one transaction and waits for the configured commitment.
func (c *Client) SendInstructions(ctx context.Context, instructions ...solana.Instruction) (solana.Signature, error) {
	if c.Signer == nil {
		return solana.Signature{}, fmt.Errorf("client has no signer")
	}

	// 1. Build the transaction
	// ------------------------
	latestBlockhash, err := c.RpcClient.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		latestBlockhash.Value.Blockhash,
		solana.TransactionPayer(c.Signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to create transaction: %w", err)
	}

	// 2. Sign and send
	// ----------------
	_, err = tx.Sign(
		func(key solana.PublicKey) *solana.PrivateKey {
			if c.Signer.PublicKey().Equals(key) {
				return &c.Signer
			}
			return nil
		},
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := c.RpcClient.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	// 3. Wait for confirmation
	// ------------------------
	if err := c.confirm(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

func (c *Client) confirm(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		res, err := c.RpcClient.GetSignatureStatuses(ctx, true, sig)
		if err != nil && !IsRateLimited(err) {
			return fmt.Errorf("failed to get signature status: %w", err)
		}
		if err == nil && len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed: %v", sig, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to confirm transaction %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) websocket(ctx context.Context) (*ws.Client, error) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.wsConn != nil {
		return c.wsConn, nil
	}
	conn, err := ws.Connect(ctx, c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect websocket: %w", err)
	}
	c.wsConn = conn
	return conn, nil
}

// dropWebsocket forgets conn so the next subscription dials again. A newer
// connection is left alone.
func (c *Client) dropWebsocket(conn *ws.Client) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.wsConn == conn {
		c.wsConn = nil
		conn.Close()
	}
}

type logSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
	sub    *ws.LogSubscription
	done   chan struct{}
}

func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.sub.Unsubscribe()
		close(s.done)
	})
}

func (s *logSubscription) Done() <-chan struct{} {
	return s.done
}

func (c *Client) SubscribeLogs(ctx context.Context, address solana.PublicKey, handler LogHandler) (Subscription, error) {
	conn, err := c.websocket(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := conn.LogsSubscribeMentions(address, c.Commitment)
	if err != nil {
		c.dropWebsocket(conn)
		return nil, fmt.Errorf("failed to subscribe to logs of %s: %w", address, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &logSubscription{cancel: cancel, sub: sub, done: make(chan struct{})}
	go func() {
		defer s.Unsubscribe()
		for {
			got, err := sub.Recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).WithField("address", address).Warn("log subscription closed")
					c.dropWebsocket(conn)
				}
				return
			}
			if got == nil {
				continue
			}
			handler(LogNotification{
				Signature: got.Value.Signature,
				Slot:      got.Context.Slot,
				Failed:    got.Value.Err != nil,
				Logs:      got.Value.Logs,
			})
		}
	}()
	return s, nil
}

// Close releases the websocket connection.
func (c *Client) Close() {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.wsConn != nil {
		c.wsConn.Close()
		c.wsConn = nil
	}
}
