package chainsensors_protocol

import (
	"context"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	log "github.com/sirupsen/logrus"
)

// PurchaseRecordAccount mirrors the on-chain PurchaseRecord account.
type PurchaseRecordAccount struct {
	Listing               solana.PublicKey
	Buyer                 solana.PublicKey
	UnitsPurchased        uint64
	PricePaid             uint64
	Fee                   uint64
	Timestamp             int64
	BuyerX25519Pubkey     [32]byte
	DekCapsuleForMxeCid   string
	DekCapsuleForBuyerCid string
}

// PurchaseRecordEntry is a decoded purchase record with its address.
type PurchaseRecordEntry struct {
	Address solana.PublicKey
	Account PurchaseRecordAccount
}

// AwaitingReseal reports whether the purchase has an MXE capsule but no
// buyer capsule yet.
func (p *PurchaseRecordAccount) AwaitingReseal() bool {
	return p.DekCapsuleForMxeCid != "" && p.DekCapsuleForBuyerCid == ""
}

// AccountDiscriminator returns the Anchor account tag for name.
func AccountDiscriminator(name string) [8]byte {
	return hashPrefix("account:" + name)
}

// FetchPurchaseRecords fetches every PurchaseRecord account owned by programID.
func (c *Client) FetchPurchaseRecords(ctx context.Context, programID solana.PublicKey) ([]PurchaseRecordEntry, error) {
	disc := AccountDiscriminator("PurchaseRecord")

	// Get all accounts owned by the program, filtered by the PurchaseRecord discriminator.
	var resp rpc.GetProgramAccountsResult
	err := withRateLimitRetry(ctx, c.RateLimit, "getProgramAccounts", func(ctx context.Context) error {
		var err error
		resp, err = c.RpcClient.GetProgramAccountsWithOpts(
			ctx,
			programID,
			&rpc.GetProgramAccountsOpts{
				Commitment: c.Commitment,
				Filters: []rpc.RPCFilter{
					{
						Memcmp: &rpc.RPCFilterMemcmp{
							Offset: 0,
							Bytes:  disc[:],
						},
					},
				},
			},
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get program accounts: %w", err)
	}

	// Deserialize each account
	entries := make([]PurchaseRecordEntry, 0, len(resp))
	for _, account := range resp {
		data := account.Account.Data.GetBinary()
		if len(data) < 8 {
			continue
		}
		var record PurchaseRecordAccount
		if err := bin.NewBorshDecoder(data[8:]).Decode(&record); err != nil {
			log.WithError(err).WithField("account", account.Pubkey).Warn("failed to deserialize purchase record")
			continue
		}
		entries = append(entries, PurchaseRecordEntry{Address: account.Pubkey, Account: record})
	}

	return entries, nil
}
