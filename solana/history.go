package chainsensors_protocol

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"
)

const fetchBatchSize = 10

// FetchTransactions loads the transactions for sigs concurrently, in batches
// of ten, and returns them in the same order as sigs. Transactions that
// cannot be fetched or are not yet visible are left nil.
func FetchTransactions(ctx context.Context, ledger Ledger, sigs []solana.Signature) []*Transaction {
	txs := make([]*Transaction, len(sigs))

	var wg sync.WaitGroup
	for i := 0; i < len(sigs); i += fetchBatchSize {
		end := i + fetchBatchSize
		if end > len(sigs) {
			end = len(sigs)
		}

		for j := i; j < end; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()

				tx, err := ledger.GetTransaction(ctx, sigs[j])
				if err != nil {
					log.WithError(err).WithField("signature", sigs[j]).Warn("failed to fetch transaction")
					return
				}
				txs[j] = tx
			}(j)
		}

		// Wait for the current batch before starting the next one
		wg.Wait()
		if ctx.Err() != nil {
			break
		}
	}

	return txs
}
