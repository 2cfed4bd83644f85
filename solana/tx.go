package chainsensors_protocol

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Instruction is a compiled instruction whose program and accounts are
// indexes into Transaction.AccountKeys.
type Instruction struct {
	ProgramIDIndex uint16
	Accounts       []uint16
	Data           []byte
}

// Discriminator returns the first 8 bytes of the instruction data.
func (ix Instruction) Discriminator() ([8]byte, bool) {
	var disc [8]byte
	if len(ix.Data) < len(disc) {
		return disc, false
	}
	copy(disc[:], ix.Data)
	return disc, true
}

// Transaction is the subset of a confirmed transaction the indexer and the
// reseal flow look at.
type Transaction struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime *time.Time
	Failed    bool
	// AccountKeys holds the static keys followed by the writable and then the
	// read-only addresses loaded from lookup tables.
	AccountKeys       []solana.PublicKey
	Instructions      []Instruction
	InnerInstructions [][]Instruction
	Logs              []string
}

// HasAccounts reports whether every key appears in the transaction.
func (tx *Transaction) HasAccounts(keys ...solana.PublicKey) bool {
	for _, want := range keys {
		found := false
		for _, k := range tx.AccountKeys {
			if k.Equals(want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ProgramOf resolves the program invoked by ix.
func (tx *Transaction) ProgramOf(ix Instruction) (solana.PublicKey, bool) {
	if int(ix.ProgramIDIndex) >= len(tx.AccountKeys) {
		return solana.PublicKey{}, false
	}
	return tx.AccountKeys[ix.ProgramIDIndex], true
}

// AccountAt resolves the account passed at position pos of ix.
func (tx *Transaction) AccountAt(ix Instruction, pos int) (solana.PublicKey, bool) {
	if pos < 0 || pos >= len(ix.Accounts) {
		return solana.PublicKey{}, false
	}
	idx := int(ix.Accounts[pos])
	if idx >= len(tx.AccountKeys) {
		return solana.PublicKey{}, false
	}
	return tx.AccountKeys[idx], true
}

// CallbackMatch is a callback instruction located inside a transaction.
type CallbackMatch struct {
	Name        string
	Instruction Instruction
	Inner       bool
}

// FindCallback returns the first instruction invoking programID whose
// discriminator is a registered callback. Top-level instructions are scanned
// before inner ones.
func FindCallback(tx *Transaction, programID solana.PublicKey, registry *Registry) (*CallbackMatch, bool) {
	if tx == nil {
		return nil, false
	}
	check := func(ix Instruction, inner bool) (*CallbackMatch, bool) {
		prog, ok := tx.ProgramOf(ix)
		if !ok || !prog.Equals(programID) {
			return nil, false
		}
		disc, ok := ix.Discriminator()
		if !ok || !registry.IsCallback(disc) {
			return nil, false
		}
		name, _ := registry.InstructionName(disc)
		return &CallbackMatch{Name: name, Instruction: ix, Inner: inner}, true
	}

	for _, ix := range tx.Instructions {
		if m, ok := check(ix, false); ok {
			return m, true
		}
	}
	for _, group := range tx.InnerInstructions {
		for _, ix := range group {
			if m, ok := check(ix, true); ok {
				return m, true
			}
		}
	}
	return nil, false
}

// TransactionFromRPC flattens a getTransaction result.
func TransactionFromRPC(sig solana.Signature, res *rpc.GetTransactionResult) (*Transaction, error) {
	if res == nil || res.Transaction == nil {
		return nil, fmt.Errorf("empty transaction result for %s", sig)
	}
	parsed, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", sig, err)
	}

	tx := &Transaction{
		Signature:   sig,
		Slot:        res.Slot,
		AccountKeys: append([]solana.PublicKey{}, parsed.Message.AccountKeys...),
	}
	if res.BlockTime != nil {
		t := res.BlockTime.Time()
		tx.BlockTime = &t
	}
	for _, ix := range parsed.Message.Instructions {
		tx.Instructions = append(tx.Instructions, Instruction{
			ProgramIDIndex: ix.ProgramIDIndex,
			Accounts:       ix.Accounts,
			Data:           ix.Data,
		})
	}

	if meta := res.Meta; meta != nil {
		tx.Failed = meta.Err != nil
		tx.Logs = meta.LogMessages
		tx.AccountKeys = append(tx.AccountKeys, meta.LoadedAddresses.Writable...)
		tx.AccountKeys = append(tx.AccountKeys, meta.LoadedAddresses.ReadOnly...)
		for _, inner := range meta.InnerInstructions {
			group := make([]Instruction, 0, len(inner.Instructions))
			for _, ix := range inner.Instructions {
				group = append(group, Instruction{
					ProgramIDIndex: ix.ProgramIDIndex,
					Accounts:       ix.Accounts,
					Data:           ix.Data,
				})
			}
			tx.InnerInstructions = append(tx.InnerInstructions, group)
		}
	}
	return tx, nil
}
