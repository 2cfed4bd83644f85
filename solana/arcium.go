package chainsensors_protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	DefaultProgramID       = solana.MustPublicKeyFromBase58("HUcGkoShKcRFNWcYWGN7AFVVydxAQvRy8KRYeHfhdcNY")
	DefaultArciumProgramID = solana.MustPublicKeyFromBase58("BKck65TgoKRokMjQM3datB9oRwJ8rAj2jxPXvHXUvcL6")
)

const (
	ResealCompName         = "reseal_dek"
	ResealInstructionName  = "reseal_dek"
	InitResealCompDefName  = "init_reseal_dek_comp_def"
	FinalizePurchaseName   = "finalize_purchase"
	DefaultClusterOffset   = 1116522165
	marketplaceSeed        = "marketplace"
	mxeAccountSeed         = "MXEAccount"
	mempoolSeed            = "Mempool"
	execpoolSeed           = "Execpool"
	computationAccountSeed = "ComputationAccount"
	compDefAccountSeed     = "ComputationDefinitionAccount"
	clusterSeed            = "Cluster"
	clockAccountSeed       = "ClockAccount"
	feePoolSeed            = "FeePool"
)

// CompDefOffset is the little-endian u32 prefix of sha256(name) Arcium uses
// to address computation definitions.
func CompDefOffset(name string) uint32 {
	sum := sha256.Sum256([]byte(name))
	return binary.LittleEndian.Uint32(sum[:4])
}

// ArciumPDAs derives the Arcium-owned accounts of an MXE program.
type ArciumPDAs struct {
	ArciumProgramID solana.PublicKey
	ProgramID       solana.PublicKey
}

func (a ArciumPDAs) find(seeds ...[]byte) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress(seeds, a.ArciumProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive arcium PDA %q: %w", seeds[0], err)
	}
	return pda, nil
}

func (a ArciumPDAs) MXE() (solana.PublicKey, error) {
	return a.find([]byte(mxeAccountSeed), a.ProgramID.Bytes())
}

func (a ArciumPDAs) Mempool() (solana.PublicKey, error) {
	return a.find([]byte(mempoolSeed), a.ProgramID.Bytes())
}

func (a ArciumPDAs) ExecutingPool() (solana.PublicKey, error) {
	return a.find([]byte(execpoolSeed), a.ProgramID.Bytes())
}

func (a ArciumPDAs) Computation(offset uint64) (solana.PublicKey, error) {
	return a.find([]byte(computationAccountSeed), a.ProgramID.Bytes(), binary.LittleEndian.AppendUint64(nil, offset))
}

func (a ArciumPDAs) CompDef(compName string) (solana.PublicKey, error) {
	return a.find([]byte(compDefAccountSeed), a.ProgramID.Bytes(), binary.LittleEndian.AppendUint32(nil, CompDefOffset(compName)))
}

func (a ArciumPDAs) Cluster(offset uint32) (solana.PublicKey, error) {
	return a.find([]byte(clusterSeed), binary.LittleEndian.AppendUint32(nil, offset))
}

func (a ArciumPDAs) Clock() (solana.PublicKey, error) {
	return a.find([]byte(clockAccountSeed))
}

func (a ArciumPDAs) FeePool() (solana.PublicKey, error) {
	return a.find([]byte(feePoolSeed))
}

// GetMarketplacePDA returns the marketplace account of admin.
func GetMarketplacePDA(programID, admin solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{
			[]byte(marketplaceSeed),
			admin.Bytes(),
		},
		programID,
	)
}

// ResealDekArgs are the borsh arguments of reseal_dek. Nonce is the u128 in
// its little-endian wire form.
type ResealDekArgs struct {
	ComputationOffset uint64
	Nonce             [16]byte
	BuyerX25519Pubkey [32]byte
	C0                [32]byte
	C1                [32]byte
	C2                [32]byte
	C3                [32]byte
}

// ResealDekAccounts names every account reseal_dek needs.
type ResealDekAccounts struct {
	Payer          solana.PublicKey
	MXE            solana.PublicKey
	Mempool        solana.PublicKey
	ExecutingPool  solana.PublicKey
	Computation    solana.PublicKey
	CompDef        solana.PublicKey
	Cluster        solana.PublicKey
	FeePool        solana.PublicKey
	Clock          solana.PublicKey
	ListingState   solana.PublicKey
	PurchaseRecord solana.PublicKey
	ArciumProgram  solana.PublicKey
}

// NewResealDekInstruction builds reseal_dek using the IDL account order.
func NewResealDekInstruction(idl *IDL, programID solana.PublicKey, accounts ResealDekAccounts, args ResealDekArgs) (solana.Instruction, error) {
	data, err := bin.MarshalBorsh(&args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reseal_dek args: %w", err)
	}
	return idl.BuildInstruction(programID, ResealInstructionName, map[string]solana.PublicKey{
		"payer":               accounts.Payer,
		"mxe_account":         accounts.MXE,
		"mempool_account":     accounts.Mempool,
		"executing_pool":      accounts.ExecutingPool,
		"computation_account": accounts.Computation,
		"comp_def_account":    accounts.CompDef,
		"cluster_account":     accounts.Cluster,
		"pool_account":        accounts.FeePool,
		"clock_account":       accounts.Clock,
		"listing_state":       accounts.ListingState,
		"purchase_record":     accounts.PurchaseRecord,
		"system_program":      solana.SystemProgramID,
		"arcium_program":      accounts.ArciumProgram,
	}, data)
}

// NewInitResealCompDefInstruction builds init_reseal_dek_comp_def.
func NewInitResealCompDefInstruction(idl *IDL, programID, payer, mxe, compDef, arciumProgram solana.PublicKey) (solana.Instruction, error) {
	return idl.BuildInstruction(programID, InitResealCompDefName, map[string]solana.PublicKey{
		"payer":            payer,
		"mxe_account":      mxe,
		"comp_def_account": compDef,
		"arcium_program":   arciumProgram,
		"system_program":   solana.SystemProgramID,
	}, nil)
}

type finalizePurchaseArgs struct {
	DekCapsuleForBuyerCid string
}

// NewFinalizePurchaseInstruction builds finalize_purchase, which records the
// buyer capsule CID on the purchase record.
func NewFinalizePurchaseInstruction(
	idl *IDL,
	programID, authority, marketplace, listingState, purchaseRecord solana.PublicKey,
	buyerCapsuleCID string,
) (solana.Instruction, error) {
	data, err := bin.MarshalBorsh(&finalizePurchaseArgs{DekCapsuleForBuyerCid: buyerCapsuleCID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode finalize_purchase args: %w", err)
	}
	return idl.BuildInstruction(programID, FinalizePurchaseName, map[string]solana.PublicKey{
		"authority":       authority,
		"marketplace":     marketplace,
		"listing_state":   listingState,
		"purchase_record": purchaseRecord,
		"clock":           solana.SysVarClockPubkey,
	}, data)
}
