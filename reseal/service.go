// Package reseal submits reseal_dek computations, discovers the MXE callback
// and finalizes the purchase with the resulting buyer capsule.
package reseal

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"

	"chainsensors/capsule"
	protocol "chainsensors/solana"
	"chainsensors/storage"
)

// Chain is the ledger plus the write side the reseal flow needs.
type Chain interface {
	protocol.Ledger
	SendInstructions(ctx context.Context, ixs ...solana.Instruction) (solana.Signature, error)
	AccountOwner(ctx context.Context, address solana.PublicKey) (solana.PublicKey, bool, error)
	Payer() solana.PublicKey
}

type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// FinalizationAwaiter waits until the computation queued at offset settles
// and returns the settling transaction.
type FinalizationAwaiter interface {
	AwaitFinalization(ctx context.Context, offset uint64) (solana.Signature, error)
}

type Config struct {
	ProgramID       solana.PublicKey
	ArciumProgramID solana.PublicKey
	// ClusterAccount overrides the PDA derived from ClusterOffset.
	ClusterAccount solana.PublicKey
	ClusterOffset  uint32
	// FeePoolAccount overrides the fee pool PDA.
	FeePoolAccount solana.PublicKey
	CompName       string
	// MarketplaceAdmin seeds the marketplace PDA; zero means the payer.
	MarketplaceAdmin solana.PublicKey

	UseClientFinalize      bool
	EnableAddressPairScans bool

	CallbackWatchTimeout time.Duration
	EventScanTimeout     time.Duration
	CallbackTimeout      time.Duration
	PollSleep            time.Duration
	LegacyPollAttempts   int
	LegacyPollInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProgramID:            protocol.DefaultProgramID,
		ArciumProgramID:      protocol.DefaultArciumProgramID,
		ClusterOffset:        protocol.DefaultClusterOffset,
		CompName:             protocol.ResealCompName,
		CallbackWatchTimeout: 90 * time.Second,
		EventScanTimeout:     60 * time.Second,
		CallbackTimeout:      5 * time.Minute,
		PollSleep:            1200 * time.Millisecond,
		LegacyPollAttempts:   30,
		LegacyPollInterval:   2 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProgramID.IsZero() {
		c.ProgramID = d.ProgramID
	}
	if c.ArciumProgramID.IsZero() {
		c.ArciumProgramID = d.ArciumProgramID
	}
	if c.ClusterOffset == 0 {
		c.ClusterOffset = d.ClusterOffset
	}
	if c.CompName == "" {
		c.CompName = d.CompName
	}
	if c.CallbackWatchTimeout <= 0 {
		c.CallbackWatchTimeout = d.CallbackWatchTimeout
	}
	if c.EventScanTimeout <= 0 {
		c.EventScanTimeout = d.EventScanTimeout
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = d.CallbackTimeout
	}
	if c.PollSleep <= 0 {
		c.PollSleep = d.PollSleep
	}
	if c.LegacyPollAttempts <= 0 {
		c.LegacyPollAttempts = d.LegacyPollAttempts
	}
	if c.LegacyPollInterval <= 0 {
		c.LegacyPollInterval = d.LegacyPollInterval
	}
	return c
}

// Service runs reseals. It is safe for concurrent use.
type Service struct {
	chain     Chain
	blobs     BlobStore
	purchases storage.PurchaseRepository
	idl       *protocol.IDL
	registry  *protocol.Registry
	awaiter   FinalizationAwaiter
	cfg       Config
	pdas      protocol.ArciumPDAs

	compDefMu    sync.Mutex
	compDefReady bool
}

// NewService wires a reseal service. purchases may be nil when no local
// purchase state is kept. A nil awaiter watches the Arcium program logs.
func NewService(
	chain Chain,
	blobs BlobStore,
	purchases storage.PurchaseRepository,
	idl *protocol.IDL,
	registry *protocol.Registry,
	awaiter FinalizationAwaiter,
	cfg Config,
) (*Service, error) {
	if chain == nil || blobs == nil {
		return nil, fmt.Errorf("reseal service needs a chain and a blob store")
	}
	if idl == nil {
		return nil, fmt.Errorf("reseal service needs an idl")
	}
	cfg = cfg.withDefaults()
	if registry == nil {
		registry = protocol.BuildRegistry(idl, protocol.RegistryOptions{})
	}
	if awaiter == nil {
		awaiter = &protocol.FinalizationWatcher{
			Ledger:          chain,
			ArciumProgramID: cfg.ArciumProgramID,
			ProgramID:       cfg.ProgramID,
		}
	}
	return &Service{
		chain:     chain,
		blobs:     blobs,
		purchases: purchases,
		idl:       idl,
		registry:  registry,
		awaiter:   awaiter,
		cfg:       cfg,
		pdas: protocol.ArciumPDAs{
			ArciumProgramID: cfg.ArciumProgramID,
			ProgramID:       cfg.ProgramID,
		},
	}, nil
}

type ResealRequest struct {
	SealedCapsule  []byte
	BuyerPublicKey []byte
	Listing        solana.PublicKey
	PurchaseRecord solana.PublicKey
}

type ResealResult struct {
	Signature         solana.Signature
	Offset            uint64
	BuyerCapsuleID    string
	CallbackSignature solana.Signature
	FinalizeSignature solana.Signature
	Strategy          string
}

// ResealOnChain submits reseal_dek for the sealed capsule, waits for the
// callback, uploads the buyer capsule and records its id on chain.
func (s *Service) ResealOnChain(ctx context.Context, req ResealRequest) (res *ResealResult, err error) {
	start := time.Now()
	defer func() {
		Measures.Results.WithLabelValues(resultLabel(err)).Inc()
		if err == nil {
			Measures.Duration.Observe(time.Since(start).Seconds())
		}
	}()

	sealed, err := capsule.ParseSealed(req.SealedCapsule)
	if err != nil {
		return nil, err
	}
	if len(req.BuyerPublicKey) != 32 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBuyerKey, len(req.BuyerPublicKey))
	}

	logger := log.WithFields(log.Fields{
		"listing": req.Listing,
		"record":  req.PurchaseRecord,
	})

	accounts, err := s.resolveAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCompDef(ctx, accounts); err != nil {
		return nil, err
	}

	offset, err := newComputationOffset()
	if err != nil {
		return nil, err
	}
	accounts.Computation, err = s.pdas.Computation(offset)
	if err != nil {
		return nil, fmt.Errorf("failed to derive computation account: %w", err)
	}
	accounts.ListingState = req.Listing
	accounts.PurchaseRecord = req.PurchaseRecord

	args := protocol.ResealDekArgs{
		ComputationOffset: offset,
		Nonce:             sealed.Nonce,
	}
	copy(args.BuyerX25519Pubkey[:], req.BuyerPublicKey)
	args.C0, args.C1, args.C2, args.C3 = sealed.C0, sealed.C1, sealed.C2, sealed.C3

	ix, err := protocol.NewResealDekInstruction(s.idl, s.cfg.ProgramID, accounts, args)
	if err != nil {
		return nil, err
	}
	sig, err := s.chain.SendInstructions(ctx, ix)
	if err != nil {
		return nil, fmt.Errorf("failed to submit reseal_dek: %w", err)
	}
	logger = logger.WithFields(log.Fields{"offset": offset, "signature": sig})
	logger.Info("reseal_dek submitted, waiting for callback")

	discovery, err := s.discover(ctx, target{
		Listing:         req.Listing,
		Record:          req.PurchaseRecord,
		Offset:          offset,
		SubmitSignature: sig,
	})
	if err != nil {
		return nil, err
	}
	Measures.StrategyWins.WithLabelValues(discovery.Strategy).Inc()

	buyerCapsule, err := discovery.Result.BuyerCapsule()
	if err != nil {
		return nil, err
	}
	cid, err := s.blobs.Put(ctx, buyerCapsule)
	if err != nil {
		return nil, fmt.Errorf("failed to upload buyer capsule: %w", err)
	}

	finalizeSig, err := s.finalizePurchase(ctx, req.Listing, req.PurchaseRecord, cid)
	if err != nil {
		return nil, err
	}

	res = &ResealResult{
		Signature:         sig,
		Offset:            offset,
		BuyerCapsuleID:    cid,
		CallbackSignature: discovery.Signature,
		FinalizeSignature: finalizeSig,
		Strategy:          discovery.Strategy,
	}
	if err := s.markResealed(ctx, req, res); err != nil {
		logger.WithError(err).Warn("failed to update purchase record")
	}

	logger.WithFields(log.Fields{
		"strategy": discovery.Strategy,
		"callback": discovery.Signature,
		"cid":      cid,
	}).Info("purchase finalized")
	return res, nil
}

// FinalizeFromCapsule finishes a purchase whose callback already landed and
// was persisted by the indexer. The buyer capsule is rebuilt from c, so no
// second computation is queued.
func (s *Service) FinalizeFromCapsule(ctx context.Context, listing, record solana.PublicKey, c storage.ResealedCapsule) (res *ResealResult, err error) {
	defer func() {
		Measures.Results.WithLabelValues(resultLabel(err)).Inc()
	}()

	result, err := resultFromCapsule(c)
	if err != nil {
		return nil, err
	}
	buyerCapsule, err := result.BuyerCapsule()
	if err != nil {
		return nil, err
	}
	cid, err := s.blobs.Put(ctx, buyerCapsule)
	if err != nil {
		return nil, fmt.Errorf("failed to upload buyer capsule: %w", err)
	}
	finalizeSig, err := s.finalizePurchase(ctx, listing, record, cid)
	if err != nil {
		return nil, err
	}

	res = &ResealResult{
		BuyerCapsuleID:    cid,
		FinalizeSignature: finalizeSig,
		Strategy:          StrategyIndexed,
	}
	if sig, err := solana.SignatureFromBase58(c.Signature); err == nil {
		res.CallbackSignature = sig
	}
	Measures.StrategyWins.WithLabelValues(StrategyIndexed).Inc()

	logger := log.WithFields(log.Fields{
		"listing":  listing,
		"record":   record,
		"callback": c.Signature,
		"cid":      cid,
	})
	if err := s.markResealed(ctx, ResealRequest{Listing: listing, PurchaseRecord: record}, res); err != nil {
		logger.WithError(err).Warn("failed to update purchase record")
	}
	logger.Info("purchase finalized from indexed callback")
	return res, nil
}

func newComputationOffset() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate computation offset: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// resolveAccounts derives the Arcium accounts shared by every reseal and
// checks that the cluster and fee pool are owned by the Arcium program.
func (s *Service) resolveAccounts(ctx context.Context) (protocol.ResealDekAccounts, error) {
	var a protocol.ResealDekAccounts
	var err error

	a.Payer = s.chain.Payer()
	a.ArciumProgram = s.cfg.ArciumProgramID

	derive := []struct {
		name string
		dst  *solana.PublicKey
		fn   func() (solana.PublicKey, error)
	}{
		{"mxe", &a.MXE, s.pdas.MXE},
		{"mempool", &a.Mempool, s.pdas.Mempool},
		{"executing pool", &a.ExecutingPool, s.pdas.ExecutingPool},
		{"clock", &a.Clock, s.pdas.Clock},
		{"comp def", &a.CompDef, func() (solana.PublicKey, error) { return s.pdas.CompDef(s.cfg.CompName) }},
	}
	for _, d := range derive {
		if *d.dst, err = d.fn(); err != nil {
			return a, fmt.Errorf("%w: %s: %v", ErrAccountResolution, d.name, err)
		}
	}

	a.Cluster = s.cfg.ClusterAccount
	if a.Cluster.IsZero() {
		if a.Cluster, err = s.pdas.Cluster(s.cfg.ClusterOffset); err != nil {
			return a, fmt.Errorf("%w: cluster: %v", ErrAccountResolution, err)
		}
	}
	a.FeePool = s.cfg.FeePoolAccount
	if a.FeePool.IsZero() {
		if a.FeePool, err = s.pdas.FeePool(); err != nil {
			return a, fmt.Errorf("%w: fee pool: %v", ErrAccountResolution, err)
		}
	}

	for _, acc := range []struct {
		name string
		key  solana.PublicKey
	}{{"cluster", a.Cluster}, {"fee pool", a.FeePool}} {
		if err := s.assertOwnedByArcium(ctx, acc.name, acc.key); err != nil {
			return a, err
		}
	}
	return a, nil
}

func (s *Service) assertOwnedByArcium(ctx context.Context, name string, key solana.PublicKey) error {
	owner, exists, err := s.chain.AccountOwner(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrAccountResolution, name, key, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s %s does not exist", ErrAccountResolution, name, key)
	}
	if !owner.Equals(s.cfg.ArciumProgramID) {
		return fmt.Errorf("%w: %s %s is owned by %s", ErrAccountResolution, name, key, owner)
	}
	return nil
}

// EnsureCompDef initializes the reseal computation definition when it does
// not exist yet.
func (s *Service) EnsureCompDef(ctx context.Context) (solana.PublicKey, error) {
	accounts, err := s.resolveAccounts(ctx)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return accounts.CompDef, s.ensureCompDef(ctx, accounts)
}

func (s *Service) ensureCompDef(ctx context.Context, a protocol.ResealDekAccounts) error {
	s.compDefMu.Lock()
	defer s.compDefMu.Unlock()
	if s.compDefReady {
		return nil
	}

	_, exists, err := s.chain.AccountOwner(ctx, a.CompDef)
	if err != nil {
		return fmt.Errorf("failed to look up comp def account: %w", err)
	}
	if !exists {
		ix, err := protocol.NewInitResealCompDefInstruction(s.idl, s.cfg.ProgramID, a.Payer, a.MXE, a.CompDef, a.ArciumProgram)
		if err != nil {
			return err
		}
		sig, err := s.chain.SendInstructions(ctx, ix)
		switch {
		case err != nil && isAlreadyInUse(err):
			log.WithField("compDef", a.CompDef).Debug("comp def initialized concurrently")
		case err != nil:
			return fmt.Errorf("failed to initialize comp def: %w", err)
		default:
			log.WithFields(log.Fields{"compDef": a.CompDef, "signature": sig}).Info("initialized reseal comp def")
		}
	}
	s.compDefReady = true
	return nil
}

func isAlreadyInUse(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already initialized")
}

func (s *Service) finalizePurchase(ctx context.Context, listing, record solana.PublicKey, cid string) (solana.Signature, error) {
	admin := s.cfg.MarketplaceAdmin
	if admin.IsZero() {
		admin = s.chain.Payer()
	}
	marketplace, _, err := protocol.GetMarketplacePDA(s.cfg.ProgramID, admin)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive marketplace account: %w", err)
	}
	ix, err := protocol.NewFinalizePurchaseInstruction(s.idl, s.cfg.ProgramID, s.chain.Payer(), marketplace, listing, record, cid)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := s.chain.SendInstructions(ctx, ix)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to finalize purchase: %w", err)
	}
	return sig, nil
}

func (s *Service) markResealed(ctx context.Context, req ResealRequest, res *ResealResult) error {
	if s.purchases == nil {
		return nil
	}
	p, err := s.purchases.Get(ctx, req.PurchaseRecord.String())
	if err != nil {
		return err
	}
	if p == nil {
		p = &storage.Purchase{
			Record:      req.PurchaseRecord.String(),
			Listing:     req.Listing.String(),
			BuyerX25519: req.BuyerPublicKey,
		}
	}
	p.Status = storage.PurchaseResealed
	p.BuyerCapsuleCID = res.BuyerCapsuleID
	if !res.Signature.IsZero() {
		p.ResealSignature = res.Signature.String()
	}
	p.LastError = ""
	return s.purchases.Upsert(ctx, *p)
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, capsule.ErrMalformedCapsule) || errors.Is(err, ErrInvalidBuyerKey)
}
