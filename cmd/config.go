package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"chainsensors/blobstore"
	"chainsensors/indexer"
	"chainsensors/reseal"
	protocol "chainsensors/solana"
	"chainsensors/storage"
)

const (
	defaultRpcEndpoint = "https://api.devnet.solana.com"
	heliusRpcEndpoint  = "https://devnet.helius-rpc.com/?api-key=%s"
)

// Config is the process configuration, read from the environment and an
// optional .env file.
type Config struct {
	RpcEndpoint string
	WsEndpoint  string
	KeypairPath string

	ProgramID        solana.PublicKey
	ArciumProgramID  solana.PublicKey
	ClusterAccount   solana.PublicKey
	ClusterOffset    uint32
	FeePoolAccount   solana.PublicKey
	CompName         string
	CallbackDiscHex  string
	MarketplaceAdmin solana.PublicKey
	IDLPath          string

	UseClientFinalize      bool
	EnableAddressPairScans bool
	CallbackWatchTimeout   time.Duration
	EventScanTimeout       time.Duration
	CallbackTimeout        time.Duration
	PollSleep              time.Duration
	LegacyPollAttempts     int
	LegacyPollInterval     time.Duration

	BackfillInterval time.Duration
	PageLimit        int
	DedupSize        int

	StoreType     string
	DataDir       string
	MongoURI      string
	MongoDatabase string

	BlobStore           string
	WalrusPublisherURL  string
	WalrusAggregatorURL string
	WalrusEpochs        int

	MaxAttempts int
	RetryDelay  time.Duration

	APIAddr     string
	MetricsAddr string

	LogLevel  string
	LogFormat string
}

var envKeys = map[string]interface{}{
	"SOLANA_RPC_URL":            defaultRpcEndpoint,
	"SOLANA_WS_URL":             "",
	"HELIUS_API_KEY":            "",
	"SOLANA_KEYPAIR_PATH":       "",
	"SOLANA_PROGRAM_ID":         protocol.DefaultProgramID.String(),
	"ARCIUM_PROGRAM_ID":         protocol.DefaultArciumProgramID.String(),
	"ARCIUM_CLUSTER_PUBKEY":     "",
	"ARCIUM_CLUSTER_OFFSET":     protocol.DefaultClusterOffset,
	"ARCIUM_FEE_POOL_ACCOUNT":   "",
	"ARCIUM_RESEAL_COMP_NAME":   protocol.ResealCompName,
	"ARCIUM_CALLBACK_DISC_HEX":  "",
	"MARKETPLACE_ADMIN":         "",
	"IDL_PATH":                  "",
	"USE_CLIENT_FINALIZE":       false,
	"ENABLE_ADDRESS_PAIR_SCANS": false,
	"CALLBACK_WATCH_TIMEOUT":    90 * time.Second,
	"EVENT_SCAN_TIMEOUT":        60 * time.Second,
	"RESEAL_CALLBACK_TIMEOUT":   5 * time.Minute,
	"RESEAL_POLL_SLEEP":         1200 * time.Millisecond,
	"LEGACY_POLL_ATTEMPTS":      30,
	"LEGACY_POLL_INTERVAL":      2 * time.Second,
	"INDEXER_BACKFILL_INTERVAL": indexer.DefaultBackfillInterval,
	"INDEXER_PAGE_LIMIT":        indexer.DefaultPageLimit,
	"INDEXER_DEDUP_SIZE":        indexer.DefaultDedupSize,
	"STORE_TYPE":                storage.BadgerStoreType,
	"DATADIR":                   "./data",
	"MONGO_URI":                 "",
	"MONGO_DATABASE":            "chainsensors",
	"BLOB_STORE":                blobstore.WalrusType,
	"WALRUS_PUBLISHER_URL":      blobstore.DefaultPublisherURL,
	"WALRUS_AGGREGATOR_URL":     blobstore.DefaultAggregatorURL,
	"WALRUS_EPOCHS":             blobstore.DefaultEpochs,
	"RESEAL_MAX_ATTEMPTS":       5,
	"RESEAL_RETRY_DELAY":        30 * time.Second,
	"API_ADDR":                  ":8080",
	"METRICS_ADDR":              ":9464",
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "text",
}

// LoadConfig reads .env, when present, and the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug(".env file not found, using the environment only")
	}

	v := viper.New()
	v.AutomaticEnv()
	for key, def := range envKeys {
		v.SetDefault(key, def)
	}

	cfg := &Config{
		RpcEndpoint:            v.GetString("SOLANA_RPC_URL"),
		WsEndpoint:             v.GetString("SOLANA_WS_URL"),
		KeypairPath:            v.GetString("SOLANA_KEYPAIR_PATH"),
		CompName:               v.GetString("ARCIUM_RESEAL_COMP_NAME"),
		ClusterOffset:          v.GetUint32("ARCIUM_CLUSTER_OFFSET"),
		CallbackDiscHex:        v.GetString("ARCIUM_CALLBACK_DISC_HEX"),
		IDLPath:                v.GetString("IDL_PATH"),
		UseClientFinalize:      v.GetBool("USE_CLIENT_FINALIZE"),
		EnableAddressPairScans: v.GetBool("ENABLE_ADDRESS_PAIR_SCANS"),
		CallbackWatchTimeout:   v.GetDuration("CALLBACK_WATCH_TIMEOUT"),
		EventScanTimeout:       v.GetDuration("EVENT_SCAN_TIMEOUT"),
		CallbackTimeout:        v.GetDuration("RESEAL_CALLBACK_TIMEOUT"),
		PollSleep:              v.GetDuration("RESEAL_POLL_SLEEP"),
		LegacyPollAttempts:     v.GetInt("LEGACY_POLL_ATTEMPTS"),
		LegacyPollInterval:     v.GetDuration("LEGACY_POLL_INTERVAL"),
		BackfillInterval:       v.GetDuration("INDEXER_BACKFILL_INTERVAL"),
		PageLimit:              v.GetInt("INDEXER_PAGE_LIMIT"),
		DedupSize:              v.GetInt("INDEXER_DEDUP_SIZE"),
		StoreType:              strings.ToLower(v.GetString("STORE_TYPE")),
		DataDir:                v.GetString("DATADIR"),
		MongoURI:               v.GetString("MONGO_URI"),
		MongoDatabase:          v.GetString("MONGO_DATABASE"),
		BlobStore:              strings.ToLower(v.GetString("BLOB_STORE")),
		WalrusPublisherURL:     v.GetString("WALRUS_PUBLISHER_URL"),
		WalrusAggregatorURL:    v.GetString("WALRUS_AGGREGATOR_URL"),
		WalrusEpochs:           v.GetInt("WALRUS_EPOCHS"),
		MaxAttempts:            v.GetInt("RESEAL_MAX_ATTEMPTS"),
		RetryDelay:             v.GetDuration("RESEAL_RETRY_DELAY"),
		APIAddr:                v.GetString("API_ADDR"),
		MetricsAddr:            v.GetString("METRICS_ADDR"),
		LogLevel:               v.GetString("LOG_LEVEL"),
		LogFormat:              strings.ToLower(v.GetString("LOG_FORMAT")),
	}

	if heliusApiKey := v.GetString("HELIUS_API_KEY"); heliusApiKey != "" {
		cfg.RpcEndpoint = fmt.Sprintf(heliusRpcEndpoint, heliusApiKey)
		cfg.WsEndpoint = ""
		log.Info("using Helius RPC endpoint")
	}
	if cfg.WsEndpoint == "" {
		cfg.WsEndpoint = protocol.WebsocketURL(cfg.RpcEndpoint)
	}

	keys := []struct {
		env      string
		dst      *solana.PublicKey
		required bool
	}{
		{"SOLANA_PROGRAM_ID", &cfg.ProgramID, true},
		{"ARCIUM_PROGRAM_ID", &cfg.ArciumProgramID, true},
		{"ARCIUM_CLUSTER_PUBKEY", &cfg.ClusterAccount, false},
		{"ARCIUM_FEE_POOL_ACCOUNT", &cfg.FeePoolAccount, false},
		{"MARKETPLACE_ADMIN", &cfg.MarketplaceAdmin, false},
	}
	for _, k := range keys {
		raw := strings.TrimSpace(v.GetString(k.env))
		if raw == "" {
			if k.required {
				return nil, fmt.Errorf("%s is required", k.env)
			}
			continue
		}
		key, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", k.env, raw, err)
		}
		*k.dst = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreType {
	case storage.BadgerStoreType:
	case storage.MongoStoreType:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required with STORE_TYPE=%s", storage.MongoStoreType)
		}
	default:
		return fmt.Errorf("unsupported STORE_TYPE %q", c.StoreType)
	}
	switch c.BlobStore {
	case blobstore.WalrusType, blobstore.LocalType:
	default:
		return fmt.Errorf("unsupported BLOB_STORE %q", c.BlobStore)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unsupported LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

func (c *Config) ResealConfig() reseal.Config {
	return reseal.Config{
		ProgramID:              c.ProgramID,
		ArciumProgramID:        c.ArciumProgramID,
		ClusterAccount:         c.ClusterAccount,
		ClusterOffset:          c.ClusterOffset,
		FeePoolAccount:         c.FeePoolAccount,
		CompName:               c.CompName,
		MarketplaceAdmin:       c.MarketplaceAdmin,
		UseClientFinalize:      c.UseClientFinalize,
		EnableAddressPairScans: c.EnableAddressPairScans,
		CallbackWatchTimeout:   c.CallbackWatchTimeout,
		EventScanTimeout:       c.EventScanTimeout,
		CallbackTimeout:        c.CallbackTimeout,
		PollSleep:              c.PollSleep,
		LegacyPollAttempts:     c.LegacyPollAttempts,
		LegacyPollInterval:     c.LegacyPollInterval,
	}
}

func (c *Config) IndexerConfig() indexer.Config {
	return indexer.Config{
		ProgramID:        c.ProgramID,
		BackfillInterval: c.BackfillInterval,
		PageLimit:        c.PageLimit,
		DedupSize:        c.DedupSize,
	}
}

func (c *Config) WorkerConfig() reseal.WorkerConfig {
	return reseal.WorkerConfig{
		MaxAttempts: c.MaxAttempts,
		RetryDelay:  c.RetryDelay,
	}
}

func (c *Config) StoreConfig() storage.Config {
	return storage.Config{
		Type:          c.StoreType,
		Dir:           c.DataDir,
		MongoURI:      c.MongoURI,
		MongoDatabase: c.MongoDatabase,
	}
}

// BlobConfig keeps local blobs next to the record store.
func (c *Config) BlobConfig() blobstore.Config {
	dir := ""
	if c.DataDir != "" {
		dir = c.DataDir + "/blobs"
	}
	return blobstore.Config{
		Type:          c.BlobStore,
		PublisherURL:  c.WalrusPublisherURL,
		AggregatorURL: c.WalrusAggregatorURL,
		Epochs:        c.WalrusEpochs,
		Dir:           dir,
	}
}

func (c *Config) RegistryOptions() protocol.RegistryOptions {
	return protocol.RegistryOptions{CallbackHex: c.CallbackDiscHex}
}
