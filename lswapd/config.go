package lswapd

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lncfg"
	"github.com/liquidswap/lswap/swap"
)

var (
	lswapDirBase = btcutil.AppDataDir("lswap", false)

	defaultNetwork        = "mainnet"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "lswapd.log"
	defaultConfigFilename = "lswapd.conf"
	defaultDBFilename     = "lswap.db"
	defaultLogDir         = filepath.Join(lswapDirBase, defaultLogDirname)
	defaultConfigFile     = filepath.Join(
		lswapDirBase, defaultNetwork, defaultConfigFilename,
	)

	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultFundingPollInterval = time.Second * 30
	defaultSpendPollInterval   = time.Second * 30
	defaultRefundPollInterval  = time.Minute
	defaultCallTimeout         = time.Second * 30
	defaultReorgSafeDepth      = uint32(6)
	defaultMaxPaymentFeeSats   = int64(100)
)

type lndConfig struct {
	Host        string `long:"host" description:"lnd instance rpc address"`
	MacaroonDir string `long:"macaroondir" description:"Path to the directory containing all the required lnd macaroons"`
	TLSPath     string `long:"tlspath" description:"Path to lnd tls certificate"`
}

type ledgerConfig struct {
	Host        string `long:"host" description:"Ledger wallet rpc address"`
	User        string `long:"user" description:"Ledger wallet rpc user"`
	Password    string `long:"password" description:"Ledger wallet rpc password"`
	PolicyAsset string `long:"policyasset" description:"Asset id of the ledger's fee asset"`
}

type offerConfig struct {
	AssetID           string        `long:"asset" description:"Asset id the offer prices"`
	PriceMsatPerUnit  uint64        `long:"pricemsat" description:"Price per asset unit in millisatoshi"`
	FeeSubsidySats    uint64        `long:"subsidysats" description:"Fee subsidy locked alongside the asset"`
	RefundDeltaBlocks uint32        `long:"refunddelta" description:"Blocks between funding and the refund deadline"`
	InvoiceExpiry     time.Duration `long:"invoiceexpiry" description:"Lifetime of quotes and swap invoices"`
	MaxFundingConfs   uint32        `long:"maxfundingconfs" description:"Highest confirmation threshold a quote may request"`
}

type Config struct {
	ShowVersion bool   `long:"version" description:"Display version information and exit"`
	Network     string `long:"network" description:"network to run on" choice:"regtest" choice:"testnet" choice:"mainnet" choice:"simnet"`
	RESTListen  string `long:"restlisten" description:"Address to listen on for REST clients"`

	LswapDir       string `long:"lswapdir" description:"The directory for all of lswapd's data."`
	ConfigFile     string `long:"configfile" description:"Path to configuration file."`
	DataDir        string `long:"datadir" description:"Directory for the swap database."`
	LogDir         string `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	OperatorID        string `long:"operatorid" description:"Authorization identity of the operator"`
	OperatorToken     string `long:"operatortoken" description:"Bearer token mapping to the operator identity"`
	BuyerTokens       []string `long:"buyertoken" description:"identity:token pair for a buyer, may be given multiple times"`
	OperatorKeyHash   string `long:"operatorkeyhash" description:"Hex HASH160 of the operator's ledger key, used in every lock script"`
	OperatorSweepAddr string `long:"operatorsweepaddr" description:"Ledger address receiving operator-side claims and refunds"`

	ReorgSafeDepth      uint32        `long:"reorgsafedepth" description:"Confirmations after which funding is no longer re-checked for reorgs"`
	FundingPollInterval time.Duration `long:"fundingpollinterval" description:"Interval of the funding confirmation watcher"`
	SpendPollInterval   time.Duration `long:"spendpollinterval" description:"Interval of the lock spend watcher"`
	RefundPollInterval  time.Duration `long:"refundpollinterval" description:"Interval of the refund trigger"`
	CallTimeout         time.Duration `long:"calltimeout" description:"Timeout of any single lnd or ledger wallet call"`
	MaxPaymentFeeSats   int64         `long:"maxpaymentfeesats" description:"Maximum routing fee paid for a swap invoice"`

	Lnd    *lndConfig    `group:"lnd" namespace:"lnd"`
	Ledger *ledgerConfig `group:"ledger" namespace:"ledger"`
	Offer  *offerConfig  `group:"offer" namespace:"offer"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		Network:             defaultNetwork,
		RESTListen:          "localhost:8180",
		LswapDir:            lswapDirBase,
		ConfigFile:          defaultConfigFile,
		DataDir:             lswapDirBase,
		LogDir:              defaultLogDir,
		MaxLogFiles:         defaultMaxLogFiles,
		MaxLogFileSize:      defaultMaxLogFileSize,
		DebugLevel:          defaultLogLevel,
		OperatorID:          "operator",
		ReorgSafeDepth:      defaultReorgSafeDepth,
		FundingPollInterval: defaultFundingPollInterval,
		SpendPollInterval:   defaultSpendPollInterval,
		RefundPollInterval:  defaultRefundPollInterval,
		CallTimeout:         defaultCallTimeout,
		MaxPaymentFeeSats:   defaultMaxPaymentFeeSats,
		Lnd: &lndConfig{
			Host: "localhost:10009",
		},
		Ledger: &ledgerConfig{
			Host: "localhost:18884",
		},
		Offer: &offerConfig{
			InvoiceExpiry:   time.Hour,
			MaxFundingConfs: 6,
		},
	}
}

// Validate cleans up paths in the config provided and validates it.
func Validate(cfg *Config) error {
	// Cleanup any paths before we use them.
	cfg.LswapDir = lncfg.CleanAndExpandPath(cfg.LswapDir)
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)

	// Our lswap directory overrides the log and data dir values, so make
	// sure they are not set at the same time.
	logDirSet := cfg.LogDir != defaultLogDir
	dataDirSet := cfg.DataDir != lswapDirBase
	lswapDirSet := cfg.LswapDir != lswapDirBase

	if lswapDirSet {
		if logDirSet {
			return fmt.Errorf("lswapdir overwrites logdir, " +
				"please only set one value")
		}
		if dataDirSet {
			return fmt.Errorf("lswapdir overwrites datadir, " +
				"please only set one value")
		}

		cfg.DataDir = cfg.LswapDir
		cfg.LogDir = filepath.Join(cfg.LswapDir, defaultLogDirname)
	}

	// Append the network to the data and log dirs so they are
	// "namespaced" per network.
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.Network)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.Network)

	if cfg.OperatorToken == "" {
		return fmt.Errorf("operatortoken must be set")
	}

	if _, err := cfg.operatorKeyHash(); err != nil {
		return err
	}

	if _, err := parseBuyerTokens(cfg.BuyerTokens); err != nil {
		return err
	}

	if _, err := cfg.chainParams(); err != nil {
		return err
	}

	return nil
}

// databasePath returns the full path of the sqlite database file.
func (c *Config) databasePath() string {
	return filepath.Join(c.DataDir, defaultDBFilename)
}

// operatorKeyHash decodes the configured operator key hash.
func (c *Config) operatorKeyHash() (swap.KeyHash, error) {
	var keyHash swap.KeyHash

	raw, err := hex.DecodeString(c.OperatorKeyHash)
	if err != nil {
		return keyHash, fmt.Errorf("invalid operatorkeyhash: %v", err)
	}
	if len(raw) != len(keyHash) {
		return keyHash, fmt.Errorf("operatorkeyhash must be %v bytes",
			len(keyHash))
	}

	copy(keyHash[:], raw)

	return keyHash, nil
}

// chainParams maps the configured network to its address parameters.
func (c *Config) chainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet":
		return &chaincfg.TestNet3Params, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	case "simnet":
		return &chaincfg.SimNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network %v", c.Network)
	}
}

// parseBuyerTokens maps the identity:token pairs to a token -> identity
// lookup table.
func parseBuyerTokens(pairs []string) (map[string]string, error) {
	tokens := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		identity, token, found := strings.Cut(pair, ":")
		if !found || identity == "" || token == "" {
			return nil, fmt.Errorf("invalid buyertoken %q, "+
				"expected identity:token", pair)
		}

		if _, ok := tokens[token]; ok {
			return nil, fmt.Errorf("duplicate buyer token")
		}
		tokens[token] = identity
	}

	return tokens, nil
}
