package config

import (
	"crypto/ecdsa"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Entry point v0.6 deployment address, identical on every chain.
var DefaultEntryPointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

type Config struct {
	// DatabaseDir is the directory of the reputation snapshot database.
	DatabaseDir string
	// RPCURL is the node endpoint used for tracing, simulation and broadcast.
	RPCURL string
	// ChainID of the network the relay submits to.
	ChainID *big.Int
	// EntryPointAddress is the entry point contract operations are bundled for.
	EntryPointAddress common.Address
	// BundlerKey signs the handleOps transactions.
	BundlerKey *ecdsa.PrivateKey
	// BundlerBeneficiary receives the fees paid by the entry point, defaults
	// to the bundler key address.
	BundlerBeneficiary common.Address
	// LogLevel defines how verbose the output log is
	LogLevel zerolog.Level
	// LogWriter defines the writer used for logging
	LogWriter io.Writer
	// MetricsPort defines the port the metric server will listen to
	MetricsPort int
	// PrometheusConfigFile optionally points at a prometheus scrape config the
	// metrics port is read from.
	PrometheusConfigFile string

	// PoolCapacity is the maximum number of pending operations.
	PoolCapacity int
	// ReplacementFeeBumpPercent is the minimal fee increase, in percent, both
	// fee fields of a replacement must carry.
	ReplacementFeeBumpPercent uint64
	// MaxOpsPerSender caps pending operations per sender in the pool.
	MaxOpsPerSender int
	// ThrottledEntityMaxPending caps pending operations referencing a
	// throttled entity.
	ThrottledEntityMaxPending int
	// OperationTTL is the maximum time an operation stays pending.
	OperationTTL time.Duration
	// MaxStaleBlocks is the number of chain advances after which an entry
	// whose simulation has not been refreshed is expired.
	MaxStaleBlocks uint64
	// SenderRateLimit is the number of submissions per sender allowed in
	// SenderRateInterval, zero disables the limit.
	SenderRateLimit    uint64
	SenderRateInterval time.Duration

	// ValidationTimeout bounds a single validation trace.
	ValidationTimeout time.Duration
	// MaxVerificationGas is the largest accepted verificationGasLimit.
	MaxVerificationGas uint64
	// MaxCallGas is the largest accepted callGasLimit.
	MaxCallGas uint64
	// MaxSignatureLength is the largest accepted signature in bytes.
	MaxSignatureLength int
	// ValidUntilMargin is the time an operation must remain valid for after
	// validation.
	ValidUntilMargin time.Duration
	// SimulationCacheSize is the number of simulation results kept per marker.
	SimulationCacheSize int
	// TraceRateLimit caps the trace calls per second made to the node.
	TraceRateLimit int
	// RequireECDSASignatures enables the local signature format check.
	RequireECDSASignatures bool
	// MaxSimulateHandleOpGas is the gas given to simulateHandleOp calls made
	// while estimating operation gas.
	MaxSimulateHandleOpGas uint64
	// EventBlockDistance bounds how many blocks back operation receipts are
	// searched for, zero searches from genesis.
	EventBlockDistance uint64

	// ReputationWindowBlocks is the trailing window reputation counts cover.
	ReputationWindowBlocks uint64
	// MinInclusionDenominator scales the seen count against inclusions.
	MinInclusionDenominator uint64
	ThrottlingSlack         uint64
	BanSlack                uint64
	// ThrottleFailedRatio and ThrottleMinFailures define when an entity is
	// throttled based on failed to included outcomes.
	ThrottleFailedRatio float64
	ThrottleMinFailures uint64
	// BanFailedRatio and BanMinFailures define when an entity is banned.
	BanFailedRatio float64
	BanMinFailures uint64
	// ReputationAllowlist entities are always OK.
	ReputationAllowlist []common.Address
	// ReputationBlocklist entities are always banned.
	ReputationBlocklist []common.Address

	// MaxBundleGas is the per bundle gas budget.
	MaxBundleGas uint64
	// MaxBundleOps caps the number of operations in a bundle.
	MaxBundleOps int
	// MaxBundleOpsPerSender caps operations from a single sender in a bundle.
	MaxBundleOpsPerSender int
	// ThrottledEntityBundleLimit caps operations referencing a throttled
	// entity in a bundle.
	ThrottledEntityBundleLimit int
	// MaxBundleRetries bounds composite re-validation attempts per tick.
	MaxBundleRetries int
	// BuildInterval is the construction tick interval, ticks also happen on
	// every new head.
	BuildInterval time.Duration

	// SubmissionTimeout bounds a single broadcast or inclusion query.
	SubmissionTimeout time.Duration
	// InclusionWaitBlocks is the number of blocks a submission is given
	// before it is resubmitted.
	InclusionWaitBlocks uint64
	// MaxResubmissions bounds fee-bumped resubmissions of a bundle.
	MaxResubmissions int
	// ResubmissionFeeBumpPercent is applied to both fee fields on resubmission.
	ResubmissionFeeBumpPercent uint64
	// PollInterval is the interval inclusion status is queried at.
	PollInterval time.Duration

	// HeadPollInterval is the interval new heads are queried at.
	HeadPollInterval time.Duration
	// MaxChainFailures is the number of consecutive head failures after
	// which the chain client is considered unavailable.
	MaxChainFailures int
	// MaxHeadLag is the age after which the latest head is reported as
	// unhealthy.
	MaxHeadLag time.Duration
}

// Default returns a configuration with the default policy values.
func Default() *Config {
	return &Config{
		DatabaseDir:       "./db",
		RPCURL:            "http://localhost:8545",
		ChainID:           big.NewInt(1),
		EntryPointAddress: DefaultEntryPointAddress,
		LogLevel:          zerolog.InfoLevel,
		LogWriter:         os.Stderr,
		MetricsPort:       9091,

		PoolCapacity:              4096,
		ReplacementFeeBumpPercent: 10,
		MaxOpsPerSender:           4,
		ThrottledEntityMaxPending: 4,
		OperationTTL:              10 * time.Minute,
		MaxStaleBlocks:            4,
		SenderRateLimit:           10,
		SenderRateInterval:        time.Second,

		ValidationTimeout:   5 * time.Second,
		MaxVerificationGas:  5_000_000,
		MaxCallGas:          20_000_000,
		MaxSignatureLength:  2048,
		ValidUntilMargin:    30 * time.Second,
		SimulationCacheSize: 10_000,
		TraceRateLimit:      100,

		MaxSimulateHandleOpGas: 20_000_000,
		EventBlockDistance:     100_000,

		ReputationWindowBlocks:  7200,
		MinInclusionDenominator: 10,
		ThrottlingSlack:         10,
		BanSlack:                50,
		ThrottleFailedRatio:     0.5,
		ThrottleMinFailures:     3,
		BanFailedRatio:          2,
		BanMinFailures:          10,

		MaxBundleGas:               25_000_000,
		MaxBundleOps:               32,
		MaxBundleOpsPerSender:      4,
		ThrottledEntityBundleLimit: 1,
		MaxBundleRetries:           5,
		BuildInterval:              12 * time.Second,

		SubmissionTimeout:          10 * time.Second,
		InclusionWaitBlocks:        3,
		MaxResubmissions:           3,
		ResubmissionFeeBumpPercent: 10,
		PollInterval:               2 * time.Second,

		HeadPollInterval: 2 * time.Second,
		MaxChainFailures: 10,
		MaxHeadLag:       time.Minute,
	}
}

// Validate checks the configuration values are usable.
func (c *Config) Validate() error {
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return fmt.Errorf("invalid chain ID: %v", c.ChainID)
	}
	if c.EntryPointAddress == (common.Address{}) {
		return fmt.Errorf("entry point address is required")
	}
	if c.PoolCapacity <= 0 {
		return fmt.Errorf("pool capacity must be > 0")
	}
	if c.MaxOpsPerSender <= 0 {
		return fmt.Errorf("max ops per sender must be > 0")
	}
	if c.ThrottledEntityMaxPending <= 0 {
		return fmt.Errorf("throttled entity max pending must be > 0")
	}
	if c.OperationTTL <= 0 {
		return fmt.Errorf("operation TTL must be > 0")
	}
	if c.MaxStaleBlocks == 0 {
		return fmt.Errorf("max stale blocks must be > 0")
	}
	if c.ValidationTimeout <= 0 {
		return fmt.Errorf("validation timeout must be > 0")
	}
	if c.MaxVerificationGas == 0 || c.MaxCallGas == 0 {
		return fmt.Errorf("max verification gas and max call gas must be > 0")
	}
	if c.ReputationWindowBlocks == 0 {
		return fmt.Errorf("reputation window must be > 0")
	}
	if c.MinInclusionDenominator == 0 {
		return fmt.Errorf("min inclusion denominator must be > 0")
	}
	if c.ThrottleFailedRatio <= 0 || c.BanFailedRatio < c.ThrottleFailedRatio {
		return fmt.Errorf(
			"invalid reputation ratios, throttle: %v, ban: %v",
			c.ThrottleFailedRatio,
			c.BanFailedRatio,
		)
	}
	if c.MaxBundleGas == 0 {
		return fmt.Errorf("max bundle gas must be > 0")
	}
	if c.MaxBundleOps <= 0 || c.MaxBundleOpsPerSender <= 0 {
		return fmt.Errorf("bundle operation caps must be > 0")
	}
	if c.ThrottledEntityBundleLimit <= 0 {
		return fmt.Errorf("throttled entity bundle limit must be > 0")
	}
	if c.MaxBundleRetries <= 0 {
		return fmt.Errorf("max bundle retries must be > 0")
	}
	if c.BuildInterval <= 0 || c.PollInterval <= 0 || c.HeadPollInterval <= 0 {
		return fmt.Errorf("intervals must be > 0")
	}
	if c.SubmissionTimeout <= 0 {
		return fmt.Errorf("submission timeout must be > 0")
	}
	if c.InclusionWaitBlocks == 0 {
		return fmt.Errorf("inclusion wait blocks must be > 0")
	}
	if c.MaxResubmissions < 0 {
		return fmt.Errorf("max resubmissions must be >= 0")
	}
	if c.MaxChainFailures <= 0 {
		return fmt.Errorf("max chain failures must be > 0")
	}
	return nil
}
