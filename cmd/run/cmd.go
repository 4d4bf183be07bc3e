package run

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	gethCommon "github.com/ethereum/go-ethereum/common"
	gethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Blu-J/rundler/bootstrap"
	"github.com/Blu-J/rundler/config"
)

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the bundling relay",
	RunE: func(command *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(command.Context())
		defer cancel()

		if err := parseConfigFromFlags(); err != nil {
			return fmt.Errorf("failed to parse flags: %w", err)
		}

		done := make(chan struct{})
		ready := make(chan struct{})
		once := sync.Once{}
		closeReady := func() {
			once.Do(func() {
				close(ready)
			})
		}
		go func() {
			defer close(done)
			// In case an error happens before ready is called we need to close the ready channel
			defer closeReady()

			err := bootstrap.Run(ctx, cfg, closeReady)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Err(err).Msg("relay runtime error")
			}
		}()

		<-ready

		osSig := make(chan os.Signal, 1)
		signal.Notify(osSig, syscall.SIGINT, syscall.SIGTERM)

		// wait for the relay to exit or for a shutdown signal
		select {
		case <-osSig:
			log.Info().Msg("OS Signal to shutdown received, shutting down")
			cancel()
		case <-done:
			log.Info().Msg("done, shutting down")
		}

		// Wait for the relay to completely stop
		<-done

		return nil
	},
}

func parseConfigFromFlags() error {
	if bundlerKey == "" {
		return fmt.Errorf("bundler-key is required")
	}
	k, err := gethCrypto.HexToECDSA(strings.TrimPrefix(bundlerKey, "0x"))
	if err != nil {
		return fmt.Errorf("invalid bundler private key: %w", err)
	}
	cfg.BundlerKey = k

	if beneficiary != "" {
		if !gethCommon.IsHexAddress(beneficiary) {
			return fmt.Errorf("invalid bundler-beneficiary address: %s", beneficiary)
		}
		cfg.BundlerBeneficiary = gethCommon.HexToAddress(beneficiary)
	}

	if !gethCommon.IsHexAddress(entryPoint) {
		return fmt.Errorf("invalid entry-point-address: %s", entryPoint)
	}
	cfg.EntryPointAddress = gethCommon.HexToAddress(entryPoint)

	id, ok := new(big.Int).SetString(chainID, 10)
	if !ok || id.Sign() <= 0 {
		return fmt.Errorf("invalid chain-id: %s", chainID)
	}
	cfg.ChainID = id

	if cfg.ReputationAllowlist, err = parseAddresses(allowlist); err != nil {
		return fmt.Errorf("invalid reputation-allowlist: %w", err)
	}
	if cfg.ReputationBlocklist, err = parseAddresses(blocklist); err != nil {
		return fmt.Errorf("invalid reputation-blocklist: %w", err)
	}

	// configure logging
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %s", logLevel)
	}
	cfg.LogLevel = level

	if logWriter == "stderr" {
		cfg.LogWriter = os.Stderr
	} else {
		cfg.LogWriter = zerolog.NewConsoleWriter()
	}

	return cfg.Validate()
}

func parseAddresses(values []string) ([]gethCommon.Address, error) {
	addresses := make([]gethCommon.Address, 0, len(values))
	for _, v := range values {
		if !gethCommon.IsHexAddress(v) {
			return nil, fmt.Errorf("not an address: %s", v)
		}
		addresses = append(addresses, gethCommon.HexToAddress(v))
	}
	return addresses, nil
}

var cfg = config.Default()
var (
	bundlerKey,
	beneficiary,
	entryPoint,
	chainID,
	logLevel,
	logWriter string
	allowlist,
	blocklist []string
)

func init() {
	defaults := config.Default()

	// Set all available flags
	Cmd.Flags().StringVar(&cfg.DatabaseDir, "database-dir", defaults.DatabaseDir, "Path to the directory for the reputation database")
	Cmd.Flags().StringVar(&cfg.RPCURL, "rpc-url", defaults.RPCURL, "Node JSON-RPC endpoint used for tracing, simulation and broadcast")
	Cmd.Flags().StringVar(&chainID, "chain-id", defaults.ChainID.String(), "Chain ID of the network bundles are submitted to")
	Cmd.Flags().StringVar(&entryPoint, "entry-point-address", defaults.EntryPointAddress.Hex(), "Address of the ERC-4337 v0.6 EntryPoint contract")
	Cmd.Flags().StringVar(&bundlerKey, "bundler-key", "", "Hex encoded private key signing the handleOps transactions")
	Cmd.Flags().StringVar(&beneficiary, "bundler-beneficiary", "", "Address receiving the bundle fees, defaults to the bundler key address")
	Cmd.Flags().StringVar(&logLevel, "log-level", "debug", "Define verbosity of the log output ('debug', 'info', 'warn', 'error', 'fatal', 'panic')")
	Cmd.Flags().StringVar(&logWriter, "log-writer", "stderr", "Log writer used for output ('stderr', 'console')")
	Cmd.Flags().IntVar(&cfg.MetricsPort, "metrics-port", defaults.MetricsPort, "Port for the metrics server")
	Cmd.Flags().StringVar(&cfg.PrometheusConfigFile, "prometheus-config-file", "", "Prometheus scrape config the metrics port is read from")

	// pool
	Cmd.Flags().IntVar(&cfg.PoolCapacity, "pool-capacity", defaults.PoolCapacity, "Maximum number of pending operations")
	Cmd.Flags().Uint64Var(&cfg.ReplacementFeeBumpPercent, "replacement-fee-bump", defaults.ReplacementFeeBumpPercent, "Minimum fee increase in percent required to replace a pending operation")
	Cmd.Flags().IntVar(&cfg.MaxOpsPerSender, "max-ops-per-sender", defaults.MaxOpsPerSender, "Maximum pending operations per sender")
	Cmd.Flags().IntVar(&cfg.ThrottledEntityMaxPending, "throttled-entity-max-pending", defaults.ThrottledEntityMaxPending, "Maximum pending operations referencing a throttled entity")
	Cmd.Flags().DurationVar(&cfg.OperationTTL, "operation-ttl", defaults.OperationTTL, "Time to live for pending operations")
	Cmd.Flags().Uint64Var(&cfg.MaxStaleBlocks, "max-stale-blocks", defaults.MaxStaleBlocks, "Blocks after which an operation whose simulation was not refreshed is expired")
	Cmd.Flags().Uint64Var(&cfg.SenderRateLimit, "sender-rate-limit", defaults.SenderRateLimit, "Submissions allowed per sender in sender-rate-interval, 0 disables the limit")
	Cmd.Flags().DurationVar(&cfg.SenderRateInterval, "sender-rate-interval", defaults.SenderRateInterval, "Interval the sender rate limit applies to")

	// validation
	Cmd.Flags().DurationVar(&cfg.ValidationTimeout, "validation-timeout", defaults.ValidationTimeout, "Timeout of a single validation trace")
	Cmd.Flags().Uint64Var(&cfg.MaxVerificationGas, "max-verification-gas", defaults.MaxVerificationGas, "Largest accepted verificationGasLimit")
	Cmd.Flags().Uint64Var(&cfg.MaxCallGas, "max-call-gas", defaults.MaxCallGas, "Largest accepted callGasLimit")
	Cmd.Flags().IntVar(&cfg.MaxSignatureLength, "max-signature-length", defaults.MaxSignatureLength, "Largest accepted signature in bytes")
	Cmd.Flags().DurationVar(&cfg.ValidUntilMargin, "valid-until-margin", defaults.ValidUntilMargin, "Time an operation must remain valid for after validation")
	Cmd.Flags().IntVar(&cfg.SimulationCacheSize, "simulation-cache-size", defaults.SimulationCacheSize, "Number of cached validation results")
	Cmd.Flags().IntVar(&cfg.TraceRateLimit, "trace-rate-limit", defaults.TraceRateLimit, "Trace calls per second made to the node, 0 disables the limit")
	Cmd.Flags().BoolVar(&cfg.RequireECDSASignatures, "require-ecdsa-signatures", false, "Reject operations whose signature is not a recoverable ECDSA signature")
	Cmd.Flags().Uint64Var(&cfg.MaxSimulateHandleOpGas, "max-simulate-handle-op-gas", defaults.MaxSimulateHandleOpGas, "Gas given to simulateHandleOp calls during gas estimation")
	Cmd.Flags().Uint64Var(&cfg.EventBlockDistance, "event-block-distance", defaults.EventBlockDistance, "Blocks searched back for operation receipts, 0 searches from genesis")

	// reputation
	Cmd.Flags().Uint64Var(&cfg.ReputationWindowBlocks, "reputation-window-blocks", defaults.ReputationWindowBlocks, "Trailing window of blocks reputation counters cover")
	Cmd.Flags().Uint64Var(&cfg.MinInclusionDenominator, "min-inclusion-denominator", defaults.MinInclusionDenominator, "Divisor applied to the seen counter against inclusions")
	Cmd.Flags().Uint64Var(&cfg.ThrottlingSlack, "throttling-slack", defaults.ThrottlingSlack, "Slack of seen operations before an entity is throttled")
	Cmd.Flags().Uint64Var(&cfg.BanSlack, "ban-slack", defaults.BanSlack, "Slack of seen operations before an entity is banned")
	Cmd.Flags().Float64Var(&cfg.ThrottleFailedRatio, "throttle-failed-ratio", defaults.ThrottleFailedRatio, "Failed to included ratio throttling an entity")
	Cmd.Flags().Uint64Var(&cfg.ThrottleMinFailures, "throttle-min-failures", defaults.ThrottleMinFailures, "Minimum failures before the throttle ratio applies")
	Cmd.Flags().Float64Var(&cfg.BanFailedRatio, "ban-failed-ratio", defaults.BanFailedRatio, "Failed to included ratio banning an entity")
	Cmd.Flags().Uint64Var(&cfg.BanMinFailures, "ban-min-failures", defaults.BanMinFailures, "Minimum failures before the ban ratio applies")
	Cmd.Flags().StringSliceVar(&allowlist, "reputation-allowlist", nil, "Comma separated entity addresses that are never throttled or banned")
	Cmd.Flags().StringSliceVar(&blocklist, "reputation-blocklist", nil, "Comma separated entity addresses that are always banned")

	// bundling
	Cmd.Flags().Uint64Var(&cfg.MaxBundleGas, "max-bundle-gas", defaults.MaxBundleGas, "Gas budget of a bundle")
	Cmd.Flags().IntVar(&cfg.MaxBundleOps, "max-bundle-ops", defaults.MaxBundleOps, "Maximum operations in a bundle")
	Cmd.Flags().IntVar(&cfg.MaxBundleOpsPerSender, "max-bundle-ops-per-sender", defaults.MaxBundleOpsPerSender, "Maximum operations from a single sender in a bundle")
	Cmd.Flags().IntVar(&cfg.ThrottledEntityBundleLimit, "throttled-entity-bundle-limit", defaults.ThrottledEntityBundleLimit, "Maximum operations referencing a throttled entity in a bundle")
	Cmd.Flags().IntVar(&cfg.MaxBundleRetries, "max-bundle-retries", defaults.MaxBundleRetries, "Composite simulation attempts per bundle")
	Cmd.Flags().DurationVar(&cfg.BuildInterval, "build-interval", defaults.BuildInterval, "Interval of bundle construction ticks, ticks also happen on new heads")

	// submission
	Cmd.Flags().DurationVar(&cfg.SubmissionTimeout, "submission-timeout", defaults.SubmissionTimeout, "Timeout of a single broadcast or inclusion query")
	Cmd.Flags().Uint64Var(&cfg.InclusionWaitBlocks, "inclusion-wait-blocks", defaults.InclusionWaitBlocks, "Blocks a bundle transaction is given before it is resubmitted")
	Cmd.Flags().IntVar(&cfg.MaxResubmissions, "max-resubmissions", defaults.MaxResubmissions, "Fee bumped resubmissions of a bundle before it is dropped")
	Cmd.Flags().Uint64Var(&cfg.ResubmissionFeeBumpPercent, "resubmission-fee-bump", defaults.ResubmissionFeeBumpPercent, "Fee increase in percent applied on resubmission")
	Cmd.Flags().DurationVar(&cfg.PollInterval, "poll-interval", defaults.PollInterval, "Interval inclusion status is queried at")

	// chain
	Cmd.Flags().DurationVar(&cfg.HeadPollInterval, "head-poll-interval", defaults.HeadPollInterval, "Interval new chain heads are queried at")
	Cmd.Flags().IntVar(&cfg.MaxChainFailures, "max-chain-failures", defaults.MaxChainFailures, "Consecutive chain failures after which the relay stops")
	Cmd.Flags().DurationVar(&cfg.MaxHeadLag, "max-head-lag", defaults.MaxHeadLag, "Age after which the latest head is reported unhealthy")
}
