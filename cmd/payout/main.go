// payout drives reward distribution: it fetches scheduled rewards from the
// ledger API, filters them through the payable threshold and sanctions
// screening, transfers each batch through the reward contract, and reports
// the transfers back to the ledger.
package main

import (
	"bufio"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statornet/rewards-ledger/internal/chain"
	"github.com/statornet/rewards-ledger/internal/distributor"
	"github.com/statornet/rewards-ledger/internal/screening"
	"github.com/statornet/rewards-ledger/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	apiURL       string
	rpcURL       string
	contractAddr string
	keyFile      string
	screeningURL string
	screeningRPS int
	batchSize    int
	minPayable   string
	autoConfirm  bool
	resumeFrom   int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "payout",
	Short: "Reward payout runner",
	Long: `payout reads scheduled rewards from the ledger API and pays them
out on-chain in batches, marking each confirmed batch as paid.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&apiURL, "api", "http://localhost:8000", "ledger API base URL")
	pf.StringVar(&screeningURL, "screening-url", "", "sanctions screening service base URL (empty disables screening)")
	pf.IntVar(&screeningRPS, "screening-rps", 10, "screening request rate limit")
	pf.IntVar(&batchSize, "batch-size", distributor.DefaultBatchSize, "rewards per on-chain transfer")
	pf.StringVar(&minPayable, "min-payable", distributor.DefaultMinPayable.String(), "minimum payable amount in atto units")

	runCmd.Flags().StringVar(&rpcURL, "rpc", "", "chain RPC endpoint (required)")
	runCmd.Flags().StringVar(&contractAddr, "contract", "", "reward contract address (required)")
	runCmd.Flags().StringVar(&keyFile, "key-file", "", "hex-encoded private key file (required)")
	runCmd.Flags().BoolVarP(&autoConfirm, "yes", "y", false, "approve every batch without prompting")
	runCmd.Flags().IntVar(&resumeFrom, "resume-from", 0, "skip the first N batches (already paid in a crashed run)")
	cobra.CheckErr(runCmd.MarkFlagRequired("rpc"))
	cobra.CheckErr(runCmd.MarkFlagRequired("contract"))
	cobra.CheckErr(runCmd.MarkFlagRequired("key-file"))

	previewCmd.Flags().StringVar(&rpcURL, "rpc", "", "chain RPC endpoint (enables in-flight amounts)")
	previewCmd.Flags().StringVar(&contractAddr, "contract", "", "reward contract address")

	rootCmd.AddCommand(previewCmd, runCmd, versionCmd)
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Print the rewards a run would pay out, without moving value",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		filter, err := buildFilter(logger)
		if err != nil {
			return err
		}
		d := &distributor.Distributor{
			API:    client.New(apiURL),
			Filter: filter,
			Logger: logger,
		}

		rewards, err := d.Plan(cmd.Context())
		if err != nil {
			return err
		}
		total := new(big.Int)
		for _, r := range rewards {
			total.Add(total, r.Amount)
		}
		fmt.Print(distributor.FormatCSV(rewards))
		fmt.Printf("%d rewards, %s atto total, %d batch(es) of up to %d\n",
			len(rewards), total, (len(rewards)+batchSize-1)/batchSize, batchSize)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a full payout run",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		keySigner, err := chain.LoadKeySigner(keyFile)
		if err != nil {
			return err
		}
		signer := chain.NewSerialSigner(keySigner)
		logger.Info("signing as", zap.String("address", signer.Address().Hex()))

		if !common.IsHexAddress(contractAddr) {
			return fmt.Errorf("--contract: %q is not a valid address", contractAddr)
		}
		contract, err := chain.Dial(cmd.Context(), rpcURL, common.HexToAddress(contractAddr), signer, logger)
		if err != nil {
			return err
		}
		defer contract.Close()

		filter, err := buildFilter(logger)
		if err != nil {
			return err
		}
		filter.InFlight = contract

		d := &distributor.Distributor{
			API:        client.New(apiURL),
			Chain:      contract,
			Signer:     signer,
			Filter:     filter,
			BatchSize:  batchSize,
			ResumeFrom: resumeFrom,
			Logger:     logger,
		}
		if !autoConfirm {
			d.Confirm = promptConfirm
		}

		return d.Run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the payout version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func buildFilter(logger *zap.Logger) (*distributor.Filter, error) {
	min, ok := new(big.Int).SetString(minPayable, 10)
	if !ok || min.Sign() < 0 {
		return nil, fmt.Errorf("--min-payable: %q is not a non-negative integer", minPayable)
	}
	filter := &distributor.Filter{MinPayable: min, Logger: logger}
	if screeningURL != "" {
		filter.Screener = screening.NewClient(screeningURL, screeningRPS, logger)
	} else {
		logger.Warn("sanctions screening disabled — no --screening-url given")
	}
	return filter, nil
}

// promptConfirm prints the batch as address,amount CSV and asks the
// operator to approve it.
func promptConfirm(batch []distributor.Reward, index, total int) (bool, error) {
	fmt.Print(distributor.FormatCSV(batch))
	fmt.Printf("Pay batch %d of %d (%d rewards)? [y/N] ", index+1, total, len(batch))

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
