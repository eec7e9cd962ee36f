package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"nftlend/cmd/internal/passphrase"
	"nftlend/config"
	"nftlend/contracts"
	"nftlend/finance"
	"nftlend/gateway"
	"nftlend/observability/logging"
	"nftlend/wallet"
)

var configPath = defaultConfigPath()
var rpcOverride = strings.TrimSpace(os.Getenv("RPC_URL"))

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		generateKey()
	case "mint":
		if len(args) < 2 {
			fmt.Println("Usage: mint <tokenId>")
			return
		}
		mintCollateral(args[1])
	case "owner":
		if len(args) < 2 {
			fmt.Println("Usage: owner <tokenId>")
			return
		}
		showOwner(args[1])
	case "approve":
		if len(args) < 2 {
			fmt.Println("Usage: approve <tokenId>")
			return
		}
		approveCollateral(args[1])
	case "create-loan":
		if len(args) < 5 {
			fmt.Println("Usage: create-loan <tokenId> <principal> <rateBps> <duration>")
			return
		}
		createLoan(args[1], args[2], args[3], args[4])
	case "fund":
		if len(args) < 2 {
			fmt.Println("Usage: fund <loanId>")
			return
		}
		fundLoan(args[1])
	case "repay":
		if len(args) < 2 {
			fmt.Println("Usage: repay <loanId>")
			return
		}
		repayLoan(args[1])
	case "liquidate":
		if len(args) < 2 {
			fmt.Println("Usage: liquidate <loanId>")
			return
		}
		liquidateLoan(args[1])
	case "loan":
		if len(args) < 2 {
			fmt.Println("Usage: loan <loanId>")
			return
		}
		showLoan(args[1])
	case "loans":
		role := "borrower"
		if len(args) > 1 {
			role = args[1]
		}
		listLoans(role)
	case "available":
		listAvailable()
	case "events":
		kind := ""
		if len(args) > 1 {
			kind = args[1]
		}
		listEvents(kind)
	case "watch":
		if err := runWatch(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("LENDCTL_CONFIG")); v != "" {
		return v
	}
	return "lendctl.toml"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --config")
			}
			configPath = args[i+1]
			i++
		case "--rpc":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcOverride = args[i+1]
			i++
		default:
			out = append(out, args[i])
		}
	}
	return out, nil
}

func printUsage() {
	fmt.Println("Usage: lendctl [--config <file>] [--rpc <url>] <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  generate-key                                      Create a new encrypted wallet key")
	fmt.Println("  mint <tokenId>                                    Mint a test collateral token to the wallet")
	fmt.Println("  owner <tokenId>                                   Show the current owner of a collateral token")
	fmt.Println("  approve <tokenId>                                 Approve the lending contract for a token")
	fmt.Println("  create-loan <tokenId> <principal> <rateBps> <duration>")
	fmt.Println("                                                    Pledge a token and request a loan")
	fmt.Println("  fund <loanId>                                     Fund an open loan request")
	fmt.Println("  repay <loanId>                                    Repay a funded loan")
	fmt.Println("  liquidate <loanId>                                Claim collateral on an expired loan")
	fmt.Println("  loan <loanId>                                     Show one loan with its event history")
	fmt.Println("  loans [borrower|lender]                           List the wallet's loans by role")
	fmt.Println("  available                                         List loans awaiting a lender")
	fmt.Println("  events [kind]                                     List recent lifecycle events")
	fmt.Println("  watch                                             Track loan state and serve the local API")
}

// session bundles everything a command needs once the wallet is unlocked and
// the contracts are resolved.
type session struct {
	cfg       *config.Config
	client    *ethclient.Client
	registry  *contracts.Registry
	gw        *gateway.Gateway
	estimator *finance.Estimator
	log       *slog.Logger
}

func (s *session) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if rpcOverride != "" {
		cfg.RPCEndpoint = rpcOverride
	}

	unit, err := finance.ParseDurationUnit(cfg.DurationUnit)
	if err != nil {
		return nil, err
	}

	descriptor, err := contracts.LoadDescriptor(cfg.DescriptorPath)
	if err != nil {
		return nil, err
	}
	registry, err := contracts.NewRegistry(descriptor)
	if err != nil {
		return nil, err
	}

	source := passphrase.NewSource(cfg.PassphraseEnv)
	secret, err := source.Get()
	if err != nil {
		return nil, err
	}
	w, err := wallet.Load(cfg.KeystorePath, secret)
	if err != nil {
		return nil, err
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCEndpoint, err)
	}
	if _, err := registry.Resolve(ctx, client, w.Address()); err != nil {
		client.Close()
		return nil, err
	}

	logger := logging.Setup("lendctl", cfg.Environment, cfg.LogFile)
	return &session{
		cfg:       cfg,
		client:    client,
		registry:  registry,
		gw:        gateway.New(client, w, registry, logger),
		estimator: finance.NewEstimator(unit),
		log:       logger,
	}, nil
}

func generateKey() {
	cfg, err := config.Load(configPath)
	if err != nil {
		fail(err)
	}
	if _, err := os.Stat(cfg.KeystorePath); err == nil {
		fail(fmt.Errorf("keystore %s already exists; refusing to overwrite", cfg.KeystorePath))
	}
	secret, err := passphrase.NewSource(cfg.PassphraseEnv).GetConfirmed()
	if err != nil {
		fail(err)
	}
	w, err := wallet.Generate(cfg.KeystorePath, secret)
	if err != nil {
		fail(err)
	}
	fmt.Printf("New wallet key saved to %s\n", cfg.KeystorePath)
	fmt.Printf("Address: %s\n", w.Address().Hex())
}

func parseLoanID(raw string) uint64 {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		fail(fmt.Errorf("invalid loan id %q", raw))
	}
	return id
}

func parseTokenID(raw string) *big.Int {
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok || id.Sign() < 0 {
		fail(fmt.Errorf("invalid token id %q", raw))
	}
	return id
}

func mintCollateral(rawToken string) {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		fail(err)
	}
	defer s.Close()

	tokenID := parseTokenID(rawToken)
	conf, err := s.gw.MintCollateral(ctx, s.gw.Signer(), tokenID)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Minted token %s in block %d (tx %s)\n", tokenID, conf.BlockNumber, conf.Receipt.TxHash.Hex())
}

func showOwner(rawToken string) {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		fail(err)
	}
	defer s.Close()

	tokenID := parseTokenID(rawToken)
	own, err := s.gw.CollateralOwner(ctx, tokenID)
	if err != nil {
		fail(err)
	}
	if !own.Exists {
		fmt.Printf("Token %s does not exist\n", tokenID)
		return
	}
	fmt.Printf("Token %s is owned by %s\n", tokenID, own.Owner.Hex())
}

func approveCollateral(rawToken string) {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		fail(err)
	}
	defer s.Close()

	tokenID := parseTokenID(rawToken)
	already, err := s.gw.CollateralApproved(ctx, tokenID)
	if err == nil && already {
		fmt.Printf("Token %s is already approved\n", tokenID)
		return
	}
	conf, err := s.gw.ApproveCollateral(ctx, tokenID)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Approved token %s in block %d (tx %s)\n", tokenID, conf.BlockNumber, conf.Receipt.TxHash.Hex())
}

func createLoan(rawToken, rawAmount, rawRate, rawDuration string) {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		fail(err)
	}
	defer s.Close()

	principal, err := finance.ParseDecimal(rawAmount)
	if err != nil {
		fail(err)
	}
	rate, err := strconv.ParseUint(rawRate, 10, 64)
	if err != nil {
		fail(fmt.Errorf("invalid rate %q: want basis points", rawRate))
	}
	duration, err := strconv.ParseUint(rawDuration, 10, 64)
	if err != nil {
		fail(fmt.Errorf("invalid duration %q: want %s", rawDuration, s.estimator.Unit()))
	}
	handles, err := s.registry.Current(s.gw.Signer())
	if err != nil {
		fail(err)
	}

	id, conf, err := s.gw.CreateLoan(ctx, gateway.CreateParams{
		Collateral: handles.Collateral.Address,
		TokenID:    parseTokenID(rawToken),
		Principal:  principal,
		RateBps:    rate,
		Duration:   duration,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("Loan %d created in block %d (tx %s)\n", id, conf.BlockNumber, conf.Receipt.TxHash.Hex())
}

func fundLoan(rawID string) {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		fail(err)
	}
	defer s.Close()

	id := parseLoanID(rawID)
	record, err := s.gw.GetLoan(ctx, id)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Funding loan %d with %s\n", id, finance.FormatWei(record.Principal))
	conf, err := s.gw.FundLoan(ctx, id)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Loan %d funded in block %d (tx %s)\n", id, conf.BlockNumber, conf.Receipt.TxHash.Hex())
}

func repayLoan(rawID string) {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		fail(err)
	}
	defer s.Close()

	id := parseLoanID(rawID)
	owed, err := s.gw.RepaymentAmount(ctx, id)
	if err != nil {
		fail(err)
	}
	padded := finance.PaymentWithBuffer(owed)
	fmt.Printf("Repaying loan %d: owed %s, sending %s to absorb accrual\n",
		id, finance.FormatWei(owed), finance.FormatWei(padded))
	conf, err := s.gw.RepayLoan(ctx, id)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Loan %d repaid in block %d (tx %s)\n", id, conf.BlockNumber, conf.Receipt.TxHash.Hex())
}

func liquidateLoan(rawID string) {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		fail(err)
	}
	defer s.Close()

	id := parseLoanID(rawID)
	defaulted, err := s.gw.IsDefaulted(ctx, id)
	if err == nil && !defaulted {
		fail(fmt.Errorf("loan %d has not defaulted yet", id))
	}
	conf, err := s.gw.LiquidateLoan(ctx, id)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Loan %d liquidated in block %d (tx %s)\n", id, conf.BlockNumber, conf.Receipt.TxHash.Hex())
}

// fail prints the friendliest form of err and exits.
func fail(err error) {
	var revert *gateway.RevertError
	var invalid *gateway.ValidationError
	var unreachable *gateway.UnreachableError
	switch {
	case errors.As(err, &revert):
		fmt.Fprintf(os.Stderr, "Rejected: %s\n", revert.Message())
	case errors.As(err, &invalid):
		fmt.Fprintf(os.Stderr, "Invalid input: %s\n", invalid.Error())
	case errors.Is(err, gateway.ErrBusy):
		fmt.Fprintln(os.Stderr, "A matching operation is already in flight; wait for it to confirm")
	case errors.Is(err, gateway.ErrNotFound):
		fmt.Fprintln(os.Stderr, "No such loan")
	case errors.Is(err, gateway.ErrNotReady):
		fmt.Fprintln(os.Stderr, "Contracts are not resolved; check the descriptor and RPC endpoint")
	case errors.As(err, &unreachable):
		fmt.Fprintf(os.Stderr, "Ledger unreachable during %s: %v\n", unreachable.Op, unreachable.Err)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(1)
}

func formatAge(ts time.Time) string {
	if ts.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%ds ago", int(time.Since(ts).Seconds()))
}
