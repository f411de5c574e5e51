package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	core "github.com/iden3/go-iden3-core/v2"
	"github.com/iden3/go-onchain-issuance/config"
	"github.com/iden3/go-onchain-issuance/errs"
	"github.com/iden3/go-onchain-issuance/identity"
	"github.com/iden3/go-onchain-issuance/issuerapi"
	"github.com/iden3/go-onchain-issuance/logging"
	"github.com/iden3/go-onchain-issuance/offer"
	"github.com/iden3/go-onchain-issuance/onchain"
	"github.com/iden3/go-onchain-issuance/orchestrator"
	"github.com/iden3/go-onchain-issuance/session"
	"github.com/iden3/go-onchain-issuance/wallet"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	versionCacheSize = 64
	versionCacheTTL  = 10 * time.Minute
)

// system is what a command runs against.
type system struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	registry *prometheus.Registry
	chainID  func(ctx context.Context) (*big.Int, error)
	close    func()
}

// newSystem builds the issuance flows from the configuration. Replaced in
// tests.
var newSystem = func(ctx context.Context, cfg *config.Config) (*system, error) {
	api, err := issuerapi.NewClient(cfg.Issuer.URL, issuerapi.WithTimeout(cfg.HTTP.Timeout))
	if err != nil {
		return nil, err
	}

	var (
		provider wallet.Provider
		closer   func()
	)
	switch cfg.Wallet.Mode {
	case config.WalletModeKey:
		p, err := wallet.DialKeyed(ctx, cfg.RPC.URL, cfg.Wallet.Key)
		if err != nil {
			return nil, err
		}
		provider, closer = p, p.Close
	default:
		p, err := wallet.DialRPC(ctx, cfg.RPC.URL)
		if err != nil {
			return nil, err
		}
		provider, closer = p, p.Close
	}

	composer := offer.NewComposer(
		offer.WithTransactionData(cfg.Offer.MethodID, cfg.Offer.ChainID, cfg.Offer.Network),
		offer.WithConverter(api),
	)
	var strategy offer.Strategy = offer.OnchainStrategy{Composer: composer}
	if cfg.Offer.Mode == config.OfferModeDelegated {
		strategy = offer.DelegatedStrategy{Composer: composer}
	}

	orch := orchestrator.New(api,
		orchestrator.GatewayConnector{Gateway: wallet.New(provider)},
		onchain.NewClient(onchain.WithVersionCache(versionCacheSize, versionCacheTTL)),
		strategy,
		orchestrator.WithPollOptions(
			session.WithInterval(cfg.Poll.Interval),
			session.WithMaxAttempts(cfg.Poll.MaxAttempts),
		),
	)
	registry := prometheus.NewRegistry()
	if err := orch.RegisterMetrics(registry); err != nil {
		closer()
		return nil, err
	}
	return &system{
		cfg:      cfg,
		orch:     orch,
		registry: registry,
		chainID:  provider.ChainID,
		close:    closer,
	}, nil
}

// checkChain warns when the node serves another chain than the issuer DID
// names. The issuance itself decides whether the contract is reachable.
func checkChain(ctx context.Context, sys *system, issuer string) {
	if sys.chainID == nil {
		return
	}
	want, err := issuerChain(issuer)
	if err != nil {
		return
	}
	got, err := sys.chainID(ctx)
	if err != nil {
		logging.Log().WithError(err).Debug("failed to get chain id of node")
		return
	}
	if got.Cmp(big.NewInt(int64(want))) != 0 {
		logging.Log().Warnf("node serves chain %s, issuer DID names chain %d", got, want)
	}
}

func createRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "onchain-issuer",
		Short:         "Issues onchain credentials and renders their offers as QR codes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
}

func createCommand(out io.Writer) *cobra.Command {
	command := createRootCommand()
	command.SetOut(out)
	command.PersistentFlags().AddFlagSet(config.FlagSet())
	command.AddCommand(
		createConfigCommand(),
		createIssuersCommand(),
		createLoginCommand(),
		createIssueCommand(),
		createFetchCommand(),
	)
	return command
}

// configFlags returns the config flags of cmd, without command flags like
// --issuer that would shadow config keys.
func configFlags(cmd *cobra.Command) *pflag.FlagSet {
	known := config.FlagSet()
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if known.Lookup(f.Name) != nil {
			fs.AddFlag(f)
		}
	})
	return fs
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFlags(cmd))
	if err != nil {
		return nil, err
	}
	if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run loads the configuration, builds the system and runs fn until it
// returns or the process is interrupted.
func run(cmd *cobra.Command, fn func(ctx context.Context, sys *system) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys, err := newSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.close()
	defer logMetrics(sys.registry)

	if err := fn(ctx, sys); err != nil {
		if errs.IsVoluntary(err) {
			cmd.Println(orchestrator.UserMessage(err))
			return nil
		}
		logging.Log().WithError(err).Debug("command failed")
		cmd.PrintErrln(orchestrator.UserMessage(err))
		return err
	}
	return nil
}

func logMetrics(registry *prometheus.Registry) {
	if registry == nil || !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	families, err := registry.Gather()
	if err != nil {
		return
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			logging.Log().WithField("metric", f.GetName()).
				Debugf("%v", m.GetCounter().GetValue())
		}
	}
}

func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Prints the current config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			return errors.WithStack(enc.Encode(cfg.Redacted()))
		},
	}
}

func createIssuersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "issuers",
		Short: "Lists the issuers of the issuer service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, sys *system) error {
				issuers, err := sys.orch.Issuers(ctx)
				if err != nil {
					return err
				}
				for _, i := range issuers {
					cmd.Println(i)
				}
				return nil
			})
		},
	}
}

func createLoginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticates a holder by QR code and prints the holder DID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			issuer, _ := cmd.Flags().GetString("issuer")
			return run(cmd, func(ctx context.Context, sys *system) error {
				subject, err := login(ctx, cmd, sys, issuer)
				if err != nil {
					return err
				}
				cmd.Println(subject.String())
				return nil
			})
		},
	}
	cmd.Flags().String("issuer", "", "Issuer DID")
	_ = cmd.MarkFlagRequired("issuer")
	return cmd
}

func login(ctx context.Context, cmd *cobra.Command, sys *system, issuer string) (*identity.Identity, error) {
	return sys.orch.Authenticate(ctx, issuer, func(s session.Session) error {
		cmd.Println("Scan the QR code with your wallet app to sign in:")
		offer.RenderQR(cmd.OutOrStdout(), s.QRPayload)
		cmd.Println(offer.DeepLink(s.QRPayload))
		return nil
	})
}

func printOffer(cmd *cobra.Command, res *orchestrator.Result) {
	cmd.Printf("Credential %s of %s\n", res.CredentialID, res.Subject)
	cmd.Println("Scan the QR code with your wallet app to fetch the credential:")
	offer.RenderQR(cmd.OutOrStdout(), res.Offer)
	cmd.Println(res.DeepLink())
}

func createIssueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issues a new onchain credential and prints its offer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			issuer, _ := cmd.Flags().GetString("issuer")
			subject, _ := cmd.Flags().GetString("subject")
			return run(cmd, func(ctx context.Context, sys *system) error {
				if subject == "" {
					id, err := login(ctx, cmd, sys, issuer)
					if err != nil {
						return err
					}
					subject = id.String()
				}
				checkChain(ctx, sys, issuer)
				res, err := sys.orch.Issue(ctx, issuer, subject)
				if err != nil {
					return err
				}
				logging.Log().WithField("tx", res.Receipt.TxHash.Hex()).
					WithField("block", res.Receipt.BlockNumber).Info("issuance confirmed")
				printOffer(cmd, res)
				return nil
			})
		},
	}
	cmd.Flags().String("issuer", "", "Issuer DID")
	cmd.Flags().String("subject", "", "Holder DID, asked by QR login when empty")
	_ = cmd.MarkFlagRequired("issuer")
	return cmd
}

func createFetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Lists issued credentials of a holder, or prints the offer of one of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			issuer, _ := cmd.Flags().GetString("issuer")
			subject, _ := cmd.Flags().GetString("subject")
			idStr, _ := cmd.Flags().GetString("id")
			return run(cmd, func(ctx context.Context, sys *system) error {
				if idStr == "" {
					ids, err := sys.orch.ListExisting(ctx, issuer, subject)
					if err != nil {
						return err
					}
					for _, id := range ids {
						cmd.Println(id.String())
					}
					return nil
				}
				id, ok := new(big.Int).SetString(idStr, 10)
				if !ok {
					return fmt.Errorf("invalid credential id %q", idStr)
				}
				res, err := sys.orch.FetchExisting(ctx, issuer, subject, id)
				if err != nil {
					return err
				}
				printOffer(cmd, res)
				return nil
			})
		},
	}
	cmd.Flags().String("issuer", "", "Issuer DID")
	cmd.Flags().String("subject", "", "Holder DID")
	cmd.Flags().String("id", "", "Credential id, lists the ids when empty")
	_ = cmd.MarkFlagRequired("issuer")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// issuerChain returns the chain id of an issuer DID.
func issuerChain(issuer string) (core.ChainID, error) {
	id, err := identity.Parse(issuer)
	if err != nil {
		return 0, err
	}
	return id.ChainID()
}
