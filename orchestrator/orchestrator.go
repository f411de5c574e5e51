// Package orchestrator runs the issuance flows end to end: authenticating
// the holder with a QR code, issuing a credential on chain and turning it
// into an offer the holder's wallet app can fetch.
package orchestrator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/iden3/go-onchain-issuance/errs"
	"github.com/iden3/go-onchain-issuance/identity"
	"github.com/iden3/go-onchain-issuance/logging"
	"github.com/iden3/go-onchain-issuance/offer"
	"github.com/iden3/go-onchain-issuance/onchain"
	"github.com/iden3/go-onchain-issuance/session"
	"github.com/iden3/go-onchain-issuance/wallet"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logging.Log()

// WalletSession is a connected wallet. *wallet.Session implements it.
type WalletSession interface {
	onchain.Wallet
	Close()
}

// WalletConnector opens a wallet session per flow.
type WalletConnector interface {
	Connect(ctx context.Context) (WalletSession, error)
}

// GatewayConnector connects sessions through a wallet.Gateway.
type GatewayConnector struct {
	Gateway *wallet.Gateway
}

func (g GatewayConnector) Connect(ctx context.Context) (WalletSession, error) {
	s, err := g.Gateway.Connect(ctx)
	if err != nil {
		return nil, err
	}
	log.WithField("account", s.Account.Hex()).
		WithField("balance", s.NativeBalance.String()).Info("wallet connected")
	return s, nil
}

// IssuerService is the issuer service API the flows use.
// *issuerapi.Client implements it.
type IssuerService interface {
	Issuers(ctx context.Context) ([]string, error)
	AuthRequest(ctx context.Context, issuer string) (session.Session, error)
	Status(ctx context.Context, sessionID string) (session.Status[string], error)
}

// Presenter shows the QR payload of an authentication session.
type Presenter func(s session.Session) error

// Result is a successful issuance.
type Result struct {
	Issuer        *identity.Identity
	Subject       *identity.Identity
	Contract      common.Address
	CredentialIDs []*big.Int
	CredentialID  *big.Int
	Receipt       *types.Receipt
	Offer         json.RawMessage
}

// DeepLink returns the iden3comm link of the offer.
func (r *Result) DeepLink() string {
	return offer.DeepLink(r.Offer)
}

type Orchestrator struct {
	service  IssuerService
	wallets  WalletConnector
	chain    *onchain.Client
	strategy offer.Strategy

	pollOpts  []session.Option
	observers []onchain.Observer
	metrics   *metrics

	mu       sync.Mutex
	inFlight map[string]struct{}
	loading  int32
}

type Option func(*Orchestrator)

// WithPollOptions configures the authentication poller.
func WithPollOptions(opts ...session.Option) Option {
	return func(o *Orchestrator) {
		o.pollOpts = append(o.pollOpts, opts...)
	}
}

// WithObserver observes the states of every issuance attempt.
func WithObserver(obs onchain.Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, obs)
	}
}

func New(service IssuerService, wallets WalletConnector, chain *onchain.Client,
	strategy offer.Strategy, opts ...Option) *Orchestrator {

	o := &Orchestrator{
		service:  service,
		wallets:  wallets,
		chain:    chain,
		strategy: strategy,
		metrics:  newMetrics(),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterMetrics registers the flow metrics.
func (o *Orchestrator) RegisterMetrics(reg prometheus.Registerer) error {
	return o.metrics.register(reg)
}

// Loading reports whether a flow is running.
func (o *Orchestrator) Loading() bool {
	return atomic.LoadInt32(&o.loading) > 0
}

func (o *Orchestrator) begin() func() {
	atomic.AddInt32(&o.loading, 1)
	return func() {
		atomic.AddInt32(&o.loading, -1)
	}
}

// Issuers lists the issuers the issuer service serves.
func (o *Orchestrator) Issuers(ctx context.Context) ([]string, error) {
	defer o.begin()()
	return o.service.Issuers(ctx)
}

// Authenticate asks the holder to scan an authentication request of
// issuerDID and returns the DID the holder authenticated with.
func (o *Orchestrator) Authenticate(ctx context.Context, issuerDID string,
	present Presenter) (*identity.Identity, error) {

	defer o.begin()()

	if _, err := identity.Parse(issuerDID); err != nil {
		return nil, err
	}

	opts := append([]session.Option{
		session.WithCheckHook(func(uint) { o.metrics.sessionChecks.Inc() }),
	}, o.pollOpts...)
	poller := session.NewPoller[string](
		func(ctx context.Context) (session.Session, error) {
			return o.service.AuthRequest(ctx, issuerDID)
		},
		o.service.Status,
		opts...,
	)

	subjectDID, err := poller.Run(ctx, func(s session.Session) error {
		log.WithField("session", s.ID).Info("waiting for authentication")
		if present == nil {
			return nil
		}
		return present(s)
	})
	if err != nil {
		return nil, err
	}
	subject, err := identity.Parse(subjectDID)
	if err != nil {
		return nil, &errs.Error{Code: errs.CodeSessionCheckFailed,
			Message: "issuer service returned an invalid subject DID", Err: err}
	}
	log.WithField("subject", subject.String()).Info("holder authenticated")
	return subject, nil
}

// Issue issues a new credential of issuerDID for subjectDID and builds its
// offer. Only one issuance per subject runs at a time.
func (o *Orchestrator) Issue(ctx context.Context, issuerDID, subjectDID string) (res *Result, err error) {
	defer o.begin()()

	issuer, subject, contract, err := resolve(issuerDID, subjectDID)
	if err != nil {
		return nil, err
	}

	release, err := o.acquire(subject.String())
	if err != nil {
		return nil, err
	}
	defer release()

	defer func() {
		o.metrics.attempt(err, errs.IsVoluntary(err))
	}()

	ws, err := o.wallets.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	mode := onchain.ModeOnchain
	if o.strategy.NeedsClaim() {
		mode = onchain.ModeDelegated
	}
	attemptOpts := []onchain.AttemptOption{
		onchain.WithObserver(func(from, to onchain.State) {
			log.WithField("contract", contract.Hex()).Debugf("issuance %s -> %s", from, to)
		}),
	}
	for _, obs := range o.observers {
		attemptOpts = append(attemptOpts, onchain.WithObserver(obs))
	}
	attempt := o.chain.NewAttempt(ws, contract, identity.SubjectHandle(subject), mode,
		attemptOpts...)

	out, err := attempt.Run(ctx)
	if err != nil {
		return nil, err
	}
	log.WithField("credential", out.CredentialID.String()).
		WithField("tx", out.Receipt.TxHash.Hex()).Info("credential issued")

	body, err := o.strategy.Compose(ctx, offer.Request{
		Issuer:          issuer.String(),
		Subject:         subject.String(),
		CredentialID:    out.CredentialID,
		ContractAddress: hexAddress(contract),
		RawCredential:   out.RawCredential,
		AdapterVersion:  out.AdapterVersion,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Issuer:        issuer,
		Subject:       subject,
		Contract:      contract,
		CredentialIDs: out.CredentialIDs,
		CredentialID:  out.CredentialID,
		Receipt:       out.Receipt,
		Offer:         body,
	}, nil
}

// ListExisting returns the credential ids already issued to subjectDID,
// newest first.
func (o *Orchestrator) ListExisting(ctx context.Context, issuerDID, subjectDID string) ([]*big.Int, error) {
	defer o.begin()()

	_, subject, contract, err := resolve(issuerDID, subjectDID)
	if err != nil {
		return nil, err
	}
	ws, err := o.wallets.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	ids, err := o.chain.ListCredentialIDs(ctx, ws, contract, identity.SubjectHandle(subject))
	if err != nil {
		return nil, err
	}
	newestFirst := make([]*big.Int, len(ids))
	for i, id := range ids {
		newestFirst[len(ids)-1-i] = id
	}
	return newestFirst, nil
}

// FetchExisting builds the offer of an already issued credential without
// sending a transaction.
func (o *Orchestrator) FetchExisting(ctx context.Context, issuerDID, subjectDID string,
	credentialID *big.Int) (*Result, error) {

	defer o.begin()()

	issuer, subject, contract, err := resolve(issuerDID, subjectDID)
	if err != nil {
		return nil, err
	}
	if credentialID == nil || credentialID.Sign() < 0 {
		return nil, errors.New("invalid credential id")
	}

	req := offer.Request{
		Issuer:          issuer.String(),
		Subject:         subject.String(),
		CredentialID:    credentialID,
		ContractAddress: hexAddress(contract),
	}
	if o.strategy.NeedsClaim() {
		ws, err := o.wallets.Connect(ctx)
		if err != nil {
			return nil, err
		}
		defer ws.Close()

		req.RawCredential, err = o.chain.FetchCredential(ctx, ws, contract,
			identity.SubjectHandle(subject), credentialID)
		if err != nil {
			return nil, err
		}
		req.AdapterVersion, err = o.chain.AdapterVersion(ctx, ws, contract)
		if err != nil {
			return nil, err
		}
	}

	body, err := o.strategy.Compose(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{
		Issuer:       issuer,
		Subject:      subject,
		Contract:     contract,
		CredentialID: credentialID,
		Offer:        body,
	}, nil
}

func (o *Orchestrator) acquire(subject string) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inFlight[subject]; ok {
		return nil, errs.New(errs.CodeIssuanceInProgress,
			fmt.Sprintf("issuance for %s is already in progress", subject))
	}
	o.inFlight[subject] = struct{}{}
	return func() {
		o.mu.Lock()
		delete(o.inFlight, subject)
		o.mu.Unlock()
	}, nil
}

// hexAddress is the lowercase 0x form used in offers.
func hexAddress(a common.Address) string {
	return "0x" + hex.EncodeToString(a.Bytes())
}

func resolve(issuerDID, subjectDID string) (issuer, subject *identity.Identity,
	contract common.Address, err error) {

	issuer, err = identity.Parse(issuerDID)
	if err != nil {
		return nil, nil, common.Address{}, err
	}
	subject, err = identity.Parse(subjectDID)
	if err != nil {
		return nil, nil, common.Address{}, err
	}
	contract, err = identity.DeriveContractAddress(issuer)
	if err != nil {
		return nil, nil, common.Address{}, err
	}
	return issuer, subject, contract, nil
}
