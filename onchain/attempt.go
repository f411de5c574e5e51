package onchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/iden3/go-onchain-issuance/errs"
	"github.com/pkg/errors"
)

// State is a step of an issuance attempt.
type State int

const (
	Idle State = iota
	InterfaceChecked
	GasEstimated
	Submitted
	Confirmed
	IdsRefreshed
	ClaimFetched
	VersionResolved
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case InterfaceChecked:
		return "InterfaceChecked"
	case GasEstimated:
		return "GasEstimated"
	case Submitted:
		return "Submitted"
	case Confirmed:
		return "Confirmed"
	case IdsRefreshed:
		return "IdsRefreshed"
	case ClaimFetched:
		return "ClaimFetched"
	case VersionResolved:
		return "VersionResolved"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Mode selects how far an attempt goes after the credential ids are
// refreshed.
type Mode int

const (
	// ModeOnchain stops after the id refresh: the offer points the holder
	// to the contract, no further chain reads are needed.
	ModeOnchain Mode = iota
	// ModeDelegated also fetches the raw claim and the adapter version for
	// the issuer service to convert.
	ModeDelegated
)

func (m Mode) String() string {
	switch m {
	case ModeOnchain:
		return "onchain"
	case ModeDelegated:
		return "delegated"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

var paths = map[Mode][]State{
	ModeOnchain: {Idle, InterfaceChecked, GasEstimated, Submitted, Confirmed,
		IdsRefreshed, Done},
	ModeDelegated: {Idle, InterfaceChecked, GasEstimated, Submitted, Confirmed,
		IdsRefreshed, ClaimFetched, VersionResolved, Done},
}

// Observer is notified of every transition of an attempt.
type Observer func(from, to State)

// Outcome is what a successful attempt produced.
type Outcome struct {
	Receipt        *types.Receipt
	GasEstimate    uint64
	GasLimit       uint64
	CredentialIDs  []*big.Int
	CredentialID   *big.Int
	RawCredential  []byte
	AdapterVersion string
}

// Attempt is a single issuance attempt. It runs once; a failed attempt is
// not resumable and a new one must be started, which re-reads the
// credential ids instead of trusting stale ones.
type Attempt struct {
	client   *Client
	wallet   Wallet
	contract common.Address
	subject  *big.Int
	mode     Mode

	state     State
	step      int
	err       error
	observers []Observer
}

type AttemptOption func(*Attempt)

// WithObserver registers an observer of state transitions.
func WithObserver(o Observer) AttemptOption {
	return func(a *Attempt) {
		a.observers = append(a.observers, o)
	}
}

// NewAttempt prepares an issuance attempt of a credential for subject on
// contract.
func (c *Client) NewAttempt(w Wallet, contract common.Address, subject *big.Int,
	mode Mode, opts ...AttemptOption) *Attempt {

	a := &Attempt{
		client:   c,
		wallet:   w,
		contract: contract,
		subject:  subject,
		mode:     mode,
		state:    Idle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current state.
func (a *Attempt) State() State {
	return a.state
}

// Err returns the failure reason once the attempt is Failed.
func (a *Attempt) Err() error {
	return a.err
}

// Run drives the attempt through its states in order.
func (a *Attempt) Run(ctx context.Context) (*Outcome, error) {
	if a.state != Idle {
		return nil, errors.Errorf("issuance attempt already ran (state %s)", a.state)
	}
	path, ok := paths[a.mode]
	if !ok {
		return nil, errors.Errorf("unknown issuance mode %s", a.mode)
	}

	out := &Outcome{}

	supported, err := a.client.SupportsIssuerInterface(ctx, a.wallet, a.contract)
	if err != nil {
		return nil, a.fail(err)
	}
	if !supported {
		return nil, a.fail(errs.New(errs.CodeUnsupportedIssuer,
			fmt.Sprintf("contract %s does not implement the onchain issuer interface",
				a.contract.Hex())))
	}
	a.advance(path)

	out.GasEstimate, out.GasLimit, err = a.client.EstimateIssue(ctx, a.wallet, a.contract, a.subject)
	if err != nil {
		return nil, a.fail(err)
	}
	a.advance(path)

	hash, err := a.client.SubmitIssue(ctx, a.wallet, a.contract, a.subject, out.GasLimit)
	if err != nil {
		return nil, a.fail(err)
	}
	a.advance(path)

	out.Receipt, err = a.wallet.WaitMined(ctx, hash)
	if err != nil {
		return nil, a.fail(err)
	}
	a.advance(path)

	out.CredentialIDs, err = a.client.ListCredentialIDs(ctx, a.wallet, a.contract, a.subject)
	if err != nil {
		return nil, a.fail(err)
	}
	if len(out.CredentialIDs) == 0 {
		return nil, a.fail(errors.New("contract reports no credentials after issuance"))
	}
	out.CredentialID = out.CredentialIDs[len(out.CredentialIDs)-1]
	a.advance(path)

	if a.mode == ModeDelegated {
		out.RawCredential, err = a.client.FetchCredential(ctx, a.wallet, a.contract,
			a.subject, out.CredentialID)
		if err != nil {
			return nil, a.fail(err)
		}
		a.advance(path)

		out.AdapterVersion, err = a.client.AdapterVersion(ctx, a.wallet, a.contract)
		if err != nil {
			return nil, a.fail(err)
		}
		a.advance(path)
	}

	a.advance(path)
	return out, nil
}

func (a *Attempt) advance(path []State) {
	a.step++
	if a.step >= len(path) {
		panic(fmt.Sprintf("issuance attempt advanced past %s", a.state))
	}
	a.transition(path[a.step])
}

func (a *Attempt) fail(err error) error {
	last := a.state
	a.err = errors.Wrapf(err, "issuance failed after %s", last)
	a.transition(Failed)
	log.WithError(err).WithField("contract", a.contract.Hex()).
		Warnf("issuance attempt failed after %s", last)
	return a.err
}

func (a *Attempt) transition(to State) {
	from := a.state
	a.state = to
	for _, o := range a.observers {
		o(from, to)
	}
}
