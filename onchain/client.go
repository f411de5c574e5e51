// Package onchain talks to the onchain issuer contract: it checks that a
// contract is an issuer, issues a credential for a subject and reads the
// issued credentials back.
package onchain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/bluele/gcache"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/iden3/go-onchain-issuance/errs"
	"github.com/iden3/go-onchain-issuance/logging"
	"github.com/iden3/go-onchain-issuance/wallet"
)

// DefaultGasPaddingPercent is added on top of the estimated issuance gas to
// absorb state changes between estimation and inclusion.
const DefaultGasPaddingPercent = 15

var log = logging.Module("Onchain")

// Wallet is the part of a wallet session the client uses.
// *wallet.Session implements it.
type Wallet interface {
	Call(ctx context.Context, contract common.Address, method abi.Method, args ...interface{}) ([]interface{}, error)
	CallRaw(ctx context.Context, contract common.Address, method abi.Method, args ...interface{}) ([]byte, error)
	EstimateGas(ctx context.Context, contract common.Address, method abi.Method, args ...interface{}) (uint64, error)
	Submit(ctx context.Context, contract common.Address, method abi.Method, policy wallet.GasPolicy, args ...interface{}) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type Client struct {
	gasPaddingPercent uint64
	versions          gcache.Cache
}

type Option func(*Client)

// WithGasPadding sets the percentage added to the estimated issuance gas.
func WithGasPadding(percent uint64) Option {
	return func(c *Client) {
		c.gasPaddingPercent = percent
	}
}

// WithVersionCache memoizes adapter versions per contract.
func WithVersionCache(size int, ttl time.Duration) Option {
	return func(c *Client) {
		c.versions = gcache.New(size).LRU().Expiration(ttl).Build()
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{gasPaddingPercent: DefaultGasPaddingPercent}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SupportsIssuerInterface probes the contract for the issuer interface. A
// failing probe means the contract does not implement supportsInterface,
// which answers the question as well, so it is reported as false.
func (c *Client) SupportsIssuerInterface(ctx context.Context, w Wallet,
	contract common.Address) (bool, error) {

	values, err := w.Call(ctx, contract, method(MethodSupportsInterface), IssuerInterfaceID)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.WithError(err).WithField("contract", contract.Hex()).
			Debug("supportsInterface probe failed")
		return false, nil
	}
	supported, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected supportsInterface result type %T", values[0])
	}
	return supported, nil
}

// EstimateIssue estimates the gas of the issuance transaction and returns
// the padded gas limit.
func (c *Client) EstimateIssue(ctx context.Context, w Wallet,
	contract common.Address, subject *big.Int) (estimated, limit uint64, err error) {

	estimated, err = w.EstimateGas(ctx, contract, method(MethodIssueCredential), subject)
	if err != nil {
		return 0, 0, err
	}
	return estimated, wallet.PadGas(estimated, c.gasPaddingPercent), nil
}

// SubmitIssue sends the issuance transaction with the given gas limit.
func (c *Client) SubmitIssue(ctx context.Context, w Wallet, contract common.Address,
	subject *big.Int, gasLimit uint64) (common.Hash, error) {

	return w.Submit(ctx, contract, method(MethodIssueCredential),
		wallet.FixedGas(gasLimit), subject)
}

// Issue issues a credential for subject and waits for the transaction.
func (c *Client) Issue(ctx context.Context, w Wallet, contract common.Address,
	subject *big.Int) (*types.Receipt, error) {

	_, limit, err := c.EstimateIssue(ctx, w, contract, subject)
	if err != nil {
		return nil, err
	}
	hash, err := c.SubmitIssue(ctx, w, contract, subject, limit)
	if err != nil {
		return nil, err
	}
	return w.WaitMined(ctx, hash)
}

// ListCredentialIDs returns the credential ids of subject in issuance
// order: the last id is the most recent one.
func (c *Client) ListCredentialIDs(ctx context.Context, w Wallet,
	contract common.Address, subject *big.Int) ([]*big.Int, error) {

	values, err := w.Call(ctx, contract, method(MethodGetUserCredentialIds), subject)
	if err != nil {
		return nil, err
	}
	ids, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getUserCredentialIds result type %T", values[0])
	}
	return ids, nil
}

// FetchCredential returns the raw return data of getCredential. The data
// is opaque here; the issuer service decodes it.
func (c *Client) FetchCredential(ctx context.Context, w Wallet,
	contract common.Address, subject, credentialID *big.Int) ([]byte, error) {

	raw, err := w.CallRaw(ctx, contract, method(MethodGetCredential), subject, credentialID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errs.New(errs.CodeTransactionReverted,
			fmt.Sprintf("credential %s not found", credentialID))
	}
	return raw, nil
}

// AdapterVersion returns the credential adapter version of the contract.
func (c *Client) AdapterVersion(ctx context.Context, w Wallet,
	contract common.Address) (string, error) {

	if c.versions != nil {
		if v, err := c.versions.Get(contract); err == nil {
			return v.(string), nil
		}
	}
	values, err := w.Call(ctx, contract, method(MethodGetAdapterVersion))
	if err != nil {
		return "", err
	}
	version, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected getCredentialAdapterVersion result type %T", values[0])
	}
	if c.versions != nil {
		if err := c.versions.Set(contract, version); err != nil {
			log.WithError(err).Warn("failed to cache adapter version")
		}
	}
	return version, nil
}
