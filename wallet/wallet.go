// Package wallet adapts a wallet provider to the operations the issuance
// flow needs: connecting an account, reading contract state and sending
// contract transactions.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/iden3/go-onchain-issuance/errs"
	"github.com/iden3/go-onchain-issuance/logging"
)

// codeUserRejectedRequest is the EIP-1193 provider error code for a
// request the user declined.
const codeUserRejectedRequest = 4001

const defaultReceiptPollInterval = time.Second

var errNotMined = errors.New("transaction is not mined yet")

var errSessionClosed = errors.New("wallet session is closed")

var log = logging.Module("Wallet")

// Gateway connects wallet sessions. It keeps no account state itself.
type Gateway struct {
	provider            Provider
	receiptPollInterval time.Duration
}

type Option func(*Gateway)

// WithReceiptPollInterval sets how often a sent transaction is checked for
// inclusion.
func WithReceiptPollInterval(d time.Duration) Option {
	return func(g *Gateway) {
		g.receiptPollInterval = d
	}
}

func New(provider Provider, opts ...Option) *Gateway {
	g := &Gateway{
		provider:            provider,
		receiptPollInterval: defaultReceiptPollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Connect requests account access and returns a session bound to the first
// account. A declined request is reported as errs.CodeUserRejected.
func (g *Gateway) Connect(ctx context.Context) (*Session, error) {
	accounts, err := g.provider.RequestAccounts(ctx)
	if err != nil {
		if isUserRejection(err) {
			return nil, errs.Wrap(err, errs.CodeUserRejected, "user rejected account access")
		}
		return nil, networkError(ctx, err, "failed to request accounts")
	}
	if len(accounts) == 0 {
		return nil, errs.New(errs.CodeNoAccountsAvailable, "wallet returned no accounts")
	}

	account := accounts[0]
	balance, err := g.provider.BalanceAt(ctx, account)
	if err != nil {
		return nil, networkError(ctx, err, "failed to get account balance")
	}

	log.WithField("account", account.Hex()).Debug("wallet connected")
	return &Session{
		gateway:       g,
		Account:       account,
		NativeBalance: balance,
	}, nil
}

// Session is a connected wallet account. It is owned by the flow that
// connected it and must not be used after Close.
type Session struct {
	gateway *Gateway

	Account       common.Address
	NativeBalance *big.Int

	mu       sync.RWMutex
	closed   bool
	inFlight bool
}

// Close discards the session. Calling it more than once is harmless.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errSessionClosed
	}
	return nil
}

// ChainID returns the chain the wallet is connected to.
func (s *Session) ChainID(ctx context.Context) (*big.Int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	chainID, err := s.gateway.provider.ChainID(ctx)
	if err != nil {
		return nil, networkError(ctx, err, "failed to get chain id")
	}
	return chainID, nil
}

// CallRaw executes a read-only contract call and returns the raw return
// data.
func (s *Session) CallRaw(ctx context.Context, contract common.Address,
	method abi.Method, args ...interface{}) ([]byte, error) {

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	msg, err := s.callMsg(contract, method, args...)
	if err != nil {
		return nil, err
	}
	out, err := s.gateway.provider.CallContract(ctx, msg)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return nil, errs.Wrap(err, errs.CodeTransactionReverted,
				fmt.Sprintf("call %s reverted: %s", method.Name, reason))
		}
		return nil, networkError(ctx, err, fmt.Sprintf("call %s failed", method.Name))
	}
	return out, nil
}

// Call executes a read-only contract call and decodes its outputs.
func (s *Session) Call(ctx context.Context, contract common.Address,
	method abi.Method, args ...interface{}) ([]interface{}, error) {

	out, err := s.CallRaw(ctx, contract, method, args...)
	if err != nil {
		return nil, err
	}
	values, err := method.Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method.Name, err)
	}
	return values, nil
}

// EstimateGas estimates the gas a contract transaction needs.
func (s *Session) EstimateGas(ctx context.Context, contract common.Address,
	method abi.Method, args ...interface{}) (uint64, error) {

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	msg, err := s.callMsg(contract, method, args...)
	if err != nil {
		return 0, err
	}
	gas, err := s.gateway.provider.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return 0, errs.Wrap(err, errs.CodeTransactionReverted,
				fmt.Sprintf("%s would revert: %s", method.Name, reason))
		}
		return 0, networkError(ctx, err, fmt.Sprintf("failed to estimate gas for %s", method.Name))
	}
	return gas, nil
}

// Send submits a contract transaction and waits until it is mined. A
// transaction is submitted at most once: failures are returned, never
// retried.
func (s *Session) Send(ctx context.Context, contract common.Address,
	method abi.Method, policy GasPolicy, args ...interface{}) (*types.Receipt, error) {

	hash, err := s.Submit(ctx, contract, method, policy, args...)
	if err != nil {
		return nil, err
	}
	return s.WaitMined(ctx, hash)
}

// Submit sends a contract transaction without waiting for it. Only one
// transaction may be in flight per session: the next Submit is refused
// until WaitMined of the previous one returns.
func (s *Session) Submit(ctx context.Context, contract common.Address,
	method abi.Method, policy GasPolicy, args ...interface{}) (common.Hash, error) {

	if err := s.acquire(); err != nil {
		return common.Hash{}, err
	}
	hash, err := s.submit(ctx, contract, method, policy, args...)
	if err != nil {
		s.release()
		return common.Hash{}, err
	}
	return hash, nil
}

func (s *Session) submit(ctx context.Context, contract common.Address,
	method abi.Method, policy GasPolicy, args ...interface{}) (common.Hash, error) {

	gas, err := policy.limit(ctx, func(ctx context.Context) (uint64, error) {
		return s.EstimateGas(ctx, contract, method, args...)
	})
	if err != nil {
		return common.Hash{}, err
	}

	msg, err := s.callMsg(contract, method, args...)
	if err != nil {
		return common.Hash{}, err
	}
	msg.Gas = gas

	hash, err := s.gateway.provider.SendTransaction(ctx, msg)
	if err != nil {
		if isUserRejection(err) {
			return common.Hash{}, errs.Wrap(err, errs.CodeTransactionRejectedByUser,
				fmt.Sprintf("user rejected %s transaction", method.Name))
		}
		if reason, ok := revertReason(err); ok {
			return common.Hash{}, errs.Wrap(err, errs.CodeTransactionReverted,
				fmt.Sprintf("%s reverted: %s", method.Name, reason))
		}
		return common.Hash{}, networkError(ctx, err, fmt.Sprintf("failed to send %s transaction", method.Name))
	}
	log.WithField("tx", hash.Hex()).WithField("gas", gas).
		Infof("%s transaction submitted", method.Name)
	return hash, nil
}

// WaitMined waits for a submitted transaction. A mined transaction with a
// failed status is reported as errs.CodeTransactionReverted. Cancelling
// ctx only stops waiting.
func (s *Session) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	defer s.release()

	receipt, err := s.gateway.waitMined(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, errs.New(errs.CodeTransactionReverted,
			fmt.Sprintf("transaction %s reverted", hash.Hex()))
	}
	return receipt, nil
}

func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	if s.inFlight {
		return errs.New(errs.CodeIssuanceInProgress,
			"another transaction of this session is in flight")
	}
	s.inFlight = true
	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func (s *Session) callMsg(contract common.Address, method abi.Method,
	args ...interface{}) (ethereum.CallMsg, error) {

	input, err := method.Inputs.Pack(args...)
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("failed to pack %s arguments: %w", method.Name, err)
	}
	data := make([]byte, 0, len(method.ID)+len(input))
	data = append(data, method.ID...)
	data = append(data, input...)
	to := contract
	return ethereum.CallMsg{From: s.Account, To: &to, Data: data}, nil
}

// waitMined polls for the receipt of a submitted transaction. Cancelling
// ctx stops waiting; the transaction itself stays with the chain.
func (g *Gateway) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := retry.DoWithData(
		func() (*types.Receipt, error) {
			r, err := g.provider.TransactionReceipt(ctx, hash)
			if errors.Is(err, ethereum.NotFound) || (err == nil && r == nil) {
				return nil, errNotMined
			}
			return r, err
		},
		retry.Attempts(0),
		retry.Delay(g.receiptPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errNotMined)
		}),
	)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("stopped waiting for transaction %s: %w", hash.Hex(), ctx.Err())
	}
	if err != nil {
		return nil, networkError(ctx, err, fmt.Sprintf("failed to get receipt of %s", hash.Hex()))
	}
	return receipt, nil
}

type rpcCodeError interface {
	ErrorCode() int
}

type rpcDataError interface {
	ErrorData() interface{}
}

func isUserRejection(err error) bool {
	var e rpcCodeError
	return errors.As(err, &e) && e.ErrorCode() == codeUserRejectedRequest
}

// revertReason reports whether err is an execution revert and extracts
// the reason string when the node returned revert data.
func revertReason(err error) (string, bool) {
	var de rpcDataError
	if errors.As(err, &de) {
		if data, ok := de.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(data); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return err.Error(), true
	}
	return "", false
}

func networkError(ctx context.Context, err error, msg string) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return errs.Wrap(err, errs.CodeNetworkUnavailable, msg)
}
