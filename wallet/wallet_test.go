package wallet

import (
	"context"
	"errors"
	"math"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-onchain-issuance/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testABI = `[
	{"type":"function","name":"store","stateMutability":"nonpayable","inputs":[{"name":"v","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"load","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

type rpcError struct {
	code int
	msg  string
	data interface{}
}

func (e rpcError) Error() string          { return e.msg }
func (e rpcError) ErrorCode() int         { return e.code }
func (e rpcError) ErrorData() interface{} { return e.data }

type fakeProvider struct {
	mu sync.Mutex

	accounts    []common.Address
	accountsErr error
	balance     *big.Int
	callResult  []byte
	callErr     error
	estimate    uint64
	estimateErr error
	sendErr     error
	sendBlock   chan struct{}
	entered     chan struct{}
	pendingFor  int
	status      uint64

	sent          []ethereum.CallMsg
	receiptChecks int
}

func (f *fakeProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	return f.accounts, f.accountsErr
}

func (f *fakeProvider) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(80002), nil
}

func (f *fakeProvider) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeProvider) CallContract(context.Context, ethereum.CallMsg) ([]byte, error) {
	return f.callResult, f.callErr
}

func (f *fakeProvider) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeProvider) SendTransaction(_ context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	if f.sendBlock != nil {
		f.entered <- struct{}{}
		<-f.sendBlock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	return common.HexToHash("0x01"), nil
}

func (f *fakeProvider) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptChecks++
	if f.receiptChecks <= f.pendingFor {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status}, nil
}

func parseTestABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(testABI))
	require.NoError(t, err)
	return parsed
}

func connected(t *testing.T, p *fakeProvider) *Session {
	t.Helper()
	s, err := New(p, WithReceiptPollInterval(time.Millisecond)).Connect(context.Background())
	require.NoError(t, err)
	return s
}

var account = common.HexToAddress("0x00000000000000000000000000000000000000aa")
var contract = common.HexToAddress("0x85256776C5B1Bd94C066076caAA3e94Abb20aE56")

func TestConnect(t *testing.T) {
	t.Run("returns first account and balance", func(t *testing.T) {
		p := &fakeProvider{
			accounts: []common.Address{account, common.HexToAddress("0x01")},
			balance:  big.NewInt(42),
		}
		s, err := New(p).Connect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, account, s.Account)
		assert.Equal(t, big.NewInt(42), s.NativeBalance)
	})

	t.Run("user rejection is distinguished", func(t *testing.T) {
		p := &fakeProvider{accountsErr: rpcError{code: 4001, msg: "User rejected the request."}}
		_, err := New(p).Connect(context.Background())
		require.ErrorIs(t, err, errs.ErrUserRejected)
		assert.NotErrorIs(t, err, errs.ErrNetworkUnavailable)
		assert.True(t, errs.IsVoluntary(err))
	})

	t.Run("other failures are network errors", func(t *testing.T) {
		p := &fakeProvider{accountsErr: errors.New("connection refused")}
		_, err := New(p).Connect(context.Background())
		require.ErrorIs(t, err, errs.ErrNetworkUnavailable)
		assert.False(t, errs.IsVoluntary(err))
	})

	t.Run("no accounts", func(t *testing.T) {
		_, err := New(&fakeProvider{}).Connect(context.Background())
		require.ErrorIs(t, err, errs.ErrNoAccountsAvailable)
	})
}

func TestSession_Call(t *testing.T) {
	parsed := parseTestABI(t)
	out, err := parsed.Methods["load"].Outputs.Pack(big.NewInt(7))
	require.NoError(t, err)

	s := connected(t, &fakeProvider{accounts: []common.Address{account}, callResult: out})
	values, err := s.Call(context.Background(), contract, parsed.Methods["load"])
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, big.NewInt(7), values[0])

	s.Close()
	s.Close()
	_, err = s.Call(context.Background(), contract, parsed.Methods["load"])
	require.ErrorIs(t, err, errSessionClosed)
}

func TestSession_Send(t *testing.T) {
	parsed := parseTestABI(t)
	store := parsed.Methods["store"]

	t.Run("pads estimated gas and waits for receipt", func(t *testing.T) {
		p := &fakeProvider{
			accounts:   []common.Address{account},
			estimate:   100_000,
			pendingFor: 2,
			status:     types.ReceiptStatusSuccessful,
		}
		s := connected(t, p)
		receipt, err := s.Send(context.Background(), contract, store, PaddedGas(15), big.NewInt(1))
		require.NoError(t, err)
		require.NotNil(t, receipt)
		require.Len(t, p.sent, 1)
		assert.Equal(t, uint64(115_000), p.sent[0].Gas)
		assert.Equal(t, account, p.sent[0].From)
		assert.Equal(t, contract, *p.sent[0].To)
		assert.Equal(t, store.ID, p.sent[0].Data[:4])
		assert.Equal(t, 3, p.receiptChecks)
	})

	t.Run("fixed gas skips estimation", func(t *testing.T) {
		p := &fakeProvider{
			accounts:    []common.Address{account},
			estimateErr: errors.New("must not estimate"),
			status:      types.ReceiptStatusSuccessful,
		}
		s := connected(t, p)
		_, err := s.Send(context.Background(), contract, store, FixedGas(21_000), big.NewInt(1))
		require.NoError(t, err)
		assert.Equal(t, uint64(21_000), p.sent[0].Gas)
	})

	t.Run("rejected by user", func(t *testing.T) {
		p := &fakeProvider{
			accounts: []common.Address{account},
			estimate: 1000,
			sendErr:  rpcError{code: 4001, msg: "User denied transaction signature."},
		}
		s := connected(t, p)
		_, err := s.Send(context.Background(), contract, store, PaddedGas(15), big.NewInt(1))
		require.ErrorIs(t, err, errs.ErrTransactionRejectedByUser)
		assert.True(t, errs.IsVoluntary(err))
	})

	t.Run("reverted receipt", func(t *testing.T) {
		p := &fakeProvider{
			accounts: []common.Address{account},
			estimate: 1000,
			status:   types.ReceiptStatusFailed,
		}
		s := connected(t, p)
		_, err := s.Send(context.Background(), contract, store, PaddedGas(15), big.NewInt(1))
		require.ErrorIs(t, err, errs.ErrTransactionReverted)
	})

	t.Run("revert reason from estimation", func(t *testing.T) {
		strType, err := abi.NewType("string", "", nil)
		require.NoError(t, err)
		packed, err := abi.Arguments{{Type: strType}}.Pack("already issued")
		require.NoError(t, err)
		data := append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)

		p := &fakeProvider{
			accounts: []common.Address{account},
			estimateErr: rpcError{
				code: 3,
				msg:  "execution reverted: already issued",
				data: hexutil.Encode(data),
			},
		}
		s := connected(t, p)
		_, err = s.Send(context.Background(), contract, store, PaddedGas(15), big.NewInt(1))
		require.ErrorIs(t, err, errs.ErrTransactionReverted)
		assert.Contains(t, err.Error(), "already issued")
		assert.Empty(t, p.sent)
	})

	t.Run("one send in flight per session", func(t *testing.T) {
		p := &fakeProvider{
			accounts:  []common.Address{account},
			estimate:  1000,
			status:    types.ReceiptStatusSuccessful,
			sendBlock: make(chan struct{}),
			entered:   make(chan struct{}, 1),
		}
		s := connected(t, p)

		done := make(chan error, 1)
		go func() {
			_, err := s.Send(context.Background(), contract, store, PaddedGas(15), big.NewInt(1))
			done <- err
		}()

		<-p.entered

		_, err := s.Send(context.Background(), contract, store, PaddedGas(15), big.NewInt(2))
		require.ErrorIs(t, err, errs.ErrIssuanceInProgress)

		close(p.sendBlock)
		require.NoError(t, <-done)
		assert.Len(t, p.sent, 1)
	})

	t.Run("cancel stops waiting for receipt", func(t *testing.T) {
		p := &fakeProvider{
			accounts:   []common.Address{account},
			estimate:   1000,
			pendingFor: 1 << 30,
		}
		s := connected(t, p)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := s.Send(ctx, contract, store, PaddedGas(15), big.NewInt(1))
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Len(t, p.sent, 1)
	})
}

func TestPadGas(t *testing.T) {
	for _, e := range []uint64{0, 1, 7, 99, 100, 101, 21_000, 123_457, 1 << 40} {
		padded := PadGas(e, 15)
		expected := new(big.Int).Div(
			new(big.Int).Mul(new(big.Int).SetUint64(e), big.NewInt(115)),
			big.NewInt(100))
		assert.Equal(t, expected.Uint64(), padded, "estimate %d", e)
		assert.GreaterOrEqual(t, padded, e)
	}
}

func TestPadGas_Saturates(t *testing.T) {
	tests := []struct {
		name      string
		estimated uint64
		percent   uint64
	}{
		{"max estimate", math.MaxUint64, 15},
		{"sum overflows", math.MaxUint64 - 10, 15},
		{"padding overflows", 1 << 40, math.MaxUint64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, uint64(math.MaxUint64), PadGas(tt.estimated, tt.percent))
		})
	}
}

func TestKeyedProvider_RequestAccounts(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	p := NewKeyedProvider(nil, key)
	accounts, err := p.RequestAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{crypto.PubkeyToAddress(key.PublicKey)}, accounts)

	_, err = p.SendTransaction(context.Background(), ethereum.CallMsg{From: account})
	require.Error(t, err)
}
