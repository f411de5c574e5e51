package onchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/iden3/go-onchain-issuance/errs"
	"github.com/iden3/go-onchain-issuance/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testContract = common.HexToAddress("0x85256776C5B1Bd94C066076caAA3e94Abb20aE56")

// fakeWallet answers contract calls from ABI-encoded return data, so
// decoding goes through the real ABI.
type fakeWallet struct {
	mu sync.Mutex

	supports     []byte
	supportsErr  error
	ids          [][]*big.Int
	credential   []byte
	version      string
	estimate     uint64
	estimateErr  error
	submitErr    error
	receiptErr   error
	calls        []string
	submitPolicy wallet.GasPolicy
	submitted    bool
}

func newFakeWallet(t testing.TB) *fakeWallet {
	t.Helper()
	supports, err := method(MethodSupportsInterface).Outputs.Pack(true)
	require.NoError(t, err)
	return &fakeWallet{
		supports:   supports,
		ids:        [][]*big.Int{{big.NewInt(1), big.NewInt(2), big.NewInt(3)}},
		credential: []byte{0xca, 0xfe},
		version:    "0.0.1",
		estimate:   100000,
	}
}

func (f *fakeWallet) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeWallet) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeWallet) CallRaw(_ context.Context, _ common.Address, m abi.Method,
	_ ...interface{}) ([]byte, error) {

	f.record(m.Name)
	switch m.Name {
	case MethodSupportsInterface:
		return f.supports, f.supportsErr
	case MethodGetUserCredentialIds:
		ids := f.ids[0]
		if len(f.ids) > 1 {
			f.ids = f.ids[1:]
		}
		return m.Outputs.Pack(ids)
	case MethodGetCredential:
		return f.credential, nil
	case MethodGetAdapterVersion:
		return m.Outputs.Pack(f.version)
	}
	return nil, errors.New("unexpected method " + m.Name)
}

func (f *fakeWallet) Call(ctx context.Context, contract common.Address, m abi.Method,
	args ...interface{}) ([]interface{}, error) {

	raw, err := f.CallRaw(ctx, contract, m, args...)
	if err != nil {
		return nil, err
	}
	return m.Outputs.Unpack(raw)
}

func (f *fakeWallet) EstimateGas(_ context.Context, _ common.Address, m abi.Method,
	_ ...interface{}) (uint64, error) {

	f.record("estimate:" + m.Name)
	return f.estimate, f.estimateErr
}

func (f *fakeWallet) Submit(_ context.Context, _ common.Address, m abi.Method,
	policy wallet.GasPolicy, _ ...interface{}) (common.Hash, error) {

	f.record("submit:" + m.Name)
	f.mu.Lock()
	f.submitPolicy = policy
	f.submitted = f.submitErr == nil
	f.mu.Unlock()
	return common.HexToHash("0x01"), f.submitErr
}

func (f *fakeWallet) WaitMined(context.Context, common.Hash) (*types.Receipt, error) {
	f.record("wait")
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func TestClient_SupportsIssuerInterface(t *testing.T) {
	ctx := context.Background()
	c := NewClient()

	t.Run("supported", func(t *testing.T) {
		ok, err := c.SupportsIssuerInterface(ctx, newFakeWallet(t), testContract)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("not supported", func(t *testing.T) {
		w := newFakeWallet(t)
		w.supports, _ = method(MethodSupportsInterface).Outputs.Pack(false)
		ok, err := c.SupportsIssuerInterface(ctx, w, testContract)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("probe failure is false", func(t *testing.T) {
		w := newFakeWallet(t)
		w.supportsErr = errs.New(errs.CodeTransactionReverted, "execution reverted")
		ok, err := c.SupportsIssuerInterface(ctx, w, testContract)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("cancelled", func(t *testing.T) {
		w := newFakeWallet(t)
		w.supportsErr = context.Canceled
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.SupportsIssuerInterface(cctx, w, testContract)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestClient_EstimateIssue(t *testing.T) {
	w := newFakeWallet(t)

	estimated, limit, err := NewClient().EstimateIssue(context.Background(), w,
		testContract, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(100000), estimated)
	assert.Equal(t, uint64(115000), limit)

	_, limit, err = NewClient(WithGasPadding(0)).EstimateIssue(context.Background(), w,
		testContract, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(100000), limit)
}

func TestClient_Issue(t *testing.T) {
	w := newFakeWallet(t)
	receipt, err := NewClient().Issue(context.Background(), w, testContract, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, wallet.FixedGas(115000), w.submitPolicy)
}

func TestClient_ListCredentialIDs(t *testing.T) {
	ids, err := NewClient().ListCredentialIDs(context.Background(), newFakeWallet(t),
		testContract, big.NewInt(7))
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, "3", ids[2].String())
}

func TestClient_FetchCredential(t *testing.T) {
	w := newFakeWallet(t)
	raw, err := NewClient().FetchCredential(context.Background(), w, testContract,
		big.NewInt(7), big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xca, 0xfe}, raw)

	w.credential = nil
	_, err = NewClient().FetchCredential(context.Background(), w, testContract,
		big.NewInt(7), big.NewInt(4))
	require.ErrorIs(t, err, errs.ErrTransactionReverted)
}

func TestClient_AdapterVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("cached", func(t *testing.T) {
		w := newFakeWallet(t)
		c := NewClient(WithVersionCache(8, time.Minute))
		for i := 0; i < 3; i++ {
			v, err := c.AdapterVersion(ctx, w, testContract)
			require.NoError(t, err)
			assert.Equal(t, "0.0.1", v)
		}
		assert.Equal(t, 1, w.called(MethodGetAdapterVersion))
	})

	t.Run("uncached", func(t *testing.T) {
		w := newFakeWallet(t)
		c := NewClient()
		for i := 0; i < 2; i++ {
			_, err := c.AdapterVersion(ctx, w, testContract)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, w.called(MethodGetAdapterVersion))
	})
}
