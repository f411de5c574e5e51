package wallet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

// Provider is the account and transaction surface of a wallet. Sending is
// the only state changing operation; the provider owns signing.
type Provider interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// RPCProvider talks to a wallet exposing the Ethereum JSON-RPC API with
// account management, such as an external signer. Keys never leave the
// wallet: accounts are requested and transactions are signed remotely.
type RPCProvider struct {
	client *rpc.Client
	eth    *ethclient.Client
}

// DialRPC connects to a wallet JSON-RPC endpoint.
func DialRPC(ctx context.Context, url string) (*RPCProvider, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial wallet at '%s'", url)
	}
	return NewRPCProvider(c), nil
}

func NewRPCProvider(c *rpc.Client) *RPCProvider {
	return &RPCProvider{client: c, eth: ethclient.NewClient(c)}
}

func (p *RPCProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (*big.Int, error) {
	return p.eth.ChainID(ctx)
}

func (p *RPCProvider) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return p.eth.BalanceAt(ctx, account, nil)
}

func (p *RPCProvider) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return p.eth.CallContract(ctx, msg, nil)
}

func (p *RPCProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return p.eth.EstimateGas(ctx, msg)
}

func (p *RPCProvider) SendTransaction(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	arg := map[string]interface{}{
		"from": msg.From,
		"to":   msg.To,
		"data": hexutil.Bytes(msg.Data),
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	var hash common.Hash
	if err := p.client.CallContext(ctx, &hash, "eth_sendTransaction", arg); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (p *RPCProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return p.eth.TransactionReceipt(ctx, hash)
}

func (p *RPCProvider) Close() {
	p.client.Close()
}

// Backend is the node API a KeyedProvider needs. *ethclient.Client
// implements it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// KeyedProvider signs transactions locally with a single private key and
// submits them through a node.
type KeyedProvider struct {
	backend Backend
	key     *ecdsa.PrivateKey
	address common.Address
}

// DialKeyed connects to a node and loads the hex encoded private key.
func DialKeyed(ctx context.Context, url, hexKey string) (*KeyedProvider, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid wallet private key")
	}
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial node at '%s'", url)
	}
	return NewKeyedProvider(c, key), nil
}

func NewKeyedProvider(backend Backend, key *ecdsa.PrivateKey) *KeyedProvider {
	return &KeyedProvider{
		backend: backend,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Close closes the backend when it holds a connection.
func (p *KeyedProvider) Close() {
	if c, ok := p.backend.(interface{ Close() }); ok {
		c.Close()
	}
}

func (p *KeyedProvider) RequestAccounts(_ context.Context) ([]common.Address, error) {
	return []common.Address{p.address}, nil
}

func (p *KeyedProvider) ChainID(ctx context.Context) (*big.Int, error) {
	return p.backend.ChainID(ctx)
}

func (p *KeyedProvider) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return p.backend.BalanceAt(ctx, account, nil)
}

func (p *KeyedProvider) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return p.backend.CallContract(ctx, msg, nil)
}

func (p *KeyedProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return p.backend.EstimateGas(ctx, msg)
}

func (p *KeyedProvider) SendTransaction(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	if msg.From != p.address {
		return common.Hash{}, errors.Errorf("account %s is not managed by this wallet", msg.From.Hex())
	}
	tx, err := p.buildTransaction(ctx, msg)
	if err != nil {
		return common.Hash{}, err
	}
	chainID, err := p.backend.ChainID(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to get chain id")
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), p.key)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to sign transaction")
	}
	if err := p.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

func (p *KeyedProvider) buildTransaction(ctx context.Context, msg ethereum.CallMsg) (*types.Transaction, error) {
	nonce, err := p.backend.PendingNonceAt(ctx, p.address)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get nonce")
	}
	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}

	head, err := p.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest header")
	}
	if head.BaseFee == nil {
		gasPrice, err := p.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to suggest gas price")
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      msg.Gas,
			To:       msg.To,
			Value:    value,
			Data:     msg.Data,
		}), nil
	}

	chainID, err := p.backend.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get chain id")
	}
	tip, err := p.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to suggest gas tip cap")
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       msg.Gas,
		To:        msg.To,
		Value:     value,
		Data:      msg.Data,
	}), nil
}

func (p *KeyedProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return p.backend.TransactionReceipt(ctx, hash)
}
