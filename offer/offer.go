// Package offer builds the iden3comm credential offer a holder scans to
// fetch a credential issued on chain.
package offer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/iden3/go-onchain-issuance/errs"
	"github.com/iden3/go-onchain-issuance/logging"
	"github.com/iden3/iden3comm/v2"
	"github.com/iden3/iden3comm/v2/packers"
	"github.com/iden3/iden3comm/v2/protocol"
	"github.com/pkg/errors"
)

// OnchainOfferMessageType is the type of an offer whose credential is
// fetched from the issuer contract.
const OnchainOfferMessageType iden3comm.ProtocolMessage = iden3comm.Iden3Protocol + "credentials/1.0/onchain-offer"

const (
	DefaultMethodID    = "0x37c1d9ff"
	DefaultChainID     = 80002
	DefaultNetwork     = "polygon-amoy"
	DefaultDescription = "Non-zero balance credential"
)

var log = logging.Module("Offer")

// TransactionData tells the wallet app which contract call returns the
// credential.
type TransactionData struct {
	ContractAddress string `json:"contract_address"`
	MethodID        string `json:"method_id"`
	ChainID         int    `json:"chain_id"`
	Network         string `json:"network"`
}

type OnchainOfferBody struct {
	Credentials     []protocol.CredentialOffer `json:"credentials"`
	TransactionData TransactionData            `json:"transaction_data"`
}

// OnchainOffer is an iden3comm onchain-offer message.
type OnchainOffer struct {
	ID       string                    `json:"id"`
	Typ      iden3comm.MediaType       `json:"typ,omitempty"`
	Type     iden3comm.ProtocolMessage `json:"type"`
	ThreadID string                    `json:"thid,omitempty"`
	Body     OnchainOfferBody          `json:"body"`
	From     string                    `json:"from,omitempty"`
	To       string                    `json:"to,omitempty"`
}

// Request is what an offer is built from.
type Request struct {
	Issuer          string
	Subject         string
	CredentialID    *big.Int
	ContractAddress string
	// RawCredential and AdapterVersion are only used by the delegated
	// strategy.
	RawCredential  []byte
	AdapterVersion string
}

// Converter is the issuer service side of delegated offers.
// *issuerapi.Client implements it.
type Converter interface {
	ConvertClaim(ctx context.Context, issuer, hexData, version string) (string, error)
	Offer(ctx context.Context, issuer, subject, claimID string) (json.RawMessage, error)
}

type Composer struct {
	methodID    string
	chainID     int
	network     string
	description string
	converter   Converter
}

type Option func(*Composer)

// WithTransactionData sets the deployment the wallet app fetches the
// credential from.
func WithTransactionData(methodID string, chainID int, network string) Option {
	return func(c *Composer) {
		c.methodID = withHexPrefix(methodID)
		c.chainID = chainID
		c.network = network
	}
}

func WithDescription(d string) Option {
	return func(c *Composer) {
		c.description = d
	}
}

// WithConverter enables delegated offers.
func WithConverter(conv Converter) Option {
	return func(c *Composer) {
		c.converter = conv
	}
}

func NewComposer(opts ...Option) *Composer {
	c := &Composer{
		methodID:    DefaultMethodID,
		chainID:     DefaultChainID,
		network:     DefaultNetwork,
		description: DefaultDescription,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ComposeOnchain builds an onchain offer. The contract address may be
// passed with or without 0x prefix in any case; the offer always carries it
// as 0x-prefixed lowercase hex.
func (c *Composer) ComposeOnchain(issuer, subject string, credentialID *big.Int,
	contractAddress string) (*OnchainOffer, error) {

	if credentialID == nil {
		return nil, errors.New("credential id is required")
	}
	if hexWithoutPrefix(contractAddress) == "" {
		return nil, errors.New("contract address is required")
	}
	if !common.IsHexAddress(contractAddress) {
		return nil, errors.Errorf("invalid contract address '%s'", contractAddress)
	}
	return &OnchainOffer{
		ID:       uuid.New().String(),
		Typ:      packers.MediaTypePlainMessage,
		Type:     OnchainOfferMessageType,
		ThreadID: uuid.New().String(),
		Body: OnchainOfferBody{
			Credentials: []protocol.CredentialOffer{{
				ID:          credentialID.String(),
				Description: c.description,
			}},
			TransactionData: TransactionData{
				ContractAddress: withHexPrefix(strings.ToLower(contractAddress)),
				MethodID:        c.methodID,
				ChainID:         c.chainID,
				Network:         c.network,
			},
		},
		From: issuer,
		To:   subject,
	}, nil
}

// ComposeDelegated hands the raw claim to the issuer service for
// conversion and returns the offer the service rendered, verbatim.
func (c *Composer) ComposeDelegated(ctx context.Context, issuer, subject string,
	rawClaim []byte, version string) (json.RawMessage, error) {

	if c.converter == nil {
		return nil, errs.New(errs.CodeConversionFailed, "no issuer service configured")
	}
	if len(rawClaim) == 0 {
		return nil, errs.New(errs.CodeConversionFailed, "empty claim data")
	}
	recordID, err := c.converter.ConvertClaim(ctx, issuer, "0x"+hex.EncodeToString(rawClaim), version)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeConversionFailed, "failed to convert claim")
	}
	log.WithField("record", recordID).Debug("claim converted by issuer service")
	offer, err := c.converter.Offer(ctx, issuer, subject, recordID)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeConversionFailed, "failed to get offer")
	}
	return offer, nil
}

func hexWithoutPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}

func withHexPrefix(s string) string {
	return "0x" + hexWithoutPrefix(s)
}
