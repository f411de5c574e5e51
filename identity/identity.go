// Package identity resolves iden3 decentralized identifiers into the
// values the issuer contract works with: the contract address embedded in
// an issuer identifier and the numeric handle of a subject.
package identity

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	core "github.com/iden3/go-iden3-core/v2"
	"github.com/iden3/go-iden3-core/v2/w3c"
	"github.com/iden3/go-onchain-issuance/errs"
)

// Identity is a parsed DID together with its iden3 identifier.
type Identity struct {
	did *w3c.DID
	id  core.ID
}

// Parse parses a DID string. Format and checksum errors are reported as
// errs.CodeMalformedIdentifier.
func Parse(s string) (*Identity, error) {
	if s == "" {
		return nil, errs.New(errs.CodeMalformedIdentifier, "empty DID")
	}
	if strings.TrimSpace(s) != s {
		return nil, errs.New(errs.CodeMalformedIdentifier,
			fmt.Sprintf("DID '%s' has surrounding whitespace", s))
	}
	did, err := w3c.ParseDID(s)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeMalformedIdentifier,
			fmt.Sprintf("invalid DID '%s'", s))
	}
	id, err := core.IDFromDID(*did)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeMalformedIdentifier,
			fmt.Sprintf("failed to extract ID from DID '%s'", s))
	}
	return &Identity{did: did, id: id}, nil
}

// FromID builds the identity of an iden3 identifier.
func FromID(id core.ID) (*Identity, error) {
	did, err := core.ParseDIDFromID(id)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeMalformedIdentifier,
			"failed to convert ID to DID")
	}
	return &Identity{did: did, id: id}, nil
}

// DIDFromContractAddress builds the issuer identity whose genesis embeds
// the given contract address.
func DIDFromContractAddress(address common.Address, method core.DIDMethod,
	blockchain core.Blockchain, network core.NetworkID) (*Identity, error) {

	tp, err := core.BuildDIDType(method, blockchain, network)
	if err != nil {
		return nil, fmt.Errorf("failed to build DID type: %w", err)
	}
	var genesis [27]byte
	copy(genesis[27-common.AddressLength:], address.Bytes())
	return FromID(core.NewID(tp, genesis))
}

// DID returns the parsed DID.
func (i *Identity) DID() *w3c.DID {
	return i.did
}

// ID returns the iden3 identifier.
func (i *Identity) ID() core.ID {
	return i.id
}

func (i *Identity) String() string {
	return i.did.String()
}

// ChainID returns the chain id of the blockchain and network the DID
// belongs to.
func (i *Identity) ChainID() (core.ChainID, error) {
	chainID, err := core.ChainIDfromDID(*i.did)
	if err != nil {
		return 0, fmt.Errorf("network not found for DID '%s': %w", i, err)
	}
	return chainID, nil
}

// DeriveContractAddress extracts the Ethereum address embedded in the
// genesis of an issuer identity. Identities whose genesis does not start
// with seven zero bytes are not backed by a contract.
func DeriveContractAddress(i *Identity) (common.Address, error) {
	if i == nil {
		return common.Address{}, errs.New(errs.CodeNotAnEthereumBackedIdentity, "identity is empty")
	}
	addr, err := core.EthAddressFromID(i.id)
	if err != nil {
		return common.Address{}, errs.Wrap(err, errs.CodeNotAnEthereumBackedIdentity,
			fmt.Sprintf("DID '%s' does not embed an Ethereum address", i))
	}
	return common.BytesToAddress(addr[:]), nil
}

// ContractAddressHex returns the derived contract address as 0x-prefixed
// lowercase hex.
func (i *Identity) ContractAddressHex() (string, error) {
	addr, err := DeriveContractAddress(i)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(addr.Bytes()), nil
}

// SubjectHandle returns the numeric form of the identifier used as the
// userId argument of the issuer contract.
func SubjectHandle(i *Identity) *big.Int {
	return i.id.BigInt()
}
