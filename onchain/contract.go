package onchain

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	MethodSupportsInterface    = "supportsInterface"
	MethodIssueCredential      = "issueCredential"
	MethodGetUserCredentialIds = "getUserCredentialIds"
	MethodGetCredential        = "getCredential"
	MethodGetAdapterVersion    = "getCredentialAdapterVersion"
)

// IssuerInterfaceID is the ERC-165 interface id of the onchain
// non-merklized issuer.
var IssuerInterfaceID = [4]byte{0x58, 0x87, 0x49, 0x49}

//go:embed abi.json
var issuerABIJSON []byte

var issuerABI = mustParseABI(issuerABIJSON)

func mustParseABI(b []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(b))
	if err != nil {
		panic(fmt.Sprintf("invalid issuer ABI: %v", err))
	}
	return parsed
}

// IssuerABI returns the ABI of the issuer contract.
func IssuerABI() abi.ABI {
	return issuerABI
}

func method(name string) abi.Method {
	m, ok := issuerABI.Methods[name]
	if !ok {
		panic(fmt.Sprintf("method %s is missing from issuer ABI", name))
	}
	return m
}
