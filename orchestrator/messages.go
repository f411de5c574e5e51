package orchestrator

import (
	"context"
	"errors"

	"github.com/iden3/go-onchain-issuance/errs"
)

var userMessages = map[errs.Code]string{
	errs.CodeMalformedIdentifier:         "The identifier is not a valid DID.",
	errs.CodeNotAnEthereumBackedIdentity: "The issuer DID is not backed by a smart contract.",
	errs.CodeUserRejected:                "Wallet access was declined.",
	errs.CodeNoAccountsAvailable:         "The wallet has no accounts. Create or unlock an account and try again.",
	errs.CodeUnsupportedIssuer:           "The issuer contract does not support onchain issuance.",
	errs.CodeTransactionRejectedByUser:   "The transaction was declined in the wallet.",
	errs.CodeTransactionReverted:         "The issuance transaction was reverted by the contract.",
	errs.CodeSessionCheckFailed:          "Could not check the authentication status. Try again.",
	errs.CodeSessionExpired:              "The authentication request expired. Scan a new QR code.",
	errs.CodeConversionFailed:            "The issuer service could not prepare the credential offer.",
	errs.CodeNetworkUnavailable:          "The network is unavailable. Check the connection and try again.",
	errs.CodeIssuanceInProgress:          "An issuance for this identity is already in progress.",
}

// UserMessage maps any error of the issuance flows to the single message
// shown to the user. A reverted transaction keeps the revert reason.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "Cancelled."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The operation timed out."
	}
	code := errs.CodeOf(err)
	msg, ok := userMessages[code]
	if !ok {
		return "Something went wrong: " + err.Error()
	}
	if code == errs.CodeTransactionReverted {
		var e *errs.Error
		if errors.As(err, &e) && e.Message != "" {
			return msg + " Reason: " + e.Message
		}
	}
	return msg
}
