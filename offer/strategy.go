package offer

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Strategy turns an issued credential into the offer message handed to
// the holder. The strategy is chosen from the offer.mode setting rather than
// from the contract's adapter version: a version does not tell whether the
// issuer service can convert claims. DelegatedStrategy forwards the version
// to the service, which picks the claim layout from it.
type Strategy interface {
	Compose(ctx context.Context, req Request) (json.RawMessage, error)
	// NeedsClaim reports whether Compose reads RawCredential and
	// AdapterVersion.
	NeedsClaim() bool
}

// OnchainStrategy points the holder's wallet app to the contract.
type OnchainStrategy struct {
	Composer *Composer
}

func (s OnchainStrategy) Compose(_ context.Context, req Request) (json.RawMessage, error) {
	o, err := s.Composer.ComposeOnchain(req.Issuer, req.Subject, req.CredentialID,
		req.ContractAddress)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return Pack(b)
}

func (OnchainStrategy) NeedsClaim() bool { return false }

// DelegatedStrategy lets the issuer service convert the on-chain claim
// into a credential it delivers itself.
type DelegatedStrategy struct {
	Composer *Composer
}

func (s DelegatedStrategy) Compose(ctx context.Context, req Request) (json.RawMessage, error) {
	return s.Composer.ComposeDelegated(ctx, req.Issuer, req.Subject, req.RawCredential,
		req.AdapterVersion)
}

func (DelegatedStrategy) NeedsClaim() bool { return true }
