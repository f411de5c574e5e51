package offer

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/iden3/go-onchain-issuance/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	issuerDID  = "did:polygonid:polygon:mumbai:2qCU58EJgrELSJT6EzT27Rw9DhvwamAdbMLpePztYq"
	subjectDID = "did:polygonid:polygon:mumbai:2qFpPHotk6oyaX1fcrpQFT4BMnmg8YszUwxYtaoGoe"
	contract   = "85256776c5b1bd94c066076caaa3e94abb20ae56"
)

type mockConverter struct {
	mock.Mock
}

func (m *mockConverter) ConvertClaim(ctx context.Context, issuer, hexData, version string) (string, error) {
	args := m.Called(ctx, issuer, hexData, version)
	return args.String(0), args.Error(1)
}

func (m *mockConverter) Offer(ctx context.Context, issuer, subject, claimID string) (json.RawMessage, error) {
	args := m.Called(ctx, issuer, subject, claimID)
	raw, _ := args.Get(0).(json.RawMessage)
	return raw, args.Error(1)
}

func TestComposeOnchain(t *testing.T) {
	c := NewComposer()

	for _, addr := range []string{contract, "0x" + contract, "0X" + contract,
		"0x85256776C5B1Bd94C066076caAA3e94Abb20aE56", strings.ToUpper(contract)} {
		o, err := c.ComposeOnchain(issuerDID, subjectDID, big.NewInt(3), addr)
		require.NoError(t, err)
		assert.Equal(t, "0x"+contract, o.Body.TransactionData.ContractAddress, addr)
	}

	o, err := c.ComposeOnchain(issuerDID, subjectDID, big.NewInt(3), contract)
	require.NoError(t, err)
	raw, err := json.Marshal(o)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "application/iden3comm-plain-json", got["typ"])
	assert.Equal(t, "https://iden3-communication.io/credentials/1.0/onchain-offer", got["type"])
	assert.Equal(t, issuerDID, got["from"])
	assert.Equal(t, subjectDID, got["to"])
	assert.NotEmpty(t, got["id"])
	assert.NotEmpty(t, got["thid"])

	body := got["body"].(map[string]interface{})
	creds := body["credentials"].([]interface{})
	require.Len(t, creds, 1)
	assert.Equal(t, "3", creds[0].(map[string]interface{})["id"])
	assert.Equal(t, DefaultDescription, creds[0].(map[string]interface{})["description"])
	tx := body["transaction_data"].(map[string]interface{})
	assert.Equal(t, "0x37c1d9ff", tx["method_id"])
	assert.EqualValues(t, 80002, tx["chain_id"])
	assert.Equal(t, "polygon-amoy", tx["network"])
}

func TestComposeOnchain_FreshIDs(t *testing.T) {
	c := NewComposer()
	a, err := c.ComposeOnchain(issuerDID, subjectDID, big.NewInt(1), contract)
	require.NoError(t, err)
	b, err := c.ComposeOnchain(issuerDID, subjectDID, big.NewInt(1), contract)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ThreadID, b.ThreadID)
}

func TestComposeOnchain_Options(t *testing.T) {
	c := NewComposer(WithTransactionData("12345678", 137, "polygon-main"),
		WithDescription("Balance"))
	o, err := c.ComposeOnchain(issuerDID, subjectDID, big.NewInt(1), contract)
	require.NoError(t, err)
	assert.Equal(t, "0x12345678", o.Body.TransactionData.MethodID)
	assert.Equal(t, 137, o.Body.TransactionData.ChainID)
	assert.Equal(t, "polygon-main", o.Body.TransactionData.Network)
	assert.Equal(t, "Balance", o.Body.Credentials[0].Description)
}

func TestComposeOnchain_Invalid(t *testing.T) {
	c := NewComposer()
	_, err := c.ComposeOnchain(issuerDID, subjectDID, nil, contract)
	require.Error(t, err)
	_, err = c.ComposeOnchain(issuerDID, subjectDID, big.NewInt(1), "0x")
	require.Error(t, err)

	for _, addr := range []string{"ABCDEF", "0x" + contract + "00", contract[:38] + "zz"} {
		_, err = c.ComposeOnchain(issuerDID, subjectDID, big.NewInt(1), addr)
		require.Error(t, err, addr)
	}
}

func TestComposeDelegated(t *testing.T) {
	ctx := context.Background()
	serviceOffer := json.RawMessage(`{"id":"x","body":{"url":"http://issuer/api/v1/agent"}}`)

	t.Run("verbatim", func(t *testing.T) {
		conv := &mockConverter{}
		conv.On("ConvertClaim", ctx, issuerDID, "0xcafe", "0.0.1").Return("rec-1", nil)
		conv.On("Offer", ctx, issuerDID, subjectDID, "rec-1").Return(serviceOffer, nil)

		out, err := NewComposer(WithConverter(conv)).
			ComposeDelegated(ctx, issuerDID, subjectDID, []byte{0xca, 0xfe}, "0.0.1")
		require.NoError(t, err)
		assert.Equal(t, string(serviceOffer), string(out))
		conv.AssertExpectations(t)
	})

	t.Run("conversion failure", func(t *testing.T) {
		conv := &mockConverter{}
		conv.On("ConvertClaim", ctx, issuerDID, "0xcafe", "0.0.1").
			Return("", assert.AnError)

		_, err := NewComposer(WithConverter(conv)).
			ComposeDelegated(ctx, issuerDID, subjectDID, []byte{0xca, 0xfe}, "0.0.1")
		require.ErrorIs(t, err, errs.ErrConversionFailed)
		conv.AssertNotCalled(t, "Offer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("network failure keeps its code", func(t *testing.T) {
		conv := &mockConverter{}
		conv.On("ConvertClaim", ctx, issuerDID, "0xcafe", "0.0.1").Return("rec-1", nil)
		conv.On("Offer", ctx, issuerDID, subjectDID, "rec-1").
			Return(nil, errs.New(errs.CodeNetworkUnavailable, "down"))

		_, err := NewComposer(WithConverter(conv)).
			ComposeDelegated(ctx, issuerDID, subjectDID, []byte{0xca, 0xfe}, "0.0.1")
		require.ErrorIs(t, err, errs.ErrNetworkUnavailable)
	})

	t.Run("no converter", func(t *testing.T) {
		_, err := NewComposer().ComposeDelegated(ctx, issuerDID, subjectDID, []byte{1}, "0.0.1")
		require.ErrorIs(t, err, errs.ErrConversionFailed)
	})
}

func TestStrategies(t *testing.T) {
	req := Request{
		Issuer:          issuerDID,
		Subject:         subjectDID,
		CredentialID:    big.NewInt(3),
		ContractAddress: contract,
		RawCredential:   []byte{0xca, 0xfe},
		AdapterVersion:  "0.0.1",
	}

	onchain := OnchainStrategy{Composer: NewComposer()}
	assert.False(t, onchain.NeedsClaim())
	raw, err := onchain.Compose(context.Background(), req)
	require.NoError(t, err)
	var o OnchainOffer
	require.NoError(t, json.Unmarshal(raw, &o))
	assert.Equal(t, "3", o.Body.Credentials[0].ID)

	conv := &mockConverter{}
	conv.On("ConvertClaim", mock.Anything, issuerDID, "0xcafe", "0.0.1").Return("rec-1", nil)
	conv.On("Offer", mock.Anything, issuerDID, subjectDID, "rec-1").
		Return(json.RawMessage(`{"id":"svc"}`), nil)
	delegated := DelegatedStrategy{Composer: NewComposer(WithConverter(conv))}
	assert.True(t, delegated.NeedsClaim())
	raw, err = delegated.Compose(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"svc"}`, string(raw))
}

func TestPackAndDeepLink(t *testing.T) {
	o, err := NewComposer().ComposeOnchain(issuerDID, subjectDID, big.NewInt(3), contract)
	require.NoError(t, err)
	raw, err := json.Marshal(o)
	require.NoError(t, err)

	envelope, err := Pack(raw)
	require.NoError(t, err)
	var packed OnchainOffer
	require.NoError(t, json.Unmarshal(envelope, &packed))
	assert.Equal(t, o.ID, packed.ID)
	assert.EqualValues(t, "application/iden3comm-plain-json", packed.Typ)

	link := DeepLink(envelope)
	assert.Regexp(t, `^iden3comm://\?i_m=[A-Za-z0-9+/]+=*$`, link)
	decoded, err := ParseDeepLink(link)
	require.NoError(t, err)
	assert.Equal(t, envelope, decoded)

	_, err = ParseDeepLink("https://example.com")
	require.Error(t, err)
}

func TestRenderQR(t *testing.T) {
	var buf bytes.Buffer
	RenderQR(&buf, []byte(`{"id":"1"}`))
	assert.NotZero(t, buf.Len())
}
