package verification

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OrangeOmy/ContextSwap/internal/chain"
	"github.com/OrangeOmy/ContextSwap/internal/x402"
)

const (
	payerAddr     = "0x1111111111111111111111111111111111111111"
	recipientAddr = "0x2222222222222222222222222222222222222222"
)

// stubAdapter returns a fixed transfer so the requirement checks can be
// exercised without real signature material.
type stubAdapter struct {
	network  string
	transfer *chain.Transfer
	err      error
}

func (s *stubAdapter) Network() string { return s.network }

func (s *stubAdapter) Decode(*x402.PaymentPayload) (*chain.Transfer, error) {
	return s.transfer, s.err
}

func (s *stubAdapter) PaymentID(*x402.PaymentPayload) (string, error) { return "0xstub", nil }

func (s *stubAdapter) Broadcast(context.Context, *x402.PaymentPayload) (string, error) {
	return "0xstub", nil
}

func newVerifier(transfer *chain.Transfer, decodeErr error) *Verifier {
	return New(chain.Registry{
		"eip155:71": &stubAdapter{network: "eip155:71", transfer: transfer, err: decodeErr},
	})
}

func requirement(amount string) *x402.PaymentRequirement {
	return &x402.PaymentRequirement{
		Scheme:        "exact",
		Network:       "eip155:71",
		PayTo:         recipientAddr,
		AmountMinimal: amount,
		Asset:         "CFX",
	}
}

func transfer(amount int64) *chain.Transfer {
	return &chain.Transfer{
		Payer:     payerAddr,
		Recipient: recipientAddr,
		Amount:    big.NewInt(amount),
		NetworkID: "eip155:71",
	}
}

func TestVerifyAcceptsExactAmount(t *testing.T) {
	verified, err := newVerifier(transfer(100), nil).Verify(&x402.PaymentPayload{}, requirement("100"))
	require.NoError(t, err)

	assert.Equal(t, payerAddr, verified.Payer)
	assert.Equal(t, recipientAddr, verified.Recipient)
	assert.Equal(t, "100", verified.Amount)
	assert.Equal(t, "eip155:71", verified.Network)
}

func TestVerifyAmountIsAFloor(t *testing.T) {
	// Overpaying is accepted.
	_, err := newVerifier(transfer(101), nil).Verify(&x402.PaymentPayload{}, requirement("100"))
	assert.NoError(t, err)

	// One unit short is rejected.
	_, err = newVerifier(transfer(99), nil).Verify(&x402.PaymentPayload{}, requirement("100"))
	rej, ok := x402.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, x402.RejectInsufficientAmount, rej.Code)
}

func TestVerifyRejectsWrongNetwork(t *testing.T) {
	tr := transfer(100)
	tr.NetworkID = "eip155:1"

	_, err := newVerifier(tr, nil).Verify(&x402.PaymentPayload{}, requirement("100"))
	rej, ok := x402.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, x402.RejectWrongNetwork, rej.Code)
}

func TestVerifyRejectsRecipientMismatch(t *testing.T) {
	tr := transfer(100)
	tr.Recipient = "0x3333333333333333333333333333333333333333"

	_, err := newVerifier(tr, nil).Verify(&x402.PaymentPayload{}, requirement("100"))
	rej, ok := x402.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, x402.RejectRecipientMismatch, rej.Code)
}

func TestVerifyRecipientComparisonIsCaseInsensitive(t *testing.T) {
	tr := transfer(100)
	tr.Recipient = "0xAb5801a7D398351b8bE11C439e05C5b3259aec9B"
	req := requirement("100")
	req.PayTo = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"

	_, err := newVerifier(tr, nil).Verify(&x402.PaymentPayload{}, req)
	assert.NoError(t, err)
}

func TestVerifyPropagatesDecodeRejection(t *testing.T) {
	decodeErr := x402.Reject(x402.RejectMalformedPayload, "bad envelope")

	_, err := newVerifier(nil, decodeErr).Verify(&x402.PaymentPayload{}, requirement("100"))
	rej, ok := x402.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, x402.RejectMalformedPayload, rej.Code)
}

func TestVerifyFailsOnUnknownNetwork(t *testing.T) {
	req := requirement("100")
	req.Network = "eip155:999"

	_, err := newVerifier(transfer(100), nil).Verify(&x402.PaymentPayload{}, req)
	require.Error(t, err)
	_, ok := x402.AsRejection(err)
	assert.False(t, ok)
}
