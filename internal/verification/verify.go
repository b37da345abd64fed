// Package verification maps a payment payload and a requirement to a
// verified payment or a rejection. Verification is pure: no side effects,
// safe to call repeatedly for retries.
package verification

import (
	"math/big"

	"github.com/OrangeOmy/ContextSwap/internal/chain"
	"github.com/OrangeOmy/ContextSwap/internal/x402"
)

// Verifier checks payment payloads against requirements using the adapter
// registry configured at startup.
type Verifier struct {
	adapters chain.Registry
}

func New(adapters chain.Registry) *Verifier {
	return &Verifier{adapters: adapters}
}

// Verify decodes the payload under the requirement's declared network and
// checks network, recipient and amount. The amount check is a floor, never
// an exact match.
func (v *Verifier) Verify(payload *x402.PaymentPayload, req *x402.PaymentRequirement) (*x402.VerifiedPayment, error) {
	adapter, err := v.adapters.ForNetwork(req.Network)
	if err != nil {
		return nil, err
	}

	transfer, err := adapter.Decode(payload)
	if err != nil {
		return nil, err
	}

	if transfer.NetworkID != req.Network {
		return nil, x402.Reject(x402.RejectWrongNetwork,
			"payload is for %s, requirement declares %s", transfer.NetworkID, req.Network)
	}

	if chain.CanonicalAddress(transfer.Recipient) != chain.CanonicalAddress(req.PayTo) {
		return nil, x402.Reject(x402.RejectRecipientMismatch,
			"payload pays %s, requirement expects %s", transfer.Recipient, req.PayTo)
	}

	minimum, ok := new(big.Int).SetString(req.AmountMinimal, 10)
	if !ok {
		return nil, x402.Reject(x402.RejectMalformedPayload,
			"requirement amount %q is not an integer", req.AmountMinimal)
	}
	if transfer.Amount == nil || transfer.Amount.Cmp(minimum) < 0 {
		return nil, x402.Reject(x402.RejectInsufficientAmount,
			"payload amount %s is below minimum %s", transfer.Amount, minimum)
	}

	scheme := payload.Scheme
	if scheme == "" {
		scheme = req.Scheme
	}
	return &x402.VerifiedPayment{
		Payer:     transfer.Payer,
		Recipient: transfer.Recipient,
		Amount:    transfer.Amount.String(),
		Network:   transfer.NetworkID,
		Scheme:    scheme,
	}, nil
}
