// Package chain provides per-network payment capabilities: decoding a signed
// payment payload into a normalized transfer, deriving its deterministic
// payment identifier, and broadcasting it to the network.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/OrangeOmy/ContextSwap/internal/x402"
)

// Transfer is the normalized result of decoding a payment payload. The payer
// is derived from the payload itself (signature recovery or the signed
// envelope), never trusted from caller-supplied fields.
type Transfer struct {
	Payer     string
	Recipient string
	Amount    *big.Int
	NetworkID string
}

// Adapter is the capability contract for one network family. An adapter is
// selected once at startup and held as a typed value; there is no per-call
// string dispatch.
type Adapter interface {
	// Network returns the network identifier this adapter serves,
	// e.g. "eip155:71".
	Network() string

	// Decode extracts the transfer from a signed payment payload.
	// Structural or cryptographic problems fail with a malformed_payload
	// rejection rather than defaulting any field.
	Decode(payload *x402.PaymentPayload) (*Transfer, error)

	// PaymentID derives the deterministic payment identifier for the payload:
	// a content hash for account-based networks, the chain-provided
	// transaction id for contract-address networks.
	PaymentID(payload *x402.PaymentPayload) (string, error)

	// Broadcast submits the signed payload to the network's propagation
	// endpoint and returns the settlement identifier. It does not retry;
	// retry policy belongs to the caller.
	Broadcast(ctx context.Context, payload *x402.PaymentPayload) (string, error)
}

// Registry maps network identifiers to their configured adapters.
type Registry map[string]Adapter

// ForNetwork returns the adapter serving the given network identifier.
func (r Registry) ForNetwork(network string) (Adapter, error) {
	a, ok := r[network]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for network %q", network)
	}
	return a, nil
}

// BroadcastError wraps a failed broadcast. Unknown marks outcomes where the
// network may still have accepted the transfer (timeouts, transport errors
// after send); callers must treat those as retryable, not as failures.
type BroadcastError struct {
	Network string
	Unknown bool
	Err     error
}

func (e *BroadcastError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("broadcast outcome unknown on %s: %v", e.Network, e.Err)
	}
	return fmt.Sprintf("broadcast rejected on %s: %v", e.Network, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// IsUnknownOutcome reports whether err is a broadcast whose outcome is
// ambiguous and therefore safe to retry with the identical payload.
func IsUnknownOutcome(err error) bool {
	var be *BroadcastError
	return errors.As(err, &be) && be.Unknown
}
