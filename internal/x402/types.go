// Package x402 holds the wire types of the payment challenge/response
// protocol: requirement and payload envelopes, the base64 header codec,
// and the verification rejection taxonomy.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Protocol version carried in every envelope.
const Version = 2

// HTTP header names used by the challenge/response flow.
const (
	HeaderPaymentRequired  = "Payment-Required"
	HeaderPaymentSignature = "Payment-Signature"
	HeaderPaymentResponse  = "Payment-Response"
)

// PaymentRequirement is one acceptable way to pay: a network, a recipient
// and a minimum amount in the network's smallest unit. Immutable once built.
type PaymentRequirement struct {
	Scheme        string `json:"scheme"`
	Network       string `json:"network"`
	PayTo         string `json:"payTo"`
	AmountMinimal string `json:"amountMinimal"`
	Asset         string `json:"asset"`
}

// Required is the 402 challenge envelope sent in the Payment-Required header.
type Required struct {
	X402Version int                  `json:"x402Version"`
	Accepts     []PaymentRequirement `json:"accepts"`
	Description string               `json:"description,omitempty"`
}

// PaymentPayload is the buyer-signed payment evidence submitted in the
// Payment-Signature header. Account-based networks carry a hex-encoded signed
// transfer in RawTransaction; contract-address networks carry the full signed
// transaction envelope in Transaction.
type PaymentPayload struct {
	X402Version    int             `json:"x402Version"`
	Scheme         string          `json:"scheme"`
	Network        string          `json:"network"`
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	AmountMinimal  string          `json:"amountMinimal,omitempty"`
	RawTransaction string          `json:"rawTransaction,omitempty"`
	Transaction    json.RawMessage `json:"transaction,omitempty"`
}

// SettleResponse is returned in the Payment-Response header once a payment
// has been broadcast.
type SettleResponse struct {
	X402Version  int    `json:"x402Version"`
	Scheme       string `json:"scheme"`
	Network      string `json:"network"`
	SettlementID string `json:"settlementId"`
}

// VerifiedPayment is the evidence produced by a successful verification.
// It is never persisted directly.
type VerifiedPayment struct {
	Payer     string
	Recipient string
	Amount    string
	Network   string
	Scheme    string
}

// EncodeHeader serializes v as compact JSON and base64-encodes it for use as
// an HTTP header value. Struct field order makes the encoding deterministic.
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode header payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader decodes a base64 JSON header value into out.
func DecodeHeader(value string, out any) error {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("decode header base64: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode header json: %w", err)
	}
	return nil
}
