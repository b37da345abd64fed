package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/OrangeOmy/ContextSwap/internal/x402"
)

// TronAdapter serves the contract-address network family. The transfer is
// read from the signed transaction envelope itself
// (raw_data.contract[0].parameter.value); there is no signature recovery of
// the payer from the transfer envelope. Every structural level is checked and
// absence fails decoding rather than defaulting.
type TronAdapter struct {
	networkID string
	rpcURL    string
	apiKey    string
	client    *http.Client
	log       *zap.Logger
}

// NewTronAdapter builds an adapter for one Tron network. chainID is the
// EIP-155-style identifier the network reports over JSON-RPC.
func NewTronAdapter(chainID int64, rpcURL, apiKey string, timeout time.Duration, log *zap.Logger) *TronAdapter {
	return &TronAdapter{
		networkID: fmt.Sprintf("eip155:%d", chainID),
		rpcURL:    strings.TrimRight(rpcURL, "/"),
		apiKey:    apiKey,
		client:    &http.Client{Timeout: timeout},
		log:       log,
	}
}

func (a *TronAdapter) Network() string { return a.networkID }

type tronEnvelope struct {
	TxID    string `json:"txID"`
	RawData *struct {
		Contract []struct {
			Parameter *struct {
				Value *struct {
					OwnerAddress string `json:"owner_address"`
					ToAddress    string `json:"to_address"`
					Amount       int64  `json:"amount"`
				} `json:"value"`
			} `json:"parameter"`
		} `json:"contract"`
	} `json:"raw_data"`
	Signature []string `json:"signature"`
}

func (a *TronAdapter) Decode(payload *x402.PaymentPayload) (*Transfer, error) {
	env, err := parseTronEnvelope(payload)
	if err != nil {
		return nil, err
	}

	value := env.RawData.Contract[0].Parameter.Value
	owner, err := tronHexToEVM(value.OwnerAddress)
	if err != nil {
		return nil, x402.Reject(x402.RejectMalformedPayload, "owner_address: %v", err)
	}
	to, err := tronHexToEVM(value.ToAddress)
	if err != nil {
		return nil, x402.Reject(x402.RejectMalformedPayload, "to_address: %v", err)
	}

	return &Transfer{
		Payer:     CanonicalAddress(owner),
		Recipient: CanonicalAddress(to),
		Amount:    big.NewInt(value.Amount),
		NetworkID: a.networkID,
	}, nil
}

// PaymentID is the chain-provided transaction identifier embedded in the
// signed envelope.
func (a *TronAdapter) PaymentID(payload *x402.PaymentPayload) (string, error) {
	env, err := parseTronEnvelope(payload)
	if err != nil {
		return "", err
	}
	return env.TxID, nil
}

func (a *TronAdapter) Broadcast(ctx context.Context, payload *x402.PaymentPayload) (string, error) {
	env, err := parseTronEnvelope(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.rpcURL+"/wallet/broadcasttransaction", bytes.NewReader(payload.Transaction))
	if err != nil {
		return "", &BroadcastError{Network: a.networkID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// Transport failures and timeouts leave the outcome ambiguous: the
		// node may have received and propagated the transaction.
		a.log.Warn("broadcast transport failure",
			zap.String("network", a.networkID), zap.Error(err))
		return "", &BroadcastError{Network: a.networkID, Unknown: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &BroadcastError{Network: a.networkID, Unknown: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &BroadcastError{Network: a.networkID,
			Err: fmt.Errorf("node returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var result struct {
		Result bool   `json:"result"`
		TxID   string `json:"txid"`
		Code   string `json:"code"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &BroadcastError{Network: a.networkID, Unknown: true,
			Err: fmt.Errorf("unparseable node response: %s", strings.TrimSpace(string(body)))}
	}
	if !result.Result {
		// Surface the node's rejection text verbatim.
		return "", &BroadcastError{Network: a.networkID,
			Err: fmt.Errorf("node rejected broadcast: %s", strings.TrimSpace(string(body)))}
	}

	settlementID := result.TxID
	if settlementID == "" {
		settlementID = env.TxID
	}
	a.log.Info("broadcast accepted",
		zap.String("network", a.networkID),
		zap.String("settlement_id", settlementID))
	return settlementID, nil
}

func parseTronEnvelope(payload *x402.PaymentPayload) (*tronEnvelope, error) {
	if len(payload.Transaction) == 0 {
		return nil, x402.Reject(x402.RejectMalformedPayload, "missing transaction envelope")
	}
	var env tronEnvelope
	if err := json.Unmarshal(payload.Transaction, &env); err != nil {
		return nil, x402.Reject(x402.RejectMalformedPayload, "transaction envelope decode failed: %v", err)
	}
	if env.TxID == "" {
		return nil, x402.Reject(x402.RejectMalformedPayload, "missing txID")
	}
	if env.RawData == nil {
		return nil, x402.Reject(x402.RejectMalformedPayload, "missing raw_data")
	}
	if len(env.RawData.Contract) == 0 {
		return nil, x402.Reject(x402.RejectMalformedPayload, "missing contract")
	}
	param := env.RawData.Contract[0].Parameter
	if param == nil || param.Value == nil {
		return nil, x402.Reject(x402.RejectMalformedPayload, "missing contract parameter value")
	}
	value := param.Value
	if value.OwnerAddress == "" || value.ToAddress == "" {
		return nil, x402.Reject(x402.RejectMalformedPayload, "missing owner/to address")
	}
	if value.Amount <= 0 {
		return nil, x402.Reject(x402.RejectMalformedPayload, "missing transfer amount")
	}
	return &env, nil
}

// tronHexToEVM converts a 41-prefixed Tron hex address to 0x form.
func tronHexToEVM(addr string) (string, error) {
	a := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(addr), "0x"))
	switch {
	case strings.HasPrefix(a, "41") && len(a) == 42:
		return "0x" + a[2:], nil
	case len(a) == 40:
		return "0x" + a, nil
	default:
		return "", errors.New("unsupported tron hex address format")
	}
}
