package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/OrangeOmy/ContextSwap/internal/x402"
)

// EVMAdapter serves account-based networks. The payer is recovered from the
// transaction signature and the network id from its EIP-155 replay-protection
// encoding, so a valid payload unambiguously determines both or decoding fails.
type EVMAdapter struct {
	networkID string
	rpcURL    string
	timeout   time.Duration
	log       *zap.Logger

	dial func(url string) (*ethclient.Client, error)
}

// NewEVMAdapter builds an adapter bound to one EIP-155 chain id.
func NewEVMAdapter(chainID int64, rpcURL string, timeout time.Duration, log *zap.Logger) *EVMAdapter {
	return &EVMAdapter{
		networkID: fmt.Sprintf("eip155:%d", chainID),
		rpcURL:    rpcURL,
		timeout:   timeout,
		log:       log,
		dial:      ethclient.Dial,
	}
}

func (a *EVMAdapter) Network() string { return a.networkID }

func (a *EVMAdapter) Decode(payload *x402.PaymentPayload) (*Transfer, error) {
	tx, _, err := a.decodeTx(payload)
	if err != nil {
		return nil, err
	}

	if !tx.Protected() {
		return nil, x402.Reject(x402.RejectMalformedPayload, "transaction lacks replay protection")
	}
	to := tx.To()
	if to == nil {
		return nil, x402.Reject(x402.RejectMalformedPayload, "transaction has no recipient")
	}

	chainID := tx.ChainId()
	signer := ethtypes.LatestSignerForChainID(chainID)
	payer, err := ethtypes.Sender(signer, tx)
	if err != nil {
		return nil, x402.Reject(x402.RejectMalformedPayload, "signature recovery failed: %v", err)
	}

	return &Transfer{
		Payer:     payer.Hex(),
		Recipient: to.Hex(),
		Amount:    tx.Value(),
		NetworkID: fmt.Sprintf("eip155:%s", chainID.String()),
	}, nil
}

func (a *EVMAdapter) PaymentID(payload *x402.PaymentPayload) (string, error) {
	_, raw, err := a.decodeTx(payload)
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash(raw).Hex(), nil
}

// Broadcast is fire-and-forget to the node's propagation endpoint. The node's
// own rejection text is surfaced verbatim; a timeout is an unknown outcome.
func (a *EVMAdapter) Broadcast(ctx context.Context, payload *x402.PaymentPayload) (string, error) {
	tx, _, err := a.decodeTx(payload)
	if err != nil {
		return "", err
	}

	client, err := a.dial(a.rpcURL)
	if err != nil {
		return "", &BroadcastError{Network: a.networkID, Err: fmt.Errorf("dial rpc: %w", err)}
	}
	defer client.Close()

	sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := client.SendTransaction(sendCtx, tx); err != nil {
		unknown := sendCtx.Err() != nil
		a.log.Warn("broadcast failed",
			zap.String("network", a.networkID),
			zap.Bool("unknown_outcome", unknown),
			zap.Error(err))
		return "", &BroadcastError{Network: a.networkID, Unknown: unknown, Err: err}
	}

	settlementID := tx.Hash().Hex()
	a.log.Info("broadcast accepted",
		zap.String("network", a.networkID),
		zap.String("settlement_id", settlementID))
	return settlementID, nil
}

func (a *EVMAdapter) decodeTx(payload *x402.PaymentPayload) (*ethtypes.Transaction, []byte, error) {
	rawHex := strings.TrimPrefix(strings.TrimSpace(payload.RawTransaction), "0x")
	if rawHex == "" {
		return nil, nil, x402.Reject(x402.RejectMalformedPayload, "missing rawTransaction")
	}
	raw, err := hex.DecodeString(strings.ToLower(rawHex))
	if err != nil {
		return nil, nil, x402.Reject(x402.RejectMalformedPayload, "rawTransaction is not hex: %v", err)
	}

	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, nil, x402.Reject(x402.RejectMalformedPayload, "transaction decode failed: %v", err)
	}
	return tx, raw, nil
}

// CanonicalAddress normalizes a hex address to its checksummed form for
// comparison across differently-cased inputs.
func CanonicalAddress(addr string) string {
	return common.HexToAddress(addr).Hex()
}
