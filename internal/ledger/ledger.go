// Package ledger owns the transaction lifecycle: it turns a payment payload
// and a requirement into exactly one persisted paid transaction.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/OrangeOmy/ContextSwap/internal/chain"
	"github.com/OrangeOmy/ContextSwap/internal/metrics"
	"github.com/OrangeOmy/ContextSwap/internal/store"
	"github.com/OrangeOmy/ContextSwap/internal/verification"
	"github.com/OrangeOmy/ContextSwap/internal/x402"
)

// Ledger settles payments idempotently against the persisted store.
type Ledger struct {
	store    *store.Store
	verifier *verification.Verifier
	adapters chain.Registry
	recorder metrics.Recorder
	log      *zap.Logger
}

func New(st *store.Store, v *verification.Verifier, adapters chain.Registry, rec metrics.Recorder, log *zap.Logger) *Ledger {
	return &Ledger{store: st, verifier: v, adapters: adapters, recorder: rec, log: log}
}

// SettleInput carries everything needed to persist a settled payment.
type SettleInput struct {
	Payload     *x402.PaymentPayload
	Requirement *x402.PaymentRequirement
	SellerID    string
	Metadata    map[string]any
}

// Settle verifies, broadcasts and persists a payment exactly once.
//
// The transaction id is a pure function of the payload content, so an
// existing row short-circuits before verification or broadcast runs again:
// those are not idempotent operations on their own. Rejections and broadcast
// failures persist nothing; the caller re-challenges the buyer, and a retry
// with the identical payload resolves to the same id.
func (l *Ledger) Settle(ctx context.Context, in *SettleInput) (*store.Transaction, error) {
	adapter, err := l.adapters.ForNetwork(in.Requirement.Network)
	if err != nil {
		return nil, err
	}

	transactionID, err := adapter.PaymentID(in.Payload)
	if err != nil {
		return nil, err
	}

	existing, err := l.store.GetTransaction(ctx, transactionID)
	if err == nil {
		l.log.Info("settlement short-circuit on existing transaction",
			zap.String("transaction_id", transactionID))
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	started := time.Now()
	verified, err := l.verifier.Verify(in.Payload, in.Requirement)
	if err != nil {
		if rej, ok := x402.AsRejection(err); ok {
			l.recorder.IncCounter("settlement_rejected",
				map[string]string{"network": in.Requirement.Network})
			l.log.Info("payment rejected",
				zap.String("code", rej.Code),
				zap.String("detail", rej.Detail),
				zap.String("network", in.Requirement.Network))
		}
		return nil, err
	}

	settlementID, err := adapter.Broadcast(ctx, in.Payload)
	if err != nil {
		counter := "settlement_failed"
		if chain.IsUnknownOutcome(err) {
			counter = "settlement_unknown"
		}
		l.recorder.IncCounter(counter, map[string]string{"network": in.Requirement.Network})
		return nil, err
	}
	l.recorder.ObserveLatency("settle", time.Since(started),
		map[string]string{"network": in.Requirement.Network})

	row, err := l.buildRow(transactionID, settlementID, verified, in)
	if err != nil {
		return nil, err
	}

	created, err := l.store.CreateTransaction(ctx, row)
	if errors.Is(err, store.ErrAlreadyExists) {
		// Lost the insert race to a concurrent settlement of the same
		// payload; the winner's row is authoritative.
		return l.store.GetTransaction(ctx, transactionID)
	}
	if err != nil {
		return nil, err
	}

	l.recorder.IncCounter("settlement_paid",
		map[string]string{"network": in.Requirement.Network})
	l.log.Info("payment settled",
		zap.String("transaction_id", transactionID),
		zap.String("settlement_id", settlementID),
		zap.String("payer", verified.Payer),
		zap.String("network", verified.Network))
	return created, nil
}

func (l *Ledger) buildRow(transactionID, settlementID string, verified *x402.VerifiedPayment, in *SettleInput) (*store.Transaction, error) {
	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payment payload: %w", err)
	}
	requirementJSON, err := json.Marshal(in.Requirement)
	if err != nil {
		return nil, fmt.Errorf("serialize requirement: %w", err)
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("serialize metadata: %w", err)
	}

	price, ok := new(big.Int).SetString(in.Requirement.AmountMinimal, 10)
	if !ok || !price.IsInt64() {
		return nil, fmt.Errorf("requirement amount %q is not a storable integer", in.Requirement.AmountMinimal)
	}

	return &store.Transaction{
		TransactionID:   transactionID,
		SellerID:        in.SellerID,
		BuyerAddress:    verified.Payer,
		Price:           price.Int64(),
		NetworkID:       verified.Network,
		Status:          store.TxStatusPaid,
		PayloadJSON:     string(payloadJSON),
		RequirementJSON: string(requirementJSON),
		SettlementID:    settlementID,
		MetadataJSON:    string(metadataJSON),
	}, nil
}
