package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Transaction statuses. Sessions end; transactions do not: there is no
// terminal transaction status beyond session_created.
const (
	TxStatusPaid           = "paid"
	TxStatusSessionCreated = "session_created"
)

// Transaction is the persisted record of one settled payment, keyed by its
// deterministic payment identifier.
type Transaction struct {
	TransactionID   string    `json:"transaction_id"`
	SellerID        string    `json:"seller_id"`
	BuyerAddress    string    `json:"buyer_address"`
	Price           int64     `json:"price"`
	NetworkID       string    `json:"network_id"`
	Status          string    `json:"status"`
	PayloadJSON     string    `json:"-"`
	RequirementJSON string    `json:"-"`
	SettlementID    string    `json:"settlement_id,omitempty"`
	SpaceID         string    `json:"space_id,omitempty"`
	ThreadID        string    `json:"thread_id,omitempty"`
	MetadataJSON    string    `json:"metadata,omitempty"`
	ErrorReason     string    `json:"error_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

const txColumns = `transaction_id, seller_id, buyer_address, price, network_id, status,
	payload_json, requirement_json, settlement_id, space_id, thread_id,
	metadata_json, error_reason, created_at, updated_at`

func scanTransaction(row interface{ Scan(...any) error }) (*Transaction, error) {
	var tx Transaction
	var settlementID, spaceID, threadID, errorReason sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&tx.TransactionID, &tx.SellerID, &tx.BuyerAddress, &tx.Price,
		&tx.NetworkID, &tx.Status, &tx.PayloadJSON, &tx.RequirementJSON,
		&settlementID, &spaceID, &threadID,
		&tx.MetadataJSON, &errorReason, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction row: %w", err)
	}

	tx.SettlementID = settlementID.String
	tx.SpaceID = spaceID.String
	tx.ThreadID = threadID.String
	tx.ErrorReason = errorReason.String
	tx.CreatedAt = time.Unix(createdAt, 0).UTC()
	tx.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &tx, nil
}

// CreateTransaction inserts a settled transaction as paid. A duplicate
// transaction_id returns ErrAlreadyExists; concurrent settlement attempts for
// the same payload race to insert and the uniqueness constraint picks exactly
// one winner.
func (s *Store) CreateTransaction(ctx context.Context, tx *Transaction) (*Transaction, error) {
	now := nowUnix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			transaction_id, seller_id, buyer_address, price, network_id, status,
			payload_json, requirement_json, settlement_id, metadata_json,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.TransactionID, tx.SellerID, tx.BuyerAddress, tx.Price, tx.NetworkID,
		tx.Status, tx.PayloadJSON, tx.RequirementJSON,
		nullable(tx.SettlementID), tx.MetadataJSON, now, now,
	)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return s.GetTransaction(ctx, tx.TransactionID)
}

// GetTransaction fetches a transaction by its payment identifier.
func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE transaction_id = ?`, transactionID)
	return scanTransaction(row)
}

// AttachSpace binds the conversation space coordinates to a paid transaction
// and moves it to session_created.
func (s *Store) AttachSpace(ctx context.Context, transactionID, spaceID, threadID string) (*Transaction, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET space_id = ?, thread_id = ?, status = ?, error_reason = NULL, updated_at = ?
		WHERE transaction_id = ?`,
		spaceID, threadID, TxStatusSessionCreated, nowUnix(), transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("attach space: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetTransaction(ctx, transactionID)
}

// RecordSpaceError records a session-provisioning failure. The transaction
// stays paid and is not auto-retried.
func (s *Store) RecordSpaceError(ctx context.Context, transactionID, reason string) (*Transaction, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET error_reason = ?, updated_at = ?
		WHERE transaction_id = ?`,
		reason, nowUnix(), transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("record space error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetTransaction(ctx, transactionID)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
