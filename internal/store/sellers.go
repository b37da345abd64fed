package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Seller is a catalog entry whose pricing feeds payment requirement
// construction. PriceTronMinimal is nil for sellers that only accept the
// account-based network.
type Seller struct {
	SellerID         string    `json:"seller_id"`
	PayToAddress     string    `json:"pay_to_address"`
	PriceEVMMinimal  int64     `json:"price_evm_minimal"`
	PriceTronMinimal *int64    `json:"price_tron_minimal,omitempty"`
	Description      string    `json:"description"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

const sellerColumns = `seller_id, pay_to_address, price_evm_minimal, price_tron_minimal,
	description, status, created_at, updated_at`

func scanSeller(row interface{ Scan(...any) error }) (*Seller, error) {
	var sel Seller
	var tronPrice sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&sel.SellerID, &sel.PayToAddress, &sel.PriceEVMMinimal, &tronPrice,
		&sel.Description, &sel.Status, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan seller row: %w", err)
	}

	if tronPrice.Valid {
		v := tronPrice.Int64
		sel.PriceTronMinimal = &v
	}
	sel.CreatedAt = time.Unix(createdAt, 0).UTC()
	sel.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sel, nil
}

// UpsertSeller creates or refreshes a catalog entry.
func (s *Store) UpsertSeller(ctx context.Context, sel *Seller) (*Seller, error) {
	now := nowUnix()
	var tronPrice any
	if sel.PriceTronMinimal != nil {
		tronPrice = *sel.PriceTronMinimal
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sellers (
			seller_id, pay_to_address, price_evm_minimal, price_tron_minimal,
			description, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seller_id) DO UPDATE SET
			pay_to_address = excluded.pay_to_address,
			price_evm_minimal = excluded.price_evm_minimal,
			price_tron_minimal = excluded.price_tron_minimal,
			description = excluded.description,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		sel.SellerID, sel.PayToAddress, sel.PriceEVMMinimal, tronPrice,
		sel.Description, sel.Status, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert seller: %w", err)
	}
	return s.GetSeller(ctx, sel.SellerID)
}

// GetSeller fetches a seller by id.
func (s *Store) GetSeller(ctx context.Context, sellerID string) (*Seller, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sellerColumns+` FROM sellers WHERE seller_id = ?`, sellerID)
	return scanSeller(row)
}

// GetSellerByAddress fetches the first active seller paying to addr.
func (s *Store) GetSellerByAddress(ctx context.Context, addr string) (*Seller, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sellerColumns+` FROM sellers
		 WHERE pay_to_address = ? AND status = 'active' LIMIT 1`, addr)
	return scanSeller(row)
}

// ListSellers returns the catalog ordered by seller id.
func (s *Store) ListSellers(ctx context.Context) ([]*Seller, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sellerColumns+` FROM sellers ORDER BY seller_id`)
	if err != nil {
		return nil, fmt.Errorf("list sellers: %w", err)
	}
	defer rows.Close()

	var sellers []*Seller
	for rows.Next() {
		sel, err := scanSeller(rows)
		if err != nil {
			return nil, err
		}
		sellers = append(sellers, sel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sellers: %w", err)
	}
	return sellers, nil
}
