package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/OrangeOmy/ContextSwap/internal/store"
)

// Prices arrive as human-readable decimal strings and are stored in the
// network's smallest unit.
const (
	evmDecimals  = 18
	tronDecimals = 6
)

type upsertSellerRequest struct {
	SellerID     string `json:"seller_id"`
	PayToAddress string `json:"pay_to_address" validate:"required"`
	PriceEVM     string `json:"price_evm" validate:"required"`
	PriceTron    string `json:"price_tron"`
	Description  string `json:"description"`
	Status       string `json:"status" validate:"omitempty,oneof=active inactive"`
}

func (a *API) handleUpsertSeller(w http.ResponseWriter, r *http.Request) {
	var req upsertSellerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, validationDetail(err))
		return
	}

	priceEVM, err := toMinimalUnits(req.PriceEVM, evmDecimals)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("price_evm: %v", err))
		return
	}

	var priceTron *int64
	if req.PriceTron != "" {
		v, err := toMinimalUnits(req.PriceTron, tronDecimals)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("price_tron: %v", err))
			return
		}
		priceTron = &v
	}

	sellerID := req.SellerID
	if sellerID == "" {
		sellerID = uuid.NewString()
	}
	status := req.Status
	if status == "" {
		status = "active"
	}

	seller, err := a.store.UpsertSeller(r.Context(), &store.Seller{
		SellerID:         sellerID,
		PayToAddress:     req.PayToAddress,
		PriceEVMMinimal:  priceEVM,
		PriceTronMinimal: priceTron,
		Description:      req.Description,
		Status:           status,
	})
	if err != nil {
		a.log.Error("upsert seller", zap.String("seller_id", sellerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "seller upsert failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seller": seller})
}

func (a *API) handleListSellers(w http.ResponseWriter, r *http.Request) {
	sellers, err := a.store.ListSellers(r.Context())
	if err != nil {
		a.log.Error("list sellers", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "seller list failed")
		return
	}
	if sellers == nil {
		sellers = []*store.Seller{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sellers": sellers})
}

// toMinimalUnits converts a human decimal price to the smallest on-chain unit.
func toMinimalUnits(price string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return 0, fmt.Errorf("not a decimal number")
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("must not be negative")
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("more than %d decimal places", decimals)
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("out of range")
	}
	return bi.Int64(), nil
}
