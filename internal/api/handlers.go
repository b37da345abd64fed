package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/OrangeOmy/ContextSwap/internal/chain"
	"github.com/OrangeOmy/ContextSwap/internal/ledger"
	"github.com/OrangeOmy/ContextSwap/internal/session"
	"github.com/OrangeOmy/ContextSwap/internal/store"
	"github.com/OrangeOmy/ContextSwap/internal/x402"
)

type createTransactionRequest struct {
	SellerID       string `json:"seller_id" validate:"required_without=SellerAddress"`
	SellerAddress  string `json:"seller_address" validate:"required_without=SellerID"`
	PaymentNetwork string `json:"payment_network" validate:"omitempty,alphanum"`
	BuyerBot       string `json:"buyer_bot" validate:"required"`
	SellerBot      string `json:"seller_bot" validate:"required"`
	InitialPrompt  string `json:"initial_prompt"`
	MarketSlug     string `json:"market_slug"`
	AnswerDir      string `json:"answer_dir"`
	WaitSeconds    int    `json:"wait_seconds" validate:"omitempty,gte=1,lte=3600"`
}

type transactionResponse struct {
	Transaction *store.Transaction `json:"transaction"`
	Session     *store.Session     `json:"session,omitempty"`
}

// handleCreateTransaction runs the payment challenge/response flow.
//
// Without a Payment-Signature header the response is a 402 carrying the
// requirement in Payment-Required. With one, the payment is settled and the
// conversation session is provisioned; settlement survives a provisioning
// failure and the buyer retries against /sessions with the same
// transaction id.
func (a *API) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, validationDetail(err))
		return
	}

	ctx := r.Context()

	seller, err := a.resolveSeller(ctx, req.SellerID, req.SellerAddress)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "seller not found")
		return
	}
	if err != nil {
		a.log.Error("resolve seller", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "seller lookup failed")
		return
	}

	network, requirement, err := a.buildRequirement(seller, req.PaymentNetwork)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	signature := r.Header.Get(x402.HeaderPaymentSignature)
	if signature == "" {
		a.writeChallenge(w, seller, requirement, "payment required")
		return
	}

	var payload x402.PaymentPayload
	if err := x402.DecodeHeader(signature, &payload); err != nil {
		a.writeChallenge(w, seller, requirement, "malformed payment signature header")
		return
	}

	tx, err := a.ledger.Settle(ctx, &ledger.SettleInput{
		Payload:     &payload,
		Requirement: requirement,
		SellerID:    seller.SellerID,
		Metadata: map[string]any{
			"buyer_bot":      req.BuyerBot,
			"seller_bot":     req.SellerBot,
			"initial_prompt": req.InitialPrompt,
			"market_slug":    req.MarketSlug,
			"answer_dir":     req.AnswerDir,
			"wait_seconds":   req.WaitSeconds,
			"network_tag":    network.Tag,
		},
	})
	if err != nil {
		if rej, ok := x402.AsRejection(err); ok {
			a.writeChallenge(w, seller, requirement, rej.Error())
			return
		}
		if chain.IsUnknownOutcome(err) {
			a.log.Error("broadcast outcome unknown", zap.Error(err))
			writeError(w, http.StatusBadGateway, "broadcast outcome unknown, retry with the same payment")
			return
		}
		a.log.Error("settlement failed", zap.Error(err))
		a.writeChallenge(w, seller, requirement, "settlement failed")
		return
	}

	sess, err := a.sessions.Open(ctx, tx.TransactionID, &session.Metadata{
		BuyerBot:      req.BuyerBot,
		SellerBot:     req.SellerBot,
		InitialPrompt: req.InitialPrompt,
		MarketSlug:    req.MarketSlug,
		AnswerDir:     req.AnswerDir,
		WaitSeconds:   req.WaitSeconds,
	}, false)
	if err != nil {
		a.log.Error("session provisioning failed",
			zap.String("transaction_id", tx.TransactionID), zap.Error(err))
		if updated, recErr := a.store.RecordSpaceError(ctx, tx.TransactionID, err.Error()); recErr == nil {
			tx = updated
		}
		a.writePaymentResponse(w, requirement, tx.SettlementID)
		writeJSON(w, http.StatusBadGateway, transactionResponse{Transaction: tx})
		return
	}

	// Re-read so the response reflects the attached space coordinates.
	if refreshed, err := a.store.GetTransaction(ctx, tx.TransactionID); err == nil {
		tx = refreshed
	}

	a.writePaymentResponse(w, requirement, tx.SettlementID)
	writeJSON(w, http.StatusOK, transactionResponse{Transaction: tx, Session: sess})
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transaction_id"]
	tx, err := a.store.GetTransaction(r.Context(), transactionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		a.log.Error("get transaction", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "transaction lookup failed")
		return
	}

	sess, err := a.store.GetSession(r.Context(), transactionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.log.Error("get session for transaction", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, transactionResponse{Transaction: tx, Session: sess})
}

type openSessionRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	ForceReinject bool   `json:"force_reinject"`
}

// handleOpenSession is the repair path: re-provision a session whose space
// binding failed, or re-send the briefing with force_reinject.
func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, validationDetail(err))
		return
	}

	ctx := r.Context()
	tx, err := a.store.GetTransaction(ctx, req.TransactionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "transaction lookup failed")
		return
	}

	meta, err := sessionMetadataFromTransaction(tx)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	sess, err := a.sessions.Open(ctx, tx.TransactionID, meta, req.ForceReinject)
	if errors.Is(err, store.ErrSessionEnded) {
		writeError(w, http.StatusConflict, "session already ended")
		return
	}
	if err != nil {
		a.log.Error("open session", zap.String("transaction_id", tx.TransactionID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "session provisioning failed")
		return
	}

	if refreshed, rerr := a.store.GetTransaction(ctx, tx.TransactionID); rerr == nil {
		tx = refreshed
	}
	writeJSON(w, http.StatusOK, transactionResponse{Transaction: tx, Session: sess})
}

type endSessionRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	Reason        string `json:"reason"`
}

func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, validationDetail(err))
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "operator_request"
	}

	sess, err := a.sessions.End(r.Context(), req.TransactionID, reason)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		a.log.Error("end session", zap.String("transaction_id", req.TransactionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "end session failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transaction_id"]
	sess, err := a.store.GetSession(r.Context(), transactionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		a.log.Error("get session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

// resolveSeller looks the seller up by id, falling back to pay-to address.
func (a *API) resolveSeller(ctx context.Context, sellerID, sellerAddress string) (*store.Seller, error) {
	if sellerID != "" {
		return a.store.GetSeller(ctx, sellerID)
	}
	return a.store.GetSellerByAddress(ctx, sellerAddress)
}

// buildRequirement picks the payment network and prices the requirement from
// the seller's catalog entry.
func (a *API) buildRequirement(seller *store.Seller, tag string) (*Network, *x402.PaymentRequirement, error) {
	network, err := a.pickNetwork(tag)
	if err != nil {
		return nil, nil, err
	}

	var amount int64
	switch network.Tag {
	case "tron":
		if seller.PriceTronMinimal == nil {
			return nil, nil, fmt.Errorf("seller %s does not accept network %s", seller.SellerID, network.Tag)
		}
		amount = *seller.PriceTronMinimal
	default:
		amount = seller.PriceEVMMinimal
	}

	return network, &x402.PaymentRequirement{
		Scheme:        "exact",
		Network:       network.NetworkID,
		PayTo:         seller.PayToAddress,
		AmountMinimal: strconv.FormatInt(amount, 10),
		Asset:         network.Asset,
	}, nil
}

func (a *API) pickNetwork(tag string) (*Network, error) {
	if len(a.networks) == 0 {
		return nil, errors.New("no payment networks configured")
	}
	if tag == "" {
		return &a.networks[0], nil
	}
	for i := range a.networks {
		if a.networks[i].Tag == tag {
			return &a.networks[i], nil
		}
	}
	return nil, fmt.Errorf("unknown payment network %q", tag)
}

func (a *API) writeChallenge(w http.ResponseWriter, seller *store.Seller, requirement *x402.PaymentRequirement, detail string) {
	required := x402.Required{
		X402Version: x402.Version,
		Accepts:     []x402.PaymentRequirement{*requirement},
		Description: "ContextSwap session with " + seller.SellerID,
	}
	header, err := x402.EncodeHeader(required)
	if err != nil {
		a.log.Error("encode payment requirement", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "challenge construction failed")
		return
	}
	w.Header().Set(x402.HeaderPaymentRequired, header)
	writeError(w, http.StatusPaymentRequired, detail)
}

func (a *API) writePaymentResponse(w http.ResponseWriter, requirement *x402.PaymentRequirement, settlementID string) {
	header, err := x402.EncodeHeader(x402.SettleResponse{
		X402Version:  x402.Version,
		Scheme:       requirement.Scheme,
		Network:      requirement.Network,
		SettlementID: settlementID,
	})
	if err != nil {
		a.log.Error("encode payment response", zap.Error(err))
		return
	}
	w.Header().Set(x402.HeaderPaymentResponse, header)
}

func sessionMetadataFromTransaction(tx *store.Transaction) (*session.Metadata, error) {
	if tx.MetadataJSON == "" {
		return nil, errors.New("transaction carries no session metadata")
	}
	var meta session.Metadata
	if err := json.Unmarshal([]byte(tx.MetadataJSON), &meta); err != nil {
		return nil, fmt.Errorf("decode transaction metadata: %w", err)
	}
	if meta.BuyerBot == "" || meta.SellerBot == "" {
		return nil, errors.New("transaction metadata names no participants")
	}
	return &meta, nil
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return fmt.Sprintf("field %s failed on %s", f.Field(), f.Tag())
	}
	return "invalid request"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
