package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/OrangeOmy/ContextSwap/internal/chain"
	"github.com/OrangeOmy/ContextSwap/internal/ledger"
	"github.com/OrangeOmy/ContextSwap/internal/metrics"
	"github.com/OrangeOmy/ContextSwap/internal/session"
	"github.com/OrangeOmy/ContextSwap/internal/store"
	"github.com/OrangeOmy/ContextSwap/internal/verification"
	"github.com/OrangeOmy/ContextSwap/internal/x402"
)

const (
	testSecret    = "test-secret"
	testNetwork   = "eip155:71"
	testRecipient = "0x2222222222222222222222222222222222222222"
)

type stubAdapter struct {
	amount int64
}

func (a *stubAdapter) Network() string { return testNetwork }

func (a *stubAdapter) Decode(*x402.PaymentPayload) (*chain.Transfer, error) {
	return &chain.Transfer{
		Payer:     "0x1111111111111111111111111111111111111111",
		Recipient: testRecipient,
		Amount:    big.NewInt(a.amount),
		NetworkID: testNetwork,
	}, nil
}

func (a *stubAdapter) PaymentID(p *x402.PaymentPayload) (string, error) {
	return "0x" + p.RawTransaction, nil
}

func (a *stubAdapter) Broadcast(context.Context, *x402.PaymentPayload) (string, error) {
	return "0xsettlement", nil
}

type fakeMessenger struct {
	sent   map[string][]string
	closed []string
}

func (m *fakeMessenger) CreateThread(_ context.Context, _, _ string) (string, error) {
	return "thread-1", nil
}

func (m *fakeMessenger) SendMessage(_ context.Context, threadID, text string) (string, error) {
	m.sent[threadID] = append(m.sent[threadID], text)
	return "msg-1", nil
}

func (m *fakeMessenger) CloseThread(_ context.Context, threadID string) error {
	m.closed = append(m.closed, threadID)
	return nil
}

type testEnv struct {
	api *API
	st  *store.Store
}

func newTestEnv(t *testing.T, paidAmount int64) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := zap.NewNop()
	registry := chain.Registry{testNetwork: &stubAdapter{amount: paidAmount}}
	settler := ledger.New(st, verification.New(registry), registry, metrics.NoopRecorder{}, log)
	orch := session.NewOrchestrator(st, &fakeMessenger{sent: map[string][]string{}},
		session.Config{SpaceID: "space-1"}, metrics.NoopRecorder{}, log)

	networks := []Network{{Tag: "evm", NetworkID: testNetwork, Asset: "CFX", Decimals: 18}}
	a := New("127.0.0.1:0", testSecret, st, settler, orch, networks, log)

	_, err = st.UpsertSeller(context.Background(), &store.Seller{
		SellerID:        "seller-1",
		PayToAddress:    testRecipient,
		PriceEVMMinimal: 100,
		Description:     "market analysis",
		Status:          "active",
	})
	require.NoError(t, err)

	return &testEnv{api: a, st: st}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)
	return rec
}

func createBody() map[string]any {
	return map[string]any{
		"seller_id":      "seller-1",
		"buyer_bot":      "alice",
		"seller_bot":     "bob",
		"initial_prompt": "What moved the market today?",
	}
}

func paymentHeader(t *testing.T, raw string) map[string]string {
	t.Helper()
	value, err := x402.EncodeHeader(x402.PaymentPayload{
		X402Version:    x402.Version,
		Scheme:         "exact",
		Network:        testNetwork,
		RawTransaction: raw,
	})
	require.NoError(t, err)
	return map[string]string{x402.HeaderPaymentSignature: value}
}

func validToken(t *testing.T) string {
	t.Helper()
	token, err := IssueToken([]byte(testSecret), "ops", time.Minute)
	require.NoError(t, err)
	return token
}

func TestCreateTransactionWithoutPaymentIsChallenged(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodPost, "/api/v1/transactions", "", createBody(), nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	header := rec.Header().Get(x402.HeaderPaymentRequired)
	require.NotEmpty(t, header)

	var required x402.Required
	require.NoError(t, x402.DecodeHeader(header, &required))
	assert.Equal(t, x402.Version, required.X402Version)
	require.Len(t, required.Accepts, 1)
	assert.Equal(t, testRecipient, required.Accepts[0].PayTo)
	assert.Equal(t, "100", required.Accepts[0].AmountMinimal)
	assert.Equal(t, testNetwork, required.Accepts[0].Network)
}

func TestCreateTransactionSettlesAndOpensSession(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodPost, "/api/v1/transactions", "", createBody(), paymentHeader(t, "aa"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var response x402.SettleResponse
	require.NoError(t, x402.DecodeHeader(rec.Header().Get(x402.HeaderPaymentResponse), &response))
	assert.Equal(t, "0xsettlement", response.SettlementID)

	var body transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Transaction)
	require.NotNil(t, body.Session)
	assert.Equal(t, "0xaa", body.Transaction.TransactionID)
	assert.Equal(t, store.TxStatusSessionCreated, body.Transaction.Status)
	assert.Equal(t, "thread-1", body.Transaction.ThreadID)
	assert.Equal(t, store.SessionStatusRunning, body.Session.Status)
}

func TestCreateTransactionIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 100)

	first := env.do(t, http.MethodPost, "/api/v1/transactions", "", createBody(), paymentHeader(t, "aa"))
	require.Equal(t, http.StatusOK, first.Code)

	second := env.do(t, http.MethodPost, "/api/v1/transactions", "", createBody(), paymentHeader(t, "aa"))
	require.Equal(t, http.StatusOK, second.Code)

	var firstBody, secondBody transactionResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstBody))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondBody))
	assert.Equal(t, firstBody.Transaction.TransactionID, secondBody.Transaction.TransactionID)
	assert.Equal(t, firstBody.Session.ThreadID, secondBody.Session.ThreadID)
}

func TestCreateTransactionRejectsUnderpayment(t *testing.T) {
	env := newTestEnv(t, 99)

	rec := env.do(t, http.MethodPost, "/api/v1/transactions", "", createBody(), paymentHeader(t, "aa"))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(x402.HeaderPaymentRequired))
	assert.Contains(t, rec.Body.String(), "insufficient_amount")

	// Rejected payments must leave no ledger trace.
	_, err := env.st.GetTransaction(context.Background(), "0xaa")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateTransactionUnknownSeller(t *testing.T) {
	env := newTestEnv(t, 100)

	body := createBody()
	body["seller_id"] = "seller-missing"
	rec := env.do(t, http.MethodPost, "/api/v1/transactions", "", body, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTransactionValidatesBody(t *testing.T) {
	env := newTestEnv(t, 100)

	body := createBody()
	delete(body, "buyer_bot")
	rec := env.do(t, http.MethodPost, "/api/v1/transactions", "", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTransaction(t *testing.T) {
	env := newTestEnv(t, 100)

	env.do(t, http.MethodPost, "/api/v1/transactions", "", createBody(), paymentHeader(t, "aa"))

	rec := env.do(t, http.MethodGet, "/api/v1/transactions/0xaa", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "0xaa", body.Transaction.TransactionID)
	require.NotNil(t, body.Session)

	missing := env.do(t, http.MethodGet, "/api/v1/transactions/0xmissing", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestSessionEndpointsRequireAuth(t *testing.T) {
	env := newTestEnv(t, 100)

	noToken := env.do(t, http.MethodGet, "/api/v1/sessions/0xaa", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, noToken.Code)

	badToken := env.do(t, http.MethodGet, "/api/v1/sessions/0xaa", "not-a-jwt", nil, nil)
	assert.Equal(t, http.StatusForbidden, badToken.Code)

	wrongKey, err := IssueToken([]byte("other-secret"), "ops", time.Minute)
	require.NoError(t, err)
	forged := env.do(t, http.MethodGet, "/api/v1/sessions/0xaa", wrongKey, nil, nil)
	assert.Equal(t, http.StatusForbidden, forged.Code)
}

func TestEndSessionKeepsOriginalReason(t *testing.T) {
	env := newTestEnv(t, 100)
	token := validToken(t)

	env.do(t, http.MethodPost, "/api/v1/transactions", "", createBody(), paymentHeader(t, "aa"))

	end := func(reason string) map[string]any {
		rec := env.do(t, http.MethodPost, "/api/v1/sessions/end", token,
			map[string]any{"transaction_id": "0xaa", "reason": reason}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body["session"].(map[string]any)
	}

	first := end("buyer_gave_up")
	assert.Equal(t, "ended", first["status"])
	assert.Equal(t, "buyer_gave_up", first["end_reason"])

	second := end("operator_request")
	assert.Equal(t, "buyer_gave_up", second["end_reason"])
}

func TestOpenSessionRepairsAndRefusesEnded(t *testing.T) {
	env := newTestEnv(t, 100)
	token := validToken(t)

	env.do(t, http.MethodPost, "/api/v1/transactions", "", createBody(), paymentHeader(t, "aa"))

	// Reinject into the live session.
	rec := env.do(t, http.MethodPost, "/api/v1/sessions", token,
		map[string]any{"transaction_id": "0xaa", "force_reinject": true}, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	env.do(t, http.MethodPost, "/api/v1/sessions/end", token,
		map[string]any{"transaction_id": "0xaa"}, nil)

	refused := env.do(t, http.MethodPost, "/api/v1/sessions", token,
		map[string]any{"transaction_id": "0xaa", "force_reinject": true}, nil)
	assert.Equal(t, http.StatusConflict, refused.Code)

	missing := env.do(t, http.MethodPost, "/api/v1/sessions", token,
		map[string]any{"transaction_id": "0xmissing"}, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestUpsertSellerConvertsPrices(t *testing.T) {
	env := newTestEnv(t, 100)
	token := validToken(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sellers", token, map[string]any{
		"pay_to_address": "0x3333333333333333333333333333333333333333",
		"price_evm":      "1.5",
		"price_tron":     "2",
		"description":    "weather reports",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Seller store.Seller `json:"seller"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Seller.SellerID)
	assert.Equal(t, int64(1_500_000_000_000_000_000), body.Seller.PriceEVMMinimal)
	require.NotNil(t, body.Seller.PriceTronMinimal)
	assert.Equal(t, int64(2_000_000), *body.Seller.PriceTronMinimal)
	assert.Equal(t, "active", body.Seller.Status)
}

func TestUpsertSellerRejectsBadPrices(t *testing.T) {
	env := newTestEnv(t, 100)
	token := validToken(t)

	for name, price := range map[string]string{
		"negative":       "-1",
		"not a number":   "one",
		"too precise":    "0.0000000000000000001",
		"overflows unit": "10000000000000000000000",
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/sellers", token, map[string]any{
				"pay_to_address": "0x3333333333333333333333333333333333333333",
				"price_evm":      price,
			}, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestListSellersIsPublic(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodGet, "/api/v1/sellers", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sellers []store.Seller `json:"sellers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sellers, 1)
	assert.Equal(t, "seller-1", body.Sellers[0].SellerID)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestMinimalUnitConversion(t *testing.T) {
	v, err := toMinimalUnits("0.000001", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = toMinimalUnits("1", 18)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000_000_000_000), v)

	_, err = toMinimalUnits("0.0000001", 6)
	assert.Error(t, err)
}
