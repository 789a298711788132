package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/executor"
	"github.com/punchamoorthee/paycore/internal/limits"
	"github.com/shopspring/decimal"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paycore_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	idempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycore_idempotent_replays_total",
		Help: "Requests answered from the idempotency cache",
	})

	degradedAdmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycore_idempotency_degraded_total",
		Help: "Operations that proceeded without idempotency protection due to infrastructure errors",
	})

	limitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycore_limit_rejections_total",
		Help: "Operations rejected by the limit enforcer",
	})
)

// Store is the read side the handlers need next to the executor.
type Store interface {
	CreateAccount(ctx context.Context, ownerID string, tier domain.Tier, opening decimal.Decimal) (int64, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	ListTransactions(ctx context.Context, accountID int64, limit int32) ([]domain.Transaction, error)
}

type Handler struct {
	store    Store
	exec     *executor.Executor
	enforcer *limits.Enforcer
}

func NewHandler(store Store, exec *executor.Executor, enforcer *limits.Enforcer) *Handler {
	return &Handler{store: store, exec: exec, enforcer: enforcer}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// gateFrom reads the optional Idempotency-Key header and hashes the raw body.
// No key means no protection; that is the documented contract, not a bug.
func gateFrom(r *http.Request, endpoint string, body []byte) executor.Gate {
	hash := sha256.Sum256(body)
	return executor.Gate{
		Key:         r.Header.Get("Idempotency-Key"),
		Endpoint:    endpoint,
		Method:      r.Method,
		RequestHash: hex.EncodeToString(hash[:]),
		OwnerID:     r.Header.Get("X-Owner-Id"),
	}
}

func readBody(w http.ResponseWriter, r *http.Request, endpoint string, dst any) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, r.Method, endpoint, http.StatusInternalServerError, "Stream read error")
		return nil, false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		respondError(w, r.Method, endpoint, http.StatusBadRequest, "Malformed JSON body")
		return nil, false
	}
	return body, true
}

func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && domain.IsNormalized(amount)
}

type transferRequest struct {
	FromAccountID int64           `json:"from_account_id"`
	ToAccountID   int64           `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Narrative     string          `json:"narrative"`
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var req transferRequest
	body, ok := readBody(w, r, endpoint, &req)
	if !ok {
		return
	}
	if !validAmount(req.Amount) {
		respondError(w, r.Method, endpoint, http.StatusUnprocessableEntity, "Positive amount on the money scale required")
		return
	}
	if req.FromAccountID == req.ToAccountID {
		respondError(w, r.Method, endpoint, http.StatusUnprocessableEntity, "Self-transfer not allowed")
		return
	}

	resp, err := h.exec.Transfer(r.Context(), executor.TransferInput{
		Gate:          gateFrom(r, endpoint, body),
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		Narrative:     req.Narrative,
	})
	h.respondOperation(w, r.Method, endpoint, resp, err)
}

type purchaseRequest struct {
	AccountID int64           `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	Category  domain.Category `json:"category"`
	Narrative string          `json:"narrative"`
}

func (h *Handler) CreatePurchaseHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/purchases"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var req purchaseRequest
	body, ok := readBody(w, r, endpoint, &req)
	if !ok {
		return
	}
	if !validAmount(req.Amount) {
		respondError(w, r.Method, endpoint, http.StatusUnprocessableEntity, "Positive amount on the money scale required")
		return
	}

	resp, err := h.exec.Purchase(r.Context(), executor.PurchaseInput{
		Gate:      gateFrom(r, endpoint, body),
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Fee:       req.Fee,
		Category:  req.Category,
		Narrative: req.Narrative,
	})
	h.respondOperation(w, r.Method, endpoint, resp, err)
}

type withdrawalRequest struct {
	AccountID int64           `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	Narrative string          `json:"narrative"`
}

func (h *Handler) CreateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/withdrawals"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var req withdrawalRequest
	body, ok := readBody(w, r, endpoint, &req)
	if !ok {
		return
	}
	if !validAmount(req.Amount) {
		respondError(w, r.Method, endpoint, http.StatusUnprocessableEntity, "Positive amount on the money scale required")
		return
	}

	resp, err := h.exec.Withdraw(r.Context(), executor.WithdrawalInput{
		Gate:      gateFrom(r, endpoint, body),
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Fee:       req.Fee,
		Narrative: req.Narrative,
	})
	h.respondOperation(w, r.Method, endpoint, resp, err)
}

type reversalRequest struct {
	Reference string `json:"reference"`
	Narrative string `json:"narrative"`
}

func (h *Handler) CreateReversalHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/reversals"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var req reversalRequest
	body, ok := readBody(w, r, endpoint, &req)
	if !ok {
		return
	}
	if req.Reference == "" {
		respondError(w, r.Method, endpoint, http.StatusBadRequest, "Reference required")
		return
	}

	resp, err := h.exec.Reverse(r.Context(), executor.ReversalInput{
		Gate:      gateFrom(r, endpoint, body),
		Reference: req.Reference,
		Narrative: req.Narrative,
	})
	h.respondOperation(w, r.Method, endpoint, resp, err)
}

type adjustmentRequest struct {
	AccountID int64           `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
}

func (h *Handler) CreateAdjustmentHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/adjustments"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var req adjustmentRequest
	body, ok := readBody(w, r, endpoint, &req)
	if !ok {
		return
	}
	if req.Amount.IsZero() || !domain.IsNormalized(req.Amount) {
		respondError(w, r.Method, endpoint, http.StatusUnprocessableEntity, "Non-zero amount on the money scale required")
		return
	}

	resp, err := h.exec.Adjust(r.Context(), executor.AdjustmentInput{
		Gate:         gateFrom(r, endpoint, body),
		AccountID:    req.AccountID,
		SignedAmount: req.Amount,
		Reason:       req.Reason,
	})
	h.respondOperation(w, r.Method, endpoint, resp, err)
}

type createAccountRequest struct {
	OwnerID        string          `json:"owner_id"`
	Tier           domain.Tier     `json:"tier"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts"
	var req createAccountRequest
	if _, ok := readBody(w, r, endpoint, &req); !ok {
		return
	}
	if req.Tier == "" {
		req.Tier = domain.Tier1
	}
	if req.OpeningBalance.IsNegative() || !domain.IsNormalized(req.OpeningBalance) {
		respondError(w, r.Method, endpoint, http.StatusUnprocessableEntity, "Opening balance must be non-negative on the money scale")
		return
	}

	id, err := h.store.CreateAccount(r.Context(), req.OwnerID, req.Tier, req.OpeningBalance)
	if err != nil {
		respondError(w, r.Method, endpoint, http.StatusInternalServerError, "System error creating account")
		return
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "201").Inc()
	respondWithJSON(w, http.StatusCreated, map[string]int64{"account_id": id})
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}"
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, r.Method, endpoint, http.StatusBadRequest, "Invalid account id")
		return
	}

	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.respondFailure(w, r.Method, endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/transactions"
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, r.Method, endpoint, http.StatusBadRequest, "Invalid account id")
		return
	}
	limit := int32(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 1 || n > 500 {
			respondError(w, r.Method, endpoint, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = int32(n)
	}

	txs, err := h.store.ListTransactions(r.Context(), id, limit)
	if err != nil {
		h.respondFailure(w, r.Method, endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, txs)
}

// GetLimitsHandler exposes the current quota for an account and category.
func (h *Handler) GetLimitsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/limits"
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, r.Method, endpoint, http.StatusBadRequest, "Invalid account id")
		return
	}
	category := domain.Category(r.URL.Query().Get("category"))
	if !category.Valid() {
		respondError(w, r.Method, endpoint, http.StatusBadRequest, "Unknown category")
		return
	}

	quota, err := h.enforcer.Check(r.Context(), id, decimal.Zero, category)
	if err != nil {
		h.respondFailure(w, r.Method, endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, quota)
}

// respondOperation maps an executor outcome onto the wire. Replays return the
// cached bytes untouched so duplicates are byte-identical with the original.
func (h *Handler) respondOperation(w http.ResponseWriter, method, endpoint string, resp *executor.Response, err error) {
	if err != nil {
		h.respondFailure(w, method, endpoint, err)
		return
	}
	if resp.Replayed {
		idempotentReplays.Inc()
		w.Header().Set("Idempotency-Replayed", "true")
	}
	if resp.Degraded {
		degradedAdmits.Inc()
	}
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (h *Handler) respondFailure(w http.ResponseWriter, method, endpoint string, err error) {
	var limitErr *domain.LimitExceededError
	switch {
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrTransactionNotFound):
		respondError(w, method, endpoint, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		respondError(w, method, endpoint, http.StatusUnprocessableEntity, "Insufficient funds")
	case errors.Is(err, domain.ErrAccountLocked):
		respondError(w, method, endpoint, http.StatusLocked, "Account locked")
	case errors.Is(err, domain.ErrConcurrentRequestInFlight):
		respondError(w, method, endpoint, http.StatusConflict, "Request processing in progress")
	case errors.Is(err, domain.ErrKeyReusedForDifferentOperation),
		errors.Is(err, domain.ErrKeyReusedWithDifferentPayload):
		respondError(w, method, endpoint, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrInvalidIdempotencyKey):
		respondError(w, method, endpoint, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAlreadyReversed), errors.Is(err, domain.ErrReversalNotAllowed):
		respondError(w, method, endpoint, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &limitErr):
		limitRejections.Inc()
		respondError(w, method, endpoint, http.StatusUnprocessableEntity, limitErr.Error())
	default:
		respondError(w, method, endpoint, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondError(w http.ResponseWriter, method, endpoint string, code int, message string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
