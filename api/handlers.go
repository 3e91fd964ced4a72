/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes accounts, deposits and debts via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the deposit and
  debt services, which own locking and settlement.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                    Open account
    GET    /api/accounts                    List accounts
    GET    /api/accounts/{id}               Balance, debtor flag, totals
    GET    /api/accounts/{id}/transactions  Ledger records, oldest first
    GET    /api/accounts/{id}/debts         Debts in waterfall order

  Deposits:
    POST   /api/deposits                    Create (optionally APPROVED)
    GET    /api/deposits                    List (?owner_id=&status=)
    GET    /api/deposits/{id}               Get
    PUT    /api/deposits/{id}               Update
    POST   /api/deposits/{id}/approve       Approve and settle
    POST   /api/deposits/{id}/reject        Reject
    DELETE /api/deposits/{id}               Delete unsettled

  Debts:
    POST   /api/debts                       Create
    GET    /api/debts/{id}                  Get
    PUT    /api/debts/{id}                  Update
    DELETE /api/debts/{id}                  Delete

  Admin:
    POST   /api/admin/reconcile-debtors     Run the debtor reconciler now

REQUEST FLOW:
  1. Decode and validate the body (validator tags on the DTO)
  2. Parse amounts into ledger.Money
  3. Call the service
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  - 400: Validation errors, invalid amount, invalid status transition
  - 404: Account, deposit or debt not found
  - 409: Deposit already settled, duplicate record, account exists
  - 503: Concurrency conflict, safe to retry
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Debtor reconciler
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/settlement-engine/debts"
	"github.com/warp/settlement-engine/deposits"
	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      ledger.TxStore
	Engine     *ledger.Engine
	Deposits   *deposits.Service
	Debts      *debts.Service
	Reconciler *DebtorReconciler

	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a handler with services built on store and engine.
func NewHandler(store ledger.TxStore, engine *ledger.Engine) *Handler {
	return &Handler{
		Store:      store,
		Engine:     engine,
		Deposits:   deposits.NewService(store, engine),
		Debts:      debts.NewService(store, engine),
		Reconciler: NewDebtorReconciler(store, engine),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     slog.Default().With("component", "api"),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// pinger is implemented by stores backed by a database connection.
type pinger interface {
	Ping(ctx context.Context) error
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("store ping failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	ownerID := ledger.OwnerID(req.ID)
	now := time.Now().UTC()
	account := ledger.UserAccount{ID: ownerID, Balance: ledger.ZeroMoney, CreatedAt: now, UpdatedAt: now}

	unlock, err := h.Engine.Lock(ctx, ownerID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	defer unlock()

	err = h.Store.WithTx(ctx, ownerID, func(repo ledger.Repository) error {
		_, err := repo.FindAccount(ctx, ownerID)
		switch {
		case err == nil:
			return ledger.ErrAccountExists
		case !errors.Is(err, ledger.ErrOwnerNotFound):
			return err
		}
		return repo.SaveAccount(ctx, account)
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.logger.Info("account opened", "owner_id", ownerID)
	writeJSON(w, http.StatusCreated, AccountDTO{
		ID:               req.ID,
		Balance:          ledger.ZeroMoney.String(),
		TotalOutstanding: ledger.ZeroMoney.String(),
		TotalDeposited:   ledger.ZeroMoney.String(),
		UpdatedAt:        now,
	})
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAccounts(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]AccountDTO, 0, len(accounts))
	for _, a := range accounts {
		dtos = append(dtos, AccountDTO{
			ID:        string(a.ID),
			Balance:   a.Balance.String(),
			IsDebtor:  a.IsDebtor,
			UpdatedAt: a.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := ledger.OwnerID(chi.URLParam(r, "id"))

	account, err := h.Store.FindAccount(ctx, ownerID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	outstanding, err := h.Debts.TotalOutstanding(ctx, ownerID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	deposited, err := h.Deposits.TotalApproved(ctx, ownerID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AccountDTO{
		ID:               string(account.ID),
		Balance:          account.Balance.String(),
		IsDebtor:         account.IsDebtor,
		TotalOutstanding: outstanding.String(),
		TotalDeposited:   deposited.String(),
		UpdatedAt:        account.UpdatedAt,
	})
}

func (h *Handler) GetAccountTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := ledger.OwnerID(chi.URLParam(r, "id"))

	if _, err := h.Store.FindAccount(ctx, ownerID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	records, err := ledger.NewTransactionLedger(h.Store).History(ctx, ownerID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]TransactionDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toTransactionDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAccountDebts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := ledger.OwnerID(chi.URLParam(r, "id"))

	if _, err := h.Store.FindAccount(ctx, ownerID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	list, err := h.Debts.ListByOwner(ctx, ownerID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]DebtDTO, 0, len(list))
	for _, d := range list {
		dtos = append(dtos, toDebtDTO(d))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// DEPOSITS
// =============================================================================

func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req CreateDepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	sum, err := ledger.ParseMoney(req.Sum)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sum", err)
		return
	}

	res, err := h.Deposits.Create(r.Context(), deposits.CreateInput{
		OwnerID:       ledger.OwnerID(req.OwnerID),
		Sum:           sum,
		Status:        ledger.DepositStatus(req.Status),
		AccountHolder: req.AccountHolder,
		BankName:      req.BankName,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDepositResponse(res.Deposit, res.Settlement))
}

func (h *Handler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	filter := ledger.DepositFilter{
		OwnerID: ledger.OwnerID(r.URL.Query().Get("owner_id")),
		Status:  ledger.DepositStatus(r.URL.Query().Get("status")),
	}
	list, err := h.Deposits.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]DepositDTO, 0, len(list))
	for _, d := range list {
		dtos = append(dtos, toDepositDTO(d))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := h.Deposits.Get(r.Context(), ledger.DepositID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositDTO(*d))
}

func (h *Handler) UpdateDeposit(w http.ResponseWriter, r *http.Request) {
	var req UpdateDepositRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := deposits.UpdateInput{AccountHolder: req.AccountHolder, BankName: req.BankName}
	if req.Sum != nil {
		sum, err := ledger.ParseMoney(*req.Sum)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid sum", err)
			return
		}
		in.Sum = &sum
	}
	if req.Status != nil {
		status := ledger.DepositStatus(*req.Status)
		in.Status = &status
	}

	res, err := h.Deposits.Update(r.Context(), ledger.DepositID(chi.URLParam(r, "id")), in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositResponse(res.Deposit, res.Settlement))
}

func (h *Handler) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	res, err := h.Deposits.Approve(r.Context(), ledger.DepositID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositResponse(res.Deposit, res.Settlement))
}

func (h *Handler) RejectDeposit(w http.ResponseWriter, r *http.Request) {
	res, err := h.Deposits.Reject(r.Context(), ledger.DepositID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositResponse(res.Deposit, nil))
}

func (h *Handler) DeleteDeposit(w http.ResponseWriter, r *http.Request) {
	if err := h.Deposits.Delete(r.Context(), ledger.DepositID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// DEBTS
// =============================================================================

func (h *Handler) CreateDebt(w http.ResponseWriter, r *http.Request) {
	var req CreateDebtRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := ledger.ParseMoney(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount", err)
		return
	}

	in := debts.CreateInput{
		OwnerID:       ledger.OwnerID(req.OwnerID),
		Amount:        amount,
		AccountHolder: req.AccountHolder,
		BankName:      req.BankName,
	}
	if req.CreatedAt != nil {
		in.CreatedAt = req.CreatedAt.UTC()
	}

	d, err := h.Debts.Create(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDebtDTO(*d))
}

func (h *Handler) GetDebt(w http.ResponseWriter, r *http.Request) {
	d, err := h.Debts.Get(r.Context(), ledger.DebtID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDebtDTO(*d))
}

func (h *Handler) UpdateDebt(w http.ResponseWriter, r *http.Request) {
	var req UpdateDebtRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := debts.UpdateInput{Paid: req.Paid, AccountHolder: req.AccountHolder, BankName: req.BankName}
	if req.Amount != nil {
		amount, err := ledger.ParseMoney(*req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid amount", err)
			return
		}
		in.Amount = &amount
	}

	d, err := h.Debts.Update(r.Context(), ledger.DebtID(chi.URLParam(r, "id")), in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDebtDTO(*d))
}

func (h *Handler) DeleteDebt(w http.ResponseWriter, r *http.Request) {
	if err := h.Debts.Delete(r.Context(), ledger.DebtID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) ReconcileDebtors(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.RunNow(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{
		Checked:   report.Checked,
		Corrected: report.Corrected,
		Failed:    report.Failed,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. Unknown fields are rejected. It
// writes a 400 and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fmt.Sprintf("failed %q", fe.Tag())
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "validation failed", Code: "validation", Details: fields,
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

// writeDomainError maps an error class to a status code.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var settleErr *ledger.SettlementError
	step := ""
	if errors.As(err, &settleErr) {
		step = settleErr.Step
	}

	switch {
	case ledger.IsNotFound(err):
		writeCodedError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, ledger.ErrDepositSettled),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, ledger.ErrAccountExists):
		writeCodedError(w, http.StatusConflict, "conflict", err)
	case ledger.IsClientError(err):
		writeCodedError(w, http.StatusBadRequest, "invalid", err)
	case ledger.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeCodedError(w, http.StatusServiceUnavailable, "retry", err)
	default:
		h.logger.Error("request failed", "error", err, "step", step)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal", Details: err.Error()})
	}
}

func writeCodedError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
