/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger types so the wire contract can evolve on its own.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Money travels as a decimal string ("120.50") in both directions. Requests
  are checked with validator tags first and parsed with ledger.ParseMoney
  afterwards, so negative or malformed amounts never reach a service.

VALIDATION:
  Struct tags are checked by go-playground/validator in decode().

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateAccountRequest opens an account at a zero balance. The balance only
// moves through settlement.
type CreateAccountRequest struct {
	ID string `json:"id" validate:"required,max=64"`
}

type CreateDepositRequest struct {
	OwnerID       string `json:"owner_id" validate:"required,max=64"`
	Sum           string `json:"sum" validate:"required,numeric"`
	Status        string `json:"status" validate:"omitempty,oneof=PENDING APPROVED REJECTED"`
	AccountHolder string `json:"account_holder" validate:"max=200"`
	BankName      string `json:"bank_name" validate:"max=200"`
}

type UpdateDepositRequest struct {
	Sum           *string `json:"sum" validate:"omitempty,numeric"`
	Status        *string `json:"status" validate:"omitempty,oneof=PENDING APPROVED REJECTED"`
	AccountHolder *string `json:"account_holder" validate:"omitempty,max=200"`
	BankName      *string `json:"bank_name" validate:"omitempty,max=200"`
}

type CreateDebtRequest struct {
	OwnerID       string     `json:"owner_id" validate:"required,max=64"`
	Amount        string     `json:"amount" validate:"required,numeric"`
	AccountHolder string     `json:"account_holder" validate:"max=200"`
	BankName      string     `json:"bank_name" validate:"max=200"`
	CreatedAt     *time.Time `json:"created_at"`
}

type UpdateDebtRequest struct {
	Amount        *string `json:"amount" validate:"omitempty,numeric"`
	Paid          *bool   `json:"paid"`
	AccountHolder *string `json:"account_holder" validate:"omitempty,max=200"`
	BankName      *string `json:"bank_name" validate:"omitempty,max=200"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type AccountDTO struct {
	ID               string    `json:"id"`
	Balance          string    `json:"balance"`
	IsDebtor         bool      `json:"is_debtor"`
	TotalOutstanding string    `json:"total_outstanding"`
	TotalDeposited   string    `json:"total_deposited"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type DepositDTO struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Sum           string     `json:"sum"`
	Status        string     `json:"status"`
	AccountHolder string     `json:"account_holder,omitempty"`
	BankName      string     `json:"bank_name,omitempty"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type DebtDTO struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	AmountOwed    string    `json:"amount_owed"`
	Paid          bool      `json:"paid"`
	AccountHolder string    `json:"account_holder,omitempty"`
	BankName      string    `json:"bank_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type TransactionDTO struct {
	ID              string            `json:"id"`
	Kind            string            `json:"kind"`
	Amount          string            `json:"amount"`
	Status          string            `json:"status"`
	Description     string            `json:"description"`
	RelatedEntityID string            `json:"related_entity_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

type AllocationDTO struct {
	DebtID       string `json:"debt_id"`
	Applied      string `json:"applied"`
	NewRemaining string `json:"new_remaining"`
	Paid         bool   `json:"paid"`
}

type SettlementDTO struct {
	Status        string          `json:"status"`
	AppliedToDebt string          `json:"applied_to_debt"`
	Credited      string          `json:"credited"`
	DebtsPaid     int             `json:"debts_paid"`
	Balance       string          `json:"balance"`
	IsDebtor      bool            `json:"is_debtor"`
	Allocations   []AllocationDTO `json:"allocations"`
	Warnings      []string        `json:"warnings,omitempty"`
}

// DepositResponse is returned by every deposit write.
type DepositResponse struct {
	Deposit    DepositDTO     `json:"deposit"`
	Settlement *SettlementDTO `json:"settlement,omitempty"`
}

type ReconcileResponse struct {
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
	Failed    int `json:"failed"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toDepositDTO(d ledger.Deposit) DepositDTO {
	return DepositDTO{
		ID:            string(d.ID),
		OwnerID:       string(d.OwnerID),
		Sum:           d.Sum.String(),
		Status:        string(d.Status),
		AccountHolder: d.AccountHolder,
		BankName:      d.BankName,
		SettledAt:     d.SettledAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func toDebtDTO(d ledger.Debt) DebtDTO {
	return DebtDTO{
		ID:            string(d.ID),
		OwnerID:       string(d.OwnerID),
		AmountOwed:    d.AmountOwed.String(),
		Paid:          d.Paid,
		AccountHolder: d.AccountHolder,
		BankName:      d.BankName,
		CreatedAt:     d.CreatedAt,
	}
}

func toTransactionDTO(r ledger.TransactionRecord) TransactionDTO {
	return TransactionDTO{
		ID:              string(r.ID),
		Kind:            string(r.Kind),
		Amount:          r.Amount.String(),
		Status:          string(r.Status),
		Description:     r.Description,
		RelatedEntityID: r.RelatedEntityID,
		Metadata:        r.Metadata,
		CreatedAt:       r.CreatedAt,
	}
}

func toSettlementDTO(s *ledger.Settlement) *SettlementDTO {
	if s == nil {
		return nil
	}
	dto := &SettlementDTO{
		Status:        string(s.Status),
		AppliedToDebt: s.Plan.Applied().String(),
		Credited:      s.Plan.Leftover.String(),
		DebtsPaid:     s.Plan.PaidCount(),
		Balance:       s.Balance.String(),
		IsDebtor:      s.IsDebtor,
		Allocations:   make([]AllocationDTO, 0, len(s.Plan.Allocations)),
	}
	for _, a := range s.Plan.Allocations {
		dto.Allocations = append(dto.Allocations, AllocationDTO{
			DebtID:       string(a.DebtID),
			Applied:      a.Applied.String(),
			NewRemaining: a.NewRemaining.String(),
			Paid:         a.BecomesPaid,
		})
	}
	for _, w := range s.Warnings {
		dto.Warnings = append(dto.Warnings, w.Error())
	}
	return dto
}

func toDepositResponse(d ledger.Deposit, s *ledger.Settlement) DepositResponse {
	return DepositResponse{Deposit: toDepositDTO(d), Settlement: toSettlementDTO(s)}
}
