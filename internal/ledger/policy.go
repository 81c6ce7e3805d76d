package ledger

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultCreditCap mirrors the reward ceiling of a single quiz or game award.
	DefaultCreditCap int64 = 10

	maxIdempotencyKeyLen = 128
	maxReasonLen         = 64
)

// Request describes a single credit or debit.
type Request struct {
	AccountID      string      `validate:"required,max=128"`
	AccountKind    AccountKind `validate:"required,oneof=student teacher"`
	Amount         int64       `validate:"gt=0"`
	IdempotencyKey string      `validate:"required,max=128"`
	Reason         string      `validate:"max=64"`
}

// Policy rejects malformed or abusive requests before they reach the store.
type Policy struct {
	creditCap int64
	validate  *validator.Validate
}

// NewPolicy builds a policy guard. A non-positive cap falls back to DefaultCreditCap.
func NewPolicy(creditCap int64) *Policy {
	if creditCap <= 0 {
		creditCap = DefaultCreditCap
	}
	return &Policy{creditCap: creditCap, validate: validator.New()}
}

// CreditCap returns the per-operation credit ceiling.
func (p *Policy) CreditCap() int64 {
	return p.creditCap
}

// Check validates req for the given operation kind.
func (p *Policy) Check(kind EntryKind, req Request) error {
	if err := p.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		return fieldError(fieldErrs[0], req)
	}
	if kind == EntryCredit && req.Amount > p.creditCap {
		return fmt.Errorf("%w: %d > %d", ErrAmountExceedsCap, req.Amount, p.creditCap)
	}
	return nil
}

// fieldError maps the first failing field to its ledger error kind. The validator reports
// fields in declaration order, which gives the account > amount > key > reason precedence.
func fieldError(fe validator.FieldError, req Request) error {
	switch fe.StructField() {
	case "AccountID", "AccountKind":
		return fmt.Errorf("%w: %s failed %q", ErrInvalidAccount, fe.Field(), fe.Tag())
	case "Amount":
		return fmt.Errorf("%w: got %d", ErrInvalidAmount, req.Amount)
	case "IdempotencyKey":
		if fe.Tag() == "required" {
			return ErrMissingIdempotencyKey
		}
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLen)
	case "Reason":
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidReason, maxReasonLen)
	default:
		return fmt.Errorf("ledger: validation failed for %s: %s", fe.Field(), fe.Tag())
	}
}
