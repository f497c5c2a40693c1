package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can branch without string matching.
type Kind string

const (
	KindValidation               Kind = "validation"
	KindInvalidCart              Kind = "invalid_cart"
	KindNotFound                 Kind = "not_found"
	KindAccessDenied             Kind = "access_denied"
	KindInsufficientStock        Kind = "insufficient_stock"
	KindExceedsRemainingQuantity Kind = "exceeds_remaining_quantity"
	KindInvalidCustomer          Kind = "invalid_customer"
	KindVoidedSaleReturn         Kind = "voided_sale_return_rejected"
	KindDueAlreadySettled        Kind = "due_already_settled"
	KindReturnHistoryBlocksVoid  Kind = "return_history_blocks_void"
	KindCompoundPartialFailure   Kind = "compound_partial_failure"
	KindInternal                 Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	// Product names the product involved, if any (InsufficientStock).
	Product string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation               = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrInvalidCart              = &Error{Kind: KindInvalidCart, Message: "invalid cart"}
	ErrNotFound                 = &Error{Kind: KindNotFound, Message: "not found"}
	ErrAccessDenied             = &Error{Kind: KindAccessDenied, Message: "access denied"}
	ErrInsufficientStock        = &Error{Kind: KindInsufficientStock, Message: "insufficient stock"}
	ErrExceedsRemainingQuantity = &Error{Kind: KindExceedsRemainingQuantity, Message: "return quantity exceeds remaining quantity"}
	ErrInvalidCustomer          = &Error{Kind: KindInvalidCustomer, Message: "invalid customer"}
	ErrVoidedSaleReturn         = &Error{Kind: KindVoidedSaleReturn, Message: "voided sale cannot be returned"}
	ErrDueAlreadySettled        = &Error{Kind: KindDueAlreadySettled, Message: "sale due already settled"}
	ErrReturnHistoryBlocksVoid  = &Error{Kind: KindReturnHistoryBlocksVoid, Message: "sale has completed returns and cannot be voided"}
	ErrCompoundPartialFailure   = &Error{Kind: KindCompoundPartialFailure, Message: "operation partially completed"}
	ErrInternal                 = &Error{Kind: KindInternal, Message: "internal error"}
)

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func InvalidCart(format string, args ...any) error {
	return &Error{Kind: KindInvalidCart, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity string, id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

func AccessDenied(format string, args ...any) error {
	return &Error{Kind: KindAccessDenied, Message: fmt.Sprintf(format, args...)}
}

func InsufficientStock(productName string) error {
	return &Error{
		Kind:    KindInsufficientStock,
		Message: fmt.Sprintf("insufficient stock for %s", productName),
		Product: productName,
	}
}

func ExceedsRemainingQuantity(productName string, remaining string) error {
	return &Error{
		Kind:    KindExceedsRemainingQuantity,
		Message: fmt.Sprintf("return quantity for %s exceeds remaining %s", productName, remaining),
		Product: productName,
	}
}

func InvalidCustomer(format string, args ...any) error {
	return &Error{Kind: KindInvalidCustomer, Message: fmt.Sprintf(format, args...)}
}

// Internal hides a store or driver error behind a generic message. The cause stays
// reachable through Unwrap for logging.
func Internal(err error) error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// PartialFailureError reports a compound operation whose first phase committed and
// whose second phase failed.
type PartialFailureError struct {
	Operation     string
	OldSaleID     string
	VoidSucceeded bool
	Cause         error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s: sale %s was voided but the replacement sale failed: %v", e.Operation, e.OldSaleID, e.Cause)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Cause
}

func (e *PartialFailureError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindCompoundPartialFailure
}

// KindOf returns the outermost error kind. Untyped errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var partial *PartialFailureError
	if errors.As(err, &partial) {
		return KindCompoundPartialFailure
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}
