package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the cart and checkout taxonomy.
// Use errors.Is() to check against these.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrDebounced          = errors.New("debounced")
	ErrAlreadyInCart      = errors.New("already in cart")
	ErrUnresolved         = errors.New("variant unresolved")
	ErrPlatform           = errors.New("platform error")
	ErrInvalidRedirect    = errors.New("invalid redirect domain")
	ErrSnapshotExpired    = errors.New("snapshot expired")
	ErrNothingToCheckout  = errors.New("nothing to check out")
	ErrCheckoutInProgress = errors.New("checkout in progress")
	ErrEmptyWrite         = errors.New("refusing to persist empty cart")
	ErrVariantConflict    = errors.New("variant already resolved")
)

// APIError represents a structured error for API responses.
// Implements error interface and supports unwrapping.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"` // HTTP status, not serialized
	Err        error  `json:"-"` // Wrapped error, not serialized
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewInputError creates a 400 error for a missing or invalid field on a cart request.
func NewInputError(field, reason string) *APIError {
	return &APIError{
		Code:       "INPUT_ERROR",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		StatusCode: 400,
		Err:        ErrInvalidInput,
	}
}

// NewNotFoundError creates a 404 error for missing resources.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
		Err:        ErrNotFound,
	}
}

// NewDebouncedError reports an add suppressed by the debounce window.
// It is a no-op from the cart's perspective, not a failure.
func NewDebouncedError(key string) *APIError {
	return &APIError{
		Code:       "DEBOUNCED",
		Message:    "item was just added, please wait a moment",
		StatusCode: 429,
		Err:        fmt.Errorf("%w: %s", ErrDebounced, key),
	}
}

// NewAlreadyInCartError reports a content-based duplicate add.
func NewAlreadyInCartError(lineID string) *APIError {
	return &APIError{
		Code:       "ALREADY_IN_CART",
		Message:    "item is already in your cart",
		StatusCode: 409,
		Err:        fmt.Errorf("%w: line %s", ErrAlreadyInCart, lineID),
	}
}

// NewPlatformError creates a 502 error for commerce platform failures.
// The message stays generic so the storefront can offer a retry.
func NewPlatformError(operation string, err error) *APIError {
	return &APIError{
		Code:       "PLATFORM_ERROR",
		Message:    fmt.Sprintf("%s failed, please try again", operation),
		StatusCode: 502,
		Err:        fmt.Errorf("%w: %v", ErrPlatform, err),
	}
}

// NewNothingToCheckoutError creates a 422 error when no line item could be resolved.
func NewNothingToCheckoutError(unresolved int) *APIError {
	return &APIError{
		Code:       "NOTHING_TO_CHECKOUT",
		Message:    fmt.Sprintf("none of the %d cart items could be checked out", unresolved),
		StatusCode: 422,
		Err:        ErrNothingToCheckout,
	}
}

// NewCheckoutInProgressError creates a 409 error for a second concurrent checkout attempt.
func NewCheckoutInProgressError() *APIError {
	return &APIError{
		Code:       "CHECKOUT_IN_PROGRESS",
		Message:    "a checkout is already being created",
		StatusCode: 409,
		Err:        ErrCheckoutInProgress,
	}
}

// NewVariantConflictError creates a 409 error when a resolved identifier would change.
func NewVariantConflictError(lineID, current, proposed string) *APIError {
	return &APIError{
		Code:       "VARIANT_CONFLICT",
		Message:    fmt.Sprintf("line %s is already resolved", lineID),
		StatusCode: 409,
		Err:        fmt.Errorf("%w: %s != %s", ErrVariantConflict, current, proposed),
	}
}

// NewInternalError creates a 500 error for unexpected failures.
func NewInternalError(err error) *APIError {
	return &APIError{
		Code:       "INTERNAL_ERROR",
		Message:    "an internal error occurred",
		StatusCode: 500,
		Err:        err,
	}
}

// ResolutionError is the per-item failure produced when every resolution tier
// was exhausted. It never aborts a checkout on its own.
type ResolutionError struct {
	LineID  string
	Product ProductRef
	Tiers   []string // tiers consulted, in order
	Cause   error    // last tier error, if any (e.g. lookup transport failure)
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("unresolved line %s (%s) after tiers [%s]",
		e.LineID, e.Product, strings.Join(e.Tiers, ","))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrUnresolved, e.Cause}
	}
	return []error{ErrUnresolved}
}
