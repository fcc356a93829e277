package models

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Precondition violations. Every failed operation returns one of these
// (possibly wrapped) so callers can branch with errors.Is.
var (
	ErrInvalidOrderStatus  = errors.New("invalid order status")
	ErrOrderExpired        = errors.New("order expired")
	ErrFillDeadline        = errors.New("fill deadline passed")
	ErrWrongDomain         = errors.New("wrong domain")
	ErrWrongSettler        = errors.New("wrong settlement point")
	ErrInvalidSolver       = errors.New("invalid solver")
	ErrAlreadyFilled       = errors.New("already filled")
	ErrNotExclusive        = errors.New("not exclusive solver")
	ErrUnsupportedPolicy   = errors.New("unsupported fulfillment policy")
	ErrPriceOverflow       = errors.New("price overflows 256 bits")
	ErrNotOrderOwner       = errors.New("caller is not order owner")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrInvalidSolveParams  = errors.New("invalid solve params")
	ErrInvalidDestination  = errors.New("invalid destination")
	ErrInvalidPurchaser    = errors.New("invalid purchaser")
	ErrPurchaseExpired     = errors.New("purchase expired")
	ErrAlreadyPurchased    = errors.New("order already purchased")
	ErrUnsupportedScheme   = errors.New("unsupported authorization scheme")
	ErrNonceUsed           = errors.New("signature nonce already used")
	ErrNoInputs            = errors.New("order has no inputs")
	ErrNoOutputs           = errors.New("no outputs")
	ErrInvalidAddress      = errors.New("identity is not a valid address")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrMalformedEncoding   = errors.New("malformed encoding")
	ErrCallbackTarget      = errors.New("callback target has no handler")
	ErrUnknownOracle       = errors.New("unknown proof source")
	ErrNotProven           = errors.New("fill not proven")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientAllow   = errors.New("insufficient allowance")
	ErrAuthorizationWindow = errors.New("authorization outside validity window")
	ErrUnauthorized        = errors.New("caller not authorized")
	ErrOrderNotExpired     = errors.New("order not expired")
	ErrOrderMismatch       = errors.New("order does not match identifier")
)

// ExclusiveToError reports the solver holding the exclusivity window
type ExclusiveToError struct {
	Solver common.Hash
}

func (e *ExclusiveToError) Error() string {
	return fmt.Sprintf("%s: exclusive to %s", ErrNotExclusive, e.Solver.Hex())
}

// Is lets errors.Is(err, ErrNotExclusive) match
func (e *ExclusiveToError) Is(target error) bool {
	return target == ErrNotExclusive
}

// IsPrecondition reports whether err is a state-machine rejection rather
// than an infrastructure failure. Rejections are permanent.
func IsPrecondition(err error) bool {
	for _, target := range []error{
		ErrInvalidOrderStatus, ErrOrderExpired, ErrFillDeadline, ErrWrongDomain,
		ErrWrongSettler, ErrInvalidSolver, ErrAlreadyFilled, ErrNotExclusive,
		ErrUnsupportedPolicy, ErrNotOrderOwner, ErrInvalidSignature, ErrInvalidSolveParams,
		ErrInvalidDestination, ErrInvalidPurchaser, ErrPurchaseExpired, ErrAlreadyPurchased,
		ErrUnsupportedScheme, ErrNonceUsed, ErrNoInputs, ErrNoOutputs, ErrInvalidAddress,
		ErrPayloadTooLarge, ErrMalformedEncoding, ErrCallbackTarget, ErrUnknownOracle,
		ErrNotProven, ErrInsufficientBalance, ErrInsufficientAllow, ErrAuthorizationWindow,
		ErrUnauthorized, ErrOrderNotExpired, ErrOrderMismatch, ErrPriceOverflow,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Reason returns a short machine-readable label for err, used as a metric label
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidOrderStatus):
		return "invalid_order_status"
	case errors.Is(err, ErrOrderExpired):
		return "order_expired"
	case errors.Is(err, ErrOrderNotExpired):
		return "order_not_expired"
	case errors.Is(err, ErrFillDeadline):
		return "fill_deadline"
	case errors.Is(err, ErrAlreadyFilled):
		return "already_filled"
	case errors.Is(err, ErrNotExclusive):
		return "not_exclusive"
	case errors.Is(err, ErrNotProven):
		return "not_proven"
	case errors.Is(err, ErrPriceOverflow):
		return "price_overflow"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientAllow):
		return "transfer_failed"
	case IsPrecondition(err):
		return "precondition"
	default:
		return "internal"
	}
}
