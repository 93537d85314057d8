package mpesa

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/shopspring/decimal"
)

// AuthError reports a failed OAuth2 client-credentials exchange. Status
// and Body carry the provider's response when one was received.
type AuthError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mpesa: token exchange failed: %v", e.Err)
	}
	return fmt.Sprintf("mpesa: token exchange rejected: status=%d body=%q", e.Status, e.Body)
}

func (e *AuthError) Unwrap() error { return e.Err }

// GatewayError reports a provider error envelope on any operation
// endpoint.
type GatewayError struct {
	Code        string
	Description string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("mpesa: provider rejected request: code=%s desc=%q", e.Code, e.Description)
}

// TimeoutError reports that a network call exceeded its deadline. Retry
// policy belongs to the caller.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mpesa: %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// InvalidAmountError rejects amounts that are not a positive whole number
// of provider units. Fractional amounts are never truncated.
type InvalidAmountError struct {
	Amount decimal.Decimal
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("mpesa: amount %s is not a positive whole unit", e.Amount)
}

// StillProcessing reports whether a status-query failure just means the
// payer has not answered the prompt yet.
func StillProcessing(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Code == codeStillProcessing
}

// timeoutOrNil converts deadline failures into TimeoutError; any other
// error returns nil so the caller can classify it differently.
func timeoutOrNil(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	return nil
}
