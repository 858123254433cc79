package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so the controller can
// classify failures without knowing the concrete client.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrNotionalTooSmall     = errors.New("order notional below exchange minimum")
	ErrReduceOnlyRejected   = errors.New("reduce-only order rejected")

	// Ledger Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrAlreadyClosed  = errors.New("trade already closed")
)

// IsTransient reports whether err is a retryable I/O failure. Everything else is
// treated as permanent: business rejections, auth failures, invalid requests.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, ErrDBConnection)
}

// IsRateLimited reports whether the request was refused before execution.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
