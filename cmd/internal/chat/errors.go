package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidArgument     = errors.New("invalid_argument")
	ErrInvalidParticipant  = errors.New("invalid_participant")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not_found")
	ErrDeleteWindowExpired = errors.New("delete_window_expired")
	ErrRateLimited         = errors.New("rate_limited")
	ErrTransientStore      = errors.New("transient_store_error")

	// ErrDuplicateSuppressed marks an idempotent resend. It is never returned as an error;
	// SendResult.Outcome reports it so transports can surface it as a success.
	ErrDuplicateSuppressed = errors.New("duplicate_suppressed")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Err carries the underlying cause (driver error, context error) when there is one.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// storeErr classifies a persistence failure. Not-found passes through as ErrNotFound;
// anything else aborts the operation as a retryable ErrTransientStore.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case nil:
		return OpError{Op: op, Kind: ErrTransientStore, Err: err}
	case ErrNotFound:
		return OpError{Op: op, Kind: ErrNotFound}
	default:
		return err
	}
}

// KindOf returns the sentinel kind carried by err, or nil when err is not a chat error.
func KindOf(err error) error {
	for _, k := range []error{
		ErrInvalidArgument,
		ErrInvalidParticipant,
		ErrUnauthorized,
		ErrNotFound,
		ErrDeleteWindowExpired,
		ErrRateLimited,
		ErrTransientStore,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnauthorized reports whether err represents ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }
