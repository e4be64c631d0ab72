package opticoll

import "fmt"

// ErrorCode enumerates engine error categories used across packages.
type ErrorCode int

const (
	// Unknown represents an unspecified error condition.
	Unknown ErrorCode = iota
	// DuplicateKey marks an insert of a key already present in the derived view.
	DuplicateKey
	// KeyUpdateNotAllowed marks an update mutator attempting to change a record's key.
	KeyUpdateNotAllowed
	// SchemaValidation marks a schema rejection of an inserted or updated value.
	SchemaValidation
	// MissingHandler marks a direct (no-transaction) mutator call with no configured handler.
	MissingHandler
	// KeyNotFound marks an update or delete mutator targeting a key absent from the derived view.
	KeyNotFound
	// CollectionRequiresConfig marks a Collection constructed with missing required config.
	CollectionRequiresConfig
	// Cancelled marks a teardown/cancellation of a pending completion.
	Cancelled
)

// Error is an engine-specific error carrying a code, the wrapped error and optional user data.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

// Error implements the error interface by formatting the code, user data, and wrapped error details.
func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

// Unwrap exposes the wrapped error so errors.Is/errors.As work across package boundaries.
func (e Error) Unwrap() error {
	return e.Err
}

// New builds an Error with the given code and wraps msg as its error text.
func New(code ErrorCode, userData any, msg string, args ...any) Error {
	return Error{Code: code, Err: fmt.Errorf(msg, args...), UserData: userData}
}
