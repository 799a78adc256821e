package dataplane

import "errors"

var (
	// ErrAlreadyExists reports that a write found identical state already
	// programmed, e.g. a table entry left over from a previous run.
	ErrAlreadyExists = errors.New("entry already exists")

	// ErrTransient reports a failure worth retrying: RPC timeout, backend
	// temporarily unreachable.
	ErrTransient = errors.New("transient dataplane failure")

	// ErrNotLoaded is returned by backends used before Load/connect.
	ErrNotLoaded = errors.New("dataplane not loaded")
)

// IsAlreadyExists reports whether err is an idempotent-setup conflict.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IgnoreExisting returns nil for ErrAlreadyExists and err otherwise.
func IgnoreExisting(err error) error {
	if IsAlreadyExists(err) {
		return nil
	}
	return err
}
