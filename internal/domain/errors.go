package domain

import "errors"

// Sentinel error kinds shared across stores. Callers classify failures with
// errors.Is against these and read the wrapped message for detail.
var (
	// ErrInvalidArgument signals a null/empty/too-long argument or one that
	// contains a forbidden character (commas in user or role names).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound signals a user, role, or tenant that was required to exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists signals a duplicate username, email, or role name
	// inside the tenant.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPolicyViolation signals a password rejected by the strength policy
	// or the validation hook, or a populated role deleted with
	// throwOnPopulatedRole set.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrLockedOut signals an operation blocked because the account is locked.
	ErrLockedOut = errors.New("account is locked out")

	// ErrUnsupportedOperation signals an operation disabled by configuration
	// or impossible for the stored password format.
	ErrUnsupportedOperation = errors.New("operation not supported")

	// ErrWrongAnswer signals a failed password-answer check. The failed
	// attempt has already been counted toward lockout when this is returned.
	ErrWrongAnswer = errors.New("password answer is incorrect")

	// ErrConsistencyFault signals a write that affected an unexpected number
	// of rows. It indicates a race or logic bug and is never retried.
	ErrConsistencyFault = errors.New("consistency fault")

	// ErrTransientStore signals a connection or timeout failure. The whole
	// operation ran in one transaction that was rolled back, so it is safe
	// to retry.
	ErrTransientStore = errors.New("transient store error")
)
