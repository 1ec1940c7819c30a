package rbac

import "errors"

var (
	// ErrInsufficientRole is returned when a principal lacks all of the
	// required roles. The required roles are logged server-side but never
	// included in the error text.
	ErrInsufficientRole = errors.New("insufficient role")

	// ErrInsufficientPermission is returned when a principal lacks a
	// required permission.
	ErrInsufficientPermission = errors.New("insufficient permission")
)
