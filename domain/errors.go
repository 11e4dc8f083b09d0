package domain

import "errors"

var (
	// ErrNotFound indicates an update or delete addressed a record that
	// does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a create addressed a record that is
	// already present.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrForbidden indicates the resolved owner of an entity does not
	// match the authenticated account.
	ErrForbidden = errors.New("account does not own entity")
)
