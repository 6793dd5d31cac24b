package flow

import "errors"

var (
	// ErrValidation covers malformed requests: bad addresses, non-positive
	// amounts, unknown tokens.
	ErrValidation = errors.New("invalid request")

	// ErrForbidden means the caller proved an identity that is not the party
	// allowed to perform this action.
	ErrForbidden = errors.New("not authorized for this action")

	// ErrStateConflict means the activity is no longer open: already settled,
	// cancelled, claimed, or reclaimed. Callers show "already used", not
	// "try again".
	ErrStateConflict = errors.New("activity is no longer open")
)
