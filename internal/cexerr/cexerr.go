// Package cexerr defines the error taxonomy shared by the server and
// the Go client. Handlers map these onto HTTP statuses; everything else
// wraps them with context.
package cexerr

import "errors"

var (
	// ErrValidation covers malformed requests rejected before any state
	// mutation: bad JSON, missing fields, out-of-range values.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownCategory is a ValidationError for a category outside the
	// known set. Unknown categories are a configuration error, not a
	// trust decision; they are rejected, never defaulted either way.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrPermissionDenied means a "never" level blocked the send.
	// Deliberately indistinguishable from ErrRelationshipInactive at the
	// API boundary so a sender learns nothing about the recipient's
	// configuration.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRelationshipInactive means the connection is missing, pending,
	// or removed.
	ErrRelationshipInactive = errors.New("relationship inactive")

	// ErrNotFound is a missing entity on a path the caller may know about.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is an entity the caller is not a party to.
	ErrForbidden = errors.New("forbidden")
)

// IsDenied reports whether err is one of the two conditions that must
// surface as the same vague failure to a sender.
func IsDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrRelationshipInactive)
}
