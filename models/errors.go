package models

import "github.com/pkg/errors"

var (
	ErrAuthFailure        = errors.New("invalid credentials")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrMalformedEvent     = errors.New("malformed event")
)

// Kind returns the wire name of err's category, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailure):
		return "AuthFailure"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrStorageUnavailable):
		return "StorageUnavailable"
	case errors.Is(err, ErrAlreadyConnected):
		return "AlreadyConnected"
	case errors.Is(err, ErrCapacityExceeded):
		return "CapacityExceeded"
	case errors.Is(err, ErrUsernameTaken):
		return "UsernameTaken"
	case errors.Is(err, ErrMalformedEvent):
		return "MalformedEvent"
	}
	return "internal"
}

// PublicMessage is the text a client may see for err. Request problems keep
// their detail; everything else is reduced to the category so driver and
// network errors stay in the logs.
func PublicMessage(err error) string {
	for _, known := range []error{
		ErrAuthFailure,
		ErrUsernameTaken,
		ErrCapacityExceeded,
		ErrAlreadyConnected,
		ErrStorageUnavailable,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotFound), errors.Is(err, ErrMalformedEvent):
		return err.Error()
	}
	return "internal error"
}
