package protocol

import (
	"github.com/borges-library/borges/internal/errors"
	"github.com/borges-library/borges/internal/retry"
)

// Classify is the retry classifier for errors returned by Client.
//
// Client errors (bad request, auth, unknown method, rejected parameters), a
// handshake without session id, tool-reported failures and caller
// cancellation are permanent. A rejected session is permanent for the
// executor as well: recovering from it needs a new session, which the caller
// arranges. Everything else is transient.
func Classify(err error) retry.Class {
	pErr, ok := errors.As(err)
	if !ok {
		return retry.Transient
	}
	switch pErr.Kind {
	case errors.KindPermanent, errors.KindSessionInvalid, errors.KindCanceled:
		return retry.Permanent
	default:
		return retry.Transient
	}
}
